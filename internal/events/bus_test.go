package events

import (
	"bytes"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/portfolio-ledger/internal/model"
)

func TestBus_DeliversToAllSubscribers(t *testing.T) {
	bus := NewBus(slog.New(slog.NewTextHandler(io.Discard, nil)))

	var (
		mu  sync.Mutex
		got []string
	)
	for _, name := range []string{"feed", "achievements"} {
		name := name
		require.NoError(t, bus.SubscribeTrades(name, func(evt model.TradeEvent) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, name+":"+evt.TransactionID)
		}))
	}

	bus.PublishTrade(model.TradeEvent{TransactionID: "tx-1", Symbol: "AAPL", Price: decimal.NewFromInt(10)})
	bus.Wait()

	assert.ElementsMatch(t, []string{"feed:tx-1", "achievements:tx-1"}, got)
}

func TestBus_SubscriberPanicIsContained(t *testing.T) {
	var logs bytes.Buffer
	bus := NewBus(slog.New(slog.NewTextHandler(&logs, nil)))

	var delivered bool
	var mu sync.Mutex
	require.NoError(t, bus.SubscribeTrades("broken", func(model.TradeEvent) { panic("boom") }))
	require.NoError(t, bus.SubscribeTrades("ok", func(model.TradeEvent) {
		mu.Lock()
		delivered = true
		mu.Unlock()
	}))

	assert.NotPanics(t, func() {
		bus.PublishTrade(model.TradeEvent{TransactionID: "tx-2"})
		bus.Wait()
	})
	assert.True(t, delivered)
	assert.Contains(t, logs.String(), "trade subscriber panicked")
}
