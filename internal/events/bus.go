// Package events distributes trade-completed events to downstream
// consumers (websocket feed, activity log, achievements). Delivery is
// asynchronous and fire-and-forget: a slow or failing subscriber never
// delays or rolls back the committed trade.
package events

import (
	"fmt"
	"log/slog"

	"github.com/asaskevich/EventBus"

	"github.com/atmx/portfolio-ledger/internal/model"
)

// TopicTradeCompleted carries model.TradeEvent values.
const TopicTradeCompleted = "trade.completed"

// Bus wraps an EventBus.Bus with typed trade subscriptions.
type Bus struct {
	bus    EventBus.Bus
	logger *slog.Logger
}

// NewBus creates an empty bus. A nil logger uses slog.Default().
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{bus: EventBus.New(), logger: logger}
}

// PublishTrade hands the event to every subscriber. It returns without
// waiting for them.
func (b *Bus) PublishTrade(evt model.TradeEvent) {
	b.bus.Publish(TopicTradeCompleted, evt)
}

// SubscribeTrades registers fn under name. Each subscriber runs on its own
// goroutine per event; panics are recovered and logged.
func (b *Bus) SubscribeTrades(name string, fn func(model.TradeEvent)) error {
	handler := func(evt model.TradeEvent) {
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("trade subscriber panicked",
					"subscriber", name,
					"transaction_id", evt.TransactionID,
					"panic", fmt.Sprint(r),
				)
			}
		}()
		fn(evt)
	}
	if err := b.bus.SubscribeAsync(TopicTradeCompleted, handler, false); err != nil {
		return fmt.Errorf("events: subscribe %s: %w", name, err)
	}
	b.logger.Info("subscribed to topic", "topic", TopicTradeCompleted, "subscriber", name)
	return nil
}

// Wait blocks until all in-flight deliveries finish. Used on shutdown and
// in tests.
func (b *Bus) Wait() {
	b.bus.WaitAsync()
}

// ActivityLogger returns a subscriber that writes each trade to logger.
func ActivityLogger(logger *slog.Logger) func(model.TradeEvent) {
	return func(evt model.TradeEvent) {
		logger.Info("activity",
			"transaction_id", evt.TransactionID,
			"namespace", evt.Namespace.Key(),
			"symbol", evt.Symbol,
			"side", evt.Side,
			"shares", evt.Shares,
			"price", evt.Price.String(),
			"resulting_cash", evt.ResultingCash.String(),
		)
	}
}
