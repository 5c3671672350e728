package throttle

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/portfolio-ledger/internal/model"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func richExposure() Exposure { return Exposure{Cash: dec(1_000_000)} }

func newTestGuard(cfg Config) (*Guard, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)}
	return NewGuard(cfg).WithClock(clock.now), clock
}

func buyReq(user, symbol string) Request {
	return Request{UserID: user, Symbol: symbol, Side: model.SideBuy, Shares: 1, Price: dec(10), Exposure: richExposure()}
}

func record(g *Guard, c *fakeClock, user, symbol string) {
	g.Record(user, Trade{Timestamp: c.now(), Symbol: symbol, Side: model.SideBuy, Shares: 1, Price: dec(10)}, decimal.Zero)
}

func TestGuard_Cooldown(t *testing.T) {
	g, clock := newTestGuard(DefaultConfig())

	require.Nil(t, g.Check(buyReq("u1", "AAPL")))
	record(g, clock, "u1", "AAPL")

	clock.advance(500 * time.Millisecond)
	v := g.Check(buyReq("u1", "AAPL"))
	require.NotNil(t, v)
	assert.Equal(t, ReasonCooldown, v.Reason)
	assert.Equal(t, 1500*time.Millisecond, v.RetryAfter)

	// Other symbols and other users are unaffected.
	assert.Nil(t, g.Check(buyReq("u1", "MSFT")))
	assert.Nil(t, g.Check(buyReq("u2", "AAPL")))

	clock.advance(1500 * time.Millisecond)
	assert.Nil(t, g.Check(buyReq("u1", "AAPL")))
}

func TestGuard_Frequency(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxTradesPerWindow = 3
	g, clock := newTestGuard(cfg)

	for _, sym := range []string{"A", "B", "C"} {
		require.Nil(t, g.Check(buyReq("u1", sym)))
		record(g, clock, "u1", sym)
		clock.advance(5 * time.Second)
	}

	v := g.Check(buyReq("u1", "D"))
	require.NotNil(t, v)
	assert.Equal(t, ReasonFrequency, v.Reason)
	// Oldest trade was 15s ago; it leaves the window in 45s.
	assert.Equal(t, 45*time.Second, v.RetryAfter)

	clock.advance(46 * time.Second)
	assert.Nil(t, g.Check(buyReq("u1", "D")))
}

func TestGuard_PositionSize(t *testing.T) {
	g, _ := newTestGuard(DefaultConfig())

	// total = 7500 + 0 + 2500 = 10000, limit 25% = 2500 -> allowed at the boundary.
	req := Request{UserID: "u1", Symbol: "AAPL", Side: model.SideBuy, Shares: 25, Price: dec(100),
		Exposure: Exposure{Cash: dec(7500)}}
	assert.Nil(t, g.Check(req))

	req.Shares = 26
	v := g.Check(req)
	require.NotNil(t, v)
	assert.Equal(t, ReasonPositionSize, v.Reason)
	assert.Zero(t, v.RetryAfter)

	// Existing position counts toward the limit.
	req = Request{UserID: "u1", Symbol: "AAPL", Side: model.SideBuy, Shares: 1, Price: dec(100),
		Exposure: Exposure{Cash: dec(5000), SymbolValue: dec(3000), HoldingsValue: dec(3000)}}
	v = g.Check(req)
	require.NotNil(t, v)
	assert.Equal(t, ReasonPositionSize, v.Reason)

	// Sells are never position-size limited.
	req.Side = model.SideSell
	assert.Nil(t, g.Check(req))
}

func TestGuard_DailyLoss(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DailyLossLimit = dec(1000)
	g, clock := newTestGuard(cfg)

	g.Record("u1", Trade{Timestamp: clock.now(), Symbol: "AAPL", Side: model.SideSell, Shares: 10, Price: dec(90)}, dec(-600))
	clock.advance(time.Hour)
	assert.Nil(t, g.Check(buyReq("u1", "MSFT")))

	g.Record("u1", Trade{Timestamp: clock.now(), Symbol: "AAPL", Side: model.SideSell, Shares: 10, Price: dec(90)}, dec(-400))
	clock.advance(time.Hour)
	assert.True(t, g.RealizedToday("u1").Equal(dec(-1000)))

	v := g.Check(buyReq("u1", "MSFT"))
	require.NotNil(t, v)
	assert.Equal(t, ReasonDailyLoss, v.Reason)
	assert.Equal(t, 7*time.Hour, v.RetryAfter) // 17:00 -> midnight UTC

	// Sells are blocked too.
	sell := buyReq("u1", "MSFT")
	sell.Side = model.SideSell
	assert.NotNil(t, g.Check(sell))

	// A new day resets the aggregate.
	clock.advance(8 * time.Hour)
	assert.Nil(t, g.Check(buyReq("u1", "MSFT")))
	assert.True(t, g.RealizedToday("u1").IsZero())
}

func TestGuard_CheckOrder(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxTradesPerWindow = 1
	cfg.DailyLossLimit = dec(1)
	g, clock := newTestGuard(cfg)

	g.Record("u1", Trade{Timestamp: clock.now(), Symbol: "AAPL", Side: model.SideSell, Shares: 1, Price: dec(1)}, dec(-10))

	// Cooldown, frequency, position size and daily loss all fail: cooldown wins.
	req := Request{UserID: "u1", Symbol: "AAPL", Side: model.SideBuy, Shares: 100, Price: dec(100), Exposure: Exposure{Cash: dec(1)}}
	assert.Equal(t, ReasonCooldown, g.Check(req).Reason)

	req.Symbol = "MSFT"
	assert.Equal(t, ReasonFrequency, g.Check(req).Reason)

	clock.advance(2 * time.Minute)
	assert.Equal(t, ReasonPositionSize, g.Check(req).Reason)

	req.Shares = 1
	req.Price = dec(1)
	req.Exposure = richExposure()
	assert.Equal(t, ReasonDailyLoss, g.Check(req).Reason)
}

func TestGuard_Disabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	g, clock := newTestGuard(cfg)
	record(g, clock, "u1", "AAPL")
	assert.Nil(t, g.Check(buyReq("u1", "AAPL")))
}

func TestGuard_HistoryIsBounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HistorySize = 4
	cfg.MaxTradesPerWindow = 2
	g, clock := newTestGuard(cfg)

	for i := 0; i < 10; i++ {
		record(g, clock, "u1", "AAPL")
		clock.advance(3 * time.Second)
	}
	assert.Len(t, g.users["u1"].history, 4)

	g.Reset("u1")
	assert.Nil(t, g.Check(buyReq("u1", "AAPL")))
}

func TestGuard_FrequencyCapAboveHistorySize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxTradesPerWindow = 200
	cfg.HistorySize = 128
	g, clock := newTestGuard(cfg)
	assert.Equal(t, 200, g.Config().HistorySize)

	for i := 0; i < 300; i++ {
		record(g, clock, "u1", "AAPL")
		clock.advance(100 * time.Millisecond)
	}
	assert.Len(t, g.users["u1"].history, 200)

	v := g.Check(buyReq("u1", "MSFT"))
	require.NotNil(t, v)
	assert.Equal(t, ReasonFrequency, v.Reason)
}

func TestViolation_Error(t *testing.T) {
	v := &Violation{Reason: ReasonCooldown, RetryAfter: time.Second, Detail: "x"}
	assert.Contains(t, v.Error(), "cooldown")
	assert.Contains(t, v.Error(), "retry after 1s")
}
