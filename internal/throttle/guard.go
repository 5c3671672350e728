// Package throttle implements pre-trade risk controls: per-symbol cooldown,
// trade frequency, position size and a daily realized-loss circuit breaker.
//
// State is process-local and best-effort. Ledger correctness never depends
// on it; the guard only rejects trades early.
package throttle

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-ledger/internal/model"
)

// Reason is a machine-readable violation code.
type Reason string

const (
	ReasonCooldown     Reason = "cooldown"
	ReasonFrequency    Reason = "frequency"
	ReasonPositionSize Reason = "position_size"
	ReasonDailyLoss    Reason = "daily_loss"
)

// Violation is returned when a trade is rejected by the guard.
type Violation struct {
	Reason     Reason        `json:"reason"`
	RetryAfter time.Duration `json:"retry_after"`
	Detail     string        `json:"detail"`
}

func (v *Violation) Error() string {
	if v.RetryAfter > 0 {
		return fmt.Sprintf("throttle: %s: %s (retry after %s)", v.Reason, v.Detail, v.RetryAfter)
	}
	return fmt.Sprintf("throttle: %s: %s", v.Reason, v.Detail)
}

// Config defines guard limits. Zero values fall back to defaults.
type Config struct {
	Enabled            bool
	Cooldown           time.Duration
	FrequencyWindow    time.Duration
	MaxTradesPerWindow int
	MaxPositionPct     decimal.Decimal // fraction, 0.25 = 25%
	DailyLossLimit     decimal.Decimal // positive magnitude
	HistorySize        int // trades retained per user; never below MaxTradesPerWindow
}

// DefaultConfig returns the limits used when none are configured.
func DefaultConfig() Config {
	return Config{
		Enabled:            true,
		Cooldown:           2 * time.Second,
		FrequencyWindow:    time.Minute,
		MaxTradesPerWindow: 10,
		MaxPositionPct:     decimal.RequireFromString("0.25"),
		DailyLossLimit:     decimal.NewFromInt(5000),
		HistorySize:        128,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Cooldown <= 0 {
		c.Cooldown = def.Cooldown
	}
	if c.FrequencyWindow <= 0 {
		c.FrequencyWindow = def.FrequencyWindow
	}
	if c.MaxTradesPerWindow <= 0 {
		c.MaxTradesPerWindow = def.MaxTradesPerWindow
	}
	if !c.MaxPositionPct.IsPositive() {
		c.MaxPositionPct = def.MaxPositionPct
	}
	if !c.DailyLossLimit.IsPositive() {
		c.DailyLossLimit = def.DailyLossLimit
	}
	if c.HistorySize <= 0 {
		c.HistorySize = def.HistorySize
	}
	// The frequency check counts retained trades, so the ring must hold at
	// least one full window.
	if c.HistorySize < c.MaxTradesPerWindow {
		c.HistorySize = c.MaxTradesPerWindow
	}
	return c
}

// Trade is one observed trade.
type Trade struct {
	Timestamp time.Time
	Symbol    string
	Side      model.Side
	Shares    int64
	Price     decimal.Decimal
}

// Exposure describes the account the trade would land in. Values are
// computed by the caller from committed state.
type Exposure struct {
	Cash          decimal.Decimal // current cash
	SymbolValue   decimal.Decimal // existing position in the traded symbol
	HoldingsValue decimal.Decimal // all existing positions, including SymbolValue
}

// Request is the input to Check.
type Request struct {
	UserID   string
	Symbol   string
	Side     model.Side
	Shares   int64
	Price    decimal.Decimal
	Exposure Exposure
}

type userState struct {
	history []Trade // ring buffer
	next    int

	lossDay  string // UTC date of the realized aggregate
	realized decimal.Decimal
}

func (u *userState) add(t Trade, size int) {
	if len(u.history) < size {
		u.history = append(u.history, t)
		return
	}
	u.history[u.next] = t
	u.next = (u.next + 1) % size
}

// Guard evaluates pre-trade throttles.
type Guard struct {
	mu    sync.Mutex
	cfg   Config
	users map[string]*userState
	now   func() time.Time
}

// NewGuard creates a guard with the given limits.
func NewGuard(cfg Config) *Guard {
	return &Guard{
		cfg:   cfg.withDefaults(),
		users: make(map[string]*userState),
		now:   time.Now,
	}
}

// WithClock replaces the time source. Intended for tests.
func (g *Guard) WithClock(now func() time.Time) *Guard {
	g.now = now
	return g
}

// Config returns the effective limits.
func (g *Guard) Config() Config {
	return g.cfg
}

// Check returns the first failing throttle in fixed order: cooldown,
// frequency, position size, daily loss. It does not record the trade.
func (g *Guard) Check(req Request) *Violation {
	if !g.cfg.Enabled {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	u := g.users[req.UserID]

	if v := g.checkCooldown(u, req, now); v != nil {
		return v
	}
	if v := g.checkFrequency(u, now); v != nil {
		return v
	}
	if v := g.checkPositionSize(req); v != nil {
		return v
	}
	return g.checkDailyLoss(u, now)
}

func (g *Guard) checkCooldown(u *userState, req Request, now time.Time) *Violation {
	if u == nil {
		return nil
	}
	var last time.Time
	for _, t := range u.history {
		if t.Symbol == req.Symbol && t.Timestamp.After(last) {
			last = t.Timestamp
		}
	}
	if last.IsZero() {
		return nil
	}
	elapsed := now.Sub(last)
	if elapsed >= g.cfg.Cooldown {
		return nil
	}
	remaining := g.cfg.Cooldown - elapsed
	return &Violation{
		Reason:     ReasonCooldown,
		RetryAfter: remaining,
		Detail:     fmt.Sprintf("%s traded %s ago, cooldown is %s", req.Symbol, elapsed.Round(time.Millisecond), g.cfg.Cooldown),
	}
}

func (g *Guard) checkFrequency(u *userState, now time.Time) *Violation {
	if u == nil {
		return nil
	}
	cutoff := now.Add(-g.cfg.FrequencyWindow)
	count := 0
	var oldest time.Time
	for _, t := range u.history {
		if t.Timestamp.After(cutoff) {
			count++
			if oldest.IsZero() || t.Timestamp.Before(oldest) {
				oldest = t.Timestamp
			}
		}
	}
	if count < g.cfg.MaxTradesPerWindow {
		return nil
	}
	return &Violation{
		Reason:     ReasonFrequency,
		RetryAfter: oldest.Add(g.cfg.FrequencyWindow).Sub(now),
		Detail:     fmt.Sprintf("%d trades in the last %s, limit is %d", count, g.cfg.FrequencyWindow, g.cfg.MaxTradesPerWindow),
	}
}

// checkPositionSize rejects a buy whose resulting position exceeds
// MaxPositionPct of cash + existing holdings + the new position.
func (g *Guard) checkPositionSize(req Request) *Violation {
	if req.Side != model.SideBuy {
		return nil
	}
	tradeValue := req.Price.Mul(decimal.NewFromInt(req.Shares))
	position := req.Exposure.SymbolValue.Add(tradeValue)
	total := req.Exposure.Cash.Add(req.Exposure.HoldingsValue).Add(tradeValue)
	if !total.IsPositive() {
		return nil
	}
	limit := total.Mul(g.cfg.MaxPositionPct)
	if position.LessThanOrEqual(limit) {
		return nil
	}
	return &Violation{
		Reason: ReasonPositionSize,
		Detail: fmt.Sprintf("%s position %s would exceed %s%% of account value %s",
			req.Symbol, position.StringFixed(2), g.cfg.MaxPositionPct.Shift(2).String(), total.StringFixed(2)),
	}
}

func (g *Guard) checkDailyLoss(u *userState, now time.Time) *Violation {
	if u == nil || u.lossDay != day(now) {
		return nil
	}
	if u.realized.GreaterThan(g.cfg.DailyLossLimit.Neg()) {
		return nil
	}
	utc := now.UTC()
	tomorrow := time.Date(utc.Year(), utc.Month(), utc.Day()+1, 0, 0, 0, 0, time.UTC)
	return &Violation{
		Reason:     ReasonDailyLoss,
		RetryAfter: tomorrow.Sub(now),
		Detail:     fmt.Sprintf("realized loss today %s reached limit %s", u.realized.StringFixed(2), g.cfg.DailyLossLimit.StringFixed(2)),
	}
}

// Record stores a committed trade and its realized P&L (zero for buys).
func (g *Guard) Record(userID string, t Trade, realizedPnL decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()

	u, ok := g.users[userID]
	if !ok {
		u = &userState{}
		g.users[userID] = u
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = g.now()
	}
	u.add(t, g.cfg.HistorySize)

	today := day(t.Timestamp)
	if u.lossDay != today {
		u.lossDay = today
		u.realized = decimal.Zero
	}
	u.realized = u.realized.Add(realizedPnL)
}

// RealizedToday returns today's realized P&L aggregate for a user.
func (g *Guard) RealizedToday(userID string) decimal.Decimal {
	g.mu.Lock()
	defer g.mu.Unlock()

	u, ok := g.users[userID]
	if !ok || u.lossDay != day(g.now()) {
		return decimal.Zero
	}
	return u.realized
}

// Reset forgets all state of a user.
func (g *Guard) Reset(userID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.users, userID)
}

func day(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
