// Package valuation computes portfolio values and leaderboard rankings.
//
// Everything here is read-only. A price that cannot be looked up counts as
// zero and marks the result partial; it is never replaced by a default.
package valuation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/portfolio-ledger/internal/metrics"
	"github.com/atmx/portfolio-ledger/internal/model"
	"github.com/atmx/portfolio-ledger/internal/oracle"
	"github.com/atmx/portfolio-ledger/internal/store"
)

// Mode selects the leaderboard score.
type Mode string

const (
	ModeAbsoluteValue    Mode = "absolute_value"
	ModePercentageReturn Mode = "percentage_return"
)

// ParseMode validates a scoring mode. Empty means absolute value.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeAbsoluteValue:
		return ModeAbsoluteValue, nil
	case ModePercentageReturn:
		return ModePercentageReturn, nil
	}
	return "", fmt.Errorf("valuation: unknown scoring mode %q", s)
}

var hundred = decimal.NewFromInt(100)

// Position is one valued holding.
type Position struct {
	Symbol        string          `json:"symbol"`
	Shares        int64           `json:"shares"`
	AvgCost       decimal.Decimal `json:"avg_cost"`
	Price         decimal.Decimal `json:"price"`
	MarketValue   decimal.Decimal `json:"market_value"`
	CostBasis     decimal.Decimal `json:"cost_basis"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	Priced        bool            `json:"priced"`
}

// Valuation is a point-in-time snapshot of one namespace.
type Valuation struct {
	Namespace      model.Namespace `json:"namespace"`
	Cash           decimal.Decimal `json:"cash"`
	StockValue     decimal.Decimal `json:"stock_value"`
	TotalValue     decimal.Decimal `json:"total_value"`
	CostBasis      decimal.Decimal `json:"cost_basis"`
	StartingCash   decimal.Decimal `json:"starting_cash"`
	ProfitLoss     decimal.Decimal `json:"profit_loss"`
	ReturnPct      decimal.Decimal `json:"return_pct"` // percent, 12.5 = +12.5%
	Positions      []Position      `json:"positions"`
	Partial        bool            `json:"partial"`
	MissingSymbols []string        `json:"missing_symbols,omitempty"`
	Locked         bool            `json:"locked"`
	JoinSeq        int64           `json:"join_seq"`
	AsOf           time.Time       `json:"as_of"`
}

// returnFraction is (total - starting) / starting, zero without a basis.
func (v *Valuation) returnFraction() decimal.Decimal {
	if !v.StartingCash.IsPositive() {
		return decimal.Zero
	}
	return v.TotalValue.Sub(v.StartingCash).Div(v.StartingCash)
}

// Score is the ranking key under mode.
func (v *Valuation) Score(mode Mode) decimal.Decimal {
	if mode == ModePercentageReturn {
		return v.returnFraction()
	}
	return v.TotalValue
}

// Config holds engine settings.
type Config struct {
	LookupTimeout time.Duration // per price lookup
	Concurrency   int           // parallel valuations in Rank
	CacheTTL      time.Duration // leaderboard cache lifetime
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		LookupTimeout: 2 * time.Second,
		Concurrency:   8,
		CacheTTL:      30 * time.Second,
	}
}

// Engine values namespaces and ranks them.
type Engine struct {
	store  store.Store
	oracle oracle.Oracle
	cache  Cache
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewEngine creates an engine. A nil cache disables leaderboard caching.
func NewEngine(st store.Store, o oracle.Oracle, cache Cache, cfg Config, logger *slog.Logger) *Engine {
	def := DefaultConfig()
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = def.LookupTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:  st,
		oracle: o,
		cache:  cache,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Valuate computes cash + sum(shares * price) for one namespace.
func (e *Engine) Valuate(ctx context.Context, ns model.Namespace) (*Valuation, error) {
	return e.valuate(ctx, ns, newPriceBook(e.oracle, e.cfg.LookupTimeout))
}

func (e *Engine) valuate(ctx context.Context, ns model.Namespace, prices *priceBook) (*Valuation, error) {
	if err := ns.Validate(); err != nil {
		return nil, fmt.Errorf("valuation: %w", err)
	}
	snap, err := e.store.Snapshot(ctx, ns, false)
	if err != nil {
		return nil, fmt.Errorf("valuation: %w", err)
	}
	acct, holdings := snap.Account, snap.Holdings

	v := &Valuation{
		Namespace:    ns,
		Cash:         acct.Cash,
		StartingCash: acct.StartingCash,
		Locked:       acct.Locked,
		JoinSeq:      acct.JoinSeq,
		Positions:    make([]Position, 0, len(holdings)),
		AsOf:         e.now().UTC(),
	}
	for _, h := range holdings {
		p := Position{
			Symbol:    h.Symbol,
			Shares:    h.Shares,
			AvgCost:   h.AvgCost,
			CostBasis: h.CostBasis(),
		}
		price, ok := prices.get(ctx, h.Symbol)
		if ok {
			p.Priced = true
			p.Price = price
			p.MarketValue = price.Mul(decimal.NewFromInt(h.Shares))
			p.UnrealizedPnL = p.MarketValue.Sub(p.CostBasis)
		} else {
			v.Partial = true
			v.MissingSymbols = append(v.MissingSymbols, h.Symbol)
		}
		v.StockValue = v.StockValue.Add(p.MarketValue)
		v.CostBasis = v.CostBasis.Add(p.CostBasis)
		v.Positions = append(v.Positions, p)
	}
	v.TotalValue = v.Cash.Add(v.StockValue)
	v.ProfitLoss = v.TotalValue.Sub(v.StartingCash)
	v.ReturnPct = v.returnFraction().Mul(hundred).Round(4)

	if v.Partial {
		metrics.PartialValuations.Inc()
		e.logger.Warn("partial valuation", "namespace", ns.Key(), "missing", v.MissingSymbols)
	}
	return v, nil
}

// Rank values every namespace and orders them by score descending, then
// total value descending, then join order, then namespace key. Prices are
// looked up once per symbol for the whole ranking.
func (e *Engine) Rank(ctx context.Context, namespaces []model.Namespace, mode Mode) ([]model.LeaderboardEntry, error) {
	if _, err := ParseMode(string(mode)); err != nil {
		return nil, err
	}
	prices := newPriceBook(e.oracle, e.cfg.LookupTimeout)
	vals := make([]*Valuation, len(namespaces))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for i, ns := range namespaces {
		i, ns := i, ns
		g.Go(func() error {
			v, err := e.valuate(gctx, ns, prices)
			if err != nil {
				return err
			}
			vals[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.SliceStable(vals, func(i, j int) bool {
		a, b := vals[i], vals[j]
		if c := a.Score(mode).Cmp(b.Score(mode)); c != 0 {
			return c > 0
		}
		if c := a.TotalValue.Cmp(b.TotalValue); c != 0 {
			return c > 0
		}
		if a.JoinSeq != b.JoinSeq {
			return a.JoinSeq < b.JoinSeq
		}
		return a.Namespace.Key() < b.Namespace.Key()
	})

	entries := make([]model.LeaderboardEntry, len(vals))
	for i, v := range vals {
		entries[i] = model.LeaderboardEntry{
			Namespace:  v.Namespace,
			Rank:       i + 1,
			TotalValue: v.TotalValue,
			Cash:       v.Cash,
			StockValue: v.StockValue,
			ProfitLoss: v.ProfitLoss,
			ReturnPct:  v.ReturnPct,
			Score:      v.Score(mode),
			Partial:    v.Partial,
		}
	}
	return entries, nil
}

// priceBook memoizes lookups so one computation sees one price per symbol.
// Failures are memoized too: a symbol missing once stays missing for the
// rest of the computation.
type priceBook struct {
	oracle  oracle.Oracle
	timeout time.Duration

	mu      sync.Mutex
	entries map[string]*priceEntry
}

type priceEntry struct {
	once  sync.Once
	price decimal.Decimal
	ok    bool
}

func newPriceBook(o oracle.Oracle, timeout time.Duration) *priceBook {
	return &priceBook{oracle: o, timeout: timeout, entries: make(map[string]*priceEntry)}
}

func (b *priceBook) get(ctx context.Context, symbol string) (decimal.Decimal, bool) {
	if b.oracle == nil {
		return decimal.Zero, false
	}
	b.mu.Lock()
	ent, ok := b.entries[symbol]
	if !ok {
		ent = &priceEntry{}
		b.entries[symbol] = ent
	}
	b.mu.Unlock()

	ent.once.Do(func() {
		q, err := oracle.LookupWithTimeout(ctx, b.oracle, symbol, b.timeout)
		if err != nil {
			metrics.OracleErrors.WithLabelValues("valuation").Inc()
			return
		}
		ent.price, ent.ok = q.Price, true
	})
	return ent.price, ent.ok
}
