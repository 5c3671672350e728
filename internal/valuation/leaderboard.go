package valuation

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-ledger/internal/ledger"
	"github.com/atmx/portfolio-ledger/internal/metrics"
	"github.com/atmx/portfolio-ledger/internal/model"
	"github.com/atmx/portfolio-ledger/internal/store"
)

// Leaderboard is a ranked scope. Derived data, never authoritative.
type Leaderboard struct {
	Scope       string                   `json:"scope"`
	Mode        Mode                     `json:"mode"`
	Entries     []model.LeaderboardEntry `json:"entries"`
	Partial     bool                     `json:"partial"`
	GeneratedAt time.Time                `json:"generated_at"`
	Generation  int64                    `json:"generation"` // scope generation the board was computed at
}

func leaderboardKey(scope store.Scope, mode Mode) string {
	return "leaderboard:" + scope.Key() + ":" + string(mode)
}

// Leaderboard ranks every account of a scope, served from the cache when a
// fresh copy exists. Partial leaderboards are returned but not cached, so
// the next request retries the missing prices.
func (e *Engine) Leaderboard(ctx context.Context, scope store.Scope, mode Mode) (*Leaderboard, error) {
	if _, err := ParseMode(string(mode)); err != nil {
		return nil, err
	}
	if scope.Kind == model.KindLeague && scope.LeagueID == "" {
		return nil, fmt.Errorf("valuation: league scope requires a league id")
	}
	key := leaderboardKey(scope, mode)

	// The generation is read before any account so a commit landing while
	// the board is computed leaves it tagged with the older generation.
	cached := e.cache != nil
	var gen int64
	if cached {
		var err error
		if gen, err = e.cache.Generation(ctx, scope.Key()); err != nil {
			e.logger.Warn("leaderboard generation read failed", "scope", scope.Key(), "err", err)
			cached = false
		}
	}
	if cached {
		lb, ok, err := e.cache.Get(ctx, key)
		switch {
		case err != nil:
			e.logger.Warn("leaderboard cache read failed", "key", key, "err", err)
		case ok && lb.Generation == gen:
			metrics.LeaderboardCacheHits.WithLabelValues("hit").Inc()
			return lb, nil
		}
		metrics.LeaderboardCacheHits.WithLabelValues("miss").Inc()
	}

	accounts, err := e.store.ListAccounts(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("valuation: list %s: %w", scope.Key(), err)
	}
	namespaces := make([]model.Namespace, len(accounts))
	for i, a := range accounts {
		namespaces[i] = a.Namespace
	}
	entries, err := e.Rank(ctx, namespaces, mode)
	if err != nil {
		return nil, err
	}

	lb := &Leaderboard{
		Scope:       scope.Key(),
		Mode:        mode,
		Entries:     entries,
		GeneratedAt: e.now().UTC(),
		Generation:  gen,
	}
	for _, en := range entries {
		if en.Partial {
			lb.Partial = true
			break
		}
	}

	if cached && !lb.Partial {
		if err := e.cache.Set(ctx, key, lb, e.cfg.CacheTTL); err != nil {
			e.logger.Warn("leaderboard cache write failed", "key", key, "err", err)
		}
	}
	return lb, nil
}

// Invalidate advances the generation of the scope ns belongs to, which
// retires every cached board of that scope, including one still being
// computed. It is the executor's post-commit hook.
func (e *Engine) Invalidate(ctx context.Context, ns model.Namespace) error {
	if e.cache == nil {
		return nil
	}
	return e.cache.Bump(ctx, store.ScopeOf(ns).Key())
}

// Stats are trading statistics derived from the transaction log with
// weighted-average cost, not from live prices. They cover the current
// season (since the last reset).
type Stats struct {
	Namespace   model.Namespace `json:"namespace"`
	Trades      int             `json:"trades"`
	Buys        int             `json:"buys"`
	Sells       int             `json:"sells"`
	Wins        int             `json:"wins"`
	Losses      int             `json:"losses"`
	WinRate     decimal.Decimal `json:"win_rate"` // fraction of sells with positive realized P&L
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Resets      int             `json:"resets"`
}

// Stats replays the log of ns.
func (e *Engine) Stats(ctx context.Context, ns model.Namespace) (*Stats, error) {
	if err := ns.Validate(); err != nil {
		return nil, fmt.Errorf("valuation: %w", err)
	}
	snap, err := e.store.Snapshot(ctx, ns, true)
	if err != nil {
		return nil, fmt.Errorf("valuation: %w", err)
	}
	st, err := ledger.Replay(snap.Account.InitialCash, snap.Transactions)
	if err != nil {
		return nil, fmt.Errorf("valuation: stats for %s: %w", ns.Key(), err)
	}
	return &Stats{
		Namespace:   ns,
		Trades:      st.Buys + st.Sells,
		Buys:        st.Buys,
		Sells:       st.Sells,
		Wins:        st.Wins,
		Losses:      st.Losses,
		WinRate:     st.WinRate().Round(4),
		RealizedPnL: st.RealizedPnL,
		Resets:      st.Resets,
	}, nil
}
