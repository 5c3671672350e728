package ledger_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/portfolio-ledger/internal/ledger"
	"github.com/atmx/portfolio-ledger/internal/model"
	"github.com/atmx/portfolio-ledger/internal/oracle"
	"github.com/atmx/portfolio-ledger/internal/store"
	"github.com/atmx/portfolio-ledger/internal/throttle"
)

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type recorder struct {
	mu          sync.Mutex
	events      []model.TradeEvent
	invalidated []string
}

func (r *recorder) PublishTrade(evt model.TradeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) Invalidate(_ context.Context, ns model.Namespace) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invalidated = append(r.invalidated, ns.Key())
	return nil
}

func (r *recorder) eventCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type testEnv struct {
	exec   *ledger.Executor
	store  *store.MemoryStore
	oracle *oracle.StaticOracle
	rec    *recorder
}

func newTestEnv(t *testing.T, opts ...ledger.Option) *testEnv {
	t.Helper()
	env := &testEnv{
		store: store.NewMemoryStore(),
		oracle: oracle.NewStaticOracle(map[string]decimal.Decimal{
			"AAPL": d(150),
			"MSFT": d(400),
		}),
		rec: &recorder{},
	}
	opts = append([]ledger.Option{
		ledger.WithLogger(quietLogger()),
		ledger.WithPublisher(env.rec),
		ledger.WithInvalidator(env.rec),
	}, opts...)
	env.exec = ledger.NewExecutor(env.store, env.oracle, ledger.DefaultConfig(), opts...)
	return env
}

func (env *testEnv) open(t *testing.T, ns model.Namespace, cash int64) {
	t.Helper()
	var err error
	if ns.Kind == model.KindLeague {
		_, err = env.exec.JoinLeague(context.Background(), ns.LeagueID, ns.UserID, d(cash))
	} else {
		_, err = env.exec.OpenPersonal(context.Background(), ns.UserID, d(cash))
	}
	require.NoError(t, err)
}

func (env *testEnv) cash(t *testing.T, ns model.Namespace) decimal.Decimal {
	t.Helper()
	acct, err := env.store.GetAccount(context.Background(), ns)
	require.NoError(t, err)
	return acct.Cash
}

func (env *testEnv) holding(t *testing.T, ns model.Namespace, symbol string) (model.Holding, bool) {
	t.Helper()
	holdings, err := env.store.GetHoldings(context.Background(), ns)
	require.NoError(t, err)
	for _, h := range holdings {
		if h.Symbol == symbol {
			return h, true
		}
	}
	return model.Holding{}, false
}

func assertDecimal(t *testing.T, want int64, got decimal.Decimal, msg string) {
	t.Helper()
	assert.True(t, got.Equal(d(want)), "%s: want %d, got %s", msg, want, got)
}

// --- Worked scenarios ---

func TestBuySell_WeightedAverageScenarios(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ns := model.Personal("alice")
	env.open(t, ns, 10000)

	// A
	rcpt, err := env.exec.Buy(ctx, ns, "AAPL", 10, d(150))
	require.NoError(t, err)
	assert.NotEmpty(t, rcpt.TransactionID)
	assert.Equal(t, int64(1), rcpt.Sequence)
	assertDecimal(t, 8500, env.cash(t, ns), "A cash")
	h, ok := env.holding(t, ns, "AAPL")
	require.True(t, ok)
	assert.Equal(t, int64(10), h.Shares)
	assertDecimal(t, 150, h.AvgCost, "A avg")

	// B
	_, err = env.exec.Buy(ctx, ns, "AAPL", 10, d(200))
	require.NoError(t, err)
	assertDecimal(t, 6500, env.cash(t, ns), "B cash")
	h, _ = env.holding(t, ns, "AAPL")
	assert.Equal(t, int64(20), h.Shares)
	assertDecimal(t, 175, h.AvgCost, "B avg")

	// C
	rcpt, err = env.exec.Sell(ctx, ns, "AAPL", 15, d(210))
	require.NoError(t, err)
	assertDecimal(t, 9650, env.cash(t, ns), "C cash")
	assertDecimal(t, 525, rcpt.RealizedPnL, "C realized") // (210-175)*15
	h, _ = env.holding(t, ns, "AAPL")
	assert.Equal(t, int64(5), h.Shares)
	assertDecimal(t, 175, h.AvgCost, "C avg unchanged by sell")

	// D
	rcpt, err = env.exec.Sell(ctx, ns, "AAPL", 5, d(220))
	require.NoError(t, err)
	assertDecimal(t, 10750, env.cash(t, ns), "D cash")
	assert.Equal(t, int64(0), rcpt.ResultingShares)
	_, ok = env.holding(t, ns, "AAPL")
	assert.False(t, ok, "zero-share holding must be removed")

	// E
	_, err = env.exec.Buy(ctx, ns, "XYZ", 1000, d(1000))
	var fe *ledger.InsufficientFundsError
	require.ErrorAs(t, err, &fe)
	assertDecimal(t, 1000000, fe.Needed, "E needed")
	assertDecimal(t, 10750, fe.Available, "E available")
	assertDecimal(t, 10750, env.cash(t, ns), "E cash unchanged")
	_, ok = env.holding(t, ns, "XYZ")
	assert.False(t, ok)

	log, err := env.store.GetTransactions(ctx, ns)
	require.NoError(t, err)
	require.Len(t, log, 4, "rejected buy must not be logged")
	assert.Equal(t, []int64{10, 10, -15, -5}, []int64{log[0].ShareDelta, log[1].ShareDelta, log[2].ShareDelta, log[3].ShareDelta})
}

func TestLeagueNamespaces_AreIsolated(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	a := model.League("spring", "bob")
	b := model.League("summer", "bob")
	personal := model.Personal("bob")
	env.open(t, a, 10000)
	env.open(t, b, 50000)
	env.open(t, personal, 7000)

	_, err := env.exec.Buy(ctx, a, "AAPL", 10, d(100))
	require.NoError(t, err)
	_, err = env.exec.Buy(ctx, b, "MSFT", 3, d(400))
	require.NoError(t, err)

	assertDecimal(t, 9000, env.cash(t, a), "league a")
	assertDecimal(t, 48800, env.cash(t, b), "league b")
	assertDecimal(t, 7000, env.cash(t, personal), "personal")

	_, ok := env.holding(t, a, "MSFT")
	assert.False(t, ok)
	_, ok = env.holding(t, b, "AAPL")
	assert.False(t, ok)

	// Selling in b cannot draw on a's shares.
	_, err = env.exec.Sell(ctx, b, "AAPL", 1, d(100))
	var se *ledger.InsufficientSharesError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, int64(0), se.Owned)
}

// --- Validation and rejections ---

func TestTrade_Validation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ns := model.Personal("alice")
	env.open(t, ns, 10000)

	tests := []struct {
		name   string
		ns     model.Namespace
		symbol string
		shares int64
		price  decimal.Decimal
		field  string
	}{
		{"zero shares", ns, "AAPL", 0, d(10), "shares"},
		{"negative shares", ns, "AAPL", -3, d(10), "shares"},
		{"zero price", ns, "AAPL", 1, decimal.Zero, "price"},
		{"negative price", ns, "AAPL", 1, d(-1), "price"},
		{"bad symbol", ns, "not a ticker", 1, d(10), "symbol"},
		{"missing user", model.Namespace{Kind: model.KindPersonal}, "AAPL", 1, d(10), "namespace"},
		{"ambiguous namespace", model.Namespace{Kind: model.KindPersonal, LeagueID: "x", UserID: "alice"}, "AAPL", 1, d(10), "namespace"},
		{"league without id", model.Namespace{Kind: model.KindLeague, UserID: "alice"}, "AAPL", 1, d(10), "namespace"},
		{"unknown account", model.Personal("ghost"), "AAPL", 1, d(10), "namespace"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.exec.Buy(ctx, tt.ns, tt.symbol, tt.shares, tt.price)
			var ve *ledger.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
			assert.ErrorIs(t, err, ledger.ErrInvalidRequest)
			assert.False(t, ledger.IsRetryable(err))
		})
	}

	assertDecimal(t, 10000, env.cash(t, ns), "cash untouched")
	assert.Zero(t, env.rec.eventCount())
}

func TestTrade_LowercaseSymbolIsNormalized(t *testing.T) {
	env := newTestEnv(t)
	ns := model.Personal("alice")
	env.open(t, ns, 10000)

	rcpt, err := env.exec.Buy(context.Background(), ns, " aapl ", 1, d(100))
	require.NoError(t, err)
	assert.Equal(t, "AAPL", rcpt.Symbol)
}

func TestTrade_LockedNamespace(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ns := model.League("spring", "alice")
	env.open(t, ns, 10000)
	_, err := env.exec.Buy(ctx, ns, "AAPL", 10, d(100))
	require.NoError(t, err)

	acct, err := env.exec.Lock(ctx, ledger.LockCommand{Namespace: ns, Reason: "season over"})
	require.NoError(t, err)
	assert.True(t, acct.Locked)

	_, err = env.exec.Buy(ctx, ns, "AAPL", 1, d(100))
	var le *ledger.NamespaceLockedError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, ns, le.Namespace)

	_, err = env.exec.Sell(ctx, ns, "AAPL", 1, d(100))
	require.ErrorAs(t, err, &le)

	// Reads remain allowed.
	assertDecimal(t, 9000, env.cash(t, ns), "cash readable while locked")

	// Unlock is explicit.
	_, err = env.exec.Unlock(ctx, ledger.UnlockCommand{Namespace: ns})
	require.NoError(t, err)
	_, err = env.exec.Sell(ctx, ns, "AAPL", 1, d(100))
	assert.NoError(t, err)
}

func TestLockLeague(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.open(t, model.League("spring", "a"), 1000)
	env.open(t, model.League("spring", "b"), 1000)
	env.open(t, model.League("summer", "a"), 1000)

	n, err := env.exec.LockLeague(ctx, ledger.LockLeagueCommand{LeagueID: "spring"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	acct, err := env.store.GetAccount(ctx, model.League("summer", "a"))
	require.NoError(t, err)
	assert.False(t, acct.Locked)

	_, err = env.exec.LockLeague(ctx, ledger.LockLeagueCommand{})
	var ve *ledger.ValidationError
	assert.ErrorAs(t, err, &ve)
}

// --- Execute: oracle and throttles ---

func TestExecute_ResolvesPriceFromOracle(t *testing.T) {
	env := newTestEnv(t)
	ns := model.Personal("alice")
	env.open(t, ns, 10000)

	rcpt, err := env.exec.Execute(context.Background(), ledger.TradeRequest{
		Namespace: ns, Symbol: "AAPL", Side: model.SideBuy, Shares: 2,
	})
	require.NoError(t, err)
	assertDecimal(t, 150, rcpt.Price, "oracle price")
	assertDecimal(t, 9700, rcpt.ResultingCash, "cash")
}

func TestExecute_OracleFailureIsExternalAndRetryable(t *testing.T) {
	env := newTestEnv(t)
	ns := model.Personal("alice")
	env.open(t, ns, 10000)

	_, err := env.exec.Execute(context.Background(), ledger.TradeRequest{
		Namespace: ns, Symbol: "NOPE", Side: model.SideBuy, Shares: 1,
	})
	var xe *ledger.ExternalServiceError
	require.ErrorAs(t, err, &xe)
	assert.ErrorIs(t, err, oracle.ErrUnavailable)
	assert.True(t, ledger.IsRetryable(err))

	assertDecimal(t, 10000, env.cash(t, ns), "no mutation")
	log, _ := env.store.GetTransactions(context.Background(), ns)
	assert.Empty(t, log)
}

func TestExecute_OracleTimeoutIsBounded(t *testing.T) {
	st := store.NewMemoryStore()
	hang := oracle.Func(func(ctx context.Context, _ string) (oracle.Quote, error) {
		<-ctx.Done()
		return oracle.Quote{}, ctx.Err()
	})
	cfg := ledger.DefaultConfig()
	cfg.OracleTimeout = 20 * time.Millisecond
	exec := ledger.NewExecutor(st, hang, cfg, ledger.WithLogger(quietLogger()))
	_, err := exec.OpenPersonal(context.Background(), "alice", d(1000))
	require.NoError(t, err)

	start := time.Now()
	_, err = exec.Execute(context.Background(), ledger.TradeRequest{
		Namespace: model.Personal("alice"), Symbol: "AAPL", Side: model.SideBuy, Shares: 1,
	})
	var xe *ledger.ExternalServiceError
	require.ErrorAs(t, err, &xe)
	assert.Less(t, time.Since(start), time.Second)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(dur time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(dur)
}

func TestExecute_Throttles(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)}
	cfg := throttle.DefaultConfig()
	cfg.DailyLossLimit = d(500)
	guard := throttle.NewGuard(cfg).WithClock(clock.now)
	env := newTestEnv(t, ledger.WithGuard(guard), ledger.WithClock(clock.now))
	ctx := context.Background()
	ns := model.Personal("alice")
	env.open(t, ns, 100000)

	buy := ledger.TradeRequest{Namespace: ns, Symbol: "AAPL", Side: model.SideBuy, Shares: 10, Price: d(100)}
	_, err := env.exec.Execute(ctx, buy)
	require.NoError(t, err)

	// Cooldown on the same symbol.
	_, err = env.exec.Execute(ctx, buy)
	var tv *ledger.ThrottleViolation
	require.ErrorAs(t, err, &tv)
	assert.Equal(t, throttle.ReasonCooldown, tv.Reason)
	assert.Equal(t, 2*time.Second, tv.RetryAfter)

	// Administrative trades skip throttles.
	bypass := buy
	bypass.Bypass = true
	_, err = env.exec.Execute(ctx, bypass)
	require.NoError(t, err)

	// Position size: 45000 of 145000 is over 25%.
	clock.advance(5 * time.Second)
	big := ledger.TradeRequest{Namespace: ns, Symbol: "MSFT", Side: model.SideBuy, Shares: 150, Price: d(300)}
	_, err = env.exec.Execute(ctx, big)
	require.ErrorAs(t, err, &tv)
	assert.Equal(t, throttle.ReasonPositionSize, tv.Reason)

	// A realized loss past the limit trips the daily breaker.
	sell := ledger.TradeRequest{Namespace: ns, Symbol: "AAPL", Side: model.SideSell, Shares: 20, Price: d(70)}
	rcpt, err := env.exec.Execute(ctx, sell)
	require.NoError(t, err)
	assertDecimal(t, -600, rcpt.RealizedPnL, "realized")
	assertDecimal(t, -600, guard.RealizedToday("alice"), "guard aggregate")

	clock.advance(5 * time.Second)
	_, err = env.exec.Execute(ctx, ledger.TradeRequest{Namespace: ns, Symbol: "MSFT", Side: model.SideBuy, Shares: 1, Price: d(300)})
	require.ErrorAs(t, err, &tv)
	assert.Equal(t, throttle.ReasonDailyLoss, tv.Reason)
	assert.False(t, ledger.IsRetryable(err))
}

// --- Faults ---

var errDiskFull = errors.New("disk full")

// faultyStore runs the caller's mutation and then fails the commit.
type faultyStore struct {
	store.Store
}

func (s faultyStore) Update(ctx context.Context, ns model.Namespace, fn func(tx store.Tx) error) error {
	return s.Store.Update(ctx, ns, func(tx store.Tx) error {
		if err := fn(tx); err != nil {
			return err
		}
		return errDiskFull
	})
}

func TestTrade_CommitFailureIsLedgerFault(t *testing.T) {
	ms := store.NewMemoryStore()
	rec := &recorder{}
	exec := ledger.NewExecutor(faultyStore{ms}, nil, ledger.DefaultConfig(),
		ledger.WithLogger(quietLogger()), ledger.WithPublisher(rec))
	ctx := context.Background()
	ns := model.Personal("alice")
	_, err := ms.CreateAccount(ctx, ns, d(1000))
	require.NoError(t, err)

	_, err = exec.Buy(ctx, ns, "AAPL", 1, d(100))
	var lf *ledger.LedgerFault
	require.ErrorAs(t, err, &lf)
	assert.ErrorIs(t, err, errDiskFull)
	assert.True(t, ledger.IsRetryable(err))
	assert.Equal(t, "BUY", lf.Op)

	acct, _ := ms.GetAccount(ctx, ns)
	assertDecimal(t, 1000, acct.Cash, "no partial mutation")
	log, _ := ms.GetTransactions(ctx, ns)
	assert.Empty(t, log)
	assert.Zero(t, rec.eventCount(), "no event for a failed commit")

	// Business rejections are not faults even on a failing store.
	_, err = exec.Buy(ctx, ns, "AAPL", 100, d(100))
	var fe *ledger.InsufficientFundsError
	assert.ErrorAs(t, err, &fe)
	assert.False(t, ledger.IsRetryable(err))
}

// --- Concurrency ---

func TestConcurrentSells_NeverOversell(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ns := model.Personal("alice")
	env.open(t, ns, 100000)
	_, err := env.exec.Buy(ctx, ns, "AAPL", 100, d(10))
	require.NoError(t, err)

	const n, per = 20, 7
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok, fail int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.exec.Sell(ctx, ns, "AAPL", per, d(12))
			mu.Lock()
			defer mu.Unlock()
			var se *ledger.InsufficientSharesError
			switch {
			case err == nil:
				ok++
			case errors.As(err, &se):
				fail++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 100/per, ok)
	assert.Equal(t, n-100/per, fail)
	h, held := env.holding(t, ns, "AAPL")
	require.True(t, held)
	assert.Equal(t, int64(100-(100/per)*per), h.Shares)
}

func TestConcurrentBuys_NoDoubleSpend(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	ns := model.Personal("alice")
	env.open(t, ns, 1000)

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			env.exec.Buy(ctx, ns, "AAPL", 1, d(100))
		}()
	}
	wg.Wait()

	assertDecimal(t, 0, env.cash(t, ns), "cash")
	h, _ := env.holding(t, ns, "AAPL")
	assert.Equal(t, int64(10), h.Shares)

	report, err := env.exec.Audit(ctx, ns)
	require.NoError(t, err)
	assert.True(t, report.Consistent, "drift: %v", report.Drift)
}

// --- Events, fees, accounts ---

func TestTrade_PublishesEventAndInvalidates(t *testing.T) {
	env := newTestEnv(t)
	ns := model.League("spring", "alice")
	env.open(t, ns, 10000)

	rcpt, err := env.exec.Buy(context.Background(), ns, "AAPL", 4, d(150))
	require.NoError(t, err)

	require.Equal(t, 1, env.rec.eventCount())
	evt := env.rec.events[0]
	assert.Equal(t, rcpt.TransactionID, evt.TransactionID)
	assert.Equal(t, ns, evt.Namespace)
	assert.Equal(t, model.SideBuy, evt.Side)
	assert.Equal(t, int64(4), evt.Shares)
	assert.Equal(t, int64(4), evt.ResultingShares)
	assertDecimal(t, 9400, evt.ResultingCash, "event cash")

	assert.Contains(t, env.rec.invalidated, ns.Key())
}

type panickyPublisher struct{}

func (panickyPublisher) PublishTrade(model.TradeEvent) { panic("subscriber bug") }

func TestTrade_PublisherPanicDoesNotFailTrade(t *testing.T) {
	env := newTestEnv(t, ledger.WithPublisher(panickyPublisher{}))
	ns := model.Personal("alice")
	env.open(t, ns, 1000)

	_, err := env.exec.Buy(context.Background(), ns, "AAPL", 1, d(100))
	require.NoError(t, err)
	assertDecimal(t, 900, env.cash(t, ns), "committed")
}

func TestTrade_Fees(t *testing.T) {
	st := store.NewMemoryStore()
	cfg := ledger.DefaultConfig()
	cfg.FeeRate = decimal.RequireFromString("0.01")
	exec := ledger.NewExecutor(st, nil, cfg, ledger.WithLogger(quietLogger()))
	ctx := context.Background()
	ns := model.Personal("alice")
	_, err := exec.OpenPersonal(ctx, "alice", d(1010))
	require.NoError(t, err)

	rcpt, err := exec.Buy(ctx, ns, "AAPL", 10, d(100))
	require.NoError(t, err)
	assertDecimal(t, 10, rcpt.Fee, "buy fee")
	assertDecimal(t, 0, rcpt.ResultingCash, "cash after buy")
	assertDecimal(t, 100, rcpt.AvgCost, "fee excluded from avg cost")

	rcpt, err = exec.Sell(ctx, ns, "AAPL", 10, d(100))
	require.NoError(t, err)
	assertDecimal(t, 990, rcpt.ResultingCash, "cash after sell")
	assertDecimal(t, -10, rcpt.RealizedPnL, "fee is a realized loss")

	// With the fee, cost exceeds cash.
	_, err = exec.Buy(ctx, ns, "AAPL", 99, d(10))
	var fe *ledger.InsufficientFundsError
	require.ErrorAs(t, err, &fe)
	assert.True(t, fe.Shortfall().Equal(decimal.RequireFromString("9.9")))
}

func TestOpenAccount(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	acct, err := env.exec.OpenPersonal(ctx, "alice", decimal.Zero)
	require.NoError(t, err)
	assertDecimal(t, 10000, acct.Cash, "default starting cash")
	assertDecimal(t, 10000, acct.StartingCash, "starting cash")

	_, err = env.exec.OpenPersonal(ctx, "alice", d(5))
	var ve *ledger.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.ErrorIs(t, err, store.ErrAccountExists)

	_, err = env.exec.JoinLeague(ctx, "", "alice", d(5))
	require.ErrorAs(t, err, &ve)

	_, err = env.exec.JoinLeague(ctx, "spring", "alice", d(-5))
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "starting_cash", ve.Field)

	league, err := env.exec.JoinLeague(ctx, "spring", "alice", d(25000))
	require.NoError(t, err)
	assert.Greater(t, league.JoinSeq, acct.JoinSeq)
}
