// Package ledger executes trades and administrative commands against the
// account store.
//
// Every mutation runs inside store.Update, so cash, holdings and the
// transaction log of a namespace change as one unit or not at all. Prices
// are resolved before the namespace is locked. Throttles are checked
// against committed state and are advisory only.
//
// All monetary values use shopspring/decimal, never float64.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-ledger/internal/metrics"
	"github.com/atmx/portfolio-ledger/internal/model"
	"github.com/atmx/portfolio-ledger/internal/oracle"
	"github.com/atmx/portfolio-ledger/internal/store"
	"github.com/atmx/portfolio-ledger/internal/throttle"
)

// Publisher receives trade-completed events. Implementations must not block.
type Publisher interface {
	PublishTrade(evt model.TradeEvent)
}

// Invalidator is notified after every commit so derived views (cached
// reads, leaderboards) can be dropped.
type Invalidator interface {
	Invalidate(ctx context.Context, ns model.Namespace) error
}

// Config holds executor settings.
type Config struct {
	DefaultStartingCash decimal.Decimal // used when an account is opened with zero cash
	FeeRate             decimal.Decimal // proportional fee, 0.001 = 10bps; zero disables fees
	OracleTimeout       time.Duration
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		DefaultStartingCash: decimal.NewFromInt(10000),
		OracleTimeout:       2 * time.Second,
	}
}

// Executor is the trade executor. It is safe for concurrent use; all
// serialization happens in the store, per namespace.
type Executor struct {
	store       store.Store
	oracle      oracle.Oracle
	guard       *throttle.Guard
	cfg         Config
	publisher   Publisher
	invalidator Invalidator
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures an Executor.
type Option func(*Executor)

// WithGuard enables pre-trade throttles in Execute.
func WithGuard(g *throttle.Guard) Option { return func(e *Executor) { e.guard = g } }

// WithPublisher sets the trade-completed event sink.
func WithPublisher(p Publisher) Option { return func(e *Executor) { e.publisher = p } }

// WithInvalidator sets the post-commit invalidation hook.
func WithInvalidator(inv Invalidator) Option { return func(e *Executor) { e.invalidator = inv } }

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option { return func(e *Executor) { e.logger = l } }

// WithClock replaces the time source used for record timestamps.
func WithClock(now func() time.Time) Option { return func(e *Executor) { e.now = now } }

// NewExecutor creates an executor. The oracle may be nil when every trade
// carries its own price.
func NewExecutor(st store.Store, o oracle.Oracle, cfg Config, opts ...Option) *Executor {
	def := DefaultConfig()
	if !cfg.DefaultStartingCash.IsPositive() {
		cfg.DefaultStartingCash = def.DefaultStartingCash
	}
	if cfg.OracleTimeout <= 0 {
		cfg.OracleTimeout = def.OracleTimeout
	}
	e := &Executor{
		store:  st,
		oracle: o,
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Receipt describes a committed trade.
type Receipt struct {
	TransactionID   string          `json:"transaction_id"`
	Namespace       model.Namespace `json:"namespace"`
	Symbol          string          `json:"symbol"`
	Side            model.Side      `json:"side"`
	Shares          int64           `json:"shares"`
	Price           decimal.Decimal `json:"price"`
	Fee             decimal.Decimal `json:"fee"`
	Amount          decimal.Decimal `json:"amount"`
	ResultingCash   decimal.Decimal `json:"resulting_cash"`
	ResultingShares int64           `json:"resulting_shares"`
	AvgCost         decimal.Decimal `json:"avg_cost"`
	RealizedPnL     decimal.Decimal `json:"realized_pnl"`
	Sequence        int64           `json:"sequence"`
	Timestamp       time.Time       `json:"timestamp"`
}

// Event converts the receipt into the trade-completed event.
func (r *Receipt) Event() model.TradeEvent {
	return model.TradeEvent{
		TransactionID:   r.TransactionID,
		Namespace:       r.Namespace,
		Symbol:          r.Symbol,
		Side:            r.Side,
		Shares:          r.Shares,
		Price:           r.Price,
		Fee:             r.Fee,
		ResultingCash:   r.ResultingCash,
		ResultingShares: r.ResultingShares,
		RealizedPnL:     r.RealizedPnL,
		Timestamp:       r.Timestamp,
	}
}

// TradeRequest is the input to Execute.
type TradeRequest struct {
	Namespace model.Namespace
	Symbol    string
	Side      model.Side
	Shares    int64
	Price     decimal.Decimal // zero: resolve through the oracle
	Bypass    bool            // skip throttles (administrative trades)
}

// Buy purchases shares at price. Fails with InsufficientFundsError when cash
// does not cover cost plus fee.
func (e *Executor) Buy(ctx context.Context, ns model.Namespace, symbol string, shares int64, price decimal.Decimal) (*Receipt, error) {
	return e.trade(ctx, ns, symbol, model.SideBuy, shares, price)
}

// Sell disposes of shares at price. Fails with InsufficientSharesError when
// fewer than shares are held. Sells never change avg cost.
func (e *Executor) Sell(ctx context.Context, ns model.Namespace, symbol string, shares int64, price decimal.Decimal) (*Receipt, error) {
	return e.trade(ctx, ns, symbol, model.SideSell, shares, price)
}

// Execute runs the full trade flow: validate, resolve the price, check
// throttles, commit, then notify.
func (e *Executor) Execute(ctx context.Context, req TradeRequest) (*Receipt, error) {
	symbol, err := validateTrade(req.Namespace, req.Symbol, req.Side, req.Shares)
	if err != nil {
		metrics.Rejections.WithLabelValues("validation").Inc()
		return nil, err
	}
	if req.Price.IsNegative() {
		metrics.Rejections.WithLabelValues("validation").Inc()
		return nil, &ValidationError{Field: "price", Reason: "must be positive"}
	}

	price := req.Price
	if price.IsZero() {
		if price, err = e.resolvePrice(ctx, symbol); err != nil {
			return nil, err
		}
	}

	if e.guard != nil && !req.Bypass {
		if err := e.checkThrottle(ctx, req.Namespace, symbol, req.Side, req.Shares, price); err != nil {
			return nil, err
		}
	}

	rcpt, err := e.trade(ctx, req.Namespace, symbol, req.Side, req.Shares, price)
	if err != nil {
		return nil, err
	}

	if e.guard != nil {
		e.guard.Record(req.Namespace.UserID, throttle.Trade{
			Timestamp: rcpt.Timestamp,
			Symbol:    rcpt.Symbol,
			Side:      rcpt.Side,
			Shares:    rcpt.Shares,
			Price:     rcpt.Price,
		}, rcpt.RealizedPnL)
	}
	return rcpt, nil
}

func (e *Executor) resolvePrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if e.oracle == nil {
		return decimal.Zero, &ValidationError{Field: "price", Reason: "required when no price oracle is configured"}
	}
	q, err := oracle.LookupWithTimeout(ctx, e.oracle, symbol, e.cfg.OracleTimeout)
	if err != nil {
		metrics.OracleErrors.WithLabelValues("trade").Inc()
		e.logger.Warn("price lookup failed", "symbol", symbol, "err", err)
		return decimal.Zero, &ExternalServiceError{Service: "price oracle", Err: err}
	}
	return q.Price, nil
}

// checkThrottle evaluates the guard against committed state. Holdings other
// than the traded symbol are valued at cost; the traded symbol at price.
func (e *Executor) checkThrottle(ctx context.Context, ns model.Namespace, symbol string, side model.Side, shares int64, price decimal.Decimal) error {
	snap, err := e.store.Snapshot(ctx, ns, false)
	if err != nil {
		return e.classify("throttle", ns, err)
	}

	exp := throttle.Exposure{Cash: snap.Account.Cash}
	for _, h := range snap.Holdings {
		v := h.CostBasis()
		if h.Symbol == symbol {
			v = price.Mul(decimal.NewFromInt(h.Shares))
			exp.SymbolValue = v
		}
		exp.HoldingsValue = exp.HoldingsValue.Add(v)
	}

	v := e.guard.Check(throttle.Request{
		UserID:   ns.UserID,
		Symbol:   symbol,
		Side:     side,
		Shares:   shares,
		Price:    price,
		Exposure: exp,
	})
	if v == nil {
		return nil
	}
	metrics.Rejections.WithLabelValues(string(v.Reason)).Inc()
	e.logger.Info("trade throttled",
		"namespace", ns.Key(),
		"symbol", symbol,
		"reason", v.Reason,
		"retry_after", v.RetryAfter,
	)
	return v
}

// trade validates and commits one buy or sell at a known price.
func (e *Executor) trade(ctx context.Context, ns model.Namespace, symbol string, side model.Side, shares int64, price decimal.Decimal) (*Receipt, error) {
	start := time.Now()

	symbol, err := validateTrade(ns, symbol, side, shares)
	if err == nil && !price.IsPositive() {
		err = &ValidationError{Field: "price", Reason: "must be positive"}
	}
	if err != nil {
		metrics.Rejections.WithLabelValues("validation").Inc()
		return nil, err
	}

	qty := decimal.NewFromInt(shares)
	gross := price.Mul(qty)
	fee := e.fee(gross)

	var rcpt *Receipt
	err = e.store.Update(ctx, ns, func(tx store.Tx) error {
		acct := tx.Account()
		if acct.Locked {
			return &NamespaceLockedError{Namespace: ns}
		}
		held, _ := tx.Holding(symbol)

		var (
			amount   decimal.Decimal
			realized decimal.Decimal
			after    = held
		)
		switch side {
		case model.SideBuy:
			cost := gross.Add(fee)
			if acct.Cash.LessThan(cost) {
				return &InsufficientFundsError{Needed: cost, Available: acct.Cash}
			}
			amount = cost.Neg()
			after.Symbol = symbol
			after.AvgCost = blendAvgCost(held, shares, price)
			after.Shares = held.Shares + shares
		case model.SideSell:
			if held.Shares < shares {
				return &InsufficientSharesError{Symbol: symbol, Requested: shares, Owned: held.Shares}
			}
			amount = gross.Sub(fee)
			realized = price.Sub(held.AvgCost).Mul(qty).Sub(fee)
			after.Shares = held.Shares - shares
		}

		cash := acct.Cash.Add(amount)
		tx.SetCash(cash)
		tx.PutHolding(after) // zero shares deletes the row

		rec := &model.TransactionRecord{
			ID:         uuid.New().String(),
			Symbol:     symbol,
			ShareDelta: signedDelta(side, shares),
			Price:      price,
			Side:       side,
			Fee:        fee,
			Amount:     amount,
			Timestamp:  e.now().UTC(),
		}
		tx.Append(rec)

		resultingAvg := after.AvgCost
		if after.Shares == 0 {
			resultingAvg = decimal.Zero
		}
		rcpt = &Receipt{
			TransactionID:   rec.ID,
			Namespace:       ns,
			Symbol:          symbol,
			Side:            side,
			Shares:          shares,
			Price:           price,
			Fee:             fee,
			Amount:          amount,
			ResultingCash:   cash,
			ResultingShares: after.Shares,
			AvgCost:         resultingAvg,
			RealizedPnL:     realized,
			Sequence:        rec.Sequence,
			Timestamp:       rec.Timestamp,
		}
		return nil
	})
	if err != nil {
		e.reject(side, ns, symbol, err)
		return nil, e.classify(string(side), ns, err)
	}

	metrics.TradesTotal.WithLabelValues(string(side)).Inc()
	metrics.TradeLatency.WithLabelValues(string(side)).Observe(time.Since(start).Seconds())
	e.logger.Info("trade committed",
		"transaction_id", rcpt.TransactionID,
		"namespace", ns.Key(),
		"symbol", symbol,
		"side", side,
		"shares", shares,
		"price", price.String(),
		"cash", rcpt.ResultingCash.String(),
		"sequence", rcpt.Sequence,
	)

	e.afterCommit(ctx, ns)
	e.publish(rcpt.Event())
	return rcpt, nil
}

// blendAvgCost is the weighted-average cost after buying shares at price.
func blendAvgCost(held model.Holding, shares int64, price decimal.Decimal) decimal.Decimal {
	if held.Shares == 0 {
		return price
	}
	oldShares := decimal.NewFromInt(held.Shares)
	newShares := decimal.NewFromInt(shares)
	total := oldShares.Add(newShares)
	return oldShares.Mul(held.AvgCost).Add(newShares.Mul(price)).Div(total)
}

func signedDelta(side model.Side, shares int64) int64 {
	if side == model.SideSell {
		return -shares
	}
	return shares
}

func (e *Executor) fee(gross decimal.Decimal) decimal.Decimal {
	if !e.cfg.FeeRate.IsPositive() {
		return decimal.Zero
	}
	return gross.Mul(e.cfg.FeeRate).Round(2)
}

// validateTrade checks the namespace, symbol, side and share count and
// returns the normalized symbol.
func validateTrade(ns model.Namespace, symbol string, side model.Side, shares int64) (string, error) {
	if err := ns.Validate(); err != nil {
		return "", &ValidationError{Field: "namespace", Reason: err.Error(), Err: err}
	}
	sym, err := model.NormalizeSymbol(symbol)
	if err != nil {
		return "", &ValidationError{Field: "symbol", Reason: err.Error(), Err: err}
	}
	if !side.Valid() {
		return "", &ValidationError{Field: "side", Reason: fmt.Sprintf("must be %s or %s", model.SideBuy, model.SideSell)}
	}
	if shares <= 0 {
		return "", &ValidationError{Field: "shares", Reason: "must be a positive integer"}
	}
	return sym, nil
}

// classify passes business rejections through and turns everything else
// into a ValidationError (unknown namespace) or a LedgerFault.
func (e *Executor) classify(op string, ns model.Namespace, err error) error {
	if isBusinessError(err) {
		return err
	}
	if errors.Is(err, store.ErrAccountNotFound) {
		return &ValidationError{Field: "namespace", Reason: "no account for " + ns.Key(), Err: err}
	}
	metrics.LedgerFaults.WithLabelValues(op).Inc()
	e.logger.Error("ledger fault",
		"op", op,
		"namespace", ns.Key(),
		"err", err,
	)
	return &LedgerFault{Op: op, Namespace: ns, Err: err}
}

func (e *Executor) reject(side model.Side, ns model.Namespace, symbol string, err error) {
	var (
		fe *InsufficientFundsError
		se *InsufficientSharesError
		le *NamespaceLockedError
	)
	var reason string
	switch {
	case errors.As(err, &fe):
		reason = "insufficient_funds"
	case errors.As(err, &se):
		reason = "insufficient_shares"
	case errors.As(err, &le):
		reason = "locked"
	default:
		return
	}
	metrics.Rejections.WithLabelValues(reason).Inc()
	e.logger.Info("trade rejected",
		"namespace", ns.Key(),
		"symbol", symbol,
		"side", side,
		"reason", reason,
	)
}

// afterCommit runs the invalidation hook. Its failure is logged; the
// commit already happened.
func (e *Executor) afterCommit(ctx context.Context, ns model.Namespace) {
	if e.invalidator == nil {
		return
	}
	if err := e.invalidator.Invalidate(context.WithoutCancel(ctx), ns); err != nil {
		e.logger.Warn("invalidate after commit failed", "namespace", ns.Key(), "err", err)
	}
}

func (e *Executor) publish(evt model.TradeEvent) {
	if e.publisher == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("trade event publisher panicked", "transaction_id", evt.TransactionID, "panic", r)
		}
	}()
	e.publisher.PublishTrade(evt)
}

// OpenPersonal creates the personal account of a user. Zero startingCash
// uses the configured default.
func (e *Executor) OpenPersonal(ctx context.Context, userID string, startingCash decimal.Decimal) (*model.Account, error) {
	return e.open(ctx, model.Personal(userID), startingCash)
}

// JoinLeague creates the account of a user inside a league.
func (e *Executor) JoinLeague(ctx context.Context, leagueID, userID string, startingCash decimal.Decimal) (*model.Account, error) {
	return e.open(ctx, model.League(leagueID, userID), startingCash)
}

func (e *Executor) open(ctx context.Context, ns model.Namespace, startingCash decimal.Decimal) (*model.Account, error) {
	if err := ns.Validate(); err != nil {
		return nil, &ValidationError{Field: "namespace", Reason: err.Error(), Err: err}
	}
	if startingCash.IsNegative() {
		return nil, &ValidationError{Field: "starting_cash", Reason: "must not be negative"}
	}
	if startingCash.IsZero() {
		startingCash = e.cfg.DefaultStartingCash
	}

	acct, err := e.store.CreateAccount(ctx, ns, startingCash)
	if errors.Is(err, store.ErrAccountExists) {
		return nil, &ValidationError{Field: "namespace", Reason: "account already exists for " + ns.Key(), Err: err}
	}
	if err != nil {
		return nil, e.classify("open", ns, err)
	}

	metrics.AccountsCreated.WithLabelValues(string(ns.Kind)).Inc()
	e.logger.Info("account opened",
		"namespace", ns.Key(),
		"starting_cash", startingCash.String(),
		"join_seq", acct.JoinSeq,
	)
	e.afterCommit(ctx, ns)
	return acct, nil
}
