// Package oracle supplies current prices per symbol.
//
// Every failure mode (transport error, timeout, unknown symbol, malformed or
// non-positive price) is reported as ErrUnavailable. Callers must never
// substitute a default price.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ErrUnavailable is returned whenever a price cannot be produced.
var ErrUnavailable = errors.New("oracle: price unavailable")

// Quote is a price observation.
type Quote struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
	AsOf   time.Time       `json:"as_of"`
}

// Oracle looks up current prices.
type Oracle interface {
	Lookup(ctx context.Context, symbol string) (Quote, error)
}

// Func adapts a function to Oracle.
type Func func(ctx context.Context, symbol string) (Quote, error)

func (f Func) Lookup(ctx context.Context, symbol string) (Quote, error) { return f(ctx, symbol) }

// Validate fails closed on quotes that cannot be used for trading.
func Validate(q Quote) error {
	if q.Symbol == "" {
		return fmt.Errorf("%w: empty symbol", ErrUnavailable)
	}
	if !q.Price.IsPositive() {
		return fmt.Errorf("%w: invalid price %s for %s", ErrUnavailable, q.Price, q.Symbol)
	}
	return nil
}

// LookupWithTimeout bounds a single lookup and normalizes its error.
func LookupWithTimeout(ctx context.Context, o Oracle, symbol string, timeout time.Duration) (Quote, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	q, err := o.Lookup(ctx, symbol)
	if err != nil {
		if errors.Is(err, ErrUnavailable) {
			return Quote{}, err
		}
		return Quote{}, fmt.Errorf("%w: %s: %v", ErrUnavailable, symbol, err)
	}
	if err := Validate(q); err != nil {
		return Quote{}, err
	}
	return q, nil
}

// StaticOracle serves prices from an in-memory table. Used in tests and in
// development when no quote service is configured.
type StaticOracle struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
	now    func() time.Time
}

// NewStaticOracle creates an oracle seeded with prices.
func NewStaticOracle(prices map[string]decimal.Decimal) *StaticOracle {
	o := &StaticOracle{
		prices: make(map[string]decimal.Decimal, len(prices)),
		now:    time.Now,
	}
	for sym, p := range prices {
		o.prices[sym] = p
	}
	return o
}

// Set updates the price of a symbol.
func (o *StaticOracle) Set(symbol string, price decimal.Decimal) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prices[symbol] = price
}

// Remove makes a symbol unavailable.
func (o *StaticOracle) Remove(symbol string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.prices, symbol)
}

func (o *StaticOracle) Lookup(ctx context.Context, symbol string) (Quote, error) {
	if err := ctx.Err(); err != nil {
		return Quote{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	o.mu.RLock()
	p, ok := o.prices[symbol]
	o.mu.RUnlock()
	if !ok {
		return Quote{}, fmt.Errorf("%w: no price for %s", ErrUnavailable, symbol)
	}
	return Quote{Symbol: symbol, Price: p, AsOf: o.now().UTC()}, nil
}
