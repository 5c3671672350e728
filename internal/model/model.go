// Package model defines the core domain types shared across the ledger.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a ledger entry.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
	// SideReset marks an administrative reset. It carries no shares.
	SideReset Side = "RESET"
)

// Valid reports whether s is a tradable side.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Account is the cash balance of one namespace.
type Account struct {
	Namespace    Namespace       `json:"namespace"`
	Cash         decimal.Decimal `json:"cash"`
	Locked       bool            `json:"locked"`
	InitialCash  decimal.Decimal `json:"initial_cash"`  // seed at creation, replay origin
	StartingCash decimal.Decimal `json:"starting_cash"` // basis for percentage return
	JoinSeq      int64           `json:"join_seq"`      // store-assigned join order
	LastSequence int64           `json:"last_sequence"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Holding is a position in one symbol. Rows with zero shares never exist.
type Holding struct {
	Namespace Namespace       `json:"namespace"`
	Symbol    string          `json:"symbol"`
	Shares    int64           `json:"shares"`
	AvgCost   decimal.Decimal `json:"avg_cost"`
}

// CostBasis returns shares * avg_cost.
func (h Holding) CostBasis() decimal.Decimal {
	return h.AvgCost.Mul(decimal.NewFromInt(h.Shares))
}

// TransactionRecord is an immutable ledger entry.
// Once created, these are never modified or deleted.
type TransactionRecord struct {
	ID         string          `json:"id"`
	Namespace  Namespace       `json:"namespace"`
	Symbol     string          `json:"symbol"`
	ShareDelta int64           `json:"share_delta"` // signed: +buy, -sell
	Price      decimal.Decimal `json:"price"`
	Side       Side            `json:"side"`
	Fee        decimal.Decimal `json:"fee"`
	Amount     decimal.Decimal `json:"amount"` // signed cash delta; restored balance for RESET
	Timestamp  time.Time       `json:"timestamp"`
	Sequence   int64           `json:"sequence"`
}

// TradeEvent is emitted after a trade commits.
type TradeEvent struct {
	TransactionID   string          `json:"transaction_id"`
	Namespace       Namespace       `json:"namespace"`
	Symbol          string          `json:"symbol"`
	Side            Side            `json:"side"`
	Shares          int64           `json:"shares"`
	Price           decimal.Decimal `json:"price"`
	Fee             decimal.Decimal `json:"fee"`
	ResultingCash   decimal.Decimal `json:"resulting_cash"`
	ResultingShares int64           `json:"resulting_shares"`
	RealizedPnL     decimal.Decimal `json:"realized_pnl"`
	Timestamp       time.Time       `json:"timestamp"`
}

// LeaderboardEntry is a derived ranking row. Not authoritative.
type LeaderboardEntry struct {
	Namespace  Namespace       `json:"namespace"`
	Rank       int             `json:"rank"`
	TotalValue decimal.Decimal `json:"total_value"`
	Cash       decimal.Decimal `json:"cash"`
	StockValue decimal.Decimal `json:"stock_value"`
	ProfitLoss decimal.Decimal `json:"profit_loss"`
	ReturnPct  decimal.Decimal `json:"return_pct"`
	Score      decimal.Decimal `json:"score"`
	Partial    bool            `json:"partial"`
}
