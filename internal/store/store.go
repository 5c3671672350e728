// Package store defines the persistence interface for the ledger.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and development).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-ledger/internal/model"
)

var (
	// ErrAccountNotFound is returned when a namespace has no account.
	ErrAccountNotFound = errors.New("store: account not found")

	// ErrAccountExists is returned when creating an account twice.
	ErrAccountExists = errors.New("store: account already exists")
)

// Scope selects a set of accounts for ranking.
type Scope struct {
	Kind     model.NamespaceKind
	LeagueID string // only for KindLeague
}

// Key identifies the scope in caches.
func (s Scope) Key() string {
	if s.Kind == model.KindLeague {
		return "league:" + s.LeagueID
	}
	return string(model.KindPersonal)
}

// ScopeOf returns the ranking scope a namespace belongs to.
func ScopeOf(ns model.Namespace) Scope {
	return Scope{Kind: ns.Kind, LeagueID: ns.LeagueID}
}

// Snapshot is the committed state of one namespace as of a single commit:
// the account, its holdings and, when requested, its log never mix
// different commits.
type Snapshot struct {
	Account      model.Account             `json:"account"`
	Holdings     []model.Holding           `json:"holdings"`
	Transactions []model.TransactionRecord `json:"transactions,omitempty"` // only when read withLog
}

// Store is the persistence interface. Reads only ever observe committed state.
type Store interface {
	// CreateAccount seeds a new namespace with startingCash.
	CreateAccount(ctx context.Context, ns model.Namespace, startingCash decimal.Decimal) (*model.Account, error)

	// GetAccount returns the committed account of a namespace.
	GetAccount(ctx context.Context, ns model.Namespace) (*model.Account, error)

	// GetHoldings returns the committed holdings of a namespace, ordered by symbol.
	GetHoldings(ctx context.Context, ns model.Namespace) ([]model.Holding, error)

	// GetTransactions returns the full log of a namespace ordered by sequence.
	GetTransactions(ctx context.Context, ns model.Namespace) ([]model.TransactionRecord, error)

	// Snapshot reads account, holdings and optionally the log of a namespace
	// in one consistent read. Readers that combine these must use it rather
	// than separate Get calls.
	Snapshot(ctx context.Context, ns model.Namespace, withLog bool) (*Snapshot, error)

	// ListAccounts returns all accounts in a scope ordered by join order.
	ListAccounts(ctx context.Context, scope Scope) ([]model.Account, error)

	// Update runs fn with exclusive access to one namespace. Changes staged
	// through the Tx become visible atomically when fn returns nil; when fn
	// (or the commit) fails nothing is visible. Different namespaces never
	// contend with each other.
	Update(ctx context.Context, ns model.Namespace, fn func(tx Tx) error) error
}

// Tx stages mutations of a single namespace inside Store.Update.
type Tx interface {
	Account() *model.Account
	Holding(symbol string) (model.Holding, bool)
	Holdings() []model.Holding

	SetCash(cash decimal.Decimal)
	SetLocked(locked bool)
	SetStartingCash(cash decimal.Decimal)

	// PutHolding inserts or replaces a holding; shares must be positive.
	PutHolding(h model.Holding)
	DeleteHolding(symbol string)
	ClearHoldings()

	// Append stages a log entry and assigns its sequence number.
	Append(rec *model.TransactionRecord)
}
