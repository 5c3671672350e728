package ledger

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-ledger/internal/model"
	"github.com/atmx/portfolio-ledger/internal/store"
)

// LockCommand freezes a namespace, e.g. at season end. Reads stay allowed.
type LockCommand struct {
	Namespace model.Namespace `json:"namespace"`
	Reason    string          `json:"reason,omitempty"`
}

// UnlockCommand reopens a locked namespace.
type UnlockCommand struct {
	Namespace model.Namespace `json:"namespace"`
}

// ResetCommand restores cash and clears holdings. A RESET marker is
// appended; earlier records are kept.
type ResetCommand struct {
	Namespace model.Namespace `json:"namespace"`
	// StartingCash is the restored balance. Zero keeps the account's
	// current starting cash.
	StartingCash decimal.Decimal `json:"starting_cash"`
	// Force allows resetting a locked namespace.
	Force bool `json:"force"`
}

// LockLeagueCommand locks every account of a league.
type LockLeagueCommand struct {
	LeagueID string `json:"league_id"`
	Reason   string `json:"reason,omitempty"`
}

// Lock moves a namespace to the locked state. Locking twice is a no-op.
func (e *Executor) Lock(ctx context.Context, cmd LockCommand) (*model.Account, error) {
	acct, err := e.setLocked(ctx, cmd.Namespace, true)
	if err != nil {
		return nil, err
	}
	e.logger.Info("namespace locked", "namespace", cmd.Namespace.Key(), "reason", cmd.Reason)
	return acct, nil
}

// Unlock moves a namespace back to active.
func (e *Executor) Unlock(ctx context.Context, cmd UnlockCommand) (*model.Account, error) {
	acct, err := e.setLocked(ctx, cmd.Namespace, false)
	if err != nil {
		return nil, err
	}
	e.logger.Info("namespace unlocked", "namespace", cmd.Namespace.Key())
	return acct, nil
}

func (e *Executor) setLocked(ctx context.Context, ns model.Namespace, locked bool) (*model.Account, error) {
	if err := ns.Validate(); err != nil {
		return nil, &ValidationError{Field: "namespace", Reason: err.Error(), Err: err}
	}
	op := "unlock"
	if locked {
		op = "lock"
	}

	var acct *model.Account
	err := e.store.Update(ctx, ns, func(tx store.Tx) error {
		tx.SetLocked(locked)
		acct = tx.Account()
		return nil
	})
	if err != nil {
		return nil, e.classify(op, ns, err)
	}
	e.afterCommit(ctx, ns)
	return acct, nil
}

// LockLeague locks all accounts of a league and returns how many were
// locked. Each account is locked in its own commit; on failure the
// accounts already locked stay locked.
func (e *Executor) LockLeague(ctx context.Context, cmd LockLeagueCommand) (int, error) {
	if cmd.LeagueID == "" {
		return 0, &ValidationError{Field: "league_id", Reason: "is required"}
	}
	accounts, err := e.store.ListAccounts(ctx, store.Scope{Kind: model.KindLeague, LeagueID: cmd.LeagueID})
	if err != nil {
		return 0, e.classify("lock_league", model.League(cmd.LeagueID, ""), err)
	}
	n := 0
	for _, a := range accounts {
		if a.Locked {
			continue
		}
		if _, err := e.Lock(ctx, LockCommand{Namespace: a.Namespace, Reason: cmd.Reason}); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Reset restores cash to a starting value, removes every holding and
// appends a RESET marker whose Amount is the restored balance.
func (e *Executor) Reset(ctx context.Context, cmd ResetCommand) (*model.Account, error) {
	ns := cmd.Namespace
	if err := ns.Validate(); err != nil {
		return nil, &ValidationError{Field: "namespace", Reason: err.Error(), Err: err}
	}
	if cmd.StartingCash.IsNegative() {
		return nil, &ValidationError{Field: "starting_cash", Reason: "must not be negative"}
	}

	var acct *model.Account
	err := e.store.Update(ctx, ns, func(tx store.Tx) error {
		cur := tx.Account()
		if cur.Locked && !cmd.Force {
			return &NamespaceLockedError{Namespace: ns}
		}
		cash := cmd.StartingCash
		if cash.IsZero() {
			cash = cur.StartingCash
		}

		tx.ClearHoldings()
		tx.SetCash(cash)
		tx.SetStartingCash(cash)
		tx.Append(&model.TransactionRecord{
			ID:        uuid.New().String(),
			Side:      model.SideReset,
			Price:     decimal.Zero,
			Fee:       decimal.Zero,
			Amount:    cash,
			Timestamp: e.now().UTC(),
		})
		acct = tx.Account()
		return nil
	})
	if err != nil {
		return nil, e.classify("reset", ns, err)
	}

	e.logger.Info("namespace reset",
		"namespace", ns.Key(),
		"cash", acct.Cash.String(),
		"sequence", acct.LastSequence,
		"forced", cmd.Force,
	)
	e.afterCommit(ctx, ns)
	return acct, nil
}
