package store

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-ledger/internal/model"
)

// stagedTx is the Tx implementation shared by every backend: it operates on
// a private copy of one namespace and records what changed so the backend
// can publish (memory) or flush (postgres) the result.
type stagedTx struct {
	account  model.Account
	holdings map[string]model.Holding
	appended []model.TransactionRecord

	dirtyHoldings map[string]bool // symbol -> touched
	cleared       bool
}

func newStagedTx(acct model.Account, holdings []model.Holding) *stagedTx {
	tx := &stagedTx{
		account:       acct,
		holdings:      make(map[string]model.Holding, len(holdings)),
		dirtyHoldings: make(map[string]bool),
	}
	for _, h := range holdings {
		tx.holdings[h.Symbol] = h
	}
	return tx
}

func (t *stagedTx) Account() *model.Account {
	acct := t.account
	return &acct
}

func (t *stagedTx) Holding(symbol string) (model.Holding, bool) {
	h, ok := t.holdings[symbol]
	return h, ok
}

func (t *stagedTx) Holdings() []model.Holding {
	return sortedHoldings(t.holdings)
}

func (t *stagedTx) SetCash(cash decimal.Decimal) { t.account.Cash = cash }

func (t *stagedTx) SetLocked(locked bool) { t.account.Locked = locked }

func (t *stagedTx) SetStartingCash(cash decimal.Decimal) { t.account.StartingCash = cash }

func (t *stagedTx) PutHolding(h model.Holding) {
	if h.Shares <= 0 {
		t.DeleteHolding(h.Symbol)
		return
	}
	h.Namespace = t.account.Namespace
	t.holdings[h.Symbol] = h
	t.dirtyHoldings[h.Symbol] = true
}

func (t *stagedTx) DeleteHolding(symbol string) {
	delete(t.holdings, symbol)
	t.dirtyHoldings[symbol] = true
}

func (t *stagedTx) ClearHoldings() {
	for sym := range t.holdings {
		t.dirtyHoldings[sym] = true
	}
	t.holdings = make(map[string]model.Holding)
	t.cleared = true
}

func (t *stagedTx) Append(rec *model.TransactionRecord) {
	t.account.LastSequence++
	rec.Sequence = t.account.LastSequence
	rec.Namespace = t.account.Namespace
	t.appended = append(t.appended, *rec)
}

func sortedHoldings(m map[string]model.Holding) []model.Holding {
	out := make([]model.Holding, 0, len(m))
	for _, h := range m {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
