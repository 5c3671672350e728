package ledger

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-ledger/internal/model"
)

// ReplayState is the account state reconstructed from a transaction log.
//
// Realized P&L and the win/loss counters cover the current season: they
// restart at the most recent RESET marker.
type ReplayState struct {
	Cash     decimal.Decimal
	Holdings map[string]model.Holding

	Buys        int
	Sells       int
	Wins        int // sells with positive realized P&L
	Losses      int // sells with negative realized P&L
	RealizedPnL decimal.Decimal
	Resets      int
	LastSeq     int64
}

// SortedHoldings returns the replayed holdings ordered by symbol.
func (s *ReplayState) SortedHoldings() []model.Holding {
	out := make([]model.Holding, 0, len(s.Holdings))
	for _, h := range s.Holdings {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// WinRate is Wins / Sells, zero when nothing was sold.
func (s *ReplayState) WinRate() decimal.Decimal {
	if s.Sells == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(s.Wins)).Div(decimal.NewFromInt(int64(s.Sells)))
}

// Replay folds records, in sequence order, over initialCash. It applies the
// same weighted-average arithmetic as the executor, so a consistent log
// reproduces stored cash and holdings exactly. A log that oversells, drives
// cash negative or skips a sequence number is reported as an error.
func Replay(initialCash decimal.Decimal, records []model.TransactionRecord) (*ReplayState, error) {
	st := &ReplayState{
		Cash:     initialCash,
		Holdings: make(map[string]model.Holding),
	}
	for _, rec := range records {
		if rec.Sequence != st.LastSeq+1 {
			return st, fmt.Errorf("ledger: replay: expected sequence %d, got %d", st.LastSeq+1, rec.Sequence)
		}
		st.LastSeq = rec.Sequence

		switch rec.Side {
		case model.SideReset:
			st.Cash = rec.Amount
			st.Holdings = make(map[string]model.Holding)
			st.Buys, st.Sells, st.Wins, st.Losses = 0, 0, 0, 0
			st.RealizedPnL = decimal.Zero
			st.Resets++

		case model.SideBuy:
			if rec.ShareDelta <= 0 {
				return st, fmt.Errorf("ledger: replay: buy #%d has share delta %d", rec.Sequence, rec.ShareDelta)
			}
			held := st.Holdings[rec.Symbol]
			held.Namespace = rec.Namespace
			held.Symbol = rec.Symbol
			held.AvgCost = blendAvgCost(held, rec.ShareDelta, rec.Price)
			held.Shares += rec.ShareDelta
			st.Holdings[rec.Symbol] = held
			st.Cash = st.Cash.Add(rec.Amount)
			st.Buys++

		case model.SideSell:
			shares := -rec.ShareDelta
			held, ok := st.Holdings[rec.Symbol]
			if shares <= 0 || !ok || held.Shares < shares {
				return st, fmt.Errorf("ledger: replay: sell #%d of %d %s exceeds %d held", rec.Sequence, shares, rec.Symbol, held.Shares)
			}
			realized := rec.Price.Sub(held.AvgCost).Mul(decimal.NewFromInt(shares)).Sub(rec.Fee)
			st.RealizedPnL = st.RealizedPnL.Add(realized)
			st.Sells++
			switch realized.Sign() {
			case 1:
				st.Wins++
			case -1:
				st.Losses++
			}

			held.Shares -= shares
			if held.Shares == 0 {
				delete(st.Holdings, rec.Symbol)
			} else {
				st.Holdings[rec.Symbol] = held
			}
			st.Cash = st.Cash.Add(rec.Amount)

		default:
			return st, fmt.Errorf("ledger: replay: record #%d has unknown side %q", rec.Sequence, rec.Side)
		}

		if st.Cash.IsNegative() {
			return st, fmt.Errorf("ledger: replay: cash negative (%s) after #%d", st.Cash, rec.Sequence)
		}
	}
	return st, nil
}

// AuditReport compares stored state with the replayed log.
type AuditReport struct {
	Namespace    model.Namespace `json:"namespace"`
	Records      int             `json:"records"`
	StoredCash   decimal.Decimal `json:"stored_cash"`
	ReplayedCash decimal.Decimal `json:"replayed_cash"`
	Drift        []string        `json:"drift,omitempty"`
	Consistent   bool            `json:"consistent"`
}

// Audit replays the full log of a namespace from its initial cash and
// reports every difference from the stored account and holdings. It never
// mutates anything.
func (e *Executor) Audit(ctx context.Context, ns model.Namespace) (*AuditReport, error) {
	if err := ns.Validate(); err != nil {
		return nil, &ValidationError{Field: "namespace", Reason: err.Error(), Err: err}
	}
	snap, err := e.store.Snapshot(ctx, ns, true)
	if err != nil {
		return nil, e.classify("audit", ns, err)
	}
	acct, holdings, records := snap.Account, snap.Holdings, snap.Transactions

	report := &AuditReport{
		Namespace:  ns,
		Records:    len(records),
		StoredCash: acct.Cash,
	}
	st, err := Replay(acct.InitialCash, records)
	report.ReplayedCash = st.Cash
	if err != nil {
		report.Drift = append(report.Drift, err.Error())
	}

	if !acct.Cash.Equal(st.Cash) {
		report.Drift = append(report.Drift, fmt.Sprintf("cash: stored %s, replayed %s", acct.Cash, st.Cash))
	}
	if acct.LastSequence != st.LastSeq {
		report.Drift = append(report.Drift, fmt.Sprintf("sequence: stored %d, replayed %d", acct.LastSequence, st.LastSeq))
	}

	seen := make(map[string]bool, len(holdings))
	for _, h := range holdings {
		seen[h.Symbol] = true
		r, ok := st.Holdings[h.Symbol]
		switch {
		case !ok:
			report.Drift = append(report.Drift, fmt.Sprintf("%s: stored %d shares, replayed none", h.Symbol, h.Shares))
		case r.Shares != h.Shares:
			report.Drift = append(report.Drift, fmt.Sprintf("%s: stored %d shares, replayed %d", h.Symbol, h.Shares, r.Shares))
		case !r.AvgCost.Equal(h.AvgCost):
			report.Drift = append(report.Drift, fmt.Sprintf("%s: stored avg cost %s, replayed %s", h.Symbol, h.AvgCost, r.AvgCost))
		}
	}
	for _, r := range st.SortedHoldings() {
		if !seen[r.Symbol] {
			report.Drift = append(report.Drift, fmt.Sprintf("%s: replayed %d shares, stored none", r.Symbol, r.Shares))
		}
	}

	report.Consistent = len(report.Drift) == 0
	if !report.Consistent {
		e.logger.Warn("ledger audit found drift", "namespace", ns.Key(), "drift", report.Drift)
	}
	return report, nil
}
