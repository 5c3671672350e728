package store

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/portfolio-ledger/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestMemoryStore_CreateAccount(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	a, err := s.CreateAccount(ctx, model.Personal("u1"), d(10000))
	require.NoError(t, err)
	assert.True(t, a.Cash.Equal(d(10000)))
	assert.True(t, a.InitialCash.Equal(d(10000)))
	assert.Equal(t, int64(1), a.JoinSeq)

	_, err = s.CreateAccount(ctx, model.Personal("u1"), d(5))
	assert.ErrorIs(t, err, ErrAccountExists)

	b, err := s.CreateAccount(ctx, model.League("L1", "u1"), d(500))
	require.NoError(t, err)
	assert.Equal(t, int64(2), b.JoinSeq)

	_, err = s.GetAccount(ctx, model.Personal("ghost"))
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestMemoryStore_UpdateCommitsAtomically(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	ns := model.Personal("u1")
	_, err := s.CreateAccount(ctx, ns, d(100))
	require.NoError(t, err)

	err = s.Update(ctx, ns, func(tx Tx) error {
		tx.SetCash(d(40))
		tx.PutHolding(model.Holding{Symbol: "AAPL", Shares: 2, AvgCost: d(30)})
		tx.Append(&model.TransactionRecord{Symbol: "AAPL", ShareDelta: 2, Side: model.SideBuy})
		return nil
	})
	require.NoError(t, err)

	acct, _ := s.GetAccount(ctx, ns)
	assert.True(t, acct.Cash.Equal(d(40)))
	assert.Equal(t, int64(1), acct.LastSequence)

	holdings, _ := s.GetHoldings(ctx, ns)
	require.Len(t, holdings, 1)
	assert.Equal(t, ns, holdings[0].Namespace)

	log, _ := s.GetTransactions(ctx, ns)
	require.Len(t, log, 1)
	assert.Equal(t, int64(1), log[0].Sequence)
}

func TestMemoryStore_UpdateFailureLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	ns := model.Personal("u1")
	_, err := s.CreateAccount(ctx, ns, d(100))
	require.NoError(t, err)

	boom := errors.New("boom")
	err = s.Update(ctx, ns, func(tx Tx) error {
		tx.SetCash(d(0))
		tx.PutHolding(model.Holding{Symbol: "AAPL", Shares: 5, AvgCost: d(20)})
		tx.Append(&model.TransactionRecord{Symbol: "AAPL", ShareDelta: 5, Side: model.SideBuy})
		return boom
	})
	assert.ErrorIs(t, err, boom)

	acct, _ := s.GetAccount(ctx, ns)
	assert.True(t, acct.Cash.Equal(d(100)))
	assert.Equal(t, int64(0), acct.LastSequence)
	holdings, _ := s.GetHoldings(ctx, ns)
	assert.Empty(t, holdings)
	log, _ := s.GetTransactions(ctx, ns)
	assert.Empty(t, log)
}

func TestMemoryStore_ZeroShareHoldingIsDeleted(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	ns := model.Personal("u1")
	_, _ = s.CreateAccount(ctx, ns, d(100))

	_ = s.Update(ctx, ns, func(tx Tx) error {
		tx.PutHolding(model.Holding{Symbol: "AAPL", Shares: 3, AvgCost: d(1)})
		return nil
	})
	_ = s.Update(ctx, ns, func(tx Tx) error {
		tx.PutHolding(model.Holding{Symbol: "AAPL", Shares: 0, AvgCost: d(1)})
		return nil
	})

	holdings, _ := s.GetHoldings(ctx, ns)
	assert.Empty(t, holdings)
}

func TestMemoryStore_ReadsReturnCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	ns := model.Personal("u1")
	_, _ = s.CreateAccount(ctx, ns, d(100))

	acct, _ := s.GetAccount(ctx, ns)
	acct.Cash = d(1)

	again, _ := s.GetAccount(ctx, ns)
	assert.True(t, again.Cash.Equal(d(100)))
}

func TestMemoryStore_ListAccountsByScope(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, _ = s.CreateAccount(ctx, model.League("L1", "b"), d(1))
	_, _ = s.CreateAccount(ctx, model.Personal("a"), d(1))
	_, _ = s.CreateAccount(ctx, model.League("L1", "a"), d(1))
	_, _ = s.CreateAccount(ctx, model.League("L2", "a"), d(1))

	league, err := s.ListAccounts(ctx, Scope{Kind: model.KindLeague, LeagueID: "L1"})
	require.NoError(t, err)
	require.Len(t, league, 2)
	assert.Equal(t, "b", league[0].Namespace.UserID) // joined first
	assert.Equal(t, "a", league[1].Namespace.UserID)

	personal, _ := s.ListAccounts(ctx, Scope{Kind: model.KindPersonal})
	assert.Len(t, personal, 1)
}

func TestMemoryStore_UpdateSerializesPerNamespace(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	ns := model.Personal("u1")
	_, _ = s.CreateAccount(ctx, ns, d(0))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Update(ctx, ns, func(tx Tx) error {
				tx.SetCash(tx.Account().Cash.Add(decimal.NewFromInt(1)))
				tx.Append(&model.TransactionRecord{Side: model.SideBuy})
				return nil
			})
		}()
	}
	wg.Wait()

	acct, _ := s.GetAccount(ctx, ns)
	assert.True(t, acct.Cash.Equal(decimal.NewFromInt(50)), "lost update: cash=%s", acct.Cash)

	log, _ := s.GetTransactions(ctx, ns)
	require.Len(t, log, 50)
	for i, r := range log {
		assert.Equal(t, int64(i+1), r.Sequence)
	}
}

func TestMemoryStore_UpdateUnknownNamespace(t *testing.T) {
	s := NewMemoryStore()
	err := s.Update(context.Background(), model.Personal("ghost"), func(Tx) error { return nil })
	assert.ErrorIs(t, err, ErrAccountNotFound)
}
