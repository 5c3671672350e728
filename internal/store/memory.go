package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-ledger/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Each namespace has its own mutex held for the whole of Update; the shared
// RWMutex only guards the maps while committed state is read or published.
type MemoryStore struct {
	mu         sync.RWMutex
	namespaces map[string]*nsState
	joinSeq    int64

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

type nsState struct {
	account  model.Account
	holdings map[string]model.Holding
	log      []model.TransactionRecord
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		namespaces: make(map[string]*nsState),
		locks:      make(map[string]*sync.Mutex),
	}
}

func (s *MemoryStore) CreateAccount(_ context.Context, ns model.Namespace, startingCash decimal.Decimal) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := ns.Key()
	if _, ok := s.namespaces[key]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountExists, key)
	}
	s.joinSeq++
	acct := model.Account{
		Namespace:    ns,
		Cash:         startingCash,
		InitialCash:  startingCash,
		StartingCash: startingCash,
		JoinSeq:      s.joinSeq,
		CreatedAt:    time.Now().UTC(),
	}
	s.namespaces[key] = &nsState{
		account:  acct,
		holdings: make(map[string]model.Holding),
	}
	return &acct, nil
}

func (s *MemoryStore) GetAccount(_ context.Context, ns model.Namespace) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.namespaces[ns.Key()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, ns.Key())
	}
	acct := st.account
	return &acct, nil
}

func (s *MemoryStore) GetHoldings(_ context.Context, ns model.Namespace) ([]model.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.namespaces[ns.Key()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, ns.Key())
	}
	return sortedHoldings(st.holdings), nil
}

func (s *MemoryStore) GetTransactions(_ context.Context, ns model.Namespace) ([]model.TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.namespaces[ns.Key()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, ns.Key())
	}
	out := make([]model.TransactionRecord, len(st.log))
	copy(out, st.log)
	return out, nil
}

func (s *MemoryStore) Snapshot(_ context.Context, ns model.Namespace, withLog bool) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.namespaces[ns.Key()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, ns.Key())
	}
	snap := &Snapshot{
		Account:  st.account,
		Holdings: sortedHoldings(st.holdings),
	}
	if withLog {
		snap.Transactions = make([]model.TransactionRecord, len(st.log))
		copy(snap.Transactions, st.log)
	}
	return snap, nil
}

func (s *MemoryStore) ListAccounts(_ context.Context, scope Scope) ([]model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Account
	for _, st := range s.namespaces {
		ns := st.account.Namespace
		if ns.Kind != scope.Kind {
			continue
		}
		if scope.Kind == model.KindLeague && ns.LeagueID != scope.LeagueID {
			continue
		}
		out = append(out, st.account)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinSeq < out[j].JoinSeq })
	return out, nil
}

func (s *MemoryStore) Update(ctx context.Context, ns model.Namespace, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := ns.Key()

	lock := s.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	// Snapshot committed state. Nobody else can publish this namespace
	// while we hold its lock.
	s.mu.RLock()
	st, ok := s.namespaces[key]
	if !ok {
		s.mu.RUnlock()
		return fmt.Errorf("%w: %s", ErrAccountNotFound, key)
	}
	tx := newStagedTx(st.account, sortedHoldings(st.holdings))
	s.mu.RUnlock()

	if err := fn(tx); err != nil {
		return err
	}

	// Publish in one step so readers see all of the change or none of it.
	s.mu.Lock()
	st.account = tx.account
	st.holdings = tx.holdings
	st.log = append(st.log, tx.appended...)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) lockFor(key string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}
