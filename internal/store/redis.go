package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/portfolio-ledger/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
//
// Only read paths are cached. Update always runs against the primary, so
// a stale cache entry can never feed a commit. Every write bumps a
// per-namespace generation; an entry stored under an older generation is a
// miss, so a read that raced a commit cannot repopulate stale state.
type CachedStore struct {
	primary Store
	rdb     redis.Cmdable
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.Cmdable, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateAccount(ctx context.Context, ns model.Namespace, startingCash decimal.Decimal) (*model.Account, error) {
	acct, err := s.primary.CreateAccount(ctx, ns, startingCash)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, ns)
	return acct, nil
}

func (s *CachedStore) Update(ctx context.Context, ns model.Namespace, fn func(tx Tx) error) error {
	if err := s.primary.Update(ctx, ns, fn); err != nil {
		return err
	}
	// Invalidate; next read will re-populate.
	s.invalidate(ctx, ns)
	return nil
}

// --- Read-through (check cache first) ---

// Account and holdings are cached together as one snapshot so a reader can
// never combine entries populated from different commits.

func (s *CachedStore) GetAccount(ctx context.Context, ns model.Namespace) (*model.Account, error) {
	snap, err := s.Snapshot(ctx, ns, false)
	if err != nil {
		return nil, err
	}
	return &snap.Account, nil
}

func (s *CachedStore) GetHoldings(ctx context.Context, ns model.Namespace) ([]model.Holding, error) {
	snap, err := s.Snapshot(ctx, ns, false)
	if err != nil {
		return nil, err
	}
	return snap.Holdings, nil
}

// Snapshot serves account and holdings from one cache entry. Reads that
// need the log go to the primary, which returns all three consistently.
func (s *CachedStore) Snapshot(ctx context.Context, ns model.Namespace, withLog bool) (*Snapshot, error) {
	if withLog {
		return s.primary.Snapshot(ctx, ns, true)
	}
	gen, genErr := s.generation(ctx, ns)
	var entry snapshotEntry
	if genErr == nil && s.load(ctx, snapshotKey(ns), &entry) && entry.Generation == gen {
		return &entry.Snapshot, nil
	}

	// Cache miss: read from primary.
	fresh, err := s.primary.Snapshot(ctx, ns, false)
	if err != nil {
		return nil, err
	}
	if genErr == nil {
		s.store(ctx, snapshotKey(ns), snapshotEntry{Generation: gen, Snapshot: *fresh})
	}
	return fresh, nil
}

type snapshotEntry struct {
	Generation int64    `json:"generation"`
	Snapshot   Snapshot `json:"snapshot"`
}

// generation is the write counter of ns; zero before the first write.
func (s *CachedStore) generation(ctx context.Context, ns model.Namespace) (int64, error) {
	n, err := s.rdb.Get(ctx, generationKey(ns)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetTransactions(ctx context.Context, ns model.Namespace) ([]model.TransactionRecord, error) {
	return s.primary.GetTransactions(ctx, ns)
}

func (s *CachedStore) ListAccounts(ctx context.Context, scope Scope) ([]model.Account, error) {
	return s.primary.ListAccounts(ctx, scope)
}

// --- Cache helpers ---

func (s *CachedStore) load(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) store(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func (s *CachedStore) invalidate(ctx context.Context, ns model.Namespace) {
	if err := s.rdb.Incr(ctx, generationKey(ns)).Err(); err != nil {
		slog.Warn("cache generation bump failed", "namespace", ns.Key(), "err", err)
	}
	if err := s.rdb.Del(ctx, snapshotKey(ns)).Err(); err != nil {
		// Entries expire after ttl; a failed delete only widens staleness
		// of read-only views.
		slog.Warn("cache invalidation failed", "namespace", ns.Key(), "err", err)
	}
}

func snapshotKey(ns model.Namespace) string   { return fmt.Sprintf("snapshot:%s", ns.Key()) }
func generationKey(ns model.Namespace) string { return fmt.Sprintf("snapgen:%s", ns.Key()) }
