package oracle

import (
	"context"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

const sharedFetchTimeout = 5 * time.Second

// CachedOracle keeps quotes for a short TTL and collapses concurrent
// lookups of the same symbol into one upstream call. Failures are never
// cached.
type CachedOracle struct {
	upstream Oracle
	cache    *cache.Cache
	group    singleflight.Group
}

// NewCachedOracle wraps upstream with a TTL cache.
func NewCachedOracle(upstream Oracle, ttl time.Duration) *CachedOracle {
	return &CachedOracle{
		upstream: upstream,
		cache:    cache.New(ttl, 2*ttl),
	}
}

func (o *CachedOracle) Lookup(ctx context.Context, symbol string) (Quote, error) {
	if v, ok := o.cache.Get(symbol); ok {
		return v.(Quote), nil
	}

	ch := o.group.DoChan(symbol, func() (interface{}, error) {
		// The fetch is shared by every waiter, so it is bounded by its own
		// timeout instead of the first caller's context.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedFetchTimeout)
		defer cancel()
		q, err := o.upstream.Lookup(fctx, symbol)
		if err != nil {
			return Quote{}, err
		}
		o.cache.Set(symbol, q, cache.DefaultExpiration)
		return q, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return Quote{}, res.Err
		}
		return res.Val.(Quote), nil
	case <-ctx.Done():
		return Quote{}, fmt.Errorf("%w: %s: %w", ErrUnavailable, symbol, ctx.Err())
	}
}

// Forget drops a cached quote.
func (o *CachedOracle) Forget(symbol string) {
	o.cache.Delete(symbol)
}
