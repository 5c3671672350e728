package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/portfolio-ledger/internal/config"
	"github.com/atmx/portfolio-ledger/internal/events"
	"github.com/atmx/portfolio-ledger/internal/ledger"
	"github.com/atmx/portfolio-ledger/internal/oracle"
	"github.com/atmx/portfolio-ledger/internal/store"
	"github.com/atmx/portfolio-ledger/internal/throttle"
	"github.com/atmx/portfolio-ledger/internal/valuation"
)

// components is the wired service graph shared by serve and audit.
type components struct {
	store   store.Store
	oracle  oracle.Oracle
	engine  *valuation.Engine
	exec    *ledger.Executor
	bus     *events.Bus
	cleanup []func()
}

func (c *components) close() {
	for i := len(c.cleanup) - 1; i >= 0; i-- {
		c.cleanup[i]()
	}
}

func openPostgres(ctx context.Context, url string) (*store.PostgresStore, func(), error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("database ping failed: %w", err)
	}
	return store.NewPostgresStore(pool), pool.Close, nil
}

func build(ctx context.Context, cfg config.Root, logger *slog.Logger) (*components, error) {
	c := &components{}
	ok := false
	defer func() {
		if !ok {
			c.close()
		}
	}()

	// --- Redis (optional, shared caches) ---
	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opt)
		c.cleanup = append(c.cleanup, func() { rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, caches will miss until it recovers", "err", err)
		}
	}

	// --- Store ---
	if cfg.Database.URL != "" {
		pg, closeFn, err := openPostgres(ctx, cfg.Database.URL)
		if err != nil {
			return nil, err
		}
		c.cleanup = append(c.cleanup, closeFn)
		if err := pg.Migrate(ctx); err != nil {
			return nil, err
		}
		c.store = pg
		logger.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if rdb != nil {
			c.store = store.NewCachedStore(pg, rdb, cfg.ReadCacheTTL())
			logger.Info("Redis read cache enabled")
		}
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		c.store = store.NewMemoryStore()
	}

	// --- Price oracle ---
	if cfg.Oracle.BaseURL != "" {
		httpOracle, err := oracle.NewHTTPOracle(cfg.HTTPOracleConfig())
		if err != nil {
			return nil, err
		}
		c.oracle = oracle.NewCachedOracle(httpOracle, cfg.OracleCacheTTL())
		logger.Info("price oracle configured", "base_url", cfg.Oracle.BaseURL)
	} else {
		prices, err := cfg.StaticPrices()
		if err != nil {
			return nil, err
		}
		c.oracle = oracle.NewStaticOracle(prices)
		logger.Warn("PRICE_ORACLE_URL not set, using static prices", "symbols", len(prices))
	}

	// --- Valuation and leaderboards ---
	var lbCache valuation.Cache
	if rdb != nil {
		lbCache = valuation.NewRedisCache(rdb, "ledger:")
	} else {
		lbCache = valuation.NewMemoryCache(time.Minute)
	}
	c.engine = valuation.NewEngine(c.store, c.oracle, lbCache, cfg.ValuationConfig(), logger)

	// --- Executor ---
	ledgerCfg, err := cfg.LedgerConfig()
	if err != nil {
		return nil, err
	}
	throttleCfg, err := cfg.ThrottleConfig()
	if err != nil {
		return nil, err
	}
	c.bus = events.NewBus(logger)
	c.exec = ledger.NewExecutor(c.store, c.oracle, ledgerCfg,
		ledger.WithGuard(throttle.NewGuard(throttleCfg)),
		ledger.WithPublisher(c.bus),
		ledger.WithInvalidator(c.engine),
		ledger.WithLogger(logger),
	)

	ok = true
	return c, nil
}
