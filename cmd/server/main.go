package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/atmx/portfolio-ledger/internal/config"
	"github.com/atmx/portfolio-ledger/internal/events"
	"github.com/atmx/portfolio-ledger/internal/metrics"
	"github.com/atmx/portfolio-ledger/internal/model"
	"github.com/atmx/portfolio-ledger/internal/trade"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootFlags struct {
	configPath string
	envFile    string
}

func newRootCmd() *cobra.Command {
	var flags rootFlags
	root := &cobra.Command{
		Use:           "portfolio-ledger",
		Short:         "Simulated trading ledger: accounts, trades, valuations and leaderboards",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", os.Getenv("LEDGER_CONFIG"), "path to YAML config file")
	root.PersistentFlags().StringVar(&flags.envFile, "env-file", ".env", "optional .env file loaded before the config")

	root.AddCommand(newServeCmd(&flags), newMigrateCmd(&flags), newAuditCmd(&flags))
	return root
}

// load reads .env, then the config file, and installs the JSON logger.
func load(flags *rootFlags) (config.Root, *slog.Logger, error) {
	if err := config.LoadEnvFile(flags.envFile); err != nil {
		return config.Root{}, nil, err
	}
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return cfg, nil, err
	}
	lvl, _ := cfg.SlogLevel()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newServeCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load(flags)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

func newMigrateCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the ledger tables in PostgreSQL",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := load(flags)
			if err != nil {
				return err
			}
			if cfg.Database.URL == "" {
				return errors.New("migrate: DATABASE_URL is not set")
			}
			pg, closeFn, err := openPostgres(cmd.Context(), cfg.Database.URL)
			if err != nil {
				return err
			}
			defer closeFn()
			if err := pg.Migrate(cmd.Context()); err != nil {
				return err
			}
			slog.Info("schema up to date")
			return nil
		},
	}
}

func newAuditCmd(flags *rootFlags) *cobra.Command {
	var kind, leagueID, userID string
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Replay one namespace's transaction log and report drift",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load(flags)
			if err != nil {
				return err
			}
			c, err := build(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer c.close()

			ns := model.Namespace{Kind: model.NamespaceKind(kind), LeagueID: leagueID, UserID: userID}
			report, err := c.exec.Audit(cmd.Context(), ns)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
			if !report.Consistent {
				return fmt.Errorf("audit: %s has %d discrepancies", ns.Key(), len(report.Drift))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "type", string(model.KindPersonal), "namespace type: personal or league")
	cmd.Flags().StringVar(&leagueID, "league", "", "league id for league namespaces")
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func serve(parent context.Context, cfg config.Root, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.close()

	// --- WebSocket hub and event subscribers ---
	wsHub := trade.NewWSHub()
	go wsHub.Run(ctx)
	if err := c.bus.SubscribeTrades("websocket", wsHub.BroadcastTrade); err != nil {
		return err
	}
	if err := c.bus.SubscribeTrades("activity", events.ActivityLogger(logger)); err != nil {
		return err
	}

	// --- Trade service ---
	tradeSvc := trade.NewService(c.exec, c.engine, c.store, wsHub)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"portfolio-ledger"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", tradeSvc.Routes)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutMs) * time.Millisecond,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutMs) * time.Millisecond,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("portfolio-ledger listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Graceful shutdown.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeoutMs)*time.Millisecond)
	defer cancel()

	slog.Info("shutting down portfolio-ledger...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	c.bus.Wait()
	slog.Info("portfolio-ledger stopped")
	return nil
}
