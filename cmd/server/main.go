/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the session accounting engine. Handles
  configuration, dependency injection, background sweeping, and graceful
  shutdown.

COMMANDS:
  serve       Run the HTTP API and the background sweeper
  reconcile   Replay a guild's ledger against cached balances and exit

STARTUP SEQUENCE (serve):
  1. Load .env, then the TOML config file, then environment overrides
  2. Open the configured store (sqlite, postgres or memory)
  3. Start the sweeper
  4. Start the HTTP server
  5. On SIGINT/SIGTERM: drain HTTP (30s), stop the sweeper, close the store

ENVIRONMENT:
  SESSION_ENGINE_CONFIG   Config file path (default: session-engine.toml)
  SESSION_ENGINE_DRIVER   Overrides store.driver
  SESSION_ENGINE_DSN      Overrides store.dsn
  SESSION_ENGINE_PORT     Overrides server.port

EXAMPLES:
  # Run with the embedded database
  ./session-engine serve

  # Run against postgres
  SESSION_ENGINE_DRIVER=postgres \
  SESSION_ENGINE_DSN="postgres://localhost/sessions?sslmode=disable" \
  ./session-engine serve

  # Check one guild's ledger, repairing drift
  ./session-engine reconcile --guild 1001 --repair

SEE ALSO:
  - config/config.go: File format and defaults
  - api/server.go: Router configuration
  - tracking/sweeper.go: The background loop started here
*/
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	xrate "golang.org/x/time/rate"

	"github.com/studyhall/session-engine/api"
	"github.com/studyhall/session-engine/config"
	"github.com/studyhall/session-engine/engine"
	memstore "github.com/studyhall/session-engine/engine/store"
	"github.com/studyhall/session-engine/store/postgres"
	"github.com/studyhall/session-engine/store/sqlite"
	"github.com/studyhall/session-engine/tracking"
)

func main() {
	// A missing .env is fine; explicit config still wins.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:          "session-engine",
		Short:        "Continuous session accounting engine",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("config", envOr("SESSION_ENGINE_CONFIG", "session-engine.toml"), "config file path")

	root.AddCommand(serveCmd(), reconcileCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and background sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store, closeStore, err := openStore(cfg.Store)
			if err != nil {
				return err
			}
			defer closeStore()

			rates, err := cfg.Guild.RateProvider()
			if err != nil {
				return err
			}
			interval, err := cfg.Sweep.IntervalDuration()
			if err != nil {
				return err
			}

			sweeper := tracking.NewSweeper(store, rates, tracking.NoMultiplier(), interval, xrate.Limit(cfg.Sweep.WriteLimit))
			sweeper.Start()
			defer sweeper.Stop()

			handler := api.NewHandler(store, rates, tracking.NoMultiplier(), sweeper, api.NewMetrics(store))
			router := api.NewRouter(handler, cfg.Server.AllowedOrigins)

			server := &http.Server{
				Addr:         cfg.Server.Addr(),
				Handler:      router,
				ReadTimeout:  15 * time.Second,
				WriteTimeout: 15 * time.Second,
				IdleTimeout:  60 * time.Second,
			}

			go func() {
				log.Printf("[Server] Listening on http://%s", cfg.Server.Addr())
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatalf("[Server] Failed: %v", err)
				}
			}()

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit

			log.Println("[Server] Shutting down...")
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("forced shutdown: %w", err)
			}
			log.Println("[Server] Stopped")
			return nil
		},
	}
}

func reconcileCmd() *cobra.Command {
	var (
		guild  int64
		repair bool
	)
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Replay a guild's ledger against cached balances",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store, closeStore, err := openStore(cfg.Store)
			if err != nil {
				return err
			}
			defer closeStore()

			report, err := engine.NewReconciler(store).Reconcile(cmd.Context(), engine.GuildID(guild), repair)
			if err != nil {
				return err
			}

			fmt.Printf("Guild %d: %d members checked\n", report.Guild, report.Members)
			if report.Clean() {
				fmt.Println("No drift found")
				return nil
			}
			for _, d := range report.Drifted {
				fmt.Println(d.String())
			}
			if report.Repaired {
				fmt.Printf("Repaired %d balances from the ledger\n", len(report.Drifted))
				return nil
			}
			return fmt.Errorf("%d balances drifted (run with --repair to fix)", len(report.Drifted))
		},
	}
	cmd.Flags().Int64Var(&guild, "guild", 0, "guild to reconcile")
	cmd.Flags().BoolVar(&repair, "repair", false, "write replayed balances back")
	cmd.MarkFlagRequired("guild")
	return cmd
}

// =============================================================================
// WIRING
// =============================================================================

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}

	if driver := os.Getenv("SESSION_ENGINE_DRIVER"); driver != "" {
		cfg.Store.Driver = driver
	}
	if dsn := os.Getenv("SESSION_ENGINE_DSN"); dsn != "" {
		cfg.Store.DSN = dsn
	}
	if port := os.Getenv("SESSION_ENGINE_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return config.Config{}, fmt.Errorf("invalid SESSION_ENGINE_PORT %q: %w", port, err)
		}
		cfg.Server.Port = p
	}
	return cfg, cfg.Validate()
}

func openStore(cfg config.StoreConfig) (engine.TxStore, func() error, error) {
	switch cfg.Driver {
	case "sqlite":
		store, err := sqlite.New(cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return store, store.Close, nil
	case "postgres":
		store, err := postgres.New(cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return store, store.Close, nil
	case "memory":
		return memstore.NewTxMemory(), func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
