/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the XP engine server, plus a few operator
  commands that share the same wiring.

STARTUP SEQUENCE (serve):
  1. Load config (YAML file, XP_* env, then flags)
  2. Initialize logger and SQLite store
  3. Load the level policy (file or built-in reference policy)
  4. Build the engine, handler and router
  5. Start the lock janitor if retention is configured
  6. Start server with graceful shutdown

COMMANDS:
  serve                 Run the HTTP API (default when no command is given)
  repair [--dry-run]    Reconcile locks, transactions and levels
  provision <user>...   Create progression records
  purge-locks           Run lock retention GC once

GLOBAL FLAGS:
  --config    YAML config file
  --port      HTTP server port (default: 8080)
  --db        SQLite database path (default: xp.db)
              Use ":memory:" for in-memory database
  --log-mode  dev | prod
  --policy    Level policy file (.json, .yaml)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the janitor
  4. Close database connection

EXAMPLES:
  ./server serve --db ./data/xp.db
  ./server --db ":memory:" --log-mode prod
  ./server repair --dry-run
  XP_LOCK_RETENTION=720h ./server purge-locks

SEE ALSO:
  - config/config.go: Settings and env overrides
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/warp/xp-engine/api"
	"github.com/warp/xp-engine/config"
	"github.com/warp/xp-engine/factory"
	"github.com/warp/xp-engine/logger"
	"github.com/warp/xp-engine/progression"
	"github.com/warp/xp-engine/store/sqlite"
)

type rootOptions struct {
	ConfigPath string
	Port       int
	DBPath     string
	LogMode    string
	PolicyFile string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "server",
		Short:         "XP ledger and level progression engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "YAML config file")
	cmd.PersistentFlags().IntVar(&opts.Port, "port", 0, "HTTP server port (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.DBPath, "db", "", "SQLite database path (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.LogMode, "log-mode", "", "dev | prod (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.PolicyFile, "policy", "", "level policy file (overrides config)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newRepairCommand(opts))
	cmd.AddCommand(newProvisionCommand(opts))
	cmd.AddCommand(newPurgeLocksCommand(opts))
	return cmd
}

// =============================================================================
// WIRING
// =============================================================================

type app struct {
	cfg    *config.Config
	log    *logger.Logger
	store  *sqlite.Store
	policy *factory.LevelPolicy
	engine *progression.Engine
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.log.Error("close store", "error", err)
	}
	a.log.Sync()
}

// loadConfig applies flags on top of the file and env settings.
func loadConfig(cmd *cobra.Command, opts *rootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Port = opts.Port
	}
	if flags.Changed("db") {
		cfg.DBPath = opts.DBPath
	}
	if flags.Changed("log-mode") {
		cfg.LogMode = opts.LogMode
	}
	if flags.Changed("policy") {
		cfg.PolicyFile = opts.PolicyFile
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func newApp(cmd *cobra.Command, opts *rootOptions) (*app, error) {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return nil, err
	}

	log, err := logger.New(cfg.LogMode, logger.Options{HashUserIDs: cfg.HashUserIDs, HashSalt: cfg.HashSalt})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	policy := factory.DefaultPolicy()
	if cfg.PolicyFile != "" {
		policy, err = factory.LoadPolicyFile(cfg.PolicyFile)
		if err != nil {
			return nil, err
		}
	}

	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}

	engine := progression.NewEngine(store, progression.Options{
		Thresholds:    policy.Thresholds,
		Catalog:       policy.Catalog,
		Logger:        log,
		LockRetention: cfg.LockRetention.Duration,
	})

	log.Info("engine ready",
		"db", cfg.DBPath,
		"policy", policy.Name,
		"max_level", policy.Thresholds.MaxLevel(),
		"lock_retention", cfg.LockRetention.Duration,
	)
	return &app{cfg: cfg, log: log, store: store, policy: policy, engine: engine}, nil
}

// =============================================================================
// COMMANDS
// =============================================================================

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}
}

func runServe(cmd *cobra.Command, opts *rootOptions) error {
	a, err := newApp(cmd, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	handler := api.NewHandler(a.engine, a.policy.Rewards, a.store, a.log)
	router := api.NewRouter(handler, api.RouterOptions{AllowedOrigins: a.cfg.AllowedOrigins})

	janitor := api.NewLockJanitor(a.engine, a.log)
	janitor.Interval = a.cfg.JanitorInterval.Duration
	janitor.Start()
	defer janitor.Stop()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", a.cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		a.log.Info("server starting", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case sig := <-quit:
		a.log.Info("shutting down server", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	a.log.Info("server stopped")
	return nil
}

func newRepairCommand(opts *rootOptions) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "repair",
		Short: "Reconcile xp locks, transactions and progression rows",
		Long: `Scan the store for lock/transaction mismatches and level drift.

Orphaned locks (no transaction) are removed so the event can be retried.
Orphaned transactions get their lock back. Users whose level or current XP
disagree with their total are realigned.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.engine.Repair(cmd.Context(), progression.RepairOptions{DryRun: dryRun})
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report problems without fixing them")
	return cmd
}

func newProvisionCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "provision <user-id>...",
		Short: "Create progression records for users",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			for _, id := range args {
				p, err := a.engine.Provision(cmd.Context(), progression.UserID(id))
				if err != nil {
					return fmt.Errorf("provision %s: %w", id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\tlevel=%d\ttotal_xp=%d\n", p.UserID, p.CurrentLevel, p.TotalXP)
			}
			return nil
		},
	}
}

func newPurgeLocksCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "purge-locks",
		Short: "Delete xp locks older than the configured retention",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.engine.PurgeLocks(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d locks older than %s\n", n, a.engine.LockRetention())
			return nil
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
