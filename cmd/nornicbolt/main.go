// Package main provides the NornicBolt CLI entry point.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/orneryd/nornicbolt/pkg/audit"
	"github.com/orneryd/nornicbolt/pkg/auth"
	"github.com/orneryd/nornicbolt/pkg/bolt"
	"github.com/orneryd/nornicbolt/pkg/config"
	"github.com/orneryd/nornicbolt/pkg/kernel"
	"github.com/orneryd/nornicbolt/pkg/logging"
	"github.com/orneryd/nornicbolt/pkg/metrics"
	"github.com/orneryd/nornicbolt/pkg/storage"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "nornicbolt",
		Short: "NornicBolt - transactional graph store behind a Bolt v1 endpoint",
		Long: `NornicBolt serves a transactional property graph store to Neo4j
drivers over the Bolt v1 protocol.

Features:
  • Bolt v1 handshake, chunking and message state machine
  • Explicit and auto-commit transactions with causal bookmarks
  • In-memory or BadgerDB storage
  • Label and property indexes, uniqueness and existence constraints`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "NornicBolt v%s (%s)\n", version, commit)
		},
	})

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Bolt server",
		RunE:  runServe,
	}
	serveCmd.Flags().String("config", "", "YAML configuration file")
	serveCmd.Flags().Int("bolt-port", 0, "Bolt port, overrides the configuration")
	serveCmd.Flags().String("data-dir", "", "Data directory, overrides the configuration")
	serveCmd.Flags().String("engine", "", "Storage engine (memory or badger)")
	serveCmd.Flags().Bool("no-auth", false, "Disable authentication")
	rootCmd.AddCommand(serveCmd)

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a data directory with a default configuration",
		RunE:  runInit,
	}
	initCmd.Flags().String("data-dir", "./data", "Data directory")
	rootCmd.AddCommand(initCmd)

	auditCmd := &cobra.Command{
		Use:   "audit [path]",
		Short: "Print events from a security audit trail",
		Args:  cobra.ExactArgs(1),
		RunE:  runAudit,
	}
	auditCmd.Flags().StringSlice("type", nil, "Event types to show (LOGIN, LOGIN_FAILED, ...)")
	auditCmd.Flags().String("user", "", "Only events of this user")
	auditCmd.Flags().Bool("failed", false, "Only unsuccessful events")
	auditCmd.Flags().Duration("since", 0, "Only events newer than this")
	auditCmd.Flags().Int("limit", 0, "Maximum number of events")
	rootCmd.AddCommand(auditCmd)

	return rootCmd
}

// loadConfig reads the file named by --config, or the defaults, and applies
// the command line overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	var cfg *config.Config
	if path != "" {
		var err error
		if cfg, err = config.LoadFromFile(path); err != nil {
			return nil, err
		}
	} else {
		cfg = config.LoadFromEnv()
	}

	if port, _ := cmd.Flags().GetInt("bolt-port"); port > 0 {
		cfg.Bolt.Port = port
	}
	if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
		cfg.Database.DataDir = dir
	}
	if engine, _ := cmd.Flags().GetString("engine"); engine != "" {
		cfg.Database.Engine = engine
	}
	if noAuth, _ := cmd.Flags().GetBool("no-auth"); noAuth {
		cfg.Auth.Enabled = false
	}
	return cfg, cfg.Validate()
}

func openStore(cfg config.DatabaseConfig, logger *zap.Logger) (storage.Store, error) {
	switch cfg.Engine {
	case "badger":
		return storage.NewBadgerStore(storage.BadgerOptions{
			DataDir:    cfg.DataDir,
			InMemory:   cfg.InMemory,
			SyncWrites: cfg.SyncWrites,
			CacheSize:  cfg.CacheSize,
			Logger:     logger,
		})
	default:
		return storage.NewMemoryStore(), nil
	}
}

func newAuthenticator(cfg config.AuthConfig, logger *zap.Logger) (*auth.Authenticator, error) {
	authenticator, err := auth.NewAuthenticator(auth.AuthConfig{
		Enabled:           cfg.Enabled,
		AllowAnonymous:    cfg.AllowAnonymous,
		MinPasswordLength: cfg.MinPasswordLength,
		BcryptCost:        cfg.BcryptCost,
		MaxFailedLogins:   cfg.MaxFailedLogins,
		LockoutDuration:   cfg.LockoutDuration,
		SessionTTL:        cfg.SessionTTL,
	}, logger)
	if err != nil {
		return nil, errors.Wrap(err, "create authenticator")
	}
	if !cfg.Enabled || cfg.InitialUsername == "" {
		return authenticator, nil
	}
	_, err = authenticator.CreateUser(cfg.InitialUsername, cfg.InitialPassword, []auth.Role{auth.RoleAdmin})
	if err != nil && !errors.Is(err, auth.ErrUserExists) {
		return nil, errors.Wrapf(err, "create user %s", cfg.InitialUsername)
	}
	return authenticator, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("starting NornicBolt", zap.String("version", version), zap.Stringer("config", cfg))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, m.Handler())
		metricsServer = &http.Server{Addr: cfg.Metrics.Address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
		logger.Info("metrics endpoint", zap.String("address", cfg.Metrics.Address), zap.String("path", cfg.Metrics.Path))
	}

	store, err := openStore(cfg.Database, logger)
	if err != nil {
		return errors.Wrap(err, "open store")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("close store", zap.Error(err))
		}
	}()

	authenticator, err := newAuthenticator(cfg.Auth, logger)
	if err != nil {
		return err
	}
	trail, err := audit.NewLogger(cfg.Audit)
	if err != nil {
		return err
	}
	defer trail.Close()
	trail.SetAlertCallback(func(e audit.Event) {
		logger.Warn("security event", zap.String("type", string(e.Type)), zap.String("user", e.Username), zap.String("reason", e.Reason))
	}, audit.EventLoginFailed, audit.EventTerminate)

	k := kernel.New(store, kernel.Options{
		Logger:             logger,
		Metrics:            m,
		PollInterval:       cfg.Database.BookmarkPollInterval,
		TransactionTimeout: cfg.Database.TransactionTimeout,
		StatementCacheSize: cfg.Database.StatementCacheSize,
	})
	spi := bolt.NewSPI(ctx, bolt.SPIConfig{
		Authenticator:   bolt.NewAuthenticatorAdapter(authenticator, logger).WithAudit(trail),
		Transactions:    k,
		BookmarkTimeout: cfg.Database.BookmarkTimeout,
		Metrics:         m,
		Logger:          logger,
		Audit:           trail,
		Users:           authenticator,
	})
	server, err := bolt.New(cfg.Bolt, spi, logger)
	if err != nil {
		return err
	}
	server.WithMetrics(m)

	served := make(chan error, 1)
	go func() { served <- server.ListenAndServe() }()

	select {
	case err = <-served:
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	k.Shutdown("server shutting down")
	if cerr := server.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}
	if err == nil {
		logger.Info("server stopped gracefully")
	}
	return err
}

func runInit(cmd *cobra.Command, args []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return errors.Wrapf(err, "create %s", dataDir)
	}

	cfg := config.LoadDefaults()
	cfg.Database.Engine = "badger"
	cfg.Database.DataDir = dataDir
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "encode config")
	}
	configPath := filepath.Join(dataDir, "nornicbolt.yaml")
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return errors.Wrap(err, "write config")
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Initialized %s\n", dataDir)
	fmt.Fprintf(out, "  Config: %s\n", configPath)
	fmt.Fprintf(out, "Start the server with: nornicbolt serve --config %s\n", configPath)
	return nil
}

func runAudit(cmd *cobra.Command, args []string) error {
	types, _ := cmd.Flags().GetStringSlice("type")
	user, _ := cmd.Flags().GetString("user")
	failed, _ := cmd.Flags().GetBool("failed")
	since, _ := cmd.Flags().GetDuration("since")
	limit, _ := cmd.Flags().GetInt("limit")

	q := audit.Query{Username: user, FailedOnly: failed, Limit: limit}
	for _, t := range types {
		q.Types = append(q.Types, audit.EventType(strings.ToUpper(t)))
	}
	if since > 0 {
		q.Start = time.Now().Add(-since)
	}
	events, err := audit.ReadFile(args[0], q)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, e := range events {
		status := "ok"
		if !e.Success {
			status = "failed"
		}
		fmt.Fprintf(out, "%s  %-20s %-12s %-6s %s\n", e.Timestamp.Format(time.RFC3339), e.Type, e.Username, status, e.Reason)
	}
	fmt.Fprintf(out, "%d events\n", len(events))
	return nil
}
