package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/octylFractal/backup-secretary/internal/api"
	"github.com/octylFractal/backup-secretary/internal/chunker/bytecount"
	"github.com/octylFractal/backup-secretary/internal/db"
	"github.com/octylFractal/backup-secretary/internal/docker"
	"github.com/octylFractal/backup-secretary/internal/events"
	"github.com/octylFractal/backup-secretary/internal/hooks"
	"github.com/octylFractal/backup-secretary/internal/metrics"
	"github.com/octylFractal/backup-secretary/internal/notification"
	"github.com/octylFractal/backup-secretary/internal/plugin"
	"github.com/octylFractal/backup-secretary/internal/repositories"
	"github.com/octylFractal/backup-secretary/internal/scheduler"
	"github.com/octylFractal/backup-secretary/internal/setup"
	sourcelocal "github.com/octylFractal/backup-secretary/internal/source/local"
	targetlocal "github.com/octylFractal/backup-secretary/internal/target/local"
	s3target "github.com/octylFractal/backup-secretary/internal/target/s3"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	dataDir       string
	dbDriver      string
	dbDSN         string
	httpAddr      string
	logLevel      string
	tickInterval  time.Duration
	hookTimeout   time.Duration
	dockerSocket  string
	noDocker      bool
	webhookURL    string
	webhookSecret string
}

func (c *config) setupsDir() string { return filepath.Join(c.dataDir, "setups") }

func (c *config) dsn() string {
	if c.dbDSN != "" {
		return c.dbDSN
	}
	return filepath.Join(c.dataDir, "secretary.db")
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "secretary",
		Short: "Backup secretary runs scheduled backups",
		Long: `Backup secretary loads backup setups from the data directory, runs each
one when it is due and reschedules it. Run history is kept in a database
and exposed over an HTTP API alongside Prometheus metrics.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler and HTTP API (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(runCmd)
	root.AddCommand(newVersionCmd())
	root.AddCommand(newMigrateCmd(cfg))
	root.AddCommand(newSetupsCmd(cfg))
	root.AddCommand(newPluginsCmd())
	root.AddCommand(newVolumesCmd(cfg))

	flags := root.PersistentFlags()
	flags.StringVar(&cfg.dataDir, "data-dir", envOrDefault("SECRETARY_DATA_DIR", "./data"), "Directory holding setups/ and the SQLite database")
	flags.StringVar(&cfg.dbDriver, "db-driver", envOrDefault("SECRETARY_DB_DRIVER", db.DriverSQLite), "Database driver (sqlite or postgres)")
	flags.StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("SECRETARY_DB_DSN", ""), "Database DSN, defaults to <data-dir>/secretary.db for SQLite")
	flags.StringVar(&cfg.httpAddr, "http-addr", envOrDefault("SECRETARY_HTTP_ADDR", ":8080"), "HTTP API listen address, empty to disable")
	flags.StringVar(&cfg.logLevel, "log-level", envOrDefault("SECRETARY_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	flags.DurationVar(&cfg.tickInterval, "tick-interval", envDuration("SECRETARY_TICK_INTERVAL", scheduler.DefaultTickInterval), "How often due setups are checked")
	flags.DurationVar(&cfg.hookTimeout, "hook-timeout", envDuration("SECRETARY_HOOK_TIMEOUT", hooks.DefaultTimeout), "Maximum duration of a pre or post backup hook")
	flags.StringVar(&cfg.dockerSocket, "docker-socket", envOrDefault("SECRETARY_DOCKER_SOCKET", ""), "Docker daemon socket, defaults to DOCKER_HOST or the platform socket")
	flags.BoolVar(&cfg.noDocker, "no-docker", envOrDefault("SECRETARY_NO_DOCKER", "") == "true", "Disable docker-volume:// sources")
	flags.StringVar(&cfg.webhookURL, "webhook-url", envOrDefault("SECRETARY_WEBHOOK_URL", ""), "URL notified after every run")
	flags.StringVar(&cfg.webhookSecret, "webhook-secret", envOrDefault("SECRETARY_WEBHOOK_SECRET", ""), "HMAC secret used to sign webhook payloads")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "secretary %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func newMigrateCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := buildLogger(cfg.logLevel)
			if err != nil {
				return fmt.Errorf("failed to build logger: %w", err)
			}
			defer logger.Sync() //nolint:errcheck

			database, err := openDB(cfg, logger)
			if err != nil {
				return err
			}
			return db.Close(database)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting backup secretary",
		zap.String("version", version),
		zap.String("data_dir", cfg.dataDir),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.Duration("tick_interval", cfg.tickInterval),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	volumes := connectDocker(ctx, cfg, logger)
	if volumes != nil {
		defer volumes.Close() //nolint:errcheck
	}
	plugins, err := newPluginRegistry(volumes)
	if err != nil {
		return err
	}

	store := setup.NewFileStore(cfg.setupsDir())
	setups := setup.NewRegistry(nil)
	loaded, skipped, err := store.LoadInto(plugins, setups)
	if err != nil {
		return fmt.Errorf("failed to load setups: %w", err)
	}
	logger.Info("setups loaded", zap.Int("loaded", loaded), zap.Int("skipped", skipped), zap.String("dir", store.Dir()))

	database, err := openDB(cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close(database) //nolint:errcheck
	runs := repositories.NewRunRepository(database)

	collector := metrics.NewCollector()
	hub := events.NewHub()
	context.AfterFunc(ctx, hub.Close)
	sched, err := scheduler.New(scheduler.Config{
		Registry:     setups,
		Store:        store,
		Runs:         runs,
		Notifier:     notification.Multi(notification.New(cfg.webhookURL, cfg.webhookSecret, logger), hub),
		Observer:     hub,
		Metrics:      collector,
		Hooks:        hooks.NewRunner(cfg.hookTimeout),
		Logger:       logger,
		TickInterval: cfg.tickInterval,
	})
	if err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}

	var srv *http.Server
	srvErr := make(chan error, 1)
	if cfg.httpAddr != "" {
		srv = &http.Server{
			Addr: cfg.httpAddr,
			Handler: api.NewRouter(api.RouterConfig{
				Setups:   setups,
				Trigger:  sched,
				Runs:     runs,
				Plugins:  plugins,
				Gatherer: metrics.NewRegistry(collector, cfg.dataDir, logger),
				Events:   hub,
				Ping:     func(ctx context.Context) error { return db.Ping(ctx, database) },
				DataDir:  cfg.dataDir,
				Logger:   logger,
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("http server listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				srvErr <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err = <-srvErr:
		logger.Error("http server failed", zap.Error(err))
	}
	logger.Info("shutting down backup secretary")

	if srv != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancelShutdown()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http server shutdown", zap.Error(err))
		}
	}
	if stopErr := sched.Stop(); stopErr != nil {
		logger.Warn("scheduler shutdown", zap.Error(stopErr))
	}
	return err
}

// newPluginRegistry lists every built-in plugin. volumes may be nil.
func newPluginRegistry(volumes *docker.Client) (*plugin.Registry, error) {
	var resolver sourcelocal.VolumeResolver
	if volumes != nil {
		resolver = volumes
	}
	return plugin.NewRegistry(
		sourcelocal.Provider(resolver),
		bytecount.Provider(),
		targetlocal.Provider(),
		s3target.Provider(),
	)
}

// connectDocker returns nil when docker support is disabled or the daemon
// does not answer.
func connectDocker(ctx context.Context, cfg *config, logger *zap.Logger) *docker.Client {
	if cfg.noDocker {
		return nil
	}
	c, err := docker.NewClient(cfg.dockerSocket)
	if err != nil {
		logger.Warn("docker support disabled", zap.Error(err))
		return nil
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.Ping(pingCtx); err != nil {
		logger.Warn("docker support disabled", zap.Error(err))
		_ = c.Close()
		return nil
	}
	return c
}

func openDB(cfg *config, logger *zap.Logger) (*gorm.DB, error) {
	if cfg.dbDriver == db.DriverSQLite && cfg.dbDSN == "" {
		if err := os.MkdirAll(cfg.dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
	}
	database, err := db.Open(db.Config{Driver: cfg.dbDriver, DSN: cfg.dsn(), Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return database, nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envDuration falls back to defaultVal when key is unset or unparsable.
func envDuration(key string, defaultVal time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return defaultVal
}
