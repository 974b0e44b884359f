package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/gprofiler-dev/profctl/internal/api"
	"github.com/gprofiler-dev/profctl/internal/completion"
	"github.com/gprofiler-dev/profctl/internal/db"
	"github.com/gprofiler-dev/profctl/internal/dispatch"
	"github.com/gprofiler-dev/profctl/internal/housekeeper"
	"github.com/gprofiler-dev/profctl/internal/pidcache"
	"github.com/gprofiler-dev/profctl/internal/ratelimit"
	"github.com/gprofiler-dev/profctl/internal/reconcile"
	"github.com/gprofiler-dev/profctl/internal/repository"
	"github.com/gprofiler-dev/profctl/internal/websocket"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr        string
	dbDriver        string
	dbDSN           string
	logLevel        string
	livenessWindow  time.Duration
	retention       time.Duration
	maxBulkPercent  int
	heartbeatRPS    float64
	heartbeatBurst  int
	redisAddr       string
	pidCacheTTL     time.Duration
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
		Use:   "profctl-server",
		Short: "profctl server, request-to-command reconciliation core",
		Long: `profctl server is the control plane for dynamic, on-demand fleet
profiling. It merges overlapping profiling requests into per-host
commands, delivers them over an agent heartbeat channel, and tracks
their execution lifecycle.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("PROFCTL_HTTP_ADDR", ":8080"), "HTTP API listen address")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("PROFCTL_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("PROFCTL_DB_DSN", "./profctl.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("PROFCTL_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().DurationVar(&cfg.livenessWindow, "liveness-window", envDurationOrDefault("PROFCTL_LIVENESS_WINDOW", 10*time.Minute), "Heartbeat recency window for a host to count as active")
	root.PersistentFlags().DurationVar(&cfg.retention, "retention", envDurationOrDefault("PROFCTL_RETENTION", 7*24*time.Hour), "Retention window for terminal commands/executions before housekeeping purges them")
	root.PersistentFlags().IntVar(&cfg.maxBulkPercent, "bulk-cap-percent", envIntOrDefault("PROFCTL_BULK_CAP_PERCENT", 80), "Maximum percent of active hosts that may be profiling simultaneously (C6)")
	root.PersistentFlags().Float64Var(&cfg.heartbeatRPS, "heartbeat-rps", envFloatOrDefault("PROFCTL_HEARTBEAT_RPS", 2.0), "Per-host heartbeat rate limit (events/sec)")
	root.PersistentFlags().IntVar(&cfg.heartbeatBurst, "heartbeat-burst", envIntOrDefault("PROFCTL_HEARTBEAT_BURST", 5), "Per-host heartbeat rate limit burst")
	root.PersistentFlags().StringVar(&cfg.redisAddr, "redis-addr", envOrDefault("PROFCTL_REDIS_ADDR", ""), "Optional Redis address for the distributed PID targeting cache (empty = in-process cache)")
	root.PersistentFlags().DurationVar(&cfg.pidCacheTTL, "pidcache-ttl", envDurationOrDefault("PROFCTL_PIDCACHE_TTL", 10*time.Minute), "TTL for the Redis-backed PID cache, ignored for the in-process backend")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("profctl-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting profctl server",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("log_level", cfg.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- Database ---
	gormDB, err := db.New(db.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: gormLogLevel(cfg.logLevel),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	// --- Repositories ---
	requestRepo := repository.NewRequestRepository(gormDB)
	commandRepo := repository.NewCommandRepository(gormDB)
	executionRepo := repository.NewExecutionRepository(gormDB)
	heartbeatRepo := repository.NewHeartbeatRepository(gormDB)

	// --- PID targeting cache (§5, §9) ---
	var cache pidcache.Cache
	if cfg.redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.redisAddr})
		cache = pidcache.NewRedis(rdb, cfg.pidCacheTTL)
		logger.Info("pid cache backend: redis", zap.String("addr", cfg.redisAddr))
	} else {
		cache = pidcache.NewMemory()
		logger.Info("pid cache backend: in-process")
	}

	// --- Core components (C2-C5) ---
	reconciler := reconcile.New(requestRepo, commandRepo, heartbeatRepo, cache, cfg.livenessWindow)
	dispatcher := dispatch.New(commandRepo, executionRepo, heartbeatRepo, logger)
	completionHandler := completion.New(commandRepo, executionRepo, requestRepo)

	// --- Housekeeping (retention sweep, auxiliary to the core) ---
	hk, err := housekeeper.New(commandRepo, executionRepo, cfg.retention, logger)
	if err != nil {
		return fmt.Errorf("failed to create housekeeper: %w", err)
	}
	if err := hk.Start(ctx); err != nil {
		return fmt.Errorf("failed to start housekeeper: %w", err)
	}
	defer func() {
		if err := hk.Stop(); err != nil {
			logger.Warn("housekeeper shutdown error", zap.Error(err))
		}
	}()

	// --- Watch hub (expansion streaming endpoint) ---
	hub := websocket.NewHub()
	go hub.Run(ctx)

	// --- HTTP server ---
	router := api.NewRouter(api.RouterConfig{
		Reconciler:        reconciler,
		Dispatcher:        dispatcher,
		CompletionHandler: completionHandler,
		Heartbeats:        heartbeatRepo,
		Commands:          commandRepo,
		Requests:          requestRepo,
		Hub:               hub,
		HeartbeatLimiter:  ratelimit.NewPerKeyLimiter(cfg.heartbeatRPS, cfg.heartbeatBurst),
		MaxBulkPercent:    cfg.maxBulkPercent,
		Logger:            logger,
	})

	httpSrv := &http.Server{
		Addr:         cfg.httpAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down profctl server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}

	logger.Info("profctl server stopped")
	return nil
}

// gormLogLevel maps the application log level string to a GORM logger level.
func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "debug":
		return gormlogger.Info
	case "info":
		return gormlogger.Warn
	default:
		return gormlogger.Error
	}
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
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envFloatOrDefault(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}
