package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/route-beacon/nlrt/internal/config"
	"github.com/route-beacon/nlrt/internal/db"
	nlrthttp "github.com/route-beacon/nlrt/internal/http"
	"github.com/route-beacon/nlrt/internal/journal"
	"github.com/route-beacon/nlrt/internal/kafka"
	"github.com/route-beacon/nlrt/internal/maintenance"
	"github.com/route-beacon/nlrt/internal/metrics"
	"github.com/route-beacon/nlrt/internal/peer"
	"github.com/route-beacon/nlrt/internal/rtable"
	"github.com/route-beacon/nlrt/internal/session"
	"github.com/route-beacon/nlrt/internal/transport"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const maintenanceInterval = time.Hour

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		os.Exit(runServe())
	case "migrate":
		runMigrate()
	case "maintenance":
		runMaintenance()
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: nlrtd <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve         Run the privileged route peer")
	fmt.Println("  migrate       Run database migrations")
	fmt.Println("  maintenance   Run partition maintenance (create new, drop old)")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config <path>          Path to configuration file (.yaml or .toml)")
	fmt.Println("  --log-level <lvl>        Override log level (debug, info, warn, error)")
	fmt.Println("  --migrations-dir <path>  Directory holding NNNN_name.sql files (migrate only)")
}

type flags struct {
	configPath    string
	logLevel      string
	migrationsDir string
}

func parseFlags(args []string) flags {
	var f flags
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				f.configPath = args[i+1]
				i++
			}
		case "--log-level":
			if i+1 < len(args) {
				f.logLevel = args[i+1]
				i++
			}
		case "--migrations-dir":
			if i+1 < len(args) {
				f.migrationsDir = args[i+1]
				i++
			}
		}
	}
	return f
}

func loadConfig(f flags) (*config.Config, *zap.Logger) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if f.logLevel != "" {
		cfg.Service.LogLevel = f.logLevel
	}

	logger := initLogger(cfg.Service.LogLevel)
	return cfg, logger
}

func initLogger(level string) *zap.Logger {
	zapLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		zapLevel = zap.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

// defaultMigrationsDir returns the migrations directory next to the binary.
func defaultMigrationsDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "migrations"
	}
	return filepath.Join(filepath.Dir(exe), "migrations")
}

func runServe() int {
	cfg, logger := loadConfig(parseFlags(os.Args[2:]))
	defer logger.Sync()

	if err := cfg.ValidateServe(); err != nil {
		logger.Error("invalid configuration for serve", zap.Error(err))
		return 1
	}

	metrics.Register()

	logger.Info("starting nlrtd",
		zap.String("instance_id", cfg.Service.InstanceID),
		zap.String("transport", cfg.Transport.Kind),
		zap.Uint32("identity", cfg.Transport.Identity),
		zap.String("http_listen", cfg.Service.HTTPListen),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tbl := rtable.New(cfg.Table.MaxEntries)
	checks := map[string]nlrthttp.Pinger{}
	var sinks []journal.Sink

	// --- Postgres: restore, journal sink, partition upkeep ---
	if cfg.Postgres.Enabled {
		pool, err := db.NewPool(ctx, cfg.Postgres.DSN, cfg.Service.InstanceID, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
		if err != nil {
			logger.Error("failed to connect to database", zap.Error(err))
			return 1
		}
		defer pool.Close()

		pm := maintenance.NewPartitionManager(pool, cfg.Retention.Days, cfg.Retention.Timezone, logger.Named("maintenance"))
		if err := pm.CreatePartitions(ctx); err != nil {
			logger.Error("failed to create partitions on startup", zap.Error(err))
			return 1
		}
		go pm.Loop(ctx, maintenanceInterval)

		stored, err := journal.LoadRoutes(ctx, pool)
		if err != nil {
			logger.Error("failed to load stored routes", zap.Error(err))
			return 1
		}
		n := journal.Restore(tbl, stored, logger.Named("restore"))
		metrics.Routes.Set(float64(tbl.Len()))
		logger.Info("route table restored", zap.Int("routes", n), zap.Int("stored", len(stored)))

		sinks = append(sinks, journal.NewWriter(pool, logger.Named("journal.writer"),
			cfg.Journal.StoreRawBytes, cfg.Journal.StoreRawBytesCompress))
		checks["postgres"] = pool
	}

	// --- Kafka: change feed ---
	if cfg.Kafka.Enabled {
		tlsCfg, err := cfg.Kafka.BuildTLSConfig()
		if err != nil {
			logger.Error("failed to build TLS config", zap.Error(err))
			return 1
		}
		pub, err := kafka.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.ClientID, cfg.Kafka.Topic,
			tlsCfg, cfg.Kafka.BuildSASLMechanism(), logger.Named("kafka"))
		if err != nil {
			logger.Error("failed to create kafka publisher", zap.Error(err))
			return 1
		}
		defer pub.Close()
		sinks = append(sinks, pub)
		checks["kafka"] = pub
	}

	// --- Journal ---
	var rec journal.Recorder = journal.Discard{}
	var queue *journal.Queue
	pipelineDone := make(chan struct{})
	pipeCtx, pipeCancel := context.WithCancel(context.Background())
	defer pipeCancel()
	if len(sinks) > 0 {
		queue = journal.NewQueue(cfg.Journal.ChannelBufferSize, func() []rtable.Entry {
			return slices.Collect(tbl.Dump())
		}, logger.Named("journal"))
		rec = queue
		pipeline := journal.NewPipeline(sinks, cfg.Journal.BatchSize, cfg.Journal.FlushIntervalMs, logger.Named("journal.pipeline"))
		pipeline.OnLoss(queue.MarkStale)
		go func() {
			defer close(pipelineDone)
			pipeline.Run(pipeCtx, queue.Events())
		}()
	} else {
		close(pipelineDone)
	}

	// --- Transport and receive loop ---
	ep, err := transport.New(transport.Options{
		Kind:      transport.Kind(cfg.Transport.Kind),
		SocketDir: cfg.Transport.SocketDir,
		Family:    cfg.Transport.Family,
	})
	if err != nil {
		logger.Error("failed to create transport", zap.Error(err))
		return 1
	}
	if cfg.Transport.Kind == string(transport.KindUnixgram) {
		if err := os.MkdirAll(cfg.Transport.SocketDir, 0o755); err != nil {
			logger.Error("failed to create socket directory", zap.Error(err))
			return 1
		}
	}
	sess := session.New(ep, logger.Named("session"))
	if err := sess.Bind(transport.Identity(cfg.Transport.Identity)); err != nil {
		logger.Error("failed to bind endpoint", zap.Error(err))
		return 1
	}
	defer sess.Close()

	handler := peer.NewHandler(tbl, sess, rec, nil, logger.Named("peer"))
	listener, err := sess.Listen(ctx, handler.Handle)
	if err != nil {
		logger.Error("failed to start receive loop", zap.Error(err))
		return 1
	}

	// --- HTTP server ---
	httpServer := nlrthttp.NewServer(cfg.Service.HTTPListen, nlrthttp.Deps{
		Table:    tbl,
		Clearer:  handler,
		Listener: listener,
		Checks:   checks,
	}, logger.Named("http"))
	if err := httpServer.Start(); err != nil {
		logger.Error("failed to start HTTP server", zap.Error(err))
		listener.Stop()
		return 1
	}

	logger.Info("receive loop and HTTP server started")

	// Wait for a shutdown signal or for the receive loop to die.
	exitCode := 0
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case <-listener.Done():
		logger.Error("receive loop exited, shutting down", zap.Error(listener.Err()))
		exitCode = 1
	}

	shutdownTimeout := time.Duration(cfg.Service.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting HTTP traffic first.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// No more table changes after this; let the journal drain.
	if err := listener.Stop(); err != nil && exitCode == 0 {
		logger.Error("receive loop stopped with error", zap.Error(err))
	}
	cancel()
	if queue != nil {
		queue.Close()
	}

	select {
	case <-pipelineDone:
		logger.Info("journal drained")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout reached, journal may not have finished flushing")
		pipeCancel()
		<-pipelineDone
	}

	logger.Info("nlrtd stopped")
	return exitCode
}

func requirePostgres(cfg *config.Config, logger *zap.Logger) {
	if cfg.Postgres.DSN == "" {
		logger.Fatal("postgres.dsn is required for this command")
	}
}

func runMigrate() {
	f := parseFlags(os.Args[2:])
	cfg, logger := loadConfig(f)
	defer logger.Sync()
	requirePostgres(cfg, logger)

	dir := f.migrationsDir
	if dir == "" {
		dir = defaultMigrationsDir()
	}
	logger.Info("running migrations",
		zap.String("dsn", redactDSN(cfg.Postgres.DSN)),
		zap.String("dir", dir),
	)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.Postgres.DSN, cfg.Service.InstanceID, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := db.RunMigrations(ctx, pool, dir, logger); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	logger.Info("migrations complete")
}

func runMaintenance() {
	cfg, logger := loadConfig(parseFlags(os.Args[2:]))
	defer logger.Sync()
	requirePostgres(cfg, logger)

	logger.Info("running partition maintenance",
		zap.Int("retention_days", cfg.Retention.Days),
		zap.String("timezone", cfg.Retention.Timezone),
	)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.Postgres.DSN, cfg.Service.InstanceID, cfg.Postgres.MaxConns, cfg.Postgres.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	pm := maintenance.NewPartitionManager(pool, cfg.Retention.Days, cfg.Retention.Timezone, logger)
	if err := pm.Run(ctx); err != nil {
		logger.Fatal("maintenance failed", zap.Error(err))
	}

	logger.Info("partition maintenance complete")
}

var dsnPassword = regexp.MustCompile(`password\s*=\s*\S+`)

func redactDSN(dsn string) string {
	if !strings.Contains(dsn, "://") {
		return dsnPassword.ReplaceAllString(dsn, "password=***")
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
