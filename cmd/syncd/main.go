// Package main implements the syncd binary, the offline-first sync engine
// sitting between intermittently-connected devices and the system of record.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/driftline/syncd/internal/adapter"
	"github.com/driftline/syncd/internal/config"
	"github.com/driftline/syncd/internal/database"
	"github.com/driftline/syncd/internal/handlers"
	"github.com/driftline/syncd/internal/models"
	"github.com/driftline/syncd/internal/repositories"
	"github.com/driftline/syncd/internal/services"
)

type cliOptions struct {
	EnvFile string `short:"e" long:"env-file" description:"Path to a .env file to load" default:".env"`
	Version bool   `short:"v" long:"version" description:"Show version information"`
}

var version = "dev"

func parseCLI(args []string) (*cliOptions, error) {
	opts := new(cliOptions)
	parser := flags.NewParser(opts, flags.HelpFlag)
	nonParsed, err := parser.ParseArgs(args)
	if err != nil {
		return opts, err
	}
	if len(nonParsed) > 0 {
		return opts, fmt.Errorf("unknown argument(s): %v", nonParsed)
	}
	return opts, nil
}

func setupLogging(logLevel string) error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return nil
}

func main() {
	opts, err := parseCLI(os.Args[1:])
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			fmt.Println(err)
			os.Exit(0)
		}
		logrus.WithError(err).Fatal("failed to parse arguments")
	}
	if opts.Version {
		fmt.Printf("syncd version %s\n", version)
		os.Exit(0)
	}

	godotenv.Load(opts.EnvFile)

	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.WithError(err).Fatal("failed to load config")
	}
	if err := setupLogging(cfg.LogLevel); err != nil {
		logrus.WithError(err).Fatal("failed to set up logging")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database connections
	pool, err := database.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logrus.WithError(err).Fatal("failed to create postgres pool")
	}
	defer pool.Close()

	if err := database.ApplyMigrations(ctx, pool); err != nil {
		logrus.WithError(err).Fatal("failed to apply migrations")
	}

	redisClient, err := database.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		logrus.WithError(err).Fatal("failed to create redis client")
	}
	defer redisClient.Close()

	profiles, err := models.ParseProfileRegistry(cfg.Profiles)
	if err != nil {
		logrus.WithError(err).Fatal("failed to parse sync profiles")
	}

	// Repositories
	cursors := repositories.NewPostgresCursorRepository(pool)
	changeLog := repositories.NewPostgresChangeLog(pool)
	applied := repositories.NewPostgresAppliedChangeRepository(pool)
	devices := repositories.NewPostgresDeviceRepository(pool)
	pullCache := repositories.NewRedisPullCache(redisClient, cfg.PullCacheTTL)

	// The in-memory adapter stands in for the production system of record;
	// deployments swap in their own adapter.SystemOfRecord here.
	sor := adapter.NewMemoryAdapter()

	// Services
	authService := services.NewAuthService(devices, cfg.JWTSecret, cfg.JWTExpiry)
	pushService := services.NewPushService(sor, applied, changeLog, cfg.AdapterTimeout)
	pullService := services.NewPullService(pool, pullCache, profiles, cfg.PullLimitDefault, cfg.PullLimitMax)
	stateService := services.NewStateService(cursors, applied, changeLog, changeLog, sor, cfg.AdapterTimeout)

	router := handlers.NewRouter(
		authService,
		handlers.NewDeviceHandler(authService),
		handlers.NewSyncHandler(pushService, pullService, stateService),
		cfg.OperatorKey,
	)

	go purgeWorker(ctx, applied, cfg.LedgerRetention)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.ServerPort),
		Handler: router,
	}

	// graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logrus.Info("shutting down server")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		server.Shutdown(shutdownCtx)
	}()

	logrus.WithField("port", cfg.ServerPort).Info("starting syncd")
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logrus.WithError(err).Fatal("server error")
	}

	logrus.Info("server stopped gracefully")
}

// purgeWorker trims synced idempotency rows past the retention window.
// Rows holding unresolved conflicts are never purged.
func purgeWorker(ctx context.Context, applied repositories.AppliedChangeRepository, retention time.Duration) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := applied.PurgeOlderThan(ctx, retention)
			if err != nil {
				logrus.WithError(err).Warn("ledger purge failed")
				continue
			}
			if purged > 0 {
				logrus.WithField("purged", purged).Info("purged synced ledger rows")
			}
		}
	}
}
