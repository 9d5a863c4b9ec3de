/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the rewards engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags and load configuration
  2. Initialize logging
  3. Open the SQL store (SQLite or PostgreSQL)
  4. Connect the Redis idempotency cache, if configured
  5. Build the engine and the rewards service
  6. Seed the demo catalog (optional)
  7. Start the reconciliation scheduler and the HTTP server

COMMAND-LINE FLAGS:
  -config  YAML configuration file (optional)
  -port    HTTP server port, overrides the config
  -driver  "sqlite3" or "postgres", overrides the config
  -db      Database DSN, overrides the config
           Use ":memory:" for an in-memory SQLite database
  -seed    Load the demo catalog on startup

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler (waits for a running pass)
  2. Stop accepting new connections
  3. Wait for active requests to complete
  4. Close Redis and the database

EXAMPLES:
  ./server -db="./data/rewards.db" -seed
  ./server -driver=postgres -db="postgres://rewards@localhost/rewards?sslmode=disable"
  REWARDS_REDIS_ADDR=localhost:6379 ./server -config=config.yaml

SEE ALSO:
  - config/config.go: Configuration sources
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/warp/rewards-engine/api"
	"github.com/warp/rewards-engine/config"
	"github.com/warp/rewards-engine/logger"
	"github.com/warp/rewards-engine/points"
	"github.com/warp/rewards-engine/rewards"
	"github.com/warp/rewards-engine/store/sqlite"
)

func main() {
	if err := run(); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// Flags
	configPath := flag.String("config", "", "YAML configuration file")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	driver := flag.String("driver", "", "Database driver: sqlite3 or postgres (overrides config)")
	dsn := flag.String("db", "", "Database DSN (overrides config)")
	seed := flag.Bool("seed", false, "Load the demo catalog on startup")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *driver != "" {
		cfg.Database.Driver = *driver
	}
	if *dsn != "" {
		cfg.Database.DSN = *dsn
	}
	if *seed {
		cfg.Server.Seed = true
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger.Initialize(cfg.Log.Level, cfg.Log.Format)
	log := logger.WithComponent("main")

	// Initialize store
	if err := ensureDataDir(cfg.Database); err != nil {
		return err
	}
	store, err := sqlite.New(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	opts := cfg.EngineOptions()
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		opts.Cache = points.NewRedisIdempotencyCache(client, cfg.Redis.Prefix)
		log.Info("using redis idempotency cache", "addr", cfg.Redis.Addr)
	}

	engine := points.NewEngine(store, opts)

	rules, err := cfg.RuleSet()
	if err != nil {
		return err
	}
	svc := rewards.NewService(engine, rules)

	if cfg.Server.Seed {
		n, err := rewards.SeedCatalog(context.Background(), engine.Catalog, rewards.DemoCatalog())
		if err != nil {
			return fmt.Errorf("failed to seed catalog: %w", err)
		}
		log.Info("catalog seeded", "created", n)
	}

	// Scheduler
	var scheduler *api.ReconciliationScheduler
	if cfg.Scheduler.Enabled {
		scheduler, err = api.NewReconciliationScheduler(engine.Wallets, cfg.Scheduler.ReconcileSpec)
		if err != nil {
			return err
		}
		scheduler.Start()
	}

	// Router
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	routerOpts := api.RouterOptions{CORSOrigins: cfg.Server.CORSOrigins}
	if cfg.RateLimit.RPS > 0 {
		limiter := api.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst, 10*time.Minute)
		go limiter.Run(ctx, time.Minute)
		routerOpts.RateLimiter = limiter
	}
	handler := api.NewHandler(engine, svc, store)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.NewRouter(handler, routerOpts),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("server starting",
			"addr", server.Addr,
			"driver", cfg.Database.Driver,
			"scheduler", cfg.Scheduler.Enabled,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if scheduler != nil {
		scheduler.Stop(shutdownCtx)
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}

// ensureDataDir creates the parent directory of a SQLite database file.
func ensureDataDir(db config.DatabaseConfig) error {
	if db.Driver != sqlite.DialectSQLite || strings.HasPrefix(db.DSN, ":memory:") || strings.HasPrefix(db.DSN, "file:") {
		return nil
	}
	dir := filepath.Dir(db.DSN)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory %s: %w", dir, err)
	}
	return nil
}
