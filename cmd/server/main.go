/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the economy engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags, load config (file, .env, ECONOMY_* env)
  2. Build the zap logger
  3. Open stores, orbs client and locker; build the engine (app.Open)
  4. Start the reconciliation scheduler
  5. Configure HTTP router
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config     TOML config file (optional)
  -port       HTTP server port (overrides config)
  -db         SQLite database path (overrides config)
              Use ":memory:" for in-memory database
  -tokens-db  LevelDB directory for the tokens ledger (overrides config)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (server.shutdown_timeout)
  3. Stop the scheduler
  4. Close stores
  5. Exit

EXAMPLES:
  ./server -config=./economy.toml
  ./server -db=":memory:" -tokens-db=/tmp/tokens -port=3000

SEE ALSO:
  - config/config.go: Configuration and environment variables
  - app/app.go: Engine assembly
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/warp/economy-engine/api"
	"github.com/warp/economy-engine/app"
	"github.com/warp/economy-engine/config"
	"github.com/warp/economy-engine/logging"
	"github.com/warp/economy-engine/metrics"
)

func main() {
	// Flags
	configPath := flag.String("config", "", "TOML config file")
	port := flag.String("port", "", "HTTP server port")
	dbPath := flag.String("db", "", "SQLite database path")
	tokensPath := flag.String("tokens-db", "", "LevelDB directory for the tokens ledger")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port != "" {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.Storage.SQLitePath = *dbPath
	}
	if *tokensPath != "" {
		cfg.Storage.TokensPath = *tokensPath
	}

	logger, logCloser, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logCloser.Close()
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx := context.Background()
	observer := metrics.Economy()

	a, err := app.Open(ctx, cfg, logger, app.Options{Observer: observer})
	if err != nil {
		return err
	}
	defer a.Close()

	handler := api.NewHandler(a.Engine, a.SQL, logger.Named("api"))

	scheduler := api.NewReconciliationScheduler(a.Engine, a.SQL, logger)
	scheduler.CheckInterval = cfg.Reconcile.Interval
	scheduler.Start()
	defer scheduler.Stop()

	router := api.NewRouter(handler, api.RouterOptions{
		CORSOrigins: cfg.Server.CORSOrigins,
		Limiter:     api.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst),
		Metrics:     metrics.Handler(),
		Logger:      logger.Named("http"),
	})

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serveErr:
		return err
	case sig := <-quit:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}
