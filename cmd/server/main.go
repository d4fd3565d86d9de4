/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the ticket lifecycle engine server. Handles
  configuration, dependency injection, the background sweeper, and
  graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration from .env / environment
  2. Initialize SQLite store
  3. Build the order engine with its notifier
  4. Start the expiration sweeper
  5. Start HTTP server with graceful shutdown

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the sweeper, waiting for an in-flight cycle
  4. Close database connection
  5. Exit

ENVIRONMENT:
  ADDR, DB_PATH, LOG_LEVEL, PAYMENT_WINDOW, EXPIRY_GRACE,
  REVIEW_STALE_AFTER, SWEEP_INTERVAL, SMTP_* - see config/config.go.

SEE ALSO:
  - api/server.go: Router configuration
  - sweep/sweeper.go: Background expiration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/ticket-engine/api"
	"github.com/warp/ticket-engine/config"
	"github.com/warp/ticket-engine/notify"
	"github.com/warp/ticket-engine/order"
	"github.com/warp/ticket-engine/store/sqlite"
	"github.com/warp/ticket-engine/sweep"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logger.SetOutput(os.Stdout)

	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize database")
	}
	defer store.Close()

	var notifier order.Notifier
	if cfg.EmailEnabled() {
		notifier = notify.NewEmailNotifier(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPassword, cfg.MailFrom)
		logger.WithField("host", cfg.SMTPHost).Info("Email notifications enabled")
	} else {
		notifier = notify.NewLogNotifier(logger)
		logger.Info("SMTP not configured, notifications go to the log")
	}

	engine := order.NewEngine(store, notifier, logger, order.Config{
		PaymentWindow:    cfg.PaymentWindow,
		ExpiryGrace:      cfg.ExpiryGrace,
		ReviewStaleAfter: cfg.ReviewStaleAfter,
	})

	sweeper := sweep.New(engine, logger)
	sweeper.CheckInterval = cfg.SweepInterval
	sweeper.Start()
	defer sweeper.Stop()

	handler := api.NewHandler(engine, store, logger)
	router := api.NewRouter(handler)

	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.WithField("addr", cfg.Addr).Info("Server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Fatal("Server forced to shutdown")
	}

	logger.Info("Server stopped")
}
