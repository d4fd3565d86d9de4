/*
sweeper.go - Background expiration sweeper

PURPOSE:
  Periodically expires overdue pending orders, cancels stale
  waiting_review orders, and expires point grants past their date.
  Each order is processed in its own unit of work through the engine's
  sweep entry points; the engine re-checks state inside the unit, so a
  payment landing mid-sweep always wins.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - A cycle that overruns the interval is not stacked: the in-flight
    flag drops overlapping ticks
  - Per-order failures are logged and skipped; the next cycle retries

CONFIGURATION:
  - CheckInterval: How often to sweep (default: 1 minute)
  - Enabled: Whether the sweeper is active (default: true)

USAGE:
  sweeper := sweep.New(engine, logger)
  sweeper.Start()
  // ... later
  sweeper.Stop()

SEE ALSO:
  order/engine.go - ExpireOrder, CancelStaleOrder, SweepExpiredPoints
*/
package sweep

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/ticket-engine/order"
)

// Sweeper drives the periodic lifecycle cleanup.
type Sweeper struct {
	Engine        *order.Engine
	Logger        *logrus.Logger
	CheckInterval time.Duration
	Enabled       bool

	ticker  *time.Ticker
	stop    chan bool
	wg      sync.WaitGroup
	mu      sync.Mutex
	running atomic.Bool
}

// New creates a sweeper with default settings.
func New(engine *order.Engine, logger *logrus.Logger) *Sweeper {
	if logger == nil {
		logger = logrus.New()
	}
	return &Sweeper{
		Engine:        engine,
		Logger:        logger,
		CheckInterval: 1 * time.Minute,
		Enabled:       true,
		stop:          make(chan bool),
	}
}

// Start begins the sweeper.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.Logger.Info("sweeper disabled, not starting")
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.wg.Add(1)

	go s.run()

	s.Logger.WithField("interval", s.CheckInterval).Info("sweeper started")
}

// Stop stops the sweeper and waits for an in-flight cycle to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.Logger.Info("sweeper stopped")
	}
}

func (s *Sweeper) run() {
	defer s.wg.Done()

	// Run immediately on start
	s.RunOnce(context.Background())

	for {
		select {
		case <-s.ticker.C:
			s.RunOnce(context.Background())
		case <-s.stop:
			return
		}
	}
}

// RunOnce executes one full sweep cycle. Safe to call while the
// background loop is active; an overlapping call is a no-op.
func (s *Sweeper) RunOnce(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		s.Logger.Debug("sweep already in flight, skipping cycle")
		return
	}
	defer s.running.Store(false)

	expired := s.expireOverdue(ctx)
	canceled := s.cancelStale(ctx)

	pointsExpired, err := s.Engine.SweepExpiredPoints(ctx)
	if err != nil {
		s.Logger.WithError(err).Warn("point grant sweep failed")
	}

	if expired > 0 || canceled > 0 || pointsExpired > 0 {
		s.Logger.WithFields(logrus.Fields{
			"orders_expired":  expired,
			"orders_canceled": canceled,
			"points_expired":  pointsExpired,
		}).Info("sweep cycle completed")
	}
}

func (s *Sweeper) expireOverdue(ctx context.Context) int {
	ids, err := s.Engine.OrdersDueForExpiry(ctx)
	if err != nil {
		s.Logger.WithError(err).Warn("failed to list overdue orders")
		return 0
	}

	count := 0
	for _, id := range ids {
		_, swept, err := s.Engine.ExpireOrder(ctx, id)
		if err != nil {
			s.Logger.WithError(err).WithField("order_id", id).Warn("failed to expire order")
			continue
		}
		if swept {
			count++
		}
	}
	return count
}

func (s *Sweeper) cancelStale(ctx context.Context) int {
	ids, err := s.Engine.StaleReviewOrders(ctx)
	if err != nil {
		s.Logger.WithError(err).Warn("failed to list stale review orders")
		return 0
	}

	count := 0
	for _, id := range ids {
		_, swept, err := s.Engine.CancelStaleOrder(ctx, id)
		if err != nil {
			s.Logger.WithError(err).WithField("order_id", id).Warn("failed to cancel stale order")
			continue
		}
		if swept {
			count++
		}
	}
	return count
}
