// Package scheduler runs the ledger's background jobs.
package scheduler

import (
	"context"
	"sync"
	"time"

	appledger "github.com/ledger/backend/internal/application/ledger"
	"go.uber.org/zap"
)

// ExpiredReservationSweeper releases reservations left pending for too long
type ExpiredReservationSweeper interface {
	SweepExpiredReservations(ctx context.Context, olderThan time.Duration) (appledger.SweepStats, error)
}

// ReservationSweeperConfig holds configuration for the reservation sweeper
type ReservationSweeperConfig struct {
	// Enabled determines if the sweeper is active
	Enabled bool

	// Interval is the time between sweeps
	Interval time.Duration

	// Expiry is how long a reservation may stay pending
	Expiry time.Duration

	// Timeout bounds a single sweep
	Timeout time.Duration

	// RunOnStart sweeps immediately instead of waiting one interval
	RunOnStart bool
}

// DefaultReservationSweeperConfig returns default configuration
func DefaultReservationSweeperConfig() ReservationSweeperConfig {
	return ReservationSweeperConfig{
		Enabled:    true,
		Interval:   5 * time.Minute,
		Expiry:     time.Hour,
		Timeout:    2 * time.Minute,
		RunOnStart: true,
	}
}

func (c ReservationSweeperConfig) validate() error {
	if c.Interval <= 0 || c.Expiry <= 0 {
		return ErrInvalidConfig
	}
	return nil
}

// SweepStatus is a snapshot of the sweeper's progress
type SweepStatus struct {
	Running   bool
	Runs      int64
	LastRun   time.Time
	LastStats appledger.SweepStats
	LastError string
}

// ReservationSweeper periodically releases expired reservations
type ReservationSweeper struct {
	sweeper ExpiredReservationSweeper
	logger  *zap.Logger
	config  ReservationSweeperConfig

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool

	statusMu sync.RWMutex
	status   SweepStatus
}

// NewReservationSweeper creates a new reservation sweeper
func NewReservationSweeper(sweeper ExpiredReservationSweeper, logger *zap.Logger, config ReservationSweeperConfig) *ReservationSweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultReservationSweeperConfig().Timeout
	}
	return &ReservationSweeper{
		sweeper: sweeper,
		logger:  logger,
		config:  config,
	}
}

// Start starts the sweep loop. Starting a running or disabled sweeper is a no-op.
func (s *ReservationSweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}
	if !s.config.Enabled {
		s.mu.Unlock()
		s.logger.Info("Reservation sweeper is disabled")
		return nil
	}
	if err := s.config.validate(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.isRunning = true
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.run(ctx)

	s.setRunning(true)
	s.logger.Info("Reservation sweeper started",
		zap.Duration("interval", s.config.Interval),
		zap.Duration("expiry", s.config.Expiry),
	)
	return nil
}

// Stop gracefully stops the sweeper, waiting for an in-flight sweep
func (s *ReservationSweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = false
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.setRunning(false)
		s.logger.Info("Reservation sweeper stopped gracefully")
		return nil
	case <-ctx.Done():
		s.logger.Warn("Reservation sweeper stop timed out")
		return ctx.Err()
	}
}

func (s *ReservationSweeper) run(ctx context.Context) {
	defer s.wg.Done()

	if s.config.RunOnStart {
		s.RunOnce(ctx)
	}

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("Reservation sweep loop stopping")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep bounded by the configured timeout
func (s *ReservationSweeper) RunOnce(ctx context.Context) appledger.SweepStats {
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	stats, err := s.sweeper.SweepExpiredReservations(ctx, s.config.Expiry)

	s.statusMu.Lock()
	s.status.Runs++
	s.status.LastRun = time.Now()
	s.status.LastStats = stats
	s.status.LastError = ""
	if err != nil {
		s.status.LastError = err.Error()
	}
	s.statusMu.Unlock()

	if err != nil {
		s.logger.Error("Reservation sweep failed",
			zap.Int("released", stats.Released),
			zap.Error(err))
		return stats
	}
	if stats.Failed > 0 {
		s.logger.Warn("Reservation sweep left reservations pending",
			zap.Int("failed", stats.Failed),
			zap.Int("released", stats.Released))
	}
	return stats
}

// Status returns the most recent sweep results
func (s *ReservationSweeper) Status() SweepStatus {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.status
}

func (s *ReservationSweeper) setRunning(running bool) {
	s.statusMu.Lock()
	s.status.Running = running
	s.statusMu.Unlock()
}
