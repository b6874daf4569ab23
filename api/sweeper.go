/*
sweeper.go - Background overdue sweep

PURPOSE:
  Invoice statuses are derived on every read, but a PENDING invoice whose
  due date passes nobody looks at stays PENDING in storage. The sweeper
  periodically persists those transitions so listings filtered by OVERDUE
  and the summary stay accurate.

DESIGN:
  - Runs a background goroutine with configurable interval
  - Sweeps once immediately on start
  - Each sweep is one ledger.Service.RefreshStatuses call (one transaction)
  - A failed sweep is logged; the next tick tries again

CONFIGURATION:
  - Interval: How often to sweep (default: 1 hour)
  - Enabled: Whether the sweeper runs at all (default: true)

USAGE:
  sweeper := NewOverdueSweeper(svc, logger)
  sweeper.Start()
  // ... later
  sweeper.Stop()

SEE ALSO:
  - handlers.go: RefreshStatuses endpoint (manual sweep)
  - ledger/invoice.go: RefreshStatuses
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/zanaka/finance-engine/ledger"
)

// OverdueSweeper periodically persists derived invoice statuses.
type OverdueSweeper struct {
	Service  *ledger.Service
	Interval time.Duration
	Enabled  bool
	Logger   *slog.Logger

	ticker  *time.Ticker
	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	lastRun time.Time
	lastErr error
}

// NewOverdueSweeper creates a sweeper with a one hour interval.
func NewOverdueSweeper(svc *ledger.Service, logger *slog.Logger) *OverdueSweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &OverdueSweeper{
		Service:  svc,
		Interval: time.Hour,
		Enabled:  true,
		Logger:   logger.With("component", "sweeper"),
	}
}

// Start begins sweeping. Calling Start on a running sweeper does nothing.
func (s *OverdueSweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.Logger.Info("disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}
	if s.Interval <= 0 {
		s.Interval = time.Hour
	}

	s.ticker = time.NewTicker(s.Interval)
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.run(s.ticker, s.stop)

	s.Logger.Info("started", "interval", s.Interval)
}

// Stop halts the sweeper and waits for an in-flight sweep to finish.
func (s *OverdueSweeper) Stop() {
	s.mu.Lock()
	if s.ticker == nil {
		s.mu.Unlock()
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.ticker = nil
	s.mu.Unlock()

	s.wg.Wait()
	s.Logger.Info("stopped")
}

func (s *OverdueSweeper) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	s.RunNow(ctx)
	for {
		select {
		case <-ticker.C:
			s.RunNow(ctx)
		case <-stop:
			return
		}
	}
}

// RunNow performs one sweep and returns how many invoices changed status.
func (s *OverdueSweeper) RunNow(ctx context.Context) (int, error) {
	changed, err := s.Service.RefreshStatuses(ctx)

	s.mu.Lock()
	s.lastRun = s.Service.Now()
	s.lastErr = err
	s.mu.Unlock()

	if err != nil {
		s.Logger.Error("sweep failed", "error", err)
		return 0, err
	}
	if changed > 0 {
		s.Logger.Info("sweep completed", "changed", changed)
	}
	return changed, nil
}

// LastRun reports when the last sweep finished and its error, if any.
func (s *OverdueSweeper) LastRun() (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun, s.lastErr
}

// NextRunTime returns when the next scheduled sweep will occur.
func (s *OverdueSweeper) NextRunTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastRun.IsZero() {
		return s.Service.Now()
	}
	return s.lastRun.Add(s.Interval)
}
