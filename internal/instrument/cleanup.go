package instrument

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"arc-sync/internal/store"
)

// CleanupOldEvents deletes events older than retentionDays from the _events table.
func CleanupOldEvents(ctx context.Context, s *store.Store, logger *zap.Logger, retentionDays int) {
	pb := s.Dialect.NewParamBuilder()
	whereExpr := s.Dialect.IntervalDeleteExpr("created_at", pb, fmt.Sprintf("%d", retentionDays))
	n, err := store.Exec(ctx, s.DB, "DELETE FROM _events WHERE "+whereExpr, pb.Params()...)
	if err != nil {
		logger.Error("event cleanup failed", zap.Error(err))
		return
	}
	if n > 0 {
		logger.Info("event cleanup", zap.Int64("deleted", n))
	}
}

// Pruner deletes rows older than a retention window.
type Pruner interface {
	Prune(ctx context.Context, retentionDays int) (int64, error)
}

// RetentionScheduler prunes trace events and delivery rows on a ticker.
type RetentionScheduler struct {
	store         *store.Store
	ledger        Pruner
	logger        *zap.Logger
	retentionDays int
	interval      time.Duration

	ticker *time.Ticker
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewRetentionScheduler returns a scheduler that runs every interval. Either
// s or ledger may be nil to skip that table.
func NewRetentionScheduler(s *store.Store, ledger Pruner, logger *zap.Logger, retentionDays int, interval time.Duration) *RetentionScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &RetentionScheduler{
		store:         s,
		ledger:        ledger,
		logger:        logger,
		retentionDays: retentionDays,
		interval:      interval,
	}
}

// Start prunes once, then on every tick until Stop. A non-positive
// retention disables the scheduler.
func (r *RetentionScheduler) Start() {
	if r.retentionDays <= 0 {
		r.logger.Info("retention cleanup disabled")
		return
	}
	r.done = make(chan struct{})
	r.ticker = time.NewTicker(r.interval)
	r.wg.Add(1)
	go r.run()
	r.logger.Info("retention cleanup started",
		zap.Int("retention_days", r.retentionDays),
		zap.Duration("interval", r.interval))
}

// Stop halts the ticker and waits for a running pass to finish.
func (r *RetentionScheduler) Stop() {
	if r.ticker != nil {
		r.ticker.Stop()
	}
	if r.done != nil {
		close(r.done)
		r.wg.Wait()
		r.done = nil
	}
}

func (r *RetentionScheduler) run() {
	defer r.wg.Done()
	r.RunOnce(context.Background())
	for {
		select {
		case <-r.done:
			return
		case <-r.ticker.C:
			r.RunOnce(context.Background())
		}
	}
}

// RunOnce prunes both tables a single time.
func (r *RetentionScheduler) RunOnce(ctx context.Context) {
	if r.store != nil {
		CleanupOldEvents(ctx, r.store, r.logger, r.retentionDays)
	}
	if r.ledger == nil {
		return
	}
	n, err := r.ledger.Prune(ctx, r.retentionDays)
	if err != nil {
		r.logger.Error("delivery cleanup failed", zap.Error(err))
		return
	}
	if n > 0 {
		r.logger.Info("delivery cleanup", zap.Int64("deleted", n))
	}
}
