package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// sweepSlack widens the due window so items scheduled just before a tick
// are not skipped.
const sweepSlack = time.Minute

// Runner executes one claimed item. The sweeper records the terminal
// status from the returned error.
type Runner interface {
	RunScheduledItem(ctx context.Context, item *ScheduledItem) error
}

// SweeperConfig bundles the sweeper dependencies.
type SweeperConfig struct {
	Database *gorm.DB
	Runner   Runner
	Logger   *zap.Logger
	// Interval between sweeps; defaults to one minute.
	Interval time.Duration
	// Workers bounds concurrent executions; defaults to 4.
	Workers int
}

// Sweeper periodically claims due pending items and runs them on a bounded
// pool. Claiming is a guarded status update, so concurrent sweepers never
// run the same item twice.
type Sweeper struct {
	db       *gorm.DB
	runner   Runner
	logger   *zap.Logger
	interval time.Duration
	workers  int
	now      func() time.Time
}

// NewSweeper wires a sweeper and applies defaults.
func NewSweeper(cfg SweeperConfig) *Sweeper {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		db:       cfg.Database,
		runner:   cfg.Runner,
		logger:   logger,
		interval: interval,
		workers:  workers,
		now:      time.Now,
	}
}

// Run sweeps until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if err := s.Sweep(ctx); err != nil {
			s.logger.Error("sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep claims every due pending item and executes the claimed set on the
// worker pool. It returns once the whole batch reached a terminal state.
func (s *Sweeper) Sweep(ctx context.Context) error {
	due, err := s.claimDue(s.now().Add(sweepSlack))
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.workers)
	for _, item := range due {
		group.Go(func() error {
			s.execute(groupCtx, &item)
			return nil
		})
	}
	return group.Wait()
}

// claimDue flips due pending items to executing one at a time. The guarded
// update only succeeds for the sweeper that wins the race.
func (s *Sweeper) claimDue(deadline time.Time) ([]ScheduledItem, error) {
	var candidates []ScheduledItem
	err := s.db.Where("status = ? AND execute_at <= ?", StatusPending, deadline).
		Order("execute_at ASC").Find(&candidates).Error
	if err != nil {
		return nil, err
	}
	claimed := make([]ScheduledItem, 0, len(candidates))
	for _, candidate := range candidates {
		result := s.db.Model(&ScheduledItem{}).
			Where("id = ? AND status = ?", candidate.ID, StatusPending).
			Update("status", StatusExecuting)
		if result.Error != nil {
			return nil, result.Error
		}
		if result.RowsAffected == 0 {
			continue
		}
		candidate.Status = StatusExecuting
		claimed = append(claimed, candidate)
	}
	return claimed, nil
}

func (s *Sweeper) execute(ctx context.Context, item *ScheduledItem) {
	status := StatusDone
	if err := s.runner.RunScheduledItem(ctx, item); err != nil {
		status = StatusDoneError
		s.logger.Error("scheduled item failed",
			zap.Uint("item_id", item.ID),
			zap.Uint("action_id", item.ActionID),
			zap.Error(err))
	} else {
		s.logger.Info("scheduled item executed",
			zap.Uint("item_id", item.ID),
			zap.Uint("action_id", item.ActionID))
	}
	finished := s.now()
	updates := map[string]any{
		"status":         status,
		"last_execution": finished,
	}
	if item.LastLogID != nil {
		updates["last_log_id"] = *item.LastLogID
	}
	if err := s.db.Model(&ScheduledItem{}).
		Where("id = ?", item.ID).Updates(updates).Error; err != nil {
		s.logger.Error("scheduled item status update failed",
			zap.Uint("item_id", item.ID), zap.Error(err))
	}
}
