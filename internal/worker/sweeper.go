package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cuongbtq/jobrouter/internal/dispatch"
	"github.com/cuongbtq/jobrouter/shared/redislock"
	"github.com/robfig/cron/v3"
)

// Sweeper runs one housekeeping pass over offers and claims
type Sweeper interface {
	Sweep(ctx context.Context) (dispatch.SweepResult, error)
}

// Lease guards a pass so only one replica runs it per tick
type Lease interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// SweepScheduler triggers the sweep on a cron schedule
type SweepScheduler struct {
	cron     *cron.Cron
	schedule string
	sweeper  Sweeper
	lease    Lease
	logger   *slog.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewSweepScheduler validates schedule and registers the sweep. A nil lease runs every tick.
func NewSweepScheduler(schedule string, sweeper Sweeper, lease Lease, logger *slog.Logger) (*SweepScheduler, error) {
	s := &SweepScheduler{
		cron:     cron.New(cron.WithParser(cronParser), cron.WithChain(cron.Recover(cron.DefaultLogger))),
		schedule: schedule,
		sweeper:  sweeper,
		lease:    lease,
		logger:   logger,
	}
	if _, err := s.cron.AddFunc(schedule, s.tick); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start begins firing on schedule
func (s *SweepScheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("Sweep scheduler started", slog.String("schedule", s.schedule))
}

// Stop waits for a running pass to finish
func (s *SweepScheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.logger.Info("Sweep scheduler stopped")
}

func (s *SweepScheduler) tick() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		return
	}

	if _, _, err := s.RunOnce(ctx); err != nil {
		s.logger.Error("Sweep failed", slog.String("error", err.Error()))
	}
}

// RunOnce sweeps if the lease is free. ran is false when another replica holds it.
func (s *SweepScheduler) RunOnce(ctx context.Context) (res dispatch.SweepResult, ran bool, err error) {
	if s.lease != nil {
		ok, err := s.lease.TryAcquire(ctx)
		if err != nil {
			return res, false, err
		}
		if !ok {
			s.logger.Debug("Sweep skipped, lease held elsewhere")
			return res, false, nil
		}
		defer func() {
			if relErr := s.lease.Release(context.WithoutCancel(ctx)); relErr != nil && !errors.Is(relErr, redislock.ErrNotHeld) {
				s.logger.Warn("Failed to release sweep lease", slog.String("error", relErr.Error()))
			}
		}()
	}

	res, err = s.sweeper.Sweep(ctx)
	return res, true, err
}
