package optimizer

import (
	"context"
	"time"

	"github.com/qrclock/attendcore/internal/loop"
)

// Scheduler runs cleanup with the configured limits on an interval.
type Scheduler struct {
	opt  *Optimizer
	loop *loop.Loop
}

// NewScheduler creates a stopped scheduler. A non-positive interval
// disables it.
func NewScheduler(opt *Optimizer, interval time.Duration) *Scheduler {
	s := &Scheduler{opt: opt}
	s.loop = loop.New("storage-cleanup", interval, s.tick, opt.log).WithJitter(0.1)
	return s
}

func (s *Scheduler) tick(ctx context.Context) {
	rep, err := s.opt.Usage(ctx)
	if err != nil {
		s.opt.log.ErrorErr("scheduled usage check failed", err, nil)
		return
	}
	if rep.Level != LevelOK {
		s.opt.log.Warn("storage usage high", map[string]any{"percent": rep.Percent, "level": string(rep.Level)})
	}
	if _, err := s.opt.cleanup(ctx, ""); err != nil {
		s.opt.log.ErrorErr("scheduled cleanup failed", err, nil)
	}
}

// Start begins periodic cleanup.
func (s *Scheduler) Start(ctx context.Context) { s.loop.Start(ctx) }

// Stop halts the scheduler and waits for a running cleanup.
func (s *Scheduler) Stop() { s.loop.Stop() }

// Running reports whether the scheduler is started.
func (s *Scheduler) Running() bool { return s.loop.Running() }
