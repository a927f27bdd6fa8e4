package tracker

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	appLog "howbehind/internal/log"
)

// Scheduler refreshes every stored user on a cron schedule, so feeds are
// re-read even when nobody is looking at them.
type Scheduler struct {
	cron    *cron.Cron
	svc     *Service
	timeout time.Duration
}

// NewScheduler parses spec (standard five-field cron) in loc. Each run is
// bounded by timeout.
func NewScheduler(svc *Service, spec string, loc *time.Location, timeout time.Duration) (*Scheduler, error) {
	if loc == nil {
		loc = time.Local
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	s := &Scheduler{
		cron:    cron.New(cron.WithLocation(loc), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		svc:     svc,
		timeout: timeout,
	}
	if _, err := s.cron.AddFunc(spec, s.runOnce); err != nil {
		return nil, fmt.Errorf("refresh schedule %q: %w", spec, err)
	}
	return s, nil
}

func (s *Scheduler) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	start := time.Now()
	if err := s.svc.RefreshAll(ctx); err != nil {
		appLog.Error("scheduled refresh failed", err)
		return
	}
	appLog.Info("scheduled refresh done", "elapsed", time.Since(start).Round(time.Millisecond).String())
}

// Start runs the schedule in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for a running refresh to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
