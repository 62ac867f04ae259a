// Package icron runs named housekeeping jobs on cron expressions.
package icron

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"github.com/MimeLyc/video-product-extractor/pkg/log"
)

// Scheduler wraps robfig/cron. A job that is still running when its next tick fires
// is not started a second time.
type Scheduler struct {
	cron  *cron.Cron
	group singleflight.Group
}

func New() *Scheduler {
	return &Scheduler{cron: cron.New()}
}

// Register adds fn under name. expr uses the standard five-field syntax or a descriptor like @hourly.
func (s *Scheduler) Register(name, expr string, fn func(ctx context.Context)) error {
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("invalid cron expression for %s: %w", name, err)
	}
	_, err := s.cron.AddFunc(expr, func() {
		_, _, _ = s.group.Do(name, func() (any, error) {
			start := time.Now()
			fn(context.Background())
			log.Debug("cron job %s finished in %s", name, time.Since(start).Round(time.Millisecond))
			return nil, nil
		})
	})
	if err != nil {
		return err
	}
	if next, err := NextRun(expr, time.Now()); err == nil {
		log.Info("Scheduled %s (%s), next run at %s", name, expr, next.Format(time.RFC3339))
	}
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling. The returned context is done once running jobs finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// NextRun is the first activation of expr after ref.
func NextRun(expr string, ref time.Time) (time.Time, error) {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression: %w", err)
	}
	return schedule.Next(ref), nil
}
