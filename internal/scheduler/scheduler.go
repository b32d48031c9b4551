// Package scheduler drives time-based batch transitions: reminder
// emission and deadline expiry. It only calls into the engine; all
// state changes happen there.
package scheduler

import (
	"context"
	"log"
	"time"
)

// Batches is the slice of the engine the scheduler drives.
type Batches interface {
	DueReminders(ctx context.Context, now time.Time) ([]string, error)
	ExpireIfDue(ctx context.Context, now time.Time) (bool, error)
}

type Scheduler struct {
	Batches  Batches
	Interval time.Duration
	Now      func() time.Time
}

func New(b Batches, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{Batches: b, Interval: interval, Now: time.Now}
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one scheduling pass.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.Now()
	fired, err := s.Batches.DueReminders(ctx, now)
	if err != nil {
		log.Printf("scheduler: reminders: %v", err)
	}
	for _, kind := range fired {
		log.Printf("scheduler: reminder %s fired", kind)
	}
	expired, err := s.Batches.ExpireIfDue(ctx, now)
	if err != nil {
		log.Printf("scheduler: expiry: %v", err)
	}
	if expired {
		log.Printf("scheduler: batch deadline expired, voting closed")
	}
}
