package startup

import (
	"context"
	"time"

	"k8s.io/utils/clock"
)

// Task is a running periodic task.
type Task interface {
	// Cancel stops the task. It is safe to call from inside the task function
	// and more than once.
	Cancel()
	// Done is closed once the task function will not run again.
	Done() <-chan struct{}
}

// Scheduler runs periodic tasks.
type Scheduler interface {
	// Every runs fn after delay and then period after each run completes,
	// until ctx is done or the task is cancelled. Runs never overlap.
	Every(ctx context.Context, delay, period time.Duration, fn func()) Task
}

// ClockScheduler schedules tasks against a clock.
type ClockScheduler struct {
	Clock clock.Clock
}

// NewClockScheduler returns a Scheduler on c, or on the real clock when c is nil.
func NewClockScheduler(c clock.Clock) *ClockScheduler {
	if c == nil {
		c = clock.RealClock{}
	}
	return &ClockScheduler{Clock: c}
}

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (t *task) Cancel()               { t.cancel() }
func (t *task) Done() <-chan struct{} { return t.done }

func (s *ClockScheduler) Every(ctx context.Context, delay, period time.Duration, fn func()) Task {
	ctx, cancel := context.WithCancel(ctx)
	t := &task{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(t.done)
		if delay > 0 {
			timer := s.Clock.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C():
			}
		}
		// Sliding: the period is measured from the end of the previous run.
		for {
			if ctx.Err() != nil {
				return
			}
			fn()
			timer := s.Clock.NewTimer(period)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C():
			}
		}
	}()
	return t
}
