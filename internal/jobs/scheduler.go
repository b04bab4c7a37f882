package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

var ErrJobExists = errors.New("job already scheduled")

// busyRetry is how long a one-shot job waits when another run of the same
// key is still in progress.
const busyRetry = time.Second

// Trigger decides when a job runs. A zero Interval runs once at Start.
type Trigger struct {
	Start    time.Time
	Interval time.Duration
}

func Once(at time.Time) Trigger {
	return Trigger{Start: at}
}

func Every(interval time.Duration, start time.Time) Trigger {
	return Trigger{Start: start, Interval: interval}
}

func (t Trigger) IsRecurring() bool { return t.Interval > 0 }

func (t Trigger) String() string {
	if t.IsRecurring() {
		return fmt.Sprintf("every %s from %s", t.Interval, t.Start.UTC().Format(time.RFC3339))
	}
	return "once at " + t.Start.UTC().Format(time.RFC3339)
}

// Func is the body of a scheduled job.
type Func func(ctx context.Context)

// Scheduler runs keyed jobs. At most one run per key is in progress at any
// time.
type Scheduler interface {
	Schedule(key string, t Trigger, fn Func, replaceExisting bool) error
	Remove(key string)
	RemoveMatching(prefix string)
	Scheduled() []string
	Stop()
}

type entry struct {
	key     string
	trigger Trigger
	fn      Func
	timer   *time.Timer
	removed bool
}

// LocalScheduler runs jobs in-process on timers.
type LocalScheduler struct {
	ctx    context.Context
	cancel context.CancelFunc
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	running map[string]bool
	stopped bool
	wg      sync.WaitGroup
}

func NewLocalScheduler() *LocalScheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &LocalScheduler{
		ctx:     ctx,
		cancel:  cancel,
		now:     time.Now,
		entries: map[string]*entry{},
		running: map[string]bool{},
	}
}

func (s *LocalScheduler) Schedule(key string, t Trigger, fn Func, replaceExisting bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return fmt.Errorf("schedule %s: scheduler stopped", key)
	}
	if old, ok := s.entries[key]; ok {
		if !replaceExisting {
			return fmt.Errorf("%s: %w", key, ErrJobExists)
		}
		s.drop(old)
	}

	e := &entry{key: key, trigger: t, fn: fn}
	s.entries[key] = e
	s.arm(e, t.Start.Sub(s.now()))
	slog.Debug("job scheduled", "key", key, "trigger", t.String())
	return nil
}

func (s *LocalScheduler) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		s.drop(e)
	}
}

func (s *LocalScheduler) RemoveMatching(prefix string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, e := range s.entries {
		if strings.HasPrefix(key, prefix) {
			s.drop(e)
		}
	}
}

// Scheduled lists the keys with a pending or recurring job.
func (s *LocalScheduler) Scheduled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	return keys
}

// Stop cancels the context of running jobs and waits for them to return.
func (s *LocalScheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for _, e := range s.entries {
		s.drop(e)
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

// drop must be called with mu held.
func (s *LocalScheduler) drop(e *entry) {
	e.removed = true
	if e.timer != nil {
		e.timer.Stop()
	}
	if s.entries[e.key] == e {
		delete(s.entries, e.key)
	}
}

// arm must be called with mu held.
func (s *LocalScheduler) arm(e *entry, delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	e.timer = time.AfterFunc(delay, func() { s.fire(e) })
}

func (s *LocalScheduler) fire(e *entry) {
	s.mu.Lock()
	if e.removed || s.stopped {
		s.mu.Unlock()
		return
	}
	if s.running[e.key] {
		if e.trigger.IsRecurring() {
			slog.Warn("previous run still in progress, skipping", "key", e.key)
			s.arm(e, e.trigger.Interval)
		} else {
			s.arm(e, busyRetry)
		}
		s.mu.Unlock()
		return
	}
	s.running[e.key] = true
	if !e.trigger.IsRecurring() {
		delete(s.entries, e.key)
		e.removed = true
	}
	s.wg.Add(1)
	s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in scheduled job", "key", e.key, "error", r)
		}
		s.mu.Lock()
		delete(s.running, e.key)
		if e.trigger.IsRecurring() && !e.removed && !s.stopped {
			s.arm(e, e.trigger.Interval)
		}
		s.mu.Unlock()
		s.wg.Done()
	}()

	e.fn(s.ctx)
}
