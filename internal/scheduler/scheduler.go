// Package scheduler provides the delayed and periodic callbacks used by the
// session for keepalive and reconnect timing.
package scheduler

import (
	"sync"
	"time"
)

// Task is a scheduled callback
type Task interface {
	// Cancel stops the task. A callback that has not started yet never runs
	// after Cancel returns.
	Cancel()
}

// Scheduler fires callbacks on its own goroutines
type Scheduler interface {
	After(delay time.Duration, fn func()) Task
	Every(interval time.Duration, fn func()) Task
}

// TimerScheduler is a Scheduler backed by runtime timers. Its lifecycle is
// owned by the caller: Shutdown cancels every outstanding task and waits for
// running callbacks.
type TimerScheduler struct {
	mu     sync.Mutex
	tasks  map[*task]struct{}
	closed bool
	wg     sync.WaitGroup
}

func New() *TimerScheduler {
	return &TimerScheduler{tasks: make(map[*task]struct{})}
}

type task struct {
	mu        sync.Mutex
	cancelled bool
	timer     *time.Timer
	stop      chan struct{}
	owner     *TimerScheduler
}

func (t *task) Cancel() {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		return
	}
	t.cancelled = true
	if t.timer != nil && t.timer.Stop() {
		t.owner.wg.Done()
	}
	if t.stop != nil {
		close(t.stop)
	}
	t.mu.Unlock()
	t.owner.forget(t)
}

func (t *task) active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.cancelled
}

// After runs fn once after delay
func (s *TimerScheduler) After(delay time.Duration, fn func()) Task {
	t := &task{owner: s}
	if !s.track(t) {
		t.cancelled = true
		return t
	}
	t.mu.Lock()
	t.timer = time.AfterFunc(delay, func() {
		defer s.wg.Done()
		if !t.active() {
			return
		}
		s.forget(t)
		fn()
	})
	t.mu.Unlock()
	return t
}

// Every runs fn each interval until cancelled. The first run happens one
// interval after scheduling.
func (s *TimerScheduler) Every(interval time.Duration, fn func()) Task {
	t := &task{owner: s, stop: make(chan struct{})}
	if interval <= 0 || !s.track(t) {
		t.cancelled = true
		return t
	}
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if !t.active() {
					return
				}
				fn()
			case <-t.stop:
				return
			}
		}
	}()
	return t
}

// Shutdown cancels all pending tasks and waits for callbacks in flight
func (s *TimerScheduler) Shutdown() {
	s.mu.Lock()
	s.closed = true
	pending := make([]*task, 0, len(s.tasks))
	for t := range s.tasks {
		pending = append(pending, t)
	}
	s.mu.Unlock()

	for _, t := range pending {
		t.Cancel()
	}
	s.wg.Wait()
}

func (s *TimerScheduler) track(t *task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.tasks[t] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *TimerScheduler) forget(t *task) {
	s.mu.Lock()
	delete(s.tasks, t)
	s.mu.Unlock()
}
