package worker

import (
	"sync"
	"time"
)

// Scheduler runs one-shot tasks after a delay. Each scheduled task runs at
// most once and can be cancelled until it starts.
type Scheduler struct {
	mu      sync.Mutex
	timers  map[uint64]*time.Timer
	next    uint64
	stopped bool
	running sync.WaitGroup
}

// Handle identifies a scheduled task.
type Handle struct {
	s  *Scheduler
	id uint64
}

// NewScheduler returns a running scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{timers: make(map[uint64]*time.Timer)}
}

// Schedule runs fn on its own goroutine after delay.
func (s *Scheduler) Schedule(delay time.Duration, fn func()) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil, ErrSchedulerStopped
	}

	s.next++
	id := s.next
	s.timers[id] = time.AfterFunc(delay, func() { s.fire(id, fn) })
	return &Handle{s: s, id: id}, nil
}

func (s *Scheduler) fire(id uint64, fn func()) {
	s.mu.Lock()
	if _, ok := s.timers[id]; !ok || s.stopped {
		s.mu.Unlock()
		return
	}
	delete(s.timers, id)
	s.running.Add(1)
	s.mu.Unlock()

	defer s.running.Done()
	fn()
}

// Cancel prevents the task from running. It reports whether the task was
// still waiting; false means it already ran, is running, or was cancelled.
func (h *Handle) Cancel() bool {
	if h == nil {
		return false
	}
	s := h.s
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.timers[h.id]
	if !ok {
		return false
	}
	delete(s.timers, h.id)
	t.Stop()
	return true
}

// Pending returns the number of tasks waiting for their delay.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels every waiting task and waits up to timeout for running ones.
func (s *Scheduler) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.running.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}
