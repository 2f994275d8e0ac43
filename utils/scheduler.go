package utils

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Scheduler runs callbacks after a delay and can cancel them individually or all at once.
// A task leaves the pending set exactly once, either when it fires or when it is cancelled.
type Scheduler struct {
	clock clock.Clock
	mu    sync.Mutex
	tasks map[*Task]struct{}
}

// Task is a handle to one scheduled callback.
type Task struct {
	s     *Scheduler
	timer *clock.Timer
}

// NewScheduler creates a Scheduler on c. A nil clock means wall-clock time.
func NewScheduler(c clock.Clock) *Scheduler {
	if c == nil {
		c = clock.New()
	}
	return &Scheduler{clock: c, tasks: make(map[*Task]struct{})}
}

// Clock returns the scheduler's time source.
func (s *Scheduler) Clock() clock.Clock {
	return s.clock
}

// Schedule runs fn once delay has elapsed, unless the task is cancelled first.
// fn runs on its own goroutine with a real clock; a mock clock runs it inline from Add.
func (s *Scheduler) Schedule(delay time.Duration, fn func()) *Task {
	t := &Task{s: s}

	s.mu.Lock()
	s.tasks[t] = struct{}{}
	s.mu.Unlock()

	timer := s.clock.AfterFunc(delay, func() {
		if s.remove(t) {
			fn()
		}
	})

	s.mu.Lock()
	t.timer = timer
	s.mu.Unlock()
	return t
}

func (s *Scheduler) remove(t *Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t]; !ok {
		return false
	}
	delete(s.tasks, t)
	return true
}

// Cancel stops the task. It reports false if the task already fired or was cancelled.
func (t *Task) Cancel() bool {
	if t == nil {
		return false
	}
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t]; !ok {
		return false
	}
	delete(s.tasks, t)
	if t.timer != nil {
		t.timer.Stop()
	}
	return true
}

// CancelAll cancels every pending task and returns how many were cancelled.
func (s *Scheduler) CancelAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.tasks)
	for t := range s.tasks {
		if t.timer != nil {
			t.timer.Stop()
		}
		delete(s.tasks, t)
	}
	return n
}

// Pending returns the number of tasks that have neither fired nor been cancelled.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}
