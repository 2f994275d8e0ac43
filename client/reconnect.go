package client

import (
	"sync"
	"time"

	"github.com/lcx/signaling/metrics"
	"github.com/lcx/signaling/utils"
)

// reconnector schedules reconnect attempts with a linearly growing delay.
// The n-th attempt since the last successful connect waits interval*(n-1).
type reconnector struct {
	sched    *utils.Scheduler
	interval func() time.Duration
	attempt  func()

	mu    sync.Mutex
	count int
	task  *utils.Task
}

func newReconnector(sched *utils.Scheduler, interval func() time.Duration, attempt func()) *reconnector {
	return &reconnector{sched: sched, interval: interval, attempt: attempt}
}

func (r *reconnector) perform() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count++
	r.schedule(r.interval() * time.Duration(r.count-1))
}

// postpone schedules the pending attempt again without counting a new one.
// It waits at least one interval so that it cannot spin while a manual
// connect is running.
func (r *reconnector) postpone() {
	r.mu.Lock()
	defer r.mu.Unlock()
	delay := r.interval() * time.Duration(r.count-1)
	if base := r.interval(); delay < base {
		delay = base
	}
	r.schedule(delay)
}

// schedule must be called with mu held.
func (r *reconnector) schedule(delay time.Duration) {
	r.task.Cancel()
	var task *utils.Task
	task = r.sched.Schedule(delay, func() {
		r.mu.Lock()
		current := r.task == task
		if current {
			r.task = nil
		}
		r.mu.Unlock()
		if current {
			r.attempt()
		}
	})
	r.task = task
	metrics.IncrCounterWithGroup("client", "reconnect_scheduled_total", 1)
}

// reset clears the attempt count and drops a pending attempt.
func (r *reconnector) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count = 0
	r.task.Cancel()
	r.task = nil
}

// cancel drops a pending attempt and keeps the count.
func (r *reconnector) cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.task.Cancel()
	r.task = nil
}

func (r *reconnector) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

func (r *reconnector) Pending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.task != nil
}
