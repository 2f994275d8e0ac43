package utils

import (
	"sync"

	"github.com/lcx/signaling/log"
	"github.com/sourcegraph/conc/panics"
)

// Executor runs functions one at a time, in the order they were posted, on a
// goroutine of its own. Post never blocks, so a producer such as a socket read
// loop can hand work off and keep going.
type Executor struct {
	name   string
	logger *log.ComponentLogger

	mu     sync.Mutex
	tasks  []func()
	closed bool

	wake chan struct{}
	done chan struct{}
}

// NewExecutor starts an executor. name tags its log lines.
func NewExecutor(name string) *Executor {
	e := &Executor{
		name:   name,
		logger: log.Named("executor"),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go e.loop()
	return e
}

// Post queues fn. It reports false once the executor is closed.
func (e *Executor) Post(fn func()) bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	e.tasks = append(e.tasks, fn)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
	return true
}

// Close stops accepting work. Functions already posted still run; Close does
// not wait for them, so it may be called from inside one.
func (e *Executor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Done is closed after Close once every posted function has run.
func (e *Executor) Done() <-chan struct{} {
	return e.done
}

func (e *Executor) next() (fn func(), closed bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.tasks) == 0 {
		return nil, e.closed
	}
	fn = e.tasks[0]
	e.tasks[0] = nil
	e.tasks = e.tasks[1:]
	return fn, false
}

func (e *Executor) loop() {
	defer close(e.done)
	for {
		fn, closed := e.next()
		if closed {
			return
		}
		if fn == nil {
			<-e.wake
			continue
		}
		e.run(fn)
	}
}

// run keeps a panicking function from killing the loop and starving the rest.
func (e *Executor) run(fn func()) {
	var pc panics.Catcher
	pc.Try(fn)
	if r := pc.Recovered(); r != nil {
		e.logger.Error().Str("executor", e.name).Err(r.AsError()).Msg("posted function panicked")
	}
}
