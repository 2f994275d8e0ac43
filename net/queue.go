package net

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lcx/signaling/log"
	"github.com/lcx/signaling/metrics"
	"github.com/lcx/signaling/utils"
)

// DefaultRPCTimeout bounds the wait for one acknowledgement.
const DefaultRPCTimeout = 30 * time.Second

// transaction is one attempt of one request. A retry is a new transaction
// sharing the done callback.
type transaction struct {
	name    string
	path    string
	attempt int
	gen     uint64

	// run puts the request on the wire. The acknowledgement goes to ack.
	run func(ack AckFunc) error

	// done receives the raw acknowledgement, or an error when the exchange
	// could not complete. It runs on the queue worker.
	done func(tx *transaction, args []json.RawMessage, err error)
}

// TransactionQueue runs request/acknowledgement exchanges one at a time in
// submission order on a single worker goroutine.
type TransactionQueue struct {
	mu      sync.Mutex
	items   []*transaction
	gen     uint64
	flushed chan struct{}
	closed  bool

	wake    chan struct{}
	stop    chan struct{}
	stopped chan struct{}

	sched   *utils.Scheduler
	pacer   *SendPacer
	timeout atomic.Int64
	logger  *log.ComponentLogger
}

// NewTransactionQueue starts a queue whose timers come from sched.
func NewTransactionQueue(sched *utils.Scheduler, timeout time.Duration, sendRate int) *TransactionQueue {
	q := &TransactionQueue{
		flushed: make(chan struct{}),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
		sched:   sched,
		pacer:   NewSendPacer(sendRate, sched.Clock()),
		logger:  log.Named("queue"),
	}
	q.SetTimeout(timeout)
	go q.loop()
	return q
}

// SetTimeout changes the acknowledgement timeout for exchanges started afterwards.
func (q *TransactionQueue) SetTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultRPCTimeout
	}
	q.timeout.Store(int64(d))
}

// SetSendRate changes outbound pacing. 0 disables it.
func (q *TransactionQueue) SetSendRate(perSecond int) {
	q.pacer.Reload(perSecond)
}

// submit appends tx, stamping it with the current generation. The returned
// channel is closed if that generation is flushed.
func (q *TransactionQueue) submit(tx *transaction) (<-chan struct{}, bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, false
	}
	tx.gen = q.gen
	q.items = append(q.items, tx)
	flushed := q.flushed
	depth := len(q.items)
	q.mu.Unlock()

	metrics.UpdateGaugeWithGroup("net", "queue_depth", metrics.Value(depth))
	q.signal()
	return flushed, true
}

// resubmit queues tx again after delay unless its generation was flushed meanwhile.
func (q *TransactionQueue) resubmit(delay time.Duration, tx *transaction) {
	enqueue := func() {
		q.mu.Lock()
		if q.closed || tx.gen != q.gen {
			q.mu.Unlock()
			return
		}
		q.items = append(q.items, tx)
		q.mu.Unlock()
		q.signal()
	}
	if delay <= 0 {
		enqueue()
		return
	}
	q.sched.Schedule(delay, enqueue)
}

func (q *TransactionQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// CancelAll abandons every queued and scheduled transaction and the one in
// flight. None of their callbacks run.
func (q *TransactionQueue) CancelAll() int {
	q.mu.Lock()
	n := len(q.items)
	q.items = nil
	q.gen++
	close(q.flushed)
	q.flushed = make(chan struct{})
	q.mu.Unlock()

	n += q.sched.CancelAll()
	metrics.UpdateGaugeWithGroup("net", "queue_depth", 0)
	if n > 0 {
		q.logger.Debug().Int("abandoned", n).Msg("transaction queue flushed")
	}
	return n
}

// Len returns the number of queued transactions, excluding the one in flight.
func (q *TransactionQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close flushes the queue and stops the worker.
func (q *TransactionQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.CancelAll()
	close(q.stop)
	<-q.stopped
}

func (q *TransactionQueue) next() (*transaction, <-chan struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, nil
	}
	tx := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return tx, q.flushed
}

func (q *TransactionQueue) current(gen uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.closed && gen == q.gen
}

func (q *TransactionQueue) loop() {
	defer close(q.stopped)
	for {
		tx, flushed := q.next()
		if tx == nil {
			select {
			case <-q.wake:
				continue
			case <-q.stop:
				return
			}
		}
		if !q.current(tx.gen) {
			continue
		}
		q.exchange(tx, flushed)
	}
}

type ackResult struct {
	args []json.RawMessage
	err  error
}

// exchange runs one transaction to completion, timeout or flush.
func (q *TransactionQueue) exchange(tx *transaction, flushed <-chan struct{}) {
	q.pacer.Take()

	result := make(chan ackResult, 1)
	ack := func(args []json.RawMessage) {
		select {
		case result <- ackResult{args: args}:
		default:
		}
	}

	started := q.sched.Clock().Now()
	timer := q.sched.Clock().Timer(time.Duration(q.timeout.Load()))
	defer timer.Stop()

	if err := tx.run(ack); err != nil {
		select {
		case result <- ackResult{err: err}:
		default:
		}
	}

	var res ackResult
	select {
	case res = <-result:
	case <-timer.C:
		res = ackResult{err: ErrRequestTimeout}
		metrics.IncrCounterWithGroup("net", "rpc_timeout_total", 1)
		q.logger.Warn().Str("method", tx.name).Str("path", tx.path).Int("attempt", tx.attempt).Msg("request timed out")
	case <-flushed:
		return
	case <-q.stop:
		return
	}

	if !q.current(tx.gen) {
		return
	}
	metrics.ObserveWithGroup("net", "rpc_latency_seconds",
		metrics.Value(q.sched.Clock().Since(started).Seconds()), metrics.Dimension{"method": tx.name})
	tx.done(tx, res.args, res.err)
}
