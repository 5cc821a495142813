// Package opqueue is a FIFO admission gate that bounds how many expensive
// backing-store operations run at once.
//
// Tickets move Pending -> Running -> Completed or Failed. A ticket whose
// submitter gives up while it is still pending moves to Canceled and never
// runs. The queue has no timeout of its own: an operation that never
// returns holds its slot until it does.
package opqueue

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oriys/agora/internal/logging"
	"github.com/oriys/agora/internal/metrics"
)

// ErrCanceled is returned for a ticket whose context ended before it was
// admitted.
var ErrCanceled = errors.New("opqueue: canceled while pending")

// DefaultMaxConcurrent is the slot count used when New is given n <= 0.
const DefaultMaxConcurrent = 5

// State is a ticket's lifecycle state.
type State int32

const (
	Pending State = iota
	Running
	Completed
	Failed
	Canceled
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Canceled:
		return "canceled"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Op is a queued operation. It receives the submitter's context.
type Op func(ctx context.Context) (any, error)

// Ticket is one admitted operation.
type Ticket struct {
	q    *Queue
	op   Op
	ctx  context.Context
	elem *list.Element // position in q.pending while pending

	state      State // guarded by q.mu
	enqueuedAt time.Time
	startedAt  time.Time
	stopWatch  func() bool

	done   chan struct{}
	result any
	err    error
}

// Queue admits operations in strict arrival order, running at most
// maxConcurrent of them at a time. Promotion happens on submit and on
// completion; nothing polls.
type Queue struct {
	mu        sync.Mutex
	max       int
	running   int
	pending   *list.List
	completed uint64
	failed    uint64
	canceled  uint64

	log     *slog.Logger
	metrics *metrics.Metrics
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the queue logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.log = l }
}

// WithMetrics attaches the queue gauges.
func WithMetrics(m *metrics.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// New creates a queue with maxConcurrent slots.
func New(maxConcurrent int, opts ...Option) *Queue {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	q := &Queue{max: maxConcurrent, pending: list.New()}
	for _, opt := range opts {
		opt(q)
	}
	q.log = logging.Or(q.log).With("component", "opqueue")
	return q
}

// Submit appends op to the queue and returns its ticket without waiting.
// If ctx ends while the ticket is still pending the ticket is withdrawn
// and resolves with ErrCanceled.
func (q *Queue) Submit(ctx context.Context, op Op) *Ticket {
	t := &Ticket{
		q:          q,
		op:         op,
		ctx:        ctx,
		done:       make(chan struct{}),
		enqueuedAt: time.Now(),
	}

	q.mu.Lock()
	if err := ctx.Err(); err != nil {
		q.cancelLocked(t, err)
		q.mu.Unlock()
		return t
	}
	t.elem = q.pending.PushBack(t)
	q.promoteLocked()
	// Registered under the lock so a promotion racing with this call
	// cannot miss the stop function.
	if t.state == Pending {
		t.stopWatch = context.AfterFunc(ctx, func() { q.withdraw(t) })
	}
	q.publishLocked()
	q.mu.Unlock()
	return t
}

// promoteLocked starts pending tickets from the head while slots are free.
// Must be called with q.mu held.
func (q *Queue) promoteLocked() {
	for q.running < q.max && q.pending.Len() > 0 {
		t := q.pending.Remove(q.pending.Front()).(*Ticket)
		t.elem = nil
		t.state = Running
		t.startedAt = time.Now()
		if t.stopWatch != nil {
			t.stopWatch()
		}
		q.running++
		q.metrics.ObserveQueueWait(t.startedAt.Sub(t.enqueuedAt))
		go q.run(t)
	}
}

func (q *Queue) run(t *Ticket) {
	result, err := q.call(t)

	q.mu.Lock()
	q.running--
	t.result, t.err = result, err
	if err != nil {
		t.state = Failed
		q.failed++
	} else {
		t.state = Completed
		q.completed++
	}
	q.promoteLocked()
	q.publishLocked()
	q.mu.Unlock()

	q.metrics.RecordQueueResult(err != nil)
	close(t.done)
}

// call runs the operation, turning a panic into that ticket's failure so
// the slot is always released.
func (q *Queue) call(t *Ticket) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("queued operation panicked", "panic", r)
			result, err = nil, fmt.Errorf("opqueue: operation panicked: %v", r)
		}
	}()
	return t.op(t.ctx)
}

// withdraw removes a still-pending ticket after its context ended.
func (q *Queue) withdraw(t *Ticket) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t.state != Pending || t.elem == nil {
		return
	}
	q.pending.Remove(t.elem)
	t.elem = nil
	q.cancelLocked(t, context.Cause(t.ctx))
	q.publishLocked()
}

func (q *Queue) cancelLocked(t *Ticket, cause error) {
	t.state = Canceled
	t.err = fmt.Errorf("%w: %w", ErrCanceled, cause)
	q.canceled++
	close(t.done)
}

func (q *Queue) publishLocked() {
	q.metrics.SetQueueState(q.running, q.pending.Len())
}

// Stats is a snapshot of the queue counters.
type Stats struct {
	MaxConcurrent int    `json:"max_concurrent"`
	Running       int    `json:"running"`
	Pending       int    `json:"pending"`
	Completed     uint64 `json:"completed"`
	Failed        uint64 `json:"failed"`
	Canceled      uint64 `json:"canceled"`
}

// Stats returns the current counters. A Running count stuck at
// MaxConcurrent with a growing Pending count means operations are hung.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		MaxConcurrent: q.max,
		Running:       q.running,
		Pending:       q.pending.Len(),
		Completed:     q.completed,
		Failed:        q.failed,
		Canceled:      q.canceled,
	}
}

// State returns the ticket's current state.
func (t *Ticket) State() State {
	t.q.mu.Lock()
	defer t.q.mu.Unlock()
	return t.state
}

// Position returns the number of tickets ahead of t in the pending list,
// or -1 once t has left it.
func (t *Ticket) Position() int {
	t.q.mu.Lock()
	defer t.q.mu.Unlock()
	if t.elem == nil {
		return -1
	}
	n := 0
	for e := t.elem.Prev(); e != nil; e = e.Prev() {
		n++
	}
	return n
}

// Done is closed when the ticket reaches a terminal state.
func (t *Ticket) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the ticket resolves or ctx ends. Giving up on Wait does
// not cancel a running operation.
func (t *Ticket) Wait(ctx context.Context) (any, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Waited returns how long the ticket spent pending. It is zero until the
// ticket starts running.
func (t *Ticket) Waited() time.Duration {
	t.q.mu.Lock()
	defer t.q.mu.Unlock()
	if t.startedAt.IsZero() {
		return 0
	}
	return t.startedAt.Sub(t.enqueuedAt)
}
