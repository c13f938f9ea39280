package index

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	pkgerrors "github.com/yemenstay/property-search-index/pkg/errors"
	"github.com/yemenstay/property-search-index/pkg/metrics"
)

// Operation is one unit of work executed against the store by the write
// queue's worker. It runs to completion (including any error) before the
// next operation is dequeued.
type Operation func(ctx context.Context, s *Store) error

// Pending is the caller's handle on an enqueued operation. Callers that need
// read-your-writes semantics Wait on it; fire-and-forget callers drop it.
type Pending struct {
	done chan struct{}
	err  error
}

// Wait blocks until the operation completes or ctx is cancelled. Waiting is
// purely observational: a cancelled Wait does not cancel the operation.
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done exposes completion for select loops.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Err returns the operation result after Done is closed.
func (p *Pending) Err() error {
	return p.err
}

func (p *Pending) complete(err error) {
	p.err = err
	close(p.done)
}

type queuedOp struct {
	ctx         context.Context
	description string
	fn          Operation
	pending     *Pending
	enqueuedAt  time.Time
}

// WriteQueue serialises every mutation of the Store onto one worker
// goroutine. Any number of producers may enqueue concurrently; operations
// execute strictly in the order Enqueue returned. Enqueuing before Start
// buffers work rather than failing.
type WriteQueue struct {
	store   *Store
	ops     chan *queuedOp
	logger  *slog.Logger
	metrics *metrics.Metrics

	drainTimeout time.Duration
	running      atomic.Bool
	enqueuing    atomic.Int64
	closeOnce    sync.Once
	closed       chan struct{}
	stopped      chan struct{}
}

// NewWriteQueue creates a queue bound to the store. capacity bounds the
// number of buffered operations; metrics may be nil in tests.
func NewWriteQueue(store *Store, capacity int, drainTimeout time.Duration, m *metrics.Metrics) *WriteQueue {
	if capacity <= 0 {
		capacity = 2048
	}
	return &WriteQueue{
		store:        store,
		ops:          make(chan *queuedOp, capacity),
		logger:       slog.Default().With("component", "write-queue"),
		metrics:      m,
		drainTimeout: drainTimeout,
		closed:       make(chan struct{}),
		stopped:      make(chan struct{}),
	}
}

// Enqueue places an operation on the queue and returns a handle the caller
// may await. It blocks only for channel placement when the queue is full.
func (q *WriteQueue) Enqueue(ctx context.Context, description string, fn Operation) (*Pending, error) {
	op := &queuedOp{
		ctx:         ctx,
		description: description,
		fn:          fn,
		pending:     &Pending{done: make(chan struct{})},
		enqueuedAt:  time.Now(),
	}
	// The counter lets shutdown tell an empty channel apart from one a
	// racing producer is still about to place work on.
	q.enqueuing.Add(1)
	defer q.enqueuing.Add(-1)
	select {
	case <-q.closed:
		return nil, fmt.Errorf("enqueue %s: %w", description, pkgerrors.ErrQueueClosed)
	default:
	}
	select {
	case q.ops <- op:
		if q.metrics != nil {
			q.metrics.WriteQueueDepth.Set(float64(len(q.ops)))
		}
		q.logger.Debug("operation enqueued", "description", description, "depth", len(q.ops))
		return op.pending, nil
	case <-q.closed:
		return nil, fmt.Errorf("enqueue %s: %w", description, pkgerrors.ErrQueueClosed)
	case <-ctx.Done():
		return nil, fmt.Errorf("enqueue %s: %w", description, ctx.Err())
	}
}

// Start launches the worker goroutine. It must be called before writers need
// their operations applied; work enqueued earlier is buffered. When ctx is
// cancelled the worker drains remaining operations best-effort within the
// drain timeout and reports the rest as cancelled.
func (q *WriteQueue) Start(ctx context.Context) {
	if !q.running.CompareAndSwap(false, true) {
		return
	}
	go q.run(ctx)
	q.logger.Info("write queue worker started", "capacity", cap(q.ops))
}

// Running reports whether the worker has been started and not yet stopped.
func (q *WriteQueue) Running() bool {
	select {
	case <-q.stopped:
		return false
	default:
		return q.running.Load()
	}
}

// Depth returns the number of buffered operations, for health and metrics.
func (q *WriteQueue) Depth() int {
	return len(q.ops)
}

// Stopped is closed once the worker has exited.
func (q *WriteQueue) Stopped() <-chan struct{} {
	return q.stopped
}

func (q *WriteQueue) run(ctx context.Context) {
	defer close(q.stopped)
	for {
		select {
		case op := <-q.ops:
			q.execute(op)
		case <-ctx.Done():
			q.shutdown()
			return
		}
	}
}

// shutdown stops intake, drains buffered operations within the grace period,
// and fails whatever remains as cancelled. Every Pending handed out by
// Enqueue completes: a producer that won the send race against closed still
// gets its operation drained or failed, never stranded in the channel.
func (q *WriteQueue) shutdown() {
	q.closeOnce.Do(func() { close(q.closed) })
	deadline := time.Now().Add(q.drainTimeout)
	drained := 0
	handle := func(op *queuedOp) {
		if time.Now().After(deadline) {
			op.pending.complete(fmt.Errorf("%s: %w", op.description, pkgerrors.ErrOperationCanceled))
			return
		}
		// The trigger that stopped the worker usually cancelled the
		// producers' contexts too; drained work still has to land.
		op.ctx = context.WithoutCancel(op.ctx)
		q.execute(op)
		drained++
	}
	for {
		select {
		case op := <-q.ops:
			handle(op)
		default:
			// An empty channel is final only once no Enqueue is in flight;
			// callers arriving after closed fail without sending.
			if q.enqueuing.Load() != 0 {
				time.Sleep(time.Millisecond)
				continue
			}
			// A producer may have sent between the empty poll above and
			// the counter read; sweep once more before exiting.
			for {
				select {
				case op := <-q.ops:
					handle(op)
				default:
					q.logger.Info("write queue drained", "operations", drained)
					return
				}
			}
		}
	}
}

func (q *WriteQueue) execute(op *queuedOp) {
	if q.metrics != nil {
		q.metrics.WriteQueueDepth.Set(float64(len(q.ops)))
	}
	if err := op.ctx.Err(); err != nil {
		op.pending.complete(fmt.Errorf("%s: %w", op.description, pkgerrors.ErrOperationCanceled))
		q.recordWrite(op.description, "canceled", op.enqueuedAt)
		return
	}
	err := op.fn(op.ctx, q.store)
	if err != nil {
		// One failed write must never stall the queue.
		q.logger.Error("write operation failed", "description", op.description, "error", err)
		q.recordWrite(op.description, "error", op.enqueuedAt)
		op.pending.complete(err)
		return
	}
	q.logger.Debug("write operation applied", "description", op.description)
	q.recordWrite(op.description, "ok", op.enqueuedAt)
	op.pending.complete(nil)
}

func (q *WriteQueue) recordWrite(description, status string, enqueuedAt time.Time) {
	if q.metrics == nil {
		return
	}
	op := description
	if i := strings.IndexByte(description, ' '); i > 0 {
		op = description[:i]
	}
	q.metrics.IndexWritesTotal.WithLabelValues(op, status).Inc()
	q.metrics.WriteLatency.WithLabelValues(op).Observe(time.Since(enqueuedAt).Seconds())
}
