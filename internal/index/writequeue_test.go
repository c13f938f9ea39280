package index

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	pkgerrors "github.com/yemenstay/property-search-index/pkg/errors"
)

func newTestQueue(t *testing.T) (*WriteQueue, *Store) {
	t.Helper()
	s := openTestStore(t)
	q := NewWriteQueue(s, 64, 2*time.Second, nil)
	return q, s
}

func waitOn(t *testing.T, p *Pending) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.Wait(ctx)
}

func TestWriteQueueFIFO(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	var order []int
	var last *Pending
	for i := 0; i < 10; i++ {
		i := i
		p, err := q.Enqueue(ctx, fmt.Sprintf("op %d", i), func(ctx context.Context, s *Store) error {
			order = append(order, i)
			return nil
		})
		if err != nil {
			t.Fatalf("Enqueue() failed: %v", err)
		}
		last = p
	}
	if err := waitOn(t, last); err != nil {
		t.Fatalf("last op failed: %v", err)
	}
	// order is only touched by the single worker goroutine, and the last
	// future completing means all earlier ones ran.
	for i, v := range order {
		if v != i {
			t.Fatalf("execution order %v, want ascending", order)
		}
	}
}

func TestWriteQueueFailedOpDoesNotStall(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	boom := errors.New("boom")
	p1, _ := q.Enqueue(ctx, "failing op", func(ctx context.Context, s *Store) error {
		return boom
	})
	p2, _ := q.Enqueue(ctx, "following op", func(ctx context.Context, s *Store) error {
		return nil
	})

	if err := waitOn(t, p1); !errors.Is(err, boom) {
		t.Errorf("failed op future = %v, want boom", err)
	}
	if err := waitOn(t, p2); err != nil {
		t.Errorf("op after a failure must still run, got %v", err)
	}
}

func TestWriteQueueBuffersBeforeStart(t *testing.T) {
	q, s := newTestQueue(t)
	ctx := context.Background()

	p, err := q.Enqueue(ctx, "early op", func(ctx context.Context, st *Store) error {
		return st.Upsert(ctx, testDoc("buffered"))
	})
	if err != nil {
		t.Fatalf("Enqueue() before Start failed: %v", err)
	}
	if q.Depth() != 1 {
		t.Errorf("Depth() = %d before start, want 1", q.Depth())
	}

	select {
	case <-p.Done():
		t.Fatal("operation ran before the worker started")
	case <-time.After(50 * time.Millisecond):
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(runCtx)
	if err := waitOn(t, p); err != nil {
		t.Fatalf("buffered op failed: %v", err)
	}
	if doc, _ := s.GetByID(ctx, "buffered"); doc == nil {
		t.Error("buffered write not applied")
	}
}

func TestWriteQueueDrainsOnShutdown(t *testing.T) {
	q, s := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())

	var pendings []*Pending
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("drain%d", i)
		p, err := q.Enqueue(ctx, "upsert "+id, func(ctx context.Context, st *Store) error {
			return st.Upsert(ctx, testDoc(id))
		})
		if err != nil {
			t.Fatalf("Enqueue() failed: %v", err)
		}
		pendings = append(pendings, p)
	}

	q.Start(ctx)
	cancel()

	select {
	case <-q.Stopped():
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}

	for i, p := range pendings {
		if err := p.Err(); err != nil {
			t.Errorf("drained op %d failed: %v", i, err)
		}
	}
	if n, _ := s.Count(context.Background()); n != 5 {
		t.Errorf("Count() = %d after drain, want 5", n)
	}
}

// Producers racing the shutdown can win the channel send even after intake
// closes. Every Pending handed out must still complete, executed or
// cancelled, never stranded.
func TestWriteQueueShutdownCompletesRacingEnqueues(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx)

	pendings := make(chan *Pending, 1024)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; ; i++ {
				p, err := q.Enqueue(context.Background(), "racing op", func(ctx context.Context, s *Store) error {
					return nil
				})
				if err != nil {
					if !errors.Is(err, pkgerrors.ErrQueueClosed) {
						t.Errorf("Enqueue() during shutdown = %v", err)
					}
					return
				}
				select {
				case pendings <- p:
				default:
				}
				if i%16 == 0 {
					time.Sleep(time.Millisecond)
				}
			}
		}()
	}

	time.Sleep(20 * time.Millisecond)
	cancel()
	wg.Wait()
	close(pendings)

	select {
	case <-q.Stopped():
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}

	for p := range pendings {
		select {
		case <-p.Done():
			if err := p.Err(); err != nil && !errors.Is(err, pkgerrors.ErrOperationCanceled) {
				t.Errorf("racing op completed with %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("a Pending was never completed")
		}
	}
}

func TestWriteQueueEnqueueAfterStop(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx)
	cancel()
	<-q.Stopped()

	_, err := q.Enqueue(context.Background(), "late op", func(ctx context.Context, s *Store) error {
		return nil
	})
	if !errors.Is(err, pkgerrors.ErrQueueClosed) {
		t.Errorf("Enqueue() after stop = %v, want ErrQueueClosed", err)
	}
	if q.Running() {
		t.Error("Running() must report false after stop")
	}
}

func TestWriteQueueSkipsCancelledOperations(t *testing.T) {
	q, _ := newTestQueue(t)

	opCtx, opCancel := context.WithCancel(context.Background())
	ran := false
	p, err := q.Enqueue(opCtx, "doomed op", func(ctx context.Context, s *Store) error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	opCancel()

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(runCtx)

	if err := waitOn(t, p); !errors.Is(err, pkgerrors.ErrOperationCanceled) {
		t.Errorf("cancelled op future = %v, want ErrOperationCanceled", err)
	}
	if ran {
		t.Error("operation body must not run after its context is cancelled")
	}
}

func TestPendingWaitRespectsContext(t *testing.T) {
	q, _ := newTestQueue(t)
	// Never started, so the op never completes.
	p, err := q.Enqueue(context.Background(), "parked op", func(ctx context.Context, s *Store) error {
		return nil
	})
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := p.Wait(waitCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Wait() = %v, want deadline exceeded", err)
	}
}
