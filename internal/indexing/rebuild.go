package indexing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/yemenstay/property-search-index/internal/index"
	"github.com/yemenstay/property-search-index/internal/source"
	pkgerrors "github.com/yemenstay/property-search-index/pkg/errors"
	"github.com/yemenstay/property-search-index/pkg/metrics"
	"github.com/yemenstay/property-search-index/pkg/tracing"
)

// RebuildStatus is the lifecycle phase of the rebuild job.
type RebuildStatus string

const (
	RebuildIdle      RebuildStatus = "idle"
	RebuildRunning   RebuildStatus = "running"
	RebuildSucceeded RebuildStatus = "succeeded"
	RebuildFailed    RebuildStatus = "failed"
)

// Rebuilder regenerates the whole index from the relational source of
// truth and swaps it in atomically. Concurrent rebuild requests coalesce
// onto the in-flight run instead of stacking.
type Rebuilder struct {
	queue       *index.WriteQueue
	builder     *DocumentBuilder
	properties  source.PropertyRepository
	invalidator CacheInvalidator
	metrics     *metrics.Metrics
	batchSize   int
	logger      *slog.Logger

	group singleflight.Group

	mu         sync.Mutex
	status     RebuildStatus
	lastErr    error
	finishedAt time.Time
}

// NewRebuilder creates a rebuild job. batchSize controls how many
// properties are fetched per source query; zero or negative means 200.
func NewRebuilder(queue *index.WriteQueue, builder *DocumentBuilder, repos source.Repositories, invalidator CacheInvalidator, m *metrics.Metrics, batchSize int) *Rebuilder {
	if batchSize <= 0 {
		batchSize = 200
	}
	return &Rebuilder{
		queue:       queue,
		builder:     builder,
		properties:  repos.Properties,
		invalidator: invalidator,
		metrics:     m,
		batchSize:   batchSize,
		status:      RebuildIdle,
		logger:      slog.Default().With("component", "rebuilder"),
	}
}

// Status reports the current phase, the error of the last failed run, and
// when the last run finished.
func (r *Rebuilder) Status() (RebuildStatus, error, time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status, r.lastErr, r.finishedAt
}

func (r *Rebuilder) setStatus(s RebuildStatus, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = s
	r.lastErr = err
	if s == RebuildSucceeded || s == RebuildFailed {
		r.finishedAt = time.Now().UTC()
	}
}

// NeedsRebuild reports whether the store's metadata demands a full rebuild
// regardless of configuration. A store written by a different document
// schema, or one that never completed a rebuild, cannot be trusted to
// match what the current builder derives.
func NeedsRebuild(meta index.IndexMetadata) bool {
	return meta.SchemaVersion != index.SchemaVersion
}

// Rebuild runs a full rebuild, or joins the one already running. The old
// index stays visible and queryable until the new one replaces it in a
// single transaction; a failed run leaves the index untouched.
func (r *Rebuilder) Rebuild(ctx context.Context) error {
	_, err, _ := r.group.Do("rebuild", func() (any, error) {
		return nil, r.rebuildOnce(ctx)
	})
	return err
}

func (r *Rebuilder) rebuildOnce(ctx context.Context) error {
	start := time.Now()
	r.setStatus(RebuildRunning, nil)
	r.logger.Info("full index rebuild started", "batch_size", r.batchSize)

	ctx, span := tracing.StartSpan(ctx, "index-rebuild", fmt.Sprintf("rebuild-%d", start.UnixMilli()))
	defer func() {
		span.End()
		span.Log()
	}()

	collectCtx, collectSpan := tracing.StartChildSpan(ctx, "collect-documents")
	docs, err := r.collectDocuments(collectCtx)
	collectSpan.SetAttr("documents", len(docs))
	collectSpan.End()
	if err != nil {
		r.finish(start, err)
		return err
	}

	meta := index.IndexMetadata{
		LastFullRebuildAt: time.Now().UTC(),
		DocumentCount:     len(docs),
		SchemaVersion:     index.SchemaVersion,
	}
	_, swapSpan := tracing.StartChildSpan(ctx, "swap-index")
	pending, err := r.queue.Enqueue(ctx, "rebuild index", func(ctx context.Context, st *index.Store) error {
		return st.ReplaceAll(ctx, docs, meta)
	})
	if err == nil {
		err = pending.Wait(ctx)
	}
	swapSpan.End()
	if err != nil {
		r.finish(start, err)
		return err
	}

	if r.metrics != nil {
		r.metrics.DocumentCount.Set(float64(len(docs)))
	}
	if r.invalidator != nil {
		if ierr := r.invalidator.Invalidate(ctx); ierr != nil {
			r.logger.Warn("search cache invalidation failed after rebuild", "error", ierr)
		}
	}
	r.finish(start, nil)
	r.logger.Info("full index rebuild finished", "documents", len(docs), "duration", time.Since(start))
	return nil
}

func (r *Rebuilder) collectDocuments(ctx context.Context) ([]*index.SearchDocument, error) {
	var docs []*index.SearchDocument
	offset := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", pkgerrors.ErrRebuildFailed, err)
		}
		var batch []source.Property
		err := r.builder.fetch(ctx, "list-searchable", func() error {
			var ferr error
			batch, ferr = r.properties.ListSearchable(ctx, offset, r.batchSize)
			return ferr
		})
		if err != nil {
			return nil, fmt.Errorf("%w: listing properties at offset %d: %v", pkgerrors.ErrRebuildFailed, offset, err)
		}
		if len(batch) == 0 {
			return docs, nil
		}
		for i := range batch {
			doc, err := r.builder.FromProperty(ctx, &batch[i])
			if err != nil {
				return nil, fmt.Errorf("%w: deriving document %s: %v", pkgerrors.ErrRebuildFailed, batch[i].ID, err)
			}
			doc.Touch(0)
			docs = append(docs, doc)
		}
		offset += len(batch)
	}
}

func (r *Rebuilder) finish(start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "failure"
		r.setStatus(RebuildFailed, err)
		r.logger.Error("full index rebuild failed", "error", err, "duration", time.Since(start))
	} else {
		r.setStatus(RebuildSucceeded, nil)
	}
	if r.metrics != nil {
		r.metrics.RebuildsTotal.WithLabelValues(status).Inc()
		r.metrics.RebuildDuration.Observe(time.Since(start).Seconds())
	}
}

// RunCompactionLoop periodically checkpoints and compacts the store file.
// The first pass waits for initialDelay so compaction never competes with
// the startup warm rebuild. Blocks until ctx is canceled.
func (r *Rebuilder) RunCompactionLoop(ctx context.Context, svc *Service, interval, initialDelay time.Duration) {
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	if initialDelay <= 0 {
		initialDelay = 10 * time.Minute
	}
	r.logger.Info("compaction loop started", "interval", interval, "initial_delay", initialDelay)
	timer := time.NewTimer(initialDelay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("compaction loop stopped")
			return
		case <-timer.C:
		}
		r.compactOnce(ctx, svc)
		timer.Reset(interval)
	}
}

func (r *Rebuilder) compactOnce(ctx context.Context, svc *Service) {
	pending, err := svc.OptimizeDatabase(ctx)
	if err == nil {
		err = pending.Wait(ctx)
	}
	status := "success"
	if err != nil {
		status = "failure"
		r.logger.Warn("store compaction failed", "error", err)
	} else {
		r.logger.Info("store compaction finished")
	}
	if r.metrics != nil {
		r.metrics.CompactionsTotal.WithLabelValues(status).Inc()
	}
}
