package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/yemenstay/property-search-index/internal/index"
	"github.com/yemenstay/property-search-index/internal/indexing"
	"github.com/yemenstay/property-search-index/internal/search"
	"github.com/yemenstay/property-search-index/internal/source"
	"github.com/yemenstay/property-search-index/pkg/config"
	"github.com/yemenstay/property-search-index/pkg/health"
	"github.com/yemenstay/property-search-index/pkg/kafka"
	"github.com/yemenstay/property-search-index/pkg/logger"
	"github.com/yemenstay/property-search-index/pkg/metrics"
	"github.com/yemenstay/property-search-index/pkg/postgres"
	pkgredis "github.com/yemenstay/property-search-index/pkg/redis"
	"github.com/yemenstay/property-search-index/pkg/resilience"
)

// How long the event consumer waits for an enqueued write to land before
// giving the offset back to Kafka for redelivery.
const writeWaitTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting search index service", "index_path", cfg.Index.Path)

	m := metrics.New()

	store, err := index.Open(cfg.Index.Path)
	if err != nil {
		slog.Error("failed to open index store", "error", err, "path", cfg.Index.Path)
		os.Exit(1)
	}
	defer store.Close()

	pg, err := postgres.New(cfg.Postgres)
	if err != nil {
		slog.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer pg.Close()
	repos := source.NewPostgresRepositories(pg)

	// The query cache is an optimization; the service runs without it when
	// redis is unreachable at startup.
	var redisClient *pkgredis.Client
	var queryCache *search.QueryCache
	if rc, err := pkgredis.NewClient(cfg.Redis); err != nil {
		slog.Warn("redis unavailable, running without query cache", "error", err)
	} else {
		redisClient = rc
		defer redisClient.Close()
		queryCache = search.NewQueryCache(redisClient, cfg.Redis)
	}

	invalidateProducer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.CacheInvalidate)
	defer invalidateProducer.Close()
	var localCache indexing.CacheInvalidator
	if queryCache != nil {
		localCache = queryCache
	}
	invalidator := indexing.NewInvalidationBroadcaster(localCache, invalidateProducer)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The worker must be running before anything enqueues so startup
	// mutations buffer instead of piling up unserved.
	queue := index.NewWriteQueue(store, cfg.Index.QueueCapacity, cfg.Index.DrainTimeout, m)
	queue.Start(ctx)

	builder := indexing.NewDocumentBuilder(repos)
	svc := indexing.NewService(queue, builder, repos, invalidator)
	rebuilder := indexing.NewRebuilder(queue, builder, repos, invalidator, m, cfg.Index.RebuildBatchSize)

	executor := search.NewExecutor(store, cfg.Search, m)
	searcher := search.NewSearcher(executor, queryCache, m)

	checker := health.NewChecker()
	registerHealthChecks(checker, pg, redisClient, store, queue, builder)

	var shutdownMetrics func(context.Context) error
	if cfg.Metrics.Enabled {
		shutdownMetrics = metrics.StartServer(cfg.Metrics.Port,
			metrics.Route{Pattern: "/healthz", Handler: checker.LiveHandler()},
			metrics.Route{Pattern: "/readyz", Handler: checker.ReadyHandler()},
			metrics.Route{Pattern: "/search", Handler: search.NewHandler(searcher)},
		)
	}

	rebuildAtStart := cfg.Index.RebuildOnStart
	if meta, err := store.Metadata(ctx); err != nil {
		slog.Warn("reading index metadata failed, forcing rebuild", "error", err)
		rebuildAtStart = true
	} else if indexing.NeedsRebuild(meta) {
		slog.Info("index schema mismatch, forcing rebuild",
			"stored", meta.SchemaVersion, "current", index.SchemaVersion)
		rebuildAtStart = true
	}
	if rebuildAtStart {
		go func() {
			if err := rebuilder.Rebuild(ctx); err != nil {
				slog.Error("startup rebuild failed, serving existing index", "error", err)
			}
		}()
	}

	go rebuilder.RunCompactionLoop(ctx, svc, cfg.Index.CompactionInterval, cfg.Index.CompactionDelay)

	handler := indexing.HandleMessage(svc, rebuilder, writeWaitTimeout)
	kafkaConsumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.DomainEvents, handler)
	eventConsumer := indexing.NewEventConsumer(kafkaConsumer)

	slog.Info("search index service ready, consuming domain events",
		"topic", cfg.Kafka.Topics.DomainEvents,
		"group", cfg.Kafka.ConsumerGroup,
	)

	if err := eventConsumer.Start(ctx); err != nil {
		slog.Error("consumer error", "error", err)
	}

	// ctx is done here; wait for the queue to drain buffered writes.
	select {
	case <-queue.Stopped():
	case <-time.After(cfg.Index.DrainTimeout + time.Second):
		slog.Warn("write queue did not stop within drain timeout")
	}

	if shutdownMetrics != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(shutdownCtx); err != nil {
			slog.Error("metrics server shutdown failed", "error", err)
		}
	}

	slog.Info("search index service stopped")
}

func registerHealthChecks(checker *health.Checker, pg *postgres.Client, redisClient *pkgredis.Client, store *index.Store, queue *index.WriteQueue, builder *indexing.DocumentBuilder) {
	checker.Register("postgres", func(ctx context.Context) health.ComponentHealth {
		if err := pg.DB.PingContext(ctx); err != nil {
			return health.ComponentHealth{Status: health.StatusDown, Message: err.Error()}
		}
		return health.ComponentHealth{Status: health.StatusUp}
	})
	checker.Register("index-store", func(ctx context.Context) health.ComponentHealth {
		if err := store.Ping(ctx); err != nil {
			return health.ComponentHealth{Status: health.StatusDown, Message: err.Error()}
		}
		return health.ComponentHealth{Status: health.StatusUp}
	})
	checker.Register("write-queue", func(ctx context.Context) health.ComponentHealth {
		if !queue.Running() {
			return health.ComponentHealth{Status: health.StatusDown, Message: "worker not running"}
		}
		return health.ComponentHealth{Status: health.StatusUp, Message: fmt.Sprintf("depth=%d", queue.Depth())}
	})
	checker.Register("source-circuit", func(ctx context.Context) health.ComponentHealth {
		if state := builder.BreakerState(); state != resilience.StateClosed {
			return health.ComponentHealth{Status: health.StatusDegraded, Message: "circuit " + state.String()}
		}
		return health.ComponentHealth{Status: health.StatusUp}
	})
	if redisClient != nil {
		checker.Register("redis", func(ctx context.Context) health.ComponentHealth {
			if err := redisClient.Ping(ctx); err != nil {
				return health.ComponentHealth{Status: health.StatusDegraded, Message: err.Error()}
			}
			return health.ComponentHealth{Status: health.StatusUp}
		})
	}
}
