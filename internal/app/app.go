// Package app assembles the pipeline's dependency graph for the binaries.
// Construction is config-driven: Postgres, Redis, Kafka, MinIO, and Vertex
// are each optional, with in-memory fallbacks for everything but the model,
// so a single-process development setup needs nothing but credentials for
// the model provider.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"covenant/internal/document"
	docstore "covenant/internal/document/store"
	"covenant/internal/events"
	"covenant/internal/extraction"
	extstore "covenant/internal/extraction/store"
	"covenant/internal/ingest"
	"covenant/internal/obligation"
	oblstore "covenant/internal/obligation/store"
	"covenant/internal/pipeline"
	pipestore "covenant/internal/pipeline/store"
	"covenant/internal/platform/blob"
	"covenant/internal/platform/config"
	"covenant/internal/platform/postgres"
	"covenant/internal/platform/redis"
	"covenant/internal/platform/throttle"
	"covenant/internal/platform/vertex"
	"covenant/internal/queue"
	"covenant/internal/queue/metrics"
	qstore "covenant/internal/queue/store"
	"covenant/internal/review"
	revstore "covenant/internal/review/store"
	"covenant/internal/rulelib"
	"covenant/internal/scoring"
	id "covenant/pkg/domain"
)

// DocumentStore is the full document surface the binaries need: the
// coordinator's write path plus the read endpoints.
type DocumentStore interface {
	pipeline.DocumentStore
	ListByTenant(ctx context.Context, tenantID id.TenantID) ([]*document.Document, error)
}

type usageStore interface {
	extraction.UsageRecorder
	pipeline.UsageReader
}

// App holds the constructed services and the resources they own.
type App struct {
	Config config.Config
	Logger *slog.Logger

	Documents   DocumentStore
	Queue       *queue.Service
	Reviews     *review.Service
	Obligations *obligation.Service
	Coordinator *pipeline.Coordinator

	Bus *events.Bus

	db    *sql.DB
	redis *redis.Client
	model *vertex.Client
	kafka *events.KafkaSink
}

// Build wires the full graph from configuration.
func Build(ctx context.Context, cfg config.Config, log *slog.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: log}

	db, err := postgres.Open(cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	a.db = db
	if db != nil {
		if err := postgres.Migrate(ctx, db); err != nil {
			a.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	} else {
		log.Warn("postgres not configured, state is in-memory and lost on restart")
	}

	rdb, err := redis.New(cfg.Redis)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	a.redis = rdb

	sink, err := a.buildSink(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Bus = events.NewBus(sink, events.WithBuffer(cfg.Events.BufferSize), events.WithLogger(log))
	emitter := events.NewEmitter(a.Bus)

	model, err := vertex.New(ctx, cfg.Vertex)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("vertex model: %w", err)
	}
	a.model = model

	var usage usageStore
	if db != nil {
		a.Documents = docstore.NewPostgres(db)
		usage = extstore.NewPostgresUsage(db)
	} else {
		a.Documents = docstore.NewMemory()
		usage = extstore.NewMemoryUsage()
	}

	a.Queue, err = queue.New(a.queueStore(), queue.Config{
		BackoffBase: cfg.Queue.BackoffBase,
		MaxAttempts: cfg.Queue.MaxAttempts,
		LeaseWindow: cfg.Queue.LeaseWindow,
	},
		queue.WithPublisher(emitter),
		queue.WithMetrics(metrics.New()),
		queue.WithLogger(log),
	)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("queue service: %w", err)
	}

	a.Obligations, err = obligation.New(a.obligationStore(),
		obligation.WithPublisher(emitter),
		obligation.WithLogger(log),
	)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("obligation service: %w", err)
	}

	a.Reviews, err = review.New(a.reviewStore(), a.Obligations,
		review.WithPublisher(emitter),
		review.WithLogger(log),
	)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("review service: %w", err)
	}

	th, err := a.buildThrottle(cfg.Throttle, log)
	if err != nil {
		a.Close()
		return nil, err
	}
	extractor, err := extraction.New(model,
		extraction.WithThrottle(th),
		extraction.WithUsageRecorder(usage),
		extraction.WithLogger(log),
	)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("extraction service: %w", err)
	}

	blobStore, err := a.buildBlob(ctx, cfg, log)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Coordinator, err = pipeline.New(pipeline.Config{
		ClassifyMinConfidence: cfg.Pipeline.ClassifyMinConfidence,
		ClassifyExcerptChars:  cfg.Pipeline.ClassifyExcerptChars,
		OCRQualityFloor:       cfg.Review.OCRQualityFloor,
		SegmentTokenCeiling:   cfg.Ingest.SegmentTokenCeiling,
		CharsPerToken:         cfg.Ingest.CharsPerToken,
	}, pipeline.Deps{
		Documents:   a.Documents,
		Blob:        blobStore,
		Ingestor:    ingest.New(cfg.Ingest, ingest.WithOCREngine(model), ingest.WithLogger(log)),
		Rules:       rulelib.Default(),
		Extractor:   extractor,
		Scorer:      scoring.New(cfg.Scoring),
		Reviews:     a.Reviews,
		Obligations: a.Obligations,
		Jobs:        a.Queue,
		Reports:     a.reportStore(),
	},
		pipeline.WithLogger(log),
		pipeline.WithEvents(emitter),
		pipeline.WithUsageReader(usage),
	)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("pipeline coordinator: %w", err)
	}

	return a, nil
}

func (a *App) queueStore() queue.Store {
	if a.db != nil {
		return qstore.NewPostgres(a.db)
	}
	return qstore.NewMemory()
}

func (a *App) reviewStore() review.Store {
	if a.db != nil {
		return revstore.NewPostgres(a.db)
	}
	return revstore.NewMemory()
}

func (a *App) obligationStore() obligation.Store {
	if a.db != nil {
		return oblstore.NewPostgres(a.db)
	}
	return oblstore.NewMemory()
}

func (a *App) reportStore() pipeline.ReportStore {
	if a.db != nil {
		return pipestore.NewPostgresReports(a.db)
	}
	return pipestore.NewMemoryReports()
}

func (a *App) buildSink(ctx context.Context, cfg config.Config) (events.Sink, error) {
	if len(cfg.Kafka.Brokers) == 0 {
		a.Logger.Warn("kafka not configured, domain events stay in-process")
		return events.NewMemorySink(), nil
	}
	sink, err := events.NewKafkaSink(ctx, cfg.Kafka.Brokers, cfg.Kafka.Topic)
	if err != nil {
		return nil, fmt.Errorf("kafka sink: %w", err)
	}
	a.kafka = sink
	return sink, nil
}

func (a *App) buildThrottle(cfg config.ThrottleConfig, log *slog.Logger) (extraction.Throttle, error) {
	if cfg.CallsPerMinute <= 0 {
		return throttle.Unlimited{}, nil
	}
	if a.redis != nil {
		return throttle.NewRedisBucket(a.redis.Client, cfg.CallsPerMinute, cfg.Burst)
	}
	log.Warn("redis not configured, model-call throttle is per-process")
	return throttle.NewBucket(cfg.CallsPerMinute, cfg.Burst)
}

func (a *App) buildBlob(ctx context.Context, cfg config.Config, log *slog.Logger) (pipeline.Blob, error) {
	if cfg.Blob.Endpoint == "" {
		log.Warn("blob storage not configured, raw documents stay in-memory")
		return blob.NewMemory(), nil
	}
	store, err := blob.NewMinio(ctx, cfg.Blob)
	if err != nil {
		return nil, fmt.Errorf("blob storage: %w", err)
	}
	return store, nil
}

// Close releases owned connections in reverse construction order. Safe on a
// partially built App.
func (a *App) Close() {
	if a.kafka != nil {
		a.kafka.Close()
	}
	if a.model != nil {
		_ = a.model.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}
