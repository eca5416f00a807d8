package config

import (
	"os"
	"strconv"
	"time"
)

// Config is built once at process start and passed by reference into
// services. There is no package-level mutable state; credential rotation is a
// restart or config-reload, never a global swap.
type Config struct {
	Addr string

	Postgres PostgresConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	Vertex   VertexConfig
	Blob     BlobConfig

	Queue    QueueConfig
	Throttle ThrottleConfig
	Pipeline PipelineConfig
	Ingest   IngestConfig
	Scoring  ScoringConfig
	Review   ReviewConfig
	Events   EventsConfig
}

type PostgresConfig struct {
	URL string
}

type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type VertexConfig struct {
	ProjectID string
	Region    string
	Model     string
}

type BlobConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// QueueConfig tunes the job orchestrator. Backoff is base * 2^(attempt-1).
type QueueConfig struct {
	BackoffBase   time.Duration
	MaxAttempts   int
	LeaseWindow   time.Duration
	PollInterval  time.Duration
	WorkerCount   int
	SweepInterval time.Duration
}

// ThrottleConfig bounds model-call throughput across all workers.
type ThrottleConfig struct {
	// CallsPerMinute is the sustained model-call budget. Zero disables
	// throttling.
	CallsPerMinute int
	// Burst is the bucket capacity, letting short spikes through.
	Burst int
}

// PipelineConfig tunes the phase coordinator.
type PipelineConfig struct {
	// ClassifyMinConfidence is the threshold above which a stored
	// classification is never re-derived.
	ClassifyMinConfidence float64
	// ClassifyExcerptChars is how much document text the classification
	// call sees.
	ClassifyExcerptChars int
}

// IngestConfig tunes document ingestion and segmentation.
type IngestConfig struct {
	// OCRDensityFloor is the average characters-per-page below which a
	// multi-page document is treated as scanned.
	OCRDensityFloor int
	// NearEmptyPageChars marks a page as effectively empty.
	NearEmptyPageChars int
	// SegmentTokenCeiling caps tokens per segment sent to the model.
	SegmentTokenCeiling int
	// CharsPerToken is the token-count estimate divisor.
	CharsPerToken int
}

// ScoringConfig holds the confidence blend weights and the configurable
// MEDIUM/LOW boundary. The HIGH and MEDIUM band thresholds are fixed wire
// constants in the scoring package.
type ScoringConfig struct {
	PatternWeight    float64
	StructuralWeight float64
	SemanticWeight   float64
	OCRWeight        float64
	LowBand          float64
}

type ReviewConfig struct {
	// OCRQualityFloor routes obligations whose source-span OCR confidence
	// falls below it to review.
	OCRQualityFloor float64
}

type EventsConfig struct {
	// ApproachingWindow controls how far ahead deadline.approaching fires.
	ApproachingWindow time.Duration
	BufferSize        int
}

// FromEnv builds a Config from environment variables so main stays lean.
// Every tunable has a default suitable for development.
func FromEnv() Config {
	return Config{
		Addr: envString("COVENANT_ADDR", ":8080"),
		Postgres: PostgresConfig{
			URL: os.Getenv("COVENANT_POSTGRES_URL"),
		},
		Redis: RedisConfig{
			URL:          os.Getenv("COVENANT_REDIS_URL"),
			PoolSize:     envInt("COVENANT_REDIS_POOL_SIZE", 10),
			MinIdleConns: envInt("COVENANT_REDIS_MIN_IDLE", 2),
			DialTimeout:  envDuration("COVENANT_REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  envDuration("COVENANT_REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: envDuration("COVENANT_REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Kafka: KafkaConfig{
			Brokers: splitNonEmpty(os.Getenv("COVENANT_KAFKA_BROKERS")),
			Topic:   envString("COVENANT_KAFKA_TOPIC", "covenant.domain-events"),
		},
		Vertex: VertexConfig{
			ProjectID: os.Getenv("COVENANT_VERTEX_PROJECT"),
			Region:    envString("COVENANT_VERTEX_REGION", "us-central1"),
			Model:     envString("COVENANT_VERTEX_MODEL", "gemini-1.5-pro"),
		},
		Blob: BlobConfig{
			Endpoint:  os.Getenv("COVENANT_BLOB_ENDPOINT"),
			AccessKey: os.Getenv("COVENANT_BLOB_ACCESS_KEY"),
			SecretKey: os.Getenv("COVENANT_BLOB_SECRET_KEY"),
			Bucket:    envString("COVENANT_BLOB_BUCKET", "documents"),
			UseSSL:    os.Getenv("COVENANT_BLOB_USE_SSL") == "true",
		},
		Queue: QueueConfig{
			BackoffBase:   envDuration("COVENANT_QUEUE_BACKOFF_BASE", 2*time.Second),
			MaxAttempts:   envInt("COVENANT_QUEUE_MAX_ATTEMPTS", 3),
			LeaseWindow:   envDuration("COVENANT_QUEUE_LEASE_WINDOW", 5*time.Minute),
			PollInterval:  envDuration("COVENANT_QUEUE_POLL_INTERVAL", time.Second),
			WorkerCount:   envInt("COVENANT_QUEUE_WORKERS", 4),
			SweepInterval: envDuration("COVENANT_QUEUE_SWEEP_INTERVAL", 30*time.Second),
		},
		Throttle: ThrottleConfig{
			CallsPerMinute: envInt("COVENANT_MODEL_CALLS_PER_MINUTE", 60),
			Burst:          envInt("COVENANT_MODEL_BURST", 10),
		},
		Pipeline: PipelineConfig{
			ClassifyMinConfidence: envFloat("COVENANT_CLASSIFY_MIN_CONFIDENCE", 0.60),
			ClassifyExcerptChars:  envInt("COVENANT_CLASSIFY_EXCERPT_CHARS", 4000),
		},
		Ingest: IngestConfig{
			OCRDensityFloor:     envInt("COVENANT_INGEST_OCR_DENSITY_FLOOR", 150),
			NearEmptyPageChars:  envInt("COVENANT_INGEST_NEAR_EMPTY_CHARS", 20),
			SegmentTokenCeiling: envInt("COVENANT_INGEST_SEGMENT_TOKENS", 6000),
			CharsPerToken:       envInt("COVENANT_INGEST_CHARS_PER_TOKEN", 4),
		},
		Scoring: ScoringConfig{
			PatternWeight:    envFloat("COVENANT_SCORE_PATTERN_WEIGHT", 0.40),
			StructuralWeight: envFloat("COVENANT_SCORE_STRUCTURAL_WEIGHT", 0.30),
			SemanticWeight:   envFloat("COVENANT_SCORE_SEMANTIC_WEIGHT", 0.20),
			OCRWeight:        envFloat("COVENANT_SCORE_OCR_WEIGHT", 0.10),
			LowBand:          envFloat("COVENANT_SCORE_LOW_BAND", 0.50),
		},
		Review: ReviewConfig{
			OCRQualityFloor: envFloat("COVENANT_REVIEW_OCR_FLOOR", 0.60),
		},
		Events: EventsConfig{
			ApproachingWindow: envDuration("COVENANT_DEADLINE_APPROACHING", 14*24*time.Hour),
			BufferSize:        envInt("COVENANT_EVENTS_BUFFER", 256),
		},
	}
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
