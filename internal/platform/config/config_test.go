package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg := FromEnv()

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, 2*time.Second, cfg.Queue.BackoffBase)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, 5*time.Minute, cfg.Queue.LeaseWindow)
	assert.InDelta(t, 0.40, cfg.Scoring.PatternWeight, 1e-9)
	assert.InDelta(t, 0.50, cfg.Scoring.LowBand, 1e-9)
	assert.Equal(t, 6000, cfg.Ingest.SegmentTokenCeiling)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("COVENANT_QUEUE_MAX_ATTEMPTS", "5")
	t.Setenv("COVENANT_QUEUE_BACKOFF_BASE", "500ms")
	t.Setenv("COVENANT_SCORE_LOW_BAND", "0.55")
	t.Setenv("COVENANT_KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg := FromEnv()

	assert.Equal(t, 5, cfg.Queue.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Queue.BackoffBase)
	assert.InDelta(t, 0.55, cfg.Scoring.LowBand, 1e-9)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
}

func TestFromEnvIgnoresMalformedValues(t *testing.T) {
	t.Setenv("COVENANT_QUEUE_MAX_ATTEMPTS", "many")
	t.Setenv("COVENANT_SCORE_LOW_BAND", "half")

	cfg := FromEnv()

	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.InDelta(t, 0.50, cfg.Scoring.LowBand, 1e-9)
}
