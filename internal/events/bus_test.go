package events_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"covenant/internal/events"
	domain "covenant/pkg/domain"
)

func TestBusDeliversToSink(t *testing.T) {
	sink := events.NewMemorySink()
	bus := events.NewBus(sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = bus.Run(ctx)
	}()

	tenantID := domain.NewTenantID()
	docID := domain.NewDocumentID()
	bus.Emit(events.New(events.TypeDocumentClassified, tenantID, docID, time.Time{}, map[string]any{
		"document_type": "permit",
	}))
	bus.Emit(events.New(events.TypeReviewQueued, tenantID, docID, time.Time{}, nil))

	require.Eventually(t, func() bool {
		return len(sink.Events()) == 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done

	got := sink.Events()
	assert.Equal(t, events.TypeDocumentClassified, got[0].Type)
	assert.Equal(t, tenantID, got[0].TenantID)
	assert.False(t, got[0].At.IsZero(), "emit stamps the event")
	assert.JSONEq(t, `{"document_type":"permit"}`, string(got[0].Payload))

	classified := sink.ByType(events.TypeDocumentClassified)
	assert.Len(t, classified, 1)
}

func TestBusDropsWhenFull(t *testing.T) {
	sink := events.NewMemorySink()
	bus := events.NewBus(sink, events.WithBuffer(1))

	// No Run loop draining, so the second emit overflows.
	bus.Emit(events.New(events.TypeReviewQueued, domain.NewTenantID(), domain.NewDocumentID(), time.Time{}, nil))
	bus.Emit(events.New(events.TypeReviewQueued, domain.NewTenantID(), domain.NewDocumentID(), time.Time{}, nil))

	assert.Equal(t, 1, bus.Dropped())
}
