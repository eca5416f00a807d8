package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"covenant/internal/extraction"
	"covenant/internal/obligation"
	"covenant/internal/obligation/store"
	id "covenant/pkg/domain"
	"covenant/pkg/platform/middleware/tenant"
)

type fixture struct {
	router   chi.Router
	service  *obligation.Service
	tenantID id.TenantID
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	svc, err := obligation.New(store.NewMemory(),
		obligation.WithClock(func() time.Time { return now }),
	)
	require.NoError(t, err)

	router := chi.NewRouter()
	router.Use(tenant.Middleware)
	h := New(svc, slog.Default())
	h.clock = func() time.Time { return now }
	h.Register(router)

	return &fixture{router: router, service: svc, tenantID: id.NewTenantID(), now: now}
}

func (f *fixture) create(t *testing.T, docID id.DocumentID, title string, anchor time.Time) *obligation.Obligation {
	t.Helper()
	oblID, err := f.service.CreateFromCandidate(context.Background(), f.tenantID, extraction.Candidate{
		DocumentID:   docID,
		Title:        title,
		Description:  "Submit the return",
		OriginalText: "the operator shall submit a return",
		Category:     id.CategoryReporting,
		Frequency:    id.FrequencyMonthly,
		Condition:    id.ConditionStandard,
		AnchorDate:   &anchor,
		Confidence:   0.95,
	}, true)
	require.NoError(t, err)
	o, err := f.service.Get(context.Background(), oblID)
	require.NoError(t, err)
	return o
}

func (f *fixture) do(t *testing.T, method, target string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	req.Header.Set("X-Tenant-ID", f.tenantID.String())
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestGetWithDerivedDeadlineStatuses(t *testing.T) {
	f := newFixture(t)
	// Anchor in the past: the first deadline reads OVERDUE, later ones PENDING.
	o := f.create(t, id.NewDocumentID(), "Monthly return", f.now.AddDate(0, -1, 0))

	rec := f.do(t, http.MethodGet, "/obligations/"+o.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Obligation *obligation.Obligation `json:"obligation"`
		Deadlines  []struct {
			DueAt  time.Time                 `json:"due_at"`
			Status obligation.DeadlineStatus `json:"status"`
		} `json:"deadlines"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.NotEmpty(t, resp.Deadlines)
	assert.Equal(t, obligation.DeadlineOverdue, resp.Deadlines[0].Status)
	assert.Equal(t, obligation.DeadlinePending, resp.Deadlines[len(resp.Deadlines)-1].Status)
}

func TestGetHidesOtherTenants(t *testing.T) {
	f := newFixture(t)
	o := f.create(t, id.NewDocumentID(), "Monthly return", f.now)

	req := httptest.NewRequest(http.MethodGet, "/obligations/"+o.ID.String(), nil)
	req.Header.Set("X-Tenant-ID", id.NewTenantID().String())
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListByDocumentFilter(t *testing.T) {
	f := newFixture(t)
	docID := id.NewDocumentID()
	f.create(t, docID, "Monthly return", f.now)
	f.create(t, id.NewDocumentID(), "Annual report", f.now)

	rec := f.do(t, http.MethodGet, "/obligations?document_id="+docID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Obligations []*obligation.Obligation `json:"obligations"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Obligations, 1)
	assert.Equal(t, "Monthly return", resp.Obligations[0].Title)

	rec = f.do(t, http.MethodGet, "/obligations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Len(t, resp.Obligations, 2)
}

func TestCompleteDeadline(t *testing.T) {
	f := newFixture(t)
	o := f.create(t, id.NewDocumentID(), "Monthly return", f.now.AddDate(0, 0, 7))
	deadlineID := o.Deadlines[0].ID

	rec := f.do(t, http.MethodPost, "/deadlines/"+deadlineID.String()+"/complete", []byte(`{}`))
	require.Equal(t, http.StatusOK, rec.Code)

	var d obligation.Deadline
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&d))
	require.NotNil(t, d.CompletedAt)
	assert.Equal(t, obligation.DeadlineCompleted, d.StatusAt(f.now))

	// Completing again conflicts.
	rec = f.do(t, http.MethodPost, "/deadlines/"+deadlineID.String()+"/complete", []byte(`{}`))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCompleteDeadlineValidation(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/deadlines/not-a-uuid/complete", []byte(`{}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/deadlines/"+id.NewDeadlineID().String()+"/complete", []byte(`{}`))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
