package httpserver

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServerLimits(t *testing.T) {
	srv := New(":8080", http.NewServeMux())
	assert.Equal(t, ":8080", srv.Addr)
	assert.Equal(t, 2*time.Minute, srv.ReadTimeout)
	assert.Equal(t, 30*time.Second, srv.WriteTimeout)
}

func TestOversizedBodyRejected(t *testing.T) {
	handled := false
	srv := New(":8080", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handled = true
		_, err := io.ReadAll(r.Body)
		require.Error(t, err, "body beyond the cap must not be readable")
		w.WriteHeader(http.StatusBadRequest)
	}))

	body := strings.NewReader(strings.Repeat("x", MaxUploadBytes+1))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents", body)
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)
	assert.True(t, handled)
}
