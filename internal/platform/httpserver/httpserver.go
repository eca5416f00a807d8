// Package httpserver builds the API server with limits sized for document
// intake.
package httpserver

import (
	"net/http"
	"time"
)

// MaxUploadBytes caps request bodies. Scanned permits run to tens of
// megabytes; anything larger is not a document we process.
const MaxUploadBytes = 64 << 20

// New builds the HTTP server. The read timeout is generous because permit
// uploads arrive from slow site connections; responses are small JSON.
func New(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           http.MaxBytesHandler(handler, MaxUploadBytes),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
}
