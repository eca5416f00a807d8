// Package requestid provides middleware assigning each request a correlation
// ID, taken from the X-Request-ID header when the caller supplies one.
package requestid

import (
	"net/http"

	"github.com/google/uuid"

	"covenant/pkg/requestcontext"
)

const header = "X-Request-ID"

// Middleware stores the request ID in the context and echoes it on the
// response.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(header)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := requestcontext.WithRequestID(r.Context(), reqID)
		w.Header().Set(header, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
