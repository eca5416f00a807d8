// Package tenant provides middleware resolving the caller's tenant.
// Authorization itself happens upstream; every request reaching this service
// is assumed pre-filtered to the tenant it names.
package tenant

import (
	"net/http"

	id "covenant/pkg/domain"
	dErrors "covenant/pkg/domain-errors"
	"covenant/pkg/platform/httputil"
	"covenant/pkg/requestcontext"
)

const header = "X-Tenant-ID"

// Middleware requires a valid tenant ID header and stores it in the context.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID, err := id.ParseTenantID(r.Header.Get(header))
		if err != nil {
			httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "missing or invalid tenant id"))
			return
		}
		ctx := requestcontext.WithTenantID(r.Context(), tenantID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
