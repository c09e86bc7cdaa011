package middleware

import (
	"context"
	"fmt"
	"net/http"
)

// FlagSource reports whether the portal is in maintenance mode. The settings
// service backs this with a short-TTL cache so the check does not add a
// database round trip to every request.
type FlagSource interface {
	MaintenanceEnabled(ctx context.Context) (enabled bool, message string)
}

// Maintenance returns 503 for every request while maintenance mode is on.
// Authenticated admins pass through so they can turn the mode off again.
// Mount it on customer and public groups only; health, metrics, auth, and
// payment webhooks stay reachable by not wearing it.
func Maintenance(flags FlagSource) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if user := UserFromCtx(r.Context()); user != nil && user.IsAdmin() {
				next.ServeHTTP(w, r)
				return
			}

			enabled, message := flags.MaintenanceEnabled(r.Context())
			if !enabled {
				next.ServeHTTP(w, r)
				return
			}

			if message == "" {
				message = "The portal is undergoing scheduled maintenance."
			}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", "600")
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, `{"error":"maintenance","message":%q}`, message)
		})
	}
}
