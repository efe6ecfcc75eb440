package middleware

import (
	"context"
	"net/http"
	"regexp"

	"github.com/google/uuid"
)

type requestIDKey struct{}

// RequestIDHeader carries the request ID in and out of the proxy.
const RequestIDHeader = "X-Request-ID"

// maxRequestIDLength caps inbound IDs so dashboards cannot inflate logs.
const maxRequestIDLength = 64

var requestIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// RequestID tags every request with an ID, echoed in the response header
// and attached to the log lines the request produces. An inbound
// X-Request-ID is kept when it is short and printable; anything else is
// replaced with a fresh UUID.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" || len(id) > maxRequestIDLength || !requestIDPattern.MatchString(id) {
			id = uuid.NewString()
		}

		w.Header().Set(RequestIDHeader, id)

		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID returns the request ID from the context, or "".
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}
