package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/cellmesh/cell-gateway/pkg/cellerror"
)

// Pre-serialized panic response; a handler that just panicked should not
// depend on json.Marshal succeeding.
var panicBody = []byte(`{"error":{"code":"` + string(cellerror.CodeInternal) + `","message":"an unexpected error occurred"}}` + "\n")

// Recovery returns middleware that recovers from panics, logs the stack trace,
// and returns a 500 Internal Server Error JSON response.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic recovered",
						"error", err,
						"stack", string(debug.Stack()),
						"method", r.Method,
						"path", r.URL.Path,
						"request_id", GetRequestID(r.Context()),
					)
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					w.Write(panicBody)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
