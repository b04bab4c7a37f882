package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/go-chi/chi/v5"

	"github.com/kiranshivaraju/factoryetl/internal/api/response"
	"github.com/kiranshivaraju/factoryetl/internal/metrics"
)

// Recovery turns a panicking handler into a 500 envelope and counts it per
// route.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			metrics.HTTPPanics.WithLabelValues(route).Inc()
			slog.Error("handler panicked",
				"error", rec,
				"route", route,
				"method", r.Method,
				"stack", string(debug.Stack()),
			)
			response.InternalError(w)
		}()
		next.ServeHTTP(w, r)
	})
}
