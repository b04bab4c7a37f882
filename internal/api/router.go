package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	mw "github.com/kiranshivaraju/factoryetl/internal/api/middleware"
	"github.com/kiranshivaraju/factoryetl/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	RateLimit *mw.RateLimit

	HealthHandler      http.HandlerFunc
	MetricsHandler     http.Handler
	GetJobHandler      http.HandlerFunc
	LatestJobHandler   http.HandlerFunc
	ListImportsHandler http.HandlerFunc
	PreviewProcess     http.HandlerFunc
	DeleteProcess      http.HandlerFunc
	TriggerPull        http.HandlerFunc
	CheckConnection    http.HandlerFunc
	ReschedulePolling  http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	metrics := deps.MetricsHandler
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	r.Method(http.MethodGet, "/metrics", metrics)

	r.Get("/api/v1/jobs/{jobID}", orNotImplemented(deps.GetJobHandler))
	r.Get("/api/v1/processes/{processID}/job", orNotImplemented(deps.LatestJobHandler))
	r.Get("/api/v1/processes/{processID}/imports", orNotImplemented(deps.ListImportsHandler))

	// Routes that start work or touch sources
	r.Group(func(r chi.Router) {
		if deps.RateLimit != nil {
			r.Use(deps.RateLimit.Limit)
		}

		r.Delete("/api/v1/processes/{processID}", orNotImplemented(deps.DeleteProcess))
		r.Get("/api/v1/processes/{processID}/preview", orNotImplemented(deps.PreviewProcess))
		r.Post("/api/v1/datasources/{dataSourceID}/pull", orNotImplemented(deps.TriggerPull))
		r.Post("/api/v1/datasources/{dataSourceID}/check", orNotImplemented(deps.CheckConnection))
		r.Post("/api/v1/datasources/{dataSourceID}/reschedule", orNotImplemented(deps.ReschedulePolling))
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
