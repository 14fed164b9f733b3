package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	mw "github.com/kiranshivaraju/listingintel/internal/api/middleware"
	"github.com/kiranshivaraju/listingintel/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth        *mw.Auth
	RateLimit   *mw.RateLimit
	CORSOrigins []string

	HealthHandler    http.Handler
	MetricsHandler   http.Handler
	StartJob         http.HandlerFunc
	PollJob          http.HandlerFunc
	CancelJob        http.HandlerFunc
	UnregisterPoller http.HandlerFunc
	JobEvents        http.HandlerFunc
	CreateKeyHandler http.HandlerFunc
	ListJobsHandler  http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)
	if len(deps.CORSOrigins) > 0 {
		r.Use(mw.CORS(deps.CORSOrigins))
	}

	// Public endpoints
	r.Method(http.MethodGet, "/api/v1/health", orNotImplemented(deps.HealthHandler))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Post("/api/v1/jobs", orNotImplementedFunc(deps.StartJob))
		r.Get("/api/v1/jobs/poll", orNotImplementedFunc(deps.PollJob))
		r.Post("/api/v1/jobs/{jobID}/cancel", orNotImplementedFunc(deps.CancelJob))
		r.Delete("/api/v1/jobs/{jobID}/pollers/{pollerID}", orNotImplementedFunc(deps.UnregisterPoller))
		r.Get("/api/v1/jobs/{jobID}/events", orNotImplementedFunc(deps.JobEvents))

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope("admin"))

			r.Post("/api/v1/admin/keys", orNotImplementedFunc(deps.CreateKeyHandler))
			r.Get("/api/v1/admin/jobs", orNotImplementedFunc(deps.ListJobsHandler))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.Handler) http.Handler {
	if h != nil {
		return h
	}
	return http.HandlerFunc(notImplemented)
}

func orNotImplementedFunc(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return notImplemented
}

func notImplemented(w http.ResponseWriter, r *http.Request) {
	response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
}
