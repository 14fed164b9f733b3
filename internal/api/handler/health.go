package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/kiranshivaraju/listingintel/internal/api/response"
)

// HealthCheck names one dependency check. A nil Ping reports "disabled".
type HealthCheck struct {
	Name string
	Ping func(ctx context.Context) error
}

// NewHealthHandler returns an http.HandlerFunc for GET /api/v1/health.
func NewHealthHandler(checks ...HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		details := make(map[string]string, len(checks))
		degraded := false
		for _, c := range checks {
			switch {
			case c.Ping == nil:
				details[c.Name] = "disabled"
			case c.Ping(ctx) != nil:
				details[c.Name] = "degraded"
				degraded = true
			default:
				details[c.Name] = "ok"
			}
		}

		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", details)
			return
		}
		details["status"] = "ok"
		response.JSON(w, details)
	}
}
