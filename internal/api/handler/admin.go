package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	mw "github.com/kiranshivaraju/listingintel/internal/api/middleware"
	"github.com/kiranshivaraju/listingintel/internal/api/response"
	"github.com/kiranshivaraju/listingintel/internal/store"
	"github.com/kiranshivaraju/listingintel/pkg/models"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// JobLister lists stored jobs. *jobs.Manager satisfies it.
type JobLister interface {
	List(ctx context.Context, filter store.JobFilter) ([]*models.Job, error)
}

// NewCreateKeyHandler returns an http.HandlerFunc for POST /api/v1/admin/keys.
// The raw key is only ever returned in this response.
func NewCreateKeyHandler(keys store.KeyStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			OwnerID string   `json:"owner_id"`
			Name    string   `json:"name"`
			Scopes  []string `json:"scopes"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if strings.TrimSpace(req.OwnerID) == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "owner_id is required", nil)
			return
		}
		if strings.TrimSpace(req.Name) == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "name is required", nil)
			return
		}
		if len(req.Scopes) == 0 {
			req.Scopes = []string{"jobs"}
		}

		raw, key, err := mw.NewAPIKey(req.OwnerID, req.Name, req.Scopes)
		if err != nil {
			slog.Error("failed to generate api key", "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to generate API key", nil)
			return
		}
		if err := keys.CreateAPIKey(r.Context(), key); err != nil {
			if errors.Is(err, store.ErrDuplicateKey) {
				response.Error(w, http.StatusConflict, "DUPLICATE_KEY", "API key already exists", nil)
				return
			}
			slog.Error("failed to store api key", "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to store API key", nil)
			return
		}

		response.Created(w, map[string]any{
			"id":         key.ID,
			"key":        raw,
			"key_prefix": key.KeyPrefix,
			"owner_id":   key.OwnerID,
			"name":       key.Name,
			"scopes":     key.Scopes,
			"created_at": key.CreatedAt,
		})
	}
}

// NewListJobsHandler returns an http.HandlerFunc for GET /api/v1/admin/jobs.
// Query parameters: status (repeatable), page, limit.
func NewListJobsHandler(lister JobLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		var statuses []models.JobStatus
		for _, s := range q["status"] {
			st := models.JobStatus(s)
			if !st.IsActive() && !st.IsTerminal() {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "unknown status "+strconv.Quote(s), nil)
				return
			}
			statuses = append(statuses, st)
		}

		page := parsePositive(q.Get("page"), 1)
		limit := parsePositive(q.Get("limit"), defaultPageSize)
		if limit > maxPageSize {
			limit = maxPageSize
		}

		all, err := lister.List(r.Context(), store.JobFilter{Statuses: statuses})
		if err != nil {
			slog.Error("failed to list jobs", "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list jobs", nil)
			return
		}

		start := (page - 1) * limit
		if start > len(all) {
			start = len(all)
		}
		end := start + limit
		if end > len(all) {
			end = len(all)
		}

		views := make([]JobView, 0, end-start)
		for _, j := range all[start:end] {
			views = append(views, NewJobView(j))
		}
		response.Collection(w, views, response.PaginationMeta{
			Page:    page,
			Limit:   limit,
			Total:   len(all),
			HasNext: end < len(all),
		})
	}
}

func parsePositive(raw string, fallback int) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}
