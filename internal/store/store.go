package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/listingintel/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrNoChange is returned by an Update callback to leave the record as is.
// Update itself then returns the unchanged record and a nil error.
var ErrNoChange = errors.New("no change")

// Store is the job data access interface. The lifecycle manager is the only
// writer; every mutation after creation goes through Update.
type Store interface {
	Ping(ctx context.Context) error

	// CreateOrGet inserts job unless an active job already holds its key, in
	// which case the existing record is returned with created=false. A
	// terminal record under the same key is replaced.
	CreateOrGet(ctx context.Context, job *models.Job) (*models.Job, bool, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Job, error)
	GetByKey(ctx context.Context, key models.JobKey) (*models.Job, error)
	Update(ctx context.Context, id uuid.UUID, fn func(*models.Job) error) (*models.Job, error)
	Touch(ctx context.Context, id uuid.UUID, at time.Time) error
	// Delete removes a terminal job completed before completedBefore. Active
	// jobs are never deleted; ErrNotFound is returned when nothing matched.
	Delete(ctx context.Context, id uuid.UUID, completedBefore time.Time) error
	List(ctx context.Context, filter JobFilter) ([]*models.Job, error)
}

// KeyStore holds API keys for the auth middleware.
type KeyStore interface {
	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
}

// JobFilter selects jobs for listing. Zero-valued fields are ignored.
type JobFilter struct {
	Statuses        []models.JobStatus
	CompletedBefore time.Time
	HeartbeatBefore time.Time
	Limit           int
}

func (f JobFilter) matches(j *models.Job) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if j.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.CompletedBefore.IsZero() {
		if j.CompletedAt == nil || !j.CompletedAt.Before(f.CompletedBefore) {
			return false
		}
	}
	if !f.HeartbeatBefore.IsZero() && !j.LastHeartbeat.Before(f.HeartbeatBefore) {
		return false
	}
	return true
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 1000
	}
	return limit
}

func statusStrings(statuses []models.JobStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
