package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/listingintel/pkg/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// jobRow is the gorm mapping of models.Job.
type jobRow struct {
	ID              string    `gorm:"primaryKey;size:36"`
	SubjectID       string    `gorm:"index:idx_jobs_key;size:255;not null"`
	JobType         string    `gorm:"index:idx_jobs_key;size:32;not null"`
	Status          string    `gorm:"index;size:20;not null"`
	Progress        int       `gorm:"not null;default:0"`
	PartialOutput   *string
	Result          []byte
	ErrorMessage    *string
	CancelRequested bool   `gorm:"not null;default:false"`
	OwnerID         string `gorm:"size:255"`
	Parameters      []byte
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time `gorm:"index"`
	LastHeartbeat   time.Time  `gorm:"index"`
}

func (jobRow) TableName() string { return "jobs" }

type apiKeyRow struct {
	ID         string `gorm:"primaryKey;size:36"`
	OwnerID    string `gorm:"size:255;not null"`
	Name       string `gorm:"size:255"`
	KeyHash    string `gorm:"uniqueIndex;size:255;not null"`
	KeyPrefix  string `gorm:"index;size:16;not null"`
	Scopes     string
	LastUsedAt *time.Time
	DeletedAt  *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (apiKeyRow) TableName() string { return "api_keys" }

func toJobRow(j *models.Job) *jobRow {
	return &jobRow{
		ID:              j.ID.String(),
		SubjectID:       j.SubjectID,
		JobType:         string(j.Type),
		Status:          string(j.Status),
		Progress:        j.Progress,
		PartialOutput:   j.PartialOutput,
		Result:          j.Result,
		ErrorMessage:    j.Error,
		CancelRequested: j.CancelRequested,
		OwnerID:         j.OwnerID,
		Parameters:      j.Parameters,
		CreatedAt:       j.CreatedAt,
		StartedAt:       j.StartedAt,
		CompletedAt:     j.CompletedAt,
		LastHeartbeat:   j.LastHeartbeat,
	}
}

func (r *jobRow) toModel() (*models.Job, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return nil, fmt.Errorf("parse job id %q: %w", r.ID, err)
	}
	return &models.Job{
		ID:              id,
		SubjectID:       r.SubjectID,
		Type:            models.JobType(r.JobType),
		Status:          models.JobStatus(r.Status),
		Progress:        r.Progress,
		PartialOutput:   r.PartialOutput,
		Result:          r.Result,
		Error:           r.ErrorMessage,
		CancelRequested: r.CancelRequested,
		OwnerID:         r.OwnerID,
		Parameters:      r.Parameters,
		CreatedAt:       r.CreatedAt,
		StartedAt:       r.StartedAt,
		CompletedAt:     r.CompletedAt,
		LastHeartbeat:   r.LastHeartbeat,
	}, nil
}

// SQLStore implements Store and KeyStore using gorm. It backs single-node
// deployments on SQLite.
type SQLStore struct {
	db *gorm.DB
}

// NewSQLStore wraps an open gorm handle.
func NewSQLStore(db *gorm.DB) *SQLStore {
	return &SQLStore{db: db}
}

// OpenSQLite opens (or creates) the SQLite database at path and migrates it.
// Use ":memory:" for an ephemeral database.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlite handle: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps ":memory:"
	// databases from splitting across connections.
	sqlDB.SetMaxOpenConns(1)

	s := NewSQLStore(db)
	if err := s.Migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Migrate creates the necessary tables.
func (s *SQLStore) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&jobRow{}, &apiKeyRow{}); err != nil {
		return fmt.Errorf("migrate sqlite: %w", err)
	}
	return nil
}

// Close releases the underlying connection.
func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *SQLStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *SQLStore) CreateOrGet(ctx context.Context, job *models.Job) (*models.Job, bool, error) {
	var (
		out     *models.Job
		created bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing jobRow
		err := tx.Where("id = ?", job.ID.String()).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if err := tx.Create(toJobRow(job)).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		case !models.JobStatus(existing.Status).IsTerminal():
			out, err = existing.toModel()
			return err
		default:
			if err := tx.Save(toJobRow(job)).Error; err != nil {
				return err
			}
		}
		out = job.Clone()
		created = true
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("create job: %w", err)
	}
	return out, created, nil
}

func (s *SQLStore) Get(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	var row jobRow
	err := s.db.WithContext(ctx).Where("id = ?", id.String()).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return row.toModel()
}

func (s *SQLStore) GetByKey(ctx context.Context, key models.JobKey) (*models.Job, error) {
	var row jobRow
	err := s.db.WithContext(ctx).
		Where("subject_id = ? AND job_type = ?", key.SubjectID, string(key.Type)).
		Order("created_at DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job by key: %w", err)
	}
	return row.toModel()
}

func (s *SQLStore) Update(ctx context.Context, id uuid.UUID, fn func(*models.Job) error) (*models.Job, error) {
	var out *models.Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row jobRow
		if err := tx.Where("id = ?", id.String()).First(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		current, err := row.toModel()
		if err != nil {
			return err
		}

		next := current.Clone()
		if err := fn(next); err != nil {
			if errors.Is(err, ErrNoChange) {
				out = current
				return nil
			}
			return err
		}
		if err := tx.Save(toJobRow(next)).Error; err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("update job: %w", err)
	}
	return out, nil
}

func (s *SQLStore) Touch(ctx context.Context, id uuid.UUID, at time.Time) error {
	result := s.db.WithContext(ctx).
		Model(&jobRow{}).
		Where("id = ?", id.String()).
		Where("last_heartbeat < ?", at).
		Update("last_heartbeat", at)
	if result.Error != nil {
		return fmt.Errorf("touch job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, id uuid.UUID, completedBefore time.Time) error {
	result := s.db.WithContext(ctx).
		Where("id = ? AND status IN ? AND completed_at < ?", id.String(), statusStrings(models.TerminalStatuses), completedBefore).
		Delete(&jobRow{})
	if result.Error != nil {
		return fmt.Errorf("delete job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context, filter JobFilter) ([]*models.Job, error) {
	q := s.db.WithContext(ctx).Model(&jobRow{})
	if len(filter.Statuses) > 0 {
		q = q.Where("status IN ?", statusStrings(filter.Statuses))
	}
	if !filter.CompletedBefore.IsZero() {
		q = q.Where("completed_at IS NOT NULL AND completed_at < ?", filter.CompletedBefore)
	}
	if !filter.HeartbeatBefore.IsZero() {
		q = q.Where("last_heartbeat < ?", filter.HeartbeatBefore)
	}

	var rows []jobRow
	if err := q.Order("created_at ASC").Limit(normalizeLimit(filter.Limit)).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	jobs := make([]*models.Job, 0, len(rows))
	for i := range rows {
		j, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// --- API Keys ---

func (s *SQLStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	var rows []apiKeyRow
	err := s.db.WithContext(ctx).
		Where("key_prefix = ? AND deleted_at IS NULL", prefix).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}

	keys := make([]*models.APIKey, 0, len(rows))
	for _, r := range rows {
		id, err := uuid.Parse(r.ID)
		if err != nil {
			return nil, fmt.Errorf("parse api key id: %w", err)
		}
		var scopes []string
		if r.Scopes != "" {
			scopes = strings.Split(r.Scopes, ",")
		}
		keys = append(keys, &models.APIKey{
			ID:         id,
			OwnerID:    r.OwnerID,
			Name:       r.Name,
			KeyHash:    r.KeyHash,
			KeyPrefix:  r.KeyPrefix,
			Scopes:     scopes,
			LastUsedAt: r.LastUsedAt,
			DeletedAt:  r.DeletedAt,
			CreatedAt:  r.CreatedAt,
			UpdatedAt:  r.UpdatedAt,
		})
	}
	return keys, nil
}

func (s *SQLStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	now := time.Now().UTC()
	err := s.db.WithContext(ctx).
		Model(&apiKeyRow{}).
		Where("id = ?", id.String()).
		Updates(map[string]any{"last_used_at": now, "updated_at": now}).Error
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *SQLStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	row := &apiKeyRow{
		ID:        key.ID.String(),
		OwnerID:   key.OwnerID,
		Name:      key.Name,
		KeyHash:   key.KeyHash,
		KeyPrefix: key.KeyPrefix,
		Scopes:    strings.Join(key.Scopes, ","),
		CreatedAt: key.CreatedAt,
		UpdatedAt: key.UpdatedAt,
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}
