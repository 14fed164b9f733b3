package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/listingintel/pkg/models"
)

const jobColumns = `id, subject_id, job_type, status, progress, partial_output, result, error_message,
	cancel_requested, owner_id, parameters, created_at, started_at, completed_at, last_heartbeat`

// PostgresStore implements Store and KeyStore using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Jobs ---

func (s *PostgresStore) CreateOrGet(ctx context.Context, job *models.Job) (*models.Job, bool, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO jobs (`+jobColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 ON CONFLICT (id) DO UPDATE SET
		   status = EXCLUDED.status,
		   progress = EXCLUDED.progress,
		   partial_output = EXCLUDED.partial_output,
		   result = EXCLUDED.result,
		   error_message = EXCLUDED.error_message,
		   cancel_requested = EXCLUDED.cancel_requested,
		   owner_id = EXCLUDED.owner_id,
		   parameters = EXCLUDED.parameters,
		   created_at = EXCLUDED.created_at,
		   started_at = EXCLUDED.started_at,
		   completed_at = EXCLUDED.completed_at,
		   last_heartbeat = EXCLUDED.last_heartbeat
		 WHERE jobs.status IN ('succeeded', 'failed', 'canceled')
		 RETURNING `+jobColumns,
		jobArgs(job)...,
	)

	created, err := scanJob(row)
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) && !isDuplicateKeyError(err) {
		return nil, false, fmt.Errorf("create job: %w", err)
	}

	// An active job holds the key.
	existing, err := s.Get(ctx, job.ID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) GetByKey(ctx context.Context, key models.JobKey) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE subject_id = $1 AND job_type = $2
		 ORDER BY created_at DESC LIMIT 1`, key.SubjectID, string(key.Type)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job by key: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) Update(ctx context.Context, id uuid.UUID, fn func(*models.Job) error) (*models.Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := scanJob(tx.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock job: %w", err)
	}

	next := current.Clone()
	if err := fn(next); err != nil {
		if errors.Is(err, ErrNoChange) {
			return current, nil
		}
		return nil, err
	}

	_, err = tx.Exec(ctx,
		`UPDATE jobs SET
		   status = $2, progress = $3, partial_output = $4, result = $5, error_message = $6,
		   cancel_requested = $7, started_at = $8, completed_at = $9, last_heartbeat = $10
		 WHERE id = $1`,
		id, string(next.Status), next.Progress, next.PartialOutput, nullableJSON(next.Result),
		next.Error, next.CancelRequested, next.StartedAt, next.CompletedAt, next.LastHeartbeat)
	if err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit update: %w", err)
	}
	return next, nil
}

func (s *PostgresStore) Touch(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET last_heartbeat = GREATEST(last_heartbeat, $2) WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("touch job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id uuid.UUID, completedBefore time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM jobs WHERE id = $1 AND status = ANY($2) AND completed_at < $3`,
		id, statusStrings(models.TerminalStatuses), completedBefore)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, filter JobFilter) ([]*models.Job, error) {
	var conditions []string
	var args []any
	argIdx := 1

	if len(filter.Statuses) > 0 {
		conditions = append(conditions, fmt.Sprintf("status = ANY($%d)", argIdx))
		args = append(args, statusStrings(filter.Statuses))
		argIdx++
	}
	if !filter.CompletedBefore.IsZero() {
		conditions = append(conditions, fmt.Sprintf("completed_at < $%d", argIdx))
		args = append(args, filter.CompletedBefore)
		argIdx++
	}
	if !filter.HeartbeatBefore.IsZero() {
		conditions = append(conditions, fmt.Sprintf("last_heartbeat < $%d", argIdx))
		args = append(args, filter.HeartbeatBefore)
		argIdx++
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY created_at ASC LIMIT $%d", argIdx)
	args = append(args, normalizeLimit(filter.Limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func jobArgs(j *models.Job) []any {
	return []any{
		j.ID, j.SubjectID, string(j.Type), string(j.Status), j.Progress, j.PartialOutput,
		nullableJSON(j.Result), j.Error, j.CancelRequested, j.OwnerID, nullableJSON(j.Parameters),
		j.CreatedAt, j.StartedAt, j.CompletedAt, j.LastHeartbeat,
	}
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var (
		j              models.Job
		jobType        string
		status         string
		result, params []byte
	)
	err := row.Scan(&j.ID, &j.SubjectID, &jobType, &status, &j.Progress, &j.PartialOutput,
		&result, &j.Error, &j.CancelRequested, &j.OwnerID, &params,
		&j.CreatedAt, &j.StartedAt, &j.CompletedAt, &j.LastHeartbeat)
	if err != nil {
		return nil, err
	}
	j.Type = models.JobType(jobType)
	j.Status = models.JobStatus(status)
	if result != nil {
		j.Result = json.RawMessage(result)
	}
	if params != nil {
		j.Parameters = json.RawMessage(params)
	}
	return &j, nil
}

// nullableJSON maps an empty document to SQL NULL.
func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.OwnerID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, owner_id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.OwnerID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
