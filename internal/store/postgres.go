package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"cardscan/internal/models"
)

// ErrNotFound is returned when a job or result does not exist, or when the
// requesting owner does not match.
var ErrNotFound = errors.New("not found")

// Store wraps pgxpool for Postgres persistence. It is the single source of
// truth for job state; every transition is a conditional UPDATE on the
// current status so that terminal states are immutable and only one worker
// can hold the processing claim.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	ID          string
	Owner       string
	ContentType string
	InputKey    string
	MaxAttempts int
}

// CreateJob inserts a queued job row with zero attempts. The row is visible
// to readers as soon as this returns.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 3
	}
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, owner, status, content_type, input_key, attempts, max_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $7)
	`, p.ID, p.Owner, models.StatusQueued, p.ContentType, p.InputKey, p.MaxAttempts, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	return models.Job{
		ID:          p.ID,
		Owner:       p.Owner,
		Status:      models.StatusQueued,
		ContentType: p.ContentType,
		InputKey:    p.InputKey,
		Attempts:    0,
		MaxAttempts: p.MaxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

const jobColumns = `id, owner, status, content_type, input_key, result_id, error_kind, last_error, attempts, max_attempts, created_at, updated_at`

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	return scanJob(row)
}

// GetOwnedJob fetches a job by id, treating a foreign owner the same as an
// unknown id so that job existence does not leak across principals.
func (s *Store) GetOwnedJob(ctx context.Context, id, owner string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 AND owner = $2`, id, owner)
	return scanJob(row)
}

// ListJobs returns the owner's jobs, newest first.
func (s *Store) ListJobs(ctx context.Context, owner string, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE owner = $1 ORDER BY created_at DESC LIMIT $2
	`, owner, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]models.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ClaimJob atomically transitions queued -> processing and consumes one
// attempt. The conditional update is the CAS guard: with duplicate
// deliveries, exactly one worker sees claimed=true.
func (s *Store) ClaimJob(ctx context.Context, id string) (models.Job, bool, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs
		SET status = $2, attempts = attempts + 1, updated_at = NOW()
		WHERE id = $1 AND status = $3
		RETURNING `+jobColumns+`
	`, id, models.StatusProcessing, models.StatusQueued)
	job, err := scanJob(row)
	if errors.Is(err, ErrNotFound) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

// RequeueForRetry moves a processing job back to queued after a retryable
// failure, recording the failure detail. Attempts are not touched here; the
// claim already consumed the attempt.
func (s *Store) RequeueForRetry(ctx context.Context, id, detail string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, last_error = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, models.StatusQueued, detail, models.StatusProcessing)
	if err != nil {
		return false, fmt.Errorf("requeue job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ResetStale returns a processing job to queued after its broker lease
// expired without an ack. Used by the worker housekeeping sweep so that the
// redelivered envelope can claim the job again.
func (s *Store) ResetStale(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, models.StatusQueued, models.StatusProcessing)
	if err != nil {
		return false, fmt.Errorf("reset stale job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CompleteJob writes the result row and transitions processing -> completed
// in one transaction. Readers never observe a completed job without its
// result. Returns the result id, or false if the job was not processing.
func (s *Store) CompleteJob(ctx context.Context, id string, cards []models.Card) (string, bool, error) {
	if cards == nil {
		cards = []models.Card{}
	}
	cardsJSON, err := json.Marshal(cards)
	if err != nil {
		return "", false, fmt.Errorf("marshal cards: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	resultID := uuid.New().String()
	if _, err := tx.Exec(ctx, `
		INSERT INTO results (id, job_id, cards, created_at) VALUES ($1, $2, $3, NOW())
	`, resultID, id, cardsJSON); err != nil {
		return "", false, fmt.Errorf("insert result: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE jobs SET status = $2, result_id = $3, last_error = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, models.StatusCompleted, resultID, models.StatusProcessing)
	if err != nil {
		return "", false, fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return "", false, nil
	}
	if err := tx.Commit(ctx); err != nil {
		return "", false, fmt.Errorf("commit: %w", err)
	}
	return resultID, true, nil
}

// FailJob transitions processing -> failed with a typed failure kind.
func (s *Store) FailJob(ctx context.Context, id, kind, detail string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, error_kind = $3, last_error = $4, updated_at = NOW()
		WHERE id = $1 AND status = $5
	`, id, models.StatusFailed, kind, detail, models.StatusProcessing)
	if err != nil {
		return false, fmt.Errorf("fail job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetResult fetches the result row for a completed job.
func (s *Store) GetResult(ctx context.Context, jobID string) (models.Result, error) {
	var res models.Result
	var cardsJSON []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, job_id, cards, created_at FROM results WHERE job_id = $1
	`, jobID).Scan(&res.ID, &res.JobID, &cardsJSON, &res.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Result{}, ErrNotFound
	}
	if err != nil {
		return models.Result{}, fmt.Errorf("query result: %w", err)
	}
	if err := json.Unmarshal(cardsJSON, &res.Cards); err != nil {
		return models.Result{}, fmt.Errorf("unmarshal cards: %w", err)
	}
	return res, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (models.Job, error) {
	var job models.Job
	var resultID, errorKind, lastError pgtype.Text

	err := row.Scan(&job.ID, &job.Owner, &job.Status, &job.ContentType, &job.InputKey,
		&resultID, &errorKind, &lastError, &job.Attempts, &job.MaxAttempts, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.ResultID = textPtr(resultID)
	job.ErrorKind = textPtr(errorKind)
	job.LastError = textPtr(lastError)
	return job, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
