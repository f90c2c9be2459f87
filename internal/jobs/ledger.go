package jobs

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

var (
	// ErrNotFound is returned when a job id does not exist in the ledger.
	ErrNotFound = errors.New("jobs: job not found")
	// ErrInvalidTransition is returned for backward moves, moves out of a
	// terminal state, or updates that would push progress past the total.
	ErrInvalidTransition = errors.New("jobs: invalid status transition")
	// ErrJobConflict is returned when an active job of the same type already
	// exists for the user.
	ErrJobConflict = errors.New("jobs: active job already exists")
)

// Ledger is the durable record of sync jobs, backed by SQLite.
type Ledger struct {
	DB *sql.DB
}

// OpenLedger opens or creates the job ledger database.
func OpenLedger(dbPath string) (*Ledger, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Ledger{DB: db}, nil
}

// Close closes the database connection.
func (l *Ledger) Close() error {
	return l.DB.Close()
}

// Create inserts a new PENDING job for the user. It does not check for
// existing active jobs; use Enqueue when the one-active-job rule applies.
func (l *Ledger) Create(ctx context.Context, userID string, jobType JobType, meta Metadata) (*SyncJob, error) {
	encoded, err := EncodeMetadata(meta)
	if err != nil {
		return nil, err
	}

	job := &SyncJob{
		ID:        uuid.NewString(),
		UserID:    userID,
		Type:      jobType,
		Status:    StatusPending,
		Metadata:  encoded,
		CreatedAt: time.Now().UTC(),
	}

	_, err = l.DB.ExecContext(ctx, `
		INSERT INTO sync_jobs (id, user_id, job_type, status, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, job.ID, job.UserID, string(job.Type), string(job.Status), job.Metadata, job.CreatedAt.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to insert job: %w", err)
	}

	return job, nil
}

// Enqueue creates a job unless an active one of the same type already exists
// for the user. The second return reports whether a new job was created; when
// false the returned job is the existing active one.
func (l *Ledger) Enqueue(ctx context.Context, userID string, jobType JobType, meta Metadata) (*SyncJob, bool, error) {
	existing, err := l.FindActive(ctx, userID, jobType)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	job, err := l.Create(ctx, userID, jobType, meta)
	if err != nil {
		return nil, false, err
	}
	return job, true, nil
}

// FindActive returns the newest PENDING or RUNNING job of the given type for
// the user, or ErrNotFound.
func (l *Ledger) FindActive(ctx context.Context, userID string, jobType JobType) (*SyncJob, error) {
	row := l.DB.QueryRowContext(ctx, `
		SELECT id, user_id, job_type, status, progress, total_items, error, metadata,
		       created_at, started_at, completed_at
		FROM sync_jobs
		WHERE user_id = ? AND job_type = ? AND status IN ('PENDING', 'RUNNING')
		ORDER BY created_at DESC
		LIMIT 1
	`, userID, string(jobType))

	return scanJob(row)
}

// Get returns a job by id, or ErrNotFound.
func (l *Ledger) Get(ctx context.Context, jobID string) (*SyncJob, error) {
	row := l.DB.QueryRowContext(ctx, `
		SELECT id, user_id, job_type, status, progress, total_items, error, metadata,
		       created_at, started_at, completed_at
		FROM sync_jobs
		WHERE id = ?
	`, jobID)

	return scanJob(row)
}

// TransitionOpts carries the optional fields a transition may update.
type TransitionOpts struct {
	Progress   *int
	TotalItems *int
	Error      *string
}

// Transition moves a job to a new status. Moves are monotonic: PENDING →
// RUNNING → terminal, never backward, never out of a terminal state. Equal-
// rank non-terminal moves (RUNNING → RUNNING) are allowed so progress can be
// updated through the same path.
func (l *Ledger) Transition(ctx context.Context, jobID string, next Status, opts TransitionOpts) (*SyncJob, error) {
	if _, ok := statusRank[next]; !ok {
		return nil, fmt.Errorf("jobs: unknown status %q", next)
	}

	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT id, user_id, job_type, status, progress, total_items, error, metadata,
		       created_at, started_at, completed_at
		FROM sync_jobs
		WHERE id = ?
	`, jobID)
	job, err := scanJob(row)
	if err != nil {
		return nil, err
	}

	if job.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, job.Status)
	}
	if statusRank[next] < statusRank[job.Status] {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, next)
	}

	now := time.Now().UTC()
	if next == StatusRunning && job.StartedAt == nil {
		job.StartedAt = &now
	}
	if next.Terminal() {
		job.CompletedAt = &now
	}

	if opts.Progress != nil {
		job.Progress = opts.Progress
	}
	if opts.TotalItems != nil {
		job.TotalItems = opts.TotalItems
	}
	if opts.Error != nil {
		job.Error = opts.Error
	}

	// A completed job reports full progress unless the caller said otherwise.
	if next == StatusCompleted && opts.Progress == nil && job.TotalItems != nil {
		job.Progress = job.TotalItems
	}

	if job.Progress != nil && job.TotalItems != nil && *job.Progress > *job.TotalItems {
		return nil, fmt.Errorf("%w: progress %d exceeds total %d",
			ErrInvalidTransition, *job.Progress, *job.TotalItems)
	}
	job.Status = next

	_, err = tx.ExecContext(ctx, `
		UPDATE sync_jobs
		SET status = ?, progress = ?, total_items = ?, error = ?,
		    started_at = ?, completed_at = ?
		WHERE id = ?
	`, string(job.Status), nullableInt(job.Progress), nullableInt(job.TotalItems),
		nullableStr(job.Error), nullableTime(job.StartedAt), nullableTime(job.CompletedAt), job.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to update job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transition: %w", err)
	}

	return job, nil
}

// RecentJobs returns the user's newest jobs, most recent first.
func (l *Ledger) RecentJobs(ctx context.Context, userID string, limit int) ([]*SyncJob, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := l.DB.QueryContext(ctx, `
		SELECT id, user_id, job_type, status, progress, total_items, error, metadata,
		       created_at, started_at, completed_at
		FROM sync_jobs
		WHERE user_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*SyncJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// LastCompletedAt returns when the user's most recent COMPLETED job finished,
// or nil if none has.
func (l *Ledger) LastCompletedAt(ctx context.Context, userID string) (*time.Time, error) {
	var completed sql.NullInt64
	err := l.DB.QueryRowContext(ctx, `
		SELECT MAX(completed_at) FROM sync_jobs
		WHERE user_id = ? AND status = 'COMPLETED'
	`, userID).Scan(&completed)
	if err != nil {
		return nil, fmt.Errorf("failed to query last completion: %w", err)
	}
	if !completed.Valid {
		return nil, nil
	}
	t := time.Unix(completed.Int64, 0).UTC()
	return &t, nil
}

// scanner covers both sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*SyncJob, error) {
	var (
		job         SyncJob
		jobType     string
		status      string
		progress    sql.NullInt64
		totalItems  sql.NullInt64
		errMsg      sql.NullString
		createdAt   int64
		startedAt   sql.NullInt64
		completedAt sql.NullInt64
	)

	err := s.Scan(&job.ID, &job.UserID, &jobType, &status, &progress, &totalItems,
		&errMsg, &job.Metadata, &createdAt, &startedAt, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}

	job.Type = JobType(jobType)
	job.Status = Status(status)
	job.CreatedAt = time.Unix(createdAt, 0).UTC()
	if progress.Valid {
		v := int(progress.Int64)
		job.Progress = &v
	}
	if totalItems.Valid {
		v := int(totalItems.Int64)
		job.TotalItems = &v
	}
	if errMsg.Valid {
		job.Error = &errMsg.String
	}
	if startedAt.Valid {
		t := time.Unix(startedAt.Int64, 0).UTC()
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := time.Unix(completedAt.Int64, 0).UTC()
		job.CompletedAt = &t
	}

	return &job, nil
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableStr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableTime(v *time.Time) any {
	if v == nil {
		return nil
	}
	return v.Unix()
}
