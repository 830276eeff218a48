package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// JobType distinguishes persisted background work from transient replies.
// Only task jobs are ever written to the queue.
type JobType string

const (
	TypeTask  JobType = "task"
	TypeQuick JobType = "quick"
)

// JobStatus values advance only along pending → running → completed|failed.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
)

// Job is a persisted unit of work.
type Job struct {
	ID         string    `json:"id"`
	Type       JobType   `json:"type"`
	Status     JobStatus `json:"status"`
	Input      string    `json:"input"`
	Output     string    `json:"output,omitempty"`
	ChatID     string    `json:"chat_id"`
	ScheduleID string    `json:"schedule_id,omitempty"`
	Delivered  bool      `json:"delivered"`
	RetryCount int       `json:"retry_count"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

const jobColumns = `id, type, status, input, output, chat_id, schedule_id, delivered, retry_count, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j          Job
		output     sql.NullString
		scheduleID sql.NullString
		delivered  int
		createdAt  int64
		updatedAt  int64
	)
	err := row.Scan(
		&j.ID, &j.Type, &j.Status, &j.Input, &output, &j.ChatID,
		&scheduleID, &delivered, &j.RetryCount, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	j.Output = output.String
	j.ScheduleID = scheduleID.String
	j.Delivered = delivered != 0
	j.CreatedAt = fromMillis(createdAt)
	j.UpdatedAt = fromMillis(updatedAt)
	return &j, nil
}

// CreateJob inserts a new pending job and returns the full row.
// scheduleID may be empty for user-requested jobs.
func (s *Store) CreateJob(ctx context.Context, typ JobType, input, chatID, scheduleID string) (*Job, error) {
	now := time.Now()
	j := &Job{
		ID:         uuid.NewString(),
		Type:       typ,
		Status:     StatusPending,
		Input:      input,
		ChatID:     chatID,
		ScheduleID: scheduleID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	var schedID any
	if scheduleID != "" {
		schedID = scheduleID
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, type, status, input, chat_id, schedule_id, delivered, retry_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, 0, ?, ?)`,
		j.ID, j.Type, j.Status, j.Input, j.ChatID, schedID, millis(now), millis(now),
	)
	if err != nil {
		return nil, storageErr("create job", err)
	}
	return j, nil
}

// GetJob returns a read-only snapshot of the job.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get job", err)
	}
	return j, nil
}

// ResolveJobID finds the job whose id equals or starts with prefix within the
// given chat. A prefix matching more than one job yields ErrAmbiguousID.
func (s *Store) ResolveJobID(ctx context.Context, chatID, prefix string) (*Job, error) {
	if prefix == "" {
		return nil, ErrNotFound
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE chat_id = ? AND id LIKE ? || '%'
		LIMIT 2`,
		chatID, prefix,
	)
	if err != nil {
		return nil, storageErr("resolve job id", err)
	}
	defer rows.Close()

	var matches []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, storageErr("resolve job id", err)
		}
		matches = append(matches, j)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("resolve job id", err)
	}

	switch len(matches) {
	case 0:
		return nil, ErrNotFound
	case 1:
		return matches[0], nil
	default:
		return nil, ErrAmbiguousID
	}
}

// ListJobsByChat returns the chat's most recent jobs, newest first.
func (s *Store) ListJobsByChat(ctx context.Context, chatID string, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE chat_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`,
		chatID, limit,
	)
	if err != nil {
		return nil, storageErr("list jobs", err)
	}
	defer rows.Close()
	return collectJobs(rows, "list jobs")
}

// CountJobsByChat returns the total number of jobs for the chat.
func (s *Store) CountJobsByChat(ctx context.Context, chatID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE chat_id = ?`, chatID).Scan(&n)
	if err != nil {
		return 0, storageErr("count jobs", err)
	}
	return n, nil
}

// ClaimNextPending atomically transitions the oldest pending job to running
// and returns it. The conditional update guarantees a job is handed to at most
// one caller; losing the race reads as an empty queue.
func (s *Store) ClaimNextPending(ctx context.Context) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("claim job", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = ?
		ORDER BY created_at ASC, id ASC
		LIMIT 1`,
		StatusPending,
	)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoPending
	}
	if err != nil {
		return nil, storageErr("claim job", err)
	}

	now := time.Now()
	res, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		StatusRunning, millis(now), j.ID, StatusPending,
	)
	if err != nil {
		return nil, storageErr("claim job", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, storageErr("claim job", err)
	} else if n == 0 {
		// Another claimant won between select and update.
		return nil, ErrNoPending
	}

	if err := tx.Commit(); err != nil {
		return nil, storageErr("claim job", err)
	}

	j.Status = StatusRunning
	j.UpdatedAt = now
	return j, nil
}

// CompleteJob transitions a running job to completed with its output.
// A job not in running state is left untouched.
func (s *Store) CompleteJob(ctx context.Context, id, output string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, output = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		StatusCompleted, output, millis(time.Now()), id, StatusRunning,
	)
	if err != nil {
		return storageErr("complete job", err)
	}
	return nil
}

// FailJob transitions a non-terminal job to failed, recording the reason in
// output. incrementRetry bumps the retry counter for reconciliation paths.
func (s *Store) FailJob(ctx context.Context, id, reason string, incrementRetry bool) error {
	bump := 0
	if incrementRetry {
		bump = 1
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, output = ?, retry_count = retry_count + ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		StatusFailed, reason, bump, millis(time.Now()), id, StatusPending, StatusRunning,
	)
	if err != nil {
		return storageErr("fail job", err)
	}
	return nil
}

// CancelJob transitions a pending or running job to failed with a cancel
// reason. Terminal jobs yield ErrNotCancelable.
func (s *Store) CancelJob(ctx context.Context, id, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, output = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		StatusFailed, reason, millis(time.Now()), id, StatusPending, StatusRunning,
	)
	if err != nil {
		return storageErr("cancel job", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("cancel job", err)
	}
	if n == 0 {
		if _, err := s.GetJob(ctx, id); err != nil {
			return err
		}
		return ErrNotCancelable
	}
	return nil
}

// MarkDelivered flags a terminal job's result as sent to the chat.
// Applying it twice is equivalent to applying it once.
func (s *Store) MarkDelivered(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET delivered = 1, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		millis(time.Now()), id, StatusCompleted, StatusFailed,
	)
	if err != nil {
		return storageErr("mark delivered", err)
	}
	return nil
}

// ListUndelivered returns terminal jobs whose result never reached the chat,
// oldest first. The worker drains this set on startup.
func (s *Store) ListUndelivered(ctx context.Context) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE delivered = 0 AND status IN (?, ?)
		ORDER BY created_at ASC, id ASC`,
		StatusCompleted, StatusFailed,
	)
	if err != nil {
		return nil, storageErr("list undelivered", err)
	}
	defer rows.Close()
	return collectJobs(rows, "list undelivered")
}

// RequeueStuck moves running jobs that have not been touched within olderThan
// back to pending with a retry bump. Only a worker that demonstrably died can
// leave such rows behind, so the single-flight guarantee holds.
func (s *Store) RequeueStuck(ctx context.Context, olderThan time.Duration) (int, error) {
	now := time.Now()
	cutoff := now.Add(-olderThan)
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, retry_count = retry_count + 1, updated_at = ?
		WHERE status = ? AND updated_at <= ?`,
		StatusPending, millis(now), StatusRunning, millis(cutoff),
	)
	if err != nil {
		return 0, storageErr("requeue stuck", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("requeue stuck", err)
	}
	return int(n), nil
}

func collectJobs(rows *sql.Rows, op string) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, storageErr(op, err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(op, err)
	}
	return jobs, nil
}
