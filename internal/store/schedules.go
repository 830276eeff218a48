package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Schedule is a recurring job template. The scheduler only reads and advances
// it; creation and editing belong to the admin surface.
type Schedule struct {
	ID              string     `json:"id"`
	Description     string     `json:"description"`
	NaturalSchedule string     `json:"natural_schedule"`
	ParsedCron      string     `json:"parsed_cron"`
	Prompt          string     `json:"prompt"`
	Enabled         bool       `json:"enabled"`
	LastRunAt       *time.Time `json:"last_run_at,omitempty"`
	NextRunAt       time.Time  `json:"next_run_at"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

const scheduleColumns = `id, description, natural_schedule, parsed_cron, prompt, enabled, last_run_at, next_run_at, created_at, updated_at`

func scanSchedule(row rowScanner) (*Schedule, error) {
	var (
		sc        Schedule
		enabled   int
		lastRunAt sql.NullInt64
		nextRunAt int64
		createdAt int64
		updatedAt int64
	)
	err := row.Scan(
		&sc.ID, &sc.Description, &sc.NaturalSchedule, &sc.ParsedCron, &sc.Prompt,
		&enabled, &lastRunAt, &nextRunAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	sc.Enabled = enabled != 0
	if lastRunAt.Valid {
		t := fromMillis(lastRunAt.Int64)
		sc.LastRunAt = &t
	}
	sc.NextRunAt = fromMillis(nextRunAt)
	sc.CreatedAt = fromMillis(createdAt)
	sc.UpdatedAt = fromMillis(updatedAt)
	return &sc, nil
}

// ScheduleParams holds the caller-supplied fields for CreateSchedule.
type ScheduleParams struct {
	Description     string
	NaturalSchedule string
	ParsedCron      string
	Prompt          string
	Enabled         bool
	NextRunAt       time.Time
}

// CreateSchedule inserts a new schedule and returns the full row.
func (s *Store) CreateSchedule(ctx context.Context, p ScheduleParams) (*Schedule, error) {
	if strings.TrimSpace(p.ParsedCron) == "" {
		return nil, storageErr("create schedule", errors.New("parsed_cron is required"))
	}

	now := time.Now()
	sc := &Schedule{
		ID:              uuid.NewString(),
		Description:     p.Description,
		NaturalSchedule: p.NaturalSchedule,
		ParsedCron:      p.ParsedCron,
		Prompt:          p.Prompt,
		Enabled:         p.Enabled,
		NextRunAt:       p.NextRunAt,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	enabled := 0
	if p.Enabled {
		enabled = 1
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedules (id, description, natural_schedule, parsed_cron, prompt, enabled, next_run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sc.ID, sc.Description, sc.NaturalSchedule, sc.ParsedCron, sc.Prompt,
		enabled, millis(sc.NextRunAt), millis(now), millis(now),
	)
	if err != nil {
		return nil, storageErr("create schedule", err)
	}
	return sc, nil
}

// GetSchedule returns a schedule by id.
func (s *Store) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	sc, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get schedule", err)
	}
	return sc, nil
}

// ListSchedules returns every schedule in insertion order.
func (s *Store) ListSchedules(ctx context.Context) ([]*Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+scheduleColumns+` FROM schedules
		ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, storageErr("list schedules", err)
	}
	defer rows.Close()
	return collectSchedules(rows, "list schedules")
}

// DueSchedules returns enabled schedules whose next fire time has passed,
// in insertion order with ties broken by id.
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]*Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+scheduleColumns+` FROM schedules
		WHERE enabled = 1 AND next_run_at <= ?
		ORDER BY created_at ASC, id ASC`,
		millis(now),
	)
	if err != nil {
		return nil, storageErr("due schedules", err)
	}
	defer rows.Close()
	return collectSchedules(rows, "due schedules")
}

// AdvanceSchedule records a firing: both timestamps move atomically.
func (s *Store) AdvanceSchedule(ctx context.Context, id string, nextRunAt, lastRunAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET next_run_at = ?, last_run_at = ?, updated_at = ?
		WHERE id = ?`,
		millis(nextRunAt), millis(lastRunAt), millis(time.Now()), id,
	)
	if err != nil {
		return storageErr("advance schedule", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("advance schedule", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetScheduleEnabled toggles a schedule, optionally overriding its next fire
// time in the same write. A nil nextRunAt leaves the fire time unchanged.
func (s *Store) SetScheduleEnabled(ctx context.Context, id string, enabled bool, nextRunAt *time.Time) error {
	flag := 0
	if enabled {
		flag = 1
	}

	var (
		res sql.Result
		err error
	)
	if nextRunAt != nil {
		res, err = s.db.ExecContext(ctx, `
			UPDATE schedules SET enabled = ?, next_run_at = ?, updated_at = ?
			WHERE id = ?`,
			flag, millis(*nextRunAt), millis(time.Now()), id,
		)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE schedules SET enabled = ?, updated_at = ?
			WHERE id = ?`,
			flag, millis(time.Now()), id,
		)
	}
	if err != nil {
		return storageErr("set schedule enabled", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("set schedule enabled", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSchedule removes a schedule. Jobs it produced keep their history with
// the reference cleared by the foreign key.
func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return storageErr("delete schedule", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("delete schedule", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func collectSchedules(rows *sql.Rows, op string) ([]*Schedule, error) {
	var schedules []*Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, storageErr(op, err)
		}
		schedules = append(schedules, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(op, err)
	}
	return schedules, nil
}
