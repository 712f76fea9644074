package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mkdryden/dropbot-dx-plugin/internal/step"
)

// StepRecord is one stored per-step settings row.
type StepRecord struct {
	Protocol   string
	StepNumber int
	Options    step.Options
	UpdatedAt  time.Time
}

type StepOptionsRepo struct {
	db *sql.DB
}

func NewStepOptionsRepo(db *sql.DB) *StepOptionsRepo {
	return &StepOptionsRepo{db: db}
}

func (r *StepOptionsRepo) Upsert(ctx context.Context, protocol string, stepNumber int, opts step.Options) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO step_options(protocol, step_number, magnet_engaged, dstat_enabled, updated_at)
		VALUES(?, ?, ?, ?, ?)
		ON CONFLICT(protocol, step_number) DO UPDATE SET
			magnet_engaged = excluded.magnet_engaged,
			dstat_enabled = excluded.dstat_enabled,
			updated_at = excluded.updated_at
	`, protocol, stepNumber, boolToInt(opts.MagnetEngaged), boolToInt(opts.DstatEnabled), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert step options: %w", err)
	}
	return nil
}

// Get returns the stored options for one step. A step that was never saved
// gets the zero options: magnet up, no acquisition.
func (r *StepOptionsRepo) Get(ctx context.Context, protocol string, stepNumber int) (step.Options, error) {
	var magnet, dstat int
	err := r.db.QueryRowContext(ctx, `
		SELECT magnet_engaged, dstat_enabled
		FROM step_options
		WHERE protocol = ? AND step_number = ?
	`, protocol, stepNumber).Scan(&magnet, &dstat)
	if errors.Is(err, sql.ErrNoRows) {
		return step.Options{}, nil
	}
	if err != nil {
		return step.Options{}, fmt.Errorf("get step options: %w", err)
	}

	return step.Options{MagnetEngaged: magnet != 0, DstatEnabled: dstat != 0}, nil
}

func (r *StepOptionsRepo) List(ctx context.Context, protocol string) ([]StepRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT protocol, step_number, magnet_engaged, dstat_enabled, updated_at
		FROM step_options
		WHERE protocol = ?
		ORDER BY step_number ASC
	`, protocol)
	if err != nil {
		return nil, fmt.Errorf("list step options: %w", err)
	}
	defer rows.Close()

	out := make([]StepRecord, 0)
	for rows.Next() {
		var (
			rec           StepRecord
			magnet, dstat int
			updatedMs     int64
		)
		if err := rows.Scan(&rec.Protocol, &rec.StepNumber, &magnet, &dstat, &updatedMs); err != nil {
			return nil, fmt.Errorf("scan step options: %w", err)
		}
		rec.Options = step.Options{MagnetEngaged: magnet != 0, DstatEnabled: dstat != 0}
		rec.UpdatedAt = storedTime(updatedMs)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate step options: %w", err)
	}
	return out, nil
}

func (r *StepOptionsRepo) Delete(ctx context.Context, protocol string, stepNumber int) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM step_options WHERE protocol = ? AND step_number = ?
	`, protocol, stepNumber)
	if err != nil {
		return fmt.Errorf("delete step options: %w", err)
	}
	return nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

// storedTime converts a persisted millisecond timestamp; non-positive values
// read back as the zero time.
func storedTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
