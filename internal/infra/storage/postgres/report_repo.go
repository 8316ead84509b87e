package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/autofollow/internal/core/domain"
	"github.com/vietddude/autofollow/internal/infra/storage"
)

// ReportRepo implements storage.ReportRepository using PostgreSQL.
type ReportRepo struct {
	db *DB
}

var _ storage.ReportRepository = (*ReportRepo)(nil)

// NewReportRepo creates a new PostgreSQL report repository.
func NewReportRepo(db *DB) *ReportRepo {
	return &ReportRepo{db: db}
}

// Save writes the batch row and one row per account run in a transaction.
func (r *ReportRepo) Save(ctx context.Context, report *domain.BatchReport) error {
	blob, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO batch_reports (id, order_id, dry_run, requested, succeeded, failed, cancelled,
			engine_cycles, aborted, started_at, duration_ms, report)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			succeeded = EXCLUDED.succeeded,
			failed = EXCLUDED.failed,
			cancelled = EXCLUDED.cancelled,
			engine_cycles = EXCLUDED.engine_cycles,
			aborted = EXCLUDED.aborted,
			duration_ms = EXCLUDED.duration_ms,
			report = EXCLUDED.report
	`
	_, err = tx.ExecContext(ctx, query,
		report.ID,
		report.OrderID,
		report.DryRun,
		report.Counts.Requested,
		report.Counts.Succeeded,
		report.Counts.Failed,
		report.Counts.Cancelled,
		report.EngineCycles,
		report.Aborted,
		report.StartedAt,
		report.DurationMS,
		blob,
	)
	if err != nil {
		return fmt.Errorf("failed to save batch report: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM run_reports WHERE batch_id = $1`, report.ID); err != nil {
		return fmt.Errorf("failed to reset run reports: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO run_reports (batch_id, position, account, status, final_state, failed_step, error_kind, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, run := range report.Runs {
		if run == nil {
			continue
		}
		kind := ""
		if run.Error != nil {
			kind = run.Error.Kind
		}
		_, err := stmt.ExecContext(ctx,
			report.ID,
			i,
			run.Account,
			string(run.Status),
			string(run.FinalState),
			string(run.FailedStep),
			kind,
			run.DurationMS,
		)
		if err != nil {
			return fmt.Errorf("failed to save run report %s: %w", run.Account, err)
		}
	}

	return tx.Commit()
}

// Get retrieves a batch report by id.
func (r *ReportRepo) Get(ctx context.Context, id string) (*domain.BatchReport, error) {
	var blob []byte
	err := r.db.GetContext(ctx, &blob, `SELECT report FROM batch_reports WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrReportNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get report: %w", err)
	}
	return decodeReport(blob)
}

// ListRecent returns the newest reports first.
func (r *ReportRepo) ListRecent(ctx context.Context, limit int) ([]*domain.BatchReport, error) {
	if limit <= 0 {
		limit = 20
	}
	var blobs [][]byte
	err := r.db.SelectContext(ctx, &blobs,
		`SELECT report FROM batch_reports ORDER BY started_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}

	out := make([]*domain.BatchReport, 0, len(blobs))
	for _, blob := range blobs {
		rep, err := decodeReport(blob)
		if err != nil {
			return nil, err
		}
		out = append(out, rep)
	}
	return out, nil
}

// DeleteOlderThan removes reports started before the threshold. Run rows go
// with them through the foreign key cascade.
func (r *ReportRepo) DeleteOlderThan(ctx context.Context, before time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM batch_reports WHERE started_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune reports: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to prune reports: %w", err)
	}
	return int(n), nil
}

func decodeReport(blob []byte) (*domain.BatchReport, error) {
	var rep domain.BatchReport
	if err := json.Unmarshal(blob, &rep); err != nil {
		return nil, fmt.Errorf("failed to decode report: %w", err)
	}
	return &rep, nil
}
