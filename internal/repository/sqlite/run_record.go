package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/bigkaa/chankeeper/internal/domain/model"
	"github.com/bigkaa/chankeeper/internal/repository"
)

const runColumns = `id, pass_id, job_name, source_id, trigger_kind, started_at, items_found,
	items_fetched, items_skipped, status, error_message, completed_at`

type runRecordRepo struct {
	db DBTX
}

func (r *runRecordRepo) Create(ctx context.Context, rec *model.RunRecord) (*model.RunRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO run_records (pass_id, job_name, source_id, trigger_kind, started_at, status)
		VALUES (?, ?, ?, ?, ?, 'running')
		RETURNING `+runColumns,
		rec.PassID, rec.JobName, rec.SourceID, string(rec.Trigger), formatTime(rec.StartedAt),
	)
	created, err := scanRun(row)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания записи истории источника %d: %w", rec.SourceID, err)
	}
	return created, nil
}

func (r *runRecordRepo) Finalize(
	ctx context.Context,
	id int64,
	status model.RunStatus,
	res model.FetchResult,
	errMsg *string,
	at time.Time,
) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE run_records
		SET status = ?, items_found = ?, items_fetched = ?, items_skipped = ?,
			error_message = ?, completed_at = ?
		WHERE id = ? AND completed_at IS NULL`,
		string(status), res.ItemsFound, res.ItemsFetched, res.ItemsSkipped, errMsg, formatTime(at), id,
	)
	if err != nil {
		return fmt.Errorf("ошибка финализации записи истории %d: %w", id, err)
	}
	if rowsAffected(result) == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *runRecordRepo) ListBySource(ctx context.Context, sourceID int64, limit int) ([]model.RunRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM run_records
		WHERE source_id = ?
		ORDER BY started_at DESC, id DESC
		LIMIT ?`, sourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения истории источника %d: %w", sourceID, err)
	}
	defer rows.Close()

	var records []model.RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования run_records: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

func scanRun(row scanner) (*model.RunRecord, error) {
	var (
		rec             model.RunRecord
		trigger, status string
		startedAt       string
		errMsg          sql.NullString
		completed       sql.NullString
	)
	err := row.Scan(
		&rec.ID, &rec.PassID, &rec.JobName, &rec.SourceID, &trigger, &startedAt, &rec.ItemsFound,
		&rec.ItemsFetched, &rec.ItemsSkipped, &status, &errMsg, &completed,
	)
	if err != nil {
		return nil, err
	}
	rec.Trigger = model.RunTrigger(trigger)
	rec.Status = model.RunStatus(status)
	if errMsg.Valid {
		msg := errMsg.String
		rec.ErrorMessage = &msg
	}
	if rec.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if rec.CompletedAt, err = parseTimePtr(completed); err != nil {
		return nil, err
	}
	return &rec, nil
}
