package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/chankeeper/internal/domain/model"
)

const runColumns = `id, pass_id, job_name, source_id, trigger_kind, started_at, items_found,
	items_fetched, items_skipped, status, error_message, completed_at`

// runRecordRepo — реализация RunRecordRepository для PostgreSQL.
type runRecordRepo struct {
	db DBTX
}

// NewRunRecordRepository создаёт репозиторий истории запусков.
func NewRunRecordRepository(db DBTX) RunRecordRepository {
	return &runRecordRepo{db: db}
}

// Create создаёт запись со статусом running.
func (r *runRecordRepo) Create(ctx context.Context, rec *model.RunRecord) (*model.RunRecord, error) {
	query := `
		INSERT INTO run_records (pass_id, job_name, source_id, trigger_kind, started_at, status)
		VALUES ($1, $2, $3, $4, $5, 'running')
		RETURNING ` + runColumns

	created := &model.RunRecord{}
	err := scanRun(r.db.QueryRow(ctx, query,
		rec.PassID, rec.JobName, rec.SourceID, string(rec.Trigger), rec.StartedAt,
	), created)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания записи истории источника %d: %w", rec.SourceID, err)
	}
	return created, nil
}

// Finalize финализирует запись ровно один раз.
func (r *runRecordRepo) Finalize(
	ctx context.Context,
	id int64,
	status model.RunStatus,
	res model.FetchResult,
	errMsg *string,
	at time.Time,
) error {
	query := `
		UPDATE run_records
		SET status = $2, items_found = $3, items_fetched = $4, items_skipped = $5,
			error_message = $6, completed_at = $7
		WHERE id = $1 AND completed_at IS NULL`

	tag, err := r.db.Exec(ctx, query,
		id, string(status), res.ItemsFound, res.ItemsFetched, res.ItemsSkipped, errMsg, at,
	)
	if err != nil {
		return fmt.Errorf("ошибка финализации записи истории %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListBySource возвращает последние записи источника.
func (r *runRecordRepo) ListBySource(ctx context.Context, sourceID int64, limit int) ([]model.RunRecord, error) {
	query := `
		SELECT ` + runColumns + `
		FROM run_records
		WHERE source_id = $1
		ORDER BY started_at DESC, id DESC
		LIMIT $2`

	rows, err := r.db.Query(ctx, query, sourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения истории источника %d: %w", sourceID, err)
	}
	defer rows.Close()

	var records []model.RunRecord
	for rows.Next() {
		var rec model.RunRecord
		if err := scanRun(rows, &rec); err != nil {
			return nil, fmt.Errorf("ошибка сканирования run_records: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func scanRun(row pgx.Row, rec *model.RunRecord) error {
	var trigger, status string
	err := row.Scan(
		&rec.ID, &rec.PassID, &rec.JobName, &rec.SourceID, &trigger, &rec.StartedAt, &rec.ItemsFound,
		&rec.ItemsFetched, &rec.ItemsSkipped, &status, &rec.ErrorMessage, &rec.CompletedAt,
	)
	rec.Trigger = model.RunTrigger(trigger)
	rec.Status = model.RunStatus(status)
	return err
}
