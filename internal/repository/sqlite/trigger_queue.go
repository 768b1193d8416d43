package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/bigkaa/chankeeper/internal/domain/model"
)

const queueColumns = `seq, job_name, source_id, requested_by, request_id, enqueued_at`

type triggerQueueRepo struct {
	db *sql.DB
}

func (r *triggerQueueRepo) Enqueue(ctx context.Context, entry *model.QueueEntry) (*model.QueueEntry, int, error) {
	var (
		saved    *model.QueueEntry
		position int
	)

	err := runInTx(ctx, r.db, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			INSERT INTO trigger_queue (job_name, source_id, requested_by, request_id, enqueued_at)
			VALUES (?, ?, ?, ?, ?)
			RETURNING `+queueColumns,
			entry.JobName, entry.SourceID, entry.RequestedBy, entry.RequestID, formatTime(entry.EnqueuedAt),
		)
		var err error
		if saved, err = scanQueueEntry(row); err != nil {
			return fmt.Errorf("ошибка вставки в trigger_queue: %w", err)
		}

		err = tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM trigger_queue WHERE job_name = ? AND seq <= ?`,
			saved.JobName, saved.Seq,
		).Scan(&position)
		if err != nil {
			return fmt.Errorf("ошибка подсчёта позиции в trigger_queue: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return saved, position, nil
}

func (r *triggerQueueRepo) List(ctx context.Context, jobName string) ([]model.QueueEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+queueColumns+` FROM trigger_queue WHERE job_name = ? ORDER BY seq`, jobName)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения trigger_queue: %w", err)
	}
	return collectQueue(rows)
}

func (r *triggerQueueRepo) Count(ctx context.Context, jobName string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM trigger_queue WHERE job_name = ?`, jobName).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("ошибка подсчёта trigger_queue: %w", err)
	}
	return n, nil
}

func (r *triggerQueueRepo) DeleteOlderThan(ctx context.Context, jobName string, cutoff time.Time) ([]model.QueueEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		DELETE FROM trigger_queue
		WHERE job_name = ? AND enqueued_at < ?
		RETURNING `+queueColumns, jobName, formatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("ошибка удаления устаревших записей trigger_queue: %w", err)
	}
	return collectQueue(rows)
}

func (r *triggerQueueRepo) TakeAll(ctx context.Context, jobName string) ([]model.QueueEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`DELETE FROM trigger_queue WHERE job_name = ? RETURNING `+queueColumns, jobName)
	if err != nil {
		return nil, fmt.Errorf("ошибка выборки trigger_queue: %w", err)
	}
	return collectQueue(rows)
}

func scanQueueEntry(row scanner) (*model.QueueEntry, error) {
	var (
		e        model.QueueEntry
		enqueued string
	)
	if err := row.Scan(&e.Seq, &e.JobName, &e.SourceID, &e.RequestedBy, &e.RequestID, &enqueued); err != nil {
		return nil, err
	}
	t, err := parseTime(enqueued)
	if err != nil {
		return nil, err
	}
	e.EnqueuedAt = t
	return &e, nil
}

func collectQueue(rows *sql.Rows) ([]model.QueueEntry, error) {
	defer rows.Close()

	var entries []model.QueueEntry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования trigger_queue: %w", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
	return entries, nil
}
