package repository

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/chankeeper/internal/domain/model"
)

const queueColumns = `seq, job_name, source_id, requested_by, request_id, enqueued_at`

// triggerQueueRepo — реализация TriggerQueueRepository для PostgreSQL.
type triggerQueueRepo struct {
	db DBTX
	tx *TxRunner
}

// NewTriggerQueueRepository создаёт репозиторий очереди ручных запусков.
// tx используется для Enqueue (вставка и подсчёт позиции в одной транзакции).
func NewTriggerQueueRepository(db DBTX, tx *TxRunner) TriggerQueueRepository {
	return &triggerQueueRepo{db: db, tx: tx}
}

// Enqueue добавляет запись и вычисляет её позицию.
func (r *triggerQueueRepo) Enqueue(ctx context.Context, entry *model.QueueEntry) (*model.QueueEntry, int, error) {
	var (
		saved    model.QueueEntry
		position int
	)

	err := r.tx.RunInTx(ctx, func(tx pgx.Tx) error {
		insert := `
			INSERT INTO trigger_queue (job_name, source_id, requested_by, request_id, enqueued_at)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING ` + queueColumns

		row := tx.QueryRow(ctx, insert,
			entry.JobName, entry.SourceID, entry.RequestedBy, entry.RequestID, entry.EnqueuedAt,
		)
		if err := scanQueueEntry(row, &saved); err != nil {
			return fmt.Errorf("ошибка вставки в trigger_queue: %w", err)
		}

		count := `SELECT COUNT(*) FROM trigger_queue WHERE job_name = $1 AND seq <= $2`
		if err := tx.QueryRow(ctx, count, saved.JobName, saved.Seq).Scan(&position); err != nil {
			return fmt.Errorf("ошибка подсчёта позиции в trigger_queue: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return &saved, position, nil
}

// List возвращает записи очереди в порядке вставки.
func (r *triggerQueueRepo) List(ctx context.Context, jobName string) ([]model.QueueEntry, error) {
	query := `SELECT ` + queueColumns + ` FROM trigger_queue WHERE job_name = $1 ORDER BY seq`
	rows, err := r.db.Query(ctx, query, jobName)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения trigger_queue: %w", err)
	}
	return collectQueue(rows)
}

// Count возвращает длину очереди.
func (r *triggerQueueRepo) Count(ctx context.Context, jobName string) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM trigger_queue WHERE job_name = $1`, jobName).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("ошибка подсчёта trigger_queue: %w", err)
	}
	return n, nil
}

// DeleteOlderThan удаляет устаревшие записи.
func (r *triggerQueueRepo) DeleteOlderThan(ctx context.Context, jobName string, cutoff time.Time) ([]model.QueueEntry, error) {
	query := `
		DELETE FROM trigger_queue
		WHERE job_name = $1 AND enqueued_at < $2
		RETURNING ` + queueColumns

	rows, err := r.db.Query(ctx, query, jobName, cutoff)
	if err != nil {
		return nil, fmt.Errorf("ошибка удаления устаревших записей trigger_queue: %w", err)
	}
	return collectQueue(rows)
}

// TakeAll забирает всю очередь одним DELETE ... RETURNING.
func (r *triggerQueueRepo) TakeAll(ctx context.Context, jobName string) ([]model.QueueEntry, error) {
	query := `DELETE FROM trigger_queue WHERE job_name = $1 RETURNING ` + queueColumns

	rows, err := r.db.Query(ctx, query, jobName)
	if err != nil {
		return nil, fmt.Errorf("ошибка выборки trigger_queue: %w", err)
	}
	return collectQueue(rows)
}

// scanQueueEntry сканирует одну запись очереди.
func scanQueueEntry(row pgx.Row, e *model.QueueEntry) error {
	return row.Scan(&e.Seq, &e.JobName, &e.SourceID, &e.RequestedBy, &e.RequestID, &e.EnqueuedAt)
}

// collectQueue читает записи и упорядочивает их по seq
// (порядок RETURNING не гарантирован).
func collectQueue(rows pgx.Rows) ([]model.QueueEntry, error) {
	defer rows.Close()

	var entries []model.QueueEntry
	for rows.Next() {
		var e model.QueueEntry
		if err := scanQueueEntry(rows, &e); err != nil {
			return nil, fmt.Errorf("ошибка сканирования trigger_queue: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
	return entries, nil
}
