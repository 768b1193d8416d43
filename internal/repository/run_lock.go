package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/chankeeper/internal/domain/model"
)

// runLockRepo — реализация RunLockRepository для PostgreSQL.
type runLockRepo struct {
	db DBTX
}

// NewRunLockRepository создаёт репозиторий блокировок задач.
func NewRunLockRepository(db DBTX) RunLockRepository {
	return &runLockRepo{db: db}
}

// TryAcquire захватывает блокировку одним условным upsert.
// Строка конфликта обновляется только при held = FALSE, поэтому
// из конкурирующих вызовов RETURNING получает ровно один.
func (r *runLockRepo) TryAcquire(ctx context.Context, jobName, holder string, now time.Time) (bool, error) {
	query := `
		INSERT INTO run_locks (job_name, held, acquired_at, last_run_at, holder, updated_at)
		VALUES ($1, TRUE, $2, $2, $3, $2)
		ON CONFLICT (job_name) DO UPDATE
		SET held = TRUE,
			acquired_at = EXCLUDED.acquired_at,
			last_run_at = EXCLUDED.last_run_at,
			holder = EXCLUDED.holder,
			updated_at = EXCLUDED.updated_at
		WHERE run_locks.held = FALSE
		RETURNING job_name`

	var got string
	err := r.db.QueryRow(ctx, query, jobName, now, holder).Scan(&got)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("ошибка захвата блокировки %s: %w", jobName, err)
	}
	return true, nil
}

// Release снимает блокировку.
func (r *runLockRepo) Release(ctx context.Context, jobName string, now time.Time) error {
	query := `
		UPDATE run_locks
		SET held = FALSE, holder = '', updated_at = $2
		WHERE job_name = $1`

	if _, err := r.db.Exec(ctx, query, jobName, now); err != nil {
		return fmt.Errorf("ошибка снятия блокировки %s: %w", jobName, err)
	}
	return nil
}

// Get возвращает состояние блокировки.
func (r *runLockRepo) Get(ctx context.Context, jobName string) (*model.RunLockState, error) {
	query := `
		SELECT job_name, held, acquired_at, last_run_at, holder
		FROM run_locks
		WHERE job_name = $1`

	s := &model.RunLockState{}
	err := r.db.QueryRow(ctx, query, jobName).Scan(
		&s.JobName, &s.Held, &s.AcquiredAt, &s.LastRunAt, &s.Holder,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения блокировки %s: %w", jobName, err)
	}
	return s, nil
}

// ReleaseStale снимает брошенные блокировки.
func (r *runLockRepo) ReleaseStale(ctx context.Context, cutoff, now time.Time) ([]string, error) {
	query := `
		UPDATE run_locks
		SET held = FALSE, holder = '', updated_at = $2
		WHERE held = TRUE AND (last_run_at IS NULL OR last_run_at < $1)
		RETURNING job_name`

	rows, err := r.db.Query(ctx, query, cutoff, now)
	if err != nil {
		return nil, fmt.Errorf("ошибка снятия брошенных блокировок: %w", err)
	}
	defer rows.Close()

	var jobs []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("ошибка сканирования run_locks: %w", err)
		}
		jobs = append(jobs, name)
	}
	return jobs, rows.Err()
}
