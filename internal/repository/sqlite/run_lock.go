package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bigkaa/chankeeper/internal/domain/model"
	"github.com/bigkaa/chankeeper/internal/repository"
)

type runLockRepo struct {
	db DBTX
}

// TryAcquire — условный upsert; при held = 1 строка не возвращается.
func (r *runLockRepo) TryAcquire(ctx context.Context, jobName, holder string, now time.Time) (bool, error) {
	query := `
		INSERT INTO run_locks (job_name, held, acquired_at, last_run_at, holder, updated_at)
		VALUES (?1, 1, ?2, ?2, ?3, ?2)
		ON CONFLICT (job_name) DO UPDATE
		SET held = 1,
			acquired_at = excluded.acquired_at,
			last_run_at = excluded.last_run_at,
			holder = excluded.holder,
			updated_at = excluded.updated_at
		WHERE run_locks.held = 0
		RETURNING job_name`

	var got string
	err := r.db.QueryRowContext(ctx, query, jobName, formatTime(now), holder).Scan(&got)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("ошибка захвата блокировки %s: %w", jobName, err)
	}
	return true, nil
}

func (r *runLockRepo) Release(ctx context.Context, jobName string, now time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE run_locks SET held = 0, holder = '', updated_at = ? WHERE job_name = ?`,
		formatTime(now), jobName)
	if err != nil {
		return fmt.Errorf("ошибка снятия блокировки %s: %w", jobName, err)
	}
	return nil
}

func (r *runLockRepo) Get(ctx context.Context, jobName string) (*model.RunLockState, error) {
	var (
		s                 model.RunLockState
		acquired, lastRun sql.NullString
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT job_name, held, acquired_at, last_run_at, holder FROM run_locks WHERE job_name = ?`,
		jobName,
	).Scan(&s.JobName, &s.Held, &acquired, &lastRun, &s.Holder)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения блокировки %s: %w", jobName, err)
	}
	if s.AcquiredAt, err = parseTimePtr(acquired); err != nil {
		return nil, err
	}
	if s.LastRunAt, err = parseTimePtr(lastRun); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *runLockRepo) ReleaseStale(ctx context.Context, cutoff, now time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE run_locks
		SET held = 0, holder = '', updated_at = ?
		WHERE held = 1 AND (last_run_at IS NULL OR last_run_at < ?)
		RETURNING job_name`, formatTime(now), formatTime(cutoff))
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
