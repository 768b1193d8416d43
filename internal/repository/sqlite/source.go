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

const sourceColumns = `id, name, url, item_cap, enabled, last_checked_at, created_at`

type sourceRepo struct {
	db DBTX
}

func (r *sourceRepo) Create(ctx context.Context, s *model.Source) (*model.Source, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO sources (name, url, item_cap, enabled, created_at)
		VALUES (?, ?, ?, ?, ?)
		RETURNING `+sourceColumns,
		s.Name, s.URL, s.Cap, s.Enabled, formatTime(time.Now()),
	)
	created, err := scanSource(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, repository.ErrConflict
		}
		return nil, fmt.Errorf("ошибка создания источника: %w", err)
	}
	return created, nil
}

func (r *sourceRepo) Get(ctx context.Context, id int64) (*model.Source, error) {
	s, err := scanSource(r.db.QueryRowContext(ctx, `SELECT `+sourceColumns+` FROM sources WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения источника %d: %w", id, err)
	}
	return s, nil
}

func (r *sourceRepo) List(ctx context.Context) ([]model.Source, error) {
	return r.list(ctx, `SELECT `+sourceColumns+` FROM sources ORDER BY id`)
}

func (r *sourceRepo) ListEnabled(ctx context.Context) ([]model.Source, error) {
	return r.list(ctx, `SELECT `+sourceColumns+` FROM sources WHERE enabled = 1 ORDER BY id`)
}

func (r *sourceRepo) list(ctx context.Context, query string) ([]model.Source, error) {
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка источников: %w", err)
	}
	defer rows.Close()

	var sources []model.Source
	for rows.Next() {
		s, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования sources: %w", err)
		}
		sources = append(sources, *s)
	}
	return sources, rows.Err()
}

func (r *sourceRepo) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	res, err := r.db.ExecContext(ctx, `UPDATE sources SET enabled = ? WHERE id = ?`, enabled, id)
	if err != nil {
		return fmt.Errorf("ошибка обновления источника %d: %w", id, err)
	}
	if rowsAffected(res) == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *sourceRepo) TouchChecked(ctx context.Context, id int64, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE sources SET last_checked_at = ? WHERE id = ?`, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("ошибка обновления last_checked_at источника %d: %w", id, err)
	}
	if rowsAffected(res) == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func scanSource(row scanner) (*model.Source, error) {
	var (
		s         model.Source
		checked   sql.NullString
		createdAt string
	)
	if err := row.Scan(&s.ID, &s.Name, &s.URL, &s.Cap, &s.Enabled, &checked, &createdAt); err != nil {
		return nil, err
	}
	var err error
	if s.LastCheckedAt, err = parseTimePtr(checked); err != nil {
		return nil, err
	}
	if s.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &s, nil
}
