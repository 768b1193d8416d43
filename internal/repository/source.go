package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/chankeeper/internal/domain/model"
)

const sourceColumns = `id, name, url, item_cap, enabled, last_checked_at, created_at`

// sourceRepo — реализация SourceRepository для PostgreSQL.
type sourceRepo struct {
	db DBTX
}

// NewSourceRepository создаёт репозиторий источников.
func NewSourceRepository(db DBTX) SourceRepository {
	return &sourceRepo{db: db}
}

// Create регистрирует источник.
func (r *sourceRepo) Create(ctx context.Context, s *model.Source) (*model.Source, error) {
	query := `
		INSERT INTO sources (name, url, item_cap, enabled)
		VALUES ($1, $2, $3, $4)
		RETURNING ` + sourceColumns

	created := &model.Source{}
	err := scanSource(r.db.QueryRow(ctx, query, s.Name, s.URL, s.Cap, s.Enabled), created)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("ошибка создания источника: %w", err)
	}
	return created, nil
}

// Get возвращает источник по ID.
func (r *sourceRepo) Get(ctx context.Context, id int64) (*model.Source, error) {
	query := `SELECT ` + sourceColumns + ` FROM sources WHERE id = $1`

	s := &model.Source{}
	if err := scanSource(r.db.QueryRow(ctx, query, id), s); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения источника %d: %w", id, err)
	}
	return s, nil
}

// List возвращает все источники.
func (r *sourceRepo) List(ctx context.Context) ([]model.Source, error) {
	return r.list(ctx, `SELECT `+sourceColumns+` FROM sources ORDER BY id`)
}

// ListEnabled возвращает включённые источники.
func (r *sourceRepo) ListEnabled(ctx context.Context) ([]model.Source, error) {
	return r.list(ctx, `SELECT `+sourceColumns+` FROM sources WHERE enabled = TRUE ORDER BY id`)
}

func (r *sourceRepo) list(ctx context.Context, query string) ([]model.Source, error) {
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка источников: %w", err)
	}
	defer rows.Close()

	var sources []model.Source
	for rows.Next() {
		var s model.Source
		if err := scanSource(rows, &s); err != nil {
			return nil, fmt.Errorf("ошибка сканирования sources: %w", err)
		}
		sources = append(sources, s)
	}
	return sources, rows.Err()
}

// SetEnabled включает или выключает источник.
func (r *sourceRepo) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	tag, err := r.db.Exec(ctx, `UPDATE sources SET enabled = $2 WHERE id = $1`, id, enabled)
	if err != nil {
		return fmt.Errorf("ошибка обновления источника %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchChecked проставляет время последней попытки загрузки.
func (r *sourceRepo) TouchChecked(ctx context.Context, id int64, at time.Time) error {
	tag, err := r.db.Exec(ctx, `UPDATE sources SET last_checked_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("ошибка обновления last_checked_at источника %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanSource(row pgx.Row, s *model.Source) error {
	return row.Scan(&s.ID, &s.Name, &s.URL, &s.Cap, &s.Enabled, &s.LastCheckedAt, &s.CreatedAt)
}
