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

type settingsRepo struct {
	db DBTX
}

func (r *settingsRepo) Get(ctx context.Context, key string) (*model.Setting, error) {
	row := r.db.QueryRowContext(ctx, `SELECT key, value, updated_at FROM settings WHERE key = ?`, key)
	s, err := scanSetting(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения settings[%s]: %w", key, err)
	}
	return s, nil
}

func (r *settingsRepo) Set(ctx context.Context, key string, value *string) error {
	query := `
		INSERT INTO settings (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE
		SET value = excluded.value,
			updated_at = excluded.updated_at`

	if _, err := r.db.ExecContext(ctx, query, key, value, formatTime(time.Now())); err != nil {
		return fmt.Errorf("ошибка сохранения settings[%s]: %w", key, err)
	}
	return nil
}

func (r *settingsRepo) ListByPrefix(ctx context.Context, prefix string) ([]model.Setting, error) {
	// substr вместо LIKE: в ключах встречается '_', который LIKE считает шаблоном.
	rows, err := r.db.QueryContext(ctx, `
		SELECT key, value, updated_at
		FROM settings
		WHERE substr(key, 1, ?) = ?
		ORDER BY key`, len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения settings по префиксу %q: %w", prefix, err)
	}
	defer rows.Close()

	var settings []model.Setting
	for rows.Next() {
		s, err := scanSetting(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования settings: %w", err)
		}
		settings = append(settings, *s)
	}
	return settings, rows.Err()
}

func (r *settingsRepo) Delete(ctx context.Context, key string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("ошибка удаления settings[%s]: %w", key, err)
	}
	if rowsAffected(res) == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func scanSetting(row scanner) (*model.Setting, error) {
	var (
		s       model.Setting
		value   sql.NullString
		updated string
	)
	if err := row.Scan(&s.Key, &value, &updated); err != nil {
		return nil, err
	}
	if value.Valid {
		v := value.String
		s.Value = &v
	}
	t, err := parseTime(updated)
	if err != nil {
		return nil, err
	}
	s.UpdatedAt = t
	return &s, nil
}
