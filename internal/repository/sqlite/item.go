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

const itemColumns = `id, source_id, external_id, title, status, produced_at, exists_on_disk,
	file_path, removed_at, error_message, created_at, updated_at`

type itemRepo struct {
	db DBTX
}

func (r *itemRepo) Create(ctx context.Context, item *model.Item) (*model.Item, error) {
	now := formatTime(time.Now())
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO items (source_id, external_id, title, status, produced_at, exists_on_disk,
			file_path, error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING `+itemColumns,
		item.SourceID, item.ExternalID, item.Title, string(item.Status), formatTimePtr(item.ProducedAt),
		item.ExistsOnDisk, item.FilePath, item.ErrorMessage, now, now,
	)
	created, err := scanItem(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, repository.ErrConflict
		}
		return nil, fmt.Errorf("ошибка создания элемента %s: %w", item.ExternalID, err)
	}
	return created, nil
}

func (r *itemRepo) GetByExternalID(ctx context.Context, sourceID int64, externalID string) (*model.Item, error) {
	item, err := scanItem(r.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM items WHERE source_id = ? AND external_id = ?`, sourceID, externalID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения элемента %s: %w", externalID, err)
	}
	return item, nil
}

func (r *itemRepo) Update(ctx context.Context, item *model.Item) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE items
		SET title = ?, status = ?, produced_at = ?, exists_on_disk = ?,
			file_path = ?, error_message = ?, updated_at = ?
		WHERE id = ?`,
		item.Title, string(item.Status), formatTimePtr(item.ProducedAt), item.ExistsOnDisk,
		item.FilePath, item.ErrorMessage, formatTime(time.Now()), item.ID,
	)
	if err != nil {
		return fmt.Errorf("ошибка обновления элемента %d: %w", item.ID, err)
	}
	if rowsAffected(res) == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *itemRepo) ListOnDisk(ctx context.Context, sourceID int64) ([]model.Item, error) {
	// В SQLite NULL при ASC и так идёт первым.
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+itemColumns+`
		FROM items
		WHERE source_id = ? AND status = 'completed' AND exists_on_disk = 1
		ORDER BY produced_at ASC, id ASC`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения элементов источника %d: %w", sourceID, err)
	}
	defer rows.Close()

	var items []model.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования items: %w", err)
		}
		items = append(items, *it)
	}
	return items, rows.Err()
}

func (r *itemRepo) MarkEvicted(ctx context.Context, id int64, at time.Time) error {
	ts := formatTime(at)
	res, err := r.db.ExecContext(ctx, `
		UPDATE items
		SET exists_on_disk = 0, removed_at = ?, updated_at = ?
		WHERE id = ? AND exists_on_disk = 1`, ts, ts, id)
	if err != nil {
		return fmt.Errorf("ошибка пометки элемента %d вытесненным: %w", id, err)
	}
	if rowsAffected(res) == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (r *itemRepo) Stats(ctx context.Context, sourceID int64) (int, int, error) {
	var onDisk, evicted int
	err := r.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'completed' AND exists_on_disk = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN removed_at IS NOT NULL THEN 1 ELSE 0 END), 0)
		FROM items
		WHERE source_id = ?`, sourceID,
	).Scan(&onDisk, &evicted)
	if err != nil {
		return 0, 0, fmt.Errorf("ошибка подсчёта элементов источника %d: %w", sourceID, err)
	}
	return onDisk, evicted, nil
}

func scanItem(row scanner) (*model.Item, error) {
	var (
		it                   model.Item
		status               string
		produced, removed    sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(
		&it.ID, &it.SourceID, &it.ExternalID, &it.Title, &status, &produced, &it.ExistsOnDisk,
		&it.FilePath, &removed, &it.ErrorMessage, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	it.Status = model.ItemStatus(status)
	if it.ProducedAt, err = parseTimePtr(produced); err != nil {
		return nil, err
	}
	if it.RemovedAt, err = parseTimePtr(removed); err != nil {
		return nil, err
	}
	if it.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if it.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &it, nil
}
