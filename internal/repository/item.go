package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/chankeeper/internal/domain/model"
)

const itemColumns = `id, source_id, external_id, title, status, produced_at, exists_on_disk,
	file_path, removed_at, error_message, created_at, updated_at`

// itemRepo — реализация ItemRepository для PostgreSQL.
type itemRepo struct {
	db DBTX
}

// NewItemRepository создаёт репозиторий элементов архива.
func NewItemRepository(db DBTX) ItemRepository {
	return &itemRepo{db: db}
}

// Create добавляет элемент.
func (r *itemRepo) Create(ctx context.Context, item *model.Item) (*model.Item, error) {
	query := `
		INSERT INTO items (source_id, external_id, title, status, produced_at, exists_on_disk, file_path, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING ` + itemColumns

	created := &model.Item{}
	err := scanItem(r.db.QueryRow(ctx, query,
		item.SourceID, item.ExternalID, item.Title, string(item.Status),
		item.ProducedAt, item.ExistsOnDisk, item.FilePath, item.ErrorMessage,
	), created)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("ошибка создания элемента %s: %w", item.ExternalID, err)
	}
	return created, nil
}

// GetByExternalID возвращает элемент по внешнему ID.
func (r *itemRepo) GetByExternalID(ctx context.Context, sourceID int64, externalID string) (*model.Item, error) {
	query := `SELECT ` + itemColumns + ` FROM items WHERE source_id = $1 AND external_id = $2`

	item := &model.Item{}
	if err := scanItem(r.db.QueryRow(ctx, query, sourceID, externalID), item); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения элемента %s: %w", externalID, err)
	}
	return item, nil
}

// Update сохраняет поля загрузчика.
func (r *itemRepo) Update(ctx context.Context, item *model.Item) error {
	query := `
		UPDATE items
		SET title = $2, status = $3, produced_at = $4, exists_on_disk = $5,
			file_path = $6, error_message = $7, updated_at = NOW()
		WHERE id = $1`

	tag, err := r.db.Exec(ctx, query,
		item.ID, item.Title, string(item.Status), item.ProducedAt, item.ExistsOnDisk,
		item.FilePath, item.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("ошибка обновления элемента %d: %w", item.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListOnDisk возвращает завершённые элементы на диске.
func (r *itemRepo) ListOnDisk(ctx context.Context, sourceID int64) ([]model.Item, error) {
	query := `
		SELECT ` + itemColumns + `
		FROM items
		WHERE source_id = $1 AND status = 'completed' AND exists_on_disk = TRUE
		ORDER BY produced_at ASC NULLS FIRST, id ASC`

	rows, err := r.db.Query(ctx, query, sourceID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения элементов источника %d: %w", sourceID, err)
	}
	defer rows.Close()

	var items []model.Item
	for rows.Next() {
		var it model.Item
		if err := scanItem(rows, &it); err != nil {
			return nil, fmt.Errorf("ошибка сканирования items: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// MarkEvicted помечает элемент вытесненным.
func (r *itemRepo) MarkEvicted(ctx context.Context, id int64, at time.Time) error {
	query := `
		UPDATE items
		SET exists_on_disk = FALSE, removed_at = $2, updated_at = $2
		WHERE id = $1 AND exists_on_disk = TRUE`

	tag, err := r.db.Exec(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("ошибка пометки элемента %d вытесненным: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Stats возвращает количество элементов на диске и вытесненных.
func (r *itemRepo) Stats(ctx context.Context, sourceID int64) (int, int, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'completed' AND exists_on_disk = TRUE),
			COUNT(*) FILTER (WHERE removed_at IS NOT NULL)
		FROM items
		WHERE source_id = $1`

	var onDisk, evicted int
	if err := r.db.QueryRow(ctx, query, sourceID).Scan(&onDisk, &evicted); err != nil {
		return 0, 0, fmt.Errorf("ошибка подсчёта элементов источника %d: %w", sourceID, err)
	}
	return onDisk, evicted, nil
}

func scanItem(row pgx.Row, it *model.Item) error {
	var status string
	err := row.Scan(
		&it.ID, &it.SourceID, &it.ExternalID, &it.Title, &status, &it.ProducedAt, &it.ExistsOnDisk,
		&it.FilePath, &it.RemovedAt, &it.ErrorMessage, &it.CreatedAt, &it.UpdatedAt,
	)
	it.Status = model.ItemStatus(status)
	return err
}
