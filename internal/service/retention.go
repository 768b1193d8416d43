// retention.go — политика хранения: не больше cap элементов источника на диске.
//
// Вытесняются самые старые элементы. Элементы без даты публикации считаются
// старейшими и уходят первыми. Удаление файлов — best effort: запись
// помечается вытесненной в любом случае, видимость определяет БД.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/bigkaa/chankeeper/internal/domain/model"
	"github.com/bigkaa/chankeeper/internal/repository"
)

// FileRemover удаляет каталог элемента в архиве.
// Реализуется mediastore.MediaStore.
type FileRemover interface {
	Remove(rel string) error
}

// RetentionPolicy — вытеснение старых элементов источника.
type RetentionPolicy struct {
	items  repository.ItemRepository
	files  FileRemover
	now    func() time.Time
	logger *slog.Logger
}

// NewRetentionPolicy создаёт политику хранения.
func NewRetentionPolicy(items repository.ItemRepository, files FileRemover, logger *slog.Logger) *RetentionPolicy {
	return &RetentionPolicy{
		items:  items,
		files:  files,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With(slog.String("component", "retention")),
	}
}

// Enforce вытесняет элементы источника сверх src.Cap.
// Возвращает количество обновлённых записей. Ошибки отдельных элементов
// логируются, обработка продолжается.
func (p *RetentionPolicy) Enforce(ctx context.Context, src *model.Source) (int, error) {
	if src.Cap < 1 {
		return 0, fmt.Errorf("%w: источник %d, cap=%d", ErrInvalidCap, src.ID, src.Cap)
	}

	items, err := p.items.ListOnDisk(ctx, src.ID)
	if err != nil {
		return 0, fmt.Errorf("список элементов источника %d: %w", src.ID, err)
	}
	if len(items) <= src.Cap {
		return 0, nil
	}

	sortForEviction(items)
	victims := items[:len(items)-src.Cap]
	now := p.now()

	evicted := 0
	for _, it := range victims {
		if it.FilePath != "" {
			if err := p.files.Remove(it.FilePath); err != nil {
				evictionErrorsTotal.Inc()
				p.logger.Error("Ошибка удаления файлов элемента",
					slog.Int64("item_id", it.ID),
					slog.String("path", it.FilePath),
					slog.String("error", err.Error()),
				)
			}
		}

		if err := p.items.MarkEvicted(ctx, it.ID, now); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				// Уже вытеснен параллельно
				continue
			}
			evictionErrorsTotal.Inc()
			p.logger.Error("Ошибка пометки элемента вытесненным",
				slog.Int64("item_id", it.ID),
				slog.String("error", err.Error()),
			)
			continue
		}

		p.logger.Debug("Элемент вытеснен",
			slog.Int64("source_id", src.ID),
			slog.Int64("item_id", it.ID),
			slog.String("external_id", it.ExternalID),
		)
		evicted++
	}

	itemsEvictedTotal.Add(float64(evicted))
	p.logger.Info("Политика хранения применена",
		slog.Int64("source_id", src.ID),
		slog.Int("cap", src.Cap),
		slog.Int("on_disk", len(items)),
		slog.Int("evicted", evicted),
	)
	return evicted, nil
}

// Stats возвращает сводку по архиву источника.
func (p *RetentionPolicy) Stats(ctx context.Context, src *model.Source) (model.RetentionStats, error) {
	onDisk, evicted, err := p.items.Stats(ctx, src.ID)
	if err != nil {
		return model.RetentionStats{}, fmt.Errorf("статистика источника %d: %w", src.ID, err)
	}
	return model.RetentionStats{
		SourceID: src.ID,
		Cap:      src.Cap,
		OnDisk:   onDisk,
		Evicted:  evicted,
	}, nil
}

// sortForEviction упорядочивает элементы от старейшего: сначала без даты,
// затем по produced_at, при равенстве — по id.
func sortForEviction(items []model.Item) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i].ProducedAt, items[j].ProducedAt
		switch {
		case a == nil && b != nil:
			return true
		case a != nil && b == nil:
			return false
		case a != nil && b != nil && !a.Equal(*b):
			return a.Before(*b)
		}
		return items[i].ID < items[j].ID
	})
}
