// sources.go — регистрация источников и история их загрузок.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/bigkaa/chankeeper/internal/domain/model"
	"github.com/bigkaa/chankeeper/internal/repository"
)

// Ограничения истории запусков.
const (
	DefaultRunsLimit = 20
	MaxRunsLimit     = 200
)

// SourceService — операции над источниками.
type SourceService struct {
	sources repository.SourceRepository
	runs    repository.RunRecordRepository
	logger  *slog.Logger
}

// NewSourceService создаёт сервис источников.
func NewSourceService(repos *repository.Repositories, logger *slog.Logger) *SourceService {
	return &SourceService{
		sources: repos.Sources,
		runs:    repos.Runs,
		logger:  logger.With(slog.String("component", "sources")),
	}
}

// Create регистрирует источник.
func (s *SourceService) Create(ctx context.Context, name, rawURL string, itemCap int) (*model.Source, error) {
	name = strings.TrimSpace(name)
	rawURL = strings.TrimSpace(rawURL)
	if name == "" {
		return nil, fmt.Errorf("%w: имя источника не задано", ErrValidation)
	}
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: некорректный URL источника %q", ErrValidation, rawURL)
	}
	if itemCap < 1 {
		return nil, fmt.Errorf("%w: %w", ErrValidation, ErrInvalidCap)
	}

	src, err := s.sources.Create(ctx, &model.Source{
		Name:    name,
		URL:     rawURL,
		Cap:     itemCap,
		Enabled: true,
	})
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, fmt.Errorf("%w: источник %s", ErrConflict, rawURL)
		}
		return nil, fmt.Errorf("создание источника: %w", err)
	}

	s.logger.Info("Источник зарегистрирован",
		slog.Int64("source_id", src.ID),
		slog.String("url", src.URL),
		slog.Int("cap", src.Cap),
	)
	return src, nil
}

// List возвращает все источники.
func (s *SourceService) List(ctx context.Context) ([]model.Source, error) {
	sources, err := s.sources.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("список источников: %w", err)
	}
	return sources, nil
}

// SetEnabled включает или отключает источник.
func (s *SourceService) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	if err := s.sources.SetEnabled(ctx, id, enabled); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: источник %d", ErrNotFound, id)
		}
		return fmt.Errorf("изменение источника %d: %w", id, err)
	}
	return nil
}

// Runs возвращает последние записи истории источника.
// limit <= 0 — DefaultRunsLimit, больше MaxRunsLimit — ошибка валидации.
func (s *SourceService) Runs(ctx context.Context, sourceID int64, limit int) ([]model.RunRecord, error) {
	if limit <= 0 {
		limit = DefaultRunsLimit
	}
	if limit > MaxRunsLimit {
		return nil, fmt.Errorf("%w: limit не больше %d", ErrValidation, MaxRunsLimit)
	}

	if _, err := s.sources.Get(ctx, sourceID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: источник %d", ErrNotFound, sourceID)
		}
		return nil, fmt.Errorf("получение источника %d: %w", sourceID, err)
	}

	runs, err := s.runs.ListBySource(ctx, sourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("история источника %d: %w", sourceID, err)
	}
	return runs, nil
}
