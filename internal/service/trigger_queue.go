// trigger_queue.go — очередь отложенных ручных запусков задачи.
//
// Запрос ставится в очередь, пока блокировку задачи держит другой проход.
// Владелец блокировки разбирает очередь после обхода всех источников:
// сначала отбрасываются устаревшие записи, затем остаток забирается целиком.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/chankeeper/internal/domain/model"
	"github.com/bigkaa/chankeeper/internal/repository"
)

// LegacyQueueKey — ключ настройки, в которой очередь хранилась JSON-массивом.
const LegacyQueueKey = "manual_trigger_queue"

// TriggerQueue — FIFO ручных запусков одной задачи.
type TriggerQueue struct {
	jobName  string
	repo     repository.TriggerQueueRepository
	settings repository.SettingsRepository
	timeout  time.Duration
	maxDepth int
	now      func() time.Time
	logger   *slog.Logger
}

// DrainResult — результат разбора очереди.
type DrainResult struct {
	// Entries — записи к обработке в порядке постановки
	Entries []model.QueueEntry
	// Stale — отброшенные устаревшие записи
	Stale []model.QueueEntry
	// Invalid — записи с некорректным source_id
	Invalid int
}

// NewTriggerQueue создаёт очередь задачи.
// timeout — возраст, после которого запись не обрабатывается.
// maxDepth — предельная длина очереди (0 — без ограничения).
func NewTriggerQueue(
	jobName string,
	repo repository.TriggerQueueRepository,
	settings repository.SettingsRepository,
	timeout time.Duration,
	maxDepth int,
	logger *slog.Logger,
) *TriggerQueue {
	return &TriggerQueue{
		jobName:  jobName,
		repo:     repo,
		settings: settings,
		timeout:  timeout,
		maxDepth: maxDepth,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger.With(slog.String("component", "trigger_queue"), slog.String("job", jobName)),
	}
}

// Enqueue ставит запрос в конец очереди и возвращает его позицию (с 1).
func (q *TriggerQueue) Enqueue(ctx context.Context, sourceID int64, requestedBy string) (int, *model.QueueEntry, error) {
	if sourceID <= 0 {
		return 0, nil, fmt.Errorf("%w: source_id должен быть положительным", ErrValidation)
	}

	if q.maxDepth > 0 {
		depth, err := q.repo.Count(ctx, q.jobName)
		if err != nil {
			return 0, nil, fmt.Errorf("длина очереди %s: %w", q.jobName, err)
		}
		if depth >= q.maxDepth {
			return 0, nil, fmt.Errorf("%w: %d записей", ErrQueueFull, depth)
		}
	}

	entry, pos, err := q.repo.Enqueue(ctx, &model.QueueEntry{
		JobName:     q.jobName,
		SourceID:    sourceID,
		RequestedBy: requestedBy,
		RequestID:   uuid.NewString(),
		EnqueuedAt:  q.now(),
	})
	if err != nil {
		return 0, nil, fmt.Errorf("постановка в очередь %s: %w", q.jobName, err)
	}

	queueEnqueuedTotal.WithLabelValues(q.jobName).Inc()
	q.logger.Info("Ручной запуск поставлен в очередь",
		slog.Int64("source_id", sourceID),
		slog.String("requested_by", requestedBy),
		slog.String("request_id", entry.RequestID),
		slog.Int("position", pos),
	)
	return pos, entry, nil
}

// Drain отбрасывает записи старше timeout и забирает остаток очереди.
// Вызывается только владельцем блокировки задачи.
func (q *TriggerQueue) Drain(ctx context.Context) (*DrainResult, error) {
	cutoff := q.now().Add(-q.timeout)

	stale, err := q.repo.DeleteOlderThan(ctx, q.jobName, cutoff)
	if err != nil {
		return nil, fmt.Errorf("удаление устаревших записей %s: %w", q.jobName, err)
	}
	for _, e := range stale {
		q.logger.Warn("Ручной запуск устарел и отброшен",
			slog.Int64("source_id", e.SourceID),
			slog.String("request_id", e.RequestID),
			slog.Time("enqueued_at", e.EnqueuedAt),
		)
	}
	if len(stale) > 0 {
		queueStaleTotal.WithLabelValues(q.jobName).Add(float64(len(stale)))
	}

	taken, err := q.repo.TakeAll(ctx, q.jobName)
	if err != nil {
		return nil, fmt.Errorf("разбор очереди %s: %w", q.jobName, err)
	}

	result := &DrainResult{Stale: stale, Entries: make([]model.QueueEntry, 0, len(taken))}
	for _, e := range taken {
		if e.SourceID <= 0 {
			q.logger.Warn("Запись очереди с некорректным source_id отброшена",
				slog.Int64("source_id", e.SourceID),
				slog.String("request_id", e.RequestID),
			)
			result.Invalid++
			continue
		}
		result.Entries = append(result.Entries, e)
	}
	return result, nil
}

// Peek возвращает записи очереди без удаления.
func (q *TriggerQueue) Peek(ctx context.Context) ([]model.QueueEntry, error) {
	entries, err := q.repo.List(ctx, q.jobName)
	if err != nil {
		return nil, fmt.Errorf("чтение очереди %s: %w", q.jobName, err)
	}
	return entries, nil
}

// legacyEntry — запись очереди в старом формате JSON-массива.
type legacyEntry struct {
	SourceID    int64     `json:"source_id"`
	RequestedBy string    `json:"requested_by"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// ImportLegacy переносит очередь из настройки manual_trigger_queue в таблицу
// и удаляет настройку. Нечитаемое значение считается пустой очередью.
// Возвращает количество перенесённых записей.
func (q *TriggerQueue) ImportLegacy(ctx context.Context) (int, error) {
	setting, err := q.settings.Get(ctx, LegacyQueueKey)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("чтение %s: %w", LegacyQueueKey, err)
	}

	var legacy []legacyEntry
	if setting.Value != nil && *setting.Value != "" {
		if err := json.Unmarshal([]byte(*setting.Value), &legacy); err != nil {
			q.logger.Warn("Старая очередь повреждена, считается пустой",
				slog.String("error", err.Error()),
			)
			legacy = nil
		}
	}

	imported := 0
	for _, le := range legacy {
		if le.SourceID <= 0 {
			continue
		}
		enqueuedAt := le.EnqueuedAt.UTC()
		if le.EnqueuedAt.IsZero() {
			enqueuedAt = q.now()
		}
		if _, _, err := q.repo.Enqueue(ctx, &model.QueueEntry{
			JobName:     q.jobName,
			SourceID:    le.SourceID,
			RequestedBy: le.RequestedBy,
			RequestID:   uuid.NewString(),
			EnqueuedAt:  enqueuedAt,
		}); err != nil {
			return imported, fmt.Errorf("перенос записи старой очереди: %w", err)
		}
		imported++
	}

	if err := q.settings.Delete(ctx, LegacyQueueKey); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return imported, fmt.Errorf("удаление %s: %w", LegacyQueueKey, err)
	}

	q.logger.Info("Старая очередь перенесена",
		slog.Int("imported", imported),
		slog.Int("total", len(legacy)),
	)
	return imported, nil
}
