// control.go — операции управления задачами для API: ручной запуск,
// статус, пауза и расписание.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bigkaa/chankeeper/internal/config"
	"github.com/bigkaa/chankeeper/internal/domain/model"
	"github.com/bigkaa/chankeeper/internal/repository"
)

// Исходы ручного запуска.
const (
	TriggerCompleted = "completed"
	TriggerFailed    = "failed"
	TriggerQueued    = "queued"
)

// TriggerResult — ответ на ручной запуск: либо результат немедленного
// прохода, либо позиция в очереди.
type TriggerResult struct {
	// Outcome — completed, failed или queued
	Outcome string
	// Source — итог загрузки источника (немедленный запуск)
	Source *SourceOutcome
	// Summary — сводка немедленного прохода
	Summary *model.JobSummary
	// Position — позиция в очереди (с 1)
	Position int
	// Entry — запись очереди
	Entry *model.QueueEntry
}

// JobStatus — снимок состояния задачи.
type JobStatus struct {
	JobName        string
	Running        bool
	Holder         string
	Paused         bool
	LastRunAt      *time.Time
	QueueDepth     int
	Queue          []model.QueueEntry
	RetentionStats []model.RetentionStats
	LastSummary    *model.JobSummary
	Schedule       string
	NextRunAt      *time.Time
}

// ControlService — управление задачами координатора.
type ControlService struct {
	coord     *Coordinator
	sources   repository.SourceRepository
	summaries repository.JobSummaryRepository
	settings  repository.SettingsRepository
	retention *RetentionPolicy
	scheduler *Scheduler
	cache     *StatusCache
	logger    *slog.Logger
}

// NewControlService создаёт сервис управления.
// scheduler и cache могут быть nil.
func NewControlService(
	coord *Coordinator,
	repos *repository.Repositories,
	retention *RetentionPolicy,
	scheduler *Scheduler,
	cache *StatusCache,
	logger *slog.Logger,
) *ControlService {
	return &ControlService{
		coord:     coord,
		sources:   repos.Sources,
		summaries: repos.Summaries,
		settings:  repos.Settings,
		retention: retention,
		scheduler: scheduler,
		cache:     cache,
		logger:    logger.With(slog.String("component", "control")),
	}
}

// TriggerRun — ручной запуск загрузки источника.
// Свободная блокировка — проход выполняется сразу и ответ содержит его итог.
// Занятая — запрос ставится в очередь, ответ содержит позицию.
func (s *ControlService) TriggerRun(ctx context.Context, jobName string, sourceID int64, requestedBy string) (*TriggerResult, error) {
	job, err := s.coord.Job(jobName)
	if err != nil {
		return nil, err
	}
	if sourceID <= 0 {
		return nil, fmt.Errorf("%w: source_id должен быть положительным", ErrValidation)
	}

	src, err := s.sources.Get(ctx, sourceID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: источник %d", ErrNotFound, sourceID)
		}
		return nil, fmt.Errorf("получение источника %d: %w", sourceID, err)
	}
	if !src.Enabled {
		return nil, fmt.Errorf("%w: источник %d", ErrSourceDisabled, sourceID)
	}
	defer s.cache.Invalidate(jobName)

	state, err := job.Lock.Status(ctx)
	if err != nil {
		return nil, err
	}
	if state.Held {
		return s.enqueue(ctx, job, sourceID, requestedBy)
	}

	// Отключение клиента не должно прерывать начатый проход
	summary, out, err := job.Orchestrator.RunSource(context.WithoutCancel(ctx), sourceID, model.TriggerManual)
	if err != nil {
		return nil, err
	}
	if summary.State == model.PassSkipped {
		// Блокировку успел захватить другой проход
		return s.enqueue(ctx, job, sourceID, requestedBy)
	}

	result := &TriggerResult{Outcome: TriggerCompleted, Source: out, Summary: summary}
	if out == nil || out.Outcome != OutcomeCompleted {
		result.Outcome = TriggerFailed
	}
	return result, nil
}

func (s *ControlService) enqueue(ctx context.Context, job *Job, sourceID int64, requestedBy string) (*TriggerResult, error) {
	pos, entry, err := job.Queue.Enqueue(ctx, sourceID, requestedBy)
	if err != nil {
		return nil, err
	}
	return &TriggerResult{Outcome: TriggerQueued, Position: pos, Entry: entry}, nil
}

// GetStatus возвращает состояние задачи. Снимок кэшируется на CK_STATUS_CACHE_TTL.
func (s *ControlService) GetStatus(ctx context.Context, jobName string) (*JobStatus, error) {
	job, err := s.coord.Job(jobName)
	if err != nil {
		return nil, err
	}
	if cached, ok := s.cache.Get(jobName); ok {
		return cached, nil
	}

	lockState, err := job.Lock.Status(ctx)
	if err != nil {
		return nil, err
	}
	paused, err := s.IsPaused(ctx, jobName)
	if err != nil {
		return nil, err
	}
	queue, err := job.Queue.Peek(ctx)
	if err != nil {
		return nil, err
	}

	status := &JobStatus{
		JobName:    jobName,
		Running:    lockState.Held,
		Paused:     paused,
		LastRunAt:  lockState.LastRunAt,
		QueueDepth: len(queue),
		Queue:      queue,
	}
	if lockState.Held {
		status.Holder = lockState.Holder
	}

	summary, err := s.summaries.Get(ctx, jobName)
	switch {
	case err == nil:
		status.LastSummary = summary
	case !errors.Is(err, repository.ErrNotFound):
		return nil, fmt.Errorf("сводка задачи %s: %w", jobName, err)
	}

	sources, err := s.sources.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("список источников: %w", err)
	}
	status.RetentionStats = make([]model.RetentionStats, 0, len(sources))
	for i := range sources {
		st, err := s.retention.Stats(ctx, &sources[i])
		if err != nil {
			return nil, err
		}
		status.RetentionStats = append(status.RetentionStats, st)
	}

	if s.scheduler != nil {
		if expr, next, ok := s.scheduler.Schedule(jobName); ok {
			status.Schedule = expr
			status.NextRunAt = &next
		}
	}

	s.cache.Set(jobName, status)
	return status, nil
}

// Queue возвращает очередь ручных запусков задачи.
func (s *ControlService) Queue(ctx context.Context, jobName string) ([]model.QueueEntry, error) {
	job, err := s.coord.Job(jobName)
	if err != nil {
		return nil, err
	}
	return job.Queue.Peek(ctx)
}

// Pause ставит плановые проходы задачи на паузу.
func (s *ControlService) Pause(ctx context.Context, jobName string) error {
	return s.setPaused(ctx, jobName, true)
}

// Resume снимает задачу с паузы.
func (s *ControlService) Resume(ctx context.Context, jobName string) error {
	return s.setPaused(ctx, jobName, false)
}

func (s *ControlService) setPaused(ctx context.Context, jobName string, paused bool) error {
	if _, err := s.coord.Job(jobName); err != nil {
		return err
	}

	value := "false"
	if paused {
		value = "true"
	}
	if err := s.settings.Set(ctx, PausedKey(jobName), &value); err != nil {
		return fmt.Errorf("сохранение %s: %w", PausedKey(jobName), err)
	}
	s.cache.Invalidate(jobName)

	s.logger.Info("Пауза задачи изменена",
		slog.String("job", jobName),
		slog.Bool("paused", paused),
	)
	return nil
}

// IsPaused сообщает, стоит ли задача на паузе.
func (s *ControlService) IsPaused(ctx context.Context, jobName string) (bool, error) {
	setting, err := s.settings.Get(ctx, PausedKey(jobName))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("чтение %s: %w", PausedKey(jobName), err)
	}
	return setting.Value != nil && *setting.Value == "true", nil
}

// SetSchedule сохраняет новое расписание задачи и перерегистрирует таймер.
func (s *ControlService) SetSchedule(ctx context.Context, jobName, expr string) error {
	if _, err := s.coord.Job(jobName); err != nil {
		return err
	}
	if err := config.ValidateSchedule(expr); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	if err := s.settings.Set(ctx, ScheduleKey(jobName), &expr); err != nil {
		return fmt.Errorf("сохранение %s: %w", ScheduleKey(jobName), err)
	}
	if s.scheduler != nil {
		if err := s.scheduler.Reschedule(jobName, expr); err != nil {
			return err
		}
	}
	s.cache.Invalidate(jobName)
	return nil
}

// StoredSchedule возвращает расписание задачи из настроек или fallback,
// если оно не сохранено или некорректно.
func (s *ControlService) StoredSchedule(ctx context.Context, jobName, fallback string) string {
	setting, err := s.settings.Get(ctx, ScheduleKey(jobName))
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			s.logger.Warn("Ошибка чтения сохранённого расписания",
				slog.String("job", jobName),
				slog.String("error", err.Error()),
			)
		}
		return fallback
	}
	if setting.Value == nil || config.ValidateSchedule(*setting.Value) != nil {
		s.logger.Warn("Сохранённое расписание некорректно, используется значение по умолчанию",
			slog.String("job", jobName),
			slog.String("default", fallback),
		)
		return fallback
	}
	return *setting.Value
}
