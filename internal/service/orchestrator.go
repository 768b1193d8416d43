// orchestrator.go — проход задачи загрузки.
//
// Состояния прохода:
//
//	NotStarted → LockAcquired → SourceLoop → QueueDrain → Released → Done
//
// с ранним завершением Skipped (блокировка занята или задача на паузе).
// Источники обходятся последовательно. Ошибка одного источника не прерывает
// проход. Очередь ручных запусков разбирается только после обхода всех
// источников. Блокировка снимается в defer, сводка сохраняется после снятия.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/bigkaa/chankeeper/internal/domain/model"
	"github.com/bigkaa/chankeeper/internal/repository"
)

// Downloader — загрузка новых элементов источника.
// Реализуется ytdlp.Downloader.
type Downloader interface {
	FetchNew(ctx context.Context, src *model.Source) (model.FetchResult, error)
}

// Исходы обработки источника.
const (
	OutcomeCompleted      = "completed"
	OutcomeFailed         = "failed"
	OutcomeSourceMissing  = "source_missing"
	OutcomeSourceDisabled = "source_disabled"
)

// SourceOutcome — итог обработки одного источника в проходе.
type SourceOutcome struct {
	SourceID int64             `json:"source_id"`
	Outcome  string            `json:"outcome"`
	Attempts int               `json:"attempts"`
	Result   model.FetchResult `json:"-"`
	Evicted  int               `json:"items_evicted"`
	Error    string            `json:"error,omitempty"`
}

// PausedKey — ключ настройки паузы задачи.
func PausedKey(job string) string { return job + "_paused" }

// ScheduleKey — ключ настройки расписания задачи.
func ScheduleKey(job string) string { return job + "_schedule" }

// Orchestrator — драйвер проходов одной задачи.
type Orchestrator struct {
	jobName     string
	lock        *RunLock
	queue       *TriggerQueue
	retention   *RetentionPolicy
	downloader  Downloader
	sources     repository.SourceRepository
	runs        repository.RunRecordRepository
	summaries   repository.JobSummaryRepository
	settings    repository.SettingsRepository
	maxAttempts int
	retryDelay  time.Duration

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	logger *slog.Logger
}

// NewOrchestrator создаёт оркестратор задачи.
func NewOrchestrator(
	jobName string,
	lock *RunLock,
	queue *TriggerQueue,
	retention *RetentionPolicy,
	downloader Downloader,
	repos *repository.Repositories,
	maxAttempts int,
	retryDelay time.Duration,
	logger *slog.Logger,
) *Orchestrator {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Orchestrator{
		jobName:     jobName,
		lock:        lock,
		queue:       queue,
		retention:   retention,
		downloader:  downloader,
		sources:     repos.Sources,
		runs:        repos.Runs,
		summaries:   repos.Summaries,
		settings:    repos.Settings,
		maxAttempts: maxAttempts,
		retryDelay:  retryDelay,
		now:         func() time.Time { return time.Now().UTC() },
		sleep:       sleepCtx,
		logger:      logger.With(slog.String("component", "orchestrator"), slog.String("job", jobName)),
	}
}

// Run выполняет проход по всем включённым источникам.
// Занятая блокировка или пауза (для плановых проходов) — сводка в состоянии
// Skipped без ошибки. Ошибка возвращается, только если проход не смог начаться
// или не получил список источников.
func (o *Orchestrator) Run(ctx context.Context, trigger model.RunTrigger) (*model.JobSummary, error) {
	summary := o.newSummary(trigger)

	if trigger == model.TriggerScheduled {
		paused, err := o.isPaused(ctx)
		if err != nil {
			return nil, err
		}
		if paused {
			o.logger.Info("Задача на паузе, плановый проход пропущен")
			return o.skip(summary, model.SkipPaused), nil
		}
	}

	lease, ok, err := o.lock.TryAcquire(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		o.logger.Info("Проход уже выполняется, пропуск", slog.String("trigger", string(trigger)))
		return o.skip(summary, model.SkipAlreadyRunning), nil
	}
	summary.State = model.PassLockAcquired
	defer o.finish(ctx, lease, summary)

	o.logger.Info("Проход начат",
		slog.String("pass_id", summary.PassID),
		slog.String("trigger", string(trigger)),
	)

	summary.State = model.PassSourceLoop
	sources, err := o.sources.ListEnabled(ctx)
	if err != nil {
		return summary, fmt.Errorf("список источников: %w", err)
	}

	for i := range sources {
		if ctx.Err() != nil {
			o.logger.Warn("Проход прерван отменой контекста",
				slog.Int("remaining_sources", len(sources)-i),
			)
			return summary, nil
		}
		out := o.processSource(ctx, &sources[i], trigger, o.maxAttempts, summary.PassID)
		o.account(summary, out)
	}

	o.drainQueue(ctx, summary)
	return summary, nil
}

// RunSource — немедленный ручной запуск одного источника.
// Захватывает блокировку (занята — Skipped), загружает источник,
// затем разбирает очередь. Если блокировка занята, outcome == nil.
func (o *Orchestrator) RunSource(ctx context.Context, sourceID int64, trigger model.RunTrigger) (*model.JobSummary, *SourceOutcome, error) {
	summary := o.newSummary(trigger)

	lease, ok, err := o.lock.TryAcquire(ctx)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		o.logger.Info("Проход уже выполняется, ручной запуск не начат",
			slog.Int64("source_id", sourceID),
		)
		return o.skip(summary, model.SkipAlreadyRunning), nil, nil
	}
	summary.State = model.PassLockAcquired
	defer o.finish(ctx, lease, summary)

	src, err := o.sources.Get(ctx, sourceID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return summary, nil, fmt.Errorf("%w: источник %d", ErrNotFound, sourceID)
		}
		return summary, nil, fmt.Errorf("получение источника %d: %w", sourceID, err)
	}
	if !src.Enabled {
		return summary, nil, fmt.Errorf("%w: источник %d", ErrSourceDisabled, sourceID)
	}

	o.logger.Info("Ручной запуск источника",
		slog.String("pass_id", summary.PassID),
		slog.Int64("source_id", sourceID),
	)

	summary.State = model.PassSourceLoop
	out := o.processSource(ctx, src, trigger, o.maxAttempts, summary.PassID)
	o.account(summary, out)

	o.drainQueue(ctx, summary)
	return summary, &out, nil
}

// drainQueue обрабатывает очередь ручных запусков: одна попытка на запись.
func (o *Orchestrator) drainQueue(ctx context.Context, summary *model.JobSummary) {
	if ctx.Err() != nil {
		return
	}
	summary.State = model.PassQueueDrain

	drained, err := o.queue.Drain(ctx)
	if err != nil {
		o.logger.Error("Ошибка разбора очереди ручных запусков",
			slog.String("error", err.Error()),
		)
		return
	}
	summary.QueueStale += len(drained.Stale)

	for _, entry := range drained.Entries {
		if ctx.Err() != nil {
			return
		}

		src, err := o.sources.Get(ctx, entry.SourceID)
		switch {
		case errors.Is(err, repository.ErrNotFound):
			o.queueSkip(summary, entry, OutcomeSourceMissing)
			continue
		case err != nil:
			o.logger.Error("Ошибка получения источника из очереди",
				slog.Int64("source_id", entry.SourceID),
				slog.String("error", err.Error()),
			)
			sourceFetchTotal.WithLabelValues(o.jobName, "failed").Inc()
			o.account(summary, SourceOutcome{
				SourceID: entry.SourceID,
				Outcome:  OutcomeFailed,
				Error:    model.TruncateError(err.Error()),
			})
			summary.QueueProcessed++
			continue
		case !src.Enabled:
			o.queueSkip(summary, entry, OutcomeSourceDisabled)
			continue
		}

		out := o.processSource(ctx, src, model.TriggerQueued, 1, summary.PassID)
		o.account(summary, out)
		summary.QueueProcessed++
	}
}

func (o *Orchestrator) queueSkip(summary *model.JobSummary, entry model.QueueEntry, outcome string) {
	summary.QueueSkipped++
	sourceFetchTotal.WithLabelValues(o.jobName, "skipped").Inc()
	o.logger.Warn("Запись очереди пропущена",
		slog.Int64("source_id", entry.SourceID),
		slog.String("request_id", entry.RequestID),
		slog.String("outcome", outcome),
	)
}

// processSource загружает источник с повторами временных ошибок,
// затем применяет политику хранения.
func (o *Orchestrator) processSource(
	ctx context.Context,
	src *model.Source,
	trigger model.RunTrigger,
	maxAttempts int,
	passID string,
) SourceOutcome {
	out := SourceOutcome{SourceID: src.ID}

	var err error
	for attempt := 1; ; attempt++ {
		out.Attempts = attempt
		out.Result, err = o.attempt(ctx, src, trigger, passID)
		if err == nil {
			break
		}
		if attempt >= maxAttempts || !IsRetryable(err) || ctx.Err() != nil {
			break
		}

		fetchRetriesTotal.WithLabelValues(o.jobName).Inc()
		o.logger.Warn("Временная ошибка загрузки, повтор",
			slog.Int64("source_id", src.ID),
			slog.Int("attempt", attempt),
			slog.Duration("delay", o.retryDelay),
			slog.String("error", err.Error()),
		)
		if werr := o.sleep(ctx, o.retryDelay); werr != nil {
			break
		}
	}

	if err != nil {
		out.Outcome = OutcomeFailed
		out.Error = model.TruncateError(err.Error())
		sourceFetchTotal.WithLabelValues(o.jobName, "failed").Inc()
		o.logger.Error("Загрузка источника не удалась",
			slog.Int64("source_id", src.ID),
			slog.Int("attempts", out.Attempts),
			slog.String("error", err.Error()),
		)
		return out
	}

	out.Outcome = OutcomeCompleted
	sourceFetchTotal.WithLabelValues(o.jobName, "success").Inc()

	evicted, rerr := o.retention.Enforce(ctx, src)
	if rerr != nil {
		o.logger.Error("Ошибка политики хранения",
			slog.Int64("source_id", src.ID),
			slog.String("error", rerr.Error()),
		)
	}
	out.Evicted = evicted

	o.logger.Info("Источник обработан",
		slog.Int64("source_id", src.ID),
		slog.Int("found", out.Result.ItemsFound),
		slog.Int("fetched", out.Result.ItemsFetched),
		slog.Int("skipped", out.Result.ItemsSkipped),
		slog.Int("evicted", evicted),
	)
	return out
}

// attempt — одна попытка загрузки: запись истории до загрузки,
// финализация после. Финализация выполняется и после отмены контекста.
func (o *Orchestrator) attempt(
	ctx context.Context,
	src *model.Source,
	trigger model.RunTrigger,
	passID string,
) (model.FetchResult, error) {
	bctx := context.WithoutCancel(ctx)

	rec, err := o.runs.Create(ctx, &model.RunRecord{
		PassID:    passID,
		JobName:   o.jobName,
		SourceID:  src.ID,
		Trigger:   trigger,
		StartedAt: o.now(),
		Status:    model.RunRunning,
	})
	if err != nil {
		return model.FetchResult{}, fmt.Errorf("создание записи истории: %w", err)
	}

	res, fetchErr := o.safeFetch(ctx, src)

	status := model.RunCompleted
	var errMsg *string
	if fetchErr != nil {
		status = model.RunFailed
		msg := model.TruncateError(fetchErr.Error())
		errMsg = &msg
	}

	finishedAt := o.now()
	if err := o.runs.Finalize(bctx, rec.ID, status, res, errMsg, finishedAt); err != nil {
		o.logger.Error("Ошибка финализации записи истории",
			slog.Int64("run_id", rec.ID),
			slog.String("error", err.Error()),
		)
	}
	if err := o.sources.TouchChecked(bctx, src.ID, finishedAt); err != nil {
		o.logger.Error("Ошибка обновления last_checked_at",
			slog.Int64("source_id", src.ID),
			slog.String("error", err.Error()),
		)
	}

	return res, fetchErr
}

// safeFetch вызывает загрузчик; паника считается постоянной ошибкой источника.
func (o *Orchestrator) safeFetch(ctx context.Context, src *model.Source) (res model.FetchResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("Паника загрузчика",
				slog.Int64("source_id", src.ID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			res = model.FetchResult{}
			err = fmt.Errorf("паника загрузчика: %v", r)
		}
	}()
	return o.downloader.FetchNew(ctx, src)
}

func (o *Orchestrator) account(summary *model.JobSummary, out SourceOutcome) {
	summary.SourcesAttempted++
	if out.Outcome == OutcomeCompleted {
		summary.SourcesSucceeded++
	} else {
		summary.SourcesFailed++
	}
	summary.ItemsFetched += out.Result.ItemsFetched
	summary.ItemsEvicted += out.Evicted
}

// finish снимает блокировку и сохраняет сводку. Выполняется в defer.
func (o *Orchestrator) finish(ctx context.Context, lease *Lease, summary *model.JobSummary) {
	lease.Release(ctx)
	summary.State = model.PassReleased

	summary.FinishedAt = o.now()
	summary.State = model.PassDone
	passesTotal.WithLabelValues(o.jobName, string(model.PassDone)).Inc()
	passDurationSeconds.WithLabelValues(o.jobName).Observe(summary.FinishedAt.Sub(summary.StartedAt).Seconds())

	if err := o.summaries.Save(context.WithoutCancel(ctx), summary); err != nil {
		o.logger.Error("Ошибка сохранения сводки прохода",
			slog.String("pass_id", summary.PassID),
			slog.String("error", err.Error()),
		)
	}

	o.logger.Info("Проход завершён",
		slog.String("pass_id", summary.PassID),
		slog.Int("sources_attempted", summary.SourcesAttempted),
		slog.Int("sources_succeeded", summary.SourcesSucceeded),
		slog.Int("sources_failed", summary.SourcesFailed),
		slog.Int("queue_processed", summary.QueueProcessed),
		slog.Int("queue_skipped", summary.QueueSkipped),
		slog.Int("queue_stale", summary.QueueStale),
		slog.Int("items_fetched", summary.ItemsFetched),
		slog.Int("items_evicted", summary.ItemsEvicted),
		slog.Duration("duration", summary.FinishedAt.Sub(summary.StartedAt)),
	)
}

func (o *Orchestrator) newSummary(trigger model.RunTrigger) *model.JobSummary {
	return &model.JobSummary{
		JobName:   o.jobName,
		PassID:    uuid.NewString(),
		Trigger:   trigger,
		State:     model.PassNotStarted,
		StartedAt: o.now(),
	}
}

// skip завершает проход без захвата блокировки. Сводка не сохраняется:
// последняя сохранённая сводка описывает последний выполненный проход.
func (o *Orchestrator) skip(summary *model.JobSummary, reason string) *model.JobSummary {
	summary.State = model.PassSkipped
	summary.SkipReason = reason
	summary.FinishedAt = o.now()
	passesTotal.WithLabelValues(o.jobName, string(model.PassSkipped)).Inc()
	return summary
}

func (o *Orchestrator) isPaused(ctx context.Context) (bool, error) {
	s, err := o.settings.Get(ctx, PausedKey(o.jobName))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("чтение %s: %w", PausedKey(o.jobName), err)
	}
	return s.Value != nil && *s.Value == "true", nil
}

// sleepCtx ждёт d или отмены контекста.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
