// coordinator.go — реестр координируемых задач.
//
// Каждая задача получает собственные блокировку, очередь и оркестратор,
// разделяя репозитории и политику хранения.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bigkaa/chankeeper/internal/domain/model"
	"github.com/bigkaa/chankeeper/internal/repository"
)

// JobOptions — параметры задач координатора.
type JobOptions struct {
	MaxAttempts   int
	RetryDelay    time.Duration
	QueueTimeout  time.Duration
	QueueMaxDepth int
}

// Job — пара блокировка/очередь задачи и её оркестратор.
type Job struct {
	Name         string
	Lock         *RunLock
	Queue        *TriggerQueue
	Orchestrator *Orchestrator
}

// Coordinator — задачи, адресуемые по имени.
type Coordinator struct {
	repos     *repository.Repositories
	retention *RetentionPolicy
	opts      JobOptions
	logger    *slog.Logger

	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewCoordinator создаёт пустой реестр задач.
func NewCoordinator(
	repos *repository.Repositories,
	retention *RetentionPolicy,
	opts JobOptions,
	logger *slog.Logger,
) *Coordinator {
	return &Coordinator{
		repos:     repos,
		retention: retention,
		opts:      opts,
		logger:    logger,
		jobs:      make(map[string]*Job),
	}
}

// Register регистрирует задачу name с загрузчиком downloader.
func (c *Coordinator) Register(name string, downloader Downloader) (*Job, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: пустое имя задачи", ErrValidation)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.jobs[name]; exists {
		return nil, fmt.Errorf("%w: задача %s уже зарегистрирована", ErrValidation, name)
	}

	lock := NewRunLock(name, c.repos.Locks, c.logger)
	queue := NewTriggerQueue(name, c.repos.Queue, c.repos.Settings, c.opts.QueueTimeout, c.opts.QueueMaxDepth, c.logger)
	orch := NewOrchestrator(name, lock, queue, c.retention, downloader, c.repos,
		c.opts.MaxAttempts, c.opts.RetryDelay, c.logger)

	job := &Job{Name: name, Lock: lock, Queue: queue, Orchestrator: orch}
	c.jobs[name] = job
	return job, nil
}

// Job возвращает задачу по имени.
func (c *Coordinator) Job(name string) (*Job, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	job, ok := c.jobs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return job, nil
}

// Jobs возвращает имена зарегистрированных задач по алфавиту.
func (c *Coordinator) Jobs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.jobs))
	for name := range c.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunScheduled выполняет плановый проход задачи. Используется как
// обработчик срабатывания планировщика.
func (c *Coordinator) RunScheduled(ctx context.Context, name string) {
	job, err := c.Job(name)
	if err != nil {
		c.logger.Error("Плановый запуск неизвестной задачи", slog.String("job", name))
		return
	}
	if _, err := job.Orchestrator.Run(ctx, model.TriggerScheduled); err != nil {
		c.logger.Error("Ошибка планового прохода",
			slog.String("job", name),
			slog.String("error", err.Error()),
		)
	}
}

// ReapStale снимает зависшие блокировки всех задач.
func (c *Coordinator) ReapStale(ctx context.Context, maxAge time.Duration) ([]string, error) {
	lock := NewRunLock("*", c.repos.Locks, c.logger)
	return lock.ReapStale(ctx, maxAge)
}

// ImportLegacyQueue переносит старую очередь в задачу name.
func (c *Coordinator) ImportLegacyQueue(ctx context.Context, name string) (int, error) {
	job, err := c.Job(name)
	if err != nil {
		return 0, err
	}
	return job.Queue.ImportLegacy(ctx)
}
