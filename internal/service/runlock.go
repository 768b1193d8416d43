// runlock.go — именованная персистентная блокировка прохода задачи.
//
// Захват — условный upsert в run_locks: из параллельных TryAcquire успешен
// ровно один. Освобождение выполняется через Lease.Release, вызываемый
// в defer, поэтому блокировка снимается и при панике, и при ошибке.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/bigkaa/chankeeper/internal/domain/model"
	"github.com/bigkaa/chankeeper/internal/repository"
)

// releaseTimeout — время на снятие блокировки после отмены контекста прохода.
const releaseTimeout = 10 * time.Second

// RunLock — блокировка одной задачи.
type RunLock struct {
	jobName string
	repo    repository.RunLockRepository
	holder  string
	now     func() time.Time
	logger  *slog.Logger
}

// NewRunLock создаёт блокировку задачи jobName.
func NewRunLock(jobName string, repo repository.RunLockRepository, logger *slog.Logger) *RunLock {
	return &RunLock{
		jobName: jobName,
		repo:    repo,
		holder:  defaultHolder(),
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger.With(slog.String("component", "run_lock"), slog.String("job", jobName)),
	}
}

// Lease — захваченная блокировка. Release идемпотентен.
type Lease struct {
	lock       *RunLock
	acquiredAt time.Time
	once       sync.Once
}

// AcquiredAt возвращает время захвата.
func (l *Lease) AcquiredAt() time.Time {
	return l.acquiredAt
}

// Release снимает блокировку. Повторные вызовы ничего не делают.
// Ошибка хранилища логируется: её подберёт ReapStale при следующем старте.
func (l *Lease) Release(ctx context.Context) {
	l.once.Do(func() {
		// Снимаем блокировку даже если контекст прохода уже отменён
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()

		if err := l.lock.repo.Release(rctx, l.lock.jobName, l.lock.now()); err != nil {
			l.lock.logger.Error("Ошибка снятия блокировки",
				slog.String("error", err.Error()),
			)
			return
		}
		l.lock.logger.Debug("Блокировка снята",
			slog.Duration("held", l.lock.now().Sub(l.acquiredAt)),
		)
	})
}

// TryAcquire пытается захватить блокировку.
// Занятая блокировка — (nil, false, nil). Ошибка хранилища возвращается:
// без подтверждённой блокировки проход не выполняется.
func (l *RunLock) TryAcquire(ctx context.Context) (*Lease, bool, error) {
	now := l.now()

	ok, err := l.repo.TryAcquire(ctx, l.jobName, l.holder, now)
	if err != nil {
		return nil, false, fmt.Errorf("захват блокировки %s: %w", l.jobName, err)
	}
	if !ok {
		lockBusyTotal.WithLabelValues(l.jobName).Inc()
		return nil, false, nil
	}

	l.logger.Debug("Блокировка захвачена", slog.String("holder", l.holder))
	return &Lease{lock: l, acquiredAt: now}, true, nil
}

// Status возвращает состояние блокировки. Для задачи, которая ещё
// ни разу не запускалась, — свободная блокировка без last_run_at.
func (l *RunLock) Status(ctx context.Context) (model.RunLockState, error) {
	state, err := l.repo.Get(ctx, l.jobName)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return model.RunLockState{JobName: l.jobName}, nil
		}
		return model.RunLockState{}, fmt.Errorf("состояние блокировки %s: %w", l.jobName, err)
	}
	return *state, nil
}

// ReapStale снимает захваченные блокировки всех задач, у которых
// last_run_at старше maxAge или отсутствует. Вызывается один раз при старте.
func (l *RunLock) ReapStale(ctx context.Context, maxAge time.Duration) ([]string, error) {
	now := l.now()

	jobs, err := l.repo.ReleaseStale(ctx, now.Add(-maxAge), now)
	if err != nil {
		return nil, fmt.Errorf("снятие зависших блокировок: %w", err)
	}
	for _, job := range jobs {
		l.logger.Warn("Снята зависшая блокировка",
			slog.String("stale_job", job),
			slog.Duration("max_age", maxAge),
		)
	}
	return jobs, nil
}

// defaultHolder — идентификатор процесса-владельца: hostname:pid.
func defaultHolder() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return host + ":" + strconv.Itoa(os.Getpid())
}
