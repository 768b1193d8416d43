// scheduler.go — cron-планировщик плановых проходов.
//
// Одна регистрация на задачу. Фоновая горутина спит до ближайшего
// срабатывания, но не дольше maxSleepCap, так что Reschedule и сдвиги
// системных часов учитываются без перезапуска.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/bigkaa/chankeeper/internal/config"
)

const maxSleepCap = 60 * time.Second

// FireFunc вызывается при срабатывании расписания задачи.
type FireFunc func(ctx context.Context, job string)

type scheduleEntry struct {
	expr    string
	next    time.Time
	running bool
}

// Scheduler — таймеры задач по cron-выражениям.
type Scheduler struct {
	fire   FireFunc
	now    func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*scheduleEntry
	wake    chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewScheduler создаёт планировщик. fire выполняется в отдельной горутине;
// пока проход задачи по расписанию не завершён, следующее срабатывание
// этой задачи пропускается.
func NewScheduler(fire FireFunc, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		fire:    fire,
		now:     time.Now,
		logger:  logger.With(slog.String("component", "scheduler")),
		entries: make(map[string]*scheduleEntry),
		wake:    make(chan struct{}, 1),
	}
}

// Register добавляет расписание задачи.
func (s *Scheduler) Register(job, expr string) error {
	next, err := nextTick(expr, s.now())
	if err != nil {
		return err
	}

	s.mu.Lock()
	if _, exists := s.entries[job]; exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: расписание задачи %s уже зарегистрировано", ErrValidation, job)
	}
	s.entries[job] = &scheduleEntry{expr: expr, next: next}
	s.mu.Unlock()

	s.notify()
	s.logger.Info("Расписание зарегистрировано",
		slog.String("job", job),
		slog.String("schedule", expr),
		slog.Time("next_run", next),
	)
	return nil
}

// Reschedule заменяет расписание зарегистрированной задачи.
func (s *Scheduler) Reschedule(job, expr string) error {
	next, err := nextTick(expr, s.now())
	if err != nil {
		return err
	}

	s.mu.Lock()
	entry, ok := s.entries[job]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownJob, job)
	}
	old := entry.expr
	entry.expr = expr
	entry.next = next
	s.mu.Unlock()

	s.notify()
	s.logger.Info("Расписание изменено",
		slog.String("job", job),
		slog.String("old_schedule", old),
		slog.String("schedule", expr),
		slog.Time("next_run", next),
	)
	return nil
}

// Schedule возвращает выражение и время следующего срабатывания задачи.
func (s *Scheduler) Schedule(job string) (expr string, next time.Time, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[job]
	if !ok {
		return "", time.Time{}, false
	}
	return entry.expr, entry.next, true
}

// Start запускает фоновую горутину планировщика.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		s.run(ctx)
	}()

	s.logger.Info("Планировщик запущен")
}

// Stop останавливает планировщик и ждёт завершения запущенных проходов.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
	s.wg.Wait()
	s.logger.Info("Планировщик остановлен")
}

func (s *Scheduler) run(ctx context.Context) {
	timer := time.NewTimer(s.untilNext())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-timer.C:
			s.fireDue(ctx)
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.untilNext())
	}
}

// untilNext — время до ближайшего срабатывания, не больше maxSleepCap.
func (s *Scheduler) untilNext() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := maxSleepCap
	now := s.now()
	for _, e := range s.entries {
		if until := e.next.Sub(now); until < d {
			d = until
		}
	}
	if d < 0 {
		d = 0
	}
	return d
}

// fireDue запускает задачи, время которых наступило.
func (s *Scheduler) fireDue(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for job, e := range s.entries {
		if e.next.After(now) {
			continue
		}

		next, err := nextTick(e.expr, now)
		if err != nil {
			s.logger.Error("Ошибка вычисления следующего запуска",
				slog.String("job", job),
				slog.String("error", err.Error()),
			)
			next = now.Add(maxSleepCap)
		}
		e.next = next

		if e.running {
			s.logger.Warn("Предыдущий плановый проход ещё выполняется, срабатывание пропущено",
				slog.String("job", job),
			)
			continue
		}
		e.running = true
		s.wg.Add(1)
		go s.runJob(ctx, job)
	}
}

func (s *Scheduler) runJob(ctx context.Context, job string) {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Паника планового прохода",
				slog.String("job", job),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
		s.mu.Lock()
		if e, ok := s.entries[job]; ok {
			e.running = false
		}
		s.mu.Unlock()
	}()

	s.logger.Debug("Срабатывание расписания", slog.String("job", job))
	s.fire(ctx, job)
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// nextTick — следующее срабатывание cron-выражения строго после from.
func nextTick(expr string, from time.Time) (time.Time, error) {
	if err := config.ValidateSchedule(expr); err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	next, err := gronx.NextTickAfter(expr, from, false)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: расписание %q: %v", ErrValidation, expr, err)
	}
	return next, nil
}
