package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestScheduler_RegisterValidation(t *testing.T) {
	s := NewScheduler(func(context.Context, string) {}, quietLogger())

	if err := s.Register("download", "* * *"); !errors.Is(err, ErrValidation) {
		t.Errorf("Register с 3 полями = %v, ожидается ErrValidation", err)
	}
	if err := s.Register("download", "0 3 * * *"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := s.Register("download", "0 4 * * *"); !errors.Is(err, ErrValidation) {
		t.Errorf("повторный Register = %v, ожидается ErrValidation", err)
	}
	if err := s.Reschedule("nope", "0 4 * * *"); !errors.Is(err, ErrUnknownJob) {
		t.Errorf("Reschedule(nope) = %v, ожидается ErrUnknownJob", err)
	}
}

func TestScheduler_NextRun(t *testing.T) {
	s := NewScheduler(func(context.Context, string) {}, quietLogger())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	if err := s.Register("download", "0 3 * * *"); err != nil {
		t.Fatal(err)
	}
	expr, next, ok := s.Schedule("download")
	if !ok || expr != "0 3 * * *" {
		t.Fatalf("Schedule = %q, %v", expr, ok)
	}
	if want := time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Errorf("следующий запуск = %v, ожидается %v", next, want)
	}

	if err := s.Reschedule("download", "*/15 * * * *"); err != nil {
		t.Fatal(err)
	}
	_, next, _ = s.Schedule("download")
	if want := time.Date(2026, 3, 1, 12, 15, 0, 0, time.UTC); !next.Equal(want) {
		t.Errorf("после Reschedule = %v, ожидается %v", next, want)
	}

	if _, _, ok := s.Schedule("nope"); ok {
		t.Error("Schedule для незарегистрированной задачи")
	}
}

func TestScheduler_UntilNextCapped(t *testing.T) {
	s := NewScheduler(func(context.Context, string) {}, quietLogger())
	if d := s.untilNext(); d != maxSleepCap {
		t.Errorf("без задач: %v, ожидается %v", d, maxSleepCap)
	}

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	if err := s.Register("download", "0 3 * * *"); err != nil {
		t.Fatal(err)
	}
	if d := s.untilNext(); d != maxSleepCap {
		t.Errorf("далёкий запуск: %v, ожидается %v", d, maxSleepCap)
	}
}

func TestScheduler_FireDueSkipsOverlap(t *testing.T) {
	release := make(chan struct{})
	var fired atomic.Int32
	s := NewScheduler(func(context.Context, string) {
		fired.Add(1)
		<-release
	}, quietLogger())

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	if err := s.Register("download", "* * * * *"); err != nil {
		t.Fatal(err)
	}

	// Время срабатывания наступило
	now = now.Add(2 * time.Minute)
	s.fireDue(context.Background())
	waitFor(t, func() bool { return fired.Load() == 1 })

	// Предыдущий проход ещё идёт: следующее срабатывание пропускается
	now = now.Add(2 * time.Minute)
	s.fireDue(context.Background())
	time.Sleep(20 * time.Millisecond)
	if fired.Load() != 1 {
		t.Errorf("срабатываний: хотели 1, получили %d", fired.Load())
	}

	close(release)
	s.wg.Wait()

	now = now.Add(2 * time.Minute)
	s.fireDue(context.Background())
	s.wg.Wait()
	if fired.Load() != 2 {
		t.Errorf("после завершения прохода: хотели 2, получили %d", fired.Load())
	}

	_, next, _ := s.Schedule("download")
	if !next.After(now) {
		t.Errorf("следующий запуск %v не после %v", next, now)
	}
}

func TestScheduler_PanicRecovered(t *testing.T) {
	var fired atomic.Int32
	s := NewScheduler(func(context.Context, string) {
		fired.Add(1)
		panic("boom")
	}, quietLogger())

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	if err := s.Register("download", "* * * * *"); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		now = now.Add(2 * time.Minute)
		s.fireDue(context.Background())
		s.wg.Wait()
	}
	if fired.Load() != 2 {
		t.Errorf("после паники задача должна срабатывать снова: %d", fired.Load())
	}
}

func TestScheduler_StartStop(t *testing.T) {
	s := NewScheduler(func(context.Context, string) {}, quietLogger())
	if err := s.Register("download", "0 3 * * *"); err != nil {
		t.Fatal(err)
	}

	s.Start(context.Background())
	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop не завершился")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("условие не выполнено за 2с")
}
