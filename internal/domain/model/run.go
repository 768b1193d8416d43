package model

import "time"

// RunTrigger — что инициировало запуск.
type RunTrigger string

const (
	TriggerScheduled RunTrigger = "scheduled"
	TriggerManual    RunTrigger = "manual"
	TriggerQueued    RunTrigger = "queued"
)

// RunStatus — статус записи истории запусков.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// MaxRunErrorLen — максимальная длина сообщения об ошибке в RunRecord.
const MaxRunErrorLen = 500

// RunRecord — строка истории: одна попытка загрузки одного источника.
// Создаётся перед загрузкой, финализируется один раз.
type RunRecord struct {
	// ID — идентификатор записи
	ID int64
	// PassID — UUID прохода оркестратора
	PassID string
	// JobName — имя задачи
	JobName string
	// SourceID — источник
	SourceID int64
	// Trigger — источник запуска
	Trigger RunTrigger
	// StartedAt — время начала попытки
	StartedAt time.Time
	// ItemsFound — элементов найдено у источника
	ItemsFound int
	// ItemsFetched — элементов загружено
	ItemsFetched int
	// ItemsSkipped — элементов пропущено (уже в архиве)
	ItemsSkipped int
	// Status — running, completed, failed
	Status RunStatus
	// ErrorMessage — текст ошибки (не длиннее MaxRunErrorLen)
	ErrorMessage *string
	// CompletedAt — время финализации
	CompletedAt *time.Time
}

// FetchResult — итог вызова загрузчика для одного источника.
type FetchResult struct {
	ItemsFound   int
	ItemsFetched int
	ItemsSkipped int
}

// TruncateError обрезает сообщение до MaxRunErrorLen символов.
func TruncateError(msg string) string {
	r := []rune(msg)
	if len(r) <= MaxRunErrorLen {
		return msg
	}
	return string(r[:MaxRunErrorLen])
}
