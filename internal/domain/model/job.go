package model

import "time"

// Setting — запись универсального хранилища настроек.
type Setting struct {
	Key       string
	Value     *string
	UpdatedAt time.Time
}

// RunLockState — состояние именованной блокировки задачи.
type RunLockState struct {
	// JobName — имя задачи (ключ блокировки)
	JobName string
	// Held — блокировка захвачена
	Held bool
	// AcquiredAt — время последнего захвата
	AcquiredAt *time.Time
	// LastRunAt — время начала последнего прохода
	LastRunAt *time.Time
	// Holder — кто держит блокировку (hostname:pid)
	Holder string
}

// QueueEntry — отложенный ручной запуск.
type QueueEntry struct {
	// Seq — порядковый номер вставки (порядок обработки)
	Seq int64
	// JobName — задача, в очередь которой поставлен запрос
	JobName string
	// SourceID — источник для загрузки
	SourceID int64
	// RequestedBy — кто запросил запуск
	RequestedBy string
	// RequestID — UUID запроса для отслеживания
	RequestID string
	// EnqueuedAt — время постановки в очередь
	EnqueuedAt time.Time
}

// PassState — состояние прохода оркестратора.
type PassState string

const (
	PassNotStarted   PassState = "not_started"
	PassLockAcquired PassState = "lock_acquired"
	PassSourceLoop   PassState = "source_loop"
	PassQueueDrain   PassState = "queue_drain"
	PassReleased     PassState = "released"
	PassDone         PassState = "done"
	PassSkipped      PassState = "skipped"
)

// Причины пропуска прохода.
const (
	SkipAlreadyRunning = "already running"
	SkipPaused         = "paused"
)

// JobSummary — агрегированная статистика последнего прохода задачи.
type JobSummary struct {
	JobName          string     `json:"job_name"`
	PassID           string     `json:"pass_id"`
	Trigger          RunTrigger `json:"trigger"`
	State            PassState  `json:"state"`
	SkipReason       string     `json:"skip_reason,omitempty"`
	StartedAt        time.Time  `json:"started_at"`
	FinishedAt       time.Time  `json:"finished_at"`
	SourcesAttempted int        `json:"sources_attempted"`
	SourcesSucceeded int        `json:"sources_succeeded"`
	SourcesFailed    int        `json:"sources_failed"`
	QueueProcessed   int        `json:"queue_processed"`
	QueueSkipped     int        `json:"queue_skipped"`
	QueueStale       int        `json:"queue_stale"`
	ItemsFetched     int        `json:"items_fetched"`
	ItemsEvicted     int        `json:"items_evicted"`
}
