package model

import "time"

// ItemStatus — статус элемента архива.
type ItemStatus string

const (
	ItemPending   ItemStatus = "pending"
	ItemFetching  ItemStatus = "fetching"
	ItemCompleted ItemStatus = "completed"
	ItemFailed    ItemStatus = "failed"
)

// Item — один элемент архива источника (например, видео).
//
// ExistsOnDisk=false и RemovedAt=nil — файл так и не был загружен.
// ExistsOnDisk=false и RemovedAt!=nil — элемент вытеснен политикой хранения.
type Item struct {
	// ID — идентификатор элемента
	ID int64
	// SourceID — источник, которому принадлежит элемент
	SourceID int64
	// ExternalID — идентификатор элемента у источника (video id)
	ExternalID string
	// Title — заголовок
	Title string
	// Status — статус загрузки
	Status ItemStatus
	// ProducedAt — дата публикации у источника (может быть неизвестна)
	ProducedAt *time.Time
	// ExistsOnDisk — файл элемента присутствует в архиве
	ExistsOnDisk bool
	// FilePath — путь к каталогу элемента относительно корня архива
	FilePath string
	// RemovedAt — время вытеснения
	RemovedAt *time.Time
	// ErrorMessage — последняя ошибка загрузки
	ErrorMessage string
	// CreatedAt — время создания записи
	CreatedAt time.Time
	// UpdatedAt — время последнего обновления
	UpdatedAt time.Time
}

// RetentionStats — сводка по архиву источника для отчёта о статусе.
type RetentionStats struct {
	SourceID int64 `json:"source_id"`
	Cap      int   `json:"cap"`
	OnDisk   int   `json:"on_disk"`
	Evicted  int   `json:"evicted"`
}
