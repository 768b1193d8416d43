// Пакет model — доменные модели chankeeper: источники, элементы архива,
// история запусков и состояние координации задач.
package model

import "time"

// Source — отслеживаемый источник (канал, плейлист) с лимитом элементов в архиве.
type Source struct {
	// ID — идентификатор источника
	ID int64
	// Name — отображаемое имя
	Name string
	// URL — адрес источника для загрузчика
	URL string
	// Cap — максимальное количество элементов на диске (не меньше 1)
	Cap int
	// Enabled — участвует ли источник в проходах
	Enabled bool
	// LastCheckedAt — время последней попытки загрузки (проставляет оркестратор)
	LastCheckedAt *time.Time
	// CreatedAt — время создания записи
	CreatedAt time.Time
}
