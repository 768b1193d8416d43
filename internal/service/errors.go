// errors.go — ошибки бизнес-логики сервисного слоя.
package service

import "errors"

var (
	// ErrNotFound — ресурс не найден.
	ErrNotFound = errors.New("ресурс не найден")
	// ErrConflict — конфликт (дублирующийся ресурс).
	ErrConflict = errors.New("конфликт — ресурс уже существует")
	// ErrValidation — ошибка валидации входных данных.
	ErrValidation = errors.New("ошибка валидации")
	// ErrQueueFull — очередь ручных запусков заполнена.
	ErrQueueFull = errors.New("очередь ручных запусков заполнена")
	// ErrUnknownJob — задача с таким именем не зарегистрирована.
	ErrUnknownJob = errors.New("неизвестная задача")
	// ErrInvalidCap — лимит архива источника меньше 1.
	ErrInvalidCap = errors.New("лимит архива источника должен быть не меньше 1")
	// ErrSourceDisabled — источник отключён.
	ErrSourceDisabled = errors.New("источник отключён")
)
