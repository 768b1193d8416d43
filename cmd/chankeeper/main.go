// Точка входа chankeeper — оркестратор загрузок медиа-источников.
// Без аргументов запускает сервер (serve): применяет миграции, открывает
// хранилище состояния, регистрирует задачу загрузки, планировщик,
// мониторинг зависимостей и HTTP API с graceful shutdown.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "chankeeper:", err)
		os.Exit(1)
	}
}
