// metrics.go — Prometheus-метрики оркестрации загрузок.
package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// passesTotal — проходы оркестратора по итоговому состоянию (done, skipped).
	passesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ck_passes_total",
		Help: "Общее количество проходов оркестратора",
	}, []string{"job", "state"})

	// passDurationSeconds — длительность прохода.
	passDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ck_pass_duration_seconds",
		Help:    "Длительность прохода оркестратора в секундах",
		Buckets: []float64{1, 5, 30, 60, 300, 900, 1800, 3600, 7200},
	}, []string{"job"})

	// sourceFetchTotal — попытки загрузки источника по результату.
	sourceFetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ck_source_fetch_total",
		Help: "Загрузки источников по результату (success, failed, skipped)",
	}, []string{"job", "result"})

	// fetchRetriesTotal — повторные попытки после временных ошибок.
	fetchRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ck_fetch_retries_total",
		Help: "Повторные попытки загрузки после временных ошибок",
	}, []string{"job"})

	// itemsEvictedTotal — элементы, вытесненные политикой хранения.
	itemsEvictedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ck_items_evicted_total",
		Help: "Общее количество элементов, вытесненных политикой хранения",
	})

	// evictionErrorsTotal — ошибки удаления файлов и пометки элементов.
	evictionErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ck_eviction_errors_total",
		Help: "Ошибки при вытеснении элементов",
	})

	// queueEnqueuedTotal — запросы, поставленные в очередь.
	queueEnqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ck_queue_enqueued_total",
		Help: "Ручные запуски, поставленные в очередь",
	}, []string{"job"})

	// queueStaleTotal — запросы, отброшенные как устаревшие.
	queueStaleTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ck_queue_stale_total",
		Help: "Ручные запуски, отброшенные как устаревшие",
	}, []string{"job"})

	// lockBusyTotal — попытки захвата занятой блокировки.
	lockBusyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ck_lock_busy_total",
		Help: "Попытки захвата уже захваченной блокировки задачи",
	}, []string{"job"})

	// statusCacheHitsTotal / statusCacheMissesTotal — LRU-кэш статуса.
	statusCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ck_status_cache_hits_total",
		Help: "Попадания в кэш статуса задач",
	})
	statusCacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ck_status_cache_misses_total",
		Help: "Промахи кэша статуса задач",
	})
)
