// Пакет repository — слой доступа к данным chankeeper.
// Интерфейсы репозиториев общие для всех бэкендов; в этом пакете —
// реализация для PostgreSQL (чистый SQL через pgx, без ORM).
// Реализация для SQLite находится в подпакете sqlite.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bigkaa/chankeeper/internal/domain/model"
)

// Ошибки слоя репозиториев.
var (
	// ErrNotFound — запись не найдена.
	ErrNotFound = errors.New("запись не найдена")
	// ErrConflict — конфликт уникальности (дублирующийся ресурс).
	ErrConflict = errors.New("конфликт — запись уже существует")
)

// SettingsRepository — универсальное хранилище ключ/значение (таблица settings).
type SettingsRepository interface {
	// Get возвращает настройку по ключу. Если не найдена — ErrNotFound.
	Get(ctx context.Context, key string) (*model.Setting, error)
	// Set создаёт или обновляет настройку (upsert). value может быть nil.
	Set(ctx context.Context, key string, value *string) error
	// ListByPrefix возвращает настройки с ключами, начинающимися на prefix.
	ListByPrefix(ctx context.Context, prefix string) ([]model.Setting, error)
	// Delete удаляет настройку по ключу. Если не найдена — ErrNotFound.
	Delete(ctx context.Context, key string) error
}

// RunLockRepository — именованные блокировки задач (таблица run_locks).
type RunLockRepository interface {
	// TryAcquire атомарно захватывает блокировку, если она свободна.
	// Возвращает false без побочных эффектов, если блокировка уже захвачена.
	TryAcquire(ctx context.Context, jobName, holder string, now time.Time) (bool, error)
	// Release снимает блокировку безусловно.
	Release(ctx context.Context, jobName string, now time.Time) error
	// Get возвращает состояние блокировки. Для неизвестной задачи — ErrNotFound.
	Get(ctx context.Context, jobName string) (*model.RunLockState, error)
	// ReleaseStale снимает захваченные блокировки, у которых last_run_at
	// старше cutoff или отсутствует. Возвращает имена задач.
	ReleaseStale(ctx context.Context, cutoff, now time.Time) ([]string, error)
}

// TriggerQueueRepository — очередь отложенных ручных запусков (таблица trigger_queue).
type TriggerQueueRepository interface {
	// Enqueue добавляет запись в конец очереди задачи и возвращает
	// сохранённую запись и её 1-based позицию.
	Enqueue(ctx context.Context, entry *model.QueueEntry) (*model.QueueEntry, int, error)
	// List возвращает записи очереди задачи в порядке вставки.
	List(ctx context.Context, jobName string) ([]model.QueueEntry, error)
	// Count возвращает длину очереди задачи.
	Count(ctx context.Context, jobName string) (int, error)
	// DeleteOlderThan удаляет записи с enqueued_at < cutoff и возвращает их.
	DeleteOlderThan(ctx context.Context, jobName string, cutoff time.Time) ([]model.QueueEntry, error)
	// TakeAll атомарно удаляет все записи очереди задачи и возвращает их
	// в порядке вставки.
	TakeAll(ctx context.Context, jobName string) ([]model.QueueEntry, error)
}

// JobSummaryRepository — сводки последних проходов (таблица job_summaries).
type JobSummaryRepository interface {
	// Save сохраняет сводку (upsert по job_name).
	Save(ctx context.Context, s *model.JobSummary) error
	// Get возвращает сводку задачи. Если прохода ещё не было — ErrNotFound.
	Get(ctx context.Context, jobName string) (*model.JobSummary, error)
}

// SourceRepository — отслеживаемые источники (таблица sources).
type SourceRepository interface {
	// Create регистрирует источник. Дубликат URL — ErrConflict.
	Create(ctx context.Context, s *model.Source) (*model.Source, error)
	// Get возвращает источник по ID. Если не найден — ErrNotFound.
	Get(ctx context.Context, id int64) (*model.Source, error)
	// List возвращает все источники, упорядоченные по ID.
	List(ctx context.Context) ([]model.Source, error)
	// ListEnabled возвращает включённые источники, упорядоченные по ID.
	ListEnabled(ctx context.Context) ([]model.Source, error)
	// SetEnabled включает или выключает источник.
	SetEnabled(ctx context.Context, id int64, enabled bool) error
	// TouchChecked проставляет last_checked_at.
	TouchChecked(ctx context.Context, id int64, at time.Time) error
}

// ItemRepository — элементы архива (таблица items).
type ItemRepository interface {
	// Create добавляет элемент. Дубликат (source_id, external_id) — ErrConflict.
	Create(ctx context.Context, item *model.Item) (*model.Item, error)
	// GetByExternalID возвращает элемент источника по внешнему ID.
	GetByExternalID(ctx context.Context, sourceID int64, externalID string) (*model.Item, error)
	// Update сохраняет поля, которыми владеет загрузчик.
	Update(ctx context.Context, item *model.Item) error
	// ListOnDisk возвращает завершённые элементы источника, присутствующие на диске.
	ListOnDisk(ctx context.Context, sourceID int64) ([]model.Item, error)
	// MarkEvicted помечает элемент вытесненным. Если элемент уже
	// не на диске — ErrNotFound.
	MarkEvicted(ctx context.Context, id int64, at time.Time) error
	// Stats возвращает количество элементов на диске и вытесненных.
	Stats(ctx context.Context, sourceID int64) (onDisk, evicted int, err error)
}

// RunRecordRepository — история запусков (таблица run_records).
type RunRecordRepository interface {
	// Create создаёт запись со статусом running.
	Create(ctx context.Context, r *model.RunRecord) (*model.RunRecord, error)
	// Finalize финализирует запись. Повторная финализация — ErrNotFound.
	Finalize(ctx context.Context, id int64, status model.RunStatus, res model.FetchResult, errMsg *string, at time.Time) error
	// ListBySource возвращает последние записи источника, новые первыми.
	ListBySource(ctx context.Context, sourceID int64, limit int) ([]model.RunRecord, error)
}

// Repositories — набор репозиториев поверх одного бэкенда.
type Repositories struct {
	Settings  SettingsRepository
	Locks     RunLockRepository
	Queue     TriggerQueueRepository
	Summaries JobSummaryRepository
	Sources   SourceRepository
	Items     ItemRepository
	Runs      RunRecordRepository
}

// NewPostgres собирает репозитории поверх пула PostgreSQL.
func NewPostgres(pool *pgxpool.Pool) *Repositories {
	return &Repositories{
		Settings:  NewSettingsRepository(pool),
		Locks:     NewRunLockRepository(pool),
		Queue:     NewTriggerQueueRepository(pool, NewTxRunner(pool)),
		Summaries: NewJobSummaryRepository(pool),
		Sources:   NewSourceRepository(pool),
		Items:     NewItemRepository(pool),
		Runs:      NewRunRecordRepository(pool),
	}
}

// DBTX — интерфейс для выполнения SQL-запросов.
// Реализуется как *pgxpool.Pool, так и pgx.Tx, что позволяет
// использовать репозитории как внутри, так и вне транзакций.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxRunner позволяет выполнять операции в транзакции.
type TxRunner struct {
	pool *pgxpool.Pool
}

// NewTxRunner создаёт TxRunner для управления транзакциями.
func NewTxRunner(pool *pgxpool.Pool) *TxRunner {
	return &TxRunner{pool: pool}
}

// RunInTx выполняет fn внутри транзакции.
// При ошибке fn — транзакция откатывается.
// При успехе — коммитится.
func (r *TxRunner) RunInTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // откат после коммита — no-op

	if err := fn(tx); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// isUniqueViolation проверяет, является ли ошибка нарушением уникальности PostgreSQL.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
