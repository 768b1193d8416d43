// Пакет sqlite — реализация репозиториев chankeeper поверх SQLite
// (modernc.org/sqlite, без CGO) для однопроцессной установки.
//
// Время хранится как TEXT фиксированной ширины в UTC, чтобы сравнения
// в SQL (устаревшие записи очереди, брошенные блокировки) были корректны.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/bigkaa/chankeeper/internal/repository"
)

// timeLayout — формат хранения времени.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// DBTX — общий интерфейс *sql.DB и *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// scanner — общий интерфейс *sql.Row и *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// New собирает репозитории поверх открытой базы SQLite.
func New(db *sql.DB) *repository.Repositories {
	return &repository.Repositories{
		Settings:  &settingsRepo{db: db},
		Locks:     &runLockRepo{db: db},
		Queue:     &triggerQueueRepo{db: db},
		Summaries: &jobSummaryRepo{db: db},
		Sources:   &sourceRepo{db: db},
		Items:     &itemRepo{db: db},
		Runs:      &runRecordRepo{db: db},
	}
}

// runInTx выполняет fn внутри транзакции.
func runInTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // откат после коммита — no-op

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// formatTimePtr возвращает NULL для nil.
func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("некорректное время %q: %w", s, err)
	}
	return t, nil
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// isUniqueViolation распознаёт нарушение UNIQUE/PRIMARY KEY в SQLite.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func rowsAffected(res sql.Result) int64 {
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return n
}
