// Пакет config — загрузка и валидация конфигурации chankeeper
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Поддерживаемые драйверы хранилища состояния.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config содержит все параметры конфигурации chankeeper.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string
	// WriteTimeout HTTP-сервера (0 — без ограничения). Синхронный ручной запуск может длиться долго.
	HTTPWriteTimeout time.Duration

	// --- Хранилище состояния ---

	// Драйвер: postgres или sqlite
	DBDriver string
	// Хост PostgreSQL
	DBHost string
	// Порт PostgreSQL
	DBPort int
	// Имя базы данных
	DBName string
	// Имя пользователя PostgreSQL
	DBUser string
	// Пароль пользователя PostgreSQL
	DBPassword string
	// Режим SSL: disable, require, verify-ca, verify-full
	DBSSLMode string
	// Путь к файлу SQLite (только для драйвера sqlite)
	SQLitePath string

	// --- Архив ---

	// Корневой каталог медиа-архива
	MediaDir string

	// --- Оркестрация ---

	// Имя основной задачи загрузки
	JobName string
	// Cron-выражение расписания (5 полей)
	Schedule string
	// Максимум попыток загрузки источника за проход
	MaxAttempts int
	// Пауза между попытками при временной ошибке
	RetryDelay time.Duration
	// Время жизни записи в очереди ручных запусков
	QueueTimeout time.Duration
	// Максимальная длина очереди ручных запусков
	QueueMaxDepth int
	// Возраст блокировки, после которого она считается брошенной
	LockStaleAfter time.Duration

	// --- yt-dlp ---

	// Путь к исполняемому файлу yt-dlp
	YtdlpPath string
	// Таймаут одного вызова yt-dlp
	YtdlpTimeout time.Duration
	// Темп загрузки элементов (элементов в секунду, 0 — без ограничения)
	DownloadRate float64
	// Допустимый всплеск загрузок
	DownloadBurst int

	// --- Кэш статуса ---

	// TTL снимка статуса задачи (0 — кэш отключён)
	StatusCacheTTL time.Duration

	// --- JWT (опционально) ---

	// URL JWKS endpoint. Пустое значение отключает аутентификацию.
	JWTJWKSURL string
	// Допустимое отклонение времени при проверке JWT
	JWTLeeway time.Duration
	// Scope, требуемый изменяющими endpoints
	WriteScope string

	// --- topologymetrics ---

	// Группа в метриках зависимостей
	DephealthGroup string
	// Интервал проверки зависимостей
	DephealthCheckInterval time.Duration

	// --- Graceful shutdown ---

	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	// CK_PORT — порт HTTP-сервера (по умолчанию 8080)
	cfg.Port, err = getEnvInt("CK_PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("CK_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("CK_PORT: значение %d вне допустимого диапазона 1-65535", cfg.Port)
	}

	// CK_LOG_LEVEL — уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("CK_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("CK_LOG_LEVEL: %w", err)
	}

	// CK_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("CK_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("CK_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// CK_HTTP_WRITE_TIMEOUT — WriteTimeout HTTP-сервера (по умолчанию 0 — без ограничения).
	// Ненулевое значение проверяется против CK_YTDLP_TIMEOUT ниже.
	cfg.HTTPWriteTimeout, err = getEnvDuration("CK_HTTP_WRITE_TIMEOUT", 0)
	if err != nil {
		return nil, fmt.Errorf("CK_HTTP_WRITE_TIMEOUT: %w", err)
	}

	// --- Хранилище состояния ---

	// CK_DB_DRIVER — postgres или sqlite (по умолчанию postgres)
	cfg.DBDriver = strings.ToLower(getEnvDefault("CK_DB_DRIVER", DriverPostgres))
	switch cfg.DBDriver {
	case DriverPostgres:
		if err := loadPostgres(cfg); err != nil {
			return nil, err
		}
	case DriverSQLite:
		cfg.SQLitePath = getEnvDefault("CK_SQLITE_PATH", "chankeeper.db")
	default:
		return nil, fmt.Errorf("CK_DB_DRIVER: недопустимое значение %q, допустимые: postgres, sqlite", cfg.DBDriver)
	}

	// CK_MEDIA_DIR — корень медиа-архива (по умолчанию ./media)
	cfg.MediaDir = getEnvDefault("CK_MEDIA_DIR", "./media")

	// --- Оркестрация ---

	cfg.JobName = getEnvDefault("CK_JOB_NAME", "download")
	if strings.ContainsAny(cfg.JobName, " /") {
		return nil, fmt.Errorf("CK_JOB_NAME: недопустимое имя задачи %q", cfg.JobName)
	}

	// CK_SCHEDULE — cron-выражение (по умолчанию каждые 6 часов)
	cfg.Schedule = getEnvDefault("CK_SCHEDULE", "0 */6 * * *")
	if err := ValidateSchedule(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("CK_SCHEDULE: %w", err)
	}

	cfg.MaxAttempts, err = getEnvInt("CK_MAX_ATTEMPTS", 2)
	if err != nil {
		return nil, fmt.Errorf("CK_MAX_ATTEMPTS: %w", err)
	}
	if cfg.MaxAttempts < 1 || cfg.MaxAttempts > 10 {
		return nil, fmt.Errorf("CK_MAX_ATTEMPTS: значение %d вне допустимого диапазона 1-10", cfg.MaxAttempts)
	}

	cfg.RetryDelay, err = getEnvDuration("CK_RETRY_DELAY", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("CK_RETRY_DELAY: %w", err)
	}

	cfg.QueueTimeout, err = getEnvDuration("CK_QUEUE_TIMEOUT", 30*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("CK_QUEUE_TIMEOUT: %w", err)
	}
	if cfg.QueueTimeout <= 0 {
		return nil, fmt.Errorf("CK_QUEUE_TIMEOUT: должен быть больше нуля")
	}

	cfg.QueueMaxDepth, err = getEnvInt("CK_QUEUE_MAX_DEPTH", 100)
	if err != nil {
		return nil, fmt.Errorf("CK_QUEUE_MAX_DEPTH: %w", err)
	}
	if cfg.QueueMaxDepth < 1 {
		return nil, fmt.Errorf("CK_QUEUE_MAX_DEPTH: значение %d должно быть не меньше 1", cfg.QueueMaxDepth)
	}

	// CK_LOCK_STALE_AFTER — порог для ReapStale при старте (по умолчанию 2h)
	cfg.LockStaleAfter, err = getEnvDuration("CK_LOCK_STALE_AFTER", 2*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("CK_LOCK_STALE_AFTER: %w", err)
	}

	// --- yt-dlp ---

	cfg.YtdlpPath = getEnvDefault("CK_YTDLP_PATH", "yt-dlp")

	cfg.YtdlpTimeout, err = getEnvDuration("CK_YTDLP_TIMEOUT", 2*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("CK_YTDLP_TIMEOUT: %w", err)
	}
	// Синхронный ручной запуск отвечает только после прохода: таймаут записи
	// короче одного вызова yt-dlp обрывает соединение до ответа.
	if cfg.HTTPWriteTimeout < 0 || (cfg.HTTPWriteTimeout > 0 && cfg.HTTPWriteTimeout < cfg.YtdlpTimeout) {
		return nil, fmt.Errorf("CK_HTTP_WRITE_TIMEOUT: %v меньше CK_YTDLP_TIMEOUT (%v), допустимо 0 (без ограничения) или не меньше CK_YTDLP_TIMEOUT",
			cfg.HTTPWriteTimeout, cfg.YtdlpTimeout)
	}

	cfg.DownloadRate, err = getEnvFloat("CK_DOWNLOAD_RATE", 0.2)
	if err != nil {
		return nil, fmt.Errorf("CK_DOWNLOAD_RATE: %w", err)
	}
	if cfg.DownloadRate < 0 {
		return nil, fmt.Errorf("CK_DOWNLOAD_RATE: отрицательное значение %v", cfg.DownloadRate)
	}

	cfg.DownloadBurst, err = getEnvInt("CK_DOWNLOAD_BURST", 1)
	if err != nil {
		return nil, fmt.Errorf("CK_DOWNLOAD_BURST: %w", err)
	}
	if cfg.DownloadBurst < 1 {
		return nil, fmt.Errorf("CK_DOWNLOAD_BURST: значение %d должно быть не меньше 1", cfg.DownloadBurst)
	}

	// --- Кэш статуса ---

	cfg.StatusCacheTTL, err = getEnvDuration("CK_STATUS_CACHE_TTL", 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("CK_STATUS_CACHE_TTL: %w", err)
	}

	// --- JWT ---

	cfg.JWTJWKSURL = getEnvDefault("CK_JWT_JWKS_URL", "")
	cfg.JWTLeeway, err = getEnvDuration("CK_JWT_LEEWAY", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("CK_JWT_LEEWAY: %w", err)
	}
	cfg.WriteScope = getEnvDefault("CK_WRITE_SCOPE", "chankeeper:write")

	// --- topologymetrics ---

	cfg.DephealthGroup = getEnvDefault("CK_DEPHEALTH_GROUP", "chankeeper")
	cfg.DephealthCheckInterval, err = getEnvDuration("CK_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("CK_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	// --- Graceful shutdown ---

	cfg.ShutdownTimeout, err = getEnvDuration("CK_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("CK_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// loadPostgres читает параметры подключения к PostgreSQL.
func loadPostgres(cfg *Config) error {
	var err error

	cfg.DBHost, err = getEnvRequired("CK_DB_HOST")
	if err != nil {
		return err
	}

	cfg.DBPort, err = getEnvInt("CK_DB_PORT", 5432)
	if err != nil {
		return fmt.Errorf("CK_DB_PORT: %w", err)
	}

	cfg.DBName, err = getEnvRequired("CK_DB_NAME")
	if err != nil {
		return err
	}

	cfg.DBUser, err = getEnvRequired("CK_DB_USER")
	if err != nil {
		return err
	}

	cfg.DBPassword, err = getEnvRequired("CK_DB_PASSWORD")
	if err != nil {
		return err
	}

	cfg.DBSSLMode = getEnvDefault("CK_DB_SSL_MODE", "disable")
	validSSLModes := map[string]bool{
		"disable": true, "require": true, "verify-ca": true, "verify-full": true,
	}
	if !validSSLModes[cfg.DBSSLMode] {
		return fmt.Errorf("CK_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}
	return nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// DatabaseURL возвращает URL PostgreSQL без пароля (для лейблов метрик).
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgresql://%s:%d/%s", c.DBHost, c.DBPort, c.DBName)
}

// AuthEnabled сообщает, включена ли JWT-аутентификация API.
func (c *Config) AuthEnabled() bool {
	return c.JWTJWKSURL != ""
}

// ValidateSchedule проверяет cron-выражение: ровно 5 полей и корректный синтаксис.
func ValidateSchedule(expr string) error {
	// gronx.IsValid принимает и 6 полей (с секундами), поэтому поля считаем сами.
	if len(strings.Fields(expr)) != 5 {
		return fmt.Errorf("ожидается 5 полей cron, получено выражение %q", expr)
	}
	if !gronx.IsValid(expr) {
		return fmt.Errorf("некорректное cron-выражение %q", expr)
	}
	return nil
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvFloat возвращает дробное значение переменной окружения или значение по умолчанию.
func getEnvFloat(key string, defaultVal float64) (float64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное число: %q", val)
	}
	return f, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
