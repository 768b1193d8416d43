package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

// setEnvs устанавливает переменные окружения на время теста.
func setEnvs(t *testing.T, envs map[string]string) {
	t.Helper()
	for k, v := range envs {
		t.Setenv(k, v)
	}
}

// minimalEnvs возвращает минимальный набор обязательных переменных для PostgreSQL.
func minimalEnvs() map[string]string {
	return map[string]string{
		"CK_DB_HOST":     "localhost",
		"CK_DB_NAME":     "chankeeper",
		"CK_DB_USER":     "chankeeper",
		"CK_DB_PASSWORD": "secret",
	}
}

func TestLoad_MinimalConfig(t *testing.T) {
	setEnvs(t, minimalEnvs())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() вернул ошибку: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("Port = %d, ожидается 8080", cfg.Port)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, ожидается Info", cfg.LogLevel)
	}
	if cfg.DBDriver != DriverPostgres {
		t.Errorf("DBDriver = %q, ожидается postgres", cfg.DBDriver)
	}
	if cfg.DBPort != 5432 {
		t.Errorf("DBPort = %d, ожидается 5432", cfg.DBPort)
	}
	if cfg.JobName != "download" {
		t.Errorf("JobName = %q, ожидается download", cfg.JobName)
	}
	if cfg.Schedule != "0 */6 * * *" {
		t.Errorf("Schedule = %q, ожидается 0 */6 * * *", cfg.Schedule)
	}
	if cfg.MaxAttempts != 2 {
		t.Errorf("MaxAttempts = %d, ожидается 2", cfg.MaxAttempts)
	}
	if cfg.RetryDelay != 30*time.Second {
		t.Errorf("RetryDelay = %v, ожидается 30s", cfg.RetryDelay)
	}
	if cfg.QueueTimeout != 30*time.Minute {
		t.Errorf("QueueTimeout = %v, ожидается 30m", cfg.QueueTimeout)
	}
	if cfg.LockStaleAfter != 2*time.Hour {
		t.Errorf("LockStaleAfter = %v, ожидается 2h", cfg.LockStaleAfter)
	}
	if cfg.AuthEnabled() {
		t.Error("AuthEnabled() = true без CK_JWT_JWKS_URL")
	}
}

func TestLoad_SQLiteWithoutPostgresVars(t *testing.T) {
	setEnvs(t, map[string]string{
		"CK_DB_DRIVER":   "sqlite",
		"CK_SQLITE_PATH": "/var/lib/chankeeper/state.db",
	})

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() вернул ошибку: %v", err)
	}
	if cfg.SQLitePath != "/var/lib/chankeeper/state.db" {
		t.Errorf("SQLitePath = %q", cfg.SQLitePath)
	}
}

func TestLoad_CustomValues(t *testing.T) {
	envs := minimalEnvs()
	envs["CK_PORT"] = "9090"
	envs["CK_LOG_LEVEL"] = "debug"
	envs["CK_LOG_FORMAT"] = "text"
	envs["CK_SCHEDULE"] = "*/15 * * * *"
	envs["CK_MAX_ATTEMPTS"] = "3"
	envs["CK_RETRY_DELAY"] = "5s"
	envs["CK_QUEUE_MAX_DEPTH"] = "10"
	envs["CK_DOWNLOAD_RATE"] = "0.5"
	envs["CK_JWT_JWKS_URL"] = "https://idp.local/certs"
	setEnvs(t, envs)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() вернул ошибку: %v", err)
	}

	if cfg.Port != 9090 {
		t.Errorf("Port = %d, ожидается 9090", cfg.Port)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, ожидается Debug", cfg.LogLevel)
	}
	if cfg.LogFormat != "text" {
		t.Errorf("LogFormat = %q, ожидается text", cfg.LogFormat)
	}
	if cfg.Schedule != "*/15 * * * *" {
		t.Errorf("Schedule = %q", cfg.Schedule)
	}
	if cfg.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, ожидается 3", cfg.MaxAttempts)
	}
	if cfg.RetryDelay != 5*time.Second {
		t.Errorf("RetryDelay = %v, ожидается 5s", cfg.RetryDelay)
	}
	if cfg.QueueMaxDepth != 10 {
		t.Errorf("QueueMaxDepth = %d, ожидается 10", cfg.QueueMaxDepth)
	}
	if cfg.DownloadRate != 0.5 {
		t.Errorf("DownloadRate = %v, ожидается 0.5", cfg.DownloadRate)
	}
	if !cfg.AuthEnabled() {
		t.Error("AuthEnabled() = false при заданном CK_JWT_JWKS_URL")
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	required := []string{"CK_DB_HOST", "CK_DB_NAME", "CK_DB_USER", "CK_DB_PASSWORD"}

	for _, key := range required {
		t.Run(key, func(t *testing.T) {
			envs := minimalEnvs()
			delete(envs, key)
			setEnvs(t, envs)

			_, err := Load()
			if err == nil {
				t.Fatalf("Load() без %s должен вернуть ошибку", key)
			}
			if !strings.Contains(err.Error(), key) {
				t.Errorf("ошибка должна упоминать %s: %v", key, err)
			}
		})
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"порт вне диапазона", "CK_PORT", "70000"},
		{"порт не число", "CK_PORT", "abc"},
		{"неизвестный уровень логов", "CK_LOG_LEVEL", "trace"},
		{"неизвестный формат логов", "CK_LOG_FORMAT", "xml"},
		{"неизвестный драйвер", "CK_DB_DRIVER", "mysql"},
		{"неизвестный sslmode", "CK_DB_SSL_MODE", "prefer"},
		{"шесть полей cron", "CK_SCHEDULE", "0 0 */6 * * *"},
		{"мусор вместо cron", "CK_SCHEDULE", "every day"},
		{"ноль попыток", "CK_MAX_ATTEMPTS", "0"},
		{"некорректная длительность", "CK_RETRY_DELAY", "30"},
		{"нулевой таймаут очереди", "CK_QUEUE_TIMEOUT", "0s"},
		{"пустая очередь", "CK_QUEUE_MAX_DEPTH", "0"},
		{"отрицательный темп", "CK_DOWNLOAD_RATE", "-1"},
		{"имя задачи с пробелом", "CK_JOB_NAME", "my job"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			envs := minimalEnvs()
			envs[tt.key] = tt.val
			setEnvs(t, envs)

			if _, err := Load(); err == nil {
				t.Errorf("Load() с %s=%q должен вернуть ошибку", tt.key, tt.val)
			}
		})
	}
}

func TestValidateSchedule(t *testing.T) {
	valid := []string{"0 */6 * * *", "*/5 * * * *", "30 3 * * 1-5"}
	for _, expr := range valid {
		if err := ValidateSchedule(expr); err != nil {
			t.Errorf("ValidateSchedule(%q) = %v, ожидается nil", expr, err)
		}
	}

	invalid := []string{"", "* * * *", "0 0 0 * * *", "x * * * *"}
	for _, expr := range invalid {
		if err := ValidateSchedule(expr); err == nil {
			t.Errorf("ValidateSchedule(%q) = nil, ожидается ошибка", expr)
		}
	}
}

func TestLoad_WriteTimeoutCoversYtdlp(t *testing.T) {
	tests := []struct {
		name    string
		write   string
		ytdlp   string
		wantErr bool
	}{
		{"по умолчанию без ограничения", "", "", false},
		{"короче вызова yt-dlp", "30m", "2h", true},
		{"равен вызову yt-dlp", "2h", "2h", false},
		{"длиннее вызова yt-dlp", "3h", "", false},
		{"отрицательный", "-1m", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			envs := minimalEnvs()
			if tt.write != "" {
				envs["CK_HTTP_WRITE_TIMEOUT"] = tt.write
			}
			if tt.ytdlp != "" {
				envs["CK_YTDLP_TIMEOUT"] = tt.ytdlp
			}
			setEnvs(t, envs)

			cfg, err := Load()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Load() ошибка = %v, ожидается ошибка: %v", err, tt.wantErr)
			}
			if tt.write == "" && err == nil && cfg.HTTPWriteTimeout != 0 {
				t.Errorf("HTTPWriteTimeout = %v, ожидается 0", cfg.HTTPWriteTimeout)
			}
		})
	}
}
