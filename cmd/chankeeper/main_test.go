package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/urfave/cli"

	"github.com/bigkaa/chankeeper/internal/domain/model"
)

// setupEnv настраивает окружение для SQLite во временном каталоге.
func setupEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("CK_DB_DRIVER", "sqlite")
	t.Setenv("CK_SQLITE_PATH", filepath.Join(dir, "state.db"))
	t.Setenv("CK_MEDIA_DIR", filepath.Join(dir, "media"))
	t.Setenv("CK_LOG_LEVEL", "error")
	t.Setenv("CK_MAX_ATTEMPTS", "1")
	return dir
}

// runApp запускает CLI и возвращает вывод и код выхода (0 — без ExitCoder).
func runApp(t *testing.T, args ...string) (string, int, error) {
	t.Helper()
	code := 0
	prevExiter := cli.OsExiter
	cli.OsExiter = func(c int) { code = c }
	t.Cleanup(func() { cli.OsExiter = prevExiter })

	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &out
	err := app.Run(append([]string{"chankeeper"}, args...))
	return out.String(), code, err
}

func TestMigrateAndSourceCommands(t *testing.T) {
	setupEnv(t)

	if _, _, err := runApp(t, "migrate"); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	out, _, err := runApp(t, "source", "add", "--name", "канал", "--url", "https://www.youtube.com/@first", "--cap", "3")
	if err != nil {
		t.Fatalf("source add: %v", err)
	}
	if !strings.Contains(out, "cap=3") {
		t.Errorf("вывод source add: %q", out)
	}

	if _, _, err := runApp(t, "source", "add", "--name", "x", "--url", "ftp://bad"); err == nil {
		t.Error("source add с некорректным URL должен вернуть ошибку")
	}

	out, _, err = runApp(t, "source", "list")
	if err != nil {
		t.Fatalf("source list: %v", err)
	}
	if !strings.Contains(out, "https://www.youtube.com/@first") || !strings.Contains(out, "ENABLED") {
		t.Errorf("вывод source list: %q", out)
	}
}

func TestStatusAndReap(t *testing.T) {
	setupEnv(t)

	out, _, err := runApp(t, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var st struct {
		JobName string
		Running bool
	}
	if err := json.Unmarshal([]byte(out), &st); err != nil {
		t.Fatalf("вывод status не JSON: %v (%q)", err, out)
	}
	if st.JobName != "download" || st.Running {
		t.Errorf("статус: %+v", st)
	}

	out, _, err = runApp(t, "reap")
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if strings.TrimSpace(out) != "" {
		t.Errorf("reap без зависших блокировок: %q", out)
	}
}

func TestRunOnce_NoSources(t *testing.T) {
	setupEnv(t)

	out, code, err := runApp(t, "run-once")
	if err != nil || code != 0 {
		t.Fatalf("run-once: err=%v code=%d", err, code)
	}
	var summary model.JobSummary
	if err := json.Unmarshal([]byte(out), &summary); err != nil {
		t.Fatalf("сводка не JSON: %v (%q)", err, out)
	}
	if summary.State != model.PassDone || summary.SourcesAttempted != 0 {
		t.Errorf("сводка: state=%s attempted=%d", summary.State, summary.SourcesAttempted)
	}
}

func TestRunOnce_FailedSourceExitCode(t *testing.T) {
	dir := setupEnv(t)

	// yt-dlp, который всегда отвечает неустранимой ошибкой
	script := filepath.Join(dir, "yt-dlp")
	body := "#!/bin/sh\necho 'ERROR: [youtube] abc: Private video' >&2\nexit 1\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CK_YTDLP_PATH", script)

	if _, _, err := runApp(t, "source", "add", "--name", "канал", "--url", "https://www.youtube.com/@first"); err != nil {
		t.Fatalf("source add: %v", err)
	}

	out, code, err := runApp(t, "run-once")
	if err == nil {
		t.Fatal("run-once с упавшим источником должен вернуть ошибку")
	}
	if code != 1 {
		t.Errorf("код выхода: хотели 1, получили %d", code)
	}
	if !strings.Contains(out, `"sources_failed": 1`) {
		t.Errorf("сводка: %q", out)
	}
}

func TestServe_InitErrorReturned(t *testing.T) {
	dir := setupEnv(t)

	// Каталог архива занят обычным файлом
	mediaFile := filepath.Join(dir, "media")
	if err := os.WriteFile(mediaFile, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, code, err := runApp(t, "serve")
	if err == nil {
		t.Fatal("serve с недоступным архивом должен вернуть ошибку")
	}
	if code != 0 {
		t.Errorf("код выхода: хотели 0 (ошибка возвращается из команды), получили %d", code)
	}
}
