// runner.go — запуск процесса yt-dlp.
package ytdlp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// maxStderr — сколько байт stderr сохраняется в тексте ошибки.
const maxStderr = 2048

// Runner выполняет yt-dlp с аргументами и возвращает stdout.
// Ошибка несёт stderr процесса: по нему классифицируются временные сбои.
type Runner interface {
	Run(ctx context.Context, args ...string) ([]byte, error)
}

// ExecRunner — Runner поверх os/exec.
type ExecRunner struct {
	path    string
	timeout time.Duration
}

// NewExecRunner создаёт Runner для бинарника path.
// timeout ограничивает один вызов (0 — без ограничения).
func NewExecRunner(path string, timeout time.Duration) *ExecRunner {
	if path == "" {
		path = "yt-dlp"
	}
	return &ExecRunner{path: path, timeout: timeout}
}

// Run запускает yt-dlp и ждёт завершения.
func (r *ExecRunner) Run(ctx context.Context, args ...string) ([]byte, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, r.path, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("yt-dlp прерван: %w", ctxErr)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, &RunError{ExitCode: exitErr.ExitCode(), Stderr: tail(stderr.String())}
		}
		return nil, fmt.Errorf("запуск yt-dlp: %w", err)
	}
	return stdout.Bytes(), nil
}

// RunError — yt-dlp завершился с ненулевым кодом.
type RunError struct {
	ExitCode int
	Stderr   string
}

func (e *RunError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("yt-dlp завершился с кодом %d", e.ExitCode)
	}
	return fmt.Sprintf("yt-dlp завершился с кодом %d: %s", e.ExitCode, e.Stderr)
}

// tail оставляет последние maxStderr байт вывода.
func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxStderr {
		return s
	}
	return strings.ToValidUTF8(s[len(s)-maxStderr:], "")
}
