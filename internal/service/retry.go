// retry.go — классификация ошибок загрузки для повторных попыток.
package service

import (
	"context"
	"errors"
	"io"
	"net"
	"regexp"
	"strings"
)

// retryableHints — признаки временных ошибок сети и upstream в тексте ошибки.
var retryableHints = []string{
	"timeout",
	"timed out",
	"connection reset",
	"broken pipe",
	"temporarily unavailable",
	"temporary failure",
	"service unavailable",
	"bad gateway",
	"network is unreachable",
	"too many requests",
	"rate limit",
	"ratelimit",
	"quota",
	"throttl",
}

// retryableStatus — HTTP-коды, после которых имеет смысл повторить запрос.
// Код учитывается только после "HTTP"/"status": числа в URL и id не в счёт.
var retryableStatus = regexp.MustCompile(`(?i)\b(?:http(?:\s+error)?|status(?:\s+code)?)\s*:?\s*(?:429|502|503|504)\b`)

// IsRetryable определяет, стоит ли повторить загрузку после ошибки.
// Отмена контекста не повторяется; истечение дедлайна — повторяется.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	text := strings.ToLower(err.Error())
	for _, h := range retryableHints {
		if strings.Contains(text, h) {
			return true
		}
	}
	return retryableStatus.MatchString(text)
}
