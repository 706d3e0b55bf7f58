package driver

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/loomworks/loom/internal/executor"
	"github.com/loomworks/loom/internal/logger"
)

// maxUserMessageLen caps the user-visible error field. The full text is
// always logged.
const maxUserMessageLen = 280

// timeoutPatterns mark untyped errors from upstream SDKs that should be
// surfaced as timeouts rather than generic provider faults.
var timeoutPatterns = []string{
	"timeout",
	"deadline exceeded",
	"connection reset",
}

var transportPatterns = []string{
	"connection refused",
	"no such host",
	"tls handshake",
	"eof",
}

// classifyError converts a fault raised outside the executor's control
// into a structured executor error with a friendlier code.
func classifyError(err error) *executor.Error {
	if err == nil {
		return nil
	}

	var execErr *executor.Error
	if errors.As(err, &execErr) {
		return execErr
	}

	// Typed checks first
	if errors.Is(err, context.DeadlineExceeded) {
		return &executor.Error{Code: executor.CodeTimeout, Message: "the request timed out"}
	}
	if errors.Is(err, context.Canceled) {
		return &executor.Error{Code: executor.CodeUnknown, Message: "the request was canceled"}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return &executor.Error{Code: executor.CodeTimeout, Message: "the upstream call timed out"}
		}
		return &executor.Error{Code: executor.CodeProviderError, Message: "the upstream provider could not be reached"}
	}

	// String fallback only for untyped errors from third-party libraries
	msg := strings.ToLower(err.Error())
	for _, p := range timeoutPatterns {
		if strings.Contains(msg, p) {
			return &executor.Error{Code: executor.CodeTimeout, Message: "the upstream call timed out"}
		}
	}
	for _, p := range transportPatterns {
		if strings.Contains(msg, p) {
			return &executor.Error{Code: executor.CodeProviderError, Message: "the upstream provider could not be reached"}
		}
	}

	return &executor.Error{Code: executor.CodeUnknown, Message: err.Error()}
}

// userMessage returns the truncated, user-visible form of an executor
// error, logging the full text.
func userMessage(ctx context.Context, e *executor.Error) string {
	msg := e.Message
	if len(msg) > maxUserMessageLen {
		logger.ErrorContext(ctx, "execution failed", "code", e.Code, "message", e.Message)
		return msg[:maxUserMessageLen-1] + "…"
	}
	logger.ErrorContext(ctx, "execution failed", "code", e.Code, "message", msg)
	return msg
}
