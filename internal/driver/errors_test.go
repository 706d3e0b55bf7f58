package driver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/loomworks/loom/internal/executor"
)

type fakeNetError struct{ timeout bool }

func (e fakeNetError) Error() string   { return "dial tcp: i/o fault" }
func (e fakeNetError) Timeout() bool   { return e.timeout }
func (e fakeNetError) Temporary() bool { return false }

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want executor.ErrorCode
	}{
		{
			name: "typed executor error passes through",
			err:  &executor.Error{Code: executor.CodeRateLimited, Message: "slow down"},
			want: executor.CodeRateLimited,
		},
		{
			name: "wrapped executor error unwrapped",
			err:  fmt.Errorf("invoking: %w", &executor.Error{Code: executor.CodeContextTooLarge}),
			want: executor.CodeContextTooLarge,
		},
		{
			name: "deadline exceeded",
			err:  context.DeadlineExceeded,
			want: executor.CodeTimeout,
		},
		{
			name: "canceled",
			err:  context.Canceled,
			want: executor.CodeUnknown,
		},
		{
			name: "net timeout",
			err:  fakeNetError{timeout: true},
			want: executor.CodeTimeout,
		},
		{
			name: "net non-timeout",
			err:  fakeNetError{timeout: false},
			want: executor.CodeProviderError,
		},
		{
			name: "untyped timeout string",
			err:  errors.New("client: request Timeout after 30s"),
			want: executor.CodeTimeout,
		},
		{
			name: "untyped transport string",
			err:  errors.New("dial tcp 127.0.0.1:80: connection refused"),
			want: executor.CodeProviderError,
		},
		{
			name: "anything else",
			err:  errors.New("weird library state"),
			want: executor.CodeUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyError(tt.err)
			if got.Code != tt.want {
				t.Errorf("classifyError(%v).Code = %q, want %q", tt.err, got.Code, tt.want)
			}
		})
	}
}

func TestClassifyErrorNil(t *testing.T) {
	if got := classifyError(nil); got != nil {
		t.Errorf("classifyError(nil) = %v, want nil", got)
	}
}

func TestUserMessageTruncates(t *testing.T) {
	long := strings.Repeat("a", 2*maxUserMessageLen)
	got := userMessage(context.Background(), &executor.Error{Code: executor.CodeUnknown, Message: long})
	if len([]rune(got)) > maxUserMessageLen {
		t.Errorf("userMessage length = %d, want <= %d", len([]rune(got)), maxUserMessageLen)
	}
	if !strings.HasSuffix(got, "…") {
		t.Errorf("truncated message %q does not end with ellipsis", got)
	}

	short := "it broke"
	if got := userMessage(context.Background(), &executor.Error{Message: short}); got != short {
		t.Errorf("userMessage(short) = %q, want %q", got, short)
	}
}
