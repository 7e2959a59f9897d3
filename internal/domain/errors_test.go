package domain_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/zianncupcake/myfoods-backend/internal/domain"
)

func TestTaskNotFoundError(t *testing.T) {
	err := &domain.TaskNotFoundError{TaskID: "abc-123"}
	if !strings.Contains(err.Error(), "abc-123") {
		t.Errorf("error message should contain task ID, got: %q", err.Error())
	}
}

func TestTaskAlreadyProcessedError(t *testing.T) {
	err := &domain.TaskAlreadyProcessedError{TaskID: "xyz-789", Status: domain.StatusSuccess}
	msg := err.Error()
	if !strings.Contains(msg, "xyz-789") || !strings.Contains(msg, "SUCCESS") {
		t.Errorf("unexpected message: %q", msg)
	}
}

func TestRateLimitExceededError(t *testing.T) {
	err := &domain.RateLimitExceededError{Key: "10.0.0.1", Limit: 30}
	msg := err.Error()
	if !strings.Contains(msg, "10.0.0.1") || !strings.Contains(msg, "30") {
		t.Errorf("unexpected message: %q", msg)
	}
}

func TestQueueUnavailableError_Unwraps(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := &domain.QueueUnavailableError{Err: cause}
	if !errors.Is(err, cause) {
		t.Error("QueueUnavailableError should unwrap to its cause")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"retryable", &domain.RetryableError{Msg: "Scrape HTTP Error: 503"}, true},
		{"wrapped retryable", fmt.Errorf("attempt: %w", &domain.RetryableError{Msg: "x"}), true},
		{"terminal", &domain.TerminalError{Msg: "Scrape HTTP Error: 404"}, false},
		{"soft timeout", &domain.TimeoutError{Limit: 45 * time.Second}, true},
		{"hard timeout", &domain.TimeoutError{Hard: true, Limit: time.Minute}, false},
		{"deadline", context.DeadlineExceeded, true},
		{"unsupported", &domain.UnsupportedPlatformError{URL: "https://example.com"}, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := domain.IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestNewTaskError_Kinds(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantKind domain.ErrorKind
		wantMsg  string
	}{
		{"soft timeout", &domain.TimeoutError{Limit: 45 * time.Second}, domain.KindTimeout, "Scrape Timeout"},
		{"hard timeout", &domain.TimeoutError{Hard: true}, domain.KindTimeout, "Hard Time Limit Exceeded"},
		{"retryable", &domain.RetryableError{Msg: "Scrape Request Error", Err: errors.New("reset")}, domain.KindRetryable, "Scrape Request Error"},
		{"terminal", &domain.TerminalError{Msg: "No data found"}, domain.KindTerminal, "No data found"},
		{"queue", &domain.QueueUnavailableError{Err: errors.New("down")}, domain.KindQueueUnavailable, "Failed to queue URL for processing"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			te := domain.NewTaskError(tt.err, "")
			if te.Kind != tt.wantKind {
				t.Errorf("Kind = %q, want %q", te.Kind, tt.wantKind)
			}
			if te.Message != tt.wantMsg {
				t.Errorf("Message = %q, want %q", te.Message, tt.wantMsg)
			}
		})
	}
}

func TestNewTaskError_TraceIsBounded(t *testing.T) {
	te := domain.NewTaskError(errors.New("boom"), strings.Repeat("x", domain.MaxTraceLen*2))
	if len(te.Trace) != domain.MaxTraceLen {
		t.Errorf("len(Trace) = %d, want %d", len(te.Trace), domain.MaxTraceLen)
	}
}

func TestTruncate_KeepsRunesWhole(t *testing.T) {
	s := strings.Repeat("ラ", 10) // 3 bytes each
	got := domain.Truncate(s, 7)
	if got != "ララ" {
		t.Errorf("Truncate = %q, want %q", got, "ララ")
	}
	if !utf8.ValidString(got) {
		t.Error("Truncate produced invalid UTF-8")
	}
	if domain.Truncate("abc", 5) != "abc" {
		t.Error("short strings must pass through")
	}
}

func TestNewTaskError_TraceStaysValidUTF8(t *testing.T) {
	trace := "x" + strings.Repeat("é", domain.MaxTraceLen)
	te := domain.NewTaskError(errors.New("boom"), trace)
	if len(te.Trace) > domain.MaxTraceLen {
		t.Errorf("len(Trace) = %d, want <= %d", len(te.Trace), domain.MaxTraceLen)
	}
	if !utf8.ValidString(te.Trace) {
		t.Error("trace cut a rune in half")
	}
}

func TestStatusConflictError(t *testing.T) {
	err := &domain.StatusConflictError{TaskID: "t1", Expected: domain.StatusRetry, Actual: domain.StatusStarted}
	if !strings.Contains(err.Error(), "t1") || !strings.Contains(err.Error(), "RETRY") {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestNewTaskError_Nil(t *testing.T) {
	if domain.NewTaskError(nil, "") != nil {
		t.Error("NewTaskError(nil) should be nil")
	}
}

func TestAllErrorTypesImplementError(t *testing.T) {
	var _ error = &domain.TaskNotFoundError{}
	var _ error = &domain.TaskAlreadyProcessedError{}
	var _ error = &domain.RateLimitExceededError{}
	var _ error = &domain.QueueUnavailableError{}
	var _ error = &domain.UnsupportedPlatformError{}
	var _ error = &domain.RetryableError{}
	var _ error = &domain.TerminalError{}
	var _ error = &domain.TimeoutError{}
	var _ error = &domain.StatusConflictError{}
}
