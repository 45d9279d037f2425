package hosted

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestIsRetryable_KeywordSet(t *testing.T) {
	cases := []struct {
		msg  string
		want bool
	}{
		{"request timeout while invoking model", true},
		{"Connection reset by peer", true},
		{"upstream returned 503 Service Unavailable", true},
		{"upstream returned 502 Bad Gateway", true},
		{"Rate limit exceeded for account", true},
		{"ThrottlingException: too many requests", true},
		{"model not found", false},
		{"access denied", false},
		{"validation failed: bad prompt", false},
	}
	for _, tc := range cases {
		err := &UpstreamError{Msg: tc.msg}
		if got := IsRetryable(err); got != tc.want {
			t.Fatalf("IsRetryable(%q)=%v want %v", tc.msg, got, tc.want)
		}
	}
}

func TestIsRetryable_RateLimitErrorExcludedByType(t *testing.T) {
	err := &RateLimitError{Wait: 30 * time.Second}
	// The message mentions the rate limit; the type still wins.
	if !containsFold(err.Error(), "rate limit") {
		t.Fatalf("message=%q should mention the rate limit", err.Error())
	}
	if IsRetryable(err) {
		t.Fatalf("rate-limiter permit timeouts must not be retryable")
	}
	if IsRetryable(fmt.Errorf("invoke: %w", err)) {
		t.Fatalf("wrapping must not make the permit timeout retryable")
	}
}

func TestIsRetryable_NilError(t *testing.T) {
	if IsRetryable(nil) {
		t.Fatalf("IsRetryable(nil)=true")
	}
}

func TestWrapInvokeError_PlainError(t *testing.T) {
	wrapped := wrapInvokeError(errors.New("dial tcp: connection refused"))
	var ue *UpstreamError
	if !errors.As(wrapped, &ue) {
		t.Fatalf("wrapInvokeError returned %T", wrapped)
	}
	if !containsFold(ue.Error(), "connection refused") {
		t.Fatalf("original message lost: %q", ue.Error())
	}
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}
