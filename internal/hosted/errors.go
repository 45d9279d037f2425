package hosted

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/smithy-go"
)

// RateLimitError reports a failure to obtain a rate-limiter permit within
// the client's timeout. It is never retried: the limiter is saturated and an
// immediate re-attempt would queue behind the same permits.
type RateLimitError struct {
	Wait time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit permit not acquired within %s", e.Wait)
}

// UpstreamError wraps a transport or API failure from the hosted endpoint,
// carrying the original message for keyword classification.
type UpstreamError struct {
	Msg string
}

func (e *UpstreamError) Error() string {
	return "hosted model invocation failed: " + e.Msg
}

func wrapInvokeError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return &UpstreamError{Msg: fmt.Sprintf("%s: %s", apiErr.ErrorCode(), apiErr.ErrorMessage())}
	}
	return &UpstreamError{Msg: err.Error()}
}

// retryableHints is the fixed, case-insensitive keyword set that marks an
// upstream failure as transient. Not configurable.
var retryableHints = []string{"timeout", "connection", "503", "502", "rate limit", "throttle"}

// IsRetryable classifies err by substring match against retryableHints.
// Rate-limiter permit timeouts are excluded by type even though their message
// mentions the rate limit.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range retryableHints {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}
