package quota

import (
	"fmt"
	"time"
)

// Window is the per-identity quota record persisted in DynamoDB. One item
// exists per (identity, provider) pair; all counters live on the item so that
// concurrent workers share one view of the budget.
type Window struct {
	Identity            string  `dynamodbav:"identity"` // PK
	WindowStart         int64   `dynamodbav:"window_start"` // epoch ms
	RequestCount        int     `dynamodbav:"request_count"`
	Capacity            int     `dynamodbav:"capacity"`
	WindowDurationMs    int64   `dynamodbav:"window_duration_ms"`
	AlertThreshold      float64 `dynamodbav:"alert_threshold"`
	AlertEmitted        bool    `dynamodbav:"alert_emitted"`
	ConsecutiveFailures int     `dynamodbav:"consecutive_failures"`
	CircuitOpenUntil    int64   `dynamodbav:"circuit_open_until,omitempty"` // epoch ms, zero when closed
}

// ResetAt is when the window rolls over and the budget refills.
func (w *Window) ResetAt() time.Time {
	return time.UnixMilli(w.WindowStart + w.WindowDurationMs)
}

// Expired reports whether the window has rolled past its duration.
func (w *Window) Expired(now time.Time) bool {
	return now.UnixMilli()-w.WindowStart >= w.WindowDurationMs
}

// QuotaExceededError is returned when a window has no budget left. Retryable
// after ResetAt.
type QuotaExceededError struct {
	Identity string
	ResetAt  time.Time
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for %s, resets at %s", e.Identity, e.ResetAt.UTC().Format(time.RFC3339))
}

// RetryAfter is how long callers must wait before the budget refills.
func (e *QuotaExceededError) RetryAfter(now time.Time) time.Duration {
	d := e.ResetAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// CircuitOpenError is returned while the breaker for an identity is open
// after repeated upstream failures. Retryable after Until.
type CircuitOpenError struct {
	Identity string
	Until    time.Time
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s until %s", e.Identity, e.Until.UTC().Format(time.RFC3339))
}
