package resilience

import (
	"context"
	"errors"
)

// ClassifyCommon resolves the failure classes every backend shares before a
// classifier applies its service-specific rules. Context cancellation is the
// caller's doing and must not count against the breaker; an open breaker is
// worth retrying once it half-opens. The second return reports whether the
// error was resolved here.
func ClassifyCommon(err error) (ErrorClassification, bool) {
	if err == nil {
		return ErrorClassification{}, true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassification{Retryable: false, RecordFailure: false}, true
	}
	if IsCircuitOpen(err) {
		return ErrorClassification{Retryable: true, RecordFailure: true}, true
	}
	return ErrorClassification{}, false
}
