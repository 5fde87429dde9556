package nats

import (
	"errors"

	"github.com/mlindgren/lagrum/internal/core/domain"
	"github.com/mlindgren/lagrum/internal/infrastructure/resilience"
	"github.com/nats-io/nats.go"
)

// classifyNATSError decides retry and breaker treatment for one audit
// publish. Connectivity failures are retryable since the client reconnects
// in the background. An oversized message is not: audit events embed the
// full answer text, and one that exceeds the server's max payload will
// exceed it on every retry.
func classifyNATSError(err error) resilience.ErrorClassification {
	if class, resolved := resilience.ClassifyCommon(err); resolved {
		return class
	}

	switch {
	case errors.Is(err, nats.ErrNoServers),
		errors.Is(err, nats.ErrTimeout),
		errors.Is(err, nats.ErrConnectionClosed),
		errors.Is(err, nats.ErrDisconnected):
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	case errors.Is(err, nats.ErrMaxPayload):
		return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
	}

	return resilience.ErrorClassification{Retryable: false, RecordFailure: true}
}

func wrapTemporaryIfNeeded(err error) error {
	if err == nil {
		return nil
	}
	if domain.IsKind(err, domain.ErrTemporary) {
		return err
	}
	if classifyNATSError(err).Retryable {
		return domain.WrapError(domain.ErrTemporary, "publish answer audit", err)
	}
	return err
}
