package nats

import (
	"context"
	"testing"

	"github.com/nats-io/nats.go"

	"github.com/mlindgren/lagrum/internal/core/domain"
)

func TestClassifyNATSError(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		retryable bool
		record    bool
	}{
		{"disconnected", nats.ErrDisconnected, true, true},
		{"no servers", nats.ErrNoServers, true, true},
		{"timeout", nats.ErrTimeout, true, true},
		{"oversized payload", nats.ErrMaxPayload, false, false},
		{"cancelled", context.Canceled, false, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classifyNATSError(tc.err)
			if got.Retryable != tc.retryable || got.RecordFailure != tc.record {
				t.Errorf("classification = %+v, want retryable=%v record=%v", got, tc.retryable, tc.record)
			}
		})
	}
}

func TestWrapTemporaryIfNeeded(t *testing.T) {
	if err := wrapTemporaryIfNeeded(nats.ErrDisconnected); !domain.IsKind(err, domain.ErrTemporary) {
		t.Errorf("disconnected not tagged temporary: %v", err)
	}
	if err := wrapTemporaryIfNeeded(nats.ErrMaxPayload); domain.IsKind(err, domain.ErrTemporary) {
		t.Errorf("oversized payload tagged temporary: %v", err)
	}
	if err := wrapTemporaryIfNeeded(nil); err != nil {
		t.Errorf("nil wrapped: %v", err)
	}
}
