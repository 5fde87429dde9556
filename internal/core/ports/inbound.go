package ports

import (
	"context"

	"github.com/mlindgren/lagrum/internal/core/domain"
)

// QuestionAnswerer is the inbound contract for grounded question answering.
type QuestionAnswerer interface {
	// Ask runs the full pipeline and returns the aggregate result. A refusal
	// is a valid result, not an error.
	Ask(ctx context.Context, query domain.Query) (*domain.Result, error)

	// AskStream runs the pipeline and emits the ordered session event stream.
	// The channel is closed after exactly one terminal event (done or error).
	AskStream(ctx context.Context, query domain.Query) (<-chan domain.Event, error)
}
