package httpadapter

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/mlindgren/lagrum/internal/core/domain"
)

// writeSSE forwards pipeline events to the client as server-sent events,
// one `data:` line per event, closing with [DONE]. Returns the terminal
// result when the stream finished with one.
func writeSSE(w http.ResponseWriter, r *http.Request, events <-chan domain.Event) (*domain.Result, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming is not supported by response writer")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var result *domain.Result
	for {
		select {
		case event, open := <-events:
			if !open {
				_, err := io.WriteString(w, "data: [DONE]\n\n")
				flusher.Flush()
				return result, err
			}
			if event.Type == domain.EventDone {
				result = event.Result
			}
			payload, err := json.Marshal(event)
			if err != nil {
				return result, fmt.Errorf("marshal event: %w", err)
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return result, err
			}
			flusher.Flush()
		case <-r.Context().Done():
			// Client went away; drain so the session goroutine can finish.
			go func() {
				for range events {
				}
			}()
			return result, r.Context().Err()
		}
	}
}
