package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mlindgren/lagrum/internal/core/domain"
)

// Client queries Qdrant collections over the HTTP API. Collections are
// provisioned by the ingestion side and carry two named vectors per point:
// "dense" (embedding) and "lexical" (hashed BM25 sparse vector).
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *Client) Search(ctx context.Context, collection string, queryVector []float32, limit int) ([]domain.SourceCandidate, error) {
	reqBody := map[string]any{
		"query":        queryVector,
		"using":        "dense",
		"limit":        limit,
		"with_payload": true,
	}
	return c.queryPoints(ctx, collection, reqBody, "dense search")
}

func (c *Client) SearchLexical(ctx context.Context, collection string, queryText string, limit int) ([]domain.SourceCandidate, error) {
	sparse := encodeSparseQuery(queryText)
	if len(sparse.Indices) == 0 {
		return nil, nil
	}
	reqBody := map[string]any{
		"query": map[string]any{
			"indices": sparse.Indices,
			"values":  sparse.Values,
		},
		"using":        "lexical",
		"limit":        limit,
		"with_payload": true,
	}
	return c.queryPoints(ctx, collection, reqBody, "lexical search")
}

func (c *Client) queryPoints(ctx context.Context, collection string, reqBody map[string]any, operation string) ([]domain.SourceCandidate, error) {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal %s body: %w", operation, err)
	}

	url := fmt.Sprintf("%s/collections/%s/points/query", c.baseURL, collection)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", operation, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("qdrant %s request: %w", operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, formatQdrantHTTPError(operation, resp)
	}

	var queryResp struct {
		Result struct {
			Points []struct {
				Score   float64        `json:"score"`
				Payload map[string]any `json:"payload"`
			} `json:"points"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&queryResp); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", operation, err)
	}

	out := make([]domain.SourceCandidate, 0, len(queryResp.Result.Points))
	for _, point := range queryResp.Result.Points {
		candidate := domain.SourceCandidate{
			ID:         getStringPayload(point.Payload, "doc_id"),
			Collection: collection,
			Text:       getStringPayload(point.Payload, "text"),
			Score:      point.Score,
			DocType:    domain.ParseDocumentType(getStringPayload(point.Payload, "doc_type")),
		}
		if candidate.ID == "" || candidate.Text == "" {
			continue
		}
		out = append(out, candidate)
	}
	return out, nil
}

func formatQdrantHTTPError(operation string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	if msg := strings.TrimSpace(string(body)); msg != "" {
		return fmt.Errorf("qdrant %s status: %s: %s", operation, resp.Status, msg)
	}
	return fmt.Errorf("qdrant %s status: %s", operation, resp.Status)
}

func getStringPayload(payload map[string]any, key string) string {
	v, ok := payload[key]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
