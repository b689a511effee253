package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/driftline/driftline/pkg/types"
)

// HTTP is an Adapter that forwards every push as a POST to a remote
// ingestion tier's /ingest endpoint, for deployments where this process is
// a thin edge in front of a central collector rather than owning the queue
// itself. Poll always returns empty: an HTTP-fronted adapter has nothing
// local to hand back to a worker, by design — the remote tier owns that.
type HTTP struct {
	baseURL string
	client  *http.Client
}

// NewHTTP creates an HTTP-fronted adapter pointed at baseURL.
func NewHTTP(baseURL string, client *http.Client) *HTTP {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTP{baseURL: baseURL, client: client}
}

func (h *HTTP) post(ctx context.Context, envType types.EnvelopeType, data any) error {
	body, err := json.Marshal(struct {
		Type types.EnvelopeType `json:"type"`
		Data any                `json:"data"`
	}{Type: envType, Data: data})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/ingest", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("forward to %s: %w", h.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("remote ingestion returned %d: %s", resp.StatusCode, respBody)
	}
	return nil
}

func (h *HTTP) PushDecisionEvent(ctx context.Context, e types.DecisionEvent) error {
	return h.post(ctx, types.EnvelopeDecision, e)
}

func (h *HTTP) PushDecisionEvents(ctx context.Context, events []types.DecisionEvent) error {
	return h.post(ctx, types.EnvelopeDecisions, events)
}

func (h *HTTP) PushRun(ctx context.Context, r types.Run) error {
	return h.post(ctx, types.EnvelopeRun, r)
}

func (h *HTTP) PushStep(ctx context.Context, s types.Step) error {
	return h.post(ctx, types.EnvelopeStep, s)
}

func (h *HTTP) Poll(_ context.Context, _ int) ([]*Message, error) {
	return nil, nil
}

func (h *HTTP) Close() error { return nil }
