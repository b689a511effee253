// Package ingestion implements the admission HTTP handler that sits in
// front of the durable queue: it decodes the outer envelope, validates the
// inner payload by type, and enqueues. Nothing here writes to the blob
// store or the analytical store — that is the worker's job once a message
// has been durably enqueued.
package ingestion

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/driftline/driftline/pkg/queue"
	"github.com/driftline/driftline/pkg/types"
	"github.com/driftline/driftline/pkg/validate"
)

// Handler serves POST /ingest against a queue.Adapter.
type Handler struct {
	Queue queue.Adapter
	Log   *slog.Logger
}

// New creates a Handler. A nil logger falls back to slog.Default().
func New(q queue.Adapter, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{Queue: q, Log: log}
}

// errorResponse is returned for every rejected or failed request.
type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func newError(msg string) errorResponse { return errorResponse{Success: false, Error: msg} }

// singleResponse is returned for a single decision/run/step envelope.
type singleResponse struct {
	Success bool `json:"success"`
	Queued  bool `json:"queued"`
}

// batchResponse is returned for a "decisions" batch envelope. Partial is
// true whenever fewer events were queued than were submitted, so a caller
// can detect silently-dropped invalid elements without diffing counts.
type batchResponse struct {
	Success bool `json:"success"`
	Queued  int  `json:"queued"`
	Total   int  `json:"total"`
	Partial bool `json:"partial"`
}

// ServeHTTP decodes {type, data}, validates data against the schema
// implied by type, and enqueues it. A "decisions" envelope accepts partial
// batches: invalid elements are dropped and counted in the response rather
// than failing the whole request.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var env types.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeJSON(w, http.StatusBadRequest, newError("malformed envelope: "+err.Error()))
		return
	}
	if env.Type == "" || len(env.Data) == 0 {
		writeJSON(w, http.StatusBadRequest, newError("type and data are required"))
		return
	}

	switch env.Type {
	case types.EnvelopeDecision:
		h.handleDecision(w, r, env.Data)
	case types.EnvelopeDecisions:
		h.handleDecisions(w, r, env.Data)
	case types.EnvelopeRun:
		h.handleRun(w, r, env.Data)
	case types.EnvelopeStep:
		h.handleStep(w, r, env.Data)
	default:
		writeJSON(w, http.StatusBadRequest, newError(fmt.Sprintf("unknown envelope type %q", env.Type)))
	}
}

func (h *Handler) handleDecision(w http.ResponseWriter, r *http.Request, data json.RawMessage) {
	e, err := validate.DecisionEvent(data)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, newError(err.Error()))
		return
	}
	if err := h.Queue.PushDecisionEvent(r.Context(), e); err != nil {
		h.failEnqueue(w, err)
		return
	}
	writeJSON(w, http.StatusOK, singleResponse{Success: true, Queued: true})
}

func (h *Handler) handleDecisions(w http.ResponseWriter, r *http.Request, data json.RawMessage) {
	valid, total, err := validate.DecisionEventBatch(data)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, newError(err.Error()))
		return
	}
	if err := h.Queue.PushDecisionEvents(r.Context(), valid); err != nil {
		h.failEnqueue(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batchResponse{
		Success: true,
		Queued:  len(valid),
		Total:   total,
		Partial: len(valid) < total,
	})
}

func (h *Handler) handleRun(w http.ResponseWriter, r *http.Request, data json.RawMessage) {
	run, err := validate.Run(data)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, newError(err.Error()))
		return
	}
	if err := h.Queue.PushRun(r.Context(), run); err != nil {
		h.failEnqueue(w, err)
		return
	}
	writeJSON(w, http.StatusOK, singleResponse{Success: true, Queued: true})
}

func (h *Handler) handleStep(w http.ResponseWriter, r *http.Request, data json.RawMessage) {
	step, err := validate.Step(data)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, newError(err.Error()))
		return
	}
	if err := h.Queue.PushStep(r.Context(), step); err != nil {
		h.failEnqueue(w, err)
		return
	}
	writeJSON(w, http.StatusOK, singleResponse{Success: true, Queued: true})
}

func (h *Handler) failEnqueue(w http.ResponseWriter, err error) {
	h.Log.Error("ingestion: enqueue failed", "error", err)
	writeJSON(w, http.StatusServiceUnavailable, newError("queue unavailable"))
}

// RateLimited wraps next so that requests exceeding limiter's budget get a
// 429 instead of reaching the handler. limiter.Allow is non-blocking: a
// burst beyond capacity fails fast rather than queuing requests in memory.
func RateLimited(limiter interface{ Allow() bool }, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			writeJSON(w, http.StatusTooManyRequests, newError("rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
