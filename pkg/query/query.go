// Package query serves read-side HTTP endpoints over the analytical store,
// with on-demand hydration of full payloads from the blob store. Default
// responses never touch the blob store: hydration only happens when a
// request asks for raw payloads, and a missing blob degrades gracefully
// rather than failing the request.
package query

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/driftline/driftline/pkg/analytical"
	"github.com/driftline/driftline/pkg/blobstore"
)

// Handler serves the query API's endpoints against an analytical.Store,
// with optional blobstore.Store hydration.
type Handler struct {
	Store analytical.Store
	Blobs blobstore.Store
	Log   *slog.Logger
}

// New creates a Handler. A nil logger falls back to slog.Default(). Blobs
// may be nil, in which case include_raw requests are ignored.
func New(store analytical.Store, blobs blobstore.Store, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{Store: store, Blobs: blobs, Log: log}
}

// envelope is the response shape every query endpoint returns: a success
// flag, the payload under data, and an optional count for list endpoints.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Count   *int   `json:"count,omitempty"`
	Error   string `json:"error,omitempty"`
}

// runResponse is an analytical.RunRow plus optional hydrated raw payload.
type runResponse struct {
	analytical.RunRow
	Raw json.RawMessage `json:"raw,omitempty"`
}

// decisionEventResponse is an analytical.DecisionEventRow plus, under
// include_raw, the fetched blob payload for that specific reference.
type decisionEventResponse struct {
	analytical.DecisionEventRow
	Raw json.RawMessage `json:"rawPayload,omitempty"`
}

type stepResponse struct {
	analytical.StepRow
	Raw            json.RawMessage          `json:"raw,omitempty"`
	DecisionEvents []decisionEventResponse  `json:"decisionEvents,omitempty"`
}

// ListRuns serves GET /runs?bad_filter=&limit=&offset=. offset is accepted
// for forward compatibility with paginated clients but is not yet applied,
// since analytical.Store's ListRuns contract only takes a limit.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := analytical.RunFilter{
		BadOnly: parseBool(q.Get("bad_filter")),
		Limit:   parseInt(q.Get("limit"), 0),
	}

	runs, err := h.Store.ListRuns(r.Context(), filter)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "list runs failed", err)
		return
	}
	writeData(w, http.StatusOK, runs, len(runs))
}

// GetRun serves GET /runs/:id?include_raw=.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	run, ok, err := h.Store.GetRun(r.Context(), id)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "get run failed", err)
		return
	}
	if !ok {
		h.writeError(w, http.StatusNotFound, "run not found", nil)
		return
	}

	resp := runResponse{RunRow: run}
	if parseBool(r.URL.Query().Get("include_raw")) {
		resp.Raw = h.hydrate(r, blobstore.Key(blobstore.KindRun, run.RunID, run.StartedAt))
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: resp})
}

// GetStepDetails serves GET /steps/:id/details?include_raw=&decision_limit=.
// The distilled route is /steps/:id/details with no run id, but this
// store's steps table keys on (stepId, runId) — grounded on the composite
// primary key the analytical schema already carries, since stepId is only
// assigned unique within a run, not globally — so runId is required here as
// a query parameter rather than looked up by stepId alone.
func (h *Handler) GetStepDetails(w http.ResponseWriter, r *http.Request) {
	stepID := r.PathValue("id")
	runID := r.URL.Query().Get("runId")
	if runID == "" {
		h.writeError(w, http.StatusBadRequest, "runId query parameter is required", nil)
		return
	}

	step, ok, err := h.Store.GetStep(r.Context(), stepID, runID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "get step failed", err)
		return
	}
	if !ok {
		h.writeError(w, http.StatusNotFound, "step not found", nil)
		return
	}

	limit := parseInt(r.URL.Query().Get("decision_limit"), 0)
	events, err := h.Store.ListDecisionEventsByStep(r.Context(), stepID, limit)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "list decision events failed", err)
		return
	}

	includeRaw := parseBool(r.URL.Query().Get("include_raw"))
	eventResponses := make([]decisionEventResponse, len(events))
	for i, e := range events {
		er := decisionEventResponse{DecisionEventRow: e}
		if includeRaw {
			er.Raw = h.hydrate(r, blobstore.Key(blobstore.KindDecision, e.EventID, e.Timestamp))
		}
		eventResponses[i] = er
	}

	resp := stepResponse{StepRow: step, DecisionEvents: eventResponses}
	if includeRaw {
		resp.Raw = h.hydrate(r, blobstore.Key(blobstore.KindStep, step.StepID, step.StartedAt))
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: resp})
}

// GetItemTrajectory serves GET /runs/:runId/items/:itemId/trajectory,
// returning the ordered sequence of DecisionEvents for that item across all
// of the run's steps.
func (h *Handler) GetItemTrajectory(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runId")
	itemID := r.PathValue("itemId")

	events, err := h.Store.ListDecisionEventsByItem(r.Context(), runID, itemID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "list item trajectory failed", err)
		return
	}
	writeData(w, http.StatusOK, events, len(events))
}

// hydrate fetches a blob by key, logging (not failing the request) if the
// blob store is unset, errors, or the key is simply absent.
func (h *Handler) hydrate(r *http.Request, key string) json.RawMessage {
	if h.Blobs == nil {
		return nil
	}
	data, ok, err := h.Blobs.Get(r.Context(), key)
	if err != nil {
		h.Log.Warn("query: blob hydration failed", "key", key, "error", err)
		return nil
	}
	if !ok {
		h.Log.Warn("query: blob missing for hydration", "key", key)
		return nil
	}
	return json.RawMessage(data)
}

// writeData wraps a list payload in the {success, data, count} envelope.
func writeData(w http.ResponseWriter, status int, data any, count int) {
	writeJSON(w, status, envelope{Success: true, Data: data, Count: &count})
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string, err error) {
	if err != nil {
		h.Log.Error("query: "+msg, "error", err)
	} else {
		h.Log.Warn("query: " + msg)
	}
	writeJSON(w, status, envelope{Success: false, Error: msg})
}

func parseBool(s string) bool {
	b, _ := strconv.ParseBool(s)
	return b
}

func parseInt(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
