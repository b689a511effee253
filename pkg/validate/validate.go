// Package validate checks ingestion envelopes against the schema for their
// declared type before anything is enqueued. It is deliberately the only
// place struct-tag validation lives: the ingestion HTTP handler decodes the
// outer envelope itself and defers entirely to this package for the inner
// payload.
package validate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/driftline/driftline/pkg/fn"
	"github.com/driftline/driftline/pkg/types"
)

var v = validator.New()

// Error wraps a validation failure with the envelope type it was checking,
// so the ingestion handler can report a precise 400.
type Error struct {
	Type types.EnvelopeType
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid %s payload: %v", e.Type, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// DecisionEvent validates and returns a single decision payload, coercing
// its timestamp field from either an RFC3339 string or a numeric epoch.
func DecisionEvent(raw json.RawMessage) (types.DecisionEvent, error) {
	var e types.DecisionEvent
	if err := decodeWithTimeCoercion(raw, &e, "timestamp"); err != nil {
		return e, &Error{Type: types.EnvelopeDecision, Err: err}
	}
	if err := v.Struct(e); err != nil {
		return e, &Error{Type: types.EnvelopeDecision, Err: err}
	}
	return e, nil
}

// DecisionEventBatch validates each element of a "decisions" envelope
// independently. Per-element failures do not abort the batch: the caller
// gets back the valid subset plus the total element count (the rejected
// count is total minus len(valid)), matching the documented partial-batch
// contract.
func DecisionEventBatch(raw json.RawMessage) (valid []types.DecisionEvent, total int, err error) {
	var rawItems []json.RawMessage
	if err := json.Unmarshal(raw, &rawItems); err != nil {
		return nil, 0, &Error{Type: types.EnvelopeDecisions, Err: err}
	}
	total = len(rawItems)
	valid = fn.FilterMap(rawItems, func(item json.RawMessage) (types.DecisionEvent, bool) {
		e, verr := DecisionEvent(item)
		return e, verr == nil
	})
	if total > 0 && len(valid) == 0 {
		return nil, total, &Error{Type: types.EnvelopeDecisions, Err: fmt.Errorf("no valid elements in batch of %d", total)}
	}
	return valid, total, nil
}

// Run validates and returns a single run payload.
func Run(raw json.RawMessage) (types.Run, error) {
	var r types.Run
	if err := decodeWithTimeCoercion(raw, &r, "startedAt", "completedAt"); err != nil {
		return r, &Error{Type: types.EnvelopeRun, Err: err}
	}
	if err := v.Struct(r); err != nil {
		return r, &Error{Type: types.EnvelopeRun, Err: err}
	}
	if err := r.Valid(); err != nil {
		return r, &Error{Type: types.EnvelopeRun, Err: err}
	}
	return r, nil
}

// Step validates and returns a single step payload.
func Step(raw json.RawMessage) (types.Step, error) {
	var s types.Step
	if err := decodeWithTimeCoercion(raw, &s, "startedAt", "completedAt"); err != nil {
		return s, &Error{Type: types.EnvelopeStep, Err: err}
	}
	if err := v.Struct(s); err != nil {
		return s, &Error{Type: types.EnvelopeStep, Err: err}
	}
	return s, nil
}

// decodeWithTimeCoercion unmarshals raw into dst, then re-parses the named
// top-level time fields to accept both RFC3339 strings and millisecond
// epoch numbers. encoding/json already handles the string case natively via
// time.Time's UnmarshalJSON; this pass only runs when that fails, so numeric
// epochs are the sole extra case actually handled here. Every decode here
// rejects unknown top-level fields rather than silently dropping them.
func decodeWithTimeCoercion(raw json.RawMessage, dst any, timeFields ...string) error {
	if err := strictDecode(raw, dst); err == nil {
		return nil
	}

	var generic map[string]json.RawMessage
	if err := json.Unmarshal(raw, &generic); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}

	patched := make(map[string]json.RawMessage, len(generic))
	for k, v := range generic {
		patched[k] = v
	}
	for _, field := range timeFields {
		rawVal, ok := generic[field]
		if !ok {
			continue
		}
		var epochMs int64
		if err := json.Unmarshal(rawVal, &epochMs); err != nil {
			continue
		}
		t := time.UnixMilli(epochMs).UTC()
		encoded, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("coerce %s: %w", field, err)
		}
		patched[field] = encoded
	}

	body, err := json.Marshal(patched)
	if err != nil {
		return fmt.Errorf("re-encode payload: %w", err)
	}
	if err := strictDecode(body, dst); err != nil {
		return fmt.Errorf("decode payload after time coercion: %w", err)
	}
	return nil
}

// strictDecode decodes a single JSON value into dst, rejecting any
// top-level field dst doesn't declare.
func strictDecode(body []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
