// Package blobstore stores and retrieves raw event/run/step payloads under
// deterministic, content-addressed, date-partitioned keys. The S3
// implementation follows the same credential-chain-plus-optional-endpoint
// shape used for S3-compatible backends (path-style addressing, custom
// endpoint override) elsewhere in the ecosystem; the in-memory
// implementation exists for tests and single-process deployments.
package blobstore

import (
	"context"
	"fmt"
	"time"
)

// Store persists and retrieves arbitrary JSON payloads by key.
type Store interface {
	// Put writes data under key. Implementations should treat Put as
	// idempotent: writing the same key twice must not error and may be a
	// no-op, since deterministic keys make repeated writes expected under
	// at-least-once redelivery.
	Put(ctx context.Context, key string, data []byte) error

	// Get returns data and true if key exists, or (nil, false, nil) if it
	// does not — absence is not an error.
	Get(ctx context.Context, key string) ([]byte, bool, error)
}

// Kind is the payload category, used as the key's leading path segment.
type Kind string

const (
	KindDecision Kind = "decisions"
	KindRun      Kind = "runs"
	KindStep     Kind = "steps"
)

// Key builds the deterministic, date-partitioned key for one payload:
// "<kind>/YYYY/MM/DD/<id>.json".
func Key(kind Kind, id string, at time.Time) string {
	at = at.UTC()
	return fmt.Sprintf("%s/%04d/%02d/%02d/%s.json", kind, at.Year(), at.Month(), at.Day(), id)
}
