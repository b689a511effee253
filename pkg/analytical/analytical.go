// Package analytical is the queryable columnar store: three tables (runs,
// steps, decisionEvents), each merge-by-primary-key so repeated writes under
// at-least-once delivery converge rather than duplicate. The Postgres
// implementation emulates that merge with INSERT ... ON CONFLICT DO UPDATE,
// since the pack carries no true merge-engine column store; the in-memory
// implementation merges on the same keys for tests but keeps whichever row
// was written last, without comparing updatedAt.
package analytical

import (
	"context"
	"time"

	"github.com/driftline/driftline/pkg/types"
)

// RunRow is one denormalized row of the runs table.
type RunRow struct {
	RunID                   string
	PipelineID              string
	Status                  types.RunStatus
	StartedAt               time.Time
	CompletedAt             *time.Time
	Error                   *string
	TotalSteps              int
	TotalInputCount         int
	TotalOutputCount        int
	OverallEliminationRatio float64
	Metadata                map[string]any
	UpdatedAt               time.Time
}

// StepRow is one denormalized row of the steps table.
type StepRow struct {
	StepID          string
	RunID           string
	PipelineID      string
	Type            types.StepType
	Name            string
	InputCount      int
	OutputCount     int
	EliminationRatio float64
	KeptCount       int
	EliminatedCount int
	ScoredCount     int
	StartedAt       time.Time
	CompletedAt     *time.Time
	UpdatedAt       time.Time
}

// DecisionEventRow is one denormalized row of the decisionEvents table.
type DecisionEventRow struct {
	RunID     string
	StepID    string
	Timestamp time.Time
	EventID   string
	PipelineID string
	Outcome   types.Outcome
	ItemID    string
	Score     *float64
	BlobKey   string
	UpdatedAt time.Time
}

// RunFilter narrows a ListRuns call.
type RunFilter struct {
	// BadOnly restricts to eliminationRatio > 0.8 OR status=failed OR error
	// set, per the documented "bad run" filter.
	BadOnly bool
	Limit   int
}

// Store is the analytical store's read/write contract. Every query here is
// single-table by design: the denormalized runId/stepId columns exist
// precisely so no join is ever required.
type Store interface {
	UpsertRun(ctx context.Context, row RunRow) error
	UpsertStep(ctx context.Context, row StepRow) error
	UpsertDecisionEvent(ctx context.Context, row DecisionEventRow) error

	ListRuns(ctx context.Context, filter RunFilter) ([]RunRow, error)
	GetRun(ctx context.Context, runID string) (RunRow, bool, error)
	GetStep(ctx context.Context, stepID, runID string) (StepRow, bool, error)
	ListStepsByRun(ctx context.Context, runID string) ([]StepRow, error)
	ListDecisionEventsByStep(ctx context.Context, stepID string, limit int) ([]DecisionEventRow, error)
	ListDecisionEventsByItem(ctx context.Context, runID, itemID string) ([]DecisionEventRow, error)

	Close()
}

// IsBad reports whether a run matches the documented bad-run predicate.
func IsBad(r RunRow) bool {
	return r.OverallEliminationRatio > 0.8 || r.Status == types.RunFailed || r.Error != nil
}
