package analytical

import (
	"context"
	"testing"
	"time"

	"github.com/driftline/driftline/pkg/types"
)

func TestUpsertRunThenGet(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()

	err := m.UpsertRun(ctx, RunRow{RunID: "r1", PipelineID: "p1", Status: types.RunRunning, StartedAt: now, UpdatedAt: now})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	r, ok, err := m.GetRun(ctx, "r1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if r.PipelineID != "p1" {
		t.Fatalf("unexpected row: %+v", r)
	}
}

func TestUpsertRunMergesLatestWins(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()

	m.UpsertRun(ctx, RunRow{RunID: "r1", Status: types.RunRunning, StartedAt: now, UpdatedAt: now})
	m.UpsertRun(ctx, RunRow{RunID: "r1", Status: types.RunCompleted, StartedAt: now, UpdatedAt: now.Add(time.Second)})

	r, _, _ := m.GetRun(ctx, "r1")
	if r.Status != types.RunCompleted {
		t.Fatalf("status = %v, want completed (merge by PK should keep latest write)", r.Status)
	}
}

func TestListRunsBadFilter(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()

	m.UpsertRun(ctx, RunRow{RunID: "good", Status: types.RunCompleted, StartedAt: now, OverallEliminationRatio: 0.1, UpdatedAt: now})
	m.UpsertRun(ctx, RunRow{RunID: "bad", Status: types.RunCompleted, StartedAt: now, OverallEliminationRatio: 0.95, UpdatedAt: now})
	errMsg := "boom"
	m.UpsertRun(ctx, RunRow{RunID: "errored", Status: types.RunFailed, StartedAt: now, Error: &errMsg, UpdatedAt: now})

	bad, err := m.ListRuns(ctx, RunFilter{BadOnly: true})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(bad) != 2 {
		t.Fatalf("len(bad) = %d, want 2", len(bad))
	}
}

func TestListRunsOrderedByStartedAtDesc(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Now().UTC()

	m.UpsertRun(ctx, RunRow{RunID: "old", StartedAt: base, UpdatedAt: base})
	m.UpsertRun(ctx, RunRow{RunID: "new", StartedAt: base.Add(time.Hour), UpdatedAt: base})

	runs, _ := m.ListRuns(ctx, RunFilter{})
	if len(runs) != 2 || runs[0].RunID != "new" {
		t.Fatalf("expected newest-first order, got %+v", runs)
	}
}

func TestListStepsByRun(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()

	m.UpsertStep(ctx, StepRow{StepID: "s1", RunID: "r1", StartedAt: now, UpdatedAt: now})
	m.UpsertStep(ctx, StepRow{StepID: "s2", RunID: "r1", StartedAt: now.Add(time.Second), UpdatedAt: now})
	m.UpsertStep(ctx, StepRow{StepID: "s3", RunID: "other-run", StartedAt: now, UpdatedAt: now})

	steps, err := m.ListStepsByRun(ctx, "r1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("len(steps) = %d, want 2", len(steps))
	}
}

func TestDecisionEventsByItemTrajectory(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()

	m.UpsertDecisionEvent(ctx, DecisionEventRow{RunID: "r1", StepID: "s1", Timestamp: now, EventID: "e1", ItemID: "item-a"})
	m.UpsertDecisionEvent(ctx, DecisionEventRow{RunID: "r1", StepID: "s2", Timestamp: now.Add(time.Second), EventID: "e2", ItemID: "item-a"})
	m.UpsertDecisionEvent(ctx, DecisionEventRow{RunID: "r1", StepID: "s1", Timestamp: now, EventID: "e3", ItemID: "item-b"})

	events, err := m.ListDecisionEventsByItem(ctx, "r1", "item-a")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}
	if events[0].EventID != "e1" || events[1].EventID != "e2" {
		t.Fatalf("expected chronological order, got %+v", events)
	}
}

func TestIsBad(t *testing.T) {
	cases := []struct {
		name string
		row  RunRow
		want bool
	}{
		{"high elimination", RunRow{OverallEliminationRatio: 0.9}, true},
		{"failed status", RunRow{Status: types.RunFailed}, true},
		{"error set", RunRow{Error: strPtr("x")}, true},
		{"normal", RunRow{Status: types.RunCompleted, OverallEliminationRatio: 0.2}, false},
	}
	for _, c := range cases {
		if got := IsBad(c.row); got != c.want {
			t.Errorf("%s: IsBad() = %v, want %v", c.name, got, c.want)
		}
	}
}

func strPtr(s string) *string { return &s }
