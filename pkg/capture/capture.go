// Package capture is the façade an application author writes against: start
// a run, wrap each pipeline stage in Step, end the run. It never lets
// observability fail or block the wrapped business logic — every send to the
// ingestion boundary is fire-and-forget through the buffer and transport
// beneath it, and the only error capture ever re-raises is the wrapped
// function's own.
package capture

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/driftline/driftline/pkg/buffer"
	"github.com/driftline/driftline/pkg/types"
)

// Level is the capture verbosity an application configures once at startup.
type Level string

const (
	LevelMetricsOnly Level = "metrics_only"
	LevelSampled     Level = "sampled"
	LevelFull        Level = "full"
)

// RunSender and StepSender are the subset of transport.Transport the façade
// needs; narrowed to an interface so tests can substitute a recorder.
type RunSender interface {
	SendRun(ctx context.Context, run types.Run)
}

type StepSender interface {
	SendStep(ctx context.Context, step types.Step)
}

// Sender is the façade's full network-facing dependency.
type Sender interface {
	RunSender
	StepSender
}

// Config configures a Capture instance. It carries no pipeline id:
// StartRun takes its own pipelineId argument.
type Config struct {
	Level  Level
	Sender Sender
	Buffer *buffer.Buffer
	Log    *slog.Logger
}

// Capture is the process-local façade. One instance is typically shared
// across an application's lifetime.
type Capture struct {
	level  Level
	sender Sender
	buf    *buffer.Buffer
	log    *slog.Logger

	mu    sync.RWMutex
	runs  map[string]*types.Run
	steps map[string]*types.Step
}

// New creates a Capture. Buffer and Sender must be supplied by the caller
// (typically transport.New feeding a buffer.New, itself feeding here) so
// that Capture stays decoupled from any one transport implementation.
func New(cfg Config) *Capture {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	level := cfg.Level
	if level == "" {
		level = LevelSampled
	}
	return &Capture{
		level:  level,
		sender: cfg.Sender,
		buf:    cfg.Buffer,
		log:    log,
		runs:   make(map[string]*types.Run),
		steps:  make(map[string]*types.Step),
	}
}

// StartRun creates a Run in status=running, registers it locally, and
// best-effort-sends it. Returns the new runId.
func (c *Capture) StartRun(pipelineID string, input any, metadata map[string]any) string {
	runID := uuid.NewString()
	run := &types.Run{
		RunID:      runID,
		PipelineID: pipelineID,
		Status:     types.RunRunning,
		Input:      input,
		StartedAt:  time.Now().UTC(),
		Metadata:   metadata,
	}

	c.mu.Lock()
	c.runs[runID] = run
	c.mu.Unlock()

	c.sendRun(*run)
	return runID
}

// DecisionFunc, when supplied to Step, overrides automatic decision
// derivation for a single (input, presumed-output) item pair. Returning nil
// skips emission for that item.
type DecisionFunc func(input, output any) *Decision

// Decision is the outcome DecisionFunc returns for one item.
type Decision struct {
	Outcome types.Outcome
	Reason  string
	Score   *float64
}

// Step synthesizes a stepId, records the Step's lifecycle, invokes fn, and
// derives DecisionEvents from (input, fn's result). If fn panics or returns
// an error, completedAt is still recorded and the Step still sent, but the
// error is re-raised to the caller unchanged — capture never swallows
// application failures, only its own telemetry failures.
func Step[In, Out any](c *Capture, runID string, stepType types.StepType, name string, fn func(In) (Out, error), input In, config map[string]any, decide DecisionFunc) (Out, error) {
	stepID := uuid.NewString()
	started := time.Now().UTC()

	step := &types.Step{
		StepID:    stepID,
		RunID:     runID,
		Type:      stepType,
		Name:      name,
		Config:    config,
		StartedAt: started,
	}
	c.mu.Lock()
	c.steps[stepID] = step
	c.mu.Unlock()
	c.sendStep(*step)

	completeStep := func() {
		completed := time.Now().UTC()
		c.mu.Lock()
		step.CompletedAt = &completed
		c.mu.Unlock()
		c.sendStep(*step)
	}
	returned := false
	defer func() {
		if !returned {
			completeStep() // fn panicked; the panic continues after this
		}
	}()

	out, err := fn(input)
	returned = true
	completeStep()

	if err == nil {
		c.deriveDecisions(stepID, runID, stepType, input, out, config, decide)
	}

	return out, err
}

// EndRun sets the run's terminal status, best-effort-sends it, and removes
// it from the process-local mapping.
func (c *Capture) EndRun(runID string, output any, runErr error) {
	c.mu.Lock()
	run, ok := c.runs[runID]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.runs, runID)
	completed := time.Now().UTC()
	run.CompletedAt = &completed
	run.Output = output
	if runErr != nil {
		msg := runErr.Error()
		run.Error = &msg
		run.Status = types.RunFailed
	} else {
		run.Status = types.RunCompleted
	}
	snapshot := *run
	c.mu.Unlock()

	c.sendRun(snapshot)
}

// Flush force-drains the buffer. May block; intended for graceful shutdown.
func (c *Capture) Flush(ctx context.Context) {
	if c.buf != nil {
		c.buf.ForceFlush(ctx)
	}
}

func (c *Capture) sendRun(run types.Run) {
	if c.sender == nil {
		return
	}
	c.sender.SendRun(context.Background(), run)
}

func (c *Capture) sendStep(step types.Step) {
	if c.sender == nil {
		return
	}
	c.sender.SendStep(context.Background(), step)
}

func (c *Capture) emit(e types.DecisionEvent) {
	if c.buf == nil {
		return
	}
	c.buf.Add(e)
}
