// Package worker is the single cooperative loop that drains the durable
// queue, writes every payload to the blob store, and maintains the
// analytical store's denormalized rows. It follows the teacher's own
// ingest-consumer shape — deserialize, dedupe, dispatch by kind, log and
// skip per-message failures rather than letting one bad message wedge the
// loop — generalized from a single NATS subject to the queue.Adapter
// interface and from one payload kind to four.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/driftline/driftline/pkg/analytical"
	"github.com/driftline/driftline/pkg/blobstore"
	"github.com/driftline/driftline/pkg/natsutil"
	"github.com/driftline/driftline/pkg/queue"
	"github.com/driftline/driftline/pkg/resilience"
	"github.com/driftline/driftline/pkg/types"
)

const (
	defaultBatchSize     = 10
	defaultPollInterval  = time.Second
	runCompletedSubject  = "runs.completed"
)

// Config configures a Worker.
type Config struct {
	BatchSize    int
	PollInterval time.Duration
	Queue        queue.Adapter
	Blobs        blobstore.Store
	Analytical   analytical.Store
	// NotifyConn, if set, publishes a best-effort "runs.completed" notice
	// over core NATS pub/sub whenever a run reaches a terminal state.
	// Publish failures are logged and otherwise ignored: this is a
	// convenience signal, not part of the durable pipeline.
	NotifyConn *nats.Conn
	// WriteLimiter, if set, throttles writes to Blobs and Analytical so a
	// large poll batch doesn't slam a downstream store all at once. Nil
	// disables throttling.
	WriteLimiter *resilience.Limiter
	Log          *slog.Logger
}

// Worker owns the per-process caches the processing loop needs: runs and
// steps seen this process lifetime, the decision events accumulated per
// step, and an idempotency set of already-processed message ids. None of
// these are synchronized, because the loop is single-goroutine by design —
// concurrent polling is explicitly out of scope.
type Worker struct {
	cfg Config
	log *slog.Logger

	seen        map[string]struct{}
	runCache    map[string]types.Run
	stepCache   map[string]types.Step
	stepEvents  map[string][]types.DecisionEvent
	stepMetrics map[string]types.StepMetrics
}

// New creates a Worker. Defaults fill in BatchSize and PollInterval.
func New(cfg Config) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		cfg:         cfg,
		log:         log,
		seen:        make(map[string]struct{}),
		runCache:    make(map[string]types.Run),
		stepCache:   make(map[string]types.Step),
		stepEvents:  make(map[string][]types.DecisionEvent),
		stepMetrics: make(map[string]types.StepMetrics),
	}
}

// Run polls the queue in batches until ctx is cancelled. Each poll cycle's
// messages are handled sequentially; a single message's failure is logged
// and the message left unacked (for broker redelivery) without halting the
// batch or the loop.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.pollOnce(ctx)
		}
	}
}

func (w *Worker) pollOnce(ctx context.Context) {
	msgs, err := w.cfg.Queue.Poll(ctx, w.cfg.BatchSize)
	if err != nil {
		w.log.Warn("worker: poll failed, retrying next cycle", "error", err)
		return
	}
	for _, msg := range msgs {
		w.handle(ctx, msg)
	}
}

func (w *Worker) handle(ctx context.Context, msg *queue.Message) {
	if _, dup := w.seen[msg.ID]; dup {
		msg.Ack()
		return
	}

	var err error
	switch msg.Type {
	case types.EnvelopeDecision:
		err = w.handleDecisionEvents(ctx, msg.Data, false)
	case types.EnvelopeDecisions:
		err = w.handleDecisionEvents(ctx, msg.Data, true)
	case types.EnvelopeRun:
		err = w.handleRun(ctx, msg.Data)
	case types.EnvelopeStep:
		err = w.handleStep(ctx, msg.Data)
	default:
		err = fmt.Errorf("unknown envelope type %q", msg.Type)
	}

	if err != nil {
		w.log.Error("worker: message processing failed, leaving unacked for redelivery",
			"type", msg.Type, "error", err)
		msg.Nack()
		return
	}

	w.seen[msg.ID] = struct{}{}
	if err := msg.Ack(); err != nil {
		w.log.Warn("worker: ack failed", "error", err)
	}
}

func (w *Worker) handleDecisionEvents(ctx context.Context, data []byte, batch bool) error {
	var events []types.DecisionEvent
	if batch {
		if err := json.Unmarshal(data, &events); err != nil {
			return fmt.Errorf("unmarshal decision batch: %w", err)
		}
	} else {
		var e types.DecisionEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return fmt.Errorf("unmarshal decision: %w", err)
		}
		events = []types.DecisionEvent{e}
	}

	for _, e := range events {
		if err := w.processDecisionEvent(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// throttle waits for the write limiter's token, if one is configured. It is
// called once per downstream write so a single batch of decision events
// can't burst past the configured rate even though each message may fan out
// into several writes.
func (w *Worker) throttle(ctx context.Context) error {
	if w.cfg.WriteLimiter == nil {
		return nil
	}
	return w.cfg.WriteLimiter.Wait(ctx)
}

func (w *Worker) processDecisionEvent(ctx context.Context, e types.DecisionEvent) error {
	key := blobstore.Key(blobstore.KindDecision, e.EventID, e.Timestamp)
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal decision event %s: %w", e.EventID, err)
	}
	if err := w.throttle(ctx); err != nil {
		return fmt.Errorf("write throttle: %w", err)
	}
	if err := w.cfg.Blobs.Put(ctx, key, body); err != nil {
		return fmt.Errorf("store decision event blob %s: %w", e.EventID, err)
	}

	pipelineID := ""
	if run, ok := w.runCache[e.RunID]; ok {
		pipelineID = run.PipelineID
	}

	if err := w.cfg.Analytical.UpsertDecisionEvent(ctx, analytical.DecisionEventRow{
		RunID:      e.RunID,
		StepID:     e.StepID,
		Timestamp:  e.Timestamp,
		EventID:    e.EventID,
		PipelineID: pipelineID,
		Outcome:    e.Outcome,
		ItemID:     e.ItemID,
		Score:      e.Score,
		BlobKey:    key,
		UpdatedAt:  time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("upsert decision event row %s: %w", e.EventID, err)
	}

	w.stepEvents[e.StepID] = append(w.stepEvents[e.StepID], e)
	return nil
}

func (w *Worker) handleRun(ctx context.Context, data []byte) error {
	var run types.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return fmt.Errorf("unmarshal run: %w", err)
	}

	key := blobstore.Key(blobstore.KindRun, run.RunID, run.StartedAt)
	body, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run %s: %w", run.RunID, err)
	}
	if err := w.throttle(ctx); err != nil {
		return fmt.Errorf("write throttle: %w", err)
	}
	if err := w.cfg.Blobs.Put(ctx, key, body); err != nil {
		return fmt.Errorf("store run blob %s: %w", run.RunID, err)
	}

	w.runCache[run.RunID] = run

	if run.Status != types.RunCompleted && run.Status != types.RunFailed {
		return nil
	}

	agg := w.aggregateRun(run)
	if err := w.cfg.Analytical.UpsertRun(ctx, agg); err != nil {
		return fmt.Errorf("upsert run row %s: %w", run.RunID, err)
	}

	w.notifyRunCompleted(ctx, run)
	return nil
}

func (w *Worker) handleStep(ctx context.Context, data []byte) error {
	var step types.Step
	if err := json.Unmarshal(data, &step); err != nil {
		return fmt.Errorf("unmarshal step: %w", err)
	}

	key := blobstore.Key(blobstore.KindStep, step.StepID, step.StartedAt)
	body, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("marshal step %s: %w", step.StepID, err)
	}
	if err := w.throttle(ctx); err != nil {
		return fmt.Errorf("write throttle: %w", err)
	}
	if err := w.cfg.Blobs.Put(ctx, key, body); err != nil {
		return fmt.Errorf("store step blob %s: %w", step.StepID, err)
	}

	w.stepCache[step.StepID] = step

	if step.CompletedAt == nil {
		return nil
	}

	metrics := w.aggregateStepMetrics(step)
	w.stepMetrics[step.StepID] = metrics

	pipelineID := ""
	if run, ok := w.runCache[step.RunID]; ok {
		pipelineID = run.PipelineID
	}

	row := analytical.StepRow{
		StepID:           step.StepID,
		RunID:            step.RunID,
		PipelineID:       pipelineID,
		Type:             step.Type,
		Name:             step.Name,
		InputCount:       metrics.InputCount,
		OutputCount:      metrics.OutputCount,
		EliminationRatio: metrics.EliminationRatio,
		KeptCount:        metrics.KeptCount,
		EliminatedCount:  metrics.EliminatedCount,
		ScoredCount:      metrics.ScoredCount,
		StartedAt:        step.StartedAt,
		CompletedAt:      step.CompletedAt,
		UpdatedAt:        time.Now().UTC(),
	}
	if err := w.cfg.Analytical.UpsertStep(ctx, row); err != nil {
		return fmt.Errorf("upsert step row %s: %w", step.StepID, err)
	}
	return nil
}

// notifyRunCompleted best-effort-publishes runId/status over core NATS
// pub/sub. Never surfaces a failure back to the caller: losing this notice
// must never fail the enclosing message's ack.
func (w *Worker) notifyRunCompleted(ctx context.Context, run types.Run) {
	if w.cfg.NotifyConn == nil {
		return
	}
	type notice struct {
		RunID  string          `json:"runId"`
		Status types.RunStatus `json:"status"`
	}
	if err := natsutil.Publish(ctx, w.cfg.NotifyConn, runCompletedSubject, notice{RunID: run.RunID, Status: run.Status}); err != nil {
		w.log.Debug("worker: run-completed notice failed, dropping", "runId", run.RunID, "error", err)
	}
}
