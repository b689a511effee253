package worker

import (
	"time"

	"github.com/driftline/driftline/pkg/analytical"
	"github.com/driftline/driftline/pkg/fn"
	"github.com/driftline/driftline/pkg/types"
)

type outcomeTally struct {
	kept, eliminated, scored int
}

// aggregateStepMetrics derives a step's metrics from its accumulated
// decision events. inputCount's precedence is config.inputCount, then the
// first event's metadata.inputCount, then the number of captured events;
// outputCount follows the same precedence over config/metadata.outputCount
// before falling back to kept+scored.
func (w *Worker) aggregateStepMetrics(step types.Step) types.StepMetrics {
	events := w.stepEvents[step.StepID]

	tally := fn.Reduce(events, outcomeTally{}, func(acc outcomeTally, e types.DecisionEvent) outcomeTally {
		switch e.Outcome {
		case types.OutcomeKept:
			acc.kept++
		case types.OutcomeEliminated:
			acc.eliminated++
		case types.OutcomeScored:
			acc.scored++
		}
		return acc
	})
	kept, eliminated, scored := tally.kept, tally.eliminated, tally.scored

	inputCount, inputSource := resolveCount(step.Config, events, "inputCount", len(events))
	outputCount, outputSource := resolveCount(step.Config, events, "outputCount", kept+scored)

	w.log.Debug("worker: step metrics resolved",
		"stepId", step.StepID, "inputCount", inputCount, "inputSource", inputSource,
		"outputCount", outputCount, "outputSource", outputSource)

	return types.StepMetrics{
		InputCount:       inputCount,
		OutputCount:      outputCount,
		KeptCount:        kept,
		EliminatedCount:  eliminated,
		ScoredCount:      scored,
		EliminationRatio: types.EliminationRatio(inputCount, outputCount),
	}
}

// resolveCount implements the documented count-precedence chain: step
// config, then the first event's metadata, then fallback.
func resolveCount(config map[string]any, events []types.DecisionEvent, key string, fallback int) (int, string) {
	if config != nil {
		if v, ok := config[key]; ok {
			if n, ok := toInt(v); ok {
				return n, "config"
			}
		}
	}
	if len(events) > 0 && events[0].Metadata != nil {
		if v, ok := events[0].Metadata[key]; ok {
			if n, ok := toInt(v); ok {
				return n, "event-metadata"
			}
		}
	}
	return fallback, "fallback"
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// aggregateRun sums the cached step metrics for runID and computes the
// overall elimination ratio, per the documented run-completion rollup.
func (w *Worker) aggregateRun(run types.Run) analytical.RunRow {
	var totalSteps, totalInput, totalOutput int
	for stepID, step := range w.stepCache {
		if step.RunID != run.RunID {
			continue
		}
		totalSteps++
		if m, ok := w.stepMetrics[stepID]; ok {
			totalInput += m.InputCount
			totalOutput += m.OutputCount
		}
	}

	var errMsg *string
	if run.Error != nil {
		errMsg = run.Error
	}

	return analytical.RunRow{
		RunID:                   run.RunID,
		PipelineID:              run.PipelineID,
		Status:                  run.Status,
		StartedAt:               run.StartedAt,
		CompletedAt:             run.CompletedAt,
		Error:                   errMsg,
		TotalSteps:              totalSteps,
		TotalInputCount:         totalInput,
		TotalOutputCount:        totalOutput,
		OverallEliminationRatio: types.EliminationRatio(totalInput, totalOutput),
		Metadata:                run.Metadata,
		UpdatedAt:               time.Now().UTC(),
	}
}
