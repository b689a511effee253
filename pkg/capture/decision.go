package capture

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/driftline/driftline/pkg/sampler"
	"github.com/driftline/driftline/pkg/types"
)

// identityFields is the ordered list of struct/map keys probed to recover a
// stable item identity, per the documented {id, itemId, key} fallback chain.
var identityFields = []string{"id", "itemId", "key"}

// deriveDecisions implements the capture façade's decision-derivation rules:
// always attach inputCount/outputCount metadata, skip entirely under
// metrics_only, diff ordered sequences positionally-by-identity when both
// sides are sequences, and fall back to a single synthetic item otherwise.
func (c *Capture) deriveDecisions(stepID, runID string, stepType types.StepType, input, output any, config map[string]any, decide DecisionFunc) {
	inSeq, inOK := asSequence(input)
	outSeq, outOK := asSequence(output)

	inputCount := 1
	if inOK {
		inputCount = len(inSeq)
	}
	outputCount := 1
	if outOK {
		outputCount = len(outSeq)
	}
	if output == nil {
		outputCount = 0
	}

	if c.level == LevelMetricsOnly {
		return
	}

	if inOK && outOK {
		c.deriveSequenceDecisions(stepID, runID, stepType, inSeq, outSeq, config, decide, inputCount, outputCount)
		return
	}

	c.deriveSingleDecision(stepID, runID, stepType, input, output, config, decide, inputCount, outputCount)
}

func (c *Capture) deriveSequenceDecisions(stepID, runID string, stepType types.StepType, inSeq, outSeq []any, config map[string]any, decide DecisionFunc, inputCount, outputCount int) {
	outByID := make(map[string]any, len(outSeq))
	outByIdentity := make(map[uintptr]any, len(outSeq))
	for _, o := range outSeq {
		if id, ok := identityOf(o); ok {
			outByID[id] = o
		} else if p := identityPointer(o); p != 0 {
			outByIdentity[p] = o
		}
	}

	targetSize := sampler.TargetSize(inputCount)

	for i, item := range inSeq {
		itemID, hasID := identityOf(item)
		if !hasID {
			itemID = fmt.Sprintf("item-%d", i)
		}

		var presumedOutput any
		var hasOutput bool
		if hasID {
			if o, ok := outByID[itemID]; ok {
				presumedOutput, hasOutput = o, true
			}
		}
		if !hasOutput {
			if o, ok := outByIdentity[identityPointer(item)]; ok {
				presumedOutput, hasOutput = o, true
			}
		}

		if c.level == LevelSampled && !sampler.ShouldSample(i, inputCount, targetSize) {
			continue
		}

		decision := c.resolveDecision(decide, item, presumedOutput, hasOutput, stepType, config)
		if decision == nil {
			continue
		}

		sampled := i > 0 && i < inputCount-1

		c.emit(types.DecisionEvent{
			EventID: uuid.NewString(),
			StepID:  stepID,
			RunID:   runID,
			Outcome: decision.Outcome,
			ItemID:  itemID,
			Input:   item,
			Output:  presumedOutput,
			Reason:  decision.Reason,
			Score:   decision.Score,
			Metadata: map[string]any{
				"inputCount":  inputCount,
				"outputCount": outputCount,
				"sampled":     sampled,
			},
			Timestamp: time.Now().UTC(),
		})
	}
}

func (c *Capture) deriveSingleDecision(stepID, runID string, stepType types.StepType, input, output any, config map[string]any, decide DecisionFunc, inputCount, outputCount int) {
	hasOutput := output != nil
	decision := c.resolveDecision(decide, input, output, hasOutput, stepType, config)
	if decision == nil {
		return
	}

	c.emit(types.DecisionEvent{
		EventID: uuid.NewString(),
		StepID:  stepID,
		RunID:   runID,
		Outcome: decision.Outcome,
		ItemID:  "single-item",
		Input:   input,
		Output:  output,
		Reason:  decision.Reason,
		Score:   decision.Score,
		Metadata: map[string]any{
			"inputCount":  inputCount,
			"outputCount": outputCount,
			"sampled":     false,
		},
		Timestamp: time.Now().UTC(),
	})
}

// resolveDecision applies the explicit decisionCallback if given, else the
// automatic outcome rules from the decision-derivation contract.
func (c *Capture) resolveDecision(decide DecisionFunc, input, output any, hasOutput bool, stepType types.StepType, config map[string]any) *Decision {
	if decide != nil {
		return decide(input, output)
	}
	if hasOutput {
		if stepType == types.StepRank || stepType == types.StepScore {
			score := scoreOf(output)
			return &Decision{
				Outcome: types.OutcomeScored,
				Reason:  fmt.Sprintf("Item scored: %v", scoreDisplay(score)),
				Score:   score,
			}
		}
		return &Decision{
			Outcome: types.OutcomeKept,
			Reason:  fmt.Sprintf("Item passed %s step", stepType),
		}
	}
	return &Decision{
		Outcome: types.OutcomeEliminated,
		Reason:  eliminationReason(config),
	}
}

func eliminationReason(config map[string]any) string {
	if config == nil {
		return "Item eliminated"
	}
	if threshold, ok := config["threshold"]; ok {
		return fmt.Sprintf("Item did not meet threshold %v", threshold)
	}
	if matchType, ok := config["matchType"]; ok {
		return fmt.Sprintf("Item did not match (%v)", matchType)
	}
	return "Item eliminated"
}

// asSequence reports whether v is a slice or array and, if so, returns its
// elements boxed as []any for uniform downstream handling.
func asSequence(v any) ([]any, bool) {
	if v == nil {
		return nil, false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return out, true
	default:
		return nil, false
	}
}

// identityOf probes the {id, itemId, key} field chain on a struct or map
// element, returning its string form and whether one was found.
func identityOf(v any) (string, bool) {
	if v == nil {
		return "", false
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return "", false
		}
		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.Map:
		for _, field := range identityFields {
			mv := rv.MapIndex(reflect.ValueOf(field))
			if mv.IsValid() {
				return fmt.Sprintf("%v", mv.Interface()), true
			}
		}
	case reflect.Struct:
		for _, field := range identityFields {
			fv := fieldByCaseInsensitiveName(rv, field)
			if fv.IsValid() {
				return fmt.Sprintf("%v", fv.Interface()), true
			}
		}
	}
	return "", false
}

func fieldByCaseInsensitiveName(rv reflect.Value, name string) reflect.Value {
	t := rv.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		if jsonName := jsonFieldName(f); strings.EqualFold(jsonName, name) {
			return rv.Field(i)
		}
	}
	return reflect.Value{}
}

func jsonFieldName(f reflect.StructField) string {
	tag := f.Tag.Get("json")
	if tag == "" || tag == "-" {
		return f.Name
	}
	for i := 0; i < len(tag); i++ {
		if tag[i] == ',' {
			return tag[:i]
		}
	}
	return tag
}

// identityPointer gives a stable reference-identity fallback for values
// without an identity field: the underlying pointer/data address for
// pointer-like kinds, or zero (meaning "no identity, never matches") for
// plain value types.
func identityPointer(v any) uintptr {
	if v == nil {
		return 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return rv.Pointer()
	default:
		return 0
	}
}

// scoreOf probes an output element's {score, relevanceScore} fields.
func scoreOf(v any) *float64 {
	if v == nil {
		return nil
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	for _, name := range []string{"score", "relevanceScore"} {
		var fv reflect.Value
		switch rv.Kind() {
		case reflect.Map:
			fv = rv.MapIndex(reflect.ValueOf(name))
		case reflect.Struct:
			fv = fieldByCaseInsensitiveName(rv, name)
		}
		if fv.IsValid() {
			if f, ok := toFloat(fv); ok {
				return &f
			}
		}
	}
	return nil
}

func toFloat(v reflect.Value) (float64, bool) {
	if v.Kind() == reflect.Interface {
		v = v.Elem()
	}
	switch v.Kind() {
	case reflect.Float32, reflect.Float64:
		return v.Float(), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(v.Int()), true
	default:
		return 0, false
	}
}

func scoreDisplay(f *float64) string {
	if f == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.2f", *f)
}
