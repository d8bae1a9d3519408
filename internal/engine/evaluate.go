package engine

import (
	"arc-sync/internal/metadata"
)

// Outcome classifies what a rule decided for one source value.
type Outcome string

const (
	// OutcomeInactive means the rule lacks a trigger or target field.
	OutcomeInactive Outcome = "inactive"
	// OutcomeWrite means the target field should be set to Value.
	OutcomeWrite Outcome = "write"
	// OutcomeNoMapping means the source value has no entry in the mapping
	// table. Nothing is written.
	OutcomeNoMapping Outcome = "no_mapping"
)

// Result is the outcome of evaluating one rule against one source value.
type Result struct {
	Outcome Outcome `json:"outcome"`
	Field   string  `json:"field,omitempty"`
	Value   string  `json:"value,omitempty"`
}

// ShouldWrite reports whether the caller must issue a write.
func (r Result) ShouldWrite() bool {
	return r.Outcome == OutcomeWrite
}

// Evaluate maps a source field value through the rule's value mapping.
// Lookup is exact: no trimming, case folding or numeric normalisation.
func Evaluate(rule metadata.RuleSpec, sourceValue string) Result {
	if !rule.Active() {
		return Result{Outcome: OutcomeInactive}
	}
	mapped, ok := rule.ValueMapping[sourceValue]
	if !ok {
		return Result{Outcome: OutcomeNoMapping, Field: rule.TargetField}
	}
	return Result{Outcome: OutcomeWrite, Field: rule.TargetField, Value: mapped}
}

// EvaluateRecord reads the trigger field from a source record and evaluates
// the rule. A missing or non-string trigger value has no mapping.
func EvaluateRecord(rule metadata.RuleSpec, source metadata.Record) Result {
	if !rule.Active() {
		return Result{Outcome: OutcomeInactive}
	}
	v, ok := source.Get(rule.TriggerField)
	if !ok {
		return Result{Outcome: OutcomeNoMapping, Field: rule.TargetField}
	}
	s, ok := v.Text()
	if !ok {
		return Result{Outcome: OutcomeNoMapping, Field: rule.TargetField}
	}
	return Evaluate(rule, s)
}

// TriggerChanged reports whether the rule's trigger field differs between
// the old and new source records. A nil old record counts as changed.
func TriggerChanged(rule metadata.RuleSpec, old, current metadata.Record) bool {
	if old == nil {
		return true
	}
	before, hadBefore := old.Get(rule.TriggerField)
	after, hasAfter := current.Get(rule.TriggerField)
	if hadBefore != hasAfter {
		return true
	}
	if !hadBefore {
		return false
	}
	if before.IsNull() && after.IsNull() {
		return false
	}
	return !before.Equal(after)
}
