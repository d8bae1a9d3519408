package engine

import (
	"testing"

	"arc-sync/internal/metadata"
)

func TestEvaluate_InactiveRuleNeverWrites(t *testing.T) {
	rules := []metadata.RuleSpec{
		{TargetField: "state", ValueMapping: map[string]string{"A": "X"}},
		{TriggerField: "status", ValueMapping: map[string]string{"A": "X"}},
		{},
	}
	for _, rule := range rules {
		for _, in := range []string{"A", "", "anything"} {
			if got := Evaluate(rule, in); got.Outcome != OutcomeInactive || got.ShouldWrite() {
				t.Fatalf("rule %+v input %q: expected inactive, got %+v", rule, in, got)
			}
		}
	}
}

func TestEvaluate_ExactMatch(t *testing.T) {
	rule := metadata.RuleSpec{
		TriggerField: "status",
		TargetField:  "state",
		ValueMapping: map[string]string{"A": "X", "B": "Y"},
	}

	tests := []struct {
		in      string
		outcome Outcome
		value   string
	}{
		{"A", OutcomeWrite, "X"},
		{"B", OutcomeWrite, "Y"},
		{"C", OutcomeNoMapping, ""},
		{"a", OutcomeNoMapping, ""},
		{" A", OutcomeNoMapping, ""},
		{"", OutcomeNoMapping, ""},
	}
	for _, tt := range tests {
		got := Evaluate(rule, tt.in)
		if got.Outcome != tt.outcome || got.Value != tt.value {
			t.Fatalf("input %q: expected %s %q, got %+v", tt.in, tt.outcome, tt.value, got)
		}
		if got.Outcome != OutcomeInactive && got.Field != "state" {
			t.Fatalf("input %q: expected field state, got %q", tt.in, got.Field)
		}
	}
}

func TestEvaluate_EmptyMappedValueIsWritten(t *testing.T) {
	rule := metadata.RuleSpec{TriggerField: "s", TargetField: "t", ValueMapping: map[string]string{"clear": ""}}
	got := Evaluate(rule, "clear")
	if !got.ShouldWrite() || got.Value != "" {
		t.Fatalf("an explicit empty mapping is a write, got %+v", got)
	}
}

func TestEvaluateRecord_NoFallbackValue(t *testing.T) {
	rule := metadata.RuleSpec{
		TriggerField: "status",
		TargetField:  "state",
		ValueMapping: map[string]string{"Open": "Active", "1": "One"},
	}

	sources := []metadata.Record{
		record(map[string]any{"id": "1", "status": "Pending"}),
		record(map[string]any{"id": "1"}),
		record(map[string]any{"id": "1", "status": nil}),
		record(map[string]any{"id": "1", "status": 1}),
		record(map[string]any{"id": "1", "status": map[string]any{"v": "Open"}}),
	}
	for _, src := range sources {
		got := EvaluateRecord(rule, src)
		if got.ShouldWrite() {
			t.Fatalf("source %v: unmapped value must not write, got %+v", src, got)
		}
		if got.Outcome != OutcomeNoMapping {
			t.Fatalf("source %v: expected no_mapping, got %s", src, got.Outcome)
		}
	}

	got := EvaluateRecord(rule, record(map[string]any{"status": "Open"}))
	if !got.ShouldWrite() || got.Value != "Active" {
		t.Fatalf("expected write Active, got %+v", got)
	}
}

func TestTriggerChanged(t *testing.T) {
	rule := metadata.RuleSpec{TriggerField: "status", TargetField: "state"}

	tests := []struct {
		name    string
		old     metadata.Record
		current metadata.Record
		want    bool
	}{
		{"no old record", nil, record(map[string]any{"status": "Open"}), true},
		{"same value", record(map[string]any{"status": "Open"}), record(map[string]any{"status": "Open"}), false},
		{"different value", record(map[string]any{"status": "Open"}), record(map[string]any{"status": "Closed"}), true},
		{"field added", record(map[string]any{}), record(map[string]any{"status": "Open"}), true},
		{"field removed", record(map[string]any{"status": "Open"}), record(map[string]any{}), true},
		{"absent on both", record(map[string]any{}), record(map[string]any{}), false},
		{"null on both", record(map[string]any{"status": nil}), record(map[string]any{"status": nil}), false},
		{"kind changed", record(map[string]any{"status": "1"}), record(map[string]any{"status": 1}), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TriggerChanged(rule, tt.old, tt.current); got != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}
