package engine

import (
	"testing"

	"arc-sync/internal/metadata"
)

func TestExprLangEvaluator(t *testing.T) {
	e := NewExprLangEvaluator()
	env := map[string]any{
		"source":    map[string]any{"status": "Open", "amount": 150.0},
		"old":       map[string]any{"status": "Draft"},
		"target_id": "9",
	}

	tests := []struct {
		expr    string
		want    bool
		wantErr bool
	}{
		{"", true, false},
		{`source.status == "Open"`, true, false},
		{`source.amount > 100 && old.status == "Draft"`, true, false},
		{`target_id == "10"`, false, false},
		{`source.status ==`, false, true},
		{`source.amount + 1`, false, true},
	}
	for _, tt := range tests {
		got, err := e.EvaluateBool(tt.expr, env)
		if (err != nil) != tt.wantErr {
			t.Fatalf("%q: unexpected error state: %v", tt.expr, err)
		}
		if got != tt.want {
			t.Fatalf("%q: expected %v, got %v", tt.expr, tt.want, got)
		}
	}
}

func TestExprLangEvaluator_CachesPrograms(t *testing.T) {
	e := NewExprLangEvaluator()
	if err := e.Compile(`source.status == "Open"`); err != nil {
		t.Fatal(err)
	}
	if err := e.Compile(`source.status == "Open"`); err != nil {
		t.Fatal(err)
	}
	if len(e.cache) != 1 {
		t.Fatalf("expected one cached program, got %d", len(e.cache))
	}
	if err := e.Compile(`(`); err == nil {
		t.Fatal("expected compile error")
	}
	if len(e.cache) != 1 {
		t.Fatal("failed programs must not be cached")
	}
}

func TestConditionEnv(t *testing.T) {
	rel := globalRelation(t, "g1")
	ev := SourceEvent{
		SourceType: "orders",
		SourceID:   "1",
		Record:     record(map[string]any{"id": "1", "status": "Open"}),
	}
	env := conditionEnv(Pair{Relation: rel, TargetID: "9"}, ev)

	if env["old"] != nil {
		t.Fatalf("expected nil old without a previous record, got %v", env["old"])
	}
	src := env["source"].(map[string]any)
	if src["status"] != "Open" {
		t.Fatalf("expected source.status Open, got %v", src["status"])
	}
	relEnv := env["relation"].(map[string]any)
	if relEnv["global"] != true || relEnv["type"] != string(metadata.RelationSync) {
		t.Fatalf("unexpected relation env: %v", relEnv)
	}

	ev.Old = record(map[string]any{"status": "Draft"})
	env = conditionEnv(Pair{Relation: rel, TargetID: "9"}, ev)
	if env["old"].(map[string]any)["status"] != "Draft" {
		t.Fatalf("expected old.status Draft, got %v", env["old"])
	}
}
