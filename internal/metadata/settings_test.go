package metadata

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestDecodeSettings_Empty(t *testing.T) {
	for _, in := range []string{"", "   ", "\n\t"} {
		spec, err := DecodeSettings(in)
		if err != nil {
			t.Fatalf("decode %q: %v", in, err)
		}
		if spec.TriggerField != "" || spec.TargetField != "" || spec.JoinKeySource != "" || spec.JoinKeyTarget != "" {
			t.Fatalf("expected empty spec for %q, got %+v", in, spec)
		}
		if spec.ValueMapping == nil || len(spec.ValueMapping) != 0 {
			t.Fatalf("expected empty non-nil mapping, got %v", spec.ValueMapping)
		}
		if spec.Active() {
			t.Fatal("empty spec must not be active")
		}
	}
}

func TestDecodeSettings_EmptyObjectAndNull(t *testing.T) {
	for _, in := range []string{"{}", "null"} {
		spec, err := DecodeSettings(in)
		if err != nil {
			t.Fatalf("decode %q: %v", in, err)
		}
		if spec.Active() || len(spec.ValueMapping) != 0 {
			t.Fatalf("expected inert spec for %q, got %+v", in, spec)
		}
	}
}

func TestDecodeSettings_Malformed(t *testing.T) {
	cases := []string{
		`{"triggerField": "status"`,
		`not json`,
		`[1,2,3]`,
		`{"valueMapping": {"A": 1}}`,
		`{"triggerField": 42}`,
		`{"triggerField": "status", "targetField": "state", "valueMapping": {"A": null}}`,
		`{"valueMapping": {"A": "Active", "B": null}}`,
		`{"valueMapping": {"A": true}}`,
	}
	for _, in := range cases {
		_, err := DecodeSettings(in)
		if err == nil {
			t.Fatalf("expected error for %q", in)
		}
		var de *DecodeError
		if !errors.As(err, &de) {
			t.Fatalf("expected *DecodeError for %q, got %T", in, err)
		}
		if de.Input != in {
			t.Fatalf("expected input to be kept, got %q", de.Input)
		}
	}
}

func TestDecodeSettings_OriginalEditorOutput(t *testing.T) {
	// The settings editor never wrote join keys.
	raw := `{"triggerField":"status","targetField":"stage","valueMapping":{"Won":"Closed","Lost":"Archived"}}`
	spec, err := DecodeSettings(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if spec.TriggerField != "status" || spec.TargetField != "stage" {
		t.Fatalf("unexpected fields: %+v", spec)
	}
	if spec.JoinKeySource != "" || spec.JoinKeyTarget != "" {
		t.Fatalf("expected empty join keys, got %+v", spec)
	}
	if spec.ValueMapping["Won"] != "Closed" || spec.ValueMapping["Lost"] != "Archived" {
		t.Fatalf("unexpected mapping: %v", spec.ValueMapping)
	}
}

func TestEncodeSettings_EmitsAllFields(t *testing.T) {
	out, err := EncodeSettings(RuleSpec{TriggerField: "status", TargetField: "stage"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var generic map[string]any
	if err := json.Unmarshal([]byte(out), &generic); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	for _, key := range []string{"triggerField", "targetField", "joinKeySource", "joinKeyTarget", "valueMapping"} {
		if _, ok := generic[key]; !ok {
			t.Fatalf("expected key %s in %s", key, out)
		}
	}
	if _, ok := generic["valueMapping"].(map[string]any); !ok {
		t.Fatalf("valueMapping must be an object, got %T", generic["valueMapping"])
	}
	if _, ok := generic["condition"]; ok {
		t.Fatalf("empty condition must be omitted: %s", out)
	}
}

func TestEncodeSettings_Deterministic(t *testing.T) {
	a := RuleSpec{TriggerField: "t", TargetField: "u", ValueMapping: map[string]string{"b": "2", "a": "1", "c": "3"}}
	first, _ := EncodeSettings(a)
	for i := 0; i < 20; i++ {
		next, _ := EncodeSettings(a)
		if next != first {
			t.Fatalf("encoding changed between calls:\n%s\n%s", first, next)
		}
	}
	if !strings.Contains(first, `{"a":"1","b":"2","c":"3"}`) {
		t.Fatalf("expected sorted flat mapping, got %s", first)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	specs := []RuleSpec{
		{TriggerField: "status", TargetField: "stage", ValueMapping: map[string]string{}},
		{TriggerField: "status", TargetField: "stage", ValueMapping: map[string]string{"A": "X"}},
		{
			TriggerField: "project_code", TargetField: "state",
			JoinKeySource: "project_code", JoinKeyTarget: "linked_project_id",
			ValueMapping: map[string]string{"A": "X", "B": "Y", "10": "ten", "10.0": "ten point oh", "": "blank"},
		},
		{TriggerField: "a b", TargetField: "ç", ValueMapping: map[string]string{"<x>": "&y", "\"q\"": "\n"}},
		{TriggerField: "t", TargetField: "u", Condition: "source.priority == 'high'", ValueMapping: map[string]string{"1": "2"}},
	}
	for _, spec := range specs {
		enc, err := EncodeSettings(spec)
		if err != nil {
			t.Fatalf("encode %+v: %v", spec, err)
		}
		dec, err := DecodeSettings(enc)
		if err != nil {
			t.Fatalf("decode %s: %v", enc, err)
		}
		if !reflect.DeepEqual(dec, spec) {
			t.Fatalf("round trip mismatch:\n want %+v\n got  %+v", spec, dec)
		}
	}
}

func TestSettingsRoundTrip_NilMapping(t *testing.T) {
	enc, err := EncodeSettings(RuleSpec{TriggerField: "t", TargetField: "u"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	dec, err := DecodeSettings(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dec.ValueMapping == nil || len(dec.ValueMapping) != 0 {
		t.Fatalf("expected empty mapping, got %v", dec.ValueMapping)
	}
}

func TestMappingFromRows(t *testing.T) {
	rows := []MappingRow{
		{SourceValue: "A", TargetValue: "X"},
		{SourceValue: "", TargetValue: "ignored"},
		{SourceValue: "B", TargetValue: ""},
		{SourceValue: "A", TargetValue: "Z"},
	}
	m := MappingFromRows(rows)
	if len(m) != 1 {
		t.Fatalf("expected 1 entry, got %v", m)
	}
	if m["A"] != "Z" {
		t.Fatalf("expected later row to win, got %q", m["A"])
	}

	spec := RuleSpec{ValueMapping: map[string]string{"b": "2", "a": "1"}}
	got := spec.Rows()
	if len(got) != 2 || got[0].SourceValue != "a" || got[1].SourceValue != "b" {
		t.Fatalf("expected rows sorted by source, got %+v", got)
	}
}
