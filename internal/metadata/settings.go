package metadata

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// RuleSpec is the propagation rule carried in a relation's settings document.
type RuleSpec struct {
	TriggerField  string            `json:"triggerField" yaml:"triggerField"`
	TargetField   string            `json:"targetField" yaml:"targetField"`
	JoinKeySource string            `json:"joinKeySource" yaml:"joinKeySource,omitempty"`
	JoinKeyTarget string            `json:"joinKeyTarget" yaml:"joinKeyTarget,omitempty"`
	ValueMapping  map[string]string `json:"valueMapping" yaml:"valueMapping"`

	// Condition is an optional guard expression evaluated before a write.
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// Active reports whether the rule names both of its fields.
func (s RuleSpec) Active() bool {
	return s.TriggerField != "" && s.TargetField != ""
}

// HasJoinKeys reports whether both join keys are set.
func (s RuleSpec) HasJoinKeys() bool {
	return s.JoinKeySource != "" && s.JoinKeyTarget != ""
}

// DecodeError is returned when a settings document cannot be parsed. It is
// local to one relation.
type DecodeError struct {
	RelationID string
	Input      string
	Err        error
}

func (e *DecodeError) Error() string {
	if e.RelationID != "" {
		return fmt.Sprintf("decode settings for relation %s: %v", e.RelationID, e.Err)
	}
	return fmt.Sprintf("decode settings: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// DecodeSettings parses a settings document. Empty input yields a RuleSpec
// with all fields empty. The mapping is never nil on success.
func DecodeSettings(settings string) (RuleSpec, error) {
	spec := RuleSpec{ValueMapping: map[string]string{}}
	if strings.TrimSpace(settings) == "" {
		return spec, nil
	}

	var raw struct {
		TriggerField  string             `json:"triggerField"`
		TargetField   string             `json:"targetField"`
		JoinKeySource string             `json:"joinKeySource"`
		JoinKeyTarget string             `json:"joinKeyTarget"`
		ValueMapping  map[string]*string `json:"valueMapping"`
		Condition     string             `json:"condition"`
	}
	if err := json.Unmarshal([]byte(settings), &raw); err != nil {
		return RuleSpec{}, &DecodeError{Input: settings, Err: err}
	}

	spec.TriggerField = raw.TriggerField
	spec.TargetField = raw.TargetField
	spec.JoinKeySource = raw.JoinKeySource
	spec.JoinKeyTarget = raw.JoinKeyTarget
	spec.Condition = raw.Condition
	for k, v := range raw.ValueMapping {
		if v == nil {
			return RuleSpec{}, &DecodeError{Input: settings, Err: fmt.Errorf("valueMapping[%q] is null", k)}
		}
		spec.ValueMapping[k] = *v
	}
	return spec, nil
}

// EncodeSettings serializes a RuleSpec. All five rule fields are always
// present; valueMapping is emitted as an object even when empty.
func EncodeSettings(spec RuleSpec) (string, error) {
	if spec.ValueMapping == nil {
		spec.ValueMapping = map[string]string{}
	}
	b, err := json.Marshal(spec)
	if err != nil {
		return "", fmt.Errorf("encode settings: %w", err)
	}
	return string(b), nil
}

// MappingRow is one editable line of a value mapping table.
type MappingRow struct {
	SourceValue string `json:"sourceValue" yaml:"source"`
	TargetValue string `json:"targetValue" yaml:"target"`
}

// Rows returns the mapping as rows sorted by source value.
func (s RuleSpec) Rows() []MappingRow {
	rows := make([]MappingRow, 0, len(s.ValueMapping))
	for k, v := range s.ValueMapping {
		rows = append(rows, MappingRow{SourceValue: k, TargetValue: v})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].SourceValue < rows[j].SourceValue })
	return rows
}

// MappingFromRows builds a mapping table. Rows missing either value are
// dropped and a later row wins over an earlier one with the same source.
func MappingFromRows(rows []MappingRow) map[string]string {
	m := make(map[string]string, len(rows))
	for _, row := range rows {
		if row.SourceValue == "" || row.TargetValue == "" {
			continue
		}
		m[row.SourceValue] = row.TargetValue
	}
	return m
}
