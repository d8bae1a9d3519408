package metadata

import (
	"errors"
	"fmt"
	"strings"
)

// RelationDraft accumulates the fields of a relation before it is submitted
// to the store. The zero value is an empty draft.
type RelationDraft struct {
	SourceType   string       `json:"sourceType" yaml:"sourceType"`
	SourceID     string       `json:"sourceId" yaml:"sourceId"`
	TargetType   string       `json:"targetType" yaml:"targetType"`
	TargetID     string       `json:"targetId" yaml:"targetId"`
	RelationType RelationType `json:"relationType" yaml:"relationType"`
	Settings     string       `json:"settings" yaml:"settings"`
}

func NewDraft(sourceType, targetType string) *RelationDraft {
	return &RelationDraft{SourceType: sourceType, TargetType: targetType}
}

// Between sets concrete source and target ids.
func (d *RelationDraft) Between(sourceID, targetID string) *RelationDraft {
	d.SourceID = sourceID
	d.TargetID = targetID
	return d
}

// Global makes the draft apply to every pair of its two types.
func (d *RelationDraft) Global() *RelationDraft {
	d.SourceID = AllEntities
	d.TargetID = AllEntities
	return d
}

func (d *RelationDraft) WithType(t RelationType) *RelationDraft {
	d.RelationType = t
	return d
}

// WithRule encodes spec into the draft's settings.
func (d *RelationDraft) WithRule(spec RuleSpec) (*RelationDraft, error) {
	s, err := EncodeSettings(spec)
	if err != nil {
		return d, err
	}
	d.Settings = s
	return d, nil
}

// ValidationError lists every problem found in a draft.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid relation: " + strings.Join(e.Problems, "; ")
}

// Validate checks the draft and fills defaults: relation type SYNC and
// settings "{}". It returns a *ValidationError describing all problems.
func (d *RelationDraft) Validate() error {
	if d.RelationType == "" {
		d.RelationType = RelationSync
	}
	if strings.TrimSpace(d.Settings) == "" {
		d.Settings = "{}"
	}

	var problems []string
	if d.SourceType == "" {
		problems = append(problems, "sourceType is required")
	}
	if d.SourceID == "" {
		problems = append(problems, "sourceId is required")
	}
	if d.TargetType == "" {
		problems = append(problems, "targetType is required")
	}
	if d.TargetID == "" {
		problems = append(problems, "targetId is required")
	}
	if (d.SourceID == AllEntities) != (d.TargetID == AllEntities) && d.SourceID != "" && d.TargetID != "" {
		problems = append(problems, fmt.Sprintf("sourceId and targetId must both be %q for a global relation", AllEntities))
	}
	if !d.RelationType.Valid() {
		problems = append(problems, fmt.Sprintf("unknown relationType %q", d.RelationType))
	}

	spec, err := DecodeSettings(d.Settings)
	if err != nil {
		var de *DecodeError
		if errors.As(err, &de) {
			problems = append(problems, "settings: "+de.Err.Error())
		} else {
			problems = append(problems, "settings: "+err.Error())
		}
	} else if d.SourceID == AllEntities && d.TargetID == AllEntities && spec.Active() && !spec.HasJoinKeys() {
		problems = append(problems, "global relation needs joinKeySource and joinKeyTarget")
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// CheckFields verifies the rule's fields against module columns. A nil
// module skips the check for that side.
func (d *RelationDraft) CheckFields(source, target *Module) error {
	spec, err := DecodeSettings(d.Settings)
	if err != nil {
		return err
	}
	var problems []string
	if source != nil {
		for _, f := range []string{spec.TriggerField, spec.JoinKeySource} {
			if f != "" && !source.HasColumn(f) {
				problems = append(problems, fmt.Sprintf("%s has no column %q", source.Name, f))
			}
		}
	}
	if target != nil {
		for _, f := range []string{spec.TargetField, spec.JoinKeyTarget} {
			if f != "" && !target.HasColumn(f) {
				problems = append(problems, fmt.Sprintf("%s has no column %q", target.Name, f))
			}
		}
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}
