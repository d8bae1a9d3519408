package metadata

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// AllEntities is the id sentinel meaning "every record of this type".
const AllEntities = "-1"

// RelationType is the relationType column of a relation. Only SYNC and
// TRIGGER relations propagate values.
type RelationType string

const (
	RelationSync    RelationType = "SYNC"
	RelationTrigger RelationType = "TRIGGER"
	RelationLink    RelationType = "LINK"
)

// Valid reports whether t is one of the known relation types.
func (t RelationType) Valid() bool {
	switch t {
	case RelationSync, RelationTrigger, RelationLink:
		return true
	}
	return false
}

// Propagates reports whether relations of this type drive field propagation.
// LINK is a plain association.
func (t RelationType) Propagates() bool {
	return t == RelationSync || t == RelationTrigger
}

// Scope classifies how a relation selects its records.
type Scope int

const (
	ScopeSpecific Scope = iota
	ScopeGlobal
	// ScopeMixed is a persisted relation with exactly one sentinel id. It is
	// resolved as specific, with "-1" taken literally.
	ScopeMixed
)

func (s Scope) String() string {
	switch s {
	case ScopeGlobal:
		return "global"
	case ScopeMixed:
		return "mixed"
	default:
		return "specific"
	}
}

// Relation is a persisted association between two module types or records.
type Relation struct {
	ID           string       `json:"id"`
	SourceType   string       `json:"sourceType"`
	SourceID     string       `json:"sourceId"`
	TargetType   string       `json:"targetType"`
	TargetID     string       `json:"targetId"`
	RelationType RelationType `json:"relationType"`
	Settings     string       `json:"settings"`
}

// Scope returns the relation's scope. Only both ids set to the sentinel make
// a relation global.
func (r *Relation) Scope() Scope {
	src := r.SourceID == AllEntities
	tgt := r.TargetID == AllEntities
	switch {
	case src && tgt:
		return ScopeGlobal
	case src || tgt:
		return ScopeMixed
	default:
		return ScopeSpecific
	}
}

// IsGlobal returns true when the relation applies to all pairs of its types.
func (r *Relation) IsGlobal() bool {
	return r.Scope() == ScopeGlobal
}

// Rule decodes the relation's settings document.
func (r *Relation) Rule() (RuleSpec, error) {
	spec, err := DecodeSettings(r.Settings)
	if err != nil {
		if de, ok := err.(*DecodeError); ok {
			de.RelationID = r.ID
		}
		return RuleSpec{}, err
	}
	return spec, nil
}

// UnmarshalJSON accepts numeric ids as well as strings; the store is not
// consistent about which it returns.
func (r *Relation) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID           flexString   `json:"id"`
		SourceType   string       `json:"sourceType"`
		SourceID     flexString   `json:"sourceId"`
		TargetType   string       `json:"targetType"`
		TargetID     flexString   `json:"targetId"`
		RelationType RelationType `json:"relationType"`
		Settings     *string      `json:"settings"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.ID = string(raw.ID)
	r.SourceType = raw.SourceType
	r.SourceID = string(raw.SourceID)
	r.TargetType = raw.TargetType
	r.TargetID = string(raw.TargetID)
	r.RelationType = raw.RelationType
	r.Settings = ""
	if raw.Settings != nil {
		r.Settings = *raw.Settings
	}
	return nil
}

// flexString decodes a JSON string, number or null into a string.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", data)
	}
	*f = flexString(n.String())
	return nil
}

// IDString formats a record id of any JSON-decoded type as a string.
func IDString(v any) string {
	switch id := v.(type) {
	case nil:
		return ""
	case string:
		return id
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	case int:
		return strconv.Itoa(id)
	case int64:
		return strconv.FormatInt(id, 10)
	case json.Number:
		return id.String()
	default:
		return fmt.Sprintf("%v", id)
	}
}
