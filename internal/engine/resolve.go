package engine

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"arc-sync/internal/metadata"
)

// ErrAmbiguousScope marks a relation with exactly one sentinel id.
var ErrAmbiguousScope = errors.New("relation has exactly one global id; resolved as specific")

// SourceEvent is a change to one source record.
type SourceEvent struct {
	EventID    string
	SourceType string
	SourceID   string
	Record     metadata.Record
	// Old is the record before the change, when known.
	Old metadata.Record
	// TargetType restricts resolution to one target type when set.
	TargetType string
}

// Pair is one (relation, target record) combination to evaluate.
type Pair struct {
	Relation metadata.Relation
	Rule     metadata.RuleSpec
	TargetID string
}

// Warning is a relation-local problem that did not stop resolution.
type Warning struct {
	RelationID string `json:"relation_id"`
	Message    string `json:"message"`
	Err        error  `json:"-"`
}

// Resolution is the ordered set of pairs one event affects, plus the
// relations that were skipped along the way.
type Resolution struct {
	Pairs    []Pair
	Warnings []Warning
}

// TargetTypes returns the distinct target types of the pairs, in order.
func (r Resolution) TargetTypes() []string {
	seen := map[string]bool{}
	var types []string
	for _, p := range r.Pairs {
		if !seen[p.Relation.TargetType] {
			seen[p.Relation.TargetType] = true
			types = append(types, p.Relation.TargetType)
		}
	}
	return types
}

// Resolver selects the relations and target records a source change affects.
// It holds no state besides its logger and is safe for concurrent use.
type Resolver struct {
	logger *zap.Logger
}

func NewResolver(logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{logger: logger}
}

// Candidate reports whether rel could apply to ev at all, before ids and
// settings are looked at.
func Candidate(rel *metadata.Relation, ev SourceEvent) bool {
	if rel.SourceType != ev.SourceType {
		return false
	}
	if ev.TargetType != "" && rel.TargetType != ev.TargetType {
		return false
	}
	return rel.RelationType.Propagates()
}

// NeedsTargets reports whether rel is a global candidate for ev, which
// requires every record of its target type.
func NeedsTargets(rel *metadata.Relation, ev SourceEvent) bool {
	return Candidate(rel, ev) && rel.IsGlobal()
}

// Resolve returns the (relation, target id) pairs for ev. Relations are
// processed in the order given; targets holds all records per target type
// and is only consulted for global relations.
func (r *Resolver) Resolve(ev SourceEvent, targets map[string][]metadata.Record, relations []metadata.Relation) Resolution {
	var res Resolution

	for i := range relations {
		rel := relations[i]
		if !Candidate(&rel, ev) {
			continue
		}

		switch rel.Scope() {
		case metadata.ScopeGlobal:
			spec, ok := r.decode(&rel, &res)
			if !ok {
				continue
			}
			if !spec.HasJoinKeys() {
				r.logger.Debug("global relation without join keys is inert",
					zap.String("relation_id", rel.ID))
				continue
			}
			key, ok := ev.Record.Get(spec.JoinKeySource)
			if !ok {
				continue
			}
			for _, target := range targets[rel.TargetType] {
				tv, ok := target.Get(spec.JoinKeyTarget)
				if !ok || !key.Equal(tv) {
					continue
				}
				res.Pairs = append(res.Pairs, Pair{Relation: rel, Rule: spec, TargetID: target.ID()})
			}

		default:
			if rel.SourceID != ev.SourceID {
				continue
			}
			if rel.Scope() == metadata.ScopeMixed {
				r.warn(&res, rel.ID, "ambiguous relation scope", ErrAmbiguousScope)
			}
			spec, ok := r.decode(&rel, &res)
			if !ok {
				continue
			}
			res.Pairs = append(res.Pairs, Pair{Relation: rel, Rule: spec, TargetID: rel.TargetID})
		}
	}

	return res
}

func (r *Resolver) decode(rel *metadata.Relation, res *Resolution) (metadata.RuleSpec, bool) {
	spec, err := rel.Rule()
	if err != nil {
		r.warn(res, rel.ID, "relation skipped", err)
		return metadata.RuleSpec{}, false
	}
	return spec, true
}

func (r *Resolver) warn(res *Resolution, relationID, msg string, err error) {
	r.logger.Warn(msg, zap.String("relation_id", relationID), zap.Error(err))
	res.Warnings = append(res.Warnings, Warning{
		RelationID: relationID,
		Message:    err.Error(),
		Err:        err,
	})
}

func (w Warning) String() string {
	return fmt.Sprintf("relation %s: %s", w.RelationID, w.Message)
}
