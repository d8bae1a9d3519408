package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"arc-sync/internal/instrument"
	"arc-sync/internal/metadata"
	"arc-sync/internal/store"
)

// RelationStore lists and manages relation records in the external API.
type RelationStore interface {
	ListRelations(ctx context.Context, sourceType, sourceID string) ([]metadata.Relation, error)
	CreateRelation(ctx context.Context, draft metadata.RelationDraft) (*metadata.Relation, error)
	DeleteRelation(ctx context.Context, id string) error
}

// ObjectStore reads and writes module records in the external API.
type ObjectStore interface {
	ListRecords(ctx context.Context, moduleType string) ([]metadata.Record, error)
	GetRecord(ctx context.Context, moduleType, id string) (metadata.Record, error)
	UpdateRecord(ctx context.Context, moduleType, id string, fields map[string]string) error
}

// Ledger records writes so each (event, relation, target) is applied at most once.
type Ledger interface {
	Claim(ctx context.Context, d store.Delivery) error
	Complete(ctx context.Context, key string, status store.DeliveryStatus, errMsg string) error
}

// Skip reasons reported for pairs that produce no write.
const (
	ReasonInactive       = "inactive"
	ReasonNoMapping      = "no_mapping"
	ReasonUnchanged      = "unchanged"
	ReasonCondition      = "condition_false"
	ReasonConditionError = "condition_error"
	ReasonTargetsFailed  = "targets_unavailable"
)

// TargetOutcome is the per-target result of a propagation pass.
type TargetOutcome struct {
	RelationID string                `json:"relation_id"`
	TargetType string                `json:"target_type"`
	TargetID   string                `json:"target_id"`
	Outcome    Outcome               `json:"outcome"`
	Field      string                `json:"field,omitempty"`
	Value      string                `json:"value,omitempty"`
	Status     store.DeliveryStatus  `json:"status"`
	Reason     string                `json:"reason,omitempty"`
	Error      string                `json:"error,omitempty"`
}

// Report summarises one propagation pass.
type Report struct {
	EventID  string          `json:"event_id"`
	DryRun   bool            `json:"dry_run,omitempty"`
	Outcomes []TargetOutcome `json:"outcomes"`
	Warnings []Warning       `json:"warnings,omitempty"`
}

// Count returns the number of outcomes with the given status.
func (r *Report) Count(status store.DeliveryStatus) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == status {
			n++
		}
	}
	return n
}

// Options tunes a Propagator. Zero values fall back to defaults.
type Options struct {
	Workers    int
	Ledger     Ledger
	Conditions ConditionEvaluator
	Logger     *zap.Logger
}

// Propagator runs resolution against the external stores and applies the
// resulting writes.
type Propagator struct {
	relations  RelationStore
	objects    ObjectStore
	ledger     Ledger
	resolver   *Resolver
	conditions ConditionEvaluator
	workers    int
	logger     *zap.Logger
}

func NewPropagator(relations RelationStore, objects ObjectStore, opts Options) *Propagator {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}
	conds := opts.Conditions
	if conds == nil {
		conds = NewExprLangEvaluator()
	}
	return &Propagator{
		relations:  relations,
		objects:    objects,
		ledger:     opts.Ledger,
		resolver:   NewResolver(logger),
		conditions: conds,
		workers:    workers,
		logger:     logger,
	}
}

// Propagate resolves ev and applies the resulting writes. With dryRun set,
// writes are reported as planned and nothing is claimed or written.
// A failure to list relations fails the whole pass; every other store
// failure is reported on the affected targets only.
func (p *Propagator) Propagate(ctx context.Context, ev SourceEvent, dryRun bool) (*Report, error) {
	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "engine", "propagator", "propagate")
	defer span.End()
	span.SetEntity(ev.SourceType, ev.SourceID)

	if ev.EventID == "" {
		ev.EventID = uuid.New().String()
	}
	report := &Report{EventID: ev.EventID, DryRun: dryRun, Outcomes: []TargetOutcome{}}

	if ev.Record == nil {
		rec, err := p.objects.GetRecord(ctx, ev.SourceType, ev.SourceID)
		if err != nil {
			span.SetStatus("error")
			return nil, &StoreFailure{Op: "get_record", Type: ev.SourceType, TargetID: ev.SourceID, Err: err}
		}
		ev.Record = rec
	}

	relations, err := p.candidates(ctx, ev)
	if err != nil {
		span.SetStatus("error")
		return nil, err
	}

	if err := p.run(ctx, ev, relations, dryRun, report); err != nil {
		span.SetStatus("error")
		return nil, err
	}

	span.SetMetadata("written", report.Count(store.StatusWritten))
	span.SetMetadata("failed", report.Count(store.StatusFailed))
	if report.Count(store.StatusFailed) > 0 {
		span.SetStatus("error")
	} else {
		span.SetStatus("ok")
	}
	return report, nil
}

// Preview resolves a single unsaved relation against a source record and
// reports what it would write. Nothing is claimed or written.
func (p *Propagator) Preview(ctx context.Context, draft metadata.RelationDraft, ev SourceEvent) (*Report, error) {
	if err := draft.Validate(); err != nil {
		return nil, err
	}
	if ev.SourceType == "" {
		ev.SourceType = draft.SourceType
	}
	if ev.SourceID == "" {
		ev.SourceID = ev.Record.ID()
	}
	if ev.EventID == "" {
		ev.EventID = "preview"
	}
	if ev.Record == nil {
		ev.Record = metadata.Record{}
	}

	rel := metadata.Relation{
		ID:           "preview",
		SourceType:   draft.SourceType,
		SourceID:     draft.SourceID,
		TargetType:   draft.TargetType,
		TargetID:     draft.TargetID,
		RelationType: draft.RelationType,
		Settings:     draft.Settings,
	}
	// A specific draft previews against its own source id.
	if !rel.IsGlobal() {
		ev.SourceID = rel.SourceID
	}

	report := &Report{EventID: ev.EventID, DryRun: true, Outcomes: []TargetOutcome{}}
	if err := p.run(ctx, ev, []metadata.Relation{rel}, true, report); err != nil {
		return nil, err
	}
	return report, nil
}

// run loads targets, resolves and plans the relations, then applies the
// writes unless dryRun is set.
func (p *Propagator) run(ctx context.Context, ev SourceEvent, relations []metadata.Relation, dryRun bool, report *Report) error {
	targets, unavailable := p.loadTargets(ctx, ev, relations)
	usable := relations[:0:0]
	for _, rel := range relations {
		if terr, failed := unavailable[rel.TargetType]; failed && NeedsTargets(&rel, ev) {
			report.Outcomes = append(report.Outcomes, TargetOutcome{
				RelationID: rel.ID,
				TargetType: rel.TargetType,
				Status:     store.StatusFailed,
				Reason:     ReasonTargetsFailed,
				Error:      terr.Error(),
			})
			continue
		}
		usable = append(usable, rel)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	res := p.resolver.Resolve(ev, targets, usable)
	report.Warnings = append(report.Warnings, res.Warnings...)

	var writes []int
	for _, pair := range res.Pairs {
		out, write := p.plan(ev, pair, report)
		report.Outcomes = append(report.Outcomes, out)
		if write {
			writes = append(writes, len(report.Outcomes)-1)
		}
	}

	if dryRun {
		for _, i := range writes {
			report.Outcomes[i].Status = store.StatusPlanned
		}
		return nil
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	p.applyWrites(ctx, ev, report, writes)
	return nil
}

// candidates fetches the specific and global relations for the event's
// source, keeping store order and dropping duplicates.
func (p *Propagator) candidates(ctx context.Context, ev SourceEvent) ([]metadata.Relation, error) {
	ids := []string{ev.SourceID}
	if ev.SourceID != metadata.AllEntities {
		ids = append(ids, metadata.AllEntities)
	}

	seen := map[string]bool{}
	var out []metadata.Relation
	for _, id := range ids {
		rels, err := p.relations.ListRelations(ctx, ev.SourceType, id)
		if err != nil {
			return nil, &StoreFailure{Op: "list_relations", Type: ev.SourceType, Err: err}
		}
		for _, rel := range rels {
			if rel.ID != "" {
				if seen[rel.ID] {
					continue
				}
				seen[rel.ID] = true
			}
			if Candidate(&rel, ev) {
				out = append(out, rel)
			}
		}
	}
	return out, nil
}

// loadTargets fetches every record of each target type a global relation
// needs. Types that fail to load are returned separately.
func (p *Propagator) loadTargets(ctx context.Context, ev SourceEvent, relations []metadata.Relation) (map[string][]metadata.Record, map[string]error) {
	targets := map[string][]metadata.Record{}
	unavailable := map[string]error{}
	for i := range relations {
		rel := &relations[i]
		if !NeedsTargets(rel, ev) {
			continue
		}
		if _, done := targets[rel.TargetType]; done {
			continue
		}
		if _, done := unavailable[rel.TargetType]; done {
			continue
		}
		records, err := p.objects.ListRecords(ctx, rel.TargetType)
		if err != nil {
			sf := &StoreFailure{Op: "list_records", Type: rel.TargetType, Err: err}
			p.logger.Warn("target records unavailable", zap.String("target_type", rel.TargetType), zap.Error(err))
			unavailable[rel.TargetType] = sf
			continue
		}
		targets[rel.TargetType] = records
	}
	return targets, unavailable
}

// plan evaluates one pair. It returns the outcome and whether a write is due.
func (p *Propagator) plan(ev SourceEvent, pair Pair, report *Report) (TargetOutcome, bool) {
	out := TargetOutcome{
		RelationID: pair.Relation.ID,
		TargetType: pair.Relation.TargetType,
		TargetID:   pair.TargetID,
		Status:     store.StatusSkipped,
	}

	if !pair.Rule.Active() {
		out.Outcome = OutcomeInactive
		out.Reason = ReasonInactive
		return out, false
	}
	if !TriggerChanged(pair.Rule, ev.Old, ev.Record) {
		out.Reason = ReasonUnchanged
		return out, false
	}
	if pair.Rule.Condition != "" {
		ok, err := p.conditions.EvaluateBool(pair.Rule.Condition, conditionEnv(pair, ev))
		if err != nil {
			p.logger.Warn("relation condition failed", zap.String("relation_id", pair.Relation.ID), zap.Error(err))
			report.Warnings = append(report.Warnings, Warning{RelationID: pair.Relation.ID, Message: err.Error(), Err: err})
			out.Reason = ReasonConditionError
			return out, false
		}
		if !ok {
			out.Reason = ReasonCondition
			return out, false
		}
	}

	result := EvaluateRecord(pair.Rule, ev.Record)
	out.Outcome = result.Outcome
	out.Field = result.Field
	if !result.ShouldWrite() {
		out.Reason = string(result.Outcome)
		return out, false
	}
	out.Value = result.Value
	return out, true
}

// applyWrites issues the planned writes concurrently. Each write succeeds or
// fails on its own.
func (p *Propagator) applyWrites(ctx context.Context, ev SourceEvent, report *Report, writes []int) {
	var g errgroup.Group
	g.SetLimit(p.workers)
	var mu sync.Mutex

	for _, idx := range writes {
		mu.Lock()
		out := report.Outcomes[idx]
		mu.Unlock()

		g.Go(func() error {
			status, errMsg := p.write(ctx, ev.EventID, out)
			mu.Lock()
			report.Outcomes[idx].Status = status
			report.Outcomes[idx].Error = errMsg
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Propagator) write(ctx context.Context, eventID string, out TargetOutcome) (store.DeliveryStatus, string) {
	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "engine", "propagator", "propagate.write")
	defer span.End()
	span.SetEntity(out.TargetType, out.TargetID)
	span.SetMetadata("relation_id", out.RelationID)

	d := store.Delivery{
		Key:        DeliveryKey(eventID, out.RelationID, out.TargetType, out.TargetID),
		EventID:    eventID,
		RelationID: out.RelationID,
		TargetType: out.TargetType,
		TargetID:   out.TargetID,
		Field:      out.Field,
		Value:      out.Value,
	}

	if p.ledger != nil {
		if err := p.ledger.Claim(ctx, d); err != nil {
			if errors.Is(err, store.ErrAlreadyClaimed) {
				span.SetStatus("ok")
				return store.StatusDuplicate, ""
			}
			span.SetStatus("error")
			p.logger.Error("ledger claim failed", zap.String("key", d.Key), zap.Error(err))
			return store.StatusFailed, fmt.Sprintf("ledger: %v", err)
		}
	}

	status := store.StatusWritten
	errMsg := ""
	if err := p.objects.UpdateRecord(ctx, out.TargetType, out.TargetID, map[string]string{out.Field: out.Value}); err != nil {
		sf := &StoreFailure{Op: "write", Type: out.TargetType, TargetID: out.TargetID, Err: err}
		status = store.StatusFailed
		errMsg = sf.Error()
		p.logger.Warn("target write failed",
			zap.String("relation_id", out.RelationID),
			zap.String("target_type", out.TargetType),
			zap.String("target_id", out.TargetID),
			zap.Error(err))
	}

	if p.ledger != nil {
		if err := p.ledger.Complete(ctx, d.Key, status, errMsg); err != nil {
			p.logger.Error("ledger update failed", zap.String("key", d.Key), zap.Error(err))
		}
	}

	if status == store.StatusWritten {
		span.SetStatus("ok")
	} else {
		span.SetStatus("error")
	}
	return status, errMsg
}

// DeliveryKey identifies one write for at-most-once application.
func DeliveryKey(eventID, relationID, targetType, targetID string) string {
	return eventID + "|" + relationID + "|" + targetType + "|" + targetID
}
