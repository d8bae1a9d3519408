package engine

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"

	"arc-sync/internal/gateway"
	"arc-sync/internal/metadata"
)

type fakeRelations struct {
	mu      sync.Mutex
	rels    []metadata.Relation
	listErr error
	nextID  int
	queries []string
}

func (f *fakeRelations) ListRelations(_ context.Context, sourceType, sourceID string) ([]metadata.Relation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, sourceType+"/"+sourceID)
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []metadata.Relation
	for _, r := range f.rels {
		if sourceType != "" && r.SourceType != sourceType {
			continue
		}
		if sourceID != "" && r.SourceID != sourceID {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeRelations) CreateRelation(_ context.Context, d metadata.RelationDraft) (*metadata.Relation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	rel := metadata.Relation{
		ID:           "r" + strconv.Itoa(f.nextID),
		SourceType:   d.SourceType,
		SourceID:     d.SourceID,
		TargetType:   d.TargetType,
		TargetID:     d.TargetID,
		RelationType: d.RelationType,
		Settings:     d.Settings,
	}
	f.rels = append(f.rels, rel)
	return &rel, nil
}

func (f *fakeRelations) DeleteRelation(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, r := range f.rels {
		if r.ID == id {
			f.rels = append(f.rels[:i], f.rels[i+1:]...)
			return nil
		}
	}
	return gateway.ErrNotFound
}

func (f *fakeRelations) snapshot() []metadata.Relation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]metadata.Relation(nil), f.rels...)
}

type recordedWrite struct {
	Type   string
	ID     string
	Fields map[string]string
}

type fakeObjects struct {
	mu      sync.Mutex
	records map[string][]metadata.Record
	listErr map[string]error
	failIDs map[string]bool
	lists   map[string]int
	writes  []recordedWrite
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{
		records: map[string][]metadata.Record{},
		listErr: map[string]error{},
		failIDs: map[string]bool{},
		lists:   map[string]int{},
	}
}

func (f *fakeObjects) ListRecords(_ context.Context, moduleType string) ([]metadata.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists[moduleType]++
	if err := f.listErr[moduleType]; err != nil {
		return nil, err
	}
	return f.records[moduleType], nil
}

func (f *fakeObjects) GetRecord(_ context.Context, moduleType, id string) (metadata.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.records[moduleType] {
		if r.ID() == id {
			return r, nil
		}
	}
	return nil, gateway.ErrNotFound
}

func (f *fakeObjects) UpdateRecord(_ context.Context, moduleType, id string, fields map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failIDs[moduleType+"/"+id] {
		return errors.New("upstream refused write")
	}
	f.writes = append(f.writes, recordedWrite{Type: moduleType, ID: id, Fields: fields})
	return nil
}

func (f *fakeObjects) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

func (f *fakeObjects) wrote(moduleType, id string) (map[string]string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, w := range f.writes {
		if w.Type == moduleType && w.ID == id {
			return w.Fields, true
		}
	}
	return nil, false
}

func record(fields map[string]any) metadata.Record {
	return metadata.NewRecord(fields)
}

func settings(t *testing.T, spec metadata.RuleSpec) string {
	t.Helper()
	s, err := metadata.EncodeSettings(spec)
	if err != nil {
		t.Fatalf("encode settings: %v", err)
	}
	return s
}

// statusRule maps order status onto invoice state.
func statusRule() metadata.RuleSpec {
	return metadata.RuleSpec{
		TriggerField: "status",
		TargetField:  "state",
		ValueMapping: map[string]string{"Open": "Active", "Closed": "Archived"},
	}
}

func globalStatusRule() metadata.RuleSpec {
	r := statusRule()
	r.JoinKeySource = "customer_id"
	r.JoinKeyTarget = "customer_id"
	return r
}

func specificRelation(t *testing.T, id, sourceID, targetID string) metadata.Relation {
	return metadata.Relation{
		ID:           id,
		SourceType:   "orders",
		SourceID:     sourceID,
		TargetType:   "invoices",
		TargetID:     targetID,
		RelationType: metadata.RelationSync,
		Settings:     settings(t, statusRule()),
	}
}

func globalRelation(t *testing.T, id string) metadata.Relation {
	return metadata.Relation{
		ID:           id,
		SourceType:   "orders",
		SourceID:     metadata.AllEntities,
		TargetType:   "invoices",
		TargetID:     metadata.AllEntities,
		RelationType: metadata.RelationSync,
		Settings:     settings(t, globalStatusRule()),
	}
}
