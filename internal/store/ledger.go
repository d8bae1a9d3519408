package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrAlreadyClaimed is returned when a delivery key was claimed before.
var ErrAlreadyClaimed = errors.New("delivery already claimed")

// DeliveryStatus is the state of one delivery, in the ledger or in a report.
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusWritten   DeliveryStatus = "written"
	StatusSkipped   DeliveryStatus = "skipped"
	StatusDuplicate DeliveryStatus = "duplicate"
	StatusFailed    DeliveryStatus = "failed"
	StatusPlanned   DeliveryStatus = "planned"
)

// Delivery is one field write to one target record, as recorded in the
// _propagations table.
type Delivery struct {
	Key        string         `json:"key"`
	EventID    string         `json:"event_id"`
	RelationID string         `json:"relation_id"`
	TargetType string         `json:"target_type"`
	TargetID   string         `json:"target_id"`
	Field      string         `json:"field"`
	Value      string         `json:"value"`
	Status     DeliveryStatus `json:"status"`
	Error      string         `json:"error,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// SQLLedger keeps deliveries in the _propagations table.
type SQLLedger struct {
	store *Store
}

func NewSQLLedger(s *Store) *SQLLedger {
	return &SQLLedger{store: s}
}

// Claim records d as pending. A key that failed before may be claimed again;
// any other existing key yields ErrAlreadyClaimed.
func (l *SQLLedger) Claim(ctx context.Context, d Delivery) error {
	pb := l.store.Dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf(
		`INSERT INTO _propagations (delivery_key, event_id, relation_id, target_type, target_id, field, value, status)
		 VALUES (%s, %s, %s, %s, %s, %s, %s, %s)`,
		pb.Add(d.Key), pb.Add(d.EventID), pb.Add(d.RelationID), pb.Add(d.TargetType),
		pb.Add(d.TargetID), pb.Add(d.Field), pb.Add(d.Value), pb.Add(string(StatusPending)),
	)
	_, err := Exec(ctx, l.store.DB, sqlStr, pb.Params()...)
	if err == nil {
		return nil
	}
	err = MapError(l.store.Dialect, err)
	if !errors.Is(err, ErrUniqueViolation) {
		return fmt.Errorf("claim %s: %w", d.Key, err)
	}

	pb = l.store.Dialect.NewParamBuilder()
	retry := fmt.Sprintf(
		`UPDATE _propagations SET status = %s, error = '', value = %s, updated_at = %s
		 WHERE delivery_key = %s AND status = %s`,
		pb.Add(string(StatusPending)), pb.Add(d.Value), l.store.Dialect.NowExpr(),
		pb.Add(d.Key), pb.Add(string(StatusFailed)),
	)
	n, err := Exec(ctx, l.store.DB, retry, pb.Params()...)
	if err != nil {
		return fmt.Errorf("reclaim %s: %w", d.Key, err)
	}
	if n == 0 {
		return ErrAlreadyClaimed
	}
	return nil
}

// Complete sets the final status of a claimed delivery.
func (l *SQLLedger) Complete(ctx context.Context, key string, status DeliveryStatus, errMsg string) error {
	pb := l.store.Dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf(
		`UPDATE _propagations SET status = %s, error = %s, updated_at = %s WHERE delivery_key = %s`,
		pb.Add(string(status)), pb.Add(errMsg), l.store.Dialect.NowExpr(), pb.Add(key),
	)
	n, err := Exec(ctx, l.store.DB, sqlStr, pb.Params()...)
	if err != nil {
		return fmt.Errorf("complete %s: %w", key, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns the deliveries recorded for one event, oldest first.
func (l *SQLLedger) List(ctx context.Context, eventID string) ([]Delivery, error) {
	pb := l.store.Dialect.NewParamBuilder()
	sqlStr := fmt.Sprintf(
		`SELECT delivery_key, event_id, relation_id, target_type, target_id, field, value, status, error, created_at, updated_at
		 FROM _propagations WHERE event_id = %s ORDER BY created_at, delivery_key`,
		pb.Add(eventID),
	)
	out := []Delivery{}
	err := Each(ctx, l.store.DB, sqlStr, pb.Params(), func(rows *sql.Rows) error {
		var (
			d                Delivery
			created, updated dbTime
		)
		if err := rows.Scan(&d.Key, &d.EventID, &d.RelationID, &d.TargetType, &d.TargetID,
			&d.Field, &d.Value, &d.Status, &d.Error, &created, &updated); err != nil {
			return err
		}
		d.CreatedAt, d.UpdatedAt = time.Time(created), time.Time(updated)
		out = append(out, d)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	return out, nil
}

// Prune deletes deliveries older than retentionDays.
func (l *SQLLedger) Prune(ctx context.Context, retentionDays int) (int64, error) {
	pb := l.store.Dialect.NewParamBuilder()
	where := l.store.Dialect.IntervalDeleteExpr("created_at", pb, fmt.Sprintf("%d", retentionDays))
	n, err := Exec(ctx, l.store.DB, "DELETE FROM _propagations WHERE "+where, pb.Params()...)
	if err != nil {
		return 0, fmt.Errorf("prune deliveries: %w", err)
	}
	return n, nil
}

// dbTime scans a timestamp column: time.Time from Postgres, text from
// SQLite's datetime('now').
type dbTime time.Time

func (t *dbTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*t = dbTime{}
	case time.Time:
		*t = dbTime(v)
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	default:
		return fmt.Errorf("unsupported timestamp type %T", src)
	}
	return nil
}

func (t *dbTime) parse(s string) error {
	for _, layout := range []string{"2006-01-02 15:04:05", time.RFC3339Nano} {
		if parsed, err := time.Parse(layout, s); err == nil {
			*t = dbTime(parsed)
			return nil
		}
	}
	return fmt.Errorf("unrecognised timestamp %q", s)
}

// MemoryLedger is an in-process ledger for running without a database.
type MemoryLedger struct {
	mu         sync.Mutex
	deliveries map[string]*Delivery
	seq        map[string]int
	next       int
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		deliveries: make(map[string]*Delivery),
		seq:        make(map[string]int),
	}
}

func (l *MemoryLedger) Claim(_ context.Context, d Delivery) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := l.deliveries[d.Key]; ok {
		if existing.Status != StatusFailed {
			return ErrAlreadyClaimed
		}
		existing.Status = StatusPending
		existing.Error = ""
		existing.Value = d.Value
		existing.UpdatedAt = now
		return nil
	}

	d.Status = StatusPending
	d.CreatedAt = now
	d.UpdatedAt = now
	l.deliveries[d.Key] = &d
	l.seq[d.Key] = l.next
	l.next++
	return nil
}

func (l *MemoryLedger) Complete(_ context.Context, key string, status DeliveryStatus, errMsg string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	d, ok := l.deliveries[key]
	if !ok {
		return ErrNotFound
	}
	d.Status = status
	d.Error = errMsg
	d.UpdatedAt = time.Now().UTC()
	return nil
}

func (l *MemoryLedger) List(_ context.Context, eventID string) ([]Delivery, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := []Delivery{}
	for _, d := range l.deliveries {
		if d.EventID == eventID {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return l.seq[out[i].Key] < l.seq[out[j].Key]
	})
	return out, nil
}
