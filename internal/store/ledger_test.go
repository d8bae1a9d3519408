package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"arc-sync/internal/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	s, err := New(ctx, config.DatabaseConfig{Driver: "sqlite", Path: t.TempDir(), Name: "ledger"})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(s.Close)
	if err := s.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	return s
}

func delivery(key, eventID string) Delivery {
	return Delivery{
		Key:        key,
		EventID:    eventID,
		RelationID: "r1",
		TargetType: "orders",
		TargetID:   "42",
		Field:      "status",
		Value:      "Shipped",
	}
}

type ledger interface {
	Claim(ctx context.Context, d Delivery) error
	Complete(ctx context.Context, key string, status DeliveryStatus, errMsg string) error
	List(ctx context.Context, eventID string) ([]Delivery, error)
}

func ledgers(t *testing.T) map[string]ledger {
	return map[string]ledger{
		"sql":    NewSQLLedger(newTestStore(t)),
		"memory": NewMemoryLedger(),
	}
}

func TestLedger_ClaimOnce(t *testing.T) {
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := l.Claim(ctx, delivery("e1|r1|orders|42", "e1")); err != nil {
				t.Fatalf("first claim: %v", err)
			}
			if err := l.Complete(ctx, "e1|r1|orders|42", StatusWritten, ""); err != nil {
				t.Fatalf("complete: %v", err)
			}
			err := l.Claim(ctx, delivery("e1|r1|orders|42", "e1"))
			if !errors.Is(err, ErrAlreadyClaimed) {
				t.Fatalf("expected ErrAlreadyClaimed, got %v", err)
			}
		})
	}
}

func TestLedger_PendingIsNotReclaimable(t *testing.T) {
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := l.Claim(ctx, delivery("k", "e1")); err != nil {
				t.Fatal(err)
			}
			if err := l.Claim(ctx, delivery("k", "e1")); !errors.Is(err, ErrAlreadyClaimed) {
				t.Fatalf("expected ErrAlreadyClaimed, got %v", err)
			}
		})
	}
}

func TestLedger_FailedIsReclaimable(t *testing.T) {
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := l.Claim(ctx, delivery("k", "e1")); err != nil {
				t.Fatal(err)
			}
			if err := l.Complete(ctx, "k", StatusFailed, "upstream 500"); err != nil {
				t.Fatal(err)
			}
			if err := l.Claim(ctx, delivery("k", "e1")); err != nil {
				t.Fatalf("expected failed delivery to be reclaimable, got %v", err)
			}
			rows, err := l.List(ctx, "e1")
			if err != nil {
				t.Fatal(err)
			}
			if len(rows) != 1 || rows[0].Status != StatusPending || rows[0].Error != "" {
				t.Fatalf("expected one pending row without error, got %+v", rows)
			}
		})
	}
}

func TestLedger_List(t *testing.T) {
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, key := range []string{"a", "b"} {
				if err := l.Claim(ctx, delivery(key, "e1")); err != nil {
					t.Fatal(err)
				}
			}
			if err := l.Claim(ctx, delivery("c", "e2")); err != nil {
				t.Fatal(err)
			}
			if err := l.Complete(ctx, "b", StatusFailed, "boom"); err != nil {
				t.Fatal(err)
			}

			rows, err := l.List(ctx, "e1")
			if err != nil {
				t.Fatal(err)
			}
			if len(rows) != 2 {
				t.Fatalf("expected 2 deliveries, got %d", len(rows))
			}
			if rows[0].Key != "a" || rows[1].Key != "b" {
				t.Fatalf("unexpected order: %s, %s", rows[0].Key, rows[1].Key)
			}
			if rows[1].Status != StatusFailed || rows[1].Error != "boom" {
				t.Fatalf("unexpected second row: %+v", rows[1])
			}
			if rows[0].Field != "status" || rows[0].Value != "Shipped" || rows[0].TargetID != "42" {
				t.Fatalf("unexpected first row: %+v", rows[0])
			}
			if rows[0].CreatedAt.IsZero() {
				t.Fatal("expected created_at to be set")
			}

			empty, err := l.List(ctx, "missing")
			if err != nil {
				t.Fatal(err)
			}
			if len(empty) != 0 {
				t.Fatalf("expected no rows, got %d", len(empty))
			}
		})
	}
}

func TestLedger_CompleteUnknown(t *testing.T) {
	for name, l := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			err := l.Complete(context.Background(), "nope", StatusWritten, "")
			if !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestSQLLedger_Prune(t *testing.T) {
	s := newTestStore(t)
	l := NewSQLLedger(s)
	ctx := context.Background()
	if err := l.Claim(ctx, delivery("old", "e1")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.DB.ExecContext(ctx, "UPDATE _propagations SET created_at = datetime('now', '-30 days') WHERE delivery_key = 'old'"); err != nil {
		t.Fatal(err)
	}
	if err := l.Claim(ctx, delivery("new", "e1")); err != nil {
		t.Fatal(err)
	}

	n, err := l.Prune(ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pruned row, got %d", n)
	}
	rows, _ := l.List(ctx, "e1")
	if len(rows) != 1 || rows[0].Key != "new" {
		t.Fatalf("unexpected remaining rows: %+v", rows)
	}
}

func TestBootstrap_Idempotent(t *testing.T) {
	s := newTestStore(t)
	if err := s.Bootstrap(context.Background()); err != nil {
		t.Fatalf("second bootstrap: %v", err)
	}
	for _, table := range []string{"_propagations", "_events"} {
		ok, err := s.Dialect.TableExists(context.Background(), s.DB, table)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Fatalf("expected table %s", table)
		}
	}
}

func TestDBTime_Scan(t *testing.T) {
	want := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	for _, src := range []any{want, "2026-03-04 05:06:07", []byte("2026-03-04T05:06:07Z")} {
		var got dbTime
		if err := got.Scan(src); err != nil {
			t.Fatalf("scan %v: %v", src, err)
		}
		if !time.Time(got).Equal(want) {
			t.Fatalf("scan %v: expected %v, got %v", src, want, time.Time(got))
		}
	}
	var bad dbTime
	if err := bad.Scan("yesterday"); err == nil {
		t.Fatal("expected error for unparseable timestamp")
	}
}

func TestCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	l := NewSQLLedger(s)
	for _, key := range []string{"a", "b"} {
		if err := l.Claim(ctx, delivery(key, "evt-count")); err != nil {
			t.Fatal(err)
		}
	}
	pb := s.Dialect.NewParamBuilder()
	n, err := Count(ctx, s.DB, "SELECT COUNT(*) FROM _propagations WHERE event_id = "+pb.Add("evt-count"), pb.Params()...)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expected 2, got %d", n)
	}
}
