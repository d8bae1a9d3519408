package metadata

import (
	"encoding/json"
	"testing"
)

func TestValueEqual(t *testing.T) {
	cases := []struct {
		a, b Value
		want bool
	}{
		{String("P1"), String("P1"), true},
		{String("P1"), String("p1"), false},
		{String("10"), Number(10), false},
		{Number(10), Number(10.0), true},
		{NumberLiteral("10"), NumberLiteral("10.0"), false},
		{NumberLiteral("9007199254740993"), NumberLiteral("9007199254740992"), false},
		{NumberLiteral("9007199254740993"), NumberLiteral("9007199254740993"), true},
		{NumberLiteral("7"), String("7"), false},
		{String("10"), String("10.0"), false},
		{Bool(true), Bool(true), true},
		{Null(), Null(), false},
		{String(""), Null(), false},
	}
	for i, c := range cases {
		if got := c.a.Equal(c.b); got != c.want {
			t.Fatalf("case %d: %v == %v: expected %v, got %v", i, c.a, c.b, c.want, got)
		}
	}
}

func TestValueText_NoCoercion(t *testing.T) {
	if _, ok := Number(10).Text(); ok {
		t.Fatal("numbers must not be coerced to text")
	}
	if s, ok := String(" A ").Text(); !ok || s != " A " {
		t.Fatalf("expected untrimmed text, got %q", s)
	}
}

func TestRecordJSON(t *testing.T) {
	raw := `{"id": 5, "name": "Acme", "active": true, "owner": null, "tags": ["a"], "address": {"city": "x"}}`
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec.ID() != "5" {
		t.Fatalf("expected id 5, got %q", rec.ID())
	}
	if v, ok := rec.Get("owner"); !ok || !v.IsNull() {
		t.Fatalf("expected present null owner, got %v %v", v, ok)
	}
	if rec["tags"].Kind() != KindOther || rec["address"].Kind() != KindOther {
		t.Fatal("expected nested values to be kept as other")
	}
	if rec["tags"].Equal(rec["tags"]) {
		t.Fatal("nested values must never compare equal")
	}

	out, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back map[string]any
	if err := json.Unmarshal(out, &back); err != nil {
		t.Fatalf("re-read: %v", err)
	}
	if back["name"] != "Acme" || back["active"] != true || back["owner"] != nil {
		t.Fatalf("unexpected round trip: %v", back)
	}
	if addr, ok := back["address"].(map[string]any); !ok || addr["city"] != "x" {
		t.Fatalf("expected nested object to survive, got %v", back["address"])
	}
}

func TestRecordJSON_LargeNumbersKeepLiteral(t *testing.T) {
	var rec Record
	if err := json.Unmarshal([]byte(`{"id": 9007199254740993, "score": 10.50}`), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec.ID() != "9007199254740993" {
		t.Fatalf("expected exact id, got %q", rec.ID())
	}
	if rec["score"].Key() != "10.50" {
		t.Fatalf("expected literal score, got %q", rec["score"].Key())
	}
	if got := rec["id"].Interface(); got != int64(9007199254740993) {
		t.Fatalf("expected int64 id, got %T %v", got, got)
	}
	out, err := json.Marshal(rec["id"])
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != "9007199254740993" {
		t.Fatalf("expected literal on the wire, got %s", out)
	}
}

func TestRecordDisplayName(t *testing.T) {
	if got := NewRecord(map[string]any{"id": "1", "title": "Roadmap"}).DisplayName(); got != "Roadmap" {
		t.Fatalf("expected title, got %q", got)
	}
	if got := NewRecord(map[string]any{"id": float64(3), "name": ""}).DisplayName(); got != "3" {
		t.Fatalf("expected id fallback, got %q", got)
	}
}
