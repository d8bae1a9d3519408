package metadata

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Kind is the JSON type of a record field.
type Kind int

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	// KindOther holds nested objects and arrays verbatim. They never compare
	// equal to anything.
	KindOther
)

// Value is a single record field. Numbers keep their JSON literal, so ids
// wider than a float64 mantissa survive decoding.
type Value struct {
	kind Kind
	s    string
	b    bool
	raw  json.RawMessage
}

func String(s string) Value  { return Value{kind: KindString, s: s} }
func Number(n float64) Value { return Value{kind: KindNumber, s: strconv.FormatFloat(n, 'f', -1, 64)} }
func Bool(b bool) Value      { return Value{kind: KindBool, b: b} }
func Null() Value            { return Value{} }

// NumberLiteral keeps a decoded JSON number as written.
func NumberLiteral(n json.Number) Value { return Value{kind: KindNumber, s: n.String()} }

// ValueOf converts a JSON-decoded Go value.
func ValueOf(v any) Value {
	switch val := v.(type) {
	case nil:
		return Null()
	case Value:
		return val
	case string:
		return String(val)
	case bool:
		return Bool(val)
	case json.Number:
		return NumberLiteral(val)
	case float64:
		return Number(val)
	case float32:
		return Number(float64(val))
	case int:
		return Value{kind: KindNumber, s: strconv.Itoa(val)}
	case int64:
		return Value{kind: KindNumber, s: strconv.FormatInt(val, 10)}
	case int32:
		return Value{kind: KindNumber, s: strconv.FormatInt(int64(val), 10)}
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return Null()
		}
		return Value{kind: KindOther, raw: b}
	}
}

func (v Value) Kind() Kind     { return v.kind }
func (v Value) IsNull() bool   { return v.kind == KindNull }
func (v Value) IsString() bool { return v.kind == KindString }

// Text returns the value when it is a string. Other kinds are not coerced.
func (v Value) Text() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.s, true
}

// Key formats strings and numbers for use as an identifier. Numbers come
// back exactly as they were written.
func (v Value) Key() string {
	switch v.kind {
	case KindString, KindNumber:
		return v.s
	case KindBool:
		return strconv.FormatBool(v.b)
	default:
		return ""
	}
}

// Equal reports strict equality: same kind and same literal. Numbers
// compare by their JSON text, so 10 and 10.0 differ. Null and nested
// values never match, so absent data cannot link records.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString, KindNumber:
		return v.s == o.s
	case KindBool:
		return v.b == o.b
	default:
		return false
	}
}

// Interface returns the plain Go value. Integral numbers that fit become
// int64, other numbers float64.
func (v Value) Interface() any {
	switch v.kind {
	case KindString:
		return v.s
	case KindNumber:
		if i, err := strconv.ParseInt(v.s, 10, 64); err == nil {
			return i
		}
		if f, err := strconv.ParseFloat(v.s, 64); err == nil {
			return f
		}
		return v.s
	case KindBool:
		return v.b
	case KindOther:
		var out any
		_ = json.Unmarshal(v.raw, &out)
		return out
	default:
		return nil
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindOther:
		return string(v.raw)
	default:
		return v.Key()
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(v.s)
	case KindNumber:
		return json.Marshal(json.Number(v.s))
	case KindBool:
		return json.Marshal(v.b)
	case KindOther:
		return v.raw, nil
	default:
		return []byte("null"), nil
	}
}

func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("empty value")
	}
	switch data[0] {
	case '{', '[':
		*v = Value{kind: KindOther, raw: append(json.RawMessage(nil), data...)}
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return err
	}
	*v = ValueOf(out)
	return nil
}

// Record is a flattened module record: {id, ...fields}.
type Record map[string]Value

// NewRecord converts a decoded JSON object into a Record.
func NewRecord(fields map[string]any) Record {
	r := make(Record, len(fields))
	for k, v := range fields {
		r[k] = ValueOf(v)
	}
	return r
}

// Get returns the field value and whether it is present.
func (r Record) Get(field string) (Value, bool) {
	v, ok := r[field]
	return v, ok
}

// ID returns the record identifier as a string.
func (r Record) ID() string {
	return r["id"].Key()
}

// DisplayName picks a human-readable label for the record.
func (r Record) DisplayName() string {
	for _, f := range []string{"name", "title", "description", "email", "username"} {
		if s, ok := r[f].Text(); ok && s != "" {
			return s
		}
	}
	return r.ID()
}

// Map returns the record as plain Go values, for expression environments.
func (r Record) Map() map[string]any {
	m := make(map[string]any, len(r))
	for k, v := range r {
		m[k] = v.Interface()
	}
	return m
}
