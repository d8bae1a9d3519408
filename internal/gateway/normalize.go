package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"

	"arc-sync/internal/metadata"
)

// listShape is the envelope a list endpoint answered with.
type listShape int

const (
	shapeUnknown listShape = iota
	shapeArray             // [...]
	shapePage              // {"content": [...]}
	shapeData              // {"data": [...]}
	shapeItems             // {"items": [...]}
)

func (s listShape) String() string {
	switch s {
	case shapeArray:
		return "array"
	case shapePage:
		return "content"
	case shapeData:
		return "data"
	case shapeItems:
		return "items"
	}
	return "unknown"
}

var envelopeKeys = []struct {
	key   string
	shape listShape
}{
	{"content", shapePage},
	{"data", shapeData},
	{"items", shapeItems},
}

// unwrapList extracts the element list from any supported envelope. An
// unrecognised body yields an empty list and shapeUnknown.
func unwrapList(body []byte) ([]json.RawMessage, listShape, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return nil, shapeUnknown, nil
	}

	switch body[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, shapeUnknown, fmt.Errorf("decode list: %w", err)
		}
		return items, shapeArray, nil
	case '{':
		var env map[string]json.RawMessage
		if err := json.Unmarshal(body, &env); err != nil {
			return nil, shapeUnknown, fmt.Errorf("decode envelope: %w", err)
		}
		for _, e := range envelopeKeys {
			raw, ok := env[e.key]
			if !ok {
				continue
			}
			var items []json.RawMessage
			if json.Unmarshal(raw, &items) == nil && items != nil {
				return items, e.shape, nil
			}
		}
		return nil, shapeUnknown, nil
	}
	return nil, shapeUnknown, nil
}

// arcObject is the stored form of a dynamic-module record.
type arcObject struct {
	ArcObjectID any            `json:"arc_object_id"`
	ID          any            `json:"id"`
	Data        map[string]any `json:"data"`
}

// flattenObject turns {arc_object_id|id, data:{...}} into {id, ...data}.
// Fields in data never override the id.
func flattenObject(raw json.RawMessage) (metadata.Record, error) {
	var obj arcObject
	if err := decodeNumbers(raw, &obj); err != nil {
		return nil, fmt.Errorf("decode object: %w", err)
	}
	rec := metadata.NewRecord(obj.Data)
	id := obj.ArcObjectID
	if id == nil || id == "" {
		id = obj.ID
	}
	rec["id"] = metadata.String(metadata.IDString(id))
	return rec, nil
}

// plainRecord decodes a legacy record, which is already flat.
func plainRecord(raw json.RawMessage) (metadata.Record, error) {
	var fields map[string]any
	if err := decodeNumbers(raw, &fields); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	if fields == nil {
		return nil, fmt.Errorf("decode record: not an object")
	}
	rec := metadata.NewRecord(fields)
	if id, ok := fields["id"]; ok {
		rec["id"] = metadata.String(metadata.IDString(id))
	}
	return rec, nil
}

// normalizeRecords decodes every element with one record decoder.
func normalizeRecords(items []json.RawMessage, decode func(json.RawMessage) (metadata.Record, error)) ([]metadata.Record, error) {
	out := make([]metadata.Record, 0, len(items))
	for i, raw := range items {
		rec, err := decode(raw)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func decodeNumbers(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(v)
}
