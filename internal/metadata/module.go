package metadata

import (
	"encoding/json"
	"strings"
)

// Column is one field of a module schema.
type Column struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Label string `json:"label,omitempty"`
}

// Module is an operator-defined record type as described by GET /modules.
type Module struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Key     string   `json:"key"`
	Icon    string   `json:"icon,omitempty"`
	Route   string   `json:"route,omitempty"`
	Columns []Column `json:"columns,omitempty"`
}

func (m *Module) UnmarshalJSON(data []byte) error {
	type plain Module
	var raw struct {
		plain
		ID flexString `json:"id"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = Module(raw.plain)
	m.ID = string(raw.ID)
	return nil
}

// ColumnNames returns all column names in schema order.
func (m *Module) ColumnNames() []string {
	names := make([]string, len(m.Columns))
	for i, c := range m.Columns {
		names[i] = c.Name
	}
	return names
}

// HasColumn returns true if the module has a column with the given name.
// A module without a declared schema accepts any name.
func (m *Module) HasColumn(name string) bool {
	if len(m.Columns) == 0 {
		return true
	}
	for _, c := range m.Columns {
		if c.Name == name {
			return true
		}
	}
	return false
}

// Matches reports whether a relation type string refers to this module.
func (m *Module) Matches(moduleType string) bool {
	return m.Name == moduleType || m.Key == moduleType || strings.EqualFold(m.Route, "/"+moduleType)
}

// LegacyModules are the fixed-schema types served from their own endpoints.
var LegacyModules = []string{"companies", "customers", "products", "orders", "invoices"}

// IsLegacy reports whether moduleType names a fixed-schema module. Singular
// forms ("company") are not recognised; the console never produced them.
func IsLegacy(moduleType string) bool {
	t := strings.ToLower(moduleType)
	for _, l := range LegacyModules {
		if t == l {
			return true
		}
	}
	return false
}
