package sqlite

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/loomstack/loom/pkg/meta"
)

// tableName maps a model to its table: the lowercased name, pluralized.
func tableName(m *meta.Model) string {
	return strings.ToLower(m.Name) + "s"
}

// quote wraps an identifier so model and property names never collide
// with SQL keywords.
func quote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// storedProps returns the properties that occupy a column: everything but
// navigations, which exist only as their foreign keys.
func storedProps(m *meta.Model) []*meta.Property {
	out := make([]*meta.Property, 0, len(m.Props))
	for _, p := range m.Props {
		switch p.Role {
		case meta.RoleReferenceNavigation, meta.RoleCollectionNavigation:
			continue
		}
		out = append(out, p)
	}
	return out
}

// columnType maps a property type to its SQLite column affinity. Times
// are stored as RFC 3339 text; objects as JSON text.
func columnType(p *meta.Property) string {
	switch p.Type {
	case meta.TypeNumber:
		if p.Role == meta.RolePrimaryKey || p.Role == meta.RoleForeignKey {
			return "INTEGER"
		}
		return "NUMERIC"
	case meta.TypeBoolean:
		return "INTEGER"
	case meta.TypeBinary:
		return "BLOB"
	default:
		return "TEXT"
	}
}

// createTableDDL builds the CREATE TABLE statement for one model,
// including foreign key clauses for its reference navigations.
func createTableDDL(m *meta.Model) string {
	var cols []string
	for _, p := range storedProps(m) {
		col := fmt.Sprintf("    %s %s", quote(p.Name), columnType(p))
		if p.Role == meta.RolePrimaryKey {
			col += " PRIMARY KEY"
		}
		cols = append(cols, col)
	}
	for _, p := range m.PropsByRole(meta.RoleReferenceNavigation) {
		if p.ForeignKey == nil || p.RefModel == nil {
			continue
		}
		cols = append(cols, fmt.Sprintf("    FOREIGN KEY (%s) REFERENCES %s(%s)",
			quote(p.ForeignKey.Name), quote(tableName(p.RefModel)), quote(p.RefModel.KeyProp().Name)))
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n%s\n);",
		quote(tableName(m)), strings.Join(cols, ",\n"))
}

// toColumn converts a record value to its column representation.
func toColumn(p *meta.Property, v any) any {
	if v == nil {
		return nil
	}
	switch p.Type {
	case meta.TypeDate:
		switch t := v.(type) {
		case time.Time:
			return t.UTC().Format(time.RFC3339Nano)
		case *time.Time:
			if t == nil {
				return nil
			}
			return t.UTC().Format(time.RFC3339Nano)
		}
		return v
	case meta.TypeBoolean:
		if b, ok := v.(bool); ok {
			if b {
				return 1
			}
			return 0
		}
		return v
	case meta.TypeObject, meta.TypeCollection:
		data, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		return string(data)
	}
	return v
}

// fromColumn converts a scanned column value back to its record shape.
func fromColumn(p *meta.Property, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if b, ok := v.([]byte); ok && p.Type != meta.TypeBinary {
		v = string(b)
	}
	switch p.Type {
	case meta.TypeDate:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected text time, got %T", v)
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, err
		}
		return t, nil
	case meta.TypeBoolean:
		if n, ok := v.(int64); ok {
			return n != 0, nil
		}
		return v, nil
	case meta.TypeObject, meta.TypeCollection:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected JSON text, got %T", v)
		}
		var out any
		if err := json.Unmarshal([]byte(s), &out); err != nil {
			return nil, err
		}
		return out, nil
	}
	return v, nil
}
