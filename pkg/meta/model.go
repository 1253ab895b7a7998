package meta

import (
	"errors"
	"fmt"
)

// Model metadata errors.
var (
	ErrNoPrimaryKey       = errors.New("model has no primary key property")
	ErrMultiplePrimaryKey = errors.New("model has more than one primary key property")
	ErrPropNotFound       = errors.New("property not found")
	ErrDuplicateProp      = errors.New("duplicate property name")
)

// Model describes one entity type: its ordered properties and the security
// rules governing row-level operations. Models are registered with a
// Registry and immutable once the registry is solidified.
type Model struct {
	Name        string
	DisplayName string
	Props       []*Property
	Security    RowSecurity

	byName map[string]*Property
	key    *Property
}

// Display returns the human-facing name, falling back to Name.
func (m *Model) Display() string {
	if m.DisplayName != "" {
		return m.DisplayName
	}
	return m.Name
}

// Prop returns the property with the given name, or nil.
func (m *Model) Prop(name string) *Property {
	return m.byName[name]
}

// KeyProp returns the primary key property. Only valid after the owning
// registry has been solidified.
func (m *Model) KeyProp() *Property { return m.key }

// PropsByRole returns the model's properties with the given role, in
// declaration order.
func (m *Model) PropsByRole(role Role) []*Property {
	var out []*Property
	for _, p := range m.Props {
		if p.Role == role {
			out = append(out, p)
		}
	}
	return out
}

// index builds the name lookup and locates the primary key.
func (m *Model) index() error {
	m.byName = make(map[string]*Property, len(m.Props))
	m.key = nil
	for _, p := range m.Props {
		if _, dup := m.byName[p.Name]; dup {
			return fmt.Errorf("%w: %s.%s", ErrDuplicateProp, m.Name, p.Name)
		}
		m.byName[p.Name] = p
		if p.Role == RolePrimaryKey {
			if m.key != nil {
				return fmt.Errorf("%w: %s", ErrMultiplePrimaryKey, m.Name)
			}
			m.key = p
		}
	}
	if m.key == nil {
		return fmt.Errorf("%w: %s", ErrNoPrimaryKey, m.Name)
	}
	return nil
}
