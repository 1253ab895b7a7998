package mapping

import (
	"github.com/loomstack/loom/pkg/meta"
	"github.com/loomstack/loom/pkg/model"
)

// MapToNew builds a fresh record of model m from the DTO's client-writable
// values.
func MapToNew(dto model.DTO, m *meta.Model, c *Context) *model.Record {
	rec := model.NewRecord(m)
	MapTo(dto, rec, c, nil)
	return rec
}

// MapTo copies the DTO's client-writable values onto target, in place.
// Navigation properties are never mapped in; incoming graphs are linked
// through their foreign keys. When fields is non-empty, only the named
// properties (plus the primary key) are copied — the surgical-save path.
//
// Mapping has no side effects beyond populating target. A repeated call
// with the same dto and target within one context is a no-op.
func MapTo(dto model.DTO, target *model.Record, c *Context, fields []string) {
	if _, done := c.getMapping(dto, nil, kindRecord); done {
		return
	}
	c.addMapping(dto, nil, kindRecord, target)

	m := target.Model()
	var allow map[string]bool
	if len(fields) > 0 {
		allow = make(map[string]bool, len(fields)+1)
		for _, f := range fields {
			allow[f] = true
		}
		allow[m.KeyProp().Name] = true
	}

	for _, p := range m.Props {
		if !p.IsClientWritable(c.Principal) {
			continue
		}
		if allow != nil && !allow[p.Name] {
			continue
		}
		v, present := dto[p.Name]
		if !present {
			continue
		}
		// Set cannot fail here: p comes from target's own model.
		_ = target.Set(p.Name, v)
	}
}

// MapToDTO maps a record to a response DTO, honoring per-property read
// security and serializing related entities only where the include tree
// reaches. Cyclic graphs are memoized: mapping the same record under the
// same tree twice yields the same DTO instance.
func MapToDTO(rec *model.Record, c *Context, tree *model.IncludeTree) model.DTO {
	if rec == nil {
		return nil
	}
	if existing, ok := c.getMapping(rec, tree, kindDTO); ok {
		return existing.(model.DTO)
	}

	m := rec.Model()
	dto := make(model.DTO, len(m.Props))
	c.addMapping(rec, tree, kindDTO, dto)

	for _, p := range m.Props {
		if p.NoSerialize || !p.CanRead(c.Principal) {
			continue
		}
		switch p.Role {
		case meta.RoleReferenceNavigation:
			if !tree.Includes(p.Name) {
				continue
			}
			if related, ok := rec.Get(p.Name).(*model.Record); ok && related != nil {
				dto[p.Name] = MapToDTO(related, c, tree.Child(p.Name))
			}
		case meta.RoleCollectionNavigation:
			if !tree.Includes(p.Name) {
				continue
			}
			if children, ok := rec.Get(p.Name).([]*model.Record); ok {
				items := make([]model.DTO, 0, len(children))
				for _, child := range children {
					items = append(items, MapToDTO(child, c, tree.Child(p.Name)))
				}
				dto[p.Name] = items
			}
		default:
			if v := rec.Get(p.Name); v != nil {
				dto[p.Name] = v
			}
		}
	}
	return dto
}
