package model

// IncludeTree describes which related entities were loaded for a request
// and should therefore be serialized in the response. It parallels the
// navigation properties of an entity: each child names a navigation
// property of the node above it.
//
// A nil *IncludeTree serializes no related entities (scalar properties
// only). Trees are created per request, consumed once during mapping, and
// then discarded.
type IncludeTree struct {
	children map[string]*IncludeTree
}

// NewIncludeTree returns an empty tree: the entity itself with no
// related entities.
func NewIncludeTree() *IncludeTree {
	return &IncludeTree{}
}

// Ensure returns the child tree for the named navigation property,
// creating it if absent.
func (t *IncludeTree) Ensure(name string) *IncludeTree {
	if t.children == nil {
		t.children = make(map[string]*IncludeTree)
	}
	c, ok := t.children[name]
	if !ok {
		c = &IncludeTree{}
		t.children[name] = c
	}
	return c
}

// Child returns the child tree for the named navigation property, or nil
// when that navigation is not included. Safe to call on a nil tree.
func (t *IncludeTree) Child(name string) *IncludeTree {
	if t == nil {
		return nil
	}
	return t.children[name]
}

// Includes reports whether the named navigation property is included.
func (t *IncludeTree) Includes(name string) bool {
	return t.Child(name) != nil
}
