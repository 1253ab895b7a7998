// Package mapping converts between wire DTOs and store records, honoring
// per-property security and per-request include trees. A Context scopes
// one operation and memoizes every mapping it performs, so cyclic entity
// graphs terminate: a second encounter of the same source under the same
// include tree returns the already-built target.
package mapping

import (
	"reflect"

	"github.com/loomstack/loom/pkg/meta"
	"github.com/loomstack/loom/pkg/model"
)

type targetKind int

const (
	kindDTO targetKind = iota
	kindRecord
)

// memoKey identifies one mapping: source identity, shaping context, and
// target kind.
type memoKey struct {
	src  uintptr
	tree *model.IncludeTree
	kind targetKind
}

// Context carries the caller identity and shaping hints for one mapping
// operation. Create one per request; a Context must not be reused across
// requests because its memo holds the request's object graph.
type Context struct {
	Principal meta.Principal
	Includes  string

	memo      map[memoKey]any
	roleCache map[string]bool
}

// NewContext returns a mapping context for the given caller.
func NewContext(p meta.Principal, includes string) *Context {
	return &Context{Principal: p, Includes: includes}
}

// IsInRoleCached reports whether the principal holds the role, caching the
// answer for the lifetime of the context.
func (c *Context) IsInRoleCached(role string) bool {
	if c.roleCache == nil {
		c.roleCache = make(map[string]bool)
	}
	if in, ok := c.roleCache[role]; ok {
		return in
	}
	in := c.Principal.InRole(role)
	c.roleCache[role] = in
	return in
}

// sourceID returns a comparable identity for a mapping source. Records
// are identified by pointer; DTO maps by their map header.
func sourceID(src any) uintptr {
	return reflect.ValueOf(src).Pointer()
}

func (c *Context) addMapping(src any, tree *model.IncludeTree, kind targetKind, mapped any) {
	if c.memo == nil {
		c.memo = make(map[memoKey]any)
	}
	c.memo[memoKey{sourceID(src), tree, kind}] = mapped
}

func (c *Context) getMapping(src any, tree *model.IncludeTree, kind targetKind) (any, bool) {
	m, ok := c.memo[memoKey{sourceID(src), tree, kind}]
	return m, ok
}
