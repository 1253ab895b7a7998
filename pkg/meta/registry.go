package meta

import (
	"errors"
	"fmt"
	"sync"
)

// Registry errors.
var (
	ErrSolidified     = errors.New("registry is already solidified")
	ErrNotSolidified  = errors.New("registry is not solidified")
	ErrDuplicateModel = errors.New("duplicate model name")
	ErrModelNotFound  = errors.New("model not found")
	ErrBadReference   = errors.New("unresolvable model reference")
)

// Registry holds the metadata for every registered model. It is built in
// two phases: Register all models, then Solidify exactly once to resolve
// cross-model references. After Solidify the registry is read-only and
// safe for unsynchronized concurrent reads.
type Registry struct {
	mu     sync.Mutex
	models map[string]*Model
	order  []string
	solid  bool
}

// NewRegistry returns an empty, unsolidified registry.
func NewRegistry() *Registry {
	return &Registry{models: make(map[string]*Model)}
}

// Register adds a model to the registry. Returns ErrSolidified if the
// registry has already been solidified, or ErrDuplicateModel on a name
// collision.
func (r *Registry) Register(m *Model) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.solid {
		return ErrSolidified
	}
	if _, dup := r.models[m.Name]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateModel, m.Name)
	}
	r.models[m.Name] = m
	r.order = append(r.order, m.Name)
	return nil
}

// MustRegister is Register for static initialization; it panics on error.
func (r *Registry) MustRegister(m *Model) {
	if err := r.Register(m); err != nil {
		panic(err)
	}
}

// Solidify validates every model, resolves named relational references into
// pointers, and freezes the registry. It must be called exactly once, after
// all models are registered and before any lookups are served.
func (r *Registry) Solidify() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.solid {
		return ErrSolidified
	}

	for _, name := range r.order {
		if err := r.models[name].index(); err != nil {
			return err
		}
	}
	for _, name := range r.order {
		if err := r.resolve(r.models[name]); err != nil {
			return err
		}
	}

	r.solid = true
	return nil
}

// resolve wires one model's navigation properties to their foreign keys,
// related models, and inverse navigations.
func (r *Registry) resolve(m *Model) error {
	for _, p := range m.Props {
		switch p.Role {
		case RoleReferenceNavigation:
			ref, ok := r.models[p.ModelName]
			if !ok {
				return fmt.Errorf("%w: %s.%s references unknown model %q", ErrBadReference, m.Name, p.Name, p.ModelName)
			}
			p.RefModel = ref

			fk := m.Prop(p.ForeignKeyName)
			if fk == nil || fk.Role != RoleForeignKey {
				return fmt.Errorf("%w: %s.%s names foreign key %q which is not a foreign key property", ErrBadReference, m.Name, p.Name, p.ForeignKeyName)
			}
			p.ForeignKey = fk
			fk.Navigation = p
			fk.RefModel = ref

		case RoleCollectionNavigation:
			ref, ok := r.models[p.ModelName]
			if !ok {
				return fmt.Errorf("%w: %s.%s references unknown model %q", ErrBadReference, m.Name, p.Name, p.ModelName)
			}
			p.RefModel = ref

			inv := ref.Prop(p.InverseName)
			if inv == nil || inv.Role != RoleReferenceNavigation {
				return fmt.Errorf("%w: %s.%s names inverse %q which is not a reference navigation on %s", ErrBadReference, m.Name, p.Name, p.InverseName, ref.Name)
			}
			p.Inverse = inv
		}
	}
	return nil
}

// Model returns the registered model with the given name.
// Returns ErrNotSolidified before Solidify has run.
func (r *Registry) Model(name string) (*Model, error) {
	if !r.solid {
		return nil, ErrNotSolidified
	}
	m, ok := r.models[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, name)
	}
	return m, nil
}

// Models returns every registered model in registration order.
// Returns ErrNotSolidified before Solidify has run.
func (r *Registry) Models() ([]*Model, error) {
	if !r.solid {
		return nil, ErrNotSolidified
	}
	out := make([]*Model, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.models[name])
	}
	return out, nil
}

// Solidified reports whether Solidify has completed.
func (r *Registry) Solidified() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.solid
}
