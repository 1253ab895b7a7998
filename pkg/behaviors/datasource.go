package behaviors

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/loomstack/loom/pkg/api"
	"github.com/loomstack/loom/pkg/mapping"
	"github.com/loomstack/loom/pkg/meta"
	"github.com/loomstack/loom/pkg/model"
	"github.com/loomstack/loom/pkg/store"
)

// StandardSource is the default api.DataSource over a store.Store. It
// loads one model's rows, optionally hydrates named navigation properties
// one level deep, and reports what it loaded through an include tree.
//
// When the context carries an open transaction, all reads go through it.
type StandardSource struct {
	// IncludeNavigations names the navigation properties GetItem and
	// GetList hydrate. Hydrated navigations appear in the include tree and
	// therefore in mapped responses.
	IncludeNavigations []string

	// TransformFn, when set, replaces the no-op TransformResults hook.
	TransformFn func(ctx context.Context, results []*model.Record, p api.DataSourceParameters) error

	model *meta.Model
	store store.Store
	log   *zap.Logger
}

// NewStandardSource returns a data source for m over st. A nil logger is
// replaced with a no-op logger.
func NewStandardSource(m *meta.Model, st store.Store, log *zap.Logger) *StandardSource {
	if log == nil {
		log = zap.NewNop()
	}
	return &StandardSource{model: m, store: st, log: log}
}

// Model returns the entity type this source serves.
func (s *StandardSource) Model() *meta.Model { return s.model }

// TransformResults invokes the configured transform hook, if any.
func (s *StandardSource) TransformResults(ctx context.Context, results []*model.Record, p api.DataSourceParameters) error {
	if s.TransformFn != nil {
		return s.TransformFn(ctx, results, p)
	}
	return nil
}

// GetItem fetches one entity by primary key, hydrates its navigations,
// runs the transform hook, and reports the include tree it loaded.
func (s *StandardSource) GetItem(ctx context.Context, id any, p api.DataSourceParameters) (api.ItemResult[*model.Record], error) {
	rec, err := store.ReaderFor(ctx, s.store).Get(ctx, s.model, id)
	if err != nil {
		if err == store.ErrNotFound {
			return api.NotFound[*model.Record](fmt.Sprintf("%s item with ID %v was not found.", s.model.Display(), id)), nil
		}
		return api.ItemResult[*model.Record]{}, fmt.Errorf("get %s %v: %w", s.model.Name, id, err)
	}

	tree, err := s.hydrate(ctx, []*model.Record{rec})
	if err != nil {
		return api.ItemResult[*model.Record]{}, err
	}
	if err := s.TransformResults(ctx, []*model.Record{rec}, p); err != nil {
		return api.ItemResult[*model.Record]{}, fmt.Errorf("transform %s results: %w", s.model.Name, err)
	}

	res := api.OK(rec)
	res.IncludeTree = tree
	return res, nil
}

// GetList fetches entities matching p, hydrates navigations, and runs the
// transform hook.
func (s *StandardSource) GetList(ctx context.Context, p api.ListParameters) (api.ListResult[*model.Record], error) {
	q := s.query(p)
	reader := store.ReaderFor(ctx, s.store)

	recs, err := reader.List(ctx, s.model, q)
	if err != nil {
		return api.ListResult[*model.Record]{}, fmt.Errorf("list %s: %w", s.model.Name, err)
	}

	total := -1
	if !p.NoCount {
		if total, err = reader.Count(ctx, s.model, q); err != nil {
			return api.ListResult[*model.Record]{}, fmt.Errorf("count %s: %w", s.model.Name, err)
		}
	}

	if _, err := s.hydrate(ctx, recs); err != nil {
		return api.ListResult[*model.Record]{}, err
	}
	if err := s.TransformResults(ctx, recs, p.DataSourceParameters); err != nil {
		return api.ListResult[*model.Record]{}, fmt.Errorf("transform %s results: %w", s.model.Name, err)
	}

	return api.OKList(recs, p.Page, p.PageSize, total), nil
}

// GetMappedList fetches entities and maps them to response DTOs, honoring
// read security and the include tree built while loading.
func (s *StandardSource) GetMappedList(ctx context.Context, p api.ListParameters) (api.ListResult[model.DTO], error) {
	res, err := s.GetList(ctx, p)
	if err != nil {
		return api.ListResult[model.DTO]{}, err
	}
	if !res.OK {
		return api.ListFailure[model.DTO](res.Reason, res.Message), nil
	}

	tree := s.includeTree()
	mctx := mapping.NewContext(p.Principal, p.Includes)
	dtos := make([]model.DTO, 0, len(res.List))
	for _, rec := range res.List {
		dtos = append(dtos, mapping.MapToDTO(rec, mctx, tree))
	}
	out := api.OKList(dtos, res.Page, res.PageSize, res.TotalCount)
	return out, nil
}

// GetCount counts entities matching p.
func (s *StandardSource) GetCount(ctx context.Context, p api.FilterParameters) (api.ItemResult[int], error) {
	n, err := store.ReaderFor(ctx, s.store).Count(ctx, s.model, store.Query{Filter: p.Filter, Search: p.Search})
	if err != nil {
		return api.ItemResult[int]{}, fmt.Errorf("count %s: %w", s.model.Name, err)
	}
	return api.OK(n), nil
}

func (s *StandardSource) query(p api.ListParameters) store.Query {
	q := store.Query{
		Filter:     p.Filter,
		Search:     p.Search,
		OrderBy:    p.OrderBy,
		Descending: p.Descending,
	}
	if p.PageSize > 0 {
		q.Limit = p.PageSize
		if p.Page > 1 {
			q.Offset = (p.Page - 1) * p.PageSize
		}
	}
	return q
}

// includeTree describes the navigations this source hydrates.
func (s *StandardSource) includeTree() *model.IncludeTree {
	if len(s.IncludeNavigations) == 0 {
		return nil
	}
	tree := model.NewIncludeTree()
	for _, name := range s.IncludeNavigations {
		tree.Ensure(name)
	}
	return tree
}

// hydrate loads the configured navigation properties for recs, one level
// deep, and returns the resulting include tree.
func (s *StandardSource) hydrate(ctx context.Context, recs []*model.Record) (*model.IncludeTree, error) {
	if len(s.IncludeNavigations) == 0 || len(recs) == 0 {
		return s.includeTree(), nil
	}
	reader := store.ReaderFor(ctx, s.store)

	for _, name := range s.IncludeNavigations {
		prop := s.model.Prop(name)
		if prop == nil {
			return nil, fmt.Errorf("include %q: %w", name, model.ErrUnknownProperty)
		}
		switch prop.Role {
		case meta.RoleReferenceNavigation:
			for _, rec := range recs {
				fk := rec.Get(prop.ForeignKey.Name)
				if model.KeyAbsent(fk) {
					continue
				}
				related, err := reader.Get(ctx, prop.RefModel, fk)
				if err == store.ErrNotFound {
					continue
				}
				if err != nil {
					return nil, fmt.Errorf("hydrate %s.%s: %w", s.model.Name, name, err)
				}
				_ = rec.Set(name, related)
			}
		case meta.RoleCollectionNavigation:
			fkName := prop.Inverse.ForeignKey.Name
			for _, rec := range recs {
				if !rec.HasKey() {
					continue
				}
				children, err := reader.List(ctx, prop.RefModel, store.Query{
					Filter: map[string]any{fkName: rec.Key()},
				})
				if err != nil {
					return nil, fmt.Errorf("hydrate %s.%s: %w", s.model.Name, name, err)
				}
				_ = rec.Set(name, children)
			}
		default:
			return nil, fmt.Errorf("include %q: property is not a navigation (role %s)", name, prop.Role)
		}
	}

	s.log.Debug("hydrated navigations",
		zap.String("model", s.model.Name),
		zap.Int("records", len(recs)),
		zap.String("includes", strings.Join(s.IncludeNavigations, ",")))

	return s.includeTree(), nil
}
