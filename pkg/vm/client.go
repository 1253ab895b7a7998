// Package vm implements the stateful client-side layer over the API
// surface: view models that track which properties the user has edited,
// merge fresh server responses without clobbering pending edits, save
// surgically, and assemble whole dirty object graphs into one atomic bulk
// save.
package vm

import (
	"context"

	"github.com/loomstack/loom/pkg/api"
	"github.com/loomstack/loom/pkg/bulk"
	"github.com/loomstack/loom/pkg/mapping"
	"github.com/loomstack/loom/pkg/meta"
	"github.com/loomstack/loom/pkg/model"
)

// mapItem maps a record result to its DTO shape under the result's own
// include tree.
func mapItem(res api.ItemResult[*model.Record], p api.DataSourceParameters) api.ItemResult[model.DTO] {
	dto := mapping.MapToDTO(res.Object, mapping.NewContext(p.Principal, p.Includes), res.IncludeTree)
	out := api.OK(dto)
	out.IncludeTree = res.IncludeTree
	return out
}

// Client is the API surface a view model calls. Implementations may go
// over the wire or, like Local, call straight into the server pipeline.
type Client interface {
	// Get fetches one entity by primary key.
	Get(ctx context.Context, m *meta.Model, id any, p api.DataSourceParameters) (api.ItemResult[model.DTO], error)

	// List fetches a page of entities.
	List(ctx context.Context, m *meta.Model, p api.ListParameters) (api.ListResult[model.DTO], error)

	// Count counts entities.
	Count(ctx context.Context, m *meta.Model, p api.FilterParameters) (api.ItemResult[int], error)

	// Save creates or updates one entity from the DTO, honoring the
	// surgical field list in p.
	Save(ctx context.Context, m *meta.Model, dto model.DTO, p api.DataSourceParameters) (api.ItemResult[model.DTO], error)

	// Delete deletes one entity by primary key.
	Delete(ctx context.Context, m *meta.Model, id any, p api.DataSourceParameters) (api.ItemResult[model.DTO], error)

	// BulkSave executes a batch atomically.
	BulkSave(ctx context.Context, req bulk.Request, p api.DataSourceParameters) (api.ItemResult[model.DTO], error)
}

// Local is a Client that invokes the server pipeline in-process: the
// standard data sources and behaviors over one store, sharing the bulk
// executor's providers.
type Local struct {
	Sources   api.DataSourceFactory
	Behaviors api.BehaviorsFactory
	Bulk      *bulk.Executor
}

// NewLocal returns an in-process client over the given providers.
func NewLocal(sources api.DataSourceFactory, behaviors api.BehaviorsFactory, bulkExec *bulk.Executor) *Local {
	return &Local{Sources: sources, Behaviors: behaviors, Bulk: bulkExec}
}

func (c *Local) Get(ctx context.Context, m *meta.Model, id any, p api.DataSourceParameters) (api.ItemResult[model.DTO], error) {
	res, err := c.Sources(m).GetItem(ctx, id, p)
	if err != nil {
		return api.ItemResult[model.DTO]{}, err
	}
	if !res.OK {
		return api.FailureOf[*model.Record, model.DTO](res), nil
	}
	return mapItem(res, p), nil
}

func (c *Local) List(ctx context.Context, m *meta.Model, p api.ListParameters) (api.ListResult[model.DTO], error) {
	return c.Sources(m).GetMappedList(ctx, p)
}

func (c *Local) Count(ctx context.Context, m *meta.Model, p api.FilterParameters) (api.ItemResult[int], error) {
	return c.Sources(m).GetCount(ctx, p)
}

func (c *Local) Save(ctx context.Context, m *meta.Model, dto model.DTO, p api.DataSourceParameters) (api.ItemResult[model.DTO], error) {
	return c.Behaviors(m).Save(ctx, dto, c.Sources(m), p)
}

func (c *Local) Delete(ctx context.Context, m *meta.Model, id any, p api.DataSourceParameters) (api.ItemResult[model.DTO], error) {
	return c.Behaviors(m).Delete(ctx, id, c.Sources(m), p)
}

func (c *Local) BulkSave(ctx context.Context, req bulk.Request, p api.DataSourceParameters) (api.ItemResult[model.DTO], error) {
	return c.Bulk.Execute(ctx, req, p)
}
