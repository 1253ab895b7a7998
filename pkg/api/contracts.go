package api

import (
	"context"

	"github.com/loomstack/loom/pkg/meta"
	"github.com/loomstack/loom/pkg/model"
)

// SaveKind distinguishes creation of a new row from an update of an
// existing one.
type SaveKind int

const (
	SaveKindCreate SaveKind = iota
	SaveKindUpdate
)

func (k SaveKind) String() string {
	if k == SaveKindCreate {
		return "create"
	}
	return "update"
}

// DataSource retrieves entities of one model from the store. The save and
// delete pipeline uses it to resolve existing rows; generated read
// endpoints use it directly.
//
// Non-OK results classify request-level failures (not found, forbidden);
// returned errors are infrastructure failures.
type DataSource interface {
	// Model returns the entity type this source serves.
	Model() *meta.Model

	// GetItem fetches one entity by primary key.
	GetItem(ctx context.Context, id any, p DataSourceParameters) (ItemResult[*model.Record], error)

	// GetList fetches entities matching the filter and paging parameters.
	GetList(ctx context.Context, p ListParameters) (ListResult[*model.Record], error)

	// GetMappedList fetches entities and maps them to response DTOs,
	// honoring read security and the source's include tree.
	GetMappedList(ctx context.Context, p ListParameters) (ListResult[model.DTO], error)

	// GetCount counts entities matching the filter parameters.
	GetCount(ctx context.Context, p FilterParameters) (ItemResult[int], error)

	// TransformResults is invoked after fetch and before mapping, allowing
	// late in-memory adjustment of results.
	TransformResults(ctx context.Context, results []*model.Record, p DataSourceParameters) error
}

// Behaviors govern how one entity type is saved and deleted. One Behaviors
// instance serves all requests for its model.
type Behaviors interface {
	// Model returns the entity type these behaviors govern.
	Model() *meta.Model

	// DetermineSaveKind inspects the DTO's primary key and the data source
	// to decide create vs update, returning the resolved key for updates.
	DetermineSaveKind(ctx context.Context, dto model.DTO, ds DataSource, p DataSourceParameters) (SaveKind, any, error)

	// Save runs the full save pipeline for one DTO and returns the mapped
	// post-save entity.
	Save(ctx context.Context, dto model.DTO, ds DataSource, p DataSourceParameters) (ItemResult[model.DTO], error)

	// Delete runs the delete pipeline for one primary key. The result may
	// carry the post-delete state of the row (soft deletes).
	Delete(ctx context.Context, id any, ds DataSource, p DataSourceParameters) (ItemResult[model.DTO], error)
}

// DataSourceFactory produces the default data source for a model. The
// bulk-save resolver uses it for the heterogeneous items of a batch.
type DataSourceFactory func(m *meta.Model) DataSource

// BehaviorsFactory produces the behaviors for a model.
type BehaviorsFactory func(m *meta.Model) Behaviors
