// Package behaviors implements the save/delete orchestration pipeline for
// one entity type: a fixed sequence of named extension points that turn an
// incoming DTO into a validated, persisted entity, and the standard data
// source those pipelines read through.
//
// Every extension point has a default; substituting any of them changes
// one step without disturbing the order of the rest. Validation and
// authorization failures are reported as typed results and never persist
// anything; store failures propagate as errors to the caller, which owns
// transaction rollback.
package behaviors

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/loomstack/loom/pkg/api"
	"github.com/loomstack/loom/pkg/mapping"
	"github.com/loomstack/loom/pkg/meta"
	"github.com/loomstack/loom/pkg/model"
	"github.com/loomstack/loom/pkg/rules"
	"github.com/loomstack/loom/pkg/store"
)

// validate evaluates the optional validator tags carried by property
// metadata. Shared; the validator is safe for concurrent use.
var validate = validator.New()

// HookResult is the outcome of a gate hook. A non-OK result aborts the
// pipeline with no persistence side effect.
type HookResult = api.ItemResult[*model.Record]

// Standard is the default Behaviors implementation. Zero-value extension
// point fields select the default step; assign them before first use to
// substitute behavior.
type Standard struct {
	// DetermineSaveKindFn decides create vs update and resolves the key.
	DetermineSaveKindFn func(ctx context.Context, dto model.DTO, ds api.DataSource, p api.DataSourceParameters) (api.SaveKind, any, error)

	// ValidateDTOFn validates the incoming DTO before mapping.
	ValidateDTOFn func(kind api.SaveKind, dto model.DTO, p api.DataSourceParameters) []api.ValidationIssue

	// BeforeSaveFn gates a save after mapping, before persistence. It may
	// mutate item to override client-submitted values. oldItem is the
	// pre-mapping state for updates, nil for creates.
	BeforeSaveFn func(ctx context.Context, kind api.SaveKind, oldItem, item *model.Record, p api.DataSourceParameters) HookResult

	// ExecuteSaveFn commits item to the store and returns the assigned key.
	ExecuteSaveFn func(ctx context.Context, kind api.SaveKind, item *model.Record) (any, error)

	// AfterSaveFn runs post-commit. It may replace or nil the returned
	// item and override the include tree. A non-OK result is reported to
	// the caller but does not undo persistence.
	AfterSaveFn func(ctx context.Context, item *model.Record, tree *model.IncludeTree) (HookResult, *model.IncludeTree)

	// BeforeDeleteFn gates a delete.
	BeforeDeleteFn func(ctx context.Context, item *model.Record, p api.DataSourceParameters) HookResult

	// ExecuteDeleteFn removes item from the store. The default hard
	// deletes; substitute for soft-delete or archival semantics.
	ExecuteDeleteFn func(ctx context.Context, item *model.Record) error

	// AfterDeleteFn runs after the delete executes, with the same
	// override and erase capability as AfterSaveFn.
	AfterDeleteFn func(ctx context.Context, item *model.Record, tree *model.IncludeTree) (HookResult, *model.IncludeTree)

	// FetchForUpdateSource, when set, replaces the caller-supplied data
	// source for resolving the target of an update.
	FetchForUpdateSource api.DataSource

	// DeleteFetchSource, when set, resolves the target of a delete.
	DeleteFetchSource api.DataSource

	// PostDeleteSource, when set, re-fetches the row after a delete so a
	// soft-deleted row can be returned to the caller.
	PostDeleteSource api.DataSource

	model *meta.Model
	store store.Store
	log   *zap.Logger
}

// NewStandard returns the standard behaviors for m over st. A nil logger
// is replaced with a no-op logger.
func NewStandard(m *meta.Model, st store.Store, log *zap.Logger) *Standard {
	if log == nil {
		log = zap.NewNop()
	}
	return &Standard{model: m, store: st, log: log}
}

// Model returns the entity type these behaviors govern.
func (b *Standard) Model() *meta.Model { return b.model }

// DetermineSaveKind decides create vs update for the DTO. A DTO without a
// usable primary key is always a create. A DTO with a key is an update,
// except for client-provided (create-only) keys, where a key that the data
// source cannot resolve means the row does not exist yet.
func (b *Standard) DetermineSaveKind(ctx context.Context, dto model.DTO, ds api.DataSource, p api.DataSourceParameters) (api.SaveKind, any, error) {
	if b.DetermineSaveKindFn != nil {
		return b.DetermineSaveKindFn(ctx, dto, ds, p)
	}

	key := dto.Key(b.model)
	if model.KeyAbsent(key) {
		return api.SaveKindCreate, nil, nil
	}
	if b.model.KeyProp().CreateOnly {
		res, err := ds.GetItem(ctx, key, p)
		if err != nil {
			return 0, nil, err
		}
		if !res.OK {
			return api.SaveKindCreate, key, nil
		}
	}
	return api.SaveKindUpdate, key, nil
}

// Save runs the pipeline: determine save kind, resolve the target,
// validate the DTO, map it in, gate with BeforeSave, persist, re-fetch
// through the data source, run AfterSave, and map the response.
func (b *Standard) Save(ctx context.Context, dto model.DTO, ds api.DataSource, p api.DataSourceParameters) (api.ItemResult[model.DTO], error) {
	kind, key, err := b.DetermineSaveKind(ctx, dto, ds, p)
	if err != nil {
		return api.ItemResult[model.DTO]{}, err
	}

	sec := b.model.Security
	if kind == api.SaveKindCreate && !sec.IsCreateAllowed(p.Principal) {
		return api.AuthFailure[model.DTO](p.Principal,
			fmt.Sprintf("You are not permitted to create %s items.", b.model.Display())), nil
	}
	if kind == api.SaveKindUpdate && !sec.IsEditAllowed(p.Principal) {
		return api.AuthFailure[model.DTO](p.Principal,
			fmt.Sprintf("You are not permitted to edit %s items.", b.model.Display())), nil
	}

	// Resolve a mutable target and, for updates, its pre-mapping state.
	var item, oldItem *model.Record
	switch kind {
	case api.SaveKindCreate:
		item = model.NewRecord(b.model)
	case api.SaveKindUpdate:
		fetchDS := ds
		if b.FetchForUpdateSource != nil {
			fetchDS = b.FetchForUpdateSource
		}
		res, err := fetchDS.GetItem(ctx, key, p)
		if err != nil {
			return api.ItemResult[model.DTO]{}, err
		}
		if !res.OK {
			// A keyed DTO whose lookup fails is an authorization-shaped
			// failure, not a silent fallback to create.
			return api.FailureOf[*model.Record, model.DTO](res), nil
		}
		item = res.Object
		oldItem = item.Clone()
	}

	if issues := b.validateDTO(kind, dto, p); len(issues) > 0 {
		return api.Invalid[model.DTO](invalidMessage(issues), issues...), nil
	}

	mctx := mapping.NewContext(p.Principal, p.Includes)
	mapping.MapTo(dto, item, mctx, p.Fields)
	if kind == api.SaveKindUpdate {
		// The target's identity is the resolved key, whatever the DTO said.
		item.SetKey(key)
	}

	if before := b.beforeSave(ctx, kind, oldItem, item, p); !before.OK {
		return api.FailureOf[*model.Record, model.DTO](before), nil
	}

	savedKey, err := b.executeSave(ctx, kind, item)
	if err != nil {
		return api.ItemResult[model.DTO]{}, fmt.Errorf("save %s: %w", b.model.Name, err)
	}
	item.SetKey(savedKey)

	b.log.Debug("saved entity",
		zap.String("model", b.model.Name),
		zap.String("kind", kind.String()),
		zap.Any("key", savedKey))

	// Re-fetch through the data source so the response reflects the
	// canonical row, including data source transforms.
	fetchRes, err := ds.GetItem(ctx, savedKey, p)
	if err != nil {
		return api.ItemResult[model.DTO]{}, err
	}
	var tree *model.IncludeTree
	if fetchRes.OK {
		item = fetchRes.Object
		tree = fetchRes.IncludeTree
	} else {
		return api.Failure[model.DTO](fetchRes.Reason,
			fmt.Sprintf("The item was saved, but could not be loaded: %s", fetchRes.Message)), nil
	}

	after, tree := b.afterSave(ctx, item, tree)
	if !after.OK {
		// Persistence already happened; the failure is reported as-is.
		return api.FailureOf[*model.Record, model.DTO](after), nil
	}
	item = after.Object

	out := api.OK(mapping.MapToDTO(item, mapping.NewContext(p.Principal, p.Includes), tree))
	out.IncludeTree = tree
	return out, nil
}

// Delete runs the delete pipeline: fetch the target, gate with
// BeforeDelete, execute, optionally re-fetch post-delete state, and run
// AfterDelete.
func (b *Standard) Delete(ctx context.Context, id any, ds api.DataSource, p api.DataSourceParameters) (api.ItemResult[model.DTO], error) {
	if !b.model.Security.IsDeleteAllowed(p.Principal) {
		return api.AuthFailure[model.DTO](p.Principal,
			fmt.Sprintf("You are not permitted to delete %s items.", b.model.Display())), nil
	}
	fetchDS := ds
	if b.DeleteFetchSource != nil {
		fetchDS = b.DeleteFetchSource
	}
	res, err := fetchDS.GetItem(ctx, id, p)
	if err != nil {
		return api.ItemResult[model.DTO]{}, err
	}
	if !res.OK {
		return api.FailureOf[*model.Record, model.DTO](res), nil
	}
	item := res.Object

	if before := b.beforeDelete(ctx, item, p); !before.OK {
		return api.FailureOf[*model.Record, model.DTO](before), nil
	}

	if err := b.executeDelete(ctx, item); err != nil {
		return api.ItemResult[model.DTO]{}, fmt.Errorf("delete %s %v: %w", b.model.Name, id, err)
	}

	b.log.Debug("deleted entity", zap.String("model", b.model.Name), zap.Any("key", id))

	// Re-fetch so an ExecuteDeleteFn that soft-deletes can return the
	// still-present row to the caller.
	var tree *model.IncludeTree
	item = nil
	postDS := b.PostDeleteSource
	if postDS == nil {
		postDS = ds
	}
	if post, err := postDS.GetItem(ctx, id, p); err != nil {
		return api.ItemResult[model.DTO]{}, err
	} else if post.OK {
		item = post.Object
		tree = post.IncludeTree
	}

	after, tree := b.afterDelete(ctx, item, tree)
	if !after.OK {
		return api.FailureOf[*model.Record, model.DTO](after), nil
	}
	item = after.Object

	out := api.OK(mapping.MapToDTO(item, mapping.NewContext(p.Principal, p.Includes), tree))
	out.IncludeTree = tree
	return out, nil
}

// validateDTO runs the default or substituted DTO validation. The default
// evaluates metadata rules and validator tags: every rule-bearing property
// for creates, and only the properties present in the DTO (or named by a
// surgical field list) for updates.
func (b *Standard) validateDTO(kind api.SaveKind, dto model.DTO, p api.DataSourceParameters) []api.ValidationIssue {
	if b.ValidateDTOFn != nil {
		return b.ValidateDTOFn(kind, dto, p)
	}

	var issues []api.ValidationIssue
	for _, prop := range b.model.Props {
		if !prop.IsClientWritable(p.Principal) {
			continue
		}
		if len(prop.Rules) == 0 && prop.ValidateTag == "" {
			continue
		}
		v, present := dto[prop.Name]
		if kind == api.SaveKindUpdate && !present {
			continue
		}
		for _, msg := range rules.Evaluate(prop.Rules, v) {
			issues = append(issues, api.ValidationIssue{Property: prop.Name, Message: msg})
		}
		if prop.ValidateTag != "" && present && v != nil {
			if err := validate.Var(v, prop.ValidateTag); err != nil {
				issues = append(issues, api.ValidationIssue{
					Property: prop.Name,
					Message:  fmt.Sprintf("%s is invalid.", prop.Display()),
				})
			}
		}
	}
	return issues
}

func (b *Standard) beforeSave(ctx context.Context, kind api.SaveKind, oldItem, item *model.Record, p api.DataSourceParameters) HookResult {
	if b.BeforeSaveFn != nil {
		return b.BeforeSaveFn(ctx, kind, oldItem, item, p)
	}
	return api.OK(item)
}

// executeSave commits through the ambient transaction when one is present
// (bulk saves), otherwise in its own transaction.
func (b *Standard) executeSave(ctx context.Context, kind api.SaveKind, item *model.Record) (any, error) {
	if b.ExecuteSaveFn != nil {
		return b.ExecuteSaveFn(ctx, kind, item)
	}
	if tx, ok := store.TxFrom(ctx); ok {
		return tx.Upsert(ctx, item)
	}
	var key any
	err := b.store.Transact(ctx, func(tx store.Tx) error {
		var err error
		key, err = tx.Upsert(ctx, item)
		return err
	})
	return key, err
}

func (b *Standard) afterSave(ctx context.Context, item *model.Record, tree *model.IncludeTree) (HookResult, *model.IncludeTree) {
	if b.AfterSaveFn != nil {
		return b.AfterSaveFn(ctx, item, tree)
	}
	return api.OK(item), tree
}

func (b *Standard) beforeDelete(ctx context.Context, item *model.Record, p api.DataSourceParameters) HookResult {
	if b.BeforeDeleteFn != nil {
		return b.BeforeDeleteFn(ctx, item, p)
	}
	return api.OK(item)
}

func (b *Standard) executeDelete(ctx context.Context, item *model.Record) error {
	if b.ExecuteDeleteFn != nil {
		return b.ExecuteDeleteFn(ctx, item)
	}
	if tx, ok := store.TxFrom(ctx); ok {
		return tx.Delete(ctx, b.model, item.Key())
	}
	return b.store.Transact(ctx, func(tx store.Tx) error {
		return tx.Delete(ctx, b.model, item.Key())
	})
}

func (b *Standard) afterDelete(ctx context.Context, item *model.Record, tree *model.IncludeTree) (HookResult, *model.IncludeTree) {
	if b.AfterDeleteFn != nil {
		return b.AfterDeleteFn(ctx, item, tree)
	}
	return api.OK(item), tree
}

func invalidMessage(issues []api.ValidationIssue) string {
	if len(issues) == 1 {
		return issues[0].Message
	}
	return fmt.Sprintf("%s (and %d more)", issues[0].Message, len(issues)-1)
}
