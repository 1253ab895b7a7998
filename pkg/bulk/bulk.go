// Package bulk implements the atomic multi-entity save: a batch of
// heterogeneous save and delete items, possibly referencing each other
// through batch-local ref ids, resolved into dependency order and executed
// inside a single transaction. Either the whole batch commits or none of
// it does.
package bulk

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/loomstack/loom/pkg/api"
	"github.com/loomstack/loom/pkg/mapping"
	"github.com/loomstack/loom/pkg/meta"
	"github.com/loomstack/loom/pkg/model"
	"github.com/loomstack/loom/pkg/store"
)

// Action is what a batch item asks for.
type Action string

const (
	// ActionSave creates or updates the item's entity.
	ActionSave Action = "save"
	// ActionDelete deletes the item's entity.
	ActionDelete Action = "delete"
	// ActionNone carries no mutation. A none item marks the batch root so
	// its re-fetched state can be returned.
	ActionNone Action = "none"
)

// Item is one entry of a bulk-save batch.
type Item struct {
	// Type names the item's model in the registry.
	Type string

	Action Action

	// Data is the item's DTO. For saves it carries the properties to
	// write; for deletes and none items it carries at least the primary
	// key.
	Data model.DTO

	// Refs carries batch-local reference ids. The entry keyed by the
	// model's primary key property declares the item's own ref id; an
	// entry keyed by a foreign key property points at the ref id of the
	// item that must be saved first, whose assigned primary key is then
	// substituted into Data before this item saves.
	Refs map[string]int64

	// Root marks the item whose post-commit state the response carries.
	Root bool
}

// Request is a bulk-save batch. Deletes execute after all saves, in
// request order.
type Request struct {
	Items []Item
}

// Executor resolves and runs bulk-save batches.
type Executor struct {
	Registry  *meta.Registry
	Store     store.Store
	Sources   api.DataSourceFactory
	Behaviors api.BehaviorsFactory
	Log       *zap.Logger
}

// NewExecutor returns a bulk-save executor over the given providers. A nil
// logger is replaced with a no-op logger.
func NewExecutor(reg *meta.Registry, st store.Store, sources api.DataSourceFactory, behaviors api.BehaviorsFactory, log *zap.Logger) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{Registry: reg, Store: st, Sources: sources, Behaviors: behaviors, Log: log}
}

// workItem is one batch item bound to its metadata and providers.
type workItem struct {
	Item
	index     int
	model     *meta.Model
	ds        api.DataSource
	behaviors api.Behaviors

	// primaryRef is the item's own batch-local ref id, when declared.
	primaryRef   int64
	hasPrimaryRef bool
}

// errAborted carries a request-level failure out of the transaction
// closure so the whole batch rolls back without treating the failure as an
// infrastructure error.
type errAborted struct {
	res api.ItemResult[model.DTO]
}

func (e errAborted) Error() string { return e.res.Message }

// Execute runs the batch. All saves and deletes happen inside one
// transaction with the store's retry strategy; any item failure rolls the
// whole batch back and becomes the returned result. On success the root
// item is re-fetched through its data source and returned along with the
// ref-to-key assignments.
func (e *Executor) Execute(ctx context.Context, req Request, p api.DataSourceParameters) (api.ItemResult[model.DTO], error) {
	items, res := e.bind(req)
	if !res.OK {
		return res, nil
	}

	if res := e.authorize(ctx, items, p); !res.OK {
		return res, nil
	}

	root := findRoot(items)

	refMap := make(map[int64]any)
	err := e.Store.Transact(ctx, func(tx store.Tx) error {
		// Clear assignments from a rolled-back attempt before retrying.
		for k := range refMap {
			delete(refMap, k)
		}
		txCtx := store.WithTx(ctx, tx)

		if err := e.runSaves(txCtx, items, p, refMap); err != nil {
			return err
		}
		return e.runDeletes(txCtx, items, p)
	})
	if err != nil {
		var aborted errAborted
		if errors.As(err, &aborted) {
			return aborted.res, nil
		}
		return api.ItemResult[model.DTO]{}, fmt.Errorf("bulk save: %w", err)
	}

	e.Log.Info("bulk save committed",
		zap.Int("items", len(items)),
		zap.Int("assigned", len(refMap)))

	out := api.OK[model.DTO](nil)
	out.RefMap = refMap
	if root != nil {
		rootRes, err := e.fetchRoot(ctx, root, p, refMap)
		if err != nil {
			return api.ItemResult[model.DTO]{}, err
		}
		if !rootRes.OK {
			// A hard-deleted root legitimately no longer exists.
			if root.Action == ActionDelete && rootRes.Reason == api.ReasonNotFound {
				out.RefMap = refMap
				return out, nil
			}
			rootRes.RefMap = refMap
			return rootRes, nil
		}
		out = rootRes
		out.RefMap = refMap
	}
	return out, nil
}

// bind resolves each item's model and providers and validates the batch
// shape.
func (e *Executor) bind(req Request) ([]*workItem, api.ItemResult[model.DTO]) {
	items := make([]*workItem, 0, len(req.Items))
	for i, item := range req.Items {
		m, err := e.Registry.Model(item.Type)
		if err != nil {
			return nil, api.Invalid[model.DTO](fmt.Sprintf("Unknown type %q in bulk save.", item.Type))
		}
		switch item.Action {
		case ActionSave, ActionDelete, ActionNone:
		default:
			return nil, api.Invalid[model.DTO](fmt.Sprintf("Unknown action %q for %s item.", item.Action, item.Type))
		}
		w := &workItem{
			Item:      item,
			index:     i,
			model:     m,
			ds:        e.Sources(m),
			behaviors: e.Behaviors(m),
		}
		if ref, ok := item.Refs[m.KeyProp().Name]; ok {
			w.primaryRef = ref
			w.hasPrimaryRef = true
		}
		items = append(items, w)
	}
	return items, api.OK[model.DTO](nil)
}

// authorize is the security pre-pass: every item's declared action is
// checked against its model's row security before anything executes, so an
// unauthorized item fails the batch without partial work.
func (e *Executor) authorize(ctx context.Context, items []*workItem, p api.DataSourceParameters) api.ItemResult[model.DTO] {
	for _, w := range items {
		sec := w.model.Security
		switch w.Action {
		case ActionSave:
			kind, _, err := w.behaviors.DetermineSaveKind(ctx, w.Data, w.ds, p)
			if err != nil {
				return api.Invalid[model.DTO](fmt.Sprintf("Could not resolve %s item: %s", w.model.Name, err))
			}
			if kind == api.SaveKindCreate && !sec.IsCreateAllowed(p.Principal) {
				return api.AuthFailure[model.DTO](p.Principal,
					fmt.Sprintf("You are not permitted to create %s items.", w.model.Display()))
			}
			if kind == api.SaveKindUpdate && !sec.IsEditAllowed(p.Principal) {
				return api.AuthFailure[model.DTO](p.Principal,
					fmt.Sprintf("You are not permitted to edit %s items.", w.model.Display()))
			}
		case ActionDelete:
			if !sec.IsDeleteAllowed(p.Principal) {
				return api.AuthFailure[model.DTO](p.Principal,
					fmt.Sprintf("You are not permitted to delete %s items.", w.model.Display()))
			}
		case ActionNone:
			if !sec.IsReadAllowed(p.Principal) {
				return api.AuthFailure[model.DTO](p.Principal,
					fmt.Sprintf("You are not permitted to read %s items.", w.model.Display()))
			}
		}
	}
	return api.OK[model.DTO](nil)
}

// findRoot picks the item whose state the response carries: the item
// explicitly flagged Root, else a lone action-none item.
func findRoot(items []*workItem) *workItem {
	for _, w := range items {
		if w.Root {
			return w
		}
	}
	var none *workItem
	for _, w := range items {
		if w.Action == ActionNone {
			if none != nil {
				return nil
			}
			none = w
		}
	}
	return none
}

// runSaves executes every save item, repeatedly sweeping the pending set
// and deferring items whose in-batch references have not been assigned
// keys yet. A full sweep with no progress means the remaining references
// cannot be satisfied.
func (e *Executor) runSaves(ctx context.Context, items []*workItem, p api.DataSourceParameters, refMap map[int64]any) error {
	inBatch := make(map[int64]bool)
	for _, w := range items {
		if w.hasPrimaryRef {
			inBatch[w.primaryRef] = true
		}
	}

	var pending []*workItem
	for _, w := range items {
		if w.Action == ActionSave {
			pending = append(pending, w)
		}
	}

	for len(pending) > 0 {
		var deferred []*workItem
		for _, w := range pending {
			if !e.resolveRefs(w, refMap, inBatch) {
				deferred = append(deferred, w)
				continue
			}
			res, err := w.behaviors.Save(ctx, w.Data, w.ds, p)
			if err != nil {
				return err
			}
			if !res.OK {
				res.Message = fmt.Sprintf("%s: %s", w.model.Display(), res.Message)
				return errAborted{res: res}
			}
			if w.hasPrimaryRef {
				refMap[w.primaryRef] = res.Object.Key(w.model)
			}
		}
		if len(deferred) == len(pending) {
			return errors.New(stalledMessage(deferred))
		}
		pending = deferred
	}
	return nil
}

// resolveRefs substitutes assigned keys for the item's foreign key refs.
// Returns false when a ref points at a batch item that has not saved yet.
func (e *Executor) resolveRefs(w *workItem, refMap map[int64]any, inBatch map[int64]bool) bool {
	keyName := w.model.KeyProp().Name
	for propName, ref := range w.Refs {
		if propName == keyName {
			continue
		}
		if key, ok := refMap[ref]; ok {
			w.Data[propName] = key
			continue
		}
		if inBatch[ref] {
			return false
		}
		// A ref pointing outside the batch can never resolve; keep the
		// item deferred so the stalled-batch error names it.
		return false
	}
	return true
}

// stalledMessage names every item stuck with unresolved references. These
// batches are malformed (reference cycles or refs to absent items), not
// transiently unlucky.
func stalledMessage(stuck []*workItem) string {
	names := make([]string, 0, len(stuck))
	for _, w := range stuck {
		id := fmt.Sprintf("%v", w.Data.Key(w.model))
		if !w.HasKey() {
			id = fmt.Sprintf("(ref: %d)", w.primaryRef)
		}
		names = append(names, fmt.Sprintf("%s %s", w.model.Name, id))
	}
	return fmt.Sprintf("unable to resolve references for items: %s", strings.Join(names, ", "))
}

// HasKey reports whether the item's DTO carries a usable primary key.
func (w *workItem) HasKey() bool {
	return !model.KeyAbsent(w.Data.Key(w.model))
}

// runDeletes executes delete items after all saves, in request order.
func (e *Executor) runDeletes(ctx context.Context, items []*workItem, p api.DataSourceParameters) error {
	for _, w := range items {
		if w.Action != ActionDelete {
			continue
		}
		key := w.Data.Key(w.model)
		if model.KeyAbsent(key) {
			return errAborted{res: api.Invalid[model.DTO](
				fmt.Sprintf("%s delete item has no primary key.", w.model.Display()))}
		}
		res, err := w.behaviors.Delete(ctx, key, w.ds, p)
		if err != nil {
			return err
		}
		if !res.OK {
			res.Message = fmt.Sprintf("%s: %s", w.model.Display(), res.Message)
			return errAborted{res: res}
		}
	}
	return nil
}

// fetchRoot re-reads the root item through its normal data source so the
// response reflects the committed row, including any assigned key.
func (e *Executor) fetchRoot(ctx context.Context, root *workItem, p api.DataSourceParameters, refMap map[int64]any) (api.ItemResult[model.DTO], error) {
	key := root.Data.Key(root.model)
	if model.KeyAbsent(key) && root.hasPrimaryRef {
		key = refMap[root.primaryRef]
	}
	if model.KeyAbsent(key) {
		return api.OK[model.DTO](nil), nil
	}

	res, err := root.ds.GetItem(ctx, key, p)
	if err != nil {
		return api.ItemResult[model.DTO]{}, err
	}
	if !res.OK {
		return api.FailureOf[*model.Record, model.DTO](res), nil
	}

	dto := mapping.MapToDTO(res.Object, mapping.NewContext(p.Principal, p.Includes), res.IncludeTree)
	out := api.OK(dto)
	out.IncludeTree = res.IncludeTree
	return out, nil
}
