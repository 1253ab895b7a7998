package vm

import (
	"context"
	"fmt"

	"github.com/loomstack/loom/pkg/api"
	"github.com/loomstack/loom/pkg/bulk"
	"github.com/loomstack/loom/pkg/meta"
	"github.com/loomstack/loom/pkg/model"
)

// graphEntry is one view model discovered while walking the object graph
// for a bulk save, with the action the batch will take for it.
type graphEntry struct {
	vm     *ViewModel
	action bulk.Action
	data   model.DTO
	refs   map[string]int64

	// suppressed names the foreign key properties satisfied by refs, whose
	// required rules therefore must not fire client-side.
	suppressed map[string]bool
}

// BulkPreview is the assembled shape of a pending bulk save: the batch
// that would be sent, the traversal records behind each item, every
// client-side validation issue across the graph, and whether anything
// would actually change on the server.
type BulkPreview struct {
	Request bulk.Request

	// Records pairs each batch item with the view model it came from, in
	// item order.
	Records []PreviewRecord

	// Issues aggregates client-side validation failures across every
	// entity that would save, with properties qualified by model name.
	Issues []api.ValidationIssue

	// Dirty reports whether the batch carries any save or delete.
	Dirty bool
}

// PreviewRecord is one traversal record of a bulk-save preview.
type PreviewRecord struct {
	VM     *ViewModel
	Action bulk.Action
}

// BulkSavePreview walks the object graph reachable from this view model
// and assembles the batch a BulkSave would send: every new or dirty
// entity as a save, every removed persisted child as a delete, and this
// view model flagged as the root. Clean entities are traversed but not
// sent.
func (v *ViewModel) BulkSavePreview() BulkPreview {
	entries, issues := v.collectGraph()
	p := BulkPreview{
		Issues:  issues,
		Records: make([]PreviewRecord, 0, len(entries)),
	}
	p.Request.Items = make([]bulk.Item, 0, len(entries))
	for _, e := range entries {
		p.Records = append(p.Records, PreviewRecord{VM: e.vm, Action: e.action})
		p.Request.Items = append(p.Request.Items, bulk.Item{
			Type:   e.vm.model.Name,
			Action: e.action,
			Data:   e.data,
			Refs:   e.refs,
			Root:   e.vm == v,
		})
		if e.action != bulk.ActionNone {
			p.Dirty = true
		}
	}
	return p
}

// BulkSave saves the whole reachable object graph in one atomic batch.
// On success, keys assigned by the server are written back to the new view
// models by their ref ids, removal lists clear, and the root is refreshed
// from the response.
func (v *ViewModel) BulkSave(ctx context.Context) (api.ItemResult[model.DTO], error) {
	entries, issues := v.collectGraph()
	if len(issues) > 0 {
		return api.Invalid[model.DTO](issues[0].Message, issues...), nil
	}
	items := make([]bulk.Item, 0, len(entries))
	for _, e := range entries {
		items = append(items, bulk.Item{
			Type:   e.vm.model.Name,
			Action: e.action,
			Data:   e.data,
			Refs:   e.refs,
			Root:   e.vm == v,
		})
	}

	res, err := v.client.BulkSave(ctx, bulk.Request{Items: items}, v.Params)
	if err != nil || !res.OK {
		return res, err
	}

	for _, e := range entries {
		switch e.action {
		case bulk.ActionSave:
			e.vm.afterBulkSaved(res.RefMap)
		case bulk.ActionDelete:
			e.vm.mu.Lock()
			e.vm.existsOnServer = false
			e.vm.parentCollection = nil
			e.vm.mu.Unlock()
		}
	}
	v.forEachCollection(func(c *Collection) { c.clearRemoved() })

	if res.Object != nil {
		age := responseAge.Add(1)
		v.merge(res.Object, age, true, newFactory())
	}
	return res, nil
}

// afterBulkSaved applies a committed bulk save to one saved view model:
// the assigned key lands, dirty state clears, and the entity now exists.
func (v *ViewModel) afterBulkSaved(refMap map[int64]any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	keyName := v.model.KeyProp().Name
	if key, ok := refMap[v.uid]; ok && model.KeyAbsent(v.data[keyName]) {
		v.data[keyName] = key
	}
	v.existsOnServer = true
	v.dirty = make(map[string]bool)
}

// collectGraph walks the graph breadth-first from v, classifying every
// reachable view model and validating the ones that will save. Issues
// aggregate across the whole graph, each property qualified by its model
// name so a caller can attribute them per item.
func (v *ViewModel) collectGraph() ([]*graphEntry, []api.ValidationIssue) {
	visited := make(map[int64]bool)
	var entries []*graphEntry
	queue := []*ViewModel{v}
	visited[v.uid] = true

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		entry := cur.classify(cur == v)
		if entry != nil {
			entries = append(entries, entry)
		}

		cur.mu.Lock()
		var neighbors []*ViewModel
		for _, p := range cur.model.Props {
			switch p.Role {
			case meta.RoleReferenceNavigation:
				if child, ok := cur.data[p.Name].(*ViewModel); ok && child != nil {
					neighbors = append(neighbors, child)
				}
			case meta.RoleCollectionNavigation:
				if c, ok := cur.data[p.Name].(*Collection); ok && c != nil {
					neighbors = append(neighbors, c.Items()...)
					for _, removed := range c.Removed() {
						if !visited[removed.uid] {
							visited[removed.uid] = true
							entries = append(entries, removed.deleteEntry())
						}
					}
				}
			}
		}
		parent := cur.parent
		cur.mu.Unlock()
		if parent != nil {
			neighbors = append(neighbors, parent)
		}

		for _, n := range neighbors {
			if !visited[n.uid] {
				visited[n.uid] = true
				queue = append(queue, n)
			}
		}
	}

	var issues []api.ValidationIssue
	for _, e := range entries {
		if e.action != bulk.ActionSave {
			continue
		}
		for _, issue := range e.vm.validateForBulk(e.suppressed) {
			issues = append(issues, api.ValidationIssue{
				Property: fmt.Sprintf("%s.%s", e.vm.model.Name, issue.Property),
				Message:  issue.Message,
			})
		}
	}
	return entries, issues
}

func (v *ViewModel) validateForBulk(suppressed map[string]bool) []api.ValidationIssue {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.validateLocked(suppressed)
}

func (v *ViewModel) deleteEntry() *graphEntry {
	v.mu.Lock()
	defer v.mu.Unlock()
	keyName := v.model.KeyProp().Name
	return &graphEntry{
		vm:     v,
		action: bulk.ActionDelete,
		data:   model.DTO{keyName: v.data[keyName]},
	}
}

// classify decides what the batch does with this view model. Clean
// persisted non-root entities contribute nothing.
func (v *ViewModel) classify(isRoot bool) *graphEntry {
	v.mu.Lock()
	defer v.mu.Unlock()

	isNew := !v.existsOnServer
	isDirty := len(v.dirty) > 0
	if !isRoot && !isNew && !isDirty {
		return nil
	}

	e := &graphEntry{vm: v, refs: map[string]int64{v.model.KeyProp().Name: v.uid}}
	if !isNew && !isDirty {
		e.action = bulk.ActionNone
		e.data = model.DTO{v.model.KeyProp().Name: v.data[v.model.KeyProp().Name]}
		return e
	}

	e.action = bulk.ActionSave
	var payloadProps []string
	if !isNew {
		payloadProps = v.dirtyPropsLocked()
	}
	e.data = v.payloadLocked(payloadProps)
	e.suppressed = make(map[string]bool)
	v.linkPrincipals(e)
	return e
}

// linkPrincipals wires the entry's foreign keys to its principals: by
// value when the principal's key is known, by batch-local ref when the
// principal has not been saved yet. A new child sitting in a parent's
// collection is linked to that parent implicitly through the collection's
// inverse foreign key.
func (v *ViewModel) linkPrincipals(e *graphEntry) {
	for _, p := range v.model.Props {
		if p.Role != meta.RoleReferenceNavigation {
			continue
		}
		principal, ok := v.data[p.Name].(*ViewModel)
		if !ok || principal == nil {
			continue
		}
		fkName := p.ForeignKey.Name
		if key := principal.Key(); !model.KeyAbsent(key) {
			e.data[fkName] = key
			continue
		}
		e.refs[fkName] = principal.uid
		delete(e.data, fkName)
		e.suppressed[fkName] = true
	}

	// Implicit principal: membership in a parent's collection implies the
	// inverse foreign key even when the navigation was never set.
	c := v.parentCollection
	if c == nil || c.prop == nil || c.prop.Inverse == nil || c.prop.Inverse.ForeignKey == nil {
		return
	}
	fkName := c.prop.Inverse.ForeignKey.Name
	if _, linked := e.refs[fkName]; linked {
		return
	}
	// A foreign key already carried locally stands on its own; implicit
	// linking only fills a genuinely unset one.
	if !model.KeyAbsent(v.data[fkName]) {
		return
	}
	parent := c.parent
	if key := parent.Key(); !model.KeyAbsent(key) {
		e.data[fkName] = key
		return
	}
	e.refs[fkName] = parent.uid
	delete(e.data, fkName)
	e.suppressed[fkName] = true
}

// forEachCollection visits every collection reachable from v.
func (v *ViewModel) forEachCollection(fn func(*Collection)) {
	visited := make(map[int64]bool)
	var walk func(*ViewModel)
	walk = func(cur *ViewModel) {
		if visited[cur.uid] {
			return
		}
		visited[cur.uid] = true
		cur.mu.Lock()
		var children []*ViewModel
		var colls []*Collection
		for _, p := range cur.model.Props {
			switch p.Role {
			case meta.RoleReferenceNavigation:
				if child, ok := cur.data[p.Name].(*ViewModel); ok && child != nil {
					children = append(children, child)
				}
			case meta.RoleCollectionNavigation:
				if c, ok := cur.data[p.Name].(*Collection); ok && c != nil {
					colls = append(colls, c)
					children = append(children, c.Items()...)
				}
			}
		}
		cur.mu.Unlock()
		for _, c := range colls {
			fn(c)
		}
		for _, child := range children {
			walk(child)
		}
	}
	walk(v)
}
