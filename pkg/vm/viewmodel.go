package vm

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/loomstack/loom/pkg/api"
	"github.com/loomstack/loom/pkg/meta"
	"github.com/loomstack/loom/pkg/model"
	"github.com/loomstack/loom/pkg/rules"
)

// nextUID hands out stable instance identities. The uid identifies a view
// model for its whole lifetime, across key assignment, and is the
// batch-local ref id in bulk saves.
var nextUID atomic.Int64

// responseAge stamps every server response with a monotonically increasing
// age, so an out-of-order response can be recognized and skipped.
var responseAge atomic.Int64

// ViewModel is the stateful client-side representation of one entity: its
// current property values, which of them carry unsaved edits, and the save
// and load operations over them.
//
// A view model is not safe for unsynchronized concurrent use; the autosave
// machinery serializes with user code through the internal mutex, and Save
// releases it while a request is in flight so edits made during the save
// land correctly.
type ViewModel struct {
	mu sync.Mutex

	uid    int64
	model  *meta.Model
	client Client
	log    *zap.Logger

	// Params carries the principal and include string used for every
	// operation on this view model.
	Params api.DataSourceParameters

	data        map[string]any
	dirty       map[string]bool
	savingProps map[string]bool

	existsOnServer bool
	dataAge        int64

	isSaving  bool
	isLoading bool

	customRules  map[string][]rules.Rule
	ignoredRules map[string]map[string]bool

	parent           *ViewModel
	parentCollection *Collection

	autosave *autosaveState
}

// New returns an empty view model for m, with property defaults applied.
// A nil logger is replaced with a no-op logger.
func New(m *meta.Model, client Client, log *zap.Logger) *ViewModel {
	if log == nil {
		log = zap.NewNop()
	}
	v := &ViewModel{
		uid:         nextUID.Add(1),
		model:       m,
		client:      client,
		log:         log,
		data:        make(map[string]any, len(m.Props)),
		dirty:       make(map[string]bool),
		savingProps: make(map[string]bool),
	}
	for _, p := range m.Props {
		if p.DefaultValue != nil {
			v.data[p.Name] = p.DefaultValue
		}
	}
	return v
}

// UID returns the view model's stable instance identity.
func (v *ViewModel) UID() int64 { return v.uid }

// Model returns the entity type this view model represents.
func (v *ViewModel) Model() *meta.Model { return v.model }

// Parent returns the view model this one was created under, if any.
func (v *ViewModel) Parent() *ViewModel { return v.parent }

// Key returns the primary key value, or nil for a never-saved entity.
func (v *ViewModel) Key() any {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.data[v.model.KeyProp().Name]
}

// ExistsOnServer reports whether this entity has been persisted: loaded
// from the server or successfully saved.
func (v *ViewModel) ExistsOnServer() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.existsOnServer
}

// IsSaving reports whether a save request is in flight.
func (v *ViewModel) IsSaving() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.isSaving
}

// Get returns the current value of the named property. Reference
// navigations hold *ViewModel; collection navigations hold *Collection.
func (v *ViewModel) Get(name string) any {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.data[name]
}

// GetVM returns the named reference navigation, or nil when unset.
func (v *ViewModel) GetVM(name string) *ViewModel {
	child, _ := v.Get(name).(*ViewModel)
	return child
}

// GetCollection returns the named collection navigation, creating it empty
// on first access.
func (v *ViewModel) GetCollection(name string) *Collection {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.collectionLocked(name)
}

func (v *ViewModel) collectionLocked(name string) *Collection {
	if c, ok := v.data[name].(*Collection); ok {
		return c
	}
	prop := v.model.Prop(name)
	if prop == nil || prop.Role != meta.RoleCollectionNavigation {
		return nil
	}
	c := &Collection{parent: v, prop: prop}
	v.data[name] = c
	return c
}

// Set writes a property value, marking it dirty when the value actually
// changes. Setting a reference navigation also sets its foreign key;
// setting a foreign key clears a navigation it no longer agrees with.
// Returns ErrUnknownProperty for names the model does not declare.
func (v *ViewModel) Set(name string, value any) error {
	v.mu.Lock()
	err := v.setLocked(name, value)
	v.mu.Unlock()
	if err == nil {
		v.queueAutosave()
	}
	return err
}

func (v *ViewModel) setLocked(name string, value any) error {
	prop := v.model.Prop(name)
	if prop == nil {
		return fmt.Errorf("%w: %s.%s", model.ErrUnknownProperty, v.model.Name, name)
	}

	switch prop.Role {
	case meta.RoleReferenceNavigation:
		return v.setReferenceLocked(prop, value)

	case meta.RoleCollectionNavigation:
		return v.setCollectionLocked(prop, value)

	case meta.RoleForeignKey:
		old := v.data[name]
		if model.ValueEqual(old, value) {
			return nil
		}
		v.data[name] = value
		v.dirty[name] = true
		// A navigation that disagrees with the new key is stale.
		if prop.Navigation != nil {
			if nav, ok := v.data[prop.Navigation.Name].(*ViewModel); ok && nav != nil {
				if !model.KeyEqual(nav.Key(), value) {
					v.data[prop.Navigation.Name] = nil
				}
			}
		}
		return nil

	default:
		old := v.data[name]
		if model.ValueEqual(old, value) {
			return nil
		}
		v.data[name] = value
		v.dirty[name] = true
		return nil
	}
}

// setReferenceLocked sets a reference navigation, upgrading a DTO to a
// view model, and propagates the principal's key into the foreign key.
func (v *ViewModel) setReferenceLocked(prop *meta.Property, value any) error {
	var child *ViewModel
	switch t := value.(type) {
	case nil:
	case *ViewModel:
		child = t
	case model.DTO:
		f := newFactory()
		child = f.upgrade(t, prop.RefModel, v.client, v.log)
	default:
		return fmt.Errorf("property %s.%s takes a %s view model, got %T",
			v.model.Name, prop.Name, prop.RefModel.Name, value)
	}

	v.data[prop.Name] = child
	if child != nil {
		child.parent = v
		// The foreign key follows the navigation. A key-less principal
		// leaves the FK alone; a bulk save links the pair by ref instead.
		if key := child.Key(); !model.KeyAbsent(key) {
			_ = v.setLocked(prop.ForeignKey.Name, key)
		}
	} else {
		_ = v.setLocked(prop.ForeignKey.Name, nil)
	}
	return nil
}

func (v *ViewModel) setCollectionLocked(prop *meta.Property, value any) error {
	c := v.collectionLocked(prop.Name)
	switch t := value.(type) {
	case nil:
		c.items = nil
	case *Collection:
		v.data[prop.Name] = t
		t.parent = v
		t.prop = prop
	case []model.DTO:
		c.items = nil
		f := newFactory()
		for _, dto := range t {
			child := f.upgrade(dto, prop.RefModel, v.client, v.log)
			child.parent = v
			child.parentCollection = c
			c.items = append(c.items, child)
		}
	default:
		return fmt.Errorf("property %s.%s takes a collection, got %T", v.model.Name, prop.Name, value)
	}
	return nil
}

// SetDirty marks or clears one property's dirty flag without changing its
// value.
func (v *ViewModel) SetDirty(name string, dirty bool) {
	v.mu.Lock()
	if dirty {
		v.dirty[name] = true
	} else {
		delete(v.dirty, name)
	}
	v.mu.Unlock()
	if dirty {
		v.queueAutosave()
	}
}

// IsDirty reports whether any property carries an unsaved edit.
func (v *ViewModel) IsDirty() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.dirty) > 0
}

// IsPropDirty reports whether the named property carries an unsaved edit.
func (v *ViewModel) IsPropDirty(name string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.dirty[name]
}

// DirtyProps returns the names of the properties carrying unsaved edits.
func (v *ViewModel) DirtyProps() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.dirtyPropsLocked()
}

func (v *ViewModel) dirtyPropsLocked() []string {
	out := make([]string, 0, len(v.dirty))
	for _, p := range v.model.Props {
		if v.dirty[p.Name] {
			out = append(out, p.Name)
		}
	}
	return out
}

// ClearDirty discards all dirty flags without saving.
func (v *ViewModel) ClearDirty() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.dirty = make(map[string]bool)
}

// AddRule attaches a client-side validation rule to the named property.
func (v *ViewModel) AddRule(prop string, r rules.Rule) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.customRules == nil {
		v.customRules = make(map[string][]rules.Rule)
	}
	// Same-named rules replace, matching how metadata rules layer.
	kept := v.customRules[prop][:0]
	for _, existing := range v.customRules[prop] {
		if existing.Name != r.Name {
			kept = append(kept, existing)
		}
	}
	v.customRules[prop] = append(kept, r)
}

// RemoveRule suppresses the named rule on the property, whether it came
// from metadata or AddRule.
func (v *ViewModel) RemoveRule(prop, ruleName string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.ignoredRules == nil {
		v.ignoredRules = make(map[string]map[string]bool)
	}
	if v.ignoredRules[prop] == nil {
		v.ignoredRules[prop] = make(map[string]bool)
	}
	v.ignoredRules[prop][ruleName] = true
}

// EffectiveRules returns the rules in force for the property: metadata
// rules overlaid with custom rules, minus removed ones.
func (v *ViewModel) EffectiveRules(prop string) []rules.Rule {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.effectiveRulesLocked(prop)
}

func (v *ViewModel) effectiveRulesLocked(prop string) []rules.Rule {
	p := v.model.Prop(prop)
	var out []rules.Rule
	custom := v.customRules[prop]
	if p != nil {
		for _, r := range p.Rules {
			if overridden(custom, r.Name) {
				continue
			}
			out = append(out, r)
		}
	}
	out = append(out, custom...)
	if ignored := v.ignoredRules[prop]; len(ignored) > 0 {
		kept := out[:0]
		for _, r := range out {
			if !ignored[r.Name] {
				kept = append(kept, r)
			}
		}
		out = kept
	}
	return out
}

func overridden(custom []rules.Rule, name string) bool {
	for _, r := range custom {
		if r.Name == name {
			return true
		}
	}
	return false
}

// Validate evaluates the effective rules of every property against the
// current values.
func (v *ViewModel) Validate() []api.ValidationIssue {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.validateLocked(nil)
}

// validateLocked validates all properties, skipping rules suppressed by
// the caller (bulk saves suppress required-FK rules satisfied by refs).
func (v *ViewModel) validateLocked(suppressProps map[string]bool) []api.ValidationIssue {
	var issues []api.ValidationIssue
	for _, p := range v.model.Props {
		if suppressProps[p.Name] {
			continue
		}
		rs := v.effectiveRulesLocked(p.Name)
		if len(rs) == 0 {
			continue
		}
		for _, msg := range rules.Evaluate(rs, v.data[p.Name]) {
			issues = append(issues, api.ValidationIssue{Property: p.Name, Message: msg})
		}
	}
	return issues
}

// Load fetches the entity by primary key and replaces local state with the
// response, clearing all dirty flags.
func (v *ViewModel) Load(ctx context.Context, id any) (api.ItemResult[model.DTO], error) {
	v.mu.Lock()
	v.isLoading = true
	v.mu.Unlock()
	defer func() {
		v.mu.Lock()
		v.isLoading = false
		v.mu.Unlock()
	}()

	res, err := v.client.Get(ctx, v.model, id, v.Params)
	if err != nil || !res.OK {
		return res, err
	}
	v.LoadFrom(res.Object)
	return res, nil
}

// LoadFrom replaces local state with the DTO as if it were a fresh server
// response: dirty flags clear and unsaved collection items are purged.
func (v *ViewModel) LoadFrom(dto model.DTO) {
	age := responseAge.Add(1)
	f := newFactory()
	v.merge(dto, age, true, f)
}

// merge applies a server response to the view model. A response older than
// what the view model already holds is skipped entirely. With purgeUnsaved
// false, properties carrying unsaved edits keep their local values and
// never-saved collection items survive.
func (v *ViewModel) merge(dto model.DTO, age int64, purgeUnsaved bool, f *factory) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if age < v.dataAge {
		v.log.Debug("skipping stale response",
			zap.String("model", v.model.Name),
			zap.Int64("uid", v.uid),
			zap.Int64("age", age),
			zap.Int64("current", v.dataAge))
		return
	}
	v.dataAge = age
	v.existsOnServer = true

	for _, p := range v.model.Props {
		incoming, present := dto[p.Name]
		if !present {
			continue
		}
		switch p.Role {
		case meta.RoleReferenceNavigation:
			v.mergeReference(p, incoming, age, purgeUnsaved, f)
		case meta.RoleCollectionNavigation:
			v.mergeCollection(p, incoming, age, purgeUnsaved, f)
		default:
			if !purgeUnsaved && v.dirty[p.Name] {
				continue
			}
			v.data[p.Name] = incoming
			delete(v.dirty, p.Name)
		}
	}
	if purgeUnsaved {
		v.dirty = make(map[string]bool)
	}
}

func (v *ViewModel) mergeReference(p *meta.Property, incoming any, age int64, purgeUnsaved bool, f *factory) {
	dto, ok := incoming.(model.DTO)
	if !ok || dto == nil {
		if incoming == nil {
			v.data[p.Name] = nil
		}
		return
	}
	// Reuse the existing instance when it is the same entity, so
	// references held by callers stay live.
	if existing, ok := v.data[p.Name].(*ViewModel); ok && existing != nil &&
		model.KeyEqual(existing.Key(), dto.Key(p.RefModel)) {
		existing.merge(dto, age, purgeUnsaved, f)
		return
	}
	child := f.upgrade(dto, p.RefModel, v.client, v.log)
	child.parent = v
	v.data[p.Name] = child
}

func (v *ViewModel) mergeCollection(p *meta.Property, incoming any, age int64, purgeUnsaved bool, f *factory) {
	dtos, ok := toDTOSlice(incoming)
	if !ok {
		return
	}
	c := v.collectionLocked(p.Name)

	byKey := make(map[string]*ViewModel, len(c.items))
	var unsaved []*ViewModel
	for _, item := range c.items {
		if key := item.Key(); !model.KeyAbsent(key) {
			byKey[keyString(key)] = item
		} else if !purgeUnsaved {
			unsaved = append(unsaved, item)
		}
	}

	next := make([]*ViewModel, 0, len(dtos)+len(unsaved))
	for _, dto := range dtos {
		key := dto.Key(p.RefModel)
		if existing, ok := byKey[keyString(key)]; ok {
			existing.merge(dto, age, purgeUnsaved, f)
			next = append(next, existing)
			continue
		}
		child := f.upgrade(dto, p.RefModel, v.client, v.log)
		child.parent = v
		child.parentCollection = c
		next = append(next, child)
	}
	// Unsaved local additions stay at the end of the collection.
	next = append(next, unsaved...)
	c.items = next
}

func toDTOSlice(v any) ([]model.DTO, bool) {
	switch t := v.(type) {
	case []model.DTO:
		return t, true
	case []any:
		out := make([]model.DTO, 0, len(t))
		for _, e := range t {
			dto, ok := e.(model.DTO)
			if !ok {
				return nil, false
			}
			out = append(out, dto)
		}
		return out, true
	}
	return nil, false
}

// SaveOptions adjust a single save request.
type SaveOptions struct {
	// OverrideProps travel with the payload without being written to the
	// view model or marked dirty. They let a save send a value the user
	// never sees locally.
	OverrideProps model.DTO

	// SkipMerge leaves local state untouched by the server response. The
	// assigned primary key still lands, so a created entity knows its
	// identity.
	SkipMerge bool
}

// Save persists the entity's dirty properties. The save is surgical: only
// dirty properties plus the primary key travel. Dirty flags clear before
// the request is awaited, so edits made while it is in flight are kept
// distinct; if the save fails, the in-flight properties are re-marked
// dirty without losing the newer edits.
func (v *ViewModel) Save(ctx context.Context) (api.ItemResult[model.DTO], error) {
	return v.SaveWith(ctx, SaveOptions{})
}

// SaveWith is Save with per-request options.
func (v *ViewModel) SaveWith(ctx context.Context, opts SaveOptions) (api.ItemResult[model.DTO], error) {
	v.mu.Lock()
	if v.isSaving {
		v.mu.Unlock()
		return api.Invalid[model.DTO]("A save is already in progress."), nil
	}
	if v.existsOnServer && len(v.dirty) == 0 && len(opts.OverrideProps) == 0 {
		v.mu.Unlock()
		return api.OK[model.DTO](nil), nil
	}
	if issues := v.validateLocked(nil); len(issues) > 0 {
		v.mu.Unlock()
		return api.Invalid[model.DTO](issues[0].Message, issues...), nil
	}

	wasNew := !v.existsOnServer
	dirtyProps := v.dirtyPropsLocked()
	dto := v.payloadLocked(dirtyProps)
	params := v.Params
	if v.existsOnServer {
		params.Fields = dirtyProps
	}
	for name, value := range opts.OverrideProps {
		dto[name] = value
		if v.existsOnServer {
			params.Fields = append(params.Fields, name)
		}
	}

	v.isSaving = true
	v.savingProps = make(map[string]bool, len(dirtyProps))
	for _, name := range dirtyProps {
		v.savingProps[name] = true
	}
	v.dirty = make(map[string]bool)
	v.mu.Unlock()

	res, err := v.client.Save(ctx, v.model, dto, params)

	v.mu.Lock()
	v.isSaving = false
	if err != nil || !res.OK {
		// Put the in-flight edits back without clobbering newer ones.
		for name := range v.savingProps {
			v.dirty[name] = true
		}
		v.savingProps = make(map[string]bool)
		v.mu.Unlock()
		return res, err
	}
	v.savingProps = make(map[string]bool)
	v.mu.Unlock()

	if opts.SkipMerge {
		v.applyKeyOnly(res.Object)
	} else {
		age := responseAge.Add(1)
		v.merge(res.Object, age, false, newFactory())
	}
	if wasNew {
		v.propagateKey()
	}
	return res, nil
}

// applyKeyOnly records that the entity now exists, taking just the
// primary key from the response.
func (v *ViewModel) applyKeyOnly(dto model.DTO) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.existsOnServer = true
	if dto == nil {
		return
	}
	keyName := v.model.KeyProp().Name
	if key := dto.Key(v.model); !model.KeyAbsent(key) && model.KeyAbsent(v.data[keyName]) {
		v.data[keyName] = key
	}
}

// propagateKey fills foreign keys that were waiting on this entity's
// newly assigned primary key: a dependent holding this view model as a
// reference navigation takes it, and so does every child sitting in one
// of its collection navigations.
func (v *ViewModel) propagateKey() {
	v.mu.Lock()
	key := v.data[v.model.KeyProp().Name]
	type pendingFK struct {
		vm *ViewModel
		fk string
	}
	var pending []pendingFK
	for _, p := range v.model.Props {
		if p.Role != meta.RoleCollectionNavigation || p.Inverse == nil || p.Inverse.ForeignKey == nil {
			continue
		}
		if c, ok := v.data[p.Name].(*Collection); ok && c != nil {
			for _, item := range c.Items() {
				pending = append(pending, pendingFK{vm: item, fk: p.Inverse.ForeignKey.Name})
			}
		}
	}
	parent := v.parent
	v.mu.Unlock()

	if model.KeyAbsent(key) {
		return
	}

	if parent != nil {
		parent.mu.Lock()
		for _, p := range parent.model.Props {
			if p.Role != meta.RoleReferenceNavigation || p.ForeignKey == nil {
				continue
			}
			if nav, ok := parent.data[p.Name].(*ViewModel); ok && nav == v {
				pending = append(pending, pendingFK{vm: parent, fk: p.ForeignKey.Name})
			}
		}
		parent.mu.Unlock()
	}

	for _, dep := range pending {
		if model.KeyAbsent(dep.vm.Get(dep.fk)) {
			_ = dep.vm.Set(dep.fk, key)
		}
	}
}

// SavingProps returns the names of the properties in the currently
// in-flight save, if any.
func (v *ViewModel) SavingProps() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]string, 0, len(v.savingProps))
	for _, p := range v.model.Props {
		if v.savingProps[p.Name] {
			out = append(out, p.Name)
		}
	}
	return out
}

// payloadLocked builds the save DTO: the named properties plus the primary
// key, or every set client property when props is nil (creates).
func (v *ViewModel) payloadLocked(props []string) model.DTO {
	dto := make(model.DTO)
	keyName := v.model.KeyProp().Name
	if !v.existsOnServer || props == nil {
		for _, p := range v.model.Props {
			if !p.IsClientProperty() || p.Role == meta.RoleReferenceNavigation ||
				p.Role == meta.RoleCollectionNavigation {
				continue
			}
			if val, ok := v.data[p.Name]; ok && val != nil {
				dto[p.Name] = val
			}
		}
		return dto
	}
	for _, name := range props {
		dto[name] = v.data[name]
	}
	if key := v.data[keyName]; !model.KeyAbsent(key) {
		dto[keyName] = key
	}
	return dto
}

// Delete deletes the entity on the server, then removes it from its parent
// collection. Deleting a never-saved entity is purely local.
func (v *ViewModel) Delete(ctx context.Context) (api.ItemResult[model.DTO], error) {
	v.mu.Lock()
	exists := v.existsOnServer
	key := v.data[v.model.KeyProp().Name]
	v.mu.Unlock()

	if exists {
		res, err := v.client.Delete(ctx, v.model, key, v.Params)
		if err != nil || !res.OK {
			return res, err
		}
		v.detach(false)
		return res, nil
	}
	v.detach(false)
	return api.OK[model.DTO](nil), nil
}

// Remove takes the entity out of its parent collection without a server
// call. A persisted entity is remembered by the collection so a later bulk
// save deletes it; a never-saved one simply disappears.
func (v *ViewModel) Remove() {
	v.detach(true)
}

func (v *ViewModel) detach(recordRemoval bool) {
	v.mu.Lock()
	c := v.parentCollection
	exists := v.existsOnServer
	v.mu.Unlock()
	if c == nil {
		return
	}
	c.splice(v)
	if recordRemoval && exists {
		c.recordRemoved(v)
	}
	v.mu.Lock()
	v.parentCollection = nil
	v.mu.Unlock()
}

// AddChild creates a new entity in the named collection navigation. The
// child's foreign key back to this view model is set when the key is
// known; otherwise the pair is linked by reference at bulk save time.
func (v *ViewModel) AddChild(collection string) (*ViewModel, error) {
	v.mu.Lock()
	prop := v.model.Prop(collection)
	if prop == nil || prop.Role != meta.RoleCollectionNavigation {
		v.mu.Unlock()
		return nil, fmt.Errorf("%s.%s is not a collection navigation", v.model.Name, collection)
	}
	c := v.collectionLocked(collection)
	key := v.data[v.model.KeyProp().Name]
	v.mu.Unlock()

	child := New(prop.RefModel, v.client, v.log)
	child.parent = v
	child.parentCollection = c
	if prop.Inverse != nil && prop.Inverse.ForeignKey != nil && !model.KeyAbsent(key) {
		_ = child.Set(prop.Inverse.ForeignKey.Name, key)
	}

	c.mu.Lock()
	c.items = append(c.items, child)
	c.mu.Unlock()
	return child, nil
}

// factory memoizes view model construction within one load or merge, so a
// cyclic or diamond-shaped response maps each entity to exactly one view
// model instance.
type factory struct {
	memo map[string]*ViewModel
}

func newFactory() *factory {
	return &factory{memo: make(map[string]*ViewModel)}
}

func (f *factory) upgrade(dto model.DTO, m *meta.Model, client Client, log *zap.Logger) *ViewModel {
	key := dto.Key(m)
	memoKey := ""
	if !model.KeyAbsent(key) {
		memoKey = fmt.Sprintf("%s/%v", m.Name, key)
		if existing, ok := f.memo[memoKey]; ok {
			return existing
		}
	}
	v := New(m, client, log)
	if memoKey != "" {
		f.memo[memoKey] = v
	}
	age := responseAge.Add(1)
	v.merge(dto, age, true, f)
	return v
}
