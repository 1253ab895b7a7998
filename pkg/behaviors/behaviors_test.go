package behaviors

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomstack/loom/pkg/api"
	"github.com/loomstack/loom/pkg/meta"
	"github.com/loomstack/loom/pkg/meta/metatest"
	"github.com/loomstack/loom/pkg/model"
	"github.com/loomstack/loom/pkg/store"
	"github.com/loomstack/loom/pkg/store/storetest"
)

type fixture struct {
	reg    *meta.Registry
	store  *storetest.Memory
	caseM  *meta.Model
	person *meta.Model
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := metatest.NewRegistry()
	caseM, err := reg.Model("Case")
	require.NoError(t, err)
	person, err := reg.Model("Person")
	require.NoError(t, err)
	return &fixture{reg: reg, store: storetest.NewMemory(), caseM: caseM, person: person}
}

func (f *fixture) seedCase(t *testing.T, title string) any {
	t.Helper()
	rec := model.NewRecord(f.caseM)
	require.NoError(t, rec.Set("title", title))
	return f.store.Seed(rec)
}

func (f *fixture) caseBehaviors() (*Standard, *StandardSource) {
	return NewStandard(f.caseM, f.store, nil), NewStandardSource(f.caseM, f.store, nil)
}

func TestDetermineSaveKind(t *testing.T) {
	f := newFixture(t)
	b, ds := f.caseBehaviors()
	ctx := context.Background()
	p := api.DataSourceParameters{}

	kind, key, err := b.DetermineSaveKind(ctx, model.DTO{"title": "new"}, ds, p)
	require.NoError(t, err)
	assert.Equal(t, api.SaveKindCreate, kind)
	assert.Nil(t, key)

	id := f.seedCase(t, "existing")
	kind, key, err = b.DetermineSaveKind(ctx, model.DTO{"caseKey": id, "title": "x"}, ds, p)
	require.NoError(t, err)
	assert.Equal(t, api.SaveKindUpdate, kind)
	assert.Equal(t, id, key)
}

func TestDetermineSaveKindCreateOnlyKey(t *testing.T) {
	reg := meta.NewRegistry()
	reg.MustRegister(&meta.Model{
		Name: "Tag",
		Props: []*meta.Property{
			{Name: "slug", Type: meta.TypeString, Role: meta.RolePrimaryKey, CreateOnly: true},
			{Name: "label", Type: meta.TypeString, Role: meta.RoleValue},
		},
	})
	require.NoError(t, reg.Solidify())
	tag, err := reg.Model("Tag")
	require.NoError(t, err)

	st := storetest.NewMemory()
	b := NewStandard(tag, st, nil)
	ds := NewStandardSource(tag, st, nil)
	ctx := context.Background()

	// A client-provided key that resolves to no row is a create, not an
	// update of a missing row.
	kind, key, err := b.DetermineSaveKind(ctx, model.DTO{"slug": "go"}, ds, api.DataSourceParameters{})
	require.NoError(t, err)
	assert.Equal(t, api.SaveKindCreate, kind)
	assert.Equal(t, "go", key)

	rec := model.NewRecord(tag)
	rec.SetKey("go")
	st.Seed(rec)

	kind, _, err = b.DetermineSaveKind(ctx, model.DTO{"slug": "go"}, ds, api.DataSourceParameters{})
	require.NoError(t, err)
	assert.Equal(t, api.SaveKindUpdate, kind)
}

func TestSaveCreatePersistsAndReturnsKey(t *testing.T) {
	f := newFixture(t)
	b, ds := f.caseBehaviors()

	res, err := b.Save(context.Background(), model.DTO{"title": "Fix login"}, ds, api.DataSourceParameters{})
	require.NoError(t, err)
	require.True(t, res.OK, res.Message)
	assert.Equal(t, "Fix login", res.Object["title"])
	require.NotNil(t, res.Object["caseKey"])

	stored, err := f.store.Get(context.Background(), f.caseM, res.Object["caseKey"])
	require.NoError(t, err)
	assert.Equal(t, "Fix login", stored.Get("title"))
}

func TestSaveValidationFailurePersistsNothing(t *testing.T) {
	f := newFixture(t)
	b, ds := f.caseBehaviors()

	res, err := b.Save(context.Background(), model.DTO{"description": "no title"}, ds, api.DataSourceParameters{})
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, api.ReasonInvalid, res.Reason)
	require.Len(t, res.Issues, 1)
	assert.Equal(t, "title", res.Issues[0].Property)
	assert.Equal(t, "Title is required.", res.Issues[0].Message)

	n, err := f.store.Count(context.Background(), f.caseM, store.Query{})
	require.NoError(t, err)
	assert.Zero(t, n, "nothing reaches the store")
}

func TestSaveUpdateValidatesOnlyPresentProperties(t *testing.T) {
	f := newFixture(t)
	b, ds := f.caseBehaviors()
	id := f.seedCase(t, "original")

	// The DTO omits title entirely; its required rule does not run.
	res, err := b.Save(context.Background(),
		model.DTO{"caseKey": id, "description": "details"}, ds, api.DataSourceParameters{})
	require.NoError(t, err)
	require.True(t, res.OK, res.Message)
	assert.Equal(t, "original", res.Object["title"])
	assert.Equal(t, "details", res.Object["description"])
}

func TestSaveSurgicalFields(t *testing.T) {
	f := newFixture(t)
	b, ds := f.caseBehaviors()
	id := f.seedCase(t, "original")

	res, err := b.Save(context.Background(),
		model.DTO{"caseKey": id, "title": "changed", "description": "also changed"},
		ds, api.DataSourceParameters{Fields: []string{"title"}})
	require.NoError(t, err)
	require.True(t, res.OK, res.Message)
	assert.Equal(t, "changed", res.Object["title"])
	assert.NotEqual(t, "also changed", res.Object["description"], "unlisted field untouched")
}

func TestSaveUpdateMissingRowFails(t *testing.T) {
	f := newFixture(t)
	b, ds := f.caseBehaviors()

	res, err := b.Save(context.Background(), model.DTO{"caseKey": int64(99), "title": "x"}, ds, api.DataSourceParameters{})
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, api.ReasonNotFound, res.Reason)
}

func TestBeforeSaveRejectionPreventsPersistence(t *testing.T) {
	f := newFixture(t)
	b, ds := f.caseBehaviors()
	b.BeforeSaveFn = func(ctx context.Context, kind api.SaveKind, oldItem, item *model.Record, p api.DataSourceParameters) HookResult {
		return api.Failure[*model.Record](api.ReasonForbidden, "Cases are read-only today.")
	}

	res, err := b.Save(context.Background(), model.DTO{"title": "blocked"}, ds, api.DataSourceParameters{})
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, api.ReasonForbidden, res.Reason)
	assert.Equal(t, "Cases are read-only today.", res.Message)
	assert.Zero(t, f.store.Upserts, "rejected save never reaches the store")
}

func TestBeforeSaveOverridesClientValues(t *testing.T) {
	f := newFixture(t)
	b, ds := f.caseBehaviors()
	b.BeforeSaveFn = func(ctx context.Context, kind api.SaveKind, oldItem, item *model.Record, p api.DataSourceParameters) HookResult {
		_ = item.Set("description", "server-stamped")
		return api.OK(item)
	}

	res, err := b.Save(context.Background(),
		model.DTO{"title": "t", "description": "client value"}, ds, api.DataSourceParameters{})
	require.NoError(t, err)
	require.True(t, res.OK, res.Message)
	assert.Equal(t, "server-stamped", res.Object["description"])
}

func TestSaveResponseReflectsDataSourceTransform(t *testing.T) {
	f := newFixture(t)
	b, ds := f.caseBehaviors()
	ds.TransformFn = func(ctx context.Context, results []*model.Record, p api.DataSourceParameters) error {
		for _, rec := range results {
			_ = rec.Set("description", "transformed")
		}
		return nil
	}

	res, err := b.Save(context.Background(), model.DTO{"title": "t"}, ds, api.DataSourceParameters{})
	require.NoError(t, err)
	require.True(t, res.OK, res.Message)
	// The saved row is re-read through the data source, so its transform
	// shapes the response without being persisted.
	assert.Equal(t, "transformed", res.Object["description"])
	stored, err := f.store.Get(context.Background(), f.caseM, res.Object["caseKey"])
	require.NoError(t, err)
	assert.Nil(t, stored.Get("description"))
}

func TestAfterSaveFailureDoesNotRollBack(t *testing.T) {
	f := newFixture(t)
	b, ds := f.caseBehaviors()
	b.AfterSaveFn = func(ctx context.Context, item *model.Record, tree *model.IncludeTree) (HookResult, *model.IncludeTree) {
		return api.Failure[*model.Record](api.ReasonInvalid, "post-save check failed"), tree
	}

	res, err := b.Save(context.Background(), model.DTO{"title": "kept"}, ds, api.DataSourceParameters{})
	require.NoError(t, err)
	assert.False(t, res.OK)

	n, err := f.store.Count(context.Background(), f.caseM, store.Query{})
	require.NoError(t, err)
	assert.Equal(t, 1, n, "the save itself already committed")
}

func TestValidatorTag(t *testing.T) {
	reg := meta.NewRegistry()
	reg.MustRegister(&meta.Model{
		Name: "Contact",
		Props: []*meta.Property{
			{Name: "contactId", Type: meta.TypeNumber, Role: meta.RolePrimaryKey},
			{Name: "email", DisplayName: "Email", Type: meta.TypeString, Role: meta.RoleValue,
				ValidateTag: "email"},
		},
	})
	require.NoError(t, reg.Solidify())
	contact, err := reg.Model("Contact")
	require.NoError(t, err)

	st := storetest.NewMemory()
	b := NewStandard(contact, st, nil)
	ds := NewStandardSource(contact, st, nil)

	res, err := b.Save(context.Background(), model.DTO{"email": "not-an-email"}, ds, api.DataSourceParameters{})
	require.NoError(t, err)
	assert.False(t, res.OK)
	require.Len(t, res.Issues, 1)
	assert.Equal(t, "email", res.Issues[0].Property)

	res, err = b.Save(context.Background(), model.DTO{"email": "a@example.com"}, ds, api.DataSourceParameters{})
	require.NoError(t, err)
	assert.True(t, res.OK, res.Message)
}

func TestSaveRetriesTransientFailures(t *testing.T) {
	f := newFixture(t)
	b, ds := f.caseBehaviors()
	f.store.FailUpserts = 1

	res, err := b.Save(context.Background(), model.DTO{"title": "eventually"}, ds, api.DataSourceParameters{})
	require.NoError(t, err)
	require.True(t, res.OK, res.Message)
	assert.Equal(t, 2, f.store.Upserts, "first attempt failed, retry succeeded")
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	b, ds := f.caseBehaviors()
	id := f.seedCase(t, "doomed")

	res, err := b.Delete(context.Background(), id, ds, api.DataSourceParameters{})
	require.NoError(t, err)
	require.True(t, res.OK, res.Message)
	assert.Nil(t, res.Object, "hard delete returns no object")

	_, err = f.store.Get(context.Background(), f.caseM, id)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteMissingRow(t *testing.T) {
	f := newFixture(t)
	b, ds := f.caseBehaviors()

	res, err := b.Delete(context.Background(), int64(42), ds, api.DataSourceParameters{})
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, api.ReasonNotFound, res.Reason)
}

func TestBeforeDeleteRejection(t *testing.T) {
	f := newFixture(t)
	b, ds := f.caseBehaviors()
	id := f.seedCase(t, "protected")
	b.BeforeDeleteFn = func(ctx context.Context, item *model.Record, p api.DataSourceParameters) HookResult {
		return api.Failure[*model.Record](api.ReasonForbidden, "Cannot delete protected cases.")
	}

	res, err := b.Delete(context.Background(), id, ds, api.DataSourceParameters{})
	require.NoError(t, err)
	assert.False(t, res.OK)

	_, err = f.store.Get(context.Background(), f.caseM, id)
	assert.NoError(t, err, "row survives the rejected delete")
}

func TestSoftDeleteReturnsFlaggedRow(t *testing.T) {
	reg := meta.NewRegistry()
	reg.MustRegister(&meta.Model{
		Name: "Note",
		Props: []*meta.Property{
			{Name: "noteId", Type: meta.TypeNumber, Role: meta.RolePrimaryKey},
			{Name: "body", Type: meta.TypeString, Role: meta.RoleValue},
			{Name: "archived", Type: meta.TypeBoolean, Role: meta.RoleValue},
		},
	})
	require.NoError(t, reg.Solidify())
	note, err := reg.Model("Note")
	require.NoError(t, err)

	st := storetest.NewMemory()
	b := NewStandard(note, st, nil)
	ds := NewStandardSource(note, st, nil)
	b.ExecuteDeleteFn = func(ctx context.Context, item *model.Record) error {
		_ = item.Set("archived", true)
		return st.Transact(ctx, func(tx store.Tx) error {
			_, err := tx.Upsert(ctx, item)
			return err
		})
	}
	// The post-delete fetch goes through the normal source, which still
	// sees the archived row.
	b.PostDeleteSource = ds

	rec := model.NewRecord(note)
	require.NoError(t, rec.Set("body", "keep me"))
	id := st.Seed(rec)

	res, err := b.Delete(context.Background(), id, ds, api.DataSourceParameters{})
	require.NoError(t, err)
	require.True(t, res.OK, res.Message)
	require.NotNil(t, res.Object, "soft delete returns the surviving row")
	assert.Equal(t, true, res.Object["archived"])
}

func TestExecuteSaveUsesAmbientTransaction(t *testing.T) {
	f := newFixture(t)
	b, _ := f.caseBehaviors()

	rec := model.NewRecord(f.caseM)
	require.NoError(t, rec.Set("title", "in-tx"))

	err := f.store.Transact(context.Background(), func(tx store.Tx) error {
		ctx := store.WithTx(context.Background(), tx)
		key, err := b.executeSave(ctx, api.SaveKindCreate, rec)
		if err != nil {
			return err
		}
		// The write is visible through the same transaction.
		_, err = store.ReaderFor(ctx, f.store).Get(ctx, f.caseM, key)
		return err
	})
	require.NoError(t, err)
}

func TestSaveStoreErrorPropagates(t *testing.T) {
	f := newFixture(t)
	b, ds := f.caseBehaviors()
	boom := errors.New("disk on fire")
	b.ExecuteSaveFn = func(ctx context.Context, kind api.SaveKind, item *model.Record) (any, error) {
		return nil, boom
	}

	_, err := b.Save(context.Background(), model.DTO{"title": "t"}, ds, api.DataSourceParameters{})
	assert.ErrorIs(t, err, boom)
}
