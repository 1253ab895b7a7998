package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomstack/loom/pkg/meta"
	"github.com/loomstack/loom/pkg/meta/metatest"
	"github.com/loomstack/loom/pkg/model"
	"github.com/loomstack/loom/pkg/rules"
	"github.com/loomstack/loom/pkg/store"
)

func openStore(t *testing.T, reg *meta.Registry) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "loom.db"), reg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func mustModel(t *testing.T, reg *meta.Registry, name string) *meta.Model {
	t.Helper()
	m, err := reg.Model(name)
	require.NoError(t, err)
	return m
}

func upsert(t *testing.T, s *Store, rec *model.Record) any {
	t.Helper()
	var key any
	err := s.Transact(context.Background(), func(tx store.Tx) error {
		var err error
		key, err = tx.Upsert(context.Background(), rec)
		return err
	})
	require.NoError(t, err)
	return key
}

func TestUpsertAssignsIntegerKey(t *testing.T) {
	reg := metatest.NewRegistry()
	s := openStore(t, reg)
	caseM := mustModel(t, reg, "Case")

	rec := model.NewRecord(caseM)
	require.NoError(t, rec.Set("title", "first"))
	key := upsert(t, s, rec)

	require.IsType(t, int64(0), key)
	assert.Equal(t, key, rec.Key(), "assigned key lands on the record")

	got, err := s.Get(context.Background(), caseM, key)
	require.NoError(t, err)
	assert.Equal(t, "first", got.Get("title"))
}

func TestUpsertAssignsUUIDStringKey(t *testing.T) {
	reg := meta.NewRegistry()
	reg.MustRegister(&meta.Model{
		Name: "Document",
		Props: []*meta.Property{
			{Name: "documentId", Type: meta.TypeString, Role: meta.RolePrimaryKey},
			{Name: "body", Type: meta.TypeString, Role: meta.RoleValue},
		},
	})
	require.NoError(t, reg.Solidify())
	s := openStore(t, reg)
	doc := mustModel(t, reg, "Document")

	rec := model.NewRecord(doc)
	require.NoError(t, rec.Set("body", "hello"))
	key := upsert(t, s, rec)

	ks, ok := key.(string)
	require.True(t, ok)
	assert.Len(t, ks, 36, "UUID-shaped key")

	got, err := s.Get(context.Background(), doc, ks)
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Get("body"))
}

func TestUpsertUpdatesExistingRow(t *testing.T) {
	reg := metatest.NewRegistry()
	s := openStore(t, reg)
	caseM := mustModel(t, reg, "Case")

	rec := model.NewRecord(caseM)
	require.NoError(t, rec.Set("title", "before"))
	key := upsert(t, s, rec)

	require.NoError(t, rec.Set("title", "after"))
	key2 := upsert(t, s, rec)
	assert.Equal(t, key, key2)

	got, err := s.Get(context.Background(), caseM, key)
	require.NoError(t, err)
	assert.Equal(t, "after", got.Get("title"))

	n, err := s.Count(context.Background(), caseM, store.Query{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestUpsertExplicitKeyInserts(t *testing.T) {
	reg := metatest.NewRegistry()
	s := openStore(t, reg)
	caseM := mustModel(t, reg, "Case")

	rec := model.NewRecord(caseM)
	rec.SetKey(int64(42))
	require.NoError(t, rec.Set("title", "keyed"))
	key := upsert(t, s, rec)
	assert.EqualValues(t, 42, key)

	got, err := s.Get(context.Background(), caseM, int64(42))
	require.NoError(t, err)
	assert.Equal(t, "keyed", got.Get("title"))
}

func TestGetMissingRow(t *testing.T) {
	reg := metatest.NewRegistry()
	s := openStore(t, reg)
	caseM := mustModel(t, reg, "Case")

	_, err := s.Get(context.Background(), caseM, int64(9))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestListFilterSearchAndPaging(t *testing.T) {
	reg := metatest.NewRegistry()
	s := openStore(t, reg)
	person := mustModel(t, reg, "Person")

	for _, row := range []struct {
		name    string
		company int64
	}{
		{"Ada", 1}, {"Bea", 1}, {"Cal", 2}, {"Dee", 1},
	} {
		rec := model.NewRecord(person)
		require.NoError(t, rec.Set("name", row.name))
		require.NoError(t, rec.Set("companyId", row.company))
		upsert(t, s, rec)
	}

	// Equality filter.
	recs, err := s.List(context.Background(), person, store.Query{
		Filter: map[string]any{"companyId": int64(1)},
	})
	require.NoError(t, err)
	assert.Len(t, recs, 3)

	// Substring search over string value columns.
	recs, err = s.List(context.Background(), person, store.Query{Search: "e"})
	require.NoError(t, err)
	assert.Len(t, recs, 2, "Bea and Dee match")

	// Ordering and paging.
	recs, err = s.List(context.Background(), person, store.Query{
		OrderBy: "name", Descending: true, Limit: 2, Offset: 1,
	})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "Cal", recs[0].Get("name"))
	assert.Equal(t, "Bea", recs[1].Get("name"))

	// Unknown filter and order properties are rejected.
	_, err = s.List(context.Background(), person, store.Query{Filter: map[string]any{"nope": 1}})
	assert.ErrorIs(t, err, meta.ErrPropNotFound)
	_, err = s.List(context.Background(), person, store.Query{OrderBy: "nope"})
	assert.ErrorIs(t, err, meta.ErrPropNotFound)

	n, err := s.Count(context.Background(), person, store.Query{
		Filter: map[string]any{"companyId": int64(2)},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDelete(t *testing.T) {
	reg := metatest.NewRegistry()
	s := openStore(t, reg)
	caseM := mustModel(t, reg, "Case")

	rec := model.NewRecord(caseM)
	require.NoError(t, rec.Set("title", "doomed"))
	key := upsert(t, s, rec)

	err := s.Transact(context.Background(), func(tx store.Tx) error {
		return tx.Delete(context.Background(), caseM, key)
	})
	require.NoError(t, err)

	_, err = s.Get(context.Background(), caseM, key)
	assert.ErrorIs(t, err, store.ErrNotFound)

	err = s.Transact(context.Background(), func(tx store.Tx) error {
		return tx.Delete(context.Background(), caseM, key)
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTransactRollsBackOnError(t *testing.T) {
	reg := metatest.NewRegistry()
	s := openStore(t, reg)
	caseM := mustModel(t, reg, "Case")

	boom := errors.New("abort")
	err := s.Transact(context.Background(), func(tx store.Tx) error {
		rec := model.NewRecord(caseM)
		if err := rec.Set("title", "phantom"); err != nil {
			return err
		}
		if _, err := tx.Upsert(context.Background(), rec); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	n, err := s.Count(context.Background(), caseM, store.Query{})
	require.NoError(t, err)
	assert.Zero(t, n, "rolled-back insert leaves no row")
}

func TestTransactReadsOwnWrites(t *testing.T) {
	reg := metatest.NewRegistry()
	s := openStore(t, reg)
	caseM := mustModel(t, reg, "Case")

	err := s.Transact(context.Background(), func(tx store.Tx) error {
		rec := model.NewRecord(caseM)
		if err := rec.Set("title", "visible"); err != nil {
			return err
		}
		key, err := tx.Upsert(context.Background(), rec)
		if err != nil {
			return err
		}
		got, err := tx.Get(context.Background(), caseM, key)
		if err != nil {
			return err
		}
		assert.Equal(t, "visible", got.Get("title"))
		return nil
	})
	require.NoError(t, err)
}

func TestColumnRoundTrip(t *testing.T) {
	reg := meta.NewRegistry()
	reg.MustRegister(&meta.Model{
		Name: "Event",
		Props: []*meta.Property{
			{Name: "eventId", Type: meta.TypeNumber, Role: meta.RolePrimaryKey},
			{Name: "title", Type: meta.TypeString, Role: meta.RoleValue,
				Rules: []rules.Rule{rules.Required("Title")}},
			{Name: "startsAt", Type: meta.TypeDate, Role: meta.RoleValue},
			{Name: "allDay", Type: meta.TypeBoolean, Role: meta.RoleValue},
			{Name: "payload", Type: meta.TypeObject, Role: meta.RoleValue},
		},
	})
	require.NoError(t, reg.Solidify())
	s := openStore(t, reg)
	event := mustModel(t, reg, "Event")

	when := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	rec := model.NewRecord(event)
	require.NoError(t, rec.Set("title", "launch"))
	require.NoError(t, rec.Set("startsAt", when))
	require.NoError(t, rec.Set("allDay", true))
	require.NoError(t, rec.Set("payload", map[string]any{"venue": "hq"}))
	key := upsert(t, s, rec)

	got, err := s.Get(context.Background(), event, key)
	require.NoError(t, err)

	gotTime, ok := got.Get("startsAt").(time.Time)
	require.True(t, ok)
	assert.True(t, when.Equal(gotTime))
	assert.Equal(t, true, got.Get("allDay"))
	payload, ok := got.Get("payload").(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "hq", payload["venue"])
}
