// Engine integration tests: the view-model layer driving the full save
// pipeline over a real SQLite database, in process.
package integration

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/loomstack/loom/internal/sqlite"
	"github.com/loomstack/loom/pkg/api"
	"github.com/loomstack/loom/pkg/behaviors"
	"github.com/loomstack/loom/pkg/bulk"
	"github.com/loomstack/loom/pkg/meta"
	"github.com/loomstack/loom/pkg/meta/metatest"
	"github.com/loomstack/loom/pkg/store"
	"github.com/loomstack/loom/pkg/vm"
)

// newEngine wires the standard pipeline over a fresh on-disk database.
func newEngine(t *testing.T) (*meta.Registry, *sqlite.Store, vm.Client) {
	t.Helper()
	reg := metatest.NewRegistry()
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "loom.db"), reg, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	sources := func(m *meta.Model) api.DataSource { return behaviors.NewStandardSource(m, st, nil) }
	behav := func(m *meta.Model) api.Behaviors { return behaviors.NewStandard(m, st, nil) }
	client := vm.NewLocal(sources, behav, bulk.NewExecutor(reg, st, sources, behav, nil))
	return reg, st, client
}

func mustModel(t *testing.T, reg *meta.Registry, name string) *meta.Model {
	t.Helper()
	m, err := reg.Model(name)
	if err != nil {
		t.Fatalf("model %s: %v", name, err)
	}
	return m
}

// TestViewModelSaveRoundTrip saves through a view model and reads the row
// back from the database.
func TestViewModelSaveRoundTrip(t *testing.T) {
	reg, st, client := newEngine(t)
	ctx := context.Background()
	caseM := mustModel(t, reg, "Case")

	v := vm.New(caseM, client, nil)
	if err := v.Set("title", "wire the engine"); err != nil {
		t.Fatal(err)
	}
	res, err := v.Save(ctx)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if !res.OK {
		t.Fatalf("save rejected: %s", res.Message)
	}
	if v.Key() == nil {
		t.Fatal("key not assigned")
	}
	if v.IsDirty() {
		t.Error("view model still dirty after save")
	}

	rec, err := st.Get(ctx, caseM, v.Key())
	if err != nil {
		t.Fatalf("get row: %v", err)
	}
	if rec.Get("title") != "wire the engine" {
		t.Errorf("title: got %q", rec.Get("title"))
	}
}

// TestBulkSaveGraphOverSQLite builds a parent with two children and bulk
// saves the graph in one transaction, verifying foreign keys resolve to
// the database-assigned parent key.
func TestBulkSaveGraphOverSQLite(t *testing.T) {
	reg, st, client := newEngine(t)
	ctx := context.Background()
	companyM := mustModel(t, reg, "Company")
	personM := mustModel(t, reg, "Person")

	company := vm.New(companyM, client, nil)
	if err := company.Set("name", "Initech"); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"Peter", "Samir"} {
		child, err := company.AddChild("employees")
		if err != nil {
			t.Fatal(err)
		}
		if err := child.Set("name", name); err != nil {
			t.Fatal(err)
		}
	}

	res, err := company.BulkSave(ctx)
	if err != nil {
		t.Fatalf("bulk save: %v", err)
	}
	if !res.OK {
		t.Fatalf("bulk save rejected: %s", res.Message)
	}
	if company.Key() == nil {
		t.Fatal("company key not assigned")
	}

	people, err := st.List(ctx, personM, store.Query{
		Filter: map[string]any{"companyId": company.Key()},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(people) != 2 {
		t.Fatalf("people under company: got %d, want 2", len(people))
	}

	// Children carry their assigned keys and are clean.
	emp := company.GetCollection("employees")
	for i := 0; i < emp.Len(); i++ {
		child := emp.At(i)
		if child.Key() == nil {
			t.Error("child key not assigned")
		}
		if child.IsDirty() {
			t.Error("child still dirty after bulk save")
		}
	}
}

// TestBulkSaveRollbackOverSQLite verifies a failing child aborts the
// whole graph, leaving no rows behind.
func TestBulkSaveRollbackOverSQLite(t *testing.T) {
	reg, st, client := newEngine(t)
	ctx := context.Background()
	companyM := mustModel(t, reg, "Company")

	company := vm.New(companyM, client, nil)
	if err := company.Set("name", "Vandelay"); err != nil {
		t.Fatal(err)
	}
	child, err := company.AddChild("employees")
	if err != nil {
		t.Fatal(err)
	}
	// Bypass client-side validation so the server rejects the child.
	child.RemoveRule("name", "required")

	res, err := company.BulkSave(ctx)
	if err != nil {
		t.Fatalf("bulk save: %v", err)
	}
	if res.OK {
		t.Fatal("expected rejection")
	}

	n, err := st.Count(ctx, companyM, store.Query{})
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("company rows persisted after rollback: %d", n)
	}
}

// TestDeleteRemovedChildrenOverSQLite verifies removing a persisted child
// and bulk saving deletes its row.
func TestDeleteRemovedChildrenOverSQLite(t *testing.T) {
	reg, st, client := newEngine(t)
	ctx := context.Background()
	companyM := mustModel(t, reg, "Company")
	personM := mustModel(t, reg, "Person")

	company := vm.New(companyM, client, nil)
	if err := company.Set("name", "Hooli"); err != nil {
		t.Fatal(err)
	}
	child, err := company.AddChild("employees")
	if err != nil {
		t.Fatal(err)
	}
	if err := child.Set("name", "Gavin"); err != nil {
		t.Fatal(err)
	}
	if res, err := company.BulkSave(ctx); err != nil || !res.OK {
		t.Fatalf("seed bulk save: err=%v ok=%v", err, err == nil)
	}

	child.Remove()
	if res, err := company.BulkSave(ctx); err != nil || !res.OK {
		t.Fatalf("delete bulk save failed")
	}

	n, err := st.Count(ctx, personM, store.Query{})
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("person rows remain after removal: %d", n)
	}
}
