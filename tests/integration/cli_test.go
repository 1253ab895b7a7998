// CLI integration tests for loom: initialization, entity lifecycle, and
// bulk batches through the built binary.
package integration

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// TestMain builds the loom binary once before running tests.
func TestMain(m *testing.M) {
	projectRoot, err := FindProjectRoot()
	if err != nil {
		SetBuildErr(err)
		os.Exit(1)
	}

	tmpDir, err := os.MkdirTemp("", "loom-test-*")
	if err != nil {
		SetBuildErr(err)
		os.Exit(1)
	}
	binPath := filepath.Join(tmpDir, "loom")
	SetLoomBin(binPath)

	cmd := exec.Command("go", "build", "-o", binPath, "./cmd/loom")
	cmd.Dir = projectRoot
	if output, err := cmd.CombinedOutput(); err != nil {
		SetBuildErr(&BuildError{
			Err:    err,
			Output: string(output),
		})
		os.Exit(1)
	}

	code := m.Run()

	os.RemoveAll(tmpDir)

	os.Exit(code)
}

// Test1_Initialize verifies loom initialization creates the config file
// and the database.
func Test1_Initialize(t *testing.T) {
	env := NewTestEnv(t)

	result := env.MustRunLoom("init")
	if result.Stdout == "" {
		t.Error("expected init output message")
	}

	if _, err := os.Stat(env.DataDir); os.IsNotExist(err) {
		t.Error("data directory not created")
	}
	if _, err := os.Stat(filepath.Join(env.DataDir, "loom.db")); os.IsNotExist(err) {
		t.Error("loom.db not created")
	}
}

// Test2_EntityLifecycle verifies create, read, update, and delete through
// the CLI.
func Test2_EntityLifecycle(t *testing.T) {
	env := NewTestEnv(t)
	env.MustRunLoom("init")

	// Create.
	result := env.MustRunLoom("save", "Project", `{"name":"Skunkworks","description":"secret"}`)
	created := ParseJSON[SaveResult](t, result.Stdout)
	if !created.OK {
		t.Fatalf("save failed: %s", created.Message)
	}
	key := created.Object["projectId"]
	if key == nil {
		t.Fatal("projectId not assigned")
	}
	id := fmt.Sprintf("%v", key)
	id = strings.TrimSuffix(id, ".0") // JSON numbers decode as float64

	// Read it back.
	result = env.MustRunLoom("get", "Project", id)
	got := ParseJSON[SaveResult](t, result.Stdout)
	if got.Object["name"] != "Skunkworks" {
		t.Errorf("name mismatch: got %q", got.Object["name"])
	}

	// Surgical update: only the named field changes.
	env.MustRunLoom("save", "Project", "--field", "name",
		`{"projectId":`+id+`,"name":"Renamed","description":"overwritten?"}`)
	result = env.MustRunLoom("get", "Project", id)
	got = ParseJSON[SaveResult](t, result.Stdout)
	if got.Object["name"] != "Renamed" {
		t.Errorf("update did not apply: got %q", got.Object["name"])
	}
	if got.Object["description"] != "secret" {
		t.Errorf("surgical save clobbered description: got %q", got.Object["description"])
	}

	// Delete, then the row is gone.
	env.MustRunLoom("delete", "Project", id)
	result = env.RunLoom("get", "Project", id)
	if result.ExitCode == 0 {
		t.Error("expected non-zero exit for missing row")
	}
}

// Test3_ValidationFailure verifies rule failures surface as issues and a
// non-zero exit, and that nothing persists.
func Test3_ValidationFailure(t *testing.T) {
	env := NewTestEnv(t)
	env.MustRunLoom("init")

	result := env.RunLoom("save", "Project", `{"description":"nameless"}`)
	if result.ExitCode == 0 {
		t.Fatal("expected non-zero exit for validation failure")
	}
	res := ParseJSON[SaveResult](t, result.Stdout)
	if res.OK {
		t.Error("result should not be OK")
	}
	if res.Status != 400 {
		t.Errorf("status: got %d, want 400", res.Status)
	}
	if len(res.Issues) == 0 {
		t.Error("expected field-level issues")
	}

	listRes := env.MustRunLoom("list", "Project")
	list := ParseJSON[ListResult](t, listRes.Stdout)
	if list.TotalCount != 0 {
		t.Errorf("invalid save persisted a row: total %d", list.TotalCount)
	}
}

// Test4_ListFilterAndPaging verifies equality filters, search, ordering,
// and page math through the CLI.
func Test4_ListFilterAndPaging(t *testing.T) {
	env := NewTestEnv(t)
	env.MustRunLoom("init")

	for _, name := range []string{"alpha", "beta", "gamma", "delta"} {
		env.MustRunLoom("save", "Project", `{"name":"`+name+`"}`)
	}

	result := env.MustRunLoom("list", "Project", "--search", "eta")
	list := ParseJSON[ListResult](t, result.Stdout)
	if len(list.List) != 2 {
		t.Errorf("search: got %d rows, want 2 (beta, delta)", len(list.List))
	}

	result = env.MustRunLoom("list", "Project", "--order-by", "name", "--page-size", "3", "--page", "2")
	list = ParseJSON[ListResult](t, result.Stdout)
	if len(list.List) != 1 {
		t.Fatalf("page 2: got %d rows, want 1", len(list.List))
	}
	if list.List[0]["name"] != "gamma" {
		t.Errorf("page 2 row: got %q, want gamma", list.List[0]["name"])
	}
	if list.TotalCount != 4 {
		t.Errorf("total: got %d, want 4", list.TotalCount)
	}
}

// Test5_BulkBatch verifies a cross-referencing batch commits atomically
// and resolves batch-local refs to assigned keys.
func Test5_BulkBatch(t *testing.T) {
	env := NewTestEnv(t)
	env.MustRunLoom("init")

	batch := `{
	  "items": [
	    {"type": "Project", "data": {"name": "Apollo"}, "refs": {"projectId": 1}, "root": true},
	    {"type": "Task", "data": {"title": "design"}, "refs": {"taskId": 2, "projectId": 1}},
	    {"type": "Task", "data": {"title": "build"}, "refs": {"taskId": 3, "projectId": 1}}
	  ]
	}`
	batchPath := filepath.Join(env.TempDir, "batch.json")
	if err := os.WriteFile(batchPath, []byte(batch), 0644); err != nil {
		t.Fatal(err)
	}

	result := env.MustRunLoom("bulk", "--file", batchPath)
	res := ParseJSON[SaveResult](t, result.Stdout)
	if !res.OK {
		t.Fatalf("bulk failed: %s", res.Message)
	}
	if res.Object["name"] != "Apollo" {
		t.Errorf("root object: got %v", res.Object)
	}
	if len(res.RefMap) != 3 {
		t.Fatalf("refMap: got %d entries, want 3", len(res.RefMap))
	}

	listRes := env.MustRunLoom("list", "Task", "--filter",
		"projectId="+strings.TrimSuffix(fmt.Sprintf("%v", res.RefMap["1"]), ".0"))
	list := ParseJSON[ListResult](t, listRes.Stdout)
	if list.TotalCount != 2 {
		t.Errorf("tasks under project: got %d, want 2", list.TotalCount)
	}
}

// Test6_BulkRollback verifies one bad item aborts the whole batch.
func Test6_BulkRollback(t *testing.T) {
	env := NewTestEnv(t)
	env.MustRunLoom("init")

	batch := `{
	  "items": [
	    {"type": "Project", "data": {"name": "Doomed"}, "refs": {"projectId": 1}, "root": true},
	    {"type": "Task", "data": {}, "refs": {"taskId": 2, "projectId": 1}}
	  ]
	}`
	batchPath := filepath.Join(env.TempDir, "batch.json")
	if err := os.WriteFile(batchPath, []byte(batch), 0644); err != nil {
		t.Fatal(err)
	}

	result := env.RunLoom("bulk", "--file", batchPath)
	if result.ExitCode == 0 {
		t.Fatal("expected non-zero exit for failed batch")
	}

	for _, model := range []string{"Project", "Task"} {
		listRes := env.MustRunLoom("list", model)
		list := ParseJSON[ListResult](t, listRes.Stdout)
		if list.TotalCount != 0 {
			t.Errorf("%s rows persisted after rollback: %d", model, list.TotalCount)
		}
	}
}

// Test7_Version verifies the version command.
func Test7_Version(t *testing.T) {
	env := NewTestEnv(t)

	result := env.MustRunLoom("version")
	if !strings.Contains(result.Stdout, "loom v") {
		t.Errorf("unexpected version output: %q", result.Stdout)
	}
}
