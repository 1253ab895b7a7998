// Package integration provides CLI and engine integration tests for loom.
package integration

import (
	"bytes"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

var (
	// loomBin is the path to the built loom binary.
	loomBin string
	// buildErr captures any build error.
	buildErr error
)

// BuildError wraps a build error with output.
type BuildError struct {
	Err    error
	Output string
}

func (e *BuildError) Error() string {
	return e.Err.Error() + ": " + e.Output
}

// FindProjectRoot finds the project root by walking up and looking for go.mod.
func FindProjectRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		goModPath := filepath.Join(dir, "go.mod")
		if _, err := os.Stat(goModPath); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", os.ErrNotExist
		}
		dir = parent
	}
}

// SetLoomBin sets the path to the loom binary (called from TestMain).
func SetLoomBin(path string) {
	loomBin = path
}

// SetBuildErr sets the build error (called from TestMain).
func SetBuildErr(err error) {
	buildErr = err
}

// TestEnv provides an isolated test environment with its own config and data directory.
type TestEnv struct {
	t       *testing.T
	TempDir string
	Config  string
	DataDir string
}

// NewTestEnv creates a new isolated test environment.
func NewTestEnv(t *testing.T) *TestEnv {
	t.Helper()

	if buildErr != nil {
		t.Fatalf("failed to build loom: %v", buildErr)
	}
	if loomBin == "" {
		t.Fatal("loom binary not built (loomBin is empty)")
	}

	tempDir := t.TempDir()
	dataDir := filepath.Join(tempDir, "data")
	configDir := filepath.Join(tempDir, "config")

	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("failed to create config dir: %v", err)
	}
	configContent := "data_dir: " + dataDir + "\n"
	if err := os.WriteFile(filepath.Join(configDir, "config.yaml"), []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	return &TestEnv{
		t:       t,
		TempDir: tempDir,
		Config:  configDir,
		DataDir: dataDir,
	}
}

// CmdResult holds the result of a loom command execution.
type CmdResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// RunLoom executes the loom CLI with the given arguments.
// Returns stdout, stderr, and exit code.
func (e *TestEnv) RunLoom(args ...string) CmdResult {
	e.t.Helper()

	allArgs := append([]string{"--config-dir", e.Config, "--data-dir", e.DataDir}, args...)
	cmd := exec.Command(loomBin, allArgs...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			e.t.Fatalf("failed to run loom: %v", err)
		}
	}

	return CmdResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode,
	}
}

// MustRunLoom executes the loom CLI and fails the test if it returns non-zero.
func (e *TestEnv) MustRunLoom(args ...string) CmdResult {
	e.t.Helper()
	result := e.RunLoom(args...)
	if result.ExitCode != 0 {
		e.t.Fatalf("loom %v failed with exit code %d:\nstdout: %s\nstderr: %s",
			args, result.ExitCode, result.Stdout, result.Stderr)
	}
	return result
}

// ParseJSON parses JSON output into the target type.
func ParseJSON[T any](t *testing.T, jsonStr string) T {
	t.Helper()
	var result T
	if err := json.Unmarshal([]byte(jsonStr), &result); err != nil {
		t.Fatalf("failed to parse JSON %q: %v", jsonStr, err)
	}
	return result
}

// Issue is one field-level validation failure in a result.
type Issue struct {
	Property string `json:"Property"`
	Message  string `json:"Message"`
}

// SaveResult is the JSON shape of a single-item CLI result.
type SaveResult struct {
	OK      bool             `json:"ok"`
	Status  int              `json:"status"`
	Message string           `json:"message"`
	Issues  []Issue          `json:"issues"`
	Object  map[string]any   `json:"object"`
	RefMap  map[string]any   `json:"refMap"`
}

// ListResult is the JSON shape of a list CLI result.
type ListResult struct {
	List       []map[string]any `json:"list"`
	Page       int              `json:"page"`
	TotalCount int              `json:"totalCount"`
}
