// Package cli implements the loom command-line interface: storage
// initialization plus generic metadata-driven CRUD and bulk operations
// over the models registered with the runtime.
package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/loomstack/loom/internal/paths"
	"github.com/loomstack/loom/internal/sqlite"
	"github.com/loomstack/loom/pkg/api"
	"github.com/loomstack/loom/pkg/behaviors"
	"github.com/loomstack/loom/pkg/bulk"
	"github.com/loomstack/loom/pkg/meta"
	"github.com/loomstack/loom/pkg/vm"
)

// Exit codes.
const (
	exitSuccess   = 0
	exitUserError = 1
	exitSysError  = 2
)

// rootFlags holds global flag values accessible to all subcommands.
type rootFlags struct {
	configDir string
	dataDir   string
	verbose   bool
}

var flags rootFlags

// NewRootCmd creates the top-level "loom" command with global flags and
// all subcommands registered.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "loom",
		Short: "Metadata-driven CRUD over a local store",
		Long: "Loom manages entities described by a model registry: generic\n" +
			"save, load, list, and delete operations plus atomic bulk saves\n" +
			"of whole object graphs.",
		// Do not print usage on errors returned by subcommands.
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flags.configDir, "config-dir", "", "configuration directory (default: .loom)")
	root.PersistentFlags().StringVar(&flags.dataDir, "data-dir", "", "data directory (default: .loom-db)")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "log engine activity to stderr")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newInitCmd())
	root.AddCommand(newModelsCmd())
	root.AddCommand(newGetCmd())
	root.AddCommand(newListCmd())
	root.AddCommand(newSaveCmd())
	root.AddCommand(newDeleteCmd())
	root.AddCommand(newBulkCmd())

	return root
}

// Execute runs the root command and exits with the appropriate code.
func Execute() {
	root := NewRootCmd()
	if err := root.Execute(); err != nil {
		os.Exit(exitUserError)
	}
}

// resolveConfigDir returns the config directory from flag, env, or the
// CWD-relative default.
func resolveConfigDir() string {
	if flags.configDir != "" {
		return flags.configDir
	}
	if v := os.Getenv(paths.EnvConfigDir); v != "" {
		return v
	}
	return paths.DefaultConfigDirName
}

// loadDataDir resolves the data directory: flag, then config.yaml, then
// env, then the CWD-relative default.
func loadDataDir(configDir string) (string, error) {
	configValue := ""
	v := viper.New()
	v.SetConfigFile(filepath.Join(configDir, "config.yaml"))
	if err := v.ReadInConfig(); err == nil {
		configValue = v.GetString("data_dir")
	}
	return paths.ResolveDataDir(flags.dataDir, configValue)
}

// exitError prints the error to stderr and exits with the given code.
func exitError(cmd *cobra.Command, code int, msg string) error {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(code)
	return nil // unreachable
}

func newLogger() *zap.Logger {
	if !flags.verbose {
		return zap.NewNop()
	}
	log, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return log
}

// env is the wired runtime behind every entity command: the registry, the
// open store, and the provider functions the pipeline consumes.
type env struct {
	reg    *meta.Registry
	store  *sqlite.Store
	client vm.Client
	log    *zap.Logger
}

// openEnv opens the configured database and wires the standard providers
// over it.
func openEnv() (*env, error) {
	configDir := resolveConfigDir()
	dataDir, err := loadDataDir(configDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	log := newLogger()
	reg := DomainRegistry()
	st, err := sqlite.Open(filepath.Join(dataDir, "loom.db"), reg, log)
	if err != nil {
		return nil, err
	}

	sources := func(m *meta.Model) api.DataSource { return behaviors.NewStandardSource(m, st, log) }
	behav := func(m *meta.Model) api.Behaviors { return behaviors.NewStandard(m, st, log) }
	client := vm.NewLocal(sources, behav, bulk.NewExecutor(reg, st, sources, behav, log))

	return &env{reg: reg, store: st, client: client, log: log}, nil
}

func (e *env) close() {
	_ = e.store.Close()
	_ = e.log.Sync()
}

func (e *env) model(name string) (*meta.Model, error) {
	m, err := e.reg.Model(name)
	if err != nil {
		return nil, fmt.Errorf("unknown model %q (try \"loom models\")", name)
	}
	return m, nil
}
