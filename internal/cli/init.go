package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// configFile is the on-disk shape of config.yaml.
type configFile struct {
	DataDir string `yaml:"data_dir"`
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the configuration and data directories and the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			configDir := resolveConfigDir()
			if err := os.MkdirAll(configDir, 0o755); err != nil {
				return exitError(cmd, exitSysError, fmt.Sprintf("create config directory: %v", err))
			}

			dataDir, err := loadDataDir(configDir)
			if err != nil {
				return exitError(cmd, exitSysError, err.Error())
			}
			if err := writeConfigIfMissing(configDir, dataDir); err != nil {
				return exitError(cmd, exitSysError, err.Error())
			}

			// Opening the store creates the schema for every registered model.
			e, err := openEnv()
			if err != nil {
				return exitError(cmd, exitSysError, err.Error())
			}
			defer e.close()

			fmt.Fprintf(cmd.OutOrStdout(), "initialized\nconfig: %s\ndata:   %s\n",
				filepath.Join(configDir, "config.yaml"), dataDir)
			return nil
		},
	}
}

// writeConfigIfMissing writes config.yaml unless one already exists, so
// re-running init never clobbers user edits.
func writeConfigIfMissing(configDir, dataDir string) error {
	path := filepath.Join(configDir, "config.yaml")
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	data, err := yaml.Marshal(configFile{DataDir: dataDir})
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
