package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/fieldsync/internal/paths"
	"github.com/mesh-intelligence/fieldsync/internal/storage"
	"github.com/mesh-intelligence/fieldsync/pkg/types"
)

type initResult struct {
	ConfigFile string `json:"config_file"`
	Backend    string `json:"backend"`
	DataDir    string `json:"data_dir"`
}

func newInitCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the configuration and the local store",
		Long: "Write a default config.yaml if none exists, then create the data directory\n" +
			"and initialize the configured backend. Safe to run more than once.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd, f)
		},
	}
}

func runInit(cmd *cobra.Command, f *rootFlags) error {
	configDir, err := paths.ResolveConfigDir(f.configDir)
	if err != nil {
		return sysError(fmt.Errorf("resolve config dir: %w", err))
	}
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return sysError(fmt.Errorf("create config dir: %w", err))
	}

	// An explicit --data-dir is recorded so later runs find the store.
	defaults := types.DefaultConfig()
	if f.dataDir != "" {
		if defaults.DataDir, err = filepath.Abs(f.dataDir); err != nil {
			return sysError(fmt.Errorf("resolve data dir: %w", err))
		}
	}
	configFile := filepath.Join(configDir, configFileExt)
	if err := writeConfigIfMissing(configFile, defaults); err != nil {
		return sysError(fmt.Errorf("write config: %w", err))
	}

	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}
	store, err := storage.New(cfg)
	if err != nil {
		return userError(err)
	}
	if err := store.Open(cmd.Context(), types.DefaultSchema()); err != nil {
		return sysError(fmt.Errorf("initialize storage: %w", err))
	}
	if err := store.Close(); err != nil {
		return sysError(fmt.Errorf("finalize storage: %w", err))
	}

	res := initResult{ConfigFile: configFile, Backend: cfg.Backend, DataDir: cfg.DataDir}
	return output(cmd, f, res, func(w io.Writer) {
		fmt.Fprintf(w, "fieldsync initialized (%s backend at %s)\n", res.Backend, res.DataDir)
	})
}
