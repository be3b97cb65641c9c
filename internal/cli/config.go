package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/mesh-intelligence/fieldsync/internal/paths"
	"github.com/mesh-intelligence/fieldsync/pkg/types"
)

const (
	configFileName = "config"
	configFileType = "yaml"
	configFileExt  = "config.yaml"
	envPrefix      = "FIELDSYNC"
)

// envKeys are the settings FIELDSYNC_* variables may override, e.g.
// FIELDSYNC_REMOTE_URL. data_dir is left out: its environment variable
// ranks below config.yaml and is handled by paths.ResolveDataDir.
var envKeys = []string{
	"backend",
	"remote.url",
	"remote.api_key",
	"remote.timeout",
	"realtime.url",
	"sync.action_timeout",
	"sync.dead_letter_unknown",
	"cache.compress",
	"log.level",
	"log.format",
	"metrics.addr",
}

const configHeader = "# fieldsync configuration\n# Every key can be omitted; defaults apply.\n\n"

// loadConfig resolves the config directory, writes a default config.yaml
// on first run, and returns the merged configuration with DataDir
// resolved. Defaults < config.yaml < FIELDSYNC_* < flags.
func loadConfig(f *rootFlags) (types.Config, error) {
	configDir, err := paths.ResolveConfigDir(f.configDir)
	if err != nil {
		return types.Config{}, sysError(fmt.Errorf("resolve config dir: %w", err))
	}
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return types.Config{}, sysError(fmt.Errorf("create config dir: %w", err))
	}
	if err := writeConfigIfMissing(filepath.Join(configDir, configFileExt), types.DefaultConfig()); err != nil {
		return types.Config{}, sysError(fmt.Errorf("write default config: %w", err))
	}

	v := viper.New()
	setDefaults(v, types.DefaultConfig())
	v.SetConfigName(configFileName)
	v.SetConfigType(configFileType)
	v.AddConfigPath(configDir)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, k := range envKeys {
		if err := v.BindEnv(k); err != nil {
			return types.Config{}, sysError(fmt.Errorf("bind %s: %w", k, err))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return types.Config{}, userError(fmt.Errorf("read config: %w", err))
		}
	}

	var cfg types.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return types.Config{}, userError(fmt.Errorf("decode config: %w", err))
	}
	if cfg.DataDir, err = paths.ResolveDataDir(f.dataDir, cfg.DataDir); err != nil {
		return types.Config{}, sysError(fmt.Errorf("resolve data dir: %w", err))
	}
	if err := cfg.Validate(); err != nil {
		return types.Config{}, userError(fmt.Errorf("invalid config: %w", err))
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d types.Config) {
	v.SetDefault("backend", d.Backend)
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("remote.url", d.Remote.URL)
	v.SetDefault("remote.api_key", d.Remote.APIKey)
	v.SetDefault("remote.rest_path", d.Remote.RESTPath)
	v.SetDefault("remote.timeout", d.Remote.Timeout)
	v.SetDefault("realtime.url", d.Realtime.URL)
	v.SetDefault("realtime.reconnect_min", d.Realtime.ReconnectMin)
	v.SetDefault("realtime.reconnect_max", d.Realtime.ReconnectMax)
	v.SetDefault("sync.action_timeout", d.Sync.ActionTimeout)
	v.SetDefault("sync.dead_letter_unknown", d.Sync.DeadLetterUnknown)
	v.SetDefault("cache.compress", d.Cache.Compress)
	policies := make(map[string]any, len(d.Policies))
	for table, p := range d.Policies {
		policies[table] = p
	}
	v.SetDefault("policies", policies)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("metrics.addr", d.Metrics.Addr)
}

// writeConfigIfMissing writes cfg to path unless the file exists.
func writeConfigIfMissing(path string, cfg types.Config) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat config file: %w", err)
	}

	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, append([]byte(configHeader), data...), 0o644)
}
