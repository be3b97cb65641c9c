package types

import (
	"errors"
	"fmt"
	"time"
)

// Config holds backend selection and runtime parameters.
type Config struct {
	Backend  string            `json:"backend" yaml:"backend" mapstructure:"backend"`
	DataDir  string            `json:"data_dir" yaml:"data_dir" mapstructure:"data_dir"`
	Remote   RemoteConfig      `json:"remote" yaml:"remote" mapstructure:"remote"`
	Realtime RealtimeConfig    `json:"realtime" yaml:"realtime" mapstructure:"realtime"`
	Sync     SyncConfig        `json:"sync" yaml:"sync" mapstructure:"sync"`
	Cache    CacheConfig       `json:"cache" yaml:"cache" mapstructure:"cache"`
	Policies map[string]string `json:"policies" yaml:"policies" mapstructure:"policies"`
	Log      LogConfig         `json:"log" yaml:"log" mapstructure:"log"`
	Metrics  MetricsConfig     `json:"metrics" yaml:"metrics" mapstructure:"metrics"`
}

// RemoteConfig locates the hosted relational data service.
type RemoteConfig struct {
	URL      string        `json:"url" yaml:"url" mapstructure:"url"`
	APIKey   string        `json:"api_key" yaml:"api_key" mapstructure:"api_key"`
	RESTPath string        `json:"rest_path" yaml:"rest_path" mapstructure:"rest_path"`
	Timeout  time.Duration `json:"timeout" yaml:"timeout" mapstructure:"timeout"`
}

// RealtimeConfig locates the websocket endpoint that reports connectivity
// and delivers background-sync signals.
type RealtimeConfig struct {
	URL          string        `json:"url" yaml:"url" mapstructure:"url"`
	ReconnectMin time.Duration `json:"reconnect_min" yaml:"reconnect_min" mapstructure:"reconnect_min"`
	ReconnectMax time.Duration `json:"reconnect_max" yaml:"reconnect_max" mapstructure:"reconnect_max"`
}

// SyncConfig tunes the drain of the pending-action queue.
type SyncConfig struct {
	ActionTimeout     time.Duration `json:"action_timeout" yaml:"action_timeout" mapstructure:"action_timeout"`
	DeadLetterUnknown bool          `json:"dead_letter_unknown" yaml:"dead_letter_unknown" mapstructure:"dead_letter_unknown"`
}

// CacheConfig tunes the dataset cache.
type CacheConfig struct {
	Compress bool `json:"compress" yaml:"compress" mapstructure:"compress"`
}

// LogConfig selects log level and encoding.
type LogConfig struct {
	Level  string `json:"level" yaml:"level" mapstructure:"level"`
	Format string `json:"format" yaml:"format" mapstructure:"format"`
}

// MetricsConfig sets the listen address of the metrics endpoint. Empty
// disables it.
type MetricsConfig struct {
	Addr string `json:"addr" yaml:"addr" mapstructure:"addr"`
}

// Supported backend names.
const (
	BackendSQLite = "sqlite"
	BackendJSONL  = "jsonl"
	BackendMemory = "memory"
)

// Defaults applied by DefaultConfig and by the CLI config loader.
const (
	DefaultRESTPath      = "/rest/v1"
	DefaultRemoteTimeout = 30 * time.Second
	DefaultActionTimeout = 30 * time.Second
	DefaultReconnectMin  = time.Second
	DefaultReconnectMax  = 30 * time.Second
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "json"
)

// Config validation errors.
var (
	ErrBackendEmpty     = errors.New("backend must not be empty")
	ErrBackendUnknown   = errors.New("unknown backend")
	ErrPolicyInvalid    = errors.New("invalid offline policy")
	ErrTimeoutInvalid   = errors.New("timeout must not be negative")
	ErrReconnectInvalid = errors.New("reconnect_min must not exceed reconnect_max")
	ErrLogLevelUnknown  = errors.New("unknown log level")
	ErrLogFormatUnknown = errors.New("unknown log format")
)

var knownBackends = map[string]bool{
	BackendSQLite: true,
	BackendJSONL:  true,
	BackendMemory: true,
}

var knownLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var knownLogFormats = map[string]bool{
	"json":    true,
	"console": true,
}

// DefaultConfig returns a Config with every default filled in.
func DefaultConfig() Config {
	return Config{
		Backend: BackendSQLite,
		Remote: RemoteConfig{
			RESTPath: DefaultRESTPath,
			Timeout:  DefaultRemoteTimeout,
		},
		Realtime: RealtimeConfig{
			ReconnectMin: DefaultReconnectMin,
			ReconnectMax: DefaultReconnectMax,
		},
		Sync: SyncConfig{ActionTimeout: DefaultActionTimeout},
		Policies: map[string]string{
			ProjectsDataset: string(PolicyBlock),
			JobsDataset:     string(PolicyQueue),
			TasksDataset:    string(PolicyQueue),
		},
		Log: LogConfig{Level: DefaultLogLevel, Format: DefaultLogFormat},
	}
}

// Validate checks that the Config is well-formed. It returns a sentinel
// error from this package on failure.
func (c Config) Validate() error {
	if c.Backend == "" {
		return ErrBackendEmpty
	}
	if !knownBackends[c.Backend] {
		return ErrBackendUnknown
	}
	for table, p := range c.Policies {
		if !Policy(p).Valid() {
			return fmt.Errorf("%w: %q for %s", ErrPolicyInvalid, p, table)
		}
	}
	if c.Remote.Timeout < 0 || c.Sync.ActionTimeout < 0 {
		return ErrTimeoutInvalid
	}
	if c.Realtime.ReconnectMin < 0 || c.Realtime.ReconnectMax < 0 {
		return ErrTimeoutInvalid
	}
	if c.Realtime.ReconnectMax > 0 && c.Realtime.ReconnectMin > c.Realtime.ReconnectMax {
		return ErrReconnectInvalid
	}
	if c.Log.Level != "" && !knownLogLevels[c.Log.Level] {
		return ErrLogLevelUnknown
	}
	if c.Log.Format != "" && !knownLogFormats[c.Log.Format] {
		return ErrLogFormatUnknown
	}
	return nil
}

// PolicyMap converts the configured policies into typed values.
func (c Config) PolicyMap() map[string]Policy {
	out := make(map[string]Policy, len(c.Policies))
	for table, p := range c.Policies {
		out[table] = Policy(p)
	}
	return out
}
