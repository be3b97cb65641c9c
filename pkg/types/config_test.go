package types

import (
	"errors"
	"testing"
	"time"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr error
	}{
		{
			name:    "empty backend returns ErrBackendEmpty",
			mutate:  func(c *Config) { c.Backend = "" },
			wantErr: ErrBackendEmpty,
		},
		{
			name:    "unknown backend returns ErrBackendUnknown",
			mutate:  func(c *Config) { c.Backend = "indexeddb" },
			wantErr: ErrBackendUnknown,
		},
		{
			name:    "valid sqlite config",
			mutate:  func(c *Config) {},
			wantErr: nil,
		},
		{
			name:    "jsonl backend is valid",
			mutate:  func(c *Config) { c.Backend = BackendJSONL },
			wantErr: nil,
		},
		{
			name:    "memory backend with empty DataDir is valid",
			mutate:  func(c *Config) { c.Backend = BackendMemory; c.DataDir = "" },
			wantErr: nil,
		},
		{
			name:    "unknown policy",
			mutate:  func(c *Config) { c.Policies["jobs"] = "drop" },
			wantErr: ErrPolicyInvalid,
		},
		{
			name:    "negative action timeout",
			mutate:  func(c *Config) { c.Sync.ActionTimeout = -time.Second },
			wantErr: ErrTimeoutInvalid,
		},
		{
			name: "reconnect bounds inverted",
			mutate: func(c *Config) {
				c.Realtime.ReconnectMin = time.Minute
				c.Realtime.ReconnectMax = time.Second
			},
			wantErr: ErrReconnectInvalid,
		},
		{
			name:    "unknown log level",
			mutate:  func(c *Config) { c.Log.Level = "verbose" },
			wantErr: ErrLogLevelUnknown,
		},
		{
			name:    "unknown log format",
			mutate:  func(c *Config) { c.Log.Format = "xml" },
			wantErr: ErrLogFormatUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("expected nil error, got %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error %v, got nil", tt.wantErr)
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected error %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestConfigPolicyMap(t *testing.T) {
	cfg := DefaultConfig()
	got := cfg.PolicyMap()
	if got[ProjectsDataset] != PolicyBlock {
		t.Errorf("projects policy = %q, want %q", got[ProjectsDataset], PolicyBlock)
	}
	if got[JobsDataset] != PolicyQueue {
		t.Errorf("jobs policy = %q, want %q", got[JobsDataset], PolicyQueue)
	}
}
