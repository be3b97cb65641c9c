package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/mesh-intelligence/fieldsync/pkg/types"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     types.LogConfig
		level   zapcore.Level
		wantErr error
	}{
		{name: "defaults", cfg: types.LogConfig{}, level: zapcore.InfoLevel},
		{name: "debug console", cfg: types.LogConfig{Level: "debug", Format: "console"}, level: zapcore.DebugLevel},
		{name: "warn json", cfg: types.LogConfig{Level: "warn", Format: "json"}, level: zapcore.WarnLevel},
		{name: "bad level", cfg: types.LogConfig{Level: "loud"}, wantErr: types.ErrLogLevelUnknown},
		{name: "bad format", cfg: types.LogConfig{Format: "xml"}, wantErr: types.ErrLogFormatUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.cfg)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.True(t, logger.Core().Enabled(tt.level))
			if tt.level > zapcore.DebugLevel {
				assert.False(t, logger.Core().Enabled(tt.level-1))
			}
		})
	}
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))
	l, err := New(types.LogConfig{})
	require.NoError(t, err)
	assert.Same(t, l, OrNop(l))
}
