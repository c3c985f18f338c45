package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/wanfaliang/benchmarking/config"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.LogConfig
		wantErr bool
		level   zapcore.Level
	}{
		{"json info", config.LogConfig{Level: "info", Format: "json"}, false, zapcore.InfoLevel},
		{"console debug", config.LogConfig{Level: "debug", Format: "console"}, false, zapcore.DebugLevel},
		{"empty format", config.LogConfig{Level: "warn"}, false, zapcore.WarnLevel},
		{"bad level", config.LogConfig{Level: "loud", Format: "json"}, true, 0},
		{"bad format", config.LogConfig{Level: "info", Format: "xml"}, true, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := New(&tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, l.Core().Enabled(tt.level))
			if tt.level > zapcore.DebugLevel {
				assert.False(t, l.Core().Enabled(tt.level-1))
			}
		})
	}
}
