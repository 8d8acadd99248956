package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		format  string
		wantErr bool
	}{
		{name: "console", level: "debug", format: "console"},
		{name: "json", level: "INFO", format: "json"},
		{name: "default format", level: "warn", format: ""},
		{name: "bad level", level: "loud", format: "json", wantErr: true},
		{name: "bad format", level: "info", format: "xml", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.level, tt.format)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, logger)
		})
	}
}

func TestMustNewPanicsOnBadLevel(t *testing.T) {
	assert.Panics(t, func() { MustNew("loud", "json") })
}

func TestContextLogger(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	base := zap.New(core)

	ctx := context.Background()
	assert.Same(t, base, FromContext(ctx, base))
	assert.NotNil(t, FromContext(ctx, nil))

	ctx = WithLogger(ctx, base)
	ctx = AddFields(ctx, zap.String(FieldRequestID, "req-1"))
	FromContext(ctx, nil).Info("hello")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "req-1", logs.All()[0].ContextMap()[FieldRequestID])
}
