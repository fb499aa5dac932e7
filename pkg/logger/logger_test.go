package logger

import (
	"testing"

	"github.com/TroodieTeam/troodie-sub002/pkg/config"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestBuildRespectsLevel(t *testing.T) {
	cfg := &config.Config{AppEnv: "production", AppName: "payments", LogLevel: "warn"}

	log, err := Build(cfg)
	require.NoError(t, err)
	require.False(t, log.Core().Enabled(zapcore.InfoLevel))
	require.True(t, log.Core().Enabled(zapcore.WarnLevel))
}

func TestBuildRejectsUnknownLevel(t *testing.T) {
	_, err := Build(&config.Config{LogLevel: "chatty"})
	require.Error(t, err)
}
