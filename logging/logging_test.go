package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/warp/economy-engine/config"
)

func TestNew_RejectsBadLevel(t *testing.T) {
	_, _, err := New(config.LogConfig{Level: "loud", Format: "json"})
	assert.Error(t, err)
}

func TestBuild_FiltersByLevel(t *testing.T) {
	// GIVEN: A warn-level JSON logger
	// WHEN: Logging info then warn
	// THEN: Only the warn line is written
	var buf bytes.Buffer
	logger, closer, err := build(config.LogConfig{Level: "warn", Format: "json"}, zapcore.AddSync(&buf))
	require.NoError(t, err)
	defer closer.Close()

	logger.Info("quiet")
	logger.Warn("loud", zap.String("principal", "u1"))
	require.NoError(t, logger.Sync())

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "loud", line["msg"])
	assert.Equal(t, "u1", line["principal"])
}

func TestBuild_WritesFile(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "economy.log")
	logger, closer, err := build(config.LogConfig{Level: "info", Format: "console", File: path, MaxSizeMB: 1}, zapcore.AddSync(&buf))
	require.NoError(t, err)

	logger.Info("to both")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"to both"`)
	assert.Contains(t, buf.String(), "to both")
}
