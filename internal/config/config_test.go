package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, "qemu-system-x86_64", cfg.QemuBinary)
	assert.False(t, cfg.KillRunningVMs)
	assert.Equal(t, 5*time.Second, cfg.KillGracePeriod)
	assert.True(t, cfg.PromptPassword)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("QLAUNCH_LOG_LEVEL", "debug")
	t.Setenv("QLAUNCH_KILL_RUNNING_VMS", "true")
	t.Setenv("QLAUNCH_QEMU_BINARY", "/opt/qemu/bin/qemu-system-x86_64")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.KillRunningVMs)
	assert.Equal(t, "/opt/qemu/bin/qemu-system-x86_64", cfg.QemuBinary)
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qlaunch.yaml")
	content := "log_format: json\nkill_grace_period: 2s\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 2*time.Second, cfg.KillGracePeriod)
}

func TestLoad_MissingConfigFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate_RejectsInvalidLogLevel(t *testing.T) {
	t.Setenv("QLAUNCH_LOG_LEVEL", "verbose")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}
