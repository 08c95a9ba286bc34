package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	LogLevel         string
	LogFormat        string
	TelemetryEnabled bool

	QemuBinary      string
	LockDir         string
	KillRunningVMs  bool
	KillGracePeriod time.Duration

	SSHTimeout     time.Duration
	KnownHostsPath string
	PromptPassword bool
}

// Load reads the configuration from QLAUNCH_* environment variables and, when
// configFile is not empty, from that file.
func Load(configFile string) (*Config, error) {
	v := viper.New()

	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("telemetry_enabled", false)
	v.SetDefault("qemu_binary", "qemu-system-x86_64")
	v.SetDefault("lock_dir", filepath.Join(os.TempDir(), "qlaunch-locks"))
	v.SetDefault("kill_running_vms", false)
	v.SetDefault("kill_grace_period", 5*time.Second)
	v.SetDefault("ssh_timeout", 10*time.Second)
	v.SetDefault("known_hosts_path", "")
	v.SetDefault("prompt_password", true)

	v.SetEnvPrefix("qlaunch")
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", configFile, err)
		}
	}

	cfg := &Config{
		LogLevel:         v.GetString("log_level"),
		LogFormat:        v.GetString("log_format"),
		TelemetryEnabled: v.GetBool("telemetry_enabled"),
		QemuBinary:       v.GetString("qemu_binary"),
		LockDir:          v.GetString("lock_dir"),
		KillRunningVMs:   v.GetBool("kill_running_vms"),
		KillGracePeriod:  v.GetDuration("kill_grace_period"),
		SSHTimeout:       v.GetDuration("ssh_timeout"),
		KnownHostsPath:   v.GetString("known_hosts_path"),
		PromptPassword:   v.GetBool("prompt_password"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.LogLevel)
	}

	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("invalid log format: %s (valid: text, json)", c.LogFormat)
	}

	if c.QemuBinary == "" {
		return errors.New("qemu binary must not be empty")
	}

	if c.LockDir == "" {
		return errors.New("lock directory must not be empty")
	}

	if c.KillGracePeriod <= 0 {
		return fmt.Errorf("invalid kill grace period: %s", c.KillGracePeriod)
	}

	if c.SSHTimeout <= 0 {
		return fmt.Errorf("invalid ssh timeout: %s", c.SSHTimeout)
	}

	return nil
}
