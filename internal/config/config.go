// Package config is the daemon and CLI's layered configuration: TOML files
// under `.scriptum/config.toml` (workspace), `~/.config/scriptum/config.toml`
// (user), or `~/.scriptum/config.toml`, overridden by SCRIPTUM_-prefixed
// environment variables, overridden in turn by explicit flag values the
// caller already resolved via cobra/pflag.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var v *viper.Viper

// Initialize sets up the viper configuration singleton. Call once at
// startup, before any Get* call.
func Initialize() error {
	v = viper.New()
	v.SetConfigType("toml")

	configFileSet := false

	// 1. Walk up from CWD looking for .scriptum/config.toml, so commands
	// work from any subdirectory within a workspace.
	if cwd, err := os.Getwd(); err == nil {
		for dir := cwd; dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
			path := filepath.Join(dir, ".scriptum", "config.toml")
			if _, err := os.Stat(path); err == nil {
				v.SetConfigFile(path)
				configFileSet = true
				break
			}
		}
	}

	// 2. User config directory.
	if !configFileSet {
		if configDir, err := os.UserConfigDir(); err == nil {
			path := filepath.Join(configDir, "scriptum", "config.toml")
			if _, err := os.Stat(path); err == nil {
				v.SetConfigFile(path)
				configFileSet = true
			}
		}
	}

	// 3. Home directory fallback.
	if !configFileSet {
		if home, err := os.UserHomeDir(); err == nil {
			path := filepath.Join(home, ".scriptum", "config.toml")
			if _, err := os.Stat(path); err == nil {
				v.SetConfigFile(path)
				configFileSet = true
			}
		}
	}

	v.SetEnvPrefix("SCRIPTUM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if configFileSet {
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("daemon.max-conns", 64)
	v.SetDefault("daemon.request-timeout", "3s")
	v.SetDefault("daemon.mutation-buffer", 256)

	v.SetDefault("docmanager.max-memory-bytes", 512*1024*1024)

	v.SetDefault("watcher.debounce-ms", 100)
	v.SetDefault("watcher.poll-interval", "200ms")

	v.SetDefault("snapshot.interval-updates", 1000)
	v.SetDefault("snapshot.interval-minutes", 10)

	v.SetDefault("git.auto-commit", true)
	v.SetDefault("git.auto-push", false)
	v.SetDefault("git.auto-pull", false)
	v.SetDefault("git.sync-interval", "30s")

	v.SetDefault("relay.url", "")
	v.SetDefault("relay.sync-enabled", false)

	v.SetDefault("relay.listen-addr", ":8787")
	v.SetDefault("relay.postgres-dsn", "postgres://localhost:5432/scriptum?sslmode=disable")
	v.SetDefault("relay.lease-ttl", "60s")
	v.SetDefault("relay.compaction-interval", "60s")
	v.SetDefault("relay.object-store-dir", "")
	v.SetDefault("relay.bearer-tokens", "")
}

// ConfigSource represents where a configuration value came from.
type ConfigSource string

const (
	SourceDefault    ConfigSource = "default"
	SourceConfigFile ConfigSource = "config_file"
	SourceEnvVar     ConfigSource = "env_var"
	SourceFlag       ConfigSource = "flag"
)

// GetValueSource reports which layer produced key's effective value.
// Priority (highest to lowest): env var > config file > default.
func GetValueSource(key string) ConfigSource {
	if v == nil {
		return SourceDefault
	}
	envKey := "SCRIPTUM_" + strings.ToUpper(strings.ReplaceAll(strings.ReplaceAll(key, "-", "_"), ".", "_"))
	if os.Getenv(envKey) != "" {
		return SourceEnvVar
	}
	if v.InConfig(key) {
		return SourceConfigFile
	}
	return SourceDefault
}

// GetString retrieves a string configuration value.
func GetString(key string) string {
	if v == nil {
		return ""
	}
	return v.GetString(key)
}

// GetBool retrieves a boolean configuration value.
func GetBool(key string) bool {
	if v == nil {
		return false
	}
	return v.GetBool(key)
}

// GetInt retrieves an integer configuration value.
func GetInt(key string) int {
	if v == nil {
		return 0
	}
	return v.GetInt(key)
}

// GetDuration retrieves a duration configuration value.
func GetDuration(key string) time.Duration {
	if v == nil {
		return 0
	}
	return v.GetDuration(key)
}

// Set overrides a configuration value at runtime (e.g. from a resolved CLI
// flag).
func Set(key string, value interface{}) {
	if v != nil {
		v.Set(key, value)
	}
}

// AllSettings returns every configuration setting as a nested map.
func AllSettings() map[string]interface{} {
	if v == nil {
		return map[string]interface{}{}
	}
	return v.AllSettings()
}
