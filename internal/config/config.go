// Package config loads vchain settings from vchain.yaml and VCHAIN_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/viper"

	"github.com/roach88/vchain/internal/identity"
)

// FileName is the config file searched for in the working directory.
const FileName = "vchain"

// EnvPrefix prefixes environment overrides, e.g. VCHAIN_DATABASE_PATH.
const EnvPrefix = "VCHAIN"

// Config holds resolved settings.
type Config struct {
	DatabasePath    string
	DefaultIdentity string
	PoliciesDir     string
	LogLevel        string

	// Source is the config file that was read, empty if none.
	Source string
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		DatabasePath:    "vchain.db",
		DefaultIdentity: identity.DefaultFallback,
		PoliciesDir:     "policies",
		LogLevel:        "info",
	}
}

var keys = []string{
	"database.path",
	"identity.default",
	"policies.dir",
	"log.level",
}

// Load resolves settings from defaults, the config file, and environment,
// in increasing precedence.
//
// An empty path searches the working directory for vchain.yaml and falls
// back to defaults when there is none. An explicit path must exist.
func Load(path string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return cfg, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(FileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return cfg, fmt.Errorf("read config: %w", err)
		}
	} else {
		cfg.Source = v.ConfigFileUsed()
	}

	if v.IsSet("database.path") {
		cfg.DatabasePath = v.GetString("database.path")
	}
	if v.IsSet("identity.default") {
		cfg.DefaultIdentity = v.GetString("identity.default")
	}
	if v.IsSet("policies.dir") {
		cfg.PoliciesDir = v.GetString("policies.dir")
	}
	if v.IsSet("log.level") {
		cfg.LogLevel = v.GetString("log.level")
	}

	if _, err := cfg.Level(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return level, nil
}
