package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// EnvPrefix prefixes every configuration environment variable.
const EnvPrefix = "KESTREL_"

// ConfigPathEnvVar overrides the config file location.
const ConfigPathEnvVar = "KESTREL_CONFIG_PATH"

// DefaultConfigPaths are searched in order when no path is given.
var DefaultConfigPaths = []string{
	"kestrel.yaml",
	"kestrel.yml",
	"/etc/kestrel/kestrel.yaml",
}

// Load layers defaults, the config file and the environment, then
// validates the result. A pro tier selected by file or environment swaps
// in the pro defaults underneath the same overrides.
func Load() (*Config, error) {
	path := findConfigFile()

	cfg, err := load(Default(), path)
	if err != nil {
		return nil, err
	}
	if cfg.Tier == domain.TierPro {
		if cfg, err = load(Pro(), path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func load(defaults *Config, path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKeyMapper(k.Keys())), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	return cfg, nil
}

// envKeyMapper maps KESTREL_SCORING_SIGMOID_STEEPNESS to the known key
// scoring.sigmoid_steepness. Variables matching no known key are ignored.
func envKeyMapper(keys []string) func(string) string {
	index := make(map[string]string, len(keys))
	for _, key := range keys {
		index[strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(key))] = key
	}
	return func(name string) string {
		return index[strings.TrimPrefix(name, EnvPrefix)]
	}
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
