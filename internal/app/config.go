package app

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ConfigEnvVar names the environment variable pointing at the YAML
// configuration file, consulted when no explicit path is given.
const ConfigEnvVar = "SORADYNE_CONFIG"

// LoadConfig reads a YAML service configuration. An empty path falls
// back to the SORADYNE_CONFIG environment variable, then to
// soradyne.yaml in the user config directory.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		path = os.Getenv(ConfigEnvVar)
	}
	if path == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return Config{}, errors.Wrap(err, "resolve config directory")
		}
		path = filepath.Join(base, "soradyne", "soradyne.yaml")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "read config %s", path)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "parse config %s", path)
	}
	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Dir(path)
	}
	return cfg, nil
}
