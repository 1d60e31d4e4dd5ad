package config

import (
	"os"

	"github.com/jmgilman/go/errors"
	"gopkg.in/yaml.v3"
)

// Load builds the configuration from defaults, the YAML file at path (skipped
// when path is empty) and the environment read through lookup. It returns the
// warnings produced while parsing and clamping.
func Load(path string, lookup LookupFunc) (Config, []string, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, nil, err
		}
	}

	warnings := cfg.ApplyEnv(lookup)
	warnings = append(warnings, cfg.normalize()...)

	if err := cfg.Validate(); err != nil {
		return Config{}, warnings, err
	}
	return cfg, warnings, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.WithContext(
			errors.Wrap(err, errors.CodeInvalidConfig, "read config file"),
			"path", path)
	}

	var file Config
	if err := yaml.Unmarshal(data, &file); err != nil {
		return errors.WithContext(
			errors.Wrap(err, errors.CodeInvalidConfig, "parse config file"),
			"path", path)
	}

	// Re-decode over the defaults so absent keys keep their default values.
	pidSet := file.PIDFile != ""
	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.Wrap(err, errors.CodeInvalidConfig, "parse config file")
	}
	if file.SocketPath != "" && !pidSet {
		c.PIDFile = PIDPathFor(c.SocketPath)
	}
	return nil
}
