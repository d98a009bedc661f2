package config

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/gristmill/gristmill/pkg/errors"
)

// Load reads a run configuration from a YAML file. Environment variable
// references written as ${VAR_NAME} are substituted before parsing, and
// unknown options are rejected. Fields absent from the file keep the
// DefaultRunConfig values.
func Load(path string) (*RunConfig, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is the user's config argument
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindConfig, "reading config %s", path)
	}

	content := substituteEnvVars(string(data))

	cfg := DefaultRunConfig()
	dec := yaml.NewDecoder(strings.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, errors.Wrapf(err, errors.KindConfig, "parsing config %s", path)
	}

	if cfg.Name == "" {
		base := filepath.Base(path)
		cfg.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// Save writes a configuration to a YAML file, creating parent
// directories as needed.
func Save(path string, cfg *RunConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrapf(err, errors.KindConfig, "encoding config")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return errors.Wrapf(err, errors.KindConfig, "creating directory for %s", path)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return errors.Wrapf(err, errors.KindConfig, "writing config %s", path)
	}
	return nil
}

// substituteEnvVars replaces ${VAR_NAME} with environment variable
// values. Unset variables substitute as empty strings.
func substituteEnvVars(content string) string {
	for {
		start := strings.Index(content, "${")
		if start == -1 {
			break
		}
		end := strings.Index(content[start:], "}")
		if end == -1 {
			break
		}
		end += start

		varName := content[start+2 : end]
		content = content[:start] + os.Getenv(varName) + content[end+1:]
	}
	return content
}
