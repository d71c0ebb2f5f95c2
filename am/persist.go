package am

import (
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/teranos/ingestd/errors"
)

// Marshal renders the effective configuration as TOML. The GitHub token is redacted.
func Marshal(c *Config) ([]byte, error) {
	out := *c
	if out.GitHub.Token != "" {
		out.GitHub.Token = "********"
	}
	data, err := toml.Marshal(out)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal config")
	}
	return data, nil
}

// WriteFile writes the configuration to path, keeping the previous file as path.back1.
func WriteFile(path string, c *Config) error {
	if err := createBackup(path); err != nil {
		return errors.Wrap(err, "failed to create backup")
	}

	data, err := toml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}

	if err := os.WriteFile(path, data, DefaultFilePermissions); err != nil {
		return errors.Wrapf(err, "failed to write %s", path)
	}
	return nil
}

func createBackup(configPath string) error {
	content, err := os.ReadFile(configPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "failed to read config for backup")
	}
	return os.WriteFile(configPath+".back1", content, DefaultFilePermissions)
}
