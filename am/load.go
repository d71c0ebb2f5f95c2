package am

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"

	"github.com/teranos/ingestd/errors"
)

// ConfigEnv names a config file merged after every discovered one
const ConfigEnv = "INGESTD_CONFIG"

var (
	mu      sync.Mutex
	cached  *Config
	sources []string
)

// Load discovers, merges and validates the configuration once per process.
// A config file that exists but cannot be parsed is an error, not a silent skip.
func Load() (*Config, error) {
	mu.Lock()
	defer mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	v := NewViper()
	merged, err := mergeConfigFiles(v, ConfigPaths())
	if err != nil {
		return nil, err
	}
	cfg, err := LoadWithViper(v)
	if err != nil {
		return nil, err
	}

	cached, sources = cfg, merged
	return cached, nil
}

// Sources lists the files the cached configuration was merged from,
// lowest precedence first. Empty before Load.
func Sources() []string {
	mu.Lock()
	defer mu.Unlock()
	return append([]string(nil), sources...)
}

// LoadWithViper loads configuration using a provided Viper instance
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	config.normalize()
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return &config, nil
}

// LoadFromFile loads configuration from a specific file path, ignoring the environment
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
	}

	return LoadWithViper(v)
}

// NewViper returns a Viper instance with defaults and environment binding but
// no config files, for tests and embedding.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("INGESTD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	BindSensitiveEnvVars(v)
	SetDefaults(v)
	return v
}

// Reset drops the cached configuration
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	cached, sources = nil, nil
}

// findProjectConfig walks up from the working directory looking for ingestd.toml
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		path := filepath.Join(dir, "ingestd.toml")
		if _, err := os.Stat(path); err == nil {
			return path
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

// ConfigPaths returns the candidate config files, lowest precedence first:
// system, user, nearest project ingestd.toml, then $INGESTD_CONFIG.
// Paths may not exist.
func ConfigPaths() []string {
	paths := []string{"/etc/ingestd/config.toml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".ingestd", "config.toml"))
	}
	if project := findProjectConfig(); project != "" {
		paths = append(paths, project)
	}
	if explicit := os.Getenv(ConfigEnv); explicit != "" {
		paths = append(paths, explicit)
	}
	return paths
}

// mergeConfigFiles merges every existing path into v and returns the ones merged.
// Environment variables still win because AutomaticEnv is consulted on read.
func mergeConfigFiles(v *viper.Viper, paths []string) ([]string, error) {
	var merged []string
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) && path != os.Getenv(ConfigEnv) {
				continue
			}
			return merged, errors.Wrapf(err, "config file %s", path)
		}
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.MergeInConfig(); err != nil {
			return merged, errors.Wrapf(err, "failed to parse config file %s", path)
		}
		merged = append(merged, path)
	}
	return merged, nil
}
