package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const envPrefix = "ROLLQ"

// Load reads the configuration at configPath, or the file in the default
// config directory when configPath is empty. A missing file is not an
// error: the defaults are used, still subject to ROLLQ_* overrides.
func Load(configPath string) (*Config, error) {
	v := newViper(configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	// Without a file the queue directory and roll cycle get their
	// out-of-the-box values. A file that omits the roll cycle adopts the
	// cycle of the existing queue instead.
	base := GetDefaultConfig()
	if found {
		base = &Config{}
		ApplyDefaults(base)
	}
	if err := registerDefaults(v, base); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// MustLoad is Load for commands that need a real file: it fails with
// instructions when the file does not exist.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = GetDefaultConfigPath()
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at %s\n\n"+
				"Create one with:\n"+
				"  rollq init\n\n"+
				"or point to an existing file:\n"+
				"  rollq <command> --config /path/to/config.yaml", configPath)
		}
	} else if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("configuration file not found: %s\n\n"+
			"Create it with:\n"+
			"  rollq init --config %s", configPath, configPath)
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// LoadOrDefault loads an explicitly named file, which must exist, or else
// the default file if there is one and the defaults otherwise.
func LoadOrDefault(configPath string) (*Config, error) {
	if configPath == "" {
		return Load("")
	}
	return MustLoad(configPath)
}

// SaveConfig writes cfg to path as YAML, replacing any existing file
// atomically.
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return WriteFileAtomic(path, data)
}

func newViper(configPath string) *viper.Viper {
	v := viper.New()

	// ROLLQ_QUEUE_ROLL_CYCLE=HOURLY sets queue.roll_cycle.
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	return v
}

func readConfigFile(v *viper.Viper) (bool, error) {
	err := v.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	switch {
	case err == nil:
		return true, nil
	case errors.As(err, &notFound), errors.Is(err, os.ErrNotExist):
		return false, nil
	}
	return false, fmt.Errorf("failed to read config file: %w", err)
}

// registerDefaults makes every configuration key known to viper.
// AutomaticEnv only consults the environment for known keys, so without
// this an override of a key absent from the file would be ignored.
func registerDefaults(v *viper.Viper, base *Config) error {
	var tree map[string]any
	if err := mapstructure.Decode(base, &tree); err != nil {
		return fmt.Errorf("failed to flatten defaults: %w", err)
	}
	setDefaults(v, "", tree)
	return nil
}

func setDefaults(v *viper.Viper, prefix string, tree map[string]any) {
	for k, val := range tree {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := val.(map[string]any); ok {
			setDefaults(v, key, sub)
			continue
		}
		v.SetDefault(key, val)
	}
}

// decodeHooks turns "64Mi" into a ByteSize through its UnmarshalText,
// "30s" into a time.Duration and "cpu,goroutines" from the environment into
// a slice. Plain numbers need no hook.
func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// WriteFileAtomic writes data to path through a temporary file in the same
// directory, creating the directory if needed. Readers see the old or the
// new content, never a mix.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	_, err = tmp.Write(data)
	if err == nil {
		err = tmp.Chmod(0o644)
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), path)
	}
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// getConfigDir is $XDG_CONFIG_HOME/rollq, ~/.config/rollq, or "." when the
// home directory is unknown.
func getConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "rollq")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "rollq")
}

func GetConfigDir() string { return getConfigDir() }

func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}
