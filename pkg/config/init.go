package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/marmos91/rollq/pkg/rollcycle"
)

const configHeader = `# rollq configuration
#
# Every key can be overridden with a ROLLQ_* environment variable, for
# example ROLLQ_LOGGING_LEVEL=DEBUG or ROLLQ_QUEUE_DIR=/var/lib/rollq.
# Sizes take units (64Mi, 1GB) and durations Go syntax (5s, 100ms).

`

// InitOptions describes the file written by InitConfig.
type InitOptions struct {
	// Path of the file; empty means the default location.
	Path string
	// Force replaces an existing file.
	Force bool
	// Dir and RollCycle replace the default queue directory and cycle.
	Dir       string
	RollCycle string
}

// ErrConfigExists is returned by InitConfig when the file exists and Force
// is not set.
var ErrConfigExists = errors.New("configuration file already exists")

// InitConfig writes a commented default configuration and returns its path.
func InitConfig(opts InitOptions) (string, error) {
	path := opts.Path
	if path == "" {
		path = GetDefaultConfigPath()
	}
	if _, err := os.Stat(path); err == nil && !opts.Force {
		return "", fmt.Errorf("%w at %s (use --force to overwrite)", ErrConfigExists, path)
	}

	cfg := GetDefaultConfig()
	if opts.Dir != "" {
		abs, err := filepath.Abs(opts.Dir)
		if err != nil {
			return "", fmt.Errorf("invalid queue directory %q: %w", opts.Dir, err)
		}
		cfg.Queue.Dir = abs
	}
	if opts.RollCycle != "" {
		rc, err := rollcycle.ByName(opts.RollCycle)
		if err != nil {
			return "", err
		}
		cfg.Queue.RollCycle = rc.Name
	}

	data, err := render(cfg)
	if err != nil {
		return "", err
	}
	if err := WriteFileAtomic(path, data); err != nil {
		return "", err
	}
	return path, nil
}

func render(cfg *Config) ([]byte, error) {
	buf := bytes.NewBufferString(configHeader)
	enc := yaml.NewEncoder(buf)
	enc.SetIndent(2)
	err := enc.Encode(cfg)
	if err == nil {
		err = enc.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to marshal default config: %w", err)
	}
	return buf.Bytes(), nil
}
