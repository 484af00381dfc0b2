// Package config loads the §6 YAML configuration file: cache
// location/limit, process concurrency, and the optional coordinator
// URL and bind addresses for cluster mode.
//
// yaml.v3 unmarshaling into a plain tagged struct mirrors how distri's
// own config-adjacent types (e.g. pb.ReadBuildFile's textproto decode)
// are a direct unmarshal into a struct rather than a hand-rolled
// parser, just with YAML instead of textproto.
package config

import (
	"os"
	"path/filepath"
	"runtime"

	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"
)

// defaultCacheLimitMB is the §6 default of 16 GiB.
const defaultCacheLimitMB = 16 * 1024

// Config is the §6 configuration surface.
type Config struct {
	ProcessLimit    int    `yaml:"process_limit"`
	CachePath       string `yaml:"cache_path"`
	CacheLimitMB    int64  `yaml:"cache_limit_mb"`
	Coordinator     string `yaml:"coordinator"` // URL, empty means "no cluster"
	HelperBind      string `yaml:"helper_bind"`
	CoordinatorBind string `yaml:"coordinator_bind"`
}

// Load reads and unmarshals the config file at path, then applies
// defaults and the OCTOBUILD_CACHE environment override. A missing
// file is not an error: Load returns pure defaults, matching the
// original's "config file is optional" behavior.
func Load(path string) (Config, error) {
	var c Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return applyDefaults(c), nil
			}
			return Config{}, xerrors.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &c); err != nil {
			return Config{}, xerrors.Errorf("parsing config %s: %w", path, err)
		}
	}
	return applyDefaults(c), nil
}

func applyDefaults(c Config) Config {
	if c.ProcessLimit <= 0 {
		c.ProcessLimit = runtime.NumCPU()
	}
	if c.CacheLimitMB <= 0 {
		c.CacheLimitMB = defaultCacheLimitMB
	}
	if c.CachePath == "" {
		c.CachePath = defaultCachePath()
	}
	if override := os.Getenv("OCTOBUILD_CACHE"); override != "" {
		c.CachePath = override
	}
	return c
}

func defaultCachePath() string {
	if runtime.GOOS == "windows" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ".octobuild/cache"
		}
		return filepath.Join(home, ".octobuild", "cache")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cache/octobuild"
	}
	return filepath.Join(home, ".cache", "octobuild")
}

// CacheLimitBytes converts CacheLimitMB to bytes for internal/cache.New.
func (c Config) CacheLimitBytes() int64 {
	return c.CacheLimitMB * 1024 * 1024
}
