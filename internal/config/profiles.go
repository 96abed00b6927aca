// Package config loads the portal's two configuration surfaces: the
// TOML profile directory and the portal's own YAML settings file,
// both as a directory scan plus struct-tag decode.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/stemjail/stemjail/internal/policy"
)

// LoadProfiles reads every *.toml file in dir and decodes it into a
// policy.ProfileConfig. Non-.toml files are ignored. Files with a
// relative bind path fail to load.
func LoadProfiles(dir string) ([]policy.ProfileConfig, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("config: read profile dir %s: %w", dir, err)
	}

	var out []policy.ProfileConfig
	for _, e := range entries {
		if e.IsDir() || strings.ToLower(filepath.Ext(e.Name())) != ".toml" {
			continue
		}
		path := filepath.Join(dir, e.Name())
		cfg, err := loadProfile(path)
		if err != nil {
			return nil, fmt.Errorf("config: %s: %w", e.Name(), err)
		}
		out = append(out, cfg)
	}
	return out, nil
}

func loadProfile(path string) (policy.ProfileConfig, error) {
	var cfg policy.ProfileConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}
	if cfg.Name == "" {
		cfg.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
