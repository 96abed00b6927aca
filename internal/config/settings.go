package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Settings holds the portal's own daemon configuration, separate from
// the per-profile TOML files: zero-value on missing file, plain
// yaml.v3 struct tags.
type Settings struct {
	PortalSocket  string `yaml:"portal_socket,omitempty"`
	MonitorSocket string `yaml:"monitor_socket,omitempty"`
	ProfileDir    string `yaml:"profile_dir,omitempty"`
	LogLevel      string `yaml:"log_level,omitempty"`
	LogFile       string `yaml:"log_file,omitempty"`
	Unconfined    bool   `yaml:"unconfined,omitempty"`
}

// DefaultSettings gives the portal and monitor their well-known
// default socket paths.
func DefaultSettings() Settings {
	return Settings{
		PortalSocket:  "./portal.sock",
		MonitorSocket: "/tmp/monitor.sock",
		ProfileDir:    "./config/profiles",
		LogLevel:      "info",
	}
}

// LoadSettings reads settings.yaml from dir, merging onto the
// defaults. A missing file is not an error.
func LoadSettings(dir string) (Settings, error) {
	cfg := DefaultSettings()
	data, err := os.ReadFile(filepath.Join(dir, "settings.yaml"))
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func SaveSettings(dir string, cfg Settings) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "settings.yaml"), data, 0o644)
}
