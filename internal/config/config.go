package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
)

type Config struct {
	OutputDir string      `json:"output_dir"`
	LogLevel  string      `json:"log_level"` // "debug", "info", "warn", "error"
	Audio     AudioConfig `json:"audio"`
}

type AudioConfig struct {
	// LoopbackDevice names the monitor/loopback input device the
	// portaudio engine captures from. Empty means autodetect.
	LoopbackDevice string `json:"loopback_device"`
}

// Load reads the config from disk or returns defaults
func Load() (*Config, error) {
	path := configPath()

	// Default config
	cfg := &Config{
		OutputDir: defaultOutputDir(),
		LogLevel:  "info",
		Audio: AudioConfig{
			LoopbackDevice: "",
		},
	}

	// Load existing config if it exists
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Save writes the config to disk
func (c *Config) Save() error {
	path := configPath()

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// configPath returns the platform-specific config file path
func configPath() string {
	var base string

	switch runtime.GOOS {
	case "darwin":
		base = os.Getenv("HOME") + "/Library/Application Support"
	case "windows":
		base = os.Getenv("APPDATA")
	default: // linux
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			base = xdg
		} else {
			base = os.Getenv("HOME") + "/.config"
		}
	}

	return filepath.Join(base, "tapcap", "config.json")
}

// defaultOutputDir returns the platform-specific recordings directory
func defaultOutputDir() string {
	var base string

	switch runtime.GOOS {
	case "darwin":
		base = filepath.Join(os.Getenv("HOME"), "Music")
	case "windows":
		base = filepath.Join(os.Getenv("USERPROFILE"), "Music")
	default:
		if xdg := os.Getenv("XDG_MUSIC_DIR"); xdg != "" {
			base = xdg
		} else {
			base = filepath.Join(os.Getenv("HOME"), "Music")
		}
	}

	return filepath.Join(base, "tapcap")
}
