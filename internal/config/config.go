// Package config handles hampbridge configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./hampbridge.yaml, ~/.config/hampbridge/hampbridge.yaml,
// /etc/hampbridge/hampbridge.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"hampbridge.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "hampbridge", "hampbridge.yaml"))
	}

	paths = append(paths, "/etc/hampbridge/hampbridge.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all hampbridge configuration.
type Config struct {
	MQTT          MQTTConfig          `yaml:"mqtt"`
	HomeAssistant HomeAssistantConfig `yaml:"homeassistant"`
	Listen        ListenConfig        `yaml:"listen"`
	Devices       []DeviceConfig      `yaml:"devices"`
	DataDir       string              `yaml:"data_dir"`
	LogLevel      string              `yaml:"log_level"`
}

// MQTTConfig defines the broker connection settings.
type MQTTConfig struct {
	// Broker is the broker URL (mqtt://, mqtts:// or ssl:// scheme).
	Broker   string `yaml:"broker"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// RateLimitPerSec caps inbound messages per second before the
	// bridge starts dropping them (default 50).
	RateLimitPerSec int `yaml:"rate_limit_per_sec"`
}

// HomeAssistantConfig defines HA connection settings. The bridge uses
// HA for device-registry lookups and media-source resolution; both are
// skipped when a static device list is configured and no media-source
// playback is needed.
type HomeAssistantConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// Configured reports whether a Home Assistant connection is set up.
func (c HomeAssistantConfig) Configured() bool {
	return c.URL != "" && c.Token != ""
}

// ListenConfig defines the embedded HTTP server settings (thumbnail
// and status endpoints).
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`    // Default: 8099
}

// DeviceConfig is a statically configured HASS.Agent device. When any
// devices are listed here the HA device-registry lookup is skipped and
// mirrors are built from this list instead.
type DeviceConfig struct {
	// Name is the device display name exactly as the agent publishes
	// it in its MQTT topics.
	Name string `yaml:"name"`
	// ID overrides the stable device identifier. Defaults to the name.
	ID string `yaml:"id"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		MQTT: MQTTConfig{
			Broker:          "mqtt://localhost:1883",
			RateLimitPerSec: 50,
		},
		Listen:  ListenConfig{Port: 8099},
		DataDir: ".",
	}
}
