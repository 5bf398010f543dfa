package core

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

// ConfigVersion is the schema version written into metadata.version.
const ConfigVersion = 1

// Preferences holds the user-tunable profile options.
type Preferences struct {
	// DNS enables VPN-provided DNS servers (dns-priority -1500, auto DNS ignored).
	DNS bool `yaml:"dns"`
	// IPv6 enables the auto IPv6 method on tunnels; disabled otherwise.
	IPv6 bool `yaml:"ipv6"`
	// SplitTunnel excludes RFC1918/link-local/multicast ranges from the tunnel.
	SplitTunnel bool `yaml:"split_tunnel"`
}

// Metadata tracks bookkeeping written back by the orchestrator.
type Metadata struct {
	Version     int       `yaml:"version"`
	LastRefresh time.Time `yaml:"last_refresh,omitempty"`
}

// Config is the top-level persisted configuration.
type Config struct {
	Regions     []string    `yaml:"regions"`
	Preferences Preferences `yaml:"preferences"`
	Metadata    Metadata    `yaml:"metadata"`
	Log         LogConfig   `yaml:"log,omitempty"`
}

// ConfigManager handles loading and saving the configuration file.
type ConfigManager struct {
	mu       sync.RWMutex
	config   Config
	filePath string
	bus      *EventBus
}

// DefaultConfigPath returns the config file location under the user's
// configuration directory.
func DefaultConfigPath() (string, error) {
	return xdg.ConfigFile("pia-nm/config.yaml")
}

// NewConfigManager creates a config manager that reads from the given file.
func NewConfigManager(filePath string, bus *EventBus) *ConfigManager {
	return &ConfigManager{
		filePath: filePath,
		bus:      bus,
	}
}

// Path returns the config file path.
func (cm *ConfigManager) Path() string {
	return cm.filePath
}

func defaultConfig() Config {
	return Config{
		Metadata: Metadata{Version: ConfigVersion},
	}
}

// Load reads and parses the configuration from disk.
// If the config file does not exist, it creates one with default values.
func (cm *ConfigManager) Load() error {
	data, err := os.ReadFile(cm.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			Log.Infof("Config", "Config %s not found, creating default config", cm.filePath)
			cm.mu.Lock()
			cm.config = defaultConfig()
			cm.mu.Unlock()
			if saveErr := cm.Save(); saveErr != nil {
				return fmt.Errorf("create default config: %w", saveErr)
			}
			if cm.bus != nil {
				cm.bus.Publish(Event{Type: EventConfigReloaded})
			}
			return nil
		}
		return fmt.Errorf("read config %s: %w", cm.filePath, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", cm.filePath, err)
	}
	if cfg.Metadata.Version == 0 {
		cfg.Metadata.Version = ConfigVersion
	}
	if cfg.Metadata.Version > ConfigVersion {
		return fmt.Errorf("config %s has version %d, newer than supported %d",
			cm.filePath, cfg.Metadata.Version, ConfigVersion)
	}

	cm.mu.Lock()
	cm.config = cfg
	cm.mu.Unlock()

	if cm.bus != nil {
		cm.bus.Publish(Event{Type: EventConfigReloaded})
	}

	return nil
}

// Save writes the current configuration to disk. The file is written to a
// sibling temp file and renamed so a crash never leaves a torn config.
func (cm *ConfigManager) Save() error {
	cm.mu.RLock()
	data, err := yaml.Marshal(&cm.config)
	cm.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	dir := filepath.Dir(cm.filePath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create config dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".config-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write config %s: %w", cm.filePath, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write config %s: %w", cm.filePath, err)
	}
	if err := os.Rename(tmpName, cm.filePath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace config %s: %w", cm.filePath, err)
	}
	return nil
}

// Get returns a copy of the current configuration.
func (cm *ConfigManager) Get() Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	cfg := cm.config
	cfg.Regions = append([]string(nil), cm.config.Regions...)
	return cfg
}

// Regions returns the configured region ids.
func (cm *ConfigManager) Regions() []string {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return append([]string(nil), cm.config.Regions...)
}

// SetRegions replaces the configured region list.
func (cm *ConfigManager) SetRegions(regions []string) {
	cm.mu.Lock()
	cm.config.Regions = append([]string(nil), regions...)
	cm.mu.Unlock()

	if cm.bus != nil {
		cm.bus.Publish(Event{Type: EventConfigReloaded})
	}
}

// SetPreferences replaces the profile preferences.
func (cm *ConfigManager) SetPreferences(p Preferences) {
	cm.mu.Lock()
	cm.config.Preferences = p
	cm.mu.Unlock()

	if cm.bus != nil {
		cm.bus.Publish(Event{Type: EventConfigReloaded})
	}
}

// TouchLastRefresh records the completion time of a refresh cycle.
// The caller is responsible for calling Save.
func (cm *ConfigManager) TouchLastRefresh(at time.Time) {
	cm.mu.Lock()
	cm.config.Metadata.LastRefresh = at.UTC()
	cm.mu.Unlock()
}
