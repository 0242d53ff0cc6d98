package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bryanchriswhite/FloatPeek/internal/logger"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// WindowInfo represents information about a window
type WindowInfo struct {
	ID       uint32   `json:"id" yaml:"id"`
	Title    string   `json:"title" yaml:"title"`
	Class    string   `json:"class" yaml:"class"`
	Instance string   `json:"instance" yaml:"instance"`
	PID      int      `json:"pid" yaml:"pid"`
	Geometry Geometry `json:"geometry" yaml:"geometry"`
	Desktop  int      `json:"desktop" yaml:"desktop"` // -1 means all desktops (sticky)
}

// Geometry represents window geometry
type Geometry struct {
	X      int `json:"x" yaml:"x"`
	Y      int `json:"y" yaml:"y"`
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// CropConfig holds the pixel margins removed from each edge of a capture
type CropConfig struct {
	Top    int `json:"top" yaml:"top" mapstructure:"top"`
	Bottom int `json:"bottom" yaml:"bottom" mapstructure:"bottom"`
	Left   int `json:"left" yaml:"left" mapstructure:"left"`
	Right  int `json:"right" yaml:"right" mapstructure:"right"`
}

// RestartConfig controls how a wedged process gets relaunched
type RestartConfig struct {
	UseSystemd  bool   `json:"use_systemd" yaml:"use_systemd" mapstructure:"use_systemd"`
	SystemdUnit string `json:"systemd_unit" yaml:"systemd_unit" mapstructure:"systemd_unit"`
}

// Config represents the application configuration
type Config struct {
	TargetApp string `json:"target_app" yaml:"target_app" mapstructure:"target_app"`
	// Each group lists names that all refer to the same application
	Aliases [][]string `json:"aliases" yaml:"aliases" mapstructure:"aliases"`

	Crop CropConfig `json:"crop" yaml:"crop" mapstructure:"crop"`

	RefreshMS          int     `json:"refresh_ms" yaml:"refresh_ms" mapstructure:"refresh_ms"`
	SearchBackoffMS    int     `json:"search_backoff_ms" yaml:"search_backoff_ms" mapstructure:"search_backoff_ms"`
	ActivationRetryMS  int     `json:"activation_retry_ms" yaml:"activation_retry_ms" mapstructure:"activation_retry_ms"`
	WatchdogIntervalMS int     `json:"watchdog_interval_ms" yaml:"watchdog_interval_ms" mapstructure:"watchdog_interval_ms"`
	WatchdogTimeoutMS  int     `json:"watchdog_timeout_ms" yaml:"watchdog_timeout_ms" mapstructure:"watchdog_timeout_ms"`
	AspectTolerance    float64 `json:"aspect_tolerance" yaml:"aspect_tolerance" mapstructure:"aspect_tolerance"`

	StateFile  string        `json:"state_file" yaml:"state_file" mapstructure:"state_file"`
	ServerPort int           `json:"server_port" yaml:"server_port" mapstructure:"server_port"`
	LogLevel   string        `json:"log_level" yaml:"log_level" mapstructure:"log_level"`
	Restart    RestartConfig `json:"restart" yaml:"restart" mapstructure:"restart"`
}

// RefreshPeriod is the normal cadence of the tracking loop
func (c *Config) RefreshPeriod() time.Duration {
	return time.Duration(c.RefreshMS) * time.Millisecond
}

// SearchBackoff is the cadence used while the target app is not running
func (c *Config) SearchBackoff() time.Duration {
	return time.Duration(c.SearchBackoffMS) * time.Millisecond
}

// ActivationRetry is the delay after an activation attempt
func (c *Config) ActivationRetry() time.Duration {
	return time.Duration(c.ActivationRetryMS) * time.Millisecond
}

// WatchdogInterval is how often the liveness check runs
func (c *Config) WatchdogInterval() time.Duration {
	return time.Duration(c.WatchdogIntervalMS) * time.Millisecond
}

// WatchdogTimeout is the maximum tolerated age of the last frame
func (c *Config) WatchdogTimeout() time.Duration {
	return time.Duration(c.WatchdogTimeoutMS) * time.Millisecond
}

// Validate checks the configuration for values the tracker cannot run with
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.TargetApp) == "" {
		errs = append(errs, errors.New("target_app must not be empty"))
	}
	if c.Crop.Top < 0 || c.Crop.Bottom < 0 || c.Crop.Left < 0 || c.Crop.Right < 0 {
		errs = append(errs, fmt.Errorf("crop margins must be >= 0 (got %+v)", c.Crop))
	}

	periods := []struct {
		name  string
		value int
	}{
		{"refresh_ms", c.RefreshMS},
		{"search_backoff_ms", c.SearchBackoffMS},
		{"activation_retry_ms", c.ActivationRetryMS},
		{"watchdog_interval_ms", c.WatchdogIntervalMS},
		{"watchdog_timeout_ms", c.WatchdogTimeoutMS},
	}
	for _, p := range periods {
		if p.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0 (got %d)", p.name, p.value))
		}
	}

	if c.AspectTolerance < 0 {
		errs = append(errs, fmt.Errorf("aspect_tolerance must be >= 0 (got %g)", c.AspectTolerance))
	}
	if c.ServerPort < 0 || c.ServerPort > 65535 {
		errs = append(errs, fmt.Errorf("server_port out of range: %d", c.ServerPort))
	}
	if c.LogLevel != "" && !logger.ValidLevel(c.LogLevel) {
		errs = append(errs, fmt.Errorf("invalid log_level: %s", c.LogLevel))
	}

	return errors.Join(errs...)
}

// DefaultConfig returns the built-in configuration
func DefaultConfig() *Config {
	return &Config{
		TargetApp: "Music",
		Aliases: [][]string{
			{"Music", "音樂", "com.apple.Music", "apple-music"},
		},
		RefreshMS:          40,
		SearchBackoffMS:    2000,
		ActivationRetryMS:  500,
		WatchdogIntervalMS: 5000,
		WatchdogTimeoutMS:  10000,
		AspectTolerance:    0.01,
		StateFile:          DefaultStateFileName,
		ServerPort:         0,
		LogLevel:           "info",
		Restart: RestartConfig{
			UseSystemd:  true,
			SystemdUnit: "",
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("target_app", d.TargetApp)
	v.SetDefault("aliases", d.Aliases)
	v.SetDefault("crop.top", d.Crop.Top)
	v.SetDefault("crop.bottom", d.Crop.Bottom)
	v.SetDefault("crop.left", d.Crop.Left)
	v.SetDefault("crop.right", d.Crop.Right)
	v.SetDefault("refresh_ms", d.RefreshMS)
	v.SetDefault("search_backoff_ms", d.SearchBackoffMS)
	v.SetDefault("activation_retry_ms", d.ActivationRetryMS)
	v.SetDefault("watchdog_interval_ms", d.WatchdogIntervalMS)
	v.SetDefault("watchdog_timeout_ms", d.WatchdogTimeoutMS)
	v.SetDefault("aspect_tolerance", d.AspectTolerance)
	v.SetDefault("state_file", d.StateFile)
	v.SetDefault("server_port", d.ServerPort)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("restart.use_systemd", d.Restart.UseSystemd)
	v.SetDefault("restart.systemd_unit", d.Restart.SystemdUnit)
}

// Manager handles configuration
type Manager struct {
	configPath string
	v          *viper.Viper
	config     *Config
	mu         sync.RWMutex
}

// DefaultConfigDir returns ~/.config/floatpeek
func DefaultConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "floatpeek"), nil
}

// NewManager creates a new configuration manager. An empty configFile
// selects ~/.config/floatpeek/config.yaml; a missing file is created with
// defaults.
func NewManager(configFile string) (*Manager, error) {
	actualConfigPath := configFile
	if actualConfigPath == "" {
		configDir, err := DefaultConfigDir()
		if err != nil {
			return nil, err
		}
		actualConfigPath = filepath.Join(configDir, "config.yaml")
	}

	if err := os.MkdirAll(filepath.Dir(actualConfigPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(actualConfigPath)
	v.SetConfigType("yaml")
	setDefaults(v)

	m := &Manager{
		configPath: actualConfigPath,
		v:          v,
	}

	if _, err := os.Stat(actualConfigPath); os.IsNotExist(err) {
		logger.WithComponent("config").Info().
			Str("path", m.configPath).
			Msg("Config file not found, creating new config")
		if err := m.Save(); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	} else if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := m.refresh(); err != nil {
		return nil, err
	}

	logger.WithComponent("config").Info().
		Str("path", m.configPath).
		Str("target_app", m.config.TargetApp).
		Msg("Config loaded")

	return m, nil
}

// refresh decodes the viper state into the cached Config
func (m *Manager) refresh() error {
	var cfg Config
	if err := m.v.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", m.configPath, err)
	}

	m.mu.Lock()
	m.config = &cfg
	m.mu.Unlock()
	return nil
}

// Get returns a copy of the current configuration
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.config == nil {
		return DefaultConfig()
	}
	cfg := *m.config
	cfg.Aliases = make([][]string, len(m.config.Aliases))
	for i, group := range m.config.Aliases {
		cfg.Aliases[i] = append([]string(nil), group...)
	}
	return &cfg
}

// GetViper exposes the underlying viper instance for key-level access
func (m *Manager) GetViper() *viper.Viper {
	return m.v
}

// Override sets a value for this process only; it is not written to disk
func (m *Manager) Override(key string, value interface{}) error {
	m.v.Set(key, value)
	return m.refresh()
}

// Save validates the current values and writes them to disk as YAML
func (m *Manager) Save() error {
	var cfg Config
	if err := m.v.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("refusing to save invalid config: %w", err)
	}

	logger.WithComponent("config").Debug().
		Str("path", m.configPath).
		Msg("Saving config")

	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(m.configPath, data, 0644); err != nil {
		logger.WithComponent("config").Error().
			Err(err).
			Str("path", m.configPath).
			Msg("Failed to write config")
		return err
	}

	m.mu.Lock()
	m.config = &cfg
	m.mu.Unlock()

	logger.WithComponent("config").Info().
		Str("path", m.configPath).
		Msg("Config saved successfully")
	return nil
}

// GetConfigPath returns the path to the config file
func (m *Manager) GetConfigPath() string {
	return m.configPath
}

// GetConfigDir returns the config directory path
func (m *Manager) GetConfigDir() string {
	return filepath.Dir(m.configPath)
}

// StatePath resolves the viewport state file; relative paths live next to
// the config file.
func (m *Manager) StatePath() string {
	p := m.Get().StateFile
	if p == "" {
		p = DefaultStateFileName
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(m.GetConfigDir(), p)
}
