package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/bryanchriswhite/ScreenWire/internal/logger"
	"gopkg.in/yaml.v3"
)

// TLSMode selects how the server terminates TLS.
type TLSMode string

const (
	TLSModeSelfSigned TLSMode = "selfsigned" // ephemeral cert generated at startup
	TLSModeCustom     TLSMode = "custom"     // cert/key paths from config
	TLSModeDisabled   TLSMode = "disabled"   // plain HTTP
)

// CaptureBackend selects the compositor backend.
type CaptureBackend string

const (
	BackendAuto   CaptureBackend = "auto"
	BackendX11    CaptureBackend = "x11"
	BackendPortal CaptureBackend = "portal"
)

// TLSConfig holds the TLS settings for the transport server.
type TLSConfig struct {
	Mode TLSMode `json:"mode" yaml:"mode"`
	Cert string  `json:"cert,omitempty" yaml:"cert,omitempty"`
	Key  string  `json:"key,omitempty" yaml:"key,omitempty"`
}

// ServerConfig holds the transport server settings.
type ServerConfig struct {
	Port int       `json:"port" yaml:"port"`
	TLS  TLSConfig `json:"tls" yaml:"tls"`
}

// VideoConfig holds the encode target settings. Zero width/height mean
// "derive from the physical display" (half resolution, even-floored).
type VideoConfig struct {
	Width     int `json:"width" yaml:"width"`
	Height    int `json:"height" yaml:"height"`
	Framerate int `json:"framerate" yaml:"framerate"`
	Bitrate   int `json:"bitrate" yaml:"bitrate"`
}

// CaptureConfig holds the compositor backend settings.
type CaptureConfig struct {
	Backend CaptureBackend `json:"backend" yaml:"backend"`
	Display string         `json:"display,omitempty" yaml:"display,omitempty"`
	Preview bool           `json:"preview" yaml:"preview"`
}

// LoggingConfig holds the logger settings.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Pretty bool   `json:"pretty" yaml:"pretty"`
}

// Config represents the application configuration.
type Config struct {
	Server  ServerConfig  `json:"server" yaml:"server"`
	Video   VideoConfig   `json:"video" yaml:"video"`
	Capture CaptureConfig `json:"capture" yaml:"capture"`
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// Validate checks enum-valued fields.
func (c *Config) Validate() error {
	switch c.Server.TLS.Mode {
	case TLSModeSelfSigned, TLSModeCustom, TLSModeDisabled:
	default:
		return fmt.Errorf("invalid tls mode: %q", c.Server.TLS.Mode)
	}
	if c.Server.TLS.Mode == TLSModeCustom && (c.Server.TLS.Cert == "" || c.Server.TLS.Key == "") {
		return fmt.Errorf("tls mode %q requires cert and key paths", TLSModeCustom)
	}
	switch c.Capture.Backend {
	case BackendAuto, BackendX11, BackendPortal:
	default:
		return fmt.Errorf("invalid capture backend: %q", c.Capture.Backend)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Video.Framerate <= 0 {
		return fmt.Errorf("invalid framerate: %d", c.Video.Framerate)
	}
	return nil
}

// Manager handles configuration persistence.
type Manager struct {
	configPath string
	config     *Config
	mu         sync.RWMutex
}

// NewManager creates a configuration manager. An empty configFile means the
// default path (~/.config/screenwire/config.yaml); a missing file is created
// with defaults.
func NewManager(configFile string) (*Manager, error) {
	actualConfigPath := configFile
	if actualConfigPath == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		actualConfigPath = filepath.Join(homeDir, ".config", "screenwire", "config.yaml")
	}

	m := &Manager{configPath: actualConfigPath}

	if err := m.load(); err != nil {
		if os.IsNotExist(err) {
			logger.WithComponent("config").Info().
				Str("path", m.configPath).
				Msg("Config file not found, creating new config")
			m.config = Defaults()
			if err := m.Save(); err != nil {
				return nil, fmt.Errorf("failed to create default config: %w", err)
			}
		} else {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if err := m.Get().Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", m.configPath, err)
	}

	logger.WithComponent("config").Info().
		Str("path", m.configPath).
		Msg("Config loaded")

	return m, nil
}

// Defaults returns the default configuration.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8443,
			TLS:  TLSConfig{Mode: TLSModeSelfSigned},
		},
		Video: VideoConfig{
			Width:     0,
			Height:    0,
			Framerate: 30,
			Bitrate:   10_000_000,
		},
		Capture: CaptureConfig{
			Backend: BackendAuto,
			Preview: false,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Pretty: true,
		},
	}
}

// load reads the configuration from disk, filling omitted fields with defaults.
func (m *Manager) load() error {
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return err
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

// Get returns a copy of the current configuration.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.config == nil {
		return Defaults()
	}
	cfg := *m.config
	return &cfg
}

// Update replaces the configuration and persists it.
func (m *Manager) Update(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return m.Save()
}

// Save writes the current configuration to disk.
func (m *Manager) Save() error {
	m.mu.RLock()
	cfg := m.config
	m.mu.RUnlock()

	if cfg == nil {
		cfg = Defaults()
	}

	configDir := filepath.Dir(m.configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(m.configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	logger.WithComponent("config").Debug().
		Str("path", m.configPath).
		Msg("Config saved")
	return nil
}

// GetConfigPath returns the path to the config file.
func (m *Manager) GetConfigPath() string {
	return m.configPath
}

// SetValue sets a configuration value by dotted key and persists it.
func (m *Manager) SetValue(key, value string) error {
	cfg := m.Get()

	var err error
	switch strings.ToLower(key) {
	case "server.port":
		cfg.Server.Port, err = strconv.Atoi(value)
	case "server.tls.mode":
		cfg.Server.TLS.Mode = TLSMode(value)
	case "server.tls.cert":
		cfg.Server.TLS.Cert = value
	case "server.tls.key":
		cfg.Server.TLS.Key = value
	case "video.width":
		cfg.Video.Width, err = strconv.Atoi(value)
	case "video.height":
		cfg.Video.Height, err = strconv.Atoi(value)
	case "video.framerate":
		cfg.Video.Framerate, err = strconv.Atoi(value)
	case "video.bitrate":
		cfg.Video.Bitrate, err = strconv.Atoi(value)
	case "capture.backend":
		cfg.Capture.Backend = CaptureBackend(value)
	case "capture.display":
		cfg.Capture.Display = value
	case "capture.preview":
		cfg.Capture.Preview, err = strconv.ParseBool(value)
	case "logging.level":
		cfg.Logging.Level = value
	case "logging.pretty":
		cfg.Logging.Pretty, err = strconv.ParseBool(value)
	default:
		return fmt.Errorf("unknown config key: %s", key)
	}
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}

	return m.Update(cfg)
}

// GetValue reads a configuration value by dotted key.
func (m *Manager) GetValue(key string) (string, error) {
	cfg := m.Get()

	switch strings.ToLower(key) {
	case "server.port":
		return strconv.Itoa(cfg.Server.Port), nil
	case "server.tls.mode":
		return string(cfg.Server.TLS.Mode), nil
	case "server.tls.cert":
		return cfg.Server.TLS.Cert, nil
	case "server.tls.key":
		return cfg.Server.TLS.Key, nil
	case "video.width":
		return strconv.Itoa(cfg.Video.Width), nil
	case "video.height":
		return strconv.Itoa(cfg.Video.Height), nil
	case "video.framerate":
		return strconv.Itoa(cfg.Video.Framerate), nil
	case "video.bitrate":
		return strconv.Itoa(cfg.Video.Bitrate), nil
	case "capture.backend":
		return string(cfg.Capture.Backend), nil
	case "capture.display":
		return cfg.Capture.Display, nil
	case "capture.preview":
		return strconv.FormatBool(cfg.Capture.Preview), nil
	case "logging.level":
		return cfg.Logging.Level, nil
	case "logging.pretty":
		return strconv.FormatBool(cfg.Logging.Pretty), nil
	}
	return "", fmt.Errorf("unknown config key: %s", key)
}
