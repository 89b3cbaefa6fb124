package config

import (
	"log"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds the application configuration.
// Tags correspond to the keys in the YAML file.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Log       LogConfig       `koanf:"log"`
	DB        DBConfig        `koanf:"db"`
	Device    DeviceConfig    `koanf:"device"`
	Detection DetectionConfig `koanf:"detection"`
	Auth      AuthConfig      `koanf:"auth"`
	MQTT      MQTTConfig      `koanf:"mqtt"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `koanf:"level"`
	File  string `koanf:"file"` // Optional path to an additional log file
}

// DBConfig holds database settings.
type DBConfig struct {
	File string `koanf:"file"` // Path to the SQLite database file
}

// DeviceConfig holds settings for talking to remote camera devices.
type DeviceConfig struct {
	PingTimeoutSeconds      int `koanf:"ping_timeout_seconds"`
	CommandTimeoutSeconds   int `koanf:"command_timeout_seconds"`
	FrameTimeoutSeconds     int `koanf:"frame_timeout_seconds"`
	LongPollTimeoutSeconds  int `koanf:"long_poll_timeout_seconds"`
	ReconnectDelaySeconds   int `koanf:"reconnect_delay_seconds"`
	SessionStartTimeoutSecs int `koanf:"session_start_timeout_seconds"`
}

// DetectionConfig holds defaults for the sequential shot detector.
type DetectionConfig struct {
	DifferenceThreshold float64 `koanf:"difference_threshold"`
	MinShotArea         int     `koanf:"min_shot_area"`
	MaxShotArea         int     `koanf:"max_shot_area"`
	MinShotIntervalMs   int     `koanf:"min_shot_interval_ms"`
	ConfirmationFrames  int     `koanf:"confirmation_frames"`
	Sensitivity         string  `koanf:"sensitivity"` // low, medium or high
}

// AuthConfig holds settings for device credential handling.
type AuthConfig struct {
	EncryptionKey string `koanf:"encryption_key"` // 32-byte hex key for credential storage
	SigningSecret string `koanf:"signing_secret"` // Secret for access-token signing
	TokenTTLMins  int    `koanf:"token_ttl_minutes"`
}

// MQTTConfig holds settings for the optional MQTT event publisher.
type MQTTConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Broker    string `koanf:"broker"`
	Port      int    `koanf:"port"`
	Username  string `koanf:"username"`
	Password  string `koanf:"password"`
	ClientID  string `koanf:"client_id"`
	BaseTopic string `koanf:"base_topic"`
}

// PingTimeout returns the device liveness-check timeout.
func (c DeviceConfig) PingTimeout() time.Duration {
	return time.Duration(c.PingTimeoutSeconds) * time.Second
}

// CommandTimeout returns the timeout for short device commands (stop, pause, zoom).
func (c DeviceConfig) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutSeconds) * time.Second
}

// FrameTimeout returns the timeout for single-frame fetches.
func (c DeviceConfig) FrameTimeout() time.Duration {
	return time.Duration(c.FrameTimeoutSeconds) * time.Second
}

// LongPollTimeout returns the server-side wait used for /frame/next.
func (c DeviceConfig) LongPollTimeout() time.Duration {
	return time.Duration(c.LongPollTimeoutSeconds) * time.Second
}

// ReconnectDelay returns the fixed push-transport reconnect backoff.
func (c DeviceConfig) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelaySeconds) * time.Second
}

// SessionStartTimeout returns the timeout for /session/start.
func (c DeviceConfig) SessionStartTimeout() time.Duration {
	return time.Duration(c.SessionStartTimeoutSecs) * time.Second
}

// MinShotInterval returns the detector's minimum time between shots.
func (c DetectionConfig) MinShotInterval() time.Duration {
	return time.Duration(c.MinShotIntervalMs) * time.Millisecond
}

// TokenTTL returns the lifetime of issued device access tokens.
func (c AuthConfig) TokenTTL() time.Duration {
	return time.Duration(c.TokenTTLMins) * time.Minute
}

// Global Koanf instance
var k = koanf.New(".")

// Load reads configuration from file and applies defaults selectively
// for fields the file left at their zero value.
func Load(configPath string) (*Config, error) {
	log.Printf("Loading configuration from %s...\n", configPath)
	if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
		log.Printf("Warning: Failed to load configuration file '%s': %v\n", configPath, err)
		// Continue even if file loading fails, defaults apply below
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		log.Printf("Warning: Failed to unmarshal config structure: %v\n", err)
	}

	// --- Apply defaults selectively ONLY if fields are still zero-valued ---
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 3000
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.DB.File == "" {
		cfg.DB.File = "/data/gmshoot.db"
	}

	// Device transport defaults mirror the Pi firmware's expectations:
	// short command timeouts and a ~12s long poll for /frame/next.
	if cfg.Device.PingTimeoutSeconds == 0 {
		cfg.Device.PingTimeoutSeconds = 5
	}
	if cfg.Device.CommandTimeoutSeconds == 0 {
		cfg.Device.CommandTimeoutSeconds = 5
	}
	if cfg.Device.FrameTimeoutSeconds == 0 {
		cfg.Device.FrameTimeoutSeconds = 10
	}
	if cfg.Device.LongPollTimeoutSeconds == 0 {
		cfg.Device.LongPollTimeoutSeconds = 12
	}
	if cfg.Device.ReconnectDelaySeconds == 0 {
		cfg.Device.ReconnectDelaySeconds = 5
	}
	if cfg.Device.SessionStartTimeoutSecs == 0 {
		cfg.Device.SessionStartTimeoutSecs = 8
	}

	if cfg.Detection.DifferenceThreshold == 0 {
		cfg.Detection.DifferenceThreshold = 0.15
	}
	if cfg.Detection.MinShotArea == 0 {
		cfg.Detection.MinShotArea = 100
	}
	if cfg.Detection.MaxShotArea == 0 {
		cfg.Detection.MaxShotArea = 50000
	}
	if cfg.Detection.MinShotIntervalMs == 0 {
		cfg.Detection.MinShotIntervalMs = 500
	}
	if cfg.Detection.ConfirmationFrames == 0 {
		cfg.Detection.ConfirmationFrames = 2
	}
	if cfg.Detection.Sensitivity == "" {
		cfg.Detection.Sensitivity = "medium"
	}

	if cfg.Auth.TokenTTLMins == 0 {
		cfg.Auth.TokenTTLMins = 60
	}

	if cfg.MQTT.Broker == "" {
		cfg.MQTT.Broker = "localhost"
	}
	if cfg.MQTT.Port == 0 {
		cfg.MQTT.Port = 1883
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "gmshoot-go"
	}
	if cfg.MQTT.BaseTopic == "" {
		cfg.MQTT.BaseTopic = "gmshoot"
	}

	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	cfg.Detection.Sensitivity = strings.ToLower(cfg.Detection.Sensitivity)

	log.Println("Configuration loaded successfully.")
	return &cfg, nil
}
