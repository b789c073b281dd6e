package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Arlo    ArloConfig    `yaml:"arlo"`
	HTTP    HTTPConfig    `yaml:"http"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
	Session SessionConfig `yaml:"session"`
	Log     LogConfig     `yaml:"log"`
}

// ArloConfig holds Arlo cloud API configuration.
type ArloConfig struct {
	APIBase        string `yaml:"api_base"`
	AuthBase       string `yaml:"auth_base"`
	Email          string `yaml:"email"`
	Password       string `yaml:"password"`
	TwoFactorType  string `yaml:"two_factor_type"` // "", "sms" or "email"
	CommandTimeout int    `yaml:"command_timeout"` // seconds
	PingInterval   int    `yaml:"ping_interval"`   // seconds
}

// MQTTConfig holds MQTT broker configuration.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	ClientID    string `yaml:"client_id"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Addr    string `yaml:"addr"`
	CORSAll bool   `yaml:"cors_allow_all"`
}

// SessionConfig holds session file path configuration.
type SessionConfig struct {
	Path string `yaml:"path"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() Config {
	return Config{
		Arlo: ArloConfig{
			APIBase:        "https://myapi.arlo.com",
			AuthBase:       "https://ocapi-app.arlo.com",
			CommandTimeout: 15,
			PingInterval:   30,
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		MQTT: MQTTConfig{
			TopicPrefix: "arlo",
			ClientID:    "arlod",
		},
		Session: SessionConfig{
			Path: "/data/session.json",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from a YAML file at path, then overlays environment variables.
// If path is empty, only defaults + env vars are used.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("config: read %s: %w", path, err)
			}
			// file not found is ok, use defaults
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	applyEnv(&cfg)

	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	switch cfg.Arlo.TwoFactorType {
	case "", "sms", "email":
	default:
		return fmt.Errorf("config: invalid two_factor_type %q (use sms or email)", cfg.Arlo.TwoFactorType)
	}
	if cfg.Arlo.CommandTimeout <= 0 {
		return fmt.Errorf("config: command_timeout must be positive")
	}
	if cfg.Arlo.PingInterval <= 0 {
		return fmt.Errorf("config: ping_interval must be positive")
	}
	return nil
}

// applyEnv overlays environment variables on top of the config.
// Env vars take precedence over YAML values.
func applyEnv(cfg *Config) {
	if v := os.Getenv("ARLO_API_BASE"); v != "" {
		cfg.Arlo.APIBase = v
	}
	if v := os.Getenv("ARLO_AUTH_BASE"); v != "" {
		cfg.Arlo.AuthBase = v
	}
	if v := os.Getenv("ARLO_EMAIL"); v != "" {
		cfg.Arlo.Email = v
	}
	if v := os.Getenv("ARLO_PASSWORD"); v != "" {
		cfg.Arlo.Password = v
	}
	if v := os.Getenv("ARLO_TWO_FACTOR_TYPE"); v != "" {
		cfg.Arlo.TwoFactorType = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("ARLO_COMMAND_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Arlo.CommandTimeout = n
		}
	}
	if v := os.Getenv("ARLO_PING_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Arlo.PingInterval = n
		}
	}
	if v := os.Getenv("ARLO_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("ARLO_CORS_ALLOW_ALL"); v != "" {
		cfg.HTTP.CORSAll = parseBool(v)
	}
	if v := os.Getenv("ARLO_MQTT_ENABLED"); v != "" {
		cfg.MQTT.Enabled = parseBool(v)
	}
	if v := os.Getenv("ARLO_MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
	}
	if v := os.Getenv("ARLO_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("ARLO_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv("ARLO_MQTT_TOPIC_PREFIX"); v != "" {
		cfg.MQTT.TopicPrefix = v
	}
	if v := os.Getenv("ARLO_MQTT_CLIENT_ID"); v != "" {
		cfg.MQTT.ClientID = v
	}
	if v := os.Getenv("ARLO_SESSION_PATH"); v != "" {
		cfg.Session.Path = v
	}
	if v := os.Getenv("ARLO_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("ARLO_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	b, _ := strconv.ParseBool(s)
	return b
}
