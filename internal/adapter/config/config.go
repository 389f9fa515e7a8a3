// Package config provides configuration management for the register
// collector. It supports environment variables, config files (YAML/JSON),
// and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/shenjianeng2024/modbus-recoder/internal/domain"
)

// Config holds all configuration for the collector.
type Config struct {
	// Environment is the deployment environment (development, production)
	Environment string `mapstructure:"environment"`

	// RangesPath is the path to the address ranges file (.yaml or .json)
	RangesPath string `mapstructure:"ranges_path"`

	// HTTP server configuration
	HTTP HTTPConfig `mapstructure:"http"`

	// Modbus device configuration
	Modbus ModbusConfig `mapstructure:"modbus"`

	// Collection session configuration
	Collection CollectionConfig `mapstructure:"collection"`

	// MQTT live publisher configuration
	MQTT MQTTConfig `mapstructure:"mqtt"`

	// Logging configuration
	Logging LoggingConfig `mapstructure:"logging"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`

	// MaxRequestBodySize limits request payloads (bytes).
	MaxRequestBodySize int64 `mapstructure:"max_request_body_size"`

	// AuthEnabled requires the X-API-Key header on mutating endpoints.
	AuthEnabled bool   `mapstructure:"auth_enabled"`
	APIKey      string `mapstructure:"api_key"`

	// AllowedOrigins restricts CORS; empty allows any origin.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// ModbusConfig holds Modbus TCP connection configuration.
type ModbusConfig struct {
	Address     string        `mapstructure:"address"`
	SlaveID     int           `mapstructure:"slave_id"`
	Timeout     time.Duration `mapstructure:"timeout"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
	MaxRetries  int           `mapstructure:"max_retries"`
}

// CollectionConfig holds collection session configuration.
type CollectionConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	SinkPath    string        `mapstructure:"sink_path"`
	Format      string        `mapstructure:"format"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	HistorySize int           `mapstructure:"history_size"`
	StopOnError bool          `mapstructure:"stop_on_error"`
	AutoStart   bool          `mapstructure:"auto_start"`
}

// MQTTConfig holds the optional live publisher configuration.
type MQTTConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BrokerURL      string        `mapstructure:"broker_url"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	Topic          string        `mapstructure:"topic"`
	QoS            int           `mapstructure:"qos"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // json or console
	Output     string `mapstructure:"output"` // stdout, stderr, or file path
	TimeFormat string `mapstructure:"time_format"`
}

// Load loads configuration from files and environment variables.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/modbus-recoder")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found, will use defaults and env vars
	}

	v.SetEnvPrefix("RECODER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("ranges_path", "./config/ranges.yaml")

	// HTTP
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 10*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)
	v.SetDefault("http.max_request_body_size", 1048576)
	v.SetDefault("http.auth_enabled", false)

	// Modbus
	v.SetDefault("modbus.address", "127.0.0.1:502")
	v.SetDefault("modbus.slave_id", 1)
	v.SetDefault("modbus.timeout", 3*time.Second)
	v.SetDefault("modbus.idle_timeout", 30*time.Second)
	v.SetDefault("modbus.max_retries", 3)

	// Collection
	v.SetDefault("collection.interval", 1*time.Second)
	v.SetDefault("collection.sink_path", "./data/collection.csv")
	v.SetDefault("collection.format", "dec")
	v.SetDefault("collection.read_timeout", 5*time.Second)
	v.SetDefault("collection.history_size", 100)
	v.SetDefault("collection.stop_on_error", false)
	v.SetDefault("collection.auto_start", false)

	// MQTT
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker_url", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "modbus-recoder")
	v.SetDefault("mqtt.topic", "modbus-recoder/batches")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.connect_timeout", 10*time.Second)

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.time_format", time.RFC3339)
}

// bindEnvVars binds environment variables to config keys.
func bindEnvVars(v *viper.Viper) {
	_ = v.BindEnv("environment", "ENVIRONMENT")
	_ = v.BindEnv("ranges_path", "RANGES_PATH")

	_ = v.BindEnv("http.port", "HTTP_PORT")
	_ = v.BindEnv("http.api_key", "API_KEY")

	_ = v.BindEnv("modbus.address", "MODBUS_ADDRESS")
	_ = v.BindEnv("modbus.slave_id", "MODBUS_SLAVE_ID")

	_ = v.BindEnv("collection.sink_path", "SINK_PATH")
	_ = v.BindEnv("collection.interval", "COLLECTION_INTERVAL")

	_ = v.BindEnv("mqtt.enabled", "MQTT_ENABLED")
	_ = v.BindEnv("mqtt.broker_url", "MQTT_BROKER_URL")
	_ = v.BindEnv("mqtt.username", "MQTT_USERNAME")
	_ = v.BindEnv("mqtt.password", "MQTT_PASSWORD")

	_ = v.BindEnv("logging.level", "LOG_LEVEL")
	_ = v.BindEnv("logging.format", "LOG_FORMAT")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTP.Port)
	}
	if c.HTTP.AuthEnabled && c.HTTP.APIKey == "" {
		return fmt.Errorf("http.api_key is required when http.auth_enabled is true")
	}
	if c.Modbus.Address == "" {
		return fmt.Errorf("modbus address is required")
	}
	if c.Modbus.SlaveID < 1 || c.Modbus.SlaveID > 247 {
		return fmt.Errorf("modbus slave_id must be between 1 and 247, got %d", c.Modbus.SlaveID)
	}
	if c.Collection.Interval < domain.MinCollectionInterval {
		return fmt.Errorf("collection interval must be at least %s, got %s",
			domain.MinCollectionInterval, c.Collection.Interval)
	}
	switch domain.DisplayFormat(c.Collection.Format) {
	case domain.FormatDec, domain.FormatHex, domain.FormatBin:
	default:
		return fmt.Errorf("invalid display format: %q", c.Collection.Format)
	}
	if c.MQTT.Enabled && c.MQTT.BrokerURL == "" {
		return fmt.Errorf("MQTT broker URL is required when MQTT is enabled")
	}
	return nil
}
