// Package config loads the bridge configuration from a YAML file with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/MatusOllah/slogcolor"
	"github.com/spf13/viper"
)

type Configuration struct {
	ListenAddr string
	LogLevel   string
	Database   struct {
		Path string
	}
	Connection ConnectionSettings
	Device     DeviceSettings
	API        APISettings
	MQTT       MQTTSettings
	Broker     BrokerSettings
}

// ConnectionSettings selects and parameterizes exactly one transport.
type ConnectionSettings struct {
	// Type is one of "serial", "ble", or "tcp".
	Type   string
	Serial struct {
		Port string
		Baud int
	}
	BLE struct {
		Address string
	}
	TCP struct {
		Host string
		Port int
	}
}

// DeviceSettings tunes the session and polling behaviour.
type DeviceSettings struct {
	AppName string
	// ConnectTimeoutSeconds bounds transport connect and handshake.
	ConnectTimeoutSeconds int
	// MessagesIntervalSeconds is how often the message queue is synced
	// even without a waiting-messages push.
	MessagesIntervalSeconds int
	// InfoIntervalSeconds is how often contacts and battery refresh.
	InfoIntervalSeconds int
}

// APISettings guards the HTTP surface. With an empty hash the API is
// open; genpass produces a hash and salt pair.
type APISettings struct {
	TokenHash string
	TokenSalt string
}

// MQTTSettings points the Home Assistant publisher at a broker.
type MQTTSettings struct {
	Enabled         bool
	BrokerURL       string
	Username        string
	Password        string
	DiscoveryPrefix string
	BaseTopic       string
}

// BrokerSettings controls the optional embedded MQTT broker.
type BrokerSettings struct {
	Enabled        bool
	ListenAddr     string
	AllowAnonymous bool
	Username       string
	PasswordHash   string
	PasswordSalt   string
}

// ConnectTimeout returns the configured connect timeout as a duration.
func (d DeviceSettings) ConnectTimeout() time.Duration {
	if d.ConnectTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(d.ConnectTimeoutSeconds) * time.Second
}

// MessagesInterval returns the message sync interval as a duration.
func (d DeviceSettings) MessagesInterval() time.Duration {
	if d.MessagesIntervalSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(d.MessagesIntervalSeconds) * time.Second
}

// InfoInterval returns the info refresh interval as a duration.
func (d DeviceSettings) InfoInterval() time.Duration {
	if d.InfoIntervalSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(d.InfoIntervalSeconds) * time.Second
}

// Load reads the configuration from the given file, or from config.yaml
// in the working directory and /etc/meshcore-ha when path is empty.
// Environment variables prefixed MESHCORE_ override file values.
func Load(path string) (*Configuration, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/meshcore-ha")
	}

	v.SetEnvPrefix("MESHCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("ListenAddr", ":8090")
	v.SetDefault("LogLevel", "info")
	v.SetDefault("Database.Path", "meshcore-ha.db")
	v.SetDefault("Device.AppName", "meshcore-ha")
	v.SetDefault("MQTT.DiscoveryPrefix", "homeassistant")
	v.SetDefault("MQTT.BaseTopic", "meshcore")
	v.SetDefault("Broker.ListenAddr", ":1883")

	// With no explicit path, a missing file is fine: every key has a
	// default or an environment override. An explicit path that cannot
	// be read is still fatal.
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Configuration
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// InitLogging installs the colored console handler at the configured
// level as the default slog logger.
func InitLogging(level string) {
	opts := slogcolor.DefaultOptions
	switch strings.ToLower(level) {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	default:
		opts.Level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slogcolor.NewHandler(os.Stderr, opts)))
}
