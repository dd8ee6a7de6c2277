package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config lists the tunable parameters for the ingestion daemon.
type Config struct {
	BrokerHost     string        `yaml:"mqtt_host"`
	BrokerPort     int           `yaml:"mqtt_port"`
	KeepAlive      time.Duration `yaml:"mqtt_keepalive"`
	Topic          string        `yaml:"mqtt_topic"`
	ClientID       string        `yaml:"mqtt_client_id"`
	Username       string        `yaml:"mqtt_username"`
	Password       string        `yaml:"mqtt_password"`
	EmbeddedBroker string        `yaml:"embedded_broker"`
	DatabasePath   string        `yaml:"database_path"`
	Workers        int           `yaml:"workers"`
	QueueSize      int           `yaml:"queue_size"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	DrainTimeout   time.Duration `yaml:"drain_timeout"`
	HTTPPort       int           `yaml:"http_port"`
	LogLevel       string        `yaml:"log_level"`
}

const (
	defaultBrokerHost   = "localhost"
	defaultBrokerPort   = 1883
	defaultKeepAlive    = 60 * time.Second
	defaultTopic        = "sensor/#"
	defaultClientID     = "aqua-ingest"
	defaultDatabasePath = "data/aqua_sensor_data.db"
	defaultWorkers      = 10
	defaultQueueSize    = 1000
	defaultWriteTimeout = 2 * time.Second
	defaultDrainTimeout = 10 * time.Second
	defaultHTTPPort     = 9090
	defaultLogLevel     = "info"

	envPrefix = "AQUA_"
)

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		BrokerHost:   defaultBrokerHost,
		BrokerPort:   defaultBrokerPort,
		KeepAlive:    defaultKeepAlive,
		Topic:        defaultTopic,
		ClientID:     defaultClientID,
		DatabasePath: defaultDatabasePath,
		Workers:      defaultWorkers,
		QueueSize:    defaultQueueSize,
		WriteTimeout: defaultWriteTimeout,
		DrainTimeout: defaultDrainTimeout,
		HTTPPort:     defaultHTTPPort,
		LogLevel:     defaultLogLevel,
	}
}

// BrokerURL is the paho broker address for the configured host and port.
func (c Config) BrokerURL() string {
	return "tcp://" + net.JoinHostPort(c.BrokerHost, strconv.Itoa(c.BrokerPort))
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if c.BrokerHost == "" {
		errs = append(errs, errors.New("mqtt host must not be empty"))
	}
	if c.BrokerPort < 1 || c.BrokerPort > 65535 {
		errs = append(errs, fmt.Errorf("mqtt port %d out of range", c.BrokerPort))
	}
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("http port %d out of range", c.HTTPPort))
	}
	if strings.TrimSpace(c.Topic) == "" {
		errs = append(errs, errors.New("mqtt topic must not be empty"))
	}
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if c.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("queue size must be positive, got %d", c.QueueSize))
	}
	if c.KeepAlive <= 0 {
		errs = append(errs, fmt.Errorf("keepalive must be positive, got %s", c.KeepAlive))
	}
	if c.WriteTimeout <= 0 {
		errs = append(errs, fmt.Errorf("write timeout must be positive, got %s", c.WriteTimeout))
	}
	if c.DrainTimeout <= 0 {
		errs = append(errs, fmt.Errorf("drain timeout must be positive, got %s", c.DrainTimeout))
	}
	if c.DatabasePath == "" {
		errs = append(errs, errors.New("database path must not be empty"))
	}
	return errors.Join(errs...)
}

// Load builds the configuration from defaults, an optional YAML file named by --config,
// AQUA_* environment variables and command-line flags, in increasing precedence.
func Load(args []string) (Config, error) {
	return load(args, os.LookupEnv)
}

func load(args []string, lookup func(string) (string, bool)) (Config, error) {
	var flags Config
	var configPath string

	fs := pflag.NewFlagSet("aqua-ingest", pflag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "path to a YAML configuration file")
	fs.StringVar(&flags.BrokerHost, "mqtt-host", defaultBrokerHost, "MQTT broker host")
	fs.IntVar(&flags.BrokerPort, "mqtt-port", defaultBrokerPort, "MQTT broker port")
	fs.DurationVar(&flags.KeepAlive, "mqtt-keepalive", defaultKeepAlive, "MQTT keepalive interval")
	fs.StringVar(&flags.Topic, "mqtt-topic", defaultTopic, "MQTT topic filter to subscribe to")
	fs.StringVar(&flags.ClientID, "mqtt-client-id", defaultClientID, "MQTT client id prefix")
	fs.StringVar(&flags.EmbeddedBroker, "embedded-broker", "", "bind address for an embedded MQTT broker (disabled when empty)")
	fs.StringVar(&flags.DatabasePath, "db", defaultDatabasePath, "SQLite database path")
	fs.IntVar(&flags.Workers, "workers", defaultWorkers, "number of ingestion workers")
	fs.IntVar(&flags.QueueSize, "queue-size", defaultQueueSize, "dispatch queue capacity")
	fs.DurationVar(&flags.WriteTimeout, "write-timeout", defaultWriteTimeout, "per-reading storage write timeout")
	fs.DurationVar(&flags.DrainTimeout, "drain-timeout", defaultDrainTimeout, "time allowed to drain queued work on shutdown")
	fs.IntVar(&flags.HTTPPort, "http-port", defaultHTTPPort, "health and metrics HTTP port")
	fs.StringVar(&flags.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := Default()

	if configPath != "" {
		if err := loadYAML(configPath, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := applyEnv(&cfg, lookup); err != nil {
		return Config{}, err
	}

	fs.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "mqtt-host":
			cfg.BrokerHost = flags.BrokerHost
		case "mqtt-port":
			cfg.BrokerPort = flags.BrokerPort
		case "mqtt-keepalive":
			cfg.KeepAlive = flags.KeepAlive
		case "mqtt-topic":
			cfg.Topic = flags.Topic
		case "mqtt-client-id":
			cfg.ClientID = flags.ClientID
		case "embedded-broker":
			cfg.EmbeddedBroker = flags.EmbeddedBroker
		case "db":
			cfg.DatabasePath = flags.DatabasePath
		case "workers":
			cfg.Workers = flags.Workers
		case "queue-size":
			cfg.QueueSize = flags.QueueSize
		case "write-timeout":
			cfg.WriteTimeout = flags.WriteTimeout
		case "drain-timeout":
			cfg.DrainTimeout = flags.DrainTimeout
		case "http-port":
			cfg.HTTPPort = flags.HTTPPort
		case "log-level":
			cfg.LogLevel = flags.LogLevel
		}
	})

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadYAML(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	strVars := map[string]*string{
		"MQTT_HOST":       &cfg.BrokerHost,
		"MQTT_TOPIC":      &cfg.Topic,
		"MQTT_CLIENT_ID":  &cfg.ClientID,
		"MQTT_USERNAME":   &cfg.Username,
		"MQTT_PASSWORD":   &cfg.Password,
		"EMBEDDED_BROKER": &cfg.EmbeddedBroker,
		"DATABASE_PATH":   &cfg.DatabasePath,
		"LOG_LEVEL":       &cfg.LogLevel,
	}
	for name, dst := range strVars {
		if v, ok := lookup(envPrefix + name); ok && v != "" {
			*dst = v
		}
	}

	intVars := map[string]*int{
		"MQTT_PORT":  &cfg.BrokerPort,
		"WORKERS":    &cfg.Workers,
		"QUEUE_SIZE": &cfg.QueueSize,
		"HTTP_PORT":  &cfg.HTTPPort,
	}
	for name, dst := range intVars {
		v, ok := lookup(envPrefix + name)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s%s: %w", envPrefix, name, err)
		}
		*dst = n
	}

	durVars := map[string]*time.Duration{
		"MQTT_KEEPALIVE": &cfg.KeepAlive,
		"WRITE_TIMEOUT":  &cfg.WriteTimeout,
		"DRAIN_TIMEOUT":  &cfg.DrainTimeout,
	}
	for name, dst := range durVars {
		v, ok := lookup(envPrefix + name)
		if !ok || v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s%s: %w", envPrefix, name, err)
		}
		*dst = d
	}
	return nil
}
