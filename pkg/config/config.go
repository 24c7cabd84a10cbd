package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Auth    AuthConfig    `yaml:"auth"`
	Store   StoreConfig   `yaml:"store"`
	Scylla  ScyllaConfig  `yaml:"scylla"`
	Redis   RedisConfig   `yaml:"redis"`
	Kafka   KafkaConfig   `yaml:"kafka"`
	Gateway GatewayConfig `yaml:"gateway"`
	Chat    ChatConfig    `yaml:"chat"`
	Log     LogConfig     `yaml:"log"`
	NodeID  int64         `yaml:"node_id"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	// RequestsPerMinute is the per-IP REST budget; 0 disables the limiter.
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

type AuthConfig struct {
	Secret   string        `yaml:"secret"`
	TokenTTL time.Duration `yaml:"token_ttl"`
	Issuer   string        `yaml:"issuer"`
	// DevLogin enables POST /login, which issues a token for any user id.
	DevLogin bool `yaml:"dev_login"`
}

type StoreConfig struct {
	// Backend is "scylla" or "memory".
	Backend string `yaml:"backend"`
}

type ScyllaConfig struct {
	Hosts             []string `yaml:"hosts"`
	Keyspace          string   `yaml:"keyspace"`
	ReplicationFactor int      `yaml:"replication_factor"`
	AutoMigrate       bool     `yaml:"auto_migrate"`
}

type RedisConfig struct {
	// Addr empty disables the presence mirror and notifications.
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	// Brokers empty selects in-process fan-out.
	Brokers     []string `yaml:"brokers"`
	Topic       string   `yaml:"topic"`
	GroupPrefix string   `yaml:"group_prefix"`
	NotifyGroup string   `yaml:"notify_group"`
}

type GatewayConfig struct {
	MaxMessageSize int64   `yaml:"max_message_size"`
	SendBuffer     int     `yaml:"send_buffer"`
	EventsPerSec   float64 `yaml:"events_per_sec"`
	EventBurst     int     `yaml:"event_burst"`
}

type ChatConfig struct {
	MaxContentLength    int `yaml:"max_content_length"`
	HistoryDefaultLimit int `yaml:"history_default_limit"`
	HistoryMaxLimit     int `yaml:"history_max_limit"`
	NotificationCap     int `yaml:"notification_cap"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              ":8080",
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
			ShutdownTimeout:   5 * time.Second,
			RequestsPerMinute: 600,
		},
		Auth: AuthConfig{
			TokenTTL: 24 * time.Hour,
			Issuer:   "chatcore",
		},
		Store: StoreConfig{Backend: "scylla"},
		Scylla: ScyllaConfig{
			Hosts:             []string{"localhost:9042"},
			Keyspace:          "chat",
			ReplicationFactor: 1,
		},
		Kafka: KafkaConfig{
			Topic:       "chat-events",
			GroupPrefix: "gateway-group",
			NotifyGroup: "notifier-group",
		},
		Gateway: GatewayConfig{
			MaxMessageSize: 8192,
			SendBuffer:     256,
			EventsPerSec:   20,
			EventBurst:     40,
		},
		Chat: ChatConfig{
			MaxContentLength:    1000,
			HistoryDefaultLimit: 50,
			HistoryMaxLimit:     200,
			NotificationCap:     100,
		},
		Log:    LogConfig{Level: "info", Format: "text"},
		NodeID: 1,
	}
}

// Load builds the configuration: defaults, then the YAML file at path (or
// $CHAT_CONFIG) if any, then a .env file in the working directory, then
// environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("CHAT_CONFIG")
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.Server.Addr, "LISTEN_ADDR")
	setString(&c.Auth.Secret, "JWT_SECRET")
	setString(&c.Store.Backend, "STORE_BACKEND")
	setList(&c.Scylla.Hosts, "SCYLLA_HOSTS")
	setString(&c.Scylla.Keyspace, "SCYLLA_KEYSPACE")
	setString(&c.Redis.Addr, "REDIS_ADDR")
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	setList(&c.Kafka.Brokers, "KAFKA_BROKERS")
	setString(&c.Kafka.Topic, "KAFKA_TOPIC")
	setString(&c.Log.Level, "LOG_LEVEL")
	setString(&c.Log.Format, "LOG_FORMAT")

	if v := os.Getenv("DEV_LOGIN"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("DEV_LOGIN: %w", err)
		}
		c.Auth.DevLogin = b
	}
	if v := os.Getenv("SCYLLA_AUTO_MIGRATE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("SCYLLA_AUTO_MIGRATE: %w", err)
		}
		c.Scylla.AutoMigrate = b
	}
	if v := os.Getenv("NODE_ID"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("NODE_ID: %w", err)
		}
		c.NodeID = n
	}
	return nil
}

// Validate rejects configurations the services cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Auth.Secret == "" {
		errs = append(errs, errors.New("auth.secret (JWT_SECRET) is required"))
	}
	switch c.Store.Backend {
	case "memory":
	case "scylla":
		if len(c.Scylla.Hosts) == 0 {
			errs = append(errs, errors.New("scylla.hosts is required for the scylla backend"))
		}
		if c.Scylla.Keyspace == "" {
			errs = append(errs, errors.New("scylla.keyspace is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend %q is not one of memory, scylla", c.Store.Backend))
	}
	if c.NodeID < 0 || c.NodeID > 1023 {
		errs = append(errs, fmt.Errorf("node_id %d out of range 0-1023", c.NodeID))
	}
	if c.Chat.MaxContentLength <= 0 {
		errs = append(errs, errors.New("chat.max_content_length must be positive"))
	}
	if c.Gateway.SendBuffer <= 0 {
		errs = append(errs, errors.New("gateway.send_buffer must be positive"))
	}
	return errors.Join(errs...)
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func setList(dst *[]string, env string) {
	v := os.Getenv(env)
	if v == "" {
		return
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	*dst = out
}
