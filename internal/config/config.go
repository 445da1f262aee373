package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the variable holding the config file path.
const EnvConfigPath = "POINTCALC_CONFIG"

// Config holds runtime settings.
type Config struct {
	HTTPAddr        string   `yaml:"http_addr"`
	LogLevel        string   `yaml:"log_level"`
	DatabaseURL     string   `yaml:"database_url"`
	DefinitionsFile string   `yaml:"definitions_file"`
	CORSOrigins     []string `yaml:"cors_origins"`

	Engine  EngineConfig  `yaml:"engine"`
	History HistoryConfig `yaml:"history"`
	Redis   RedisConfig   `yaml:"redis"`
	Kafka   KafkaConfig   `yaml:"kafka"`
	Notify  NotifyConfig  `yaml:"notify"`
}

// EngineConfig sizes the worker pool and evaluation budgets.
type EngineConfig struct {
	Workers           int           `yaml:"workers"`
	QueueSize         int           `yaml:"queue_size"`
	EvalBudget        time.Duration `yaml:"eval_budget"`
	AlarmTick         time.Duration `yaml:"alarm_tick"`
	MaxSamples        int           `yaml:"max_samples"`
	AlarmScriptBudget time.Duration `yaml:"alarm_script_budget"`
}

// HistoryConfig controls execution history retention.
type HistoryConfig struct {
	PerPoint  int           `yaml:"per_point"`
	Retention time.Duration `yaml:"retention"`
	QueueSize int           `yaml:"queue_size"`
	PurgeSpec string        `yaml:"purge_spec"`
}

// RedisConfig enables the value mirror when Addr is set.
type RedisConfig struct {
	Addr    string        `yaml:"addr"`
	DB      int           `yaml:"db"`
	Prefix  string        `yaml:"prefix"`
	Channel string        `yaml:"channel"`
	TTL     time.Duration `yaml:"ttl"`
}

// KafkaConfig enables alarm event publishing when Brokers is set.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// NotifyConfig configures outbound notification channels.
type NotifyConfig struct {
	Cooldown       time.Duration            `yaml:"cooldown"`
	DedupeWindow   time.Duration            `yaml:"dedupe_window"`
	RequestTimeout time.Duration            `yaml:"request_timeout"`
	Template       string                   `yaml:"template"`
	Webhooks       map[string]WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig is one named webhook channel.
type WebhookConfig struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	Retries int               `yaml:"retries"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		HTTPAddr: ":8080",
		LogLevel: "info",
		Engine: EngineConfig{
			Workers:           4,
			QueueSize:         4096,
			EvalBudget:        100 * time.Millisecond,
			AlarmTick:         time.Second,
			MaxSamples:        4096,
			AlarmScriptBudget: 50 * time.Millisecond,
		},
		History: HistoryConfig{
			PerPoint:  100,
			Retention: 7 * 24 * time.Hour,
			QueueSize: 1024,
			PurgeSpec: "@every 1h",
		},
		Redis: RedisConfig{
			Prefix:  "pointcalc:value:",
			Channel: "pointcalc.values.changed",
		},
		Kafka: KafkaConfig{Topic: "pointcalc.alarms"},
		Notify: NotifyConfig{
			Cooldown:       time.Minute,
			DedupeWindow:   10 * time.Second,
			RequestTimeout: 5 * time.Second,
		},
	}
}

// Load reads the file named by POINTCALC_CONFIG, if any, over the defaults
// and then applies environment overrides.
func Load() (Config, error) {
	cfg := Default()
	if path := os.Getenv(EnvConfigPath); path != "" {
		if err := readYAML(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks settings that would otherwise fail late.
func (c Config) Validate() error {
	if c.HTTPAddr == "" {
		return errors.New("config: http_addr is required")
	}
	if c.DefinitionsFile == "" && c.DatabaseURL == "" {
		return errors.New("config: definitions_file or database_url is required")
	}
	if c.Engine.Workers <= 0 || c.Engine.QueueSize <= 0 {
		return errors.New("config: engine workers and queue_size must be positive")
	}
	if c.Engine.AlarmTick <= 0 {
		return errors.New("config: engine alarm_tick must be positive")
	}
	for name, hook := range c.Notify.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config: webhook %s has no url", name)
		}
	}
	return nil
}

func readYAML(path string, out any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.HTTPAddr = getenvDefault("HTTP_ADDR", cfg.HTTPAddr)
	cfg.LogLevel = getenvDefault("LOG_LEVEL", cfg.LogLevel)
	cfg.DatabaseURL = getenvDefault("DATABASE_URL", cfg.DatabaseURL)
	cfg.DefinitionsFile = getenvDefault("POINTCALC_DEFINITIONS", cfg.DefinitionsFile)
	cfg.Engine.Workers = getenvIntDefault("ENGINE_WORKERS", cfg.Engine.Workers)
	cfg.Engine.QueueSize = getenvIntDefault("ENGINE_QUEUE_SIZE", cfg.Engine.QueueSize)
	cfg.Engine.EvalBudget = getenvDuration("ENGINE_EVAL_BUDGET", cfg.Engine.EvalBudget)
	cfg.Redis.Addr = getenvDefault("REDIS_ADDR", cfg.Redis.Addr)
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.Kafka.Brokers = splitList(brokers)
	}
	cfg.Kafka.Topic = getenvDefault("KAFKA_TOPIC", cfg.Kafka.Topic)
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
