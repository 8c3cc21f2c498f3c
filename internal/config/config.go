// Package config loads lineary-ingest settings from an optional YAML file
// and environment overrides.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/48Nauts-Operator/lineary-ingest/internal/source"
)

type Config struct {
	Knowledge KnowledgeConfig `yaml:"knowledge"`
	Sources   SourcesConfig   `yaml:"sources"`
	Index     IndexConfig     `yaml:"index"`
	NATS      NATSConfig      `yaml:"nats"`
	Slack     SlackConfig     `yaml:"slack"`
	Port      int             `yaml:"port"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"`
}

// KnowledgeConfig addresses the knowledge store write endpoint.
type KnowledgeConfig struct {
	URL         string        `yaml:"url"`
	Token       string        `yaml:"token"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffMax  time.Duration `yaml:"backoff_max"`
}

// SourcesConfig drives the watcher, scanner and importer.
type SourcesConfig struct {
	Root           string        `yaml:"root"`
	Pattern        string        `yaml:"pattern"`
	Projects       []string      `yaml:"projects"`
	FileDelay      time.Duration `yaml:"file_delay"`
	DeliveryDelay  time.Duration `yaml:"delivery_delay"`
	SettleDelay    time.Duration `yaml:"settle_delay"`
	EventDelay     time.Duration `yaml:"event_delay"`
	RescanSchedule string        `yaml:"rescan_schedule"`
	MaxMessages    int           `yaml:"max_messages"`
}

// IndexConfig selects the fingerprint index backend.
type IndexConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type NATSConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

type SlackConfig struct {
	BotToken string `yaml:"bot_token"`
	Channel  string `yaml:"channel"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Knowledge: KnowledgeConfig{
			Timeout:     30 * time.Second,
			MaxAttempts: 5,
			BackoffBase: 1 * time.Second,
			BackoffMax:  30 * time.Second,
		},
		Sources: SourcesConfig{
			Root:          "~/.claude/projects",
			Pattern:       "*.jsonl",
			FileDelay:     1 * time.Second,
			DeliveryDelay: 500 * time.Millisecond,
			SettleDelay:   2 * time.Second,
			EventDelay:    500 * time.Millisecond,
			MaxMessages:   500,
		},
		Index: IndexConfig{
			Driver: "sqlite",
			DSN:    "~/.lineary-ingest/fingerprints.db",
		},
		Port:      8751,
		LogLevel:  "info",
		LogFormat: "auto",
	}
}

// Load reads the YAML file at path when path is non-empty, then applies
// environment overrides, derived defaults and validation.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	env := &envReader{}
	cfg.applyEnv(env)
	cfg.applyDefaults()

	errs := env.errs
	errs = append(errs, cfg.validate()...)
	if len(errs) > 0 {
		return nil, fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

func (c *Config) applyEnv(e *envReader) {
	c.Knowledge.URL = e.str("KNOWLEDGE_URL", c.Knowledge.URL)
	c.Knowledge.Token = e.str("KNOWLEDGE_API_TOKEN", c.Knowledge.Token)
	c.Knowledge.Timeout = e.duration("INGEST_TIMEOUT", c.Knowledge.Timeout)
	c.Knowledge.MaxAttempts = e.int("INGEST_MAX_ATTEMPTS", c.Knowledge.MaxAttempts)
	c.Knowledge.BackoffBase = e.duration("INGEST_BACKOFF_BASE", c.Knowledge.BackoffBase)
	c.Knowledge.BackoffMax = e.duration("INGEST_BACKOFF_MAX", c.Knowledge.BackoffMax)

	c.Sources.Root = e.str("INGEST_ROOT", c.Sources.Root)
	c.Sources.Pattern = e.str("INGEST_PATTERN", c.Sources.Pattern)
	c.Sources.FileDelay = e.duration("INGEST_FILE_DELAY", c.Sources.FileDelay)
	c.Sources.DeliveryDelay = e.duration("INGEST_DELIVERY_DELAY", c.Sources.DeliveryDelay)
	c.Sources.SettleDelay = e.duration("INGEST_SETTLE_DELAY", c.Sources.SettleDelay)
	c.Sources.EventDelay = e.duration("INGEST_EVENT_DELAY", c.Sources.EventDelay)
	c.Sources.RescanSchedule = e.str("INGEST_RESCAN_CRON", c.Sources.RescanSchedule)
	c.Sources.MaxMessages = e.int("INGEST_MAX_MESSAGES", c.Sources.MaxMessages)

	c.Index.Driver = e.str("INDEX_DRIVER", c.Index.Driver)
	c.Index.DSN = e.str("INDEX_DSN", c.Index.DSN)
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" && c.Index.Driver == "postgres" && os.Getenv("INDEX_DSN") == "" {
		c.Index.DSN = dbURL
	}

	c.NATS.URL = e.str("NATS_URL", c.NATS.URL)
	c.NATS.Token = e.str("NATS_TOKEN", c.NATS.Token)
	c.Slack.BotToken = e.str("SLACK_BOT_TOKEN", c.Slack.BotToken)
	c.Slack.Channel = e.str("SLACK_CHANNEL", c.Slack.Channel)

	c.Port = e.int("INGEST_PORT", c.Port)
	c.LogLevel = e.str("LOG_LEVEL", c.LogLevel)
	c.LogFormat = e.str("LOG_FORMAT", c.LogFormat)
}

// applyDefaults fills in derived values.
func (c *Config) applyDefaults() {
	c.Sources.Root = expandHome(c.Sources.Root)
	c.Index.Driver = strings.ToLower(c.Index.Driver)
	if c.Index.Driver == "sqlite" {
		c.Index.DSN = expandHome(c.Index.DSN)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)
	c.LogFormat = strings.ToLower(c.LogFormat)
}

func (c *Config) validate() []string {
	var errs []string
	if c.Knowledge.URL != "" {
		if u, err := url.Parse(c.Knowledge.URL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Sprintf("knowledge.url %q is not an absolute URL", c.Knowledge.URL))
		}
	}
	if c.Knowledge.Timeout <= 0 {
		errs = append(errs, "knowledge.timeout must be positive")
	}
	if c.Knowledge.MaxAttempts < 1 {
		errs = append(errs, "knowledge.max_attempts must be at least 1")
	}
	if c.Knowledge.BackoffBase <= 0 || c.Knowledge.BackoffMax < c.Knowledge.BackoffBase {
		errs = append(errs, "knowledge.backoff_base must be positive and not exceed backoff_max")
	}
	if c.Sources.Pattern != "" {
		if _, err := filepath.Match(c.Sources.Pattern, ""); err != nil {
			errs = append(errs, fmt.Sprintf("sources.pattern %q is invalid", c.Sources.Pattern))
		}
	}
	if c.Sources.FileDelay < 0 || c.Sources.DeliveryDelay < 0 || c.Sources.EventDelay < 0 || c.Sources.SettleDelay < 0 {
		errs = append(errs, "sources delays must not be negative")
	}
	if c.Sources.MaxMessages < 0 {
		errs = append(errs, "sources.max_messages must not be negative")
	}
	if err := source.ValidateSchedule(c.Sources.RescanSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("sources.rescan_schedule: %v", err))
	}
	switch c.Index.Driver {
	case "memory":
	case "sqlite", "mysql", "postgres":
		if c.Index.DSN == "" {
			errs = append(errs, fmt.Sprintf("index.dsn is required for driver %s", c.Index.Driver))
		}
	default:
		errs = append(errs, fmt.Sprintf("index.driver %q must be one of memory, sqlite, mysql, postgres", c.Index.Driver))
	}
	if (c.Slack.BotToken == "") != (c.Slack.Channel == "") {
		errs = append(errs, "slack.bot_token and slack.channel must be set together")
	}
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Sprintf("port %d out of range", c.Port))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("log_level %q must be one of debug, info, warn, error", c.LogLevel))
	}
	switch c.LogFormat {
	case "auto", "json", "text":
	default:
		errs = append(errs, fmt.Sprintf("log_format %q must be one of auto, json, text", c.LogFormat))
	}
	return errs
}

// envReader applies environment overrides and collects malformed values.
type envReader struct {
	errs []string
}

func (e *envReader) str(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (e *envReader) int(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s=%q is not an integer", key, v))
		return fallback
	}
	return n
}

func (e *envReader) duration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Sprintf("%s=%q is not a duration", key, v))
		return fallback
	}
	return d
}

func expandHome(path string) string {
	if len(path) > 1 && path[0] == '~' && path[1] == '/' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
