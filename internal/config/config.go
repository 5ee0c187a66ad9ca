package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"upvote_sync/internal/domain"
)

const (
	DefaultCredentialsPath = ".env"
	DefaultSettingsPath    = "upvote_sync.yaml"

	KeyUserID      = "GEEKNEWS_ID"
	KeyPassword    = "PASSWORD"
	KeyDataPath    = "UPVOTE_JSON_PATH"
	KeyDatabaseURL = "DATABASE_URL"
	KeyRabbitMQURL = "RABBITMQ_URL"
)

type Config struct {
	Source   SourceConfig   `yaml:"source"`
	Sync     SyncConfig     `yaml:"sync"`
	Storage  StorageConfig  `yaml:"storage"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	LogLevel string         `yaml:"log_level"`
}

type SourceConfig struct {
	BaseURL   string        `yaml:"base_url"`
	Timeout   time.Duration `yaml:"timeout"`
	PageDelay time.Duration `yaml:"page_delay"`
	UserAgent string        `yaml:"user_agent"`
}

type SyncConfig struct {
	Interval time.Duration `yaml:"interval"`
	Cron     string        `yaml:"cron"`
	MaxPages int           `yaml:"max_pages"`
}

type StorageConfig struct {
	Format string `yaml:"format"`
}

type RabbitMQConfig struct {
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`
	QueueName  string `yaml:"queue_name"`
}

// Load reads the optional settings file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config file: %w", err)
	default:
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.setDefaults()

	if cfg.Storage.Format != "full" && cfg.Storage.Format != "urls" {
		return nil, fmt.Errorf("%w: storage.format must be full or urls, got %q", domain.ErrConfig, cfg.Storage.Format)
	}

	if cfg.Sync.Cron != "" {
		if _, err := cron.ParseStandard(cfg.Sync.Cron); err != nil {
			return nil, fmt.Errorf("%w: sync.cron: %v", domain.ErrConfig, err)
		}
	}

	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.Source.BaseURL == "" {
		c.Source.BaseURL = "https://news.hada.io"
	}
	if c.Source.Timeout == 0 {
		c.Source.Timeout = 30 * time.Second
	}
	if c.Source.PageDelay == 0 {
		c.Source.PageDelay = 3 * time.Second
	}
	if c.Source.UserAgent == "" {
		c.Source.UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
	}
	if c.Storage.Format == "" {
		c.Storage.Format = "full"
	}
	if c.RabbitMQ.Exchange == "" {
		c.RabbitMQ.Exchange = "upvote_sync"
	}
	if c.RabbitMQ.RoutingKey == "" {
		c.RabbitMQ.RoutingKey = "upvoted"
	}
	if c.RabbitMQ.QueueName == "" {
		c.RabbitMQ.QueueName = "upvoted_topics"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// LoadCredentials reads the flat KEY=VALUE credential file. The user id and
// password must be present; everything else is optional.
func LoadCredentials(path string) (domain.Credentials, error) {
	values, err := godotenv.Read(path)
	if err != nil {
		return domain.Credentials{}, fmt.Errorf("%w: read credentials %s: %v", domain.ErrConfig, path, err)
	}

	creds := domain.Credentials{
		UserID:      values[KeyUserID],
		Password:    values[KeyPassword],
		DataPath:    values[KeyDataPath],
		DatabaseURL: values[KeyDatabaseURL],
		RabbitMQURL: values[KeyRabbitMQURL],
	}

	if creds.UserID == "" || creds.Password == "" {
		return domain.Credentials{}, fmt.Errorf("%w: %s and %s are required in %s", domain.ErrConfig, KeyUserID, KeyPassword, path)
	}

	return creds, nil
}
