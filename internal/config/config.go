package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Jobs     JobsConfig     `yaml:"jobs"`
	Webhooks WebhooksConfig `yaml:"webhooks"`
}

type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type StorageConfig struct {
	DataDir   string `yaml:"data_dir"`
	IndexPath string `yaml:"index_path"`
}

type PipelineConfig struct {
	Command      string        `yaml:"command"`
	Args         []string      `yaml:"args"`
	StageTimeout time.Duration `yaml:"stage_timeout"`
}

type JobsConfig struct {
	MaxImages         int           `yaml:"max_images"`
	MaxUploadBytes    int64         `yaml:"max_upload_bytes"`
	ChannelCapacity   int           `yaml:"channel_capacity"`
	RetentionTTL      time.Duration `yaml:"retention_ttl"`
	RetentionInterval time.Duration `yaml:"retention_interval"`
}

type WebhookEndpoint struct {
	Name   string   `yaml:"name"`
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret"`
	Events []string `yaml:"events"`
}

type WebhooksConfig struct {
	RetryCount  int               `yaml:"retry_count"`
	RetryDelay  time.Duration     `yaml:"retry_delay"`
	Timeout     time.Duration     `yaml:"timeout"`
	WorkerCount int               `yaml:"worker_count"`
	QueueSize   int               `yaml:"queue_size"`
	Endpoints   []WebhookEndpoint `yaml:"endpoints"`
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Storage: StorageConfig{
			DataDir:   "./data",
			IndexPath: "./data/gallery.db",
		},
		Pipeline: PipelineConfig{
			Command:      "triposr-worker",
			StageTimeout: 10 * time.Minute,
		},
		Jobs: JobsConfig{
			MaxImages:         5,
			MaxUploadBytes:    16 << 20,
			ChannelCapacity:   100,
			RetentionTTL:      24 * time.Hour,
			RetentionInterval: time.Minute,
		},
		Webhooks: WebhooksConfig{
			RetryCount:  3,
			RetryDelay:  5 * time.Second,
			Timeout:     10 * time.Second,
			WorkerCount: 3,
			QueueSize:   100,
		},
	}
}

func Load(configPath string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("TRIFORM_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}

	if v := os.Getenv("TRIFORM_DATA_DIR"); v != "" {
		c.Storage.DataDir = v
	}

	if v := os.Getenv("TRIFORM_INDEX_PATH"); v != "" {
		c.Storage.IndexPath = v
	}

	if v := os.Getenv("TRIFORM_PIPELINE_CMD"); v != "" {
		c.Pipeline.Command = v
	}
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Server.ReadTimeout < 0 {
		return fmt.Errorf("server read timeout must be non-negative")
	}

	if c.Server.WriteTimeout < 0 {
		return fmt.Errorf("server write timeout must be non-negative")
	}

	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage data dir is required")
	}

	if c.Storage.IndexPath == "" {
		return fmt.Errorf("storage index path is required")
	}

	if c.Pipeline.Command == "" {
		return fmt.Errorf("pipeline command is required")
	}

	if c.Pipeline.StageTimeout < 0 {
		return fmt.Errorf("pipeline stage timeout must be non-negative")
	}

	if c.Jobs.MaxImages < 1 {
		return fmt.Errorf("max images must be at least 1")
	}

	if c.Jobs.MaxUploadBytes < 1 {
		return fmt.Errorf("max upload bytes must be positive")
	}

	if c.Jobs.ChannelCapacity < 1 {
		return fmt.Errorf("channel capacity must be at least 1")
	}

	if c.Jobs.RetentionTTL < 0 {
		return fmt.Errorf("retention ttl must be non-negative")
	}

	if c.Webhooks.RetryCount < 0 {
		return fmt.Errorf("webhook retry count must be non-negative")
	}

	for i, ep := range c.Webhooks.Endpoints {
		if ep.URL == "" {
			return fmt.Errorf("webhook endpoint %d: url is required", i)
		}
	}

	return nil
}
