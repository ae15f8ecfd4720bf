package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Bus       BusConfig       `yaml:"bus"`
	NATS      NATSConfig      `yaml:"nats"`
	Store     StoreConfig     `yaml:"store"`
	Web       WebConfig       `yaml:"web"`
	Snapshots SnapshotsConfig `yaml:"snapshots"`
}

type BusConfig struct {
	// QueueCapacity bounds each agent's offline message queue.
	QueueCapacity int `yaml:"queue_capacity"`
	// ThroughputWindow is the trailing window for the messages/second
	// metric.
	ThroughputWindow time.Duration `yaml:"throughput_window"`
}

type NATSConfig struct {
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	// AuthToken is the shared credential adapters present when
	// registering agents. Empty disables the check.
	AuthToken string `yaml:"auth_token"`
}

type SnapshotsConfig struct {
	Enabled bool `yaml:"enabled"`
	// Schedule is a cron expression for recording metrics snapshots.
	Schedule string `yaml:"schedule"`
}

func defaults() Config {
	return Config{
		Bus: BusConfig{
			QueueCapacity:    256,
			ThroughputWindow: time.Minute,
		},
		NATS: NATSConfig{
			Port:    4222,
			DataDir: "data/nats",
		},
		Store: StoreConfig{
			Path: "data/agentwire.db",
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		Snapshots: SnapshotsConfig{
			Enabled:  true,
			Schedule: "*/5 * * * *",
		},
	}
}

func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("AGENTWIRE_CONFIG")
	if path == "" {
		path = "config/agentwire.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		// Expand environment variables in YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("AGENTWIRE_AUTH_TOKEN"); v != "" {
		cfg.Web.AuthToken = v
	}
	if v := os.Getenv("AGENTWIRE_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("AGENTWIRE_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("AGENTWIRE_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
}
