package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const EnvPrefix = "ANALYSISD_"

type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Store    StoreConfig    `koanf:"store"`
	Worker   WorkerConfig   `koanf:"worker"`
	Realtime RealtimeConfig `koanf:"realtime"`
	Client   ClientConfig   `koanf:"client"`
	Logging  LoggingConfig  `koanf:"logging"`
	NATS     NATSConfig     `koanf:"nats"`
	Tracing  TracingConfig  `koanf:"tracing"`
}

type ServerConfig struct {
	NodeID          string        `koanf:"node_id"`
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type StoreConfig struct {
	// Backend is one of memory, badger or postgres.
	Backend     string `koanf:"backend"`
	Path        string `koanf:"path"`
	PostgresURL string `koanf:"postgres_url"`
	AutoMigrate bool   `koanf:"auto_migrate"`
}

type WorkerConfig struct {
	// Runtime is exec or docker.
	Runtime       string   `koanf:"runtime"`
	Command       []string `koanf:"command"`
	Dir           string   `koanf:"dir"`
	Env           []string `koanf:"env"`
	Image         string   `koanf:"image"`
	MemoryMB      int64    `koanf:"memory_mb"`
	Network       string   `koanf:"network"`
	MaxConcurrent int      `koanf:"max_concurrent"`
	MaxLineBytes  int      `koanf:"max_line_bytes"`
}

type RealtimeConfig struct {
	HeartbeatTimeout time.Duration `koanf:"heartbeat_timeout"`
	WriteTimeout     time.Duration `koanf:"write_timeout"`
	OriginPatterns   []string      `koanf:"origin_patterns"`
}

type ClientConfig struct {
	ServerURL         string        `koanf:"server_url"`
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`
	PollInterval      time.Duration `koanf:"poll_interval"`
	BackoffBase       time.Duration `koanf:"backoff_base"`
	BackoffCap        time.Duration `koanf:"backoff_cap"`
	MaxRetries        int           `koanf:"max_retries"`
	ProbeInterval     time.Duration `koanf:"probe_interval"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type NATSConfig struct {
	Enabled       bool   `koanf:"enabled"`
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

type TracingConfig struct {
	Enabled bool `koanf:"enabled"`
}

// Load reads defaults, then the YAML file at path if given, then
// ANALYSISD_ environment variables: ANALYSISD_WORKER_MAX_CONCURRENT sets
// worker.max_concurrent.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := loadDefaults(k); err != nil {
		return nil, err
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yamlParser{}); err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Server.NodeID == "" {
		hostname, _ := os.Hostname()
		cfg.Server.NodeID = hostname
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps ANALYSISD_SECTION_SOME_KEY to section.some_key. Empty values
// are skipped so they do not override the file.
func envKey(key, value string) (string, any) {
	if value == "" {
		return "", nil
	}
	name := strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	section, rest, ok := strings.Cut(name, "_")
	if !ok {
		return name, value
	}
	return section + "." + rest, value
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Backend {
	case "memory", "badger":
	case "postgres":
		if c.Store.PostgresURL == "" {
			errs = append(errs, errors.New("store.postgres_url is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.backend %q", c.Store.Backend))
	}
	switch c.Worker.Runtime {
	case "exec":
		if len(c.Worker.Command) == 0 {
			errs = append(errs, errors.New("worker.command is required for the exec runtime"))
		}
	case "docker":
		if c.Worker.Image == "" {
			errs = append(errs, errors.New("worker.image is required for the docker runtime"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown worker.runtime %q", c.Worker.Runtime))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server.port %d", c.Server.Port))
	}
	return errors.Join(errs...)
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
