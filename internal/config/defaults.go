package config

import (
	"time"

	"github.com/knadh/koanf/v2"
	"gopkg.in/yaml.v3"
)

func loadDefaults(k *koanf.Koanf) error {
	defaults := map[string]any{
		"server.host":             "0.0.0.0",
		"server.port":             8000,
		"server.shutdown_timeout": 30 * time.Second,

		"store.backend":      "badger",
		"store.path":         "./data",
		"store.auto_migrate": true,

		"worker.runtime":        "exec",
		"worker.command":        []string{"analysis-worker"},
		"worker.network":        "none",
		"worker.memory_mb":      1024,
		"worker.max_concurrent": 4,
		"worker.max_line_bytes": 1 << 20,

		"realtime.heartbeat_timeout": 90 * time.Second,
		"realtime.write_timeout":     5 * time.Second,
		"realtime.origin_patterns":   []string{"*"},

		"client.server_url":         "http://localhost:8000",
		"client.heartbeat_interval": 30 * time.Second,
		"client.poll_interval":      3 * time.Second,
		"client.backoff_base":       time.Second,
		"client.backoff_cap":        30 * time.Second,
		"client.max_retries":        5,
		"client.probe_interval":     5 * time.Second,

		"logging.level":  "info",
		"logging.format": "console",

		"nats.enabled":        false,
		"nats.subject_prefix": "analysis.jobs",

		"tracing.enabled": false,
	}

	for key, val := range defaults {
		if err := k.Set(key, val); err != nil {
			return err
		}
	}
	return nil
}

// yamlParser plugs yaml.v3 into koanf.
type yamlParser struct{}

func (yamlParser) Unmarshal(b []byte) (map[string]any, error) {
	var out map[string]any
	if err := yaml.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (yamlParser) Marshal(o map[string]any) ([]byte, error) {
	return yaml.Marshal(o)
}
