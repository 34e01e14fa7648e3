package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Owengerald/spark-streaming-retail-project/internal/sketch"
)

// Config drives the streaming aggregation service. Loaded from YAML,
// with a few fields overridable by flags in cmd/streamagg.
type Config struct {
	Input    Input    `yaml:"input"`
	Store    StoreCfg `yaml:"store"`
	Distinct Distinct `yaml:"distinct"`
	Merge    Merge    `yaml:"merge"`
	Output   Output   `yaml:"output"`
	Snapshot Snapshot `yaml:"snapshot"`
	HTTPAddr string   `yaml:"http_addr"`
}

type Input struct {
	// Source is file|kafka.
	Source    string `yaml:"source"`
	Path      string `yaml:"path"`
	Bootstrap string `yaml:"bootstrap"`
	Topic     string `yaml:"topic"`
	GroupID   string `yaml:"group_id"`
	// BatchSize bounds how many order lines form one micro-batch.
	BatchSize int `yaml:"batch_size"`
	// BatchWaitMS closes a partial batch after this long without input.
	BatchWaitMS int `yaml:"batch_wait_ms"`
}

type StoreCfg struct {
	// Backend is pebble|badger|memory.
	Backend string `yaml:"backend"`
	Dir     string `yaml:"dir"`
}

type Distinct struct {
	// Policy is exact|approx.
	Policy        string  `yaml:"policy"`
	RelativeError float64 `yaml:"relative_error"`
}

type Merge struct {
	Workers        int `yaml:"workers"`
	MaxRetries     int `yaml:"max_retries"`
	RetryBackoffMS int `yaml:"retry_backoff_ms"`
}

type Output struct {
	// Sink is file|kafka|both.
	Sink      string `yaml:"sink"`
	Dir       string `yaml:"dir"`
	File      string `yaml:"file"`
	Bootstrap string `yaml:"bootstrap"`
	Topic     string `yaml:"topic"`
}

type Snapshot struct {
	Dir         string `yaml:"dir"`
	IntervalSec int    `yaml:"interval_sec"`
	// ManifestSink is file|kafka|both.
	ManifestSink  string `yaml:"manifest_sink"`
	ManifestTopic string `yaml:"manifest_topic"`
}

func Default() *Config {
	return &Config{
		Input: Input{
			Source:      "file",
			Path:        "orders.jsonl",
			GroupID:     "streamagg",
			Topic:       "retail.orders",
			BatchSize:   500,
			BatchWaitMS: 2000,
		},
		Store:    StoreCfg{Backend: "pebble", Dir: "./data/aggregates"},
		Distinct: Distinct{Policy: string(sketch.PolicyApprox), RelativeError: sketch.DefaultRelativeError},
		Merge:    Merge{Workers: 4, MaxRetries: 5, RetryBackoffMS: 50},
		Output: Output{
			Sink:  "file",
			Dir:   "./output",
			File:  "customer_aggregates.jsonl",
			Topic: "retail.customer.aggregates",
		},
		Snapshot: Snapshot{
			Dir:           "./snapshots",
			IntervalSec:   60,
			ManifestSink:  "file",
			ManifestTopic: "retail.aggregate.manifest",
		},
		HTTPAddr: ":8080",
	}
}

// Load reads path over the defaults. An empty path returns defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	file, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(file, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if _, err := sketch.ParsePolicy(c.Distinct.Policy); err != nil {
		return fmt.Errorf("distinct.policy: %w", err)
	}
	switch c.Store.Backend {
	case "pebble", "badger", "memory":
	default:
		return fmt.Errorf("store.backend %q (want pebble|badger|memory)", c.Store.Backend)
	}
	switch c.Input.Source {
	case "file", "kafka":
	default:
		return fmt.Errorf("input.source %q (want file|kafka)", c.Input.Source)
	}
	if c.Input.Source == "kafka" && c.Input.Bootstrap == "" {
		return fmt.Errorf("input.bootstrap required for kafka source")
	}
	if c.Input.BatchSize <= 0 {
		return fmt.Errorf("input.batch_size must be positive")
	}
	return nil
}

func (c *Config) RetryBackoff() time.Duration {
	return time.Duration(c.Merge.RetryBackoffMS) * time.Millisecond
}

func (c *Config) BatchWait() time.Duration {
	return time.Duration(c.Input.BatchWaitMS) * time.Millisecond
}

func (c *Config) Policy() sketch.Policy {
	p, _ := sketch.ParsePolicy(c.Distinct.Policy)
	return p
}
