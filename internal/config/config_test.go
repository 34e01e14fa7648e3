package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Owengerald/spark-streaming-retail-project/internal/sketch"
)

func TestLoad_EmptyPathIsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.Backend != "pebble" || cfg.Policy() != sketch.PolicyApprox {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
store:
  backend: badger
  dir: /var/lib/agg
distinct:
  policy: exact
input:
  source: kafka
  bootstrap: localhost:9092
  topic: orders.in
  batch_size: 100
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store.Backend != "badger" || cfg.Policy() != sketch.PolicyExact {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.Input.Topic != "orders.in" || cfg.Input.BatchSize != 100 {
		t.Fatalf("input overrides not applied: %+v", cfg.Input)
	}
	// untouched sections keep defaults
	if cfg.Output.Sink != "file" || cfg.HTTPAddr != ":8080" {
		t.Fatalf("defaults lost: %+v", cfg)
	}
}

func TestLoad_Invalid(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"bad policy":       "distinct:\n  policy: sometimes\n",
		"bad backend":      "store:\n  backend: flatfile\n",
		"kafka no brokers": "input:\n  source: kafka\n",
		"zero batch size":  "input:\n  batch_size: -1\n",
	}
	for name, body := range cases {
		path := filepath.Join(dir, strings.ReplaceAll(name, " ", "_")+".yaml")
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		if _, err := Load(path); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
