package config_test

import (
	"testing"
	"time"

	"termgate/internal/config"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	if cfg.Jobs.Poll.Interval.Std() != 5*time.Second || cfg.Jobs.Poll.Timeout.Std() != 5*time.Minute {
		t.Fatalf("unexpected poll defaults: %+v", cfg.Jobs.Poll)
	}
	if cfg.Jobs.Republish.Floor.Std() != 30*time.Second || cfg.Jobs.Republish.Max != 500 {
		t.Fatalf("unexpected republish defaults: %+v", cfg.Jobs.Republish)
	}
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
http:
  addr: ":9090"
redis:
  addr: "redis:6379"
processor:
  base_url: "https://processor.example"
  timeout: 10s
jobs:
  poll:
    interval: 2s
    timeout: 1m
    max: 10
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.HTTP.Addr != ":9090" || cfg.Redis.Addr != "redis:6379" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.Jobs.Poll.Interval.Std() != 2*time.Second || cfg.Jobs.Poll.Max != 10 {
		t.Fatalf("poll overrides not applied: %+v", cfg.Jobs.Poll)
	}
	// Untouched sections keep their defaults.
	if cfg.Jobs.Republish.Interval.Std() != 30*time.Second {
		t.Fatalf("republish default lost: %+v", cfg.Jobs.Republish)
	}
	if cfg.Processor.Timeout.Std() != 10*time.Second {
		t.Fatalf("processor timeout not applied: %+v", cfg.Processor)
	}
}

func TestFromYAMLRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"bad duration", "jobs:\n  poll:\n    interval: fast\n"},
		{"empty addr", "http:\n  addr: \"\"\n"},
		{"zero poll cap", "jobs:\n  poll:\n    max: 0\n"},
		{"kafka topic missing", "kafka:\n  brokers: [\"k:9092\"]\n  topic: \"\"\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := config.FromYAML([]byte(tc.yaml)); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := config.Load("does-not-exist.yml")
	if err != nil {
		t.Fatalf("missing file must not error: %v", err)
	}
	if cfg.HTTP.Addr != ":8080" {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
}
