package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Scoring.Threshold != 0.6 {
		t.Fatalf("expected threshold 0.6, got %v", cfg.Scoring.Threshold)
	}
	if cfg.Outreach.DedupWindow != 7*24*time.Hour {
		t.Fatalf("expected 7d dedup window, got %s", cfg.Outreach.DedupWindow)
	}
	if cfg.Outreach.MaxBulk != 50 {
		t.Fatalf("expected max bulk 50, got %d", cfg.Outreach.MaxBulk)
	}
	if cfg.Tasks.SoftTimeout != 10*time.Minute || cfg.Tasks.HardTimeout != 15*time.Minute || cfg.Tasks.Lease <= cfg.Tasks.HardTimeout {
		t.Fatalf("unexpected task timeouts %+v", cfg.Tasks)
	}
	r := cfg.RetryFor("outreach.send_single", Retry{})
	if r.MaxRetries != 2 || r.Backoff != time.Minute {
		t.Fatalf("unexpected send_single policy %+v", r)
	}
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("scoring:\n  threshold: 0.7\nretries:\n  outreach.send_single: {max_retries: 4, backoff: 10s}\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Scoring.Threshold != 0.7 {
		t.Fatalf("threshold not overridden: %v", cfg.Scoring.Threshold)
	}
	if got := cfg.RetryFor("outreach.send_single", Retry{}); got.MaxRetries != 4 || got.Backoff != 10*time.Second {
		t.Fatalf("retry not overridden: %+v", got)
	}
	if got := cfg.RetryFor("cleanup.periodic", Retry{}); got.MaxRetries != 1 {
		t.Fatalf("expected untouched default to survive, got %+v", got)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"broker":    "broker:\n  url: amqp://x\n",
		"threshold": "scoring:\n  threshold: 1.5\n",
		"queue":     "queues:\n  outreach: {concurrency: 0}\n",
		"persona":   "personas:\n  - key: a\n  - key: a\n",
		"timeouts":  "tasks:\n  soft_timeout: 2h\n  hard_timeout: 1h\n",
		"lease":     "tasks:\n  hard_timeout: 20m\n  lease: 20m\n",
	}
	for name, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoadMissingAndOptional(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(dir); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
	cfg, err := LoadOptional(dir)
	if err != nil || cfg == nil {
		t.Fatalf("expected default config, got %v %v", cfg, err)
	}
	if err := os.WriteFile(filepath.Join(dir, "leadline.yml"), []byte(GenerateDefault()), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(dir); err != nil {
		t.Fatalf("load generated default: %v", err)
	}
}
