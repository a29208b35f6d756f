package config

import (
	"testing"
	"time"

	"github.com/dunamismax/unwatermark/internal/unwatermark"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("UNWATERMARK_TIMEOUT", "")
	t.Setenv("UNWATERMARK_POLL_INTERVAL", "")

	cfg := Load()
	if cfg.Remote.Timeout != unwatermark.DefaultTimeout {
		t.Fatalf("expected default timeout, got %s", cfg.Remote.Timeout)
	}
	if cfg.Remote.PollInterval != unwatermark.DefaultPollInterval {
		t.Fatalf("expected default poll interval, got %s", cfg.Remote.PollInterval)
	}
	if cfg.Remote.JobStatusURL != unwatermark.DefaultJobStatusURL {
		t.Fatalf("unexpected status url %s", cfg.Remote.JobStatusURL)
	}
}

func TestLoadRemoteOverrides(t *testing.T) {
	t.Setenv("UNWATERMARK_TIMEOUT", "90")
	t.Setenv("UNWATERMARK_POLL_INTERVAL", "500ms")
	t.Setenv("UNWATERMARK_PRODUCT_SERIAL", "serial-1")
	t.Setenv("QUEUE_MAX_RETRY", "not-a-number")

	cfg := Load()
	if cfg.Remote.Timeout != 90*time.Second {
		t.Fatalf("expected 90s timeout, got %s", cfg.Remote.Timeout)
	}
	if cfg.Remote.PollInterval != 500*time.Millisecond {
		t.Fatalf("expected 500ms poll interval, got %s", cfg.Remote.PollInterval)
	}
	if cfg.Queue.MaxRetry != 3 {
		t.Fatalf("expected fallback max retry, got %d", cfg.Queue.MaxRetry)
	}

	clientCfg := cfg.Remote.ClientConfig()
	if clientCfg.Headers.Get("Product-Serial") != "serial-1" {
		t.Fatalf("expected product serial override, got %q", clientCfg.Headers.Get("Product-Serial"))
	}
	if clientCfg.Headers.Get("Origin") == "" {
		t.Fatal("expected default headers to be kept")
	}
	if _, err := unwatermark.NewClient(clientCfg); err != nil {
		t.Fatalf("client config should be usable: %v", err)
	}
}
