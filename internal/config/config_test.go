package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q", cfg.BindAddr)
	}
	if cfg.MetricsNamespace != "weaver" {
		t.Fatalf("MetricsNamespace = %q", cfg.MetricsNamespace)
	}
	if cfg.ShutdownTimeout != 15*time.Second {
		t.Fatalf("ShutdownTimeout = %v", cfg.ShutdownTimeout)
	}
	if cfg.DefaultModel() == "" {
		t.Fatalf("DefaultModel() empty")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("APP_BIND_ADDR", ":9090")
	t.Setenv("APP_SHUTDOWN_TIMEOUT", "30s")
	t.Setenv("APP_ALLOW_ANY_ORIGIN", "true")
	t.Setenv("APP_MODELS", " fast , careful ,")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9090" || cfg.ShutdownTimeout != 30*time.Second || !cfg.AllowAnyOrigin {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if len(cfg.Models) != 2 || cfg.Models[0] != "fast" || cfg.Models[1] != "careful" {
		t.Fatalf("Models = %v", cfg.Models)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("APP_SHUTDOWN_TIMEOUT", "nonsense")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() accepted invalid duration")
	}

	t.Setenv("APP_SHUTDOWN_TIMEOUT", "100ms")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() accepted sub-second shutdown timeout")
	}

	t.Setenv("APP_SHUTDOWN_TIMEOUT", "")
	t.Setenv("APP_ALLOW_ANY_ORIGIN", "maybe")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() accepted invalid boolean")
	}
}
