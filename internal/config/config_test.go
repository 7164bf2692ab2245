package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimalConfig = `server:
  name: "world-1"
  public_addr: "127.0.0.1"
  public_port: 7100
registry:
  addr: "localhost:6379"
`

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Routing.WaitQueueTick != 2*time.Second {
		t.Errorf("expected 2s wait queue tick, got %v", cfg.Routing.WaitQueueTick)
	}
	if cfg.Routing.MaxClientsPerInstance != 500 {
		t.Errorf("expected default capacity 500, got %d", cfg.Routing.MaxClientsPerInstance)
	}
	if cfg.Heartbeat.PulseInterval != 5*time.Second {
		t.Errorf("expected 5s pulse interval, got %v", cfg.Heartbeat.PulseInterval)
	}
	if cfg.Heartbeat.LivenessWindow != 15*time.Second {
		t.Errorf("expected liveness window 3x pulse, got %v", cfg.Heartbeat.LivenessWindow)
	}
	if cfg.Scene.LoadingTimeout != 60*time.Second {
		t.Errorf("expected 60s loading timeout, got %v", cfg.Scene.LoadingTimeout)
	}
	if cfg.Scene.MaxInstances != 64 {
		t.Errorf("expected default max instances 64, got %d", cfg.Scene.MaxInstances)
	}
	if cfg.Registry.KeyPrefix != "scene-director:" {
		t.Errorf("expected default key prefix, got %q", cfg.Registry.KeyPrefix)
	}
	if cfg.Security.MaxConnections != 5000 {
		t.Errorf("expected default connection cap, got %d", cfg.Security.MaxConnections)
	}
	if cfg.GracefulShutdownTimeout != 30*time.Second {
		t.Errorf("expected 30s shutdown timeout, got %v", cfg.GracefulShutdownTimeout)
	}
}

func TestLivenessWindowFollowsPulse(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig+`heartbeat:
  pulse_interval: 2s
`))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Heartbeat.LivenessWindow != 6*time.Second {
		t.Errorf("expected window 3x a custom pulse, got %v", cfg.Heartbeat.LivenessWindow)
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"missing server name", `server:
  public_addr: "127.0.0.1"
registry:
  addr: "localhost:6379"
`},
		{"missing public addr", `server:
  name: "world-1"
registry:
  addr: "localhost:6379"
`},
		{"liveness below pulse", minimalConfig + `heartbeat:
  pulse_interval: 10s
  liveness_window: 5s
`},
		{"bad health port", `server:
  name: "world-1"
  public_addr: "127.0.0.1"
  health_check_port: 99999
registry:
  addr: "localhost:6379"
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.data)); err == nil {
				t.Error("expected a validation error")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("does-not-exist.yaml"); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}
