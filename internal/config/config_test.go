package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigStateDirOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("KATANAD_STATE_DIR", dir)

	cfg := DefaultConfig()
	if cfg.StateDir != dir {
		t.Errorf("StateDir = %q, want %q", cfg.StateDir, dir)
	}
	if cfg.DBPath != filepath.Join(dir, "state.db") {
		t.Errorf("DBPath = %q", cfg.DBPath)
	}
	if cfg.InstancesDir != filepath.Join(dir, "instances") {
		t.Errorf("InstancesDir = %q", cfg.InstancesDir)
	}
}

func TestDefaultConfigListenOverride(t *testing.T) {
	t.Setenv("KATANAD_LISTEN", "127.0.0.1:9999")
	cfg := DefaultConfig()
	if cfg.ListenAddr != "127.0.0.1:9999" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
}

func TestEnsureDirs(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("KATANAD_STATE_DIR", filepath.Join(dir, "nested", "state"))

	cfg := DefaultConfig()
	if err := cfg.EnsureDirs(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(cfg.InstancesDir); err != nil {
		t.Errorf("instances dir: %v", err)
	}
}

func TestDefaults(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.BasePort != 5050 {
		t.Errorf("BasePort = %d", cfg.BasePort)
	}
	if cfg.DefaultVCPUType != "host" {
		t.Errorf("DefaultVCPUType = %q", cfg.DefaultVCPUType)
	}
	if cfg.StopTimeout.Seconds() != 30 {
		t.Errorf("StopTimeout = %v", cfg.StopTimeout)
	}
}
