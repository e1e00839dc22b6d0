// Package config holds katanad runtime configuration.
package config

import (
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// Config holds katanad runtime configuration.
type Config struct {
	// StateDir is the base directory for hypervisor state.
	StateDir string

	// DBPath is the path to the SQLite state database.
	DBPath string

	// InstancesDir is the directory holding per-instance storage.
	InstancesDir string

	// ListenAddr is the address the daemon HTTP API listens on.
	ListenAddr string

	// BasePort is the first candidate when allocating instance RPC ports.
	BasePort int

	// QemuBin is the hypervisor binary. Empty means search PATH.
	QemuBin string

	// MeasureBin is the SEV-SNP reference measurement tool.
	// Empty means search PATH.
	MeasureBin string

	// DefaultVCPUs is the default number of virtual CPUs.
	DefaultVCPUs int

	// DefaultMemoryMB is the default VM memory in megabytes.
	DefaultMemoryMB int

	// DefaultStorageBytes is the default per-instance storage quota.
	DefaultStorageBytes int64

	// DefaultVCPUType is the CPU model passed to the hypervisor
	// when the instance does not run in TEE mode.
	DefaultVCPUType string

	// StopTimeout bounds graceful VM shutdown before force kill.
	StopTimeout time.Duration
}

// DefaultConfig returns the default configuration.
// KATANAD_STATE_DIR and KATANAD_LISTEN override the state directory
// and listen address.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	stateDir := filepath.Join(homeDir, ".katana-hypervisor")
	if dir := os.Getenv("KATANAD_STATE_DIR"); dir != "" {
		stateDir = dir
	}

	listen := "127.0.0.1:18545"
	if addr := os.Getenv("KATANAD_LISTEN"); addr != "" {
		listen = addr
	}

	return &Config{
		StateDir:            stateDir,
		DBPath:              filepath.Join(stateDir, "state.db"),
		InstancesDir:        filepath.Join(stateDir, "instances"),
		ListenAddr:          listen,
		BasePort:            5050,
		DefaultVCPUs:        2,
		DefaultMemoryMB:     2048,
		DefaultStorageBytes: 10 << 30,
		DefaultVCPUType:     "host",
		StopTimeout:         30 * time.Second,
	}
}

// EnsureDirs creates all required directories.
func (c *Config) EnsureDirs() error {
	for _, d := range []string{c.StateDir, c.InstancesDir} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}

// ResolveBinaries eagerly resolves QemuBin and MeasureBin if they are
// empty. Called at startup so the driver, the measurement calculator,
// and the startup log share the same discovery result.
func (c *Config) ResolveBinaries() {
	if c.QemuBin == "" {
		c.QemuBin = FindBinary("qemu-system-x86_64")
	}
	if c.MeasureBin == "" {
		c.MeasureBin = FindBinary("sev-snp-measure")
	}
}

// KVMAvailable reports whether /dev/kvm exists and hardware
// acceleration can be requested.
func KVMAvailable() bool {
	_, err := os.Stat("/dev/kvm")
	return err == nil
}

// FindBinary locates a binary by name. Search order:
//  1. PATH (exec.LookPath)
//  2. Known system paths
//
// Returns the absolute path, or "" if not found.
func FindBinary(name string) string {
	if p, err := exec.LookPath(name); err == nil {
		return p
	}
	for _, dir := range []string{"/usr/libexec", "/usr/local/bin"} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
