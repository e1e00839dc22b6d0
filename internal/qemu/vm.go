package qemu

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// FailedError reports a hypervisor spawn, signal, or monitor failure.
type FailedError struct {
	Msg string
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("hypervisor operation failed: %s", e.Msg)
}

// pidFileWait is how long a launch waits before reading the PID file
// the daemonized hypervisor writes. One retry follows a parse failure.
const pidFileWait = 500 * time.Millisecond

// Driver spawns and supervises hypervisor processes. The driver is
// stateless; the lifecycle coordinator owns PIDs.
type Driver struct {
	// Bin is the hypervisor binary path. Empty means the first arg of
	// the assembled vector is resolved via PATH.
	Bin string

	log *logrus.Entry
}

// NewDriver creates a hypervisor driver.
func NewDriver(bin string) *Driver {
	return &Driver{
		Bin: bin,
		log: logrus.WithField("subsystem", "qemu"),
	}
}

// Launch spawns the hypervisor in daemonize mode and returns the PID
// of the background process read from the PID file.
//
// The foreground process forks and exits zero once the VM is up; a
// nonzero foreground exit carries the failure on stderr.
func (d *Driver) Launch(cfg *Config) (int, error) {
	args := cfg.Args()
	bin := d.Bin
	if bin == "" {
		bin = args[0]
	}

	d.log.WithField("args", strings.Join(args[1:], " ")).Info("launching VM")

	cmd := exec.Command(bin, args[1:]...)
	cmd.Stdin = nil
	output, err := cmd.CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(output))
		if msg == "" {
			msg = err.Error()
		}
		return 0, &FailedError{Msg: fmt.Sprintf("launch: %s", msg)}
	}

	// The daemonized child writes its PID after the foreground parent
	// exits; give it a bounded head start, then retry once.
	time.Sleep(pidFileWait)
	pid, err := readPIDFile(cfg.PIDFile)
	if err != nil {
		time.Sleep(pidFileWait)
		pid, err = readPIDFile(cfg.PIDFile)
	}
	if err != nil {
		return 0, err
	}

	d.log.WithField("pid", pid).Info("VM launched")
	return pid, nil
}

// Stop sends SIGTERM and polls liveness every 500ms up to timeout.
// A VM still alive after the timeout is force-killed.
func (d *Driver) Stop(pid int, timeout time.Duration) error {
	d.log.WithField("pid", pid).Info("stopping VM")

	if err := unix.Kill(pid, unix.SIGTERM); err != nil {
		return &FailedError{Msg: fmt.Sprintf("send SIGTERM to %d: %v", pid, err)}
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !d.IsAlive(pid) {
			d.log.WithField("pid", pid).Info("VM stopped gracefully")
			return nil
		}
		time.Sleep(500 * time.Millisecond)
	}

	d.log.WithField("pid", pid).Warn("VM did not stop gracefully, sending SIGKILL")
	return d.Kill(pid)
}

// Kill force-terminates the VM with SIGKILL.
func (d *Driver) Kill(pid int) error {
	if err := unix.Kill(pid, unix.SIGKILL); err != nil {
		return &FailedError{Msg: fmt.Sprintf("send SIGKILL to %d: %v", pid, err)}
	}
	// Give the kernel a moment to reap before callers re-probe.
	time.Sleep(200 * time.Millisecond)
	return nil
}

// IsAlive probes the process with signal zero.
func (d *Driver) IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return unix.Kill(pid, 0) == nil
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, &FailedError{Msg: fmt.Sprintf("read PID file: %v", err)}
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, &FailedError{Msg: fmt.Sprintf("invalid PID in file: %v", err)}
	}
	return pid, nil
}
