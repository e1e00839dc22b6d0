// Package lifecycle owns the instance state machine.
//
// State transitions:
//
//	CREATED → STARTING → RUNNING → STOPPING → STOPPED
//	             │          │
//	             ▼          ▼
//	           FAILED     FAILED (child lost)
//
// STOPPED and FAILED restart through STARTING. Delete is legal from
// any state (force-killing a live VM when asked to).
//
// The manager is the single writer: every mutation of persisted
// instance state goes through it, serialized per instance name.
package lifecycle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/kariy/katana-hypervisor/internal/config"
	"github.com/kariy/katana-hypervisor/internal/instance"
	"github.com/kariy/katana-hypervisor/internal/ports"
	"github.com/kariy/katana-hypervisor/internal/qemu"
	"github.com/kariy/katana-hypervisor/internal/state"
	"github.com/kariy/katana-hypervisor/internal/tee"
)

// Driver abstracts the hypervisor process supervisor so tests can run
// the state machine without spawning QEMU.
type Driver interface {
	Launch(cfg *qemu.Config) (int, error)
	Stop(pid int, timeout time.Duration) error
	Kill(pid int) error
	IsAlive(pid int) bool
	Pause(socketPath string) error
	Resume(socketPath string) error
	Suspend(socketPath string) error
	Wake(socketPath string) error
	Reset(socketPath string) error
}

// Measurer abstracts the launch-measurement derivation.
type Measurer interface {
	Calculate(in tee.MeasurementInputs) (string, error)
}

// CreateRequest carries the caller-supplied instance configuration.
// Zero resource fields fall back to daemon defaults.
type CreateRequest struct {
	Name         string
	VCPUs        int
	MemoryMB     int64
	StorageBytes int64
	RPCPort      int
	TEEMode      bool
	KernelPath   string
	InitrdPath   string
	OVMFPath     string
	KatanaArgs   []string
}

// Manager coordinates instance lifecycles over the store, storage
// layout, port allocator, hypervisor driver, and measurement
// calculator.
type Manager struct {
	cfg       *config.Config
	db        *state.DB
	storage   *instance.Storage
	allocator *ports.Allocator
	driver    Driver
	measurer  Measurer

	// Per-name locks enforce the single-writer invariant: at most one
	// mutating action per instance at a time. Read-only operations do
	// not take the lock.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	log *logrus.Entry
}

// NewManager creates a lifecycle manager.
func NewManager(cfg *config.Config, db *state.DB, storage *instance.Storage, alloc *ports.Allocator, driver Driver, measurer Measurer) *Manager {
	return &Manager{
		cfg:       cfg,
		db:        db,
		storage:   storage,
		allocator: alloc,
		driver:    driver,
		measurer:  measurer,
		locks:     make(map[string]*sync.Mutex),
		log:       logrus.WithField("subsystem", "lifecycle"),
	}
}

func (m *Manager) lock(name string) func() {
	m.locksMu.Lock()
	mu, ok := m.locks[name]
	if !ok {
		mu = &sync.Mutex{}
		m.locks[name] = mu
	}
	m.locksMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// Create validates the request, reserves the RPC port, creates the
// storage directory, computes the expected measurement in TEE mode,
// records boot component hashes, and commits the instance row — all
// reservations in one transaction. The instance ends in Created.
func (m *Manager) Create(req CreateRequest) (*instance.State, error) {
	if req.Name == "" {
		return nil, &ValidationError{Msg: "instance name is required"}
	}
	if req.KernelPath == "" || req.InitrdPath == "" {
		return nil, &ValidationError{Msg: "kernel and initrd paths are required"}
	}
	for _, p := range []string{req.KernelPath, req.InitrdPath} {
		if _, err := os.Stat(p); err != nil {
			return nil, &ValidationError{Msg: fmt.Sprintf("boot component not found: %s", p)}
		}
	}

	cfg := instance.Config{
		VCPUs:        req.VCPUs,
		MemoryMB:     req.MemoryMB,
		StorageBytes: req.StorageBytes,
		VCPUType:     m.cfg.DefaultVCPUType,
		TEEMode:      req.TEEMode,
		KernelPath:   req.KernelPath,
		InitrdPath:   req.InitrdPath,
		OVMFPath:     req.OVMFPath,
		KatanaArgs:   req.KatanaArgs,
	}
	if cfg.VCPUs == 0 {
		cfg.VCPUs = m.cfg.DefaultVCPUs
	}
	if cfg.MemoryMB == 0 {
		cfg.MemoryMB = int64(m.cfg.DefaultMemoryMB)
	}
	if cfg.StorageBytes == 0 {
		cfg.StorageBytes = m.cfg.DefaultStorageBytes
	}

	// Caller-pinned ports are probed once and fail fast on conflict.
	// Automatic allocation happens with the insert below, where a lost
	// race can retry from the next candidate.
	if req.RPCPort != 0 {
		available, err := m.allocator.IsAvailable(req.RPCPort)
		if err != nil {
			return nil, err
		}
		if !available {
			return nil, &state.PortUnavailableError{Port: req.RPCPort}
		}
		cfg.RPCPort = req.RPCPort
	}

	if req.TEEMode {
		if req.OVMFPath == "" {
			return nil, &ValidationError{Msg: "tee mode requires an OVMF image"}
		}
		if _, err := os.Stat(req.OVMFPath); err != nil {
			return nil, &ValidationError{Msg: fmt.Sprintf("boot component not found: %s", req.OVMFPath)}
		}
		snp := tee.DefaultEPYC()
		if err := snp.Validate(); err != nil {
			return nil, &ValidationError{Msg: err.Error()}
		}
		cfg.SevSnp = &instance.SevSnp{
			CBitPos:         snp.CBitPos,
			ReducedPhysBits: snp.ReducedPhysBits,
			VCPUType:        snp.VCPUType,
		}
		cfg.VCPUType = snp.VCPUType

		measurement, err := m.measurer.Calculate(tee.MeasurementInputs{
			OVMFPath:   req.OVMFPath,
			KernelPath: req.KernelPath,
			InitrdPath: req.InitrdPath,
			Cmdline:    qemu.KernelCmdline(req.KatanaArgs),
			VCPUs:      cfg.VCPUs,
			VCPUType:   snp.VCPUType,
		})
		if err != nil {
			return nil, err
		}
		cfg.ExpectedMeasurement = measurement
	}

	id := uuid.NewString()
	st := instance.NewState(id, req.Name, cfg)

	components, err := m.hashBootComponents(st)
	if err != nil {
		return nil, err
	}

	if _, err := m.storage.Create(id); err != nil {
		return nil, err
	}

	// Automatic allocation scans from the daemon base port. Two racing
	// creators may pick the same candidate; the ports primary key
	// decides, and the loser rescans from candidate+1.
	base := m.cfg.BasePort
	for attempt := 0; ; attempt++ {
		if req.RPCPort == 0 {
			port, err := m.allocator.Allocate(base)
			if err != nil {
				m.storage.Delete(id)
				return nil, err
			}
			st.Config.RPCPort = port
		}

		err := m.db.CreateInstance(st, components)
		if err == nil {
			break
		}
		var taken *state.PortUnavailableError
		if req.RPCPort == 0 && attempt < ports.MaxAttempts && errors.As(err, &taken) {
			base = taken.Port + 1
			continue
		}
		m.storage.Delete(id)
		return nil, err
	}

	m.log.WithFields(logrus.Fields{
		"instance": req.Name,
		"id":       id,
		"rpc_port": st.Config.RPCPort,
		"tee":      cfg.TEEMode,
	}).Info("instance created")
	return st, nil
}

// hashBootComponents records the sha256 of each boot artifact so
// tampering between create and start is detectable.
func (m *Manager) hashBootComponents(st *instance.State) ([]state.BootComponent, error) {
	paths := map[string]string{
		"kernel": st.Config.KernelPath,
		"initrd": st.Config.InitrdPath,
	}
	if st.Config.OVMFPath != "" {
		paths["ovmf"] = st.Config.OVMFPath
	}

	var components []state.BootComponent
	for componentType, path := range paths {
		sum, err := hashFile(path)
		if err != nil {
			return nil, fmt.Errorf("hash %s: %w", componentType, err)
		}
		components = append(components, state.BootComponent{
			InstanceID:    st.ID,
			ComponentType: componentType,
			FilePath:      path,
			SHA256Hash:    sum,
		})
	}
	return components, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Start boots an instance. Idempotent on Running. Legal from Created,
// Stopped, and Failed; anything else is an invalid transition.
func (m *Manager) Start(name string) error {
	unlock := m.lock(name)
	defer unlock()

	st, err := m.db.GetInstance(name)
	if err != nil {
		return err
	}

	switch st.Status.Kind {
	case instance.KindRunning:
		// Already running: success without side effect.
		return nil
	case instance.KindCreated, instance.KindStopped, instance.KindFailed:
	default:
		return &InvalidTransitionError{From: st.Status.Kind, To: instance.KindRunning}
	}

	// Boot components must exist before any status mutation.
	for _, p := range []string{st.Config.KernelPath, st.Config.InitrdPath} {
		if _, err := os.Stat(p); err != nil {
			return &ValidationError{Msg: fmt.Sprintf("boot component not found: %s", p)}
		}
	}

	paths := m.storage.PathsFor(st.ID)
	vmCfg := &qemu.Config{
		MemoryMB:      st.Config.MemoryMB,
		VCPUs:         st.Config.VCPUs,
		CPUType:       st.Config.VCPUType,
		KernelPath:    st.Config.KernelPath,
		InitrdPath:    st.Config.InitrdPath,
		BiosPath:      st.Config.OVMFPath,
		KernelCmdline: qemu.KernelCmdline(st.Config.KatanaArgs),
		RPCPort:       st.Config.RPCPort,
		QMPSocket:     paths.QMPSocket,
		SerialLog:     paths.SerialLog,
		PIDFile:       paths.PIDFile,
		EnableKVM:     config.KVMAvailable(),
	}
	if st.Config.SevSnp != nil {
		vmCfg.SevSnp = &qemu.SevSnp{
			CBitPos:         st.Config.SevSnp.CBitPos,
			ReducedPhysBits: st.Config.SevSnp.ReducedPhysBits,
			VCPUType:        st.Config.SevSnp.VCPUType,
		}
	}

	st.SetStatus(instance.Starting)
	if err := m.db.SaveInstance(st); err != nil {
		return err
	}

	pid, err := m.driver.Launch(vmCfg)
	if err != nil {
		st.VMPid = 0
		st.SetStatus(instance.Failed(err.Error()))
		if saveErr := m.db.SaveInstance(st); saveErr != nil {
			m.log.WithError(saveErr).Error("persist failed status")
		}
		return err
	}

	st.VMPid = pid
	st.QMPSocket = paths.QMPSocket
	st.SerialLog = paths.SerialLog
	st.SetStatus(instance.Running)
	if err := m.db.SaveInstance(st); err != nil {
		return err
	}

	m.log.WithFields(logrus.Fields{"instance": name, "pid": pid}).Info("instance running")
	return nil
}

// Stop shuts an instance down gracefully, force-killing after the
// timeout. Idempotent on Stopped.
func (m *Manager) Stop(name string, timeoutSecs int) error {
	unlock := m.lock(name)
	defer unlock()

	st, err := m.db.GetInstance(name)
	if err != nil {
		return err
	}

	switch st.Status.Kind {
	case instance.KindStopped:
		// Already stopped: success without side effect.
		return nil
	case instance.KindRunning:
	default:
		return &InvalidTransitionError{From: st.Status.Kind, To: instance.KindStopped}
	}

	timeout := m.cfg.StopTimeout
	if timeoutSecs > 0 {
		timeout = time.Duration(timeoutSecs) * time.Second
	}

	if !m.driver.IsAlive(st.VMPid) {
		// Persisted Running but the child is gone: reconcile rather
		// than pretend the stop succeeded.
		st.VMPid = 0
		st.SetStatus(instance.Failed("process lost"))
		if err := m.db.SaveInstance(st); err != nil {
			return err
		}
		return &ProcessNotFoundError{Name: name}
	}

	st.SetStatus(instance.Stopping)
	if err := m.db.SaveInstance(st); err != nil {
		return err
	}

	if err := m.driver.Stop(st.VMPid, timeout); err != nil {
		return err
	}

	st.VMPid = 0
	st.SetStatus(instance.Stopped)
	if err := m.db.SaveInstance(st); err != nil {
		return err
	}

	m.log.WithField("instance", name).Info("instance stopped")
	return nil
}

// Delete removes an instance and all of its host resources. A running
// instance is rejected unless force, in which case it is killed first.
// Port reservations and boot components cascade with the row; the
// storage directory is removed last.
func (m *Manager) Delete(name string, force bool) error {
	unlock := m.lock(name)
	defer unlock()

	st, err := m.db.GetInstance(name)
	if err != nil {
		return err
	}

	if st.Status.Kind == instance.KindRunning || st.Status.Kind == instance.KindStopping {
		if !force {
			return &InvalidTransitionError{From: st.Status.Kind, To: "deleted"}
		}
		if st.VMPid != 0 && m.driver.IsAlive(st.VMPid) {
			if err := m.driver.Kill(st.VMPid); err != nil {
				return err
			}
		}
	}

	if err := m.db.DeleteInstance(name); err != nil {
		return err
	}
	if err := m.storage.Delete(st.ID); err != nil {
		return fmt.Errorf("remove instance storage: %w", err)
	}

	m.log.WithField("instance", name).Info("instance deleted")
	return nil
}

// Get returns an instance, reconciling a persisted Running status
// against process liveness: an unreachable PID flips the instance to
// Failed before it is returned.
func (m *Manager) Get(name string) (*instance.State, error) {
	st, err := m.db.GetInstance(name)
	if err != nil {
		return nil, err
	}
	return m.reconcileLiveness(st)
}

// List returns all instances, each reconciled against liveness.
func (m *Manager) List() ([]*instance.State, error) {
	instances, err := m.db.ListInstances()
	if err != nil {
		return nil, err
	}
	for i, st := range instances {
		if rec, err := m.reconcileLiveness(st); err == nil {
			instances[i] = rec
		}
	}
	return instances, nil
}

// reconcileLiveness flips Running instances with dead PIDs to Failed.
// The serial log is preserved for diagnosis.
func (m *Manager) reconcileLiveness(st *instance.State) (*instance.State, error) {
	if st.Status.Kind != instance.KindRunning || m.driver.IsAlive(st.VMPid) {
		return st, nil
	}

	unlock := m.lock(st.Name)
	defer unlock()

	// Re-read under the lock; a concurrent action may have moved it.
	st, err := m.db.GetInstance(st.Name)
	if err != nil {
		return nil, err
	}
	if st.Status.Kind != instance.KindRunning || m.driver.IsAlive(st.VMPid) {
		return st, nil
	}

	m.log.WithFields(logrus.Fields{"instance": st.Name, "pid": st.VMPid}).
		Warn("VM process lost, marking failed")
	st.VMPid = 0
	st.SetStatus(instance.Failed("process lost"))
	if err := m.db.SaveInstance(st); err != nil {
		return nil, err
	}
	return st, nil
}

// Reconcile re-adopts hypervisor children after a daemon restart:
// every persisted Running instance is probed, dead PIDs flip to
// Failed, live ones stay Running.
func (m *Manager) Reconcile() error {
	instances, err := m.db.ListInstances()
	if err != nil {
		return err
	}
	for _, st := range instances {
		if st.Status.Kind != instance.KindRunning {
			continue
		}
		if m.driver.IsAlive(st.VMPid) {
			m.log.WithFields(logrus.Fields{"instance": st.Name, "pid": st.VMPid}).
				Info("re-adopted running VM")
			continue
		}
		if _, err := m.reconcileLiveness(st); err != nil {
			return err
		}
	}
	return nil
}

// Monitor passthrough operations. Each requires a running instance
// with a monitor socket and speaks one command over a fresh
// connection.

func (m *Manager) monitorOp(name string, op func(socketPath string) error) error {
	st, err := m.Get(name)
	if err != nil {
		return err
	}
	if st.Status.Kind != instance.KindRunning {
		return &InvalidTransitionError{From: st.Status.Kind, To: instance.KindRunning}
	}
	return op(st.QMPSocket)
}

// Pause freezes the instance's vCPUs via the hypervisor monitor.
func (m *Manager) Pause(name string) error {
	return m.monitorOp(name, m.driver.Pause)
}

// Resume unfreezes a paused instance.
func (m *Manager) Resume(name string) error {
	return m.monitorOp(name, m.driver.Resume)
}

// Suspend puts the guest into ACPI S3 sleep.
func (m *Manager) Suspend(name string) error {
	return m.monitorOp(name, m.driver.Suspend)
}

// Wake raises an ACPI wakeup for a suspended guest.
func (m *Manager) Wake(name string) error {
	return m.monitorOp(name, m.driver.Wake)
}

// Reset hard-resets the guest.
func (m *Manager) Reset(name string) error {
	return m.monitorOp(name, m.driver.Reset)
}

// Stats reports host-side resource usage for an instance.
type Stats struct {
	Name          string `json:"name"`
	Status        string `json:"status"`
	DiskUsage     int64  `json:"disk_usage_bytes"`
	StorageQuota  int64  `json:"storage_quota_bytes"`
	QuotaExceeded bool   `json:"quota_exceeded"`
	VMPid         int    `json:"vm_pid,omitempty"`
}

// GetStats returns storage and process stats for an instance.
func (m *Manager) GetStats(name string) (*Stats, error) {
	st, err := m.Get(name)
	if err != nil {
		return nil, err
	}
	usage, err := m.storage.DiskUsage(st.ID)
	if err != nil {
		return nil, err
	}
	return &Stats{
		Name:          st.Name,
		Status:        st.Status.Kind,
		DiskUsage:     usage,
		StorageQuota:  st.Config.StorageBytes,
		QuotaExceeded: usage > st.Config.StorageBytes,
		VMPid:         st.VMPid,
	}, nil
}

// Attest verifies a live attestation quote from a running TEE instance
// against its precomputed expected measurement.
func (m *Manager) Attest(ctx context.Context, name string, verifier *tee.Verifier) (*tee.AttestationResult, error) {
	st, err := m.Get(name)
	if err != nil {
		return nil, err
	}
	if !st.Config.TEEMode {
		return nil, &ValidationError{Msg: fmt.Sprintf("instance %q does not run in TEE mode", name)}
	}
	if st.Status.Kind != instance.KindRunning {
		return nil, &InvalidTransitionError{From: st.Status.Kind, To: instance.KindRunning}
	}
	rpcURL := fmt.Sprintf("http://127.0.0.1:%d", st.Config.RPCPort)
	return verifier.Verify(ctx, rpcURL, st.Config.ExpectedMeasurement)
}
