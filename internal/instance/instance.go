// Package instance defines the instance data model: configuration,
// status variants, runtime state, and the on-disk storage layout.
package instance

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status kinds.
const (
	KindCreated  = "created"
	KindStarting = "starting"
	KindRunning  = "running"
	KindStopping = "stopping"
	KindStopped  = "stopped"
	KindFailed   = "failed"
)

// Status is the lifecycle status of an instance. Failed carries the
// fault description; all other kinds have no payload.
type Status struct {
	Kind  string
	Error string
}

// Convenience constructors for the payload-free kinds.
var (
	Created  = Status{Kind: KindCreated}
	Starting = Status{Kind: KindStarting}
	Running  = Status{Kind: KindRunning}
	Stopping = Status{Kind: KindStopping}
	Stopped  = Status{Kind: KindStopped}
)

// Failed returns a failed status carrying the fault description.
func Failed(err string) Status {
	return Status{Kind: KindFailed, Error: err}
}

func (s Status) String() string {
	if s.Kind == KindFailed {
		return fmt.Sprintf("failed: %s", s.Error)
	}
	return s.Kind
}

// MarshalJSON encodes payload-free kinds as a bare string and failed
// as {"failed":{"error":...}} so the fault survives persistence.
func (s Status) MarshalJSON() ([]byte, error) {
	if s.Kind == KindFailed {
		return json.Marshal(map[string]map[string]string{
			"failed": {"error": s.Error},
		})
	}
	return json.Marshal(s.Kind)
}

// UnmarshalJSON accepts both encodings produced by MarshalJSON.
func (s *Status) UnmarshalJSON(data []byte) error {
	var kind string
	if err := json.Unmarshal(data, &kind); err == nil {
		*s = Status{Kind: kind}
		return nil
	}
	var obj map[string]map[string]string
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("decode status: %w", err)
	}
	payload, ok := obj["failed"]
	if !ok {
		return fmt.Errorf("decode status: unknown variant in %s", data)
	}
	*s = Status{Kind: KindFailed, Error: payload["error"]}
	return nil
}

// SevSnp holds the confidential-guest parameters passed to the
// hypervisor and the measurement calculator.
type SevSnp struct {
	CBitPos         int    `json:"cbitpos"`
	ReducedPhysBits int    `json:"reduced_phys_bits"`
	VCPUType        string `json:"vcpu_type"`
}

// Config is the immutable per-instance configuration fixed at creation.
type Config struct {
	VCPUs        int      `json:"vcpus"`
	MemoryMB     int64    `json:"memory_mb"`
	StorageBytes int64    `json:"storage_bytes"`
	RPCPort      int      `json:"rpc_port"`
	VCPUType     string   `json:"vcpu_type"`
	TEEMode      bool     `json:"tee_mode"`
	KernelPath   string   `json:"kernel_path"`
	InitrdPath   string   `json:"initrd_path"`
	OVMFPath     string   `json:"ovmf_path,omitempty"`
	KatanaArgs   []string `json:"katana_args,omitempty"`
	SevSnp       *SevSnp  `json:"sev_snp,omitempty"`

	// ExpectedMeasurement is the hex launch measurement computed ahead
	// of the first start. Present iff TEEMode.
	ExpectedMeasurement string `json:"expected_measurement,omitempty"`
}

// State is the persisted instance aggregate.
type State struct {
	ID        string
	Name      string
	Status    Status
	Config    Config
	VMPid     int // 0 means no process
	QMPSocket string
	SerialLog string
	CreatedAt int64
	UpdatedAt int64
}

// NewState creates a fresh Created-state aggregate.
func NewState(id, name string, cfg Config) *State {
	now := time.Now().Unix()
	return &State{
		ID:        id,
		Name:      name,
		Status:    Created,
		Config:    cfg,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// SetStatus updates the status and bumps the updated timestamp.
func (s *State) SetStatus(status Status) {
	s.Status = status
	s.UpdatedAt = time.Now().Unix()
}

// CheckInvariants verifies the aggregate invariants: a PID is recorded
// iff the instance is running or stopping, and TEE mode implies both an
// OVMF image and a precomputed measurement.
func (s *State) CheckInvariants() error {
	hasPid := s.VMPid != 0
	wantPid := s.Status.Kind == KindRunning || s.Status.Kind == KindStopping
	if hasPid != wantPid {
		return fmt.Errorf("instance %s: vm_pid=%d inconsistent with status %s", s.Name, s.VMPid, s.Status)
	}
	if s.Config.TEEMode {
		if s.Config.ExpectedMeasurement == "" {
			return fmt.Errorf("instance %s: tee_mode without expected measurement", s.Name)
		}
		if s.Config.OVMFPath == "" {
			return fmt.Errorf("instance %s: tee_mode without OVMF image", s.Name)
		}
	}
	return nil
}
