// Package ports allocates host TCP ports for instance forwardings,
// coordinating persistent reservations with live OS availability.
package ports

import (
	"errors"
	"fmt"
	"net"

	"github.com/kariy/katana-hypervisor/internal/state"
)

// MaxAttempts bounds the candidate scan. The coordinator's
// allocate+insert retry loop reuses the same bound.
const MaxAttempts = 1000

// ErrNoPortsAvailable reports an exhausted candidate scan.
var ErrNoPortsAvailable = errors.New("no ports available")

// Allocator picks host ports that are neither reserved in the state
// database nor bound by another process.
//
// The database primary key is the serialization point: two racing
// allocators may pick the same candidate, at most one reservation
// insert wins, and the losing coordinator rescans from candidate+1.
// A bind probe cannot rule out a foreign process grabbing the port
// between probe and hypervisor spawn; that window is tolerated.
type Allocator struct {
	db *state.DB
}

// NewAllocator creates an allocator backed by the given store.
func NewAllocator(db *state.DB) *Allocator {
	return &Allocator{db: db}
}

// Allocate returns the first port at or after basePort that is absent
// from the ports table and passes an OS bind probe. It scans at most
// 1000 candidates before returning ErrNoPortsAvailable.
//
// The returned port is NOT reserved here — the coordinator inserts the
// reservation together with the instance row in one transaction and,
// when that insert loses to a concurrent reservation, calls Allocate
// again with the failed candidate+1 as the base.
func (a *Allocator) Allocate(basePort int) (int, error) {
	allocated, err := a.db.AllocatedPorts()
	if err != nil {
		return 0, fmt.Errorf("load reserved ports: %w", err)
	}
	reserved := make(map[int]bool, len(allocated))
	for _, p := range allocated {
		reserved[p] = true
	}

	candidate := basePort
	for i := 0; i < MaxAttempts; i++ {
		if !reserved[candidate] && probePort(candidate) {
			return candidate, nil
		}
		candidate++
	}
	return 0, ErrNoPortsAvailable
}

// IsAvailable reports whether a specific port is free both in the
// reservation table and at the OS level.
func (a *Allocator) IsAvailable(port int) (bool, error) {
	allocated, err := a.db.AllocatedPorts()
	if err != nil {
		return false, fmt.Errorf("load reserved ports: %w", err)
	}
	for _, p := range allocated {
		if p == port {
			return false, nil
		}
	}
	return probePort(port), nil
}

// probePort binds 127.0.0.1:port and releases it immediately.
func probePort(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
