// Package tee implements the confidential-compute pipeline: SEV-SNP
// guest parameters, pre-launch measurement derivation, and runtime
// attestation verification.
package tee

import (
	"fmt"
	"os"
)

// SevSnp holds the SEV-SNP guest parameters shared by the hypervisor
// invocation and the measurement calculator.
type SevSnp struct {
	CBitPos         int    `json:"cbitpos"`
	ReducedPhysBits int    `json:"reduced_phys_bits"`
	VCPUType        string `json:"vcpu_type"`
}

// DefaultEPYC returns the SEV-SNP parameters for AMD EPYC hosts.
func DefaultEPYC() SevSnp {
	return SevSnp{
		CBitPos:         51,
		ReducedPhysBits: 1,
		VCPUType:        "EPYC-v4",
	}
}

// Available reports whether the host exposes the SEV guest device.
func Available() bool {
	_, err := os.Stat("/dev/sev-guest")
	return err == nil
}

// Validate checks the parameter ranges.
func (s SevSnp) Validate() error {
	if s.CBitPos > 63 {
		return fmt.Errorf("invalid cbitpos: %d (must be <= 63)", s.CBitPos)
	}
	if s.ReducedPhysBits > 10 {
		return fmt.Errorf("invalid reduced_phys_bits: %d (must be <= 10)", s.ReducedPhysBits)
	}
	if s.VCPUType == "" {
		return fmt.Errorf("vcpu_type cannot be empty")
	}
	return nil
}
