package tee

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// FileNotFoundError reports a missing measurement input file.
type FileNotFoundError struct {
	Path string
}

func (e *FileNotFoundError) Error() string {
	return fmt.Sprintf("file not found: %s", e.Path)
}

// MeasurementFailedError reports a failure of the underlying
// derivation tool.
type MeasurementFailedError struct {
	Stderr string
}

func (e *MeasurementFailedError) Error() string {
	return fmt.Sprintf("measurement calculation failed: %s", e.Stderr)
}

// MeasurementInputs are the boot parameters the launch digest is
// derived from. The derivation depends on these inputs alone — no
// clock, randomness, or ambient host state.
type MeasurementInputs struct {
	OVMFPath   string `json:"ovmf_path"`
	KernelPath string `json:"kernel_path,omitempty"`
	InitrdPath string `json:"initrd_path,omitempty"`
	Cmdline    string `json:"cmdline,omitempty"`
	VCPUs      int    `json:"vcpus"`
	VCPUType   string `json:"vcpu_type"`
}

// MeasurementOutput carries the digest plus JSON metadata describing
// the inputs it was derived from.
type MeasurementOutput struct {
	Measurement  string `json:"measurement"`
	JSONMetadata string `json:"json_metadata"`
}

// Calculator derives the expected SEV-SNP launch measurement by
// invoking the reference sev-snp-measure tool. The AMD hashing
// sequence itself is the tool's concern; this side only guarantees a
// deterministic invocation from the listed inputs.
type Calculator struct {
	// Bin is the sev-snp-measure binary path.
	Bin string
}

// NewCalculator creates a calculator using the given measurement tool.
func NewCalculator(bin string) *Calculator {
	return &Calculator{Bin: bin}
}

// Calculate returns the hex launch digest (96 hex chars for the
// 48-byte SEV-SNP measurement) for the given boot inputs.
func (c *Calculator) Calculate(in MeasurementInputs) (string, error) {
	if err := checkInputs(in); err != nil {
		return "", err
	}

	out, err := exec.Command(c.Bin, measureArgs(in)...).Output()
	if err != nil {
		stderr := err.Error()
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			stderr = strings.TrimSpace(string(exitErr.Stderr))
		}
		return "", &MeasurementFailedError{Stderr: stderr}
	}

	measurement := strings.TrimSpace(string(out))
	if _, err := hex.DecodeString(measurement); err != nil || len(measurement) != 96 {
		return "", &MeasurementFailedError{Stderr: fmt.Sprintf("unexpected digest %q", measurement)}
	}
	return measurement, nil
}

// CalculateWithMetadata returns the digest along with a JSON record of
// the inputs it was derived from.
func (c *Calculator) CalculateWithMetadata(in MeasurementInputs) (*MeasurementOutput, error) {
	measurement, err := c.Calculate(in)
	if err != nil {
		return nil, err
	}
	meta, err := json.Marshal(struct {
		Measurement string            `json:"measurement"`
		Inputs      MeasurementInputs `json:"inputs"`
	}{Measurement: measurement, Inputs: in})
	if err != nil {
		return nil, err
	}
	return &MeasurementOutput{
		Measurement:  measurement,
		JSONMetadata: string(meta),
	}, nil
}

// measureArgs builds the deterministic tool invocation. Exported
// behavior is covered by tests; ordering is fixed.
func measureArgs(in MeasurementInputs) []string {
	args := []string{
		"--mode", "snp",
		"--vcpus", strconv.Itoa(in.VCPUs),
		"--vcpu-type", in.VCPUType,
		"--ovmf", in.OVMFPath,
	}
	if in.KernelPath != "" {
		args = append(args, "--kernel", in.KernelPath)
		if in.InitrdPath != "" {
			args = append(args, "--initrd", in.InitrdPath)
		}
		args = append(args, "--append", in.Cmdline)
	}
	args = append(args, "--output-format", "hex")
	return args
}

func checkInputs(in MeasurementInputs) error {
	paths := []string{in.OVMFPath}
	if in.KernelPath != "" {
		paths = append(paths, in.KernelPath)
	}
	if in.InitrdPath != "" {
		paths = append(paths, in.InitrdPath)
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return &FileNotFoundError{Path: p}
		}
	}
	return nil
}
