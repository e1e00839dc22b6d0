// Package qemu drives the external hypervisor: it assembles the
// argument vector, supervises the daemonized child process, and speaks
// the QMP monitor protocol over the per-instance UNIX socket.
package qemu

import (
	"fmt"
	"strconv"
	"strings"
)

// SevSnp holds the confidential-guest launch parameters.
type SevSnp struct {
	CBitPos         int
	ReducedPhysBits int
	VCPUType        string
}

// Config describes one VM invocation. Args() projects it to the
// hypervisor argument vector; the ordering is an external interface
// and is tested bit-exactly.
type Config struct {
	// Resource limits
	MemoryMB int64
	VCPUs    int
	CPUType  string

	// Boot components
	KernelPath string
	InitrdPath string
	BiosPath   string

	// Kernel command line
	KernelCmdline string

	// Network
	RPCPort int

	// Storage
	DiskImage string

	// Paths
	QMPSocket string
	SerialLog string
	PIDFile   string

	// TEE configuration
	SevSnp *SevSnp

	// Enable KVM acceleration
	EnableKVM bool
}

// Args builds the hypervisor command line. The first element is the
// binary name; ordering is deterministic and observable.
func (c *Config) Args() []string {
	args := []string{"qemu-system-x86_64"}

	if c.EnableKVM {
		args = append(args, "-enable-kvm")
	}

	if c.SevSnp != nil {
		args = append(args, "-cpu", c.SevSnp.VCPUType)
		args = append(args, "-machine", "q35,confidential-guest-support=sev0")
		args = append(args, "-object", fmt.Sprintf(
			"sev-snp-guest,id=sev0,cbitpos=%d,reduced-phys-bits=%d",
			c.SevSnp.CBitPos, c.SevSnp.ReducedPhysBits))
		// BIOS (OVMF) is required for SEV
		if c.BiosPath != "" {
			args = append(args, "-bios", c.BiosPath)
		}
	} else {
		args = append(args, "-cpu", c.CPUType)
		args = append(args, "-machine", "q35")
	}

	args = append(args, "-smp", strconv.Itoa(c.VCPUs))
	args = append(args, "-m", fmt.Sprintf("%dM", c.MemoryMB))

	args = append(args, "-kernel", c.KernelPath)
	args = append(args, "-initrd", c.InitrdPath)
	args = append(args, "-append", c.KernelCmdline)

	// User networking with the guest RPC port forwarded to the host
	args = append(args, "-netdev", fmt.Sprintf("user,id=net0,hostfwd=tcp::%d-:5050", c.RPCPort))
	args = append(args, "-device", "virtio-net-pci,netdev=net0")

	if c.DiskImage != "" {
		args = append(args, "-drive", fmt.Sprintf("file=%s,if=virtio,format=qcow2", c.DiskImage))
	}

	// -display none instead of -nographic for compatibility with -daemonize
	args = append(args, "-display", "none")
	args = append(args, "-serial", "file:"+c.SerialLog)
	args = append(args, "-qmp", fmt.Sprintf("unix:%s,server,nowait", c.QMPSocket))
	args = append(args, "-daemonize")
	args = append(args, "-pidfile", c.PIDFile)

	return args
}

// KernelCmdline builds the guest kernel command line carrying the
// katana program arguments.
func KernelCmdline(katanaArgs []string) string {
	return fmt.Sprintf("console=ttyS0 loglevel=4 katana.args=%s", strings.Join(katanaArgs, " "))
}
