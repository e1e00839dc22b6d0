// katanactl is the CLI for the katana hypervisor control plane.
//
// It is a pure HTTP client of katanad — all state mutation happens in
// the daemon.
//
// Commands:
//
//	katanactl create     Create an instance
//	katanactl list       List instances
//	katanactl show       Show instance details
//	katanactl start      Start an instance
//	katanactl stop       Stop an instance
//	katanactl delete     Delete an instance
//	katanactl logs       Tail or follow an instance's serial log
//	katanactl stats      Show host-side resource usage
//	katanactl pause      Freeze vCPUs via the hypervisor monitor
//	katanactl resume     Unfreeze vCPUs
//	katanactl suspend    ACPI S3 sleep
//	katanactl wake       ACPI wakeup
//	katanactl reset      Hard reset
//	katanactl measure    Compute an expected launch measurement locally
//	katanactl attest     Verify a running TEE instance's quote
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/kariy/katana-hypervisor/internal/client"
	"github.com/kariy/katana-hypervisor/internal/config"
	"github.com/kariy/katana-hypervisor/internal/tee"
	"github.com/kariy/katana-hypervisor/internal/version"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "create":
		cmdCreate(os.Args[2:])
	case "list":
		cmdList(os.Args[2:])
	case "show":
		cmdShow(os.Args[2:])
	case "start":
		cmdSimple(os.Args[2:], "start")
	case "stop":
		cmdStop(os.Args[2:])
	case "delete":
		cmdDelete(os.Args[2:])
	case "logs":
		cmdLogs(os.Args[2:])
	case "stats":
		cmdStats(os.Args[2:])
	case "pause", "resume", "suspend", "wake", "reset":
		cmdMonitor(os.Args[1], os.Args[2:])
	case "measure":
		cmdMeasure(os.Args[2:])
	case "attest":
		cmdAttest(os.Args[2:])
	case "version", "--version", "-v":
		fmt.Printf("katanactl %s\n", version.Version())
	case "help", "--help", "-h":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`Usage: katanactl <command> [options]

Commands:
  create     Create an instance
  list       List instances
  show       Show instance details
  start      Start an instance
  stop       Stop an instance (graceful, then forced)
  delete     Delete an instance and its storage
  logs       Tail or follow an instance's serial log
  stats      Show host-side resource usage
  pause      Freeze vCPUs via the hypervisor monitor
  resume     Unfreeze vCPUs
  suspend    ACPI S3 sleep
  wake       ACPI wakeup
  reset      Hard reset
  measure    Compute an expected launch measurement locally
  attest     Verify a running TEE instance's quote

Examples:
  katanactl create --name dev --kernel ./vmlinuz --initrd ./initrd.img -- --dev
  katanactl create --name sealed --tee --memory 4G --storage 10G \
      --kernel ./vmlinuz --initrd ./initrd.img --ovmf ./OVMF.fd
  katanactl start dev
  katanactl logs dev --follow
  katanactl attest sealed --json
  katanactl delete dev --force`)
}

func daemonClient() *client.Client {
	return client.New(config.DefaultConfig().ListenAddr)
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

// parseMemory converts "512M" / "2G" / "2048" (MB) to megabytes.
func parseMemory(s string) (int64, error) {
	return parseSize(s, 1)
}

// parseStorage converts "512M" / "10G" / raw bytes to bytes.
func parseStorage(s string) (int64, error) {
	n, err := parseSize(s, 0)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// parseSize parses a resource string. mode 1 returns megabytes, mode 0
// returns bytes. Bare numbers are taken in the target unit.
func parseSize(s string, mode int) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" {
		return 0, fmt.Errorf("empty resource string")
	}
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "G"):
		s = strings.TrimSuffix(s, "G")
		if mode == 1 {
			mult = 1024
		} else {
			mult = 1 << 30
		}
	case strings.HasSuffix(s, "M"):
		s = strings.TrimSuffix(s, "M")
		if mode == 1 {
			mult = 1
		} else {
			mult = 1 << 20
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid resource string %q", s)
	}
	return n * mult, nil
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fatal(err)
	}
	fmt.Println(string(data))
}

func cmdCreate(args []string) {
	req := client.CreateInstanceRequest{}
	var memory, storage string
	var jsonOut bool

	i := 0
	for i < len(args) {
		switch args[i] {
		case "--name":
			i++
			req.Name = argValue(args, i, "--name")
		case "--vcpus":
			i++
			n, err := strconv.Atoi(argValue(args, i, "--vcpus"))
			if err != nil {
				fatal(fmt.Errorf("invalid --vcpus: %v", err))
			}
			req.VCPUs = n
		case "--memory":
			i++
			memory = argValue(args, i, "--memory")
		case "--storage":
			i++
			storage = argValue(args, i, "--storage")
		case "--port":
			i++
			n, err := strconv.Atoi(argValue(args, i, "--port"))
			if err != nil {
				fatal(fmt.Errorf("invalid --port: %v", err))
			}
			req.RPCPort = n
		case "--tee":
			req.TEEMode = true
		case "--kernel":
			i++
			req.KernelPath = argValue(args, i, "--kernel")
		case "--initrd":
			i++
			req.InitrdPath = argValue(args, i, "--initrd")
		case "--ovmf":
			i++
			req.OVMFPath = argValue(args, i, "--ovmf")
		case "--json":
			jsonOut = true
		case "--":
			req.KatanaArgs = args[i+1:]
			i = len(args)
		default:
			fatal(fmt.Errorf("unknown flag %q", args[i]))
		}
		i++
	}

	if memory != "" {
		mb, err := parseMemory(memory)
		if err != nil {
			fatal(err)
		}
		req.MemoryMB = mb
	}
	if storage != "" {
		b, err := parseStorage(storage)
		if err != nil {
			fatal(err)
		}
		req.StorageBytes = b
	}

	inst, err := daemonClient().CreateInstance(context.Background(), req)
	if err != nil {
		fatal(err)
	}
	if jsonOut {
		printJSON(inst)
		return
	}
	fmt.Printf("created instance %s (id %s, rpc port %d)\n", inst.Name, inst.ID, inst.RPCPort)
	if inst.TEEMode {
		fmt.Printf("expected measurement: %s\n", inst.ExpectedMeasurement)
	}
}

func argValue(args []string, i int, flag string) string {
	if i >= len(args) {
		fatal(fmt.Errorf("%s requires a value", flag))
	}
	return args[i]
}

func cmdList(args []string) {
	jsonOut := hasFlag(args, "--json")

	list, err := daemonClient().ListInstances(context.Background())
	if err != nil {
		fatal(err)
	}
	if jsonOut {
		printJSON(list)
		return
	}
	if list.Total == 0 {
		fmt.Println("no instances")
		return
	}
	fmt.Printf("%-20s %-10s %-8s %-8s %-6s %s\n", "NAME", "STATUS", "VCPUS", "MEM(MB)", "PORT", "TEE")
	for _, inst := range list.Instances {
		fmt.Printf("%-20s %-10s %-8d %-8d %-6d %v\n",
			inst.Name, inst.Status, inst.VCPUs, inst.MemoryMB, inst.RPCPort, inst.TEEMode)
	}
}

func cmdShow(args []string) {
	name, rest := nameArg(args, "show")
	jsonOut := hasFlag(rest, "--json")

	inst, err := daemonClient().GetInstance(context.Background(), name)
	if err != nil {
		fatal(err)
	}
	if jsonOut {
		printJSON(inst)
		return
	}
	fmt.Printf("name:       %s\n", inst.Name)
	fmt.Printf("id:         %s\n", inst.ID)
	status := inst.Status
	if inst.Error != "" {
		status += ": " + inst.Error
	}
	fmt.Printf("status:     %s\n", status)
	fmt.Printf("vcpus:      %d\n", inst.VCPUs)
	fmt.Printf("memory:     %d MB\n", inst.MemoryMB)
	fmt.Printf("storage:    %d bytes\n", inst.StorageBytes)
	fmt.Printf("rpc port:   %d\n", inst.RPCPort)
	fmt.Printf("tee mode:   %v\n", inst.TEEMode)
	if inst.ExpectedMeasurement != "" {
		fmt.Printf("measurement: %s\n", inst.ExpectedMeasurement)
	}
	if inst.VMPid != nil {
		fmt.Printf("vm pid:     %d\n", *inst.VMPid)
	}
	if inst.SerialLog != "" {
		fmt.Printf("serial log: %s\n", inst.SerialLog)
	}
}

func cmdSimple(args []string, op string) {
	name, _ := nameArg(args, op)
	if err := daemonClient().StartInstance(context.Background(), name); err != nil {
		fatal(err)
	}
	fmt.Printf("instance %s started\n", name)
}

func cmdStop(args []string) {
	name, rest := nameArg(args, "stop")
	timeout := 0
	for i := 0; i < len(rest); i++ {
		if rest[i] == "--timeout" {
			i++
			n, err := strconv.Atoi(argValue(rest, i, "--timeout"))
			if err != nil {
				fatal(fmt.Errorf("invalid --timeout: %v", err))
			}
			timeout = n
		}
	}
	if err := daemonClient().StopInstance(context.Background(), name, timeout); err != nil {
		fatal(err)
	}
	fmt.Printf("instance %s stopped\n", name)
}

func cmdDelete(args []string) {
	name, rest := nameArg(args, "delete")
	force := hasFlag(rest, "--force")
	if err := daemonClient().DeleteInstance(context.Background(), name, force); err != nil {
		fatal(err)
	}
	fmt.Printf("instance %s deleted\n", name)
}

func cmdLogs(args []string) {
	name, rest := nameArg(args, "logs")
	follow := hasFlag(rest, "--follow")
	tail := 0
	for i := 0; i < len(rest); i++ {
		if rest[i] == "--tail" {
			i++
			n, err := strconv.Atoi(argValue(rest, i, "--tail"))
			if err != nil {
				fatal(fmt.Errorf("invalid --tail: %v", err))
			}
			tail = n
		}
	}

	c := daemonClient()
	if !follow {
		logs, err := c.GetLogs(context.Background(), name, tail)
		if err != nil {
			fatal(err)
		}
		for _, line := range logs.Lines {
			fmt.Println(line)
		}
		return
	}

	err := c.StreamLogs(context.Background(), name, tail, func(ev client.StreamEvent) error {
		switch ev.Kind {
		case "log":
			var payload struct {
				Line string `json:"line"`
			}
			if json.Unmarshal(ev.Data, &payload) == nil {
				fmt.Println(payload.Line)
			}
		case "info":
			var payload struct {
				Message string `json:"message"`
			}
			if json.Unmarshal(ev.Data, &payload) == nil {
				fmt.Fprintf(os.Stderr, "-- %s\n", payload.Message)
			}
		case "error":
			var payload struct {
				Error string `json:"error"`
			}
			if json.Unmarshal(ev.Data, &payload) == nil {
				return fmt.Errorf("%s", payload.Error)
			}
		}
		return nil
	})
	if err != nil {
		fatal(err)
	}
}

func cmdStats(args []string) {
	name, rest := nameArg(args, "stats")
	jsonOut := hasFlag(rest, "--json")

	stats, err := daemonClient().GetStats(context.Background(), name)
	if err != nil {
		fatal(err)
	}
	if jsonOut {
		printJSON(stats)
		return
	}
	fmt.Printf("name:       %s\n", stats.Name)
	fmt.Printf("status:     %s\n", stats.Status)
	fmt.Printf("disk usage: %d bytes\n", stats.DiskUsage)
	fmt.Printf("quota:      %d bytes\n", stats.StorageQuota)
	if stats.QuotaExceeded {
		fmt.Println("quota exceeded")
	}
}

func cmdMonitor(op string, args []string) {
	name, _ := nameArg(args, op)
	if err := daemonClient().MonitorOp(context.Background(), name, op); err != nil {
		fatal(err)
	}
	fmt.Printf("%s sent to %s\n", op, name)
}

func cmdMeasure(args []string) {
	var in tee.MeasurementInputs
	var jsonOut bool

	i := 0
	for i < len(args) {
		switch args[i] {
		case "--ovmf":
			i++
			in.OVMFPath = argValue(args, i, "--ovmf")
		case "--kernel":
			i++
			in.KernelPath = argValue(args, i, "--kernel")
		case "--initrd":
			i++
			in.InitrdPath = argValue(args, i, "--initrd")
		case "--append":
			i++
			in.Cmdline = argValue(args, i, "--append")
		case "--vcpus":
			i++
			n, err := strconv.Atoi(argValue(args, i, "--vcpus"))
			if err != nil {
				fatal(fmt.Errorf("invalid --vcpus: %v", err))
			}
			in.VCPUs = n
		case "--vcpu-type":
			i++
			in.VCPUType = argValue(args, i, "--vcpu-type")
		case "--json":
			jsonOut = true
		default:
			fatal(fmt.Errorf("unknown flag %q", args[i]))
		}
		i++
	}

	if in.OVMFPath == "" {
		fatal(fmt.Errorf("--ovmf is required"))
	}
	if in.VCPUs == 0 {
		in.VCPUs = 1
	}
	if in.VCPUType == "" {
		in.VCPUType = tee.DefaultEPYC().VCPUType
	}

	cfg := config.DefaultConfig()
	cfg.ResolveBinaries()
	calc := tee.NewCalculator(cfg.MeasureBin)

	if jsonOut {
		out, err := calc.CalculateWithMetadata(in)
		if err != nil {
			fatal(err)
		}
		fmt.Println(out.JSONMetadata)
		return
	}
	measurement, err := calc.Calculate(in)
	if err != nil {
		fatal(err)
	}
	fmt.Println(measurement)
}

func cmdAttest(args []string) {
	name, rest := nameArg(args, "attest")
	jsonOut := hasFlag(rest, "--json")

	result, err := daemonClient().Attest(context.Background(), name)
	if err != nil {
		fatal(err)
	}
	if jsonOut {
		printJSON(result)
		return
	}
	fmt.Printf("verified:  %v\n", result.Verified)
	fmt.Printf("expected:  %s\n", result.ExpectedMeasurement)
	fmt.Printf("actual:    %s\n", result.ActualMeasurement)
	fmt.Printf("block:     %d (%s)\n", result.BlockNumber, result.BlockHash)
	fmt.Printf("state root: %s\n", result.StateRoot)
	if !result.Verified {
		os.Exit(1)
	}
}

// nameArg pulls the positional instance name off the front of args.
func nameArg(args []string, cmd string) (string, []string) {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		fatal(fmt.Errorf("%s requires an instance name", cmd))
	}
	return args[0], args[1:]
}

func hasFlag(args []string, flag string) bool {
	for _, a := range args {
		if a == flag {
			return true
		}
	}
	return false
}
