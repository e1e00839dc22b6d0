package lifecycle

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kariy/katana-hypervisor/internal/config"
	"github.com/kariy/katana-hypervisor/internal/instance"
	"github.com/kariy/katana-hypervisor/internal/ports"
	"github.com/kariy/katana-hypervisor/internal/qemu"
	"github.com/kariy/katana-hypervisor/internal/state"
	"github.com/kariy/katana-hypervisor/internal/tee"
)

// fakeDriver runs the state machine without spawning a hypervisor.
type fakeDriver struct {
	mu       sync.Mutex
	nextPid  int
	alive    map[int]bool
	launches int
	killed   []int
	failWith error
	lastCfg  *qemu.Config
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{nextPid: 1000, alive: make(map[int]bool)}
}

func (d *fakeDriver) Launch(cfg *qemu.Config) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failWith != nil {
		return 0, d.failWith
	}
	d.launches++
	d.nextPid++
	d.alive[d.nextPid] = true
	d.lastCfg = cfg
	return d.nextPid, nil
}

func (d *fakeDriver) Stop(pid int, _ time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.alive, pid)
	return nil
}

func (d *fakeDriver) Kill(pid int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.alive, pid)
	d.killed = append(d.killed, pid)
	return nil
}

func (d *fakeDriver) IsAlive(pid int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.alive[pid]
}

func (d *fakeDriver) Pause(string) error   { return nil }
func (d *fakeDriver) Resume(string) error  { return nil }
func (d *fakeDriver) Suspend(string) error { return nil }
func (d *fakeDriver) Wake(string) error    { return nil }
func (d *fakeDriver) Reset(string) error   { return nil }

// markDead simulates the VM process disappearing out from under the
// coordinator.
func (d *fakeDriver) markDead(pid int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.alive, pid)
}

// fakeMeasurer returns a fixed digest without shelling out.
type fakeMeasurer struct {
	digest string
	calls  []tee.MeasurementInputs
}

func (m *fakeMeasurer) Calculate(in tee.MeasurementInputs) (string, error) {
	m.calls = append(m.calls, in)
	return m.digest, nil
}

type fixture struct {
	manager  *Manager
	driver   *fakeDriver
	measurer *fakeMeasurer
	db       *state.DB
	storage  *instance.Storage
	dir      string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	db, err := state.Open(filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := config.DefaultConfig()
	cfg.StateDir = dir
	cfg.InstancesDir = filepath.Join(dir, "instances")
	cfg.BasePort = 25050
	cfg.StopTimeout = time.Second

	storage := instance.NewStorage(cfg.InstancesDir)
	driver := newFakeDriver()
	measurer := &fakeMeasurer{digest: strings.Repeat("ab", 48)}

	return &fixture{
		manager:  NewManager(cfg, db, storage, ports.NewAllocator(db), driver, measurer),
		driver:   driver,
		measurer: measurer,
		db:       db,
		storage:  storage,
		dir:      dir,
	}
}

func (f *fixture) createRequest(t *testing.T, name string) CreateRequest {
	t.Helper()
	bootDir := f.dir
	kernel := filepath.Join(bootDir, "vmlinuz-"+name)
	initrd := filepath.Join(bootDir, "initrd-"+name)
	for _, p := range []string{kernel, initrd} {
		if err := os.WriteFile(p, []byte(p), 0600); err != nil {
			t.Fatal(err)
		}
	}
	return CreateRequest{
		Name:       name,
		VCPUs:      2,
		MemoryMB:   1024,
		KernelPath: kernel,
		InitrdPath: initrd,
		KatanaArgs: []string{"--dev"},
	}
}

func TestCreateReservesEverything(t *testing.T) {
	f := newFixture(t)

	st, err := f.manager.Create(f.createRequest(t, "a"))
	if err != nil {
		t.Fatal(err)
	}
	if st.Status.Kind != instance.KindCreated {
		t.Errorf("Status = %v, want created", st.Status)
	}
	if st.Config.RPCPort == 0 {
		t.Error("no rpc port allocated")
	}

	// Port reservation landed with the instance row.
	reserved, err := f.db.InstancePorts(st.ID)
	if err != nil {
		t.Fatal(err)
	}
	if reserved["rpc"] != st.Config.RPCPort {
		t.Errorf("port reservation = %v, want %d", reserved, st.Config.RPCPort)
	}

	// Boot component hashes recorded.
	comps, err := f.db.BootComponents(st.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(comps) != 2 {
		t.Errorf("boot components = %v, want kernel+initrd", comps)
	}

	// Storage directory exists.
	if _, err := os.Stat(f.storage.PathsFor(st.ID).DataDir); err != nil {
		t.Errorf("storage dir: %v", err)
	}
}

func TestCreateDuplicateName(t *testing.T) {
	f := newFixture(t)

	if _, err := f.manager.Create(f.createRequest(t, "a")); err != nil {
		t.Fatal(err)
	}
	_, err := f.manager.Create(f.createRequest(t, "a"))
	var exists *state.AlreadyExistsError
	if !errors.As(err, &exists) {
		t.Fatalf("err = %v, want AlreadyExistsError", err)
	}
}

func TestCreatePinnedPortCollision(t *testing.T) {
	f := newFixture(t)

	reqA := f.createRequest(t, "a")
	reqA.RPCPort = 25060
	if _, err := f.manager.Create(reqA); err != nil {
		t.Fatal(err)
	}

	reqB := f.createRequest(t, "b")
	reqB.RPCPort = 25060
	_, err := f.manager.Create(reqB)
	var taken *state.PortUnavailableError
	if !errors.As(err, &taken) {
		t.Fatalf("err = %v, want PortUnavailableError", err)
	}
}

func TestCreateConcurrentAllocationsGetDistinctPorts(t *testing.T) {
	f := newFixture(t)

	// Racing creators may pick the same candidate; the losing insert
	// must rescan from candidate+1 rather than surface the conflict.
	const n = 8
	reqs := make([]CreateRequest, n)
	for i := range reqs {
		reqs[i] = f.createRequest(t, fmt.Sprintf("vm-%d", i))
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range reqs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.manager.Create(reqs[i])
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("create %s: %v", reqs[i].Name, err)
		}
	}

	reserved, err := f.db.AllocatedPorts()
	if err != nil {
		t.Fatal(err)
	}
	if len(reserved) != n {
		t.Errorf("reserved ports = %v, want %d distinct reservations", reserved, n)
	}
}

func TestCreateMissingKernel(t *testing.T) {
	f := newFixture(t)

	req := f.createRequest(t, "a")
	req.KernelPath = filepath.Join(f.dir, "missing-vmlinuz")
	_, err := f.manager.Create(req)
	var bad *ValidationError
	if !errors.As(err, &bad) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}

func TestCreateTEEComputesMeasurement(t *testing.T) {
	f := newFixture(t)

	req := f.createRequest(t, "sealed")
	req.TEEMode = true
	req.OVMFPath = filepath.Join(f.dir, "OVMF.fd")
	if err := os.WriteFile(req.OVMFPath, []byte("ovmf"), 0600); err != nil {
		t.Fatal(err)
	}

	st, err := f.manager.Create(req)
	if err != nil {
		t.Fatal(err)
	}
	if st.Config.ExpectedMeasurement != f.measurer.digest {
		t.Errorf("measurement = %q", st.Config.ExpectedMeasurement)
	}
	if st.Config.SevSnp == nil || st.Config.SevSnp.VCPUType != "EPYC-v4" {
		t.Errorf("SevSnp = %+v", st.Config.SevSnp)
	}
	if err := st.CheckInvariants(); err != nil {
		t.Errorf("invariants: %v", err)
	}

	// The calculator saw the kernel cmdline the VM will boot with.
	if len(f.measurer.calls) != 1 {
		t.Fatalf("measurer calls = %d", len(f.measurer.calls))
	}
	if !strings.Contains(f.measurer.calls[0].Cmdline, "katana.args=--dev") {
		t.Errorf("measured cmdline = %q", f.measurer.calls[0].Cmdline)
	}

	// One ovmf component on top of kernel+initrd.
	comps, _ := f.db.BootComponents(st.ID)
	if len(comps) != 3 {
		t.Errorf("boot components = %v", comps)
	}
}

func TestCreateTEERequiresOVMF(t *testing.T) {
	f := newFixture(t)

	req := f.createRequest(t, "sealed")
	req.TEEMode = true
	_, err := f.manager.Create(req)
	var bad *ValidationError
	if !errors.As(err, &bad) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}

func TestStartTransitionsToRunning(t *testing.T) {
	f := newFixture(t)
	f.manager.Create(f.createRequest(t, "a"))

	if err := f.manager.Start("a"); err != nil {
		t.Fatal(err)
	}

	st, err := f.manager.Get("a")
	if err != nil {
		t.Fatal(err)
	}
	if st.Status.Kind != instance.KindRunning {
		t.Errorf("Status = %v, want running", st.Status)
	}
	if st.VMPid == 0 {
		t.Error("no pid persisted")
	}
	if st.SerialLog == "" || st.QMPSocket == "" {
		t.Errorf("runtime paths not set: %+v", st)
	}
	if err := st.CheckInvariants(); err != nil {
		t.Errorf("invariants: %v", err)
	}

	// The driver got the instance's own paths and cmdline.
	cfg := f.driver.lastCfg
	if cfg.RPCPort != st.Config.RPCPort {
		t.Errorf("driver rpc port = %d, want %d", cfg.RPCPort, st.Config.RPCPort)
	}
	if !strings.Contains(cfg.KernelCmdline, "katana.args=--dev") {
		t.Errorf("driver cmdline = %q", cfg.KernelCmdline)
	}
}

func TestStartIdempotentOnRunning(t *testing.T) {
	f := newFixture(t)
	f.manager.Create(f.createRequest(t, "a"))

	if err := f.manager.Start("a"); err != nil {
		t.Fatal(err)
	}
	before, _ := f.manager.Get("a")

	if err := f.manager.Start("a"); err != nil {
		t.Fatalf("second start: %v", err)
	}
	after, _ := f.manager.Get("a")

	if f.driver.launches != 1 {
		t.Errorf("launches = %d, want 1", f.driver.launches)
	}
	if before.VMPid != after.VMPid {
		t.Errorf("pid changed: %d → %d", before.VMPid, after.VMPid)
	}
}

func TestStartSpawnFailure(t *testing.T) {
	f := newFixture(t)
	st, _ := f.manager.Create(f.createRequest(t, "a"))
	f.driver.failWith = errors.New("qemu: kvm not available")

	err := f.manager.Start("a")
	if err == nil {
		t.Fatal("expected start failure")
	}

	got, _ := f.manager.Get("a")
	if got.Status.Kind != instance.KindFailed {
		t.Errorf("Status = %v, want failed", got.Status)
	}
	if !strings.Contains(got.Status.Error, "kvm not available") {
		t.Errorf("failure not captured: %q", got.Status.Error)
	}
	if got.VMPid != 0 {
		t.Errorf("VMPid = %d after failed spawn", got.VMPid)
	}

	// The port reservation survives a failed spawn.
	reserved, _ := f.db.InstancePorts(st.ID)
	if reserved["rpc"] != st.Config.RPCPort {
		t.Errorf("port reservation lost: %v", reserved)
	}

	// A Failed instance can be started again.
	f.driver.failWith = nil
	if err := f.manager.Start("a"); err != nil {
		t.Fatalf("restart after failure: %v", err)
	}
}

func TestStopTransitionsToStopped(t *testing.T) {
	f := newFixture(t)
	f.manager.Create(f.createRequest(t, "a"))
	f.manager.Start("a")

	if err := f.manager.Stop("a", 0); err != nil {
		t.Fatal(err)
	}

	st, _ := f.manager.Get("a")
	if st.Status.Kind != instance.KindStopped {
		t.Errorf("Status = %v, want stopped", st.Status)
	}
	if st.VMPid != 0 {
		t.Errorf("VMPid = %d, want cleared", st.VMPid)
	}
	if err := st.CheckInvariants(); err != nil {
		t.Errorf("invariants: %v", err)
	}
}

func TestStopIdempotentOnStopped(t *testing.T) {
	f := newFixture(t)
	f.manager.Create(f.createRequest(t, "a"))
	f.manager.Start("a")
	f.manager.Stop("a", 0)

	if err := f.manager.Stop("a", 0); err != nil {
		t.Errorf("second stop: %v", err)
	}
}

func TestStopFromCreatedIsInvalid(t *testing.T) {
	f := newFixture(t)
	f.manager.Create(f.createRequest(t, "a"))

	err := f.manager.Stop("a", 0)
	var bad *InvalidTransitionError
	if !errors.As(err, &bad) {
		t.Fatalf("err = %v, want InvalidTransitionError", err)
	}
	if bad.From != instance.KindCreated {
		t.Errorf("From = %q", bad.From)
	}
}

func TestStopLostProcessReconciles(t *testing.T) {
	f := newFixture(t)
	f.manager.Create(f.createRequest(t, "a"))
	f.manager.Start("a")

	st, _ := f.db.GetInstance("a")
	f.driver.markDead(st.VMPid)

	err := f.manager.Stop("a", 0)
	var lost *ProcessNotFoundError
	if !errors.As(err, &lost) {
		t.Fatalf("err = %v, want ProcessNotFoundError", err)
	}

	got, _ := f.db.GetInstance("a")
	if got.Status.Kind != instance.KindFailed || got.Status.Error != "process lost" {
		t.Errorf("Status = %+v, want failed/process lost", got.Status)
	}
}

func TestDeleteRunningRequiresForce(t *testing.T) {
	f := newFixture(t)
	f.manager.Create(f.createRequest(t, "a"))
	f.manager.Start("a")

	err := f.manager.Delete("a", false)
	var bad *InvalidTransitionError
	if !errors.As(err, &bad) {
		t.Fatalf("err = %v, want InvalidTransitionError", err)
	}

	// Still there and still running.
	st, err := f.manager.Get("a")
	if err != nil || st.Status.Kind != instance.KindRunning {
		t.Errorf("instance after rejected delete: %+v, %v", st, err)
	}
}

func TestDeleteForceKillsAndCleansUp(t *testing.T) {
	f := newFixture(t)
	st, _ := f.manager.Create(f.createRequest(t, "a"))
	f.manager.Start("a")

	running, _ := f.db.GetInstance("a")
	pid := running.VMPid

	if err := f.manager.Delete("a", true); err != nil {
		t.Fatal(err)
	}

	if len(f.driver.killed) != 1 || f.driver.killed[0] != pid {
		t.Errorf("killed = %v, want [%d]", f.driver.killed, pid)
	}
	var nf *state.NotFoundError
	if _, err := f.manager.Get("a"); !errors.As(err, &nf) {
		t.Errorf("get after delete = %v, want NotFoundError", err)
	}
	if ports, _ := f.db.AllocatedPorts(); len(ports) != 0 {
		t.Errorf("ports not cascaded: %v", ports)
	}
	if _, err := os.Stat(f.storage.PathsFor(st.ID).InstanceDir); !os.IsNotExist(err) {
		t.Error("storage dir should be gone")
	}
}

func TestDeleteStopped(t *testing.T) {
	f := newFixture(t)
	f.manager.Create(f.createRequest(t, "a"))
	f.manager.Start("a")
	f.manager.Stop("a", 0)

	if err := f.manager.Delete("a", false); err != nil {
		t.Fatal(err)
	}
}

func TestGetReconcilesLostProcess(t *testing.T) {
	f := newFixture(t)
	f.manager.Create(f.createRequest(t, "a"))
	f.manager.Start("a")

	st, _ := f.db.GetInstance("a")
	f.driver.markDead(st.VMPid)

	got, err := f.manager.Get("a")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status.Kind != instance.KindFailed || got.Status.Error != "process lost" {
		t.Errorf("Status = %+v, want failed/process lost", got.Status)
	}
	if got.VMPid != 0 {
		t.Errorf("VMPid = %d, want cleared", got.VMPid)
	}
	// Serial log path is preserved for diagnosis.
	if got.SerialLog == "" {
		t.Error("serial log path dropped during reconcile")
	}
}

func TestReconcileOnBoot(t *testing.T) {
	f := newFixture(t)
	f.manager.Create(f.createRequest(t, "alive"))
	f.manager.Create(f.createRequest(t, "dead"))
	f.manager.Start("alive")
	f.manager.Start("dead")

	st, _ := f.db.GetInstance("dead")
	f.driver.markDead(st.VMPid)

	if err := f.manager.Reconcile(); err != nil {
		t.Fatal(err)
	}

	alive, _ := f.db.GetInstance("alive")
	if alive.Status.Kind != instance.KindRunning {
		t.Errorf("alive status = %v, want running", alive.Status)
	}
	dead, _ := f.db.GetInstance("dead")
	if dead.Status.Kind != instance.KindFailed {
		t.Errorf("dead status = %v, want failed", dead.Status)
	}
}

func TestMonitorOpsRequireRunning(t *testing.T) {
	f := newFixture(t)
	f.manager.Create(f.createRequest(t, "a"))

	err := f.manager.Pause("a")
	var bad *InvalidTransitionError
	if !errors.As(err, &bad) {
		t.Fatalf("err = %v, want InvalidTransitionError", err)
	}

	f.manager.Start("a")
	if err := f.manager.Pause("a"); err != nil {
		t.Errorf("pause running: %v", err)
	}
}

func TestGetStats(t *testing.T) {
	f := newFixture(t)
	st, _ := f.manager.Create(f.createRequest(t, "a"))

	paths := f.storage.PathsFor(st.ID)
	if err := os.WriteFile(paths.SerialLog, make([]byte, 4096), 0600); err != nil {
		t.Fatal(err)
	}

	stats, err := f.manager.GetStats("a")
	if err != nil {
		t.Fatal(err)
	}
	if stats.DiskUsage != 4096 {
		t.Errorf("DiskUsage = %d, want 4096", stats.DiskUsage)
	}
	if stats.StorageQuota != st.Config.StorageBytes {
		t.Errorf("StorageQuota = %d", stats.StorageQuota)
	}
	if stats.QuotaExceeded {
		t.Error("quota should not be exceeded")
	}
}
