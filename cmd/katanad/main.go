// katanad is the hypervisor control-plane daemon.
//
// It owns all writes to the state database, supervises QEMU children,
// and serves the local HTTP API the katanactl CLI consumes.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kariy/katana-hypervisor/internal/api"
	"github.com/kariy/katana-hypervisor/internal/config"
	"github.com/kariy/katana-hypervisor/internal/instance"
	"github.com/kariy/katana-hypervisor/internal/lifecycle"
	"github.com/kariy/katana-hypervisor/internal/ports"
	"github.com/kariy/katana-hypervisor/internal/qemu"
	"github.com/kariy/katana-hypervisor/internal/state"
	"github.com/kariy/katana-hypervisor/internal/tee"
	"github.com/kariy/katana-hypervisor/internal/version"
)

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{TimestampFormat: time.RFC3339})
	if os.Getenv("KATANAD_DEBUG") != "" {
		logrus.SetLevel(logrus.DebugLevel)
	}
	log := logrus.WithField("subsystem", "katanad")

	cfg := config.DefaultConfig()
	if err := cfg.EnsureDirs(); err != nil {
		log.WithError(err).Fatal("create directories")
	}
	cfg.ResolveBinaries()

	log.WithFields(logrus.Fields{
		"version":   version.Version(),
		"state_dir": cfg.StateDir,
		"qemu":      cfg.QemuBin,
		"kvm":       config.KVMAvailable(),
		"sev":       tee.Available(),
	}).Info("katanad starting")

	db, err := state.Open(cfg.DBPath)
	if err != nil {
		log.WithError(err).Fatal("open state database")
	}
	defer db.Close()

	storage := instance.NewStorage(cfg.InstancesDir)
	allocator := ports.NewAllocator(db)
	driver := qemu.NewDriver(cfg.QemuBin)
	calculator := tee.NewCalculator(cfg.MeasureBin)
	verifier := tee.NewVerifier()

	lm := lifecycle.NewManager(cfg, db, storage, allocator, driver, calculator)

	// Re-adopt or fail VMs persisted as running before the restart.
	if err := lm.Reconcile(); err != nil {
		log.WithError(err).Fatal("reconcile instances")
	}

	server := api.NewServer(cfg, lm, verifier)
	if err := server.Start(); err != nil {
		log.WithError(err).Fatal("start API server")
	}

	pidPath := cfg.StateDir + "/katanad.pid"
	os.WriteFile(pidPath, []byte(fmt.Sprintf("%d", os.Getpid())), 0600)
	defer os.Remove(pidPath)

	log.WithFields(logrus.Fields{"pid": os.Getpid(), "addr": server.Addr()}).Info("katanad ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	log.WithField("signal", sig).Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		log.WithError(err).Warn("server shutdown")
	}

	log.Info("katanad stopped")
}
