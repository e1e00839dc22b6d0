package instance

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// QuotaExceededError reports that an instance's directory grew past its
// configured storage quota.
type QuotaExceededError struct {
	Used  int64
	Limit int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("storage quota exceeded: used %d, limit %d", e.Used, e.Limit)
}

// Paths collects the well-known file locations inside an instance
// directory.
type Paths struct {
	InstanceDir string
	DataDir     string
	SerialLog   string
	QMPSocket   string
	PIDFile     string
}

// Storage manages per-instance directories under a common base.
// Layout: <base>/<id>/{data/, serial.log, qmp.sock, qemu.pid}.
type Storage struct {
	baseDir string
}

// NewStorage creates a storage manager rooted at baseDir.
func NewStorage(baseDir string) *Storage {
	return &Storage{baseDir: baseDir}
}

// Create creates the directory tree for an instance and returns its
// paths. The quota is recorded in the instance config and checked on
// demand; it is not enforced by the filesystem.
func (s *Storage) Create(id string) (Paths, error) {
	p := s.PathsFor(id)
	if err := os.MkdirAll(p.DataDir, 0700); err != nil {
		return Paths{}, fmt.Errorf("create instance storage: %w", err)
	}
	return p, nil
}

// PathsFor returns the paths for an instance without touching the
// filesystem.
func (s *Storage) PathsFor(id string) Paths {
	dir := filepath.Join(s.baseDir, id)
	return Paths{
		InstanceDir: dir,
		DataDir:     filepath.Join(dir, "data"),
		SerialLog:   filepath.Join(dir, "serial.log"),
		QMPSocket:   filepath.Join(dir, "qmp.sock"),
		PIDFile:     filepath.Join(dir, "qemu.pid"),
	}
}

// DiskUsage returns the total size in bytes of an instance directory.
// A missing directory counts as zero.
func (s *Storage) DiskUsage(id string) (int64, error) {
	dir := filepath.Join(s.baseDir, id)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return 0, nil
	}
	var total int64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("disk usage for %s: %w", id, err)
	}
	return total, nil
}

// CheckQuota returns a QuotaExceededError when the instance directory
// has grown past quotaBytes.
func (s *Storage) CheckQuota(id string, quotaBytes int64) error {
	used, err := s.DiskUsage(id)
	if err != nil {
		return err
	}
	if used > quotaBytes {
		return &QuotaExceededError{Used: used, Limit: quotaBytes}
	}
	return nil
}

// Delete removes the instance directory and everything in it: data
// dir, serial log, QMP socket, and PID file.
func (s *Storage) Delete(id string) error {
	return os.RemoveAll(filepath.Join(s.baseDir, id))
}
