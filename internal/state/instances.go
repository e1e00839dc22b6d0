package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kariy/katana-hypervisor/internal/instance"
)

// BootComponent records the sha256 of one boot artifact at instance
// creation, so tampering between create and start is detectable.
type BootComponent struct {
	InstanceID    string `json:"instance_id"`
	ComponentType string `json:"component_type"`
	FilePath      string `json:"file_path"`
	SHA256Hash    string `json:"sha256_hash"`
}

const instanceColumns = `id, name, status, config_json, vm_pid, qmp_socket, serial_log, created_at, updated_at`

// CreateInstance inserts the instance row, its RPC port reservation,
// and its boot component hashes in a single transaction. A duplicate
// name yields AlreadyExistsError; a taken port yields
// PortUnavailableError; in both cases nothing is persisted.
func (d *DB) CreateInstance(st *instance.State, components []BootComponent) error {
	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("begin create: %w", err)
	}
	defer tx.Rollback()

	statusJSON, configJSON, err := encodeInstance(st)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`
		INSERT INTO instances
		(id, name, status, config_json, vm_pid, qmp_socket, serial_log, tee_mode, expected_measurement, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, st.ID, st.Name, statusJSON, configJSON, nullPid(st.VMPid), nullStr(st.QMPSocket), nullStr(st.SerialLog),
		st.Config.TEEMode, nullStr(st.Config.ExpectedMeasurement), st.CreatedAt, st.UpdatedAt)
	if isUniqueViolation(err) {
		return &AlreadyExistsError{Name: st.Name}
	}
	if err != nil {
		return fmt.Errorf("insert instance: %w", err)
	}

	_, err = tx.Exec(`INSERT INTO ports (port, instance_id, port_type) VALUES (?, ?, ?)`,
		st.Config.RPCPort, st.ID, "rpc")
	if isUniqueViolation(err) {
		return &PortUnavailableError{Port: st.Config.RPCPort}
	}
	if err != nil {
		return fmt.Errorf("reserve port: %w", err)
	}

	for _, c := range components {
		if _, err := tx.Exec(`
			INSERT INTO boot_components (instance_id, component_type, file_path, sha256_hash)
			VALUES (?, ?, ?, ?)
		`, st.ID, c.ComponentType, c.FilePath, c.SHA256Hash); err != nil {
			return fmt.Errorf("record boot component %s: %w", c.ComponentType, err)
		}
	}

	return tx.Commit()
}

// SaveInstance updates an existing instance row. The updated_at column
// always reflects the time of the save.
func (d *DB) SaveInstance(st *instance.State) error {
	statusJSON, configJSON, err := encodeInstance(st)
	if err != nil {
		return err
	}

	st.UpdatedAt = time.Now().Unix()
	res, err := d.db.Exec(`
		UPDATE instances
		SET name = ?, status = ?, config_json = ?, vm_pid = ?, qmp_socket = ?,
		    serial_log = ?, tee_mode = ?, expected_measurement = ?, updated_at = ?
		WHERE id = ?
	`, st.Name, statusJSON, configJSON, nullPid(st.VMPid), nullStr(st.QMPSocket), nullStr(st.SerialLog),
		st.Config.TEEMode, nullStr(st.Config.ExpectedMeasurement), st.UpdatedAt, st.ID)
	if err != nil {
		return fmt.Errorf("update instance: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &NotFoundError{Name: st.Name}
	}
	return nil
}

// GetInstance retrieves an instance by its user-facing name.
func (d *DB) GetInstance(name string) (*instance.State, error) {
	row := d.db.QueryRow(`SELECT `+instanceColumns+` FROM instances WHERE name = ?`, name)
	st, err := scanInstance(row)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{Name: name}
	}
	return st, err
}

// GetInstanceByID retrieves an instance by its internal id.
func (d *DB) GetInstanceByID(id string) (*instance.State, error) {
	row := d.db.QueryRow(`SELECT `+instanceColumns+` FROM instances WHERE id = ?`, id)
	st, err := scanInstance(row)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{Name: id}
	}
	return st, err
}

// ListInstances returns all instances, newest first.
func (d *DB) ListInstances() ([]*instance.State, error) {
	rows, err := d.db.Query(`SELECT ` + instanceColumns + ` FROM instances ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*instance.State
	for rows.Next() {
		st, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, st)
	}
	return instances, rows.Err()
}

// InstanceExists reports whether an instance with the given name exists.
func (d *DB) InstanceExists(name string) (bool, error) {
	var count int64
	if err := d.db.QueryRow(`SELECT COUNT(*) FROM instances WHERE name = ?`, name).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

// DeleteInstance removes an instance row. Port reservations and boot
// components cascade.
func (d *DB) DeleteInstance(name string) error {
	res, err := d.db.Exec(`DELETE FROM instances WHERE name = ?`, name)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &NotFoundError{Name: name}
	}
	return nil
}

func encodeInstance(st *instance.State) (statusJSON, configJSON string, err error) {
	sj, err := json.Marshal(st.Status)
	if err != nil {
		return "", "", fmt.Errorf("encode status: %w", err)
	}
	cj, err := json.Marshal(st.Config)
	if err != nil {
		return "", "", fmt.Errorf("encode config: %w", err)
	}
	return string(sj), string(cj), nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullPid(pid int) any {
	if pid == 0 {
		return nil
	}
	return pid
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*instance.State, error) {
	var st instance.State
	var statusJSON, configJSON string
	var vmPid sql.NullInt64
	var qmpSocket, serialLog sql.NullString

	err := row.Scan(&st.ID, &st.Name, &statusJSON, &configJSON, &vmPid,
		&qmpSocket, &serialLog, &st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(statusJSON), &st.Status); err != nil {
		return nil, fmt.Errorf("decode status for %s: %w", st.Name, err)
	}
	if err := json.Unmarshal([]byte(configJSON), &st.Config); err != nil {
		return nil, fmt.Errorf("decode config for %s: %w", st.Name, err)
	}
	st.VMPid = int(vmPid.Int64)
	st.QMPSocket = qmpSocket.String
	st.SerialLog = serialLog.String
	return &st, nil
}
