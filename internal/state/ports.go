package state

import "fmt"

// AllocatedPorts returns every reserved port, ascending.
func (d *DB) AllocatedPorts() ([]int, error) {
	rows, err := d.db.Query(`SELECT port FROM ports ORDER BY port`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ports []int
	for rows.Next() {
		var port int
		if err := rows.Scan(&port); err != nil {
			return nil, err
		}
		ports = append(ports, port)
	}
	return ports, rows.Err()
}

// InstancePorts returns the reservations held by one instance.
func (d *DB) InstancePorts(instanceID string) (map[string]int, error) {
	rows, err := d.db.Query(`SELECT port, port_type FROM ports WHERE instance_id = ?`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ports := make(map[string]int)
	for rows.Next() {
		var port int
		var portType string
		if err := rows.Scan(&port, &portType); err != nil {
			return nil, err
		}
		ports[portType] = port
	}
	return ports, rows.Err()
}

// ReservePort inserts a reservation outside of instance creation.
// A taken port yields PortUnavailableError.
func (d *DB) ReservePort(instanceID string, port int, portType string) error {
	_, err := d.db.Exec(`INSERT INTO ports (port, instance_id, port_type) VALUES (?, ?, ?)`,
		port, instanceID, portType)
	if isUniqueViolation(err) {
		return &PortUnavailableError{Port: port}
	}
	if err != nil {
		return fmt.Errorf("reserve port %d: %w", port, err)
	}
	return nil
}

// BootComponents returns the recorded boot component hashes for an
// instance, ordered by component type.
func (d *DB) BootComponents(instanceID string) ([]BootComponent, error) {
	rows, err := d.db.Query(`
		SELECT instance_id, component_type, file_path, sha256_hash
		FROM boot_components WHERE instance_id = ? ORDER BY component_type
	`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var components []BootComponent
	for rows.Next() {
		var c BootComponent
		if err := rows.Scan(&c.InstanceID, &c.ComponentType, &c.FilePath, &c.SHA256Hash); err != nil {
			return nil, err
		}
		components = append(components, c)
	}
	return components, rows.Err()
}
