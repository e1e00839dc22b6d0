// Package state provides persistent storage for instance state.
// Uses pure-Go SQLite (modernc.org/sqlite) — no cgo required.
package state

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS instances (
	id                   TEXT PRIMARY KEY,
	name                 TEXT UNIQUE NOT NULL,
	status               TEXT NOT NULL,
	config_json          TEXT NOT NULL,
	vm_pid               INTEGER,
	qmp_socket           TEXT,
	serial_log           TEXT,
	tee_mode             BOOLEAN NOT NULL,
	expected_measurement TEXT,
	created_at           INTEGER NOT NULL,
	updated_at           INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS ports (
	port        INTEGER PRIMARY KEY,
	instance_id TEXT NOT NULL,
	port_type   TEXT NOT NULL,
	FOREIGN KEY (instance_id) REFERENCES instances(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS boot_components (
	instance_id    TEXT NOT NULL,
	component_type TEXT NOT NULL,
	file_path      TEXT NOT NULL,
	sha256_hash    TEXT NOT NULL,
	PRIMARY KEY (instance_id, component_type),
	FOREIGN KEY (instance_id) REFERENCES instances(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_instances_status ON instances(status);
CREATE INDEX IF NOT EXISTS idx_ports_instance ON ports(instance_id);
`

// DB wraps the SQLite state database. It is safe for concurrent use;
// writes serialize at the transaction boundary.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the state database at the given path.
func Open(dbPath string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// foreign_keys is a per-connection pragma; setting it through the
	// DSN makes every connection the pool opens enforce ON DELETE
	// CASCADE, not just the one a one-shot Exec would touch.
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection serializes writers at the pool instead of
	// surfacing SQLITE_BUSY to concurrent request handlers.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	sdb := &DB{db: db}
	if err := sdb.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return sdb, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) migrate() error {
	_, err := d.db.Exec(schemaSQL)
	return err
}

// isUniqueViolation reports whether err is a SQLite UNIQUE/PRIMARY KEY
// constraint failure.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
