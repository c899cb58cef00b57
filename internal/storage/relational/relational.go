// Package relational persists billing history and usage records to a SQL
// database. The driver is config-selected: modernc sqlite for single-node
// deployments, postgres for shared ones.
package relational

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Config selects and locates the database.
type Config struct {
	// Driver is "sqlite" or "postgres".
	Driver string
	// DSN is the driver-specific connection string; for sqlite, a file
	// path or ":memory:".
	DSN string
}

// DB wraps the SQL handle with driver-aware placeholder rebinding.
type DB struct {
	sql    *sql.DB
	driver string
}

const schema = `
CREATE TABLE IF NOT EXISTS billing_history (
	entry_id       TEXT      NOT NULL,
	correlation_id TEXT      NOT NULL,
	account_id     TEXT      NOT NULL,
	state          TEXT      NOT NULL,
	estimated_cost BIGINT    NOT NULL,
	actual_cost    BIGINT,
	wal_offset     BIGINT    NOT NULL,
	updated_at     TIMESTAMP NOT NULL,
	PRIMARY KEY (entry_id, wal_offset)
);

CREATE TABLE IF NOT EXISTS usage_records (
	entry_id         TEXT      NOT NULL,
	account_id       TEXT      NOT NULL,
	input_tokens     BIGINT    NOT NULL,
	output_tokens    BIGINT    NOT NULL,
	reasoning_tokens BIGINT    NOT NULL,
	cost_micro       BIGINT    NOT NULL,
	recorded_at      TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_usage_account ON usage_records (account_id, recorded_at);
`

// Open connects and applies the schema.
func Open(cfg Config) (*DB, error) {
	var driverName string
	switch cfg.Driver {
	case "sqlite":
		driverName = "sqlite"
	case "postgres":
		driverName = "postgres"
	default:
		return nil, fmt.Errorf("relational: unknown driver %q (sqlite, postgres)", cfg.Driver)
	}

	handle, err := sql.Open(driverName, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("relational: open: %w", err)
	}
	if _, err := handle.Exec(schema); err != nil {
		handle.Close()
		return nil, fmt.Errorf("relational: apply schema: %w", err)
	}
	return &DB{sql: handle, driver: cfg.Driver}, nil
}

// Close releases the connection pool.
func (d *DB) Close() error {
	return d.sql.Close()
}

// rebind converts ?-placeholders to the driver's convention.
func (d *DB) rebind(query string) string {
	if d.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
