package stores

import (
	"context"
	"time"

	"github.com/daalu-io/daalu/pkg/engine"
)

// Driver selects the SQL backend.
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// Config holds SQL store configuration
type Config struct {
	// Driver is sqlite (default) or postgres.
	Driver Driver `yaml:"driver" json:"driver" validate:"omitempty,oneof=sqlite postgres"`

	// DSN is a file path or ":memory:" for sqlite, a connection URL for postgres.
	DSN string `yaml:"dsn" json:"dsn"`

	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

// AuditEntry represents an audit trail entry
type AuditEntry struct {
	ID       int64   `json:"id"`
	Action   string  `json:"action"`              // e.g. "run.started", "run.resumed"
	Actor    string  `json:"actor"`               // operator or system identifier
	TargetID *string `json:"target_id,omitempty"` // run id
	Details  *string `json:"details,omitempty"`   // JSON blob

	Timestamp time.Time `json:"timestamp"`
}

// Store is the persistence layer: the durable checkpoint log, the event
// journal and the audit trail.
type Store interface {
	engine.CheckpointLog
	engine.EventJournal

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Audit operations
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, action *string, limit int) ([]*AuditEntry, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
