// Package stores provides the persistence layer for Daalu deployment runs.
// It includes SQL-backed storage (SQLite by default, PostgreSQL optionally)
// with embedded migrations for run records, phase checkpoints, the event
// journal and the audit log.
package stores
