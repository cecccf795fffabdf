// Package stores provides persistence layer implementations for RecoWave.
// It includes SQLite-based storage with WAL mode, connection pooling, and
// versioned document persistence for executions, protection groups, wave
// results, and the audit event log.
package stores
