package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite implementation of Store.
//
// It keeps workflow instances, node executions, the event log, and the audit
// trail in a single-file database. Designed for:
//   - Development and testing with zero setup
//   - Single-process deployments
//   - Local workflows requiring durable state
//   - Prototyping before migrating to MySQL
//
// SQLiteStore uses WAL mode for concurrent reads and transactional writes.
//
// Schema:
//   - workflow_instances: one row per execution with lease and row version
//   - node_executions: per-node attempt history
//   - execution_events: the append-only event log
//   - execution_audit_log: compliance trail of instance mutations
type SQLiteStore struct {
	sqlStore
	path string
}

// NewSQLiteStore creates a new SQLite-backed store.
//
// The path parameter specifies the database file location:
//   - "./dev.db" - file in current directory
//   - "/tmp/workflow.db" - absolute path
//   - ":memory:" - in-memory database (data lost on close)
//
// The store automatically:
//   - Creates the database file if it doesn't exist
//   - Creates required tables
//   - Enables WAL mode for concurrent reads
//   - Configures appropriate timeouts
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time; a single pooled connection also
	// keeps :memory: databases alive across calls.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close() // Ignore close error when returning pragma error
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{
		sqlStore: sqlStore{
			db:      db,
			dialect: dialect{name: "sqlite"},
			clock:   func() time.Time { return time.Now().UTC() },
		},
		path: path,
	}

	if err := s.createTables(ctx); err != nil {
		_ = db.Close() // Ignore close error when returning table creation error
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return s, nil
}

// createTables creates the required database schema if it doesn't exist.
func (s *SQLiteStore) createTables(ctx context.Context) error {
	instancesTable := `
		CREATE TABLE IF NOT EXISTS workflow_instances (
			execution_id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			tenant_id TEXT NOT NULL DEFAULT 'default',
			state TEXT NOT NULL,
			current_node_id TEXT NOT NULL DEFAULT '',
			variables TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT,
			error_message TEXT NOT NULL DEFAULT '',
			failed_node_id TEXT NOT NULL DEFAULT '',
			retry_count INTEGER NOT NULL DEFAULT 0,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_acquired_at TEXT,
			row_version INTEGER NOT NULL DEFAULT 1
		)
	`
	if _, err := s.db.ExecContext(ctx, instancesTable); err != nil {
		return fmt.Errorf("failed to create workflow_instances table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_instances_workflow ON workflow_instances(workflow_id, version)"); err != nil {
		return fmt.Errorf("failed to create idx_instances_workflow: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_instances_state ON workflow_instances(state)"); err != nil {
		return fmt.Errorf("failed to create idx_instances_state: %w", err)
	}

	eventsTable := `
		CREATE TABLE IF NOT EXISTS execution_events (
			id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			sequence_number INTEGER NOT NULL,
			tenant_id TEXT NOT NULL DEFAULT 'default',
			event_type TEXT NOT NULL,
			node_id TEXT NOT NULL DEFAULT '',
			node_type TEXT NOT NULL DEFAULT '',
			edge_taken TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			input_snapshot TEXT NOT NULL DEFAULT '',
			output_snapshot TEXT NOT NULL DEFAULT '',
			variables_snapshot TEXT NOT NULL DEFAULT '',
			error_snapshot TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			decision_result TEXT NOT NULL DEFAULT '',
			transaction_id TEXT NOT NULL DEFAULT '',
			idempotency_key TEXT NOT NULL UNIQUE,
			compensated_by TEXT NOT NULL DEFAULT '',
			UNIQUE(execution_id, sequence_number)
		)
	`
	if _, err := s.db.ExecContext(ctx, eventsTable); err != nil {
		return fmt.Errorf("failed to create execution_events table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_events_execution ON execution_events(execution_id, sequence_number)"); err != nil {
		return fmt.Errorf("failed to create idx_events_execution: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_events_node ON execution_events(execution_id, node_id)"); err != nil {
		return fmt.Errorf("failed to create idx_events_node: %w", err)
	}

	nodeExecTable := `
		CREATE TABLE IF NOT EXISTS node_executions (
			id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			node_type TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			attempt_number INTEGER NOT NULL DEFAULT 1,
			executed_at TEXT NOT NULL,
			completed_at TEXT,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			input_variables TEXT NOT NULL DEFAULT '',
			output_variables TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			executed_by TEXT NOT NULL DEFAULT ''
		)
	`
	if _, err := s.db.ExecContext(ctx, nodeExecTable); err != nil {
		return fmt.Errorf("failed to create node_executions table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_node_exec_execution ON node_executions(execution_id, node_id)"); err != nil {
		return fmt.Errorf("failed to create idx_node_exec_execution: %w", err)
	}

	auditTable := `
		CREATE TABLE IF NOT EXISTS execution_audit_log (
			id TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL,
			tenant_id TEXT NOT NULL DEFAULT 'default',
			actor TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			before_snapshot TEXT NOT NULL DEFAULT '',
			after_snapshot TEXT NOT NULL DEFAULT '',
			correlation_id TEXT NOT NULL DEFAULT ''
		)
	`
	if _, err := s.db.ExecContext(ctx, auditTable); err != nil {
		return fmt.Errorf("failed to create execution_audit_log table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_audit_execution ON execution_audit_log(execution_id)"); err != nil {
		return fmt.Errorf("failed to create idx_audit_execution: %w", err)
	}

	return nil
}

// Path returns the database file path the store was opened with.
func (s *SQLiteStore) Path() string { return s.path }

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close SQLite connection: %w", err)
	}
	return nil
}
