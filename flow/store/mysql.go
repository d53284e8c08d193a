package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL/MariaDB implementation of Store.
//
// Designed for:
//   - Production deployments with multiple executor replicas
//   - Long-running workflows that survive process restarts
//   - Audit trails and compliance requirements
//
// Sequence allocation and lease acquisition lock the instance row FOR
// UPDATE, so concurrent replicas serialize per execution rather than per
// database.
type MySQLStore struct {
	sqlStore
}

// NewMySQLStore creates a new MySQL-backed store.
//
// The DSN (Data Source Name) format is:
//
//	[username[:password]@][protocol[(address)]]/dbname[?param1=value1&...]
//
// Example DSNs:
//
//	user:password@tcp(localhost:3306)/workflows
//	user:password@tcp(127.0.0.1:3306)/workflows?parseTime=true
//
// Never hardcode credentials in source; read the DSN from the environment.
//
// The store automatically:
//   - Creates required tables if they don't exist
//   - Configures connection pooling
//   - Sets appropriate timeouts
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close() // Ignore close error when returning ping error
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s := &MySQLStore{
		sqlStore: sqlStore{
			db: db,
			dialect: dialect{
				name:              "mysql",
				forUpdate:         " FOR UPDATE",
				supportsIsolation: true,
			},
			clock: func() time.Time { return time.Now().UTC() },
		},
	}

	if err := s.createTables(ctx); err != nil {
		_ = db.Close() // Ignore close error when returning table creation error
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return s, nil
}

// createTables creates the required database schema if it doesn't exist.
func (s *MySQLStore) createTables(ctx context.Context) error {
	instancesTable := `
		CREATE TABLE IF NOT EXISTS workflow_instances (
			execution_id VARCHAR(64) PRIMARY KEY,
			workflow_id VARCHAR(255) NOT NULL,
			version INT NOT NULL,
			tenant_id VARCHAR(64) NOT NULL DEFAULT 'default',
			state VARCHAR(16) NOT NULL,
			current_node_id VARCHAR(255) NOT NULL DEFAULT '',
			variables MEDIUMTEXT NOT NULL,
			created_at VARCHAR(40) NOT NULL,
			updated_at VARCHAR(40) NOT NULL,
			started_at VARCHAR(40),
			completed_at VARCHAR(40),
			error_message TEXT,
			failed_node_id VARCHAR(255) NOT NULL DEFAULT '',
			retry_count INT NOT NULL DEFAULT 0,
			lease_owner VARCHAR(128) NOT NULL DEFAULT '',
			lease_acquired_at VARCHAR(40),
			row_version BIGINT NOT NULL DEFAULT 1,
			INDEX idx_instances_workflow (workflow_id, version),
			INDEX idx_instances_state (state)
		) ENGINE=InnoDB
	`
	if _, err := s.db.ExecContext(ctx, instancesTable); err != nil {
		return fmt.Errorf("failed to create workflow_instances table: %w", err)
	}

	eventsTable := `
		CREATE TABLE IF NOT EXISTS execution_events (
			id VARCHAR(64) PRIMARY KEY,
			execution_id VARCHAR(64) NOT NULL,
			sequence_number BIGINT NOT NULL,
			tenant_id VARCHAR(64) NOT NULL DEFAULT 'default',
			event_type VARCHAR(40) NOT NULL,
			node_id VARCHAR(255) NOT NULL DEFAULT '',
			node_type VARCHAR(40) NOT NULL DEFAULT '',
			edge_taken VARCHAR(255) NOT NULL DEFAULT '',
			status VARCHAR(16) NOT NULL,
			timestamp VARCHAR(40) NOT NULL,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			input_snapshot MEDIUMTEXT,
			output_snapshot MEDIUMTEXT,
			variables_snapshot MEDIUMTEXT,
			error_snapshot MEDIUMTEXT,
			error_message TEXT,
			decision_result VARCHAR(255) NOT NULL DEFAULT '',
			transaction_id VARCHAR(128) NOT NULL DEFAULT '',
			idempotency_key VARCHAR(384) NOT NULL,
			compensated_by VARCHAR(64) NOT NULL DEFAULT '',
			UNIQUE KEY uniq_events_key (idempotency_key),
			UNIQUE KEY uniq_events_seq (execution_id, sequence_number),
			INDEX idx_events_node (execution_id, node_id)
		) ENGINE=InnoDB
	`
	if _, err := s.db.ExecContext(ctx, eventsTable); err != nil {
		return fmt.Errorf("failed to create execution_events table: %w", err)
	}

	nodeExecTable := `
		CREATE TABLE IF NOT EXISTS node_executions (
			id VARCHAR(64) PRIMARY KEY,
			execution_id VARCHAR(64) NOT NULL,
			node_id VARCHAR(255) NOT NULL,
			node_type VARCHAR(40) NOT NULL DEFAULT '',
			state VARCHAR(16) NOT NULL,
			attempt_number INT NOT NULL DEFAULT 1,
			executed_at VARCHAR(40) NOT NULL,
			completed_at VARCHAR(40),
			duration_ms BIGINT NOT NULL DEFAULT 0,
			input_variables MEDIUMTEXT,
			output_variables MEDIUMTEXT,
			error_message TEXT,
			executed_by VARCHAR(128) NOT NULL DEFAULT '',
			INDEX idx_node_exec_execution (execution_id, node_id)
		) ENGINE=InnoDB
	`
	if _, err := s.db.ExecContext(ctx, nodeExecTable); err != nil {
		return fmt.Errorf("failed to create node_executions table: %w", err)
	}

	auditTable := `
		CREATE TABLE IF NOT EXISTS execution_audit_log (
			id VARCHAR(64) PRIMARY KEY,
			execution_id VARCHAR(64) NOT NULL,
			tenant_id VARCHAR(64) NOT NULL DEFAULT 'default',
			actor VARCHAR(128) NOT NULL DEFAULT '',
			action VARCHAR(64) NOT NULL,
			timestamp VARCHAR(40) NOT NULL,
			before_snapshot MEDIUMTEXT,
			after_snapshot MEDIUMTEXT,
			correlation_id VARCHAR(128) NOT NULL DEFAULT '',
			INDEX idx_audit_execution (execution_id)
		) ENGINE=InnoDB
	`
	if _, err := s.db.ExecContext(ctx, auditTable); err != nil {
		return fmt.Errorf("failed to create execution_audit_log table: %w", err)
	}

	return nil
}

// Close closes the underlying database connection.
func (s *MySQLStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close MySQL connection: %w", err)
	}
	return nil
}
