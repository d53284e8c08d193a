package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const instanceColumns = `execution_id, workflow_id, version, tenant_id, state,
	current_node_id, variables, created_at, updated_at, started_at,
	completed_at, error_message, failed_node_id, retry_count, lease_owner,
	lease_acquired_at, row_version`

func encodeVariables(vars map[string]any) (string, error) {
	if vars == nil {
		return "{}", nil
	}
	b, err := json.Marshal(vars)
	if err != nil {
		return "", fmt.Errorf("encode variables: %w", err)
	}
	return string(b), nil
}

func decodeVariables(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	var vars map[string]any
	if err := json.Unmarshal([]byte(raw), &vars); err != nil {
		return nil, fmt.Errorf("decode variables: %w", err)
	}
	return vars, nil
}

func scanInstance(row interface{ Scan(...any) error }) (*WorkflowInstance, error) {
	var (
		inst                            WorkflowInstance
		varsJSON, createdAt, updatedAt  string
		startedAt, completedAt, leaseAt sql.NullString
	)
	err := row.Scan(
		&inst.ExecutionID, &inst.WorkflowID, &inst.Version, &inst.TenantID, &inst.State,
		&inst.CurrentNodeID, &varsJSON, &createdAt, &updatedAt, &startedAt,
		&completedAt, &inst.ErrorMessage, &inst.FailedNodeID, &inst.RetryCount, &inst.LeaseOwner,
		&leaseAt, &inst.RowVersion,
	)
	if err != nil {
		return nil, err
	}
	if inst.Variables, err = decodeVariables(varsJSON); err != nil {
		return nil, err
	}
	if inst.CreatedAt, err = decodeTime(createdAt); err != nil {
		return nil, fmt.Errorf("decode created_at: %w", err)
	}
	if inst.UpdatedAt, err = decodeTime(updatedAt); err != nil {
		return nil, fmt.Errorf("decode updated_at: %w", err)
	}
	if inst.StartedAt, err = decodeNullableTime(startedAt); err != nil {
		return nil, fmt.Errorf("decode started_at: %w", err)
	}
	if inst.CompletedAt, err = decodeNullableTime(completedAt); err != nil {
		return nil, fmt.Errorf("decode completed_at: %w", err)
	}
	if inst.LeaseAcquiredAt, err = decodeNullableTime(leaseAt); err != nil {
		return nil, fmt.Errorf("decode lease_acquired_at: %w", err)
	}
	return &inst, nil
}

// CreateInstance implements InstanceStore.
func (s *sqlStore) CreateInstance(ctx context.Context, inst *WorkflowInstance) error {
	varsJSON, err := encodeVariables(inst.Variables)
	if err != nil {
		return err
	}
	_, err = s.querier(ctx).ExecContext(ctx, `INSERT INTO workflow_instances (`+instanceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ExecutionID, inst.WorkflowID, inst.Version, inst.TenantID, inst.State,
		inst.CurrentNodeID, varsJSON, encodeTime(inst.CreatedAt), encodeTime(inst.UpdatedAt),
		encodeNullableTime(inst.StartedAt), encodeNullableTime(inst.CompletedAt),
		inst.ErrorMessage, inst.FailedNodeID, inst.RetryCount, inst.LeaseOwner,
		encodeNullableTime(inst.LeaseAcquiredAt), inst.RowVersion,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateInstance
		}
		return fmt.Errorf("insert instance: %w", err)
	}
	return nil
}

// GetInstance implements InstanceStore.
func (s *sqlStore) GetInstance(ctx context.Context, executionID string) (*WorkflowInstance, error) {
	row := s.querier(ctx).QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM workflow_instances WHERE execution_id = ?`, executionID)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select instance: %w", err)
	}
	return inst, nil
}

// UpdateInstance implements InstanceStore: the write succeeds only when the
// stored row_version still matches the one the caller read.
func (s *sqlStore) UpdateInstance(ctx context.Context, inst *WorkflowInstance) error {
	varsJSON, err := encodeVariables(inst.Variables)
	if err != nil {
		return err
	}
	q := s.querier(ctx)
	res, err := q.ExecContext(ctx, `UPDATE workflow_instances SET
			workflow_id = ?, version = ?, tenant_id = ?, state = ?,
			current_node_id = ?, variables = ?, updated_at = ?, started_at = ?,
			completed_at = ?, error_message = ?, failed_node_id = ?,
			retry_count = ?, lease_owner = ?, lease_acquired_at = ?,
			row_version = row_version + 1
		WHERE execution_id = ? AND row_version = ?`,
		inst.WorkflowID, inst.Version, inst.TenantID, inst.State,
		inst.CurrentNodeID, varsJSON, encodeTime(s.clock()), encodeNullableTime(inst.StartedAt),
		encodeNullableTime(inst.CompletedAt), inst.ErrorMessage, inst.FailedNodeID,
		inst.RetryCount, inst.LeaseOwner, encodeNullableTime(inst.LeaseAcquiredAt),
		inst.ExecutionID, inst.RowVersion,
	)
	if err != nil {
		return fmt.Errorf("update instance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update instance: %w", err)
	}
	if n == 0 {
		var exists int
		if err := q.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM workflow_instances WHERE execution_id = ?`,
			inst.ExecutionID).Scan(&exists); err != nil {
			return fmt.Errorf("update instance: %w", err)
		}
		if exists == 0 {
			return ErrNotFound
		}
		return ErrStaleInstance
	}
	inst.RowVersion++
	return nil
}

// DeleteInstance implements InstanceStore, cascading to events, node
// executions, and audit entries.
func (s *sqlStore) DeleteInstance(ctx context.Context, executionID string) error {
	deleteAll := func(ctx context.Context) error {
		q := s.querier(ctx)
		for _, table := range []string{
			"execution_audit_log", "execution_events", "node_executions", "workflow_instances",
		} {
			if _, err := q.ExecContext(ctx,
				`DELETE FROM `+table+` WHERE execution_id = ?`, executionID); err != nil {
				return fmt.Errorf("delete from %s: %w", table, err)
			}
		}
		return nil
	}
	if inTransaction(ctx) {
		return deleteAll(ctx)
	}
	return s.RunInTransaction(ctx, TxOptions{}, deleteAll)
}

// TryAcquireLease implements InstanceStore. The read and conditional write
// run in one transaction; MySQL additionally locks the row FOR UPDATE.
func (s *sqlStore) TryAcquireLease(ctx context.Context, executionID, owner string, ttl time.Duration) (bool, error) {
	var acquired bool
	attempt := func(ctx context.Context) error {
		q := s.querier(ctx)
		var (
			currentOwner string
			leaseAt      sql.NullString
		)
		err := q.QueryRowContext(ctx,
			`SELECT lease_owner, lease_acquired_at FROM workflow_instances
			 WHERE execution_id = ?`+s.dialect.forUpdate, executionID).
			Scan(&currentOwner, &leaseAt)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read lease: %w", err)
		}

		now := s.clock()
		free := currentOwner == "" || currentOwner == owner
		if !free && leaseAt.Valid {
			t, terr := decodeTime(leaseAt.String)
			if terr != nil {
				return fmt.Errorf("decode lease_acquired_at: %w", terr)
			}
			free = now.Sub(t) > ttl
		}
		if !free {
			acquired = false
			return nil
		}

		_, err = q.ExecContext(ctx,
			`UPDATE workflow_instances
			 SET lease_owner = ?, lease_acquired_at = ?, updated_at = ?, row_version = row_version + 1
			 WHERE execution_id = ?`,
			owner, encodeTime(now), encodeTime(now), executionID)
		if err != nil {
			return fmt.Errorf("write lease: %w", err)
		}
		acquired = true
		return nil
	}

	var err error
	if inTransaction(ctx) {
		err = attempt(ctx)
	} else {
		err = s.RunInTransaction(ctx, TxOptions{}, attempt)
	}
	if err != nil {
		return false, err
	}
	return acquired, nil
}

// ReleaseLease implements InstanceStore. Releasing a lease held by a
// different owner is a silent no-op.
func (s *sqlStore) ReleaseLease(ctx context.Context, executionID, owner string) error {
	now := encodeTime(s.clock())
	_, err := s.querier(ctx).ExecContext(ctx,
		`UPDATE workflow_instances
		 SET lease_owner = '', lease_acquired_at = NULL, updated_at = ?, row_version = row_version + 1
		 WHERE execution_id = ? AND lease_owner = ?`,
		now, executionID, owner)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

const nodeExecColumns = `id, execution_id, node_id, node_type, state,
	attempt_number, executed_at, completed_at, duration_ms, input_variables,
	output_variables, error_message, executed_by`

func scanNodeExecution(row interface{ Scan(...any) error }) (*NodeExecution, error) {
	var (
		rec         NodeExecution
		executedAt  string
		completedAt sql.NullString
	)
	err := row.Scan(
		&rec.ID, &rec.ExecutionID, &rec.NodeID, &rec.NodeType, &rec.State,
		&rec.AttemptNumber, &executedAt, &completedAt, &rec.DurationMS, &rec.InputVariables,
		&rec.OutputVariables, &rec.ErrorMessage, &rec.ExecutedBy,
	)
	if err != nil {
		return nil, err
	}
	if rec.ExecutedAt, err = decodeTime(executedAt); err != nil {
		return nil, fmt.Errorf("decode executed_at: %w", err)
	}
	if rec.CompletedAt, err = decodeNullableTime(completedAt); err != nil {
		return nil, fmt.Errorf("decode completed_at: %w", err)
	}
	return &rec, nil
}

// InsertNodeExecution implements InstanceStore.
func (s *sqlStore) InsertNodeExecution(ctx context.Context, rec *NodeExecution) error {
	_, err := s.querier(ctx).ExecContext(ctx, `INSERT INTO node_executions (`+nodeExecColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ExecutionID, rec.NodeID, rec.NodeType, rec.State,
		rec.AttemptNumber, encodeTime(rec.ExecutedAt), encodeNullableTime(rec.CompletedAt),
		rec.DurationMS, rec.InputVariables, rec.OutputVariables, rec.ErrorMessage, rec.ExecutedBy,
	)
	if err != nil {
		return fmt.Errorf("insert node execution: %w", err)
	}
	return nil
}

// UpdateNodeExecution implements InstanceStore.
func (s *sqlStore) UpdateNodeExecution(ctx context.Context, rec *NodeExecution) error {
	res, err := s.querier(ctx).ExecContext(ctx, `UPDATE node_executions SET
			state = ?, completed_at = ?, duration_ms = ?, output_variables = ?, error_message = ?
		WHERE id = ?`,
		rec.State, encodeNullableTime(rec.CompletedAt), rec.DurationMS,
		rec.OutputVariables, rec.ErrorMessage, rec.ID,
	)
	if err != nil {
		return fmt.Errorf("update node execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update node execution: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// NodeExecutions implements InstanceStore, ordered by execution time then
// attempt.
func (s *sqlStore) NodeExecutions(ctx context.Context, executionID string) ([]*NodeExecution, error) {
	rows, err := s.querier(ctx).QueryContext(ctx,
		`SELECT `+nodeExecColumns+` FROM node_executions
		 WHERE execution_id = ? ORDER BY executed_at, attempt_number`, executionID)
	if err != nil {
		return nil, fmt.Errorf("query node executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*NodeExecution
	for rows.Next() {
		rec, err := scanNodeExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node execution: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate node executions: %w", err)
	}
	return out, nil
}

// HasCompletedNode implements InstanceStore.
func (s *sqlStore) HasCompletedNode(ctx context.Context, executionID, nodeID string) (bool, error) {
	var count int
	err := s.querier(ctx).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM node_executions
		 WHERE execution_id = ? AND node_id = ? AND state = ?`,
		executionID, nodeID, NodeCompleted).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check completed node: %w", err)
	}
	return count > 0, nil
}

// AppendAudit implements InstanceStore.
func (s *sqlStore) AppendAudit(ctx context.Context, entry *AuditEntry) error {
	_, err := s.querier(ctx).ExecContext(ctx, `INSERT INTO execution_audit_log
		(id, execution_id, tenant_id, actor, action, timestamp, before_snapshot, after_snapshot, correlation_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.ExecutionID, entry.TenantID, entry.Actor, entry.Action,
		encodeTime(entry.Timestamp), entry.BeforeSnapshot, entry.AfterSnapshot, entry.CorrelationID,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// AuditTrail implements InstanceStore, ordered oldest first.
func (s *sqlStore) AuditTrail(ctx context.Context, executionID string) ([]*AuditEntry, error) {
	rows, err := s.querier(ctx).QueryContext(ctx,
		`SELECT id, execution_id, tenant_id, actor, action, timestamp, before_snapshot, after_snapshot, correlation_id
		 FROM execution_audit_log WHERE execution_id = ? ORDER BY timestamp, id`, executionID)
	if err != nil {
		return nil, fmt.Errorf("query audit trail: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*AuditEntry
	for rows.Next() {
		var (
			entry AuditEntry
			ts    string
		)
		if err := rows.Scan(&entry.ID, &entry.ExecutionID, &entry.TenantID, &entry.Actor,
			&entry.Action, &ts, &entry.BeforeSnapshot, &entry.AfterSnapshot, &entry.CorrelationID); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		if entry.Timestamp, err = decodeTime(ts); err != nil {
			return nil, fmt.Errorf("decode audit timestamp: %w", err)
		}
		out = append(out, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit trail: %w", err)
	}
	return out, nil
}
