// Package state owns all reads and writes of workflow instances and node
// executions.
//
// Every mutation runs inside a serializable transaction boundary and writes
// an audit entry with before/after snapshots of the instance row. The
// manager also implements the replica lease: a process identity string
// claims an instance for the lease TTL, and a crashed owner's lease is
// reclaimable after expiry.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dshills/procflow-go/flow/store"
)

// DefaultLeaseTTL is how long a lease is considered live without renewal.
const DefaultLeaseTTL = 300 * time.Second

// ErrInvalidTransition is returned when a lifecycle operation is applied to
// an instance in an incompatible state, for example starting an instance
// that is not PENDING.
var ErrInvalidTransition = errors.New("invalid instance state transition")

// staleRetries bounds optimistic-lock retries inside one mutation. The
// retried unit is a fresh read-modify-write; committed side effects are
// never re-run.
const staleRetries = 3

// Manager coordinates instance lifecycle, node execution records, leases,
// and the audit trail on top of a store.Store.
type Manager struct {
	store    store.Store
	identity string
	leaseTTL time.Duration
	clock    func() time.Time
	logger   zerolog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithLeaseTTL overrides the default 300s lease TTL.
func WithLeaseTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.leaseTTL = ttl }
}

// WithIdentity overrides the generated process identity. Used by tests to
// simulate multiple replicas against one store.
func WithIdentity(identity string) Option {
	return func(m *Manager) { m.identity = identity }
}

// WithClock overrides the time source. Used by tests to expire leases.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.clock = clock }
}

// WithLogger attaches a zerolog logger; the default discards output.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager creates a state manager with a generated process identity of
// the form "{hostname}-{8-hex}".
func NewManager(st store.Store, opts ...Option) *Manager {
	m := &Manager{
		store:    st,
		identity: processIdentity(),
		leaseTTL: DefaultLeaseTTL,
		clock:    func() time.Time { return time.Now().UTC() },
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func processIdentity() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return host + "-" + suffix
}

// Identity returns the process identity used as the lease owner.
func (m *Manager) Identity() string { return m.identity }

// LeaseTTL returns the configured lease TTL.
func (m *Manager) LeaseTTL() time.Duration { return m.leaseTTL }

// CreateInstance allocates an execution ID and persists a PENDING instance.
func (m *Manager) CreateInstance(ctx context.Context, workflowID string, version int, tenantID string, vars map[string]any) (*store.WorkflowInstance, error) {
	if tenantID == "" {
		tenantID = "default"
	}
	now := m.clock()
	inst := &store.WorkflowInstance{
		ExecutionID: uuid.NewString(),
		WorkflowID:  workflowID,
		Version:     version,
		TenantID:    tenantID,
		State:       store.StatePending,
		Variables:   cloneVars(vars),
		CreatedAt:   now,
		UpdatedAt:   now,
		RowVersion:  1,
	}

	err := m.store.RunInTransaction(ctx, store.TxOptions{}, func(ctx context.Context) error {
		if err := m.store.CreateInstance(ctx, inst); err != nil {
			return err
		}
		return m.audit(ctx, inst.ExecutionID, inst.TenantID, "workflow.create", "", m.snapshot(inst))
	})
	if err != nil {
		return nil, fmt.Errorf("create instance: %w", err)
	}

	m.logger.Info().
		Str("execution_id", inst.ExecutionID).
		Str("workflow_id", workflowID).
		Int("version", version).
		Msg("workflow instance created")
	return inst, nil
}

// GetInstance returns the current instance row.
func (m *Manager) GetInstance(ctx context.Context, executionID string) (*store.WorkflowInstance, error) {
	return m.store.GetInstance(ctx, executionID)
}

// AcquireLease claims the instance for this process. Returns false without
// error when another live owner holds the lease.
func (m *Manager) AcquireLease(ctx context.Context, executionID string) (bool, error) {
	var acquired bool
	err := m.store.RunInTransaction(ctx, store.TxOptions{}, func(ctx context.Context) error {
		ok, err := m.store.TryAcquireLease(ctx, executionID, m.identity, m.leaseTTL)
		if err != nil {
			return err
		}
		acquired = ok
		if !ok {
			return nil
		}
		inst, err := m.store.GetInstance(ctx, executionID)
		if err != nil {
			return err
		}
		return m.audit(ctx, executionID, inst.TenantID, "lease.acquire", "", m.snapshot(inst))
	})
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	if !acquired {
		m.logger.Debug().Str("execution_id", executionID).Msg("lease held by another owner")
	}
	return acquired, nil
}

// ReleaseLease clears the lease if this process holds it.
func (m *Manager) ReleaseLease(ctx context.Context, executionID string) error {
	err := m.store.RunInTransaction(ctx, store.TxOptions{}, func(ctx context.Context) error {
		if err := m.store.ReleaseLease(ctx, executionID, m.identity); err != nil {
			return err
		}
		inst, err := m.store.GetInstance(ctx, executionID)
		if err != nil {
			return err
		}
		return m.audit(ctx, executionID, inst.TenantID, "lease.release", "", m.snapshot(inst))
	})
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// StartExecution transitions PENDING -> RUNNING and stamps startedAt.
func (m *Manager) StartExecution(ctx context.Context, executionID string) error {
	return m.mutate(ctx, executionID, "workflow.start", func(inst *store.WorkflowInstance) error {
		switch inst.State {
		case store.StatePending:
		case store.StateRunning:
			// Crash recovery re-enters a RUNNING instance.
			return nil
		default:
			return fmt.Errorf("%w: start from %s", ErrInvalidTransition, inst.State)
		}
		now := m.clock()
		inst.State = store.StateRunning
		inst.StartedAt = &now
		return nil
	})
}

// UpdateCurrentNode persists the node the executor is entering.
func (m *Manager) UpdateCurrentNode(ctx context.Context, executionID, nodeID string) error {
	return m.mutate(ctx, executionID, "workflow.advance", func(inst *store.WorkflowInstance) error {
		inst.CurrentNodeID = nodeID
		return nil
	})
}

// UpdateVariables replaces the instance's variable map.
func (m *Manager) UpdateVariables(ctx context.Context, executionID string, vars map[string]any) error {
	return m.mutate(ctx, executionID, "workflow.variables", func(inst *store.WorkflowInstance) error {
		inst.Variables = cloneVars(vars)
		return nil
	})
}

// CompleteWorkflow transitions to COMPLETED and clears the lease.
func (m *Manager) CompleteWorkflow(ctx context.Context, executionID string) error {
	return m.terminal(ctx, executionID, "workflow.complete", store.StateCompleted, func(inst *store.WorkflowInstance) {})
}

// FailWorkflow transitions to FAILED, recording the error and failing node,
// and clears the lease.
func (m *Manager) FailWorkflow(ctx context.Context, executionID, msg, nodeID string) error {
	return m.terminal(ctx, executionID, "workflow.fail", store.StateFailed, func(inst *store.WorkflowInstance) {
		inst.ErrorMessage = msg
		inst.FailedNodeID = nodeID
	})
}

// CancelWorkflow transitions to CANCELLED and clears the lease.
func (m *Manager) CancelWorkflow(ctx context.Context, executionID string) error {
	return m.terminal(ctx, executionID, "workflow.cancel", store.StateCancelled, func(inst *store.WorkflowInstance) {})
}

// PauseWorkflow transitions RUNNING -> PAUSED and clears the lease so any
// replica can resume later.
func (m *Manager) PauseWorkflow(ctx context.Context, executionID string) error {
	return m.mutate(ctx, executionID, "workflow.pause", func(inst *store.WorkflowInstance) error {
		if inst.State != store.StateRunning {
			return fmt.Errorf("%w: pause from %s", ErrInvalidTransition, inst.State)
		}
		inst.State = store.StatePaused
		inst.LeaseOwner = ""
		inst.LeaseAcquiredAt = nil
		return nil
	})
}

// ResumeFromPause transitions PAUSED -> RUNNING.
func (m *Manager) ResumeFromPause(ctx context.Context, executionID string) error {
	return m.mutate(ctx, executionID, "workflow.resume", func(inst *store.WorkflowInstance) error {
		if inst.State != store.StatePaused {
			return fmt.Errorf("%w: resume from %s", ErrInvalidTransition, inst.State)
		}
		inst.State = store.StateRunning
		return nil
	})
}

// RecordNodeStart inserts a RUNNING node execution row for a new attempt.
func (m *Manager) RecordNodeStart(ctx context.Context, executionID, nodeID, nodeType string, inputVars map[string]any) (*store.NodeExecution, error) {
	inputJSON, err := marshalVars(inputVars)
	if err != nil {
		return nil, err
	}

	var rec *store.NodeExecution
	err = m.store.RunInTransaction(ctx, store.TxOptions{}, func(ctx context.Context) error {
		inst, err := m.store.GetInstance(ctx, executionID)
		if err != nil {
			return err
		}
		attempt := 1
		existing, err := m.store.NodeExecutions(ctx, executionID)
		if err != nil {
			return err
		}
		for _, e := range existing {
			if e.NodeID == nodeID {
				attempt++
			}
		}
		rec = &store.NodeExecution{
			ID:             uuid.NewString(),
			ExecutionID:    executionID,
			NodeID:         nodeID,
			NodeType:       nodeType,
			State:          store.NodeRunning,
			AttemptNumber:  attempt,
			ExecutedAt:     m.clock(),
			InputVariables: inputJSON,
			ExecutedBy:     m.identity,
		}
		if err := m.store.InsertNodeExecution(ctx, rec); err != nil {
			return err
		}
		return m.audit(ctx, executionID, inst.TenantID, "node.start", "", m.snapshotNode(rec))
	})
	if err != nil {
		return nil, fmt.Errorf("record node start: %w", err)
	}
	return rec, nil
}

// RecordNodeComplete transitions the attempt to COMPLETED and fills the
// duration from the attempt's start time.
func (m *Manager) RecordNodeComplete(ctx context.Context, rec *store.NodeExecution, outputVars map[string]any) error {
	outputJSON, err := marshalVars(outputVars)
	if err != nil {
		return err
	}
	before := m.snapshotNode(rec)
	now := m.clock()
	rec.State = store.NodeCompleted
	rec.CompletedAt = &now
	rec.DurationMS = now.Sub(rec.ExecutedAt).Milliseconds()
	rec.OutputVariables = outputJSON

	err = m.store.RunInTransaction(ctx, store.TxOptions{}, func(ctx context.Context) error {
		if err := m.store.UpdateNodeExecution(ctx, rec); err != nil {
			return err
		}
		inst, err := m.store.GetInstance(ctx, rec.ExecutionID)
		if err != nil {
			return err
		}
		return m.audit(ctx, rec.ExecutionID, inst.TenantID, "node.complete", before, m.snapshotNode(rec))
	})
	if err != nil {
		return fmt.Errorf("record node complete: %w", err)
	}
	return nil
}

// RecordNodeFailure transitions the attempt to FAILED.
func (m *Manager) RecordNodeFailure(ctx context.Context, rec *store.NodeExecution, msg string) error {
	before := m.snapshotNode(rec)
	now := m.clock()
	rec.State = store.NodeFailed
	rec.CompletedAt = &now
	rec.DurationMS = now.Sub(rec.ExecutedAt).Milliseconds()
	rec.ErrorMessage = msg

	err := m.store.RunInTransaction(ctx, store.TxOptions{}, func(ctx context.Context) error {
		if err := m.store.UpdateNodeExecution(ctx, rec); err != nil {
			return err
		}
		inst, err := m.store.GetInstance(ctx, rec.ExecutionID)
		if err != nil {
			return err
		}
		return m.audit(ctx, rec.ExecutionID, inst.TenantID, "node.fail", before, m.snapshotNode(rec))
	})
	if err != nil {
		return fmt.Errorf("record node failure: %w", err)
	}
	return nil
}

// HasNodeBeenExecuted reports whether any attempt of the node reached
// COMPLETED. This backs the executor's idempotency short-circuit.
func (m *Manager) HasNodeBeenExecuted(ctx context.Context, executionID, nodeID string) (bool, error) {
	return m.store.HasCompletedNode(ctx, executionID, nodeID)
}

// NodeExecutions returns the instance's node execution history.
func (m *Manager) NodeExecutions(ctx context.Context, executionID string) ([]*store.NodeExecution, error) {
	return m.store.NodeExecutions(ctx, executionID)
}

// AuditTrail returns the instance's audit entries, oldest first.
func (m *Manager) AuditTrail(ctx context.Context, executionID string) ([]*store.AuditEntry, error) {
	return m.store.AuditTrail(ctx, executionID)
}

// terminal applies a terminal transition, stamps completedAt, and clears
// the lease.
func (m *Manager) terminal(ctx context.Context, executionID, action string, target store.InstanceState, apply func(*store.WorkflowInstance)) error {
	return m.mutate(ctx, executionID, action, func(inst *store.WorkflowInstance) error {
		if inst.State.Terminal() {
			return fmt.Errorf("%w: %s from terminal %s", ErrInvalidTransition, action, inst.State)
		}
		now := m.clock()
		inst.State = target
		inst.CompletedAt = &now
		inst.LeaseOwner = ""
		inst.LeaseAcquiredAt = nil
		apply(inst)
		return nil
	})
}

// mutate runs a read-modify-write of the instance row in its own
// transaction, retrying on optimistic-lock conflicts, and writes the audit
// entry alongside the update.
func (m *Manager) mutate(ctx context.Context, executionID, action string, apply func(*store.WorkflowInstance) error) error {
	var lastErr error
	for attempt := 0; attempt < staleRetries; attempt++ {
		lastErr = m.store.RunInTransaction(ctx, store.TxOptions{}, func(ctx context.Context) error {
			inst, err := m.store.GetInstance(ctx, executionID)
			if err != nil {
				return err
			}
			before := m.snapshot(inst)
			if err := apply(inst); err != nil {
				return err
			}
			inst.UpdatedAt = m.clock()
			if err := m.store.UpdateInstance(ctx, inst); err != nil {
				return err
			}
			return m.audit(ctx, executionID, inst.TenantID, action, before, m.snapshot(inst))
		})
		if !errors.Is(lastErr, store.ErrStaleInstance) {
			break
		}
	}
	if lastErr != nil {
		return fmt.Errorf("%s: %w", action, lastErr)
	}
	return nil
}

func (m *Manager) audit(ctx context.Context, executionID, tenantID, action, before, after string) error {
	return m.store.AppendAudit(ctx, &store.AuditEntry{
		ID:             uuid.NewString(),
		ExecutionID:    executionID,
		TenantID:       tenantID,
		Actor:          m.identity,
		Action:         action,
		Timestamp:      m.clock(),
		BeforeSnapshot: before,
		AfterSnapshot:  after,
	})
}

// snapshot renders the audit-relevant fields of the instance as JSON.
func (m *Manager) snapshot(inst *store.WorkflowInstance) string {
	b, err := json.Marshal(map[string]any{
		"state":           inst.State,
		"current_node_id": inst.CurrentNodeID,
		"variables":       inst.Variables,
		"error_message":   inst.ErrorMessage,
		"failed_node_id":  inst.FailedNodeID,
		"lease_owner":     inst.LeaseOwner,
		"row_version":     inst.RowVersion,
	})
	if err != nil {
		return ""
	}
	return string(b)
}

func (m *Manager) snapshotNode(rec *store.NodeExecution) string {
	b, err := json.Marshal(map[string]any{
		"node_id": rec.NodeID,
		"state":   rec.State,
		"attempt": rec.AttemptNumber,
		"error":   rec.ErrorMessage,
	})
	if err != nil {
		return ""
	}
	return string(b)
}

func marshalVars(vars map[string]any) (string, error) {
	if vars == nil {
		return "{}", nil
	}
	b, err := json.Marshal(vars)
	if err != nil {
		return "", fmt.Errorf("marshal variables: %w", err)
	}
	return string(b), nil
}

func cloneVars(vars map[string]any) map[string]any {
	if vars == nil {
		return map[string]any{}
	}
	cp := make(map[string]any, len(vars))
	for k, v := range vars {
		if nested, ok := v.(map[string]any); ok {
			cp[k] = cloneVars(nested)
			continue
		}
		cp[k] = v
	}
	return cp
}
