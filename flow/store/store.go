// Package store persists workflow instances, node executions, the
// append-only event log, and the audit trail.
//
// Three backends are provided:
//   - MemStore: in-memory, for tests and prototyping
//   - SQLiteStore: single-file durable store with zero setup
//   - MySQLStore: shared store for multi-replica deployments
//
// The event log is the engine's sole source of replayable truth: rows are
// append-only, per-instance sequence numbers are dense and monotonic, and
// appends are idempotent by key. The only permitted mutations on an event
// row set its terminal fields once (MarkCompleted, MarkFailed) or link a
// compensation event (MarkCompensated).
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested instance, event, or node
// execution does not exist.
var ErrNotFound = errors.New("not found")

// ErrEventTerminal is returned when MarkCompleted or MarkFailed is applied
// to an event that already reached a terminal status. Terminal fields are
// set exactly once.
var ErrEventTerminal = errors.New("event already terminal")

// ErrStaleInstance is returned when an optimistic instance update observes
// a row version newer than the one it read. The caller re-reads and
// retries its acquire/release path; committed side effects are never
// retried.
var ErrStaleInstance = errors.New("stale instance row")

// ErrDuplicateInstance is returned when creating an instance whose
// execution ID already exists.
var ErrDuplicateInstance = errors.New("duplicate execution id")

// InstanceState is the lifecycle state of a workflow instance.
type InstanceState string

// Instance lifecycle: PENDING -> RUNNING -> {COMPLETED | FAILED |
// CANCELLED}, with RUNNING <-> PAUSED allowed.
const (
	StatePending   InstanceState = "PENDING"
	StateRunning   InstanceState = "RUNNING"
	StatePaused    InstanceState = "PAUSED"
	StateCompleted InstanceState = "COMPLETED"
	StateFailed    InstanceState = "FAILED"
	StateCancelled InstanceState = "CANCELLED"
)

// Terminal reports whether the state admits no further transitions.
func (s InstanceState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// NodeExecState is the state of one attempt of a node.
type NodeExecState string

// Node execution states.
const (
	NodePending   NodeExecState = "PENDING"
	NodeRunning   NodeExecState = "RUNNING"
	NodeCompleted NodeExecState = "COMPLETED"
	NodeFailed    NodeExecState = "FAILED"
	NodeSkipped   NodeExecState = "SKIPPED"
)

// EventType identifies what an execution event records.
type EventType string

// Event types appended by the engine.
const (
	EventWorkflowStarted       EventType = "WORKFLOW_STARTED"
	EventWorkflowCompleted     EventType = "WORKFLOW_COMPLETED"
	EventWorkflowFailed        EventType = "WORKFLOW_FAILED"
	EventWorkflowRolledBack    EventType = "WORKFLOW_ROLLED_BACK"
	EventNodeEntered           EventType = "NODE_ENTERED"
	EventNodeStarted           EventType = "NODE_STARTED"
	EventNodeCompleted         EventType = "NODE_COMPLETED"
	EventNodeFailed            EventType = "NODE_FAILED"
	EventNodeSkipped           EventType = "NODE_SKIPPED"
	EventVariableSet           EventType = "VARIABLE_SET"
	EventVariableUpdated       EventType = "VARIABLE_UPDATED"
	EventGatewayBranchTaken    EventType = "GATEWAY_BRANCH_TAKEN"
	EventTransactionStarted    EventType = "TRANSACTION_STARTED"
	EventTransactionCommitted  EventType = "TRANSACTION_COMMITTED"
	EventTransactionRolledBack EventType = "TRANSACTION_ROLLED_BACK"
	EventCompensationInitiated EventType = "COMPENSATION_INITIATED"
	EventCompensationCompleted EventType = "COMPENSATION_COMPLETED"
	EventCompensationFailed    EventType = "COMPENSATION_FAILED"
	EventRollbackInitiated     EventType = "ROLLBACK_INITIATED"
	EventRollbackCompleted     EventType = "ROLLBACK_COMPLETED"
	EventRollbackFailed        EventType = "ROLLBACK_FAILED"
	EventCheckpointCreated     EventType = "CHECKPOINT_CREATED"
)

// EventStatus is the status recorded on an event row.
type EventStatus string

// Event statuses. An event is appended IN_PROGRESS when its outcome is not
// yet known and marked COMPLETED or FAILED exactly once afterwards.
const (
	EventInProgress EventStatus = "IN_PROGRESS"
	EventCompleted  EventStatus = "COMPLETED"
	EventFailed     EventStatus = "FAILED"
)

// WorkflowInstance is one running execution of a workflow definition.
type WorkflowInstance struct {
	// ExecutionID is the globally unique instance identifier.
	ExecutionID string

	// WorkflowID, Version and TenantID identify the definition executed.
	WorkflowID string
	Version    int
	TenantID   string

	// State is the lifecycle state.
	State InstanceState

	// CurrentNodeID is the node the executor last entered.
	CurrentNodeID string

	// Variables is the instance's variable map. Backends serialize it as
	// JSON; callers treat the returned map as their own copy.
	Variables map[string]any

	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time

	// ErrorMessage and FailedNodeID carry failure detail for FAILED
	// instances.
	ErrorMessage string
	FailedNodeID string

	// RetryCount counts executor-level retries of the whole instance.
	RetryCount int

	// LeaseOwner and LeaseAcquiredAt implement per-instance mutual
	// exclusion between replicas. Empty owner means the lease is free.
	LeaseOwner      string
	LeaseAcquiredAt *time.Time

	// RowVersion is the optimistic concurrency counter. Updates carry the
	// version they read; a mismatch fails with ErrStaleInstance.
	RowVersion int64
}

// Clone returns a deep copy of the instance.
func (w *WorkflowInstance) Clone() *WorkflowInstance {
	cp := *w
	cp.Variables = cloneVariables(w.Variables)
	if w.StartedAt != nil {
		t := *w.StartedAt
		cp.StartedAt = &t
	}
	if w.CompletedAt != nil {
		t := *w.CompletedAt
		cp.CompletedAt = &t
	}
	if w.LeaseAcquiredAt != nil {
		t := *w.LeaseAcquiredAt
		cp.LeaseAcquiredAt = &t
	}
	return &cp
}

func cloneVariables(vars map[string]any) map[string]any {
	if vars == nil {
		return nil
	}
	cp := make(map[string]any, len(vars))
	for k, v := range vars {
		if nested, ok := v.(map[string]any); ok {
			cp[k] = cloneVariables(nested)
			continue
		}
		cp[k] = v
	}
	return cp
}

// NodeExecution is one attempt of one node within an instance. It backs the
// executor's idempotency check ("has this node ever completed?") and the
// per-node observability surface.
type NodeExecution struct {
	ID          string
	ExecutionID string
	NodeID      string
	NodeType    string
	State       NodeExecState

	// AttemptNumber starts at 1 and increments per retry.
	AttemptNumber int

	ExecutedAt  time.Time
	CompletedAt *time.Time
	DurationMS  int64

	// InputVariables and OutputVariables are JSON snapshots.
	InputVariables  string
	OutputVariables string

	ErrorMessage string

	// ExecutedBy is the process identity of the replica that ran the
	// attempt.
	ExecutedBy string
}

// Clone returns a deep copy of the node execution.
func (n *NodeExecution) Clone() *NodeExecution {
	cp := *n
	if n.CompletedAt != nil {
		t := *n.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// ExecutionEvent is one row of the append-only event log.
type ExecutionEvent struct {
	// ID is the event's own identifier (UUID).
	ID string

	// ExecutionID and SequenceNumber order the event within its instance.
	// Sequence numbers start at 1 and are dense: no gaps, no duplicates.
	ExecutionID    string
	SequenceNumber int64

	TenantID string

	Type EventType

	// NodeID, NodeType and EdgeTaken locate the event in the graph when it
	// concerns a node or edge.
	NodeID    string
	NodeType  string
	EdgeTaken string

	Status    EventStatus
	Timestamp time.Time

	// DurationMS is filled by MarkCompleted.
	DurationMS int64

	// Snapshots are JSON strings; empty means not captured.
	InputSnapshot     string
	OutputSnapshot    string
	VariablesSnapshot string
	ErrorSnapshot     string

	// ErrorMessage is filled by MarkFailed.
	ErrorMessage string

	// DecisionResult records a gateway's routing decision.
	DecisionResult string

	// TransactionID links the event to a transaction boundary.
	TransactionID string

	// IdempotencyKey is globally unique. Appending a second event with the
	// same key returns the first row unchanged.
	IdempotencyKey string

	// CompensatedBy is the ID of the compensation event that undid this
	// event's effect, set once by MarkCompensated.
	CompensatedBy string
}

// Clone returns a copy of the event.
func (e *ExecutionEvent) Clone() *ExecutionEvent {
	cp := *e
	return &cp
}

// AuditEntry is one row of the append-only compliance log. An entry is
// written for every mutation of a workflow instance row.
type AuditEntry struct {
	ID          string
	ExecutionID string
	TenantID    string

	// Actor is the process identity (or API principal) that performed the
	// mutation.
	Actor string

	// Action names the mutation, for example "workflow.start" or
	// "lease.acquire".
	Action string

	Timestamp time.Time

	// BeforeSnapshot and AfterSnapshot are JSON images of the instance row
	// around the mutation.
	BeforeSnapshot string
	AfterSnapshot  string

	CorrelationID string
}

// AppendRequest describes an event to append. Sequence number, timestamp
// and ID are assigned by the store.
type AppendRequest struct {
	ExecutionID string
	TenantID    string
	Type        EventType

	NodeID    string
	NodeType  string
	EdgeTaken string

	Status EventStatus

	InputSnapshot     string
	OutputSnapshot    string
	VariablesSnapshot string
	ErrorSnapshot     string
	DecisionResult    string
	TransactionID     string

	// IdempotencyKey overrides the canonical key when non-empty.
	IdempotencyKey string
}

// CanonicalIdempotencyKey is the default event idempotency key:
// "{executionId}:{sequenceNumber}:{eventType}".
func CanonicalIdempotencyKey(executionID string, seq int64, eventType EventType) string {
	return fmt.Sprintf("%s:%d:%s", executionID, seq, eventType)
}

// EventStore is the append-only, ordered, idempotent event log.
type EventStore interface {
	// Append assigns the next sequence number atomically and inserts the
	// event. If an event with the request's idempotency key (explicit or
	// canonical) already exists, the existing row is returned unchanged
	// and nothing is inserted.
	Append(ctx context.Context, req AppendRequest) (*ExecutionEvent, error)

	// Timeline returns every event of the instance ordered by sequence.
	Timeline(ctx context.Context, executionID string) ([]*ExecutionEvent, error)

	// TimelineRange returns events with start <= sequence <= end.
	TimelineRange(ctx context.Context, executionID string, start, end int64) ([]*ExecutionEvent, error)

	// LastEvent returns the event with the highest sequence number, or
	// ErrNotFound when the instance has no events.
	LastEvent(ctx context.Context, executionID string) (*ExecutionEvent, error)

	// EventsByNode returns the instance's events for one node, in
	// sequence order.
	EventsByNode(ctx context.Context, executionID, nodeID string) ([]*ExecutionEvent, error)

	// EventsByStatus returns the instance's events with the given status,
	// in sequence order.
	EventsByStatus(ctx context.Context, executionID string, status EventStatus) ([]*ExecutionEvent, error)

	// GetEvent returns one event by its ID.
	GetEvent(ctx context.Context, eventID string) (*ExecutionEvent, error)

	// ExistsByIdempotencyKey reports whether any event carries the key.
	ExistsByIdempotencyKey(ctx context.Context, key string) (bool, error)

	// CountEvents returns the number of events for the instance.
	CountEvents(ctx context.Context, executionID string) (int64, error)

	// MarkCompleted sets the event's terminal fields once: status
	// COMPLETED, duration, output snapshot. ErrEventTerminal if the event
	// already reached COMPLETED or FAILED.
	MarkCompleted(ctx context.Context, eventID string, durationMS int64, outputSnapshot string) error

	// MarkFailed sets the event's terminal fields once: status FAILED,
	// error message and snapshot. ErrEventTerminal if already terminal.
	MarkFailed(ctx context.Context, eventID string, errMsg, errorSnapshot string) error

	// MarkCompensated links the compensation event that undid this event.
	// ErrEventTerminal if a compensation link is already recorded.
	MarkCompensated(ctx context.Context, eventID string, compensationEventID string) error
}

// InstanceStore persists workflow instances, node executions, and audit
// entries.
type InstanceStore interface {
	CreateInstance(ctx context.Context, inst *WorkflowInstance) error
	GetInstance(ctx context.Context, executionID string) (*WorkflowInstance, error)

	// UpdateInstance writes the instance row if inst.RowVersion matches
	// the stored version, then increments the version. ErrStaleInstance
	// on mismatch.
	UpdateInstance(ctx context.Context, inst *WorkflowInstance) error

	// DeleteInstance removes the instance and cascades to its events,
	// node executions, and audit entries.
	DeleteInstance(ctx context.Context, executionID string) error

	// TryAcquireLease claims the instance's lease for owner when the
	// lease is free, already held by owner, or expired (held longer than
	// ttl). Returns false without error when another live owner holds it.
	TryAcquireLease(ctx context.Context, executionID, owner string, ttl time.Duration) (bool, error)

	// ReleaseLease clears the lease if held by owner; clearing a lease
	// held by someone else is a no-op.
	ReleaseLease(ctx context.Context, executionID, owner string) error

	InsertNodeExecution(ctx context.Context, rec *NodeExecution) error
	UpdateNodeExecution(ctx context.Context, rec *NodeExecution) error
	NodeExecutions(ctx context.Context, executionID string) ([]*NodeExecution, error)

	// HasCompletedNode reports whether any attempt of the node reached
	// COMPLETED for the instance.
	HasCompletedNode(ctx context.Context, executionID, nodeID string) (bool, error)

	AppendAudit(ctx context.Context, entry *AuditEntry) error
	AuditTrail(ctx context.Context, executionID string) ([]*AuditEntry, error)
}

// TxOptions configures a transaction boundary opened by a TxRunner.
type TxOptions struct {
	// Isolation defaults to sql.LevelSerializable when zero.
	Isolation sql.IsolationLevel

	// Timeout bounds the whole transaction; zero means no deadline beyond
	// the caller's context.
	Timeout time.Duration
}

// TxRunner opens a new transaction (REQUIRES_NEW semantics: every call gets
// its own boundary), runs fn inside it, and commits on nil error or rolls
// back otherwise. SQL backends place the *sql.Tx in the context so that
// store calls made from fn join the transaction.
type TxRunner interface {
	RunInTransaction(ctx context.Context, opts TxOptions, fn func(ctx context.Context) error) error
}

// Store combines the three persistence facets every backend implements.
type Store interface {
	EventStore
	InstanceStore
	TxRunner
}
