// Package txn implements the transaction manager: serializable transaction
// boundaries around node operations, with TRANSACTION_* events on the
// instance timeline, a monitoring view of in-flight boundaries, and a
// two-phase-commit Saga built on the compensation registry.
package txn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dshills/procflow-go/flow"
	"github.com/dshills/procflow-go/flow/comp"
	"github.com/dshills/procflow-go/flow/emit"
	"github.com/dshills/procflow-go/flow/store"
)

// DefaultTimeout bounds a transaction boundary when the caller does not
// override it.
const DefaultTimeout = 30 * time.Second

// Operation is the unit of work run inside a transaction boundary. Store
// calls made through the given context join the open transaction.
type Operation func(ctx context.Context) (any, error)

// Boundary describes one transaction boundary.
type Boundary struct {
	ExecutionID string
	NodeID      string
	TenantID    string

	// Isolation defaults to serializable; Timeout to DefaultTimeout.
	Isolation sql.IsolationLevel
	Timeout   time.Duration

	// PreCommitValidator, when set, runs inside the transaction before the
	// operation. A non-nil error aborts with ErrTransactionValidation.
	PreCommitValidator func(ctx context.Context) error

	// RequireResult rejects a nil operation result with
	// ErrTransactionValidation.
	RequireResult bool
}

// ActiveTransaction is a monitoring snapshot of one in-flight boundary.
type ActiveTransaction struct {
	ID          string
	ExecutionID string
	NodeID      string
	StartedAt   time.Time

	// ForcedRollback is set by ForceRollback; the boundary aborts at its
	// next commit check.
	ForcedRollback bool
}

type activeEntry struct {
	info   ActiveTransaction
	forced bool
}

// Manager wraps operations in transaction boundaries recorded on the event
// timeline.
type Manager struct {
	store    store.Store
	registry *comp.Registry
	emitter  emit.Emitter
	logger   zerolog.Logger
	clock    func() time.Time

	mu     sync.Mutex
	active map[string]*activeEntry
}

// Option configures a Manager.
type Option func(*Manager)

// WithEmitter attaches a telemetry emitter.
func WithEmitter(emitter emit.Emitter) Option {
	return func(m *Manager) { m.emitter = emitter }
}

// WithLogger attaches a zerolog logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithClock overrides the time source. Used by tests for stable
// transaction IDs.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.clock = clock }
}

// NewManager creates a transaction manager. The compensation registry may
// be nil when two-phase commit is not used.
func NewManager(st store.Store, registry *comp.Registry, opts ...Option) *Manager {
	m := &Manager{
		store:    st,
		registry: registry,
		emitter:  emit.NewNullEmitter(),
		logger:   zerolog.Nop(),
		clock:    func() time.Time { return time.Now().UTC() },
		active:   make(map[string]*activeEntry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ExecuteInTransaction runs op inside its own serializable transaction
// (REQUIRES_NEW: the boundary never joins an outer one).
//
// The boundary appends TRANSACTION_STARTED before the work and
// TRANSACTION_COMMITTED or TRANSACTION_ROLLED_BACK after it. Operation and
// commit failures come back wrapped in flow.ErrTransactionFailed;
// validator and nil-result rejections in flow.ErrTransactionValidation.
func (m *Manager) ExecuteInTransaction(ctx context.Context, b Boundary, op Operation) (any, error) {
	txnID := fmt.Sprintf("txn-%s-%s-%d", b.ExecutionID, b.NodeID, m.clock().UnixNano())
	timeout := b.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	if _, err := m.store.Append(ctx, store.AppendRequest{
		ExecutionID:   b.ExecutionID,
		TenantID:      b.TenantID,
		Type:          store.EventTransactionStarted,
		NodeID:        b.NodeID,
		TransactionID: txnID,
	}); err != nil {
		return nil, fmt.Errorf("record transaction start: %w", err)
	}

	m.mu.Lock()
	m.active[txnID] = &activeEntry{info: ActiveTransaction{
		ID:          txnID,
		ExecutionID: b.ExecutionID,
		NodeID:      b.NodeID,
		StartedAt:   m.clock(),
	}}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.active, txnID)
		m.mu.Unlock()
	}()

	var result any
	txErr := m.store.RunInTransaction(ctx, store.TxOptions{Isolation: b.Isolation, Timeout: timeout}, func(ctx context.Context) error {
		if b.PreCommitValidator != nil {
			if err := b.PreCommitValidator(ctx); err != nil {
				return fmt.Errorf("%w: %v", flow.ErrTransactionValidation, err)
			}
		}
		var err error
		result, err = op(ctx)
		if err != nil {
			return err
		}
		if result == nil && b.RequireResult {
			return fmt.Errorf("%w: operation returned no result", flow.ErrTransactionValidation)
		}
		if m.isForced(txnID) {
			return fmt.Errorf("%w: rollback forced for %s", flow.ErrTransactionFailed, txnID)
		}
		return nil
	})

	if txErr != nil {
		m.appendOutcome(ctx, b, txnID, store.EventTransactionRolledBack, txErr)
		m.emitter.Emit(emit.Event{
			ExecutionID: b.ExecutionID,
			NodeID:      b.NodeID,
			Msg:         "transaction_rolled_back",
			Meta:        map[string]any{"transaction_id": txnID, "error": txErr.Error()},
		})
		if isValidation(txErr) {
			return nil, txErr
		}
		return nil, fmt.Errorf("%w: %s: %w", flow.ErrTransactionFailed, txnID, txErr)
	}

	m.appendOutcome(ctx, b, txnID, store.EventTransactionCommitted, nil)
	m.emitter.Emit(emit.Event{
		ExecutionID: b.ExecutionID,
		NodeID:      b.NodeID,
		Msg:         "transaction_committed",
		Meta:        map[string]any{"transaction_id": txnID},
	})
	return result, nil
}

func isValidation(err error) bool {
	return errors.Is(err, flow.ErrTransactionValidation)
}

func (m *Manager) isForced(txnID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.active[txnID]
	return ok && entry.forced
}

// appendOutcome records the boundary outcome on the timeline. Outcome
// events are best-effort after a rollback: the original failure is what
// the caller needs to see.
func (m *Manager) appendOutcome(ctx context.Context, b Boundary, txnID string, typ store.EventType, cause error) {
	req := store.AppendRequest{
		ExecutionID:   b.ExecutionID,
		TenantID:      b.TenantID,
		Type:          typ,
		NodeID:        b.NodeID,
		TransactionID: txnID,
	}
	if cause != nil {
		req.Status = store.EventFailed
		req.ErrorSnapshot = cause.Error()
	}
	if _, err := m.store.Append(ctx, req); err != nil {
		m.logger.Error().
			Str("transaction_id", txnID).
			Str("event_type", string(typ)).
			Err(err).
			Msg("failed to record transaction outcome")
	}
}

// TwoPhaseOperation describes a Saga step: a prepare phase inside a
// transaction boundary and a commit phase outside it, with an optional
// compensation to undo the prepare if the commit fails.
type TwoPhaseOperation struct {
	ExecutionID string
	NodeID      string
	TenantID    string

	// Prepare runs inside ExecuteInTransaction and returns the prepared
	// value handed to Commit.
	Prepare Operation

	// Commit finalizes the prepared work outside the prepare transaction.
	Commit func(ctx context.Context, prepared any) (any, error)

	// Compensation, when non-nil, is registered under (executionID, nodeID)
	// after a successful prepare and invoked if Commit fails.
	Compensation comp.Handler
}

// ExecuteWithTwoPhaseCommit runs the Saga.
//
// A commit failure triggers the registered compensation; if the
// compensation itself fails the error escalates to
// flow.ErrCompensationFailed, the engine's signal that the system may be
// inconsistent.
func (m *Manager) ExecuteWithTwoPhaseCommit(ctx context.Context, op TwoPhaseOperation) (any, error) {
	prepared, err := m.ExecuteInTransaction(ctx, Boundary{
		ExecutionID: op.ExecutionID,
		NodeID:      op.NodeID,
		TenantID:    op.TenantID,
	}, op.Prepare)
	if err != nil {
		return nil, fmt.Errorf("prepare phase: %w", err)
	}

	if op.Compensation != nil && m.registry != nil {
		m.registry.RegisterForNode(op.ExecutionID, op.NodeID, op.Compensation)
	}

	result, commitErr := op.Commit(ctx, prepared)
	if commitErr == nil {
		return result, nil
	}

	m.logger.Error().
		Str("execution_id", op.ExecutionID).
		Str("node_id", op.NodeID).
		Err(commitErr).
		Msg("commit phase failed, compensating")

	if op.Compensation != nil {
		compErr := op.Compensation(ctx, comp.Request{
			ExecutionID: op.ExecutionID,
			NodeID:      op.NodeID,
		})
		if compErr != nil {
			return nil, fmt.Errorf("%w: commit failed (%v) and compensation failed: %v",
				flow.ErrCompensationFailed, commitErr, compErr)
		}
		return nil, fmt.Errorf("%w: commit phase failed, prepare compensated: %w", flow.ErrTransactionFailed, commitErr)
	}
	return nil, fmt.Errorf("%w: commit phase: %w", flow.ErrTransactionFailed, commitErr)
}

// CheckIdempotency reports whether an event with the key was already
// appended. Callers check before the side-effecting part of an operation
// to suppress retries.
func (m *Manager) CheckIdempotency(ctx context.Context, key string) (bool, error) {
	return m.store.ExistsByIdempotencyKey(ctx, key)
}

// ActiveTransactions returns a monitoring snapshot of in-flight
// boundaries.
func (m *Manager) ActiveTransactions() []ActiveTransaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ActiveTransaction, 0, len(m.active))
	for _, entry := range m.active {
		info := entry.info
		info.ForcedRollback = entry.forced
		out = append(out, info)
	}
	return out
}

// ForceRollback marks an in-flight boundary for rollback at its next
// commit check. Returns false when the transaction is not active.
func (m *Manager) ForceRollback(txnID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.active[txnID]
	if !ok {
		return false
	}
	entry.forced = true
	return true
}
