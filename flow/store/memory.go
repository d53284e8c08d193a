package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-memory Store.
//
// It backs tests and single-process prototyping: every guarantee of the
// durable backends holds (dense sequences, idempotent append, one-shot
// terminal mutations, optimistic instance versioning, lease semantics),
// but nothing survives process exit.
//
// Transactions are serialized with a store-wide mutex and implemented by
// snapshot: RunInTransaction deep-copies the store, runs fn, and restores
// the snapshot when fn fails. That gives tests real all-or-nothing
// behavior without a database.
type MemStore struct {
	mu sync.RWMutex

	// txMu serializes transactions (the in-memory stand-in for
	// SERIALIZABLE isolation). Held for the whole RunInTransaction call.
	txMu sync.Mutex

	instances   map[string]*WorkflowInstance
	nodeExecs   map[string][]*NodeExecution
	events      map[string][]*ExecutionEvent
	eventsByID  map[string]*ExecutionEvent
	eventsByKey map[string]*ExecutionEvent
	audit       map[string][]*AuditEntry

	clock func() time.Time
}

var _ Store = (*MemStore)(nil)

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		instances:   make(map[string]*WorkflowInstance),
		nodeExecs:   make(map[string][]*NodeExecution),
		events:      make(map[string][]*ExecutionEvent),
		eventsByID:  make(map[string]*ExecutionEvent),
		eventsByKey: make(map[string]*ExecutionEvent),
		audit:       make(map[string][]*AuditEntry),
		clock:       time.Now,
	}
}

// SetClock replaces the store's time source. Tests use it to expire leases
// without sleeping.
func (s *MemStore) SetClock(clock func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
}

// --- EventStore ---

// Append implements EventStore.
func (s *MemStore) Append(_ context.Context, req AppendRequest) (*ExecutionEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := int64(len(s.events[req.ExecutionID])) + 1

	key := req.IdempotencyKey
	if key == "" {
		key = CanonicalIdempotencyKey(req.ExecutionID, seq, req.Type)
	}
	if existing, ok := s.eventsByKey[key]; ok {
		return existing.Clone(), nil
	}

	ev := &ExecutionEvent{
		ID:                uuid.NewString(),
		ExecutionID:       req.ExecutionID,
		SequenceNumber:    seq,
		TenantID:          req.TenantID,
		Type:              req.Type,
		NodeID:            req.NodeID,
		NodeType:          req.NodeType,
		EdgeTaken:         req.EdgeTaken,
		Status:            req.Status,
		Timestamp:         s.clock(),
		InputSnapshot:     req.InputSnapshot,
		OutputSnapshot:    req.OutputSnapshot,
		VariablesSnapshot: req.VariablesSnapshot,
		ErrorSnapshot:     req.ErrorSnapshot,
		DecisionResult:    req.DecisionResult,
		TransactionID:     req.TransactionID,
		IdempotencyKey:    key,
	}
	if ev.Status == "" {
		ev.Status = EventCompleted
	}

	s.events[req.ExecutionID] = append(s.events[req.ExecutionID], ev)
	s.eventsByID[ev.ID] = ev
	s.eventsByKey[key] = ev
	return ev.Clone(), nil
}

// Timeline implements EventStore.
func (s *MemStore) Timeline(_ context.Context, executionID string) ([]*ExecutionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.events[executionID]
	out := make([]*ExecutionEvent, len(list))
	for i, ev := range list {
		out[i] = ev.Clone()
	}
	return out, nil
}

// TimelineRange implements EventStore.
func (s *MemStore) TimelineRange(_ context.Context, executionID string, start, end int64) ([]*ExecutionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ExecutionEvent
	for _, ev := range s.events[executionID] {
		if ev.SequenceNumber >= start && ev.SequenceNumber <= end {
			out = append(out, ev.Clone())
		}
	}
	return out, nil
}

// LastEvent implements EventStore.
func (s *MemStore) LastEvent(_ context.Context, executionID string) (*ExecutionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.events[executionID]
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	return list[len(list)-1].Clone(), nil
}

// EventsByNode implements EventStore.
func (s *MemStore) EventsByNode(_ context.Context, executionID, nodeID string) ([]*ExecutionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ExecutionEvent
	for _, ev := range s.events[executionID] {
		if ev.NodeID == nodeID {
			out = append(out, ev.Clone())
		}
	}
	return out, nil
}

// EventsByStatus implements EventStore.
func (s *MemStore) EventsByStatus(_ context.Context, executionID string, status EventStatus) ([]*ExecutionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ExecutionEvent
	for _, ev := range s.events[executionID] {
		if ev.Status == status {
			out = append(out, ev.Clone())
		}
	}
	return out, nil
}

// GetEvent implements EventStore.
func (s *MemStore) GetEvent(_ context.Context, eventID string) (*ExecutionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ev, ok := s.eventsByID[eventID]
	if !ok {
		return nil, ErrNotFound
	}
	return ev.Clone(), nil
}

// ExistsByIdempotencyKey implements EventStore.
func (s *MemStore) ExistsByIdempotencyKey(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.eventsByKey[key]
	return ok, nil
}

// CountEvents implements EventStore.
func (s *MemStore) CountEvents(_ context.Context, executionID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.events[executionID])), nil
}

// MarkCompleted implements EventStore.
func (s *MemStore) MarkCompleted(_ context.Context, eventID string, durationMS int64, outputSnapshot string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.eventsByID[eventID]
	if !ok {
		return ErrNotFound
	}
	if ev.Status == EventCompleted || ev.Status == EventFailed {
		return ErrEventTerminal
	}
	ev.Status = EventCompleted
	ev.DurationMS = durationMS
	ev.OutputSnapshot = outputSnapshot
	return nil
}

// MarkFailed implements EventStore.
func (s *MemStore) MarkFailed(_ context.Context, eventID string, errMsg, errorSnapshot string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.eventsByID[eventID]
	if !ok {
		return ErrNotFound
	}
	if ev.Status == EventCompleted || ev.Status == EventFailed {
		return ErrEventTerminal
	}
	ev.Status = EventFailed
	ev.ErrorMessage = errMsg
	ev.ErrorSnapshot = errorSnapshot
	return nil
}

// MarkCompensated implements EventStore.
func (s *MemStore) MarkCompensated(_ context.Context, eventID string, compensationEventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.eventsByID[eventID]
	if !ok {
		return ErrNotFound
	}
	if ev.CompensatedBy != "" {
		return ErrEventTerminal
	}
	ev.CompensatedBy = compensationEventID
	return nil
}

// --- InstanceStore ---

// CreateInstance implements InstanceStore.
func (s *MemStore) CreateInstance(_ context.Context, inst *WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[inst.ExecutionID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateInstance, inst.ExecutionID)
	}

	cp := inst.Clone()
	now := s.clock()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	cp.RowVersion = 1
	s.instances[cp.ExecutionID] = cp

	inst.CreatedAt = cp.CreatedAt
	inst.UpdatedAt = cp.UpdatedAt
	inst.RowVersion = cp.RowVersion
	return nil
}

// GetInstance implements InstanceStore.
func (s *MemStore) GetInstance(_ context.Context, executionID string) (*WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[executionID]
	if !ok {
		return nil, fmt.Errorf("%w: instance %s", ErrNotFound, executionID)
	}
	return inst.Clone(), nil
}

// UpdateInstance implements InstanceStore.
func (s *MemStore) UpdateInstance(_ context.Context, inst *WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.instances[inst.ExecutionID]
	if !ok {
		return fmt.Errorf("%w: instance %s", ErrNotFound, inst.ExecutionID)
	}
	if cur.RowVersion != inst.RowVersion {
		return fmt.Errorf("%w: have %d want %d", ErrStaleInstance, inst.RowVersion, cur.RowVersion)
	}

	cp := inst.Clone()
	cp.CreatedAt = cur.CreatedAt
	cp.UpdatedAt = s.clock()
	cp.RowVersion = cur.RowVersion + 1
	s.instances[cp.ExecutionID] = cp

	inst.UpdatedAt = cp.UpdatedAt
	inst.RowVersion = cp.RowVersion
	return nil
}

// DeleteInstance implements InstanceStore. Events, node executions, and
// audit entries cascade.
func (s *MemStore) DeleteInstance(_ context.Context, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[executionID]; !ok {
		return fmt.Errorf("%w: instance %s", ErrNotFound, executionID)
	}
	delete(s.instances, executionID)
	for _, ev := range s.events[executionID] {
		delete(s.eventsByID, ev.ID)
		delete(s.eventsByKey, ev.IdempotencyKey)
	}
	delete(s.events, executionID)
	delete(s.nodeExecs, executionID)
	delete(s.audit, executionID)
	return nil
}

// TryAcquireLease implements InstanceStore.
func (s *MemStore) TryAcquireLease(_ context.Context, executionID, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[executionID]
	if !ok {
		return false, fmt.Errorf("%w: instance %s", ErrNotFound, executionID)
	}

	now := s.clock()
	free := inst.LeaseOwner == "" ||
		inst.LeaseOwner == owner ||
		(inst.LeaseAcquiredAt != nil && now.Sub(*inst.LeaseAcquiredAt) > ttl)
	if !free {
		return false, nil
	}

	inst.LeaseOwner = owner
	inst.LeaseAcquiredAt = &now
	inst.UpdatedAt = now
	inst.RowVersion++
	return true, nil
}

// ReleaseLease implements InstanceStore.
func (s *MemStore) ReleaseLease(_ context.Context, executionID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[executionID]
	if !ok {
		return fmt.Errorf("%w: instance %s", ErrNotFound, executionID)
	}
	if inst.LeaseOwner != owner {
		return nil
	}
	inst.LeaseOwner = ""
	inst.LeaseAcquiredAt = nil
	inst.UpdatedAt = s.clock()
	inst.RowVersion++
	return nil
}

// InsertNodeExecution implements InstanceStore.
func (s *MemStore) InsertNodeExecution(_ context.Context, rec *NodeExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	s.nodeExecs[rec.ExecutionID] = append(s.nodeExecs[rec.ExecutionID], rec.Clone())
	return nil
}

// UpdateNodeExecution implements InstanceStore.
func (s *MemStore) UpdateNodeExecution(_ context.Context, rec *NodeExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.nodeExecs[rec.ExecutionID]
	for i, existing := range list {
		if existing.ID == rec.ID {
			list[i] = rec.Clone()
			return nil
		}
	}
	return fmt.Errorf("%w: node execution %s", ErrNotFound, rec.ID)
}

// NodeExecutions implements InstanceStore.
func (s *MemStore) NodeExecutions(_ context.Context, executionID string) ([]*NodeExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.nodeExecs[executionID]
	out := make([]*NodeExecution, len(list))
	for i, rec := range list {
		out[i] = rec.Clone()
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ExecutedAt.Before(out[j].ExecutedAt) })
	return out, nil
}

// HasCompletedNode implements InstanceStore.
func (s *MemStore) HasCompletedNode(_ context.Context, executionID, nodeID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rec := range s.nodeExecs[executionID] {
		if rec.NodeID == nodeID && rec.State == NodeCompleted {
			return true, nil
		}
	}
	return false, nil
}

// AppendAudit implements InstanceStore.
func (s *MemStore) AppendAudit(_ context.Context, entry *AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *entry
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.Timestamp.IsZero() {
		cp.Timestamp = s.clock()
	}
	s.audit[cp.ExecutionID] = append(s.audit[cp.ExecutionID], &cp)
	return nil
}

// AuditTrail implements InstanceStore.
func (s *MemStore) AuditTrail(_ context.Context, executionID string) ([]*AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.audit[executionID]
	out := make([]*AuditEntry, len(list))
	for i, entry := range list {
		cp := *entry
		out[i] = &cp
	}
	return out, nil
}

// --- TxRunner ---

// memSnapshot is a deep copy of the store contents, captured before a
// transaction body runs.
type memSnapshot struct {
	instances   map[string]*WorkflowInstance
	nodeExecs   map[string][]*NodeExecution
	events      map[string][]*ExecutionEvent
	eventsByID  map[string]*ExecutionEvent
	eventsByKey map[string]*ExecutionEvent
	audit       map[string][]*AuditEntry
}

// RunInTransaction implements TxRunner.
//
// The store-wide txMu provides serializable semantics: transaction bodies
// never interleave. On error the pre-transaction snapshot is restored, so
// nothing fn wrote survives — the same all-or-nothing contract the SQL
// backends get from a real transaction.
func (s *MemStore) RunInTransaction(ctx context.Context, opts TxOptions, fn func(ctx context.Context) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	snap := s.snapshot()
	if err := fn(ctx); err != nil {
		s.restore(snap)
		return err
	}
	if err := ctx.Err(); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

func (s *MemStore) snapshot() *memSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &memSnapshot{
		instances:   make(map[string]*WorkflowInstance, len(s.instances)),
		nodeExecs:   make(map[string][]*NodeExecution, len(s.nodeExecs)),
		events:      make(map[string][]*ExecutionEvent, len(s.events)),
		eventsByID:  make(map[string]*ExecutionEvent, len(s.eventsByID)),
		eventsByKey: make(map[string]*ExecutionEvent, len(s.eventsByKey)),
		audit:       make(map[string][]*AuditEntry, len(s.audit)),
	}
	for id, inst := range s.instances {
		snap.instances[id] = inst.Clone()
	}
	for id, list := range s.nodeExecs {
		cp := make([]*NodeExecution, len(list))
		for i, rec := range list {
			cp[i] = rec.Clone()
		}
		snap.nodeExecs[id] = cp
	}
	for id, list := range s.events {
		cp := make([]*ExecutionEvent, len(list))
		for i, ev := range list {
			clone := ev.Clone()
			cp[i] = clone
			snap.eventsByID[clone.ID] = clone
			snap.eventsByKey[clone.IdempotencyKey] = clone
		}
		snap.events[id] = cp
	}
	for id, list := range s.audit {
		cp := make([]*AuditEntry, len(list))
		for i, entry := range list {
			e := *entry
			cp[i] = &e
		}
		snap.audit[id] = cp
	}
	return snap
}

func (s *MemStore) restore(snap *memSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.instances = snap.instances
	s.nodeExecs = snap.nodeExecs
	s.events = snap.events
	s.eventsByID = snap.eventsByID
	s.eventsByKey = snap.eventsByKey
	s.audit = snap.audit
}
