package rollback

import (
	"context"
	"errors"
	"testing"

	"github.com/dshills/procflow-go/flow/comp"
	"github.com/dshills/procflow-go/flow/state"
	"github.com/dshills/procflow-go/flow/store"
)

type fixture struct {
	store    *store.MemStore
	registry *comp.Registry
	states   *state.Manager
	coord    *Coordinator
	execID   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := store.NewMemStore()
	registry := comp.NewRegistry(s)
	states := state.NewManager(s, state.WithIdentity("replica-test"))

	inst, err := states.CreateInstance(context.Background(), "wf", 1, "", map[string]any{"amount": 100.0})
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	if err := states.StartExecution(context.Background(), inst.ExecutionID); err != nil {
		t.Fatalf("StartExecution: %v", err)
	}

	return &fixture{
		store:    s,
		registry: registry,
		states:   states,
		coord:    NewCoordinator(s, registry, states),
		execID:   inst.ExecutionID,
	}
}

// completeNode records a NODE_COMPLETED event the way the executor would,
// carrying the variables as they stood after the node ran.
func (f *fixture) completeNode(t *testing.T, nodeID, compType, varsSnapshot string) {
	t.Helper()
	if _, err := f.store.Append(context.Background(), store.AppendRequest{
		ExecutionID:       f.execID,
		Type:              store.EventNodeCompleted,
		NodeID:            nodeID,
		NodeType:          compType,
		VariablesSnapshot: varsSnapshot,
	}); err != nil {
		t.Fatalf("append NODE_COMPLETED: %v", err)
	}
}

func (f *fixture) lastEventType(t *testing.T) store.EventType {
	t.Helper()
	ev, err := f.store.LastEvent(context.Background(), f.execID)
	if err != nil {
		t.Fatalf("LastEvent: %v", err)
	}
	return ev.Type
}

func TestRollbackNode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.completeNode(t, "charge", "payment", `{"amount":100,"chargeId":"ch-1"}`)

	var undone bool
	f.registry.RegisterForType("payment", func(ctx context.Context, req comp.Request) error {
		undone = true
		return nil
	})

	res, err := f.coord.RollbackNode(ctx, f.execID, "charge", Reason{Code: UserRequested, Details: "customer cancelled"})
	if err != nil {
		t.Fatalf("RollbackNode: %v", err)
	}
	if !res.Success || len(res.RolledBack) != 1 || res.RolledBack[0] != "charge" {
		t.Fatalf("result = %+v", res)
	}
	if !undone {
		t.Error("compensation handler not invoked")
	}
	if f.lastEventType(t) != store.EventRollbackCompleted {
		t.Errorf("last event = %s, want ROLLBACK_COMPLETED", f.lastEventType(t))
	}

	// Variables restored from the compensated event's snapshot.
	inst, _ := f.states.GetInstance(ctx, f.execID)
	if inst.Variables["chargeId"] != "ch-1" || inst.Variables["amount"] != float64(100) {
		t.Errorf("variables after restore = %v", inst.Variables)
	}
}

func TestRollbackNodeFailure(t *testing.T) {
	f := newFixture(t)
	f.completeNode(t, "charge", "payment", "")

	f.registry.RegisterForType("payment", func(ctx context.Context, req comp.Request) error {
		return errors.New("refund rejected")
	})

	res, err := f.coord.RollbackNode(context.Background(), f.execID, "charge", Reason{Code: ExecutionFailed})
	if err != nil {
		t.Fatalf("RollbackNode: %v", err)
	}
	if res.Success || len(res.Failed) != 1 || res.Message != "refund rejected" {
		t.Fatalf("result = %+v", res)
	}
	if f.lastEventType(t) != store.EventRollbackFailed {
		t.Errorf("last event = %s, want ROLLBACK_FAILED", f.lastEventType(t))
	}
}

func TestRollbackInitiatedCarriesReason(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.completeNode(t, "charge", "payment", "")
	f.registry.RegisterForType("payment", func(ctx context.Context, req comp.Request) error { return nil })

	if _, err := f.coord.RollbackNode(ctx, f.execID, "charge", Reason{Code: TimeoutExceeded, Details: "sla breached"}); err != nil {
		t.Fatalf("RollbackNode: %v", err)
	}

	timeline, _ := f.store.Timeline(ctx, f.execID)
	for _, ev := range timeline {
		if ev.Type == store.EventRollbackInitiated {
			if ev.InputSnapshot != `{"code":"TIMEOUT_EXCEEDED","details":"sla breached"}` {
				t.Errorf("reason snapshot = %s", ev.InputSnapshot)
			}
			return
		}
	}
	t.Fatal("no ROLLBACK_INITIATED event on the timeline")
}

func TestCheckpointsAndRollbackToCheckpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.completeNode(t, "reserve", "inventory", `{"reserved":true}`)
	seq, err := f.coord.CreateCheckpoint(ctx, f.execID, "after-reserve")
	if err != nil {
		t.Fatalf("CreateCheckpoint: %v", err)
	}
	f.completeNode(t, "charge", "payment", `{"charged":true}`)
	f.completeNode(t, "ship", "shipping", `{"shipped":true}`)

	cps, err := f.coord.Checkpoints(ctx, f.execID)
	if err != nil {
		t.Fatalf("Checkpoints: %v", err)
	}
	if len(cps) != 1 || cps[0].Name != "after-reserve" || cps[0].Sequence != seq {
		t.Fatalf("checkpoints = %+v", cps)
	}

	var order []string
	record := func(ctx context.Context, req comp.Request) error {
		order = append(order, req.NodeID)
		return nil
	}
	f.registry.RegisterForType("payment", record)
	f.registry.RegisterForType("shipping", record)
	f.registry.RegisterForType("inventory", record)

	res, err := f.coord.RollbackToCheckpoint(ctx, f.execID, seq, Reason{Code: UserRequested})
	if err != nil {
		t.Fatalf("RollbackToCheckpoint: %v", err)
	}
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}

	// Only nodes after the checkpoint are undone, newest first; the
	// reservation before the checkpoint survives.
	if len(order) != 2 || order[0] != "ship" || order[1] != "charge" {
		t.Errorf("rollback order = %v, want [ship charge]", order)
	}
	if len(res.RolledBack) != 2 {
		t.Errorf("RolledBack = %v", res.RolledBack)
	}
}

func TestRollbackToCheckpointPartialFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	seq, _ := f.coord.CreateCheckpoint(ctx, f.execID, "baseline")
	f.completeNode(t, "charge", "payment", "")
	f.completeNode(t, "ship", "shipping", "")

	f.registry.RegisterForType("shipping", func(ctx context.Context, req comp.Request) error {
		return errors.New("carrier already picked up")
	})
	f.registry.RegisterForType("payment", func(ctx context.Context, req comp.Request) error { return nil })

	res, err := f.coord.RollbackToCheckpoint(ctx, f.execID, seq, Reason{Code: UserRequested})
	if err != nil {
		t.Fatalf("RollbackToCheckpoint: %v", err)
	}
	if res.Success {
		t.Error("partial failure must not report success")
	}
	if len(res.Failed) != 1 || res.Failed[0] != "ship" {
		t.Errorf("Failed = %v", res.Failed)
	}
	if len(res.RolledBack) != 1 || res.RolledBack[0] != "charge" {
		t.Errorf("RolledBack = %v", res.RolledBack)
	}
}

func TestRollbackWorkflow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.completeNode(t, "reserve", "inventory", "")
	f.completeNode(t, "charge", "payment", "")

	var order []string
	record := func(ctx context.Context, req comp.Request) error {
		order = append(order, req.NodeID)
		return nil
	}
	f.registry.RegisterForType("inventory", record)
	f.registry.RegisterForType("payment", record)

	res, err := f.coord.RollbackWorkflow(ctx, f.execID, Reason{Code: UserRequested})
	if err != nil {
		t.Fatalf("RollbackWorkflow: %v", err)
	}
	if !res.Success || len(res.RolledBack) != 2 {
		t.Fatalf("result = %+v", res)
	}
	if order[0] != "charge" || order[1] != "reserve" {
		t.Errorf("order = %v, want [charge reserve]", order)
	}

	inst, _ := f.states.GetInstance(ctx, f.execID)
	if inst.State != store.StateCancelled {
		t.Errorf("instance state = %s, want CANCELLED", inst.State)
	}
	if f.lastEventType(t) != store.EventWorkflowRolledBack {
		t.Errorf("last event = %s, want WORKFLOW_ROLLED_BACK", f.lastEventType(t))
	}
}
