package comp

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/dshills/procflow-go/flow/store"
)

// seedCompleted appends the NODE_COMPLETED event for a node, preceded by a
// NODE_STARTED, the way the executor records a finished node.
func seedCompleted(t *testing.T, s *store.MemStore, executionID, nodeID, compType, output string) *store.ExecutionEvent {
	t.Helper()
	ctx := context.Background()
	if _, err := s.Append(ctx, store.AppendRequest{
		ExecutionID: executionID,
		Type:        store.EventNodeStarted,
		NodeID:      nodeID,
		NodeType:    compType,
		Status:      store.EventInProgress,
	}); err != nil {
		t.Fatalf("append started: %v", err)
	}
	ev, err := s.Append(ctx, store.AppendRequest{
		ExecutionID:    executionID,
		Type:           store.EventNodeCompleted,
		NodeID:         nodeID,
		NodeType:       compType,
		OutputSnapshot: output,
	})
	if err != nil {
		t.Fatalf("append completed: %v", err)
	}
	return ev
}

// eventTypes collects the timeline's event types for a node.
func eventTypes(t *testing.T, s *store.MemStore, executionID, nodeID string) []store.EventType {
	t.Helper()
	events, err := s.EventsByNode(context.Background(), executionID, nodeID)
	if err != nil {
		t.Fatalf("EventsByNode: %v", err)
	}
	out := make([]store.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func TestCompensateNodeSuccess(t *testing.T) {
	s := store.NewMemStore()
	ctx := context.Background()
	completed := seedCompleted(t, s, "exec-1", "charge", "payment", `{"chargeId":"ch-9"}`)

	r := NewRegistry(s)
	var got Request
	r.RegisterForType("payment", func(ctx context.Context, req Request) error {
		got = req
		return nil
	})

	res, err := r.CompensateNode(ctx, "exec-1", "charge")
	if err != nil {
		t.Fatalf("CompensateNode: %v", err)
	}
	if !res.Success || res.EventID == "" {
		t.Fatalf("result = %+v, want success with event ID", res)
	}

	if got.NodeType != "payment" || got.OriginalOutput != `{"chargeId":"ch-9"}` {
		t.Errorf("handler request = %+v", got)
	}

	types := eventTypes(t, s, "exec-1", "charge")
	want := []store.EventType{
		store.EventNodeStarted,
		store.EventNodeCompleted,
		store.EventCompensationInitiated,
		store.EventCompensationCompleted,
	}
	if len(types) != len(want) {
		t.Fatalf("event types = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event types = %v, want %v", types, want)
		}
	}

	// The original completion is linked to the compensation event.
	orig, err := s.GetEvent(ctx, completed.ID)
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	if orig.CompensatedBy != res.EventID {
		t.Errorf("CompensatedBy = %q, want %q", orig.CompensatedBy, res.EventID)
	}
}

func TestCompensateNodeHandlerFailure(t *testing.T) {
	s := store.NewMemStore()
	seedCompleted(t, s, "exec-1", "charge", "payment", "")

	r := NewRegistry(s)
	r.RegisterForType("payment", func(ctx context.Context, req Request) error {
		return errors.New("refund rejected")
	})

	res, err := r.CompensateNode(context.Background(), "exec-1", "charge")
	if err != nil {
		t.Fatalf("handler failure must not be an infrastructure error: %v", err)
	}
	if res.Success {
		t.Fatal("result must report failure")
	}
	if res.Message != "refund rejected" {
		t.Errorf("Message = %q", res.Message)
	}

	types := eventTypes(t, s, "exec-1", "charge")
	last := types[len(types)-1]
	if last != store.EventCompensationFailed {
		t.Errorf("last event = %s, want COMPENSATION_FAILED", last)
	}
}

func TestCompensateNodeWithoutHandler(t *testing.T) {
	s := store.NewMemStore()
	seedCompleted(t, s, "exec-1", "charge", "payment", "")

	r := NewRegistry(s)
	res, err := r.CompensateNode(context.Background(), "exec-1", "charge")
	if err != nil {
		t.Fatalf("CompensateNode: %v", err)
	}
	if res.Success || res.Message != "no compensation handler registered" {
		t.Errorf("result = %+v", res)
	}

	// The attempt is still on the record.
	types := eventTypes(t, s, "exec-1", "charge")
	if types[len(types)-1] != store.EventCompensationInitiated {
		t.Errorf("initiation not recorded: %v", types)
	}
}

func TestCompensateNodeNeverCompleted(t *testing.T) {
	s := store.NewMemStore()
	ctx := context.Background()
	if _, err := s.Append(ctx, store.AppendRequest{
		ExecutionID: "exec-1",
		Type:        store.EventNodeStarted,
		NodeID:      "charge",
		Status:      store.EventInProgress,
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	r := NewRegistry(s)
	res, err := r.CompensateNode(ctx, "exec-1", "charge")
	if err != nil {
		t.Fatalf("CompensateNode: %v", err)
	}
	if res.Success || res.Message != "node never completed" {
		t.Errorf("result = %+v", res)
	}

	res, err = r.CompensateNode(ctx, "exec-1", "ghost")
	if err != nil {
		t.Fatalf("CompensateNode: %v", err)
	}
	if res.Success || res.Message != "no events recorded for node" {
		t.Errorf("result = %+v", res)
	}
}

func TestInstanceHandlerPrecedence(t *testing.T) {
	s := store.NewMemStore()
	seedCompleted(t, s, "exec-1", "charge", "payment", "")

	r := NewRegistry(s)
	var called string
	r.RegisterForType("payment", func(ctx context.Context, req Request) error {
		called = "type"
		return nil
	})
	r.RegisterForNode("exec-1", "charge", func(ctx context.Context, req Request) error {
		called = "instance"
		return nil
	})
	if !r.HasHandlerForNode("exec-1", "charge") {
		t.Fatal("HasHandlerForNode")
	}

	if _, err := r.CompensateNode(context.Background(), "exec-1", "charge"); err != nil {
		t.Fatalf("CompensateNode: %v", err)
	}
	if called != "instance" {
		t.Errorf("handler = %q, want the per-node registration to win", called)
	}

	r.UnregisterForNode("exec-1", "charge")
	if r.HasHandlerForNode("exec-1", "charge") {
		t.Error("UnregisterForNode did not drop the registration")
	}
}

func TestCompensateWorkflowReverseOrder(t *testing.T) {
	s := store.NewMemStore()
	seedCompleted(t, s, "exec-1", "reserve", "inventory", "")
	seedCompleted(t, s, "exec-1", "charge", "payment", "")
	seedCompleted(t, s, "exec-1", "ship", "shipping", "")

	r := NewRegistry(s)
	var mu sync.Mutex
	var order []string
	record := func(ctx context.Context, req Request) error {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, req.NodeID)
		return nil
	}
	r.RegisterForType("inventory", record)
	r.RegisterForType("payment", record)
	r.RegisterForType("shipping", record)

	results, err := r.CompensateWorkflow(context.Background(), "exec-1")
	if err != nil {
		t.Fatalf("CompensateWorkflow: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("%d results, want 3", len(results))
	}
	for _, res := range results {
		if !res.Success {
			t.Errorf("node %s failed: %s", res.NodeID, res.Message)
		}
	}

	want := []string{"ship", "charge", "reserve"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("compensation order = %v, want %v", order, want)
		}
	}
}

func TestCompensateWorkflowCollectsFailures(t *testing.T) {
	s := store.NewMemStore()
	seedCompleted(t, s, "exec-1", "reserve", "inventory", "")
	seedCompleted(t, s, "exec-1", "charge", "payment", "")

	r := NewRegistry(s)
	r.RegisterForType("payment", func(ctx context.Context, req Request) error {
		return errors.New("refund window expired")
	})
	r.RegisterForType("inventory", func(ctx context.Context, req Request) error {
		return nil
	})

	results, err := r.CompensateWorkflow(context.Background(), "exec-1")
	if err != nil {
		t.Fatalf("CompensateWorkflow: %v", err)
	}
	// The sweep continues past the payment failure.
	if len(results) != 2 {
		t.Fatalf("%d results, want 2", len(results))
	}
	if results[0].Success || results[0].NodeID != "charge" {
		t.Errorf("first result = %+v", results[0])
	}
	if !results[1].Success || results[1].NodeID != "reserve" {
		t.Errorf("second result = %+v", results[1])
	}
}

func TestCompensateSequenceStopsOnFailure(t *testing.T) {
	s := store.NewMemStore()
	seedCompleted(t, s, "exec-1", "a", "t-a", "")
	seedCompleted(t, s, "exec-1", "b", "t-b", "")
	seedCompleted(t, s, "exec-1", "c", "t-c", "")

	r := NewRegistry(s)
	var order []string
	r.RegisterForType("t-c", func(ctx context.Context, req Request) error {
		order = append(order, "c")
		return nil
	})
	r.RegisterForType("t-b", func(ctx context.Context, req Request) error {
		order = append(order, "b")
		return errors.New("undo failed")
	})
	r.RegisterForType("t-a", func(ctx context.Context, req Request) error {
		order = append(order, "a")
		return nil
	})

	results, err := r.CompensateSequence(context.Background(), "exec-1", "a", "c")
	if err != nil {
		t.Fatalf("CompensateSequence: %v", err)
	}
	// c succeeds, b fails, a is never attempted.
	if len(results) != 2 {
		t.Fatalf("%d results, want 2", len(results))
	}
	if len(order) != 2 || order[0] != "c" || order[1] != "b" {
		t.Errorf("invocation order = %v, want [c b]", order)
	}
}

func TestCompensateSequenceAnchorOrder(t *testing.T) {
	s := store.NewMemStore()
	seedCompleted(t, s, "exec-1", "a", "t-a", "")
	seedCompleted(t, s, "exec-1", "b", "t-b", "")

	r := NewRegistry(s)
	var order []string
	record := func(name string) Handler {
		return func(ctx context.Context, req Request) error {
			order = append(order, name)
			return nil
		}
	}
	r.RegisterForType("t-a", record("a"))
	r.RegisterForType("t-b", record("b"))

	// Anchors given newest-first still compensate in reverse completion
	// order.
	if _, err := r.CompensateSequence(context.Background(), "exec-1", "b", "a"); err != nil {
		t.Fatalf("CompensateSequence: %v", err)
	}
	if len(order) != 2 || order[0] != "b" || order[1] != "a" {
		t.Errorf("order = %v, want [b a]", order)
	}

	if _, err := r.CompensateSequence(context.Background(), "exec-1", "ghost", "a"); err == nil {
		t.Error("unknown anchor must error")
	}
}
