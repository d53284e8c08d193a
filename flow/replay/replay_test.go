package replay

import (
	"context"
	"testing"

	"github.com/dshills/procflow-go/flow/store"
)

func seedTimeline(t *testing.T, s *store.MemStore, executionID string, reqs []store.AppendRequest) {
	t.Helper()
	for i := range reqs {
		reqs[i].ExecutionID = executionID
		if _, err := s.Append(context.Background(), reqs[i]); err != nil {
			t.Fatalf("Append #%d: %v", i, err)
		}
	}
}

func TestReconstructCompletedRun(t *testing.T) {
	s := store.NewMemStore()
	ctx := context.Background()

	seedTimeline(t, s, "exec-1", []store.AppendRequest{
		{Type: store.EventWorkflowStarted, VariablesSnapshot: `{"amount":100}`},
		{Type: store.EventNodeStarted, NodeID: "validate", Status: store.EventInProgress},
		{Type: store.EventNodeCompleted, NodeID: "validate", VariablesSnapshot: `{"amount":100,"valid":true}`},
		{Type: store.EventGatewayBranchTaken, NodeID: "route", EdgeTaken: "approve-path", DecisionResult: "charge"},
		{Type: store.EventNodeStarted, NodeID: "charge", Status: store.EventInProgress},
		{Type: store.EventNodeCompleted, NodeID: "charge", VariablesSnapshot: `{"chargeId":"ch-9"}`},
		{Type: store.EventWorkflowCompleted},
	})

	st, err := NewEngine(s).ReconstructState(ctx, "exec-1", 0)
	if err != nil {
		t.Fatalf("ReconstructState: %v", err)
	}

	if st.State != store.StateCompleted {
		t.Errorf("state = %s, want COMPLETED", st.State)
	}
	if st.LastSequence != 7 {
		t.Errorf("LastSequence = %d, want 7", st.LastSequence)
	}
	if st.StartTime == nil || st.EndTime == nil {
		t.Error("start/end times not derived")
	}

	if len(st.CompletedNodes) != 2 || st.CompletedNodes[0] != "validate" || st.CompletedNodes[1] != "charge" {
		t.Errorf("CompletedNodes = %v", st.CompletedNodes)
	}
	if len(st.EdgeTraversals) != 1 || st.EdgeTraversals[0] != "approve-path" {
		t.Errorf("EdgeTraversals = %v", st.EdgeTraversals)
	}

	// Variable snapshots merge in sequence order.
	if st.Variables["amount"] != float64(100) || st.Variables["valid"] != true || st.Variables["chargeId"] != "ch-9" {
		t.Errorf("Variables = %v", st.Variables)
	}

	if n := st.Nodes["validate"]; n == nil || n.Status != NodeCompleted || n.StartedAt == nil || n.CompletedAt == nil {
		t.Errorf("validate node state = %+v", n)
	}
}

func TestReconstructFailedRun(t *testing.T) {
	s := store.NewMemStore()

	seedTimeline(t, s, "exec-1", []store.AppendRequest{
		{Type: store.EventWorkflowStarted},
		{Type: store.EventNodeStarted, NodeID: "charge", Status: store.EventInProgress},
		{Type: store.EventNodeFailed, NodeID: "charge", Status: store.EventFailed, ErrorSnapshot: "card declined"},
		{Type: store.EventWorkflowFailed, NodeID: "charge", Status: store.EventFailed, ErrorSnapshot: "card declined"},
	})

	st, err := NewEngine(s).ReconstructState(context.Background(), "exec-1", 0)
	if err != nil {
		t.Fatalf("ReconstructState: %v", err)
	}
	if st.State != store.StateFailed {
		t.Errorf("state = %s, want FAILED", st.State)
	}
	if st.Error != "card declined" {
		t.Errorf("Error = %q", st.Error)
	}
	if n := st.Nodes["charge"]; n == nil || n.Status != NodeFailed || n.Error != "card declined" {
		t.Errorf("charge node state = %+v", n)
	}
}

func TestReconstructUpToSequence(t *testing.T) {
	s := store.NewMemStore()

	seedTimeline(t, s, "exec-1", []store.AppendRequest{
		{Type: store.EventWorkflowStarted},
		{Type: store.EventNodeStarted, NodeID: "a", Status: store.EventInProgress},
		{Type: store.EventNodeCompleted, NodeID: "a", VariablesSnapshot: `{"step":1}`},
		{Type: store.EventNodeStarted, NodeID: "b", Status: store.EventInProgress},
		{Type: store.EventNodeCompleted, NodeID: "b", VariablesSnapshot: `{"step":2}`},
		{Type: store.EventWorkflowCompleted},
	})

	st, err := NewEngine(s).ReconstructState(context.Background(), "exec-1", 3)
	if err != nil {
		t.Fatalf("ReconstructState: %v", err)
	}
	if st.LastSequence != 3 {
		t.Errorf("LastSequence = %d, want 3", st.LastSequence)
	}
	if st.State != store.StateRunning {
		t.Errorf("state at seq 3 = %s, want RUNNING", st.State)
	}
	if len(st.CompletedNodes) != 1 || st.CompletedNodes[0] != "a" {
		t.Errorf("CompletedNodes = %v", st.CompletedNodes)
	}
	if st.Variables["step"] != float64(1) {
		t.Errorf("Variables = %v, want step 1", st.Variables)
	}
}

func TestReconstructEmptyTimeline(t *testing.T) {
	s := store.NewMemStore()
	st, err := NewEngine(s).ReconstructState(context.Background(), "never-ran", 0)
	if err != nil {
		t.Fatalf("ReconstructState: %v", err)
	}
	if st.State != store.StatePending || st.LastSequence != 0 {
		t.Errorf("empty timeline folds to %s seq %d, want PENDING 0", st.State, st.LastSequence)
	}
}

func TestCanResumeAndResumePoint(t *testing.T) {
	s := store.NewMemStore()
	ctx := context.Background()
	engine := NewEngine(s)

	// Mid-flight: node b started but never finished (replica crashed).
	seedTimeline(t, s, "crashed", []store.AppendRequest{
		{Type: store.EventWorkflowStarted},
		{Type: store.EventNodeStarted, NodeID: "a", Status: store.EventInProgress},
		{Type: store.EventNodeCompleted, NodeID: "a", VariablesSnapshot: `{"reserved":true}`},
		{Type: store.EventNodeStarted, NodeID: "b", Status: store.EventInProgress},
	})

	ok, err := engine.CanResume(ctx, "crashed")
	if err != nil || !ok {
		t.Fatalf("CanResume = (%v, %v), want (true, nil)", ok, err)
	}

	rp, err := engine.ResumePoint(ctx, "crashed")
	if err != nil {
		t.Fatalf("ResumePoint: %v", err)
	}
	if rp.ResumeNodeID != "b" {
		t.Errorf("ResumeNodeID = %q, want b", rp.ResumeNodeID)
	}
	if rp.LastSequence != 4 {
		t.Errorf("LastSequence = %d, want 4", rp.LastSequence)
	}
	if len(rp.CompletedNodes) != 1 || rp.CompletedNodes[0] != "a" {
		t.Errorf("CompletedNodes = %v", rp.CompletedNodes)
	}
	if rp.Variables["reserved"] != true {
		t.Errorf("Variables = %v", rp.Variables)
	}

	// A completed run is not resumable.
	seedTimeline(t, s, "done", []store.AppendRequest{
		{Type: store.EventWorkflowStarted},
		{Type: store.EventWorkflowCompleted},
	})
	ok, err = engine.CanResume(ctx, "done")
	if err != nil || ok {
		t.Errorf("CanResume(done) = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestValidateReplayConsistency(t *testing.T) {
	s := store.NewMemStore()
	seedTimeline(t, s, "exec-1", []store.AppendRequest{
		{Type: store.EventWorkflowStarted},
		{Type: store.EventNodeStarted, NodeID: "a", Status: store.EventInProgress},
		{Type: store.EventNodeCompleted, NodeID: "a"},
		{Type: store.EventWorkflowCompleted},
	})

	ok, err := NewEngine(s).ValidateReplayConsistency(context.Background(), "exec-1")
	if err != nil {
		t.Fatalf("ValidateReplayConsistency: %v", err)
	}
	if !ok {
		t.Error("replay of an immutable log must be deterministic")
	}
}

func TestCheckpointFolding(t *testing.T) {
	s := store.NewMemStore()
	seedTimeline(t, s, "exec-1", []store.AppendRequest{
		{Type: store.EventWorkflowStarted},
		{Type: store.EventCheckpointCreated, DecisionResult: "after-reserve"},
		{Type: store.EventNodeCompleted, NodeID: "charge"},
		{Type: store.EventCheckpointCreated, DecisionResult: "after-charge"},
	})

	st, err := NewEngine(s).ReconstructState(context.Background(), "exec-1", 0)
	if err != nil {
		t.Fatalf("ReconstructState: %v", err)
	}
	if len(st.Checkpoints) != 2 {
		t.Fatalf("Checkpoints = %v, want 2 entries", st.Checkpoints)
	}
	if st.Checkpoints[2] != "after-reserve" || st.Checkpoints[4] != "after-charge" {
		t.Errorf("Checkpoints = %v", st.Checkpoints)
	}
}

func TestVariableEventMerging(t *testing.T) {
	s := store.NewMemStore()
	seedTimeline(t, s, "exec-1", []store.AppendRequest{
		{Type: store.EventWorkflowStarted},
		{Type: store.EventVariableSet, VariablesSnapshot: `{"count":1,"name":"first"}`},
		{Type: store.EventVariableUpdated, VariablesSnapshot: `{"count":2}`},
	})

	st, err := NewEngine(s).ReconstructState(context.Background(), "exec-1", 0)
	if err != nil {
		t.Fatalf("ReconstructState: %v", err)
	}
	if st.Variables["count"] != float64(2) {
		t.Errorf("count = %v, want later snapshot to win", st.Variables["count"])
	}
	if st.Variables["name"] != "first" {
		t.Errorf("name = %v, want earlier key preserved", st.Variables["name"])
	}
}
