package txn

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/dshills/procflow-go/flow"
	"github.com/dshills/procflow-go/flow/comp"
	"github.com/dshills/procflow-go/flow/store"
)

func timelineTypes(t *testing.T, s *store.MemStore, executionID string) []store.EventType {
	t.Helper()
	events, err := s.Timeline(context.Background(), executionID)
	if err != nil {
		t.Fatalf("Timeline: %v", err)
	}
	out := make([]store.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func assertTypes(t *testing.T, got, want []store.EventType) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("event types = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event types = %v, want %v", got, want)
		}
	}
}

func TestExecuteInTransactionCommit(t *testing.T) {
	s := store.NewMemStore()
	m := NewManager(s, nil)
	ctx := context.Background()

	result, err := m.ExecuteInTransaction(ctx, Boundary{ExecutionID: "exec-1", NodeID: "charge"},
		func(ctx context.Context) (any, error) {
			// Writes made through the boundary's context are part of the
			// transaction.
			_, err := s.Append(ctx, store.AppendRequest{
				ExecutionID: "exec-1",
				Type:        store.EventNodeCompleted,
				NodeID:      "charge",
			})
			return "charged", err
		})
	if err != nil {
		t.Fatalf("ExecuteInTransaction: %v", err)
	}
	if result != "charged" {
		t.Errorf("result = %v", result)
	}

	assertTypes(t, timelineTypes(t, s, "exec-1"), []store.EventType{
		store.EventTransactionStarted,
		store.EventNodeCompleted,
		store.EventTransactionCommitted,
	})

	if n := len(m.ActiveTransactions()); n != 0 {
		t.Errorf("%d transactions still active after commit", n)
	}
}

func TestExecuteInTransactionRollback(t *testing.T) {
	s := store.NewMemStore()
	m := NewManager(s, nil)
	ctx := context.Background()

	boom := errors.New("charge declined")
	_, err := m.ExecuteInTransaction(ctx, Boundary{ExecutionID: "exec-1", NodeID: "charge"},
		func(ctx context.Context) (any, error) {
			if _, err := s.Append(ctx, store.AppendRequest{
				ExecutionID: "exec-1",
				Type:        store.EventNodeCompleted,
				NodeID:      "charge",
			}); err != nil {
				return nil, err
			}
			return nil, boom
		})
	if !errors.Is(err, flow.ErrTransactionFailed) {
		t.Fatalf("err = %v, want ErrTransactionFailed", err)
	}
	if !errors.Is(err, boom) {
		t.Errorf("cause not preserved: %v", err)
	}

	// The in-transaction write is gone; only the boundary events remain.
	assertTypes(t, timelineTypes(t, s, "exec-1"), []store.EventType{
		store.EventTransactionStarted,
		store.EventTransactionRolledBack,
	})
}

func TestPreCommitValidator(t *testing.T) {
	s := store.NewMemStore()
	m := NewManager(s, nil)
	ctx := context.Background()

	opRan := false
	_, err := m.ExecuteInTransaction(ctx, Boundary{
		ExecutionID: "exec-1",
		NodeID:      "charge",
		PreCommitValidator: func(ctx context.Context) error {
			return errors.New("insufficient balance")
		},
	}, func(ctx context.Context) (any, error) {
		opRan = true
		return nil, nil
	})
	if !errors.Is(err, flow.ErrTransactionValidation) {
		t.Fatalf("err = %v, want ErrTransactionValidation", err)
	}
	if errors.Is(err, flow.ErrTransactionFailed) {
		t.Error("validation rejection must not read as an infrastructure failure")
	}
	if opRan {
		t.Error("operation must not run after validator rejection")
	}
}

func TestRequireResult(t *testing.T) {
	s := store.NewMemStore()
	m := NewManager(s, nil)

	_, err := m.ExecuteInTransaction(context.Background(), Boundary{
		ExecutionID:   "exec-1",
		NodeID:        "charge",
		RequireResult: true,
	}, func(ctx context.Context) (any, error) {
		return nil, nil
	})
	if !errors.Is(err, flow.ErrTransactionValidation) {
		t.Errorf("nil result err = %v, want ErrTransactionValidation", err)
	}
}

func TestForceRollback(t *testing.T) {
	s := store.NewMemStore()
	m := NewManager(s, nil)
	ctx := context.Background()

	_, err := m.ExecuteInTransaction(ctx, Boundary{ExecutionID: "exec-1", NodeID: "charge"},
		func(ctx context.Context) (any, error) {
			// Simulate an operator forcing the in-flight boundary down from
			// the monitoring view.
			active := m.ActiveTransactions()
			if len(active) != 1 {
				t.Fatalf("%d active transactions, want 1", len(active))
			}
			if active[0].ExecutionID != "exec-1" || active[0].NodeID != "charge" {
				t.Errorf("active snapshot = %+v", active[0])
			}
			if !m.ForceRollback(active[0].ID) {
				t.Fatal("ForceRollback returned false for a live boundary")
			}
			return "done", nil
		})
	if !errors.Is(err, flow.ErrTransactionFailed) {
		t.Fatalf("forced boundary err = %v, want ErrTransactionFailed", err)
	}

	types := timelineTypes(t, s, "exec-1")
	if types[len(types)-1] != store.EventTransactionRolledBack {
		t.Errorf("last event = %s, want TRANSACTION_ROLLED_BACK", types[len(types)-1])
	}

	if m.ForceRollback("txn-unknown") {
		t.Error("ForceRollback of unknown transaction must return false")
	}
}

func TestCheckIdempotency(t *testing.T) {
	s := store.NewMemStore()
	m := NewManager(s, nil)
	ctx := context.Background()

	ok, err := m.CheckIdempotency(ctx, "op-key-1")
	if err != nil || ok {
		t.Fatalf("fresh key = (%v, %v), want (false, nil)", ok, err)
	}

	if _, err := s.Append(ctx, store.AppendRequest{
		ExecutionID:    "exec-1",
		Type:           store.EventNodeCompleted,
		IdempotencyKey: "op-key-1",
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	ok, err = m.CheckIdempotency(ctx, "op-key-1")
	if err != nil || !ok {
		t.Errorf("recorded key = (%v, %v), want (true, nil)", ok, err)
	}
}

func TestTwoPhaseCommitSuccess(t *testing.T) {
	s := store.NewMemStore()
	registry := comp.NewRegistry(s)
	m := NewManager(s, registry)

	var compensated bool
	result, err := m.ExecuteWithTwoPhaseCommit(context.Background(), TwoPhaseOperation{
		ExecutionID: "exec-1",
		NodeID:      "charge",
		Prepare: func(ctx context.Context) (any, error) {
			return "auth-token", nil
		},
		Commit: func(ctx context.Context, prepared any) (any, error) {
			if prepared != "auth-token" {
				t.Errorf("prepared = %v", prepared)
			}
			return "captured", nil
		},
		Compensation: func(ctx context.Context, req comp.Request) error {
			compensated = true
			return nil
		},
	})
	if err != nil {
		t.Fatalf("ExecuteWithTwoPhaseCommit: %v", err)
	}
	if result != "captured" {
		t.Errorf("result = %v", result)
	}
	if compensated {
		t.Error("compensation must not run on success")
	}

	// The compensation stays registered for later workflow-level rollback.
	if !registry.HasHandlerForNode("exec-1", "charge") {
		t.Error("compensation not registered after prepare")
	}
}

func TestTwoPhaseCommitFailureCompensates(t *testing.T) {
	s := store.NewMemStore()
	registry := comp.NewRegistry(s)
	m := NewManager(s, registry)

	var compensated bool
	_, err := m.ExecuteWithTwoPhaseCommit(context.Background(), TwoPhaseOperation{
		ExecutionID: "exec-1",
		NodeID:      "charge",
		Prepare: func(ctx context.Context) (any, error) {
			return "auth-token", nil
		},
		Commit: func(ctx context.Context, prepared any) (any, error) {
			return nil, errors.New("capture timed out")
		},
		Compensation: func(ctx context.Context, req comp.Request) error {
			if req.ExecutionID != "exec-1" || req.NodeID != "charge" {
				t.Errorf("compensation request = %+v", req)
			}
			compensated = true
			return nil
		},
	})
	if !errors.Is(err, flow.ErrTransactionFailed) {
		t.Fatalf("err = %v, want ErrTransactionFailed", err)
	}
	if !compensated {
		t.Error("compensation must run after a commit failure")
	}
	// The caller-visible error states that the prepared work was undone.
	if !strings.Contains(err.Error(), "compensated") {
		t.Errorf("err = %q, want mention of compensation", err)
	}
}

func TestTwoPhaseCommitCompensationFailureEscalates(t *testing.T) {
	s := store.NewMemStore()
	registry := comp.NewRegistry(s)
	m := NewManager(s, registry)

	_, err := m.ExecuteWithTwoPhaseCommit(context.Background(), TwoPhaseOperation{
		ExecutionID: "exec-1",
		NodeID:      "charge",
		Prepare: func(ctx context.Context) (any, error) {
			return "auth-token", nil
		},
		Commit: func(ctx context.Context, prepared any) (any, error) {
			return nil, errors.New("capture timed out")
		},
		Compensation: func(ctx context.Context, req comp.Request) error {
			return errors.New("void also failed")
		},
	})
	if !errors.Is(err, flow.ErrCompensationFailed) {
		t.Fatalf("err = %v, want ErrCompensationFailed", err)
	}
}

func TestTwoPhasePrepareFailureSkipsCommit(t *testing.T) {
	s := store.NewMemStore()
	m := NewManager(s, comp.NewRegistry(s))

	commitRan := false
	_, err := m.ExecuteWithTwoPhaseCommit(context.Background(), TwoPhaseOperation{
		ExecutionID: "exec-1",
		NodeID:      "charge",
		Prepare: func(ctx context.Context) (any, error) {
			return nil, errors.New("authorization declined")
		},
		Commit: func(ctx context.Context, prepared any) (any, error) {
			commitRan = true
			return nil, nil
		},
	})
	if !errors.Is(err, flow.ErrTransactionFailed) {
		t.Fatalf("err = %v, want ErrTransactionFailed", err)
	}
	if commitRan {
		t.Error("commit must not run after a failed prepare")
	}
}
