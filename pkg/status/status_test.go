package status

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/jnweiger/ocffs/pkg/errors"
	"github.com/jnweiger/ocffs/pkg/health"
)

func TestStartOperation(t *testing.T) {
	tr := NewTracker(DefaultTrackerConfig())

	op, ctx := tr.StartOperation(context.Background(), "mount", map[string]interface{}{"root": "/data"})
	if op.ID == "" {
		t.Fatal("operation has no ID")
	}
	if op.Status != StatusInProgress {
		t.Errorf("status = %s", op.Status)
	}
	select {
	case <-ctx.Done():
		t.Error("operation context done before completion")
	default:
	}

	ops := tr.GetAllOperations()
	if len(ops) != 1 || ops[0].ID != op.ID {
		t.Errorf("active operations = %v", ops)
	}
	if ops[0].Metadata["root"] != "/data" {
		t.Errorf("metadata = %v", ops[0].Metadata)
	}
}

func TestOperationIDsAreUnique(t *testing.T) {
	tr := NewTracker(DefaultTrackerConfig())
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		op, _ := tr.StartOperation(context.Background(), "materialize", nil)
		if seen[op.ID] {
			t.Fatalf("duplicate ID %s", op.ID)
		}
		seen[op.ID] = true
	}
}

func TestCompleteOperationMovesToHistory(t *testing.T) {
	tr := NewTracker(DefaultTrackerConfig())
	op, ctx := tr.StartOperation(context.Background(), "mount", nil)

	if err := tr.CompleteOperation(op.ID); err != nil {
		t.Fatalf("CompleteOperation: %v", err)
	}
	select {
	case <-ctx.Done():
	default:
		t.Error("operation context still live after completion")
	}

	if len(tr.GetAllOperations()) != 0 {
		t.Error("operation still active")
	}
	hist := tr.GetHistory(0)
	if len(hist) != 1 {
		t.Fatalf("history has %d entries", len(hist))
	}
	if hist[0].Status != StatusCompleted || hist[0].EndTime == nil {
		t.Errorf("history entry = %+v", hist[0])
	}
}

func TestFailOperationRecordsError(t *testing.T) {
	tr := NewTracker(DefaultTrackerConfig())
	op, _ := tr.StartOperation(context.Background(), "mount", nil)

	cause := errors.New(errors.ErrCodeMountFailed, "fusermount refused")
	if err := tr.FailOperation(op.ID, cause); err != nil {
		t.Fatalf("FailOperation: %v", err)
	}

	hist := tr.GetHistory(1)
	if len(hist) != 1 {
		t.Fatal("no history entry")
	}
	if hist[0].Status != StatusFailed {
		t.Errorf("status = %s", hist[0].Status)
	}
	if hist[0].Error == nil || hist[0].Error.Code != errors.ErrCodeMountFailed {
		t.Errorf("error = %+v", hist[0].Error)
	}
}

func TestFailOperationWrapsPlainErrors(t *testing.T) {
	tr := NewTracker(DefaultTrackerConfig())
	op, _ := tr.StartOperation(context.Background(), "materialize", nil)

	if err := tr.FailOperation(op.ID, fmt.Errorf("socket gone")); err != nil {
		t.Fatalf("FailOperation: %v", err)
	}
	hist := tr.GetHistory(1)
	if hist[0].Error == nil || hist[0].Error.Code != errors.ErrCodeOperationFailed {
		t.Errorf("error = %+v", hist[0].Error)
	}
}

func TestCancelOperation(t *testing.T) {
	tr := NewTracker(DefaultTrackerConfig())
	op, _ := tr.StartOperation(context.Background(), "mount", nil)

	if err := tr.CancelOperation(op.ID); err != nil {
		t.Fatalf("CancelOperation: %v", err)
	}
	if tr.GetHistory(1)[0].Status != StatusCanceled {
		t.Error("not canceled")
	}
}

func TestFinishUnknownOperation(t *testing.T) {
	tr := NewTracker(DefaultTrackerConfig())
	err := tr.CompleteOperation("mount-999")
	if err == nil {
		t.Fatal("expected error")
	}
	var fsErr *errors.FSError
	if !stderrors.As(err, &fsErr) || fsErr.Code != errors.ErrCodeOperationNotFound {
		t.Errorf("err = %v", err)
	}
}

func TestGetOperationReturnsCopy(t *testing.T) {
	tr := NewTracker(DefaultTrackerConfig())
	op, _ := tr.StartOperation(context.Background(), "mount", map[string]interface{}{"k": "v"})

	got, err := tr.GetOperation(op.ID)
	if err != nil {
		t.Fatal(err)
	}
	got.Metadata["k"] = "mutated"
	again, _ := tr.GetOperation(op.ID)
	if again.Metadata["k"] != "v" {
		t.Error("tracker state mutated through returned copy")
	}
}

func TestHistoryBoundAndOrder(t *testing.T) {
	tr := NewTracker(TrackerConfig{MaxHistorySize: 3})
	var last string
	for i := 0; i < 5; i++ {
		op, _ := tr.StartOperation(context.Background(), "materialize", nil)
		tr.CompleteOperation(op.ID)
		last = op.ID
	}

	hist := tr.GetHistory(0)
	if len(hist) != 3 {
		t.Fatalf("history has %d entries, want 3", len(hist))
	}
	if hist[0].ID != last {
		t.Errorf("newest first: got %s, want %s", hist[0].ID, last)
	}

	if got := tr.GetHistory(2); len(got) != 2 {
		t.Errorf("GetHistory(2) returned %d", len(got))
	}
}

func TestGetSystemStatus(t *testing.T) {
	ht := health.NewTracker(health.DefaultConfig())
	ht.RegisterComponent("fuse")
	ht.RegisterComponent("control")

	tr := NewTracker(TrackerConfig{MaxHistorySize: 10, HealthTracker: ht})
	tr.StartOperation(context.Background(), "mount", nil)
	tr.StartOperation(context.Background(), "materialize", nil)
	tr.StartOperation(context.Background(), "materialize", nil)

	s := tr.GetSystemStatus()
	if s.ActiveOps != 3 {
		t.Errorf("ActiveOps = %d", s.ActiveOps)
	}
	if s.OperationsByType["materialize"] != 2 || s.OperationsByType["mount"] != 1 {
		t.Errorf("OperationsByType = %v", s.OperationsByType)
	}
	if s.HealthState != health.StateHealthy {
		t.Errorf("HealthState = %v", s.HealthState)
	}
	if len(s.ComponentHealth) != 2 {
		t.Errorf("ComponentHealth = %v", s.ComponentHealth)
	}
}
