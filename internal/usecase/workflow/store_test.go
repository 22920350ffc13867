package workflow

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"cidadao-ai/internal/domain"
)

func newTestRun(id string, started time.Time) domain.WorkflowResult {
	return domain.WorkflowResult{
		ExecutionID: id,
		WorkflowID:  "audit",
		Pattern:     domain.PatternSequential,
		Status:      domain.WorkflowCompleted,
		Output:      map[string]any{"anomalies": float64(2)},
		Steps:       []domain.StepResult{{StepID: "s1", AgentName: "zumbi", Status: domain.StepCompleted, Attempts: 1}},
		StartedAt:   started,
		CompletedAt: started.Add(time.Second),
		Duration:    time.Second,
	}
}

func TestFileStoreSaveAndGet(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	ctx := context.Background()
	if err := store.SaveRun(ctx, newTestRun("run-1", time.Now())); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	got, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.WorkflowID != "audit" || got.Output["anomalies"] != float64(2) {
		t.Errorf("unexpected run: %+v", got)
	}
}

func TestFileStoreGetMissing(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	_, err = store.GetRun(context.Background(), "nope")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if code := domain.ErrorCodeOf(err); code != domain.CodeRunNotFound {
		t.Errorf("code = %s, want %s", code, domain.CodeRunNotFound)
	}
}

func TestFileStoreRejectsEmptyID(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err := store.SaveRun(context.Background(), domain.WorkflowResult{}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestFileStoreListNewestFirst(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	ctx := context.Background()
	now := time.Now()
	for i, id := range []string{"run-1", "run-2", "run-3"} {
		if err := store.SaveRun(ctx, newTestRun(id, now.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatalf("SaveRun: %v", err)
		}
	}

	runs, err := store.ListRuns(ctx, 2)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].ExecutionID != "run-3" || runs[1].ExecutionID != "run-2" {
		t.Errorf("order = %s, %s", runs[0].ExecutionID, runs[1].ExecutionID)
	}
}

func TestFileStoreDelete(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	ctx := context.Background()
	store.SaveRun(ctx, newTestRun("run-1", time.Now()))

	if err := store.DeleteRun(ctx, "run-1"); err != nil {
		t.Fatalf("DeleteRun: %v", err)
	}
	if _, err := store.GetRun(ctx, "run-1"); err == nil {
		t.Error("expected error after delete")
	}
	if err := store.DeleteRun(ctx, "run-1"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("second delete: %v", err)
	}
}

func TestFileStorePersistence(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store1, err := NewFileStore(dir, 0)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	store1.SaveRun(ctx, newTestRun("run-persist", time.Now()))

	store2, err := NewFileStore(dir, 0)
	if err != nil {
		t.Fatalf("NewFileStore (reload): %v", err)
	}
	got, err := store2.GetRun(ctx, "run-persist")
	if err != nil {
		t.Fatalf("GetRun after reload: %v", err)
	}
	if got.Steps[0].AgentName != "zumbi" {
		t.Errorf("steps not restored: %+v", got.Steps)
	}
}

func TestFileStoreEvictsOldest(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), 3)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	ctx := context.Background()
	base := time.Now()
	for i := range 5 {
		if err := store.SaveRun(ctx, newTestRun(fmt.Sprintf("run-%d", i), base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("SaveRun: %v", err)
		}
	}

	runs, _ := store.ListRuns(ctx, 0)
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs after eviction, got %d", len(runs))
	}
	for _, gone := range []string{"run-0", "run-1"} {
		if _, err := store.GetRun(ctx, gone); err == nil {
			t.Errorf("%s should have been evicted", gone)
		}
	}
}
