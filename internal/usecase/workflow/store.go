package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"cidadao-ai/internal/domain"
)

// DefaultMaxRuns bounds how many finished runs a FileStore keeps.
const DefaultMaxRuns = 100

const runsFile = "workflow_runs.json"

// FileStore implements domain.RunStore with a single JSON file. The oldest
// runs are evicted once MaxRuns is exceeded.
type FileStore struct {
	dir     string
	maxRuns int

	mu   sync.RWMutex
	runs map[string]domain.WorkflowResult
}

// NewFileStore opens (or creates) a store in dir. maxRuns <= 0 selects
// DefaultMaxRuns.
func NewFileStore(dir string, maxRuns int) (*FileStore, error) {
	if maxRuns <= 0 {
		maxRuns = DefaultMaxRuns
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("runstore: create dir: %w", err)
	}

	s := &FileStore{
		dir:     dir,
		maxRuns: maxRuns,
		runs:    make(map[string]domain.WorkflowResult),
	}
	if err := s.load(); err != nil {
		return nil, fmt.Errorf("runstore: load: %w", err)
	}
	return s, nil
}

// SaveRun stores run, replacing any run with the same execution ID.
func (s *FileStore) SaveRun(_ context.Context, run domain.WorkflowResult) error {
	if run.ExecutionID == "" {
		return domain.NewSubSystemError("run", "FileStore.SaveRun", domain.ErrInvalidInput, "execution id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.runs[run.ExecutionID] = run
	if len(s.runs) > s.maxRuns {
		s.evictOldest()
	}
	if err := s.persist(); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrStoreWrite, err)
	}
	return nil
}

// GetRun returns the run with executionID.
func (s *FileStore) GetRun(_ context.Context, executionID string) (*domain.WorkflowResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[executionID]
	if !ok {
		return nil, domain.NewSubSystemError("run", "FileStore.GetRun", domain.ErrNotFound, executionID)
	}
	return &run, nil
}

// ListRuns returns up to limit runs, newest first. limit <= 0 returns all.
func (s *FileStore) ListRuns(_ context.Context, limit int) ([]domain.WorkflowResult, error) {
	s.mu.RLock()
	runs := make([]domain.WorkflowResult, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r)
	}
	s.mu.RUnlock()

	sortNewestFirst(runs)
	if limit > 0 && limit < len(runs) {
		runs = runs[:limit]
	}
	return runs, nil
}

// DeleteRun removes a stored run.
func (s *FileStore) DeleteRun(_ context.Context, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[executionID]; !ok {
		return domain.NewSubSystemError("run", "FileStore.DeleteRun", domain.ErrNotFound, executionID)
	}
	delete(s.runs, executionID)
	return s.persist()
}

func (s *FileStore) path() string {
	return filepath.Join(s.dir, runsFile)
}

func (s *FileStore) load() error {
	data, err := os.ReadFile(s.path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return domain.WrapOp("read", err)
	}

	var runs []domain.WorkflowResult
	if err := json.Unmarshal(data, &runs); err != nil {
		return fmt.Errorf("parse %s: %w", runsFile, err)
	}
	for _, r := range runs {
		s.runs[r.ExecutionID] = r
	}
	return nil
}

func (s *FileStore) persist() error {
	runs := make([]domain.WorkflowResult, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r)
	}
	sortNewestFirst(runs)
	return writeJSON(s.path(), runs)
}

// evictOldest drops runs by start time until the store fits maxRuns.
func (s *FileStore) evictOldest() {
	runs := make([]domain.WorkflowResult, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.Before(runs[j].StartedAt) })
	for _, r := range runs {
		if len(s.runs) <= s.maxRuns {
			break
		}
		delete(s.runs, r.ExecutionID)
	}
}

func sortNewestFirst(runs []domain.WorkflowResult) {
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].StartedAt.After(runs[j].StartedAt)
		}
		return runs[i].ExecutionID > runs[j].ExecutionID
	})
}

// writeJSON atomically writes v as indented JSON to path.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return domain.WrapOp("marshal", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return domain.WrapOp("write", err)
	}
	return os.Rename(tmp, path)
}
