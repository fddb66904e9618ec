package runner

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rawblock/synthdata-engine/pkg/models"
)

// Run represents one submitted pipeline job and its lifecycle:
//
//	active    → pipeline executing
//	completed → outputs committed
//	failed    → a stage aborted; Error carries the cause
type Run struct {
	ID        string            `json:"id"`
	Status    models.RunStatus  `json:"status"`
	Config    *models.JobConfig `json:"config"`
	Outputs   *Outputs          `json:"outputs,omitempty"`
	Error     string            `json:"error,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// RunManager handles CRUD for pipeline runs.
type RunManager struct {
	mu   sync.RWMutex
	runs map[string]*Run
}

// NewRunManager creates an empty run registry.
func NewRunManager() *RunManager {
	return &RunManager{runs: make(map[string]*Run)}
}

// Create registers a new active run and returns it.
func (m *RunManager) Create(cfg *models.JobConfig) *Run {
	now := time.Now()
	run := &Run{
		ID:        uuid.New().String(),
		Status:    models.RunStatusActive,
		Config:    cfg,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.mu.Lock()
	m.runs[run.ID] = run
	m.mu.Unlock()
	return run
}

// Get returns a run by id.
func (m *RunManager) Get(id string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s not found", id)
	}
	return run, nil
}

// List returns every run, newest first.
func (m *RunManager) List() []*Run {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Run, 0, len(m.runs))
	for _, r := range m.runs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Complete marks a run finished with its outputs.
func (m *RunManager) Complete(id string, outputs *Outputs) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if run, ok := m.runs[id]; ok {
		run.Status = models.RunStatusCompleted
		run.Outputs = outputs
		run.UpdatedAt = time.Now()
	}
}

// Fail marks a run aborted with its error.
func (m *RunManager) Fail(id string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if run, ok := m.runs[id]; ok {
		run.Status = models.RunStatusFailed
		run.Error = err.Error()
		run.UpdatedAt = time.Now()
	}
}
