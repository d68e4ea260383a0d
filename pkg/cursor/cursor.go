// Package cursor walks large ordered datasets page by page, persisting its
// position after every page so a crashed or suspended job resumes exactly
// after the last completed page.
package cursor

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrContinue is returned when a run stopped at its page budget; Drive re-enters.
	ErrContinue = errors.New("cursor: page budget reached, continue in a new run")
	// ErrStalled is returned when a page's last key does not move the cursor forward.
	ErrStalled = errors.New("cursor: page did not advance the cursor")
)

// Key orders items by timestamp, then id. A zero timestamp orders by id only.
type Key struct {
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
	ID        string    `json:"id" yaml:"id"`
}

// After reports whether k sorts strictly after o.
func (k Key) After(o Key) bool {
	if !k.Timestamp.Equal(o.Timestamp) {
		return k.Timestamp.After(o.Timestamp)
	}
	return k.ID > o.ID
}

func (k Key) IsZero() bool {
	return k.Timestamp.IsZero() && k.ID == ""
}

// State is the persisted progress of one job.
type State struct {
	Cursor    Key   `json:"cursor" yaml:"cursor"`
	Processed int64 `json:"processed" yaml:"processed"`
	Succeeded int64 `json:"succeeded" yaml:"succeeded"`
	Failed    int64 `json:"failed" yaml:"failed"`
	Skipped   int64 `json:"skipped" yaml:"skipped"`
	Pages     int   `json:"pages" yaml:"pages"`
	Runs      int   `json:"runs" yaml:"runs"`
	Done      bool  `json:"done" yaml:"done"`
}

// StateStore persists job state between pages and runs.
type StateStore interface {
	// Load returns the zero State for an unknown job.
	Load(ctx context.Context, jobID string) (State, error)
	Save(ctx context.Context, jobID string, state State) error
}

// MemoryStateStore keeps state in process memory.
type MemoryStateStore struct {
	mu     sync.Mutex
	states map[string]State
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: map[string]State{}}
}

func (m *MemoryStateStore) Load(_ context.Context, jobID string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[jobID], nil
}

func (m *MemoryStateStore) Save(_ context.Context, jobID string, state State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[jobID] = state
	return nil
}
