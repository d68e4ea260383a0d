// Package workflow starts named units of durable work and lets callers await
// their outcome by id.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrAlreadyStarted  = errors.New("workflow already running")
	ErrUnknownWorkflow = errors.New("unknown workflow")
	ErrNotFound        = errors.New("workflow not found")
	// ErrBusy is returned by a body whose run is already executing elsewhere.
	// The queue leaves such a unit unacknowledged instead of recording a result.
	ErrBusy = errors.New("workflow body already running")
)

// Func is the body of a workflow.
type Func func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// StartOptions identify a run and carry its arguments, which are JSON encoded.
type StartOptions struct {
	ID   string
	Args any
}

// Handle refers to one run.
type Handle interface {
	ID() string
	// Result blocks until the run finishes or ctx is done.
	Result(ctx context.Context) (json.RawMessage, error)
}

// Client starts runs and looks them up.
type Client interface {
	Start(ctx context.Context, name string, opts StartOptions) (Handle, error)
	GetHandle(id string) Handle
}

// Registry maps workflow names to their bodies.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

func NewRegistry() *Registry {
	return &Registry{funcs: map[string]Func{}}
}

func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[name] = fn
}

func (r *Registry) Lookup(name string) (Func, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkflow, name)
	}
	return fn, nil
}

func encodeArgs(args any) (json.RawMessage, error) {
	if args == nil {
		return nil, nil
	}
	if raw, ok := args.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("encode workflow args: %w", err)
	}
	return raw, nil
}

// Decode unmarshals workflow args or results into T.
func Decode[T any](raw json.RawMessage) (T, error) {
	var out T
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode workflow payload: %w", err)
	}
	return out, nil
}
