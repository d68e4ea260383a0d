package workflow

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"golang.org/x/sync/semaphore"

	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/metrics"
)

const (
	DefaultMaxConcurrent = 8
	// DefaultRetention is how long a finished run stays reachable by id.
	DefaultRetention = 10 * time.Minute
)

// Runner executes workflows in this process. At most MaxConcurrent bodies run
// at once; the rest wait for a slot. Finished runs are forgotten once they
// are older than the retention.
type Runner struct {
	registry  *Registry
	sem       *semaphore.Weighted
	logger    ectologger.Logger
	retention time.Duration
	now       func() time.Time

	mu   sync.Mutex
	runs map[string]*run
	wg   sync.WaitGroup
}

type run struct {
	id       string
	done     chan struct{}
	result   json.RawMessage
	err      error
	finished time.Time
}

var _ Client = (*Runner)(nil)

// RunnerOption tunes a Runner.
type RunnerOption func(*Runner)

// WithRetention sets how long finished runs are kept.
func WithRetention(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.retention = d
		}
	}
}

func NewRunner(registry *Registry, maxConcurrent int64, logger ectologger.Logger, opts ...RunnerOption) *Runner {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	r := &Runner{
		registry:  registry,
		sem:       semaphore.NewWeighted(maxConcurrent),
		logger:    logger,
		retention: DefaultRetention,
		now:       time.Now,
		runs:      map[string]*run{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches name under opts.ID. A run with the same id that is still
// going is rejected with ErrAlreadyStarted; a finished one is replaced.
// The body runs detached from ctx's cancellation.
func (r *Runner) Start(ctx context.Context, name string, opts StartOptions) (Handle, error) {
	fn, err := r.registry.Lookup(name)
	if err != nil {
		return nil, err
	}
	args, err := encodeArgs(opts.Args)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.prune()
	if existing, ok := r.runs[opts.ID]; ok {
		select {
		case <-existing.done:
		default:
			r.mu.Unlock()
			return nil, ErrAlreadyStarted
		}
	}
	rn := &run{id: opts.ID, done: make(chan struct{})}
	r.runs[opts.ID] = rn
	r.wg.Add(1)
	r.mu.Unlock()

	detached := context.WithoutCancel(ctx)
	go func() {
		defer r.wg.Done()
		defer r.settle(rn)

		if err := r.sem.Acquire(detached, 1); err != nil {
			rn.err = err
			return
		}
		defer r.sem.Release(1)

		metrics.WorkflowUnitsInFlight.Inc()
		defer metrics.WorkflowUnitsInFlight.Dec()

		r.logger.WithContext(detached).Debugf("Running workflow %s (%s)", name, opts.ID)
		rn.result, rn.err = fn(detached, args)
		if rn.err != nil {
			metrics.RecordWorkflowUnit(name, "failed")
			r.logger.WithContext(detached).WithError(rn.err).Warnf("Workflow %s (%s) failed", name, opts.ID)
			return
		}
		metrics.RecordWorkflowUnit(name, "succeeded")
	}()

	return rn, nil
}

func (r *Runner) settle(rn *run) {
	r.mu.Lock()
	rn.finished = r.now()
	r.mu.Unlock()
	close(rn.done)
}

// prune must be called with r.mu held.
func (r *Runner) prune() {
	cutoff := r.now().Add(-r.retention)
	for id, rn := range r.runs {
		if !rn.finished.IsZero() && rn.finished.Before(cutoff) {
			delete(r.runs, id)
		}
	}
}

func (r *Runner) GetHandle(id string) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rn, ok := r.runs[id]; ok {
		return rn
	}
	return missing(id)
}

// Wait blocks until every started run has finished or ctx is done.
func (r *Runner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (rn *run) ID() string { return rn.id }

func (rn *run) Result(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-rn.done:
		return rn.result, rn.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type missing string

func (m missing) ID() string { return string(m) }

func (m missing) Result(context.Context) (json.RawMessage, error) {
	return nil, ErrNotFound
}
