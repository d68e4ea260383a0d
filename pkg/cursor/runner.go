package cursor

import (
	"context"
	"errors"
	"fmt"

	"github.com/Gobusters/ectologger"

	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/errs"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/metrics"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/retry"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/tracing"
)

const (
	DefaultPageSize    = 500
	DefaultConcurrency = 20
	MaxConcurrency     = 50
)

// Config describes one resumable job over items of type T.
type Config[T any] struct {
	// Name labels metrics and logs; JobID keys the persisted state.
	Name  string
	JobID string

	PageSize       int
	Concurrency    int
	MaxPagesPerRun int
	// DryRun processes exactly one page.
	DryRun bool

	// Fetch returns up to limit items strictly after the cursor, in key order.
	Fetch func(ctx context.Context, after Key, limit int) ([]T, error)
	KeyOf func(item T) Key
	// Handle processes one item. errs.ErrStaleTarget counts as skipped.
	Handle func(ctx context.Context, item T) error
	// Fields adds identifying context to per-item failure logs.
	Fields func(item T) map[string]any
	// IsPageFatal classifies errors that abort the page; errs.IsPageFatal when nil.
	IsPageFatal func(err error) bool
	// Retry, when set, retries each item's transient failures before counting them.
	Retry *retry.Policy

	Store  StateStore
	Logger ectologger.Logger
}

// Runner drives a Config through pages.
type Runner[T any] struct {
	cfg Config[T]
}

func NewRunner[T any](cfg Config[T]) (*Runner[T], error) {
	if cfg.Fetch == nil || cfg.KeyOf == nil || cfg.Handle == nil {
		return nil, errs.Validation("cursor job %s needs Fetch, KeyOf and Handle", cfg.JobID)
	}
	if cfg.JobID == "" {
		return nil, errs.Validation("cursor job needs an id")
	}
	if cfg.Name == "" {
		cfg.Name = cfg.JobID
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Concurrency > MaxConcurrency {
		cfg.Concurrency = MaxConcurrency
	}
	if cfg.IsPageFatal == nil {
		cfg.IsPageFatal = errs.IsPageFatal
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryStateStore()
	}
	if cfg.Logger == nil {
		cfg.Logger = ectologger.NewEctoLogger(func(ectologger.EctoLogMessage) {})
	}
	return &Runner[T]{cfg: cfg}, nil
}

// Run processes pages from the persisted cursor until the data is exhausted,
// the page budget is spent (ErrContinue), ctx is cancelled between pages, or a
// page fails fatally. The returned State is the last persisted one.
func (r *Runner[T]) Run(ctx context.Context) (State, error) {
	ctx, span := tracing.StartSpan(ctx, "cursor.Runner.Run")
	defer span.End()

	logger := r.cfg.Logger.WithContext(ctx).WithFields(map[string]any{
		"job":    r.cfg.Name,
		"job_id": r.cfg.JobID,
	})

	state, err := r.cfg.Store.Load(ctx, r.cfg.JobID)
	if err != nil {
		return state, fmt.Errorf("load cursor state for %s: %w", r.cfg.JobID, err)
	}
	if state.Done {
		return state, nil
	}
	state.Runs++

	for pages := 0; ; {
		if err := ctx.Err(); err != nil {
			logger.Infof("Cursor job cancelled at page %d", state.Pages)
			return state, err
		}

		// A started page finishes even if the caller is cancelled meanwhile.
		work := context.WithoutCancel(ctx)
		items, err := r.cfg.Fetch(work, state.Cursor, r.cfg.PageSize)
		if err != nil {
			metrics.RecordCursorPage(r.cfg.Name, "fetch_error")
			logger.WithError(err).Errorf("Failed to fetch page after %s/%s", state.Cursor.Timestamp, state.Cursor.ID)
			return state, fmt.Errorf("fetch page for %s: %w", r.cfg.JobID, err)
		}

		if len(items) == 0 {
			state.Done = true
			if err := r.cfg.Store.Save(work, r.cfg.JobID, state); err != nil {
				return state, fmt.Errorf("save cursor state for %s: %w", r.cfg.JobID, err)
			}
			metrics.RecordCursorPage(r.cfg.Name, "empty")
			logger.WithFields(map[string]any{
				"processed": state.Processed,
				"succeeded": state.Succeeded,
				"failed":    state.Failed,
				"skipped":   state.Skipped,
				"pages":     state.Pages,
				"runs":      state.Runs,
			}).Info("Cursor job completed")
			return state, nil
		}

		last := r.cfg.KeyOf(items[len(items)-1])
		if !last.After(state.Cursor) {
			metrics.RecordCursorPage(r.cfg.Name, "stalled")
			logger.Errorf("Page ending at %s/%s does not advance the cursor", last.Timestamp, last.ID)
			return state, ErrStalled
		}

		outcome := r.processPage(work, state.Cursor, items)
		if outcome.fatal != nil {
			metrics.RecordCursorPage(r.cfg.Name, "fatal")
			logger.WithError(outcome.fatal).Errorf("Page after %s/%s aborted", state.Cursor.Timestamp, state.Cursor.ID)
			return state, outcome.fatal
		}

		state.Cursor = last
		state.Processed += int64(len(items))
		state.Succeeded += int64(outcome.succeeded)
		state.Failed += int64(outcome.failed)
		state.Skipped += int64(outcome.skipped)
		state.Pages++
		if err := r.cfg.Store.Save(work, r.cfg.JobID, state); err != nil {
			return state, fmt.Errorf("save cursor state for %s: %w", r.cfg.JobID, err)
		}
		metrics.RecordCursorPage(r.cfg.Name, "ok")
		metrics.RecordCursorItems(r.cfg.Name, outcome.succeeded, outcome.failed, outcome.skipped)
		pages++

		if r.cfg.DryRun {
			logger.Infof("Dry run processed one page of %d items", len(items))
			return state, nil
		}
		if r.cfg.MaxPagesPerRun > 0 && pages >= r.cfg.MaxPagesPerRun {
			logger.Debugf("Page budget of %d reached, continuing", r.cfg.MaxPagesPerRun)
			return state, ErrContinue
		}
	}
}

// Drive re-enters Run after every continuation until it finishes or fails.
func Drive[T any](ctx context.Context, r *Runner[T]) (State, error) {
	for {
		state, err := r.Run(ctx)
		if errors.Is(err, ErrContinue) {
			continue
		}
		return state, err
	}
}
