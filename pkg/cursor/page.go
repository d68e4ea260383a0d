package cursor

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/errs"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/retry"
)

type pageOutcome struct {
	succeeded int
	failed    int
	skipped   int
	fatal     error
}

// processPage runs the page's handlers on at most Concurrency goroutines. A
// page-fatal result stops the handlers not yet started; the outcome then
// carries only the error.
func (r *Runner[T]) processPage(ctx context.Context, cursor Key, items []T) pageOutcome {
	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]error, len(items))
	var g errgroup.Group
	g.SetLimit(r.cfg.Concurrency)
	for i, item := range items {
		g.Go(func() error {
			if err := workerCtx.Err(); err != nil {
				results[i] = err
				return nil
			}
			results[i] = r.handle(workerCtx, item)
			if results[i] != nil && r.cfg.IsPageFatal(results[i]) {
				cancel()
			}
			return nil
		})
	}
	_ = g.Wait()

	var outcome pageOutcome
	for _, err := range results {
		if err != nil && r.cfg.IsPageFatal(err) {
			outcome.fatal = err
			return outcome
		}
	}
	for i, err := range results {
		switch {
		case err == nil:
			outcome.succeeded++
		case errors.Is(err, errs.ErrStaleTarget):
			outcome.skipped++
			r.logItem(ctx, cursor, items[i], err, false)
		default:
			outcome.failed++
			r.logItem(ctx, cursor, items[i], err, true)
		}
	}
	return outcome
}

func (r *Runner[T]) handle(ctx context.Context, item T) error {
	if r.cfg.Retry == nil {
		return r.cfg.Handle(ctx, item)
	}
	return retry.Do(ctx, *r.cfg.Retry, r.cfg.Logger, r.cfg.Name, func(ctx context.Context) error {
		return r.cfg.Handle(ctx, item)
	})
}

func (r *Runner[T]) logItem(ctx context.Context, cursor Key, item T, err error, failed bool) {
	key := r.cfg.KeyOf(item)
	fields := map[string]any{
		"job":       r.cfg.Name,
		"job_id":    r.cfg.JobID,
		"cursor_ts": cursor.Timestamp,
		"cursor_id": cursor.ID,
		"item_ts":   key.Timestamp,
		"item_id":   key.ID,
	}
	if r.cfg.Fields != nil {
		for k, v := range r.cfg.Fields(item) {
			fields[k] = v
		}
	}
	logger := r.cfg.Logger.WithContext(ctx).WithError(err).WithFields(fields)
	if failed {
		logger.Error("Cursor item failed")
		return
	}
	logger.Info("Cursor item skipped, target no longer exists")
}
