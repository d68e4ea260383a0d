package watermark

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/database"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/tracing"
)

// Repository stores named high-water marks of scheduled jobs
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

// Get returns the zero time for a job that never advanced its mark.
func (r *Repository) Get(ctx context.Context, name string) (time.Time, error) {
	ctx, span := tracing.StartSpan(ctx, "watermark.Repository.Get")
	defer span.End()

	var at time.Time
	err := database.Conn(ctx, r.db).GetContext(ctx, &at, `SELECT value FROM job_watermarks WHERE name = $1`, name)
	if database.IsNoRows(err) {
		return time.Time{}, nil
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("name", name).Error("Failed to get watermark")
		return time.Time{}, database.Classify(err, "get watermark %s", name)
	}
	return at.UTC(), nil
}

func (r *Repository) Set(ctx context.Context, name string, at time.Time) error {
	ctx, span := tracing.StartSpan(ctx, "watermark.Repository.Set")
	defer span.End()

	_, err := database.Conn(ctx, r.db).ExecContext(ctx, `
		INSERT INTO job_watermarks (name, value, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		name, at.UTC())
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("name", name).Error("Failed to set watermark")
		return database.Classify(err, "set watermark %s", name)
	}
	return nil
}
