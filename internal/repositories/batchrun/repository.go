package batchrun

import (
	"context"

	"github.com/Gobusters/ectologger"

	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/cursor"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/database"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/tracing"
)

// Repository persists cursor job state so a batch job survives a restart.
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

func (r *Repository) Load(ctx context.Context, jobID string) (cursor.State, error) {
	ctx, span := tracing.StartSpan(ctx, "batchrun.Repository.Load")
	defer span.End()

	var state database.JSONB[cursor.State]
	err := database.Conn(ctx, r.db).GetContext(ctx, &state, `SELECT state FROM batch_runs WHERE job_id = $1`, jobID)
	if database.IsNoRows(err) {
		return cursor.State{}, nil
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("job_id", jobID).Error("Failed to load batch run")
		return cursor.State{}, database.Classify(err, "load batch run %s", jobID)
	}
	return state.GetValue(), nil
}

func (r *Repository) Save(ctx context.Context, jobID string, state cursor.State) error {
	ctx, span := tracing.StartSpan(ctx, "batchrun.Repository.Save")
	defer span.End()

	_, err := database.Conn(ctx, r.db).ExecContext(ctx, `
		INSERT INTO batch_runs (job_id, state, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (job_id) DO UPDATE SET state = EXCLUDED.state, updated_at = EXCLUDED.updated_at`,
		jobID, database.NewJSONB(state))
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("job_id", jobID).Error("Failed to save batch run")
		return database.Classify(err, "save batch run %s", jobID)
	}
	return nil
}
