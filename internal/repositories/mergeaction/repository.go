package mergeaction

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"
	"github.com/lib/pq"

	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/database"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/errs"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/models"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/tracing"
)

const (
	tableName = "merge_actions"
	// inFlightPairIndex allows one pending or in-progress action per unordered pair.
	inFlightPairIndex = "merge_actions_in_flight_pair_idx"
)

var columns = []string{"id", "tenant_id", "type", "primary_id", "secondary_id", "step", "state",
	"unmerge_backup", "action_by", "error", "created_at", "updated_at"}

var inFlightStates = []any{string(models.StatePending), string(models.StateInProgress)}

type row struct {
	models.MergeAction
	Backup database.JSONB[models.Backup] `db:"unmerge_backup"`
}

func (r row) toModel() models.MergeAction {
	a := r.MergeAction
	if r.Backup.Valid {
		b := r.Backup.GetValue()
		a.UnmergeBackup = &b
	}
	return a
}

func backupValue(b *models.Backup) database.JSONB[models.Backup] {
	if b == nil {
		return database.JSONB[models.Backup]{}
	}
	return database.NewJSONB(*b)
}

// Repository persists merge actions. Rows are never deleted.
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

// Create inserts the action. The partial unique index on in-flight pairs turns
// a racing second action into a concurrent merge conflict.
func (r *Repository) Create(ctx context.Context, action *models.MergeAction) error {
	ctx, span := tracing.StartSpan(ctx, "mergeaction.Repository.Create")
	defer span.End()

	if action.ID == "" {
		action.ID = uuid.NewString()
	}
	if action.State == "" {
		action.State = models.StatePending
	}
	action.CreatedAt = time.Now().UTC()
	action.UpdatedAt = action.CreatedAt

	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto(tableName)
	ib.Cols(columns...)
	ib.Values(action.ID, action.TenantID, action.Type, action.PrimaryID, action.SecondaryID, action.Step, action.State,
		backupValue(action.UnmergeBackup), action.ActionBy, action.Error, action.CreatedAt, action.UpdatedAt)

	query, args := ib.Build()
	if _, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		if constraint, ok := database.UniqueViolation(err); ok && constraint == inFlightPairIndex {
			return errs.ConcurrentMerge("a merge action is already in flight for %s",
				models.PairKey(action.PrimaryID, action.SecondaryID))
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to create merge action")
		return database.Classify(err, "create merge action")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"id":           action.ID,
		"primary_id":   action.PrimaryID,
		"secondary_id": action.SecondaryID,
	}).Info("Created merge action")
	return nil
}

func (r *Repository) Get(ctx context.Context, tenantID, id string) (*models.MergeAction, error) {
	ctx, span := tracing.StartSpan(ctx, "mergeaction.Repository.Get")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(tableName)
	sb.Where(sb.Equal("id", id), sb.Equal("tenant_id", tenantID))

	query, args := sb.Build()
	var rw row
	if err := database.Conn(ctx, r.db).GetContext(ctx, &rw, query, args...); err != nil {
		if database.IsNoRows(err) {
			return nil, errs.NotFound("merge action %s not found", id)
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get merge action")
		return nil, database.Classify(err, "get merge action %s", id)
	}
	a := rw.toModel()
	return &a, nil
}

func (r *Repository) ListInFlight(ctx context.Context, tenantID string, actionType models.MergeActionType, ids ...string) ([]models.MergeAction, error) {
	ctx, span := tracing.StartSpan(ctx, "mergeaction.Repository.ListInFlight")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(tableName)
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("type", actionType),
		sb.In("state", inFlightStates...),
		sb.Or(
			"primary_id = ANY("+sb.Var(pq.Array(ids))+")",
			"secondary_id = ANY("+sb.Var(pq.Array(ids))+")",
		),
	)
	sb.OrderBy("created_at DESC", "id DESC")

	return r.selectActions(ctx, sb)
}

func (r *Repository) LatestForPair(ctx context.Context, tenantID string, actionType models.MergeActionType, primaryID, secondaryID string) (*models.MergeAction, error) {
	ctx, span := tracing.StartSpan(ctx, "mergeaction.Repository.LatestForPair")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(tableName)
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("type", actionType),
		sb.Equal("primary_id", primaryID),
		sb.Equal("secondary_id", secondaryID),
	)
	sb.OrderBy("created_at DESC", "id DESC")
	sb.Limit(1)

	actions, err := r.selectActions(ctx, sb)
	if err != nil {
		return nil, err
	}
	if len(actions) == 0 {
		return nil, errs.NotFound("no merge action for %s into %s", secondaryID, primaryID)
	}
	return &actions[0], nil
}

// Update applies the non-nil fields. With ExpectState set, the row is only
// written while it is still in that state.
func (r *Repository) Update(ctx context.Context, u models.MergeActionUpdate) (*models.MergeAction, error) {
	ctx, span := tracing.StartSpan(ctx, "mergeaction.Repository.Update")
	defer span.End()

	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update(tableName)
	ub.Set(ub.Assign("updated_at", time.Now().UTC()))
	if u.Step != nil {
		ub.SetMore(ub.Assign("step", *u.Step))
	}
	if u.State != nil {
		ub.SetMore(ub.Assign("state", *u.State))
	}
	if u.UnmergeBackup != nil {
		ub.SetMore(ub.Assign("unmerge_backup", backupValue(u.UnmergeBackup)))
	}
	switch {
	case u.Error != nil:
		ub.SetMore(ub.Assign("error", *u.Error))
	case u.ClearError:
		ub.SetMore("error = NULL")
	}
	ub.Where(ub.Equal("id", u.ID), ub.Equal("tenant_id", u.TenantID))
	if u.ExpectState != nil {
		ub.Where(ub.Equal("state", *u.ExpectState))
	}

	query, args := ub.Build()
	result, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		if constraint, ok := database.UniqueViolation(err); ok && constraint == inFlightPairIndex {
			return nil, errs.ConcurrentMerge("another action is in flight for the pair of %s", u.ID)
		}
		r.logger.WithContext(ctx).WithError(err).WithField("id", u.ID).Error("Failed to update merge action")
		return nil, database.Classify(err, "update merge action %s", u.ID)
	}

	if rows, _ := result.RowsAffected(); rows == 0 {
		current, err := r.Get(ctx, u.TenantID, u.ID)
		if err != nil {
			return nil, err
		}
		if u.ExpectState != nil {
			return nil, errs.ConcurrentMerge("merge action %s is %s, expected %s", current.ID, current.State, *u.ExpectState)
		}
	}
	return r.Get(ctx, u.TenantID, u.ID)
}

// List pages actions newest first.
func (r *Repository) List(ctx context.Context, f models.MergeActionFilter) ([]models.MergeAction, error) {
	ctx, span := tracing.StartSpan(ctx, "mergeaction.Repository.List")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(tableName)
	sb.Where(sb.Equal("tenant_id", f.TenantID))
	if f.Type != "" {
		sb.Where(sb.Equal("type", f.Type))
	}
	if f.State != "" {
		sb.Where(sb.Equal("state", f.State))
	}
	if f.EntityID != "" {
		sb.Where(sb.Or(sb.Equal("primary_id", f.EntityID), sb.Equal("secondary_id", f.EntityID)))
	}
	sb.OrderBy("created_at DESC", "id DESC")
	if f.Limit > 0 {
		sb.Limit(f.Limit)
	}
	if f.Offset > 0 {
		sb.Offset(f.Offset)
	}

	return r.selectActions(ctx, sb)
}

func (r *Repository) selectActions(ctx context.Context, sb *sqlbuilder.SelectBuilder) ([]models.MergeAction, error) {
	query, args := sb.Build()
	var rows []row
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list merge actions")
		return nil, database.Classify(err, "list merge actions")
	}
	out := make([]models.MergeAction, 0, len(rows))
	for _, rw := range rows {
		out = append(out, rw.toModel())
	}
	return out, nil
}
