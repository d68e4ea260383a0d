package entity

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/huandu/go-sqlbuilder"

	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/database"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/errs"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/models"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/tracing"
)

var columns = []string{"id", "tenant_id", "display_name", "attributes", "created_at", "updated_at", "deleted_at"}

// Repository reads and soft-deletes members and organizations. Each type has
// its own table with the same layout.
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

func table(t models.EntityType) (string, error) {
	switch t {
	case models.EntityTypeMember:
		return "members", nil
	case models.EntityTypeOrganization:
		return "organizations", nil
	}
	return "", errs.Validation("unknown entity type %q", t)
}

// Get returns a live entity; soft-deleted rows are not found.
func (r *Repository) Get(ctx context.Context, tenantID string, entityType models.EntityType, id string) (*models.Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.Get")
	defer span.End()

	e, err := r.get(ctx, tenantID, entityType, id, true)
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (r *Repository) GetAny(ctx context.Context, tenantID string, entityType models.EntityType, id string) (*models.Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.GetAny")
	defer span.End()

	return r.get(ctx, tenantID, entityType, id, false)
}

func (r *Repository) get(ctx context.Context, tenantID string, entityType models.EntityType, id string, liveOnly bool) (*models.Entity, error) {
	tbl, err := table(entityType)
	if err != nil {
		return nil, err
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(tbl)
	sb.Where(sb.Equal("id", id), sb.Equal("tenant_id", tenantID))
	if liveOnly {
		sb.Where(sb.IsNull("deleted_at"))
	}

	query, args := sb.Build()
	var e models.Entity
	if err := database.Conn(ctx, r.db).GetContext(ctx, &e, query, args...); err != nil {
		if database.IsNoRows(err) {
			return nil, errs.NotFound("%s %s not found", entityType, id)
		}
		r.logger.WithContext(ctx).WithError(err).Errorf("Failed to get %s", entityType)
		return nil, database.Classify(err, "get %s %s", entityType, id)
	}
	e.Type = entityType
	return &e, nil
}

// SoftDelete stamps deleted_at once; deleting a deleted entity is a no-op.
func (r *Repository) SoftDelete(ctx context.Context, tenantID string, entityType models.EntityType, id string) error {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.SoftDelete")
	defer span.End()

	tbl, err := table(entityType)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update(tbl)
	ub.Set(ub.Assign("deleted_at", now), ub.Assign("updated_at", now))
	ub.Where(ub.Equal("id", id), ub.Equal("tenant_id", tenantID), ub.IsNull("deleted_at"))

	query, args := ub.Build()
	result, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Errorf("Failed to soft delete %s", entityType)
		return database.Classify(err, "soft delete %s %s", entityType, id)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		if _, err := r.get(ctx, tenantID, entityType, id, false); err != nil {
			return err
		}
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{"id": id, "entity_type": entityType}).Info("Soft deleted entity")
	return nil
}

// Restore writes the snapshot row back by id, deleted_at included.
func (r *Repository) Restore(ctx context.Context, entity models.Entity) error {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.Restore")
	defer span.End()

	tbl, err := table(entity.Type)
	if err != nil {
		return err
	}
	attributes := entity.Attributes
	if len(attributes) == 0 {
		attributes = []byte("{}")
	}

	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto(tbl)
	ib.Cols(columns...)
	ib.Values(entity.ID, entity.TenantID, entity.DisplayName, []byte(attributes), entity.CreatedAt, entity.UpdatedAt, entity.DeletedAt)
	ib.SQL(`ON CONFLICT (id) DO UPDATE SET
		display_name = EXCLUDED.display_name,
		attributes = EXCLUDED.attributes,
		updated_at = EXCLUDED.updated_at,
		deleted_at = EXCLUDED.deleted_at`)

	query, args := ib.Build()
	if _, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Errorf("Failed to restore %s", entity.Type)
		return database.Classify(err, "restore %s %s", entity.Type, entity.ID)
	}
	return nil
}
