package identity

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/database"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/errs"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/models"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/tracing"
)

const tableName = "entity_identities"

var columns = []string{"id", "tenant_id", "entity_type", "entity_id", "platform", "type", "value", "verified", "created_at", "updated_at"}

// Repository handles member and organization identities
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

func (r *Repository) List(ctx context.Context, tenantID string, entityType models.EntityType, entityID string) ([]models.Identity, error) {
	ctx, span := tracing.StartSpan(ctx, "identity.Repository.List")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(tableName)
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("entity_type", entityType),
		sb.Equal("entity_id", entityID),
	)
	sb.OrderBy("id")

	query, args := sb.Build()
	identities := []models.Identity{}
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &identities, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list identities")
		return nil, database.Classify(err, "list identities of %s", entityID)
	}
	return identities, nil
}

func (r *Repository) Move(ctx context.Context, tenantID, identityID, toEntityID string) error {
	ctx, span := tracing.StartSpan(ctx, "identity.Repository.Move")
	defer span.End()

	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update(tableName)
	ub.Set(ub.Assign("entity_id", toEntityID), ub.Assign("updated_at", time.Now().UTC()))
	ub.Where(ub.Equal("id", identityID), ub.Equal("tenant_id", tenantID))

	return r.exec(ctx, ub, identityID, "move identity %s", identityID)
}

func (r *Repository) Delete(ctx context.Context, tenantID, identityID string) error {
	ctx, span := tracing.StartSpan(ctx, "identity.Repository.Delete")
	defer span.End()

	db := sqlbuilder.PostgreSQL.NewDeleteBuilder()
	db.DeleteFrom(tableName)
	db.Where(db.Equal("id", identityID), db.Equal("tenant_id", tenantID))

	query, args := db.Build()
	if _, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to delete identity")
		return database.Classify(err, "delete identity %s", identityID)
	}
	return nil
}

func (r *Repository) SetVerified(ctx context.Context, tenantID, identityID string, verified bool) error {
	ctx, span := tracing.StartSpan(ctx, "identity.Repository.SetVerified")
	defer span.End()

	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update(tableName)
	ub.Set(ub.Assign("verified", verified), ub.Assign("updated_at", time.Now().UTC()))
	ub.Where(ub.Equal("id", identityID), ub.Equal("tenant_id", tenantID))

	return r.exec(ctx, ub, identityID, "set verified on identity %s", identityID)
}

func (r *Repository) exec(ctx context.Context, ub *sqlbuilder.UpdateBuilder, identityID, format string, args ...any) error {
	query, qargs := ub.Build()
	result, err := database.Conn(ctx, r.db).ExecContext(ctx, query, qargs...)
	if err != nil {
		if _, ok := database.UniqueViolation(err); ok {
			return errs.Validation("identity %s is already verified on another entity", identityID)
		}
		r.logger.WithContext(ctx).WithError(err).Errorf("Failed to update identity %s", identityID)
		return database.Classify(err, format, args...)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return errs.NotFound("identity %s not found", identityID)
	}
	return nil
}

// Upsert writes the identity by id. A verified key held by another row is a
// validation error.
func (r *Repository) Upsert(ctx context.Context, identity models.Identity) error {
	ctx, span := tracing.StartSpan(ctx, "identity.Repository.Upsert")
	defer span.End()

	if identity.ID == "" {
		identity.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if identity.CreatedAt.IsZero() {
		identity.CreatedAt = now
	}
	if identity.UpdatedAt.IsZero() {
		identity.UpdatedAt = now
	}

	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto(tableName)
	ib.Cols(columns...)
	ib.Values(identity.ID, identity.TenantID, identity.EntityType, identity.EntityID, identity.Platform,
		identity.Type, identity.Value, identity.Verified, identity.CreatedAt, identity.UpdatedAt)
	ib.SQL(`ON CONFLICT (id) DO UPDATE SET
		entity_type = EXCLUDED.entity_type,
		entity_id = EXCLUDED.entity_id,
		platform = EXCLUDED.platform,
		type = EXCLUDED.type,
		value = EXCLUDED.value,
		verified = EXCLUDED.verified,
		updated_at = EXCLUDED.updated_at`)

	query, args := ib.Build()
	if _, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		if _, ok := database.UniqueViolation(err); ok {
			return errs.Validation("verified identity %s/%s/%s already belongs to another %s",
				identity.Platform, identity.Type, identity.Value, identity.EntityType)
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to upsert identity")
		return database.Classify(err, "upsert identity %s", identity.ID)
	}
	return nil
}

func (r *Repository) FindVerifiedOwner(ctx context.Context, tenantID string, entityType models.EntityType, key models.IdentityKey) (*models.Identity, error) {
	ctx, span := tracing.StartSpan(ctx, "identity.Repository.FindVerifiedOwner")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(tableName)
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("entity_type", entityType),
		sb.Equal("platform", key.Platform),
		sb.Equal("type", key.Type),
		sb.Equal("value", key.Value),
		"verified",
	)

	query, args := sb.Build()
	var i models.Identity
	if err := database.Conn(ctx, r.db).GetContext(ctx, &i, query, args...); err != nil {
		if database.IsNoRows(err) {
			return nil, errs.NotFound("no verified owner of %s/%s/%s", key.Platform, key.Type, key.Value)
		}
		return nil, database.Classify(err, "find verified owner")
	}
	return &i, nil
}
