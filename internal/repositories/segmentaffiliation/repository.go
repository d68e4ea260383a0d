package segmentaffiliation

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

const tableName = "member_segment_affiliations"

var columns = []string{"id", "tenant_id", "member_id", "segment_id", "organization_id", "date_start", "date_end", "created_at", "updated_at"}

// Repository handles manual per-segment affiliations
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

func (r *Repository) list(ctx context.Context, tenantID, column, value string) ([]models.SegmentAffiliation, error) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(columns...)
	sb.From(tableName)
	sb.Where(sb.Equal("tenant_id", tenantID), sb.Equal(column, value))
	sb.OrderBy("id")

	query, args := sb.Build()
	out := []models.SegmentAffiliation{}
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &out, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list segment affiliations")
		return nil, database.Classify(err, "list segment affiliations by %s", column)
	}
	return out, nil
}

func (r *Repository) ListByMember(ctx context.Context, tenantID, memberID string) ([]models.SegmentAffiliation, error) {
	ctx, span := tracing.StartSpan(ctx, "segmentaffiliation.Repository.ListByMember")
	defer span.End()

	return r.list(ctx, tenantID, "member_id", memberID)
}

func (r *Repository) ListByOrganization(ctx context.Context, tenantID, organizationID string) ([]models.SegmentAffiliation, error) {
	ctx, span := tracing.StartSpan(ctx, "segmentaffiliation.Repository.ListByOrganization")
	defer span.End()

	return r.list(ctx, tenantID, "organization_id", organizationID)
}

func (r *Repository) Move(ctx context.Context, tenantID, id, memberID string, organizationID *string) error {
	ctx, span := tracing.StartSpan(ctx, "segmentaffiliation.Repository.Move")
	defer span.End()

	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update(tableName)
	ub.Set(
		ub.Assign("member_id", memberID),
		ub.Assign("organization_id", organizationID),
		ub.Assign("updated_at", time.Now().UTC()),
	)
	ub.Where(ub.Equal("id", id), ub.Equal("tenant_id", tenantID))

	query, args := ub.Build()
	result, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to move segment affiliation")
		return database.Classify(err, "move segment affiliation %s", id)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return errs.NotFound("segment affiliation %s not found", id)
	}
	return nil
}

func (r *Repository) Delete(ctx context.Context, tenantID, id string) error {
	ctx, span := tracing.StartSpan(ctx, "segmentaffiliation.Repository.Delete")
	defer span.End()

	db := sqlbuilder.PostgreSQL.NewDeleteBuilder()
	db.DeleteFrom(tableName)
	db.Where(db.Equal("id", id), db.Equal("tenant_id", tenantID))

	query, args := db.Build()
	if _, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to delete segment affiliation")
		return database.Classify(err, "delete segment affiliation %s", id)
	}
	return nil
}

func (r *Repository) Upsert(ctx context.Context, a models.SegmentAffiliation) error {
	ctx, span := tracing.StartSpan(ctx, "segmentaffiliation.Repository.Upsert")
	defer span.End()

	if err := models.ValidateSegmentAffiliation(a); err != nil {
		return err
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = now
	}

	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto(tableName)
	ib.Cols(columns...)
	ib.Values(a.ID, a.TenantID, a.MemberID, a.SegmentID, a.OrganizationID, a.DateStart, a.DateEnd, a.CreatedAt, a.UpdatedAt)
	ib.SQL(`ON CONFLICT (id) DO UPDATE SET
		member_id = EXCLUDED.member_id,
		segment_id = EXCLUDED.segment_id,
		organization_id = EXCLUDED.organization_id,
		date_start = EXCLUDED.date_start,
		date_end = EXCLUDED.date_end,
		updated_at = EXCLUDED.updated_at`)

	query, args := ib.Build()
	if _, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to upsert segment affiliation")
		return database.Classify(err, "upsert segment affiliation %s", a.ID)
	}
	return nil
}
