package membership

import (
	"context"
	"database/sql"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/database"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/errs"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/models"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/tracing"
)

const (
	tableName     = "member_organizations"
	overrideTable = "member_organization_affiliation_overrides"
)

const selectWithOverride = `
	SELECT mo.id, mo.tenant_id, mo.member_id, mo.organization_id, mo.title, mo.source,
	       mo.date_start, mo.date_end, mo.created_at, mo.updated_at, mo.deleted_at,
	       ov.id AS override_id,
	       ov.allow_affiliation AS override_allow_affiliation,
	       ov.is_primary_work_experience AS override_is_primary,
	       ov.created_at AS override_created_at,
	       ov.updated_at AS override_updated_at
	FROM member_organizations mo
	LEFT JOIN member_organization_affiliation_overrides ov ON ov.member_organization_id = mo.id
`

// row is a membership joined with its optional override.
type row struct {
	models.Membership
	OverrideID        sql.NullString `db:"override_id"`
	OverrideAllow     sql.NullBool   `db:"override_allow_affiliation"`
	OverridePrimary   sql.NullBool   `db:"override_is_primary"`
	OverrideCreatedAt sql.NullTime   `db:"override_created_at"`
	OverrideUpdatedAt sql.NullTime   `db:"override_updated_at"`
}

func (r row) toModel() models.Membership {
	m := r.Membership
	if r.OverrideID.Valid {
		m.Override = &models.AffiliationOverride{
			ID:                      r.OverrideID.String,
			TenantID:                m.TenantID,
			MemberID:                m.MemberID,
			MembershipID:            m.ID,
			AllowAffiliation:        r.OverrideAllow.Bool,
			IsPrimaryWorkExperience: r.OverridePrimary.Bool,
			CreatedAt:               r.OverrideCreatedAt.Time,
			UpdatedAt:               r.OverrideUpdatedAt.Time,
		}
	}
	return m
}

// Repository handles work experiences and their affiliation overrides
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

func (r *Repository) list(ctx context.Context, where string, args ...any) ([]models.Membership, error) {
	query := selectWithOverride + where + " ORDER BY mo.id"
	var rows []row
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list memberships")
		return nil, database.Classify(err, "list memberships")
	}
	out := make([]models.Membership, 0, len(rows))
	for _, rw := range rows {
		out = append(out, rw.toModel())
	}
	return out, nil
}

func (r *Repository) ListByMember(ctx context.Context, tenantID, memberID string) ([]models.Membership, error) {
	ctx, span := tracing.StartSpan(ctx, "membership.Repository.ListByMember")
	defer span.End()

	return r.list(ctx, "WHERE mo.tenant_id = $1 AND mo.member_id = $2 AND mo.deleted_at IS NULL", tenantID, memberID)
}

func (r *Repository) ListByOrganization(ctx context.Context, tenantID, organizationID string) ([]models.Membership, error) {
	ctx, span := tracing.StartSpan(ctx, "membership.Repository.ListByOrganization")
	defer span.End()

	return r.list(ctx, "WHERE mo.tenant_id = $1 AND mo.organization_id = $2 AND mo.deleted_at IS NULL", tenantID, organizationID)
}

// Move re-points the membership and carries its override along.
func (r *Repository) Move(ctx context.Context, tenantID, membershipID, memberID, organizationID string) error {
	ctx, span := tracing.StartSpan(ctx, "membership.Repository.Move")
	defer span.End()

	now := time.Now().UTC()
	conn := database.Conn(ctx, r.db)

	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update(tableName)
	ub.Set(
		ub.Assign("member_id", memberID),
		ub.Assign("organization_id", organizationID),
		ub.Assign("updated_at", now),
	)
	ub.Where(ub.Equal("id", membershipID), ub.Equal("tenant_id", tenantID))

	query, args := ub.Build()
	result, err := conn.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to move membership")
		return database.Classify(err, "move membership %s", membershipID)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return errs.NotFound("membership %s not found", membershipID)
	}

	ob := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ob.Update(overrideTable)
	ob.Set(ob.Assign("member_id", memberID), ob.Assign("updated_at", now))
	ob.Where(ob.Equal("member_organization_id", membershipID), ob.Equal("tenant_id", tenantID))

	query, args = ob.Build()
	if _, err := conn.ExecContext(ctx, query, args...); err != nil {
		return database.Classify(err, "move override of membership %s", membershipID)
	}
	return nil
}

// Delete soft-deletes the membership.
func (r *Repository) Delete(ctx context.Context, tenantID, membershipID string) error {
	ctx, span := tracing.StartSpan(ctx, "membership.Repository.Delete")
	defer span.End()

	now := time.Now().UTC()
	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update(tableName)
	ub.Set(ub.Assign("deleted_at", now), ub.Assign("updated_at", now))
	ub.Where(ub.Equal("id", membershipID), ub.Equal("tenant_id", tenantID), ub.IsNull("deleted_at"))

	query, args := ub.Build()
	if _, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to delete membership")
		return database.Classify(err, "delete membership %s", membershipID)
	}
	return nil
}

// Upsert writes the membership by id. A membership without an override loses
// any stored override, so restoring a snapshot is exact.
func (r *Repository) Upsert(ctx context.Context, m models.Membership) error {
	ctx, span := tracing.StartSpan(ctx, "membership.Repository.Upsert")
	defer span.End()

	if err := models.ValidateMembership(m); err != nil {
		return err
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = now
	}
	conn := database.Conn(ctx, r.db)

	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto(tableName)
	ib.Cols("id", "tenant_id", "member_id", "organization_id", "title", "source",
		"date_start", "date_end", "created_at", "updated_at", "deleted_at")
	ib.Values(m.ID, m.TenantID, m.MemberID, m.OrganizationID, m.Title, m.Source,
		m.DateStart, m.DateEnd, m.CreatedAt, m.UpdatedAt, m.DeletedAt)
	ib.SQL(`ON CONFLICT (id) DO UPDATE SET
		member_id = EXCLUDED.member_id,
		organization_id = EXCLUDED.organization_id,
		title = EXCLUDED.title,
		source = EXCLUDED.source,
		date_start = EXCLUDED.date_start,
		date_end = EXCLUDED.date_end,
		updated_at = EXCLUDED.updated_at,
		deleted_at = EXCLUDED.deleted_at`)

	query, args := ib.Build()
	if _, err := conn.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to upsert membership")
		return database.Classify(err, "upsert membership %s", m.ID)
	}

	if m.Override == nil {
		db := sqlbuilder.PostgreSQL.NewDeleteBuilder()
		db.DeleteFrom(overrideTable)
		db.Where(db.Equal("member_organization_id", m.ID))
		query, args = db.Build()
		if _, err := conn.ExecContext(ctx, query, args...); err != nil {
			return database.Classify(err, "clear override of membership %s", m.ID)
		}
		return nil
	}

	o := *m.Override
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = now
	}
	ob := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ob.InsertInto(overrideTable)
	ob.Cols("id", "tenant_id", "member_id", "member_organization_id", "allow_affiliation",
		"is_primary_work_experience", "created_at", "updated_at")
	ob.Values(o.ID, m.TenantID, m.MemberID, m.ID, o.AllowAffiliation, o.IsPrimaryWorkExperience, o.CreatedAt, o.UpdatedAt)
	ob.SQL(`ON CONFLICT (member_organization_id) DO UPDATE SET
		id = EXCLUDED.id,
		member_id = EXCLUDED.member_id,
		allow_affiliation = EXCLUDED.allow_affiliation,
		is_primary_work_experience = EXCLUDED.is_primary_work_experience,
		updated_at = EXCLUDED.updated_at`)

	query, args = ob.Build()
	if _, err := conn.ExecContext(ctx, query, args...); err != nil {
		return database.Classify(err, "upsert override of membership %s", m.ID)
	}
	return nil
}

// SetPrimaryWorkExperience flags or unflags the membership, creating an
// allowing override when none exists yet.
func (r *Repository) SetPrimaryWorkExperience(ctx context.Context, tenantID, membershipID string, primary bool) error {
	ctx, span := tracing.StartSpan(ctx, "membership.Repository.SetPrimaryWorkExperience")
	defer span.End()

	conn := database.Conn(ctx, r.db)
	var memberID string
	err := conn.GetContext(ctx, &memberID,
		`SELECT member_id FROM member_organizations WHERE id = $1 AND tenant_id = $2`, membershipID, tenantID)
	if database.IsNoRows(err) {
		return errs.NotFound("membership %s not found", membershipID)
	}
	if err != nil {
		return database.Classify(err, "get membership %s", membershipID)
	}

	now := time.Now().UTC()
	if !primary {
		_, err = conn.ExecContext(ctx, `
			UPDATE member_organization_affiliation_overrides
			SET is_primary_work_experience = FALSE, updated_at = $1
			WHERE member_organization_id = $2 AND is_primary_work_experience`,
			now, membershipID)
		return database.Classify(err, "unset primary on membership %s", membershipID)
	}

	_, err = conn.ExecContext(ctx, `
		INSERT INTO member_organization_affiliation_overrides
			(id, tenant_id, member_id, member_organization_id, allow_affiliation, is_primary_work_experience, created_at, updated_at)
		VALUES ($1, $2, $3, $4, TRUE, TRUE, $5, $5)
		ON CONFLICT (member_organization_id) DO UPDATE SET
			is_primary_work_experience = TRUE,
			updated_at = EXCLUDED.updated_at`,
		uuid.NewString(), tenantID, memberID, membershipID, now)
	return database.Classify(err, "set primary on membership %s", membershipID)
}

// ListChangedMembers pages members whose memberships, overrides or segment
// affiliations changed in (since, until]. Each member appears once, at its
// latest change.
func (r *Repository) ListChangedMembers(ctx context.Context, since, until time.Time, after models.MemberChange, limit int) ([]models.MemberChange, error) {
	ctx, span := tracing.StartSpan(ctx, "membership.Repository.ListChangedMembers")
	defer span.End()

	query := `
		WITH changes AS (
			SELECT tenant_id, member_id, updated_at FROM member_organizations
			WHERE updated_at > $1 AND updated_at <= $2
			UNION ALL
			SELECT tenant_id, member_id, updated_at FROM member_organization_affiliation_overrides
			WHERE updated_at > $1 AND updated_at <= $2
			UNION ALL
			SELECT tenant_id, member_id, updated_at FROM member_segment_affiliations
			WHERE updated_at > $1 AND updated_at <= $2
		), latest AS (
			SELECT tenant_id, member_id, MAX(updated_at) AS changed_at
			FROM changes
			GROUP BY tenant_id, member_id
		)
		SELECT tenant_id, member_id, changed_at FROM latest
		WHERE (changed_at, member_id) > ($3, $4)
		ORDER BY changed_at, member_id
		LIMIT $5
	`

	changes := []models.MemberChange{}
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &changes, query, since, until, after.ChangedAt, after.MemberID, limit); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list changed members")
		return nil, database.Classify(err, "list changed members")
	}
	return changes, nil
}

func (r *Repository) ListOrganizationMemberIDs(ctx context.Context, tenantID, organizationID, afterID string, limit int) ([]string, error) {
	ctx, span := tracing.StartSpan(ctx, "membership.Repository.ListOrganizationMemberIDs")
	defer span.End()

	query := `
		SELECT member_id FROM (
			SELECT member_id FROM member_organizations
			WHERE tenant_id = $1 AND organization_id = $2 AND deleted_at IS NULL
			UNION
			SELECT member_id FROM member_segment_affiliations
			WHERE tenant_id = $1 AND organization_id = $2
		) members
		WHERE member_id > $3
		ORDER BY member_id
		LIMIT $4
	`

	ids := []string{}
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &ids, query, tenantID, organizationID, afterID, limit); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list organization members")
		return nil, database.Classify(err, "list members of organization %s", organizationID)
	}
	return ids, nil
}
