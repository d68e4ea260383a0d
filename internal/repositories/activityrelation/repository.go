package activityrelation

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/lib/pq"

	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/affiliation"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/database"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/errs"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/models"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/store"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/tracing"
)

const defaultBatchSize = 5000

// Repository is the only writer of activity_relations. Merges journal every
// relation they move in merge_action_relations so an unmerge can hand exactly
// those rows back.
type Repository struct {
	db          database.DB
	memberships store.MembershipRepo
	segments    store.SegmentAffiliationRepo
	logger      ectologger.Logger
}

func NewRepository(db database.DB, memberships store.MembershipRepo, segments store.SegmentAffiliationRepo, logger ectologger.Logger) *Repository {
	return &Repository{
		db:          db,
		memberships: memberships,
		segments:    segments,
		logger:      logger,
	}
}

// ownerColumn is the relation column a merge of entityType re-points.
func ownerColumn(entityType models.EntityType) (string, error) {
	switch entityType {
	case models.EntityTypeMember:
		return "member_id", nil
	case models.EntityTypeOrganization:
		return "organization_id", nil
	}
	return "", errs.Validation("unknown entity type %q", entityType)
}

func (r *Repository) MoveForMerge(ctx context.Context, tenantID, actionID string, entityType models.EntityType, fromID, toID string, batchSize int) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "activityrelation.Repository.MoveForMerge")
	defer span.End()

	col, err := ownerColumn(entityType)
	if err != nil {
		return 0, err
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	query := fmt.Sprintf(`
		WITH batch AS (
			SELECT activity_id FROM activity_relations
			WHERE tenant_id = $1 AND %[1]s = $2
			ORDER BY activity_id
			LIMIT $3
			FOR UPDATE
		), moved AS (
			UPDATE activity_relations ar
			SET %[1]s = $4, updated_at = NOW()
			FROM batch
			WHERE ar.activity_id = batch.activity_id
			RETURNING ar.activity_id
		), journaled AS (
			INSERT INTO merge_action_relations (merge_action_id, activity_id)
			SELECT $5, activity_id FROM moved
			ON CONFLICT DO NOTHING
		)
		SELECT COUNT(*) FROM moved
	`, col)

	var moved int
	if err := database.Conn(ctx, r.db).GetContext(ctx, &moved, query, tenantID, fromID, batchSize, toID, actionID); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"action_id": actionID,
			"from_id":   fromID,
		}).Error("Failed to move relations")
		return 0, database.Classify(err, "move relations of %s", fromID)
	}
	return moved, nil
}

type restorePage struct {
	Last  sql.NullString `db:"last"`
	Count int            `db:"n"`
}

func (r *Repository) RestoreForUnmerge(ctx context.Context, tenantID, actionID string, entityType models.EntityType, primaryID, secondaryID, afterActivityID string, batchSize int) (string, int, error) {
	ctx, span := tracing.StartSpan(ctx, "activityrelation.Repository.RestoreForUnmerge")
	defer span.End()

	col, err := ownerColumn(entityType)
	if err != nil {
		return "", 0, err
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	// Only rows still owned by the primary are handed back.
	query := fmt.Sprintf(`
		WITH page AS (
			SELECT activity_id FROM merge_action_relations
			WHERE merge_action_id = $1 AND activity_id > $2
			ORDER BY activity_id
			LIMIT $3
		), restored AS (
			UPDATE activity_relations ar
			SET %[1]s = $4, updated_at = NOW()
			FROM page
			WHERE ar.activity_id = page.activity_id AND ar.tenant_id = $5 AND ar.%[1]s = $6
		)
		SELECT MAX(activity_id) AS last, COUNT(*) AS n FROM page
	`, col)

	var page restorePage
	if err := database.Conn(ctx, r.db).GetContext(ctx, &page, query, actionID, afterActivityID, batchSize, secondaryID, tenantID, primaryID); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("action_id", actionID).Error("Failed to restore relations")
		return "", 0, database.Classify(err, "restore relations of action %s", actionID)
	}
	if page.Count == 0 {
		return afterActivityID, 0, nil
	}
	return page.Last.String, page.Count, nil
}

type relationOrg struct {
	ActivityID     string         `db:"activity_id"`
	SegmentID      string         `db:"segment_id"`
	OrganizationID sql.NullString `db:"organization_id"`
	Timestamp      sql.NullTime   `db:"timestamp"`
}

// RecomputeMemberPage resolves one page of the member's relations against
// the member's current memberships and segment affiliations, rewriting only
// rows that differ.
func (r *Repository) RecomputeMemberPage(ctx context.Context, tenantID, memberID, afterActivityID string, batchSize int) (store.RecomputePage, error) {
	ctx, span := tracing.StartSpan(ctx, "activityrelation.Repository.RecomputeMemberPage")
	defer span.End()

	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	out := store.RecomputePage{LastActivityID: afterActivityID}

	memberships, err := r.memberships.ListByMember(ctx, tenantID, memberID)
	if err != nil {
		return out, err
	}
	segments, err := r.segments.ListByMember(ctx, tenantID, memberID)
	if err != nil {
		return out, err
	}
	set := affiliation.Set{Memberships: memberships, SegmentAffiliations: segments}

	conn := database.Conn(ctx, r.db)
	var page []relationOrg
	err = conn.SelectContext(ctx, &page, `
		SELECT activity_id, segment_id, organization_id, timestamp
		FROM activity_relations
		WHERE tenant_id = $1 AND member_id = $2 AND activity_id > $3
		ORDER BY activity_id
		LIMIT $4`,
		tenantID, memberID, afterActivityID, batchSize)
	if err != nil {
		return out, database.Classify(err, "page relations of member %s", memberID)
	}
	if len(page) == 0 {
		return out, nil
	}

	ids := []string{}
	orgs := []sql.NullString{}
	for _, rel := range page {
		res := affiliation.Resolve(set, rel.Timestamp.Time, rel.SegmentID)
		next := sql.NullString{String: res.OrganizationID, Valid: res.Found()}
		if next == rel.OrganizationID {
			continue
		}
		ids = append(ids, rel.ActivityID)
		orgs = append(orgs, next)
	}

	if len(ids) > 0 {
		result, err := conn.ExecContext(ctx, `
			UPDATE activity_relations ar
			SET organization_id = u.organization_id, updated_at = NOW()
			FROM UNNEST($1::text[], $2::text[]) AS u(activity_id, organization_id)
			WHERE ar.tenant_id = $3 AND ar.member_id = $4 AND ar.activity_id = u.activity_id
			  AND ar.organization_id IS DISTINCT FROM u.organization_id`,
			pq.Array(ids), pq.Array(orgs), tenantID, memberID)
		if err != nil {
			r.logger.WithContext(ctx).WithError(err).WithField("member_id", memberID).Error("Failed to rewrite relation organizations")
			return out, database.Classify(err, "rewrite relations of member %s", memberID)
		}
		out.Written, _ = result.RowsAffected()
	}

	out.LastActivityID = page[len(page)-1].ActivityID
	out.Scanned = len(page)
	return out, nil
}

func (r *Repository) ListByMember(ctx context.Context, tenantID, memberID string) ([]models.ActivityRelation, error) {
	ctx, span := tracing.StartSpan(ctx, "activityrelation.Repository.ListByMember")
	defer span.End()

	relations := []models.ActivityRelation{}
	err := database.Conn(ctx, r.db).SelectContext(ctx, &relations, `
		SELECT activity_id, tenant_id, member_id, organization_id, segment_id, timestamp,
		       platform, username, source_id, updated_at
		FROM activity_relations
		WHERE tenant_id = $1 AND member_id = $2
		ORDER BY activity_id`,
		tenantID, memberID)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list relations")
		return nil, database.Classify(err, "list relations of member %s", memberID)
	}
	return relations, nil
}
