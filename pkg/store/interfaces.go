// Package store declares the persistence surface the reconciliation engine runs against.
// Postgres implementations live in internal/repositories; memstore backs the tests.
package store

import (
	"context"
	"time"

	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/models"
)

// EntityRepo reads and soft-deletes members and organizations
type EntityRepo interface {
	Get(ctx context.Context, tenantID string, entityType models.EntityType, id string) (*models.Entity, error)
	// GetAny also returns soft-deleted entities.
	GetAny(ctx context.Context, tenantID string, entityType models.EntityType, id string) (*models.Entity, error)
	SoftDelete(ctx context.Context, tenantID string, entityType models.EntityType, id string) error
	// Restore writes the snapshot row back, including its deleted_at.
	Restore(ctx context.Context, entity models.Entity) error
}

// IdentityRepo manages identities owned by entities
type IdentityRepo interface {
	List(ctx context.Context, tenantID string, entityType models.EntityType, entityID string) ([]models.Identity, error)
	Move(ctx context.Context, tenantID, identityID, toEntityID string) error
	Delete(ctx context.Context, tenantID, identityID string) error
	SetVerified(ctx context.Context, tenantID, identityID string, verified bool) error
	// Upsert writes the identity by id.
	Upsert(ctx context.Context, identity models.Identity) error
	// FindVerifiedOwner returns the identity row holding key verified, if any.
	FindVerifiedOwner(ctx context.Context, tenantID string, entityType models.EntityType, key models.IdentityKey) (*models.Identity, error)
}

// MembershipRepo manages work experiences and their overrides
type MembershipRepo interface {
	ListByMember(ctx context.Context, tenantID, memberID string) ([]models.Membership, error)
	ListByOrganization(ctx context.Context, tenantID, organizationID string) ([]models.Membership, error)
	// Move re-points a membership (and its override) to memberID and organizationID.
	Move(ctx context.Context, tenantID, membershipID, memberID, organizationID string) error
	Delete(ctx context.Context, tenantID, membershipID string) error
	// Upsert validates and writes the membership and its override by id.
	Upsert(ctx context.Context, membership models.Membership) error
	SetPrimaryWorkExperience(ctx context.Context, tenantID, membershipID string, primary bool) error
	// ListChangedMembers pages members whose memberships, overrides or segment
	// affiliations changed in (since, until], ordered by (changed_at, member_id).
	ListChangedMembers(ctx context.Context, since, until time.Time, after models.MemberChange, limit int) ([]models.MemberChange, error)
	// ListOrganizationMemberIDs pages member ids with a membership in organizationID.
	ListOrganizationMemberIDs(ctx context.Context, tenantID, organizationID, afterID string, limit int) ([]string, error)
}

// SegmentAffiliationRepo manages manual segment affiliations
type SegmentAffiliationRepo interface {
	ListByMember(ctx context.Context, tenantID, memberID string) ([]models.SegmentAffiliation, error)
	ListByOrganization(ctx context.Context, tenantID, organizationID string) ([]models.SegmentAffiliation, error)
	Move(ctx context.Context, tenantID, id, memberID string, organizationID *string) error
	Delete(ctx context.Context, tenantID, id string) error
	Upsert(ctx context.Context, affiliation models.SegmentAffiliation) error
}

// ActivityRelationRepo is the only writer of the relation projection
type ActivityRelationRepo interface {
	// MoveForMerge re-points up to batchSize relations from fromID to toID and
	// journals every moved activity against actionID. It returns the rows moved;
	// fewer than batchSize means nothing is left.
	MoveForMerge(ctx context.Context, tenantID, actionID string, entityType models.EntityType, fromID, toID string, batchSize int) (int, error)
	// RestoreForUnmerge pages the journal of actionID after afterActivityID and
	// re-points those relations from primaryID back to secondaryID. It returns the
	// last journaled activity id of the page and the page size.
	RestoreForUnmerge(ctx context.Context, tenantID, actionID string, entityType models.EntityType, primaryID, secondaryID, afterActivityID string, batchSize int) (string, int, error)
	// RecomputeMemberPage resolves up to batchSize of the member's relations
	// after afterActivityID, in activity id order, against the member's current
	// memberships and segment affiliations and rewrites the rows that differ.
	// A page scanning fewer than batchSize rows is the last one.
	RecomputeMemberPage(ctx context.Context, tenantID, memberID, afterActivityID string, batchSize int) (RecomputePage, error)
	ListByMember(ctx context.Context, tenantID, memberID string) ([]models.ActivityRelation, error)
}

// RecomputePage reports one page of RecomputeMemberPage
type RecomputePage struct {
	LastActivityID string
	Scanned        int
	Written        int64
}

// MergeActionRepo persists merge action audit/state rows; rows are never deleted
type MergeActionRepo interface {
	// Create inserts a pending action. A second in-flight action for the same
	// unordered pair fails with errs.ErrConcurrentMerge.
	Create(ctx context.Context, action *models.MergeAction) error
	Get(ctx context.Context, tenantID, id string) (*models.MergeAction, error)
	// ListInFlight returns pending or in-progress actions touching either id.
	ListInFlight(ctx context.Context, tenantID string, actionType models.MergeActionType, ids ...string) ([]models.MergeAction, error)
	// LatestForPair returns the newest action with this exact primary/secondary.
	LatestForPair(ctx context.Context, tenantID string, actionType models.MergeActionType, primaryID, secondaryID string) (*models.MergeAction, error)
	Update(ctx context.Context, update models.MergeActionUpdate) (*models.MergeAction, error)
	List(ctx context.Context, filter models.MergeActionFilter) ([]models.MergeAction, error)
}

// WatermarkRepo persists named high-water marks for scheduled jobs
type WatermarkRepo interface {
	Get(ctx context.Context, name string) (time.Time, error)
	Set(ctx context.Context, name string, at time.Time) error
}

// Transactor runs fn inside one store transaction.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Store bundles every repository the engine needs.
type Store struct {
	Entities            EntityRepo
	Identities          IdentityRepo
	Memberships         MembershipRepo
	SegmentAffiliations SegmentAffiliationRepo
	Relations           ActivityRelationRepo
	MergeActions        MergeActionRepo
	Watermarks          WatermarkRepo
	Tx                  Transactor
}
