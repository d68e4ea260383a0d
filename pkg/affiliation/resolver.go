package affiliation

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"

	appctx "github.com/CrowdDotDev/crowd.dev-sub007/pkg/context"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/store"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/tracing"
)

// Resolver loads a member's affiliation inputs and applies Resolve to them.
type Resolver struct {
	memberships store.MembershipRepo
	segments    store.SegmentAffiliationRepo
	logger      ectologger.Logger
}

func NewResolver(memberships store.MembershipRepo, segments store.SegmentAffiliationRepo, logger ectologger.Logger) *Resolver {
	return &Resolver{
		memberships: memberships,
		segments:    segments,
		logger:      logger,
	}
}

// Load reads the member's memberships and segment affiliations.
func (r *Resolver) Load(ctx context.Context, rc appctx.RequestContext, memberID string) (Set, error) {
	ctx, span := tracing.StartSpan(rc.Bind(ctx), "affiliation.Resolver.Load")
	defer span.End()

	memberships, err := r.memberships.ListByMember(ctx, rc.TenantID, memberID)
	if err != nil {
		return Set{}, err
	}
	segments, err := r.segments.ListByMember(ctx, rc.TenantID, memberID)
	if err != nil {
		return Set{}, err
	}
	return Set{Memberships: memberships, SegmentAffiliations: segments}, nil
}

// Resolve returns the organization the member's activity at ts in segmentID belongs to.
func (r *Resolver) Resolve(ctx context.Context, rc appctx.RequestContext, memberID string, ts time.Time, segmentID string) (Resolution, error) {
	set, err := r.Load(ctx, rc, memberID)
	if err != nil {
		return Resolution{}, err
	}

	if rc.Logger == nil {
		rc.Logger = r.logger
	}
	res := Resolve(set, ts, segmentID)
	rc.Log(ctx).WithFields(map[string]any{
		"member_id":       memberID,
		"segment_id":      segmentID,
		"timestamp":       ts,
		"organization_id": res.OrganizationID,
		"rule":            res.Rule,
	}).Debug("Resolved activity affiliation")
	return res, nil
}

// CurrentOrganization returns the organization shown on the member's profile.
func (r *Resolver) CurrentOrganization(ctx context.Context, rc appctx.RequestContext, memberID string) (string, bool, error) {
	ctx, span := tracing.StartSpan(rc.Bind(ctx), "affiliation.Resolver.CurrentOrganization")
	defer span.End()

	memberships, err := r.memberships.ListByMember(ctx, rc.TenantID, memberID)
	if err != nil {
		return "", false, err
	}
	orgID, ok := SelectCurrentOrganization(memberships)
	return orgID, ok, nil
}
