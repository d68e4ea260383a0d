package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/errs"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/models"
)

type membershipRepo struct{ s *Store }

func sortMemberships(out []models.Membership) {
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
}

func (r membershipRepo) ListByMember(_ context.Context, tenantID, memberID string) ([]models.Membership, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fault("memberships.List"); err != nil {
		return nil, err
	}
	out := []models.Membership{}
	for _, m := range r.s.memberships {
		if m.TenantID == tenantID && m.MemberID == memberID && m.DeletedAt == nil {
			out = append(out, cloneMembership(m))
		}
	}
	sortMemberships(out)
	return out, nil
}

func (r membershipRepo) ListByOrganization(_ context.Context, tenantID, organizationID string) ([]models.Membership, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fault("memberships.List"); err != nil {
		return nil, err
	}
	out := []models.Membership{}
	for _, m := range r.s.memberships {
		if m.TenantID == tenantID && m.OrganizationID == organizationID && m.DeletedAt == nil {
			out = append(out, cloneMembership(m))
		}
	}
	sortMemberships(out)
	return out, nil
}

func (r membershipRepo) Move(_ context.Context, tenantID, membershipID, memberID, organizationID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fault("memberships.Move"); err != nil {
		return err
	}
	m, ok := r.s.memberships[membershipID]
	if !ok || m.TenantID != tenantID {
		return errs.NotFound("membership %s not found", membershipID)
	}
	now := r.s.Now()
	m.MemberID = memberID
	m.OrganizationID = organizationID
	m.UpdatedAt = now
	if m.Override != nil {
		m.Override.MemberID = memberID
		m.Override.UpdatedAt = now
	}
	r.s.memberships[membershipID] = m
	return nil
}

func (r membershipRepo) Delete(_ context.Context, tenantID, membershipID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fault("memberships.Delete"); err != nil {
		return err
	}
	m, ok := r.s.memberships[membershipID]
	if !ok || m.TenantID != tenantID || m.DeletedAt != nil {
		return nil
	}
	now := r.s.Now()
	m.DeletedAt = &now
	m.UpdatedAt = now
	r.s.memberships[membershipID] = m
	return nil
}

func (r membershipRepo) Upsert(_ context.Context, membership models.Membership) error {
	if err := models.ValidateMembership(membership); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fault("memberships.Upsert"); err != nil {
		return err
	}
	m := cloneMembership(membership)
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	now := r.s.Now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = now
	}
	if o := m.Override; o != nil {
		if o.ID == "" {
			o.ID = uuid.NewString()
		}
		o.TenantID = m.TenantID
		o.MemberID = m.MemberID
		o.MembershipID = m.ID
		if o.CreatedAt.IsZero() {
			o.CreatedAt = now
		}
		if o.UpdatedAt.IsZero() {
			o.UpdatedAt = now
		}
	}
	r.s.memberships[m.ID] = m
	return nil
}

func (r membershipRepo) SetPrimaryWorkExperience(_ context.Context, tenantID, membershipID string, primary bool) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fault("memberships.SetPrimaryWorkExperience"); err != nil {
		return err
	}
	m, ok := r.s.memberships[membershipID]
	if !ok || m.TenantID != tenantID {
		return errs.NotFound("membership %s not found", membershipID)
	}
	now := r.s.Now()
	if m.Override == nil {
		if !primary {
			return nil
		}
		m.Override = &models.AffiliationOverride{
			ID:               uuid.NewString(),
			TenantID:         tenantID,
			MemberID:         m.MemberID,
			MembershipID:     m.ID,
			AllowAffiliation: true,
			CreatedAt:        now,
		}
	}
	m.Override.IsPrimaryWorkExperience = primary
	m.Override.UpdatedAt = now
	r.s.memberships[membershipID] = m
	return nil
}

func (r membershipRepo) ListChangedMembers(_ context.Context, since, until time.Time, after models.MemberChange, limit int) ([]models.MemberChange, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fault("memberships.ListChangedMembers"); err != nil {
		return nil, err
	}

	type memberKey struct{ tenant, member string }
	changed := map[memberKey]time.Time{}
	touch := func(tenant, member string, at time.Time) {
		if !at.After(since) || at.After(until) {
			return
		}
		k := memberKey{tenant, member}
		if at.After(changed[k]) {
			changed[k] = at
		}
	}
	for _, m := range r.s.memberships {
		touch(m.TenantID, m.MemberID, m.UpdatedAt)
		if m.Override != nil {
			touch(m.TenantID, m.MemberID, m.Override.UpdatedAt)
		}
	}
	for _, a := range r.s.segments {
		touch(a.TenantID, a.MemberID, a.UpdatedAt)
	}

	out := []models.MemberChange{}
	for k, at := range changed {
		c := models.MemberChange{TenantID: k.tenant, MemberID: k.member, ChangedAt: at}
		if changeAfter(c, after) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(a, b int) bool { return changeAfter(out[b], out[a]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// changeAfter orders changes by (changed_at, member_id).
func changeAfter(c, after models.MemberChange) bool {
	if !c.ChangedAt.Equal(after.ChangedAt) {
		return c.ChangedAt.After(after.ChangedAt)
	}
	return c.MemberID > after.MemberID
}

func (r membershipRepo) ListOrganizationMemberIDs(_ context.Context, tenantID, organizationID, afterID string, limit int) ([]string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fault("memberships.ListOrganizationMemberIDs"); err != nil {
		return nil, err
	}
	ids := map[string]struct{}{}
	for _, m := range r.s.memberships {
		if m.TenantID == tenantID && m.OrganizationID == organizationID && m.DeletedAt == nil && m.MemberID > afterID {
			ids[m.MemberID] = struct{}{}
		}
	}
	for _, a := range r.s.segments {
		if a.TenantID == tenantID && a.OrganizationID != nil && *a.OrganizationID == organizationID && a.MemberID > afterID {
			ids[a.MemberID] = struct{}{}
		}
	}
	out := sortedKeys(ids)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type segmentRepo struct{ s *Store }

func (r segmentRepo) list(tenantID string, match func(models.SegmentAffiliation) bool) []models.SegmentAffiliation {
	out := []models.SegmentAffiliation{}
	for _, a := range r.s.segments {
		if a.TenantID == tenantID && match(a) {
			out = append(out, cloneSegment(a))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

func (r segmentRepo) ListByMember(_ context.Context, tenantID, memberID string) ([]models.SegmentAffiliation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fault("segments.List"); err != nil {
		return nil, err
	}
	return r.list(tenantID, func(a models.SegmentAffiliation) bool { return a.MemberID == memberID }), nil
}

func (r segmentRepo) ListByOrganization(_ context.Context, tenantID, organizationID string) ([]models.SegmentAffiliation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fault("segments.List"); err != nil {
		return nil, err
	}
	return r.list(tenantID, func(a models.SegmentAffiliation) bool {
		return a.OrganizationID != nil && *a.OrganizationID == organizationID
	}), nil
}

func (r segmentRepo) Move(_ context.Context, tenantID, id, memberID string, organizationID *string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fault("segments.Move"); err != nil {
		return err
	}
	a, ok := r.s.segments[id]
	if !ok || a.TenantID != tenantID {
		return errs.NotFound("segment affiliation %s not found", id)
	}
	a.MemberID = memberID
	a.OrganizationID = strPtr(organizationID)
	a.UpdatedAt = r.s.Now()
	r.s.segments[id] = a
	return nil
}

func (r segmentRepo) Delete(_ context.Context, tenantID, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fault("segments.Delete"); err != nil {
		return err
	}
	if a, ok := r.s.segments[id]; ok && a.TenantID == tenantID {
		delete(r.s.segments, id)
	}
	return nil
}

func (r segmentRepo) Upsert(_ context.Context, affiliation models.SegmentAffiliation) error {
	if err := models.ValidateSegmentAffiliation(affiliation); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fault("segments.Upsert"); err != nil {
		return err
	}
	a := cloneSegment(affiliation)
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := r.s.Now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = now
	}
	r.s.segments[a.ID] = a
	return nil
}
