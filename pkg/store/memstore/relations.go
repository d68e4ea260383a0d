package memstore

import (
	"context"
	"sort"

	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/affiliation"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/models"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/store"
)

type relationRepo struct{ s *Store }

// owner returns the column a merge of entityType re-points.
func owner(r *models.ActivityRelation, entityType models.EntityType) *string {
	if entityType == models.EntityTypeOrganization {
		if r.OrganizationID == nil {
			r.OrganizationID = new(string)
		}
		return r.OrganizationID
	}
	return &r.MemberID
}

func ownedBy(r models.ActivityRelation, entityType models.EntityType, id string) bool {
	if entityType == models.EntityTypeOrganization {
		return r.OrganizationID != nil && *r.OrganizationID == id
	}
	return r.MemberID == id
}

func (r relationRepo) MoveForMerge(_ context.Context, tenantID, actionID string, entityType models.EntityType, fromID, toID string, batchSize int) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fault("relations.MoveForMerge"); err != nil {
		return 0, err
	}

	ids := []string{}
	for id, rel := range r.s.relations {
		if rel.TenantID == tenantID && ownedBy(rel, entityType, fromID) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if batchSize > 0 && len(ids) > batchSize {
		ids = ids[:batchSize]
	}

	journal := r.s.journal[actionID]
	if journal == nil {
		journal = map[string]struct{}{}
		r.s.journal[actionID] = journal
	}
	now := r.s.Now()
	for _, id := range ids {
		rel := r.s.relations[id]
		*owner(&rel, entityType) = toID
		rel.UpdatedAt = now
		r.s.relations[id] = rel
		journal[id] = struct{}{}
		r.s.relationWrites++
	}
	return len(ids), nil
}

func (r relationRepo) RestoreForUnmerge(_ context.Context, tenantID, actionID string, entityType models.EntityType, primaryID, secondaryID, afterActivityID string, batchSize int) (string, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fault("relations.RestoreForUnmerge"); err != nil {
		return "", 0, err
	}

	page := []string{}
	for _, id := range sortedKeys(r.s.journal[actionID]) {
		if id > afterActivityID {
			page = append(page, id)
		}
	}
	if batchSize > 0 && len(page) > batchSize {
		page = page[:batchSize]
	}
	if len(page) == 0 {
		return afterActivityID, 0, nil
	}

	now := r.s.Now()
	for _, id := range page {
		rel, ok := r.s.relations[id]
		if !ok || rel.TenantID != tenantID || !ownedBy(rel, entityType, primaryID) {
			continue
		}
		*owner(&rel, entityType) = secondaryID
		rel.UpdatedAt = now
		r.s.relations[id] = rel
		r.s.relationWrites++
	}
	return page[len(page)-1], len(page), nil
}

func (r relationRepo) RecomputeMemberPage(_ context.Context, tenantID, memberID, afterActivityID string, batchSize int) (store.RecomputePage, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := store.RecomputePage{LastActivityID: afterActivityID}
	if err := r.s.fault("relations.RecomputeMemberPage"); err != nil {
		return out, err
	}

	set := affiliation.Set{}
	for _, m := range r.s.memberships {
		if m.TenantID == tenantID && m.MemberID == memberID && m.DeletedAt == nil {
			set.Memberships = append(set.Memberships, cloneMembership(m))
		}
	}
	for _, a := range r.s.segments {
		if a.TenantID == tenantID && a.MemberID == memberID {
			set.SegmentAffiliations = append(set.SegmentAffiliations, cloneSegment(a))
		}
	}

	page := []string{}
	for id, rel := range r.s.relations {
		if rel.TenantID == tenantID && rel.MemberID == memberID && id > afterActivityID {
			page = append(page, id)
		}
	}
	sort.Strings(page)
	if batchSize > 0 && len(page) > batchSize {
		page = page[:batchSize]
	}
	if len(page) == 0 {
		return out, nil
	}

	now := r.s.Now()
	for _, id := range page {
		rel := r.s.relations[id]
		res := affiliation.Resolve(set, rel.Timestamp, rel.SegmentID)
		if equalOrg(rel.OrganizationID, res.OrganizationPtr()) {
			continue
		}
		rel.OrganizationID = res.OrganizationPtr()
		rel.UpdatedAt = now
		r.s.relations[id] = rel
		out.Written++
	}
	r.s.relationWrites += out.Written
	out.LastActivityID = page[len(page)-1]
	out.Scanned = len(page)
	return out, nil
}

func equalOrg(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (r relationRepo) ListByMember(_ context.Context, tenantID, memberID string) ([]models.ActivityRelation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := []models.ActivityRelation{}
	for _, rel := range r.s.relations {
		if rel.TenantID == tenantID && rel.MemberID == memberID {
			out = append(out, cloneRelation(rel))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ActivityID < out[b].ActivityID })
	return out, nil
}
