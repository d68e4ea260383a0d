package merging

import (
	"context"
	"errors"
	"fmt"

	appctx "github.com/CrowdDotDev/crowd.dev-sub007/pkg/context"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/errs"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/models"
)

// snapshot captures every row owned by or referencing entity.
func (o *Orchestrator) snapshot(ctx context.Context, rc appctx.RequestContext, entity models.Entity) (models.EntitySnapshot, error) {
	snap := models.EntitySnapshot{Entity: entity}

	identities, err := o.repos.Identities.List(ctx, rc.TenantID, entity.Type, entity.ID)
	if err != nil {
		return snap, fmt.Errorf("list identities of %s: %w", entity.ID, err)
	}
	snap.Identities = identities

	if entity.Type == models.EntityTypeOrganization {
		snap.Memberships, err = o.repos.Memberships.ListByOrganization(ctx, rc.TenantID, entity.ID)
	} else {
		snap.Memberships, err = o.repos.Memberships.ListByMember(ctx, rc.TenantID, entity.ID)
	}
	if err != nil {
		return snap, fmt.Errorf("list memberships of %s: %w", entity.ID, err)
	}

	if entity.Type == models.EntityTypeOrganization {
		snap.SegmentAffiliations, err = o.repos.SegmentAffiliations.ListByOrganization(ctx, rc.TenantID, entity.ID)
	} else {
		snap.SegmentAffiliations, err = o.repos.SegmentAffiliations.ListByMember(ctx, rc.TenantID, entity.ID)
	}
	if err != nil {
		return snap, fmt.Errorf("list segment affiliations of %s: %w", entity.ID, err)
	}
	return snap, nil
}

func (o *Orchestrator) backup(ctx context.Context, rc appctx.RequestContext, actionID string, primary, secondary models.Entity) (*models.Backup, error) {
	p, err := o.snapshot(ctx, rc, primary)
	if err != nil {
		return nil, err
	}
	s, err := o.snapshot(ctx, rc, secondary)
	if err != nil {
		return nil, err
	}
	return &models.Backup{
		Version:       models.BackupVersion,
		Type:          models.MergeActionTypeFor(primary.Type),
		MergeActionID: actionID,
		CapturedAt:    o.now(),
		Primary:       p,
		Secondary:     s,
	}, nil
}

// moveIdentities re-points the secondary's identities. A colliding identity
// is dropped from the secondary; if only the secondary's copy was verified
// the primary's copy becomes verified.
func (o *Orchestrator) moveIdentities(ctx context.Context, rc appctx.RequestContext, t models.EntityType, primaryID, secondaryID string) error {
	primary, err := o.repos.Identities.List(ctx, rc.TenantID, t, primaryID)
	if err != nil {
		return err
	}
	secondary, err := o.repos.Identities.List(ctx, rc.TenantID, t, secondaryID)
	if err != nil {
		return err
	}

	byKey := make(map[models.IdentityKey]models.Identity, len(primary))
	for _, i := range primary {
		byKey[i.Key()] = i
	}

	for _, i := range secondary {
		if i.Verified {
			if err := o.checkVerifiedOwner(ctx, rc, t, i.Key(), primaryID, secondaryID); err != nil {
				return err
			}
		}
		existing, collides := byKey[i.Key()]
		if !collides {
			if err := o.repos.Identities.Move(ctx, rc.TenantID, i.ID, primaryID); err != nil {
				return fmt.Errorf("move identity %s: %w", i.ID, err)
			}
			continue
		}
		if err := o.repos.Identities.Delete(ctx, rc.TenantID, i.ID); err != nil {
			return fmt.Errorf("drop colliding identity %s: %w", i.ID, err)
		}
		if i.Verified && !existing.Verified {
			if err := o.repos.Identities.SetVerified(ctx, rc.TenantID, existing.ID, true); err != nil {
				return fmt.Errorf("verify identity %s: %w", existing.ID, err)
			}
		}
	}
	return nil
}

// checkVerifiedIdentities rejects a merge when a verified identity of the
// secondary is held verified by an entity outside the pair.
func (o *Orchestrator) checkVerifiedIdentities(ctx context.Context, rc appctx.RequestContext, t models.EntityType, primaryID, secondaryID string) error {
	identities, err := o.repos.Identities.List(ctx, rc.TenantID, t, secondaryID)
	if err != nil {
		return fmt.Errorf("list identities of %s: %w", secondaryID, err)
	}
	for _, i := range identities {
		if !i.Verified {
			continue
		}
		if err := o.checkVerifiedOwner(ctx, rc, t, i.Key(), primaryID, secondaryID); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) checkVerifiedOwner(ctx context.Context, rc appctx.RequestContext, t models.EntityType, key models.IdentityKey, primaryID, secondaryID string) error {
	owner, err := o.repos.Identities.FindVerifiedOwner(ctx, rc.TenantID, t, key)
	if errors.Is(err, errs.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("find verified owner of %s/%s/%s: %w", key.Platform, key.Type, key.Value, err)
	}
	if owner.EntityID == primaryID || owner.EntityID == secondaryID {
		return nil
	}
	return errs.Validation("verified identity %s/%s/%s belongs to %s %s", key.Platform, key.Type, key.Value, t, owner.EntityID)
}

// moveMemberships re-points work experiences. For a member merge, a
// secondary membership duplicating one of the primary's (same organization
// and dates) is dropped, and a secondary primary-work-experience flag is
// cleared when the primary already has one. For an organization merge the
// duplicate check runs per member.
func (o *Orchestrator) moveMemberships(ctx context.Context, rc appctx.RequestContext, t models.EntityType, primaryID, secondaryID string) error {
	var primary, secondary []models.Membership
	var err error
	if t == models.EntityTypeOrganization {
		if primary, err = o.repos.Memberships.ListByOrganization(ctx, rc.TenantID, primaryID); err != nil {
			return err
		}
		secondary, err = o.repos.Memberships.ListByOrganization(ctx, rc.TenantID, secondaryID)
	} else {
		if primary, err = o.repos.Memberships.ListByMember(ctx, rc.TenantID, primaryID); err != nil {
			return err
		}
		secondary, err = o.repos.Memberships.ListByMember(ctx, rc.TenantID, secondaryID)
	}
	if err != nil {
		return err
	}

	duplicateOf := func(m models.Membership) bool {
		for _, p := range primary {
			sameOwner := p.OrganizationID == m.OrganizationID
			if t == models.EntityTypeOrganization {
				sameOwner = p.MemberID == m.MemberID
			}
			if sameOwner && p.SameRange(m) {
				return true
			}
		}
		return false
	}
	primaryHasPrimary := false
	for _, p := range primary {
		if p.IsPrimary() {
			primaryHasPrimary = true
		}
	}

	for _, m := range secondary {
		if duplicateOf(m) {
			if err := o.repos.Memberships.Delete(ctx, rc.TenantID, m.ID); err != nil {
				return fmt.Errorf("drop duplicate membership %s: %w", m.ID, err)
			}
			continue
		}
		memberID, organizationID := primaryID, m.OrganizationID
		if t == models.EntityTypeOrganization {
			memberID, organizationID = m.MemberID, primaryID
		} else if m.IsPrimary() && primaryHasPrimary {
			if err := o.repos.Memberships.SetPrimaryWorkExperience(ctx, rc.TenantID, m.ID, false); err != nil {
				return fmt.Errorf("clear primary work experience on %s: %w", m.ID, err)
			}
		}
		if err := o.repos.Memberships.Move(ctx, rc.TenantID, m.ID, memberID, organizationID); err != nil {
			return fmt.Errorf("move membership %s: %w", m.ID, err)
		}
	}
	return nil
}

func (o *Orchestrator) moveSegmentAffiliations(ctx context.Context, rc appctx.RequestContext, t models.EntityType, primaryID, secondaryID string) error {
	if t == models.EntityTypeOrganization {
		affiliations, err := o.repos.SegmentAffiliations.ListByOrganization(ctx, rc.TenantID, secondaryID)
		if err != nil {
			return err
		}
		for _, a := range affiliations {
			target := primaryID
			if err := o.repos.SegmentAffiliations.Move(ctx, rc.TenantID, a.ID, a.MemberID, &target); err != nil {
				return fmt.Errorf("move segment affiliation %s: %w", a.ID, err)
			}
		}
		return nil
	}

	affiliations, err := o.repos.SegmentAffiliations.ListByMember(ctx, rc.TenantID, secondaryID)
	if err != nil {
		return err
	}
	for _, a := range affiliations {
		if err := o.repos.SegmentAffiliations.Move(ctx, rc.TenantID, a.ID, primaryID, a.OrganizationID); err != nil {
			return fmt.Errorf("move segment affiliation %s: %w", a.ID, err)
		}
	}
	return nil
}

// restoreIdentities puts both sides' identities back to the snapshot. The
// primary's rows go first so that a verified flag upgraded during the merge is
// released before the secondary's verified copy returns.
func (o *Orchestrator) restoreIdentities(ctx context.Context, rc appctx.RequestContext, b *models.Backup) error {
	t := b.Type.EntityType()
	current, err := o.repos.Identities.List(ctx, rc.TenantID, t, b.Primary.Entity.ID)
	if err != nil {
		return err
	}
	moved := make(map[string]struct{}, len(b.Secondary.Identities))
	for _, i := range b.Secondary.Identities {
		moved[i.ID] = struct{}{}
	}
	for _, i := range current {
		if _, ok := moved[i.ID]; ok {
			if err := o.repos.Identities.Delete(ctx, rc.TenantID, i.ID); err != nil {
				return err
			}
		}
	}
	for _, i := range b.Primary.Identities {
		if err := o.repos.Identities.Upsert(ctx, i); err != nil {
			return fmt.Errorf("restore identity %s: %w", i.ID, err)
		}
	}
	for _, i := range b.Secondary.Identities {
		if err := o.repos.Identities.Upsert(ctx, i); err != nil {
			return fmt.Errorf("restore identity %s: %w", i.ID, err)
		}
	}
	return nil
}

// restoreAffiliationInputs writes every snapshotted membership, override and
// segment affiliation of both sides back by id.
func (o *Orchestrator) restoreAffiliationInputs(ctx context.Context, rc appctx.RequestContext, b *models.Backup) error {
	for _, snap := range []models.EntitySnapshot{b.Primary, b.Secondary} {
		for _, m := range snap.Memberships {
			if err := o.repos.Memberships.Upsert(ctx, m); err != nil {
				return fmt.Errorf("restore membership %s: %w", m.ID, err)
			}
		}
		for _, a := range snap.SegmentAffiliations {
			if err := o.repos.SegmentAffiliations.Upsert(ctx, a); err != nil {
				return fmt.Errorf("restore segment affiliation %s: %w", a.ID, err)
			}
		}
	}
	return nil
}
