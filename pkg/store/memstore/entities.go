package memstore

import (
	"context"
	"sort"

	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/errs"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/models"
)

type entityRepo struct{ s *Store }

func (r entityRepo) Get(ctx context.Context, tenantID string, entityType models.EntityType, id string) (*models.Entity, error) {
	e, err := r.GetAny(ctx, tenantID, entityType, id)
	if err != nil {
		return nil, err
	}
	if e.IsDeleted() {
		return nil, errs.NotFound("%s %s not found", entityType, id)
	}
	return e, nil
}

func (r entityRepo) GetAny(_ context.Context, tenantID string, entityType models.EntityType, id string) (*models.Entity, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fault("entities.Get"); err != nil {
		return nil, err
	}
	e, ok := r.s.entities[id]
	if !ok || e.TenantID != tenantID || e.Type != entityType {
		return nil, errs.NotFound("%s %s not found", entityType, id)
	}
	e = cloneEntity(e)
	return &e, nil
}

func (r entityRepo) SoftDelete(_ context.Context, tenantID string, entityType models.EntityType, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fault("entities.SoftDelete"); err != nil {
		return err
	}
	e, ok := r.s.entities[id]
	if !ok || e.TenantID != tenantID || e.Type != entityType {
		return errs.NotFound("%s %s not found", entityType, id)
	}
	if e.DeletedAt == nil {
		now := r.s.Now()
		e.DeletedAt = &now
		e.UpdatedAt = now
		r.s.entities[id] = e
	}
	return nil
}

func (r entityRepo) Restore(_ context.Context, entity models.Entity) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fault("entities.Restore"); err != nil {
		return err
	}
	r.s.entities[entity.ID] = cloneEntity(entity)
	return nil
}

type identityRepo struct{ s *Store }

func (r identityRepo) List(_ context.Context, tenantID string, entityType models.EntityType, entityID string) ([]models.Identity, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fault("identities.List"); err != nil {
		return nil, err
	}
	out := []models.Identity{}
	for _, i := range r.s.identities {
		if i.TenantID == tenantID && i.EntityType == entityType && i.EntityID == entityID {
			out = append(out, i)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

// verifiedConflict mirrors the partial unique index on verified identities.
func (s *Store) verifiedConflict(candidate models.Identity) error {
	if !candidate.Verified {
		return nil
	}
	for _, i := range s.identities {
		if i.ID == candidate.ID || !i.Verified {
			continue
		}
		if i.TenantID == candidate.TenantID && i.EntityType == candidate.EntityType && i.Key() == candidate.Key() {
			return errs.Validation("verified identity %s/%s/%s already belongs to %s",
				i.Platform, i.Type, i.Value, i.EntityID)
		}
	}
	return nil
}

func (r identityRepo) Move(_ context.Context, tenantID, identityID, toEntityID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fault("identities.Move"); err != nil {
		return err
	}
	i, ok := r.s.identities[identityID]
	if !ok || i.TenantID != tenantID {
		return errs.NotFound("identity %s not found", identityID)
	}
	i.EntityID = toEntityID
	i.UpdatedAt = r.s.Now()
	r.s.identities[identityID] = i
	return nil
}

func (r identityRepo) Delete(_ context.Context, tenantID, identityID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fault("identities.Delete"); err != nil {
		return err
	}
	if i, ok := r.s.identities[identityID]; ok && i.TenantID == tenantID {
		delete(r.s.identities, identityID)
	}
	return nil
}

func (r identityRepo) SetVerified(_ context.Context, tenantID, identityID string, verified bool) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fault("identities.SetVerified"); err != nil {
		return err
	}
	i, ok := r.s.identities[identityID]
	if !ok || i.TenantID != tenantID {
		return errs.NotFound("identity %s not found", identityID)
	}
	i.Verified = verified
	if err := r.s.verifiedConflict(i); err != nil {
		return err
	}
	i.UpdatedAt = r.s.Now()
	r.s.identities[identityID] = i
	return nil
}

func (r identityRepo) Upsert(_ context.Context, identity models.Identity) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fault("identities.Upsert"); err != nil {
		return err
	}
	if err := r.s.verifiedConflict(identity); err != nil {
		return err
	}
	r.s.identities[identity.ID] = identity
	return nil
}

func (r identityRepo) FindVerifiedOwner(_ context.Context, tenantID string, entityType models.EntityType, key models.IdentityKey) (*models.Identity, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, i := range r.s.identities {
		if i.Verified && i.TenantID == tenantID && i.EntityType == entityType && i.Key() == key {
			found := i
			return &found, nil
		}
	}
	return nil, errs.NotFound("no verified owner of %s/%s/%s", key.Platform, key.Type, key.Value)
}
