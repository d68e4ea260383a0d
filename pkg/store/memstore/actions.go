package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/errs"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/models"
)

type actionRepo struct{ s *Store }

func (r actionRepo) Create(_ context.Context, action *models.MergeAction) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fault("actions.Create"); err != nil {
		return err
	}
	pair := models.PairKey(action.PrimaryID, action.SecondaryID)
	for _, a := range r.s.actions {
		if a.TenantID == action.TenantID && a.Type == action.Type && a.State.InFlight() &&
			models.PairKey(a.PrimaryID, a.SecondaryID) == pair {
			return errs.ConcurrentMerge("merge action %s is already in flight for %s", a.ID, pair)
		}
	}
	if action.ID == "" {
		action.ID = uuid.NewString()
	}
	if action.State == "" {
		action.State = models.StatePending
	}
	now := r.s.Now()
	action.CreatedAt = now
	action.UpdatedAt = now
	r.s.actions[action.ID] = cloneAction(*action)
	return nil
}

func (r actionRepo) Get(_ context.Context, tenantID, id string) (*models.MergeAction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fault("actions.Get"); err != nil {
		return nil, err
	}
	a, ok := r.s.actions[id]
	if !ok || a.TenantID != tenantID {
		return nil, errs.NotFound("merge action %s not found", id)
	}
	a = cloneAction(a)
	return &a, nil
}

func (r actionRepo) ListInFlight(_ context.Context, tenantID string, actionType models.MergeActionType, ids ...string) ([]models.MergeAction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := []models.MergeAction{}
	for _, a := range r.s.actions {
		if a.TenantID == tenantID && a.Type == actionType && a.State.InFlight() && a.Touches(ids...) {
			out = append(out, cloneAction(a))
		}
	}
	sortActions(out)
	return out, nil
}

func (r actionRepo) LatestForPair(_ context.Context, tenantID string, actionType models.MergeActionType, primaryID, secondaryID string) (*models.MergeAction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var latest *models.MergeAction
	for _, a := range r.s.actions {
		if a.TenantID != tenantID || a.Type != actionType || a.PrimaryID != primaryID || a.SecondaryID != secondaryID {
			continue
		}
		if latest == nil || a.CreatedAt.After(latest.CreatedAt) ||
			(a.CreatedAt.Equal(latest.CreatedAt) && a.ID > latest.ID) {
			c := cloneAction(a)
			latest = &c
		}
	}
	if latest == nil {
		return nil, errs.NotFound("no merge action for %s into %s", secondaryID, primaryID)
	}
	return latest, nil
}

func (r actionRepo) Update(_ context.Context, u models.MergeActionUpdate) (*models.MergeAction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fault("actions.Update"); err != nil {
		return nil, err
	}
	a, ok := r.s.actions[u.ID]
	if !ok || a.TenantID != u.TenantID {
		return nil, errs.NotFound("merge action %s not found", u.ID)
	}
	if u.ExpectState != nil && a.State != *u.ExpectState {
		return nil, errs.ConcurrentMerge("merge action %s is %s, expected %s", a.ID, a.State, *u.ExpectState)
	}
	if u.Step != nil {
		a.Step = *u.Step
	}
	if u.State != nil {
		a.State = *u.State
	}
	if u.UnmergeBackup != nil {
		a.UnmergeBackup = u.UnmergeBackup
	}
	if u.ClearError {
		a.Error = nil
	}
	if u.Error != nil {
		a.Error = strPtr(u.Error)
	}
	a.UpdatedAt = r.s.Now()
	a = cloneAction(a)
	r.s.actions[a.ID] = a
	out := cloneAction(a)
	return &out, nil
}

func (r actionRepo) List(_ context.Context, f models.MergeActionFilter) ([]models.MergeAction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := []models.MergeAction{}
	for _, a := range r.s.actions {
		if a.TenantID != f.TenantID {
			continue
		}
		if (f.Type != "" && a.Type != f.Type) || (f.State != "" && a.State != f.State) ||
			(f.EntityID != "" && !a.Touches(f.EntityID)) {
			continue
		}
		out = append(out, cloneAction(a))
	}
	sortActions(out)
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return []models.MergeAction{}, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// sortActions orders newest first.
func sortActions(out []models.MergeAction) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
}

type watermarkRepo struct{ s *Store }

func (r watermarkRepo) Get(_ context.Context, name string) (time.Time, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.watermarks[name], nil
}

func (r watermarkRepo) Set(_ context.Context, name string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.fault("watermarks.Set"); err != nil {
		return err
	}
	r.s.watermarks[name] = at
	return nil
}
