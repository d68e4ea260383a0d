// Package memstore is an in-memory implementation of the store interfaces.
// It mirrors the Postgres repositories closely enough to drive engine tests,
// including the unique indexes the engine relies on.
package memstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/models"
	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/store"
)

// Store holds every table in maps guarded by one mutex.
type Store struct {
	mu sync.Mutex

	Now func() time.Time

	entities    map[string]models.Entity
	identities  map[string]models.Identity
	memberships map[string]models.Membership
	segments    map[string]models.SegmentAffiliation
	relations   map[string]models.ActivityRelation
	journal     map[string]map[string]struct{}
	actions     map[string]models.MergeAction
	watermarks  map[string]time.Time

	relationWrites int64
	faults         map[string]func() error
}

func New() *Store {
	return &Store{
		Now:         func() time.Time { return time.Now().UTC() },
		entities:    map[string]models.Entity{},
		identities:  map[string]models.Identity{},
		memberships: map[string]models.Membership{},
		segments:    map[string]models.SegmentAffiliation{},
		relations:   map[string]models.ActivityRelation{},
		journal:     map[string]map[string]struct{}{},
		actions:     map[string]models.MergeAction{},
		watermarks:  map[string]time.Time{},
		faults:      map[string]func() error{},
	}
}

// Repos returns the store bundle backed by s.
func (s *Store) Repos() store.Store {
	return store.Store{
		Entities:            entityRepo{s},
		Identities:          identityRepo{s},
		Memberships:         membershipRepo{s},
		SegmentAffiliations: segmentRepo{s},
		Relations:           relationRepo{s},
		MergeActions:        actionRepo{s},
		Watermarks:          watermarkRepo{s},
		Tx:                  s,
	}
}

// WithinTx runs fn directly; the in-memory store has no rollback.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// FailOn installs a hook consulted at the start of op, e.g. "relations.MoveForMerge".
// A non-nil error from fn is returned by the operation. A nil fn removes the hook.
func (s *Store) FailOn(op string, fn func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn == nil {
		delete(s.faults, op)
		return
	}
	s.faults[op] = fn
}

// fault must be called with s.mu held.
func (s *Store) fault(op string) error {
	if fn, ok := s.faults[op]; ok {
		return fn()
	}
	return nil
}

// RelationWrites counts relation rows written by moves, restores and recomputes.
func (s *Store) RelationWrites() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.relationWrites
}

func (s *Store) SeedEntity(e models.Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.Now()
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = e.CreatedAt
	}
	s.entities[e.ID] = e
}

func (s *Store) SeedIdentity(i models.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identities[i.ID] = i
}

func (s *Store) SeedRelation(r models.ActivityRelation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.relations[r.ActivityID] = cloneRelation(r)
}

// Relation returns a copy of one relation row.
func (s *Store) Relation(activityID string) (models.ActivityRelation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.relations[activityID]
	return cloneRelation(r), ok
}

// Journal returns the activity ids journaled against actionID, sorted.
func (s *Store) Journal(actionID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedKeys(s.journal[actionID])
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func strPtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func timePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneRelation(r models.ActivityRelation) models.ActivityRelation {
	r.OrganizationID = strPtr(r.OrganizationID)
	return r
}

func cloneMembership(m models.Membership) models.Membership {
	m.DateStart = timePtr(m.DateStart)
	m.DateEnd = timePtr(m.DateEnd)
	m.DeletedAt = timePtr(m.DeletedAt)
	if m.Override != nil {
		o := *m.Override
		m.Override = &o
	}
	return m
}

func cloneSegment(a models.SegmentAffiliation) models.SegmentAffiliation {
	a.OrganizationID = strPtr(a.OrganizationID)
	a.DateStart = timePtr(a.DateStart)
	a.DateEnd = timePtr(a.DateEnd)
	return a
}

func cloneEntity(e models.Entity) models.Entity {
	e.DeletedAt = timePtr(e.DeletedAt)
	if e.Attributes != nil {
		e.Attributes = append(json.RawMessage(nil), e.Attributes...)
	}
	return e
}

// cloneAction deep copies the backup so callers cannot mutate stored state.
func cloneAction(a models.MergeAction) models.MergeAction {
	a.Error = strPtr(a.Error)
	if a.UnmergeBackup != nil {
		raw, err := json.Marshal(a.UnmergeBackup)
		if err == nil {
			var b models.Backup
			if json.Unmarshal(raw, &b) == nil {
				a.UnmergeBackup = &b
			}
		}
	}
	return a
}
