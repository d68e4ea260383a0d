// Package events tells downstream consumers (search index, analytics
// warehouse) that an entity's data changed. Every call is fire-and-forget.
package events

import (
	"context"
	"sync"

	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/models"
)

const (
	EventMemberSync       = "member.sync"
	EventOrganizationSync = "organization.sync"
	EventEntityMerged     = "entity.merged"
	EventEntityUnmerged   = "entity.unmerged"
)

// SyncOptions tune an organization sync.
type SyncOptions struct {
	// WithAggs also recomputes the organization's aggregates.
	WithAggs bool `json:"with_aggs"`
}

// Notifier never reports failures to the caller; they are logged.
type Notifier interface {
	TriggerMemberSync(ctx context.Context, tenantID, memberID string)
	TriggerOrganizationSync(ctx context.Context, tenantID, organizationID string, opts SyncOptions)
	// ActionFinished announces a merge or unmerge that reached a terminal state.
	ActionFinished(ctx context.Context, action models.MergeAction)
}

// Nop drops every notification.
type Nop struct{}

func (Nop) TriggerMemberSync(context.Context, string, string)                    {}
func (Nop) TriggerOrganizationSync(context.Context, string, string, SyncOptions) {}
func (Nop) ActionFinished(context.Context, models.MergeAction)                   {}

// Notification is one call seen by a Recorder.
type Notification struct {
	Event    string
	TenantID string
	EntityID string
	Options  SyncOptions
}

// Recorder keeps notifications in memory.
type Recorder struct {
	mu    sync.Mutex
	calls []Notification
}

func (r *Recorder) record(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, n)
}

func (r *Recorder) TriggerMemberSync(_ context.Context, tenantID, memberID string) {
	r.record(Notification{Event: EventMemberSync, TenantID: tenantID, EntityID: memberID})
}

func (r *Recorder) TriggerOrganizationSync(_ context.Context, tenantID, organizationID string, opts SyncOptions) {
	r.record(Notification{Event: EventOrganizationSync, TenantID: tenantID, EntityID: organizationID, Options: opts})
}

func (r *Recorder) ActionFinished(_ context.Context, action models.MergeAction) {
	event := EventEntityMerged
	if action.State == models.StateUnmerged {
		event = EventEntityUnmerged
	}
	r.record(Notification{Event: event, TenantID: action.TenantID, EntityID: action.PrimaryID})
}

// Calls returns a copy of everything recorded so far.
func (r *Recorder) Calls() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.calls...)
}

// Has reports whether event was recorded for entityID.
func (r *Recorder) Has(event, entityID string) bool {
	for _, c := range r.Calls() {
		if c.Event == event && c.EntityID == entityID {
			return true
		}
	}
	return false
}
