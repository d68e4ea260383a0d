package models

import (
	"strings"
	"time"
)

// MergeActionType is the kind of entity a merge action combines
type MergeActionType string

const (
	MergeActionTypeMember MergeActionType = "member"
	MergeActionTypeOrg    MergeActionType = "org"
)

// MergeActionTypeFor maps an entity type to its merge action type.
func MergeActionTypeFor(t EntityType) MergeActionType {
	if t == EntityTypeOrganization {
		return MergeActionTypeOrg
	}
	return MergeActionTypeMember
}

func (t MergeActionType) EntityType() EntityType {
	if t == MergeActionTypeOrg {
		return EntityTypeOrganization
	}
	return EntityTypeMember
}

// MergeActionStep is the position of an action in the merge/unmerge state machine
type MergeActionStep string

const (
	StepMergeStarted          MergeActionStep = "merge-started"
	StepMergeRelationsMoved   MergeActionStep = "merge-relations-moved"
	StepMergeDone             MergeActionStep = "merge-done"
	StepUnmergeStarted        MergeActionStep = "unmerge-started"
	StepUnmergeRelationsMoved MergeActionStep = "unmerge-relations-moved"
	StepUnmergeDone           MergeActionStep = "unmerge-done"
)

// MergeActionState is the lifecycle state of a merge action
type MergeActionState string

const (
	StatePending    MergeActionState = "pending"
	StateInProgress MergeActionState = "in-progress"
	StateMerged     MergeActionState = "merged"
	StateUnmerged   MergeActionState = "unmerged"
	StateError      MergeActionState = "error"
)

// InFlight is true while the pair must not be touched by another action.
func (s MergeActionState) InFlight() bool {
	return s == StatePending || s == StateInProgress
}

// MergeAction is the audit and state record of one merge (and its unmerge)
type MergeAction struct {
	ID            string           `json:"id" db:"id"`
	TenantID      string           `json:"tenant_id" db:"tenant_id"`
	Type          MergeActionType  `json:"type" db:"type"`
	PrimaryID     string           `json:"primary_id" db:"primary_id"`
	SecondaryID   string           `json:"secondary_id" db:"secondary_id"`
	Step          MergeActionStep  `json:"step,omitempty" db:"step"`
	State         MergeActionState `json:"state" db:"state"`
	UnmergeBackup *Backup          `json:"unmerge_backup,omitempty" db:"-"`
	ActionBy      string           `json:"action_by" db:"action_by"`
	Error         *string          `json:"error,omitempty" db:"error"`
	CreatedAt     time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at" db:"updated_at"`
}

// Operation derives whether the action is currently a merge or an unmerge.
func (a MergeAction) Operation() string {
	if strings.HasPrefix(string(a.Step), "unmerge") {
		return "unmerge"
	}
	return "merge"
}

// Touches reports whether the action involves either id.
func (a MergeAction) Touches(ids ...string) bool {
	for _, id := range ids {
		if a.PrimaryID == id || a.SecondaryID == id {
			return true
		}
	}
	return false
}

// PairKey is the order-independent key of an entity pair.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

// MergeActionUpdate is a partial update applied to a merge action.
// Nil fields are left unchanged.
type MergeActionUpdate struct {
	ID            string
	TenantID      string
	Step          *MergeActionStep
	State         *MergeActionState
	UnmergeBackup *Backup
	Error         *string
	ClearError    bool
	// ExpectState guards the update with a compare-and-set on the current state.
	ExpectState *MergeActionState
}

// MergeActionFilter narrows audit queries
type MergeActionFilter struct {
	TenantID string
	Type     MergeActionType
	State    MergeActionState
	EntityID string
	Limit    int
	Offset   int
}

// MergeActionView is the read-only audit projection of a merge action
type MergeActionView struct {
	ID          string           `json:"id" yaml:"id"`
	Type        MergeActionType  `json:"type" yaml:"type"`
	PrimaryID   string           `json:"primary_id" yaml:"primary_id"`
	SecondaryID string           `json:"secondary_id" yaml:"secondary_id"`
	Operation   string           `json:"operation" yaml:"operation"`
	Step        MergeActionStep  `json:"step,omitempty" yaml:"step,omitempty"`
	State       MergeActionState `json:"state" yaml:"state"`
	ActionBy    string           `json:"action_by" yaml:"action_by"`
	HasBackup   bool             `json:"has_backup" yaml:"has_backup"`
	Error       *string          `json:"error,omitempty" yaml:"error,omitempty"`
	CreatedAt   time.Time        `json:"created_at" yaml:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at" yaml:"updated_at"`
}

func (a MergeAction) View() MergeActionView {
	return MergeActionView{
		ID:          a.ID,
		Type:        a.Type,
		PrimaryID:   a.PrimaryID,
		SecondaryID: a.SecondaryID,
		Operation:   a.Operation(),
		Step:        a.Step,
		State:       a.State,
		ActionBy:    a.ActionBy,
		HasBackup:   a.UnmergeBackup != nil,
		Error:       a.Error,
		CreatedAt:   a.CreatedAt,
		UpdatedAt:   a.UpdatedAt,
	}
}

func StepPtr(s MergeActionStep) *MergeActionStep    { return &s }
func StatePtr(s MergeActionState) *MergeActionState { return &s }
