package models

import (
	"time"

	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/errs"
)

// BackupVersion is bumped whenever the snapshot layout changes
const BackupVersion = 1

// Backup is the type-tagged snapshot captured before a merge mutates anything.
// Activity relations are not embedded; each moved relation is journaled against
// the merge action instead.
type Backup struct {
	Version       int             `json:"version"`
	Type          MergeActionType `json:"type"`
	MergeActionID string          `json:"merge_action_id"`
	CapturedAt    time.Time       `json:"captured_at"`
	Primary       EntitySnapshot  `json:"primary"`
	Secondary     EntitySnapshot  `json:"secondary"`
}

// EntitySnapshot is every row owned by or referencing one entity.
// For a member this is its memberships and segment affiliations; for an
// organization it is the memberships and segment affiliations pointing at it.
type EntitySnapshot struct {
	Entity              Entity               `json:"entity"`
	Identities          []Identity           `json:"identities"`
	Memberships         []Membership         `json:"memberships"`
	SegmentAffiliations []SegmentAffiliation `json:"segment_affiliations"`
}

// Check verifies the backup can restore the pair (primaryID, secondary).
func (b *Backup) Check(t MergeActionType, primaryID string) error {
	if b == nil {
		return errs.BackupUnavailable("no backup available for %s %s", t, primaryID)
	}
	if b.Version != BackupVersion {
		return errs.BackupUnavailable("backup version %d is not supported", b.Version)
	}
	if b.Type != t {
		return errs.Validation("backup is for %s entities, not %s", b.Type, t)
	}
	if b.Primary.Entity.ID != primaryID {
		return errs.Validation("backup primary %s does not match %s", b.Primary.Entity.ID, primaryID)
	}
	if b.Secondary.Entity.ID == "" {
		return errs.BackupUnavailable("backup for %s has no secondary snapshot", primaryID)
	}
	return nil
}
