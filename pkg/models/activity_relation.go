package models

import "time"

// ActivityRelation is the per-activity projection carrying resolved foreign keys
type ActivityRelation struct {
	ActivityID     string    `json:"activity_id" db:"activity_id"`
	TenantID       string    `json:"tenant_id" db:"tenant_id"`
	MemberID       string    `json:"member_id" db:"member_id"`
	OrganizationID *string   `json:"organization_id,omitempty" db:"organization_id"`
	SegmentID      string    `json:"segment_id" db:"segment_id"`
	Timestamp      time.Time `json:"timestamp" db:"timestamp"`
	Platform       string    `json:"platform" db:"platform"`
	Username       string    `json:"username" db:"username"`
	SourceID       string    `json:"source_id" db:"source_id"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// MemberChange is a member whose affiliation inputs changed at ChangedAt
type MemberChange struct {
	TenantID  string    `db:"tenant_id"`
	MemberID  string    `db:"member_id"`
	ChangedAt time.Time `db:"changed_at"`
}
