package models

import "time"

// AffiliationKind is the state of a manual segment affiliation
type AffiliationKind int

const (
	// AffiliationUnset means no manual affiliation applies
	AffiliationUnset AffiliationKind = iota
	// AffiliationNone is an explicit "not affiliated with any organization"
	AffiliationNone
	// AffiliationOrganization pins activity to one organization
	AffiliationOrganization
)

// AffiliationTarget is Unset, NoAffiliation, or Organization(id).
type AffiliationTarget struct {
	Kind           AffiliationKind
	OrganizationID string
}

func Unset() AffiliationTarget { return AffiliationTarget{Kind: AffiliationUnset} }

func NoAffiliation() AffiliationTarget { return AffiliationTarget{Kind: AffiliationNone} }

func Organization(id string) AffiliationTarget {
	return AffiliationTarget{Kind: AffiliationOrganization, OrganizationID: id}
}

func (t AffiliationTarget) IsSet() bool { return t.Kind != AffiliationUnset }

// SegmentAffiliation is a per (member, segment) manual override for a date range.
// A nil OrganizationID encodes an explicit "no affiliation".
type SegmentAffiliation struct {
	ID             string     `json:"id" db:"id"`
	TenantID       string     `json:"tenant_id" db:"tenant_id" validate:"required"`
	MemberID       string     `json:"member_id" db:"member_id" validate:"required"`
	SegmentID      string     `json:"segment_id" db:"segment_id" validate:"required"`
	OrganizationID *string    `json:"organization_id" db:"organization_id"`
	DateStart      *time.Time `json:"date_start,omitempty" db:"date_start"`
	DateEnd        *time.Time `json:"date_end,omitempty" db:"date_end"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
}

func (s SegmentAffiliation) Target() AffiliationTarget {
	if s.OrganizationID == nil {
		return NoAffiliation()
	}
	return Organization(*s.OrganizationID)
}

// Contains reports whether ts falls in the affiliation's range. Missing bounds are open.
func (s SegmentAffiliation) Contains(ts time.Time) bool {
	if s.DateStart != nil && ts.Before(*s.DateStart) {
		return false
	}
	return s.DateEnd == nil || !ts.After(*s.DateEnd)
}
