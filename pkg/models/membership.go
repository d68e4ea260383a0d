package models

import (
	"strings"
	"time"
)

// Titles that describe a non-employment relationship and never affiliate activity
var BlacklistedTitles = []string{"Investor", "Mentor", "Board Member"}

// Membership is a member's (possibly undated) work experience at an organization
type Membership struct {
	ID             string     `json:"id" db:"id"`
	TenantID       string     `json:"tenant_id" db:"tenant_id" validate:"required"`
	MemberID       string     `json:"member_id" db:"member_id" validate:"required"`
	OrganizationID string     `json:"organization_id" db:"organization_id" validate:"required"`
	Title          string     `json:"title,omitempty" db:"title"`
	Source         string     `json:"source,omitempty" db:"source"`
	DateStart      *time.Time `json:"date_start,omitempty" db:"date_start"`
	DateEnd        *time.Time `json:"date_end,omitempty" db:"date_end"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`

	Override *AffiliationOverride `json:"override,omitempty" db:"-"`
}

// AffiliationOverride is an operator directive attached to one membership
type AffiliationOverride struct {
	ID                      string    `json:"id" db:"id"`
	TenantID                string    `json:"tenant_id" db:"tenant_id"`
	MemberID                string    `json:"member_id" db:"member_id"`
	MembershipID            string    `json:"membership_id" db:"membership_id"`
	AllowAffiliation        bool      `json:"allow_affiliation" db:"allow_affiliation"`
	IsPrimaryWorkExperience bool      `json:"is_primary_work_experience" db:"is_primary_work_experience"`
	CreatedAt               time.Time `json:"created_at" db:"created_at"`
	UpdatedAt               time.Time `json:"updated_at" db:"updated_at"`
}

// IsUndated is true when neither bound is known.
func (m Membership) IsUndated() bool {
	return m.DateStart == nil && m.DateEnd == nil
}

// IsOpenEnded is true for a started membership with no end.
func (m Membership) IsOpenEnded() bool {
	return m.DateStart != nil && m.DateEnd == nil
}

// Contains reports whether ts falls in [DateStart, DateEnd]; a missing end is open.
func (m Membership) Contains(ts time.Time) bool {
	if m.DateStart == nil || ts.Before(*m.DateStart) {
		return false
	}
	return m.DateEnd == nil || !ts.After(*m.DateEnd)
}

func (m Membership) AllowsAffiliation() bool {
	return m.Override == nil || m.Override.AllowAffiliation
}

func (m Membership) IsPrimary() bool {
	return m.Override != nil && m.Override.IsPrimaryWorkExperience
}

func (m Membership) HasBlacklistedTitle() bool {
	for _, title := range BlacklistedTitles {
		if strings.EqualFold(strings.TrimSpace(m.Title), title) {
			return true
		}
	}
	return false
}

// SameRange reports whether both memberships cover exactly the same dates.
func (m Membership) SameRange(other Membership) bool {
	return sameTime(m.DateStart, other.DateStart) && sameTime(m.DateEnd, other.DateEnd)
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
