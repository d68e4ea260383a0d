// Package affiliation decides which organization a member's activity belongs to.
package affiliation

import (
	"sort"
	"time"

	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/models"
)

// Set is everything the resolver needs to know about one member.
type Set struct {
	Memberships         []models.Membership
	SegmentAffiliations []models.SegmentAffiliation
}

// Rule names the precedence rule that produced a resolution.
type Rule string

const (
	RuleSegmentAffiliation Rule = "segment-affiliation"
	RuleDatedMembership    Rule = "dated-membership"
	RuleUndatedBefore      Rule = "undated-created-before"
	RuleUndatedAny         Rule = "undated-any"
	RuleNone               Rule = "none"
)

// Resolution is the outcome of Resolve.
type Resolution struct {
	OrganizationID string
	Rule           Rule
}

// Found is false when the activity has no organization.
func (r Resolution) Found() bool {
	return r.OrganizationID != ""
}

// OrganizationPtr returns the organization as a nullable column value.
func (r Resolution) OrganizationPtr() *string {
	if !r.Found() {
		return nil
	}
	id := r.OrganizationID
	return &id
}

// Resolve maps (timestamp, segment) to an organization using the member's set.
// The first matching rule wins; candidates are never blended.
func Resolve(set Set, ts time.Time, segmentID string) Resolution {
	if target := segmentTarget(set.SegmentAffiliations, ts, segmentID); target.IsSet() {
		if target.Kind == models.AffiliationOrganization {
			return Resolution{OrganizationID: target.OrganizationID, Rule: RuleSegmentAffiliation}
		}
		return Resolution{Rule: RuleSegmentAffiliation}
	}

	var dated, undatedBefore, undated []models.Membership
	for _, m := range set.Memberships {
		if !m.AllowsAffiliation() || m.HasBlacklistedTitle() {
			continue
		}
		switch {
		case m.Contains(ts):
			dated = append(dated, m)
		case m.IsUndated():
			undated = append(undated, m)
			if !m.CreatedAt.After(ts) {
				undatedBefore = append(undatedBefore, m)
			}
		}
	}

	if len(dated) > 0 {
		return Resolution{OrganizationID: pickDated(dated).OrganizationID, Rule: RuleDatedMembership}
	}
	if len(undatedBefore) > 0 {
		return Resolution{OrganizationID: pickLatestCreated(undatedBefore).OrganizationID, Rule: RuleUndatedBefore}
	}
	if len(undated) > 0 {
		return Resolution{OrganizationID: pickLatestCreated(undated).OrganizationID, Rule: RuleUndatedAny}
	}
	return Resolution{Rule: RuleNone}
}

// segmentTarget returns the manual affiliation for segmentID covering ts, or Unset.
func segmentTarget(affiliations []models.SegmentAffiliation, ts time.Time, segmentID string) models.AffiliationTarget {
	var best *models.SegmentAffiliation
	for i := range affiliations {
		a := &affiliations[i]
		if a.SegmentID != segmentID || !a.Contains(ts) {
			continue
		}
		if best == nil || laterStart(a.DateStart, best.DateStart) ||
			(sameStart(a.DateStart, best.DateStart) && a.ID < best.ID) {
			best = a
		}
	}
	if best == nil {
		return models.Unset()
	}
	return best.Target()
}

// pickDated prefers an override-flagged primary, then the latest start, then the
// oldest record, then the lowest id.
func pickDated(candidates []models.Membership) models.Membership {
	sorted := append([]models.Membership(nil), candidates...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.IsPrimary() != b.IsPrimary() {
			return a.IsPrimary()
		}
		if !sameStart(a.DateStart, b.DateStart) {
			return laterStart(a.DateStart, b.DateStart)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return sorted[0]
}

func pickLatestCreated(candidates []models.Membership) models.Membership {
	best := candidates[0]
	for _, m := range candidates[1:] {
		if m.CreatedAt.After(best.CreatedAt) || (m.CreatedAt.Equal(best.CreatedAt) && m.ID < best.ID) {
			best = m
		}
	}
	return best
}

// laterStart orders starts descending with a missing start last.
func laterStart(a, b *time.Time) bool {
	switch {
	case a == nil:
		return false
	case b == nil:
		return true
	default:
		return a.After(*b)
	}
}

func sameStart(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
