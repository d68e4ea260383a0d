package affiliation

import "github.com/CrowdDotDev/crowd.dev-sub007/pkg/models"

// SelectCurrentOrganization picks the organization shown on a member profile.
//
// It is not the per-activity resolver: it ignores timestamps and segments and
// only looks at memberships that are still running or undated.
func SelectCurrentOrganization(memberships []models.Membership) (string, bool) {
	var primaryOpen, open, undated []models.Membership
	for _, m := range memberships {
		if !m.AllowsAffiliation() || m.HasBlacklistedTitle() {
			continue
		}
		switch {
		case m.IsOpenEnded() && m.IsPrimary():
			primaryOpen = append(primaryOpen, m)
		case m.IsOpenEnded():
			open = append(open, m)
		case m.IsUndated():
			undated = append(undated, m)
		}
	}

	switch {
	case len(primaryOpen) > 0:
		return latestStart(primaryOpen).OrganizationID, true
	case len(open) > 0:
		return latestStart(open).OrganizationID, true
	case len(undated) > 0:
		return pickLatestCreated(undated).OrganizationID, true
	}
	return "", false
}

func latestStart(candidates []models.Membership) models.Membership {
	best := candidates[0]
	for _, m := range candidates[1:] {
		if laterStart(m.DateStart, best.DateStart) ||
			(sameStart(m.DateStart, best.DateStart) && m.ID < best.ID) {
			best = m
		}
	}
	return best
}
