package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/errs"
)

func TestValidateMembership(t *testing.T) {
	start := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	before := start.AddDate(0, -1, 0)
	after := start.AddDate(1, 0, 0)

	tests := []struct {
		name  string
		m     Membership
		valid bool
	}{
		{"dated", Membership{TenantID: "t", MemberID: "m", OrganizationID: "o", DateStart: &start, DateEnd: &after}, true},
		{"undated", Membership{TenantID: "t", MemberID: "m", OrganizationID: "o"}, true},
		{"same day", Membership{TenantID: "t", MemberID: "m", OrganizationID: "o", DateStart: &start, DateEnd: &start}, true},
		{"ends before start", Membership{TenantID: "t", MemberID: "m", OrganizationID: "o", DateStart: &start, DateEnd: &before}, false},
		{"missing organization", Membership{TenantID: "t", MemberID: "m"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMembership(tt.m)
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, errs.ErrValidation)
		})
	}
}

func TestMembership_Contains(t *testing.T) {
	start := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2022, 12, 31, 0, 0, 0, 0, time.UTC)
	m := Membership{DateStart: &start, DateEnd: &end}

	assert.True(t, m.Contains(start))
	assert.True(t, m.Contains(end))
	assert.False(t, m.Contains(end.Add(time.Second)))
	assert.False(t, Membership{}.Contains(start))
	assert.True(t, Membership{DateStart: &start}.Contains(end.AddDate(5, 0, 0)))
}

func TestPairKey_IsOrderIndependent(t *testing.T) {
	assert.Equal(t, PairKey("a", "b"), PairKey("b", "a"))
	assert.NotEqual(t, PairKey("a", "b"), PairKey("a", "c"))
}
