package models

import (
	"github.com/go-playground/validator/v10"

	"github.com/CrowdDotDev/crowd.dev-sub007/pkg/errs"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterStructValidation(membershipRangeValidation, Membership{})
	v.RegisterStructValidation(segmentAffiliationRangeValidation, SegmentAffiliation{})
	return v
}

func membershipRangeValidation(sl validator.StructLevel) {
	m := sl.Current().Interface().(Membership)
	if m.DateStart != nil && m.DateEnd != nil && m.DateEnd.Before(*m.DateStart) {
		sl.ReportError(m.DateEnd, "DateEnd", "date_end", "gtefield", "DateStart")
	}
}

func segmentAffiliationRangeValidation(sl validator.StructLevel) {
	s := sl.Current().Interface().(SegmentAffiliation)
	if s.DateStart != nil && s.DateEnd != nil && s.DateEnd.Before(*s.DateStart) {
		sl.ReportError(s.DateEnd, "DateEnd", "date_end", "gtefield", "DateStart")
	}
}

// ValidateMembership rejects memberships missing their owners or ending before they start.
func ValidateMembership(m Membership) error {
	if err := validate.Struct(m); err != nil {
		return errs.Validation("invalid membership %q: %v", m.ID, err)
	}
	return nil
}

// ValidateSegmentAffiliation applies the same range rule to segment affiliations.
func ValidateSegmentAffiliation(s SegmentAffiliation) error {
	if err := validate.Struct(s); err != nil {
		return errs.Validation("invalid segment affiliation %q: %v", s.ID, err)
	}
	return nil
}
