package domain

import (
	"encoding/json"
	"time"
)

// CountryRule holds the commercial and compliance constraints of a jurisdiction.
type CountryRule struct {
	CountryCode            string                 `json:"countryCode"`
	AllowedMembershipTypes []string               `json:"allowedMembershipTypes"`
	MaxDiscountPercentage  float64                `json:"maxDiscountPercentage"`
	Currency               string                 `json:"currency"`
	TaxRules               json.RawMessage        `json:"taxRules,omitempty"`
	ComplianceRestrictions ComplianceRestrictions `json:"complianceRestrictions"`
	BlackoutPeriods        BlackoutPeriods        `json:"blackoutPeriods"`
	Active                 bool                   `json:"active"`
	UpdatedAt              time.Time              `json:"updatedAt"`
}

// AllowsType reports whether the membership type is sold in this country.
func (r *CountryRule) AllowsType(t MembershipType) bool {
	for _, allowed := range r.AllowedMembershipTypes {
		if MembershipType(allowed) == t {
			return true
		}
	}
	return false
}

// BlackoutPeriods lists windows in which no discount may be granted.
// Any single match blocks.
type BlackoutPeriods struct {
	Dates    []string    `json:"dates,omitempty"`    // YYYY-MM-DD
	Weekdays []int       `json:"weekdays,omitempty"` // 0 = Sunday
	Hours    []HourRange `json:"hours,omitempty"`
}

// HourRange is a half-open [Start, End) hour window. Start > End wraps midnight.
type HourRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Contains reports whether hour falls in the range.
func (h HourRange) Contains(hour int) bool {
	if h.Start <= h.End {
		return hour >= h.Start && hour < h.End
	}
	return hour >= h.Start || hour < h.End
}

// ComplianceRestrictions are jurisdiction-specific restrictions.
// Expressions are CEL predicates; a true result blocks the tap.
type ComplianceRestrictions struct {
	RestrictedMembershipTypes []string `json:"restrictedMembershipTypes,omitempty"`
	Expressions               []string `json:"expressions,omitempty"`
}

// Restricts reports whether the membership type is listed as restricted.
func (c ComplianceRestrictions) Restricts(t MembershipType) bool {
	for _, r := range c.RestrictedMembershipTypes {
		if MembershipType(r) == t {
			return true
		}
	}
	return false
}
