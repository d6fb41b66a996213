package domain

import "time"

// Vendor is a merchant location accepting member taps.
type Vendor struct {
	ID                     string    `json:"id"`
	Name                   string    `json:"name"`
	Country                string    `json:"country"`
	City                   string    `json:"city"`
	Category               string    `json:"category"`
	Active                 bool      `json:"active"`
	AllowedMembershipTiers []string  `json:"allowedMembershipTiers,omitempty"`
	MaxDiscountPercentage  *float64  `json:"maxDiscountPercentage,omitempty"`
	CreatedAt              time.Time `json:"createdAt"`
}

// AllowsTier reports whether the vendor accepts the membership type.
// An empty tier list accepts every type.
func (v *Vendor) AllowsTier(t MembershipType) bool {
	if len(v.AllowedMembershipTiers) == 0 {
		return true
	}
	for _, tier := range v.AllowedMembershipTiers {
		if MembershipType(tier) == t {
			return true
		}
	}
	return false
}
