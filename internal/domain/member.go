package domain

import "time"

// MembershipType is the tier a member has paid for.
type MembershipType string

const (
	MembershipAnnual   MembershipType = "annual"
	MembershipLifetime MembershipType = "lifetime"
)

// MembershipStatus is the commercial state of a membership.
type MembershipStatus string

const (
	MembershipActive    MembershipStatus = "active"
	MembershipExpired   MembershipStatus = "expired"
	MembershipSuspended MembershipStatus = "suspended"
	MembershipCancelled MembershipStatus = "cancelled"
)

// FraudStatus is the risk classification written by the fraud engine.
type FraudStatus string

const (
	FraudClean      FraudStatus = "clean"
	FraudMonitored  FraudStatus = "monitored"
	FraudRestricted FraudStatus = "restricted"
	FraudBlocked    FraudStatus = "blocked"
)

// Member is a loyalty program member.
type Member struct {
	ID               string           `json:"id"`
	Name             string           `json:"name"`
	Email            string           `json:"email"`
	MembershipType   MembershipType   `json:"membershipType"`
	MembershipStatus MembershipStatus `json:"membershipStatus"`
	FraudStatus      FraudStatus      `json:"fraudStatus"`
	FraudScore       int              `json:"fraudScore"`
	Country          string           `json:"country,omitempty"`
	SubscriptionEnd  *time.Time       `json:"subscriptionEnd,omitempty"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

// SubscriptionLapsed reports whether the paid period ended before now.
// Lifetime members carry no end date.
func (m *Member) SubscriptionLapsed(now time.Time) bool {
	return m.SubscriptionEnd != nil && m.SubscriptionEnd.Before(now)
}
