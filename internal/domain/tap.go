package domain

import "time"

// TapRequest is what a POS terminal sends on every card tap.
type TapRequest struct {
	CardUID           string   `json:"cardUid"`
	VendorID          string   `json:"vendorId"`
	POSReaderID       string   `json:"posReaderId"`
	Latitude          *float64 `json:"latitude,omitempty"`
	Longitude         *float64 `json:"longitude,omitempty"`
	TransactionAmount *float64 `json:"transactionAmount,omitempty"`
}

// TapResponse is the flat approve/reject signal returned to the terminal.
type TapResponse struct {
	Approved       bool           `json:"approved"`
	Reason         string         `json:"reason,omitempty"`
	TapLogID       string         `json:"tapLogId,omitempty"`
	MemberID       string         `json:"memberId,omitempty"`
	MembershipType MembershipType `json:"membershipType,omitempty"`
	Offer          *AppliedOffer  `json:"offer"`
	FraudScore     int            `json:"fraudScore"`
	Timestamp      time.Time      `json:"timestamp"`
	Currency       string         `json:"currency,omitempty"`
}

// Rejection reason codes. Terminals map these to display messages.
const (
	ReasonCardUIDNotFound    = "card_uid_not_found"
	ReasonCardExpired        = "card_expired"
	ReasonCardBlocked        = "card_blocked"
	ReasonCardNotLinked      = "card_not_linked_to_member"
	ReasonMemberNotFound     = "member_not_found"
	ReasonMemberFraudBlocked = "member_fraud_blocked"
	ReasonMembershipExpired  = "membership_expired"
	ReasonVendorNotFound     = "vendor_not_found"
	ReasonVendorInactive     = "vendor_inactive"
	ReasonCountryRuleMissing = "country_rule_not_found"
	ReasonCountryInactive    = "country_inactive"
	ReasonTypeNotInCountry   = "membership_type_not_allowed_in_country"
	ReasonTypeNotAtVendor    = "membership_type_not_allowed_by_vendor"
	ReasonBlackoutPeriod     = "blackout_period"
	ReasonComplianceType     = "compliance_restricted_membership_type"
	ReasonComplianceRule     = "compliance_expression_blocked"
	ReasonValidationError    = "validation_error"
)

// CardStatusReason returns the rejection reason for a non-active card status.
func CardStatusReason(s CardStatus) string {
	return "card_" + string(s)
}

// MembershipStatusReason returns the rejection reason for a membership status.
func MembershipStatusReason(s MembershipStatus) string {
	return "membership_" + string(s)
}
