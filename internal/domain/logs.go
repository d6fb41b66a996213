package domain

import (
	"encoding/json"
	"time"
)

// Tap validation results.
const (
	TapApproved = "approved"
	TapRejected = "rejected"
)

// TapLog is the append-only record of a single tap. It is never updated.
type TapLog struct {
	ID                string        `json:"id"`
	MemberID          string        `json:"memberId,omitempty"`
	CardUID           string        `json:"cardUid"`
	VendorID          string        `json:"vendorId"`
	POSReaderID       string        `json:"posReaderId"`
	Latitude          *float64      `json:"latitude,omitempty"`
	Longitude         *float64      `json:"longitude,omitempty"`
	FraudScore        int           `json:"fraudScore"`
	FraudFlags        []string      `json:"fraudFlags,omitempty"`
	ValidationResult  string        `json:"validationResult"`
	RejectionReason   string        `json:"rejectionReason,omitempty"`
	AppliedOffer      *AppliedOffer `json:"appliedOffer,omitempty"`
	TransactionAmount *float64      `json:"transactionAmount,omitempty"`
	CreatedAt         time.Time     `json:"createdAt"`
}

// TapHistory is a prior tap of a card joined with its vendor's location.
type TapHistory struct {
	TapLogID  string    `json:"tapLogId"`
	CardUID   string    `json:"cardUid"`
	VendorID  string    `json:"vendorId"`
	Country   string    `json:"country"`
	City      string    `json:"city"`
	Latitude  *float64  `json:"latitude,omitempty"`
	Longitude *float64  `json:"longitude,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Fraud event severities.
const (
	SeverityNone   = ""
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// FraudEvent is written whenever a tap scores above zero. Resolution fields
// are filled in later by an administrator.
type FraudEvent struct {
	ID              string     `json:"id"`
	MemberID        string     `json:"memberId"`
	CardUID         string     `json:"cardUid"`
	VendorID        string     `json:"vendorId,omitempty"`
	EventType       string     `json:"eventType"`
	Severity        string     `json:"severity"`
	FraudScore      int        `json:"fraudScore"`
	Flags           []string   `json:"flags"`
	Description     string     `json:"description"`
	Resolved        bool       `json:"resolved"`
	ResolvedBy      string     `json:"resolvedBy,omitempty"`
	ResolutionNotes string     `json:"resolutionNotes,omitempty"`
	ResolvedAt      *time.Time `json:"resolvedAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
}

// OfferUsageLog records a redeemed offer. Used to enforce per-member limits.
type OfferUsageLog struct {
	ID             string    `json:"id"`
	OfferID        string    `json:"offerId"`
	MemberID       string    `json:"memberId"`
	VendorID       string    `json:"vendorId"`
	TapLogID       string    `json:"tapLogId"`
	DiscountAmount float64   `json:"discountAmount"`
	OriginalAmount float64   `json:"originalAmount"`
	FinalAmount    float64   `json:"finalAmount"`
	CreatedAt      time.Time `json:"createdAt"`
}

// AuditEvent is a side-effect record handed to the audit collaborator.
type AuditEvent struct {
	ID         string          `json:"id"`
	Action     string          `json:"action"`
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Details    json.RawMessage `json:"details,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// Audit actions.
const (
	AuditTapApproved        = "tap.approved"
	AuditFraudDetected      = "fraud.detected"
	AuditCountryRuleUpdated = "country_rule.updated"
	AuditCardStatusChanged  = "card.status_changed"
	AuditCardReissued       = "card.reissued"
	AuditFraudResolved      = "fraud.resolved"
)
