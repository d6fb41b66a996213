package domain

import (
	"encoding/json"
	"time"
)

// OfferType controls how an offer's discount is computed and ranked.
type OfferType string

const (
	OfferPercentage  OfferType = "percentage"
	OfferFixedAmount OfferType = "fixed_amount"
	OfferFlash       OfferType = "flash"
	OfferVIPAccess   OfferType = "vip_access"
	OfferBOGO        OfferType = "bogo"
)

// Offer is a discount campaign. Nil filters apply to everything.
type Offer struct {
	ID                  string           `json:"id"`
	Code                string           `json:"code"`
	Type                OfferType        `json:"type"`
	MembershipType      *string          `json:"membershipType,omitempty"`
	VendorCategory      *string          `json:"vendorCategory,omitempty"`
	CountryCode         *string          `json:"countryCode,omitempty"`
	DiscountPercentage  float64          `json:"discountPercentage"`
	FixedAmount         float64          `json:"fixedAmount,omitempty"`
	MinPurchaseAmount   *float64         `json:"minPurchaseAmount,omitempty"`
	MaxDiscountAmount   *float64         `json:"maxDiscountAmount,omitempty"`
	UsageLimitPerMember int              `json:"usageLimitPerMember"`
	Priority            int              `json:"priority"`
	ValidFrom           time.Time        `json:"validFrom"`
	ValidUntil          time.Time        `json:"validUntil"`
	TimeRestrictions    TimeRestrictions `json:"timeRestrictions"`
	Conditions          json.RawMessage  `json:"conditions,omitempty"`
	Active              bool             `json:"active"`
	CreatedAt           time.Time        `json:"createdAt"`
}

// ValidAt reports whether t falls inside the offer's validity window.
func (o *Offer) ValidAt(t time.Time) bool {
	return !t.Before(o.ValidFrom) && !t.After(o.ValidUntil)
}

// TimeRestrictions narrows an offer to hours of the day and days of the week.
type TimeRestrictions struct {
	StartHour  *int  `json:"startHour,omitempty"`
	EndHour    *int  `json:"endHour,omitempty"`
	DaysOfWeek []int `json:"daysOfWeek,omitempty"` // 0 = Sunday
}

// Allows reports whether the restrictions permit a tap at t.
func (r TimeRestrictions) Allows(t time.Time) bool {
	if r.StartHour != nil && r.EndHour != nil {
		hr := HourRange{Start: *r.StartHour, End: *r.EndHour}
		if !hr.Contains(t.Hour()) {
			return false
		}
	}
	if len(r.DaysOfWeek) > 0 {
		day := int(t.Weekday())
		for _, d := range r.DaysOfWeek {
			if d == day {
				return true
			}
		}
		return false
	}
	return true
}

// OfferFilter selects base candidate offers at the storage layer.
type OfferFilter struct {
	MembershipType MembershipType
	VendorCategory string
	CountryCode    string
	At             time.Time
}

// AppliedOffer is the offer snapshot returned to the terminal and stored on the tap log.
type AppliedOffer struct {
	OfferID            string          `json:"offerId"`
	OfferCode          string          `json:"offerCode"`
	OfferType          OfferType       `json:"offerType"`
	DiscountPercentage float64         `json:"discountPercentage"`
	DiscountAmount     float64         `json:"discountAmount,omitempty"`
	MinPurchaseAmount  *float64        `json:"minPurchaseAmount,omitempty"`
	MaxDiscountAmount  *float64        `json:"maxDiscountAmount,omitempty"`
	ValidUntil         time.Time       `json:"validUntil"`
	Conditions         json.RawMessage `json:"conditions,omitempty"`
	Priority           int             `json:"priority"`
}
