package domain

import "time"

// CardStatus is the lifecycle state of a physical NFC card.
type CardStatus string

const (
	CardActive      CardStatus = "active"
	CardBlocked     CardStatus = "blocked"
	CardBlacklisted CardStatus = "blacklisted"
	CardLost        CardStatus = "lost"
	CardStolen      CardStatus = "stolen"
	CardDamaged     CardStatus = "damaged"
)

// Card is a physical NFC token bound to a member.
// UIDs are never reused: a reissued card gets a new UID and points back at
// the card it replaced.
type Card struct {
	ID           string     `json:"id"`
	UID          string     `json:"uid"`
	MemberID     string     `json:"memberId"`
	Status       CardStatus `json:"status"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
	BlockedAt    *time.Time `json:"blockedAt,omitempty"`
	ReissuedFrom string     `json:"reissuedFrom,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// cardTransitions lists the allowed status moves. Blacklisted is terminal.
var cardTransitions = map[CardStatus][]CardStatus{
	CardActive:  {CardBlocked, CardBlacklisted, CardLost, CardStolen, CardDamaged},
	CardBlocked: {CardActive, CardBlacklisted},
	CardLost:    {CardBlacklisted},
	CardStolen:  {CardBlacklisted},
	CardDamaged: {CardBlacklisted},
}

// ValidCardStatus reports whether s is a known card status.
func ValidCardStatus(s CardStatus) bool {
	switch s {
	case CardActive, CardBlocked, CardBlacklisted, CardLost, CardStolen, CardDamaged:
		return true
	}
	return false
}

// CanTransition reports whether the card may move to the given status.
func (c *Card) CanTransition(to CardStatus) bool {
	for _, s := range cardTransitions[c.Status] {
		if s == to {
			return true
		}
	}
	return false
}

// IsExpired reports whether the card expiry is before now.
func (c *Card) IsExpired(now time.Time) bool {
	return c.ExpiresAt != nil && c.ExpiresAt.Before(now)
}

// Terminal reports whether the card can never validate again.
func (c *Card) Terminal() bool {
	return len(cardTransitions[c.Status]) == 0
}
