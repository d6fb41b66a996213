package fraud

// Fraud flags raised by the summed checks.
const (
	FlagGeoInconsistency  = "geo_inconsistency"
	FlagExcessiveHourly   = "excessive_hourly_taps"
	FlagExcessiveDaily    = "excessive_daily_taps"
	FlagCountryMismatch   = "country_mismatch"
	FlagCardNotLinked     = "card_not_linked_to_member"
	FlagExpiredCardAccess = "expired_card_access"
	FlagBlockedCardAccess = "blocked_card_access"
	FlagCloning           = "possible_cloning_attempt"
)

// Fraud event types, one per event.
const (
	EventCardCloning          = "card_cloning"
	EventGeoInconsistency     = "geo_inconsistency"
	EventExcessiveTaps        = "excessive_taps"
	EventCountryMismatch      = "country_mismatch"
	EventExpiredBlockedAccess = "expired_blocked_access"
	EventSuspiciousActivity   = "suspicious_activity"
)

// flagPriority orders flags from most to least serious.
var flagPriority = []struct {
	flags []string
	event string
}{
	{[]string{FlagCloning}, EventCardCloning},
	{[]string{FlagGeoInconsistency}, EventGeoInconsistency},
	{[]string{FlagExcessiveHourly, FlagExcessiveDaily}, EventExcessiveTaps},
	{[]string{FlagCountryMismatch}, EventCountryMismatch},
	{[]string{FlagCardNotLinked, FlagExpiredCardAccess, FlagBlockedCardAccess}, EventExpiredBlockedAccess},
}

// EventType classifies a set of flags into a single fraud event type.
func EventType(flags []string) string {
	for _, p := range flagPriority {
		if hasAny(flags, p.flags) {
			return p.event
		}
	}
	return EventSuspiciousActivity
}

// PrimaryFlag returns the most serious flag raised, used as the rejection reason.
func PrimaryFlag(flags []string) string {
	for _, p := range flagPriority {
		for _, f := range p.flags {
			if hasAny(flags, []string{f}) {
				return f
			}
		}
	}
	if len(flags) > 0 {
		return flags[0]
	}
	return EventSuspiciousActivity
}

func hasAny(flags, want []string) bool {
	for _, f := range flags {
		for _, w := range want {
			if f == w {
				return true
			}
		}
	}
	return false
}
