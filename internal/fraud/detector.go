// Package fraud scores a single tap attempt for anomalies.
package fraud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/tapguard/internal/domain"
	"github.com/opensource-finance/tapguard/internal/geo"
	"github.com/opensource-finance/tapguard/internal/velocity"
)

// Score contributions of the summed checks.
const (
	ScoreFailClosed = 100
	scoreGeo        = 40
	scoreHourly     = 30
	scoreDaily      = 20
	scoreCountry    = 10
	scoreAccess     = 50
	scoreCloning    = 80
)

// Check windows.
const (
	geoWindow     = 60 * time.Minute
	hourlyWindow  = time.Hour
	dailyWindow   = 24 * time.Hour
	cloningWindow = 5 * time.Minute
)

// Actions recommended for a scored tap.
const (
	ActionNone            = ""
	ActionRejected        = "rejected"
	ActionBlockCard       = "block_card"
	ActionSoftRestriction = "soft_restriction"
	ActionLogged          = "logged"
)

// Tap is a single tap attempt as seen by the detector.
// VendorCountry and VendorCity are empty until the vendor is known.
type Tap struct {
	MemberID      string
	CardUID       string
	VendorID      string
	VendorCountry string
	VendorCity    string
	POSReaderID   string
	Latitude      *float64
	Longitude     *float64
	Timestamp     time.Time
}

func (t Tap) hasLocation() bool {
	return t.VendorCountry != ""
}

func (t Tap) hasCoordinates() bool {
	return t.Latitude != nil && t.Longitude != nil
}

// Result is the detector's verdict on a tap.
type Result struct {
	Valid      bool     `json:"valid"`
	FraudScore int      `json:"fraudScore"`
	FraudFlags []string `json:"fraudFlags,omitempty"`
	Severity   string   `json:"severity,omitempty"`
	Action     string   `json:"action,omitempty"`
	Reason     string   `json:"reason,omitempty"`

	// MemberFraudStatus is the status written to the member. Empty when
	// detection failed open or stopped before scoring.
	MemberFraudStatus domain.FraudStatus `json:"memberFraudStatus,omitempty"`

	// FraudEventID is set when a fraud event was recorded.
	FraudEventID string `json:"fraudEventId,omitempty"`
}

// Detector runs the card, member and anomaly checks.
type Detector struct {
	repo    domain.Repository
	history *velocity.Service
	audit   domain.AuditLogger
	cfg     domain.FraudConfig
	now     func() time.Time
}

// NewDetector creates a detector. audit may be nil.
func NewDetector(repo domain.Repository, audit domain.AuditLogger, cfg domain.FraudConfig) *Detector {
	return &Detector{
		repo:    repo,
		history: velocity.NewService(repo),
		audit:   audit,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Detect scores a tap. Card and member failures stop detection with a
// fail-closed result. Any internal error fails open: the result is valid
// with a zero score and the error is returned for logging.
func (d *Detector) Detect(ctx context.Context, tap Tap) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = failOpen(fmt.Errorf("fraud detection panic: %v", r))
		}
	}()

	if tap.Timestamp.IsZero() {
		tap.Timestamp = d.now()
	}

	card, err := d.repo.GetCardByUID(ctx, tap.CardUID)
	if errors.Is(err, domain.ErrNotFound) {
		return failClosed(domain.ReasonCardUIDNotFound), nil
	}
	if err != nil {
		return failOpen(fmt.Errorf("failed to load card: %w", err))
	}
	if reason := CardRejection(card, tap.Timestamp); reason != "" {
		return failClosed(reason), nil
	}

	member, err := d.repo.GetMember(ctx, tap.MemberID)
	if errors.Is(err, domain.ErrNotFound) {
		return failClosed(domain.ReasonMemberNotFound), nil
	}
	if err != nil {
		return failOpen(fmt.Errorf("failed to load member: %w", err))
	}
	if reason := memberRejection(member, tap.Timestamp); reason != "" {
		return failClosed(reason), nil
	}

	window, err := d.history.Load(ctx, tap.CardUID, tap.Timestamp)
	if err != nil {
		return failOpen(err)
	}

	var s scorer
	d.checkGeo(&s, tap, window)
	d.checkFrequency(&s, window)
	d.checkCountryMismatch(&s, tap, member)
	if err := d.checkAccess(ctx, &s, tap); err != nil {
		return failOpen(err)
	}
	d.checkCloning(&s, tap, window)

	res = d.classify(s)

	if err := d.repo.UpdateMemberFraud(ctx, member.ID, res.FraudScore, res.MemberFraudStatus); err != nil {
		return failOpen(fmt.Errorf("failed to update member fraud status: %w", err))
	}

	if res.FraudScore > 0 {
		id, err := d.recordEvent(ctx, tap, res)
		if err != nil {
			return failOpen(err)
		}
		res.FraudEventID = id
	}

	return res, nil
}

// CardRejection returns the reason a card must be refused outright, or "".
func CardRejection(card *domain.Card, now time.Time) string {
	switch card.Status {
	case domain.CardBlacklisted, domain.CardBlocked, domain.CardLost, domain.CardStolen:
		return domain.CardStatusReason(card.Status)
	}
	if card.IsExpired(now) {
		return domain.ReasonCardExpired
	}
	return ""
}

// memberRejection returns the reason a member must be refused outright.
func memberRejection(m *domain.Member, now time.Time) string {
	switch m.MembershipStatus {
	case domain.MembershipSuspended, domain.MembershipCancelled:
		return domain.MembershipStatusReason(m.MembershipStatus)
	case domain.MembershipExpired:
		return domain.ReasonMembershipExpired
	}
	if m.FraudStatus == domain.FraudBlocked {
		return domain.ReasonMemberFraudBlocked
	}
	if m.SubscriptionLapsed(now) {
		return domain.ReasonMembershipExpired
	}
	return ""
}

// checkGeo flags a tap in another country less than an hour earlier whose
// straight-line distance from this tap exceeds the configured threshold.
func (d *Detector) checkGeo(s *scorer, tap Tap, w *velocity.Window) {
	if !tap.hasLocation() || !tap.hasCoordinates() {
		return
	}
	for _, prev := range w.Within(geoWindow) {
		if tap.Timestamp.Sub(prev.CreatedAt) >= geoWindow {
			continue
		}
		if prev.Country == "" || prev.Latitude == nil || prev.Longitude == nil {
			continue
		}
		if geo.SameCountry(prev.Country, tap.VendorCountry) {
			continue
		}
		dist := geo.HaversineKm(*prev.Latitude, *prev.Longitude, *tap.Latitude, *tap.Longitude)
		if dist > d.cfg.MaxDistanceKmPerHour {
			s.add(scoreGeo, FlagGeoInconsistency)
			return
		}
	}
}

// checkFrequency counts the current tap together with the logged ones.
func (d *Detector) checkFrequency(s *scorer, w *velocity.Window) {
	hourly := w.Count(hourlyWindow) + 1
	daily := w.Count(dailyWindow) + 1

	if hourly >= d.cfg.MaxTapsPerHour {
		s.add(scoreHourly, FlagExcessiveHourly)
	}
	if daily >= d.cfg.MaxTapsPerDay {
		s.add(scoreDaily, FlagExcessiveDaily)
	}
}

func (d *Detector) checkCountryMismatch(s *scorer, tap Tap, m *domain.Member) {
	if !tap.hasLocation() || m.Country == "" {
		return
	}
	if !geo.SameCountry(m.Country, tap.VendorCountry) {
		s.add(scoreCountry, FlagCountryMismatch)
	}
}

// checkAccess re-reads the card through its member link.
func (d *Detector) checkAccess(ctx context.Context, s *scorer, tap Tap) error {
	card, err := d.repo.GetCardForMember(ctx, tap.CardUID, tap.MemberID)
	if errors.Is(err, domain.ErrNotFound) {
		s.add(scoreAccess, FlagCardNotLinked)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load member card: %w", err)
	}

	switch {
	case card.IsExpired(tap.Timestamp):
		s.add(scoreAccess, FlagExpiredCardAccess)
	case card.BlockedAt != nil:
		s.add(scoreAccess, FlagBlockedCardAccess)
	}
	return nil
}

// checkCloning flags a tap of the same card at a different country or city
// within five minutes.
func (d *Detector) checkCloning(s *scorer, tap Tap, w *velocity.Window) {
	if !tap.hasLocation() {
		return
	}
	for _, prev := range w.Within(cloningWindow) {
		if prev.Country == "" {
			continue
		}
		if !geo.SameCountry(prev.Country, tap.VendorCountry) || !strings.EqualFold(prev.City, tap.VendorCity) {
			s.add(scoreCloning, FlagCloning)
			s.forceHigh = true
			return
		}
	}
}

// classify maps the summed score to severity, action and member status.
func (d *Detector) classify(s scorer) Result {
	res := Result{
		FraudScore: s.score,
		FraudFlags: s.flags,
	}

	switch {
	case s.score >= d.cfg.HighThreshold:
		res.Severity, res.Action = domain.SeverityHigh, ActionBlockCard
	case s.score >= d.cfg.MediumThreshold:
		res.Severity, res.Action = domain.SeverityMedium, ActionSoftRestriction
	case s.score >= d.cfg.LowThreshold:
		res.Severity, res.Action = domain.SeverityLow, ActionLogged
	default:
		res.Severity, res.Action = domain.SeverityNone, ActionNone
	}
	if s.forceHigh {
		res.Severity = domain.SeverityHigh
	}

	switch {
	case res.Severity == domain.SeverityHigh:
		res.MemberFraudStatus = domain.FraudBlocked
	case res.Severity == domain.SeverityMedium:
		res.MemberFraudStatus = domain.FraudRestricted
	case res.Severity == domain.SeverityLow && s.score > 0:
		res.MemberFraudStatus = domain.FraudMonitored
	default:
		res.MemberFraudStatus = domain.FraudClean
	}

	res.Valid = s.score < d.cfg.HighThreshold
	if !res.Valid {
		res.Reason = PrimaryFlag(s.flags)
	}
	return res
}

func (d *Detector) recordEvent(ctx context.Context, tap Tap, res Result) (string, error) {
	event := &domain.FraudEvent{
		ID:          uuid.New().String(),
		MemberID:    tap.MemberID,
		CardUID:     tap.CardUID,
		VendorID:    tap.VendorID,
		EventType:   EventType(res.FraudFlags),
		Severity:    res.Severity,
		FraudScore:  res.FraudScore,
		Flags:       res.FraudFlags,
		Description: strings.Join(res.FraudFlags, ", "),
		CreatedAt:   tap.Timestamp.UTC(),
	}
	if event.Severity == domain.SeverityNone {
		event.Severity = domain.SeverityLow
	}

	if err := d.repo.SaveFraudEvent(ctx, event); err != nil {
		return "", fmt.Errorf("failed to save fraud event: %w", err)
	}

	if d.audit != nil {
		details, _ := json.Marshal(map[string]any{
			"cardUid":    tap.CardUID,
			"vendorId":   tap.VendorID,
			"eventType":  event.EventType,
			"severity":   event.Severity,
			"fraudScore": event.FraudScore,
			"flags":      event.Flags,
		})
		d.audit.LogAudit(ctx, &domain.AuditEvent{
			ID:         uuid.New().String(),
			Action:     domain.AuditFraudDetected,
			EntityType: "fraud_event",
			EntityID:   event.ID,
			Details:    details,
			CreatedAt:  event.CreatedAt,
		})
	}

	slog.Info("fraud event recorded",
		"event_id", event.ID,
		"card_uid", tap.CardUID,
		"event_type", event.EventType,
		"severity", event.Severity,
		"fraud_score", event.FraudScore,
	)
	return event.ID, nil
}

func failClosed(reason string) Result {
	return Result{
		Valid:      false,
		FraudScore: ScoreFailClosed,
		Severity:   domain.SeverityHigh,
		Action:     ActionRejected,
		Reason:     reason,
	}
}

func failOpen(err error) (Result, error) {
	return Result{Valid: true, FraudScore: 0}, err
}

type scorer struct {
	score     int
	flags     []string
	forceHigh bool
}

func (s *scorer) add(points int, flag string) {
	s.score += points
	s.flags = append(s.flags, flag)
}
