// Package pipeline runs the ordered stages that approve or reject a card tap.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/tapguard/internal/country"
	"github.com/opensource-finance/tapguard/internal/domain"
	"github.com/opensource-finance/tapguard/internal/fraud"
	"github.com/opensource-finance/tapguard/internal/offer"
)

var tracer = otel.Tracer("tapguard-pipeline")

// Pipeline validates taps. It is safe for concurrent use; each tap is
// independent apart from the engines' caches.
type Pipeline struct {
	repo    domain.Repository
	fraud   *fraud.Detector
	country *country.Engine
	offers  *offer.Engine
	audit   domain.AuditLogger
	cfg     domain.PipelineConfig
	now     func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithClock overrides the time source used for every stage.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithAudit sets the audit collaborator called after each approved tap.
func WithAudit(audit domain.AuditLogger) Option {
	return func(p *Pipeline) { p.audit = audit }
}

// New creates a pipeline over the three engines.
func New(repo domain.Repository, detector *fraud.Detector, countryEngine *country.Engine, offerEngine *offer.Engine, cfg domain.PipelineConfig, opts ...Option) *Pipeline {
	p := &Pipeline{
		repo:    repo,
		fraud:   detector,
		country: countryEngine,
		offers:  offerEngine,
		cfg:     cfg,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// tapState accumulates what the stages learn about a tap.
type tapState struct {
	req domain.TapRequest
	at  time.Time

	card        *domain.Card
	member      *domain.Member
	vendor      *domain.Vendor
	fraud       fraud.Result
	fraudStatus domain.FraudStatus
	rules       country.Result
	offer       *domain.AppliedOffer
}

type stage struct {
	name string
	run  func(context.Context, *tapState) (reason string, err error)
}

func (p *Pipeline) stages() []stage {
	return []stage{
		{"card_uid", p.checkCardUID},
		{"card_status", p.checkCardStatus},
		{"member", p.loadMember},
		{"fraud_pre_vendor", p.preVendorFraud},
		{"vendor", p.loadVendor},
		{"fraud", p.detectFraud},
		{"country_rules", p.checkCountry},
		{"offer", p.selectOffer},
	}
}

// Validate runs every stage in order and stops at the first rejection.
// It never returns an error: internal faults and panics reject the tap
// with validation_error. Every tap leaves a tap log.
func (p *Pipeline) Validate(ctx context.Context, req domain.TapRequest) (resp *domain.TapResponse) {
	start := time.Now()
	t := &tapState{req: req, at: p.now().UTC()}

	ctx, span := tracer.Start(ctx, "tap.validate",
		trace.WithAttributes(
			attribute.String("card.uid", req.CardUID),
			attribute.String("vendor.id", req.VendorID),
			attribute.String("pos.reader_id", req.POSReaderID),
		),
	)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			span.RecordError(err)
			span.SetStatus(codes.Error, "tap validation panicked")
			slog.Error("tap validation panicked",
				"card_uid", req.CardUID,
				"vendor_id", req.VendorID,
				"error", err,
			)
			resp = p.reject(ctx, t, domain.ReasonValidationError)
		}
		span.SetAttributes(
			attribute.Bool("tap.approved", resp.Approved),
			attribute.Int("tap.fraud_score", resp.FraudScore),
		)
		slog.Info("tap validated",
			"card_uid", req.CardUID,
			"vendor_id", req.VendorID,
			"approved", resp.Approved,
			"reason", resp.Reason,
			"fraud_score", resp.FraudScore,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}()

	for _, s := range p.stages() {
		reason, err := p.runStage(ctx, s, t)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			slog.Error("tap validation failed",
				"stage", s.name,
				"card_uid", req.CardUID,
				"vendor_id", req.VendorID,
				"error", err,
			)
			return p.reject(ctx, t, domain.ReasonValidationError)
		}
		if reason != "" {
			return p.reject(ctx, t, reason)
		}
	}

	resp, err := p.approve(ctx, t)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("failed to record approved tap", "card_uid", req.CardUID, "error", err)
		return p.reject(ctx, t, domain.ReasonValidationError)
	}
	return resp
}

func (p *Pipeline) runStage(ctx context.Context, s stage, t *tapState) (string, error) {
	ctx, span := tracer.Start(ctx, "tap."+s.name)
	defer span.End()

	reason, err := s.run(ctx, t)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if reason != "" {
		span.SetAttributes(attribute.String("tap.reason", reason))
	}
	return reason, err
}

func (p *Pipeline) checkCardUID(ctx context.Context, t *tapState) (string, error) {
	if t.req.CardUID == "" {
		return domain.ReasonCardUIDNotFound, nil
	}
	card, err := p.repo.GetCardByUID(ctx, t.req.CardUID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.ReasonCardUIDNotFound, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load card: %w", err)
	}
	t.card = card
	return "", nil
}

// checkCardStatus refetches the card through its member link. Cards the
// fraud detector would refuse are rejected here with the fail-closed score.
func (p *Pipeline) checkCardStatus(ctx context.Context, t *tapState) (string, error) {
	card, err := p.repo.GetCardForMember(ctx, t.card.UID, t.card.MemberID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.ReasonCardNotLinked, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load member card: %w", err)
	}

	if reason := fraud.CardRejection(card, t.at); reason != "" {
		t.fraud.FraudScore = fraud.ScoreFailClosed
		return reason, nil
	}
	switch {
	case card.Status != domain.CardActive:
		return domain.CardStatusReason(card.Status), nil
	case card.BlockedAt != nil:
		t.fraud.FraudScore = fraud.ScoreFailClosed
		return domain.ReasonCardBlocked, nil
	}
	t.card = card
	return "", nil
}

func (p *Pipeline) loadMember(ctx context.Context, t *tapState) (string, error) {
	member, err := p.repo.GetMember(ctx, t.card.MemberID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.ReasonMemberNotFound, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load member: %w", err)
	}
	t.member = member
	t.fraudStatus = member.FraudStatus
	return "", nil
}

// preVendorFraud scores the tap before its location is known. The result
// never gates the tap.
func (p *Pipeline) preVendorFraud(ctx context.Context, t *tapState) (string, error) {
	if !p.cfg.PreVendorFraudPass {
		return "", nil
	}
	res, err := p.fraud.Detect(ctx, p.fraudTap(t))
	if err != nil {
		slog.Warn("pre-vendor fraud pass failed open", "card_uid", t.req.CardUID, "error", err)
	}
	slog.Debug("pre-vendor fraud pass",
		"card_uid", t.req.CardUID,
		"fraud_score", res.FraudScore,
		"valid", res.Valid,
	)
	return "", nil
}

func (p *Pipeline) loadVendor(ctx context.Context, t *tapState) (string, error) {
	vendor, err := p.repo.GetVendor(ctx, t.req.VendorID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.ReasonVendorNotFound, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load vendor: %w", err)
	}
	t.vendor = vendor
	return "", nil
}

func (p *Pipeline) detectFraud(ctx context.Context, t *tapState) (string, error) {
	res, err := p.fraud.Detect(ctx, p.fraudTap(t))
	if err != nil {
		slog.Warn("fraud detection failed open", "card_uid", t.req.CardUID, "error", err)
	}
	t.fraud = res
	if res.MemberFraudStatus != "" {
		t.fraudStatus = res.MemberFraudStatus
	}
	if !res.Valid {
		return res.Reason, nil
	}
	return "", nil
}

func (p *Pipeline) fraudTap(t *tapState) fraud.Tap {
	tap := fraud.Tap{
		MemberID:    t.card.MemberID,
		CardUID:     t.req.CardUID,
		VendorID:    t.req.VendorID,
		POSReaderID: t.req.POSReaderID,
		Latitude:    t.req.Latitude,
		Longitude:   t.req.Longitude,
		Timestamp:   t.at,
	}
	if t.vendor != nil {
		tap.VendorCountry = t.vendor.Country
		tap.VendorCity = t.vendor.City
	}
	return tap
}

func (p *Pipeline) checkCountry(ctx context.Context, t *tapState) (string, error) {
	res, err := p.country.Validate(ctx, country.Request{
		VendorID:       t.vendor.ID,
		MemberID:       t.member.ID,
		MembershipType: t.member.MembershipType,
		At:             t.at,
	})
	if err != nil {
		return "", fmt.Errorf("country rule validation: %w", err)
	}
	t.rules = res
	if !res.Valid {
		return res.Reason, nil
	}
	return "", nil
}

// selectOffer never rejects; a missing offer just means no discount.
func (p *Pipeline) selectOffer(ctx context.Context, t *tapState) (string, error) {
	if t.fraud.FraudScore >= offer.BlockScore || t.fraudStatus == domain.FraudBlocked {
		return "", nil
	}
	t.offer = p.offers.BestOffer(ctx, offer.Request{
		MemberID:              t.member.ID,
		MembershipType:        t.member.MembershipType,
		VendorID:              t.vendor.ID,
		VendorCategory:        t.vendor.Category,
		CountryCode:           t.rules.CountryCode,
		FraudScore:            t.fraud.FraudScore,
		FraudStatus:           t.fraudStatus,
		MaxDiscountPercentage: t.rules.MaxDiscountPercentage,
		CurrentTime:           t.at,
		TransactionAmount:     t.req.TransactionAmount,
	})
	return "", nil
}

func (p *Pipeline) approve(ctx context.Context, t *tapState) (*domain.TapResponse, error) {
	log := p.tapLog(t, domain.TapApproved, "")
	log.AppliedOffer = t.offer
	if err := p.repo.SaveTapLog(ctx, log); err != nil {
		return nil, fmt.Errorf("failed to save tap log: %w", err)
	}

	if usage := offerUsage(t, log.ID); usage != nil {
		if err := p.repo.SaveOfferUsage(ctx, usage); err != nil {
			slog.Error("failed to record offer usage",
				"tap_log_id", log.ID,
				"offer_id", usage.OfferID,
				"error", err,
			)
		}
	}

	if p.audit != nil {
		details, _ := json.Marshal(map[string]any{
			"cardUid":    t.req.CardUID,
			"vendorId":   t.req.VendorID,
			"memberId":   t.member.ID,
			"fraudScore": t.fraud.FraudScore,
			"offer":      t.offer,
		})
		p.audit.LogAudit(ctx, &domain.AuditEvent{
			ID:         uuid.New().String(),
			Action:     domain.AuditTapApproved,
			EntityType: "tap_log",
			EntityID:   log.ID,
			Details:    details,
			CreatedAt:  t.at,
		})
	}

	return &domain.TapResponse{
		Approved:       true,
		TapLogID:       log.ID,
		MemberID:       t.member.ID,
		MembershipType: t.member.MembershipType,
		Offer:          t.offer,
		FraudScore:     t.fraud.FraudScore,
		Timestamp:      t.at,
		Currency:       t.rules.Currency,
	}, nil
}

// reject writes a minimal tap log with whatever the stages resolved so far.
func (p *Pipeline) reject(ctx context.Context, t *tapState, reason string) *domain.TapResponse {
	log := p.tapLog(t, domain.TapRejected, reason)
	if err := p.repo.SaveTapLog(ctx, log); err != nil {
		slog.Error("failed to save rejected tap log",
			"card_uid", t.req.CardUID,
			"reason", reason,
			"error", err,
		)
		log.ID = ""
	}

	return &domain.TapResponse{
		Approved:   false,
		Reason:     reason,
		TapLogID:   log.ID,
		FraudScore: t.fraud.FraudScore,
		Timestamp:  t.at,
	}
}

func (p *Pipeline) tapLog(t *tapState, result, reason string) *domain.TapLog {
	log := &domain.TapLog{
		ID:                uuid.New().String(),
		CardUID:           t.req.CardUID,
		VendorID:          t.req.VendorID,
		POSReaderID:       t.req.POSReaderID,
		Latitude:          t.req.Latitude,
		Longitude:         t.req.Longitude,
		FraudScore:        t.fraud.FraudScore,
		FraudFlags:        t.fraud.FraudFlags,
		ValidationResult:  result,
		RejectionReason:   reason,
		TransactionAmount: t.req.TransactionAmount,
		CreatedAt:         t.at,
	}
	if t.member != nil {
		log.MemberID = t.member.ID
	}
	return log
}

// offerUsage computes the redemption for an approved tap with an amount and
// an offer. Every applied offer counts against the member's usage limit,
// including zero amounts.
func offerUsage(t *tapState, tapLogID string) *domain.OfferUsageLog {
	if t.offer == nil || t.req.TransactionAmount == nil {
		return nil
	}
	amount := decimal.Max(decimal.NewFromFloat(*t.req.TransactionAmount), decimal.Zero)

	discount := Discount(amount, t.offer)
	final := amount.Sub(discount)

	return &domain.OfferUsageLog{
		ID:             uuid.New().String(),
		OfferID:        t.offer.OfferID,
		MemberID:       t.member.ID,
		VendorID:       t.vendor.ID,
		TapLogID:       tapLogID,
		DiscountAmount: discount.InexactFloat64(),
		OriginalAmount: amount.InexactFloat64(),
		FinalAmount:    final.InexactFloat64(),
		CreatedAt:      t.at,
	}
}

// Discount is the money taken off amount by an offer, rounded to cents and
// never more than amount.
func Discount(amount decimal.Decimal, o *domain.AppliedOffer) decimal.Decimal {
	var discount decimal.Decimal
	if o.DiscountAmount > 0 {
		discount = decimal.NewFromFloat(o.DiscountAmount)
	} else {
		discount = amount.Mul(decimal.NewFromFloat(o.DiscountPercentage)).Div(decimal.NewFromInt(100))
	}
	discount = discount.Round(2)
	if discount.GreaterThan(amount) {
		return amount
	}
	return discount
}
