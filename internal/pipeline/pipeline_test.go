package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/tapguard/internal/audit"
	"github.com/opensource-finance/tapguard/internal/cache"
	"github.com/opensource-finance/tapguard/internal/country"
	"github.com/opensource-finance/tapguard/internal/domain"
	"github.com/opensource-finance/tapguard/internal/fraud"
	"github.com/opensource-finance/tapguard/internal/offer"
	"github.com/opensource-finance/tapguard/internal/repository"
	"github.com/opensource-finance/tapguard/internal/rules"
)

func ptr[T any](v T) *T { return &v }

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

type harness struct {
	repo     domain.Repository
	mem      *repository.MemoryRepository
	clock    *clock
	pipeline *Pipeline
}

func seed(t *testing.T, repo *repository.MemoryRepository, now time.Time) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, repo.SaveMember(ctx, &domain.Member{
		ID: "MEMBER001", Name: "Aisha", MembershipType: domain.MembershipAnnual,
		MembershipStatus: domain.MembershipActive, FraudStatus: domain.FraudClean,
		Country: "AE", SubscriptionEnd: ptr(now.AddDate(0, 6, 0)),
	}))
	require.NoError(t, repo.SaveCard(ctx, &domain.Card{
		ID: "card-1", UID: "CARD123456789", MemberID: "MEMBER001", Status: domain.CardActive,
		ExpiresAt: ptr(now.AddDate(1, 0, 0)),
	}))
	require.NoError(t, repo.SaveCard(ctx, &domain.Card{
		ID: "card-orphan", UID: "ORPHAN", MemberID: "MEMBER404", Status: domain.CardActive,
	}))

	for _, v := range []*domain.Vendor{
		{ID: "VENDOR001", Name: "Marina Grill", Country: "United Arab Emirates", City: "Dubai", Category: "restaurant", Active: true, MaxDiscountPercentage: ptr(20.0)},
		{ID: "VENDOR002", Name: "Corniche Cafe", Country: "UAE", City: "Abu Dhabi", Category: "cafe", Active: true},
		{ID: "VENDOR003", Name: "Olaya Diner", Country: "Saudi Arabia", City: "Riyadh", Category: "restaurant", Active: true},
	} {
		require.NoError(t, repo.SaveVendor(ctx, v))
	}

	require.NoError(t, repo.SaveCountryRule(ctx, &domain.CountryRule{
		CountryCode: "AE", AllowedMembershipTypes: []string{"annual", "lifetime"},
		MaxDiscountPercentage: 25, Currency: "AED", Active: true,
	}))
	require.NoError(t, repo.SaveCountryRule(ctx, &domain.CountryRule{
		CountryCode: "SA", AllowedMembershipTypes: []string{"lifetime"},
		MaxDiscountPercentage: 15, Currency: "SAR", Active: true,
	}))

	require.NoError(t, repo.SaveOffer(ctx, &domain.Offer{
		ID: "offer-welcome", Code: "WELCOME10", Type: domain.OfferPercentage,
		DiscountPercentage: 10, Priority: 1, Active: true,
		ValidFrom: now.AddDate(0, -1, 0), ValidUntil: now.AddDate(0, 1, 0),
	}))
}

func newHarness(t *testing.T, wrap func(*repository.MemoryRepository) domain.Repository) *harness {
	t.Helper()
	clk := &clock{t: time.Date(2025, 6, 4, 14, 0, 0, 0, time.UTC)}
	mem := repository.NewMemory()
	seed(t, mem, clk.t)

	var repo domain.Repository = mem
	if wrap != nil {
		repo = wrap(mem)
	}

	compliance, err := rules.NewEngine(2)
	require.NoError(t, err)
	backend := cache.NewLRUCache(100)
	sink := audit.NewRepositorySink(mem)

	p := New(repo,
		fraud.NewDetector(repo, sink, domain.DefaultFraudConfig()),
		country.NewEngine(repo, backend, compliance, domain.CountryConfig{CacheTTL: 5 * time.Minute}),
		offer.NewEngine(repo, backend, domain.OfferConfig{CacheTTL: 2 * time.Minute}),
		domain.PipelineConfig{PreVendorFraudPass: true},
		WithClock(clk.now),
		WithAudit(sink),
	)
	return &harness{repo: repo, mem: mem, clock: clk, pipeline: p}
}

func tapAt(vendorID string) domain.TapRequest {
	return domain.TapRequest{
		CardUID:     "CARD123456789",
		VendorID:    vendorID,
		POSReaderID: "POS-7",
	}
}

func TestApprovedTap(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	req := tapAt("VENDOR001")
	req.TransactionAmount = ptr(150.0)
	resp := h.pipeline.Validate(ctx, req)

	require.True(t, resp.Approved, "reason: %s", resp.Reason)
	assert.Equal(t, "MEMBER001", resp.MemberID)
	assert.Equal(t, domain.MembershipAnnual, resp.MembershipType)
	assert.Equal(t, 0, resp.FraudScore)
	assert.Equal(t, "AED", resp.Currency)
	assert.Equal(t, h.clock.t, resp.Timestamp)
	require.NotNil(t, resp.Offer)
	assert.Equal(t, "WELCOME10", resp.Offer.OfferCode)
	assert.Equal(t, 10.0, resp.Offer.DiscountPercentage)

	logs := h.mem.TapLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, resp.TapLogID, logs[0].ID)
	assert.Equal(t, domain.TapApproved, logs[0].ValidationResult)
	assert.Equal(t, "MEMBER001", logs[0].MemberID)
	require.NotNil(t, logs[0].AppliedOffer)
	assert.Equal(t, "offer-welcome", logs[0].AppliedOffer.OfferID)

	usage, err := h.mem.ListOfferUsage(ctx, "MEMBER001", 10)
	require.NoError(t, err)
	require.Len(t, usage, 1)
	assert.Equal(t, 15.0, usage[0].DiscountAmount)
	assert.Equal(t, 150.0, usage[0].OriginalAmount)
	assert.Equal(t, 135.0, usage[0].FinalAmount)
	assert.Equal(t, resp.TapLogID, usage[0].TapLogID)

	events := h.mem.AuditEvents()
	require.Len(t, events, 1)
	assert.Equal(t, domain.AuditTapApproved, events[0].Action)
	assert.Equal(t, resp.TapLogID, events[0].EntityID)
}

func TestApprovedWithoutAmountWritesNoUsage(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	resp := h.pipeline.Validate(ctx, tapAt("VENDOR001"))
	require.True(t, resp.Approved)
	require.NotNil(t, resp.Offer)

	usage, _ := h.mem.ListOfferUsage(ctx, "MEMBER001", 10)
	assert.Empty(t, usage)
}

func TestDiscountCappedByVendor(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	now := h.clock.t

	require.NoError(t, h.mem.SaveOffer(ctx, &domain.Offer{
		ID: "offer-flash", Code: "FLASH30", Type: domain.OfferFlash,
		DiscountPercentage: 30, Priority: 1, Active: true,
		ValidFrom: now.Add(-time.Hour), ValidUntil: now.Add(time.Hour),
	}))

	resp := h.pipeline.Validate(ctx, tapAt("VENDOR001"))
	require.True(t, resp.Approved)
	require.NotNil(t, resp.Offer)
	assert.Equal(t, "FLASH30", resp.Offer.OfferCode)
	assert.Equal(t, 20.0, resp.Offer.DiscountPercentage, "min(25 country, 20 vendor) caps the 30 percent offer")
}

func TestRejections(t *testing.T) {
	tests := []struct {
		name       string
		prepare    func(t *testing.T, h *harness)
		req        domain.TapRequest
		reason     string
		withMember bool
		failClosed bool
	}{
		{
			name:   "unknown card",
			req:    domain.TapRequest{CardUID: "NOPE", VendorID: "VENDOR001", POSReaderID: "POS-7"},
			reason: domain.ReasonCardUIDNotFound,
		},
		{
			name:   "empty card uid",
			req:    domain.TapRequest{VendorID: "VENDOR001", POSReaderID: "POS-7"},
			reason: domain.ReasonCardUIDNotFound,
		},
		{
			name:   "card not linked",
			req:    domain.TapRequest{CardUID: "ORPHAN", VendorID: "VENDOR001", POSReaderID: "POS-7"},
			reason: domain.ReasonCardNotLinked,
		},
		{
			name: "blocked card",
			prepare: func(t *testing.T, h *harness) {
				require.NoError(t, h.mem.UpdateCardStatus(context.Background(), "card-1", domain.CardBlocked, ptr(h.clock.t)))
			},
			req:        tapAt("VENDOR001"),
			reason:     "card_blocked",
			failClosed: true,
		},
		{
			name: "stolen card",
			prepare: func(t *testing.T, h *harness) {
				require.NoError(t, h.mem.UpdateCardStatus(context.Background(), "card-1", domain.CardStolen, ptr(h.clock.t)))
			},
			req:        tapAt("VENDOR001"),
			reason:     "card_stolen",
			failClosed: true,
		},
		{
			name: "damaged card",
			prepare: func(t *testing.T, h *harness) {
				require.NoError(t, h.mem.UpdateCardStatus(context.Background(), "card-1", domain.CardDamaged, nil))
			},
			req:    tapAt("VENDOR001"),
			reason: "card_damaged",
		},
		{
			name: "blocked marker on active card",
			prepare: func(t *testing.T, h *harness) {
				require.NoError(t, h.mem.UpdateCardStatus(context.Background(), "card-1", domain.CardActive, ptr(h.clock.t.Add(-time.Hour))))
			},
			req:        tapAt("VENDOR001"),
			reason:     domain.ReasonCardBlocked,
			failClosed: true,
		},
		{
			name: "expired card",
			prepare: func(t *testing.T, h *harness) {
				h.clock.advance(2 * 365 * 24 * time.Hour)
			},
			req:        tapAt("VENDOR001"),
			reason:     domain.ReasonCardExpired,
			failClosed: true,
		},
		{
			name:       "unknown vendor",
			req:        tapAt("VENDOR404"),
			reason:     domain.ReasonVendorNotFound,
			withMember: true,
		},
		{
			name:       "membership type not sold in country",
			req:        tapAt("VENDOR003"),
			reason:     domain.ReasonTypeNotInCountry,
			withMember: true,
		},
		{
			name: "member fraud blocked",
			prepare: func(t *testing.T, h *harness) {
				require.NoError(t, h.mem.UpdateMemberFraud(context.Background(), "MEMBER001", 95, domain.FraudBlocked))
			},
			req:        tapAt("VENDOR001"),
			reason:     domain.ReasonMemberFraudBlocked,
			failClosed: true,
			withMember: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			if tt.prepare != nil {
				tt.prepare(t, h)
			}

			resp := h.pipeline.Validate(context.Background(), tt.req)
			assert.False(t, resp.Approved)
			assert.Equal(t, tt.reason, resp.Reason)
			assert.Nil(t, resp.Offer)

			logs := h.mem.TapLogs()
			require.Len(t, logs, 1, "every rejection writes exactly one tap log")
			assert.Equal(t, domain.TapRejected, logs[0].ValidationResult)
			assert.Equal(t, tt.reason, logs[0].RejectionReason)
			assert.Nil(t, logs[0].AppliedOffer)
			if tt.failClosed {
				assert.Equal(t, fraud.ScoreFailClosed, resp.FraudScore)
				assert.Equal(t, fraud.ScoreFailClosed, logs[0].FraudScore)
			}
			if tt.withMember {
				assert.Equal(t, "MEMBER001", logs[0].MemberID)
			} else {
				assert.Empty(t, logs[0].MemberID)
			}
		})
	}
}

func TestCloningAcrossCountriesRejects(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	first := h.pipeline.Validate(ctx, tapAt("VENDOR001"))
	require.True(t, first.Approved)

	h.clock.advance(2 * time.Minute)
	second := h.pipeline.Validate(ctx, tapAt("VENDOR003"))

	assert.False(t, second.Approved)
	assert.Equal(t, fraud.FlagCloning, second.Reason)
	assert.Equal(t, 90, second.FraudScore)

	logs := h.mem.TapLogs()
	require.Len(t, logs, 2)
	assert.Equal(t, domain.TapRejected, logs[1].ValidationResult)
	assert.Equal(t, 90, logs[1].FraudScore)
	assert.Contains(t, logs[1].FraudFlags, fraud.FlagCloning)
	assert.Contains(t, logs[1].FraudFlags, fraud.FlagCountryMismatch)

	member, err := h.mem.GetMember(ctx, "MEMBER001")
	require.NoError(t, err)
	assert.Equal(t, domain.FraudBlocked, member.FraudStatus)
}

func TestCloningWithinCountryApprovesWithoutOffer(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.True(t, h.pipeline.Validate(ctx, tapAt("VENDOR002")).Approved)

	h.clock.advance(3 * time.Minute)
	resp := h.pipeline.Validate(ctx, tapAt("VENDOR001"))

	require.True(t, resp.Approved, "80 is under the block threshold")
	assert.Equal(t, 80, resp.FraudScore)
	assert.Nil(t, resp.Offer, "a member blocked by this tap gets no discount")

	events, err := h.mem.ListFraudEvents(ctx, false, 10)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, fraud.EventCardCloning, events[0].EventType)
}

type vendorFailRepo struct {
	*repository.MemoryRepository
}

func (vendorFailRepo) GetVendor(ctx context.Context, id string) (*domain.Vendor, error) {
	return nil, errors.New("connection refused")
}

type panickingRepo struct {
	*repository.MemoryRepository
}

func (panickingRepo) GetMember(ctx context.Context, id string) (*domain.Member, error) {
	panic("nil map write")
}

func TestInternalFaultsFailClosed(t *testing.T) {
	t.Run("repository error", func(t *testing.T) {
		h := newHarness(t, func(m *repository.MemoryRepository) domain.Repository { return vendorFailRepo{m} })

		resp := h.pipeline.Validate(context.Background(), tapAt("VENDOR001"))
		assert.False(t, resp.Approved)
		assert.Equal(t, domain.ReasonValidationError, resp.Reason)

		logs := h.mem.TapLogs()
		require.Len(t, logs, 1)
		assert.Equal(t, domain.ReasonValidationError, logs[0].RejectionReason)
	})

	t.Run("panic", func(t *testing.T) {
		h := newHarness(t, func(m *repository.MemoryRepository) domain.Repository { return panickingRepo{m} })

		var resp *domain.TapResponse
		require.NotPanics(t, func() {
			resp = h.pipeline.Validate(context.Background(), tapAt("VENDOR001"))
		})
		assert.False(t, resp.Approved)
		assert.Equal(t, domain.ReasonValidationError, resp.Reason)
		assert.Len(t, h.mem.TapLogs(), 1)
	})
}

func TestDiscount(t *testing.T) {
	tests := []struct {
		name   string
		amount string
		offer  domain.AppliedOffer
		want   string
	}{
		{"percentage", "150", domain.AppliedOffer{DiscountPercentage: 10}, "15"},
		{"rounds to cents", "19.99", domain.AppliedOffer{DiscountPercentage: 15}, "3"},
		{"fixed amount wins", "80", domain.AppliedOffer{DiscountAmount: 12.5, DiscountPercentage: 50}, "12.5"},
		{"never more than amount", "8", domain.AppliedOffer{DiscountAmount: 15}, "8"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Discount(decimal.RequireFromString(tt.amount), &tt.offer)
			assert.True(t, got.Equal(decimal.RequireFromString(tt.want)), "got %s, want %s", got, tt.want)
		})
	}
}

func TestUsageLimitConsumedOnce(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	now := h.clock.t

	require.NoError(t, h.mem.SaveOffer(ctx, &domain.Offer{
		ID: "offer-once", Code: "ONCE", Type: domain.OfferPercentage,
		DiscountPercentage: 15, Priority: 5, UsageLimitPerMember: 1, Active: true,
		ValidFrom: now.Add(-time.Hour), ValidUntil: now.Add(time.Hour),
	}))

	req := tapAt("VENDOR001")
	req.TransactionAmount = ptr(50.0)

	first := h.pipeline.Validate(ctx, req)
	require.True(t, first.Approved, "reason: %s", first.Reason)
	require.NotNil(t, first.Offer)
	assert.Equal(t, "ONCE", first.Offer.OfferCode)

	h.clock.advance(time.Minute)
	second := h.pipeline.Validate(ctx, req)
	require.True(t, second.Approved, "reason: %s", second.Reason)
	require.NotNil(t, second.Offer)
	assert.Equal(t, "WELCOME10", second.Offer.OfferCode, "ONCE is used up")

	usage, err := h.mem.ListOfferUsage(ctx, "MEMBER001", 10)
	require.NoError(t, err)
	require.Len(t, usage, 2)
	byOffer := map[string]int{}
	for _, u := range usage {
		byOffer[u.OfferID]++
	}
	assert.Equal(t, map[string]int{"offer-once": 1, "offer-welcome": 1}, byOffer)
}

func TestMinPurchaseGatesOffer(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	now := h.clock.t

	require.NoError(t, h.mem.SaveOffer(ctx, &domain.Offer{
		ID: "offer-big", Code: "BIGSPEND", Type: domain.OfferPercentage,
		DiscountPercentage: 15, Priority: 5, MinPurchaseAmount: ptr(200.0), Active: true,
		ValidFrom: now.Add(-time.Hour), ValidUntil: now.Add(time.Hour),
	}))

	small := tapAt("VENDOR001")
	small.TransactionAmount = ptr(50.0)
	resp := h.pipeline.Validate(ctx, small)
	require.True(t, resp.Approved)
	require.NotNil(t, resp.Offer)
	assert.Equal(t, "WELCOME10", resp.Offer.OfferCode)

	usage, _ := h.mem.ListOfferUsage(ctx, "MEMBER001", 10)
	require.Len(t, usage, 1, "the offer returned is the offer redeemed")
	assert.Equal(t, "offer-welcome", usage[0].OfferID)
	assert.Equal(t, 5.0, usage[0].DiscountAmount)

	h.clock.advance(time.Minute)
	large := tapAt("VENDOR001")
	large.TransactionAmount = ptr(250.0)
	resp = h.pipeline.Validate(ctx, large)
	require.True(t, resp.Approved)
	require.NotNil(t, resp.Offer)
	assert.Equal(t, "BIGSPEND", resp.Offer.OfferCode)
}

func TestZeroAmountStillCountsUsage(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	req := tapAt("VENDOR001")
	req.TransactionAmount = ptr(0.0)
	resp := h.pipeline.Validate(ctx, req)
	require.True(t, resp.Approved)
	require.NotNil(t, resp.Offer)

	usage, _ := h.mem.ListOfferUsage(ctx, "MEMBER001", 10)
	require.Len(t, usage, 1)
	assert.Equal(t, 0.0, usage[0].DiscountAmount)
	assert.Equal(t, 0.0, usage[0].FinalAmount)
}
