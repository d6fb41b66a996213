package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/tapguard/internal/audit"
	"github.com/opensource-finance/tapguard/internal/cache"
	"github.com/opensource-finance/tapguard/internal/cards"
	"github.com/opensource-finance/tapguard/internal/country"
	"github.com/opensource-finance/tapguard/internal/domain"
	"github.com/opensource-finance/tapguard/internal/fraud"
	"github.com/opensource-finance/tapguard/internal/offer"
	"github.com/opensource-finance/tapguard/internal/pipeline"
	"github.com/opensource-finance/tapguard/internal/repository"
	"github.com/opensource-finance/tapguard/internal/rules"
)

func ptr[T any](v T) *T { return &v }

type testServer struct {
	*Server
	repo *repository.MemoryRepository
}

func seed(t *testing.T, repo *repository.MemoryRepository) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, repo.SaveMember(ctx, &domain.Member{
		ID: "MEMBER001", Name: "Aisha", MembershipType: domain.MembershipAnnual,
		MembershipStatus: domain.MembershipActive, FraudStatus: domain.FraudClean,
		Country: "AE", SubscriptionEnd: ptr(now.AddDate(0, 6, 0)),
	}))
	require.NoError(t, repo.SaveCard(ctx, &domain.Card{
		ID: "card-1", UID: "CARD123456789", MemberID: "MEMBER001", Status: domain.CardActive,
	}))
	require.NoError(t, repo.SaveVendor(ctx, &domain.Vendor{
		ID: "VENDOR001", Name: "Marina Grill", Country: "United Arab Emirates", City: "Dubai",
		Category: "restaurant", Active: true,
	}))
	require.NoError(t, repo.SaveCountryRule(ctx, &domain.CountryRule{
		CountryCode: "AE", AllowedMembershipTypes: []string{"annual", "lifetime"},
		MaxDiscountPercentage: 25, Currency: "AED", Active: true,
	}))
	require.NoError(t, repo.SaveOffer(ctx, &domain.Offer{
		ID: "offer-welcome", Code: "WELCOME10", Type: domain.OfferPercentage,
		DiscountPercentage: 10, Priority: 1, Active: true,
		ValidFrom: now.AddDate(0, -1, 0), ValidUntil: now.AddDate(0, 1, 0),
	}))
}

func newTestServer(t *testing.T, server domain.ServerConfig) *testServer {
	t.Helper()
	repo := repository.NewMemory()
	seed(t, repo)

	compliance, err := rules.NewEngine(2)
	require.NoError(t, err)
	backend := cache.NewLRUCache(1000)
	sink := audit.NewRepositorySink(repo)

	countries := country.NewEngine(repo, backend, compliance, domain.CountryConfig{CacheTTL: time.Minute})
	offers := offer.NewEngine(repo, backend, domain.OfferConfig{CacheTTL: time.Minute})
	p := pipeline.New(repo,
		fraud.NewDetector(repo, sink, domain.DefaultFraudConfig()),
		countries, offers,
		domain.PipelineConfig{PreVendorFraudPass: true},
		pipeline.WithAudit(sink),
	)

	s := NewServer(Config{Server: server, Version: "test-v1"}, Dependencies{
		Repo:      repo,
		Cache:     backend,
		Validator: p,
		Countries: countries,
		Offers:    offers,
		Cards:     cards.NewService(repo, sink),
		Audit:     sink,
	})
	return &testServer{Server: s, repo: repo}
}

func (s *testServer) do(t *testing.T, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func (s *testServer) tap(t *testing.T, req domain.TapRequest) domain.TapResponse {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/taps/validate", req, ReaderIDHeader, "POS-1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp domain.TapResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

var tapRequest = domain.TapRequest{CardUID: "CARD123456789", VendorID: "VENDOR001"}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t, domain.ServerConfig{})

	t.Run("Health", func(t *testing.T) {
		rec := s.do(t, http.MethodGet, "/health", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		body := decodeBody[map[string]any](t, rec)
		assert.Equal(t, "healthy", body["status"])
		assert.Equal(t, "test-v1", body["version"])
	})

	t.Run("Ready", func(t *testing.T) {
		rec := s.do(t, http.MethodGet, "/ready", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("TracingHeaders", func(t *testing.T) {
		rec := s.do(t, http.MethodGet, "/health", nil, RequestIDHeader, "req-42")
		assert.Equal(t, "req-42", rec.Header().Get(RequestIDHeader))
		assert.NotEmpty(t, rec.Header().Get(TraceIDHeader))
	})

	t.Run("Preflight", func(t *testing.T) {
		rec := s.do(t, http.MethodOptions, "/taps/validate", nil, "Origin", "https://pos.example")
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "https://pos.example", rec.Header().Get("Access-Control-Allow-Origin"))
	})
}

func TestValidateTapEndpoint(t *testing.T) {
	s := newTestServer(t, domain.ServerConfig{})

	t.Run("Approved", func(t *testing.T) {
		resp := s.tap(t, tapRequest)
		require.True(t, resp.Approved, "reason: %s", resp.Reason)
		assert.Equal(t, "MEMBER001", resp.MemberID)
		assert.Equal(t, "AED", resp.Currency)
		require.NotNil(t, resp.Offer)
		assert.Equal(t, "WELCOME10", resp.Offer.OfferCode)

		rec := s.do(t, http.MethodGet, "/taps/"+resp.TapLogID, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		log := decodeBody[domain.TapLog](t, rec)
		assert.Equal(t, domain.TapApproved, log.ValidationResult)
		assert.Equal(t, "POS-1", log.POSReaderID, "reader header fills the missing body field")
	})

	t.Run("RejectionIsStill200", func(t *testing.T) {
		resp := s.tap(t, domain.TapRequest{CardUID: "NOPE", VendorID: "VENDOR001"})
		assert.False(t, resp.Approved)
		assert.Equal(t, domain.ReasonCardUIDNotFound, resp.Reason)
		assert.Nil(t, resp.Offer)
	})

	t.Run("ReaderFromBody", func(t *testing.T) {
		req := tapRequest
		req.POSReaderID = "POS-BODY"
		rec := s.do(t, http.MethodPost, "/taps/validate", req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("MissingReader", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/taps/validate", tapRequest)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("MalformedBody", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/taps/validate", "{not json", ReaderIDHeader, "POS-1")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("UnknownTap", func(t *testing.T) {
		rec := s.do(t, http.MethodGet, "/taps/does-not-exist", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestReaderRateLimit(t *testing.T) {
	s := newTestServer(t, domain.ServerConfig{ReaderRateLimit: 2})

	for i := 0; i < 2; i++ {
		rec := s.do(t, http.MethodPost, "/taps/validate", tapRequest, ReaderIDHeader, "POS-9")
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := s.do(t, http.MethodPost, "/taps/validate", tapRequest, ReaderIDHeader, "POS-9")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	rec = s.do(t, http.MethodPost, "/taps/validate", tapRequest, ReaderIDHeader, "POS-10")
	assert.Equal(t, http.StatusOK, rec.Code, "other readers keep their own budget")
}

func TestAdminRateLimit(t *testing.T) {
	s := newTestServer(t, domain.ServerConfig{AdminRateLimit: 0.001, AdminBurst: 1})

	assert.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/offers", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, s.do(t, http.MethodGet, "/offers", nil).Code)

	rec := s.do(t, http.MethodPost, "/taps/validate", tapRequest, ReaderIDHeader, "POS-1")
	assert.Equal(t, http.StatusOK, rec.Code, "terminal traffic is not admin traffic")
}

func TestCountryRuleEndpoints(t *testing.T) {
	s := newTestServer(t, domain.ServerConfig{})

	t.Run("Get", func(t *testing.T) {
		rec := s.do(t, http.MethodGet, "/country-rules/ae", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		rule := decodeBody[domain.CountryRule](t, rec)
		assert.Equal(t, "AE", rule.CountryCode)
		assert.Equal(t, 25.0, rule.MaxDiscountPercentage)

		assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/country-rules/ZZ", nil).Code)
	})

	t.Run("UpdateIsVisibleOnNextTap", func(t *testing.T) {
		require.True(t, s.tap(t, tapRequest).Approved)

		rule := domain.CountryRule{
			AllowedMembershipTypes: []string{"annual", "lifetime"},
			MaxDiscountPercentage:  25,
			Currency:               "AED",
			Active:                 false,
		}
		rec := s.do(t, http.MethodPut, "/country-rules/ae", rule)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		resp := s.tap(t, tapRequest)
		assert.False(t, resp.Approved)
		assert.Equal(t, domain.ReasonCountryInactive, resp.Reason)

		var audited bool
		for _, e := range s.repo.AuditEvents() {
			if e.Action == domain.AuditCountryRuleUpdated && e.EntityID == "AE" {
				audited = true
			}
		}
		assert.True(t, audited, "rule update is audited")
	})

	t.Run("RejectsBadExpression", func(t *testing.T) {
		rule := domain.CountryRule{
			Active: true,
			ComplianceRestrictions: domain.ComplianceRestrictions{
				Expressions: []string{"this is (( not cel"},
			},
		}
		rec := s.do(t, http.MethodPut, "/country-rules/QA", rule)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/country-rules/QA", nil).Code)
	})

	t.Run("Invalidate", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/country-rules/cache/invalidate", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "all", decodeBody[map[string]string](t, rec)["invalidated"])

		rec = s.do(t, http.MethodPost, "/country-rules/cache/invalidate", map[string]string{"countryCode": "ae"})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "AE", decodeBody[map[string]string](t, rec)["invalidated"])
	})
}

func TestOfferEndpoints(t *testing.T) {
	s := newTestServer(t, domain.ServerConfig{})
	now := time.Now().UTC()

	t.Run("List", func(t *testing.T) {
		rec := s.do(t, http.MethodGet, "/offers", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.EqualValues(t, 1, decodeBody[map[string]any](t, rec)["count"])
	})

	t.Run("Validation", func(t *testing.T) {
		cases := []struct {
			name string
			o    domain.Offer
		}{
			{"MissingCode", domain.Offer{Type: domain.OfferPercentage, ValidFrom: now, ValidUntil: now.Add(time.Hour)}},
			{"UnknownType", domain.Offer{Code: "X", Type: "cashback", ValidFrom: now, ValidUntil: now.Add(time.Hour)}},
			{"NegativeDiscount", domain.Offer{Code: "X", Type: domain.OfferPercentage, DiscountPercentage: -5, ValidFrom: now, ValidUntil: now.Add(time.Hour)}},
			{"InvertedWindow", domain.Offer{Code: "X", Type: domain.OfferPercentage, ValidFrom: now, ValidUntil: now.Add(-time.Hour)}},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/offers", tc.o).Code)
			})
		}
	})

	t.Run("CreatedOfferWinsNextTap", func(t *testing.T) {
		require.Equal(t, "WELCOME10", s.tap(t, tapRequest).Offer.OfferCode)

		rec := s.do(t, http.MethodPost, "/offers", domain.Offer{
			Code: "FLASH20", Type: domain.OfferFlash, DiscountPercentage: 20,
			Priority: 1, Active: true, ValidFrom: now.Add(-time.Hour), ValidUntil: now.Add(time.Hour),
		})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		assert.NotEmpty(t, decodeBody[domain.Offer](t, rec).ID)

		resp := s.tap(t, tapRequest)
		require.NotNil(t, resp.Offer)
		assert.Equal(t, "FLASH20", resp.Offer.OfferCode)
		assert.Equal(t, 20.0, resp.Offer.DiscountPercentage)
	})
}

func TestMemberAndVendorEndpoints(t *testing.T) {
	s := newTestServer(t, domain.ServerConfig{})

	rec := s.do(t, http.MethodPost, "/members", domain.Member{
		Name: "Omar", MembershipType: domain.MembershipLifetime, Country: "sa",
		FraudStatus: domain.FraudBlocked, FraudScore: 99,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	m := decodeBody[domain.Member](t, rec)
	assert.NotEmpty(t, m.ID)
	assert.Equal(t, "SA", m.Country)
	assert.Equal(t, domain.MembershipActive, m.MembershipStatus)
	assert.Equal(t, domain.FraudClean, m.FraudStatus, "fraud status is owned by the fraud engine")
	assert.Zero(t, m.FraudScore)

	assert.Equal(t, http.StatusConflict, s.do(t, http.MethodPost, "/members", domain.Member{
		ID: "MEMBER001", Name: "Dup", MembershipType: domain.MembershipAnnual,
	}).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/members", domain.Member{
		Name: "Bad", MembershipType: "monthly",
	}).Code)

	rec = s.do(t, http.MethodPost, "/vendors", domain.Vendor{
		Name: "Olaya Diner", Country: "Saudi Arabia", City: "Riyadh", Active: true,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotEmpty(t, decodeBody[domain.Vendor](t, rec).ID)

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/vendors", domain.Vendor{Name: "No country"}).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/vendors", domain.Vendor{
		Name: "Greedy", Country: "UAE", MaxDiscountPercentage: ptr(150.0),
	}).Code)
	assert.Equal(t, http.StatusConflict, s.do(t, http.MethodPost, "/vendors", domain.Vendor{
		ID: "VENDOR001", Name: "Dup", Country: "UAE",
	}).Code)
}

func TestCardEndpoints(t *testing.T) {
	s := newTestServer(t, domain.ServerConfig{})

	t.Run("Issue", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/cards", IssueCardRequest{MemberID: "MEMBER001"})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		card := decodeBody[domain.Card](t, rec)
		assert.Len(t, card.UID, 14)
		assert.Equal(t, domain.CardActive, card.Status)

		assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodPost, "/cards", IssueCardRequest{MemberID: "MEMBER404"}).Code)
		assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/cards", IssueCardRequest{}).Code)
		assert.Equal(t, http.StatusConflict, s.do(t, http.MethodPost, "/cards", IssueCardRequest{
			MemberID: "MEMBER001", UID: "card123456789",
		}).Code)
	})

	t.Run("Lifecycle", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/cards/CARD123456789/status", CardStatusRequest{Status: domain.CardBlocked, Reason: "member request"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.NotNil(t, decodeBody[domain.Card](t, rec).BlockedAt)

		resp := s.tap(t, tapRequest)
		assert.False(t, resp.Approved)
		assert.Equal(t, domain.ReasonCardBlocked, resp.Reason)

		rec = s.do(t, http.MethodPost, "/cards/CARD123456789/status", CardStatusRequest{Status: domain.CardActive})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Nil(t, decodeBody[domain.Card](t, rec).BlockedAt)
		assert.True(t, s.tap(t, tapRequest).Approved)

		assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodPost, "/cards/UNKNOWN/status", CardStatusRequest{Status: domain.CardBlocked}).Code)
	})

	t.Run("Reissue", func(t *testing.T) {
		rec := s.do(t, http.MethodPost, "/cards/CARD123456789/reissue", map[string]string{"newUid": "new0000000001"})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		replacement := decodeBody[domain.Card](t, rec)
		assert.Equal(t, "NEW0000000001", replacement.UID)
		assert.Equal(t, "card-1", replacement.ReissuedFrom)

		old := s.tap(t, tapRequest)
		assert.False(t, old.Approved)
		assert.Equal(t, domain.CardStatusReason(domain.CardBlacklisted), old.Reason)

		fresh := s.tap(t, domain.TapRequest{CardUID: "NEW0000000001", VendorID: "VENDOR001"})
		assert.True(t, fresh.Approved, "reason: %s", fresh.Reason)

		rec = s.do(t, http.MethodPost, "/cards/CARD123456789/status", CardStatusRequest{Status: domain.CardActive})
		assert.Equal(t, http.StatusConflict, rec.Code, "blacklisted cards stay blacklisted")
	})
}

func TestFraudEventEndpoints(t *testing.T) {
	s := newTestServer(t, domain.ServerConfig{})
	ctx := context.Background()

	for i, id := range []string{"fe-1", "fe-2"} {
		require.NoError(t, s.repo.SaveFraudEvent(ctx, &domain.FraudEvent{
			ID: id, MemberID: "MEMBER001", CardUID: "CARD123456789",
			EventType: "geographic_anomaly", Severity: domain.SeverityLow, FraudScore: 40,
			CreatedAt: time.Now().Add(time.Duration(i) * time.Second),
		}))
	}

	rec := s.do(t, http.MethodGet, "/fraud-events?unresolved=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, decodeBody[map[string]any](t, rec)["count"])

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/fraud-events/fe-1/resolve", ResolveFraudEventRequest{}).Code)

	rec = s.do(t, http.MethodPost, "/fraud-events/fe-1/resolve", ResolveFraudEventRequest{ResolvedBy: "analyst", Notes: "travel confirmed"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/fraud-events?unresolved=true", nil)
	assert.EqualValues(t, 1, decodeBody[map[string]any](t, rec)["count"])
	rec = s.do(t, http.MethodGet, "/fraud-events?limit=1", nil)
	assert.EqualValues(t, 1, decodeBody[map[string]any](t, rec)["count"])

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodPost, "/fraud-events/fe-1/resolve", ResolveFraudEventRequest{ResolvedBy: "analyst"}).Code,
		"resolved events cannot be resolved again")
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/fraud-events?limit=abc", nil).Code)
}
