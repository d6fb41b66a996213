package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/opensource-finance/tapguard/internal/domain"
)

const (
	defaultFraudEventLimit = 100
	maxFraudEventLimit     = 1000
)

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return false
	}
	return true
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

// GetCountryRule returns the rule for a country code as the engine sees it.
func (h *Handler) GetCountryRule(w http.ResponseWriter, r *http.Request) {
	code := strings.ToUpper(chi.URLParam(r, "code"))

	rule, err := h.countries.Rule(r.Context(), code)
	if err != nil {
		writeError(w, err, "country rule")
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// PutCountryRule creates or replaces a country rule. The cached copy is
// dropped so the next tap sees the update.
func (h *Handler) PutCountryRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var rule domain.CountryRule
	if !decode(w, r, &rule) {
		return
	}
	rule.CountryCode = chi.URLParam(r, "code")

	if err := h.countries.SaveRule(ctx, &rule); err != nil {
		writeError(w, err, "country rule")
		return
	}

	h.logAudit(ctx, domain.AuditCountryRuleUpdated, "country_rule", rule.CountryCode, map[string]any{
		"active":                 rule.Active,
		"maxDiscountPercentage":  rule.MaxDiscountPercentage,
		"allowedMembershipTypes": rule.AllowedMembershipTypes,
	})
	slog.Info("country rule updated", "country_code", rule.CountryCode)
	writeJSON(w, http.StatusOK, rule)
}

// InvalidateCountryRules drops one cached rule, or all of them when the
// body names no country.
func (h *Handler) InvalidateCountryRules(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CountryCode string `json:"countryCode"`
	}
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}

	if err := h.countries.Invalidate(r.Context(), req.CountryCode); err != nil {
		writeError(w, err, "country rule cache")
		return
	}

	scope := strings.ToUpper(req.CountryCode)
	if scope == "" {
		scope = "all"
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"invalidated": scope,
	})
}

// ListOffers returns every stored offer.
func (h *Handler) ListOffers(w http.ResponseWriter, r *http.Request) {
	offers, err := h.repo.ListOffers(r.Context())
	if err != nil {
		writeError(w, err, "offers")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"offers": offers,
		"count":  len(offers),
	})
}

// CreateOffer stores an offer and clears the candidate cache.
func (h *Handler) CreateOffer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var o domain.Offer
	if !decode(w, r, &o) {
		return
	}
	if o.Code == "" {
		badRequest(w, "code is required")
		return
	}
	switch o.Type {
	case domain.OfferPercentage, domain.OfferFixedAmount, domain.OfferFlash, domain.OfferVIPAccess, domain.OfferBOGO:
	default:
		badRequest(w, fmt.Sprintf("unknown offer type %q", o.Type))
		return
	}
	if o.DiscountPercentage < 0 || o.FixedAmount < 0 {
		badRequest(w, "discounts cannot be negative")
		return
	}
	if !o.ValidUntil.After(o.ValidFrom) {
		badRequest(w, "validUntil must be after validFrom")
		return
	}
	if o.ID == "" {
		o.ID = uuid.New().String()
	}

	if err := h.repo.SaveOffer(ctx, &o); err != nil {
		writeError(w, err, "offer")
		return
	}
	if err := h.offers.InvalidateAll(ctx); err != nil {
		slog.Warn("failed to clear offer cache", "offer_id", o.ID, "error", err)
	}

	slog.Info("offer saved", "offer_id", o.ID, "code", o.Code)
	writeJSON(w, http.StatusCreated, o)
}

// CreateMember registers a member.
func (h *Handler) CreateMember(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var m domain.Member
	if !decode(w, r, &m) {
		return
	}
	if m.Name == "" {
		badRequest(w, "name is required")
		return
	}
	if m.MembershipType != domain.MembershipAnnual && m.MembershipType != domain.MembershipLifetime {
		badRequest(w, "membershipType must be annual or lifetime")
		return
	}
	if m.ID == "" {
		m.ID = uuid.New().String()
	} else if _, err := h.repo.GetMember(ctx, m.ID); err == nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "member already exists"})
		return
	}
	if m.MembershipStatus == "" {
		m.MembershipStatus = domain.MembershipActive
	}
	m.FraudStatus = domain.FraudClean
	m.FraudScore = 0
	m.Country = strings.ToUpper(m.Country)

	if err := h.repo.SaveMember(ctx, &m); err != nil {
		writeError(w, err, "member")
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// CreateVendor registers a vendor.
func (h *Handler) CreateVendor(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var v domain.Vendor
	if !decode(w, r, &v) {
		return
	}
	if v.Name == "" || v.Country == "" {
		badRequest(w, "name and country are required")
		return
	}
	if v.MaxDiscountPercentage != nil && (*v.MaxDiscountPercentage < 0 || *v.MaxDiscountPercentage > 100) {
		badRequest(w, "maxDiscountPercentage must be between 0 and 100")
		return
	}
	if v.ID == "" {
		v.ID = uuid.New().String()
	} else if _, err := h.repo.GetVendor(ctx, v.ID); err == nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "vendor already exists"})
		return
	}

	if err := h.repo.SaveVendor(ctx, &v); err != nil {
		writeError(w, err, "vendor")
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

// IssueCardRequest is the request body for POST /cards.
type IssueCardRequest struct {
	MemberID  string     `json:"memberId"`
	UID       string     `json:"uid,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// IssueCard issues an active card to an existing member.
func (h *Handler) IssueCard(w http.ResponseWriter, r *http.Request) {
	var req IssueCardRequest
	if !decode(w, r, &req) {
		return
	}

	card := &domain.Card{
		MemberID:  req.MemberID,
		UID:       strings.ToUpper(req.UID),
		ExpiresAt: req.ExpiresAt,
	}
	if err := h.cards.Issue(r.Context(), card); err != nil {
		writeError(w, err, "member")
		return
	}
	writeJSON(w, http.StatusCreated, card)
}

// CardStatusRequest is the request body for POST /cards/{uid}/status.
type CardStatusRequest struct {
	Status domain.CardStatus `json:"status"`
	Reason string            `json:"reason,omitempty"`
}

// ChangeCardStatus moves a card through its lifecycle.
func (h *Handler) ChangeCardStatus(w http.ResponseWriter, r *http.Request) {
	var req CardStatusRequest
	if !decode(w, r, &req) {
		return
	}

	card, err := h.cards.ChangeStatus(r.Context(), chi.URLParam(r, "uid"), req.Status, req.Reason)
	if err != nil {
		writeError(w, err, "card")
		return
	}
	writeJSON(w, http.StatusOK, card)
}

// ReissueCard replaces a card under a new UID and blacklists the old one.
func (h *Handler) ReissueCard(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NewUID string `json:"newUid"`
	}
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}

	card, err := h.cards.Reissue(r.Context(), chi.URLParam(r, "uid"), strings.ToUpper(req.NewUID))
	if err != nil {
		writeError(w, err, "card")
		return
	}
	writeJSON(w, http.StatusCreated, card)
}

// ListFraudEvents returns fraud events, newest first.
func (h *Handler) ListFraudEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	unresolved := q.Get("unresolved") == "true"

	limit := defaultFraudEventLimit
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			badRequest(w, "limit must be a positive integer")
			return
		}
		limit = min(n, maxFraudEventLimit)
	}

	events, err := h.repo.ListFraudEvents(r.Context(), unresolved, limit)
	if err != nil {
		writeError(w, err, "fraud events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

// ResolveFraudEventRequest is the request body for POST /fraud-events/{id}/resolve.
type ResolveFraudEventRequest struct {
	ResolvedBy string `json:"resolvedBy"`
	Notes      string `json:"notes,omitempty"`
}

// ResolveFraudEvent closes an open fraud event. Member fraud status is not
// changed here.
func (h *Handler) ResolveFraudEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	eventID := chi.URLParam(r, "id")

	var req ResolveFraudEventRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ResolvedBy == "" {
		badRequest(w, "resolvedBy is required")
		return
	}

	if err := h.repo.ResolveFraudEvent(ctx, eventID, req.ResolvedBy, req.Notes); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "open fraud event not found"})
			return
		}
		writeError(w, err, "fraud event")
		return
	}

	h.logAudit(ctx, domain.AuditFraudResolved, "fraud_event", eventID, req)
	writeJSON(w, http.StatusOK, map[string]string{
		"id":     eventID,
		"status": "resolved",
	})
}
