// Package offer selects the single best discount for an approved tap.
package offer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/opensource-finance/tapguard/internal/cache"
	"github.com/opensource-finance/tapguard/internal/domain"
)

// CacheNamespace holds candidate offer lists keyed by filter.
const CacheNamespace = "offer_candidates"

// BlockScore is the fraud score at and above which no discount is offered.
const BlockScore = 90

// Priority bonuses by offer type.
const (
	flashBonus = 10
	vipBonus   = 5
)

const defaultUsageHistory = 100

// Request carries everything the engine needs to rank offers.
type Request struct {
	MemberID              string
	MembershipType        domain.MembershipType
	VendorID              string
	VendorCategory        string
	CountryCode           string
	FraudScore            int
	FraudStatus           domain.FraudStatus
	MaxDiscountPercentage float64
	CurrentTime           time.Time
	// TransactionAmount, when known, rules out offers with a higher minimum purchase.
	TransactionAmount *float64
}

// Engine ranks candidate offers.
type Engine struct {
	repo         domain.Repository
	candidates   *cache.TTL[[]domain.Offer]
	usageHistory int
}

// NewEngine creates an offer engine. backend may be nil to disable caching.
func NewEngine(repo domain.Repository, backend domain.Cache, cfg domain.OfferConfig) *Engine {
	limit := cfg.UsageHistoryLimit
	if limit <= 0 {
		limit = defaultUsageHistory
	}
	return &Engine{
		repo:         repo,
		candidates:   cache.NewTTL[[]domain.Offer](backend, CacheNamespace, cfg.CacheTTL),
		usageHistory: limit,
	}
}

// BestOffer returns the highest-priority eligible offer, or nil. Errors are
// logged and yield nil: a failure never grants a discount.
func (e *Engine) BestOffer(ctx context.Context, req Request) (best *domain.AppliedOffer) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("offer calculation panicked", "member_id", req.MemberID, "panic", r)
			best = nil
		}
	}()

	if req.FraudStatus == domain.FraudBlocked || req.FraudScore >= BlockScore {
		return nil
	}
	if req.CurrentTime.IsZero() {
		req.CurrentTime = time.Now()
	}

	offers, err := e.loadCandidates(ctx, req)
	if err != nil {
		slog.Warn("offer lookup failed", "member_id", req.MemberID, "vendor_id", req.VendorID, "error", err)
		return nil
	}
	if len(offers) == 0 {
		return nil
	}

	used, err := e.usageCounts(ctx, req.MemberID)
	if err != nil {
		slog.Warn("offer usage lookup failed", "member_id", req.MemberID, "error", err)
		return nil
	}

	var eligible []*domain.Offer
	for i := range offers {
		o := &offers[i]
		if !o.Active || !o.ValidAt(req.CurrentTime) || !o.TimeRestrictions.Allows(req.CurrentTime) {
			continue
		}
		if o.UsageLimitPerMember > 0 && used[o.ID] >= o.UsageLimitPerMember {
			continue
		}
		if !meetsMinimum(o, req.TransactionAmount) {
			continue
		}
		eligible = append(eligible, o)
	}
	if len(eligible) == 0 {
		return nil
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		pi, pj := Priority(eligible[i]), Priority(eligible[j])
		if pi != pj {
			return pi > pj
		}
		return eligible[i].ID < eligible[j].ID
	})

	return Apply(eligible[0], req.MaxDiscountPercentage)
}

// InvalidateAll drops every cached candidate list.
func (e *Engine) InvalidateAll(ctx context.Context) error {
	if err := e.candidates.InvalidateAll(ctx); err != nil {
		return fmt.Errorf("failed to clear offer cache: %w", err)
	}
	return nil
}

func (e *Engine) loadCandidates(ctx context.Context, req Request) ([]domain.Offer, error) {
	key := string(req.MembershipType) + "|" + req.VendorCategory + "|" + req.CountryCode
	if offers, ok := e.candidates.Get(ctx, key); ok {
		return offers, nil
	}

	found, err := e.repo.ListCandidateOffers(ctx, domain.OfferFilter{
		MembershipType: req.MembershipType,
		VendorCategory: req.VendorCategory,
		CountryCode:    req.CountryCode,
		At:             req.CurrentTime,
	})
	if err != nil {
		return nil, err
	}

	offers := make([]domain.Offer, len(found))
	for i, o := range found {
		offers[i] = *o
	}
	if err := e.candidates.Set(ctx, key, offers); err != nil {
		slog.Warn("failed to cache offers", "key", key, "error", err)
	}
	return offers, nil
}

func (e *Engine) usageCounts(ctx context.Context, memberID string) (map[string]int, error) {
	rows, err := e.repo.ListOfferUsage(ctx, memberID, e.usageHistory)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int, len(rows))
	for _, u := range rows {
		counts[u.OfferID]++
	}
	return counts, nil
}

func meetsMinimum(o *domain.Offer, amount *float64) bool {
	if o.MinPurchaseAmount == nil || amount == nil {
		return true
	}
	return *amount >= *o.MinPurchaseAmount
}

// Priority is the offer's base priority plus its type bonus.
func Priority(o *domain.Offer) int {
	switch o.Type {
	case domain.OfferFlash:
		return o.Priority + flashBonus
	case domain.OfferVIPAccess:
		return o.Priority + vipBonus
	}
	return o.Priority
}

// Apply computes the discount snapshot for an offer. Percentage discounts
// never exceed the ceiling; fixed amounts are capped by MaxDiscountAmount.
func Apply(o *domain.Offer, ceiling float64) *domain.AppliedOffer {
	applied := &domain.AppliedOffer{
		OfferID:           o.ID,
		OfferCode:         o.Code,
		OfferType:         o.Type,
		MinPurchaseAmount: o.MinPurchaseAmount,
		MaxDiscountAmount: o.MaxDiscountAmount,
		ValidUntil:        o.ValidUntil,
		Conditions:        o.Conditions,
		Priority:          Priority(o),
	}

	if o.Type == domain.OfferFixedAmount {
		amount := o.FixedAmount
		if o.MaxDiscountAmount != nil {
			amount = min(amount, *o.MaxDiscountAmount)
		}
		applied.DiscountAmount = max(amount, 0)
		return applied
	}

	applied.DiscountPercentage = max(min(o.DiscountPercentage, ceiling), 0)
	return applied
}
