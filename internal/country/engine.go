// Package country validates a tap against the rules of the vendor's jurisdiction.
package country

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/opensource-finance/tapguard/internal/cache"
	"github.com/opensource-finance/tapguard/internal/domain"
	"github.com/opensource-finance/tapguard/internal/geo"
	"github.com/opensource-finance/tapguard/internal/rules"
)

// CacheNamespace holds country rules keyed by country code.
const CacheNamespace = "country_rules"

// Request identifies the tap being validated.
type Request struct {
	VendorID       string
	MemberID       string
	MembershipType domain.MembershipType
	At             time.Time
}

// Result is the outcome of a country rule check. On success MaxDiscountPercentage
// is the stricter of the country and vendor caps.
type Result struct {
	Valid                 bool            `json:"valid"`
	CountryCode           string          `json:"countryCode,omitempty"`
	Currency              string          `json:"currency,omitempty"`
	MaxDiscountPercentage float64         `json:"maxDiscountPercentage"`
	TaxRules              json.RawMessage `json:"taxRules,omitempty"`
	Reason                string          `json:"reason,omitempty"`
}

func reject(reason string) Result {
	return Result{Valid: false, Reason: reason}
}

// Engine checks vendor, country, tier, blackout and compliance rules.
type Engine struct {
	repo       domain.Repository
	rules      *cache.TTL[domain.CountryRule]
	compliance *rules.Engine
}

// NewEngine creates a country rule engine. backend may be nil to disable
// caching. compliance may be nil when no rule carries expressions.
func NewEngine(repo domain.Repository, backend domain.Cache, compliance *rules.Engine, cfg domain.CountryConfig) *Engine {
	return &Engine{
		repo:       repo,
		rules:      cache.NewTTL[domain.CountryRule](backend, CacheNamespace, cfg.CacheTTL),
		compliance: compliance,
	}
}

// Validate runs the checks in order and stops at the first failure.
// Repository and expression errors are returned; the caller fails closed.
func (e *Engine) Validate(ctx context.Context, req Request) (Result, error) {
	if req.At.IsZero() {
		req.At = time.Now()
	}

	vendor, err := e.repo.GetVendor(ctx, req.VendorID)
	if errors.Is(err, domain.ErrNotFound) {
		return reject(domain.ReasonVendorNotFound), nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("failed to load vendor: %w", err)
	}
	if !vendor.Active {
		return reject(domain.ReasonVendorInactive), nil
	}

	code := geo.CountryCode(vendor.Country)
	rule, err := e.Rule(ctx, code)
	if errors.Is(err, domain.ErrNotFound) {
		return reject(domain.ReasonCountryRuleMissing), nil
	}
	if err != nil {
		return Result{}, err
	}
	if !rule.Active {
		return reject(domain.ReasonCountryInactive), nil
	}

	if !rule.AllowsType(req.MembershipType) {
		return reject(domain.ReasonTypeNotInCountry), nil
	}
	if !vendor.AllowsTier(req.MembershipType) {
		return reject(domain.ReasonTypeNotAtVendor), nil
	}
	if InBlackout(rule.BlackoutPeriods, req.At) {
		return reject(domain.ReasonBlackoutPeriod), nil
	}
	if rule.ComplianceRestrictions.Restricts(req.MembershipType) {
		return reject(domain.ReasonComplianceType), nil
	}

	if exprs := rule.ComplianceRestrictions.Expressions; len(exprs) > 0 {
		if e.compliance == nil {
			return Result{}, fmt.Errorf("country %s has compliance expressions but no expression engine", code)
		}
		verdict, err := e.compliance.Evaluate(ctx, exprs, rules.Input{
			MembershipType: string(req.MembershipType),
			CountryCode:    code,
			VendorCategory: vendor.Category,
			VendorCity:     vendor.City,
			At:             req.At,
		})
		if err != nil {
			return Result{}, err
		}
		if verdict.Blocked {
			slog.Debug("compliance expression blocked tap",
				"country_code", code,
				"vendor_id", vendor.ID,
				"expression", verdict.Expression,
			)
			return reject(domain.ReasonComplianceRule), nil
		}
	}

	maxDiscount := rule.MaxDiscountPercentage
	if vendor.MaxDiscountPercentage != nil && *vendor.MaxDiscountPercentage < maxDiscount {
		maxDiscount = *vendor.MaxDiscountPercentage
	}

	return Result{
		Valid:                 true,
		CountryCode:           code,
		Currency:              rule.Currency,
		MaxDiscountPercentage: maxDiscount,
		TaxRules:              rule.TaxRules,
	}, nil
}

// Rule returns the rule for a country code, reading through the cache.
// Missing rules are not cached.
func (e *Engine) Rule(ctx context.Context, code string) (*domain.CountryRule, error) {
	if rule, ok := e.rules.Get(ctx, code); ok {
		return &rule, nil
	}

	rule, err := e.repo.GetCountryRule(ctx, code)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to load country rule %s: %w", code, err)
	}

	if err := e.rules.Set(ctx, code, *rule); err != nil {
		slog.Warn("failed to cache country rule", "country_code", code, "error", err)
	}
	return rule, nil
}

// SaveRule validates and stores a rule, then drops its cache entry so the
// next tap sees the update.
func (e *Engine) SaveRule(ctx context.Context, rule *domain.CountryRule) error {
	rule.CountryCode = strings.ToUpper(strings.TrimSpace(rule.CountryCode))
	if rule.CountryCode == "" {
		return fmt.Errorf("%w: country code is required", domain.ErrInvalidRule)
	}
	if exprs := rule.ComplianceRestrictions.Expressions; len(exprs) > 0 {
		if e.compliance == nil {
			return fmt.Errorf("%w: compliance expressions are not supported", domain.ErrInvalidRule)
		}
		if err := e.compliance.Validate(exprs); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrInvalidRule, err)
		}
	}

	if err := e.repo.SaveCountryRule(ctx, rule); err != nil {
		return err
	}
	return e.Invalidate(ctx, rule.CountryCode)
}

// Invalidate drops the cached rule for one country code. An empty code
// drops every cached rule.
func (e *Engine) Invalidate(ctx context.Context, code string) error {
	if code == "" {
		return e.InvalidateAll(ctx)
	}
	if err := e.rules.Invalidate(ctx, strings.ToUpper(code)); err != nil {
		return fmt.Errorf("failed to invalidate country rule %s: %w", code, err)
	}
	slog.Info("country rule cache invalidated", "country_code", code)
	return nil
}

// InvalidateAll drops every cached rule.
func (e *Engine) InvalidateAll(ctx context.Context) error {
	if err := e.rules.InvalidateAll(ctx); err != nil {
		return fmt.Errorf("failed to clear country rule cache: %w", err)
	}
	slog.Info("country rule cache cleared")
	return nil
}

// InBlackout reports whether t matches any blackout date, weekday or hour range.
func InBlackout(b domain.BlackoutPeriods, t time.Time) bool {
	date := t.Format("2006-01-02")
	for _, d := range b.Dates {
		if d == date {
			return true
		}
	}
	day := int(t.Weekday())
	for _, w := range b.Weekdays {
		if w == day {
			return true
		}
	}
	hour := t.Hour()
	for _, h := range b.Hours {
		if h.Contains(hour) {
			return true
		}
	}
	return false
}
