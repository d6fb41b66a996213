package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/opensource-finance/tapguard/internal/domain"
)

// MemoryRepository is an in-process domain.Repository used by tests and
// by single-node demos. Stored values are copied on the way in and out.
type MemoryRepository struct {
	mu sync.RWMutex

	members      map[string]domain.Member
	vendors      map[string]domain.Vendor
	cards        map[string]domain.Card // by ID
	cardUIDs     map[string]string      // uid -> card ID
	countryRules map[string]domain.CountryRule
	offers       map[string]domain.Offer
	tapLogs      []domain.TapLog
	fraudEvents  []domain.FraudEvent
	offerUsage   []domain.OfferUsageLog
	auditEvents  []domain.AuditEvent

	now func() time.Time
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *MemoryRepository {
	return &MemoryRepository{
		members:      make(map[string]domain.Member),
		vendors:      make(map[string]domain.Vendor),
		cards:        make(map[string]domain.Card),
		cardUIDs:     make(map[string]string),
		countryRules: make(map[string]domain.CountryRule),
		offers:       make(map[string]domain.Offer),
		now:          time.Now,
	}
}

func (r *MemoryRepository) SaveMember(ctx context.Context, m *domain.Member) error {
	if m.ID == "" {
		return fmt.Errorf("%w: member id is required", ErrInvalidInput)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	if m.FraudStatus == "" {
		m.FraudStatus = domain.FraudClean
	}
	r.members[m.ID] = *m
	return nil
}

func (r *MemoryRepository) GetMember(ctx context.Context, memberID string) (*domain.Member, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.members[memberID]
	if !ok {
		return nil, ErrNotFound
	}
	return &m, nil
}

func (r *MemoryRepository) UpdateMemberFraud(ctx context.Context, memberID string, score int, status domain.FraudStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[memberID]
	if !ok {
		return ErrNotFound
	}
	m.FraudScore = score
	m.FraudStatus = status
	m.UpdatedAt = r.now().UTC()
	r.members[memberID] = m
	return nil
}

func (r *MemoryRepository) SaveVendor(ctx context.Context, v *domain.Vendor) error {
	if v.ID == "" {
		return fmt.Errorf("%w: vendor id is required", ErrInvalidInput)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if v.CreatedAt.IsZero() {
		v.CreatedAt = r.now().UTC()
	}
	cp := *v
	cp.AllowedMembershipTiers = append([]string(nil), v.AllowedMembershipTiers...)
	r.vendors[v.ID] = cp
	return nil
}

func (r *MemoryRepository) GetVendor(ctx context.Context, vendorID string) (*domain.Vendor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.vendors[vendorID]
	if !ok {
		return nil, ErrNotFound
	}
	v.AllowedMembershipTiers = append([]string(nil), v.AllowedMembershipTiers...)
	return &v, nil
}

func (r *MemoryRepository) SaveCard(ctx context.Context, c *domain.Card) error {
	if c.ID == "" || c.UID == "" {
		return fmt.Errorf("%w: card id and uid are required", ErrInvalidInput)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.cardUIDs[c.UID]; ok && id != c.ID {
		return fmt.Errorf("%w: card uid %s", ErrConflict, c.UID)
	}
	if _, ok := r.cards[c.ID]; ok {
		return fmt.Errorf("%w: card id %s", ErrConflict, c.ID)
	}

	now := r.now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	r.cards[c.ID] = *c
	r.cardUIDs[c.UID] = c.ID
	return nil
}

func (r *MemoryRepository) GetCardByUID(ctx context.Context, uid string) (*domain.Card, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.cardUIDs[uid]
	if !ok {
		return nil, ErrNotFound
	}
	c := r.cards[id]
	return &c, nil
}

func (r *MemoryRepository) GetCardForMember(ctx context.Context, uid string, memberID string) (*domain.Card, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.cardUIDs[uid]
	if !ok {
		return nil, ErrNotFound
	}
	c := r.cards[id]
	if c.MemberID != memberID {
		return nil, ErrNotFound
	}
	if _, ok := r.members[memberID]; !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (r *MemoryRepository) UpdateCardStatus(ctx context.Context, cardID string, status domain.CardStatus, blockedAt *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.cards[cardID]
	if !ok {
		return ErrNotFound
	}
	c.Status = status
	c.BlockedAt = blockedAt
	c.UpdatedAt = r.now().UTC()
	r.cards[cardID] = c
	return nil
}

func (r *MemoryRepository) SaveCountryRule(ctx context.Context, rule *domain.CountryRule) error {
	if rule.CountryCode == "" {
		return fmt.Errorf("%w: country code is required", ErrInvalidInput)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	rule.UpdatedAt = r.now().UTC()
	r.countryRules[rule.CountryCode] = *rule
	return nil
}

func (r *MemoryRepository) GetCountryRule(ctx context.Context, countryCode string) (*domain.CountryRule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rule, ok := r.countryRules[countryCode]
	if !ok {
		return nil, ErrNotFound
	}
	return &rule, nil
}

func (r *MemoryRepository) SaveOffer(ctx context.Context, o *domain.Offer) error {
	if o.ID == "" || o.Code == "" {
		return fmt.Errorf("%w: offer id and code are required", ErrInvalidInput)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if o.CreatedAt.IsZero() {
		o.CreatedAt = r.now().UTC()
	}
	r.offers[o.ID] = *o
	return nil
}

func (r *MemoryRepository) ListOffers(ctx context.Context) ([]*domain.Offer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	offers := make([]*domain.Offer, 0, len(r.offers))
	for _, o := range r.offers {
		o := o
		offers = append(offers, &o)
	}
	sort.Slice(offers, func(i, j int) bool {
		if !offers[i].CreatedAt.Equal(offers[j].CreatedAt) {
			return offers[i].CreatedAt.Before(offers[j].CreatedAt)
		}
		return offers[i].ID < offers[j].ID
	})
	return offers, nil
}

func (r *MemoryRepository) ListCandidateOffers(ctx context.Context, filter domain.OfferFilter) ([]*domain.Offer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var offers []*domain.Offer
	for _, o := range r.offers {
		if !o.Active || !o.ValidAt(filter.At) {
			continue
		}
		if !matchesFilter(o.MembershipType, string(filter.MembershipType)) ||
			!matchesFilter(o.VendorCategory, filter.VendorCategory) ||
			!matchesFilter(o.CountryCode, filter.CountryCode) {
			continue
		}
		o := o
		offers = append(offers, &o)
	}
	sort.Slice(offers, func(i, j int) bool {
		if offers[i].Priority != offers[j].Priority {
			return offers[i].Priority > offers[j].Priority
		}
		return offers[i].ID < offers[j].ID
	})
	return offers, nil
}

func matchesFilter(field *string, value string) bool {
	return field == nil || *field == value
}

func (r *MemoryRepository) SaveTapLog(ctx context.Context, log *domain.TapLog) error {
	if log.ID == "" {
		return fmt.Errorf("%w: tap log id is required", ErrInvalidInput)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if log.CreatedAt.IsZero() {
		log.CreatedAt = r.now().UTC()
	}
	r.tapLogs = append(r.tapLogs, *log)
	return nil
}

func (r *MemoryRepository) GetTapLog(ctx context.Context, tapLogID string) (*domain.TapLog, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, l := range r.tapLogs {
		if l.ID == tapLogID {
			return &l, nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryRepository) ListRecentTaps(ctx context.Context, cardUID string, since time.Time) ([]*domain.TapHistory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var taps []*domain.TapHistory
	for i := len(r.tapLogs) - 1; i >= 0; i-- {
		l := r.tapLogs[i]
		if l.CardUID != cardUID || l.CreatedAt.Before(since) {
			continue
		}
		h := &domain.TapHistory{
			TapLogID:  l.ID,
			CardUID:   l.CardUID,
			VendorID:  l.VendorID,
			Latitude:  l.Latitude,
			Longitude: l.Longitude,
			CreatedAt: l.CreatedAt,
		}
		if v, ok := r.vendors[l.VendorID]; ok {
			h.Country = v.Country
			h.City = v.City
		}
		taps = append(taps, h)
	}
	sort.SliceStable(taps, func(i, j int) bool {
		return taps[i].CreatedAt.After(taps[j].CreatedAt)
	})
	return taps, nil
}

func (r *MemoryRepository) SaveFraudEvent(ctx context.Context, event *domain.FraudEvent) error {
	if event.ID == "" {
		return fmt.Errorf("%w: fraud event id is required", ErrInvalidInput)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = r.now().UTC()
	}
	r.fraudEvents = append(r.fraudEvents, *event)
	return nil
}

func (r *MemoryRepository) ListFraudEvents(ctx context.Context, unresolvedOnly bool, limit int) ([]*domain.FraudEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var events []*domain.FraudEvent
	for i := len(r.fraudEvents) - 1; i >= 0 && len(events) < limit; i-- {
		e := r.fraudEvents[i]
		if unresolvedOnly && e.Resolved {
			continue
		}
		events = append(events, &e)
	}
	return events, nil
}

func (r *MemoryRepository) ResolveFraudEvent(ctx context.Context, eventID, resolvedBy, notes string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.fraudEvents {
		e := &r.fraudEvents[i]
		if e.ID != eventID || e.Resolved {
			continue
		}
		now := r.now().UTC()
		e.Resolved = true
		e.ResolvedBy = resolvedBy
		e.ResolutionNotes = notes
		e.ResolvedAt = &now
		return nil
	}
	return ErrNotFound
}

func (r *MemoryRepository) SaveOfferUsage(ctx context.Context, usage *domain.OfferUsageLog) error {
	if usage.ID == "" {
		return fmt.Errorf("%w: usage id is required", ErrInvalidInput)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if usage.CreatedAt.IsZero() {
		usage.CreatedAt = r.now().UTC()
	}
	r.offerUsage = append(r.offerUsage, *usage)
	return nil
}

func (r *MemoryRepository) ListOfferUsage(ctx context.Context, memberID string, limit int) ([]*domain.OfferUsageLog, error) {
	if limit <= 0 {
		limit = 100
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var usage []*domain.OfferUsageLog
	for i := len(r.offerUsage) - 1; i >= 0 && len(usage) < limit; i-- {
		u := r.offerUsage[i]
		if u.MemberID == memberID {
			usage = append(usage, &u)
		}
	}
	return usage, nil
}

func (r *MemoryRepository) SaveAuditEvent(ctx context.Context, event *domain.AuditEvent) error {
	if event.ID == "" {
		return fmt.Errorf("%w: audit event id is required", ErrInvalidInput)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = r.now().UTC()
	}
	r.auditEvents = append(r.auditEvents, *event)
	return nil
}

// TapLogs returns a copy of every stored tap log in insertion order.
func (r *MemoryRepository) TapLogs() []domain.TapLog {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]domain.TapLog(nil), r.tapLogs...)
}

// AuditEvents returns a copy of every stored audit event in insertion order.
func (r *MemoryRepository) AuditEvents() []domain.AuditEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]domain.AuditEvent(nil), r.auditEvents...)
}

func (r *MemoryRepository) Ping(ctx context.Context) error {
	return nil
}

func (r *MemoryRepository) Close() error {
	return nil
}
