// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/tapguard/internal/domain"
)

var (
	ErrNotFound     = domain.ErrNotFound
	ErrInvalidInput = domain.ErrInvalidInput
	ErrConflict     = errors.New("record already exists")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveMember inserts or replaces a member.
func (r *SQLRepository) SaveMember(ctx context.Context, m *domain.Member) error {
	if m.ID == "" {
		return fmt.Errorf("%w: member id is required", ErrInvalidInput)
	}

	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	if m.FraudStatus == "" {
		m.FraudStatus = domain.FraudClean
	}

	query := `
		INSERT INTO members (
			id, name, email, membership_type, membership_status, fraud_status,
			fraud_score, country, subscription_end, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			membership_type = excluded.membership_type,
			membership_status = excluded.membership_status,
			fraud_status = excluded.fraud_status,
			fraud_score = excluded.fraud_score,
			country = excluded.country,
			subscription_end = excluded.subscription_end,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		m.ID, m.Name, m.Email, m.MembershipType, m.MembershipStatus, m.FraudStatus,
		m.FraudScore, m.Country, nullTime(m.SubscriptionEnd), m.CreatedAt.UTC(), m.UpdatedAt,
	)
	return err
}

// GetMember retrieves a member by ID.
func (r *SQLRepository) GetMember(ctx context.Context, memberID string) (*domain.Member, error) {
	query := `
		SELECT id, name, email, membership_type, membership_status, fraud_status,
			   fraud_score, country, subscription_end, created_at, updated_at
		FROM members
		WHERE id = ?
	`

	var m domain.Member
	var subEnd sql.NullTime

	err := r.db.QueryRowContext(ctx, r.rebind(query), memberID).Scan(
		&m.ID, &m.Name, &m.Email, &m.MembershipType, &m.MembershipStatus, &m.FraudStatus,
		&m.FraudScore, &m.Country, &subEnd, &m.CreatedAt, &m.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	m.SubscriptionEnd = timePtr(subEnd)
	return &m, nil
}

// UpdateMemberFraud overwrites the member's fraud score and status.
func (r *SQLRepository) UpdateMemberFraud(ctx context.Context, memberID string, score int, status domain.FraudStatus) error {
	query := `
		UPDATE members
		SET fraud_score = ?, fraud_status = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), score, status, time.Now().UTC(), memberID)
	if err != nil {
		return err
	}
	return expectRow(result)
}

// SaveVendor inserts or replaces a vendor.
func (r *SQLRepository) SaveVendor(ctx context.Context, v *domain.Vendor) error {
	if v.ID == "" {
		return fmt.Errorf("%w: vendor id is required", ErrInvalidInput)
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}

	tiers, _ := json.Marshal(nonNilStrings(v.AllowedMembershipTiers))

	query := `
		INSERT INTO vendors (
			id, name, country, city, category, active,
			allowed_membership_tiers, max_discount_percentage, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			country = excluded.country,
			city = excluded.city,
			category = excluded.category,
			active = excluded.active,
			allowed_membership_tiers = excluded.allowed_membership_tiers,
			max_discount_percentage = excluded.max_discount_percentage
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		v.ID, v.Name, v.Country, v.City, v.Category, boolInt(v.Active),
		string(tiers), nullFloat(v.MaxDiscountPercentage), v.CreatedAt.UTC(),
	)
	return err
}

// GetVendor retrieves a vendor by ID.
func (r *SQLRepository) GetVendor(ctx context.Context, vendorID string) (*domain.Vendor, error) {
	query := `
		SELECT id, name, country, city, category, active,
			   allowed_membership_tiers, max_discount_percentage, created_at
		FROM vendors
		WHERE id = ?
	`

	var v domain.Vendor
	var active int
	var tiers string
	var maxDiscount sql.NullFloat64

	err := r.db.QueryRowContext(ctx, r.rebind(query), vendorID).Scan(
		&v.ID, &v.Name, &v.Country, &v.City, &v.Category, &active,
		&tiers, &maxDiscount, &v.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	v.Active = active == 1
	v.MaxDiscountPercentage = floatPtr(maxDiscount)
	if err := json.Unmarshal([]byte(tiers), &v.AllowedMembershipTiers); err != nil {
		return nil, fmt.Errorf("failed to parse vendor tiers for %s: %w", v.ID, err)
	}
	return &v, nil
}

// SaveCard inserts a new card. UIDs are never reused.
func (r *SQLRepository) SaveCard(ctx context.Context, c *domain.Card) error {
	if c.ID == "" || c.UID == "" {
		return fmt.Errorf("%w: card id and uid are required", ErrInvalidInput)
	}

	if existing, err := r.GetCardByUID(ctx, c.UID); err == nil && existing.ID != c.ID {
		return fmt.Errorf("%w: card uid %s", ErrConflict, c.UID)
	} else if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	query := `
		INSERT INTO cards (
			id, uid, member_id, status, expires_at, blocked_at,
			reissued_from, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		c.ID, c.UID, c.MemberID, c.Status, nullTime(c.ExpiresAt), nullTime(c.BlockedAt),
		c.ReissuedFrom, c.CreatedAt.UTC(), c.UpdatedAt,
	)
	return err
}

const cardColumns = `c.id, c.uid, c.member_id, c.status, c.expires_at, c.blocked_at,
			   c.reissued_from, c.created_at, c.updated_at`

// GetCardByUID retrieves a card by its physical UID.
func (r *SQLRepository) GetCardByUID(ctx context.Context, uid string) (*domain.Card, error) {
	query := `SELECT ` + cardColumns + `
		FROM cards c
		WHERE c.uid = ?
	`
	return r.scanCard(r.db.QueryRowContext(ctx, r.rebind(query), uid))
}

// GetCardForMember retrieves the card only if it links to an existing member.
func (r *SQLRepository) GetCardForMember(ctx context.Context, uid string, memberID string) (*domain.Card, error) {
	query := `SELECT ` + cardColumns + `
		FROM cards c
		JOIN members m ON m.id = c.member_id
		WHERE c.uid = ? AND c.member_id = ?
	`
	return r.scanCard(r.db.QueryRowContext(ctx, r.rebind(query), uid, memberID))
}

func (r *SQLRepository) scanCard(row *sql.Row) (*domain.Card, error) {
	var c domain.Card
	var expires, blocked sql.NullTime

	err := row.Scan(
		&c.ID, &c.UID, &c.MemberID, &c.Status, &expires, &blocked,
		&c.ReissuedFrom, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	c.ExpiresAt = timePtr(expires)
	c.BlockedAt = timePtr(blocked)
	return &c, nil
}

// UpdateCardStatus moves a card to a new status.
func (r *SQLRepository) UpdateCardStatus(ctx context.Context, cardID string, status domain.CardStatus, blockedAt *time.Time) error {
	query := `
		UPDATE cards
		SET status = ?, blocked_at = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), status, nullTime(blockedAt), time.Now().UTC(), cardID)
	if err != nil {
		return err
	}
	return expectRow(result)
}

// SaveCountryRule inserts or replaces a country rule.
func (r *SQLRepository) SaveCountryRule(ctx context.Context, rule *domain.CountryRule) error {
	if rule.CountryCode == "" {
		return fmt.Errorf("%w: country code is required", ErrInvalidInput)
	}
	rule.UpdatedAt = time.Now().UTC()

	allowed, _ := json.Marshal(nonNilStrings(rule.AllowedMembershipTypes))
	compliance, _ := json.Marshal(rule.ComplianceRestrictions)
	blackout, _ := json.Marshal(rule.BlackoutPeriods)

	query := `
		INSERT INTO country_rules (
			country_code, allowed_membership_types, max_discount_percentage, currency,
			tax_rules, compliance_restrictions, blackout_periods, active, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(country_code) DO UPDATE SET
			allowed_membership_types = excluded.allowed_membership_types,
			max_discount_percentage = excluded.max_discount_percentage,
			currency = excluded.currency,
			tax_rules = excluded.tax_rules,
			compliance_restrictions = excluded.compliance_restrictions,
			blackout_periods = excluded.blackout_periods,
			active = excluded.active,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.CountryCode, string(allowed), rule.MaxDiscountPercentage, rule.Currency,
		string(rule.TaxRules), string(compliance), string(blackout), boolInt(rule.Active), rule.UpdatedAt,
	)
	return err
}

// GetCountryRule retrieves the rule for a country code.
func (r *SQLRepository) GetCountryRule(ctx context.Context, countryCode string) (*domain.CountryRule, error) {
	query := `
		SELECT country_code, allowed_membership_types, max_discount_percentage, currency,
			   tax_rules, compliance_restrictions, blackout_periods, active, updated_at
		FROM country_rules
		WHERE country_code = ?
	`

	var rule domain.CountryRule
	var allowed, taxRules, compliance, blackout string
	var active int

	err := r.db.QueryRowContext(ctx, r.rebind(query), countryCode).Scan(
		&rule.CountryCode, &allowed, &rule.MaxDiscountPercentage, &rule.Currency,
		&taxRules, &compliance, &blackout, &active, &rule.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rule.Active = active == 1
	if taxRules != "" {
		rule.TaxRules = json.RawMessage(taxRules)
	}
	if err := json.Unmarshal([]byte(allowed), &rule.AllowedMembershipTypes); err != nil {
		return nil, fmt.Errorf("failed to parse allowed types for %s: %w", countryCode, err)
	}
	if err := unmarshalOptional(compliance, &rule.ComplianceRestrictions); err != nil {
		return nil, fmt.Errorf("failed to parse compliance restrictions for %s: %w", countryCode, err)
	}
	if err := unmarshalOptional(blackout, &rule.BlackoutPeriods); err != nil {
		return nil, fmt.Errorf("failed to parse blackout periods for %s: %w", countryCode, err)
	}
	return &rule, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

func expectRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func floatPtr(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func unmarshalOptional(raw string, v any) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), v)
}
