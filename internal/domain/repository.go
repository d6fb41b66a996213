// Package domain defines the core interfaces and types for Tapguard.
package domain

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by repositories when a record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrInvalidInput is returned when a record is missing required fields.
var ErrInvalidInput = errors.New("invalid input")

// ErrInvalidRule is returned when an admin update carries a malformed rule.
var ErrInvalidRule = errors.New("invalid rule")

// Repository is the persistence collaborator of the tap pipeline.
// Reference data is read by key; logs are append-only. The only updates are
// the member fraud overwrite, card status transitions and fraud event resolution.
type Repository interface {
	// Members
	SaveMember(ctx context.Context, m *Member) error
	GetMember(ctx context.Context, memberID string) (*Member, error)
	UpdateMemberFraud(ctx context.Context, memberID string, score int, status FraudStatus) error

	// Vendors
	SaveVendor(ctx context.Context, v *Vendor) error
	GetVendor(ctx context.Context, vendorID string) (*Vendor, error)

	// Cards
	SaveCard(ctx context.Context, c *Card) error
	GetCardByUID(ctx context.Context, uid string) (*Card, error)
	// GetCardForMember returns the card only if it is linked to an existing member with that ID.
	GetCardForMember(ctx context.Context, uid string, memberID string) (*Card, error)
	UpdateCardStatus(ctx context.Context, cardID string, status CardStatus, blockedAt *time.Time) error

	// Country rules
	SaveCountryRule(ctx context.Context, rule *CountryRule) error
	GetCountryRule(ctx context.Context, countryCode string) (*CountryRule, error)

	// Offers
	SaveOffer(ctx context.Context, o *Offer) error
	ListOffers(ctx context.Context) ([]*Offer, error)
	ListCandidateOffers(ctx context.Context, filter OfferFilter) ([]*Offer, error)

	// Tap logs
	SaveTapLog(ctx context.Context, log *TapLog) error
	GetTapLog(ctx context.Context, tapLogID string) (*TapLog, error)
	ListRecentTaps(ctx context.Context, cardUID string, since time.Time) ([]*TapHistory, error)

	// Fraud events
	SaveFraudEvent(ctx context.Context, event *FraudEvent) error
	ListFraudEvents(ctx context.Context, unresolvedOnly bool, limit int) ([]*FraudEvent, error)
	ResolveFraudEvent(ctx context.Context, eventID, resolvedBy, notes string) error

	// Offer usage
	SaveOfferUsage(ctx context.Context, usage *OfferUsageLog) error
	ListOfferUsage(ctx context.Context, memberID string, limit int) ([]*OfferUsageLog, error)

	// Audit trail
	SaveAuditEvent(ctx context.Context, event *AuditEvent) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite", "postgres" or "memory"
	Driver string `yaml:"driver"`

	// SQLite specific
	SQLitePath string `yaml:"sqlite_path"`

	// PostgreSQL specific
	PostgresHost     string `yaml:"postgres_host"`
	PostgresPort     int    `yaml:"postgres_port"`
	PostgresUser     string `yaml:"postgres_user"`
	PostgresPassword string `yaml:"postgres_password"`
	PostgresDB       string `yaml:"postgres_db"`
	PostgresSSLMode  string `yaml:"postgres_sslmode"`

	// Connection pool settings
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}
