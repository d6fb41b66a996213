package repository

// Schema definitions for the Tapguard database.
// Compatible with both SQLite and PostgreSQL. List and object fields are
// stored as JSON in TEXT columns; booleans are INTEGER 0/1.

const schemaMembers = `
CREATE TABLE IF NOT EXISTS members (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    email TEXT NOT NULL,
    membership_type TEXT NOT NULL,
    membership_status TEXT NOT NULL,
    fraud_status TEXT NOT NULL DEFAULT 'clean',
    fraud_score INTEGER NOT NULL DEFAULT 0,
    country TEXT NOT NULL DEFAULT '',
    subscription_end TIMESTAMP,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

const schemaVendors = `
CREATE TABLE IF NOT EXISTS vendors (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    country TEXT NOT NULL,
    city TEXT NOT NULL DEFAULT '',
    category TEXT NOT NULL DEFAULT '',
    active INTEGER NOT NULL DEFAULT 1,
    allowed_membership_tiers TEXT NOT NULL DEFAULT '[]',
    max_discount_percentage DOUBLE PRECISION,
    created_at TIMESTAMP NOT NULL
);
`

// UIDs are unique for all time; reissued cards get a new UID.
const schemaCards = `
CREATE TABLE IF NOT EXISTS cards (
    id TEXT PRIMARY KEY,
    uid TEXT NOT NULL UNIQUE,
    member_id TEXT NOT NULL,
    status TEXT NOT NULL,
    expires_at TIMESTAMP,
    blocked_at TIMESTAMP,
    reissued_from TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cards_member ON cards(member_id);
`

const schemaCountryRules = `
CREATE TABLE IF NOT EXISTS country_rules (
    country_code TEXT PRIMARY KEY,
    allowed_membership_types TEXT NOT NULL,
    max_discount_percentage DOUBLE PRECISION NOT NULL,
    currency TEXT NOT NULL,
    tax_rules TEXT NOT NULL DEFAULT '',
    compliance_restrictions TEXT NOT NULL DEFAULT '{}',
    blackout_periods TEXT NOT NULL DEFAULT '{}',
    active INTEGER NOT NULL DEFAULT 1,
    updated_at TIMESTAMP NOT NULL
);
`

const schemaOffers = `
CREATE TABLE IF NOT EXISTS offers (
    id TEXT PRIMARY KEY,
    code TEXT NOT NULL,
    type TEXT NOT NULL,
    membership_type TEXT,
    vendor_category TEXT,
    country_code TEXT,
    discount_percentage DOUBLE PRECISION NOT NULL DEFAULT 0,
    fixed_amount DOUBLE PRECISION NOT NULL DEFAULT 0,
    min_purchase_amount DOUBLE PRECISION,
    max_discount_amount DOUBLE PRECISION,
    usage_limit_per_member INTEGER NOT NULL DEFAULT 0,
    priority INTEGER NOT NULL DEFAULT 0,
    valid_from TIMESTAMP NOT NULL,
    valid_until TIMESTAMP NOT NULL,
    time_restrictions TEXT NOT NULL DEFAULT '{}',
    conditions TEXT NOT NULL DEFAULT '',
    active INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_offers_active ON offers(active, valid_from, valid_until);
`

// Tap logs are append-only.
const schemaTapLogs = `
CREATE TABLE IF NOT EXISTS tap_logs (
    id TEXT PRIMARY KEY,
    member_id TEXT NOT NULL DEFAULT '',
    card_uid TEXT NOT NULL,
    vendor_id TEXT NOT NULL DEFAULT '',
    pos_reader_id TEXT NOT NULL DEFAULT '',
    latitude DOUBLE PRECISION,
    longitude DOUBLE PRECISION,
    fraud_score INTEGER NOT NULL DEFAULT 0,
    fraud_flags TEXT NOT NULL DEFAULT '[]',
    validation_result TEXT NOT NULL,
    rejection_reason TEXT NOT NULL DEFAULT '',
    applied_offer TEXT NOT NULL DEFAULT '',
    transaction_amount DOUBLE PRECISION,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tap_logs_card ON tap_logs(card_uid, created_at);
`

const schemaFraudEvents = `
CREATE TABLE IF NOT EXISTS fraud_events (
    id TEXT PRIMARY KEY,
    member_id TEXT NOT NULL DEFAULT '',
    card_uid TEXT NOT NULL,
    vendor_id TEXT NOT NULL DEFAULT '',
    event_type TEXT NOT NULL,
    severity TEXT NOT NULL,
    fraud_score INTEGER NOT NULL,
    flags TEXT NOT NULL DEFAULT '[]',
    description TEXT NOT NULL DEFAULT '',
    resolved INTEGER NOT NULL DEFAULT 0,
    resolved_by TEXT NOT NULL DEFAULT '',
    resolution_notes TEXT NOT NULL DEFAULT '',
    resolved_at TIMESTAMP,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_fraud_events_resolved ON fraud_events(resolved, created_at);
`

const schemaOfferUsage = `
CREATE TABLE IF NOT EXISTS offer_usage_logs (
    id TEXT PRIMARY KEY,
    offer_id TEXT NOT NULL,
    member_id TEXT NOT NULL,
    vendor_id TEXT NOT NULL,
    tap_log_id TEXT NOT NULL,
    discount_amount DOUBLE PRECISION NOT NULL,
    original_amount DOUBLE PRECISION NOT NULL,
    final_amount DOUBLE PRECISION NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_offer_usage_member ON offer_usage_logs(member_id, created_at);
`

const schemaAuditEvents = `
CREATE TABLE IF NOT EXISTS audit_events (
    id TEXT PRIMARY KEY,
    action TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    details TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_events_entity ON audit_events(entity_type, entity_id);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaMembers,
		schemaVendors,
		schemaCards,
		schemaCountryRules,
		schemaOffers,
		schemaTapLogs,
		schemaFraudEvents,
		schemaOfferUsage,
		schemaAuditEvents,
	}
}
