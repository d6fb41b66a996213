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

// SaveOffer inserts or replaces an offer.
func (r *SQLRepository) SaveOffer(ctx context.Context, o *domain.Offer) error {
	if o.ID == "" || o.Code == "" {
		return fmt.Errorf("%w: offer id and code are required", ErrInvalidInput)
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}

	restrictions, _ := json.Marshal(o.TimeRestrictions)

	query := `
		INSERT INTO offers (
			id, code, type, membership_type, vendor_category, country_code,
			discount_percentage, fixed_amount, min_purchase_amount, max_discount_amount,
			usage_limit_per_member, priority, valid_from, valid_until,
			time_restrictions, conditions, active, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			code = excluded.code,
			type = excluded.type,
			membership_type = excluded.membership_type,
			vendor_category = excluded.vendor_category,
			country_code = excluded.country_code,
			discount_percentage = excluded.discount_percentage,
			fixed_amount = excluded.fixed_amount,
			min_purchase_amount = excluded.min_purchase_amount,
			max_discount_amount = excluded.max_discount_amount,
			usage_limit_per_member = excluded.usage_limit_per_member,
			priority = excluded.priority,
			valid_from = excluded.valid_from,
			valid_until = excluded.valid_until,
			time_restrictions = excluded.time_restrictions,
			conditions = excluded.conditions,
			active = excluded.active
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		o.ID, o.Code, o.Type, nullString(o.MembershipType), nullString(o.VendorCategory), nullString(o.CountryCode),
		o.DiscountPercentage, o.FixedAmount, nullFloat(o.MinPurchaseAmount), nullFloat(o.MaxDiscountAmount),
		o.UsageLimitPerMember, o.Priority, o.ValidFrom.UTC(), o.ValidUntil.UTC(),
		string(restrictions), string(o.Conditions), boolInt(o.Active), o.CreatedAt.UTC(),
	)
	return err
}

const offerColumns = `id, code, type, membership_type, vendor_category, country_code,
			   discount_percentage, fixed_amount, min_purchase_amount, max_discount_amount,
			   usage_limit_per_member, priority, valid_from, valid_until,
			   time_restrictions, conditions, active, created_at`

// ListOffers returns every offer, newest last.
func (r *SQLRepository) ListOffers(ctx context.Context) ([]*domain.Offer, error) {
	query := `SELECT ` + offerColumns + `
		FROM offers
		ORDER BY created_at, id
	`
	return r.queryOffers(ctx, query)
}

// ListCandidateOffers returns active offers valid at filter.At whose
// membership type, vendor category and country code are null or match.
func (r *SQLRepository) ListCandidateOffers(ctx context.Context, filter domain.OfferFilter) ([]*domain.Offer, error) {
	at := filter.At.UTC()
	query := `SELECT ` + offerColumns + `
		FROM offers
		WHERE active = 1
		  AND valid_from <= ?
		  AND valid_until >= ?
		  AND (membership_type IS NULL OR membership_type = ?)
		  AND (vendor_category IS NULL OR vendor_category = ?)
		  AND (country_code IS NULL OR country_code = ?)
		ORDER BY priority DESC, id
	`
	return r.queryOffers(ctx, query,
		at, at, string(filter.MembershipType), filter.VendorCategory, filter.CountryCode,
	)
}

func (r *SQLRepository) queryOffers(ctx context.Context, query string, args ...any) ([]*domain.Offer, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var offers []*domain.Offer
	for rows.Next() {
		var o domain.Offer
		var membershipType, vendorCategory, countryCode sql.NullString
		var minPurchase, maxDiscount sql.NullFloat64
		var restrictions, conditions string
		var active int

		if err := rows.Scan(
			&o.ID, &o.Code, &o.Type, &membershipType, &vendorCategory, &countryCode,
			&o.DiscountPercentage, &o.FixedAmount, &minPurchase, &maxDiscount,
			&o.UsageLimitPerMember, &o.Priority, &o.ValidFrom, &o.ValidUntil,
			&restrictions, &conditions, &active, &o.CreatedAt,
		); err != nil {
			return nil, err
		}

		o.MembershipType = stringPtr(membershipType)
		o.VendorCategory = stringPtr(vendorCategory)
		o.CountryCode = stringPtr(countryCode)
		o.MinPurchaseAmount = floatPtr(minPurchase)
		o.MaxDiscountAmount = floatPtr(maxDiscount)
		o.Active = active == 1
		if conditions != "" {
			o.Conditions = json.RawMessage(conditions)
		}
		if err := unmarshalOptional(restrictions, &o.TimeRestrictions); err != nil {
			return nil, fmt.Errorf("failed to parse time restrictions for offer %s: %w", o.ID, err)
		}
		offers = append(offers, &o)
	}

	return offers, rows.Err()
}

// SaveTapLog appends a tap log.
func (r *SQLRepository) SaveTapLog(ctx context.Context, log *domain.TapLog) error {
	if log.ID == "" {
		return fmt.Errorf("%w: tap log id is required", ErrInvalidInput)
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}

	flags, _ := json.Marshal(nonNilStrings(log.FraudFlags))
	var offer string
	if log.AppliedOffer != nil {
		raw, err := json.Marshal(log.AppliedOffer)
		if err != nil {
			return fmt.Errorf("failed to encode applied offer: %w", err)
		}
		offer = string(raw)
	}

	query := `
		INSERT INTO tap_logs (
			id, member_id, card_uid, vendor_id, pos_reader_id, latitude, longitude,
			fraud_score, fraud_flags, validation_result, rejection_reason,
			applied_offer, transaction_amount, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		log.ID, log.MemberID, log.CardUID, log.VendorID, log.POSReaderID,
		nullFloat(log.Latitude), nullFloat(log.Longitude),
		log.FraudScore, string(flags), log.ValidationResult, log.RejectionReason,
		offer, nullFloat(log.TransactionAmount), log.CreatedAt.UTC(),
	)
	return err
}

// GetTapLog retrieves a tap log by ID.
func (r *SQLRepository) GetTapLog(ctx context.Context, tapLogID string) (*domain.TapLog, error) {
	query := `
		SELECT id, member_id, card_uid, vendor_id, pos_reader_id, latitude, longitude,
			   fraud_score, fraud_flags, validation_result, rejection_reason,
			   applied_offer, transaction_amount, created_at
		FROM tap_logs
		WHERE id = ?
	`

	var log domain.TapLog
	var lat, lon, amount sql.NullFloat64
	var flags, offer string

	err := r.db.QueryRowContext(ctx, r.rebind(query), tapLogID).Scan(
		&log.ID, &log.MemberID, &log.CardUID, &log.VendorID, &log.POSReaderID, &lat, &lon,
		&log.FraudScore, &flags, &log.ValidationResult, &log.RejectionReason,
		&offer, &amount, &log.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	log.Latitude = floatPtr(lat)
	log.Longitude = floatPtr(lon)
	log.TransactionAmount = floatPtr(amount)
	if err := unmarshalOptional(flags, &log.FraudFlags); err != nil {
		return nil, fmt.Errorf("failed to parse fraud flags for tap %s: %w", log.ID, err)
	}
	if offer != "" {
		log.AppliedOffer = &domain.AppliedOffer{}
		if err := json.Unmarshal([]byte(offer), log.AppliedOffer); err != nil {
			return nil, fmt.Errorf("failed to parse applied offer for tap %s: %w", log.ID, err)
		}
	}
	return &log, nil
}

// ListRecentTaps returns taps of a card since the given time joined with
// the vendor location, newest first. Vendors that no longer exist yield
// empty country and city.
func (r *SQLRepository) ListRecentTaps(ctx context.Context, cardUID string, since time.Time) ([]*domain.TapHistory, error) {
	query := `
		SELECT t.id, t.card_uid, t.vendor_id, COALESCE(v.country, ''), COALESCE(v.city, ''),
			   t.latitude, t.longitude, t.created_at
		FROM tap_logs t
		LEFT JOIN vendors v ON v.id = t.vendor_id
		WHERE t.card_uid = ? AND t.created_at >= ?
		ORDER BY t.created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), cardUID, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var taps []*domain.TapHistory
	for rows.Next() {
		var h domain.TapHistory
		var lat, lon sql.NullFloat64

		if err := rows.Scan(
			&h.TapLogID, &h.CardUID, &h.VendorID, &h.Country, &h.City,
			&lat, &lon, &h.CreatedAt,
		); err != nil {
			return nil, err
		}

		h.Latitude = floatPtr(lat)
		h.Longitude = floatPtr(lon)
		taps = append(taps, &h)
	}

	return taps, rows.Err()
}

// SaveFraudEvent appends a fraud event.
func (r *SQLRepository) SaveFraudEvent(ctx context.Context, event *domain.FraudEvent) error {
	if event.ID == "" {
		return fmt.Errorf("%w: fraud event id is required", ErrInvalidInput)
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	flags, _ := json.Marshal(nonNilStrings(event.Flags))

	query := `
		INSERT INTO fraud_events (
			id, member_id, card_uid, vendor_id, event_type, severity, fraud_score,
			flags, description, resolved, resolved_by, resolution_notes, resolved_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		event.ID, event.MemberID, event.CardUID, event.VendorID, event.EventType, event.Severity, event.FraudScore,
		string(flags), event.Description, boolInt(event.Resolved), event.ResolvedBy, event.ResolutionNotes,
		nullTime(event.ResolvedAt), event.CreatedAt.UTC(),
	)
	return err
}

// ListFraudEvents returns fraud events, newest first.
func (r *SQLRepository) ListFraudEvents(ctx context.Context, unresolvedOnly bool, limit int) ([]*domain.FraudEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, member_id, card_uid, vendor_id, event_type, severity, fraud_score,
			   flags, description, resolved, resolved_by, resolution_notes, resolved_at, created_at
		FROM fraud_events
	`
	if unresolvedOnly {
		query += ` WHERE resolved = 0`
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*domain.FraudEvent
	for rows.Next() {
		var e domain.FraudEvent
		var flags string
		var resolved int
		var resolvedAt sql.NullTime

		if err := rows.Scan(
			&e.ID, &e.MemberID, &e.CardUID, &e.VendorID, &e.EventType, &e.Severity, &e.FraudScore,
			&flags, &e.Description, &resolved, &e.ResolvedBy, &e.ResolutionNotes, &resolvedAt, &e.CreatedAt,
		); err != nil {
			return nil, err
		}

		e.Resolved = resolved == 1
		e.ResolvedAt = timePtr(resolvedAt)
		if err := unmarshalOptional(flags, &e.Flags); err != nil {
			return nil, fmt.Errorf("failed to parse flags for fraud event %s: %w", e.ID, err)
		}
		events = append(events, &e)
	}

	return events, rows.Err()
}

// ResolveFraudEvent marks an unresolved fraud event as resolved.
func (r *SQLRepository) ResolveFraudEvent(ctx context.Context, eventID, resolvedBy, notes string) error {
	query := `
		UPDATE fraud_events
		SET resolved = 1, resolved_by = ?, resolution_notes = ?, resolved_at = ?
		WHERE id = ? AND resolved = 0
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), resolvedBy, notes, time.Now().UTC(), eventID)
	if err != nil {
		return err
	}
	return expectRow(result)
}

// SaveOfferUsage appends an offer usage row.
func (r *SQLRepository) SaveOfferUsage(ctx context.Context, usage *domain.OfferUsageLog) error {
	if usage.ID == "" {
		return fmt.Errorf("%w: usage id is required", ErrInvalidInput)
	}
	if usage.CreatedAt.IsZero() {
		usage.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO offer_usage_logs (
			id, offer_id, member_id, vendor_id, tap_log_id,
			discount_amount, original_amount, final_amount, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		usage.ID, usage.OfferID, usage.MemberID, usage.VendorID, usage.TapLogID,
		usage.DiscountAmount, usage.OriginalAmount, usage.FinalAmount, usage.CreatedAt.UTC(),
	)
	return err
}

// ListOfferUsage returns a member's most recent offer usage rows.
func (r *SQLRepository) ListOfferUsage(ctx context.Context, memberID string, limit int) ([]*domain.OfferUsageLog, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, offer_id, member_id, vendor_id, tap_log_id,
			   discount_amount, original_amount, final_amount, created_at
		FROM offer_usage_logs
		WHERE member_id = ?
		ORDER BY created_at DESC, id
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), memberID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var usage []*domain.OfferUsageLog
	for rows.Next() {
		var u domain.OfferUsageLog
		if err := rows.Scan(
			&u.ID, &u.OfferID, &u.MemberID, &u.VendorID, &u.TapLogID,
			&u.DiscountAmount, &u.OriginalAmount, &u.FinalAmount, &u.CreatedAt,
		); err != nil {
			return nil, err
		}
		usage = append(usage, &u)
	}

	return usage, rows.Err()
}

// SaveAuditEvent appends an audit event.
func (r *SQLRepository) SaveAuditEvent(ctx context.Context, event *domain.AuditEvent) error {
	if event.ID == "" {
		return fmt.Errorf("%w: audit event id is required", ErrInvalidInput)
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO audit_events (id, action, entity_type, entity_id, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		event.ID, event.Action, event.EntityType, event.EntityID, string(event.Details), event.CreatedAt.UTC(),
	)
	return err
}
