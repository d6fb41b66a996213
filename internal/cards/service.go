// Package cards manages the lifecycle of physical NFC cards.
package cards

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/tapguard/internal/domain"
)

// ErrInvalidTransition is returned for a status change the lifecycle forbids.
var ErrInvalidTransition = errors.New("invalid card status transition")

// Service issues, transitions and reissues cards.
type Service struct {
	repo  domain.Repository
	audit domain.AuditLogger
	now   func() time.Time
}

// NewService creates a card service. audit may be nil.
func NewService(repo domain.Repository, audit domain.AuditLogger) *Service {
	return &Service{repo: repo, audit: audit, now: time.Now}
}

// Issue stores a new active card for a member.
func (s *Service) Issue(ctx context.Context, card *domain.Card) error {
	if card.MemberID == "" {
		return fmt.Errorf("%w: member id is required", domain.ErrInvalidInput)
	}
	if _, err := s.repo.GetMember(ctx, card.MemberID); err != nil {
		return fmt.Errorf("failed to load member %s: %w", card.MemberID, err)
	}
	if card.ID == "" {
		card.ID = uuid.New().String()
	}
	if card.UID == "" {
		card.UID = NewUID()
	}
	if card.Status == "" {
		card.Status = domain.CardActive
	}
	return s.repo.SaveCard(ctx, card)
}

// ChangeStatus moves a card to a new status. Blacklisted cards can never
// be reactivated.
func (s *Service) ChangeStatus(ctx context.Context, uid string, to domain.CardStatus, reason string) (*domain.Card, error) {
	card, err := s.repo.GetCardByUID(ctx, uid)
	if err != nil {
		return nil, err
	}
	if !domain.ValidCardStatus(to) {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
	if !card.CanTransition(to) {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, card.Status, to)
	}

	from := card.Status
	var blockedAt *time.Time
	if to != domain.CardActive {
		now := s.now().UTC()
		blockedAt = &now
	}
	if err := s.repo.UpdateCardStatus(ctx, card.ID, to, blockedAt); err != nil {
		return nil, fmt.Errorf("failed to update card status: %w", err)
	}
	card.Status = to
	card.BlockedAt = blockedAt

	s.log(ctx, domain.AuditCardStatusChanged, card.ID, map[string]any{
		"uid":    card.UID,
		"from":   from,
		"to":     to,
		"reason": reason,
	})
	slog.Info("card status changed",
		"card_uid", card.UID,
		"from", from,
		"to", to,
	)
	return card, nil
}

// Reissue replaces a card with a new one under a fresh UID and blacklists
// the old card. UIDs are never reused. newUID may be empty.
func (s *Service) Reissue(ctx context.Context, uid, newUID string) (*domain.Card, error) {
	old, err := s.repo.GetCardByUID(ctx, uid)
	if err != nil {
		return nil, err
	}
	if newUID == "" {
		newUID = NewUID()
	}
	if strings.EqualFold(newUID, old.UID) {
		return nil, fmt.Errorf("%w: card uid cannot be reused", ErrInvalidTransition)
	}

	replacement := &domain.Card{
		ID:           uuid.New().String(),
		UID:          newUID,
		MemberID:     old.MemberID,
		Status:       domain.CardActive,
		ExpiresAt:    old.ExpiresAt,
		ReissuedFrom: old.ID,
	}
	if err := s.repo.SaveCard(ctx, replacement); err != nil {
		return nil, fmt.Errorf("failed to save replacement card: %w", err)
	}

	if old.Status != domain.CardBlacklisted {
		if _, err := s.ChangeStatus(ctx, old.UID, domain.CardBlacklisted, "reissued"); err != nil {
			return nil, err
		}
	}

	s.log(ctx, domain.AuditCardReissued, replacement.ID, map[string]any{
		"uid":          replacement.UID,
		"reissuedFrom": old.UID,
		"memberId":     old.MemberID,
	})
	return replacement, nil
}

func (s *Service) log(ctx context.Context, action, entityID string, details map[string]any) {
	if s.audit == nil {
		return
	}
	raw, _ := json.Marshal(details)
	s.audit.LogAudit(ctx, &domain.AuditEvent{
		ID:         uuid.New().String(),
		Action:     action,
		EntityType: "card",
		EntityID:   entityID,
		Details:    raw,
		CreatedAt:  s.now().UTC(),
	})
}

// NewUID returns a random 14 character card UID.
func NewUID() string {
	id := strings.ReplaceAll(uuid.New().String(), "-", "")
	return strings.ToUpper(id[:14])
}
