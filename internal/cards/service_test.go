package cards

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/tapguard/internal/domain"
	"github.com/opensource-finance/tapguard/internal/repository"
)

type auditRecorder struct {
	mu      sync.Mutex
	actions []string
}

func (a *auditRecorder) LogAudit(ctx context.Context, e *domain.AuditEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.actions = append(a.actions, e.Action)
}

func setup(t *testing.T) (*Service, *repository.MemoryRepository, *auditRecorder) {
	t.Helper()
	ctx := context.Background()
	repo := repository.NewMemory()
	if err := repo.SaveMember(ctx, &domain.Member{
		ID: "member-1", Name: "Aisha", MembershipType: domain.MembershipAnnual, MembershipStatus: domain.MembershipActive,
	}); err != nil {
		t.Fatalf("SaveMember: %v", err)
	}

	audit := &auditRecorder{}
	svc := NewService(repo, audit)
	svc.now = func() time.Time { return time.Date(2025, 6, 4, 9, 0, 0, 0, time.UTC) }

	if err := svc.Issue(ctx, &domain.Card{UID: "CARD123456789", MemberID: "member-1"}); err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return svc, repo, audit
}

func TestIssue(t *testing.T) {
	svc, repo, _ := setup(t)
	ctx := context.Background()

	card, err := repo.GetCardByUID(ctx, "CARD123456789")
	if err != nil {
		t.Fatalf("GetCardByUID: %v", err)
	}
	if card.ID == "" || card.Status != domain.CardActive {
		t.Errorf("expected active card with generated id, got %+v", card)
	}

	t.Run("Duplicate UID", func(t *testing.T) {
		err := svc.Issue(ctx, &domain.Card{UID: "CARD123456789", MemberID: "member-1"})
		if !errors.Is(err, repository.ErrConflict) {
			t.Errorf("expected ErrConflict, got %v", err)
		}
	})

	t.Run("Unknown member", func(t *testing.T) {
		err := svc.Issue(ctx, &domain.Card{MemberID: "ghost"})
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("Generated UID", func(t *testing.T) {
		c := &domain.Card{MemberID: "member-1"}
		if err := svc.Issue(ctx, c); err != nil {
			t.Fatalf("Issue: %v", err)
		}
		if len(c.UID) != 14 {
			t.Errorf("expected 14 character uid, got %q", c.UID)
		}
	})
}

func TestChangeStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("Block and reactivate", func(t *testing.T) {
		svc, repo, audit := setup(t)

		card, err := svc.ChangeStatus(ctx, "CARD123456789", domain.CardBlocked, "suspicious")
		if err != nil {
			t.Fatalf("ChangeStatus: %v", err)
		}
		if card.Status != domain.CardBlocked || card.BlockedAt == nil {
			t.Errorf("expected blocked with marker, got %+v", card)
		}

		if _, err := svc.ChangeStatus(ctx, "CARD123456789", domain.CardActive, "cleared"); err != nil {
			t.Fatalf("ChangeStatus: %v", err)
		}
		stored, _ := repo.GetCardByUID(ctx, "CARD123456789")
		if stored.Status != domain.CardActive || stored.BlockedAt != nil {
			t.Errorf("expected active without marker, got %+v", stored)
		}

		if len(audit.actions) != 2 || audit.actions[0] != domain.AuditCardStatusChanged {
			t.Errorf("expected two status audit events, got %v", audit.actions)
		}
	})

	t.Run("Blacklisted is terminal", func(t *testing.T) {
		svc, _, _ := setup(t)
		if _, err := svc.ChangeStatus(ctx, "CARD123456789", domain.CardBlacklisted, "fraud"); err != nil {
			t.Fatalf("ChangeStatus: %v", err)
		}
		for _, to := range []domain.CardStatus{domain.CardActive, domain.CardBlocked, domain.CardLost} {
			_, err := svc.ChangeStatus(ctx, "CARD123456789", to, "")
			if !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("blacklisted -> %s: expected ErrInvalidTransition, got %v", to, err)
			}
		}
	})

	t.Run("Lost cannot come back", func(t *testing.T) {
		svc, _, _ := setup(t)
		svc.ChangeStatus(ctx, "CARD123456789", domain.CardLost, "")
		_, err := svc.ChangeStatus(ctx, "CARD123456789", domain.CardActive, "")
		if !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("expected ErrInvalidTransition, got %v", err)
		}
	})

	t.Run("Unknown status", func(t *testing.T) {
		svc, _, _ := setup(t)
		_, err := svc.ChangeStatus(ctx, "CARD123456789", "melted", "")
		if !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("expected ErrInvalidTransition, got %v", err)
		}
	})

	t.Run("Unknown card", func(t *testing.T) {
		svc, _, _ := setup(t)
		_, err := svc.ChangeStatus(ctx, "NOPE", domain.CardBlocked, "")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestReissue(t *testing.T) {
	ctx := context.Background()

	t.Run("Replaces lost card", func(t *testing.T) {
		svc, repo, audit := setup(t)
		old, _ := svc.ChangeStatus(ctx, "CARD123456789", domain.CardLost, "lost on metro")

		replacement, err := svc.Reissue(ctx, "CARD123456789", "CARD987654321")
		if err != nil {
			t.Fatalf("Reissue: %v", err)
		}
		if replacement.ReissuedFrom != old.ID || replacement.MemberID != "member-1" || replacement.Status != domain.CardActive {
			t.Errorf("unexpected replacement: %+v", replacement)
		}

		stored, _ := repo.GetCardByUID(ctx, "CARD123456789")
		if stored.Status != domain.CardBlacklisted {
			t.Errorf("expected old card blacklisted, got %s", stored.Status)
		}
		if _, err := repo.GetCardForMember(ctx, "CARD987654321", "member-1"); err != nil {
			t.Errorf("expected replacement linked to member: %v", err)
		}

		last := audit.actions[len(audit.actions)-1]
		if last != domain.AuditCardReissued {
			t.Errorf("expected card.reissued audit, got %v", audit.actions)
		}
	})

	t.Run("UID never reused", func(t *testing.T) {
		svc, _, _ := setup(t)
		if _, err := svc.Reissue(ctx, "CARD123456789", "card123456789"); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("expected ErrInvalidTransition, got %v", err)
		}
	})

	t.Run("UID taken by another card", func(t *testing.T) {
		svc, _, _ := setup(t)
		svc.Issue(ctx, &domain.Card{UID: "TAKEN", MemberID: "member-1"})
		if _, err := svc.Reissue(ctx, "CARD123456789", "TAKEN"); !errors.Is(err, repository.ErrConflict) {
			t.Errorf("expected ErrConflict, got %v", err)
		}
	})
}
