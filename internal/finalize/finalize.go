// Package finalize implements the review-completion state machine for
// caution cards: pending_review moves to linked or orphaned, and an orphaned
// card can later be linked from its snapshot. No transition leads back to
// pending_review.
package finalize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MeKo-Tech/cautiond/internal/card"
	"github.com/MeKo-Tech/cautiond/internal/events"
	"github.com/MeKo-Tech/cautiond/internal/store"
)

// Request carries a reviewer's finalization decision. Exactly one of
// LinkedPatientID or IsOrphaned must be set.
type Request struct {
	ReviewedData    map[string]any `json:"reviewedData"`
	IsOrphaned      bool           `json:"isOrphaned"`
	LinkedPatientID string         `json:"linkedPatientId,omitempty"`
	ReviewedBy      string         `json:"reviewedBy,omitempty"`
}

// Service applies finalization decisions against the persistence gateway and
// publishes the resulting events.
type Service struct {
	store    store.Store
	notifier events.Notifier
}

// New creates a Service. A nil notifier disables event publication.
func New(st store.Store, notifier events.Notifier) *Service {
	if notifier == nil {
		notifier = events.NopNotifier{}
	}
	return &Service{store: st, notifier: notifier}
}

// FinalizeCard commits a reviewer's decision for a pending_review card,
// either linking it to a patient or marking it orphaned.
func (s *Service) FinalizeCard(ctx context.Context, cardID string, req Request) (*card.CautionCard, error) {
	if req.IsOrphaned && req.LinkedPatientID != "" {
		return nil, card.NewValidationError("finalization cannot both link to a patient and mark as orphaned")
	}
	if !req.IsOrphaned && req.LinkedPatientID == "" {
		return nil, card.NewValidationError("finalization requires either linking to a patient or marking as orphaned")
	}

	c, err := s.store.GetCard(ctx, cardID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, card.NewNotFoundError("caution card", cardID)
		}
		return nil, err
	}
	if c.Status != card.StatusPendingReview {
		return nil, card.NewInvalidStateError("card is not in a state that can be finalized", c.Status)
	}

	if req.IsOrphaned {
		return s.finalizeOrphan(ctx, c, req)
	}
	return s.finalizeLink(ctx, c, req)
}

func (s *Service) finalizeLink(ctx context.Context, c *card.CautionCard, req Request) (*card.CautionCard, error) {
	if _, err := s.store.GetPatient(ctx, req.LinkedPatientID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, card.NewNotFoundError("patient", req.LinkedPatientID)
		}
		return nil, err
	}

	updated, err := s.store.FinalizeLink(ctx, c.ID, req.LinkedPatientID, req.ReviewedData, req.ReviewedBy)
	if err != nil {
		return nil, fmt.Errorf("linking card %s: %w", c.ID, err)
	}

	s.notifier.Publish(events.Event{
		Type: events.TypeCardFinalized,
		Payload: events.CardFinalized{
			CardID:          updated.ID,
			Status:          string(updated.Status),
			LinkedPatientID: req.LinkedPatientID,
		},
	})
	slog.Info("caution card linked", "card_id", updated.ID, "patient_id", req.LinkedPatientID)
	return updated, nil
}

func (s *Service) finalizeOrphan(ctx context.Context, c *card.CautionCard, req Request) (*card.CautionCard, error) {
	updated, err := s.store.FinalizeOrphan(ctx, c.ID, req.ReviewedData, req.ReviewedBy)
	if err != nil {
		return nil, fmt.Errorf("orphaning card %s: %w", c.ID, err)
	}

	// The card's own status update is the authoritative state change; the
	// snapshot is best effort.
	orphan := &card.OrphanedCautionCard{
		OriginalCardID:   updated.ID,
		OriginalFilePath: updated.OriginalFilePath,
		OCRResults:       updated.OCRResults,
		ReviewedData:     req.ReviewedData,
	}
	var orphanID string
	if err := s.store.CreateOrphan(ctx, orphan); err != nil {
		// Subscribers only get an orphanId that actually exists.
		slog.Error("failed to create orphan snapshot", "card_id", updated.ID, "error", err)
	} else {
		orphanID = orphan.ID
	}

	s.notifier.Publish(events.Event{
		Type: events.TypeCardFinalized,
		Payload: events.CardFinalized{
			CardID: updated.ID,
			Status: string(updated.Status),
		},
	})
	s.notifier.Publish(events.Event{
		Type: events.TypeOrphanListUpdated,
		Payload: events.OrphanListUpdated{
			Type:     "added",
			CardID:   updated.ID,
			OrphanID: orphanID,
		},
	})
	slog.Info("caution card orphaned", "card_id", updated.ID, "orphan_id", orphanID)
	return updated, nil
}

// LinkOrphanedCard links a previously orphaned card to a patient using its
// snapshot. The original card is updated before the snapshot is deleted so a
// partial failure can never lose the only record of the pending data.
func (s *Service) LinkOrphanedCard(ctx context.Context, orphanID, patientID string) (*card.CautionCard, error) {
	orphan, err := s.store.GetOrphan(ctx, orphanID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, card.NewNotFoundError("orphaned card", orphanID)
		}
		return nil, err
	}
	if _, err := s.store.GetPatient(ctx, patientID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, card.NewNotFoundError("patient", patientID)
		}
		return nil, err
	}

	updated, err := s.store.LinkCard(ctx, orphan.OriginalCardID, patientID)
	if err != nil {
		return nil, fmt.Errorf("failed to update original caution card %s: %w", orphan.OriginalCardID, err)
	}

	if err := s.store.DeleteOrphan(ctx, orphanID); err != nil {
		// The link already took effect; a stale snapshot row is a cleanup
		// concern, not a correctness one.
		slog.Warn("failed to delete orphan snapshot after link", "orphan_id", orphanID, "error", err)
	}

	s.notifier.Publish(events.Event{
		Type: events.TypeCardFinalized,
		Payload: events.CardFinalized{
			CardID:          updated.ID,
			Status:          string(updated.Status),
			LinkedPatientID: patientID,
		},
	})
	s.notifier.Publish(events.Event{
		Type: events.TypeOrphanListUpdated,
		Payload: events.OrphanListUpdated{
			Type:     "removed",
			CardID:   updated.ID,
			OrphanID: orphanID,
		},
	})
	slog.Info("orphaned card linked", "orphan_id", orphanID, "card_id", updated.ID, "patient_id", patientID)
	return updated, nil
}

// DeleteOrphanedCard removes an orphan snapshot without touching the
// original card, which stays orphaned with no live snapshot.
func (s *Service) DeleteOrphanedCard(ctx context.Context, orphanID string) error {
	orphan, err := s.store.GetOrphan(ctx, orphanID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return card.NewNotFoundError("orphaned card", orphanID)
		}
		return err
	}

	if err := s.store.DeleteOrphan(ctx, orphanID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return card.NewNotFoundError("orphaned card", orphanID)
		}
		return err
	}

	s.notifier.Publish(events.Event{
		Type: events.TypeOrphanListUpdated,
		Payload: events.OrphanListUpdated{
			Type:     "removed",
			CardID:   orphan.OriginalCardID,
			OrphanID: orphanID,
		},
	})
	slog.Info("orphan snapshot deleted", "orphan_id", orphanID, "card_id", orphan.OriginalCardID)
	return nil
}

// ListOrphans returns a page of orphan snapshots plus the total count.
func (s *Service) ListOrphans(ctx context.Context, limit, offset int) ([]*card.OrphanedCautionCard, int, error) {
	return s.store.ListOrphans(ctx, limit, offset)
}

// GetOrphanDetails returns a single orphan snapshot by ID.
func (s *Service) GetOrphanDetails(ctx context.Context, orphanID string) (*card.OrphanedCautionCard, error) {
	orphan, err := s.store.GetOrphan(ctx, orphanID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, card.NewNotFoundError("orphaned card", orphanID)
		}
		return nil, err
	}
	return orphan, nil
}
