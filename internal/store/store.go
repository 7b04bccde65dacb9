// Package store is the persistence gateway for caution cards, orphan
// snapshots, and patient records. Implementations guarantee row-level
// atomicity for individual calls; multi-row consistency is the caller's
// concern (see the finalize package's ordering rules).
package store

import (
	"context"
	"errors"

	"github.com/MeKo-Tech/cautiond/internal/card"
)

// ErrNotFound is returned when the referenced row does not exist.
var ErrNotFound = errors.New("record not found")

// CardFilter narrows and pages ListCards results.
type CardFilter struct {
	Status          card.Status
	LinkedPatientID string
	Limit           int
	Offset          int
}

// CardStore persists caution cards.
type CardStore interface {
	// CreateCard inserts a new card. An empty ID is assigned.
	CreateCard(ctx context.Context, c *card.CautionCard) error
	GetCard(ctx context.Context, id string) (*card.CautionCard, error)
	// ListCards returns a filtered page of cards plus the total match count.
	ListCards(ctx context.Context, f CardFilter) ([]*card.CautionCard, int, error)
	// MarkPendingReview stores OCR results and moves the card to
	// pending_review.
	MarkPendingReview(ctx context.Context, id string, ocrResults map[string]any) (*card.CautionCard, error)
	// MarkOCRFailed records that the background OCR phase exhausted its
	// retries.
	MarkOCRFailed(ctx context.Context, id string) error
	// FinalizeLink moves the card to linked with the given patient and
	// reviewer-confirmed data.
	FinalizeLink(ctx context.Context, id, patientID string, reviewedData map[string]any, reviewedBy string) (*card.CautionCard, error)
	// FinalizeOrphan moves the card to orphaned, clearing any patient link.
	FinalizeOrphan(ctx context.Context, id string, reviewedData map[string]any, reviewedBy string) (*card.CautionCard, error)
	// LinkCard moves an orphaned card to linked with the given patient,
	// leaving reviewed data untouched.
	LinkCard(ctx context.Context, id, patientID string) (*card.CautionCard, error)
	DeleteCard(ctx context.Context, id string) error
}

// OrphanStore persists orphaned-card snapshots.
type OrphanStore interface {
	CreateOrphan(ctx context.Context, o *card.OrphanedCautionCard) error
	GetOrphan(ctx context.Context, id string) (*card.OrphanedCautionCard, error)
	ListOrphans(ctx context.Context, limit, offset int) ([]*card.OrphanedCautionCard, int, error)
	DeleteOrphan(ctx context.Context, id string) error
	// DeleteOrphanByCard removes the live snapshot for an original card,
	// returning ErrNotFound when the card has none.
	DeleteOrphanByCard(ctx context.Context, originalCardID string) error
}

// PatientStore reads patient records. Creation is exposed for seeding and
// tests; patient management proper lives outside this service.
type PatientStore interface {
	GetPatient(ctx context.Context, id string) (*card.Patient, error)
	CreatePatient(ctx context.Context, p *card.Patient) error
}

// Store is the full persistence gateway.
type Store interface {
	CardStore
	OrphanStore
	PatientStore
	Migrate(ctx context.Context) error
	Close() error
}
