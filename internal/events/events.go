// Package events carries state-change notifications from the processing
// pipeline to subscribed clients. Publishing is fire-and-forget: a slow or
// absent consumer never blocks or fails the operation that emitted the
// event.
package events

// Event type names on the wire.
const (
	TypeCardReadyForReview = "caution_card_ready_for_review"
	TypeCardFinalized      = "caution_card_finalized"
	TypeOrphanListUpdated  = "orphan_list_updated"
)

// Event is a single notification envelope.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// CardReadyForReview is emitted when a card's OCR phase completes.
type CardReadyForReview struct {
	CardID     string         `json:"cardId"`
	OCRResults map[string]any `json:"ocrResults"`
}

// CardFinalized is emitted when a reviewer commits a card to a terminal
// state.
type CardFinalized struct {
	CardID          string `json:"cardId"`
	Status          string `json:"status"`
	LinkedPatientID string `json:"linkedPatientId,omitempty"`
}

// OrphanListUpdated is emitted when an orphan snapshot is added or removed.
type OrphanListUpdated struct {
	Type     string `json:"type"` // "added" or "removed"
	CardID   string `json:"cardId"`
	OrphanID string `json:"orphanId,omitempty"`
}

// Notifier broadcasts events to whoever is listening.
type Notifier interface {
	Publish(event Event)
}

// NopNotifier discards every event.
type NopNotifier struct{}

func (NopNotifier) Publish(Event) {}
