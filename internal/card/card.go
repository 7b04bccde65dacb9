package card

import "time"

// Status represents the processing state of a caution card.
type Status string

const (
	StatusProcessingOCR Status = "processing_ocr"
	StatusPendingReview Status = "pending_review"
	StatusLinked        Status = "linked"
	StatusOrphaned      Status = "orphaned"
	StatusOCRFailed     Status = "ocr_failed"
)

// ValidStatuses lists every status a caution card can hold.
func ValidStatuses() []Status {
	return []Status{
		StatusProcessingOCR,
		StatusPendingReview,
		StatusLinked,
		StatusOrphaned,
		StatusOCRFailed,
	}
}

// IsValid reports whether s is a known card status.
func (s Status) IsValid() bool {
	for _, v := range ValidStatuses() {
		if s == v {
			return true
		}
	}
	return false
}

// CautionCard is a scanned blood-bank caution card moving through the
// processing pipeline. LinkedPatientID is non-nil exactly when the status
// is StatusLinked.
type CautionCard struct {
	ID               string         `json:"id"`
	OriginalFilePath string         `json:"original_file_path"`
	Status           Status         `json:"status"`
	OCRResults       map[string]any `json:"ocr_results,omitempty"`
	ReviewedData     map[string]any `json:"reviewed_data,omitempty"`
	LinkedPatientID  *string        `json:"linked_patient_id,omitempty"`
	ReviewedBy       *string        `json:"reviewed_by,omitempty"`
	ReviewedDate     *time.Time     `json:"reviewed_date,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// OrphanedCautionCard is a snapshot of a card whose extracted identity could
// not be matched to a patient at review time. At most one live snapshot
// exists per original card; it is deleted when the card is later linked.
type OrphanedCautionCard struct {
	ID               string         `json:"id"`
	OriginalCardID   string         `json:"original_card_id"`
	OriginalFilePath string         `json:"original_file_path"`
	OCRResults       map[string]any `json:"ocr_results,omitempty"`
	ReviewedData     map[string]any `json:"reviewed_data,omitempty"`
	MarkedOrphanAt   time.Time      `json:"marked_orphan_at"`
}

// Patient is the subset of a patient record the pipeline reads.
type Patient struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	DOB       string    `json:"dob,omitempty"`
	BloodType string    `json:"blood_type,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Upload describes an accepted file upload handed to the orchestrator.
type Upload struct {
	Path         string
	OriginalName string
	Size         int64
	MIMEType     string
}
