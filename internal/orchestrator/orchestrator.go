package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/MeKo-Tech/cautiond/internal/card"
	"github.com/MeKo-Tech/cautiond/internal/events"
	"github.com/MeKo-Tech/cautiond/internal/ocrworker"
	"github.com/MeKo-Tech/cautiond/internal/postprocess"
	"github.com/MeKo-Tech/cautiond/internal/store"
)

// Preprocessor converts a raw card scan into an OCR-ready image file and
// returns the path of the generated file.
type Preprocessor interface {
	Preprocess(inputPath string) (string, error)
}

// OCRClient submits images to the OCR worker process.
type OCRClient interface {
	ProcessImage(ctx context.Context, imagePath string) (json.RawMessage, error)
}

// Postprocessor normalizes and validates raw OCR output.
type Postprocessor interface {
	Postprocess(raw json.RawMessage) (*postprocess.Result, error)
}

// Config controls pipeline retry behaviour.
type Config struct {
	PreprocessAttempts int           `mapstructure:"preprocess_attempts" yaml:"preprocess_attempts" json:"preprocess_attempts"`
	OCRAttempts        int           `mapstructure:"ocr_attempts"        yaml:"ocr_attempts"        json:"ocr_attempts"`
	RetryDelay         time.Duration `mapstructure:"retry_delay"         yaml:"retry_delay"         json:"retry_delay"`
}

// DefaultConfig returns the default pipeline configuration.
func DefaultConfig() Config {
	return Config{
		PreprocessAttempts: 2,
		OCRAttempts:        3,
		RetryDelay:         2 * time.Second,
	}
}

// Suggestion is a candidate patient match for a reviewed card.
type Suggestion struct {
	PatientID string  `json:"patientId"`
	Score     float64 `json:"score"`
}

// BatchItem is the per-file outcome of a batch intake.
type BatchItem struct {
	Card *card.CautionCard
	Err  error
}

// ErrOCRIncomplete is returned when an operation requires finished OCR
// results that the card does not have yet.
var ErrOCRIncomplete = errors.New("card OCR processing is not complete")

// Orchestrator drives caution cards through the asynchronous OCR pipeline:
// preprocess, worker OCR, postprocess, then hand-off to human review.
type Orchestrator struct {
	store    store.Store
	pre      Preprocessor
	ocr      OCRClient
	post     Postprocessor
	notifier events.Notifier
	cfg      Config

	wg sync.WaitGroup
}

// New creates an Orchestrator. A nil notifier disables event publication.
func New(st store.Store, pre Preprocessor, ocr OCRClient, post Postprocessor, notifier events.Notifier, cfg Config) *Orchestrator {
	if notifier == nil {
		notifier = events.NopNotifier{}
	}
	return &Orchestrator{
		store:    st,
		pre:      pre,
		ocr:      ocr,
		post:     post,
		notifier: notifier,
		cfg:      cfg,
	}
}

// ProcessNewCard validates the upload, persists a new card in the
// processing_ocr state, and kicks off the OCR pipeline in the background.
// The returned card reflects the initial persisted state; OCR results arrive
// asynchronously via the event stream.
func (o *Orchestrator) ProcessNewCard(ctx context.Context, upload card.Upload) (*card.CautionCard, error) {
	if err := validateUpload(upload); err != nil {
		return nil, err
	}

	c := &card.CautionCard{
		OriginalFilePath: upload.Path,
		Status:           card.StatusProcessingOCR,
	}
	if err := o.store.CreateCard(ctx, c); err != nil {
		return nil, fmt.Errorf("creating card record: %w", err)
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		// The pipeline outlives the originating request.
		o.runPipeline(context.Background(), c.ID, upload.Path)
	}()

	slog.Info("caution card accepted for processing", "card_id", c.ID, "file", upload.OriginalName)
	return c, nil
}

// ProcessBatch runs intake for several uploads, isolating per-file failures.
func (o *Orchestrator) ProcessBatch(ctx context.Context, uploads []card.Upload) []BatchItem {
	items := make([]BatchItem, 0, len(uploads))
	for _, u := range uploads {
		c, err := o.ProcessNewCard(ctx, u)
		items = append(items, BatchItem{Card: c, Err: err})
	}
	return items
}

// GetCardDetails returns a single card by ID.
func (o *Orchestrator) GetCardDetails(ctx context.Context, id string) (*card.CautionCard, error) {
	c, err := o.store.GetCard(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, card.NewNotFoundError("caution card", id)
		}
		return nil, err
	}
	return c, nil
}

// ListCards returns cards matching the filter along with the total count.
func (o *Orchestrator) ListCards(ctx context.Context, filter store.CardFilter) ([]*card.CautionCard, int, error) {
	return o.store.ListCards(ctx, filter)
}

// GetLinkingSuggestions returns candidate patient matches for a card whose
// OCR has completed. Matching itself is an extension point; the current
// implementation always returns an empty list.
func (o *Orchestrator) GetLinkingSuggestions(ctx context.Context, id string) ([]Suggestion, error) {
	c, err := o.store.GetCard(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, card.NewNotFoundError("caution card", id)
		}
		return nil, err
	}
	if c.OCRResults == nil {
		return nil, ErrOCRIncomplete
	}
	return []Suggestion{}, nil
}

// DeleteCard removes a card and, when one exists, its live orphan snapshot.
// A pipeline still running for the card notices the missing row when it
// tries to persist results and abandons them.
func (o *Orchestrator) DeleteCard(ctx context.Context, id string) error {
	if err := o.store.DeleteCard(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return card.NewNotFoundError("caution card", id)
		}
		return err
	}

	switch err := o.store.DeleteOrphanByCard(ctx, id); {
	case err == nil:
		o.notifier.Publish(events.Event{
			Type:    events.TypeOrphanListUpdated,
			Payload: events.OrphanListUpdated{Type: "removed", CardID: id},
		})
	case !errors.Is(err, store.ErrNotFound):
		slog.Warn("failed to remove orphan snapshot for deleted card", "card_id", id, "error", err)
	}

	slog.Info("caution card deleted", "card_id", id)
	return nil
}

// Wait blocks until all in-flight background pipelines finish. Intended for
// graceful shutdown and tests.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) runPipeline(ctx context.Context, cardID, inputPath string) {
	start := time.Now()

	var preprocessed string
	err := withRetry(ctx, o.cfg.PreprocessAttempts, o.cfg.RetryDelay, "preprocess", nil, func() error {
		var perr error
		preprocessed, perr = o.pre.Preprocess(inputPath)
		return perr
	})
	if err != nil {
		slog.Error("preprocessing failed", "card_id", cardID, "error", err)
		o.markFailed(ctx, cardID)
		pipelineDuration.WithLabelValues("preprocess_failed").Observe(time.Since(start).Seconds())
		return
	}
	defer func() {
		if rmErr := os.Remove(preprocessed); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			slog.Warn("failed to remove preprocessed image", "path", preprocessed, "error", rmErr)
		}
	}()

	var raw json.RawMessage
	err = withRetry(ctx, o.cfg.OCRAttempts, o.cfg.RetryDelay, "ocr", ocrRetryable, func() error {
		var oerr error
		raw, oerr = o.ocr.ProcessImage(ctx, preprocessed)
		return oerr
	})
	if err != nil {
		slog.Error("ocr processing failed", "card_id", cardID, "error", err)
		o.markFailed(ctx, cardID)
		pipelineDuration.WithLabelValues("ocr_failed").Observe(time.Since(start).Seconds())
		return
	}

	result, err := o.post.Postprocess(raw)
	if err != nil {
		slog.Error("postprocessing failed", "card_id", cardID, "error", err)
		o.markFailed(ctx, cardID)
		pipelineDuration.WithLabelValues("postprocess_failed").Observe(time.Since(start).Seconds())
		return
	}

	ocrResults, err := resultToMap(result)
	if err != nil {
		slog.Error("encoding ocr results failed", "card_id", cardID, "error", err)
		o.markFailed(ctx, cardID)
		pipelineDuration.WithLabelValues("encode_failed").Observe(time.Since(start).Seconds())
		return
	}

	updated, err := o.store.MarkPendingReview(ctx, cardID, ocrResults)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			slog.Warn("card deleted during processing, abandoning results", "card_id", cardID)
		} else {
			slog.Error("failed to persist ocr results", "card_id", cardID, "error", err)
		}
		pipelineDuration.WithLabelValues("persist_failed").Observe(time.Since(start).Seconds())
		return
	}

	o.notifier.Publish(events.Event{
		Type: events.TypeCardReadyForReview,
		Payload: events.CardReadyForReview{
			CardID:     updated.ID,
			OCRResults: updated.OCRResults,
		},
	})
	pipelineDuration.WithLabelValues("success").Observe(time.Since(start).Seconds())
	slog.Info("caution card ready for review", "card_id", cardID, "duration", time.Since(start))
}

// markFailed transitions a card to the failed state so it is visible to
// operators instead of staying stuck in processing.
func (o *Orchestrator) markFailed(ctx context.Context, cardID string) {
	if err := o.store.MarkOCRFailed(ctx, cardID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			slog.Warn("card deleted during processing", "card_id", cardID)
			return
		}
		slog.Error("failed to mark card as failed", "card_id", cardID, "error", err)
	}
}

// ocrRetryable filters worker errors: a worker that never became ready will
// not recover between attempts, so retrying is pointless.
func ocrRetryable(err error) bool {
	return !errors.Is(err, ocrworker.ErrNotReady)
}

func resultToMap(res *postprocess.Result) (map[string]any, error) {
	data, err := json.Marshal(res)
	if err != nil {
		return nil, err
	}
	m := make(map[string]any)
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func validateUpload(u card.Upload) error {
	var missing []string
	if u.Path == "" {
		missing = append(missing, "path")
	}
	if u.OriginalName == "" {
		missing = append(missing, "originalName")
	}
	if u.Size <= 0 {
		missing = append(missing, "size")
	}
	if u.MIMEType == "" {
		missing = append(missing, "mimeType")
	}
	if len(missing) > 0 {
		return card.NewValidationError("upload is missing required fields", missing...)
	}
	return nil
}
