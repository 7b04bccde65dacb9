package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/cautiond/internal/card"
	"github.com/MeKo-Tech/cautiond/internal/events"
	"github.com/MeKo-Tech/cautiond/internal/ocrworker"
	"github.com/MeKo-Tech/cautiond/internal/postprocess"
	"github.com/MeKo-Tech/cautiond/internal/store"
)

// stubPreprocessor writes a fresh output file per call, optionally failing
// the first few attempts.
type stubPreprocessor struct {
	dir      string
	failures int
	calls    int
	lastOut  string
}

func (s *stubPreprocessor) Preprocess(string) (string, error) {
	s.calls++
	if s.calls <= s.failures {
		return "", errors.New("image too blurry")
	}
	f, err := os.CreateTemp(s.dir, "pre_*.png")
	if err != nil {
		return "", err
	}
	_ = f.Close()
	s.lastOut = f.Name()
	return s.lastOut, nil
}

// stubOCR returns canned worker output, optionally failing first.
type stubOCR struct {
	raw      json.RawMessage
	err      error
	failures int
	calls    int
}

func (s *stubOCR) ProcessImage(context.Context, string) (json.RawMessage, error) {
	s.calls++
	if s.err != nil && (s.failures == 0 || s.calls <= s.failures) {
		return nil, s.err
	}
	return s.raw, nil
}

// recordingNotifier captures published events.
type recordingNotifier struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingNotifier) Publish(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingNotifier) all() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

var validRaw = json.RawMessage(`{
	"text": "JANE ROE",
	"extracted_data": {"name": "Jane Roe", "dob": "1980-04-12", "phenotypes": ["C+"]},
	"confidence": {"name": 0.95}
}`)

func validUpload() card.Upload {
	return card.Upload{
		Path:         "/uploads/card.png",
		OriginalName: "card.png",
		Size:         1024,
		MIMEType:     "image/png",
	}
}

func fastConfig() Config {
	return Config{PreprocessAttempts: 2, OCRAttempts: 3, RetryDelay: time.Millisecond}
}

func TestProcessNewCardValidation(t *testing.T) {
	o := New(newTestStore(t), &stubPreprocessor{}, &stubOCR{}, postprocess.New(postprocess.DefaultConfig()), nil, fastConfig())

	tests := []struct {
		name   string
		mutate func(*card.Upload)
	}{
		{"missing path", func(u *card.Upload) { u.Path = "" }},
		{"missing original name", func(u *card.Upload) { u.OriginalName = "" }},
		{"zero size", func(u *card.Upload) { u.Size = 0 }},
		{"missing mime type", func(u *card.Upload) { u.MIMEType = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := validUpload()
			tt.mutate(&u)
			_, err := o.ProcessNewCard(context.Background(), u)

			var verr *card.ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}

	_, total, err := o.ListCards(context.Background(), store.CardFilter{})
	require.NoError(t, err)
	assert.Zero(t, total, "rejected uploads must not create cards")
}

func TestProcessNewCardHappyPath(t *testing.T) {
	st := newTestStore(t)
	pre := &stubPreprocessor{dir: t.TempDir()}
	ocr := &stubOCR{raw: validRaw}
	notifier := &recordingNotifier{}
	o := New(st, pre, ocr, postprocess.New(postprocess.DefaultConfig()), notifier, fastConfig())

	created, err := o.ProcessNewCard(context.Background(), validUpload())
	require.NoError(t, err)
	assert.Equal(t, card.StatusProcessingOCR, created.Status)

	o.Wait()

	got, err := st.GetCard(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, card.StatusPendingReview, got.Status)
	require.NotNil(t, got.OCRResults)
	assert.Equal(t, "JANE ROE", got.OCRResults["raw_text"])

	published := notifier.all()
	require.Len(t, published, 1)
	assert.Equal(t, events.TypeCardReadyForReview, published[0].Type)

	_, statErr := os.Stat(pre.lastOut)
	assert.True(t, os.IsNotExist(statErr), "preprocessed temp file must be cleaned up")
}

func TestProcessNewCardPreprocessRetrySucceeds(t *testing.T) {
	st := newTestStore(t)
	pre := &stubPreprocessor{dir: t.TempDir(), failures: 1}
	o := New(st, pre, &stubOCR{raw: validRaw}, postprocess.New(postprocess.DefaultConfig()), nil, fastConfig())

	created, err := o.ProcessNewCard(context.Background(), validUpload())
	require.NoError(t, err)
	o.Wait()

	got, err := st.GetCard(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, card.StatusPendingReview, got.Status)
	assert.Equal(t, 2, pre.calls)
}

func TestProcessNewCardPreprocessExhaustsRetries(t *testing.T) {
	st := newTestStore(t)
	pre := &stubPreprocessor{dir: t.TempDir(), failures: 99}
	notifier := &recordingNotifier{}
	o := New(st, pre, &stubOCR{raw: validRaw}, postprocess.New(postprocess.DefaultConfig()), notifier, fastConfig())

	created, err := o.ProcessNewCard(context.Background(), validUpload())
	require.NoError(t, err)
	o.Wait()

	got, err := st.GetCard(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, card.StatusOCRFailed, got.Status)
	assert.Equal(t, 2, pre.calls, "bounded retry")
	assert.Empty(t, notifier.all())
}

func TestProcessNewCardOCRExhaustsRetries(t *testing.T) {
	st := newTestStore(t)
	pre := &stubPreprocessor{dir: t.TempDir()}
	ocr := &stubOCR{err: errors.New("worker choked")}
	o := New(st, pre, ocr, postprocess.New(postprocess.DefaultConfig()), nil, fastConfig())

	created, err := o.ProcessNewCard(context.Background(), validUpload())
	require.NoError(t, err)
	o.Wait()

	got, err := st.GetCard(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, card.StatusOCRFailed, got.Status)
	assert.Equal(t, 3, ocr.calls)

	_, statErr := os.Stat(pre.lastOut)
	assert.True(t, os.IsNotExist(statErr), "temp file cleanup also runs on failure")
}

func TestProcessNewCardWorkerNotReadyIsNotRetried(t *testing.T) {
	st := newTestStore(t)
	ocr := &stubOCR{err: ocrworker.ErrNotReady}
	o := New(st, &stubPreprocessor{dir: t.TempDir()}, ocr, postprocess.New(postprocess.DefaultConfig()), nil, fastConfig())

	created, err := o.ProcessNewCard(context.Background(), validUpload())
	require.NoError(t, err)
	o.Wait()

	got, err := st.GetCard(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, card.StatusOCRFailed, got.Status)
	assert.Equal(t, 1, ocr.calls, "a worker that never became ready will not recover between attempts")
}

// deletingOCR deletes the card mid-flight to simulate a concurrent delete.
type deletingOCR struct {
	st     store.Store
	cardID func() string
}

func (d *deletingOCR) ProcessImage(ctx context.Context, _ string) (json.RawMessage, error) {
	if err := d.st.DeleteCard(ctx, d.cardID()); err != nil {
		return nil, err
	}
	return validRaw, nil
}

func TestProcessNewCardAbandonsDeletedCard(t *testing.T) {
	st := newTestStore(t)
	notifier := &recordingNotifier{}

	var createdID string
	ocr := &deletingOCR{st: st, cardID: func() string { return createdID }}
	o := New(st, &stubPreprocessor{dir: t.TempDir()}, ocr, postprocess.New(postprocess.DefaultConfig()), notifier, fastConfig())

	created, err := o.ProcessNewCard(context.Background(), validUpload())
	require.NoError(t, err)
	createdID = created.ID
	o.Wait()

	_, err = st.GetCard(context.Background(), created.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, notifier.all(), "no review event for an abandoned card")
}

func TestProcessBatchIsolatesFailures(t *testing.T) {
	o := New(newTestStore(t), &stubPreprocessor{dir: t.TempDir()}, &stubOCR{raw: validRaw},
		postprocess.New(postprocess.DefaultConfig()), nil, fastConfig())

	bad := validUpload()
	bad.Path = ""
	items := o.ProcessBatch(context.Background(), []card.Upload{validUpload(), bad, validUpload()})
	o.Wait()

	require.Len(t, items, 3)
	assert.NoError(t, items[0].Err)
	assert.Error(t, items[1].Err)
	assert.NoError(t, items[2].Err)
	assert.NotNil(t, items[0].Card)
	assert.Nil(t, items[1].Card)
}

func TestDeleteCardRemovesOrphanSnapshot(t *testing.T) {
	st := newTestStore(t)
	notifier := &recordingNotifier{}
	o := New(st, &stubPreprocessor{}, &stubOCR{}, postprocess.New(postprocess.DefaultConfig()), notifier, fastConfig())
	ctx := context.Background()

	c := &card.CautionCard{OriginalFilePath: "/uploads/x.png"}
	require.NoError(t, st.CreateCard(ctx, c))
	require.NoError(t, st.CreateOrphan(ctx, &card.OrphanedCautionCard{
		OriginalCardID:   c.ID,
		OriginalFilePath: c.OriginalFilePath,
	}))

	require.NoError(t, o.DeleteCard(ctx, c.ID))

	_, err := st.GetCard(ctx, c.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, total, err := st.ListOrphans(ctx, 10, 0)
	require.NoError(t, err)
	assert.Zero(t, total, "the card's snapshot goes with it")

	published := notifier.all()
	require.Len(t, published, 1)
	assert.Equal(t, events.TypeOrphanListUpdated, published[0].Type)
}

func TestDeleteCardWithoutSnapshot(t *testing.T) {
	st := newTestStore(t)
	notifier := &recordingNotifier{}
	o := New(st, &stubPreprocessor{}, &stubOCR{}, postprocess.New(postprocess.DefaultConfig()), notifier, fastConfig())
	ctx := context.Background()

	c := &card.CautionCard{OriginalFilePath: "/uploads/x.png"}
	require.NoError(t, st.CreateCard(ctx, c))

	require.NoError(t, o.DeleteCard(ctx, c.ID))
	assert.Empty(t, notifier.all())
}

func TestDeleteCardNotFound(t *testing.T) {
	o := New(newTestStore(t), &stubPreprocessor{}, &stubOCR{}, postprocess.New(postprocess.DefaultConfig()), nil, fastConfig())

	err := o.DeleteCard(context.Background(), "missing")
	var nf *card.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestGetCardDetailsNotFound(t *testing.T) {
	o := New(newTestStore(t), &stubPreprocessor{}, &stubOCR{}, postprocess.New(postprocess.DefaultConfig()), nil, fastConfig())

	_, err := o.GetCardDetails(context.Background(), "missing")
	var nf *card.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestGetLinkingSuggestions(t *testing.T) {
	st := newTestStore(t)
	o := New(st, &stubPreprocessor{dir: t.TempDir()}, &stubOCR{raw: validRaw},
		postprocess.New(postprocess.DefaultConfig()), nil, fastConfig())
	ctx := context.Background()

	_, err := o.GetLinkingSuggestions(ctx, "missing")
	var nf *card.NotFoundError
	assert.ErrorAs(t, err, &nf)

	created, err := o.ProcessNewCard(ctx, validUpload())
	require.NoError(t, err)
	o.Wait()

	suggestions, err := o.GetLinkingSuggestions(ctx, created.ID)
	require.NoError(t, err)
	assert.NotNil(t, suggestions)
	assert.Empty(t, suggestions)
}

func TestGetLinkingSuggestionsBeforeOCRCompletes(t *testing.T) {
	st := newTestStore(t)
	o := New(st, &stubPreprocessor{}, &stubOCR{}, postprocess.New(postprocess.DefaultConfig()), nil, fastConfig())
	ctx := context.Background()

	c := &card.CautionCard{OriginalFilePath: "/uploads/x.png"}
	require.NoError(t, st.CreateCard(ctx, c))

	_, err := o.GetLinkingSuggestions(ctx, c.ID)
	assert.ErrorIs(t, err, ErrOCRIncomplete)
}

func TestWithRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("succeeds after failures", func(t *testing.T) {
		calls := 0
		err := withRetry(ctx, 3, 0, "op", nil, func() error {
			calls++
			if calls < 3 {
				return errors.New("transient")
			}
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("returns last error when exhausted", func(t *testing.T) {
		calls := 0
		err := withRetry(ctx, 2, 0, "op", nil, func() error {
			calls++
			return errors.New("persistent")
		})
		assert.EqualError(t, err, "persistent")
		assert.Equal(t, 2, calls)
	})

	t.Run("non-retryable error short-circuits", func(t *testing.T) {
		calls := 0
		fatal := errors.New("fatal")
		err := withRetry(ctx, 5, 0, "op", func(e error) bool { return !errors.Is(e, fatal) }, func() error {
			calls++
			return fatal
		})
		assert.ErrorIs(t, err, fatal)
		assert.Equal(t, 1, calls)
	})

	t.Run("context cancellation stops retries", func(t *testing.T) {
		cancelCtx, cancel := context.WithCancel(context.Background())
		cancel()
		err := withRetry(cancelCtx, 3, time.Hour, "op", nil, func() error {
			return errors.New("transient")
		})
		assert.ErrorIs(t, err, context.Canceled)
	})
}
