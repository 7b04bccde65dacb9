package server

import (
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/MeKo-Tech/cautiond/internal/card"
	"github.com/MeKo-Tech/cautiond/internal/finalize"
	"github.com/MeKo-Tech/cautiond/internal/store"
)

// cardAccepted is the intake response payload.
type cardAccepted struct {
	CardID string `json:"cardId"`
	Status string `json:"status"`
}

// batchItemResult is the per-file payload for batch intake.
type batchItemResult struct {
	FileName string `json:"fileName"`
	CardID   string `json:"cardId,omitempty"`
	Status   string `json:"status,omitempty"`
	Error    string `json:"error,omitempty"`
}

// processCardHandler accepts a card scan upload and starts the OCR pipeline.
func (s *Server) processCardHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadMB*1024*1024)

	if err := r.ParseMultipartForm(s.maxUploadMB * 1024 * 1024); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "body too large") {
			s.writeErrorResponse(w, "File too large", http.StatusRequestEntityTooLarge)
		} else {
			s.writeErrorResponse(w, "Failed to parse form data", http.StatusBadRequest)
		}
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeErrorResponse(w, "No card file provided", http.StatusBadRequest)
		return
	}
	defer func() { _ = file.Close() }()

	upload, err := s.saveUpload(file, header)
	if err != nil {
		s.writeErrorResponse(w, "Failed to store uploaded file", http.StatusInternalServerError)
		return
	}
	uploadSizeBytes.Observe(float64(upload.Size))

	created, err := s.cards.ProcessNewCard(r.Context(), upload)
	if err != nil {
		// The card was rejected before processing started; the stored
		// artifact has no owner.
		_ = os.Remove(upload.Path)
		s.writeDomainError(w, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, APIResponse{
		Status:  "accepted",
		Data:    cardAccepted{CardID: created.ID, Status: string(created.Status)},
		Message: "Caution card accepted for processing",
	})
}

// processBatchHandler accepts several scans in one request. Per-file
// failures do not abort the rest of the batch.
func (s *Server) processBatchHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadMB*1024*1024)

	if err := r.ParseMultipartForm(s.maxUploadMB * 1024 * 1024); err != nil {
		s.writeErrorResponse(w, "Failed to parse form data", http.StatusBadRequest)
		return
	}

	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		s.writeErrorResponse(w, "No card files provided", http.StatusBadRequest)
		return
	}

	results := make([]batchItemResult, 0, len(files))
	for _, header := range files {
		item := batchItemResult{FileName: header.Filename}

		file, err := header.Open()
		if err != nil {
			item.Error = "failed to read file"
			results = append(results, item)
			continue
		}

		upload, err := s.saveUpload(file, header)
		_ = file.Close()
		if err != nil {
			item.Error = "failed to store file"
			results = append(results, item)
			continue
		}
		uploadSizeBytes.Observe(float64(upload.Size))

		created, err := s.cards.ProcessNewCard(r.Context(), upload)
		if err != nil {
			_ = os.Remove(upload.Path)
			item.Error = err.Error()
		} else {
			item.CardID = created.ID
			item.Status = string(created.Status)
		}
		results = append(results, item)
	}

	s.writeJSON(w, http.StatusAccepted, APIResponse{
		Status: "accepted",
		Data:   results,
	})
}

// listCardsHandler returns a filtered page of cards.
func (s *Server) listCardsHandler(w http.ResponseWriter, r *http.Request) {
	filter := store.CardFilter{
		Status:          card.Status(r.URL.Query().Get("status")),
		LinkedPatientID: r.URL.Query().Get("patientId"),
		Limit:           parseIntParam(r, "limit", 50),
		Offset:          parseIntParam(r, "offset", 0),
	}
	if filter.Status != "" && !filter.Status.IsValid() {
		s.writeErrorResponse(w, fmt.Sprintf("invalid status %q", filter.Status), http.StatusBadRequest)
		return
	}

	cards, total, err := s.cards.ListCards(r.Context(), filter)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, ListResponse{Items: cards, Total: total})
}

// cardDetailsHandler returns a single card.
func (s *Server) cardDetailsHandler(w http.ResponseWriter, r *http.Request) {
	c, err := s.cards.GetCardDetails(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, APIResponse{Status: "ok", Data: c})
}

// suggestionsHandler returns candidate patient matches for a reviewed card.
func (s *Server) suggestionsHandler(w http.ResponseWriter, r *http.Request) {
	suggestions, err := s.cards.GetLinkingSuggestions(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, APIResponse{Status: "ok", Data: suggestions})
}

// finalizeCardHandler commits a reviewer decision for a card.
func (s *Server) finalizeCardHandler(w http.ResponseWriter, r *http.Request) {
	var req finalize.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}

	updated, err := s.finalizer.FinalizeCard(r.Context(), r.PathValue("id"), req)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, APIResponse{Status: "ok", Data: updated})
}

// deleteCardHandler removes a card and its orphan snapshot, if any.
func (s *Server) deleteCardHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.cards.DeleteCard(r.Context(), r.PathValue("id")); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, APIResponse{Status: "ok", Message: "Caution card deleted"})
}

// saveUpload copies a multipart file into the upload directory and describes
// it for the intake service.
func (s *Server) saveUpload(file multipart.File, header *multipart.FileHeader) (card.Upload, error) {
	if err := os.MkdirAll(s.uploadDir, 0o750); err != nil {
		return card.Upload{}, fmt.Errorf("creating upload directory: %w", err)
	}

	ext := filepath.Ext(header.Filename)
	destPath := filepath.Join(s.uploadDir, uuid.NewString()+ext)

	dest, err := os.Create(destPath)
	if err != nil {
		return card.Upload{}, fmt.Errorf("creating upload file: %w", err)
	}
	defer func() { _ = dest.Close() }()

	size, err := io.Copy(dest, file)
	if err != nil {
		_ = os.Remove(destPath)
		return card.Upload{}, fmt.Errorf("writing upload file: %w", err)
	}

	return card.Upload{
		Path:         destPath,
		OriginalName: header.Filename,
		Size:         size,
		MIMEType:     header.Header.Get("Content-Type"),
	}, nil
}

func parseIntParam(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}
