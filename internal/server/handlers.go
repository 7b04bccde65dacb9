package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/MeKo-Tech/cautiond/internal/card"
	"github.com/MeKo-Tech/cautiond/internal/ocrworker"
	"github.com/MeKo-Tech/cautiond/internal/orchestrator"
	"github.com/MeKo-Tech/cautiond/internal/version"
)

// healthHandler returns server health status including a worker probe.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	workerState := "unconfigured"
	if s.prober != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if _, err := s.prober.Status(ctx); err != nil {
			workerState = "unavailable"
		} else {
			workerState = "ready"
		}
	}

	response := HealthResponse{
		Status:  "healthy",
		Version: version.Version,
		Time:    time.Now().UTC().Format(time.RFC3339),
		Worker:  workerState,
	}

	s.writeJSON(w, http.StatusOK, response)
}

// writeJSON writes a JSON body with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding response: %v\n", err)
	}
}

// writeErrorResponse writes a JSON error response.
func (s *Server) writeErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	s.writeJSON(w, statusCode, ErrorResponse{Status: "error", Error: message})
}

// writeDomainError maps service errors onto HTTP status codes.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	var (
		validationErr *card.ValidationError
		notFoundErr   *card.NotFoundError
		stateErr      *card.InvalidStateError
	)
	switch {
	case errors.As(err, &validationErr):
		s.writeErrorResponse(w, validationErr.Error(), http.StatusBadRequest)
	case errors.As(err, &notFoundErr):
		s.writeErrorResponse(w, notFoundErr.Error(), http.StatusNotFound)
	case errors.As(err, &stateErr):
		s.writeErrorResponse(w, stateErr.Error(), http.StatusConflict)
	case errors.Is(err, orchestrator.ErrOCRIncomplete):
		s.writeErrorResponse(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ocrworker.ErrNotReady):
		s.writeErrorResponse(w, "OCR worker is not available", http.StatusServiceUnavailable)
	default:
		s.writeErrorResponse(w, "internal server error", http.StatusInternalServerError)
	}
}
