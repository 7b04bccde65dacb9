// Package server exposes the caution-card pipeline over HTTP: card intake,
// review listing, finalization, orphan management, a WebSocket event stream,
// and operational endpoints.
package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MeKo-Tech/cautiond/internal/card"
	"github.com/MeKo-Tech/cautiond/internal/events"
	"github.com/MeKo-Tech/cautiond/internal/finalize"
	"github.com/MeKo-Tech/cautiond/internal/orchestrator"
	"github.com/MeKo-Tech/cautiond/internal/store"
)

// cardService is the intake/query surface the server needs from the
// orchestrator.
type cardService interface {
	ProcessNewCard(ctx context.Context, upload card.Upload) (*card.CautionCard, error)
	ProcessBatch(ctx context.Context, uploads []card.Upload) []orchestrator.BatchItem
	GetCardDetails(ctx context.Context, id string) (*card.CautionCard, error)
	ListCards(ctx context.Context, filter store.CardFilter) ([]*card.CautionCard, int, error)
	GetLinkingSuggestions(ctx context.Context, id string) ([]orchestrator.Suggestion, error)
	DeleteCard(ctx context.Context, id string) error
}

// finalizeService is the review-completion surface.
type finalizeService interface {
	FinalizeCard(ctx context.Context, cardID string, req finalize.Request) (*card.CautionCard, error)
	LinkOrphanedCard(ctx context.Context, orphanID, patientID string) (*card.CautionCard, error)
	DeleteOrphanedCard(ctx context.Context, orphanID string) error
	ListOrphans(ctx context.Context, limit, offset int) ([]*card.OrphanedCautionCard, int, error)
	GetOrphanDetails(ctx context.Context, orphanID string) (*card.OrphanedCautionCard, error)
}

// statusProber reports whether the OCR worker is responsive.
type statusProber interface {
	Status(ctx context.Context) (json.RawMessage, error)
}

// Server holds the HTTP server state and dependencies.
type Server struct {
	cards       cardService
	finalizer   finalizeService
	prober      statusProber
	hub         *events.Hub
	corsOrigin  string
	maxUploadMB int64
	uploadDir   string
}

// Config holds server configuration.
type Config struct {
	Host        string
	Port        int
	CORSOrigin  string
	MaxUploadMB int64
	TimeoutSec  int
	UploadDir   string
}

// APIResponse is the generic success envelope.
type APIResponse struct {
	Status  string `json:"status"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

// ErrorResponse is the generic error envelope.
type ErrorResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

// HealthResponse reports server and worker health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Time    string `json:"time"`
	Worker  string `json:"worker"`
}

// ListResponse pages a collection.
type ListResponse struct {
	Items any `json:"items"`
	Total int `json:"total"`
}

// NewServer creates a new server instance. prober and hub may be nil when
// the worker probe or the event stream is not wired (tests).
func NewServer(cfg Config, cards cardService, finalizer finalizeService, prober statusProber, hub *events.Hub) *Server {
	return &Server{
		cards:       cards,
		finalizer:   finalizer,
		prober:      prober,
		hub:         hub,
		corsOrigin:  cfg.CORSOrigin,
		maxUploadMB: cfg.MaxUploadMB,
		uploadDir:   cfg.UploadDir,
	}
}

// SetupRoutes configures the HTTP routes.
func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.corsMiddleware(s.healthHandler))
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /caution-cards/process", s.corsMiddleware(s.processCardHandler))
	mux.HandleFunc("POST /caution-cards/process-batch", s.corsMiddleware(s.processBatchHandler))
	mux.HandleFunc("GET /caution-cards", s.corsMiddleware(s.listCardsHandler))
	mux.HandleFunc("GET /caution-cards/{id}", s.corsMiddleware(s.cardDetailsHandler))
	mux.HandleFunc("GET /caution-cards/{id}/suggestions", s.corsMiddleware(s.suggestionsHandler))
	mux.HandleFunc("PUT /caution-cards/{id}/finalize", s.corsMiddleware(s.finalizeCardHandler))
	mux.HandleFunc("DELETE /caution-cards/{id}", s.corsMiddleware(s.deleteCardHandler))

	mux.HandleFunc("GET /orphaned-cards", s.corsMiddleware(s.listOrphansHandler))
	mux.HandleFunc("GET /orphaned-cards/{id}", s.corsMiddleware(s.orphanDetailsHandler))
	mux.HandleFunc("PUT /orphaned-cards/{id}/link", s.corsMiddleware(s.linkOrphanHandler))
	mux.HandleFunc("DELETE /orphaned-cards/{id}", s.corsMiddleware(s.deleteOrphanHandler))

	if s.hub != nil {
		mux.HandleFunc("GET /ws", s.hub.HandleWS)
	}

	// Preflight for every API path.
	mux.HandleFunc("OPTIONS /", s.corsMiddleware(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}
