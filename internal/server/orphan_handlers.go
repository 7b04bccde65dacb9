package server

import (
	"encoding/json"
	"net/http"
)

// linkOrphanRequest is the body for linking an orphaned card to a patient.
type linkOrphanRequest struct {
	PatientID string `json:"patientId"`
}

// listOrphansHandler returns a page of orphan snapshots.
func (s *Server) listOrphansHandler(w http.ResponseWriter, r *http.Request) {
	limit := parseIntParam(r, "limit", 50)
	offset := parseIntParam(r, "offset", 0)

	orphans, total, err := s.finalizer.ListOrphans(r.Context(), limit, offset)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, ListResponse{Items: orphans, Total: total})
}

// orphanDetailsHandler returns a single orphan snapshot.
func (s *Server) orphanDetailsHandler(w http.ResponseWriter, r *http.Request) {
	orphan, err := s.finalizer.GetOrphanDetails(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, APIResponse{Status: "ok", Data: orphan})
}

// linkOrphanHandler links an orphaned card to a patient via its snapshot.
func (s *Server) linkOrphanHandler(w http.ResponseWriter, r *http.Request) {
	var req linkOrphanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.PatientID == "" {
		s.writeErrorResponse(w, "patientId is required", http.StatusBadRequest)
		return
	}

	updated, err := s.finalizer.LinkOrphanedCard(r.Context(), r.PathValue("id"), req.PatientID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, APIResponse{Status: "ok", Data: updated})
}

// deleteOrphanHandler removes an orphan snapshot.
func (s *Server) deleteOrphanHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.finalizer.DeleteOrphanedCard(r.Context(), r.PathValue("id")); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, APIResponse{Status: "ok", Message: "Orphaned card deleted"})
}
