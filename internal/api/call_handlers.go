package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/callflux/callflux/internal/dial"
	"github.com/callflux/callflux/internal/pbx"
	"github.com/callflux/callflux/internal/trunk"
)

// callCreateRequest is the body for POST /api/calls/create.
type callCreateRequest struct {
	PhoneNumber    string `json:"phone_number"`
	Campaign       string `json:"campaign"`
	AssignmentUUID string `json:"assignment_uuid"`
}

// handleCallCreate originates an outbound IVR call. The request blocks
// until the origination has drained through the trunk's queue.
func (s *Server) handleCallCreate(w http.ResponseWriter, r *http.Request) {
	var req callCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if msg := validatePhoneNumber("phone_number", req.PhoneNumber); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := validateRequiredStringLen("campaign", req.Campaign, maxTokenLen); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := validateRequiredStringLen("assignment_uuid", req.AssignmentUUID, maxTokenLen); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if !s.deps.Catalog.HasCampaign(req.Campaign) {
		writeError(w, http.StatusNotFound, "unknown campaign")
		return
	}

	callID, err := s.deps.Manager.Create(r.Context(), req.PhoneNumber, req.Campaign, req.AssignmentUUID)
	switch {
	case errors.Is(err, trunk.ErrAssignmentNotFound):
		writeError(w, http.StatusNotFound, "assignment not found")
		return
	case errors.Is(err, dial.ErrQueueFull):
		writeError(w, http.StatusTooManyRequests, "origination queue full")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"call_id": callID,
	})
}

// handleCallDestroy hangs up a running call. Only a missing call maps to
// 404; a PBX that refuses or cannot be reached is a gateway failure.
func (s *Server) handleCallDestroy(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "id")
	switch err := s.deps.Manager.Destroy(callID); {
	case errors.Is(err, pbx.ErrNotFound):
		writeError(w, http.StatusNotFound, "call not found")
		return
	case err != nil:
		writeError(w, http.StatusBadGateway, "failed to hang up call")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleQueueStats reports per-trunk origination queue depth.
func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"queues":        s.deps.Queue.QueueStats(),
		"pending_total": s.deps.Queue.PendingTotal(),
	})
}
