package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/callflux/callflux/internal/action"
)

// handleAction serves the XML action script for one step of a call. The
// PBX-side session fetches these as the dialogue advances.
func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	status := chi.URLParam(r, "status")
	callID := r.URL.Query().Get("uuid")
	digits := r.URL.Query().Get("Digits")

	writeXML(w, s.deps.Engine.BuildResponse(status, callID, digits))
}

// handleDebugCampaigns lists the loaded campaign catalog.
func (s *Server) handleDebugCampaigns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"campaigns": s.deps.Catalog.Snapshot(),
	})
}

// handleDebugReload forces a catalog refresh.
func (s *Server) handleDebugReload(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Catalog.Reload(r.Context()); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"campaigns": s.deps.Catalog.Campaigns(),
	})
}

// otpValidateRequest is the body for POST /otp/validate/{callID}.
type otpValidateRequest struct {
	IsValid bool `json:"isValid"`
}

// handleOTPValidate applies an external OTP decision to a running call.
func (s *Server) handleOTPValidate(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")

	var req otpValidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.deps.Validator.Validate(callID, req.IsValid); err != nil {
		if errors.Is(err, action.ErrCallNotFound) {
			writeError(w, http.StatusNotFound, "call not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
