package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/callflux/callflux/internal/trunk"
)

// trunkAgentPort is the provisioning agent port on the tenant's SIP server.
const trunkAgentPort = 56201

// assignRequest is the body for POST /api/trunks/assign.
type assignRequest struct {
	UserToken string `json:"user_token"`
}

// releaseRequest is the body for POST /api/trunks/release.
type releaseRequest struct {
	AssignmentUUID string `json:"assignment_uuid"`
}

// handleTrunkAssign reserves a trunk for the tenant.
func (s *Server) handleTrunkAssign(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if msg := validateRequiredStringLen("user_token", req.UserToken, maxTokenLen); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	a, err := s.deps.Trunks.Assign(req.UserToken)
	if err != nil {
		if errors.Is(err, trunk.ErrNoTrunkAvailable) {
			writeError(w, http.StatusNotFound, "no trunk available")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"assignment_uuid": a.ID,
		"trunk_name":      a.TrunkID,
	})
}

// handleTrunkRelease gives a reservation back before its TTL.
func (s *Server) handleTrunkRelease(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if msg := validateRequiredStringLen("assignment_uuid", req.AssignmentUUID, maxTokenLen); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	if err := s.deps.Trunks.Release(req.AssignmentUUID); err != nil {
		writeError(w, http.StatusNotFound, "assignment not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleTrunkList reports aggregate trunk usage.
func (s *Server) handleTrunkList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"stats":   s.deps.Trunks.Stats(),
	})
}

// trunkAddRequest is the body for POST /trunk/add.
type trunkAddRequest struct {
	IPServer     string `json:"ip_server"`
	SIPUsername  string `json:"sip_username"`
	SIPPassword  string `json:"sip_password"`
	SIPServerURL string `json:"sip_server_url"`
	Type         string `json:"type"`
}

// trunkDeleteRequest is the body for DELETE /trunk/delete/{trunkID}.
type trunkDeleteRequest struct {
	IPServer string `json:"ip_server"`
}

// handleTrunkProxyAdd forwards trunk provisioning to the agent on the
// tenant's SIP server.
func (s *Server) handleTrunkProxyAdd(w http.ResponseWriter, r *http.Request) {
	var req trunkAddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if msg := validateIP("ip_server", req.IPServer); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	payload, err := json.Marshal(map[string]string{
		"username": req.SIPUsername,
		"password": req.SIPPassword,
		"server":   req.SIPServerURL,
		"type":     req.Type,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encoding agent payload failed")
		return
	}

	target := fmt.Sprintf("http://%s:%d/add-trunk", req.IPServer, trunkAgentPort)
	agentReq, err := http.NewRequestWithContext(r.Context(), http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "building agent request failed")
		return
	}
	agentReq.Header.Set("Content-Type", "application/json")

	s.relayAgentResponse(w, agentReq)
}

// handleTrunkProxyDelete forwards trunk removal to the agent.
func (s *Server) handleTrunkProxyDelete(w http.ResponseWriter, r *http.Request) {
	trunkID := chi.URLParam(r, "trunkID")

	var req trunkDeleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if msg := validateIP("ip_server", req.IPServer); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	target := fmt.Sprintf("http://%s:%d/delete-trunk/%s", req.IPServer, trunkAgentPort, url.PathEscape(trunkID))
	agentReq, err := http.NewRequestWithContext(r.Context(), http.MethodDelete, target, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "building agent request failed")
		return
	}

	s.relayAgentResponse(w, agentReq)
}

// relayAgentResponse performs the proxied request and passes the agent's
// status and body through.
func (s *Server) relayAgentResponse(w http.ResponseWriter, req *http.Request) {
	resp, err := s.trunkProxy.Do(req)
	if err != nil {
		s.logger.Error("trunk agent request failed", "url", req.URL.String(), "error", err)
		writeError(w, http.StatusBadGateway, "trunk agent unreachable")
		return
	}
	defer resp.Body.Close()

	w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, io.LimitReader(resp.Body, 1<<20)); err != nil {
		s.logger.Warn("relaying trunk agent response failed", "error", err)
	}
}
