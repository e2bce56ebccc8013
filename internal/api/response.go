package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
)

// writeJSON writes a JSON response with the given status code. Tenant
// endpoints marshal their payload as-is; success payloads carry
// "success": true.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode json response", "error", err)
	}
}

// writeError writes a JSON error response with the given status code.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}

// writeXML writes a PBX-facing action script. Always HTTP 200: the PBX
// side can only interpret XML, so error statuses would break the call.
func writeXML(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	if _, err := io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?>`+"\n"+body); err != nil {
		slog.Error("failed to write xml response", "error", err)
	}
}
