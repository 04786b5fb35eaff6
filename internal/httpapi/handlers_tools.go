package httpapi

import (
	"encoding/json"
	"net/http"
)

// toolExecuteRequest is POST /v1/tools/execute's body: a direct passthrough
// to the external tool-execution collaborator, bypassing the ticket
// pipeline entirely (used by fillers that need a one-off tool call outside
// the lease/fill cycle).
type toolExecuteRequest struct {
	Server string         `json:"server"`
	Tool   string         `json:"tool"`
	Args   map[string]any `json:"args,omitempty"`
}

// handleToolExecute implements POST /v1/tools/execute (spec.md 6.1). The
// readiness gate already refuses this route while tool_gateway is
// unavailable, so a nil gateway here means misconfiguration rather than a
// degraded-but-admitted state.
func (s *Server) handleToolExecute(w http.ResponseWriter, r *http.Request) {
	var req toolExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "ERR_INVALID_PAYLOAD", "invalid request body: "+err.Error())
		return
	}
	if req.Server == "" || req.Tool == "" {
		writeError(w, http.StatusBadRequest, "ERR_INVALID_PAYLOAD", "server and tool are required")
		return
	}
	if s.gateway == nil {
		writeError(w, http.StatusServiceUnavailable, "MCP_REQUIRED_UNAVAILABLE", "tool gateway not configured")
		return
	}

	result, err := s.gateway.ExecuteTool(r.Context(), req.Server, req.Tool, req.Args)
	if err != nil {
		writeError(w, http.StatusBadGateway, "tool_execute_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}
