// ABOUTME: Read-only HTTP API for clients that do not hold a WebSocket open
// ABOUTME: Agent roster, teams, session list, per-session history from the ledger, intel

package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/2389/command-center/internal/ledger"
	"github.com/2389/command-center/internal/persona"
	"github.com/2389/command-center/internal/protocol"
)

// AgentsResponse is the JSON response for GET /api/agents.
type AgentsResponse struct {
	Agents []protocol.AgentInfo `json:"agents"`
}

// TeamsResponse is the JSON response for GET /api/agents/teams.
type TeamsResponse struct {
	Teams []persona.Team `json:"teams"`
}

// SessionsResponse is the JSON response for GET /api/sessions.
type SessionsResponse struct {
	Sessions []protocol.SessionInfo `json:"sessions"`
}

// SessionEventsResponse is the JSON response for GET /api/sessions/{id}/events.
type SessionEventsResponse struct {
	SessionID string         `json:"sessionId"`
	Events    []ledger.Event `json:"events"`
}

func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, AgentsResponse{Agents: g.roster.Infos()})
}

func (g *Gateway) handleListTeams(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, TeamsResponse{Teams: persona.Teams(g.roster.All())})
}

func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := g.manager.Sessions()
	if sessions == nil {
		sessions = []protocol.SessionInfo{}
	}
	g.writeJSON(w, http.StatusOK, SessionsResponse{Sessions: sessions})
}

// handleSessionEvents returns recorded history for a session, oldest first.
// Accepts ?limit=N (default and cap applied by the ledger).
func (g *Gateway) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	if g.ledger == nil {
		g.sendJSONError(w, http.StatusNotFound, "event history is disabled")
		return
	}

	sessionID := r.PathValue("id")
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	events, err := g.ledger.Recent(r.Context(), sessionID, limit)
	if err != nil {
		g.logger.Error("failed to read session events", "session_id", sessionID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.writeJSON(w, http.StatusOK, SessionEventsResponse{SessionID: sessionID, Events: events})
}

func (g *Gateway) handleIntel(w http.ResponseWriter, r *http.Request) {
	payload, err := g.intel.Payload(r.Context())
	if err != nil {
		g.logger.Error("failed to build intel payload", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.writeJSON(w, http.StatusOK, payload)
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]string{"error": message})
}
