// ABOUTME: Tests for the read-only HTTP API handlers
// ABOUTME: Roster, teams, sessions, ledger-backed history, intel and JWT protection

package gateway

import (
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/command-center/internal/auth"
	"github.com/2389/command-center/internal/intel"
	"github.com/2389/command-center/internal/protocol"
)

func TestHandleListAgents(t *testing.T) {
	_, srv := newTestGateway(t, testConfig(t))

	var body AgentsResponse
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/agents", nil, &body))

	require.Len(t, body.Agents, 3)
	assert.Equal(t, "cmo", body.Agents[0].Name)
	assert.True(t, body.Agents[0].IsOrchestrator)
	assert.Equal(t, "analyst", body.Agents[1].Name)
	assert.Equal(t, "brand-strategy-consultant", body.Agents[2].Name)
	assert.Equal(t, "Brand work", body.Agents[2].Description)
}

func TestHandleListTeams(t *testing.T) {
	_, srv := newTestGateway(t, testConfig(t))

	var body TeamsResponse
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/agents/teams", nil, &body))

	require.Len(t, body.Teams, 2)
	assert.Equal(t, "orchestrators", body.Teams[0].Name)
	assert.Len(t, body.Teams[0].Agents, 2)
	assert.Equal(t, "strategy", body.Teams[1].Name)
	assert.Equal(t, "brand-strategy-consultant", body.Teams[1].Agents[0].Name)
}

func TestHandleListSessions(t *testing.T) {
	gw, srv := newTestGateway(t, testConfig(t))

	var body SessionsResponse
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/sessions", nil, &body))
	assert.NotNil(t, body.Sessions)
	assert.Empty(t, body.Sessions)

	first, err := gw.manager.StartSession("brand-strategy-consultant", "one")
	require.NoError(t, err)
	second, err := gw.manager.StartSession("cmo", "two")
	require.NoError(t, err)

	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/sessions", nil, &body))
	require.Len(t, body.Sessions, 2)
	assert.Equal(t, first, body.Sessions[0].ID)
	assert.Equal(t, second, body.Sessions[1].ID)
	assert.Equal(t, "CMO", body.Sessions[1].AgentDisplayName)
}

func TestHandleSessionEvents(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.Path = filepath.Join(t.TempDir(), "ledger.db")
	gw, srv := newTestGateway(t, cfg)

	id, err := gw.manager.StartSession("brand-strategy-consultant", "remember this")
	require.NoError(t, err)

	var body SessionEventsResponse
	require.Eventually(t, func() bool {
		if getJSON(t, srv.URL+"/api/sessions/"+id+"/events", nil, &body) != http.StatusOK {
			return false
		}
		// the final idle status lands after the result
		var sawResult bool
		for _, e := range body.Events {
			if e.Type == protocol.KindSessionResult {
				sawResult = true
			}
		}
		return sawResult && body.Events[len(body.Events)-1].Type == protocol.KindSessionStatus
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, id, body.SessionID)
	assert.Equal(t, protocol.KindSessionStatus, body.Events[0].Type, "oldest first")
	for _, e := range body.Events {
		assert.Equal(t, id, e.SessionID)
		assert.NotEqual(t, protocol.KindTextDelta, e.Type, "streaming deltas are not recorded")
	}

	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/sessions/"+id+"/events?limit=1", nil, &body))
	require.Len(t, body.Events, 1)
	assert.Equal(t, protocol.KindSessionStatus, body.Events[0].Type, "limit keeps the newest events")

	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/sessions/ghost/events", nil, &body))
	assert.NotNil(t, body.Events)
	assert.Empty(t, body.Events)
}

func TestHandleSessionEvents_BadLimit(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.Path = filepath.Join(t.TempDir(), "ledger.db")
	_, srv := newTestGateway(t, cfg)

	for _, limit := range []string{"abc", "-3"} {
		status := getJSON(t, srv.URL+"/api/sessions/x/events?limit="+limit, nil, nil)
		assert.Equal(t, http.StatusBadRequest, status, limit)
	}
}

func TestHandleSessionEvents_LedgerDisabled(t *testing.T) {
	_, srv := newTestGateway(t, testConfig(t))

	status := getJSON(t, srv.URL+"/api/sessions/x/events", nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestHandleIntel(t *testing.T) {
	_, srv := newTestGateway(t, testConfig(t))

	var body intel.Payload
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/intel", nil, &body))
	assert.Len(t, body.ContextFiles, 9)
	assert.False(t, body.IsOnboarded)
}

func TestAPI_RequiresTokenWhenConfigured(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.JWTSecret = "api-secret"
	_, srv := newTestGateway(t, cfg)

	for _, path := range []string{"/api/agents", "/api/agents/teams", "/api/sessions", "/api/intel"} {
		assert.Equal(t, http.StatusUnauthorized, getJSON(t, srv.URL+path, nil, nil), path)
	}
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/health", nil, nil), "health stays open")
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/health/ready", nil, nil), "readiness stays open")

	token, err := auth.NewJWTVerifier([]byte("api-secret")).Generate("harper", time.Hour)
	require.NoError(t, err)
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	var body AgentsResponse
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/agents", header, &body))
	assert.Len(t, body.Agents, 3)
}
