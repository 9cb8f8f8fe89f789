package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/studiod/internal/agent"
	"github.com/fyrsmithlabs/studiod/internal/checkpoint"
	"github.com/fyrsmithlabs/studiod/internal/orchestrator"
	"github.com/fyrsmithlabs/studiod/internal/phase"
	"github.com/fyrsmithlabs/studiod/internal/session"
	"github.com/fyrsmithlabs/studiod/internal/workflow"
)

// passingRunner completes every phase instantly with its artifact.
func passingRunner() agent.Runner {
	return agent.RunnerFunc(func(_ context.Context, req agent.Request) (*agent.Result, error) {
		res := &agent.Result{Artifacts: map[string]string{}}
		switch req.Phase {
		case phase.PhasePM:
			res.Artifacts[workflow.ArtifactPRD] = req.WorkDir + "/docs/PRD.md"
		case phase.PhaseArch:
			res.Artifacts[workflow.ArtifactTechSpec] = req.WorkDir + "/docs/TECH_SPEC.md"
		case phase.PhaseEngineer:
			res.Artifacts[workflow.ArtifactScaffoldScript] = req.WorkDir + "/scaffold.sh"
		case phase.PhaseQA:
			res.TestsPassed = true
		}
		return res, nil
	})
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("database gone") }

func newTestServer(t *testing.T, pinger Pinger) *Server {
	t.Helper()

	store := session.NewMemoryStore()
	orch, err := orchestrator.New(&orchestrator.Config{
		MaxIterations: 5,
		SessionTTL:    time.Hour,
		AgentTimeout:  5 * time.Second,
		MaxConcurrent: 4,
		WorkDirBase:   t.TempDir(),
	}, orchestrator.Deps{
		Store:       store,
		Checkpoints: checkpoint.NewMemoryStore(),
		Runner:      passingRunner(),
		Logger:      zap.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = orch.Close(ctx)
	})

	if pinger == nil {
		pinger = store
	}
	srv, err := NewServer(orch, pinger, nil, zap.NewNop(), nil)
	require.NoError(t, err)
	return srv
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

// startToGate creates a session over HTTP and waits for the human gate.
func startToGate(t *testing.T, srv *Server) string {
	t.Helper()

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/sessions", StartSessionRequest{Mission: "build a url shortener"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var created StartSessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.SessionID)

	require.Eventually(t, func() bool {
		rec := doJSON(t, srv, http.MethodGet, "/api/v1/sessions/"+created.SessionID, nil)
		if rec.Code != http.StatusOK {
			return false
		}
		var info orchestrator.SessionInfo
		if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
			return false
		}
		return info.Status == phase.StatusAwaitingApproval
	}, 5*time.Second, 10*time.Millisecond)

	return created.SessionID
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := doJSON(t, srv, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var health HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health.Status)
	assert.WithinDuration(t, time.Now().UTC(), health.Timestamp, 5*time.Second)
}

func TestReadyz(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := doJSON(t, srv, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var ready ReadyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ready))
	assert.Equal(t, "ok", ready.Status)
	assert.Equal(t, "ok", ready.Database)
	assert.WithinDuration(t, time.Now().UTC(), ready.Timestamp, 5*time.Second)
}

func TestReadyzStoreDown(t *testing.T) {
	srv := newTestServer(t, failingPinger{})
	rec := doJSON(t, srv, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var ready ReadyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ready))
	assert.Equal(t, "unavailable", ready.Database)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := doJSON(t, srv, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStartSession(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/sessions", StartSessionRequest{Mission: "build a chat server"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var created StartSessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.NotEmpty(t, created.SessionID)
}

func TestStartSessionEmptyMission(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/sessions", StartSessionRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetSessionNotFound(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := doJSON(t, srv, http.MethodGet, "/api/v1/sessions/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListSessions(t *testing.T) {
	srv := newTestServer(t, nil)
	startToGate(t, srv)

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var infos []orchestrator.SessionInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &infos))
	assert.Len(t, infos, 1)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/sessions?status=completed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &infos))
	assert.Empty(t, infos)

	rec = doJSON(t, srv, http.MethodGet, "/api/v1/sessions?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestApproveFlow(t *testing.T) {
	srv := newTestServer(t, nil)
	id := startToGate(t, srv)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/sessions/"+id+"/approve", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Eventually(t, func() bool {
		rec := doJSON(t, srv, http.MethodGet, "/api/v1/sessions/"+id, nil)
		var info orchestrator.SessionInfo
		return json.Unmarshal(rec.Body.Bytes(), &info) == nil && info.Status == phase.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	// a second approval conflicts with the terminal state
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/sessions/"+id+"/approve", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRejectFlow(t *testing.T) {
	srv := newTestServer(t, nil)
	id := startToGate(t, srv)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/sessions/"+id+"/reject",
		RejectRequest{Feedback: "needs auth", RejectTo: "pm"})
	require.Equal(t, http.StatusOK, rec.Code)

	var info orchestrator.SessionInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, phase.PhasePM, info.Phase)
}

func TestRejectValidation(t *testing.T) {
	srv := newTestServer(t, nil)
	id := startToGate(t, srv)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/sessions/"+id+"/reject",
		RejectRequest{Feedback: "", RejectTo: "pm"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/api/v1/sessions/"+id+"/reject",
		RejectRequest{Feedback: "feedback", RejectTo: "engineer"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestApproveBeforeGateConflicts(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := doJSON(t, srv, http.MethodPost, "/api/v1/sessions/missing/approve", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetArtifacts(t *testing.T) {
	srv := newTestServer(t, nil)
	id := startToGate(t, srv)

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/sessions/"+id+"/artifacts", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var artifacts orchestrator.Artifacts
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &artifacts))
	assert.NotEmpty(t, artifacts.PRD)
	assert.NotEmpty(t, artifacts.TechSpec)
	assert.Empty(t, artifacts.ScaffoldScript)
}

func TestGetLogs(t *testing.T) {
	srv := newTestServer(t, nil)
	id := startToGate(t, srv)

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/sessions/"+id+"/logs?lines=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var logs LogsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &logs))
	assert.Equal(t, id, logs.SessionID)
	assert.Contains(t, logs.Logs, "pm")
}

func TestGetCheckpoints(t *testing.T) {
	srv := newTestServer(t, nil)
	id := startToGate(t, srv)

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/sessions/"+id+"/checkpoints", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var chain []checkpoint.Checkpoint
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &chain))
	// initial checkpoint plus pm and arch transitions
	assert.Len(t, chain, 3)
}

func TestExportImportEndpoints(t *testing.T) {
	srv := newTestServer(t, nil)
	id := startToGate(t, srv)

	rec := doJSON(t, srv, http.MethodGet, "/api/v1/sessions/"+id+"/export", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var exp orchestrator.SessionExport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &exp))
	require.NotNil(t, exp.Session)
	assert.Equal(t, id, exp.Session.ID)
	assert.Len(t, exp.Checkpoints, 3)

	// re-importing over the live session conflicts
	rec = doJSON(t, srv, http.MethodPost, "/api/v1/sessions/import", exp)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// a fresh deployment accepts the export
	other := newTestServer(t, nil)
	rec = doJSON(t, other, http.MethodPost, "/api/v1/sessions/import", exp)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created StartSessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, id, created.SessionID)

	rec = doJSON(t, other, http.MethodGet, "/api/v1/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var info orchestrator.SessionInfo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, phase.StatusAwaitingApproval, info.Status)
}

func TestExportNotFound(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := doJSON(t, srv, http.MethodGet, "/api/v1/sessions/missing/export", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestImportInvalidExport(t *testing.T) {
	srv := newTestServer(t, nil)
	rec := doJSON(t, srv, http.MethodPost, "/api/v1/sessions/import",
		orchestrator.SessionExport{Version: "over-9000"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNewServerValidation(t *testing.T) {
	_, err := NewServer(nil, nil, nil, zap.NewNop(), nil)
	assert.Error(t, err)
}
