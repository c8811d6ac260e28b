package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/rankpilot/internal/agent"
	"github.com/stellarlinkco/rankpilot/internal/intel"
	"github.com/stellarlinkco/rankpilot/internal/notify"
	"github.com/stellarlinkco/rankpilot/internal/orchestrator"
	"github.com/stellarlinkco/rankpilot/internal/store"
)

var epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fakeController struct {
	emergency   orchestrator.Emergency
	triggered   []string
	summaryErr  error
	coordinated int
}

func (f *fakeController) Statuses() []agent.Status {
	return []agent.Status{{ID: agent.IDContent, Name: "Content", State: agent.StateRunning}}
}

func (f *fakeController) EmergencyState() orchestrator.Emergency { return f.emergency }

func (f *fakeController) GenerateExecutiveSummary(context.Context) (string, error) {
	return "Executive summary\nState: normal", f.summaryErr
}

func (f *fakeController) TriggerEmergencyResponse(_ context.Context, situation string) (intel.Opportunity, error) {
	sit, err := orchestrator.ParseSituation(situation)
	if err != nil {
		return intel.Opportunity{}, err
	}
	f.triggered = append(f.triggered, string(sit))
	f.emergency = orchestrator.Emergency{Phase: orchestrator.PhaseEmergency, Situation: sit, Since: epoch}
	o := intel.NewOpportunity(orchestrator.ID, intel.TierHigh, 10, "directive:"+string(sit), "Emergency",
		intel.SynergyDetail{Action: intel.ActionDirective, Situation: string(sit)}, epoch)
	o.Assignees = []string{agent.IDContent}
	return o, nil
}

func (f *fakeController) BeginRecovery() error {
	if f.emergency.Phase != orchestrator.PhaseEmergency {
		return orchestrator.ErrNotInEmergency
	}
	f.emergency.Phase = orchestrator.PhaseRecovering
	return nil
}

func (f *fakeController) Coordinate(context.Context) (orchestrator.Coordination, error) {
	f.coordinated++
	return orchestrator.Coordination{Shared: 3, Snapshot: store.PerformanceSnapshot{ID: "snap-1", TakenAt: epoch}}, nil
}

func newServer(t *testing.T) (*Server, *fakeController, *store.Memory) {
	t.Helper()
	ctrl := &fakeController{emergency: orchestrator.Emergency{Phase: orchestrator.PhaseNormal}}
	s := store.NewMemory()
	return New(ctrl, s, Options{Logger: log.New(io.Discard, "", 0)}), ctrl, s
}

func do(t *testing.T, srv *Server, method, path, body string) (*httptest.ResponseRecorder, map[string]json.RawMessage) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	var out map[string]json.RawMessage
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w, out
}

func TestStatus(t *testing.T) {
	srv, _, _ := newServer(t)
	w, body := do(t, srv, http.MethodGet, "/v1/status", "")
	require.Equal(t, http.StatusOK, w.Code)

	var agents []agent.Status
	require.NoError(t, json.Unmarshal(body["agents"], &agents))
	require.Len(t, agents, 1)
	assert.Equal(t, agent.StateRunning, agents[0].State)
	assert.JSONEq(t, `{"phase":"normal","since":"0001-01-01T00:00:00Z"}`, string(body["emergency"]))
}

func TestSummary(t *testing.T) {
	srv, ctrl, _ := newServer(t)
	w, body := do(t, srv, http.MethodGet, "/v1/summary", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `"Executive summary\nState: normal"`, string(body["summary"]))

	ctrl.summaryErr = errors.New("store closed")
	w, _ = do(t, srv, http.MethodGet, "/v1/summary", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestEmergencyAndRecovery(t *testing.T) {
	srv, ctrl, _ := newServer(t)

	w, _ := do(t, srv, http.MethodPost, "/v1/recover", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w, _ = do(t, srv, http.MethodPost, "/v1/emergency", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = do(t, srv, http.MethodPost, "/v1/emergency", `{"situation":"meteor"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body := do(t, srv, http.MethodPost, "/v1/emergency", `{"situation":"Negative-Review-Spike"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{"negative_review_spike"}, ctrl.triggered)
	var directive intel.Opportunity
	require.NoError(t, json.Unmarshal(body["directive"], &directive))
	assert.Equal(t, intel.ActionDirective, directive.Action())
	assert.Equal(t, []string{agent.IDContent}, directive.Assignees)

	w, body = do(t, srv, http.MethodPost, "/v1/recover", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, string(body["emergency"]), `"phase":"recovering"`)
}

func TestCoordinate(t *testing.T) {
	srv, ctrl, _ := newServer(t)
	w, body := do(t, srv, http.MethodPost, "/v1/coordinate", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, ctrl.coordinated)
	var res orchestrator.Coordination
	require.NoError(t, json.Unmarshal(body["result"], &res))
	assert.Equal(t, 3, res.Shared)
	assert.Equal(t, "snap-1", res.Snapshot.ID)
}

func TestOpportunities(t *testing.T) {
	srv, _, s := newServer(t)
	ctx := context.Background()
	gap := intel.NewOpportunity(agent.IDCompetitor, intel.TierMedium, 5, "gap:dog bites", "Dog bites", intel.ContentGapDetail{Topic: "dog bites"}, epoch)
	gap.Assignees = []string{agent.IDContent}
	kw := intel.NewOpportunity(agent.IDCompetitor, intel.TierHigh, 8, "kw:dui", "DUI", intel.KeywordDetail{Keyword: "dui"}, epoch.Add(time.Minute))
	kw.Assignees = []string{agent.IDContent, agent.IDListing}
	kw.Status = intel.StatusExecuted
	for _, o := range []intel.Opportunity{gap, kw} {
		_, err := s.InsertOpportunity(ctx, o)
		require.NoError(t, err)
	}

	list := func(path string) []intel.Opportunity {
		w, body := do(t, srv, http.MethodGet, path, "")
		require.Equal(t, http.StatusOK, w.Code, path)
		var opps []intel.Opportunity
		require.NoError(t, json.Unmarshal(body["opportunities"], &opps))
		return opps
	}
	assert.Len(t, list("/v1/opportunities"), 2)
	open := list("/v1/opportunities?status=identified,dispatched")
	require.Len(t, open, 1)
	assert.Equal(t, gap.ID, open[0].ID)
	assert.Len(t, list("/v1/opportunities?assignee=listing"), 1)
	assert.Len(t, list("/v1/opportunities?kind=content-gap"), 1)
	assert.Len(t, list("/v1/opportunities?limit=1"), 1)
	assert.Empty(t, list("/v1/opportunities?since=2026-03-03T00:00:00Z"))

	w, _ := do(t, srv, http.MethodGet, "/v1/opportunities?limit=-2", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w, _ = do(t, srv, http.MethodGet, "/v1/opportunities?since=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSnapshotsAndExecutions(t *testing.T) {
	srv, _, s := newServer(t)
	ctx := context.Background()
	require.NoError(t, s.AppendSnapshot(ctx, store.PerformanceSnapshot{ID: "s1", TakenAt: epoch, KPIs: map[store.KPI]float64{store.KPIFollowers: 10}}))
	require.NoError(t, s.AppendExecution(ctx, store.ExecutionLog{ID: "e1", Agent: agent.IDContent, Job: "content-cycle", StartedAt: epoch, Success: true}))
	require.NoError(t, s.AppendExecution(ctx, store.ExecutionLog{ID: "e2", Agent: agent.IDSocial, Job: "social-viral", StartedAt: epoch}))

	w, body := do(t, srv, http.MethodGet, "/v1/snapshots", "")
	require.Equal(t, http.StatusOK, w.Code)
	var snaps []store.PerformanceSnapshot
	require.NoError(t, json.Unmarshal(body["snapshots"], &snaps))
	require.Len(t, snaps, 1)
	assert.Equal(t, 10.0, snaps[0].KPIs[store.KPIFollowers])

	w, body = do(t, srv, http.MethodGet, "/v1/executions?agent=social", "")
	require.Equal(t, http.StatusOK, w.Code)
	var logs []store.ExecutionLog
	require.NoError(t, json.Unmarshal(body["executions"], &logs))
	require.Len(t, logs, 1)
	assert.Equal(t, "e2", logs[0].ID)
}

func TestCORS(t *testing.T) {
	srv := New(&fakeController{}, store.NewMemory(), Options{AllowOrigins: []string{"http://localhost:3000"}, Logger: log.New(io.Discard, "", 0)})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRequestsAreLogged(t *testing.T) {
	var buf bytes.Buffer
	srv := New(&fakeController{}, store.NewMemory(), Options{Logger: log.New(&buf, "", 0)})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	srv.Handler().ServeHTTP(httptest.NewRecorder(), req)
	assert.Contains(t, buf.String(), "[api] GET /healthz 200")
}

func TestAlerts(t *testing.T) {
	rec := notify.NewRecorder(10)
	require.NoError(t, rec.Alert(context.Background(), notify.SeverityCritical, "ranking drop"))
	srv := New(&fakeController{}, store.NewMemory(), Options{Alerts: rec, Logger: log.New(io.Discard, "", 0)})

	w, body := do(t, srv, http.MethodGet, "/v1/alerts", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[{"severity":"critical","message":"ranking drop"}]`, string(body["alerts"]))

	srv, _, _ = newServer(t)
	w, body = do(t, srv, http.MethodGet, "/v1/alerts", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, string(body["alerts"]))
}
