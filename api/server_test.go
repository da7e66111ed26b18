package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"manimate/generator"
	"manimate/notify"
	"manimate/poller"
	"manimate/push"
	"manimate/session"
	"manimate/storage"
	"manimate/store"
	"manimate/types"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeSessions struct {
	mu        sync.Mutex
	requests  []session.Request
	outcome   *session.Outcome
	err       error
	cancelErr error
	cancelled []string
	info      map[string]session.RunInfo
	pruned    int
}

func (f *fakeSessions) Submit(_ context.Context, req session.Request) (*session.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return f.outcome, nil
}

func (f *fakeSessions) Cancel(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	return f.cancelErr
}

func (f *fakeSessions) Lookup(id string) (session.RunInfo, bool) {
	info, ok := f.info[id]
	return info, ok
}

func (f *fakeSessions) Active() []session.RunInfo {
	out := make([]session.RunInfo, 0, len(f.info))
	for _, info := range f.info {
		out = append(out, info)
	}
	return out
}

func (f *fakeSessions) PruneFinished(time.Duration) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pruned++
	return 0
}

type fakeGenerator struct {
	updated   json.RawMessage
	renderCfg types.GenerationConfig
	err       error
}

func (f *fakeGenerator) UpdateScript(_ context.Context, token string, script json.RawMessage) (*generator.ScriptUpdate, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.updated = script
	return &generator.ScriptUpdate{Token: token, Script: script}, nil
}

func (f *fakeGenerator) StartRender(_ context.Context, token string, cfg types.GenerationConfig) (*generator.RenderJob, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.renderCfg = cfg
	return &generator.RenderJob{JobID: "job-" + token, Status: "queued", Token: token}, nil
}

func (f *fakeGenerator) JobStatus(_ context.Context, jobID string) (json.RawMessage, error) {
	if f.err != nil {
		return nil, f.err
	}
	return json.RawMessage(`{"job_id":"` + jobID + `","progress":40}`), nil
}

func (f *fakeGenerator) ListJobs(_ context.Context, limit int) (*generator.JobList, error) {
	if f.err != nil {
		return nil, f.err
	}
	jobs := []json.RawMessage{json.RawMessage(`{"job_id":"a"}`)}
	return &generator.JobList{Jobs: jobs, Total: limit}, nil
}

func (f *fakeGenerator) DeleteJob(_ context.Context, jobID string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "deleted " + jobID, nil
}

type fakeArchive struct {
	sessions map[string]*types.Session
}

func (f fakeArchive) Load(_ context.Context, id string) (*types.Session, error) {
	if s, ok := f.sessions[id]; ok {
		return s, nil
	}
	return nil, storage.ErrNotArchived
}

type harness struct {
	server     *Server
	sessions   *fakeSessions
	gen        *fakeGenerator
	store      *store.MemoryStore
	registry   *push.Registry
	dispatcher *notify.Dispatcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		sessions: &fakeSessions{info: map[string]session.RunInfo{}},
		gen:      &fakeGenerator{},
		store:    store.NewMemoryStore(),
		registry: push.NewRegistry(nil),
	}
	h.dispatcher = notify.NewDispatcher(h.registry, nil)
	h.server = NewServer(Deps{
		Sessions:   h.sessions,
		Generator:  h.gen,
		Store:      h.store,
		Registry:   h.registry,
		Dispatcher: h.dispatcher,
		Generation: types.GenerationConfig{Quality: "high", Voice: "Kore"},
		KeepAlive:  time.Hour,
	}, "0")
	return h
}

func (h *harness) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(w, req)

	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return w.Code, out
}

func script(title string) *types.Script {
	return &types.Script{Title: title, Scenes: []types.Scene{{Seq: 1, Text: title}}}
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	for _, path := range []string{"/health", "/api/health"} {
		code, body := h.do(t, http.MethodGet, path, "")
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "ok", body["status"])
	}
}

func TestSubmit_SyncComplete(t *testing.T) {
	h := newHarness(t)
	h.sessions.outcome = &session.Outcome{
		SessionID:   "c1",
		Mode:        session.ModeSync,
		Tokens:      []string{"t1", "t2"},
		Scripts:     []*types.Script{script("a"), script("b")},
		ReadyTokens: []string{"t1", "t2"},
		Complete:    true,
		Completed:   2,
		Requested:   2,
	}

	code, body := h.do(t, http.MethodPost, "/submit", `{"text":"gravity","uid":"u1","chatID":"c1"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "All scripts generated successfully", body["message"])
	assert.Equal(t, []any{"t1", "t2"}, body["tokens"])
	assert.Len(t, body["scripts"], 2)
	assert.EqualValues(t, 2, body["completed"])
	assert.EqualValues(t, 2, body["requested"])

	require.Len(t, h.sessions.requests, 1)
	assert.Equal(t, session.Request{OwnerID: "u1", Topic: "gravity", SessionID: "c1"}, h.sessions.requests[0])
}

func TestSubmit_SyncPartialIsCompacted(t *testing.T) {
	h := newHarness(t)
	h.sessions.outcome = &session.Outcome{
		SessionID:   "c1",
		Mode:        session.ModeSync,
		Tokens:      []string{"t1", "t2", "t3"},
		Scripts:     []*types.Script{nil, script("b"), nil},
		ReadyTokens: []string{"", "t2", ""},
		Completed:   1,
		Requested:   3,
	}

	code, body := h.do(t, http.MethodPost, "/submit", `{"text":"gravity","uid":"u1","chatID":"c1"}`)
	assert.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "Timeout: Not all scripts were generated in time", body["message"])
	assert.Equal(t, []any{"t2"}, body["tokens"])
	assert.Len(t, body["scripts"], 1)

	slots, ok := body["slots"].([]any)
	require.True(t, ok)
	require.Len(t, slots, 3)
	first := slots[0].(map[string]any)
	assert.Equal(t, "t1", first["token"])
	assert.Equal(t, false, first["ready"])
	assert.Nil(t, first["script"])
	second := slots[1].(map[string]any)
	assert.Equal(t, true, second["ready"])
}

func TestSubmit_Async(t *testing.T) {
	h := newHarness(t)
	h.sessions.outcome = &session.Outcome{
		SessionID: "c1",
		Mode:      session.ModeAsync,
		Tokens:    []string{"t1", "t2"},
		Requested: 2,
	}

	code, body := h.do(t, http.MethodPost, "/submit?mode=async", `{"text":"gravity","uid":"u1","chatID":"c1"}`)
	assert.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, []any{"t1", "t2"}, body["tokens"])
	assert.Equal(t, "c1", body["chatID"])
	assert.Equal(t, session.ModeAsync, h.sessions.requests[0].Mode)
}

func TestSubmit_Errors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		err     error
		code    int
		message string
	}{
		{"malformed body", `{`, nil, http.StatusBadRequest, "Text, UID, and ChatID are required"},
		{"unknown mode", `{"text":"x","uid":"u","chatID":"c","mode":"later"}`, nil, http.StatusBadRequest, "Unknown submission mode"},
		{"missing fields", `{"text":"x"}`, session.ErrInvalidRequest, http.StatusBadRequest, "Text, UID, and ChatID are required"},
		{"owner mismatch", `{"text":"x","uid":"u","chatID":"c"}`, store.ErrOwnerMismatch, http.StatusForbidden, "ChatID belongs to another user"},
		{"already running", `{"text":"x","uid":"u","chatID":"c"}`, session.ErrAlreadyRunning, http.StatusConflict, "Generation already running for this chat"},
		{"rejected", `{"text":"x","uid":"u","chatID":"c"}`, session.ErrSubmissionRejected, http.StatusBadGateway, "Script generation service rejected the request"},
		{"unexpected", `{"text":"x","uid":"u","chatID":"c"}`, errors.New("boom"), http.StatusInternalServerError, "Internal server error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.sessions.err = tt.err

			code, body := h.do(t, http.MethodPost, "/submit", tt.body)
			assert.Equal(t, tt.code, code)
			assert.Equal(t, false, body["success"])
			assert.Equal(t, tt.message, body["message"])
		})
	}
}

func TestUpdateScript(t *testing.T) {
	h := newHarness(t)

	code, body := h.do(t, http.MethodPost, "/update_script/t1", `{"chatID":"c1"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Script data and ChatID are required", body["message"])

	code, body = h.do(t, http.MethodPost, "/update_script/t1", `{"chatID":"c1","script":{"title":"edited"}}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Script updated successfully", body["message"])
	assert.Equal(t, "t1", body["token"])
	assert.Equal(t, map[string]any{"title": "edited"}, body["script"])
	assert.JSONEq(t, `{"title":"edited"}`, string(h.gen.updated))

	h.gen.err = errors.New("down")
	code, body = h.do(t, http.MethodPost, "/update_script/t1", `{"chatID":"c1","script":{"title":"edited"}}`)
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "Error updating script", body["message"])
}

func TestConfirmScript(t *testing.T) {
	h := newHarness(t)

	code, body := h.do(t, http.MethodPost, "/confirm_script/t1", `{}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "ChatID is required", body["message"])

	code, body = h.do(t, http.MethodPost, "/confirm_script/t1", `{"chatID":"c1"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "job-t1", body["job_id"])
	assert.Equal(t, "queued", body["status"])
	assert.Equal(t, "c1", body["chatID"])
	assert.Equal(t, "Generated Video", h.gen.renderCfg.Topic)
	assert.Equal(t, "Kore", h.gen.renderCfg.Voice)

	code, _ = h.do(t, http.MethodPost, "/confirm_script/t1", `{"chatID":"c1","config":{"topic":"custom","quality":"low"}}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "custom", h.gen.renderCfg.Topic)
	assert.Equal(t, "low", h.gen.renderCfg.Quality)
}

func TestJobs(t *testing.T) {
	h := newHarness(t)

	code, body := h.do(t, http.MethodGet, "/generation_status/j1", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, map[string]any{"job_id": "j1", "progress": float64(40)}, body["job_status"])

	code, body = h.do(t, http.MethodGet, "/generation_jobs?limit=5", "")
	assert.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 5, body["total"])
	assert.Len(t, body["jobs"], 1)

	code, body = h.do(t, http.MethodGet, "/generation_jobs?limit=abc", "")
	assert.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 50, body["total"])

	code, body = h.do(t, http.MethodDelete, "/generation_job/j1", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "deleted j1", body["message"])
}

func TestJobs_NotFound(t *testing.T) {
	h := newHarness(t)
	h.gen.err = &generator.StatusError{StatusCode: http.StatusNotFound}

	code, body := h.do(t, http.MethodGet, "/generation_status/j1", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "Job not found", body["message"])

	code, _ = h.do(t, http.MethodDelete, "/generation_job/j1", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, body = h.do(t, http.MethodGet, "/generation_jobs", "")
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "Error fetching generation jobs", body["message"])
}

func TestGetSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess := types.NewSession("c1", "u1", "gravity", []string{"t1", "t2"}, time.Now())
	require.NoError(t, h.store.Create(ctx, sess))
	require.NoError(t, h.store.UpsertProgress(ctx, "c1", []*types.Script{nil, script("b")}, []string{"", "t2"}))
	h.sessions.info["c1"] = session.RunInfo{SessionID: "c1", Running: true, Tokens: 2, Ready: 1}

	code, body := h.do(t, http.MethodGet, "/sessions/c1", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "store", body["source"])
	assert.EqualValues(t, 1, body["completed"])
	assert.EqualValues(t, 2, body["requested"])
	assert.Equal(t, []any{"t2"}, body["tokens"])
	run, ok := body["run"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, run["running"])

	code, body = h.do(t, http.MethodGet, "/sessions/missing", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "Session not found", body["message"])
}

func TestGetSession_FallsBackToArchive(t *testing.T) {
	h := newHarness(t)
	archived := types.NewSession("old", "u1", "optics", []string{"t1"}, time.Now())
	archived.Scripts[0] = script("a")
	archived.ReadyTokens[0] = "t1"
	archived.Status = types.SessionComplete
	h.server.deps.Archive = fakeArchive{sessions: map[string]*types.Session{"old": archived}}

	code, body := h.do(t, http.MethodGet, "/sessions/old", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "archive", body["source"])
	assert.Nil(t, body["run"])

	code, _ = h.do(t, http.MethodGet, "/sessions/never", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestCancelRun(t *testing.T) {
	h := newHarness(t)

	code, body := h.do(t, http.MethodDelete, "/sessions/c1/run", "")
	assert.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, []string{"c1"}, h.sessions.cancelled)

	h.sessions.cancelErr = session.ErrNotRunning
	code, _ = h.do(t, http.MethodDelete, "/sessions/c1/run", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestStatus(t *testing.T) {
	h := newHarness(t)
	h.sessions.info["c1"] = session.RunInfo{SessionID: "c1", Running: true}
	h.registry.Register("c1", push.NewStreamChannel(1))

	code, body := h.do(t, http.MethodGet, "/api/status", "")
	assert.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["channels"])
	assert.Len(t, body["active"], 1)
}

func TestStartCron(t *testing.T) {
	h := newHarness(t)
	assert.Error(t, h.server.StartCron("not a schedule", time.Hour))
	require.NoError(t, h.server.StartCron("@every 1h", time.Hour))
	require.NoError(t, h.server.Shutdown(context.Background()))
}

// readEvent returns the JSON payload of the next data frame, skipping comments
func readEvent(t *testing.T, r *bufio.Reader) types.Event {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\r\n")
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		var ev types.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &ev))
		return ev
	}
}

func TestEvents_StreamsUntilClientLeaves(t *testing.T) {
	h := newHarness(t)
	ts := httptest.NewServer(h.server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events/c1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	r := bufio.NewReader(resp.Body)
	ev := readEvent(t, r)
	assert.Equal(t, types.EventConnected, ev.Type)
	assert.Equal(t, "Connected to script updates", ev.Message)
	assert.True(t, h.registry.Has("c1"))

	h.dispatcher.ScriptReady(context.Background(), "c1", poller.Progress{
		Index: 1, Token: "t2", Script: script("b"), Total: 3,
	})
	ev = readEvent(t, r)
	assert.Equal(t, types.EventScriptReady, ev.Type)
	assert.Equal(t, "t2", ev.ReadyToken)
	assert.Equal(t, 2, ev.ScriptIndex)
	assert.Equal(t, 3, ev.TotalScripts)

	cancel()
	assert.Eventually(t, func() bool { return !h.registry.Has("c1") }, time.Second, 5*time.Millisecond)
}

func TestEvents_KeepAlive(t *testing.T) {
	h := newHarness(t)
	h.server.deps.KeepAlive = 5 * time.Millisecond
	ts := httptest.NewServer(h.server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/events/c1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	r := bufio.NewReader(resp.Body)
	readEvent(t, r)
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, ": keepalive") {
			return
		}
	}
}

func TestEvents_ReplacedStreamIsClosed(t *testing.T) {
	h := newHarness(t)
	h.server.deps.KeepAlive = 5 * time.Millisecond
	ts := httptest.NewServer(h.server.Handler())
	defer ts.Close()

	open := func() (*http.Response, *bufio.Reader) {
		resp, err := http.Get(ts.URL + "/events/c1")
		require.NoError(t, err)
		r := bufio.NewReader(resp.Body)
		assert.Equal(t, types.EventConnected, readEvent(t, r).Type)
		return resp, r
	}

	oldResp, oldReader := open()
	defer oldResp.Body.Close()
	newResp, _ := open()
	defer newResp.Body.Close()

	_, err := io.ReadAll(oldReader)
	assert.NoError(t, err, "old stream ends cleanly once replaced")
	assert.True(t, h.registry.Has("c1"))
}
