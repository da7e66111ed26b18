package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"manimate/common"
	"manimate/config"
	"manimate/store"
	"manimate/types"
)

func executeCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	root := newRootCmd()
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func TestRootListsCommands(t *testing.T) {
	stdout, _, err := executeCLI(t, "--help")
	require.NoError(t, err)
	for _, name := range []string{"serve", "submit", "watch"} {
		assert.Contains(t, stdout, name)
	}
}

func TestSubmitCommand(t *testing.T) {
	var got map[string]string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/submit", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
		fmt.Fprint(w, `{"success":true,"tokens":["t1"],"chatID":"c1"}`)
	}))
	defer ts.Close()

	stdout, _, err := executeCLI(t, "submit", "--server", ts.URL, "--chat", "c1", "--uid", "u1", "black", "holes")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"text": "black holes", "uid": "u1", "chatID": "c1", "mode": "async"}, got)
	assert.Contains(t, stdout, `"chatID": "c1"`)
}

func TestSubmitCommand_GeneratesChatID(t *testing.T) {
	var got map[string]string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		fmt.Fprint(w, `{"success":true}`)
	}))
	defer ts.Close()

	_, _, err := executeCLI(t, "submit", "--server", ts.URL, "--mode", "sync", "optics")
	require.NoError(t, err)
	assert.Len(t, got["chatID"], 36)
	assert.Equal(t, "sync", got["mode"])
}

func TestSubmitCommand_ErrorStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		fmt.Fprint(w, `{"success":false,"message":"Generation already running for this chat"}`)
	}))
	defer ts.Close()

	stdout, _, err := executeCLI(t, "submit", "--server", ts.URL, "--chat", "c1", "optics")
	assert.EqualError(t, err, "server returned 409")
	assert.Contains(t, stdout, "already running")
}

func TestWatchCommand_RequiresChatOrTopic(t *testing.T) {
	_, _, err := executeCLI(t, "watch", "--server", "http://localhost:0")
	assert.EqualError(t, err, "--chat is required when no --topic is given")
}

// fakeGenerationService issues two tokens; t1 is ready at once, t2 after a few polls
func fakeGenerationService(t *testing.T) *httptest.Server {
	t.Helper()
	var polls atomic.Int32
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/generate_scripts":
			var cfg types.GenerationConfig
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&cfg))
			assert.Equal(t, "gravity", cfg.Topic)
			assert.Equal(t, "high", cfg.Quality)
			fmt.Fprint(w, `{"topic":"gravity","tokens":["t1","t2"],"count":2}`)
		case r.URL.Path == "/api/script/t1":
			fmt.Fprint(w, `{"title":"Falling","scenes":[{"seq":1,"text":"drop","anim":"fade"}]}`)
		case r.URL.Path == "/api/script/t2":
			if polls.Add(1) < 3 {
				http.NotFound(w, r)
				return
			}
			fmt.Fprint(w, `{"title":"Orbits","scenes":[{"seq":1,"text":"circle","anim":"spin"}]}`)
		default:
			http.NotFound(w, r)
		}
	}))
}

func testConfig(generatorURL string) *config.Config {
	return &config.Config{
		Port:            "0",
		GeneratorURL:    generatorURL,
		RequestTimeout:  time.Second,
		Generation:      types.GenerationConfig{Quality: "high", Voice: "Kore"},
		PollInterval:    time.Millisecond,
		PollMaxTicks:    50,
		PollParallelism: 2,
		SubmitMode:      "sync",
		StoreBackend:    config.StoreMemory,
		StoreTimeout:    time.Second,
	}
}

func TestWireApp_SyncSubmissionEndToEnd(t *testing.T) {
	gin.SetMode(gin.TestMode)
	gen := fakeGenerationService(t)
	defer gen.Close()

	a, err := wireApp(context.Background(), testConfig(gen.URL), common.NewNopLogger())
	require.NoError(t, err)
	defer func() { _ = a.shutdown(context.Background()) }()
	assert.Nil(t, a.consumer)

	req := httptest.NewRequest(http.MethodPost, "/submit", strings.NewReader(`{"text":"gravity","uid":"u1","chatID":"c1"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	a.server.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var body struct {
		Success bool            `json:"success"`
		Tokens  []string        `json:"tokens"`
		Scripts []*types.Script `json:"scripts"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.Equal(t, []string{"t1", "t2"}, body.Tokens)
	require.Len(t, body.Scripts, 2)
	assert.Equal(t, "Orbits", body.Scripts[1].Title)

	sess, err := a.store.Get(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, types.SessionComplete, sess.Status)
	assert.Equal(t, 2, sess.Completed())
	_, isMemory := a.store.(*store.MemoryStore)
	assert.True(t, isMemory)
}

func TestWireApp_BadRedisFails(t *testing.T) {
	cfg := testConfig("http://localhost:0")
	cfg.StoreBackend = config.StoreRedis
	cfg.RedisAddr = "127.0.0.1:1"

	_, err := wireApp(context.Background(), cfg, common.NewNopLogger())
	assert.ErrorContains(t, err, "redis store")
}
