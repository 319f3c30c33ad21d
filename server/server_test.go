package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adjutant/adjutant/internal/session"
	"github.com/adjutant/adjutant/internal/tmux"
)

// fakeBd writes a shell script that stands in for the bd binary.
func fakeBd(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bd")
	script := "#!/bin/sh\n" + body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func newTestServer(t *testing.T, mutate func(*Config)) (*Server, *httptest.Server) {
	t.Helper()
	cfg := Config{
		Addr:    ":0",
		DataDir: t.TempDir(),
		BdBin:   fakeBd(t, `echo '{"ok":true}'`),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, err := NewServer(cfg)
	require.NoError(t, err)
	t.Cleanup(srv.closeAll)

	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	return srv, hs
}

func get(t *testing.T, url string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp, body
}

func post(t *testing.T, url string, payload any) (*http.Response, map[string]any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp, body
}

func TestConfigValidate(t *testing.T) {
	c := Config{DataDir: t.TempDir()}
	assert.Error(t, c.Validate(), "addr is required")

	c = Config{Addr: ":0", DataDir: filepath.Join(t.TempDir(), "nested", "dir")}
	require.NoError(t, c.Validate())
	info, err := os.Stat(c.LogDir())
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestEmptyListings(t *testing.T) {
	_, hs := newTestServer(t, nil)

	resp, body := get(t, hs.URL+"/api/sessions")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body["sessions"])

	resp, body = get(t, hs.URL+"/api/messages")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body["messages"])

	resp, body = get(t, hs.URL+"/api/agents")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body["agents"])
}

func TestSessionNotFoundMapping(t *testing.T) {
	_, hs := newTestServer(t, nil)

	resp, body := get(t, hs.URL+"/api/sessions/nope")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", body["code"])

	resp, body = post(t, hs.URL+"/api/sessions/nope/input", map[string]any{"text": "hi"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", body["code"])
}

func TestCreateSessionValidation(t *testing.T) {
	_, hs := newTestServer(t, nil)

	resp, body := post(t, hs.URL+"/api/sessions", map[string]any{"name": ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "bad_request", body["code"])
}

func TestBdPassthroughEmitsBeadEvent(t *testing.T) {
	srv, hs := newTestServer(t, nil)

	sub := srv.Bus().Subscribe(func(kind string) bool {
		return strings.HasPrefix(kind, "bead:")
	})
	defer srv.Bus().Unsubscribe(sub)

	resp, body := post(t, hs.URL+"/api/bd", map[string]any{
		"args": []string{"create", "fix the flaky test"},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])

	select {
	case ev := <-sub.C():
		assert.Equal(t, "bead:created", ev.Kind)
	case <-time.After(5 * time.Second):
		t.Fatal("bead:created never emitted")
	}

	// Read-only verbs stay off the bus.
	resp, _ = post(t, hs.URL+"/api/bd", map[string]any{"args": []string{"list"}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	select {
	case ev := <-sub.C():
		t.Fatalf("unexpected bus event %q", ev.Kind)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestBdRequiresArgs(t *testing.T) {
	_, hs := newTestServer(t, nil)
	resp, body := post(t, hs.URL+"/api/bd", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "bad_request", body["code"])
}

func TestAgentsReflectToolGateway(t *testing.T) {
	_, hs := newTestServer(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws/agent"
	hdr := http.Header{}
	hdr.Set("X-Agent-ID", "builder")
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: hdr})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })

	// set_status both proves the RPC loop and seeds the reported state.
	require.NoError(t, wsjson.Write(ctx, conn, map[string]any{
		"id": "1", "tool": "set_status",
		"args": map[string]any{"status": "working", "task": "reviewing diff"},
	}))
	var rpc map[string]any
	require.NoError(t, wsjson.Read(ctx, conn, &rpc))
	require.Empty(t, rpc["error"])

	resp, body := get(t, hs.URL+"/api/agents")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	agents, ok := body["agents"].([]any)
	require.True(t, ok)
	require.Len(t, agents, 1)
	a := agents[0].(map[string]any)
	assert.Equal(t, "builder", a["agentId"])
	assert.Equal(t, true, a["connected"])
	assert.Equal(t, "working", a["reportedState"])
	assert.Equal(t, "reviewing diff", a["reportedTask"])
}

func TestMetricsEndpoint(t *testing.T) {
	_, hs := newTestServer(t, nil)
	resp, err := http.Get(hs.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMessagesQueryValidation(t *testing.T) {
	_, hs := newTestServer(t, nil)

	resp, body := get(t, hs.URL+"/api/messages?limit=banana")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "bad_request", body["code"])

	resp, body = get(t, hs.URL+"/api/messages?before=yesterday")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "bad_request", body["code"])
}

// liveMuxRunner fakes a tmux server with one managed session running.
type liveMuxRunner struct{}

func (liveMuxRunner) Run(_ context.Context, args ...string) (tmux.Result, error) {
	switch args[0] {
	case "list-sessions":
		return tmux.Result{Stdout: "adj-x\n"}, nil
	case "has-session":
		return tmux.Result{ExitCode: 0}, nil
	case "list-panes":
		return tmux.Result{Stdout: "adj-x:0.0\n"}, nil
	default:
		return tmux.Result{}, nil
	}
}

func TestRecoverKeepsLiveSessions(t *testing.T) {
	cfg := Config{
		Addr:    ":0",
		DataDir: t.TempDir(),
		BdBin:   fakeBd(t, `echo '{}'`),
	}
	srv, err := newServer(cfg, tmux.NewWithRunner(liveMuxRunner{}))
	require.NoError(t, err)
	t.Cleanup(srv.closeAll)

	sessions := srv.manager.Registry().GetAll()
	require.Len(t, sessions, 1)
	assert.Equal(t, "adj-x", sessions[0].MuxSession)
	assert.Equal(t, session.StatusIdle, sessions[0].Status)
}
