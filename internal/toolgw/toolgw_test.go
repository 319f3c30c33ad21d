package toolgw

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adjutant/adjutant/internal/bus"
	"github.com/adjutant/adjutant/internal/push"
	"github.com/adjutant/adjutant/internal/session"
	"github.com/adjutant/adjutant/internal/store"
	"github.com/adjutant/adjutant/internal/util/testutil"
)

type harness struct {
	gw    *Gateway
	store *store.Store
	bus   *bus.Bus
	reg   *session.Registry
	http  *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.Migrate(db))
	st := store.New(db)

	b := bus.New()
	reg, err := session.NewRegistry(filepath.Join(t.TempDir(), "sessions.json"), b)
	require.NoError(t, err)

	gw := New(st, b, reg, push.New(""), nil)
	hs := httptest.NewServer(gw)
	t.Cleanup(hs.Close)
	return &harness{gw: gw, store: st, bus: b, reg: reg, http: hs}
}

// dial connects with the given agent identity header.
func (h *harness) dial(t *testing.T, agentID string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(h.http.URL, "http")
	hdr := http.Header{}
	if agentID != "" {
		hdr.Set("X-Agent-ID", agentID)
	}
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: hdr})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func call(t *testing.T, conn *websocket.Conn, id, tool string, args any) response {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	raw, err := json.Marshal(args)
	require.NoError(t, err)
	require.NoError(t, wsjson.Write(ctx, conn, request{ID: id, Tool: tool, Args: raw}))

	var resp response
	require.NoError(t, wsjson.Read(ctx, conn, &resp))
	return resp
}

func resultMap(t *testing.T, resp response) map[string]any {
	t.Helper()
	require.Empty(t, resp.Error)
	m, ok := resp.Result.(map[string]any)
	require.True(t, ok, "result is not an object: %#v", resp.Result)
	return m
}

func TestConnectRequiresIdentity(t *testing.T) {
	h := newHarness(t)
	resp, err := http.Get(h.http.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestConnectedAgentsTracksConnections(t *testing.T) {
	h := newHarness(t)

	conn := h.dial(t, "builder")
	call(t, conn, "1", "set_status", setStatusArgs{Status: "working", Task: "wiring tests"})

	agents := h.gw.ConnectedAgents()
	require.Len(t, agents, 1)
	assert.Equal(t, "builder", agents[0].AgentID)
	assert.NotEmpty(t, agents[0].TransportSessionID)

	state, ok := h.gw.AgentStatus("builder")
	require.True(t, ok)
	assert.Equal(t, "working", state.Status)
	assert.Equal(t, "wiring tests", state.Task)
	assert.False(t, state.UpdatedAt.IsZero())

	conn.CloseNow()
	testutil.RequireEventually(t, func() bool {
		return len(h.gw.ConnectedAgents()) == 0
	}, "agent never removed")

	_, ok = h.gw.AgentStatus("builder")
	assert.False(t, ok)
}

// The sender identity always comes from the connection binding. A caller
// claiming to be someone else in the args is ignored.
func TestSendMessageIdentityFromConnection(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "builder")

	resp := call(t, conn, "42", "send_message", map[string]any{
		"to":   "user",
		"body": "done with the build",
		"_meta": map[string]any{
			"agentId": "qa-agent",
		},
	})
	assert.Equal(t, "42", resp.ID)
	msgID, _ := resultMap(t, resp)["messageId"].(string)
	require.NotEmpty(t, msgID)

	msg, err := h.store.GetMessage(msgID)
	require.NoError(t, err)
	assert.Equal(t, "builder", msg.AgentID)
	assert.Equal(t, store.RoleAgent, msg.Role)
	assert.Equal(t, "user", msg.Recipient)
	assert.Equal(t, "done with the build", msg.Body)
}

func TestSendMessageToUserEmitsMail(t *testing.T) {
	h := newHarness(t)

	sub := h.bus.Subscribe(func(kind string) bool {
		return kind == EventMailReceived || kind == "chat:message"
	})
	defer h.bus.Unsubscribe(sub)

	conn := h.dial(t, "builder")
	call(t, conn, "1", "send_message", map[string]any{"to": "user", "body": "ping"})

	kinds := map[string]bool{}
	for len(kinds) < 2 {
		select {
		case ev := <-sub.C():
			kinds[ev.Kind] = true
		case <-time.After(5 * time.Second):
			t.Fatalf("missing bus events, got %v", kinds)
		}
	}
	assert.True(t, kinds["chat:message"])
	assert.True(t, kinds[EventMailReceived])
}

func TestSendMessageAgentToAgentSkipsMail(t *testing.T) {
	h := newHarness(t)

	sub := h.bus.Subscribe(func(kind string) bool {
		return kind == EventMailReceived || kind == "chat:message"
	})
	defer h.bus.Unsubscribe(sub)

	conn := h.dial(t, "builder")
	call(t, conn, "1", "send_message", map[string]any{"to": "reviewer", "body": "take a look"})

	select {
	case ev := <-sub.C():
		assert.Equal(t, "chat:message", ev.Kind)
	case <-time.After(5 * time.Second):
		t.Fatal("chat:message never emitted")
	}
	select {
	case ev := <-sub.C():
		t.Fatalf("unexpected extra event %q", ev.Kind)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSendMessageUnknownSession(t *testing.T) {
	h := newHarness(t)
	resp := h.gw.dispatch(context.Background(), "no-such-transport", request{
		ID:   "1",
		Tool: "send_message",
		Args: json.RawMessage(`{"to":"user","body":"hi"}`),
	})
	assert.Equal(t, "Unknown session", resp.Error)
}

func TestReadMessagesFiltersAndLimit(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "builder")

	for i := 0; i < 3; i++ {
		_, err := h.store.InsertMessage(store.InsertInput{
			Role: store.RoleAgent, AgentID: "builder", Body: "note",
		})
		require.NoError(t, err)
	}
	_, err := h.store.InsertMessage(store.InsertInput{
		Role: store.RoleAgent, AgentID: "reviewer", Body: "other",
	})
	require.NoError(t, err)

	resp := call(t, conn, "1", "read_messages", readMessagesArgs{AgentID: "builder", Limit: 2})
	msgs, ok := resultMap(t, resp)["messages"].([]any)
	require.True(t, ok)
	assert.Len(t, msgs, 2)
	for _, m := range msgs {
		assert.Equal(t, "builder", m.(map[string]any)["agentId"])
	}
}

func TestReadMessagesBadBefore(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "builder")
	resp := call(t, conn, "1", "read_messages", readMessagesArgs{Before: "not-a-time"})
	assert.NotEmpty(t, resp.Error)
}

func TestListThreads(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "builder")

	_, err := h.store.InsertMessage(store.InsertInput{
		Role: store.RoleAgent, AgentID: "builder", Recipient: "user",
		Body: "hello", ThreadID: "th-1",
	})
	require.NoError(t, err)

	resp := call(t, conn, "1", "list_threads", listThreadsArgs{})
	threads, ok := resultMap(t, resp)["threads"].([]any)
	require.True(t, ok)
	require.Len(t, threads, 1)
	assert.Equal(t, "th-1", threads[0].(map[string]any)["threadId"])
}

func TestMarkReadRequiresExactlyOneSelector(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "builder")

	resp := call(t, conn, "1", "mark_read", markReadArgs{})
	assert.Equal(t, "Either messageId or agentId is required", resp.Error)

	resp = call(t, conn, "2", "mark_read", markReadArgs{MessageID: "m1", AgentID: "builder"})
	assert.Equal(t, "Either messageId or agentId is required", resp.Error)
}

func TestMarkReadByMessageAndAgent(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "builder")

	msg, err := h.store.InsertMessage(store.InsertInput{
		Role: store.RoleAgent, AgentID: "builder", Body: "a",
		DeliveryStatus: store.StatusDelivered,
	})
	require.NoError(t, err)
	_, err = h.store.InsertMessage(store.InsertInput{
		Role: store.RoleAgent, AgentID: "builder", Body: "b",
		DeliveryStatus: store.StatusDelivered,
	})
	require.NoError(t, err)

	resp := call(t, conn, "1", "mark_read", markReadArgs{MessageID: msg.ID})
	assert.Equal(t, float64(1), resultMap(t, resp)["marked"])

	got, err := h.store.GetMessage(msg.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusRead, got.DeliveryStatus)

	resp = call(t, conn, "2", "mark_read", markReadArgs{AgentID: "builder"})
	assert.Equal(t, float64(1), resultMap(t, resp)["marked"])
}

func TestSetStatusBroadcastsAndMirrors(t *testing.T) {
	h := newHarness(t)

	s, err := h.reg.Create(session.Draft{Name: "builder", Mode: session.ModeStandalone})
	require.NoError(t, err)

	sub := h.bus.Subscribe(func(kind string) bool { return kind == EventAgentStatus })
	defer h.bus.Unsubscribe(sub)

	conn := h.dial(t, "builder")
	resp := call(t, conn, "1", "set_status", setStatusArgs{Status: "working", Task: "refactor"})
	assert.Equal(t, "working", resultMap(t, resp)["status"])
	assert.Equal(t, "refactor", resultMap(t, resp)["task"])

	select {
	case ev := <-sub.C():
		payload := ev.Payload.(map[string]any)
		assert.Equal(t, "builder", payload["agentId"])
		assert.Equal(t, "working", payload["status"])
		assert.Equal(t, "refactor", payload["task"])
	case <-time.After(5 * time.Second):
		t.Fatal("agent:status_changed never emitted")
	}

	got, ok := h.reg.Get(s.ID)
	require.True(t, ok)
	assert.Equal(t, session.StatusWorking, got.Status)

	// Free-form statuses broadcast but never touch the registry.
	call(t, conn, "2", "set_status", setStatusArgs{Status: "reviewing PR"})
	got, ok = h.reg.Get(s.ID)
	require.True(t, ok)
	assert.Equal(t, session.StatusWorking, got.Status)
}

func TestUnknownTool(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "builder")
	resp := call(t, conn, "9", "frobnicate", map[string]any{})
	assert.Equal(t, "9", resp.ID)
	assert.Equal(t, "unknown_type", resp.Error)
}
