package ssegw

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adjutant/adjutant/internal/bus"
	"github.com/adjutant/adjutant/internal/util/testutil"
)

func TestMapKind(t *testing.T) {
	cases := []struct {
		kind   string
		name   string
		action string
		ok     bool
	}{
		{"bead:created", "bead_update", "created", true},
		{"bead:updated", "bead_update", "updated", true},
		{"bead:closed", "bead_update", "closed", true},
		{"mail:received", "mail_received", "", true},
		{"agent:status_changed", "agent_status", "", true},
		{"power:state_changed", "power_state", "", true},
		{"mode:changed", "mode_changed", "", true},
		{"stream:status", "stream_status", "", true},
		{"session:event", "", "", false},
		{"chat:message", "", "", false},
	}
	for _, c := range cases {
		name, action, ok := mapKind(c.kind)
		assert.Equal(t, c.ok, ok, c.kind)
		assert.Equal(t, c.name, name, c.kind)
		assert.Equal(t, c.action, action, c.kind)
	}
}

type sseFrame struct {
	id    string
	event string
	data  string
}

// sseClient connects to the gateway and decodes frames from the stream.
type sseClient struct {
	cancel context.CancelFunc
	resp   *http.Response
	frames chan sseFrame
}

func connectSSE(t *testing.T, url string, lastEventID string) *sseClient {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	c := &sseClient{cancel: cancel, resp: resp, frames: make(chan sseFrame, 32)}
	t.Cleanup(func() {
		cancel()
		_ = resp.Body.Close()
	})

	go func() {
		defer close(c.frames)
		scanner := bufio.NewScanner(resp.Body)
		var cur sseFrame
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case line == "":
				c.frames <- cur
				cur = sseFrame{}
			case strings.HasPrefix(line, "id: "):
				cur.id = strings.TrimPrefix(line, "id: ")
			case strings.HasPrefix(line, "event: "):
				cur.event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				cur.data = strings.TrimPrefix(line, "data: ")
			}
		}
	}()
	return c
}

func (c *sseClient) next(t *testing.T) sseFrame {
	t.Helper()
	select {
	case f, ok := <-c.frames:
		require.True(t, ok, "stream closed")
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("no SSE frame")
		return sseFrame{}
	}
}

func TestConnectedFrame(t *testing.T) {
	b := bus.New()
	gw := New(b)
	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)

	b.Emit("bead:created", map[string]any{"id": "bd-0"}) // bump seq before connect

	c := connectSSE(t, srv.URL, "")
	hello := c.next(t)
	assert.Equal(t, "connected", hello.event)

	var payload struct {
		Seq        uint64 `json:"seq"`
		ServerTime string `json:"serverTime"`
	}
	require.NoError(t, json.Unmarshal([]byte(hello.data), &payload))
	assert.Equal(t, uint64(1), payload.Seq)
	assert.NotEmpty(t, payload.ServerTime)

	testutil.AssertEventually(t, func() bool { return gw.ClientCount() == 1 },
		"client never counted")
}

func TestEventMappingAndIDs(t *testing.T) {
	b := bus.New()
	gw := New(b)
	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)

	c := connectSSE(t, srv.URL, "")
	c.next(t) // connected

	testutil.RequireEventually(t, func() bool { return gw.ClientCount() == 1 },
		"subscription not ready")

	b.Emit("bead:updated", map[string]any{"beadId": "bd-7"})
	f := c.next(t)
	assert.Equal(t, "bead_update", f.event)
	assert.Equal(t, "1", f.id)

	var body struct {
		Action string         `json:"action"`
		Data   map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(f.data), &body))
	assert.Equal(t, "updated", body.Action)
	assert.Equal(t, "bd-7", body.Data["beadId"])

	b.Emit("agent:status_changed", map[string]any{"agentId": "a1", "status": "working"})
	f = c.next(t)
	assert.Equal(t, "agent_status", f.event)
	assert.Equal(t, "2", f.id)
	assert.Contains(t, f.data, "working")

	// Unmapped kinds never reach the stream.
	b.Emit("session:event", map[string]any{"noise": true})
	b.Emit("mail:received", map[string]any{"id": "m1"})
	f = c.next(t)
	assert.Equal(t, "mail_received", f.event)
}

func TestLastEventIDSuppression(t *testing.T) {
	b := bus.New()
	gw := New(b)
	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)

	b.Emit("bead:created", map[string]any{"id": "bd-1"}) // seq 1, before connect

	c := connectSSE(t, srv.URL, "2")
	c.next(t) // connected

	testutil.RequireEventually(t, func() bool { return gw.ClientCount() == 1 },
		"subscription not ready")

	b.Emit("bead:created", map[string]any{"id": "bd-2"}) // seq 2: suppressed
	b.Emit("bead:created", map[string]any{"id": "bd-3"}) // seq 3: delivered

	f := c.next(t)
	assert.Equal(t, "3", f.id)
	assert.Contains(t, f.data, "bd-3")
}

func TestClientCountDropsOnDisconnect(t *testing.T) {
	b := bus.New()
	gw := New(b)
	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)

	c := connectSSE(t, srv.URL, "")
	c.next(t)
	testutil.RequireEventually(t, func() bool { return gw.ClientCount() == 1 },
		"client never counted")

	c.cancel()
	testutil.AssertEventually(t, func() bool { return gw.ClientCount() == 0 },
		"client never released")
}
