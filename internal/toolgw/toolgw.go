// Package toolgw is the agent-facing tool-RPC endpoint (/ws/agent). Each
// WebSocket connection is one transport session bound to exactly one agent
// identity resolved by the server at connect time; tool calls never trust a
// caller-supplied identity.
package toolgw

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/adjutant/adjutant/internal/bus"
	"github.com/adjutant/adjutant/internal/chatws"
	"github.com/adjutant/adjutant/internal/id"
	"github.com/adjutant/adjutant/internal/metrics"
	"github.com/adjutant/adjutant/internal/push"
	"github.com/adjutant/adjutant/internal/session"
	"github.com/adjutant/adjutant/internal/store"
	"github.com/adjutant/adjutant/internal/util/timefmt"
)

// Bus kinds emitted by the gateway.
const (
	EventMailReceived = "mail:received"
	EventAgentStatus  = "agent:status_changed"
)

// Error strings on the wire.
const (
	errUnknownSession = "Unknown session"
	errMarkReadArgs   = "Either messageId or agentId is required"
	errUnknownTool    = "unknown_type"
)

// ConnectedAgent is one live transport session.
type ConnectedAgent struct {
	AgentID            string    `json:"agentId"`
	TransportSessionID string    `json:"transportSessionId"`
	ConnectedAt        time.Time `json:"connectedAt"`
}

// agentTable is the process-wide connected-agent set, O(1) in both
// directions.
type agentTable struct {
	mu        sync.RWMutex
	bySession map[string]*ConnectedAgent
	byAgent   map[string]*ConnectedAgent
}

func newAgentTable() *agentTable {
	return &agentTable{
		bySession: make(map[string]*ConnectedAgent),
		byAgent:   make(map[string]*ConnectedAgent),
	}
}

func (t *agentTable) add(a *ConnectedAgent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bySession[a.TransportSessionID] = a
	t.byAgent[a.AgentID] = a
	metrics.ConnectedAgents.Set(float64(len(t.bySession)))
}

// remove is idempotent; the transport-close and error paths can both run it.
func (t *agentTable) remove(transportID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.bySession[transportID]
	if !ok {
		return
	}
	delete(t.bySession, transportID)
	if cur, ok := t.byAgent[a.AgentID]; ok && cur.TransportSessionID == transportID {
		delete(t.byAgent, a.AgentID)
	}
	metrics.ConnectedAgents.Set(float64(len(t.bySession)))
}

func (t *agentTable) lookupSession(transportID string) (*ConnectedAgent, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	a, ok := t.bySession[transportID]
	return a, ok
}

func (t *agentTable) lookupAgent(agentID string) (*ConnectedAgent, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	a, ok := t.byAgent[agentID]
	return a, ok
}

// Resolver determines the agent identity for an incoming transport
// connection. The default reads the X-Agent-ID header, falling back to the
// agent query parameter.
type Resolver func(r *http.Request) (string, error)

func defaultResolver(r *http.Request) (string, error) {
	if v := r.Header.Get("X-Agent-ID"); v != "" {
		return v, nil
	}
	if v := r.URL.Query().Get("agent"); v != "" {
		return v, nil
	}
	return "", errors.New("no agent identity presented")
}

// Gateway serves the tool-RPC transport.
type Gateway struct {
	store    *store.Store
	bus      *bus.Bus
	registry *session.Registry
	push     *push.Notifier
	resolve  Resolver
	agents   *agentTable

	// statuses holds the latest set_status per connected agent.
	statusMu sync.Mutex
	statuses map[string]AgentState
}

// AgentState is an agent's self-reported activity.
type AgentState struct {
	Status    string    `json:"status"`
	Task      string    `json:"task,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// New builds the Gateway. A nil resolver uses the header/query default.
func New(st *store.Store, b *bus.Bus, reg *session.Registry, notifier *push.Notifier, resolver Resolver) *Gateway {
	if resolver == nil {
		resolver = defaultResolver
	}
	return &Gateway{
		store:    st,
		bus:      b,
		registry: reg,
		push:     notifier,
		resolve:  resolver,
		agents:   newAgentTable(),
		statuses: make(map[string]AgentState),
	}
}

// ConnectedAgents returns a snapshot of the live agent table.
func (g *Gateway) ConnectedAgents() []ConnectedAgent {
	g.agents.mu.RLock()
	defer g.agents.mu.RUnlock()
	out := make([]ConnectedAgent, 0, len(g.agents.bySession))
	for _, a := range g.agents.bySession {
		out = append(out, *a)
	}
	return out
}

// AgentStatus returns the last reported state for a connected agent.
func (g *Gateway) AgentStatus(agentID string) (AgentState, bool) {
	if _, connected := g.agents.lookupAgent(agentID); !connected {
		return AgentState{}, false
	}
	g.statusMu.Lock()
	defer g.statusMu.Unlock()
	s, ok := g.statuses[agentID]
	return s, ok
}

// request is one tool invocation frame.
type request struct {
	ID   string          `json:"id"`
	Tool string          `json:"tool"`
	Args json.RawMessage `json:"args"`
}

type response struct {
	ID     string `json:"id,omitempty"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ServeHTTP upgrades the connection, binds the agent identity, and serves
// tool calls until the peer disconnects.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	agentID, err := g.resolve(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionDisabled,
		OriginPatterns:  []string{"*"},
	})
	if err != nil {
		slog.Debug("toolgw: accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	transportID := id.Short()
	g.agents.add(&ConnectedAgent{
		AgentID:            agentID,
		TransportSessionID: transportID,
		ConnectedAt:        time.Now().UTC(),
	})
	defer func() {
		g.agents.remove(transportID)
		g.statusMu.Lock()
		delete(g.statuses, agentID)
		g.statusMu.Unlock()
	}()
	slog.Info("toolgw: agent connected", "agent_id", agentID, "transport_id", transportID)

	ctx := r.Context()
	for {
		var req request
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			slog.Info("toolgw: agent disconnected", "agent_id", agentID)
			return
		}
		resp := g.dispatch(ctx, transportID, req)
		if err := wsjson.Write(ctx, conn, resp); err != nil {
			return
		}
	}
}

// dispatch routes one tool call.
func (g *Gateway) dispatch(ctx context.Context, transportID string, req request) response {
	var result any
	var err error
	switch req.Tool {
	case "send_message":
		result, err = g.sendMessage(transportID, req.Args)
	case "read_messages":
		result, err = g.readMessages(req.Args)
	case "list_threads":
		result, err = g.listThreads(req.Args)
	case "mark_read":
		result, err = g.markRead(req.Args)
	case "set_status":
		result, err = g.setStatus(transportID, req.Args)
	default:
		err = errors.New(errUnknownTool)
	}
	if err != nil {
		return response{ID: req.ID, Error: err.Error()}
	}
	return response{ID: req.ID, Result: result}
}

type sendMessageArgs struct {
	To       string          `json:"to"`
	Body     string          `json:"body"`
	ThreadID string          `json:"threadId"`
	Metadata json.RawMessage `json:"metadata"`
	// Caller-supplied identity claims are deliberately not modeled; the
	// sender is always the transport session's bound agent.
}

// sendMessage inserts an agent-authored chat line and fans it out. The
// sender identity comes from the connected-agent table only.
func (g *Gateway) sendMessage(transportID string, raw json.RawMessage) (any, error) {
	agent, ok := g.agents.lookupSession(transportID)
	if !ok {
		return nil, errors.New(errUnknownSession)
	}

	var args sendMessageArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}

	msg, err := g.store.InsertMessage(store.InsertInput{
		Role:      store.RoleAgent,
		AgentID:   agent.AgentID,
		Recipient: args.To,
		Body:      args.Body,
		ThreadID:  args.ThreadID,
		Metadata:  args.Metadata,
	})
	if err != nil {
		return nil, err
	}

	g.bus.Emit(chatws.EventChatMessage, chatws.ChatMessage{
		ID:   msg.ID,
		From: agent.AgentID,
		To:   args.To,
		Body: args.Body,
		TS:   timefmt.Format(msg.CreatedAt),
	})

	if args.To == "user" {
		g.bus.Emit(EventMailReceived, map[string]any{
			"id": msg.ID, "from": agent.AgentID, "body": args.Body,
		})
		g.push.Notify(push.Notification{
			Title: "Message from " + agent.AgentID,
			Body:  args.Body,
			From:  agent.AgentID,
		})
	}

	return map[string]any{"messageId": msg.ID}, nil
}

type readMessagesArgs struct {
	AgentID  string `json:"agentId"`
	ThreadID string `json:"threadId"`
	Limit    int    `json:"limit"`
	Before   string `json:"before"`
}

func (g *Gateway) readMessages(raw json.RawMessage) (any, error) {
	var args readMessagesArgs
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, err
		}
	}

	q := store.MessageQuery{
		AgentID:  args.AgentID,
		ThreadID: args.ThreadID,
		Limit:    args.Limit,
	}
	if args.Before != "" {
		before, err := timefmt.Parse(args.Before)
		if err != nil {
			return nil, err
		}
		q.Before = before
	}

	msgs, err := g.store.GetMessages(q)
	if err != nil {
		return nil, err
	}
	return map[string]any{"messages": msgs}, nil
}

type listThreadsArgs struct {
	AgentID string `json:"agentId"`
}

func (g *Gateway) listThreads(raw json.RawMessage) (any, error) {
	var args listThreadsArgs
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, err
		}
	}
	threads, err := g.store.GetThreads(args.AgentID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"threads": threads}, nil
}

type markReadArgs struct {
	MessageID string `json:"messageId"`
	AgentID   string `json:"agentId"`
}

func (g *Gateway) markRead(raw json.RawMessage) (any, error) {
	var args markReadArgs
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, err
		}
	}
	if (args.MessageID == "") == (args.AgentID == "") {
		return nil, errors.New(errMarkReadArgs)
	}

	if args.MessageID != "" {
		if err := g.store.MarkRead(args.MessageID); err != nil {
			return nil, err
		}
		return map[string]any{"marked": 1}, nil
	}

	n, err := g.store.MarkAllRead(store.MarkAllReadFilter{AgentID: args.AgentID})
	if err != nil {
		return nil, err
	}
	return map[string]any{"marked": n}, nil
}

type setStatusArgs struct {
	Status string `json:"status"`
	Task   string `json:"task"`
}

// setStatus records the agent's self-reported state and broadcasts the
// change immediately.
func (g *Gateway) setStatus(transportID string, raw json.RawMessage) (any, error) {
	agent, ok := g.agents.lookupSession(transportID)
	if !ok {
		return nil, errors.New(errUnknownSession)
	}

	var args setStatusArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}

	state := AgentState{
		Status:    args.Status,
		Task:      args.Task,
		UpdatedAt: time.Now().UTC(),
	}
	g.statusMu.Lock()
	g.statuses[agent.AgentID] = state
	g.statusMu.Unlock()

	g.bus.Emit(EventAgentStatus, map[string]any{
		"agentId": agent.AgentID,
		"status":  args.Status,
		"task":    args.Task,
	})

	// Mirror into the registry when the agent name matches a session and
	// the status is one the registry understands.
	if st, ok := sessionStatus(args.Status); ok {
		for _, s := range g.registry.FindByName(agent.AgentID) {
			if err := g.registry.Update(s.ID, session.Patch{Status: &st}); err != nil {
				slog.Warn("toolgw: status mirror failed", "session_id", s.ID, "error", err)
			}
		}
	}
	return state, nil
}

func sessionStatus(s string) (session.Status, bool) {
	switch session.Status(s) {
	case session.StatusIdle, session.StatusWorking,
		session.StatusWaitingPermission, session.StatusOffline:
		return session.Status(s), true
	}
	return "", false
}
