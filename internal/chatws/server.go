// Package chatws is the WebSocket chat endpoint. Clients authenticate with
// an API key, then exchange chat traffic; every outbound frame carries a
// monotonic seq so clients can detect gaps and resync from the replay
// buffer.
package chatws

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
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"

	"github.com/adjutant/adjutant/internal/bridge"
	"github.com/adjutant/adjutant/internal/bus"
	"github.com/adjutant/adjutant/internal/id"
	"github.com/adjutant/adjutant/internal/metrics"
	"github.com/adjutant/adjutant/internal/store"
	"github.com/adjutant/adjutant/internal/util/timefmt"
)

// EventChatMessage is the bus kind for chat lines. Both the WS inbound path
// and the tool gateway emit it; the WS server rebroadcasts it to clients.
const EventChatMessage = "chat:message"

// ChatMessage is the payload of EventChatMessage and of the chat_message
// wire frame.
type ChatMessage struct {
	ID   string `json:"id"`
	From string `json:"from"`
	To   string `json:"to"`
	Body string `json:"body"`
	TS   string `json:"ts"`
}

// Close codes for the auth handshake.
const (
	CloseAuthTimeout websocket.StatusCode = 4002
	CloseAuthFailed  websocket.StatusCode = 4003
)

// Defaults.
const (
	DefaultAuthTimeout  = 10 * time.Second
	DefaultReplayLimit  = 1000
	DefaultReplayMaxAge = time.Hour
	DefaultSendBuffer   = 64

	messagesPerMinute = 60
	typingPerMinute   = 30
)

// Options tune the Server. Zero values pick the defaults. With no
// APIKeyHashes the server is open: any auth_response authenticates.
type Options struct {
	APIKeyHashes []string // bcrypt hashes of accepted keys
	AuthTimeout  time.Duration
	ReplayLimit  int
	ReplayMaxAge time.Duration
	SendBuffer   int
}

type replayEntry struct {
	Seq     uint64          `json:"seq"`
	Payload json.RawMessage `json:"payload"`
	TS      time.Time       `json:"-"`
}

type client struct {
	id          string
	conn        *websocket.Conn
	out         chan []byte
	cancel      context.CancelFunc
	lastSeqSeen uint64 // guarded by Server.mu
	msgLimit    *rate.Limiter
	typingLimit *rate.Limiter
}

// Server is the WS chat hub.
type Server struct {
	store  *store.Store
	bridge *bridge.Bridge
	bus    *bus.Bus
	opts   Options

	mu      sync.Mutex
	seq     uint64
	clients map[string]*client
	replay  []replayEntry

	sub  *bus.Subscription
	done chan struct{}
}

// NewServer builds the hub and starts forwarding bus chat events to
// connected clients. Call Close to stop the forwarder.
func NewServer(st *store.Store, br *bridge.Bridge, b *bus.Bus, opts Options) *Server {
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = DefaultAuthTimeout
	}
	if opts.ReplayLimit <= 0 {
		opts.ReplayLimit = DefaultReplayLimit
	}
	if opts.ReplayMaxAge <= 0 {
		opts.ReplayMaxAge = DefaultReplayMaxAge
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultSendBuffer
	}
	s := &Server{
		store:   st,
		bridge:  br,
		bus:     b,
		opts:    opts,
		clients: make(map[string]*client),
		done:    make(chan struct{}),
	}
	s.sub = b.Subscribe(func(kind string) bool { return kind == EventChatMessage })
	go s.forwardBus()
	return s
}

// Close stops the bus forwarder. Open connections shut down with the HTTP
// server.
func (s *Server) Close() {
	s.bus.Unsubscribe(s.sub)
	<-s.done
}

func (s *Server) forwardBus() {
	defer close(s.done)
	for ev := range s.sub.C() {
		msg, ok := ev.Payload.(ChatMessage)
		if !ok {
			continue
		}
		s.Broadcast("chat_message", map[string]any{
			"id": msg.ID, "from": msg.From, "to": msg.To,
			"body": msg.Body, "ts": msg.TS,
		})
	}
}

// CurrentSeq returns the last assigned broadcast seq.
func (s *Server) CurrentSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// ClientCount returns the number of authenticated clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Broadcast assigns the next seq, records the frame in the replay buffer,
// and fans it out to every authenticated client. Slow clients are closed,
// never awaited.
func (s *Server) Broadcast(frameType string, fields map[string]any) uint64 {
	s.mu.Lock()
	s.seq++
	seq := s.seq

	frame := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		frame[k] = v
	}
	frame["type"] = frameType
	frame["seq"] = seq

	data, err := json.Marshal(frame)
	if err != nil {
		s.mu.Unlock()
		slog.Error("chatws: marshal broadcast failed", "type", frameType, "error", err)
		return seq
	}

	s.replay = append(s.replay, replayEntry{Seq: seq, Payload: data, TS: time.Now()})
	s.evictReplayLocked()

	var slow []*client
	for _, c := range s.clients {
		select {
		case c.out <- data:
		default:
			slow = append(slow, c)
		}
	}
	s.mu.Unlock()

	for _, c := range slow {
		slog.Warn("chatws: closing slow client", "client_id", c.id)
		s.dropClient(c, websocket.StatusPolicyViolation, "slow consumer")
	}
	metrics.WSMessagesTotal.Inc()
	return seq
}

// evictReplayLocked trims the buffer to the size and age bounds.
func (s *Server) evictReplayLocked() {
	if over := len(s.replay) - s.opts.ReplayLimit; over > 0 {
		s.replay = s.replay[over:]
	}
	cutoff := time.Now().Add(-s.opts.ReplayMaxAge)
	i := 0
	for i < len(s.replay) && s.replay[i].TS.Before(cutoff) {
		i++
	}
	s.replay = s.replay[i:]
}

// ServeHTTP upgrades the connection and runs the per-client state machine.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionDisabled,
		OriginPatterns:  []string{"*"},
	})
	if err != nil {
		slog.Debug("chatws: accept failed", "error", err)
		return
	}
	s.handle(r.Context(), conn)
}

func (s *Server) handle(ctx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := wsjson.Write(ctx, conn, map[string]any{"type": "auth_challenge"}); err != nil {
		_ = conn.CloseNow()
		return
	}

	authCtx, authCancel := context.WithTimeout(ctx, s.opts.AuthTimeout)
	var hello inbound
	err := wsjson.Read(authCtx, conn, &hello)
	authCancel()
	if err != nil {
		if errors.Is(authCtx.Err(), context.DeadlineExceeded) {
			_ = conn.Close(CloseAuthTimeout, "auth timeout")
		} else {
			_ = conn.CloseNow()
		}
		return
	}

	if hello.Type != "auth_response" || !s.keyAccepted(hello.APIKey) {
		_ = wsjson.Write(ctx, conn, map[string]any{"type": "error", "code": "auth_failed"})
		_ = conn.Close(CloseAuthFailed, "auth failed")
		return
	}

	c := &client{
		id:          id.Short(),
		conn:        conn,
		out:         make(chan []byte, s.opts.SendBuffer),
		cancel:      cancel,
		msgLimit:    rate.NewLimiter(rate.Limit(float64(messagesPerMinute)/60), messagesPerMinute),
		typingLimit: rate.NewLimiter(rate.Limit(float64(typingPerMinute)/60), typingPerMinute),
	}

	s.mu.Lock()
	s.clients[c.id] = c
	seq := s.seq
	s.mu.Unlock()
	metrics.WSConnectionsActive.Inc()
	slog.Info("chatws: client connected", "client_id", c.id)

	defer func() {
		s.mu.Lock()
		delete(s.clients, c.id)
		s.mu.Unlock()
		metrics.WSConnectionsActive.Dec()
		_ = conn.CloseNow()
		slog.Info("chatws: client disconnected", "client_id", c.id)
	}()

	go c.writeLoop(ctx)

	if err := c.send(map[string]any{"type": "connected", "sessionId": c.id, "seq": seq}); err != nil {
		return
	}

	for {
		var f inbound
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			return
		}
		s.dispatch(ctx, c, f)
	}
}

// inbound is the client→server frame union.
type inbound struct {
	Type        string `json:"type"`
	APIKey      string `json:"apiKey"`
	ID          string `json:"id"`
	To          string `json:"to"`
	Body        string `json:"body"`
	State       string `json:"state"`
	Seq         uint64 `json:"seq"`
	LastSeqSeen uint64 `json:"lastSeqSeen"`
}

func (s *Server) dispatch(ctx context.Context, c *client, f inbound) {
	switch f.Type {
	case "message":
		s.handleMessage(ctx, c, f)
	case "typing":
		if !c.typingLimit.Allow() {
			return
		}
		s.Broadcast("typing", map[string]any{"from": c.id, "state": f.State})
	case "ack":
		s.mu.Lock()
		if f.Seq > c.lastSeqSeen {
			c.lastSeqSeen = f.Seq
		}
		s.mu.Unlock()
	case "sync":
		s.handleSync(c, f.LastSeqSeen)
	default:
		_ = c.send(map[string]any{"type": "error", "code": "unknown_type", "message": f.Type})
	}
}

// handleMessage persists the chat line, attempts delivery to the addressed
// agent's session, then broadcasts. The broadcast never waits on delivery.
func (s *Server) handleMessage(ctx context.Context, c *client, f inbound) {
	if !c.msgLimit.Allow() {
		_ = c.send(map[string]any{"type": "error", "code": "rate_limited"})
		return
	}

	msg, err := s.store.InsertMessage(store.InsertInput{
		ID:        f.ID,
		Role:      store.RoleUser,
		Recipient: f.To,
		Body:      f.Body,
	})
	if err != nil {
		slog.Error("chatws: persist message failed", "error", err)
		msg = &store.Message{ID: f.ID, Body: f.Body, CreatedAt: time.Now().UTC()}
	}

	if f.To != "" && f.To != "user" {
		if targets := s.bridge.Registry().FindByName(f.To); len(targets) > 0 {
			if !s.bridge.SendInput(ctx, targets[0].ID, f.Body) {
				slog.Warn("chatws: agent delivery failed", "to", f.To)
			}
		}
	}

	s.bus.Emit(EventChatMessage, ChatMessage{
		ID:   msg.ID,
		From: "user",
		To:   f.To,
		Body: f.Body,
		TS:   timefmt.Format(msg.CreatedAt),
	})

	_ = c.send(map[string]any{"type": "delivered", "clientId": c.id, "messageId": msg.ID})
}

// handleSync replies with every replay entry newer than the client's
// watermark. A watermark ahead of the server yields an empty list.
func (s *Server) handleSync(c *client, lastSeqSeen uint64) {
	s.mu.Lock()
	missed := make([]replayEntry, 0)
	if lastSeqSeen < s.seq {
		for _, e := range s.replay {
			if e.Seq > lastSeqSeen {
				missed = append(missed, e)
			}
		}
	}
	s.mu.Unlock()

	_ = c.send(map[string]any{"type": "sync_response", "missed": missed})
}

func (s *Server) keyAccepted(key string) bool {
	if len(s.opts.APIKeyHashes) == 0 {
		return true
	}
	if key == "" {
		return false
	}
	for _, hash := range s.opts.APIKeyHashes {
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil {
			return true
		}
	}
	return false
}

// dropClient removes and closes a client outside the broadcast lock.
func (s *Server) dropClient(c *client, code websocket.StatusCode, reason string) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	_ = c.conn.Close(code, reason)
	c.cancel()
}

func (c *client) send(frame map[string]any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	select {
	case c.out <- data:
		return nil
	default:
		return errors.New("send buffer full")
	}
}

// writeLoop is the only writer on the socket, so frames go out in the order
// they were queued.
func (c *client) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-c.out:
			if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
				c.cancel()
				return
			}
		}
	}
}
