package bridge

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/adjutant/adjutant/internal/bus"
	"github.com/adjutant/adjutant/internal/session"
	"github.com/adjutant/adjutant/internal/termparse"
	"github.com/adjutant/adjutant/internal/tmux"
)

// EventSessionOutput carries every parsed output event on the bus.
const EventSessionOutput = "session:event"

// SessionEvent is the payload of EventSessionOutput.
type SessionEvent struct {
	SessionID string          `json:"sessionId"`
	Event     termparse.Event `json:"event"`
}

// Bridge defaults.
const (
	DefaultPollInterval = 300 * time.Millisecond
	DefaultBufferLines  = 200
	DefaultCaptureLines = 200

	captureMaxRetries = 5
)

// Options tune the Bridge.
type Options struct {
	PollInterval time.Duration
	BufferLines  int // replay buffer per session
	CaptureLines int // scrollback depth per capture
}

// tap is the per-session output reader state.
type tap struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu          sync.Mutex
	parser      *termparse.Parser
	snapshot    []string
	buffer      []string
	pendingPerm string // outstanding permission requestId, "" if none
}

// Bridge binds the lifecycle manager, mux adapter, throttle, parser and bus
// together per session. One tap goroutine per live session polls the pane
// and feeds the throttle; flushed batches run through the parser and land on
// the bus as session:event.
type Bridge struct {
	mgr      *session.Manager
	mux      *tmux.Adapter
	throttle *Throttle
	bus      *bus.Bus
	opts     Options

	mu   sync.Mutex
	taps map[string]*tap
}

// New wires a Bridge and registers its flush listener on the throttle.
func New(mgr *session.Manager, mux *tmux.Adapter, th *Throttle, b *bus.Bus, opts Options) *Bridge {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.BufferLines <= 0 {
		opts.BufferLines = DefaultBufferLines
	}
	if opts.CaptureLines <= 0 {
		opts.CaptureLines = DefaultCaptureLines
	}
	br := &Bridge{
		mgr:      mgr,
		mux:      mux,
		throttle: th,
		bus:      b,
		opts:     opts,
		taps:     make(map[string]*tap),
	}
	th.OnFlush(br.handleBatch)
	return br
}

// Registry exposes the session registry behind the bridge.
func (b *Bridge) Registry() *session.Registry {
	return b.mgr.Registry()
}

// ListSessions returns all registered sessions.
func (b *Bridge) ListSessions() []*session.Session {
	return b.mgr.Registry().GetAll()
}

// GetSession returns one session by id.
func (b *Bridge) GetSession(id string) (*session.Session, bool) {
	return b.mgr.Registry().Get(id)
}

// CreateSession delegates to the lifecycle manager and installs an output
// tap on the new session.
func (b *Bridge) CreateSession(ctx context.Context, d session.CreateDraft) (*session.Session, error) {
	s, err := b.mgr.CreateSession(ctx, d)
	if err != nil {
		return nil, err
	}
	b.StartTap(s.ID)
	return s, nil
}

// KillSession tears down the tap and throttle state, then kills the session.
func (b *Bridge) KillSession(ctx context.Context, sessionID string) bool {
	b.stopTap(sessionID)
	b.throttle.Remove(sessionID)
	return b.mgr.KillSession(ctx, sessionID)
}

// ConnectClient registers a viewer on the session. With replay it returns
// the session's recent output lines so a late-connecting client can render
// scrollback immediately.
func (b *Bridge) ConnectClient(sessionID, clientID string, replay bool) ([]string, error) {
	if err := b.mgr.Registry().AddClient(sessionID, clientID); err != nil {
		return nil, err
	}
	if !replay {
		return nil, nil
	}

	b.mu.Lock()
	t := b.taps[sessionID]
	b.mu.Unlock()
	if t == nil {
		return nil, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.buffer))
	copy(out, t.buffer)
	return out, nil
}

// DisconnectClient drops a viewer. Safe to call twice.
func (b *Bridge) DisconnectClient(sessionID, clientID string) {
	b.mgr.Registry().RemoveClient(sessionID, clientID)
}

// SendInput types text into the session's pane followed by Enter.
func (b *Bridge) SendInput(ctx context.Context, sessionID, text string) bool {
	s, ok := b.mgr.Registry().Get(sessionID)
	if !ok || s.MuxPane == "" {
		return false
	}
	if err := b.mux.SendKeys(ctx, s.MuxPane, text, true); err != nil {
		slog.Warn("bridge: send input failed", "session_id", sessionID, "error", err)
		return false
	}
	b.mgr.Touch(sessionID)
	return true
}

// SendInterrupt delivers Ctrl-C to the session's pane.
func (b *Bridge) SendInterrupt(ctx context.Context, sessionID string) bool {
	s, ok := b.mgr.Registry().Get(sessionID)
	if !ok || s.MuxPane == "" {
		return false
	}
	if err := b.mux.SendInterrupt(ctx, s.MuxPane); err != nil {
		slog.Warn("bridge: interrupt failed", "session_id", sessionID, "error", err)
		return false
	}
	return true
}

// SendPermissionResponse answers the outstanding permission prompt, if any.
// Returns false when no prompt is pending or the session is gone.
func (b *Bridge) SendPermissionResponse(ctx context.Context, sessionID string, approved bool) bool {
	b.mu.Lock()
	t := b.taps[sessionID]
	b.mu.Unlock()
	if t == nil {
		return false
	}

	t.mu.Lock()
	pending := t.pendingPerm
	t.mu.Unlock()
	if pending == "" {
		return false
	}

	s, ok := b.mgr.Registry().Get(sessionID)
	if !ok || s.MuxPane == "" {
		return false
	}

	answer := "y"
	if !approved {
		answer = "n"
	}
	if err := b.mux.SendKeys(ctx, s.MuxPane, answer, true); err != nil {
		slog.Warn("bridge: permission response failed", "session_id", sessionID, "error", err)
		return false
	}

	t.mu.Lock()
	t.pendingPerm = ""
	t.mu.Unlock()

	working := session.StatusWorking
	_ = b.mgr.Registry().Update(sessionID, session.Patch{Status: &working})
	return true
}

// StartTap spawns the output reader for a session. A second call for the
// same session is a no-op.
func (b *Bridge) StartTap(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.taps[sessionID]; exists {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &tap{
		cancel: cancel,
		done:   make(chan struct{}),
		parser: termparse.New(),
	}
	b.taps[sessionID] = t

	pipe := true
	_ = b.mgr.Registry().Update(sessionID, session.Patch{PipeActive: &pipe})

	go b.runTap(ctx, sessionID, t)
}

// stopTap cancels the reader and waits for it to exit.
func (b *Bridge) stopTap(sessionID string) {
	b.mu.Lock()
	t, ok := b.taps[sessionID]
	if ok {
		delete(b.taps, sessionID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	t.cancel()
	<-t.done
}

// Close stops every tap and flushes the throttle.
func (b *Bridge) Close() {
	b.mu.Lock()
	taps := b.taps
	b.taps = make(map[string]*tap)
	b.mu.Unlock()

	for _, t := range taps {
		t.cancel()
	}
	for _, t := range taps {
		<-t.done
	}
	b.throttle.Shutdown()
}

// runTap polls the pane and pushes new lines through the throttle. Capture
// failures retry with exponential backoff; once retries are exhausted the
// session is marked offline and the tap exits.
func (b *Bridge) runTap(ctx context.Context, sessionID string, t *tap) {
	defer close(t.done)

	ticker := time.NewTicker(b.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		s, ok := b.mgr.Registry().Get(sessionID)
		if !ok {
			return
		}
		if s.MuxPane == "" {
			continue
		}

		raw, err := backoff.Retry(ctx, func() (string, error) {
			return b.mux.CapturePane(ctx, s.MuxPane, b.opts.CaptureLines)
		},
			backoff.WithBackOff(backoff.NewExponentialBackOff()),
			backoff.WithMaxTries(captureMaxRetries),
		)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("bridge: capture failed permanently, marking session offline",
				"session_id", sessionID, "error", err)
			offline := session.StatusOffline
			pipe := false
			_ = b.mgr.Registry().Update(sessionID, session.Patch{Status: &offline, PipeActive: &pipe})
			b.mu.Lock()
			delete(b.taps, sessionID)
			b.mu.Unlock()
			return
		}

		cur := splitCapture(raw)

		t.mu.Lock()
		fresh := diffLines(t.snapshot, cur)
		t.snapshot = cur
		for _, line := range fresh {
			t.buffer = append(t.buffer, line)
		}
		if over := len(t.buffer) - b.opts.BufferLines; over > 0 {
			t.buffer = t.buffer[over:]
		}
		t.mu.Unlock()

		for _, line := range fresh {
			b.throttle.Push(sessionID, line)
		}
		if len(fresh) > 0 {
			b.mgr.Touch(sessionID)
		}
	}
}

// handleBatch runs a flushed batch through the session's parser and emits
// each event on the bus. The throttle serializes batches per session, so the
// parser needs no extra locking beyond the tap mutex.
func (b *Bridge) handleBatch(batch OutputBatch) {
	b.mu.Lock()
	t := b.taps[batch.SessionID]
	b.mu.Unlock()
	if t == nil {
		return
	}

	t.mu.Lock()
	var events []termparse.Event
	for _, line := range batch.Lines {
		events = append(events, t.parser.ParseLine(line)...)
	}
	for _, ev := range events {
		if ev.Type == termparse.EventPermissionRequest {
			t.pendingPerm = ev.RequestID
		}
	}
	t.mu.Unlock()

	for _, ev := range events {
		b.bus.Emit(EventSessionOutput, SessionEvent{SessionID: batch.SessionID, Event: ev})
		b.applyStatus(batch.SessionID, ev)
	}
}

// applyStatus reflects parsed activity back into the registry.
func (b *Bridge) applyStatus(sessionID string, ev termparse.Event) {
	var next session.Status
	switch ev.Type {
	case termparse.EventPermissionRequest:
		next = session.StatusWaitingPermission
	case termparse.EventStatus:
		switch ev.State {
		case "idle":
			next = session.StatusIdle
		default:
			next = session.StatusWorking
		}
	case termparse.EventToolUse:
		next = session.StatusWorking
	default:
		return
	}
	_ = b.mgr.Registry().Update(sessionID, session.Patch{Status: &next})
}

// splitCapture breaks a capture into lines, dropping the trailing blank run
// that tmux pads the screen with.
func splitCapture(raw string) []string {
	lines := strings.Split(strings.TrimRight(raw, "\n"), "\n")
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines) == 1 && lines[0] == "" {
		return nil
	}
	return lines
}

// diffLines returns the lines of cur that follow the previous capture. The
// previous tail is located by anchoring on its last few lines; if the anchor
// is not found (history scrolled past the window) all of cur is new.
func diffLines(prev, cur []string) []string {
	if len(prev) == 0 {
		return cur
	}
	anchorLen := len(prev)
	if anchorLen > 5 {
		anchorLen = 5
	}
	anchor := prev[len(prev)-anchorLen:]
	for i := len(cur) - anchorLen; i >= 0; i-- {
		if linesEqual(cur[i:i+anchorLen], anchor) {
			return cur[i+anchorLen:]
		}
	}
	return cur
}

func linesEqual(a, b []string) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
