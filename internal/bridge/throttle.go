// Package bridge fans session terminal output out to viewer clients. The
// Throttle coalesces raw lines into batches; the Bridge tails panes, runs
// batches through the parser, and publishes the results on the event bus.
package bridge

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/adjutant/adjutant/internal/metrics"
)

// Throttle defaults.
const (
	DefaultFlushInterval = 100 * time.Millisecond
	DefaultMaxBatchSize  = 128
)

// OutputBatch is one flushed run of lines for a single session.
type OutputBatch struct {
	SessionID string
	Lines     []string
}

// ThrottleOptions configure a Throttle. Zero values pick the defaults.
type ThrottleOptions struct {
	FlushInterval time.Duration
	MaxBatchSize  int
	PersistLogs   bool
	LogDir        string
}

type throttleSession struct {
	pending []string
	timer   *time.Timer
	logFile *os.File

	// deliverMu serializes onFlush delivery for this session so listeners
	// never see two concurrent batches from the same session.
	deliverMu sync.Mutex
}

// Throttle batches per-session output lines with a debounced flush. Lines
// flush when the batch fills or when the flush timer fires, whichever comes
// first.
type Throttle struct {
	opts ThrottleOptions

	mu        sync.Mutex
	sessions  map[string]*throttleSession
	listeners []func(OutputBatch)
	stopped   bool
}

// NewThrottle builds a Throttle with the given options.
func NewThrottle(opts ThrottleOptions) *Throttle {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = DefaultMaxBatchSize
	}
	return &Throttle{
		opts:     opts,
		sessions: make(map[string]*throttleSession),
	}
}

// OnFlush registers a listener invoked with every flushed batch. Listeners
// registered after startup see only subsequent batches.
func (t *Throttle) OnFlush(fn func(OutputBatch)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, fn)
}

// Push appends a line to the session's pending buffer. The line is appended
// to the session log synchronously before Push returns, so the on-disk tail
// never lags a delivered batch.
func (t *Throttle) Push(sessionID, line string) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	s, ok := t.sessions[sessionID]
	if !ok {
		s = &throttleSession{}
		if t.opts.PersistLogs {
			s.logFile = t.openLog(sessionID)
		}
		t.sessions[sessionID] = s
	}

	if s.logFile != nil {
		_, _ = s.logFile.WriteString(line + "\n")
	}

	s.pending = append(s.pending, line)
	metrics.OutputLinesTotal.Inc()

	if len(s.pending) >= t.opts.MaxBatchSize {
		batch := t.takeLocked(sessionID, s)
		t.mu.Unlock()
		t.deliver(s, batch)
		return
	}

	if s.timer == nil {
		s.timer = time.AfterFunc(t.opts.FlushInterval, func() {
			t.Flush(sessionID)
		})
	}
	t.mu.Unlock()
}

// Flush delivers the session's pending lines, if any.
func (t *Throttle) Flush(sessionID string) {
	t.mu.Lock()
	s, ok := t.sessions[sessionID]
	if !ok {
		t.mu.Unlock()
		return
	}
	batch := t.takeLocked(sessionID, s)
	t.mu.Unlock()
	t.deliver(s, batch)
}

// Remove flushes and then drops all state for the session.
func (t *Throttle) Remove(sessionID string) {
	t.mu.Lock()
	s, ok := t.sessions[sessionID]
	if !ok {
		t.mu.Unlock()
		return
	}
	batch := t.takeLocked(sessionID, s)
	delete(t.sessions, sessionID)
	t.mu.Unlock()

	t.deliver(s, batch)
	if s.logFile != nil {
		_ = s.logFile.Close()
	}
}

// Shutdown flushes every session and stops all timers. Push becomes a no-op
// afterwards.
func (t *Throttle) Shutdown() {
	t.mu.Lock()
	t.stopped = true
	type rem struct {
		s     *throttleSession
		batch OutputBatch
	}
	var rems []rem
	for sid, s := range t.sessions {
		rems = append(rems, rem{s, t.takeLocked(sid, s)})
	}
	t.sessions = make(map[string]*throttleSession)
	t.mu.Unlock()

	for _, r := range rems {
		t.deliver(r.s, r.batch)
		if r.s.logFile != nil {
			_ = r.s.logFile.Close()
		}
	}
}

// ActiveCount returns the number of sessions with throttle state.
func (t *Throttle) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// GetPendingCount returns how many lines are buffered for the session.
func (t *Throttle) GetPendingCount(sessionID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sessions[sessionID]; ok {
		return len(s.pending)
	}
	return 0
}

// GetLogPath returns where the session's tail log lives (whether or not
// persistence is enabled).
func (t *Throttle) GetLogPath(sessionID string) string {
	return filepath.Join(t.opts.LogDir, fmt.Sprintf("session-%s.log", sessionID))
}

// takeLocked detaches the pending buffer and cancels the timer. Caller holds
// t.mu.
func (t *Throttle) takeLocked(sessionID string, s *throttleSession) OutputBatch {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	batch := OutputBatch{SessionID: sessionID, Lines: s.pending}
	s.pending = nil
	return batch
}

// deliver runs the batch through every listener under the session's delivery
// lock. Empty batches are dropped.
func (t *Throttle) deliver(s *throttleSession, batch OutputBatch) {
	if len(batch.Lines) == 0 {
		return
	}
	t.mu.Lock()
	listeners := make([]func(OutputBatch), len(t.listeners))
	copy(listeners, t.listeners)
	t.mu.Unlock()

	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	metrics.OutputBatchesTotal.Inc()
	for _, fn := range listeners {
		fn(batch)
	}
}

func (t *Throttle) openLog(sessionID string) *os.File {
	if err := os.MkdirAll(t.opts.LogDir, 0o755); err != nil {
		slog.Warn("throttle: create log dir failed", "dir", t.opts.LogDir, "error", err)
		return nil
	}
	f, err := os.OpenFile(t.GetLogPath(sessionID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Warn("throttle: open session log failed", "session_id", sessionID, "error", err)
		return nil
	}
	return f
}
