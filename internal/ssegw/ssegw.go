// Package ssegw streams bus events to HTTP clients as server-sent events.
// Each frame carries the bus seq as its SSE id, so clients resume with the
// standard Last-Event-ID header.
package ssegw

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/adjutant/adjutant/internal/bus"
	"github.com/adjutant/adjutant/internal/metrics"
	"github.com/adjutant/adjutant/internal/util/timefmt"
)

// mapKind translates an internal bus kind to its public SSE event name. The
// bead family collapses into bead_update with the sub-kind as an action.
func mapKind(kind string) (name, action string, ok bool) {
	switch {
	case strings.HasPrefix(kind, "bead:"):
		return "bead_update", strings.TrimPrefix(kind, "bead:"), true
	case kind == "mail:received":
		return "mail_received", "", true
	case kind == "agent:status_changed":
		return "agent_status", "", true
	case kind == "power:state_changed":
		return "power_state", "", true
	case kind == "mode:changed":
		return "mode_changed", "", true
	case kind == "stream:status":
		return "stream_status", "", true
	}
	return "", "", false
}

// Gateway is the /api/events handler.
type Gateway struct {
	bus     *bus.Bus
	clients atomic.Int64
}

// New builds a Gateway over the bus.
func New(b *bus.Bus) *Gateway {
	return &Gateway{bus: b}
}

// ClientCount returns the number of connected SSE clients.
func (g *Gateway) ClientCount() int {
	return int(g.clients.Load())
}

// ServeHTTP streams mapped bus events until the client goes away.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	var lastEventID uint64
	if raw := r.Header.Get("Last-Event-ID"); raw != "" {
		if n, err := strconv.ParseUint(raw, 10, 64); err == nil {
			lastEventID = n
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sub := g.bus.Subscribe(func(kind string) bool {
		_, _, mapped := mapKind(kind)
		return mapped
	})
	defer g.bus.Unsubscribe(sub)

	g.clients.Add(1)
	metrics.SSEClientsActive.Inc()
	defer func() {
		g.clients.Add(-1)
		metrics.SSEClientsActive.Dec()
	}()

	hello, _ := json.Marshal(map[string]any{
		"seq":        g.bus.CurrentSeq(),
		"serverTime": timefmt.Format(time.Now().UTC()),
	})
	fmt.Fprintf(w, "event: connected\ndata: %s\n\n", hello)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if ev.Seq <= lastEventID {
				continue
			}
			if err := writeEvent(w, ev); err != nil {
				slog.Debug("ssegw: write failed", "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, ev bus.Event) error {
	name, action, _ := mapKind(ev.Kind)

	var data []byte
	var err error
	if action != "" {
		data, err = json.Marshal(map[string]any{"action": action, "data": ev.Payload})
	} else {
		data, err = json.Marshal(ev.Payload)
	}
	if err != nil {
		return fmt.Errorf("marshal %s: %w", ev.Kind, err)
	}

	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, name, data)
	return err
}
