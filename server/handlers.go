package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/adjutant/adjutant/internal/beads"
	"github.com/adjutant/adjutant/internal/session"
	"github.com/adjutant/adjutant/internal/store"
	"github.com/adjutant/adjutant/internal/util/timefmt"
)

type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("response encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, apiError{Error: msg, Code: code})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.bridge.ListSessions()})
}

type createSessionRequest struct {
	Name          string   `json:"name"`
	ProjectPath   string   `json:"projectPath"`
	Mode          string   `json:"mode"`
	WorkspaceType string   `json:"workspaceType"`
	AgentArgs     []string `json:"agentArgs"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}

	sess, err := s.bridge.CreateSession(r.Context(), session.CreateDraft{
		Name:          req.Name,
		ProjectPath:   req.ProjectPath,
		Mode:          session.Mode(req.Mode),
		WorkspaceType: session.WorkspaceType(req.WorkspaceType),
		AgentArgs:     req.AgentArgs,
	})
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, sess)
	case errors.Is(err, session.ErrSessionLimit):
		writeError(w, http.StatusConflict, "session_limit_reached", err.Error())
	case errors.Is(err, session.ErrSessionExists):
		writeError(w, http.StatusConflict, "session_exists", err.Error())
	case errors.Is(err, session.ErrNameRequired):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.bridge.GetSession(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleKillSession(w http.ResponseWriter, r *http.Request) {
	if !s.bridge.KillSession(r.Context(), r.PathValue("id")) {
		writeError(w, http.StatusNotFound, "not_found", "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"killed": true})
}

func (s *Server) handleSessionInput(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if !s.bridge.SendInput(r.Context(), r.PathValue("id"), req.Text) {
		writeError(w, http.StatusNotFound, "not_found", "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sent": true})
}

func (s *Server) handleSessionInterrupt(w http.ResponseWriter, r *http.Request) {
	if !s.bridge.SendInterrupt(r.Context(), r.PathValue("id")) {
		writeError(w, http.StatusNotFound, "not_found", "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sent": true})
}

func (s *Server) handleSessionPermission(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Approved bool `json:"approved"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if !s.bridge.SendPermissionResponse(r.Context(), r.PathValue("id"), req.Approved) {
		writeError(w, http.StatusNotFound, "not_found", "no pending permission request")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sent": true})
}

// handleGetMessages serves both plain history reads and FTS search (q=).
func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	qp := r.URL.Query()
	q := store.MessageQuery{
		AgentID:  qp.Get("agentId"),
		ThreadID: qp.Get("threadId"),
		Role:     qp.Get("role"),
	}
	if raw := qp.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid limit")
			return
		}
		q.Limit = n
	}
	if raw := qp.Get("before"); raw != "" {
		t, err := timefmt.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid before timestamp")
			return
		}
		q.Before = t
	}

	var msgs []*store.Message
	var err error
	if search := qp.Get("q"); search != "" {
		msgs, err = s.store.SearchMessages(search, q)
	} else {
		msgs, err = s.store.GetMessages(q)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleUnreadCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.GetUnreadCounts()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"unread": counts})
}

func (s *Server) handleGetThreads(w http.ResponseWriter, r *http.Request) {
	threads, err := s.store.GetThreads(r.URL.Query().Get("agentId"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"threads": threads})
}

// agentView is a registry session enriched with live tool-gateway state.
type agentView struct {
	AgentID       string `json:"agentId"`
	SessionID     string `json:"sessionId,omitempty"`
	SessionStatus string `json:"sessionStatus,omitempty"`
	Connected     bool   `json:"connected"`
	ReportedState string `json:"reportedState,omitempty"`
	ReportedTask  string `json:"reportedTask,omitempty"`
}

// handleGetAgents merges registry sessions with the connected-agent table.
// Agents connected to the tool gateway without a registered session still
// show up.
func (s *Server) handleGetAgents(w http.ResponseWriter, r *http.Request) {
	views := make(map[string]*agentView)

	for _, sess := range s.manager.Registry().GetAll() {
		views[sess.Name] = &agentView{
			AgentID:       sess.Name,
			SessionID:     sess.ID,
			SessionStatus: string(sess.Status),
		}
	}
	for _, a := range s.tools.ConnectedAgents() {
		v, ok := views[a.AgentID]
		if !ok {
			v = &agentView{AgentID: a.AgentID}
			views[a.AgentID] = v
		}
		v.Connected = true
		if state, ok := s.tools.AgentStatus(a.AgentID); ok {
			v.ReportedState = state.Status
			v.ReportedTask = state.Task
		}
	}

	out := make([]*agentView, 0, len(views))
	for _, v := range views {
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": out})
}

type bdRequest struct {
	Args      []string `json:"args"`
	Cwd       string   `json:"cwd"`
	TimeoutMs int      `json:"timeoutMs"`
	ParseJSON *bool    `json:"parseJson"`
	Stdin     string   `json:"stdin"`
}

// bdEventKinds maps mutating bd verbs to the bus kinds the SSE gateway
// republishes as bead_update.
var bdEventKinds = map[string]string{
	"create": "bead:created",
	"update": "bead:updated",
	"close":  "bead:closed",
}

func (s *Server) handleBd(w http.ResponseWriter, r *http.Request) {
	var req bdRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Args) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "args is required")
		return
	}

	res := s.bd.Exec(r.Context(), req.Args, beads.Options{
		Cwd:       req.Cwd,
		Timeout:   time.Duration(req.TimeoutMs) * time.Millisecond,
		ParseJSON: req.ParseJSON,
		Stdin:     req.Stdin,
	})

	if res.Success {
		if kind, ok := bdEventKinds[req.Args[0]]; ok {
			s.bus.Emit(kind, map[string]any{"args": req.Args, "data": res.Data})
		}
	}
	writeJSON(w, http.StatusOK, res)
}
