package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/adjutant/adjutant/internal/bus"
	"github.com/adjutant/adjutant/internal/id"
	"github.com/adjutant/adjutant/internal/metrics"
)

// Registry errors.
var (
	ErrNotFound     = errors.New("session not found")
	ErrMuxNameTaken = errors.New("mux session name already registered")
	ErrNameRequired = errors.New("session name is required")
)

// EventSessionUpdated is emitted on the bus after every registry mutation.
const EventSessionUpdated = "session:updated"

// SessionUpdate is the payload of EventSessionUpdated.
type SessionUpdate struct {
	ID     string   `json:"id"`
	Fields []string `json:"fields"`
}

// persistFile is the on-disk shape of the registry.
type persistFile struct {
	Sessions []*Session `json:"sessions"`
}

// Registry is the durable session map. It is the sole writer of its
// persistence file and rewrites it atomically after every mutation.
type Registry struct {
	mu       sync.RWMutex
	path     string
	bus      *bus.Bus
	sessions map[string]*Session
}

// NewRegistry loads (or initializes) the registry persisted at path.
// Entries are loaded as-is; call MarkOfflineExcept afterwards to reconcile
// with the live mux server.
func NewRegistry(path string, b *bus.Bus) (*Registry, error) {
	r := &Registry{
		path:     path,
		bus:      b,
		sessions: make(map[string]*Session),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return r, nil
		}
		return nil, fmt.Errorf("read registry: %w", err)
	}

	var pf persistFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}
	for _, s := range pf.Sessions {
		s.ConnectedClients = make(map[string]struct{})
		r.sessions[s.ID] = s
	}
	metrics.ActiveSessions.Set(float64(len(r.sessions)))
	return r, nil
}

// Draft is the caller-supplied part of a new session.
type Draft struct {
	Name          string
	MuxSession    string
	MuxPane       string
	ProjectPath   string
	Mode          Mode
	WorkspaceType WorkspaceType
}

// Create registers a new session. The id is a fresh ULID, status starts at
// idle, and the mux session name must be unique within the registry.
func (r *Registry) Create(d Draft) (*Session, error) {
	if d.Name == "" {
		return nil, ErrNameRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.sessions {
		if s.MuxSession == d.MuxSession {
			return nil, fmt.Errorf("%w: %s", ErrMuxNameTaken, d.MuxSession)
		}
	}

	now := time.Now().UTC()
	s := &Session{
		ID:               id.NewSession(),
		Name:             d.Name,
		MuxSession:       d.MuxSession,
		MuxPane:          d.MuxPane,
		ProjectPath:      d.ProjectPath,
		Mode:             d.Mode,
		WorkspaceType:    d.WorkspaceType,
		Status:           StatusIdle,
		CreatedAt:        now,
		LastActivity:     now,
		ConnectedClients: make(map[string]struct{}),
	}
	r.sessions[s.ID] = s

	if err := r.persistLocked(); err != nil {
		delete(r.sessions, s.ID)
		return nil, err
	}

	metrics.ActiveSessions.Set(float64(len(r.sessions)))
	r.emitUpdated(s.ID, "created")
	return s.clone(), nil
}

// Patch describes a partial session update. Nil fields are left unchanged.
type Patch struct {
	Status       *Status
	MuxPane      *string
	PipeActive   *bool
	LastActivity *time.Time
}

// Update applies a patch, persists, and emits session:updated with the names
// of the changed fields.
func (r *Registry) Update(sessionID string, p Patch) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}

	var fields []string
	if p.Status != nil && *p.Status != s.Status {
		s.Status = *p.Status
		fields = append(fields, "status")
	}
	if p.MuxPane != nil && *p.MuxPane != s.MuxPane {
		s.MuxPane = *p.MuxPane
		fields = append(fields, "muxPane")
	}
	if p.PipeActive != nil && *p.PipeActive != s.PipeActive {
		s.PipeActive = *p.PipeActive
		fields = append(fields, "pipeActive")
	}
	if p.LastActivity != nil {
		s.LastActivity = *p.LastActivity
		fields = append(fields, "lastActivity")
	}
	if len(fields) == 0 {
		return nil
	}

	if err := r.persistLocked(); err != nil {
		return err
	}
	r.emitUpdated(sessionID, fields...)
	return nil
}

// Delete removes a session. Returns ErrNotFound if absent.
func (r *Registry) Delete(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[sessionID]; !ok {
		return ErrNotFound
	}
	delete(r.sessions, sessionID)

	if err := r.persistLocked(); err != nil {
		return err
	}
	metrics.ActiveSessions.Set(float64(len(r.sessions)))
	r.emitUpdated(sessionID, "deleted")
	return nil
}

// Get returns a session copy by id.
func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return s.clone(), true
}

// FindByName returns all sessions with the given display name.
func (r *Registry) FindByName(name string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Session
	for _, s := range r.sessions {
		if s.Name == name {
			out = append(out, s.clone())
		}
	}
	return out
}

// FindByMuxName returns the session backed by the given mux session, if any.
func (r *Registry) FindByMuxName(muxSession string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		if s.MuxSession == muxSession {
			return s.clone(), true
		}
	}
	return nil, false
}

// GetAll returns copies of every registered session.
func (r *Registry) GetAll() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.clone())
	}
	return out
}

// Size returns the number of registered sessions.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// AddClient records a connected viewer client on the session.
func (r *Registry) AddClient(sessionID, clientID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.ConnectedClients[clientID] = struct{}{}
	return nil
}

// RemoveClient drops a viewer client. A second call for the same client is a
// no-op, so transport-close and manual-disconnect paths can both run it.
func (r *Registry) RemoveClient(sessionID, clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionID]; ok {
		delete(s.ConnectedClients, clientID)
	}
}

// MarkOfflineExcept flips to offline every session whose mux session is not
// in the live set. Called once at startup after listing live mux sessions.
func (r *Registry) MarkOfflineExcept(live map[string]bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var changed []string
	for _, s := range r.sessions {
		if !live[s.MuxSession] && s.Status != StatusOffline {
			s.Status = StatusOffline
			changed = append(changed, s.ID)
		}
	}
	if len(changed) == 0 {
		return nil
	}
	if err := r.persistLocked(); err != nil {
		return err
	}
	for _, sid := range changed {
		r.emitUpdated(sid, "status")
	}
	return nil
}

// persistLocked rewrites the registry file atomically (write temp, rename).
// Callers hold r.mu, so mutations reach disk in acceptance order.
func (r *Registry) persistLocked() error {
	pf := persistFile{Sessions: make([]*Session, 0, len(r.sessions))}
	for _, s := range r.sessions {
		pf.Sessions = append(pf.Sessions, s)
	}

	data, err := json.MarshalIndent(pf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}

	dir := filepath.Dir(r.path)
	tmp, err := os.CreateTemp(dir, ".sessions-*.json")
	if err != nil {
		return fmt.Errorf("create temp registry: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close registry: %w", err)
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace registry: %w", err)
	}
	return nil
}

func (r *Registry) emitUpdated(sessionID string, fields ...string) {
	if r.bus != nil {
		r.bus.Emit(EventSessionUpdated, SessionUpdate{ID: sessionID, Fields: fields})
	}
}
