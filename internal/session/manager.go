package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/adjutant/adjutant/internal/metrics"
	"github.com/adjutant/adjutant/internal/tmux"
	"github.com/adjutant/adjutant/internal/util/sanitize"
)

// DefaultMaxSessions caps how many agent sessions may exist at once.
const DefaultMaxSessions = 10

// DefaultAgentCommand is the LLM CLI invocation typed into a fresh pane.
// The permissions-skip flag keeps the agent from stalling on its first tool
// call; callers can override the whole command via Draft args.
const DefaultAgentCommand = "claude --dangerously-skip-permissions"

// Lifecycle errors.
var (
	ErrSessionLimit  = errors.New("session limit reached")
	ErrSessionExists = errors.New("session already exists")
)

// Manager creates, kills, probes and discovers sessions on top of the mux
// adapter and the registry.
type Manager struct {
	mux      *tmux.Adapter
	registry *Registry
	maxN     int
	agentCmd string
}

// ManagerOptions tune a Manager.
type ManagerOptions struct {
	MaxSessions  int    // 0 means DefaultMaxSessions
	AgentCommand string // "" means DefaultAgentCommand
}

// NewManager wires a lifecycle Manager.
func NewManager(mux *tmux.Adapter, reg *Registry, opts ManagerOptions) *Manager {
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = DefaultMaxSessions
	}
	if opts.AgentCommand == "" {
		opts.AgentCommand = DefaultAgentCommand
	}
	return &Manager{
		mux:      mux,
		registry: reg,
		maxN:     opts.MaxSessions,
		agentCmd: opts.AgentCommand,
	}
}

// MuxName derives the tmux session name for a draft by mode.
//
//	standalone:  "adj-" + sanitize(name)
//	swarm:       "adj-swarm-" + sanitize(name)
//	external:    sanitize(name)
func MuxName(mode Mode, name string) string {
	clean := sanitize.MuxName(name)
	switch mode {
	case ModeSwarm:
		return "adj-swarm-" + clean
	case ModeExternal:
		return clean
	default:
		return "adj-" + clean
	}
}

// CreateDraft is the input to CreateSession.
type CreateDraft struct {
	Name          string
	ProjectPath   string
	Mode          Mode          // "" means standalone
	WorkspaceType WorkspaceType // "" means primary
	AgentArgs     []string      // extra args appended to the agent command
}

// CreateSession spawns a mux session, starts the agent CLI in its first
// pane, and registers the result. On any failure after the spawn the mux
// session is killed and the registry is left untouched.
func (m *Manager) CreateSession(ctx context.Context, d CreateDraft) (*Session, error) {
	if m.registry.Size() >= m.maxN {
		return nil, ErrSessionLimit
	}
	if d.Mode == "" {
		d.Mode = ModeStandalone
	}
	if d.WorkspaceType == "" {
		d.WorkspaceType = WorkspacePrimary
	}

	muxName := MuxName(d.Mode, d.Name)

	exists, err := m.mux.HasSession(ctx, muxName)
	if err != nil {
		return nil, fmt.Errorf("probe mux session: %w", err)
	}
	if exists {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, muxName)
	}

	assigned, err := m.mux.NewSession(ctx, muxName, d.ProjectPath)
	if err != nil {
		return nil, fmt.Errorf("spawn mux session: %w", err)
	}

	pane, err := m.mux.ListPanes(ctx, assigned)
	if err != nil {
		m.rollback(ctx, assigned)
		return nil, fmt.Errorf("resolve pane: %w", err)
	}

	cmd := m.agentCmd
	if len(d.AgentArgs) > 0 {
		cmd += " " + strings.Join(d.AgentArgs, " ")
	}
	if err := m.mux.SendKeys(ctx, pane, cmd, true); err != nil {
		m.rollback(ctx, assigned)
		return nil, fmt.Errorf("start agent: %w", err)
	}

	s, err := m.registry.Create(Draft{
		Name:          d.Name,
		MuxSession:    assigned,
		MuxPane:       pane,
		ProjectPath:   d.ProjectPath,
		Mode:          d.Mode,
		WorkspaceType: d.WorkspaceType,
	})
	if err != nil {
		m.rollback(ctx, assigned)
		return nil, err
	}

	metrics.SessionsCreatedTotal.Inc()
	slog.Info("session created",
		"session_id", s.ID, "mux_session", assigned, "pane", pane, "mode", d.Mode)
	return s, nil
}

// rollback kills a half-created mux session; failures are logged only.
func (m *Manager) rollback(ctx context.Context, muxName string) {
	if err := m.mux.KillSession(ctx, muxName); err != nil {
		slog.Warn("rollback kill failed", "mux_session", muxName, "error", err)
	}
}

// KillSession kills the mux session (best-effort; the pane may already be
// gone) and removes the registry entry. Returns whether an entry was removed.
func (m *Manager) KillSession(ctx context.Context, sessionID string) bool {
	s, ok := m.registry.Get(sessionID)
	if !ok {
		return false
	}

	if err := m.mux.KillSession(ctx, s.MuxSession); err != nil {
		slog.Debug("kill mux session failed (may already be gone)",
			"mux_session", s.MuxSession, "error", err)
	}

	if err := m.registry.Delete(sessionID); err != nil {
		return false
	}
	slog.Info("session killed", "session_id", sessionID, "mux_session", s.MuxSession)
	return true
}

// IsAlive reports whether the session's mux session still exists.
func (m *Manager) IsAlive(ctx context.Context, sessionID string) bool {
	s, ok := m.registry.Get(sessionID)
	if !ok {
		return false
	}
	alive, err := m.mux.HasSession(ctx, s.MuxSession)
	if err != nil {
		return false
	}
	return alive
}

// DiscoverSessions registers mux sessions that exist on the server but not
// in the registry, optionally filtered by name prefix. A missing mux daemon
// yields an empty result, not an error. Sessions whose pane cannot be
// resolved are registered with an empty pane ref and marked offline.
func (m *Manager) DiscoverSessions(ctx context.Context, prefix string) ([]string, error) {
	names, err := m.mux.ListSessions(ctx)
	if err != nil {
		slog.Debug("discovery: mux server unreachable", "error", err)
		return nil, nil
	}

	var registered []string
	for _, name := range names {
		if prefix != "" && !strings.HasPrefix(name, prefix) {
			continue
		}
		if _, exists := m.registry.FindByMuxName(name); exists {
			continue
		}
		if m.registry.Size() >= m.maxN {
			slog.Warn("discovery: session limit reached, skipping remainder", "mux_session", name)
			break
		}

		pane, paneErr := m.mux.ListPanes(ctx, name)
		s, err := m.registry.Create(Draft{
			Name:          name,
			MuxSession:    name,
			MuxPane:       pane,
			ProjectPath:   "",
			Mode:          ModeExternal,
			WorkspaceType: WorkspacePrimary,
		})
		if err != nil {
			slog.Warn("discovery: register failed", "mux_session", name, "error", err)
			continue
		}
		if paneErr != nil {
			offline := StatusOffline
			_ = m.registry.Update(s.ID, Patch{Status: &offline})
			slog.Warn("discovery: pane unresolved, session registered offline",
				"session_id", s.ID, "mux_session", name, "error", paneErr)
		}
		registered = append(registered, s.ID)
	}
	return registered, nil
}

// Touch bumps a session's last-activity timestamp.
func (m *Manager) Touch(sessionID string) {
	now := time.Now().UTC()
	_ = m.registry.Update(sessionID, Patch{LastActivity: &now})
}

// Registry exposes the underlying registry for read paths.
func (m *Manager) Registry() *Registry {
	return m.registry
}
