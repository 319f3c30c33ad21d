// Package session holds the durable session registry and the lifecycle
// manager for tmux-backed agent sessions.
package session

import (
	"time"
)

// Mode controls how the tmux session name is derived and how the session is
// treated by discovery.
type Mode string

const (
	ModeStandalone Mode = "standalone"
	ModeSwarm      Mode = "swarm"
	ModeExternal   Mode = "external"
)

// WorkspaceType records which kind of checkout the agent runs in.
type WorkspaceType string

const (
	WorkspacePrimary  WorkspaceType = "primary"
	WorkspaceWorktree WorkspaceType = "worktree"
	WorkspaceCopy     WorkspaceType = "copy"
)

// Status is the agent session's coarse activity state.
type Status string

const (
	StatusIdle              Status = "idle"
	StatusWorking           Status = "working"
	StatusWaitingPermission Status = "waiting_permission"
	StatusOffline           Status = "offline"
)

// Session is a registered tmux-backed agent session.
type Session struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	MuxSession    string        `json:"muxSession"`
	MuxPane       string        `json:"muxPane"`
	ProjectPath   string        `json:"projectPath"`
	Mode          Mode          `json:"mode"`
	WorkspaceType WorkspaceType `json:"workspaceType"`
	Status        Status        `json:"status"`
	PipeActive    bool          `json:"pipeActive"`
	CreatedAt     time.Time     `json:"createdAt"`
	LastActivity  time.Time     `json:"lastActivity"`

	// ConnectedClients is runtime-only state managed by the bridge.
	ConnectedClients map[string]struct{} `json:"-"`
}

// clone returns a copy safe to hand to callers. The client set is copied so
// readers never alias registry-internal state.
func (s *Session) clone() *Session {
	c := *s
	c.ConnectedClients = make(map[string]struct{}, len(s.ConnectedClients))
	for k := range s.ConnectedClients {
		c.ConnectedClients[k] = struct{}{}
	}
	return &c
}
