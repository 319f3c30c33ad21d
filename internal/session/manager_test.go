package session

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adjutant/adjutant/internal/tmux"
)

// scriptRunner maps the leading tmux subcommand to a scripted response.
type scriptRunner struct {
	calls     [][]string
	responses map[string]tmux.Result
}

func (f *scriptRunner) Run(_ context.Context, args ...string) (tmux.Result, error) {
	f.calls = append(f.calls, args)
	if res, ok := f.responses[args[0]]; ok {
		return res, nil
	}
	return tmux.Result{}, nil
}

func (f *scriptRunner) callCount(sub string) int {
	n := 0
	for _, c := range f.calls {
		if c[0] == sub {
			n++
		}
	}
	return n
}

func newTestManager(t *testing.T, f *scriptRunner, opts ManagerOptions) *Manager {
	t.Helper()
	reg, err := NewRegistry(filepath.Join(t.TempDir(), "sessions.json"), nil)
	require.NoError(t, err)
	return NewManager(tmux.NewWithRunner(f), reg, opts)
}

func happyRunner(name string) *scriptRunner {
	return &scriptRunner{responses: map[string]tmux.Result{
		"has-session":   {ExitCode: 1},
		"new-session":   {Stdout: name + "\n"},
		"list-panes":    {Stdout: name + ":0.0\n"},
		"send-keys":     {},
		"list-sessions": {Stdout: name + "\n"},
	}}
}

func TestMuxName(t *testing.T) {
	assert.Equal(t, "adj-my-agent", MuxName(ModeStandalone, "my agent"))
	assert.Equal(t, "adj-swarm-bot.1", MuxName(ModeSwarm, "bot.1"))
	assert.Equal(t, "raw-name", MuxName(ModeExternal, "raw/name"))
}

func TestCreateSession_HappyPath(t *testing.T) {
	f := happyRunner("adj-x")
	m := newTestManager(t, f, ManagerOptions{})

	s, err := m.CreateSession(context.Background(), CreateDraft{Name: "x", ProjectPath: "/tmp/p"})
	require.NoError(t, err)

	assert.Equal(t, "adj-x", s.MuxSession)
	assert.Equal(t, "adj-x:0.0", s.MuxPane)
	assert.Equal(t, StatusIdle, s.Status)
	assert.Equal(t, ModeStandalone, s.Mode)

	// The agent CLI is typed into the pane with Enter.
	var sent []string
	for _, c := range f.calls {
		if c[0] == "send-keys" {
			sent = append(sent, strings.Join(c, " "))
		}
	}
	require.NotEmpty(t, sent)
	assert.Contains(t, sent[0], DefaultAgentCommand)
}

func TestCreateSession_LimitReached(t *testing.T) {
	f := happyRunner("adj-x")
	m := newTestManager(t, f, ManagerOptions{MaxSessions: 2})

	_, err := m.Registry().Create(draft("a"))
	require.NoError(t, err)
	_, err = m.Registry().Create(draft("b"))
	require.NoError(t, err)

	_, err = m.CreateSession(context.Background(), CreateDraft{Name: "x", ProjectPath: "/tmp"})
	assert.ErrorIs(t, err, ErrSessionLimit)
	assert.Zero(t, f.callCount("new-session"), "no mux session may be spawned at the limit")
}

func TestCreateSession_AlreadyExists(t *testing.T) {
	f := happyRunner("adj-x")
	f.responses["has-session"] = tmux.Result{ExitCode: 0}
	m := newTestManager(t, f, ManagerOptions{})

	_, err := m.CreateSession(context.Background(), CreateDraft{Name: "x", ProjectPath: "/tmp"})
	assert.ErrorIs(t, err, ErrSessionExists)
	assert.Zero(t, f.callCount("new-session"))
}

func TestCreateSession_PaneFailureRollsBack(t *testing.T) {
	f := happyRunner("adj-x")
	f.responses["list-panes"] = tmux.Result{ExitCode: 1, Stderr: "no such session\n"}
	m := newTestManager(t, f, ManagerOptions{})

	_, err := m.CreateSession(context.Background(), CreateDraft{Name: "x", ProjectPath: "/tmp"})
	require.Error(t, err)
	assert.Equal(t, 1, f.callCount("kill-session"), "partial session must be killed")
	assert.Equal(t, 0, m.Registry().Size(), "registry must not be mutated")
}

func TestKillSession(t *testing.T) {
	f := happyRunner("adj-x")
	m := newTestManager(t, f, ManagerOptions{})

	s, err := m.CreateSession(context.Background(), CreateDraft{Name: "x", ProjectPath: "/tmp"})
	require.NoError(t, err)

	assert.True(t, m.KillSession(context.Background(), s.ID))
	assert.Equal(t, 0, m.Registry().Size())
	assert.False(t, m.KillSession(context.Background(), s.ID), "second kill finds nothing")
}

func TestKillSession_IgnoresMuxFailure(t *testing.T) {
	f := happyRunner("adj-x")
	m := newTestManager(t, f, ManagerOptions{})
	s, err := m.CreateSession(context.Background(), CreateDraft{Name: "x", ProjectPath: "/tmp"})
	require.NoError(t, err)

	f.responses["kill-session"] = tmux.Result{ExitCode: 1, Stderr: "session not found\n"}
	assert.True(t, m.KillSession(context.Background(), s.ID), "registry entry removed even when the pane is gone")
}

func TestIsAlive(t *testing.T) {
	f := happyRunner("adj-x")
	m := newTestManager(t, f, ManagerOptions{})
	s, err := m.CreateSession(context.Background(), CreateDraft{Name: "x", ProjectPath: "/tmp"})
	require.NoError(t, err)

	f.responses["has-session"] = tmux.Result{ExitCode: 0}
	assert.True(t, m.IsAlive(context.Background(), s.ID))

	f.responses["has-session"] = tmux.Result{ExitCode: 1}
	assert.False(t, m.IsAlive(context.Background(), s.ID))

	assert.False(t, m.IsAlive(context.Background(), "missing-id"))
}

func TestDiscoverSessions(t *testing.T) {
	f := happyRunner("adj-x")
	f.responses["list-sessions"] = tmux.Result{Stdout: "adj-one\nadj-two\nother\n"}
	f.responses["list-panes"] = tmux.Result{Stdout: "adj-one:0.0\n"}
	m := newTestManager(t, f, ManagerOptions{})

	ids, err := m.DiscoverSessions(context.Background(), "adj-")
	require.NoError(t, err)
	assert.Len(t, ids, 2, "prefix filter excludes 'other'")

	// Re-discovery skips already-registered sessions.
	ids, err = m.DiscoverSessions(context.Background(), "adj-")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestDiscoverSessions_NoMuxServer(t *testing.T) {
	f := &scriptRunner{responses: map[string]tmux.Result{
		"list-sessions": {ExitCode: 1, Stderr: "no server running\n"},
	}}
	m := newTestManager(t, f, ManagerOptions{})

	ids, err := m.DiscoverSessions(context.Background(), "")
	require.NoError(t, err, "missing mux daemon is not an error")
	assert.Empty(t, ids)
}

func TestDiscoverSessions_UnresolvablePaneRegistersOffline(t *testing.T) {
	f := &scriptRunner{responses: map[string]tmux.Result{
		"list-sessions": {Stdout: "adj-ghost\n"},
		"list-panes":    {ExitCode: 1, Stderr: "can't find session\n"},
	}}
	m := newTestManager(t, f, ManagerOptions{})

	ids, err := m.DiscoverSessions(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, ids, 1)

	s, ok := m.Registry().Get(ids[0])
	require.True(t, ok)
	assert.Equal(t, StatusOffline, s.Status)
	assert.Empty(t, s.MuxPane)
}
