// Package tmux is a thin adapter over the tmux CLI. Every call shells out to
// the external binary with a bounded deadline and no retries; callers
// translate failures into their own error kinds.
package tmux

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// DefaultTimeout bounds each individual tmux invocation.
const DefaultTimeout = 5 * time.Second

// Result holds the outcome of a single tmux invocation. Err is non-nil only
// for spawn or deadline failures; a non-zero exit is reported via ExitCode.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes the tmux binary. Extracted as an interface so tests can
// substitute a fake without a tmux server.
type Runner interface {
	Run(ctx context.Context, args ...string) (Result, error)
}

// Adapter wraps a Runner with the operations the session layer needs.
type Adapter struct {
	runner  Runner
	timeout time.Duration
}

// New creates an Adapter that drives the real tmux binary.
func New() *Adapter {
	return NewWithRunner(&execRunner{bin: "tmux"})
}

// NewWithRunner creates an Adapter with a custom Runner (used in tests).
func NewWithRunner(r Runner) *Adapter {
	return &Adapter{runner: r, timeout: DefaultTimeout}
}

func (a *Adapter) run(ctx context.Context, args ...string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	res, err := a.runner.Run(ctx, args...)
	if err != nil {
		return res, fmt.Errorf("tmux %s: %w", args[0], err)
	}
	return res, nil
}

// HasSession reports whether a session with the exact name exists.
func (a *Adapter) HasSession(ctx context.Context, name string) (bool, error) {
	res, err := a.run(ctx, "has-session", "-t", "="+name)
	if err != nil {
		return false, err
	}
	return res.ExitCode == 0, nil
}

// NewSession creates a detached session with the given name and working
// directory and returns the session name tmux actually assigned.
func (a *Adapter) NewSession(ctx context.Context, name, cwd string) (string, error) {
	args := []string{"new-session", "-d", "-s", name, "-P", "-F", "#{session_name}"}
	if cwd != "" {
		args = append(args, "-c", cwd)
	}
	res, err := a.run(ctx, args...)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("tmux new-session: %s", strings.TrimSpace(res.Stderr))
	}
	return strings.TrimSpace(res.Stdout), nil
}

// KillSession terminates the named session.
func (a *Adapter) KillSession(ctx context.Context, name string) error {
	res, err := a.run(ctx, "kill-session", "-t", "="+name)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("tmux kill-session: %s", strings.TrimSpace(res.Stderr))
	}
	return nil
}

// ListSessions returns the names of all live sessions. An unreachable tmux
// server is an error; discovery treats it as "no sessions".
func (a *Adapter) ListSessions(ctx context.Context) ([]string, error) {
	res, err := a.run(ctx, "list-sessions", "-F", "#{session_name}")
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("tmux list-sessions: %s", strings.TrimSpace(res.Stderr))
	}
	var names []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// ListPanes resolves the first pane of the named session to a fully
// qualified pane reference (session:window.pane).
func (a *Adapter) ListPanes(ctx context.Context, name string) (string, error) {
	res, err := a.run(ctx, "list-panes", "-t", "="+name,
		"-F", "#{session_name}:#{window_index}.#{pane_index}")
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("tmux list-panes: %s", strings.TrimSpace(res.Stderr))
	}
	for _, line := range strings.Split(res.Stdout, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line, nil
		}
	}
	return "", fmt.Errorf("tmux list-panes: session %q has no panes", name)
}

// CapturePane returns the pane's visible content plus up to `lines` of
// scrollback (0 captures only the visible screen).
func (a *Adapter) CapturePane(ctx context.Context, pane string, lines int) (string, error) {
	args := []string{"capture-pane", "-p", "-t", pane}
	if lines > 0 {
		args = append(args, "-S", fmt.Sprintf("-%d", lines))
	}
	res, err := a.run(ctx, args...)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("tmux capture-pane: %s", strings.TrimSpace(res.Stderr))
	}
	return res.Stdout, nil
}

// SendKeys types text into the pane byte-for-byte. The -l flag disables key
// name lookup so embedded newlines and control characters survive. Enter is
// sent as a separate key press when requested.
func (a *Adapter) SendKeys(ctx context.Context, pane, text string, enter bool) error {
	if text != "" {
		res, err := a.run(ctx, "send-keys", "-t", pane, "-l", "--", text)
		if err != nil {
			return err
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("tmux send-keys: %s", strings.TrimSpace(res.Stderr))
		}
	}
	if enter {
		res, err := a.run(ctx, "send-keys", "-t", pane, "Enter")
		if err != nil {
			return err
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("tmux send-keys Enter: %s", strings.TrimSpace(res.Stderr))
		}
	}
	return nil
}

// SendInterrupt delivers the Ctrl-C key to the pane.
func (a *Adapter) SendInterrupt(ctx context.Context, pane string) error {
	res, err := a.run(ctx, "send-keys", "-t", pane, "C-c")
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("tmux send-keys C-c: %s", strings.TrimSpace(res.Stderr))
	}
	return nil
}
