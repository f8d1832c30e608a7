// Package tmux drives the terminal multiplexer that hosts agent CLI
// sessions. Sessions are addressed by name, keystrokes are injected with
// send-keys, and pane contents are read back with capture-pane; the pane
// text is the ground truth for agent output.
package tmux

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"github.com/mindmux/mindmux/internal/common/config"
)

// Session name constraints. Names are the coordination medium between the
// lifecycle controller and recovery, so they are validated strictly.
const maxSessionNameLen = 200

var sessionNameRe = regexp.MustCompile(`^[A-Za-z0-9_%:-]+$`)

var (
	// ErrSessionExists is returned when creating a session whose name is taken.
	ErrSessionExists = fmt.Errorf("tmux: session already exists")
	// ErrSessionNotFound is returned when addressing a missing session.
	ErrSessionNotFound = fmt.Errorf("tmux: session not found")
	// ErrMultiplexerUnavailable is returned when the tmux binary cannot be
	// found or the server cannot be reached. Callers must treat this as a
	// hard precondition failure.
	ErrMultiplexerUnavailable = fmt.Errorf("tmux: multiplexer unavailable")
)

// Driver executes tmux commands against the local server.
type Driver struct {
	binary string
	prefix string
}

// NewDriver creates a driver for the configured multiplexer.
func NewDriver(cfg config.MultiplexerConfig) *Driver {
	return &Driver{binary: cfg.Binary, prefix: cfg.SessionPrefix}
}

// SessionPrefix returns the namespace prefix for sessions owned by this system.
func (d *Driver) SessionPrefix() string {
	return d.prefix
}

// SessionName builds the canonical session name for an agent id.
func (d *Driver) SessionName(agentID string) string {
	return d.prefix + "-" + agentID
}

// AgentIDFromSession extracts the agent id from a session name, or "" if
// the name does not belong to this system.
func (d *Driver) AgentIDFromSession(sessionName string) string {
	if !strings.HasPrefix(sessionName, d.prefix+"-") {
		return ""
	}
	return strings.TrimPrefix(sessionName, d.prefix+"-")
}

// ValidateName checks a session name against the whitelist.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("tmux: session name is empty")
	}
	if len(name) > maxSessionNameLen {
		return fmt.Errorf("tmux: session name exceeds %d characters", maxSessionNameLen)
	}
	if !sessionNameRe.MatchString(name) {
		return fmt.Errorf("tmux: session name %q contains characters outside [A-Za-z0-9_%%:-]", name)
	}
	return nil
}

// Available reports whether the tmux binary can be found on PATH.
func (d *Driver) Available() bool {
	_, err := exec.LookPath(d.binary)
	return err == nil
}

// run executes one tmux command and returns combined stdout.
func (d *Driver) run(ctx context.Context, args ...string) (string, error) {
	if _, err := exec.LookPath(d.binary); err != nil {
		return "", ErrMultiplexerUnavailable
	}
	cmd := exec.CommandContext(ctx, d.binary, args...)
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if ok := asExitError(err, &exitErr); ok {
			return string(out), fmt.Errorf("tmux %s: %s", args[0], strings.TrimSpace(string(exitErr.Stderr)))
		}
		return string(out), fmt.Errorf("tmux %s: %w", args[0], err)
	}
	return string(out), nil
}

func asExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if ok {
		*target = ee
	}
	return ok
}

// CreateSession creates a new detached session running the given shell.
// Fails with ErrSessionExists if the name is already taken.
func (d *Driver) CreateSession(ctx context.Context, name, shell, cwd string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	exists, err := d.HasSession(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		return ErrSessionExists
	}

	args := []string{"new-session", "-d", "-s", name}
	if cwd != "" {
		args = append(args, "-c", cwd)
	}
	if shell != "" {
		args = append(args, shell)
	}
	_, err = d.run(ctx, args...)
	return err
}

// HasSession reports whether a session with the given name exists.
func (d *Driver) HasSession(ctx context.Context, name string) (bool, error) {
	if err := ValidateName(name); err != nil {
		return false, err
	}
	if _, err := exec.LookPath(d.binary); err != nil {
		return false, ErrMultiplexerUnavailable
	}
	// has-session exits non-zero both when the session is missing and when
	// no server is running; either way the session does not exist.
	cmd := exec.CommandContext(ctx, d.binary, "has-session", "-t", "="+name)
	if err := cmd.Run(); err != nil {
		return false, nil
	}
	return true, nil
}

// ListSessions returns the names of sessions owned by this system,
// identified by the configured prefix. A missing server is not an error.
func (d *Driver) ListSessions(ctx context.Context) ([]string, error) {
	out, err := d.run(ctx, "list-sessions", "-F", "#{session_name}")
	if err != nil {
		if err == ErrMultiplexerUnavailable {
			return nil, err
		}
		// No server running means no sessions.
		return nil, nil
	}

	var names []string
	for _, line := range strings.Split(out, "\n") {
		name := strings.TrimSpace(line)
		if name == "" {
			continue
		}
		if strings.HasPrefix(name, d.prefix+"-") {
			names = append(names, name)
		}
	}
	return names, nil
}

// SendKeystrokes appends text followed by a newline to the session's
// active pane. The text is passed to send-keys in literal mode so tmux
// key names and shell control sequences inside it are not interpreted.
func (d *Driver) SendKeystrokes(ctx context.Context, name, text string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if _, err := d.run(ctx, "send-keys", "-t", "="+name, "-l", "--", text); err != nil {
		return err
	}
	_, err := d.run(ctx, "send-keys", "-t", "="+name, "Enter")
	return err
}

// SendRaw sends a tmux key name (e.g. "C-c", "Enter") without literal mode.
func (d *Driver) SendRaw(ctx context.Context, name, key string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	_, err := d.run(ctx, "send-keys", "-t", "="+name, key)
	return err
}

// CapturePane returns the most recent lineCount lines of the active pane.
func (d *Driver) CapturePane(ctx context.Context, name string, lineCount int) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	if lineCount <= 0 {
		lineCount = 200
	}
	out, err := d.run(ctx, "capture-pane", "-t", "="+name, "-p", "-S", fmt.Sprintf("-%d", lineCount))
	if err != nil {
		return "", err
	}
	return out, nil
}

// KillSession terminates a session. Killing a missing session is a no-op.
func (d *Driver) KillSession(ctx context.Context, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	exists, err := d.HasSession(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	_, err = d.run(ctx, "kill-session", "-t", "="+name)
	return err
}
