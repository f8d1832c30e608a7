package tmux

import (
	"context"
	"os/exec"
	"testing"

	"github.com/mindmux/mindmux/internal/common/config"
)

func testDriver() *Driver {
	return NewDriver(config.MultiplexerConfig{Binary: "tmux", SessionPrefix: "mindmux-test"})
}

func hasTmux() bool {
	_, err := exec.LookPath("tmux")
	return err == nil
}

func TestValidateName(t *testing.T) {
	valid := []string{"mindmux-a1", "a", "A_b%c:d-e", "x1234567890"}
	for _, name := range valid {
		if err := ValidateName(name); err != nil {
			t.Errorf("ValidateName(%q): unexpected error %v", name, err)
		}
	}

	invalid := []string{
		"",
		"has space",
		"semi;colon",
		"dollar$sign",
		"path/sep",
		"back`tick",
		"new\nline",
		string(make([]byte, 201)),
	}
	for _, name := range invalid {
		if err := ValidateName(name); err == nil {
			t.Errorf("ValidateName(%q): expected error", name)
		}
	}
}

func TestSessionNameRoundTrip(t *testing.T) {
	d := testDriver()

	name := d.SessionName("agent-42")
	if name != "mindmux-test-agent-42" {
		t.Errorf("SessionName = %q", name)
	}
	if got := d.AgentIDFromSession(name); got != "agent-42" {
		t.Errorf("AgentIDFromSession = %q, want agent-42", got)
	}
	if got := d.AgentIDFromSession("other-prefix-xyz"); got != "" {
		t.Errorf("AgentIDFromSession for foreign name = %q, want empty", got)
	}
}

func TestSessionLifecycle(t *testing.T) {
	if !hasTmux() {
		t.Skip("tmux not installed")
	}

	d := testDriver()
	ctx := context.Background()
	sessionName := d.SessionName("lifecycle")

	// Clean up any existing session
	_ = d.KillSession(ctx, sessionName)

	if err := d.CreateSession(ctx, sessionName, "", ""); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	defer func() { _ = d.KillSession(ctx, sessionName) }()

	has, err := d.HasSession(ctx, sessionName)
	if err != nil {
		t.Fatalf("HasSession: %v", err)
	}
	if !has {
		t.Error("expected session to exist after creation")
	}

	sessions, err := d.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	found := false
	for _, s := range sessions {
		if s == sessionName {
			found = true
			break
		}
	}
	if !found {
		t.Error("session not found in list")
	}

	if err := d.KillSession(ctx, sessionName); err != nil {
		t.Fatalf("KillSession: %v", err)
	}

	has, err = d.HasSession(ctx, sessionName)
	if err != nil {
		t.Fatalf("HasSession after kill: %v", err)
	}
	if has {
		t.Error("expected session to not exist after kill")
	}

	// Killing again is a no-op
	if err := d.KillSession(ctx, sessionName); err != nil {
		t.Errorf("KillSession on missing session: %v", err)
	}
}

func TestDuplicateSession(t *testing.T) {
	if !hasTmux() {
		t.Skip("tmux not installed")
	}

	d := testDriver()
	ctx := context.Background()
	sessionName := d.SessionName("dup")

	_ = d.KillSession(ctx, sessionName)

	if err := d.CreateSession(ctx, sessionName, "", ""); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	defer func() { _ = d.KillSession(ctx, sessionName) }()

	if err := d.CreateSession(ctx, sessionName, "", ""); err != ErrSessionExists {
		t.Errorf("expected ErrSessionExists, got %v", err)
	}
}

func TestListSessionsFiltersForeignSessions(t *testing.T) {
	if !hasTmux() {
		t.Skip("tmux not installed")
	}

	d := testDriver()
	ctx := context.Background()

	foreign := "unrelated-session-filter-test"
	cmd := exec.Command("tmux", "new-session", "-d", "-s", foreign)
	if err := cmd.Run(); err != nil {
		t.Skipf("could not create foreign session: %v", err)
	}
	defer func() { _ = exec.Command("tmux", "kill-session", "-t", foreign).Run() }()

	sessions, err := d.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	for _, s := range sessions {
		if s == foreign {
			t.Error("foreign session leaked into list")
		}
	}
}
