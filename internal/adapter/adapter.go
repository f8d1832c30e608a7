// Package adapter drives the assistant CLIs hosted inside multiplexer
// sessions. Each assistant variant gets one adapter built from a profile
// table; variants differ only in spawn command, quit token, and install
// hint, so adding a variant is a profile entry, not new code.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mindmux/mindmux/internal/common/logger"
	"github.com/mindmux/mindmux/internal/monitor"
	v1 "github.com/mindmux/mindmux/pkg/api/v1"
)

// Multiplexer is the driver surface the adapters need.
type Multiplexer interface {
	SendKeystrokes(ctx context.Context, sessionName, text string) error
	SendRaw(ctx context.Context, sessionName, key string) error
	CapturePane(ctx context.Context, sessionName string, lineCount int) (string, error)
}

// Waiter detects output stability. The output monitor satisfies it.
type Waiter interface {
	WaitForIdle(ctx context.Context, sessionName string, opts monitor.Options) monitor.Result
	IsIdle(ctx context.Context, sessionName string, probe time.Duration) (bool, error)
}

// SpawnOptions tune process startup.
type SpawnOptions struct {
	WorkDir string
	Model   string
}

// PromptOptions tune a single prompt round trip.
type PromptOptions struct {
	Timeout time.Duration
}

// SendResult is the outcome of one prompt round trip.
type SendResult struct {
	Success  bool
	Output   string
	Duration time.Duration
	Err      error
}

// Adapter is the per-variant contract for driving an assistant CLI.
type Adapter interface {
	Kind() v1.AgentKind
	// Command returns the shell command the adapter expects on PATH.
	Command() string
	// CheckInstalled probes PATH. On a miss the second return value holds
	// human install instructions.
	CheckInstalled() (bool, string)
	// SpawnProcess launches the CLI inside the session and waits for its
	// prompt to stabilize.
	SpawnProcess(ctx context.Context, sessionName string, opts SpawnOptions) error
	// SendPrompt pushes a prompt into the running CLI and returns the new
	// output produced in response.
	SendPrompt(ctx context.Context, sessionName, prompt string, opts PromptOptions) SendResult
	// IsIdle reports whether the pane produced no output between two probes.
	IsIdle(ctx context.Context, sessionName string) (bool, error)
	// Terminate asks the CLI to quit and waits briefly for it to exit.
	Terminate(ctx context.Context, sessionName string) error
}

const heredocMarker = "MINDMUX_EOF"

// ErrNotReady is returned by SpawnProcess when the CLI launched but its
// prompt never stabilized. The session is left alive for inspection.
var ErrNotReady = errors.New("assistant CLI did not become ready")

// profile is one variant's row in the adapter table.
type profile struct {
	Command      string   `yaml:"command"`
	Args         []string `yaml:"args"`
	ModelFlag    string   `yaml:"modelFlag"`
	ReadyTimeout int      `yaml:"readyTimeout"` // in seconds
	QuitCommand  string   `yaml:"quitCommand"`
	InterruptKey string   `yaml:"interruptKey"`
	Install      string   `yaml:"install"`
}

type cliAdapter struct {
	kind    v1.AgentKind
	profile profile
	mux     Multiplexer
	waiter  Waiter
	log     *logger.Logger
}

func newCLIAdapter(kind v1.AgentKind, p profile, mux Multiplexer, waiter Waiter, log *logger.Logger) *cliAdapter {
	return &cliAdapter{
		kind:    kind,
		profile: p,
		mux:     mux,
		waiter:  waiter,
		log:     log.WithFields(zap.String("adapter", string(kind))),
	}
}

func (a *cliAdapter) Kind() v1.AgentKind { return a.kind }

func (a *cliAdapter) Command() string { return a.profile.Command }

func (a *cliAdapter) CheckInstalled() (bool, string) {
	if _, err := exec.LookPath(a.profile.Command); err != nil {
		return false, fmt.Sprintf("%s not found on PATH; install it with: %s", a.profile.Command, a.profile.Install)
	}
	return true, ""
}

// spawnCommand builds the shell line that launches the CLI.
func (a *cliAdapter) spawnCommand(opts SpawnOptions) string {
	parts := []string{a.profile.Command}
	parts = append(parts, a.profile.Args...)
	if opts.Model != "" && a.profile.ModelFlag != "" {
		parts = append(parts, a.profile.ModelFlag, shellQuote(opts.Model))
	}
	cmd := strings.Join(parts, " ")
	if opts.WorkDir != "" {
		cmd = "cd " + shellQuote(opts.WorkDir) + " && " + cmd
	}
	return cmd
}

func (a *cliAdapter) SpawnProcess(ctx context.Context, sessionName string, opts SpawnOptions) error {
	if ok, hint := a.CheckInstalled(); !ok {
		return fmt.Errorf("adapter %s: %s", a.kind, hint)
	}

	cmd := a.spawnCommand(opts)
	a.log.Info("spawning assistant CLI",
		zap.String("session", sessionName),
		zap.String("command", a.profile.Command))
	if err := a.mux.SendKeystrokes(ctx, sessionName, cmd); err != nil {
		return fmt.Errorf("adapter %s: failed to launch: %w", a.kind, err)
	}

	readyTimeout := time.Duration(a.profile.ReadyTimeout) * time.Second
	if readyTimeout <= 0 {
		readyTimeout = 30 * time.Second
	}
	result := a.waiter.WaitForIdle(ctx, sessionName, monitor.Options{Timeout: readyTimeout})
	switch result.Status {
	case monitor.StatusComplete:
		return nil
	case monitor.StatusTimeout:
		return fmt.Errorf("adapter %s: %w within %s", a.kind, ErrNotReady, readyTimeout)
	default:
		return fmt.Errorf("adapter %s: readiness wait failed: %w", a.kind, result.Err)
	}
}

func (a *cliAdapter) SendPrompt(ctx context.Context, sessionName, prompt string, opts PromptOptions) SendResult {
	start := time.Now()

	snapshotRaw, err := a.mux.CapturePane(ctx, sessionName, 0)
	if err != nil {
		return SendResult{Duration: time.Since(start), Err: fmt.Errorf("adapter %s: snapshot failed: %w", a.kind, err)}
	}
	snapshot := monitor.Normalize(snapshotRaw)

	payload := buildPayload(prompt)
	if err := a.mux.SendKeystrokes(ctx, sessionName, payload); err != nil {
		return SendResult{Duration: time.Since(start), Err: fmt.Errorf("adapter %s: send failed: %w", a.kind, err)}
	}

	result := a.waiter.WaitForIdle(ctx, sessionName, monitor.Options{Timeout: opts.Timeout})
	switch result.Status {
	case monitor.StatusComplete:
		return SendResult{
			Success:  true,
			Output:   diffOutput(snapshot, result.Output),
			Duration: time.Since(start),
		}
	case monitor.StatusTimeout:
		return SendResult{
			Output:   diffOutput(snapshot, result.Output),
			Duration: time.Since(start),
			Err:      fmt.Errorf("adapter %s: response timed out", a.kind),
		}
	default:
		return SendResult{Duration: time.Since(start), Err: fmt.Errorf("adapter %s: output wait failed: %w", a.kind, result.Err)}
	}
}

func (a *cliAdapter) IsIdle(ctx context.Context, sessionName string) (bool, error) {
	return a.waiter.IsIdle(ctx, sessionName, 500*time.Millisecond)
}

func (a *cliAdapter) Terminate(ctx context.Context, sessionName string) error {
	var err error
	if a.profile.QuitCommand != "" {
		err = a.mux.SendKeystrokes(ctx, sessionName, a.profile.QuitCommand)
	} else {
		err = a.mux.SendRaw(ctx, sessionName, a.profile.InterruptKey)
	}
	if err != nil {
		return fmt.Errorf("adapter %s: terminate failed: %w", a.kind, err)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Second):
	}
	return nil
}

// buildPayload prepares prompt text for keystroke delivery. Multi-line
// prompts are wrapped in a heredoc so embedded newlines arrive as one
// input; single-line prompts get shell metacharacters escaped.
func buildPayload(prompt string) string {
	if strings.Contains(prompt, "\n") {
		return "<<'" + heredocMarker + "'\n" + prompt + "\n" + heredocMarker
	}
	return escapeMetacharacters(prompt)
}

var metacharReplacer = strings.NewReplacer(
	`\`, `\\`,
	`"`, `\"`,
	"`", "\\`",
	`$`, `\$`,
	`;`, `\;`,
	`&`, `\&`,
	`|`, `\|`,
)

func escapeMetacharacters(s string) string {
	return metacharReplacer.Replace(s)
}

// shellQuote single-quotes a value for embedding in a shell command line.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// diffOutput returns the pane text that appeared after the snapshot. If
// the snapshot is no longer a prefix (the pane scrolled), it anchors on
// the snapshot's last non-empty line instead, and falls back to the full
// output when no anchor survives.
func diffOutput(snapshot, output string) string {
	if snapshot == "" {
		return strings.TrimSpace(output)
	}
	if strings.HasPrefix(output, snapshot) {
		return strings.TrimSpace(output[len(snapshot):])
	}

	anchor := ""
	for _, line := range strings.Split(snapshot, "\n") {
		if strings.TrimSpace(line) != "" {
			anchor = line
		}
	}
	if anchor != "" {
		if idx := strings.LastIndex(output, anchor); idx >= 0 {
			return strings.TrimSpace(output[idx+len(anchor):])
		}
	}
	return strings.TrimSpace(output)
}
