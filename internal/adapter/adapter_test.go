package adapter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindmux/mindmux/internal/common/logger"
	"github.com/mindmux/mindmux/internal/monitor"
	v1 "github.com/mindmux/mindmux/pkg/api/v1"
)

type fakeMux struct {
	sent     []string
	rawKeys  []string
	captures []string
	capIdx   int
	sendErr  error
}

func (f *fakeMux) SendKeystrokes(_ context.Context, _ string, text string) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeMux) SendRaw(_ context.Context, _ string, key string) error {
	f.rawKeys = append(f.rawKeys, key)
	return nil
}

func (f *fakeMux) CapturePane(_ context.Context, _ string, _ int) (string, error) {
	if f.capIdx >= len(f.captures) {
		return "", nil
	}
	out := f.captures[f.capIdx]
	f.capIdx++
	return out, nil
}

type fakeWaiter struct {
	result monitor.Result
	idle   bool
}

func (f *fakeWaiter) WaitForIdle(_ context.Context, _ string, _ monitor.Options) monitor.Result {
	return f.result
}

func (f *fakeWaiter) IsIdle(_ context.Context, _ string, _ time.Duration) (bool, error) {
	return f.idle, nil
}

func testAdapter(t *testing.T, mux Multiplexer, waiter Waiter) *cliAdapter {
	t.Helper()
	p := profile{
		Command:      "claude",
		Args:         []string{"--dangerously-skip-permissions"},
		ModelFlag:    "--model",
		ReadyTimeout: 30,
		QuitCommand:  "/exit",
		InterruptKey: "C-c",
		Install:      "npm install -g @anthropic-ai/claude-code",
	}
	return newCLIAdapter(v1.AgentKindClaude, p, mux, waiter, logger.Default())
}

func TestSpawnCommand(t *testing.T) {
	a := testAdapter(t, &fakeMux{}, &fakeWaiter{})

	cmd := a.spawnCommand(SpawnOptions{})
	assert.Equal(t, "claude --dangerously-skip-permissions", cmd)

	cmd = a.spawnCommand(SpawnOptions{Model: "opus", WorkDir: "/tmp/work dir"})
	assert.Equal(t, "cd '/tmp/work dir' && claude --dangerously-skip-permissions --model 'opus'", cmd)
}

func TestBuildPayloadSingleLine(t *testing.T) {
	got := buildPayload(`run "echo $HOME; ls | wc"`)
	assert.Equal(t, `run \"echo \$HOME\; ls \| wc\"`, got)
}

func TestBuildPayloadMultiLine(t *testing.T) {
	got := buildPayload("first\nsecond")
	assert.Equal(t, "<<'MINDMUX_EOF'\nfirst\nsecond\nMINDMUX_EOF", got)
}

func TestDiffOutput(t *testing.T) {
	assert.Equal(t, "new text", diffOutput("old text", "old text\nnew text"))

	// Pane scrolled: anchor on the snapshot's last line.
	assert.Equal(t, "response", diffOutput("a\nb\nc", "b\nc\nresponse"))

	// Anchor gone entirely.
	assert.Equal(t, "fresh", diffOutput("vanished", "fresh"))

	assert.Equal(t, "all", diffOutput("", "all"))
}

func TestSendPromptSuccess(t *testing.T) {
	mux := &fakeMux{captures: []string{"> prompt"}}
	waiter := &fakeWaiter{result: monitor.Result{
		Status: monitor.StatusComplete,
		Output: "> prompt\nthe answer",
	}}
	a := testAdapter(t, mux, waiter)

	res := a.SendPrompt(context.Background(), "s", "question", PromptOptions{})
	require.NoError(t, res.Err)
	assert.True(t, res.Success)
	assert.Equal(t, "the answer", res.Output)
	require.Len(t, mux.sent, 1)
	assert.Equal(t, "question", mux.sent[0])
}

func TestSendPromptTimeout(t *testing.T) {
	mux := &fakeMux{captures: []string{""}}
	waiter := &fakeWaiter{result: monitor.Result{Status: monitor.StatusTimeout, Output: "partial"}}
	a := testAdapter(t, mux, waiter)

	res := a.SendPrompt(context.Background(), "s", "question", PromptOptions{Timeout: time.Second})
	assert.False(t, res.Success)
	assert.Error(t, res.Err)
	assert.Equal(t, "partial", res.Output)
}

func TestTerminateUsesQuitCommand(t *testing.T) {
	mux := &fakeMux{}
	a := testAdapter(t, mux, &fakeWaiter{})

	err := a.Terminate(context.Background(), "s")
	require.NoError(t, err)
	require.Len(t, mux.sent, 1)
	assert.Equal(t, "/exit", mux.sent[0])
	assert.Empty(t, mux.rawKeys)
}

func TestTerminateFallsBackToInterrupt(t *testing.T) {
	mux := &fakeMux{}
	a := testAdapter(t, mux, &fakeWaiter{})
	a.profile.QuitCommand = ""

	err := a.Terminate(context.Background(), "s")
	require.NoError(t, err)
	assert.Empty(t, mux.sent)
	require.Len(t, mux.rawKeys, 1)
	assert.Equal(t, "C-c", mux.rawKeys[0])
}

func TestRegistryCoversAllKinds(t *testing.T) {
	reg, err := NewRegistry(&fakeMux{}, &fakeWaiter{}, logger.Default())
	require.NoError(t, err)

	for _, kind := range []v1.AgentKind{v1.AgentKindClaude, v1.AgentKindGemini, v1.AgentKindGPT4, v1.AgentKindOpencode} {
		a, err := reg.Get(kind)
		require.NoError(t, err, "kind %s", kind)
		assert.Equal(t, kind, a.Kind())
		assert.NotEmpty(t, a.Command())
	}

	_, err = reg.Get(v1.AgentKind("cursor"))
	assert.Error(t, err)
}
