// Package monitor watches a multiplexer pane for output stability. It
// captures pane text on a fixed poll interval and reports completion once
// the normalized text has not changed for the idle threshold. The monitor
// only reads; it never writes to the session.
package monitor

import (
	"context"
	"hash/fnv"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mindmux/mindmux/internal/common/config"
	"github.com/mindmux/mindmux/internal/common/logger"
)

// Status is the outcome of a wait.
type Status string

const (
	StatusComplete Status = "complete"
	StatusTimeout  Status = "timeout"
	StatusError    Status = "error"
)

// Result carries the outcome of WaitForIdle.
type Result struct {
	Status   Status
	Output   string
	Duration time.Duration
	Err      error
}

// Capturer reads pane contents. The multiplexer driver satisfies it.
type Capturer interface {
	CapturePane(ctx context.Context, sessionName string, lineCount int) (string, error)
}

// Options tune a single wait. Zero values fall back to the monitor defaults.
type Options struct {
	PollInterval  time.Duration
	IdleThreshold time.Duration
	Timeout       time.Duration
}

// Monitor polls pane output until it stabilizes.
type Monitor struct {
	capturer     Capturer
	log          *logger.Logger
	pollInterval time.Duration
	idleDuration time.Duration
	timeout      time.Duration
	captureLines int
}

// New creates a monitor with defaults taken from configuration.
func New(capturer Capturer, cfg config.MonitorConfig, log *logger.Logger) *Monitor {
	return &Monitor{
		capturer:     capturer,
		log:          log.WithFields(zap.String("component", "monitor")),
		pollInterval: cfg.PollIntervalDuration(),
		idleDuration: cfg.IdleThresholdDuration(),
		timeout:      cfg.TimeoutDuration(),
		captureLines: cfg.CaptureLines,
	}
}

var ansiRe = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]|\x1b\][^\x07]*(\x07|\x1b\\)|\x1b[()][0-9A-B]`)

// Normalize strips ANSI escape sequences and trailing whitespace so cursor
// movement and redraws do not register as new output.
func Normalize(text string) string {
	text = ansiRe.ReplaceAllString(text, "")
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t\r")
	}
	return strings.TrimRight(strings.Join(lines, "\n"), "\n")
}

// hashText produces a stable fingerprint of normalized pane text.
func hashText(text string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	return h.Sum64()
}

// WaitForIdle polls the session's pane until the normalized text is
// unchanged for the idle threshold, the timeout elapses, or a capture
// fails. The returned output is the last captured pane text.
func (m *Monitor) WaitForIdle(ctx context.Context, sessionName string, opts Options) Result {
	pollInterval := m.pollInterval
	if opts.PollInterval > 0 {
		pollInterval = opts.PollInterval
	}
	idleThreshold := m.idleDuration
	if opts.IdleThreshold > 0 {
		idleThreshold = opts.IdleThreshold
	}
	timeout := m.timeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}

	start := time.Now()
	deadline := start.Add(timeout)

	var (
		lastHash   uint64
		lastOutput string
		stableFor  time.Duration
		seen       bool
	)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		raw, err := m.capturer.CapturePane(ctx, sessionName, m.captureLines)
		if err != nil {
			m.log.Warn("pane capture failed",
				zap.String("session", sessionName),
				zap.Error(err))
			return Result{Status: StatusError, Duration: time.Since(start), Err: err}
		}

		normalized := Normalize(raw)
		h := hashText(normalized)
		if seen && h == lastHash {
			stableFor += pollInterval
			if stableFor >= idleThreshold {
				return Result{Status: StatusComplete, Output: normalized, Duration: time.Since(start)}
			}
		} else {
			stableFor = 0
		}
		lastHash = h
		lastOutput = normalized
		seen = true

		if time.Now().After(deadline) {
			m.log.Warn("output wait timed out",
				zap.String("session", sessionName),
				zap.Duration("timeout", timeout))
			return Result{Status: StatusTimeout, Output: lastOutput, Duration: time.Since(start)}
		}

		select {
		case <-ctx.Done():
			return Result{Status: StatusError, Output: lastOutput, Duration: time.Since(start), Err: ctx.Err()}
		case <-ticker.C:
		}
	}
}

// IsIdle takes two captures separated by the probe interval and reports
// whether the normalized text was identical.
func (m *Monitor) IsIdle(ctx context.Context, sessionName string, probe time.Duration) (bool, error) {
	if probe <= 0 {
		probe = 500 * time.Millisecond
	}
	first, err := m.capturer.CapturePane(ctx, sessionName, m.captureLines)
	if err != nil {
		return false, err
	}
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-time.After(probe):
	}
	second, err := m.capturer.CapturePane(ctx, sessionName, m.captureLines)
	if err != nil {
		return false, err
	}
	return Normalize(first) == Normalize(second), nil
}
