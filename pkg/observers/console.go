package observers

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/daalu-io/daalu/pkg/engine"
)

const (
	markRunning = "[..]"
	markOK      = "[OK]"
	markFailed  = "[!!]"
	markRetry   = "[??]"
	markSkipped = "[--]"
)

// consoleStyles are bound to the renderer of the output writer, so colour
// is dropped when the writer is not a terminal.
type consoleStyles struct {
	title   lipgloss.Style
	running lipgloss.Style
	ok      lipgloss.Style
	failed  lipgloss.Style
	warning lipgloss.Style
	dim     lipgloss.Style
}

func newConsoleStyles(r *lipgloss.Renderer) consoleStyles {
	var (
		green  = lipgloss.Color("#22c55e")
		red    = lipgloss.Color("#ef4444")
		yellow = lipgloss.Color("#eab308")
		blue   = lipgloss.Color("#3b82f6")
		dim    = lipgloss.Color("#6b7280")
	)
	return consoleStyles{
		title:   r.NewStyle().Bold(true),
		running: r.NewStyle().Foreground(blue),
		ok:      r.NewStyle().Foreground(green),
		failed:  r.NewStyle().Foreground(red).Bold(true),
		warning: r.NewStyle().Foreground(yellow),
		dim:     r.NewStyle().Foreground(dim),
	}
}

// Console renders human-readable progress lines.
type Console struct {
	mu     sync.Mutex
	out    io.Writer
	styles consoleStyles
}

// NewConsole creates a console observer writing to out.
func NewConsole(out io.Writer) *Console {
	return &Console{
		out:    out,
		styles: newConsoleStyles(lipgloss.NewRenderer(out)),
	}
}

// Name implements engine.Observer.
func (c *Console) Name() string { return "console" }

// OnEvent implements engine.Observer.
func (c *Console) OnEvent(_ context.Context, e engine.Event) error {
	line := c.render(e)
	if line == "" {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintln(c.out, line)
	return err
}

func (c *Console) render(e engine.Event) string {
	s := c.styles
	subject := e.ComponentID
	if e.Phase != "" {
		subject += "/" + string(e.Phase)
	}

	switch e.Kind {
	case engine.EventRunStarted:
		header := s.title.Render("Deployment run " + e.RunID)
		if plan := payloadStrings(e, "plan"); len(plan) > 0 {
			header += s.dim.Render(" plan: " + strings.Join(plan, " -> "))
		}
		if dryRun, _ := e.Payload["dry_run"].(bool); dryRun {
			header += s.warning.Render(" (dry run)")
		}
		return header

	case engine.EventStarted:
		msg := s.running.Render(markRunning) + " " + subject
		if e.Attempt > 1 {
			msg += s.dim.Render(fmt.Sprintf(" attempt %d", e.Attempt))
		}
		return msg

	case engine.EventRetrying:
		msg := s.warning.Render(markRetry) + " " + subject + " retrying"
		if ms, ok := payloadInt(e, "delay_ms"); ok {
			msg += " in " + (time.Duration(ms) * time.Millisecond).String()
		}
		if errMsg := payloadString(e, "error"); errMsg != "" {
			msg += s.dim.Render(": " + errMsg)
		}
		return msg

	case engine.EventSucceeded:
		msg := s.ok.Render(markOK) + " " + subject
		if ms, ok := payloadInt(e, "duration_ms"); ok {
			msg += s.dim.Render(" (" + (time.Duration(ms) * time.Millisecond).String() + ")")
		}
		return msg

	case engine.EventFailed:
		msg := s.failed.Render(markFailed) + " " + subject + " failed"
		if errMsg := payloadString(e, "error"); errMsg != "" {
			msg += ": " + errMsg
		}
		return msg

	case engine.EventSkipped:
		msg := s.dim.Render(markSkipped + " " + subject + " skipped")
		if reason := payloadString(e, "reason"); reason != "" {
			msg += s.dim.Render(" (" + reason + ")")
		}
		if desc := payloadString(e, "description"); desc != "" {
			msg += s.dim.Render(": " + desc)
		}
		return msg

	case engine.EventRunFinished:
		status := engine.RunStatus(payloadString(e, "status"))
		style := s.ok
		if !status.IsSuccess() {
			style = s.failed
		}
		succeeded, _ := payloadInt(e, "succeeded")
		failed, _ := payloadInt(e, "failed")
		skipped, _ := payloadInt(e, "skipped")
		pending, _ := payloadInt(e, "pending")
		return style.Render("Run "+string(status)) + s.dim.Render(fmt.Sprintf(
			" succeeded=%d failed=%d skipped=%d pending=%d", succeeded, failed, skipped, pending))
	}

	return ""
}
