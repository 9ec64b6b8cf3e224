package ui

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-runewidth"

	"github.com/haricheung/agrimind/internal/agents"
	"github.com/haricheung/agrimind/internal/types"
)

// ANSI codes
const (
	ansiReset  = "\033[0m"
	ansiBold   = "\033[1m"
	ansiDim    = "\033[2m"
	ansiCyan   = "\033[36m"
	ansiYellow = "\033[33m"
	ansiGreen  = "\033[32m"
)

// ApprovalPrompt is printed under a recommendation that needs a human decision.
const ApprovalPrompt = "⚠️  Human approval required: type /approve or /deny [reason]"

// statusCols keeps the spinner line inside an 80-column terminal.
const statusCols = 60

var spinRunes = []rune("⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏")

// Display renders the live pipeline for a terminal session.
// It reads session events and animates a spinner naming the active agent.
type Display struct {
	events <-chan types.Event
	w      io.Writer

	mu      sync.Mutex
	status  string
	state   types.Status
	started time.Time
	inRun   bool
	spinIdx int
}

// New creates a Display reading from events and writing to w.
func New(events <-chan types.Event, w io.Writer) *Display {
	return &Display{events: events, w: w}
}

// Run renders until ctx is cancelled or events is closed.
// All terminal writes happen on this goroutine.
func (d *Display) Run(ctx context.Context) {
	ticker := time.NewTicker(80 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Fprint(d.w, "\r\033[K")
			return
		case ev, ok := <-d.events:
			if !ok {
				return
			}
			d.handle(ev)
		case <-ticker.C:
			d.spin()
		}
	}
}

func (d *Display) spin() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.inRun || d.status == "" {
		return
	}
	frame := spinRunes[d.spinIdx%len(spinRunes)]
	d.spinIdx++
	fmt.Fprintf(d.w, "\r%s%s%s %s", ansiCyan, string(frame), ansiReset, d.status)
}

func (d *Display) handle(ev types.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch p := ev.Payload.(type) {
	case types.ProcessingChange:
		if p.Processing {
			d.startRun()
		} else if d.inRun {
			d.endRun()
		}
	case types.ActiveAgentChange:
		d.status = agentStatus(p.AgentID)
	case types.SharedMemory:
		d.state = p.Status
	case types.LogEntry:
		d.clearLine()
		fmt.Fprintln(d.w, logLine(p))
	case types.Message:
		d.clearLine()
		d.printMessage(p)
	case types.HistoricalRecord:
		d.clearLine()
		fmt.Fprintf(d.w, "%s  💾 archived %s (%s, %s)%s\n", ansiDim, p.ID, p.CropType, p.Outcome, ansiReset)
	}
}

func (d *Display) clearLine() {
	if d.inRun {
		fmt.Fprint(d.w, "\r\033[K")
	}
}

func (d *Display) startRun() {
	d.started = time.Now()
	d.inRun = true
	d.status = "collecting context..."
	fmt.Fprintf(d.w, "\n%s┌─── 🚜 agrimind pipeline %s%s\n", ansiDim, strings.Repeat("─", 36), ansiReset)
}

func (d *Display) endRun() {
	d.inRun = false
	d.status = ""
	elapsed := time.Since(d.started).Round(time.Millisecond)
	icon := "✅"
	switch d.state {
	case types.StatusError:
		icon = "❌"
	case types.StatusAwaitingApproval:
		icon = "⏸️"
	}
	fmt.Fprintf(d.w, "\r\033[K%s└─── %s  %v %s%s\n", ansiDim, icon, elapsed, strings.Repeat("─", 35), ansiReset)
}

func (d *Display) printMessage(m types.Message) {
	switch m.Role {
	case types.RoleUser:
		fmt.Fprintf(d.w, "%s👤 %s%s\n", ansiDim, clipCols(m.Content, statusCols), ansiReset)
	case types.RoleSystem:
		fmt.Fprintf(d.w, "%s%s%s\n", ansiDim, m.Content, ansiReset)
	case types.RoleAgent:
		info := agents.Info(m.AgentID)
		fmt.Fprintf(d.w, "\n%s%s %s%s\n%s\n", ansiBold+ansiGreen, info.Icon, info.Name, ansiReset, m.Content)
		if m.IsApprovalRequired {
			fmt.Fprintf(d.w, "\n%s%s%s\n", ansiYellow, ApprovalPrompt, ansiReset)
		}
	}
}

// agentStatus returns the spinner label for the active agent ("" when none).
func agentStatus(id types.AgentID) string {
	if id == "" {
		return ""
	}
	info := agents.Info(id)
	return clipCols(fmt.Sprintf("%s %s working...", info.Icon, info.Name), statusCols)
}

func logLine(e types.LogEntry) string {
	info := agents.Info(e.AgentID)
	text := clipCols(e.Text, statusCols)
	switch e.Type {
	case types.LogWarning:
		return fmt.Sprintf("  %s %s%s%s", info.Icon, ansiYellow, text, ansiReset)
	case types.LogDecision:
		return fmt.Sprintf("  %s %s%s%s", info.Icon, ansiGreen, text, ansiReset)
	}
	return fmt.Sprintf("  %s %s%s:%s %s", info.Icon, ansiDim, info.Name, ansiReset, text)
}

// clipCols truncates s to at most cols terminal columns, appending "…" if trimmed.
func clipCols(s string, cols int) string {
	if runewidth.StringWidth(s) <= cols {
		return s
	}
	return runewidth.Truncate(s, cols, "…")
}
