// Package ui renders engine state for the terminal.
package ui

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/regattaflow/regatta/internal/record"
	"github.com/regattaflow/regatta/internal/status"
)

// Styles holds the lipgloss styles used by the CLI output.
type Styles struct {
	Title   lipgloss.Style
	Label   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Danger  lipgloss.Style
	Muted   lipgloss.Style
}

// NewStyles builds the style set. When color is false every style renders
// plain text.
func NewStyles(color bool) Styles {
	if !color {
		s := lipgloss.NewStyle()
		return Styles{Title: s, Label: s, Success: s, Warning: s, Danger: s, Muted: s}
	}
	return Styles{
		Title:   lipgloss.NewStyle().Bold(true),
		Label:   lipgloss.NewStyle().Foreground(lipgloss.Color("6")),
		Success: lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
		Warning: lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
		Danger:  lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
		Muted:   lipgloss.NewStyle().Faint(true),
	}
}

// ColorEnabled reports whether stdout wants styled output: a real
// terminal with a color profile, unless NO_COLOR is set.
func ColorEnabled() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return false
	}
	return termenv.ColorProfile() != termenv.Ascii
}

// RenderStatus formats an engine status snapshot.
func RenderStatus(st status.Status, s Styles) string {
	var b strings.Builder

	b.WriteString(s.Title.Render("Sync status"))
	b.WriteString("\n")

	online := s.Danger.Render("offline")
	if st.IsOnline {
		online = s.Success.Render("online")
	}
	fmt.Fprintf(&b, "  %s %s", s.Label.Render("connectivity:"), online)
	if st.IsSyncing {
		fmt.Fprintf(&b, " %s", s.Warning.Render("(syncing)"))
	}
	b.WriteString("\n")

	queued := fmt.Sprintf("%d", st.QueueLength)
	if st.QueueLength > 0 {
		queued = s.Warning.Render(queued)
	}
	fmt.Fprintf(&b, "  %s %s\n", s.Label.Render("queued:"), queued)

	if st.FailedItems > 0 {
		fmt.Fprintf(&b, "  %s %s\n", s.Label.Render("failed:"),
			s.Danger.Render(fmt.Sprintf("%d (see 'regatta failed list')", st.FailedItems)))
	}

	last := s.Muted.Render("never")
	if st.LastSyncAt != nil {
		last = st.LastSyncAt.Local().Format("2006-01-02 15:04:05")
	}
	fmt.Fprintf(&b, "  %s %s\n", s.Label.Render("last sync:"), last)

	return b.String()
}

// RenderQueueItems formats queue items one per line.
func RenderQueueItems(items []*record.QueueItem, s Styles) string {
	if len(items) == 0 {
		return s.Muted.Render("no items") + "\n"
	}

	var b strings.Builder
	for _, item := range items {
		fmt.Fprintf(&b, "%s  %s %s  p%d  retries=%d",
			s.Muted.Render(item.ID),
			s.Label.Render(string(item.Kind)),
			item.Action, item.Priority, item.Retries)
		if item.LastError != "" {
			fmt.Fprintf(&b, "  %s", s.Danger.Render(item.LastError))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// RenderDrainResult formats the outcome of a forced sync.
func RenderDrainResult(attempted, delivered, retried, failed int, took time.Duration, s Styles) string {
	if attempted == 0 {
		return s.Muted.Render("nothing to sync") + "\n"
	}

	parts := []string{
		s.Success.Render(fmt.Sprintf("%d delivered", delivered)),
	}
	if retried > 0 {
		parts = append(parts, s.Warning.Render(fmt.Sprintf("%d will retry", retried)))
	}
	if failed > 0 {
		parts = append(parts, s.Danger.Render(fmt.Sprintf("%d failed", failed)))
	}
	return fmt.Sprintf("%s in %s\n", strings.Join(parts, ", "), took.Round(time.Millisecond))
}
