// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/bureau-foundation/vmbridge/lib/api"
)

// Instance states as shown in the STATE column.
const (
	stateOnline  = "online"
	stateOffline = "offline"
	stateStopped = "stopped"
)

// tableStyles colors the instance table. The plain variant renders
// every style as identity so piped output carries no escapes.
type tableStyles struct {
	header  lipgloss.Style
	online  lipgloss.Style
	offline lipgloss.Style
	stopped lipgloss.Style
	faint   lipgloss.Style
}

func newTableStyles(color bool) tableStyles {
	if !color {
		plain := lipgloss.NewStyle()
		return tableStyles{header: plain, online: plain, offline: plain, stopped: plain, faint: plain}
	}
	return tableStyles{
		header:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("252")),
		online:  lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		offline: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		stopped: lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		faint:   lipgloss.NewStyle().Foreground(lipgloss.Color("243")),
	}
}

func instanceState(instance api.Instance) string {
	switch {
	case instance.Stopped:
		return stateStopped
	case instance.Online:
		return stateOnline
	default:
		return stateOffline
	}
}

func (styles tableStyles) state(state string) lipgloss.Style {
	switch state {
	case stateOnline:
		return styles.online
	case stateStopped:
		return styles.stopped
	default:
		return styles.offline
	}
}

// renderInstances lays the instances out as a table. Rows wider than
// width are truncated; width 0 disables truncation.
func renderInstances(instances []api.Instance, styles tableStyles, now time.Time, width int) string {
	headers := []string{"ID", "NAME", "STATE", "LAST SEEN", "RUN AT"}
	rows := make([][]string, 0, len(instances))
	for _, instance := range instances {
		rows = append(rows, []string{
			instance.ID,
			instance.Name,
			instanceState(instance),
			lastSeen(instance.LastSeenAt, now),
			instance.RunAt,
		})
	}

	widths := make([]int, len(headers))
	for column, header := range headers {
		widths[column] = len(header)
	}
	for _, row := range rows {
		for column, cell := range row {
			widths[column] = max(widths[column], ansi.StringWidth(cell))
		}
	}

	var builder strings.Builder
	writeLine := func(line string) {
		if width > 0 {
			line = ansi.Truncate(line, width, "…")
		}
		builder.WriteString(line)
		builder.WriteByte('\n')
	}

	cells := make([]string, len(headers))
	for column, header := range headers {
		cells[column] = styles.header.Render(pad(header, widths[column]))
	}
	writeLine(strings.TrimRight(strings.Join(cells, "  "), " "))

	for _, row := range rows {
		for column, cell := range row {
			padded := pad(cell, widths[column])
			switch column {
			case 2:
				cells[column] = styles.state(cell).Render(padded)
			case 3:
				cells[column] = styles.faint.Render(padded)
			default:
				cells[column] = padded
			}
		}
		writeLine(strings.TrimRight(strings.Join(cells, "  "), " "))
	}
	return builder.String()
}

func pad(cell string, width int) string {
	if gap := width - ansi.StringWidth(cell); gap > 0 {
		return cell + strings.Repeat(" ", gap)
	}
	return cell
}

// lastSeen formats a heartbeat timestamp relative to now. Zero means
// never seen or stopped.
func lastSeen(ms int64, now time.Time) string {
	if ms == 0 {
		return "never"
	}
	elapsed := now.Sub(time.UnixMilli(ms))
	switch {
	case elapsed < time.Second:
		return "just now"
	case elapsed < time.Minute:
		return fmt.Sprintf("%ds ago", int(elapsed/time.Second))
	case elapsed < time.Hour:
		return fmt.Sprintf("%dm ago", int(elapsed/time.Minute))
	case elapsed < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(elapsed/time.Hour))
	default:
		return fmt.Sprintf("%dd ago", int(elapsed/(24*time.Hour)))
	}
}
