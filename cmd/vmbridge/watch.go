// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/vmbridge/cmd/vmbridge/cli"
	"github.com/bureau-foundation/vmbridge/lib/api"
)

const defaultWatchInterval = 2 * time.Second

type instancesWatchOptions struct {
	connection
	interval time.Duration
}

func instancesWatchCommand() *cli.Command {
	var options instancesWatchOptions
	return &cli.Command{
		Name:    "watch",
		Summary: "Live view of registered instances",
		Description: `Poll the manager's instance list and redraw it in place. Press r to
refresh immediately and q to quit.`,
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("watch", pflag.ContinueOnError)
			options.addFlags(flags)
			flags.DurationVar(&options.interval, "interval", defaultWatchInterval, "poll interval")
			return flags
		},
		Run: func(ctx context.Context, args []string) error {
			if err := requireArgs(args, 0, "vmbridge instances watch [flags]"); err != nil {
				return err
			}
			if options.interval <= 0 {
				return errors.New("--interval must be positive")
			}
			client, err := options.client()
			if err != nil {
				return err
			}
			fetch := func(ctx context.Context) ([]api.Instance, error) {
				list, err := client.Instances(ctx)
				return list.Instances, err
			}
			model := newWatchModel(ctx, fetch, options.interval, client.BaseURL())
			_, err = tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx)).Run()
			if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
}

// watchKeyMap holds the watch view's bindings.
type watchKeyMap struct {
	Refresh key.Binding
	Quit    key.Binding
}

var defaultWatchKeys = watchKeyMap{
	Refresh: key.NewBinding(
		key.WithKeys("r"),
		key.WithHelp("r", "refresh"),
	),
	Quit: key.NewBinding(
		key.WithKeys("q", "esc", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
}

// instancesMsg carries one poll's result.
type instancesMsg struct {
	instances []api.Instance
	err       error
	at        time.Time
}

// pollTickMsg schedules the next poll.
type pollTickMsg struct{}

type watchModel struct {
	ctx      context.Context
	fetch    func(context.Context) ([]api.Instance, error)
	interval time.Duration
	server   string
	keys     watchKeyMap
	styles   tableStyles
	title    lipgloss.Style
	help     lipgloss.Style
	failure  lipgloss.Style
	now      func() time.Time

	instances []api.Instance
	err       error
	updated   time.Time
	loaded    bool
	width     int
}

func newWatchModel(ctx context.Context, fetch func(context.Context) ([]api.Instance, error), interval time.Duration, server string) watchModel {
	return watchModel{
		ctx:      ctx,
		fetch:    fetch,
		interval: interval,
		server:   server,
		keys:     defaultWatchKeys,
		styles:   newTableStyles(true),
		title:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")),
		help:     lipgloss.NewStyle().Foreground(lipgloss.Color("243")),
		failure:  lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		now:      time.Now,
	}
}

func (model watchModel) Init() tea.Cmd {
	return model.poll()
}

func (model watchModel) poll() tea.Cmd {
	return func() tea.Msg {
		instances, err := model.fetch(model.ctx)
		return instancesMsg{instances: instances, err: err, at: model.now()}
	}
}

func (model watchModel) scheduleTick() tea.Cmd {
	return tea.Tick(model.interval, func(time.Time) tea.Msg {
		return pollTickMsg{}
	})
}

func (model watchModel) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch message := message.(type) {
	case tea.WindowSizeMsg:
		model.width = message.Width
		return model, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(message, model.keys.Quit):
			return model, tea.Quit
		case key.Matches(message, model.keys.Refresh):
			return model, model.poll()
		}
		return model, nil

	case instancesMsg:
		model.loaded = true
		model.updated = message.at
		model.err = message.err
		if message.err == nil {
			model.instances = message.instances
		}
		return model, model.scheduleTick()

	case pollTickMsg:
		return model, model.poll()
	}
	return model, nil
}

func (model watchModel) View() string {
	var builder strings.Builder
	builder.WriteString(model.title.Render("vmbridge instances"))
	builder.WriteString(model.help.Render("  " + model.server))
	builder.WriteString("\n\n")

	switch {
	case !model.loaded:
		builder.WriteString("Loading…\n")
	case len(model.instances) == 0:
		builder.WriteString("No instances.\n")
	default:
		builder.WriteString(renderInstances(model.instances, model.styles, model.now(), model.width))
	}

	builder.WriteByte('\n')
	if model.err != nil {
		builder.WriteString(model.failure.Render("error: " + model.err.Error()))
		builder.WriteByte('\n')
	}
	status := ""
	if model.loaded {
		status = fmt.Sprintf("updated %s  ", model.updated.Format(time.TimeOnly))
	}
	builder.WriteString(model.help.Render(status + helpLine(model.keys.Refresh, model.keys.Quit)))
	return builder.String()
}

func helpLine(bindings ...key.Binding) string {
	parts := make([]string, 0, len(bindings))
	for _, binding := range bindings {
		help := binding.Help()
		parts = append(parts, help.Key+" "+help.Desc)
	}
	return strings.Join(parts, " · ")
}
