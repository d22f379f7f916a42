// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/bureau-foundation/vmbridge/cmd/vmbridge/cli"
	"github.com/bureau-foundation/vmbridge/lib/api"
)

func instancesCommand() *cli.Command {
	return &cli.Command{
		Name:    "instances",
		Summary: "List and manage instances (manager only)",
		Description: `Manage the instances registered with a manager server. These commands
authenticate with the session from 'vmbridge login' or with the API key.`,
		Subcommands: []*cli.Command{
			instancesListCommand(),
			instancesCreateCommand(),
			instanceIDCommand(api.ActionStart, "Start a stopped instance's processes"),
			instancesTerminateCommand(),
			instancesRenameCommand(),
			instanceIDCommand(api.ActionDelete, "Terminate an instance and remove it from the registry"),
			instancesWatchCommand(),
		},
	}
}

type instancesListOptions struct {
	connection
	cli.JSONOutput
}

func instancesListCommand() *cli.Command {
	var options instancesListOptions
	return &cli.Command{
		Name:    "list",
		Summary: "List registered instances",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("list", pflag.ContinueOnError)
			options.addFlags(flags)
			options.AddFlag(flags)
			return flags
		},
		Run: func(ctx context.Context, args []string) error {
			if err := requireArgs(args, 0, "vmbridge instances list [flags]"); err != nil {
				return err
			}
			client, err := options.client()
			if err != nil {
				return err
			}
			list, err := client.Instances(ctx)
			if err != nil {
				return err
			}
			if done, err := options.EmitJSON(stdout, list.Instances); done {
				return err
			}
			if len(list.Instances) == 0 {
				fmt.Fprintln(stdout, "No instances.")
				return nil
			}
			fmt.Fprint(stdout, renderInstances(list.Instances, newTableStyles(isTerminal(os.Stdout)), time.Now(), terminalWidth()))
			return nil
		},
	}
}

type instancesCreateOptions struct {
	connection
	cli.JSONOutput
	name       string
	diskSource string
	port       int
}

func instancesCreateCommand() *cli.Command {
	var options instancesCreateOptions
	return &cli.Command{
		Name:    "create",
		Summary: "Provision a new instance",
		Description: `Spawn a worker server and an agent for a new instance and wait until the
worker answers. Unset values fall back to the manager's defaults: a
generated name, the configured disk source, and a free port.`,
		Examples: []cli.Example{
			{Command: "vmbridge instances create --name build-box --port 8123"},
		},
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("create", pflag.ContinueOnError)
			options.addFlags(flags)
			options.AddFlag(flags)
			flags.StringVar(&options.name, "name", "", "instance name")
			flags.StringVar(&options.diskSource, "disk-source", "", "disk image URL for the instance")
			flags.IntVar(&options.port, "port", 0, "worker port (0 allocates one)")
			return flags
		},
		Run: func(ctx context.Context, args []string) error {
			if err := requireArgs(args, 0, "vmbridge instances create [flags]"); err != nil {
				return err
			}
			action := api.InstanceAction{
				Action:     api.ActionCreate,
				Name:       options.name,
				DiskSource: options.diskSource,
			}
			if options.port != 0 {
				action.Port = options.port
			}
			response, err := runInstanceAction(ctx, &options.connection, action)
			if err != nil {
				return err
			}
			if done, err := options.EmitJSON(stdout, response); done {
				return err
			}
			if response.Instance != nil {
				fmt.Fprintf(stdout, "created %s (%s) at %s\n", response.Instance.ID, response.Instance.Name, response.Instance.RunAt)
			}
			return nil
		},
	}
}

type instanceIDOptions struct {
	connection
	cli.JSONOutput
}

// instanceIDCommand builds the commands whose only argument is an
// instance id.
func instanceIDCommand(action, summary string) *cli.Command {
	var options instanceIDOptions
	usage := fmt.Sprintf("vmbridge instances %s [flags] <instance-id>", action)
	return &cli.Command{
		Name:    action,
		Summary: summary,
		Usage:   usage,
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet(action, pflag.ContinueOnError)
			options.addFlags(flags)
			options.AddFlag(flags)
			return flags
		},
		Run: func(ctx context.Context, args []string) error {
			if err := requireArgs(args, 1, usage); err != nil {
				return err
			}
			response, err := runInstanceAction(ctx, &options.connection, api.InstanceAction{Action: action, ID: args[0]})
			if err != nil {
				return err
			}
			if done, err := options.EmitJSON(stdout, response); done {
				return err
			}
			switch {
			case response.Instance != nil:
				fmt.Fprintf(stdout, "%s: %s at %s\n", action, response.Instance.ID, response.Instance.RunAt)
			default:
				fmt.Fprintf(stdout, "%s: %s\n", action, args[0])
			}
			return nil
		},
	}
}

type instancesTerminateOptions struct {
	connection
	cli.JSONOutput
}

func instancesTerminateCommand() *cli.Command {
	var options instancesTerminateOptions
	return &cli.Command{
		Name:    api.ActionTerminate,
		Summary: "Stop an instance's agent and worker",
		Description: `Ask the instance's agent to exit at its next heartbeat, then signal the
worker and agent processes the manager started. The instance stays
registered as stopped and can be started again.`,
		Usage: "vmbridge instances terminate [flags] <instance-id>",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("terminate", pflag.ContinueOnError)
			options.addFlags(flags)
			options.AddFlag(flags)
			return flags
		},
		Run: func(ctx context.Context, args []string) error {
			if err := requireArgs(args, 1, "vmbridge instances terminate [flags] <instance-id>"); err != nil {
				return err
			}
			response, err := runInstanceAction(ctx, &options.connection, api.InstanceAction{Action: api.ActionTerminate, ID: args[0]})
			if err != nil {
				return err
			}
			if done, err := options.EmitJSON(stdout, response); done {
				return err
			}
			fmt.Fprintf(stdout, "terminate requested: %t\n", response.TerminateRequested)
			for _, killed := range response.Killed {
				fmt.Fprintf(stdout, "  signalled %s (pid %d)\n", killed.Type, killed.PID)
			}
			for _, failure := range response.Errors {
				fmt.Fprintf(os.Stderr, "  failed to signal %s (pid %d): %s\n", failure.Type, failure.PID, failure.Error)
			}
			return nil
		},
	}
}

type instancesRenameOptions struct {
	connection
	cli.JSONOutput
}

func instancesRenameCommand() *cli.Command {
	var options instancesRenameOptions
	return &cli.Command{
		Name:    api.ActionRename,
		Summary: "Change an instance's display name",
		Usage:   "vmbridge instances rename [flags] <instance-id> <new-name>",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("rename", pflag.ContinueOnError)
			options.addFlags(flags)
			options.AddFlag(flags)
			return flags
		},
		Run: func(ctx context.Context, args []string) error {
			if err := requireArgs(args, 2, "vmbridge instances rename [flags] <instance-id> <new-name>"); err != nil {
				return err
			}
			response, err := runInstanceAction(ctx, &options.connection, api.InstanceAction{
				Action:  api.ActionRename,
				ID:      args[0],
				NewName: args[1],
			})
			if err != nil {
				return err
			}
			if done, err := options.EmitJSON(stdout, response); done {
				return err
			}
			fmt.Fprintf(stdout, "renamed %s to %s\n", args[0], args[1])
			return nil
		},
	}
}

func runInstanceAction(ctx context.Context, conn *connection, action api.InstanceAction) (api.InstanceActionResponse, error) {
	client, err := conn.client()
	if err != nil {
		return api.InstanceActionResponse{}, err
	}
	return client.InstanceAction(ctx, action)
}

func isTerminal(file *os.File) bool {
	return term.IsTerminal(int(file.Fd()))
}

// terminalWidth returns stdout's width, or 0 when it is not a
// terminal.
func terminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return 0
	}
	return width
}
