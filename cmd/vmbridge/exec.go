// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/vmbridge/cmd/vmbridge/cli"
	"github.com/bureau-foundation/vmbridge/lib/api"
	"github.com/bureau-foundation/vmbridge/lib/cmdqueue"
)

type execOptions struct {
	connection
	cli.JSONOutput
	noWait bool
}

func execCommand() *cli.Command {
	var options execOptions
	return &cli.Command{
		Name:    "exec",
		Summary: "Run a shell command in an instance",
		Description: `Queue a shell command on the server and, unless --no-wait is given,
block until the instance's agent reports the result. The command's
output is written to stdout and vmbridge exits with its exit code.

When the server stops waiting before the command resolves, the command
id is printed so the result can be fetched later with 'vmbridge status'.`,
		Usage: "vmbridge exec [flags] -- <command> [args...]",
		Examples: []cli.Example{
			{Description: "Check who the shell runs as", Command: "vmbridge exec whoami"},
			{Description: "Queue a long build and return at once", Command: "vmbridge exec --no-wait -- make -j8"},
		},
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("exec", pflag.ContinueOnError)
			options.addFlags(flags)
			options.AddFlag(flags)
			flags.BoolVar(&options.noWait, "no-wait", false, "return once the command is queued")
			flags.SetInterspersed(false)
			return flags
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("usage: vmbridge exec [flags] -- <command> [args...]")
			}
			client, err := options.client()
			if err != nil {
				return err
			}
			response, err := client.Submit(ctx, strings.Join(args, " "), !options.noWait)
			if err != nil {
				return err
			}
			if done, err := options.EmitJSON(stdout, response); done {
				return err
			}
			return printSubmission(response)
		},
	}
}

// printSubmission writes a resolved command's output and converts a
// non-zero exit code into an ExitError.
func printSubmission(response api.SubmitResponse) error {
	if !cmdqueue.Status(response.Status).Resolved() {
		fmt.Fprintf(os.Stderr, "%s\ncommand id: %s\n", response.Message, response.CommandID)
		return nil
	}
	if response.Output != nil {
		output := *response.Output
		fmt.Fprint(stdout, output)
		if output != "" && !strings.HasSuffix(output, "\n") {
			fmt.Fprintln(stdout)
		}
	}
	if response.Error != nil && *response.Error != "" {
		fmt.Fprintf(os.Stderr, "error: %s\n", *response.Error)
	}
	if response.ExitCode != nil && *response.ExitCode != 0 {
		return &cli.ExitError{Code: *response.ExitCode}
	}
	if response.ExitCode == nil && response.Status == string(cmdqueue.StatusError) {
		return &cli.ExitError{Code: 1}
	}
	return nil
}

type statusOptions struct {
	connection
	cli.JSONOutput
}

func statusCommand() *cli.Command {
	var options statusOptions
	return &cli.Command{
		Name:    "status",
		Summary: "Show server health or a command's state",
		Description: `Without arguments, report the server's role and version. With a
command id, print that command's status and, once resolved, its output.`,
		Usage: "vmbridge status [flags] [command-id]",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("status", pflag.ContinueOnError)
			options.addFlags(flags)
			options.AddFlag(flags)
			return flags
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) > 1 {
				return fmt.Errorf("usage: vmbridge status [flags] [command-id]")
			}
			client, err := options.client()
			if err != nil {
				return err
			}
			if len(args) == 0 {
				health, err := client.Health(ctx)
				if err != nil {
					return err
				}
				if done, err := options.EmitJSON(stdout, health); done {
					return err
				}
				fmt.Fprintf(stdout, "%s: %s (role %s, version %s)\n", client.BaseURL(), health.Status, health.Role, health.Version)
				return nil
			}

			snapshot, err := client.Command(ctx, args[0])
			if err != nil {
				return err
			}
			if done, err := options.EmitJSON(stdout, snapshot); done {
				return err
			}
			printSnapshot(snapshot)
			return nil
		},
	}
}

func printSnapshot(snapshot api.CommandSnapshot) {
	writer := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "id\t%s\n", snapshot.CommandID)
	fmt.Fprintf(writer, "command\t%s\n", snapshot.Command)
	fmt.Fprintf(writer, "status\t%s\n", snapshot.Status)
	fmt.Fprintf(writer, "created\t%s\n", formatMillis(snapshot.CreatedAt))
	if snapshot.CompletedAt != nil {
		fmt.Fprintf(writer, "completed\t%s\n", formatMillis(*snapshot.CompletedAt))
	}
	if snapshot.ExitCode != nil {
		fmt.Fprintf(writer, "exit code\t%d\n", *snapshot.ExitCode)
	}
	if snapshot.Error != "" {
		fmt.Fprintf(writer, "error\t%s\n", snapshot.Error)
	}
	writer.Flush()
	if snapshot.Output != "" {
		fmt.Fprintf(stdout, "\n%s", snapshot.Output)
		if !strings.HasSuffix(snapshot.Output, "\n") {
			fmt.Fprintln(stdout)
		}
	}
}

type commandsOptions struct {
	connection
	cli.JSONOutput
}

func commandsCommand() *cli.Command {
	var options commandsOptions
	return &cli.Command{
		Name:    "commands",
		Summary: "List the commands the server still retains",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("commands", pflag.ContinueOnError)
			options.addFlags(flags)
			options.AddFlag(flags)
			return flags
		},
		Run: func(ctx context.Context, args []string) error {
			if err := requireArgs(args, 0, "vmbridge commands [flags]"); err != nil {
				return err
			}
			client, err := options.client()
			if err != nil {
				return err
			}
			list, err := client.Commands(ctx)
			if err != nil {
				return err
			}
			if done, err := options.EmitJSON(stdout, list); done {
				return err
			}
			if len(list.Commands) == 0 {
				fmt.Fprintln(stdout, "No commands.")
				return nil
			}
			writer := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(writer, "ID\tSTATUS\tCREATED\tCOMMAND")
			for _, command := range list.Commands {
				fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n", command.CommandID, command.Status,
					formatMillis(command.CreatedAt), command.Command)
			}
			return writer.Flush()
		},
	}
}

func formatMillis(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).Local().Format(time.DateTime)
}
