// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/bureau-foundation/vmbridge/cmd/vmbridge/cli"
)

// stdin supplies prompted credentials. Tests replace it.
var stdin io.Reader = os.Stdin

type loginOptions struct {
	connection
	username      string
	passwordStdin bool
}

func loginCommand() *cli.Command {
	var options loginOptions
	return &cli.Command{
		Name:    "login",
		Summary: "Start a manager session",
		Description: `Authenticate with the manager's operator credentials and save the session
token for later instance commands. The password is prompted without echo
on a terminal, or read from the first line of stdin with
--password-stdin.`,
		Examples: []cli.Example{
			{Command: "vmbridge login --username admin"},
			{Description: "Log in from a script", Command: "echo \"$MANAGER_PASSWORD\" | vmbridge login --username admin --password-stdin"},
		},
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("login", pflag.ContinueOnError)
			options.addFlags(flags)
			flags.StringVarP(&options.username, "username", "u", os.Getenv("MANAGER_USER"), "operator name ($MANAGER_USER)")
			flags.BoolVar(&options.passwordStdin, "password-stdin", false, "read the password from stdin")
			return flags
		},
		Run: func(ctx context.Context, args []string) error {
			if err := requireArgs(args, 0, "vmbridge login [flags]"); err != nil {
				return err
			}
			reader := bufio.NewReader(stdin)
			username := options.username
			if username == "" {
				fmt.Fprint(os.Stderr, "Username: ")
				line, err := readLine(reader)
				if err != nil {
					return err
				}
				username = line
			}
			password, err := readPassword(reader, options.passwordStdin)
			if err != nil {
				return err
			}

			client, err := options.client()
			if err != nil {
				return err
			}
			response, err := client.Login(ctx, username, password)
			if err != nil {
				return err
			}
			if err := writeSession(options.sessionFile, response.Token); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "logged in as %s until %s\n", response.User,
				time.UnixMilli(response.ExpiresAt).Local().Format(time.DateTime))
			return nil
		},
	}
}

func readPassword(reader *bufio.Reader, fromStdin bool) (string, error) {
	if file, ok := stdin.(*os.File); ok && !fromStdin && term.IsTerminal(int(file.Fd())) {
		fmt.Fprint(os.Stderr, "Password: ")
		password, err := term.ReadPassword(int(file.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}
		return string(password), nil
	}
	return readLine(reader)
}

func readLine(reader *bufio.Reader) (string, error) {
	line, err := reader.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("reading stdin: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

type logoutOptions struct {
	sessionFile string
}

func logoutCommand() *cli.Command {
	var options logoutOptions
	return &cli.Command{
		Name:    "logout",
		Summary: "Forget the saved manager session",
		Flags: func() *pflag.FlagSet {
			flags := pflag.NewFlagSet("logout", pflag.ContinueOnError)
			flags.StringVar(&options.sessionFile, "session-file", defaultSessionFile(), "where 'vmbridge login' keeps the manager session")
			return flags
		},
		Run: func(_ context.Context, args []string) error {
			if err := requireArgs(args, 0, "vmbridge logout [flags]"); err != nil {
				return err
			}
			if options.sessionFile == "" {
				return nil
			}
			err := os.Remove(options.sessionFile)
			if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("removing session: %w", err)
			}
			return nil
		},
	}
}
