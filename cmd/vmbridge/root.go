// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/vmbridge/cmd/vmbridge/cli"
	"github.com/bureau-foundation/vmbridge/lib/apiclient"
	"github.com/bureau-foundation/vmbridge/lib/codec"
	"github.com/bureau-foundation/vmbridge/lib/version"
)

// DefaultServer is used when neither --server nor VMBRIDGE_SERVER is
// set. It matches the server's default listen address.
const DefaultServer = "http://127.0.0.1:5173"

// stdout receives command output. Tests replace it.
var stdout io.Writer = os.Stdout

func root() *cli.Command {
	return &cli.Command{
		Name: "vmbridge",
		Description: `Vmbridge runs shell commands inside sandboxed VM instances and manages
the instances' lifecycle through a manager server.

Point it at a server with --server or VMBRIDGE_SERVER. Command queue
operations authenticate with --api-key or API_KEY; instance management
also accepts the session saved by 'vmbridge login'.`,
		Subcommands: []*cli.Command{
			execCommand(),
			statusCommand(),
			commandsCommand(),
			instancesCommand(),
			loginCommand(),
			logoutCommand(),
			versionCommand(),
		},
	}
}

// connection holds the flags every networked command shares.
type connection struct {
	server      string
	apiKey      string
	sessionFile string
	format      string
	verbose     bool
}

func (c *connection) addFlags(flags *pflag.FlagSet) {
	server := os.Getenv("VMBRIDGE_SERVER")
	if server == "" {
		server = DefaultServer
	}
	flags.StringVar(&c.server, "server", server, "server URL ($VMBRIDGE_SERVER)")
	flags.StringVar(&c.apiKey, "api-key", os.Getenv("API_KEY"), "API key ($API_KEY)")
	flags.StringVar(&c.sessionFile, "session-file", defaultSessionFile(), "where 'vmbridge login' keeps the manager session")
	flags.StringVar(&c.format, "format", "json", "wire encoding: json or cbor")
	flags.BoolVarP(&c.verbose, "verbose", "v", false, "log requests and failures to stderr")
}

func (c *connection) client() (*apiclient.Client, error) {
	var format codec.Format
	switch c.format {
	case "json":
		format = codec.JSON
	case "cbor":
		format = codec.CBOR
	default:
		return nil, fmt.Errorf("--format must be json or cbor, got %q", c.format)
	}
	session, err := readSession(c.sessionFile)
	if err != nil {
		return nil, err
	}
	client, err := apiclient.New(apiclient.Config{
		BaseURL: c.server,
		APIKey:  c.apiKey,
		Session: session,
		Format:  format,
	})
	if err != nil {
		return nil, err
	}
	cli.NewCommandLogger(c.verbose).Debug("connecting", "server", client.BaseURL(), "format", format.MediaType())
	return client, nil
}

func defaultSessionFile() string {
	directory, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(directory, "vmbridge", "session")
}

// readSession returns the saved session token, or "" when there is
// none.
func readSession(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading session: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func writeSession(path, token string) error {
	if path == "" {
		return errors.New("no session file location; pass --session-file")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating session directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(token+"\n"), 0o600); err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	return nil
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:    "version",
		Summary: "Print version information",
		Run: func(context.Context, []string) error {
			fmt.Fprintf(stdout, "vmbridge %s\n", version.Full())
			return nil
		},
	}
}

func requireArgs(args []string, count int, usage string) error {
	if len(args) != count {
		return fmt.Errorf("usage: %s", usage)
	}
	return nil
}
