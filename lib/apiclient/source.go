// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package apiclient

import (
	"context"

	"github.com/bureau-foundation/vmbridge/lib/api"
	"github.com/bureau-foundation/vmbridge/lib/cmdqueue"
	"github.com/bureau-foundation/vmbridge/lib/executor"
	"github.com/bureau-foundation/vmbridge/lib/heartbeat"
	"github.com/bureau-foundation/vmbridge/lib/registry"
)

// CommandSource returns an executor.Source that claims and reports
// commands through the server's queue API.
func (c *Client) CommandSource() executor.Source { return commandSource{client: c} }

type commandSource struct {
	client *Client
}

func (s commandSource) Next(ctx context.Context) (executor.Claim, bool, error) {
	pending, err := s.client.Pending(ctx)
	if err != nil {
		return executor.Claim{}, false, err
	}
	if pending.CommandID == nil || *pending.CommandID == "" {
		return executor.Claim{}, false, nil
	}
	claim := executor.Claim{ID: *pending.CommandID}
	if pending.Command != nil {
		claim.Command = *pending.Command
	}
	return claim, true, nil
}

func (s commandSource) Report(ctx context.Context, id string, result cmdqueue.Result) error {
	exitCode := result.ExitCode
	return s.client.Report(ctx, api.ReportRequest{
		CommandID: id,
		Output:    &result.Output,
		Error:     result.Error,
		ExitCode:  &exitCode,
	})
}

// HeartbeatClient returns a heartbeat.Client that posts to the manager
// registry.
func (c *Client) HeartbeatClient() heartbeat.Client { return heartbeatClient{client: c} }

type heartbeatClient struct {
	client *Client
}

func (h heartbeatClient) Heartbeat(ctx context.Context, beat registry.Heartbeat) ([]registry.Command, error) {
	response, err := h.client.Heartbeat(ctx, api.HeartbeatRequest{
		ID:    beat.ID,
		Name:  beat.Name,
		RunAt: beat.RunAt,
		API:   beat.API,
		Meta:  beat.Meta,
	})
	if err != nil {
		return nil, err
	}
	commands := make([]registry.Command, 0, len(response.Commands))
	for _, command := range response.Commands {
		commands = append(commands, registry.Command{Type: command.Type})
	}
	return commands, nil
}
