// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package apiclient is a typed HTTP client for the vmbridge server API.
//
// The agent uses it to poll and report commands and to send heartbeats
// (see [Client.CommandSource] and [Client.HeartbeatClient]); the CLI
// uses it for everything else. Requests and responses are JSON unless
// [Config.Format] selects CBOR. Error responses are
// returned as *apierror.Error with the kind recovered from the status
// code, so callers classify failures the same way on both sides of the
// wire.
package apiclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bureau-foundation/vmbridge/lib/api"
	"github.com/bureau-foundation/vmbridge/lib/apiauth"
	"github.com/bureau-foundation/vmbridge/lib/apierror"
	"github.com/bureau-foundation/vmbridge/lib/codec"
	"github.com/bureau-foundation/vmbridge/lib/netutil"
)

// DefaultTimeout bounds one request. It exceeds the server's
// submit-and-wait cap so a waiting submission is not cut short.
const DefaultTimeout = 90 * time.Second

// Config configures a Client.
type Config struct {
	// BaseURL is the server root, e.g. "http://localhost:8123". A
	// trailing "/api" is tolerated so instance api URLs work as-is.
	BaseURL string

	// APIKey is sent as a bearer token.
	APIKey string

	// Session is a manager session token, sent as the session cookie.
	Session string

	// Format is the wire encoding. The zero value is JSON; agents pass
	// codec.CBOR.
	Format codec.Format

	// HTTPClient overrides the default client with DefaultTimeout.
	HTTPClient *http.Client
}

// Client talks to one vmbridge server.
type Client struct {
	base       *url.URL
	apiKey     string
	session    string
	format     codec.Format
	httpClient *http.Client
}

// New returns a Client for config.BaseURL.
func New(config Config) (*Client, error) {
	if config.BaseURL == "" {
		return nil, errors.New("apiclient: base URL is required")
	}
	base, err := url.Parse(strings.TrimSuffix(strings.TrimSuffix(config.BaseURL, "/"), api.PathCommandLegacy))
	if err != nil {
		return nil, fmt.Errorf("apiclient: parsing base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("apiclient: base URL %q must be http or https", config.BaseURL)
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{
		base:       base,
		apiKey:     config.APIKey,
		session:    config.Session,
		format:     config.Format,
		httpClient: httpClient,
	}, nil
}

// BaseURL returns the server root the client talks to.
func (c *Client) BaseURL() string { return c.base.String() }

// Submit queues command. With wait set the server blocks until the
// command resolves or its wait window closes.
func (c *Client) Submit(ctx context.Context, command string, wait bool) (api.SubmitResponse, error) {
	var response api.SubmitResponse
	err := c.do(ctx, http.MethodPost, api.PathCommand, nil, api.SubmitRequest{Command: command, Wait: &wait}, &response)
	if err != nil {
		return api.SubmitResponse{}, fmt.Errorf("submitting command: %w", err)
	}
	return response, nil
}

// Command returns the state of one command.
func (c *Client) Command(ctx context.Context, id string) (api.CommandSnapshot, error) {
	var snapshot api.CommandSnapshot
	err := c.do(ctx, http.MethodGet, api.PathCommand, url.Values{"commandId": {id}}, nil, &snapshot)
	if err != nil {
		return api.CommandSnapshot{}, fmt.Errorf("getting command %s: %w", id, err)
	}
	return snapshot, nil
}

// Commands returns the server's retained commands.
func (c *Client) Commands(ctx context.Context) (api.CommandList, error) {
	var list api.CommandList
	if err := c.do(ctx, http.MethodGet, api.PathCommand, nil, nil, &list); err != nil {
		return api.CommandList{}, fmt.Errorf("listing commands: %w", err)
	}
	return list, nil
}

// Pending claims the next pending command. Both fields of the response
// are nil when there is none.
func (c *Client) Pending(ctx context.Context) (api.PendingResponse, error) {
	var pending api.PendingResponse
	err := c.do(ctx, http.MethodGet, api.PathCommand, url.Values{"action": {"pending"}}, nil, &pending)
	if err != nil {
		return api.PendingResponse{}, fmt.Errorf("claiming pending command: %w", err)
	}
	return pending, nil
}

// Report delivers a command result.
func (c *Client) Report(ctx context.Context, report api.ReportRequest) error {
	if report.Output == nil {
		empty := ""
		report.Output = &empty
	}
	var response api.ReportResponse
	if err := c.do(ctx, http.MethodPost, api.PathCommand, nil, report, &response); err != nil {
		return fmt.Errorf("reporting command %s: %w", report.CommandID, err)
	}
	return nil
}

// Heartbeat checks an instance in with the manager registry.
func (c *Client) Heartbeat(ctx context.Context, heartbeat api.HeartbeatRequest) (api.HeartbeatResponse, error) {
	var response api.HeartbeatResponse
	if err := c.do(ctx, http.MethodPost, api.PathHeartbeat, nil, heartbeat, &response); err != nil {
		return api.HeartbeatResponse{}, fmt.Errorf("heartbeat: %w", err)
	}
	return response, nil
}

// Instances lists the manager's registry.
func (c *Client) Instances(ctx context.Context) (api.InstanceList, error) {
	var list api.InstanceList
	if err := c.do(ctx, http.MethodGet, api.PathInstances, nil, nil, &list); err != nil {
		return api.InstanceList{}, fmt.Errorf("listing instances: %w", err)
	}
	return list, nil
}

// InstanceAction runs an administrative action on the manager.
func (c *Client) InstanceAction(ctx context.Context, action api.InstanceAction) (api.InstanceActionResponse, error) {
	var response api.InstanceActionResponse
	if err := c.do(ctx, http.MethodPost, api.PathInstances, nil, action, &response); err != nil {
		return api.InstanceActionResponse{}, fmt.Errorf("%s instance: %w", action.Action, err)
	}
	return response, nil
}

// Login exchanges manager credentials for a session token.
func (c *Client) Login(ctx context.Context, username, password string) (api.LoginResponse, error) {
	var response api.LoginResponse
	err := c.do(ctx, http.MethodPost, api.PathLogin, nil, api.LoginRequest{Username: username, Password: password}, &response)
	if err != nil {
		return api.LoginResponse{}, fmt.Errorf("logging in: %w", err)
	}
	return response, nil
}

// Health returns the server's role and version.
func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	var health api.HealthResponse
	if err := c.do(ctx, http.MethodGet, api.PathHealth, nil, nil, &health); err != nil {
		return api.HealthResponse{}, fmt.Errorf("health: %w", err)
	}
	return health, nil
}

// do sends one request and decodes a 2xx response into result. Non-2xx
// responses become *apierror.Error.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, result any) error {
	target := c.base.JoinPath(path)
	if len(query) > 0 {
		target.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		encoded, err := c.format.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		request.Header.Set("Content-Type", c.format.MediaType())
	}
	request.Header.Set("Accept", c.format.MediaType())
	if c.apiKey != "" {
		request.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if c.session != "" {
		request.AddCookie(&http.Cookie{Name: apiauth.CookieName, Value: c.session})
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return apierror.Wrap(apierror.Upstream, err)
	}
	defer response.Body.Close()

	data, err := netutil.ReadResponse(response.Body)
	if err != nil {
		return apierror.Wrap(apierror.Upstream, fmt.Errorf("reading response: %w", err))
	}
	format := codec.ForContentType(response.Header.Get("Content-Type"))

	if response.StatusCode < 200 || response.StatusCode > 299 {
		var failure api.ErrorResponse
		if err := format.Decode(bytes.NewReader(data), &failure); err != nil || failure.Message == "" {
			failure.Message = fmt.Sprintf("HTTP %d: %s", response.StatusCode, strings.TrimSpace(string(data)))
		}
		return apierror.New(apierror.FromHTTPStatus(response.StatusCode), "%s", failure.Message)
	}
	if result == nil {
		return nil
	}
	if err := format.Decode(bytes.NewReader(data), result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
