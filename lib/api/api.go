// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package api defines the request and response bodies of the vmbridge
// HTTP API, shared by the server handlers and the Go client.
//
// Every body is encoded as JSON or, when the client asks for
// application/cbor, as CBOR; the struct tags serve both. Timestamps
// are Unix milliseconds. Field names follow the wire format the
// browser-era clients already speak, hence the camelCase.
package api

import "github.com/bureau-foundation/vmbridge/lib/orchestrator"

// Paths served by the server.
const (
	PathCommand         = "/api/command"
	PathCommandLegacy   = "/api"
	PathGateway         = "/api/gateway"
	PathHeartbeat       = "/api/registry/heartbeat"
	PathHeartbeatLegacy = "/api/manager/webvm/agent"
	PathInstances       = "/api/registry/instances"
	PathInstancesLegacy = "/api/manager/webvm"
	PathLogin           = "/api/manager/login"
	PathLogout          = "/api/manager/logout"
	PathMetrics         = "/metrics"
	PathHealth          = "/healthz"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Message string `json:"message"`
}

// SubmitRequest queues a command. Wait defaults to true.
type SubmitRequest struct {
	Command string `json:"cmd"`
	Wait    *bool  `json:"wait,omitempty"`
}

// SubmitResponse answers a submission. A resolved command carries
// Output, Error, and ExitCode; an unresolved one carries Message.
type SubmitResponse struct {
	Success    bool    `json:"success"`
	CommandID  string  `json:"commandId"`
	Status     string  `json:"status"`
	Output     *string `json:"output,omitempty"`
	Error      *string `json:"error,omitempty"`
	ExitCode   *int    `json:"exitCode,omitempty"`
	Message    string  `json:"message,omitempty"`
	DiskSource string  `json:"diskSource,omitempty"`
}

// PendingResponse hands the next pending command to an executor. Both
// fields are null when the queue is empty.
type PendingResponse struct {
	CommandID *string `json:"commandId"`
	Command   *string `json:"cmd"`
}

// ReportRequest delivers a command's result. Output must be present
// for the body to be read as a report. A missing ExitCode records the
// command as failed.
type ReportRequest struct {
	CommandID string  `json:"commandId"`
	Output    *string `json:"output"`
	Error     string  `json:"error,omitempty"`
	ExitCode  *int    `json:"exitCode,omitempty"`
}

// ReportResponse acknowledges a report.
type ReportResponse struct {
	Success   bool   `json:"success"`
	CommandID string `json:"commandId"`
	Message   string `json:"message"`
}

// CommandSnapshot is one command's state. CompletedAt is null until
// the command resolves.
type CommandSnapshot struct {
	CommandID   string `json:"commandId"`
	Command     string `json:"cmd"`
	Status      string `json:"status"`
	Output      string `json:"output"`
	Error       string `json:"error"`
	ExitCode    *int   `json:"exitCode,omitempty"`
	CreatedAt   int64  `json:"createdAt"`
	CompletedAt *int64 `json:"completedAt"`
}

// CommandSummary is one row of the debug listing.
type CommandSummary struct {
	CommandID string `json:"commandId"`
	Command   string `json:"cmd"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"createdAt"`
}

// CommandList is the debug listing of retained commands.
type CommandList struct {
	Commands   []CommandSummary `json:"commands"`
	DiskSource string           `json:"diskSource"`
}

// HeartbeatRequest is an agent's periodic check-in.
type HeartbeatRequest struct {
	ID    string         `json:"id"`
	Name  string         `json:"name,omitempty"`
	RunAt string         `json:"runAt,omitempty"`
	API   string         `json:"api,omitempty"`
	Meta  map[string]any `json:"meta,omitempty"`
}

// InstanceIdentity is the short form of an instance.
type InstanceIdentity struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	RunAt string `json:"runAt"`
	API   string `json:"api"`
}

// RegistryCommand is an administrative command for an agent.
type RegistryCommand struct {
	Type string `json:"type"`
}

// HeartbeatResponse returns the commands pending for the instance.
type HeartbeatResponse struct {
	Success  bool              `json:"success"`
	Instance InstanceIdentity  `json:"instance"`
	Commands []RegistryCommand `json:"commands"`
}

// Instance is the full registry view of an instance.
type Instance struct {
	ID                 string         `json:"id"`
	Name               string         `json:"name"`
	RunAt              string         `json:"runAt"`
	API                string         `json:"api"`
	Meta               map[string]any `json:"meta"`
	CreatedAt          int64          `json:"createdAt"`
	LastSeenAt         int64          `json:"lastSeenAt"`
	TerminateRequested bool           `json:"terminateRequested"`
	Stopped            bool           `json:"stopped"`
	Online             bool           `json:"online"`
}

// InstanceList is the registry listing. APIKey is included for
// manager sessions so the operator can reach worker APIs.
type InstanceList struct {
	Instances []Instance `json:"instances"`
	APIKey    string     `json:"apiKey,omitempty"`
}

// Instance actions.
const (
	ActionCreate    = "create"
	ActionStart     = "start"
	ActionTerminate = "terminate"
	ActionRename    = "rename"
	ActionDelete    = "delete"
)

// InstanceAction is an administrative request. Port accepts a number
// or a numeric string.
type InstanceAction struct {
	Action     string `json:"action"`
	ID         string `json:"id,omitempty"`
	Name       string `json:"name,omitempty"`
	DiskSource string `json:"diskSource,omitempty"`
	Port       any    `json:"port,omitempty"`
	NewName    string `json:"newName,omitempty"`
}

// InstanceActionResponse answers an InstanceAction. Create and start
// fill Instance; terminate fills Killed and Errors.
type InstanceActionResponse struct {
	Success            bool                         `json:"success"`
	Instance           *orchestrator.Provisioned    `json:"instance,omitempty"`
	TerminateRequested bool                         `json:"terminateRequested,omitempty"`
	Killed             []orchestrator.KilledProcess `json:"killed,omitempty"`
	Errors             []orchestrator.KillFailure   `json:"errors,omitempty"`
}

// LoginRequest carries manager credentials.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse returns a manager session token. The same token is set
// as a cookie.
type LoginResponse struct {
	Success   bool   `json:"success"`
	Token     string `json:"token"`
	User      string `json:"user"`
	ExpiresAt int64  `json:"expiresAt"`
}

// SuccessResponse is the body of actions with nothing else to say.
type SuccessResponse struct {
	Success bool `json:"success"`
}

// GatewayRequest asks the server to fetch a URL on the VM's behalf.
type GatewayRequest struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// GatewayResponse is the fetched response. Data is truncated.
type GatewayResponse struct {
	Status     int               `json:"status"`
	StatusText string            `json:"statusText"`
	Headers    map[string]string `json:"headers"`
	Data       string            `json:"data"`
}

// HealthResponse is served on /healthz.
type HealthResponse struct {
	Status  string `json:"status"`
	Role    string `json:"role"`
	Version string `json:"version"`
}
