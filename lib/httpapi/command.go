// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"net/http"

	"github.com/bureau-foundation/vmbridge/lib/api"
	"github.com/bureau-foundation/vmbridge/lib/apierror"
	"github.com/bureau-foundation/vmbridge/lib/cmdqueue"
)

// commandBody is the union of a submission and a report. A POST whose
// body carries output for a known commandId is a report; anything else
// is a submission.
type commandBody struct {
	Command   string  `json:"cmd"`
	Wait      *bool   `json:"wait"`
	CommandID string  `json:"commandId"`
	Output    *string `json:"output"`
	Error     string  `json:"error"`
	ExitCode  *int    `json:"exitCode"`
}

func (s *Server) handleCommand(writer http.ResponseWriter, request *http.Request) {
	if !s.requireAPIKey(writer, request) {
		return
	}
	switch request.Method {
	case http.MethodGet:
		s.getCommand(writer, request)
	case http.MethodPost:
		s.postCommand(writer, request)
	default:
		methodNotAllowed(writer, request, "GET, POST")
	}
}

func (s *Server) getCommand(writer http.ResponseWriter, request *http.Request) {
	query := request.URL.Query()

	if query.Get("action") == "pending" {
		var response api.PendingResponse
		if record, ok := s.queue.ClaimNextPending(); ok {
			response.CommandID = &record.ID
			response.Command = &record.Command
		}
		respond(writer, request, http.StatusOK, response)
		return
	}

	if id := query.Get("commandId"); id != "" {
		record, err := s.queue.Get(id)
		if err != nil {
			respondError(writer, request, commandNotFound(err))
			return
		}
		respond(writer, request, http.StatusOK, snapshotOf(record))
		return
	}

	records := s.queue.List()
	list := api.CommandList{
		Commands:   make([]api.CommandSummary, 0, len(records)),
		DiskSource: s.diskSource,
	}
	for _, record := range records {
		list.Commands = append(list.Commands, api.CommandSummary{
			CommandID: record.ID,
			Command:   record.Command,
			Status:    string(record.Status),
			CreatedAt: record.CreatedAt.UnixMilli(),
		})
	}
	respond(writer, request, http.StatusOK, list)
}

func (s *Server) postCommand(writer http.ResponseWriter, request *http.Request) {
	var body commandBody
	if _, err := decodeBody(request, &body); err != nil {
		respondError(writer, request, err)
		return
	}
	query := request.URL.Query()

	commandID := body.CommandID
	if commandID == "" {
		commandID = query.Get("commandId")
	}
	if commandID != "" && body.Output != nil {
		s.reportCommand(writer, request, commandID, body)
		return
	}

	command := body.Command
	if command == "" {
		command = query.Get("cmd")
	}
	if command == "" {
		respondError(writer, request, apierror.New(apierror.BadRequest,
			`Bad Request: Missing required "cmd" parameter`))
		return
	}

	wait := true
	if body.Wait != nil {
		wait = *body.Wait
	}
	if value := query.Get("wait"); value != "" {
		wait = value != "false"
	}

	if !wait {
		record, err := s.queue.Submit(command)
		if err != nil {
			respondError(writer, request, err)
			return
		}
		s.countSubmitted()
		respond(writer, request, http.StatusOK, api.SubmitResponse{
			Success:    true,
			CommandID:  record.ID,
			Status:     string(record.Status),
			Message:    "Command queued. Poll GET /api?commandId=" + record.ID + " for results.",
			DiskSource: s.diskSource,
		})
		return
	}

	record, err := s.queue.SubmitAndWait(request.Context(), command, s.submitWait)
	if record.ID != "" {
		s.countSubmitted()
	}
	if err != nil {
		if request.Context().Err() != nil {
			s.logger.Info("submitter went away before command resolved", "command_id", record.ID)
			return
		}
		respondError(writer, request, err)
		return
	}

	if !record.Status.Resolved() {
		respond(writer, request, http.StatusOK, api.SubmitResponse{
			Success:    true,
			CommandID:  record.ID,
			Status:     string(record.Status),
			Message:    "Command queued (wait timed out). Poll GET /api?commandId=" + record.ID + " for results.",
			DiskSource: s.diskSource,
		})
		return
	}
	exitCode := record.ExitCode
	respond(writer, request, http.StatusOK, api.SubmitResponse{
		Success:   true,
		CommandID: record.ID,
		Status:    string(record.Status),
		Output:    &record.Output,
		Error:     &record.Error,
		ExitCode:  &exitCode,
	})
}

func (s *Server) reportCommand(writer http.ResponseWriter, request *http.Request, commandID string, body commandBody) {
	result := cmdqueue.Result{Output: *body.Output, Error: body.Error, ExitCode: 1}
	if body.ExitCode != nil {
		result.ExitCode = *body.ExitCode
	}
	record, err := s.queue.ReportResult(commandID, result)
	if err != nil {
		respondError(writer, request, commandNotFound(err))
		return
	}
	if s.metrics != nil {
		s.metrics.CommandCompleted(string(record.Status))
	}
	s.logger.Info("command resolved",
		"command_id", record.ID,
		"status", string(record.Status),
		"exit_code", record.ExitCode,
	)
	respond(writer, request, http.StatusOK, api.ReportResponse{
		Success:   true,
		CommandID: record.ID,
		Message:   "Result recorded",
	})
}

func (s *Server) countSubmitted() {
	if s.metrics != nil {
		s.metrics.CommandSubmitted()
	}
}

// commandNotFound rewrites the queue's NotFound into the message
// clients match on.
func commandNotFound(err error) error {
	if apierror.Is(err, apierror.NotFound) {
		return apierror.New(apierror.NotFound, "Command not found")
	}
	return err
}

func snapshotOf(record cmdqueue.Record) api.CommandSnapshot {
	snapshot := api.CommandSnapshot{
		CommandID: record.ID,
		Command:   record.Command,
		Status:    string(record.Status),
		Output:    record.Output,
		Error:     record.Error,
		CreatedAt: record.CreatedAt.UnixMilli(),
	}
	if record.Status.Resolved() {
		exitCode := record.ExitCode
		completedAt := record.CompletedAt.UnixMilli()
		snapshot.ExitCode = &exitCode
		snapshot.CompletedAt = &completedAt
	}
	return snapshot
}
