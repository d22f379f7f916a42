// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/bureau-foundation/vmbridge/lib/api"
	"github.com/bureau-foundation/vmbridge/lib/apiauth"
	"github.com/bureau-foundation/vmbridge/lib/apierror"
	"github.com/bureau-foundation/vmbridge/lib/orchestrator"
	"github.com/bureau-foundation/vmbridge/lib/registry"
)

func (s *Server) handleHeartbeat(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodPost {
		methodNotAllowed(writer, request, "POST")
		return
	}
	if !s.requireAPIKey(writer, request) {
		return
	}
	var body api.HeartbeatRequest
	if _, err := decodeBody(request, &body); err != nil {
		respondError(writer, request, err)
		return
	}
	if body.ID == "" {
		respondError(writer, request, apierror.New(apierror.BadRequest, "Missing id"))
		return
	}

	instance, commands, err := s.registry.Beat(registry.Heartbeat{
		ID:    body.ID,
		Name:  body.Name,
		RunAt: body.RunAt,
		API:   body.API,
		Meta:  body.Meta,
	})
	if err != nil {
		respondError(writer, request, err)
		return
	}

	response := api.HeartbeatResponse{
		Success: true,
		Instance: api.InstanceIdentity{
			ID:    instance.ID,
			Name:  instance.Name,
			RunAt: instance.RunAt,
			API:   instance.API,
		},
		Commands: make([]api.RegistryCommand, 0, len(commands)),
	}
	for _, command := range commands {
		response.Commands = append(response.Commands, api.RegistryCommand{Type: command.Type})
		if command.Type == registry.CommandTerminate {
			s.logger.Info("delivered terminate", "instance_id", instance.ID)
		}
	}
	respond(writer, request, http.StatusOK, response)
}

// authenticateAdmin accepts a manager session or the API key. It
// reports whether the caller holds a session.
func (s *Server) authenticateAdmin(writer http.ResponseWriter, request *http.Request) (session, ok bool) {
	if _, err := s.sessions.FromRequest(request); err == nil {
		return true, true
	}
	if err := apiauth.CheckAPIKey(request, s.apiKey); err != nil {
		respondError(writer, request, err)
		return false, false
	}
	return false, true
}

func (s *Server) handleInstances(writer http.ResponseWriter, request *http.Request) {
	switch request.Method {
	case http.MethodGet, http.MethodPost:
	default:
		methodNotAllowed(writer, request, "GET, POST")
		return
	}
	session, ok := s.authenticateAdmin(writer, request)
	if !ok {
		return
	}
	if request.Method == http.MethodGet {
		s.listInstances(writer, request, session)
		return
	}

	var action api.InstanceAction
	if _, err := decodeBody(request, &action); err != nil {
		respondError(writer, request, err)
		return
	}
	response, err := s.runAction(request, action)
	if err != nil {
		s.logger.Warn("instance action failed",
			"action", action.Action,
			"instance_id", action.ID,
			"error", err,
		)
		respondError(writer, request, instanceNotFound(err))
		return
	}
	respond(writer, request, http.StatusOK, response)
}

func (s *Server) listInstances(writer http.ResponseWriter, request *http.Request, session bool) {
	instances := s.registry.List(s.staleAfter)
	list := api.InstanceList{Instances: make([]api.Instance, 0, len(instances))}
	for _, instance := range instances {
		list.Instances = append(list.Instances, instanceOf(instance))
	}
	if session {
		list.APIKey = s.apiKey
	}
	respond(writer, request, http.StatusOK, list)
}

func (s *Server) runAction(request *http.Request, action api.InstanceAction) (api.InstanceActionResponse, error) {
	if action.Action == "" || (action.Action != api.ActionCreate && action.ID == "") {
		return api.InstanceActionResponse{}, apierror.New(apierror.BadRequest, "Missing action or id")
	}
	ctx := request.Context()

	switch action.Action {
	case api.ActionCreate:
		port, err := parsePort(action.Port)
		if err != nil {
			return api.InstanceActionResponse{}, err
		}
		provisioned, err := s.orchestrator.Create(ctx, orchestrator.CreateRequest{
			Name:       action.Name,
			DiskSource: action.DiskSource,
			Port:       port,
		})
		if err != nil {
			return api.InstanceActionResponse{}, err
		}
		return api.InstanceActionResponse{Success: true, Instance: &provisioned}, nil

	case api.ActionStart:
		provisioned, err := s.orchestrator.Start(ctx, action.ID)
		if err != nil {
			return api.InstanceActionResponse{}, err
		}
		return api.InstanceActionResponse{Success: true, Instance: &provisioned}, nil

	case api.ActionTerminate:
		result, err := s.orchestrator.Terminate(ctx, action.ID)
		if err != nil {
			return api.InstanceActionResponse{}, err
		}
		return api.InstanceActionResponse{
			Success:            true,
			TerminateRequested: result.TerminateRequested,
			Killed:             result.Killed,
			Errors:             result.Errors,
		}, nil

	case api.ActionRename:
		if action.NewName == "" {
			return api.InstanceActionResponse{}, apierror.New(apierror.BadRequest, "Missing newName")
		}
		if err := s.orchestrator.Rename(action.ID, action.NewName); err != nil {
			return api.InstanceActionResponse{}, err
		}
		return api.InstanceActionResponse{Success: true}, nil

	case api.ActionDelete:
		if err := s.orchestrator.Delete(action.ID); err != nil {
			return api.InstanceActionResponse{}, err
		}
		return api.InstanceActionResponse{Success: true}, nil
	}
	return api.InstanceActionResponse{}, apierror.New(apierror.BadRequest, "Unsupported action")
}

// parsePort accepts a port as a JSON or CBOR number or a numeric
// string. Absent and empty values mean "pick one".
func parsePort(value any) (int, error) {
	invalid := apierror.New(apierror.BadRequest, "Invalid port")
	switch typed := value.(type) {
	case nil:
		return 0, nil
	case float64:
		if typed != math.Trunc(typed) || typed < 0 || typed > 65535 {
			return 0, invalid
		}
		return int(typed), nil
	case int64:
		if typed < 0 || typed > 65535 {
			return 0, invalid
		}
		return int(typed), nil
	case uint64:
		if typed > 65535 {
			return 0, invalid
		}
		return int(typed), nil
	case json.Number:
		return parsePort(typed.String())
	case string:
		trimmed := strings.TrimSpace(typed)
		if trimmed == "" {
			return 0, nil
		}
		port, err := strconv.Atoi(trimmed)
		if err != nil || port < 0 || port > 65535 {
			return 0, invalid
		}
		return port, nil
	}
	return 0, invalid
}

// instanceNotFound rewrites the registry's NotFound into the message
// clients match on.
func instanceNotFound(err error) error {
	if apierror.Is(err, apierror.NotFound) {
		return apierror.New(apierror.NotFound, "Instance not found")
	}
	return err
}

func instanceOf(instance registry.Instance) api.Instance {
	converted := api.Instance{
		ID:                 instance.ID,
		Name:               instance.Name,
		RunAt:              instance.RunAt,
		API:                instance.API,
		Meta:               instance.Meta,
		CreatedAt:          instance.CreatedAt.UnixMilli(),
		TerminateRequested: instance.TerminateRequested,
		Stopped:            instance.Stopped,
		Online:             instance.Online,
	}
	if converted.Meta == nil {
		converted.Meta = map[string]any{}
	}
	if !instance.LastSeenAt.IsZero() {
		converted.LastSeenAt = instance.LastSeenAt.UnixMilli()
	}
	return converted
}
