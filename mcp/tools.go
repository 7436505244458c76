// Package mcp exposes the outbox queue to MCP (Model Context Protocol) agents.
//
// Two entry points are offered:
//
//  1. NewServer returns a complete MCP server over stdio using mcp-go.
//  2. RegisterTools hands the same tools to a caller-provided Registry, for
//     agent frameworks that already run their own MCP plumbing.
//
// Both share one set of handlers, so tool names and output are identical.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hyperengineering/outbox"
)

// Registry is an interface for MCP tool registration.
type Registry interface {
	Register(tool Tool)
}

// Tool represents an MCP tool definition.
type Tool struct {
	Name        string
	Description string
	Parameters  Schema
	Handler     Handler
}

// Schema defines the JSON schema for tool parameters.
type Schema map[string]ParameterDef

// ParameterDef defines a single parameter.
type ParameterDef struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// Handler is a function that handles tool invocations.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// ErrToolFailed wraps the text of a tool result flagged as an error.
var ErrToolFailed = errors.New("tool failed")

// RegisterTools registers the outbox tools with an MCP registry.
func RegisterTools(registry Registry, client *outbox.Client) {
	s := NewServer(client)

	tenant := ParameterDef{Type: "string", Description: "Tenant to operate on (default: the active tenant)"}
	ref := ParameterDef{Type: "string", Description: "Session ref or id", Required: true}

	for _, info := range s.ListTools() {
		params := Schema{"tenant": tenant}
		switch info.Name {
		case "outbox_requeue", "outbox_discard", "outbox_ack":
			params["ref"] = ref
		}
		registry.Register(Tool{
			Name:        info.Name,
			Description: info.Description,
			Parameters:  params,
			Handler:     s.registryHandler(info.Name),
		})
	}
}

func (s *Server) registryHandler(name string) Handler {
	return func(ctx context.Context, rawParams json.RawMessage) (interface{}, error) {
		args := map[string]any{}
		if len(rawParams) > 0 {
			if err := json.Unmarshal(rawParams, &args); err != nil {
				return nil, fmt.Errorf("parse params: %w", err)
			}
		}

		result, err := s.CallTool(ctx, name, args)
		if err != nil {
			return nil, err
		}
		if result.IsError {
			return nil, fmt.Errorf("%s: %w: %s", name, ErrToolFailed, result.Content)
		}
		return result.Content, nil
	}
}
