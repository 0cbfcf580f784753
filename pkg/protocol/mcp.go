package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/agentgraph/runtime/pkg/apierr"
)

// Executor is the subset of the run scheduler the protocol adapters depend
// on — a non-streaming wrapper that blocks until the run's last AI message
// is available. Both MCP and A2A reduce to this one call.
type Executor interface {
	ExecuteAgentRun(ctx context.Context, assistantIDOrGraphID string, threadID *uuid.UUID, input map[string]any, owner, userID, orgID string) (string, error)
}

// ToolsCallParams is the MCP "tools/call" params shape this server
// recognises: the tool name doubles as the assistant_id or graph_id to
// invoke, and arguments carries the conversational input.
type ToolsCallParams struct {
	Name      string `json:"name"`
	Arguments struct {
		Message  string  `json:"message"`
		ThreadID *string `json:"thread_id,omitempty"`
	} `json:"arguments"`
}

// HandleToolsCall implements the MCP "tools/call" method: parse the
// envelope, resolve the assistant by name (id or graph_id), and execute a
// blocking run, returning its last AI message as the tool's textual result.
func HandleToolsCall(ctx context.Context, exec Executor, req *Request, owner, userID, orgID string) *Response {
	var params ToolsCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return ErrorResponse(req.ID, CodeInvalidParams, fmt.Sprintf("invalid tools/call params: %v", err))
	}
	if params.Name == "" {
		return ErrorResponse(req.ID, CodeInvalidParams, "params.name (assistant_id or graph_id) is required")
	}
	if params.Arguments.Message == "" {
		return ErrorResponse(req.ID, CodeInvalidParams, "params.arguments.message is required")
	}

	threadID, err := parseOptionalThreadID(params.Arguments.ThreadID)
	if err != nil {
		return ErrorResponse(req.ID, CodeInvalidParams, err.Error())
	}

	input := map[string]any{"messages": []any{map[string]any{"type": "human", "content": params.Arguments.Message}}}
	text, err := exec.ExecuteAgentRun(ctx, params.Name, threadID, input, owner, userID, orgID)
	if err != nil {
		return toolCallErrorResponse(req.ID, err)
	}

	return ResultResponse(req.ID, map[string]any{
		"content": []map[string]any{{"type": "text", "text": text}},
		"isError": false,
	})
}

func toolCallErrorResponse(id json.RawMessage, err error) *Response {
	switch {
	case errors.Is(err, apierr.ErrNotFound):
		return ErrorResponse(id, CodeInvalidParams, "assistant not found: "+err.Error())
	case errors.Is(err, apierr.ErrConflictingRun):
		return ErrorResponse(id, CodeInternalError, "conflicting run already active on thread")
	default:
		return ErrorResponse(id, CodeInternalError, err.Error())
	}
}

func parseOptionalThreadID(raw *string) (*uuid.UUID, error) {
	if raw == nil || *raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(*raw)
	if err != nil {
		return nil, fmt.Errorf("invalid thread_id: %w", err)
	}
	return &id, nil
}
