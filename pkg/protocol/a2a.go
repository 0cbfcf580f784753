package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/agentgraph/runtime/pkg/assistants"
	"github.com/agentgraph/runtime/pkg/runs"
	"github.com/agentgraph/runtime/pkg/scheduler"
	"github.com/agentgraph/runtime/pkg/streaming"
	"github.com/agentgraph/runtime/pkg/threads"
)

// MessagePart is one A2A message content part. Only the "text" kind is
// recognised; other kinds are ignored when assembling the run's input.
type MessagePart struct {
	Kind string `json:"kind"`
	Text string `json:"text"`
}

// Message is an A2A message: a role plus one or more content parts.
type Message struct {
	Role  string        `json:"role"`
	Parts []MessagePart `json:"parts"`
}

// MessageSendParams is the A2A "message/send" and "message/stream" params
// shape this server recognises.
type MessageSendParams struct {
	Message     Message `json:"message"`
	AssistantID string  `json:"assistant_id"`
	ThreadID    *string `json:"thread_id,omitempty"`
}

func (p MessageSendParams) text() string {
	var out string
	for _, part := range p.Message.Parts {
		if part.Kind == "" || part.Kind == "text" {
			out += part.Text
		}
	}
	return out
}

// HandleMessageSend implements A2A "message/send": resolve the assistant,
// execute a blocking run, and return its last AI message wrapped as a
// single-part A2A response message.
func HandleMessageSend(ctx context.Context, exec Executor, req *Request, owner, userID, orgID string) *Response {
	var params MessageSendParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return ErrorResponse(req.ID, CodeInvalidParams, fmt.Sprintf("invalid message/send params: %v", err))
	}
	if params.AssistantID == "" {
		return ErrorResponse(req.ID, CodeInvalidParams, "assistant_id is required")
	}
	text := params.text()
	if text == "" {
		return ErrorResponse(req.ID, CodeInvalidParams, "message has no text parts")
	}

	threadID, err := parseOptionalThreadID(params.ThreadID)
	if err != nil {
		return ErrorResponse(req.ID, CodeInvalidParams, err.Error())
	}

	input := map[string]any{"messages": []any{map[string]any{"type": "human", "content": text}}}
	reply, err := exec.ExecuteAgentRun(ctx, params.AssistantID, threadID, input, owner, userID, orgID)
	if err != nil {
		return toolCallErrorResponse(req.ID, err)
	}

	return ResultResponse(req.ID, Message{
		Role:  "agent",
		Parts: []MessagePart{{Kind: "text", Text: reply}},
	})
}

// StreamRunner is the subset of the run scheduler "message/stream" needs —
// the full start+execute pair, since unlike ExecuteAgentRun it must publish
// frames as execution proceeds rather than only returning the final text.
type StreamRunner interface {
	StartRun(ctx context.Context, req scheduler.StartRunRequest) (*scheduler.StartResult, *assistants.Assistant, *threads.Thread, error)
	Execute(ctx context.Context, result *scheduler.StartResult, assistant *assistants.Assistant, thread *threads.Thread, req scheduler.StartRunRequest) (map[string]any, bool, error)
	Brokers() *streaming.Registry
}

// HandleMessageStream implements A2A "message/stream": start a run the same
// way the core streaming endpoints do, then pipe the streaming engine's
// frames through a JSON-RPC SSE envelope — each frame becomes one
// "result"-shaped JSON-RPC response object, newline-delimited as
// `data: <json>\n\n`, reusing pkg/streaming's broker/subscribe plumbing so
// the wire framing is driven by the same producer the core endpoints use.
func HandleMessageStream(ctx context.Context, runner StreamRunner, w http.ResponseWriter, req *Request, owner, userID, orgID string) error {
	var params MessageSendParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return writeRPCError(w, req.ID, CodeInvalidParams, fmt.Sprintf("invalid message/stream params: %v", err))
	}
	if params.AssistantID == "" {
		return writeRPCError(w, req.ID, CodeInvalidParams, "assistant_id is required")
	}
	text := params.text()
	if text == "" {
		return writeRPCError(w, req.ID, CodeInvalidParams, "message has no text parts")
	}

	threadID, err := parseOptionalThreadID(params.ThreadID)
	if err != nil {
		return writeRPCError(w, req.ID, CodeInvalidParams, err.Error())
	}

	startReq := scheduler.StartRunRequest{
		ThreadID: threadID, AssistantIDOrGraphID: params.AssistantID,
		Input:             map[string]any{"messages": []any{map[string]any{"type": "human", "content": text}}},
		MultitaskStrategy: runs.StrategyReject, IfNotExists: scheduler.IfNotExistsCreate,
		Owner: owner, UserID: userID, OrgID: orgID,
	}
	result, assistant, thread, err := runner.StartRun(ctx, startReq)
	if err != nil {
		return writeRPCError(w, req.ID, CodeInternalError, err.Error())
	}

	broker := runner.Brokers().Create(result.Run.ID.String())
	subID, ch := broker.Subscribe(true)
	defer broker.Unsubscribe(subID)

	streaming.SetHeaders(w, "")
	done := make(chan struct{})
	go func() {
		defer close(done)
		for f := range ch {
			_ = writeRPCFrame(w, req.ID, f)
		}
	}()

	_, _, execErr := runner.Execute(ctx, result, assistant, thread, startReq)
	<-done
	return execErr
}

func writeRPCError(w http.ResponseWriter, id json.RawMessage, code int, message string) error {
	streaming.SetHeaders(w, "")
	return writeSSEJSON(w, ErrorResponse(id, code, message))
}

func writeRPCFrame(w http.ResponseWriter, id json.RawMessage, f streaming.Frame) error {
	return writeSSEJSON(w, ResultResponse(id, map[string]any{"kind": f.Type, "data": f.Data}))
}

func writeSSEJSON(w http.ResponseWriter, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
	return nil
}
