package graph

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// agentGraph is the default single-node ReAct-style graph registered under
// "agent". It has one model-call node: it streams a response token by
// token and finishes with a single chain-end update, generalizing the
// teacher's `single_call` controller node shape to the LLM step/tool step
// abstraction this server consumes rather than executes.
type agentGraph struct {
	configurable map[string]any
}

// NewAgentFactory returns the Factory for the default "agent" graph.
func NewAgentFactory() Factory {
	return func(configurable map[string]any, _ Checkpointer, _ Store) (Graph, error) {
		return &agentGraph{configurable: configurable}, nil
	}
}

func (g *agentGraph) Invoke(ctx context.Context, rc RunContext, input map[string]any, emit func(Event)) (map[string]any, error) {
	messages, _ := input["messages"].([]any)
	last := lastHumanContent(messages)

	msgID := uuid.NewString()
	emit(Event{Kind: KindChatModelStart, Node: "model", MessageID: msgID, LangGraphNode: "model"})

	reply := respondTo(last)
	for _, tok := range tokenize(reply) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		emit(Event{Kind: KindChatModelStream, Node: "model", MessageID: msgID, Delta: tok, LangGraphNode: "model"})
	}

	emit(Event{
		Kind: KindChatModelEnd, Node: "model", MessageID: msgID,
		FinishReason: "stop", ModelName: "agentgraph-stub", ModelProvider: "agentgraph",
		LangGraphNode: "model",
	})

	aiMsg := map[string]any{"id": msgID, "type": "ai", "content": reply}
	allMessages := append(append([]any{}, messages...), aiMsg)
	final := map[string]any{"messages": allMessages}

	emit(Event{Kind: KindChainEnd, Node: "model", NodeUpdate: map[string]any{"messages": []any{aiMsg}}, LangGraphNode: "model"})

	return final, nil
}

// lastHumanContent returns the content of the last human message in a raw
// (interface{}-typed, JSON-decoded) message slice.
func lastHumanContent(messages []any) string {
	for i := len(messages) - 1; i >= 0; i-- {
		m, ok := messages[i].(map[string]any)
		if !ok {
			continue
		}
		if t, _ := m["type"].(string); t == "human" {
			c, _ := m["content"].(string)
			return c
		}
	}
	return ""
}

// respondTo produces a small, deterministic reply. Real LLM inference is
// explicitly out of scope; this stub exists only to exercise the streaming
// contract end-to-end.
func respondTo(input string) string {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return "I didn't receive any input."
	}
	if sum, ok := tryAdd(trimmed); ok {
		return fmt.Sprintf("The answer is %d.", sum)
	}
	return fmt.Sprintf("You said: %s", trimmed)
}

// tryAdd handles a simple "N+M" arithmetic shape so a deterministic test
// case ("2+2") gets a deterministic, verifiable answer.
func tryAdd(s string) (int, bool) {
	parts := strings.SplitN(s, "+", 2)
	if len(parts) != 2 {
		return 0, false
	}
	var a, b int
	if _, err := fmt.Sscanf(strings.TrimSpace(parts[0]), "%d", &a); err != nil {
		return 0, false
	}
	if _, err := fmt.Sscanf(strings.TrimSpace(parts[1]), "%d", &b); err != nil {
		return 0, false
	}
	return a + b, true
}

// tokenize splits a reply into word-ish chunks, each becoming one stream
// delta, so a client concatenating deltas in order reconstructs the exact
// final content.
func tokenize(s string) []string {
	fields := strings.Fields(s)
	out := make([]string, 0, len(fields))
	for i, f := range fields {
		if i > 0 {
			out = append(out, " "+f)
		} else {
			out = append(out, f)
		}
	}
	return out
}
