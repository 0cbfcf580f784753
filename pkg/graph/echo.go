package graph

import (
	"context"

	"github.com/google/uuid"
)

// echoGraph streams back the exact text of the last human message, token by
// token. It exists so integration tests (and operators) can register a
// graph_id whose output is fully predictable enough to assert that the
// token-delta sequence concatenates back to the echoed text.
type echoGraph struct{}

// NewEchoFactory returns the Factory for a deterministic echo graph, useful
// for registering a custom graph_id in tests.
func NewEchoFactory() Factory {
	return func(map[string]any, Checkpointer, Store) (Graph, error) {
		return &echoGraph{}, nil
	}
}

func (echoGraph) Invoke(ctx context.Context, rc RunContext, input map[string]any, emit func(Event)) (map[string]any, error) {
	messages, _ := input["messages"].([]any)
	text := lastHumanContent(messages)

	msgID := uuid.NewString()
	emit(Event{Kind: KindChatModelStart, Node: "echo", MessageID: msgID, LangGraphNode: "echo"})
	for _, tok := range tokenize(text) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		emit(Event{Kind: KindChatModelStream, Node: "echo", MessageID: msgID, Delta: tok, LangGraphNode: "echo"})
	}
	emit(Event{Kind: KindChatModelEnd, Node: "echo", MessageID: msgID, FinishReason: "stop", ModelName: "echo", ModelProvider: "agentgraph", LangGraphNode: "echo"})

	aiMsg := map[string]any{"id": msgID, "type": "ai", "content": text}
	allMessages := append(append([]any{}, messages...), aiMsg)
	emit(Event{Kind: KindChainEnd, Node: "echo", NodeUpdate: map[string]any{"messages": []any{aiMsg}}, LangGraphNode: "echo"})
	return map[string]any{"messages": allMessages}, nil
}
