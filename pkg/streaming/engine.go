package streaming

import (
	"context"
	"errors"

	"github.com/agentgraph/runtime/pkg/graph"
)

// RunIdentity carries the fields stamped onto every "messages" frame's
// metadata.
type RunIdentity struct {
	Owner       string
	GraphID     string
	AssistantID string
	RunID       string
	ThreadID    string
	UserID      string
}

// Engine drives one run's graph.Invoke call and publishes SSE frames to a
// Broker, honouring the frame ordering invariants every stream must obey:
//   - exactly one initial "metadata" frame,
//   - exactly one initial "values" frame echoing the input,
//   - model execution as a start/stream*/end message triple,
//   - zero or more "updates" frames per non-model node,
//   - exactly one final "values" frame with the full accumulated state.
type Engine struct{}

// NewEngine returns a ready-to-use Engine. It holds no state of its own —
// everything it needs is passed into Run.
func NewEngine() *Engine { return &Engine{} }

// Run invokes g against input, publishing frames to broker as they occur.
// It returns the final accumulated values and whether the graph paused at
// an HIL boundary (graph.Interrupted).
func (e *Engine) Run(ctx context.Context, g graph.Graph, rc graph.RunContext, id RunIdentity, attempt int, input map[string]any) (values map[string]any, interrupted bool, err error) {
	broker := BrokerFromContext(ctx)

	publish := func(f Frame) {
		if broker != nil {
			broker.Publish(f)
		}
	}

	publish(Frame{Type: FrameMetadata, Data: MetadataPayload{RunID: id.RunID, Attempt: attempt}})
	publish(Frame{Type: FrameValues, Data: ValuesPayload(input)})

	step := 0
	emit := func(ev graph.Event) {
		step++
		switch ev.Kind {
		case graph.KindChatModelStart:
			publish(messagesFrame(ev, id, step, "", ""))
		case graph.KindChatModelStream:
			publish(messagesFrame(ev, id, step, ev.Delta, ""))
		case graph.KindChatModelEnd:
			meta := map[string]any{
				"finish_reason":  ev.FinishReason,
				"model_name":     ev.ModelName,
				"model_provider": ev.ModelProvider,
			}
			publish(messagesFrameWithResponseMeta(ev, id, step, meta))
		case graph.KindChainEnd:
			if ev.NodeUpdate != nil {
				publish(Frame{Type: FrameUpdates, Data: UpdatesPayload{ev.Node: ev.NodeUpdate}})
			}
		case graph.KindIgnore:
			// unrecognised event kind; no frame emitted
		}
	}

	final, invokeErr := g.Invoke(ctx, rc, input, emit)

	if invokeErr != nil {
		if ip, ok := asInterrupted(invokeErr); ok {
			_ = ip
			publish(Frame{Type: FrameValues, Data: ValuesPayload(final)})
			return final, true, nil
		}
		publish(Frame{Type: FrameError, Data: ErrorPayload{Error: invokeErr.Error()}})
		return nil, false, invokeErr
	}

	publish(Frame{Type: FrameValues, Data: ValuesPayload(final)})
	return final, false, nil
}

func asInterrupted(err error) (*graph.Interrupted, bool) {
	var ip *graph.Interrupted
	ok := errors.As(err, &ip)
	return ip, ok
}

func messagesFrame(ev graph.Event, id RunIdentity, step int, content, typ string) Frame {
	if typ == "" {
		typ = "AIMessageChunk"
	}
	delta := MessageDelta{ID: ev.MessageID, Type: typ, Content: content}
	meta := MessageMetadata{
		Owner: id.Owner, GraphID: id.GraphID, AssistantID: id.AssistantID,
		RunID: id.RunID, ThreadID: id.ThreadID, UserID: id.UserID,
		LangGraphNode: ev.LangGraphNode, LangGraphStep: step, CheckpointNS: ev.CheckpointNS,
	}
	return Frame{Type: FrameMessages, Data: [2]any{delta, meta}}
}

func messagesFrameWithResponseMeta(ev graph.Event, id RunIdentity, step int, responseMeta map[string]any) Frame {
	delta := MessageDelta{ID: ev.MessageID, Type: "AIMessageChunk", Content: ""}
	meta := MessageMetadata{
		Owner: id.Owner, GraphID: id.GraphID, AssistantID: id.AssistantID,
		RunID: id.RunID, ThreadID: id.ThreadID, UserID: id.UserID,
		LangGraphNode: ev.LangGraphNode, LangGraphStep: step, CheckpointNS: ev.CheckpointNS,
		ResponseMetadata: responseMeta,
	}
	return Frame{Type: FrameMessages, Data: [2]any{delta, meta}}
}

type brokerCtxKey struct{}

// WithBroker attaches broker to ctx so Run can publish without threading
// the broker through every call site.
func WithBroker(ctx context.Context, b *Broker) context.Context {
	return context.WithValue(ctx, brokerCtxKey{}, b)
}

// BrokerFromContext retrieves the Broker attached by WithBroker, or nil.
func BrokerFromContext(ctx context.Context) *Broker {
	b, _ := ctx.Value(brokerCtxKey{}).(*Broker)
	return b
}
