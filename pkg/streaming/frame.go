// Package streaming implements the streaming engine: it converts a
// compiled graph's internal event stream into a closed vocabulary of SSE
// frames, fans those frames out to one or more subscribers via a bounded
// per-run Broker, and writes them to an http.ResponseWriter with the exact
// framing downstream SDKs depend on.
package streaming

// FrameType is the closed set of five SSE event names this server emits,
// modelled as an enum rather than a free-form string.
type FrameType string

// Recognised frame types.
const (
	FrameMetadata FrameType = "metadata"
	FrameValues   FrameType = "values"
	FrameUpdates  FrameType = "updates"
	FrameMessages FrameType = "messages"
	FrameError    FrameType = "error"
)

// Frame is one SSE event: Type selects the event name, Data is marshalled
// as the frame's JSON payload. For FrameMessages, Data's MessageDelta
// carries the id that groups frames belonging to the same logical message
// so the client SDK can assemble them.
type Frame struct {
	Type FrameType
	Data any
}

// MetadataPayload is the first frame of every stream.
type MetadataPayload struct {
	RunID   string `json:"run_id"`
	Attempt int    `json:"attempt"`
}

// ValuesPayload carries a full state snapshot — the initial input echo or
// the final accumulated state.
type ValuesPayload map[string]any

// UpdatesPayload carries one non-model node's partial state, keyed by node
// name.
type UpdatesPayload map[string]any

// MessageMetadata is attached to every "messages" frame; there is no
// separate metadata event per message, unlike the initial run-level one.
type MessageMetadata struct {
	Owner              string         `json:"owner"`
	GraphID            string         `json:"graph_id"`
	AssistantID        string         `json:"assistant_id"`
	RunID              string         `json:"run_id"`
	ThreadID           string         `json:"thread_id"`
	UserID             string         `json:"user_id"`
	LangGraphNode      string         `json:"langgraph_node"`
	LangGraphStep      int            `json:"langgraph_step"`
	CheckpointNS       string         `json:"langgraph_checkpoint_ns"`
	ResponseMetadata   map[string]any `json:"response_metadata,omitempty"`
}

// MessageDelta is the first element of the "messages" 2-tuple frame. It
// carries only new content since the previous messages frame for the same
// ID — never the accumulated text.
type MessageDelta struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Content string `json:"content"`
}

// ErrorPayload terminates the stream.
type ErrorPayload struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
