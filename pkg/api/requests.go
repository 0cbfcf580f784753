package api

// RunCreateRequest is the HTTP request body shared by every run-create
// endpoint (stateful and stateless). Only the keys spec.md §6 recognises are
// bound; unknown keys are ignored.
type RunCreateRequest struct {
	AssistantID       string         `json:"assistant_id"`
	Input             any            `json:"input"`
	MultitaskStrategy string         `json:"multitask_strategy,omitempty"`
	IfNotExists       string         `json:"if_not_exists,omitempty"`
	OnCompletion      string         `json:"on_completion,omitempty"`
	OnDisconnect      string         `json:"on_disconnect,omitempty"`
	StreamMode        []string       `json:"stream_mode,omitempty"`
	InterruptBefore   []string       `json:"interrupt_before,omitempty"`
	InterruptAfter    []string       `json:"interrupt_after,omitempty"`
	Webhook           string         `json:"webhook,omitempty"`
	Config            map[string]any `json:"config,omitempty"`
}

// normalizeInput accepts either `{messages: [...]}` or a bare string, which
// wraps to a single human message per spec.md §6.
func normalizeInput(raw any) map[string]any {
	switch v := raw.(type) {
	case map[string]any:
		return v
	case string:
		return map[string]any{"messages": []any{map[string]any{"type": "human", "content": v}}}
	case nil:
		return map[string]any{}
	default:
		return map[string]any{}
	}
}

// AssistantCreateRequest is the body for POST /assistants.
type AssistantCreateRequest struct {
	AssistantID string         `json:"assistant_id,omitempty"`
	GraphID     string         `json:"graph_id"`
	Config      map[string]any `json:"config,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
}

// ThreadCreateRequest is the body for POST /threads.
type ThreadCreateRequest struct {
	ThreadID string         `json:"thread_id,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// StorePutRequest is the body for PUT /store/items.
type StorePutRequest struct {
	Namespace []string       `json:"namespace"`
	Key       string         `json:"key"`
	Value     map[string]any `json:"value"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// CronCreateRequest is the body for POST /runs/crons.
type CronCreateRequest struct {
	AssistantID    string         `json:"assistant_id"`
	Schedule       string         `json:"schedule"`
	EndTime        *string        `json:"end_time,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
	OnRunCompleted string         `json:"on_run_completed,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}
