// Package scheduler implements the run scheduler: the multitask policy, run
// lifecycle, and execution orchestration. It is the one component every
// HTTP endpoint that starts or cancels a run goes through.
package scheduler

import (
	"github.com/google/uuid"

	"github.com/agentgraph/runtime/pkg/runs"
)

// IfNotExists controls thread resolution when ThreadID is set but missing.
const (
	IfNotExistsCreate = "create"
	IfNotExistsReject = "reject"
)

// OnCompletion controls stateless-run ephemeral-thread cleanup.
const (
	OnCompletionDelete = "delete"
	OnCompletionKeep   = "keep"
)

// OnDisconnect controls what happens to a streaming run when the client
// goes away mid-stream.
const (
	OnDisconnectCancel   = "cancel"
	OnDisconnectContinue = "continue"
)

// StartRunRequest is the normalised form of the HTTP run-create payload,
// independent of which of the eight create endpoints received it.
type StartRunRequest struct {
	// ThreadID is nil for the stateless variants, which always create an
	// ephemeral thread.
	ThreadID *uuid.UUID

	// AssistantIDOrGraphID may be a UUID or a graph_id.
	AssistantIDOrGraphID string

	Input  map[string]any
	Config map[string]any // {configurable: {...}}

	MultitaskStrategy string
	IfNotExists       string
	OnCompletion      string
	OnDisconnect      string
	InterruptBefore   []string
	InterruptAfter    []string
	StreamMode        []string
	Webhook           string

	Owner  string
	UserID string
	OrgID  string
}

// normalizedStrategy applies the endpoint-dependent default: "enqueue" for
// stateful endpoints, "reject" for /wait.
func (r *StartRunRequest) normalizedStrategy(defaultStrategy string) string {
	if r.MultitaskStrategy == "" {
		return defaultStrategy
	}
	return r.MultitaskStrategy
}

func (r *StartRunRequest) normalizedIfNotExists() string {
	if r.IfNotExists == "" {
		return IfNotExistsCreate
	}
	return r.IfNotExists
}

func (r *StartRunRequest) normalizedOnDisconnect() string {
	if r.OnDisconnect == "" {
		return OnDisconnectCancel
	}
	return r.OnDisconnect
}

// StartResult bundles everything StartRun resolved so the caller (an HTTP
// handler) can immediately drive execution without a second round-trip.
type StartResult struct {
	Run         *runs.Run
	GraphID     string
	Ephemeral   bool // true for stateless-variant threads
}
