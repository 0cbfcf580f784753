// Package graph implements the process-wide graph registry (C3): a
// read-mostly map from graph_id to a factory that compiles a runnable graph
// against a request's config and persistence handles. Factories may be
// registered eagerly or lazily; the registry itself never implements the
// graph interpreter — that is out of scope, leaving only the shape a
// compiled graph must expose to the run scheduler and streaming engine.
package graph

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// DefaultGraphID is the fallback used when a caller names an unknown
// graph_id — the assistant is still created, but execution falls back to
// this graph with a logged warning.
const DefaultGraphID = "agent"

// Message is one entry in a thread's conversation, the graph's input/output
// unit. Type is "human", "ai", or "tool".
type Message struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// Kind is the open set of internal graph event tags the streaming engine
// consumes. Unrecognised kinds fall into KindIgnore — modelling the
// upstream tagged-variant event stream as a closed sum type with a default
// arm, so a future new event kind degrades to a no-op instead of a panic.
type Kind string

// Recognised event kinds emitted by a compiled graph during Invoke.
const (
	KindChatModelStart  Kind = "on_chat_model_start"
	KindChatModelStream Kind = "on_chat_model_stream"
	KindChatModelEnd    Kind = "on_chat_model_end"
	KindChainEnd        Kind = "on_chain_end"
	KindIgnore          Kind = "ignore"
)

// Event is one internal occurrence during graph execution, translated by
// pkg/streaming into an SSE frame.
type Event struct {
	Kind      Kind
	Node      string
	MessageID string
	// Delta carries only new content since the previous Stream event for the
	// same MessageID — never the accumulated text.
	Delta            string
	FinishReason     string
	ModelName        string
	ModelProvider    string
	Values           map[string]any // full accumulated state, for chain/values frames
	NodeUpdate       map[string]any // partial state contributed by Node, for updates frames
	LangGraphNode    string
	LangGraphStep    int
	CheckpointNS     string
}

// RunContext carries the per-request identity and config a Factory and a
// compiled Graph need to scope memory-store namespaces and honour
// interrupt_before/after. Auth context flows in here rather than through a
// package-level global, so a compiled graph can never leak one caller's
// identity into another's run.
type RunContext struct {
	RunID        string
	ThreadID     string
	AssistantID  string
	Owner        string
	UserID       string
	OrgID        string
	Configurable map[string]any

	InterruptBefore []string
	InterruptAfter  []string
}

// Interrupted is returned by Invoke (wrapped) when the graph paused at an
// HIL boundary rather than running to completion.
type Interrupted struct {
	Reason string
}

func (e *Interrupted) Error() string { return fmt.Sprintf("graph interrupted: %s", e.Reason) }

// Graph is a compiled, runnable instance produced by a Factory. Invoke
// drives the graph to completion (or an HIL pause), emitting Events on
// emit as they occur; the final accumulated state is returned once Invoke
// returns.
type Graph interface {
	Invoke(ctx context.Context, rc RunContext, input map[string]any, emit func(Event)) (values map[string]any, err error)
}

// Checkpointer and Store are the persistence handles a Factory may use to
// build a graph bound to this request's scoped connections (pkg/database).
// They are intentionally minimal — the graph interpreter itself is out of
// scope, so these are opaque to the registry.
type Checkpointer interface{}
type Store interface{}

// Factory compiles a Graph for one request. checkpointer/store may be nil
// when the caller has no persistence backing (e.g. an in-memory fallback).
type Factory func(configurable map[string]any, checkpointer Checkpointer, store Store) (Graph, error)

// Registry is the process-wide graph_id → Factory map. Writes only happen
// at startup (Register/RegisterLazy); Resolve never mutates eager state
// once warm, so the RWMutex mostly guards the startup window and the
// first-use memoization of lazy entries.
type Registry struct {
	mu      sync.RWMutex
	eager   map[string]Factory
	lazy    map[string]func() Factory
	resolved map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		eager:    make(map[string]Factory),
		lazy:     make(map[string]func() Factory),
		resolved: make(map[string]Factory),
	}
}

// Register installs an eagerly-constructed factory under graph_id.
func (r *Registry) Register(graphID string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.eager[graphID] = f
}

// RegisterLazy installs a factory resolved on first use via loader,
// expressed here as a closure so cold start avoids building graphs nobody
// ends up invoking.
func (r *Registry) RegisterLazy(graphID string, loader func() Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lazy[graphID] = loader
}

// Resolve returns the factory registered under graphID, loading a lazy
// entry on first use. Unknown ids fall back to DefaultGraphID, logging a
// warning.
func (r *Registry) Resolve(graphID string) Factory {
	r.mu.RLock()
	if f, ok := r.eager[graphID]; ok {
		r.mu.RUnlock()
		return f
	}
	if f, ok := r.resolved[graphID]; ok {
		r.mu.RUnlock()
		return f
	}
	loader, ok := r.lazy[graphID]
	r.mu.RUnlock()

	if ok {
		f := loader()
		r.mu.Lock()
		r.resolved[graphID] = f
		r.mu.Unlock()
		return f
	}

	if graphID == DefaultGraphID {
		return nil
	}
	slog.Warn("unknown graph_id, falling back to default", "graph_id", graphID, "default", DefaultGraphID)
	return r.Resolve(DefaultGraphID)
}

// Count reports the number of distinct registered graph ids (eager + lazy),
// surfaced on the /health endpoint's configuration stats.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{}, len(r.eager)+len(r.lazy))
	for k := range r.eager {
		seen[k] = struct{}{}
	}
	for k := range r.lazy {
		seen[k] = struct{}{}
	}
	return len(seen)
}
