package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryResolveFallsBackToDefault(t *testing.T) {
	r := NewRegistry()
	r.Register(DefaultGraphID, NewAgentFactory())

	f := r.Resolve("nonexistent")
	require.NotNil(t, f)
	g, err := f(nil, nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &agentGraph{}, g)
}

func TestRegistryLazyResolvedOnce(t *testing.T) {
	r := NewRegistry()
	calls := 0
	r.RegisterLazy("research", func() Factory {
		calls++
		return NewResearchFactory()
	})

	_ = r.Resolve("research")
	_ = r.Resolve("research")
	assert.Equal(t, 1, calls)
}

func TestAgentGraphStreamsThenChainEnd(t *testing.T) {
	f := NewAgentFactory()
	g, err := f(nil, nil, nil)
	require.NoError(t, err)

	var events []Event
	values, err := g.Invoke(context.Background(), RunContext{}, map[string]any{
		"messages": []any{map[string]any{"type": "human", "content": "2+2"}},
	}, func(e Event) { events = append(events, e) })
	require.NoError(t, err)

	require.NotEmpty(t, events)
	assert.Equal(t, KindChatModelStart, events[0].Kind)
	assert.Equal(t, KindChainEnd, events[len(events)-1].Kind)

	var concatenated string
	for _, e := range events {
		if e.Kind == KindChatModelStream {
			concatenated += e.Delta
		}
	}
	assert.Contains(t, concatenated, "4")

	messages, ok := values["messages"].([]any)
	require.True(t, ok)
	last, ok := messages[len(messages)-1].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ai", last["type"])
}

func TestResearchGraphInterruptsBeforeSynthesis(t *testing.T) {
	f := NewResearchFactory()
	g, err := f(nil, nil, nil)
	require.NoError(t, err)

	_, err = g.Invoke(context.Background(), RunContext{InterruptBefore: []string{"synthesis"}}, map[string]any{
		"messages": []any{map[string]any{"type": "human", "content": "widgets"}},
	}, func(Event) {})

	var interrupted *Interrupted
	require.ErrorAs(t, err, &interrupted)
}

func TestEchoGraphRoundTrips(t *testing.T) {
	f := NewEchoFactory()
	g, err := f(nil, nil, nil)
	require.NoError(t, err)

	var delta string
	_, err = g.Invoke(context.Background(), RunContext{}, map[string]any{
		"messages": []any{map[string]any{"type": "human", "content": "hello world"}},
	}, func(e Event) {
		if e.Kind == KindChatModelStream {
			delta += e.Delta
		}
	})
	require.NoError(t, err)
	assert.Equal(t, "hello world", delta)
}
