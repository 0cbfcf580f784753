package streaming

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgraph/runtime/pkg/graph"
)

func TestEngineEmitsMetadataFirstAndValuesLast(t *testing.T) {
	broker := NewBroker()
	id1, ch := broker.Subscribe(true)
	defer broker.Unsubscribe(id1)

	var frames []Frame
	done := make(chan struct{})
	go func() {
		for f := range ch {
			frames = append(frames, f)
		}
		close(done)
	}()

	f := graph.NewEchoFactory()
	g, err := f(nil, nil, nil)
	require.NoError(t, err)

	ctx := WithBroker(context.Background(), broker)
	engine := NewEngine()
	values, interrupted, err := engine.Run(ctx, g, graph.RunContext{}, RunIdentity{RunID: "r1"}, 1, map[string]any{
		"messages": []any{map[string]any{"type": "human", "content": "hi there"}},
	})
	require.NoError(t, err)
	assert.False(t, interrupted)
	assert.NotNil(t, values)

	broker.Close()
	<-done

	require.NotEmpty(t, frames)
	assert.Equal(t, FrameMetadata, frames[0].Type)
	assert.Equal(t, FrameValues, frames[len(frames)-1].Type)

	var firstValues int
	for _, fr := range frames {
		if fr.Type == FrameValues {
			firstValues++
		}
	}
	assert.Equal(t, 2, firstValues, "one initial echo + one final accumulated values frame")
}

func TestBrokerLastValuesForJoinStream(t *testing.T) {
	b := NewBroker()
	_, hadValue := b.LastValues()
	assert.False(t, hadValue)

	b.Publish(Frame{Type: FrameValues, Data: ValuesPayload{"messages": []any{}}})
	last, hadValue := b.LastValues()
	assert.True(t, hadValue)
	assert.Equal(t, FrameValues, last.Type)
}

func TestBrokerPublishNeverBlocksOnFullSecondarySubscriber(t *testing.T) {
	b := NewBroker()
	id, ch := b.Subscribe(false)
	defer b.Unsubscribe(id)
	_ = ch // never drained

	for i := 0; i < subscriberBuffer+10; i++ {
		b.Publish(Frame{Type: FrameUpdates, Data: UpdatesPayload{"n": i}})
	}
}

// TestBrokerPublishBlocksOnFullPrimarySubscriber asserts the §4.7 invariant
// that no frame is ever dropped for the live stream consumer: once its
// buffer fills, Publish must block until that subscriber (or something
// draining on its behalf) makes room, rather than silently skip the frame.
func TestBrokerPublishBlocksOnFullPrimarySubscriber(t *testing.T) {
	b := NewBroker()
	id, ch := b.Subscribe(true)
	defer b.Unsubscribe(id)

	for i := 0; i < subscriberBuffer; i++ {
		b.Publish(Frame{Type: FrameUpdates, Data: UpdatesPayload{"n": i}})
	}

	publishDone := make(chan struct{})
	go func() {
		b.Publish(Frame{Type: FrameUpdates, Data: UpdatesPayload{"n": "overflow"}})
		close(publishDone)
	}()

	select {
	case <-publishDone:
		t.Fatal("Publish returned before the full primary subscriber buffer was drained")
	case <-time.After(50 * time.Millisecond):
	}

	<-ch // drain one slot
	select {
	case <-publishDone:
	case <-time.After(time.Second):
		t.Fatal("Publish did not unblock after the primary subscriber was drained")
	}
}

// TestBrokerPublishUnblocksOnUnsubscribe ensures a Publish blocked sending
// to a primary subscriber is released when that subscriber disconnects,
// instead of leaking the producing goroutine forever.
func TestBrokerPublishUnblocksOnUnsubscribe(t *testing.T) {
	b := NewBroker()
	id, _ := b.Subscribe(true)

	for i := 0; i < subscriberBuffer; i++ {
		b.Publish(Frame{Type: FrameUpdates, Data: UpdatesPayload{"n": i}})
	}

	publishDone := make(chan struct{})
	go func() {
		b.Publish(Frame{Type: FrameUpdates, Data: UpdatesPayload{"n": "overflow"}})
		close(publishDone)
	}()

	time.Sleep(20 * time.Millisecond)
	b.Unsubscribe(id)

	select {
	case <-publishDone:
	case <-time.After(time.Second):
		t.Fatal("Publish did not unblock after Unsubscribe")
	}
}
