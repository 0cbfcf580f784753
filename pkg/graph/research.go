package graph

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// maxResearchWorkers bounds the fan-out in phase one, mirroring the
// teacher's SubAgentRunner dispatch/result-channel design
// (pkg/agent/orchestrator/runner.go) generalized from alert-investigation
// sub-agents to research sub-workers.
const maxResearchWorkers = 3

// maxWorkerSteps bounds each sub-worker's internal iteration count. The stub
// here never needs more than one step, but the cap is enforced structurally
// so a future richer worker cannot run away.
const maxWorkerSteps = 15

// researchGraph is the two-phase fan-out graph registered under "research":
// phase one dispatches bounded sub-workers over independent angles on the
// input, then a synthesis node combines the findings. When the run's
// interrupt_before names "synthesis", the graph pauses for human approval
// (an HIL interrupt) before that node instead.
type researchGraph struct {
	configurable map[string]any
}

// NewResearchFactory returns the Factory for the "research" graph.
func NewResearchFactory() Factory {
	return func(configurable map[string]any, _ Checkpointer, _ Store) (Graph, error) {
		return &researchGraph{configurable: configurable}, nil
	}
}

func (g *researchGraph) Invoke(ctx context.Context, rc RunContext, input map[string]any, emit func(Event)) (map[string]any, error) {
	messages, _ := input["messages"].([]any)
	topic := lastHumanContent(messages)

	findings, err := g.fanOut(ctx, topic, emit)
	if err != nil {
		return nil, err
	}

	if interruptsAt(rc.InterruptBefore, "synthesis") {
		emit(Event{Kind: KindChainEnd, Node: "fan_out", NodeUpdate: map[string]any{"findings": findings}, LangGraphNode: "fan_out"})
		return map[string]any{"messages": messages, "findings": findings}, &Interrupted{Reason: "awaiting approval before synthesis"}
	}

	msgID := uuid.NewString()
	emit(Event{Kind: KindChatModelStart, Node: "synthesis", MessageID: msgID, LangGraphNode: "synthesis"})
	summary := synthesize(topic, findings)
	for _, tok := range tokenize(summary) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		emit(Event{Kind: KindChatModelStream, Node: "synthesis", MessageID: msgID, Delta: tok, LangGraphNode: "synthesis"})
	}
	emit(Event{Kind: KindChatModelEnd, Node: "synthesis", MessageID: msgID, FinishReason: "stop", ModelName: "agentgraph-stub", ModelProvider: "agentgraph", LangGraphNode: "synthesis"})

	aiMsg := map[string]any{"id": msgID, "type": "ai", "content": summary}
	allMessages := append(append([]any{}, messages...), aiMsg)
	emit(Event{Kind: KindChainEnd, Node: "synthesis", NodeUpdate: map[string]any{"messages": []any{aiMsg}}, LangGraphNode: "synthesis"})

	return map[string]any{"messages": allMessages, "findings": findings}, nil
}

// fanOut dispatches bounded sub-workers concurrently and collects their
// results on a buffered channel, matching the teacher's result-channel
// dispatch pattern. A failing worker contributes an empty/error result
// without aborting the rest of the fan-out; tool errors inside a graph stay
// local to that graph's run rather than surfacing as a server fault.
func (g *researchGraph) fanOut(ctx context.Context, topic string, emit func(Event)) ([]string, error) {
	angles := researchAngles(topic)
	results := make([]string, len(angles))

	var wg sync.WaitGroup
	resCh := make(chan struct {
		idx    int
		result string
	}, len(angles))

	for i, angle := range angles {
		wg.Add(1)
		go func(idx int, angle string) {
			defer wg.Done()
			result := runWorker(ctx, idx, angle)
			resCh <- struct {
				idx    int
				result string
			}{idx, result}
		}(i, angle)
	}

	go func() {
		wg.Wait()
		close(resCh)
	}()

	for r := range resCh {
		results[r.idx] = r.result
		emit(Event{
			Kind:          KindChainEnd,
			Node:          fmt.Sprintf("worker_%d", r.idx),
			NodeUpdate:    map[string]any{"finding": r.result},
			LangGraphNode: fmt.Sprintf("worker_%d", r.idx),
		})
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	return results, nil
}

func runWorker(ctx context.Context, idx int, angle string) string {
	for step := 0; step < maxWorkerSteps; step++ {
		select {
		case <-ctx.Done():
			return ""
		default:
		}
		return fmt.Sprintf("worker %d investigated %q", idx, angle)
	}
	return ""
}

func researchAngles(topic string) []string {
	angles := []string{topic + ": background", topic + ": risks", topic + ": recommendations"}
	if len(angles) > maxResearchWorkers {
		angles = angles[:maxResearchWorkers]
	}
	return angles
}

func synthesize(topic string, findings []string) string {
	out := fmt.Sprintf("Research summary for %q:", topic)
	for _, f := range findings {
		out += " " + f + ";"
	}
	return out
}

func interruptsAt(nodes []string, target string) bool {
	for _, n := range nodes {
		if n == target {
			return true
		}
	}
	return false
}
