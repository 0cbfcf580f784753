package api

import (
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/agentgraph/runtime/pkg/assistants"
	"github.com/agentgraph/runtime/pkg/scheduler"
	"github.com/agentgraph/runtime/pkg/streaming"
	"github.com/agentgraph/runtime/pkg/threads"
)

const (
	defaultLimit = 50
	maxLimit     = 200
)

// parsePagination reads the `limit`/`offset` query params shared by every
// list endpoint, clamping limit to maxLimit.
func parsePagination(c *echo.Context) (limit, offset int) {
	limit = defaultLimit
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = min(n, maxLimit)
		}
	}
	if v := c.QueryParam("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

// streamRun subscribes to the run's broker before kicking off Execute on a
// worker goroutine, then drains frames to the response as they arrive —
// the producer/consumer split spec.md §9 calls for in place of the
// source's coroutine/async-generator streaming model.
func (s *Server) streamRun(c *echo.Context, result *scheduler.StartResult, assistant *assistants.Assistant, thread *threads.Thread, req scheduler.StartRunRequest) error {
	broker := s.scheduler.Brokers().Create(result.Run.ID.String())
	subID, ch := broker.Subscribe(true)
	defer broker.Unsubscribe(subID)

	streaming.SetHeaders(c.Response(), "")

	execDone := make(chan struct{})
	go func() {
		defer close(execDone)
		_, _, _ = s.scheduler.Execute(c.Request().Context(), result, assistant, thread, req)
	}()

	streaming.Drain(c.Response(), c.Request().Context().Done(), ch)
	<-execDone
	return nil
}
