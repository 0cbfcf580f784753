package api

import (
	"context"
	"net/http"

	echo "github.com/labstack/echo/v5"
	"github.com/google/uuid"

	"github.com/agentgraph/runtime/pkg/auth"
	"github.com/agentgraph/runtime/pkg/runs"
	"github.com/agentgraph/runtime/pkg/scheduler"
	"github.com/agentgraph/runtime/pkg/streaming"
)

// bindRunCreateRequest parses the common run-create body and resolves the
// normalised scheduler.StartRunRequest, pulling the thread id from the
// `:tid` route param when present (stateful endpoints) and leaving it nil
// otherwise (stateless variants create an ephemeral thread).
func bindRunCreateRequest(c *echo.Context, user *auth.User, defaultStrategy string) (scheduler.StartRunRequest, error) {
	var body RunCreateRequest
	if err := c.Bind(&body); err != nil {
		return scheduler.StartRunRequest{}, echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	if body.AssistantID == "" {
		return scheduler.StartRunRequest{}, echo.NewHTTPError(http.StatusUnprocessableEntity, "assistant_id is required")
	}

	var threadID *uuid.UUID
	if tid := c.Param("tid"); tid != "" {
		id, err := uuid.Parse(tid)
		if err != nil {
			return scheduler.StartRunRequest{}, echo.NewHTTPError(http.StatusUnprocessableEntity, "invalid thread id")
		}
		threadID = &id
	}

	req := scheduler.StartRunRequest{
		ThreadID:             threadID,
		AssistantIDOrGraphID: body.AssistantID,
		Input:                normalizeInput(body.Input),
		Config:               body.Config,
		MultitaskStrategy:    body.MultitaskStrategy,
		IfNotExists:          body.IfNotExists,
		OnCompletion:         body.OnCompletion,
		OnDisconnect:         body.OnDisconnect,
		InterruptBefore:      body.InterruptBefore,
		InterruptAfter:       body.InterruptAfter,
		StreamMode:           body.StreamMode,
		Webhook:              body.Webhook,
		Owner:                user.Identity,
		UserID:               user.Identity,
		OrgID:                user.OrgID,
	}
	if req.MultitaskStrategy == "" {
		req.MultitaskStrategy = defaultStrategy
	}
	if req.IfNotExists == "" {
		req.IfNotExists = scheduler.IfNotExistsCreate
	}
	return req, nil
}

// createBackgroundRunHandler handles POST /threads/:tid/runs and the
// stateless POST /runs: start the run and return immediately without
// waiting for it to execute, letting it proceed on a detached goroutine.
func (s *Server) createBackgroundRunHandler(c *echo.Context) error {
	user, err := requireOwner(c)
	if err != nil {
		return mapServiceError(err)
	}
	req, err := bindRunCreateRequest(c, user, runs.StrategyEnqueue)
	if err != nil {
		return err
	}

	result, assistant, thread, err := s.scheduler.StartRun(c.Request().Context(), req)
	if err != nil {
		return mapServiceError(err)
	}

	go func() {
		// Detached from the request context: a background run must keep
		// executing after the HTTP handler returns, so it cannot inherit a
		// context that is cancelled on response flush.
		if _, _, err := s.scheduler.Execute(context.Background(), result, assistant, thread, req); err != nil {
			// errors are recorded on the run record itself by Execute; nothing
			// further to do for a detached background run.
			_ = err
		}
	}()

	return c.JSON(http.StatusOK, result.Run)
}

// createWaitRunHandler handles POST /threads/:tid/runs/wait and the
// stateless POST /runs/wait: start and execute synchronously, returning the
// final ThreadState values once the run reaches a terminal status.
func (s *Server) createWaitRunHandler(c *echo.Context) error {
	user, err := requireOwner(c)
	if err != nil {
		return mapServiceError(err)
	}
	req, err := bindRunCreateRequest(c, user, runs.StrategyReject)
	if err != nil {
		return err
	}

	result, assistant, thread, err := s.scheduler.StartRun(c.Request().Context(), req)
	if err != nil {
		return mapServiceError(err)
	}

	values, _, err := s.scheduler.Execute(c.Request().Context(), result, assistant, thread, req)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, values)
}

// createStreamRunHandler handles POST /threads/:tid/runs/stream and the
// stateless POST /runs/stream: start the run, subscribe to its broker
// before execution begins so no frame is missed, then drive Execute on a
// worker goroutine while the handler goroutine drains the channel to the
// wire — the producer/consumer split spec.md §9 calls for.
func (s *Server) createStreamRunHandler(c *echo.Context) error {
	user, err := requireOwner(c)
	if err != nil {
		return mapServiceError(err)
	}
	req, err := bindRunCreateRequest(c, user, runs.StrategyEnqueue)
	if err != nil {
		return err
	}

	result, assistant, thread, err := s.scheduler.StartRun(c.Request().Context(), req)
	if err != nil {
		return mapServiceError(err)
	}

	return s.streamRun(c, result, assistant, thread, req)
}

// joinStreamHandler handles GET /threads/:tid/runs/:rid/stream, per
// spec.md §4.7's join-stream semantics: emit a "metadata" frame, a single
// "values" frame with the current snapshot, and — if the run has already
// gone terminal — a single "updates" frame reflecting its final status,
// then (only if the run is still in-flight on this pod) drain live frames
// from its broker. There is never a live token replay: a missed run is a
// missed run. Unlike the old implementation, a terminal or swept-broker run
// is still joinable — it isn't 404'd — since §8's scenario 3 polls a run
// after it has gone interrupted.
func (s *Server) joinStreamHandler(c *echo.Context) error {
	user, err := requireOwner(c)
	if err != nil {
		return mapServiceError(err)
	}
	runID, err := uuid.Parse(c.Param("rid"))
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "invalid run id")
	}
	run, err := s.fetchRun(c, runID, user.Identity)
	if err != nil {
		return mapServiceError(err)
	}

	streaming.SetHeaders(c.Response(), "")
	_ = streaming.WriteFrame(c.Response(), streaming.Frame{
		Type: streaming.FrameMetadata,
		Data: streaming.MetadataPayload{RunID: run.ID.String(), Attempt: 1},
	})

	broker := s.scheduler.Brokers().Get(run.ID.String())

	values, haveValues := valuesForJoin(broker)
	if !haveValues {
		if st, err := s.threads.GetState(c.Request().Context(), run.ThreadID); err == nil && st != nil {
			values, haveValues = st.Values, true
		}
	}
	if haveValues {
		_ = streaming.WriteFrame(c.Response(), streaming.Frame{Type: streaming.FrameValues, Data: streaming.ValuesPayload(values)})
	}

	if runs.IsTerminal(run.Status) {
		_ = streaming.WriteFrame(c.Response(), streaming.Frame{
			Type: streaming.FrameUpdates,
			Data: streaming.UpdatesPayload{"run": map[string]any{"status": run.Status}},
		})
		return nil
	}

	if broker == nil {
		return nil
	}
	subID, ch := broker.Subscribe(false)
	defer broker.Unsubscribe(subID)
	streaming.Drain(c.Response(), c.Request().Context().Done(), ch)
	return nil
}

// valuesForJoin returns the broker's last "values" frame payload, if the
// run is still tracked in-process on this pod.
func valuesForJoin(broker *streaming.Broker) (map[string]any, bool) {
	if broker == nil {
		return nil, false
	}
	f, ok := broker.LastValues()
	if !ok {
		return nil, false
	}
	v, _ := f.Data.(streaming.ValuesPayload)
	return map[string]any(v), true
}

// cancelRunHandler handles POST /threads/:tid/runs/:rid/cancel.
func (s *Server) cancelRunHandler(c *echo.Context) error {
	user, err := requireOwner(c)
	if err != nil {
		return mapServiceError(err)
	}
	runID, err := uuid.Parse(c.Param("rid"))
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "invalid run id")
	}
	if err := s.scheduler.Cancel(c.Request().Context(), runID, user.Identity); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, &CancelResponse{})
}

// getRunHandler handles GET /threads/:tid/runs/:rid.
func (s *Server) getRunHandler(c *echo.Context) error {
	user, err := requireOwner(c)
	if err != nil {
		return mapServiceError(err)
	}
	runID, err := uuid.Parse(c.Param("rid"))
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "invalid run id")
	}
	run, err := s.fetchRun(c, runID, user.Identity)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, run)
}

// listRunsHandler handles GET /threads/:tid/runs.
func (s *Server) listRunsHandler(c *echo.Context) error {
	user, err := requireOwner(c)
	if err != nil {
		return mapServiceError(err)
	}
	threadID, err := uuid.Parse(c.Param("tid"))
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "invalid thread id")
	}
	limit, offset := parsePagination(c)
	list, err := s.runStore().ListByThread(c.Request().Context(), threadID, user.Identity, limit, offset)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) fetchRun(c *echo.Context, runID uuid.UUID, owner string) (*runs.Run, error) {
	return s.runStore().Get(c.Request().Context(), runID, owner)
}

// runStore exposes the run store the scheduler already owns internally;
// CRUD reads for GET/list endpoints go straight to the store rather than
// through the scheduler, since they perform no scheduling decisions.
func (s *Server) runStore() runs.RunStore {
	return s.scheduler.RunStore()
}
