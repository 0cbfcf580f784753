package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
	"github.com/google/uuid"

	"github.com/agentgraph/runtime/pkg/threads"
)

// createThreadHandler handles POST /threads.
func (s *Server) createThreadHandler(c *echo.Context) error {
	user, err := requireOwner(c)
	if err != nil {
		return mapServiceError(err)
	}
	var body ThreadCreateRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}

	t := &threads.Thread{Metadata: withOwner(body.Metadata, user.Identity)}
	if body.ThreadID != "" {
		id, err := uuid.Parse(body.ThreadID)
		if err != nil {
			return echo.NewHTTPError(http.StatusUnprocessableEntity, "invalid thread_id")
		}
		t.ID = id
	}

	created, err := s.threads.Create(c.Request().Context(), t)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, created)
}

// getThreadHandler handles GET /threads/:tid.
func (s *Server) getThreadHandler(c *echo.Context) error {
	user, err := requireOwner(c)
	if err != nil {
		return mapServiceError(err)
	}
	id, err := uuid.Parse(c.Param("tid"))
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "invalid thread id")
	}
	t, err := s.threads.Get(c.Request().Context(), id, user.Identity)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, t)
}

// deleteThreadHandler handles DELETE /threads/:tid. The underlying foreign
// keys cascade-delete the thread's runs and state snapshots (spec.md §9's
// resolution of the source's PG-003 ambiguity).
func (s *Server) deleteThreadHandler(c *echo.Context) error {
	user, err := requireOwner(c)
	if err != nil {
		return mapServiceError(err)
	}
	id, err := uuid.Parse(c.Param("tid"))
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "invalid thread id")
	}
	if err := s.threads.Delete(c.Request().Context(), id, user.Identity); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, &DeleteResponse{Deleted: true})
}

// listThreadsHandler handles GET /threads.
func (s *Server) listThreadsHandler(c *echo.Context) error {
	user, err := requireOwner(c)
	if err != nil {
		return mapServiceError(err)
	}
	limit, offset := parsePagination(c)
	list, err := s.threads.List(c.Request().Context(), user.Identity, limit, offset)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, list)
}

// getThreadStateHandler handles GET /threads/:tid/state.
func (s *Server) getThreadStateHandler(c *echo.Context) error {
	_, err := requireOwner(c)
	if err != nil {
		return mapServiceError(err)
	}
	id, err := uuid.Parse(c.Param("tid"))
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "invalid thread id")
	}
	st, err := s.threads.GetState(c.Request().Context(), id)
	if err != nil {
		return mapServiceError(err)
	}
	if st == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no state recorded for thread")
	}
	return c.JSON(http.StatusOK, st)
}

// getThreadHistoryHandler handles GET /threads/:tid/history.
func (s *Server) getThreadHistoryHandler(c *echo.Context) error {
	_, err := requireOwner(c)
	if err != nil {
		return mapServiceError(err)
	}
	id, err := uuid.Parse(c.Param("tid"))
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "invalid thread id")
	}
	limit, _ := parsePagination(c)

	var before *uuid.UUID
	if v := c.QueryParam("before"); v != "" {
		b, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusUnprocessableEntity, "invalid before checkpoint id")
		}
		before = &b
	}

	history, err := s.threads.GetHistory(c.Request().Context(), id, limit, before)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, history)
}
