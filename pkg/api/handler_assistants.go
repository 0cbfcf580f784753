package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
	"github.com/google/uuid"

	"github.com/agentgraph/runtime/pkg/assistants"
)

// createAssistantHandler handles POST /assistants.
func (s *Server) createAssistantHandler(c *echo.Context) error {
	user, err := requireOwner(c)
	if err != nil {
		return mapServiceError(err)
	}
	var body AssistantCreateRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	if body.GraphID == "" {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "graph_id is required")
	}

	a := &assistants.Assistant{
		GraphID:     body.GraphID,
		Config:      body.Config,
		Context:     body.Context,
		Name:        body.Name,
		Description: body.Description,
		Metadata:    withOwner(body.Metadata, user.Identity),
	}
	if body.AssistantID != "" {
		id, err := uuid.Parse(body.AssistantID)
		if err != nil {
			return echo.NewHTTPError(http.StatusUnprocessableEntity, "invalid assistant_id")
		}
		a.ID = id
	}

	created, err := s.assistants.Create(c.Request().Context(), a)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, created)
}

// getAssistantHandler handles GET /assistants/:aid.
func (s *Server) getAssistantHandler(c *echo.Context) error {
	user, err := requireOwner(c)
	if err != nil {
		return mapServiceError(err)
	}
	id, err := uuid.Parse(c.Param("aid"))
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "invalid assistant id")
	}
	a, err := s.assistants.Get(c.Request().Context(), id, user.Identity)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, a)
}

// updateAssistantHandler handles PATCH /assistants/:aid.
func (s *Server) updateAssistantHandler(c *echo.Context) error {
	user, err := requireOwner(c)
	if err != nil {
		return mapServiceError(err)
	}
	id, err := uuid.Parse(c.Param("aid"))
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "invalid assistant id")
	}
	existing, err := s.assistants.Get(c.Request().Context(), id, user.Identity)
	if err != nil {
		return mapServiceError(err)
	}

	var body AssistantCreateRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	if body.GraphID != "" {
		existing.GraphID = body.GraphID
	}
	if body.Config != nil {
		existing.Config = body.Config
	}
	if body.Context != nil {
		existing.Context = body.Context
	}
	if body.Name != "" {
		existing.Name = body.Name
	}
	if body.Description != "" {
		existing.Description = body.Description
	}
	existing.Version++

	updated, err := s.assistants.Update(c.Request().Context(), existing, user.Identity)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, updated)
}

// deleteAssistantHandler handles DELETE /assistants/:aid.
func (s *Server) deleteAssistantHandler(c *echo.Context) error {
	user, err := requireOwner(c)
	if err != nil {
		return mapServiceError(err)
	}
	id, err := uuid.Parse(c.Param("aid"))
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "invalid assistant id")
	}
	if err := s.assistants.Delete(c.Request().Context(), id, user.Identity); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, &DeleteResponse{Deleted: true})
}

// listAssistantsHandler handles GET /assistants.
func (s *Server) listAssistantsHandler(c *echo.Context) error {
	user, err := requireOwner(c)
	if err != nil {
		return mapServiceError(err)
	}
	limit, offset := parsePagination(c)
	list, err := s.assistants.List(c.Request().Context(), user.Identity, limit, offset)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, list)
}

// withOwner stamps metadata["owner"] onto a possibly-nil metadata map, the
// convention every create handler uses so ownership is never left unset.
func withOwner(metadata map[string]any, owner string) map[string]any {
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata["owner"] = owner
	return metadata
}
