package api

import (
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/google/uuid"

	"github.com/agentgraph/runtime/pkg/cron"
)

// createCronHandler handles POST /runs/crons.
func (s *Server) createCronHandler(c *echo.Context) error {
	user, err := requireOwner(c)
	if err != nil {
		return mapServiceError(err)
	}
	var body CronCreateRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	if body.AssistantID == "" || body.Schedule == "" {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "assistant_id and schedule are required")
	}
	assistantID, err := uuid.Parse(body.AssistantID)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "invalid assistant_id")
	}

	var endTime *time.Time
	if body.EndTime != nil && *body.EndTime != "" {
		t, err := time.Parse(time.RFC3339, *body.EndTime)
		if err != nil {
			return echo.NewHTTPError(http.StatusUnprocessableEntity, "invalid end_time, expected RFC3339")
		}
		endTime = &t
	}

	onRunCompleted := body.OnRunCompleted
	if onRunCompleted == "" {
		onRunCompleted = cron.OnRunCompletedDelete
	}

	nextRun, err := cron.NextFireAfter(body.Schedule, time.Now().UTC())
	if err != nil {
		return mapServiceError(err)
	}

	created, err := s.cronStore.Create(c.Request().Context(), &cron.Cron{
		AssistantID:    assistantID,
		Schedule:       body.Schedule,
		EndTime:        endTime,
		Payload:        body.Payload,
		NextRunDate:    nextRun,
		OnRunCompleted: onRunCompleted,
		Metadata:       withOwner(body.Metadata, user.Identity),
	})
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, &CronCreateResponse{CronID: created.ID.String()})
}

// deleteCronHandler handles DELETE /runs/crons/:cid.
func (s *Server) deleteCronHandler(c *echo.Context) error {
	user, err := requireOwner(c)
	if err != nil {
		return mapServiceError(err)
	}
	id, err := uuid.Parse(c.Param("cid"))
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "invalid cron id")
	}
	if err := s.cronStore.Delete(c.Request().Context(), id, user.Identity); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, &DeleteResponse{Deleted: true})
}

// listCronsHandler handles GET /runs/crons.
func (s *Server) listCronsHandler(c *echo.Context) error {
	user, err := requireOwner(c)
	if err != nil {
		return mapServiceError(err)
	}
	limit, offset := parsePagination(c)
	list, err := s.cronStore.List(c.Request().Context(), user.Identity, limit, offset)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, list)
}
