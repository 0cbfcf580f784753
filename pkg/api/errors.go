package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/agentgraph/runtime/pkg/apierr"
	"github.com/agentgraph/runtime/pkg/auth"
	"github.com/agentgraph/runtime/pkg/runs"
)

// mapServiceError maps domain-layer errors (apierr sentinels/typed errors,
// plus the runs package's own invalid-transition error) to HTTP error
// responses, following the error taxonomy of spec.md §7 kind-for-kind
// rather than exposing internal error strings to callers by default.
func mapServiceError(err error) *echo.HTTPError {
	var validErr *apierr.ValidationError
	if errors.As(err, &validErr) {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, validErr.Error())
	}
	switch {
	case errors.Is(err, apierr.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	case errors.Is(err, apierr.ErrAlreadyExists):
		return echo.NewHTTPError(http.StatusConflict, "resource already exists")
	case errors.Is(err, apierr.ErrConflictingRun):
		return echo.NewHTTPError(http.StatusConflict, "conflicting run already active on thread")
	case errors.Is(err, apierr.ErrNotCancellable):
		return echo.NewHTTPError(http.StatusConflict, "run is not in a cancellable state")
	case errors.Is(err, apierr.ErrUnauthorized), errors.Is(err, auth.ErrNoAuthContext):
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, runs.ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, "run is not in a cancellable state")
	}

	slog.Error("unexpected service error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}

// requireOwner extracts the AuthUser stashed by auth.Middleware and fails
// closed with Unauthorized when a handler is reached without one — should
// never happen once the middleware is wired, but every handler that reads
// c.Request().Context() for owner scope goes through this single choke
// point rather than repeating the nil check.
func requireOwner(c *echo.Context) (*auth.User, error) {
	u := auth.FromContext(c.Request().Context())
	if u == nil {
		return nil, apierr.ErrUnauthorized
	}
	return u, nil
}
