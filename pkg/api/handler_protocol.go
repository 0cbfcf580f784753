package api

import (
	"io"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/agentgraph/runtime/pkg/protocol"
)

// mcpHandler handles POST /mcp: a single JSON-RPC 2.0 envelope carrying the
// "tools/call" method. Only that method is recognised; anything else gets
// a method-not-found error, matching the narrow C9 scope spec.md §4.9 sets.
func (s *Server) mcpHandler(c *echo.Context) error {
	user, err := requireOwner(c)
	if err != nil {
		return mapServiceError(err)
	}
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	req, err := protocol.ParseRequest(body)
	if err != nil {
		return c.JSON(http.StatusOK, protocol.ErrorResponse(nil, protocol.CodeParseError, err.Error()))
	}

	var resp *protocol.Response
	switch req.Method {
	case "tools/call":
		resp = protocol.HandleToolsCall(c.Request().Context(), s.scheduler, req, user.Identity, user.Identity, user.OrgID)
	default:
		resp = protocol.ErrorResponse(req.ID, protocol.CodeMethodNotFound, "unsupported method: "+req.Method)
	}
	return c.JSON(http.StatusOK, resp)
}

// a2aHandler handles POST /a2a: a JSON-RPC envelope carrying "message/send"
// (blocking) or "message/stream" (SSE, JSON-RPC-framed).
func (s *Server) a2aHandler(c *echo.Context) error {
	user, err := requireOwner(c)
	if err != nil {
		return mapServiceError(err)
	}
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	req, err := protocol.ParseRequest(body)
	if err != nil {
		return c.JSON(http.StatusOK, protocol.ErrorResponse(nil, protocol.CodeParseError, err.Error()))
	}

	switch req.Method {
	case "message/send":
		resp := protocol.HandleMessageSend(c.Request().Context(), s.scheduler, req, user.Identity, user.Identity, user.OrgID)
		return c.JSON(http.StatusOK, resp)
	case "message/stream":
		return protocol.HandleMessageStream(c.Request().Context(), s.scheduler, c.Response(), req, user.Identity, user.Identity, user.OrgID)
	default:
		return c.JSON(http.StatusOK, protocol.ErrorResponse(req.ID, protocol.CodeMethodNotFound, "unsupported method: "+req.Method))
	}
}
