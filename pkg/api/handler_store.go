package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/agentgraph/runtime/pkg/apierr"
	"github.com/agentgraph/runtime/pkg/namespace"
)

// putStoreItemHandler handles PUT /store/items.
func (s *Server) putStoreItemHandler(c *echo.Context) error {
	user, err := requireOwner(c)
	if err != nil {
		return mapServiceError(err)
	}
	var body StorePutRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	ns, err := namespace.Normalize(body.Namespace)
	if err != nil {
		return mapServiceError(namespaceValidationError(err))
	}
	item, err := s.store.Put(c.Request().Context(), user.Identity, ns, body.Key, body.Value, body.Metadata)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, item)
}

// getStoreItemHandler handles GET /store/items?namespace=...&key=k. The
// namespace query value goes through namespace.NormalizeQueryValue, which
// accepts either a bare scalar or a JSON-encoded array and is idempotent
// with the JSON-body form Put/search use.
func (s *Server) getStoreItemHandler(c *echo.Context) error {
	user, err := requireOwner(c)
	if err != nil {
		return mapServiceError(err)
	}
	ns, err := namespace.NormalizeQueryValue(c.QueryParam("namespace"))
	if err != nil {
		return mapServiceError(namespaceValidationError(err))
	}
	key := c.QueryParam("key")
	if key == "" {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "key is required")
	}
	item, err := s.store.Get(c.Request().Context(), user.Identity, ns, key)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, item)
}

// deleteStoreItemHandler handles DELETE /store/items?namespace=...&key=k.
func (s *Server) deleteStoreItemHandler(c *echo.Context) error {
	user, err := requireOwner(c)
	if err != nil {
		return mapServiceError(err)
	}
	ns, err := namespace.NormalizeQueryValue(c.QueryParam("namespace"))
	if err != nil {
		return mapServiceError(namespaceValidationError(err))
	}
	key := c.QueryParam("key")
	if key == "" {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "key is required")
	}
	if err := s.store.Delete(c.Request().Context(), user.Identity, ns, key); err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, &DeleteResponse{Deleted: true})
}

// searchStoreItemsHandler handles POST /store/items/search, listing items
// in exactly the given namespace.
func (s *Server) searchStoreItemsHandler(c *echo.Context) error {
	user, err := requireOwner(c)
	if err != nil {
		return mapServiceError(err)
	}
	var body struct {
		Namespace []string `json:"namespace"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	var ns []string
	if len(body.Namespace) > 0 {
		ns, err = namespace.Normalize(body.Namespace)
		if err != nil {
			return mapServiceError(namespaceValidationError(err))
		}
	}
	limit, offset := parsePagination(c)
	items, err := s.store.List(c.Request().Context(), user.Identity, ns, limit, offset)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func namespaceValidationError(err error) error {
	return apierr.NewValidationError("namespace", err.Error())
}
