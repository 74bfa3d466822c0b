package addendum

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medspa/chartkeeper/internal/platform/apperr"
	"github.com/medspa/chartkeeper/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes exposes create and list. Addenda have no update or delete
// route.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/encounters/:id/addenda", h.CreateAddendum)
	api.GET("/encounters/:id/addenda", h.ListAddenda)
}

func encounterParam(c echo.Context) (auth.Actor, uuid.UUID, error) {
	actor, ok := auth.ActorFromContext(c.Request().Context())
	if !ok {
		return auth.Actor{}, uuid.Nil, echo.NewHTTPError(http.StatusUnauthorized, "Authentication required")
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return actor, uuid.Nil, apperr.InvalidInput("Invalid id")
	}
	return actor, id, nil
}

func (h *Handler) CreateAddendum(c echo.Context) error {
	actor, id, err := encounterParam(c)
	if he, ok := err.(*echo.HTTPError); ok {
		return he
	}
	if err != nil {
		return apperr.Respond(c, 0, nil, err)
	}
	var req CreateRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Respond(c, 0, nil, apperr.InvalidInput("Invalid request body"))
	}
	a, err := h.svc.CreateAddendum(c.Request().Context(), actor, id, req.Text)
	return apperr.Respond(c, http.StatusCreated, a, err)
}

func (h *Handler) ListAddenda(c echo.Context) error {
	actor, id, err := encounterParam(c)
	if he, ok := err.(*echo.HTTPError); ok {
		return he
	}
	if err != nil {
		return apperr.Respond(c, 0, nil, err)
	}
	list, err := h.svc.ListAddenda(c.Request().Context(), actor, id)
	return apperr.Respond(c, http.StatusOK, list, err)
}
