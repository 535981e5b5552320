package promo

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Favorevole/CosmoBySkinStoriesCabinet-sub000/internal/platform/auth"
	"github.com/Favorevole/CosmoBySkinStoriesCabinet-sub000/internal/platform/middleware"
	"github.com/Favorevole/CosmoBySkinStoriesCabinet-sub000/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	admin := api.Group("/promo-codes", auth.RequireRole(auth.RoleAdmin))
	admin.GET("", h.List)
	admin.POST("", h.Create)
	admin.POST("/:id/deactivate", h.Deactivate)
}

func (h *Handler) Create(c echo.Context) error {
	var in CreateInput
	if err := c.Bind(&in); err != nil {
		return middleware.NewHTTPError(http.StatusBadRequest, "invalid_body", "Некорректный формат запроса")
	}
	p, err := h.svc.Create(c.Request().Context(), in)
	if err != nil {
		if errors.Is(err, ErrDuplicateCode) {
			return middleware.NewHTTPError(http.StatusConflict, "duplicate_code", "Такой промокод уже существует")
		}
		return middleware.NewHTTPError(http.StatusBadRequest, "validation", err.Error())
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.List(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	if items == nil {
		items = []*PromoCode{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) Deactivate(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return middleware.NewHTTPError(http.StatusBadRequest, "invalid_id", "Некорректный идентификатор")
	}
	if err := h.svc.Deactivate(c.Request().Context(), id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return middleware.NewHTTPError(http.StatusNotFound, "not_found", "Промокод не найден")
		}
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
