package participant

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Favorevole/CosmoBySkinStoriesCabinet-sub000/internal/platform/auth"
	"github.com/Favorevole/CosmoBySkinStoriesCabinet-sub000/internal/platform/middleware"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	admin := api.Group("/participants", auth.RequireRole(auth.RoleAdmin))
	admin.GET("", h.List)
	admin.POST("", h.Create)
	admin.GET("/:id", h.Get)
	admin.POST("/:id/deactivate", h.Deactivate)
}

type createRequest struct {
	Role       string  `json:"role"`
	FullName   string  `json:"full_name"`
	TelegramID *int64  `json:"telegram_id"`
	Email      *string `json:"email"`
}

func (h *Handler) Create(c echo.Context) error {
	var req createRequest
	if err := c.Bind(&req); err != nil {
		return middleware.NewHTTPError(http.StatusBadRequest, "invalid_body", "Некорректный формат запроса")
	}
	role, ok := ParseRole(req.Role)
	if !ok {
		return middleware.NewHTTPError(http.StatusBadRequest, "validation", "Роль должна быть client, doctor или admin")
	}
	p := &Participant{Role: role, FullName: req.FullName, TelegramID: req.TelegramID, Email: req.Email}
	if err := h.svc.Register(c.Request().Context(), p); err != nil {
		if errors.Is(err, ErrDuplicateTelegram) {
			return middleware.NewHTTPError(http.StatusConflict, "duplicate_telegram", "Этот Telegram-аккаунт уже зарегистрирован")
		}
		return middleware.NewHTTPError(http.StatusBadRequest, "validation", err.Error())
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return middleware.NewHTTPError(http.StatusBadRequest, "invalid_id", "Некорректный идентификатор")
	}
	p, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return middleware.NewHTTPError(http.StatusNotFound, "not_found", "Участник не найден")
		}
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) List(c echo.Context) error {
	role, ok := ParseRole(c.QueryParam("role"))
	if !ok {
		role = RoleDoctor
	}
	activeOnly, _ := strconv.ParseBool(c.QueryParam("active"))
	items, err := h.svc.List(c.Request().Context(), role, activeOnly)
	if err != nil {
		return err
	}
	if items == nil {
		items = []*Participant{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) Deactivate(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return middleware.NewHTTPError(http.StatusBadRequest, "invalid_id", "Некорректный идентификатор")
	}
	if err := h.svc.Deactivate(c.Request().Context(), id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return middleware.NewHTTPError(http.StatusNotFound, "not_found", "Участник не найден")
		}
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
