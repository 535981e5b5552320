package consultation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/Favorevole/CosmoBySkinStoriesCabinet-sub000/internal/domain/application"
	"github.com/Favorevole/CosmoBySkinStoriesCabinet-sub000/internal/domain/participant"
	"github.com/Favorevole/CosmoBySkinStoriesCabinet-sub000/internal/domain/payment"
	"github.com/Favorevole/CosmoBySkinStoriesCabinet-sub000/internal/domain/promo"
	"github.com/Favorevole/CosmoBySkinStoriesCabinet-sub000/internal/platform/auth"
	"github.com/Favorevole/CosmoBySkinStoriesCabinet-sub000/internal/platform/middleware"
	"github.com/Favorevole/CosmoBySkinStoriesCabinet-sub000/internal/platform/webhook"
	"github.com/Favorevole/CosmoBySkinStoriesCabinet-sub000/pkg/pagination"
)

const maxWebhookBody = 64 << 10

type HandlerOptions struct {
	// WebhookSecret signs payment provider callbacks.
	WebhookSecret string
	// MockPayments enables POST /applications/:id/pay.
	MockPayments bool
}

type Handler struct {
	svc    *Service
	opts   HandlerOptions
	logger zerolog.Logger
}

func NewHandler(svc *Service, opts HandlerOptions, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, opts: opts, logger: logger.With().Str("component", "consultation_http").Logger()}
}

// RegisterRoutes mounts the authenticated application routes.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	client := auth.RequireRole(auth.RoleClient)
	doctor := auth.RequireRole(auth.RoleDoctor)
	admin := auth.RequireRole(auth.RoleAdmin)
	anyone := auth.RequireRole(auth.RoleClient, auth.RoleDoctor, auth.RoleAdmin)

	g := api.Group("/applications")
	g.POST("", h.Submit, client)
	g.GET("", h.List, auth.RequireRole(auth.RoleAdmin, auth.RoleDoctor))
	g.GET("/:id", h.Get, anyone)
	g.GET("/:id/history", h.History, admin)

	g.POST("/:id/promo", h.RedeemPromo, client)
	g.POST("/:id/pay", h.MockPay, client)
	g.POST("/:id/cancel", h.Cancel, client)

	g.POST("/:id/assign", h.Assign, admin)
	g.POST("/:id/decline", h.Decline, doctor)
	g.POST("/:id/recommendation", h.SubmitRecommendation, doctor)
	g.PUT("/:id/recommendation", h.EditRecommendation, admin)
	g.POST("/:id/approve", h.Approve, admin)
	g.POST("/:id/send", h.Send, admin)
}

// RegisterWebhook mounts the signed provider callback on a group without
// bearer authentication.
func (h *Handler) RegisterWebhook(public *echo.Group) {
	public.POST("/payments/webhook", h.PaymentWebhook, webhook.RequireSignature(h.opts.WebhookSecret, maxWebhookBody))
}

// actor resolves the caller. A token carrying several roles acts with the
// strongest one.
func actor(c echo.Context) (Actor, error) {
	ctx := c.Request().Context()
	id, ok := auth.ActorID(ctx)
	if !ok {
		return Actor{}, middleware.NewHTTPError(http.StatusUnauthorized, "unauthorized", "Требуется авторизация")
	}
	for _, r := range []struct {
		claim string
		role  participant.Role
	}{
		{auth.RoleAdmin, participant.RoleAdmin},
		{auth.RoleDoctor, participant.RoleDoctor},
		{auth.RoleClient, participant.RoleClient},
	} {
		if auth.HasRole(ctx, r.claim) {
			return Actor{ID: id, Role: r.role}, nil
		}
	}
	return Actor{}, middleware.NewHTTPError(http.StatusForbidden, "forbidden", msgForbidden)
}

func applicationID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, middleware.NewHTTPError(http.StatusBadRequest, "invalid_id", "Некорректный идентификатор заявки")
	}
	return id, nil
}

func bind(c echo.Context, v interface{}) error {
	if err := c.Bind(v); err != nil {
		return middleware.NewHTTPError(http.StatusBadRequest, "invalid_body", "Некорректный формат запроса")
	}
	return nil
}

// ---------------------------------------------------------------------------
// Submission
// ---------------------------------------------------------------------------

type submitRequest struct {
	Age               int      `json:"age" form:"age"`
	SkinType          string   `json:"skin_type" form:"skin_type"`
	PriceRange        string   `json:"price_range" form:"price_range"`
	MainProblems      []string `json:"main_problems" form:"main_problems"`
	AdditionalComment string   `json:"additional_comment" form:"additional_comment"`
	Source            string   `json:"source" form:"source"`
}

// Submit accepts JSON or a multipart form with the questionnaire fields and
// up to MaxPhotos files under photos[].
func (h *Handler) Submit(c echo.Context) error {
	who, err := actor(c)
	if err != nil {
		return err
	}

	var req submitRequest
	var files []*multipart.FileHeader
	if strings.HasPrefix(c.Request().Header.Get(echo.HeaderContentType), echo.MIMEMultipartForm) {
		form, err := c.MultipartForm()
		if err != nil {
			return middleware.NewHTTPError(http.StatusBadRequest, "invalid_body", "Некорректная форма заявки")
		}
		req, err = submitFromForm(form.Value)
		if err != nil {
			return h.fail(c, err)
		}
		files = append(form.File["photos[]"], form.File["photos"]...)
	} else if err := bind(c, &req); err != nil {
		return err
	}

	source := application.SourceWeb
	if req.Source != "" {
		source = application.Source(strings.ToUpper(req.Source))
	}
	in := SubmitInput{
		ClientID: who.ID,
		Questionnaire: application.Questionnaire{
			Age:               req.Age,
			SkinType:          req.SkinType,
			PriceRange:        req.PriceRange,
			MainProblems:      req.MainProblems,
			AdditionalComment: req.AdditionalComment,
		},
		Source: source,
	}

	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			return middleware.NewHTTPError(http.StatusBadRequest, "invalid_body", "Не удалось прочитать фотографию")
		}
		defer f.Close()
		in.Photos = append(in.Photos, PhotoUpload{
			Filename:    fh.Filename,
			ContentType: fh.Header.Get(echo.HeaderContentType),
			Size:        fh.Size,
			Content:     f,
		})
	}

	app, err := h.svc.SubmitApplication(c.Request().Context(), in)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, app)
}

func submitFromForm(v map[string][]string) (submitRequest, error) {
	first := func(k string) string {
		if vals := v[k]; len(vals) > 0 {
			return vals[0]
		}
		return ""
	}
	req := submitRequest{
		SkinType:          first("skin_type"),
		PriceRange:        first("price_range"),
		AdditionalComment: first("additional_comment"),
		Source:            first("source"),
	}
	if s := strings.TrimSpace(first("age")); s != "" {
		age, err := strconv.Atoi(s)
		if err != nil {
			return req, &ValidationError{Field: "age", Message: "must be a number"}
		}
		req.Age = age
	}
	problems := append(v["main_problems[]"], v["main_problems"]...)
	for _, p := range problems {
		req.MainProblems = append(req.MainProblems, strings.Split(p, ",")...)
	}
	return req, nil
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

func (h *Handler) Get(c echo.Context) error {
	who, err := actor(c)
	if err != nil {
		return err
	}
	id, err := applicationID(c)
	if err != nil {
		return err
	}
	d, err := h.svc.Get(c.Request().Context(), who, id)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) List(c echo.Context) error {
	who, err := actor(c)
	if err != nil {
		return err
	}
	f, err := listFilter(c)
	if err != nil {
		return err
	}
	items, total, err := h.svc.List(c.Request().Context(), who, f)
	if err != nil {
		return h.fail(c, err)
	}
	if items == nil {
		items = []*application.Application{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pagination.Params{Limit: f.Limit, Offset: f.Offset}))
}

func listFilter(c echo.Context) (application.ListFilter, error) {
	pg := pagination.FromContext(c)
	f := application.ListFilter{Limit: pg.Limit, Offset: pg.Offset}
	bad := func(param string) error {
		return middleware.NewHTTPError(http.StatusBadRequest, "invalid_filter", "Некорректный фильтр: "+param)
	}

	if raw := c.QueryParam("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			st := application.Status(strings.ToUpper(strings.TrimSpace(s)))
			if !st.Valid() {
				return f, bad("status")
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	for param, dst := range map[string]**uuid.UUID{"doctor_id": &f.DoctorID, "client_id": &f.ClientID} {
		if raw := c.QueryParam(param); raw != "" {
			id, err := uuid.Parse(raw)
			if err != nil {
				return f, bad(param)
			}
			*dst = &id
		}
	}
	if raw := c.QueryParam("source"); raw != "" {
		src := application.Source(strings.ToUpper(raw))
		if !src.Valid() {
			return f, bad("source")
		}
		f.Source = &src
	}
	return f, nil
}

func (h *Handler) History(c echo.Context) error {
	id, err := applicationID(c)
	if err != nil {
		return err
	}
	entries, err := h.svc.History(c.Request().Context(), id)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, entries)
}

// ---------------------------------------------------------------------------
// Client actions
// ---------------------------------------------------------------------------

type promoRequest struct {
	Code string `json:"code"`
}

func (h *Handler) RedeemPromo(c echo.Context) error {
	who, err := actor(c)
	if err != nil {
		return err
	}
	id, err := applicationID(c)
	if err != nil {
		return err
	}
	var req promoRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	res, err := h.svc.RedeemPromo(c.Request().Context(), id, who.ID, req.Code)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

// MockPay completes the payment instantly. It only exists with the mock
// provider.
func (h *Handler) MockPay(c echo.Context) error {
	if !h.opts.MockPayments {
		return middleware.NewHTTPError(http.StatusNotFound, "not_found", "Оплата доступна только через платёжную систему")
	}
	who, err := actor(c)
	if err != nil {
		return err
	}
	id, err := applicationID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if _, err := h.svc.Get(ctx, who, id); err != nil {
		return h.fail(c, err)
	}
	app, err := h.svc.CompletePayment(ctx, id, "mock-"+uuid.NewString())
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, app)
}

func (h *Handler) Cancel(c echo.Context) error {
	who, err := actor(c)
	if err != nil {
		return err
	}
	id, err := applicationID(c)
	if err != nil {
		return err
	}
	app, err := h.svc.Cancel(c.Request().Context(), id, who.ID)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, app)
}

// PaymentWebhook applies a signed provider callback. Repeated deliveries of
// the same success are answered with 200.
func (h *Handler) PaymentWebhook(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return middleware.NewHTTPError(http.StatusBadRequest, "invalid_body", "Не удалось прочитать запрос")
	}
	ev, err := payment.ParseProviderEvent(body)
	if err != nil {
		return middleware.NewHTTPError(http.StatusBadRequest, "invalid_event", err.Error())
	}

	ctx := c.Request().Context()
	switch ev.Event {
	case payment.EventSucceeded:
		_, err = h.svc.CompletePayment(ctx, ev.ApplicationID, ev.ExternalID)
	case payment.EventFailed:
		_, err = h.svc.FailPayment(ctx, ev.ApplicationID)
	}
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// ---------------------------------------------------------------------------
// Doctor and admin actions
// ---------------------------------------------------------------------------

type assignRequest struct {
	DoctorID string `json:"doctor_id"`
}

func (h *Handler) Assign(c echo.Context) error {
	who, err := actor(c)
	if err != nil {
		return err
	}
	id, err := applicationID(c)
	if err != nil {
		return err
	}
	var req assignRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	doctorID, err := uuid.Parse(req.DoctorID)
	if err != nil {
		return h.fail(c, &ValidationError{Field: "doctor_id", Message: "must be a uuid"})
	}
	app, err := h.svc.Assign(c.Request().Context(), id, doctorID, who.ID)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, app)
}

type declineRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) Decline(c echo.Context) error {
	who, err := actor(c)
	if err != nil {
		return err
	}
	id, err := applicationID(c)
	if err != nil {
		return err
	}
	var req declineRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	app, err := h.svc.Decline(c.Request().Context(), id, req.Reason, who.ID)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, app)
}

type recommendationRequest struct {
	Text  string   `json:"text"`
	Links []string `json:"links"`
}

func (h *Handler) SubmitRecommendation(c echo.Context) error {
	who, err := actor(c)
	if err != nil {
		return err
	}
	id, err := applicationID(c)
	if err != nil {
		return err
	}
	var req recommendationRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	app, err := h.svc.SubmitRecommendation(c.Request().Context(), id, req.Text, req.Links, who.ID)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusCreated, app)
}

func (h *Handler) EditRecommendation(c echo.Context) error {
	who, err := actor(c)
	if err != nil {
		return err
	}
	id, err := applicationID(c)
	if err != nil {
		return err
	}
	var req recommendationRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	rec, err := h.svc.EditRecommendation(c.Request().Context(), id, who.ID, req.Text, req.Links)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) Approve(c echo.Context) error {
	return h.adminAction(c, h.svc.Approve)
}

func (h *Handler) Send(c echo.Context) error {
	return h.adminAction(c, h.svc.ApproveAndSend)
}

func (h *Handler) adminAction(c echo.Context, op func(ctx context.Context, appID, adminID uuid.UUID) (*application.Application, error)) error {
	who, err := actor(c)
	if err != nil {
		return err
	}
	id, err := applicationID(c)
	if err != nil {
		return err
	}
	app, err := op(c.Request().Context(), id, who.ID)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, app)
}

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

const (
	msgForbidden   = "Недостаточно прав для этого действия"
	msgNotFound    = "Заявка не найдена"
	msgNotPending  = "Платёж по заявке уже обработан"
	msgSameDoctor  = "Этот врач уже отказался от заявки, выберите другого"
	msgNotEditable = "Рекомендацию уже нельзя изменить"
)

var promoMessages = map[promo.Reason]string{
	promo.ReasonNotFound:  "Промокод не найден",
	promo.ReasonInactive:  "Промокод больше не действует",
	promo.ReasonExpired:   "Срок действия промокода истёк",
	promo.ReasonExhausted: "Промокод уже использован максимальное число раз",
}

var statusNames = map[application.Status]string{
	application.StatusPendingPayment: "ожидает оплаты",
	application.StatusNew:            "новая",
	application.StatusAssigned:       "назначена врачу",
	application.StatusResponseGiven:  "ответ получен",
	application.StatusApproved:       "одобрена",
	application.StatusSentToClient:   "отправлена клиенту",
	application.StatusDeclined:       "отклонена врачом",
	application.StatusCancelled:      "отменена",
}

// fail maps service errors onto API error bodies. Anything unrecognised is
// logged and hidden behind the generic 500.
func (h *Handler) fail(c echo.Context, err error) error {
	var ve *ValidationError
	var ite *application.IllegalTransitionError
	var pe *promo.Error
	switch {
	case errors.As(err, &ve):
		return middleware.NewHTTPError(http.StatusBadRequest, "validation",
			fmt.Sprintf("Поле %s заполнено неверно: %s", ve.Field, ve.Message))
	case errors.As(err, &ite):
		return middleware.NewHTTPError(http.StatusConflict, "illegal_transition",
			fmt.Sprintf("Действие недоступно: заявка %s", statusNames[ite.Current]))
	case errors.As(err, &pe):
		return middleware.NewHTTPError(http.StatusUnprocessableEntity,
			"promo_"+strings.ToLower(string(pe.Reason)), promoMessages[pe.Reason])
	case errors.Is(err, payment.ErrNotPending), errors.Is(err, payment.ErrAlreadyCompleted):
		return middleware.NewHTTPError(http.StatusConflict, "payment_not_pending", msgNotPending)
	case errors.Is(err, ErrForbidden):
		return middleware.NewHTTPError(http.StatusForbidden, "forbidden", msgForbidden)
	case errors.Is(err, ErrNotFound):
		return middleware.NewHTTPError(http.StatusNotFound, "not_found", msgNotFound)
	case errors.Is(err, ErrSameDoctor):
		return middleware.NewHTTPError(http.StatusConflict, "same_doctor", msgSameDoctor)
	case errors.Is(err, ErrNotEditable):
		return middleware.NewHTTPError(http.StatusConflict, "not_editable", msgNotEditable)
	}

	h.logger.Error().Err(err).
		Str("request_id", middleware.GetRequestID(c)).
		Str("method", c.Request().Method).
		Str("path", c.Path()).
		Msg("request failed")
	return middleware.InternalError()
}
