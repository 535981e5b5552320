// Package bot runs the Telegram questionnaire intake. Each chat walks through
// a session.Session dialog (age, skin type, budget, problems, comment,
// photos) and the confirmed draft is submitted as a TELEGRAM application.
package bot

import (
	"bytes"
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/Favorevole/CosmoBySkinStoriesCabinet-sub000/internal/domain/application"
	"github.com/Favorevole/CosmoBySkinStoriesCabinet-sub000/internal/domain/consultation"
	"github.com/Favorevole/CosmoBySkinStoriesCabinet-sub000/internal/domain/participant"
	"github.com/Favorevole/CosmoBySkinStoriesCabinet-sub000/internal/platform/blobstore"
	"github.com/Favorevole/CosmoBySkinStoriesCabinet-sub000/internal/platform/notification"
	"github.com/Favorevole/CosmoBySkinStoriesCabinet-sub000/internal/platform/session"
)

// ---------------------------------------------------------------------------
// Dependencies
// ---------------------------------------------------------------------------

// API is the subset of *tgbotapi.BotAPI the intake uses.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetFileDirectURL(fileID string) (string, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Submitter creates the application once the dialog is confirmed.
type Submitter interface {
	SubmitApplication(ctx context.Context, in consultation.SubmitInput) (*application.Application, error)
}

// Clients resolves Telegram users to client participants.
type Clients interface {
	GetByTelegramID(ctx context.Context, telegramID int64) (*participant.Participant, error)
}

// Registrar creates a participant for a first-time Telegram user.
type Registrar interface {
	Register(ctx context.Context, p *participant.Participant) error
}

// Doer downloads photo files from the Telegram file API.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

type Options struct {
	MaxPhotos int
	// Price is shown in the confirmation reply, in kopecks.
	Price          int64
	UpdateTimeout  int
	HandlerTimeout time.Duration
}

// ---------------------------------------------------------------------------
// Intake
// ---------------------------------------------------------------------------

type Intake struct {
	api       API
	sessions  session.Store
	submitter Submitter
	clients   Clients
	registrar Registrar
	http      Doer
	opts      Options
	logger    zerolog.Logger
	now       func() time.Time
}

func NewIntake(api API, sessions session.Store, submitter Submitter, clients Clients, registrar Registrar, opts Options, logger zerolog.Logger) *Intake {
	if opts.UpdateTimeout <= 0 {
		opts.UpdateTimeout = 30
	}
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = 30 * time.Second
	}
	return &Intake{
		api:       api,
		sessions:  sessions,
		submitter: submitter,
		clients:   clients,
		registrar: registrar,
		http:      &http.Client{Timeout: 30 * time.Second},
		opts:      opts,
		logger:    logger.With().Str("component", "telegram_intake").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SetHTTPClient replaces the client used to download photos.
func (b *Intake) SetHTTPClient(d Doer) { b.http = d }

// Run long-polls Telegram until ctx is cancelled.
func (b *Intake) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = b.opts.UpdateTimeout
	updates := b.api.GetUpdatesChan(u)
	b.logger.Info().Msg("telegram intake started")
	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			b.logger.Info().Msg("telegram intake stopped")
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			b.dispatch(ctx, update)
		}
	}
}

func (b *Intake) dispatch(ctx context.Context, update tgbotapi.Update) {
	hctx, cancel := context.WithTimeout(ctx, b.opts.HandlerTimeout)
	defer cancel()
	if err := b.HandleUpdate(hctx, update); err != nil {
		b.logger.Error().Err(err).Int("update_id", update.UpdateID).Msg("telegram update failed")
	}
}

// WebhookHandler accepts updates pushed by Telegram instead of polling. The
// secret must match the X-Telegram-Bot-Api-Secret-Token header.
func (b *Intake) WebhookHandler(secret string) echo.HandlerFunc {
	return func(c echo.Context) error {
		got := c.Request().Header.Get("X-Telegram-Bot-Api-Secret-Token")
		if secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid secret token")
		}
		var update tgbotapi.Update
		if err := c.Bind(&update); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid update")
		}
		// Telegram retries on non-2xx, so handler failures are only logged.
		b.dispatch(c.Request().Context(), update)
		return c.NoContent(http.StatusOK)
	}
}

// HandleUpdate advances the dialog for one incoming message. Errors are
// returned only for infrastructure failures; user mistakes get a reply.
func (b *Intake) HandleUpdate(ctx context.Context, update tgbotapi.Update) error {
	msg := update.Message
	if msg == nil || msg.Chat == nil || msg.From == nil {
		return nil
	}
	chatID := msg.Chat.ID
	key := sessionKey(chatID)
	text := strings.TrimSpace(msg.Text)

	switch command(text) {
	case "start":
		return b.start(ctx, msg)
	case "cancel":
		if err := b.sessions.Cancel(ctx, key); err != nil && !errors.Is(err, session.ErrNotFound) {
			return fmt.Errorf("cancel session: %w", err)
		}
		return b.reply(chatID, textCancelled)
	case "help":
		return b.reply(chatID, textHelp)
	}

	s, err := b.sessions.Get(ctx, key)
	if errors.Is(err, session.ErrSessionExpired) {
		return b.reply(chatID, textExpired)
	}
	if errors.Is(err, session.ErrNotFound) {
		return b.reply(chatID, textNoSession)
	}
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}

	if s.Step == session.StepConfirm && isYes(text) {
		return b.submit(ctx, s)
	}

	prompt, err := b.step(s, msg, text)
	if err != nil {
		return b.reply(chatID, userError(err))
	}
	if err := b.sessions.Put(ctx, s); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return b.reply(chatID, prompt)
}

func (b *Intake) start(ctx context.Context, msg *tgbotapi.Message) error {
	chatID := msg.Chat.ID
	client, err := b.clientFor(ctx, msg.From)
	if err != nil {
		return err
	}
	if client == nil {
		return b.reply(chatID, textNotAClient)
	}
	s := session.New(sessionKey(chatID), client.ID, chatID, b.opts.MaxPhotos, b.now())
	if err := b.sessions.Put(ctx, s); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return b.reply(chatID, textWelcome+"\n\n"+promptFor(s))
}

// clientFor returns the active client bound to the Telegram user, registering
// one on first contact. It returns nil for staff or deactivated accounts.
func (b *Intake) clientFor(ctx context.Context, from *tgbotapi.User) (*participant.Participant, error) {
	p, err := b.clients.GetByTelegramID(ctx, from.ID)
	switch {
	case err == nil:
		if p.Role != participant.RoleClient || !p.IsActive {
			return nil, nil
		}
		return p, nil
	case !errors.Is(err, participant.ErrNotFound):
		return nil, fmt.Errorf("lookup participant: %w", err)
	}

	tgID := from.ID
	p = &participant.Participant{
		Role:       participant.RoleClient,
		FullName:   displayName(from),
		TelegramID: &tgID,
	}
	if err := b.registrar.Register(ctx, p); err != nil {
		if errors.Is(err, participant.ErrDuplicateTelegram) {
			// Registered concurrently by another update from the same user.
			if p, err = b.clients.GetByTelegramID(ctx, from.ID); err != nil {
				return nil, fmt.Errorf("lookup participant: %w", err)
			}
			if p.Role != participant.RoleClient || !p.IsActive {
				return nil, nil
			}
			return p, nil
		}
		return nil, fmt.Errorf("register participant: %w", err)
	}
	b.logger.Info().Str("participant_id", p.ID.String()).Int64("telegram_id", tgID).Msg("client registered from telegram")
	return p, nil
}

// step applies one message to the session and returns the next prompt.
func (b *Intake) step(s *session.Session, msg *tgbotapi.Message, text string) (string, error) {
	switch s.Step {
	case session.StepAge:
		age, err := strconv.Atoi(text)
		if err != nil {
			return "", errNotANumber
		}
		if err := s.SetAge(age); err != nil {
			return "", err
		}
	case session.StepSkinType:
		if err := s.SetSkinType(text); err != nil {
			return "", err
		}
	case session.StepPriceRange:
		if err := s.SetPriceRange(text); err != nil {
			return "", err
		}
	case session.StepProblems:
		if isDone(text) {
			if err := s.FinishProblems(); err != nil {
				return "", err
			}
			break
		}
		added := 0
		for _, p := range strings.Split(text, ",") {
			if strings.TrimSpace(p) == "" {
				continue
			}
			if err := s.AddProblem(p); err != nil {
				return "", err
			}
			added++
		}
		if added == 0 {
			return "", s.AddProblem("")
		}
		return textProblemAdded, nil
	case session.StepComment:
		if command(text) == "skip" || text == "-" {
			text = ""
		}
		if err := s.SetComment(text); err != nil {
			return "", err
		}
	case session.StepPhotos:
		if len(msg.Photo) > 0 {
			if err := s.AddPhoto(largest(msg.Photo).FileID); err != nil {
				return "", err
			}
			return fmt.Sprintf(textPhotoAdded, len(s.PhotoIDs), s.MaxPhotos), nil
		}
		if !isDone(text) {
			return promptFor(s), nil
		}
		if err := s.FinishPhotos(); err != nil {
			return "", err
		}
		return summary(s, b.opts.Price), nil
	case session.StepConfirm:
		if isNo(text) {
			if err := s.Restart(); err != nil {
				return "", err
			}
			break
		}
		return textConfirmHint, nil
	default:
		return textNoSession, nil
	}
	return promptFor(s), nil
}

func (b *Intake) submit(ctx context.Context, s *session.Session) error {
	q, err := s.Confirm()
	if err != nil {
		return b.reply(s.ChatID, userError(err))
	}
	photos, err := b.download(ctx, s.PhotoIDs)
	if err != nil {
		b.logger.Error().Err(err).Str("session", s.Key).Msg("photo download failed")
		return b.reply(s.ChatID, textPhotoDownloadFailed)
	}

	app, err := b.submitter.SubmitApplication(ctx, consultation.SubmitInput{
		ClientID:      s.ClientID,
		Questionnaire: q,
		Source:        application.SourceTelegram,
		Photos:        photos,
	})
	if err != nil {
		var vErr *consultation.ValidationError
		if errors.As(err, &vErr) {
			return b.reply(s.ChatID, userError(err))
		}
		return fmt.Errorf("submit application: %w", err)
	}
	if err := b.sessions.Complete(ctx, s.Key); err != nil && !errors.Is(err, session.ErrNotFound) {
		b.logger.Warn().Err(err).Str("session", s.Key).Msg("session cleanup failed")
	}
	b.logger.Info().
		Str("application_id", app.ID.String()).
		Int64("display_number", app.DisplayNumber).
		Msg("application submitted from telegram")
	return b.reply(s.ChatID, fmt.Sprintf(textSubmitted, app.DisplayNumber, notification.FormatRubles(b.opts.Price)))
}

// download fetches every photo into memory; sizes are checked by the
// consultation service against blobstore limits.
func (b *Intake) download(ctx context.Context, fileIDs []string) ([]consultation.PhotoUpload, error) {
	out := make([]consultation.PhotoUpload, 0, len(fileIDs))
	for i, id := range fileIDs {
		url, err := b.api.GetFileDirectURL(id)
		if err != nil {
			return nil, fmt.Errorf("resolve file %s: %w", id, err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := b.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("download file %s: %w", id, err)
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, blobstore.MaxFileSize+1))
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read file %s: %w", id, err)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("download file %s: status %d", id, resp.StatusCode)
		}
		ct := resp.Header.Get("Content-Type")
		if !strings.HasPrefix(ct, "image/") {
			// Telegram serves compressed photos as JPEG with a generic type.
			ct = "image/jpeg"
		}
		out = append(out, consultation.PhotoUpload{
			Filename:    fmt.Sprintf("telegram-%d.jpg", i+1),
			ContentType: ct,
			Size:        int64(len(data)),
			Content:     bytes.NewReader(data),
		})
	}
	return out, nil
}

func (b *Intake) reply(chatID int64, text string) error {
	if _, err := b.api.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func sessionKey(chatID int64) string {
	return "tg:" + strconv.FormatInt(chatID, 10)
}

// command returns the bot command without the slash or @botname suffix.
func command(text string) string {
	if !strings.HasPrefix(text, "/") {
		return ""
	}
	cmd := strings.Fields(text[1:])
	if len(cmd) == 0 {
		return ""
	}
	name, _, _ := strings.Cut(cmd[0], "@")
	return strings.ToLower(name)
}

func isDone(text string) bool {
	t := strings.ToLower(text)
	return t == "готово" || command(text) == "done"
}

func isYes(text string) bool {
	t := strings.ToLower(text)
	return t == "да" || t == "yes" || command(text) == "confirm"
}

func isNo(text string) bool {
	t := strings.ToLower(text)
	return t == "нет" || t == "no"
}

func largest(sizes []tgbotapi.PhotoSize) tgbotapi.PhotoSize {
	best := sizes[0]
	for _, p := range sizes[1:] {
		if p.Width*p.Height > best.Width*best.Height {
			best = p
		}
	}
	return best
}

func displayName(u *tgbotapi.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		name = u.UserName
	}
	if name == "" {
		name = "Telegram " + strconv.FormatInt(u.ID, 10)
	}
	return name
}

var errNotANumber = errors.New("not a number")

func userError(err error) string {
	var vErr *application.ValidationError
	switch {
	case errors.Is(err, errNotANumber):
		return "Введите возраст числом, например 28."
	case errors.Is(err, session.ErrNoProblems):
		return "Укажите хотя бы одну проблему кожи."
	case errors.Is(err, session.ErrTooManyPhotos):
		return "Достигнут лимит фотографий. Отправьте «готово»."
	case errors.Is(err, session.ErrInvalidStep):
		return textNoSession
	case errors.As(err, &vErr):
		return "Проверьте ответ: " + vErr.Error()
	}
	return "Не удалось обработать ответ, попробуйте ещё раз."
}

func promptFor(s *session.Session) string {
	switch s.Step {
	case session.StepAge:
		return "Сколько вам лет?"
	case session.StepSkinType:
		return "Какой у вас тип кожи? (сухая, жирная, комбинированная, нормальная, чувствительная)"
	case session.StepPriceRange:
		return "Какой бюджет на уход вам комфортен?"
	case session.StepProblems:
		return "Опишите основные проблемы кожи, по одной или через запятую. Когда закончите, отправьте «готово»."
	case session.StepComment:
		return "Добавьте комментарий или отправьте «-», чтобы пропустить."
	case session.StepPhotos:
		return fmt.Sprintf("Пришлите до %d фото кожи без фильтров. Когда закончите, отправьте «готово».", s.MaxPhotos)
	case session.StepConfirm:
		return textConfirmHint
	}
	return textNoSession
}

func summary(s *session.Session, price int64) string {
	d := s.Draft
	var sb strings.Builder
	sb.WriteString("Проверьте анкету:\n")
	fmt.Fprintf(&sb, "Возраст: %d\n", d.Age)
	fmt.Fprintf(&sb, "Тип кожи: %s\n", d.SkinType)
	fmt.Fprintf(&sb, "Бюджет: %s\n", d.PriceRange)
	fmt.Fprintf(&sb, "Проблемы: %s\n", strings.Join(d.MainProblems, ", "))
	if d.AdditionalComment != "" {
		fmt.Fprintf(&sb, "Комментарий: %s\n", d.AdditionalComment)
	}
	fmt.Fprintf(&sb, "Фото: %d\n", len(s.PhotoIDs))
	fmt.Fprintf(&sb, "Стоимость консультации: %s ₽\n\n", notification.FormatRubles(price))
	sb.WriteString(textConfirmHint)
	return sb.String()
}

const (
	textWelcome             = "Здравствуйте! Ответьте на несколько вопросов, и косметолог подберёт вам уход."
	textHelp                = "/start начать анкету, /cancel отменить."
	textCancelled           = "Анкета отменена. Чтобы начать заново, отправьте /start."
	textNoSession           = "Чтобы оставить заявку, отправьте /start."
	textExpired             = "Анкета устарела. Отправьте /start, чтобы заполнить её заново."
	textNotAClient          = "Этот бот принимает заявки только от клиентов."
	textProblemAdded        = "Записала. Добавьте ещё или отправьте «готово»."
	textPhotoAdded          = "Фото %d из %d получено."
	textConfirmHint         = "Всё верно? Ответьте «да», чтобы отправить заявку, или «нет», чтобы заполнить заново."
	textPhotoDownloadFailed = "Не удалось загрузить фото. Попробуйте отправить «да» ещё раз чуть позже."
	textSubmitted           = "Заявка №%d создана. К оплате: %s ₽. Ссылку на оплату пришлём отдельным сообщением."
)
