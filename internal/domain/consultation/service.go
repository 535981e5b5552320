// Package consultation drives an application through payment, doctor
// assignment, recommendation and delivery. Every status change runs in one
// transaction with its history row; notifications go out after commit.
package consultation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Favorevole/CosmoBySkinStoriesCabinet-sub000/internal/domain/application"
	"github.com/Favorevole/CosmoBySkinStoriesCabinet-sub000/internal/domain/history"
	"github.com/Favorevole/CosmoBySkinStoriesCabinet-sub000/internal/domain/participant"
	"github.com/Favorevole/CosmoBySkinStoriesCabinet-sub000/internal/domain/payment"
	"github.com/Favorevole/CosmoBySkinStoriesCabinet-sub000/internal/domain/promo"
	"github.com/Favorevole/CosmoBySkinStoriesCabinet-sub000/internal/domain/recommendation"
	"github.com/Favorevole/CosmoBySkinStoriesCabinet-sub000/internal/platform/blobstore"
	"github.com/Favorevole/CosmoBySkinStoriesCabinet-sub000/internal/platform/metrics"
	"github.com/Favorevole/CosmoBySkinStoriesCabinet-sub000/internal/platform/notification"
)

// ProviderPromo marks payments settled entirely by a full-discount promo code.
const ProviderPromo = "promo"

const (
	maxReasonRunes  = 1000
	staleBatchLimit = 100
	defaultURLTTL   = time.Hour

	paymentAttemptFailed = "ATTEMPT_FAILED"
)

// Transactor runs fn in a transaction carried by ctx. Nested calls join the
// outer transaction.
type Transactor interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Notifier is called after commit and must not block.
type Notifier interface {
	NotifyAdmins(ctx context.Context, kind notification.Kind, app *application.Application)
	NotifyDoctor(ctx context.Context, doctorID uuid.UUID, app *application.Application)
	NotifyClient(ctx context.Context, app *application.Application)
}

type Repositories struct {
	Applications    application.Repository
	Payments        payment.Repository
	Promos          promo.Repository
	History         history.Repository
	Recommendations recommendation.Repository
	Participants    participant.Repository
}

type Settings struct {
	// BasePrice is the consultation price in kopecks.
	BasePrice int64
	// Provider names the payment provider new payments are created for.
	Provider  string
	MaxPhotos int
	// PhotoURLTTL is how long presigned photo links stay valid.
	PhotoURLTTL time.Duration
}

// Actor is the authenticated caller of a read operation.
type Actor struct {
	ID   uuid.UUID
	Role participant.Role
}

type Service struct {
	apps         application.Repository
	recs         recommendation.Repository
	participants participant.Repository
	ledger       *payment.Ledger
	promos       *promo.Service
	history      *history.Recorder
	tx           Transactor
	notifier     Notifier
	photos       blobstore.BlobStore
	settings     Settings
	logger       zerolog.Logger
	metrics      *metrics.Metrics
	now          func() time.Time
}

func NewService(repos Repositories, tx Transactor, notifier Notifier, photos blobstore.BlobStore, settings Settings, logger zerolog.Logger) (*Service, error) {
	promos, err := promo.NewService(repos.Promos)
	if err != nil {
		return nil, err
	}
	if settings.PhotoURLTTL <= 0 {
		settings.PhotoURLTTL = defaultURLTTL
	}
	return &Service{
		apps:         repos.Applications,
		recs:         repos.Recommendations,
		participants: repos.Participants,
		ledger:       payment.NewLedger(repos.Payments),
		promos:       promos,
		history:      history.NewRecorder(repos.History),
		tx:           tx,
		notifier:     notifier,
		photos:       photos,
		settings:     settings,
		logger:       logger.With().Str("component", "consultation").Logger(),
		now:          func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *Service) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// Promos exposes the promo code service for the admin handlers.
func (s *Service) Promos() *promo.Service {
	return s.promos
}

// ---------------------------------------------------------------------------
// Transitions
// ---------------------------------------------------------------------------

// step describes one event applied to an application.
type step struct {
	event   application.Event
	actorID *uuid.UUID
	role    participant.Role
	// byClient records the application's client as the actor.
	byClient bool
	comment  string
	// guard runs after the state check on the row read inside the tx.
	guard func(app *application.Application) error
	patch func(app *application.Application) application.Patch
	// within runs after the status update, in the same transaction.
	within func(ctx context.Context, before, after *application.Application) error
}

type transitionResult struct {
	from application.Status
	app  *application.Application
}

// applyEvent must be called inside a transaction.
func (s *Service) applyEvent(ctx context.Context, id uuid.UUID, st step) (*transitionResult, error) {
	app, err := s.lockApplication(ctx, id)
	if err != nil {
		return nil, err
	}
	to, err := application.Next(app.Status, st.event)
	if err != nil {
		return nil, err
	}
	if st.guard != nil {
		if err := st.guard(app); err != nil {
			return nil, err
		}
	}
	var patch application.Patch
	if st.patch != nil {
		patch = st.patch(app)
	}

	updated, err := s.apps.UpdateStatus(ctx, id, app.Status, to, patch)
	if errors.Is(err, application.ErrStatusConflict) {
		current, gerr := s.getApplication(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		return nil, &application.IllegalTransitionError{Current: current.Status, Event: st.event}
	}
	if err != nil {
		return nil, fmt.Errorf("update application status: %w", err)
	}

	if st.within != nil {
		if err := st.within(ctx, app, updated); err != nil {
			return nil, err
		}
	}

	from := app.Status
	entry := &history.Entry{
		ApplicationID: id,
		FromStatus:    &from,
		ToStatus:      to,
		ChangedByID:   st.actorID,
		ChangedByRole: st.role,
	}
	if st.byClient {
		clientID := app.ClientID
		entry.ChangedByID = &clientID
	}
	if st.comment != "" {
		comment := st.comment
		entry.Comment = &comment
	}
	if err := s.history.Record(ctx, entry); err != nil {
		return nil, fmt.Errorf("record history: %w", err)
	}
	return &transitionResult{from: from, app: updated}, nil
}

// transition runs applyEvent in its own transaction and counts the outcome.
func (s *Service) transition(ctx context.Context, id uuid.UUID, st step) (*application.Application, error) {
	var res *transitionResult
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		var err error
		res, err = s.applyEvent(ctx, id, st)
		return err
	})
	if err != nil {
		s.countRejection(st.event, err)
		return nil, err
	}
	s.metrics.Transition(string(st.event), string(res.from), string(res.app.Status))
	return res.app, nil
}

func (s *Service) countRejection(ev application.Event, err error) {
	var ite *application.IllegalTransitionError
	if errors.As(err, &ite) {
		s.metrics.TransitionRejected(string(ev), string(ite.Current))
	}
}

func (s *Service) getApplication(ctx context.Context, id uuid.UUID) (*application.Application, error) {
	app, err := s.apps.GetByID(ctx, id)
	if errors.Is(err, application.ErrNotFound) {
		return nil, fmt.Errorf("%w: application %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load application: %w", err)
	}
	return app, nil
}

// lockApplication row-locks the application. Inside a transaction it runs
// before any payment write so that all paths lock application, then payment.
func (s *Service) lockApplication(ctx context.Context, id uuid.UUID) (*application.Application, error) {
	app, err := s.apps.GetForUpdate(ctx, id)
	if errors.Is(err, application.ErrNotFound) {
		return nil, fmt.Errorf("%w: application %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("lock application: %w", err)
	}
	return app, nil
}

// ---------------------------------------------------------------------------
// Submission
// ---------------------------------------------------------------------------

type PhotoUpload struct {
	Filename    string
	ContentType string
	Size        int64
	Content     io.Reader
}

type SubmitInput struct {
	ClientID      uuid.UUID
	Questionnaire application.Questionnaire
	Source        application.Source
	Photos        []PhotoUpload
}

// SubmitApplication creates the application, its pending payment, photo
// rows and the creation history entry atomically. Photos are uploaded first
// and removed again if the transaction fails.
func (s *Service) SubmitApplication(ctx context.Context, in SubmitInput) (*application.Application, error) {
	q := in.Questionnaire
	q.Normalize()
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if !in.Source.Valid() {
		return nil, &ValidationError{Field: "source", Message: "must be TELEGRAM or WEB"}
	}
	if len(in.Photos) > s.settings.MaxPhotos {
		return nil, &ValidationError{Field: "photos", Message: fmt.Sprintf("at most %d photos", s.settings.MaxPhotos)}
	}
	for _, p := range in.Photos {
		if err := blobstore.ValidateImage(p.ContentType, p.Size); err != nil {
			return nil, &ValidationError{Field: "photos", Message: fmt.Sprintf("%s: %v", p.Filename, err)}
		}
	}
	if err := s.requireParticipant(ctx, in.ClientID, participant.RoleClient); err != nil {
		return nil, err
	}

	app := application.NewFromQuestionnaire(in.ClientID, q, in.Source)
	photos, err := s.uploadPhotos(ctx, app.ID, in.Photos)
	if err != nil {
		return nil, err
	}

	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		if err := s.apps.Create(ctx, app); err != nil {
			return fmt.Errorf("create application: %w", err)
		}
		if _, err := s.ledger.Create(ctx, app.ID, s.settings.BasePrice, s.settings.Provider); err != nil {
			return fmt.Errorf("create payment: %w", err)
		}
		for _, p := range photos {
			if err := s.apps.AddPhoto(ctx, p); err != nil {
				return fmt.Errorf("add photo: %w", err)
			}
		}
		clientID := in.ClientID
		return s.history.Record(ctx, &history.Entry{
			ApplicationID: app.ID,
			ToStatus:      application.StatusPendingPayment,
			ChangedByID:   &clientID,
			ChangedByRole: participant.RoleClient,
		})
	})
	if err != nil {
		s.deletePhotos(photos)
		return nil, err
	}

	s.metrics.Transition("CREATE", "", string(app.Status))
	s.logger.Info().Str("application_id", app.ID.String()).Int64("display_number", app.DisplayNumber).
		Str("source", string(app.Source)).Int("photos", len(photos)).Msg("application submitted")
	return app, nil
}

func (s *Service) uploadPhotos(ctx context.Context, appID uuid.UUID, uploads []PhotoUpload) ([]*application.Photo, error) {
	photos := make([]*application.Photo, 0, len(uploads))
	for _, u := range uploads {
		photoID := uuid.New()
		key := blobstore.PhotoKey(appID.String(), photoID.String(), u.ContentType)
		obj, err := s.photos.Put(ctx, key, u.ContentType, u.Size, u.Content)
		if err != nil {
			s.deletePhotos(photos)
			if errors.Is(err, blobstore.ErrFileTooLarge) || errors.Is(err, blobstore.ErrInvalidContentType) {
				return nil, &ValidationError{Field: "photos", Message: fmt.Sprintf("%s: %v", u.Filename, err)}
			}
			return nil, fmt.Errorf("upload photo %s: %w", u.Filename, err)
		}
		photos = append(photos, &application.Photo{
			ID:            photoID,
			ApplicationID: appID,
			ObjectKey:     key,
			ContentType:   u.ContentType,
			SizeBytes:     obj.Size,
		})
	}
	return photos, nil
}

// deletePhotos is best effort; orphans are only logged.
func (s *Service) deletePhotos(photos []*application.Photo) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, p := range photos {
		if err := s.photos.Delete(ctx, p.ObjectKey); err != nil && !errors.Is(err, blobstore.ErrBlobNotFound) {
			s.logger.Warn().Err(err).Str("key", p.ObjectKey).Msg("orphaned photo left in blob store")
		}
	}
}

func (s *Service) requireParticipant(ctx context.Context, id uuid.UUID, role participant.Role) error {
	p, err := s.participants.GetByID(ctx, id)
	if errors.Is(err, participant.ErrNotFound) {
		return fmt.Errorf("%w: participant %s is not registered", ErrForbidden, id)
	}
	if err != nil {
		return fmt.Errorf("load participant: %w", err)
	}
	if p.Role != role || !p.IsActive {
		return fmt.Errorf("%w: participant %s is not an active %s", ErrForbidden, id, strings.ToLower(string(role)))
	}
	return nil
}

// ---------------------------------------------------------------------------
// Payment
// ---------------------------------------------------------------------------

type RedeemResult struct {
	Application    *application.Application `json:"application"`
	Payment        *payment.Payment         `json:"payment"`
	DiscountAmount int64                    `json:"discount_amount"`
	FinalAmount    int64                    `json:"final_amount"`
	Free           bool                     `json:"free"`
}

// RedeemPromo re-prices the pending payment. When nothing is left to pay the
// payment is completed, the code's usage is counted and the application
// moves to NEW, all in one transaction.
func (s *Service) RedeemPromo(ctx context.Context, applicationID, clientID uuid.UUID, code string) (*RedeemResult, error) {
	var res RedeemResult
	var moved *transitionResult
	var pc *promo.PromoCode

	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		app, err := s.lockApplication(ctx, applicationID)
		if err != nil {
			return err
		}
		if app.ClientID != clientID {
			return fmt.Errorf("%w: application belongs to another client", ErrForbidden)
		}
		pay, err := s.paymentFor(ctx, applicationID)
		if err != nil {
			return err
		}
		pc, err = s.promos.Validate(ctx, code)
		if err != nil {
			return err
		}

		discount, final := promo.ComputeDiscount(pay.BaseAmount(), pc.Discount)
		pay, err = s.ledger.ApplyPromo(ctx, pay.ID, pc.ID, discount, final)
		if err != nil {
			return err
		}
		res = RedeemResult{Application: app, Payment: pay, DiscountAmount: discount, FinalAmount: final}
		if final > 0 {
			return nil
		}

		res.Free = true
		pay, _, err = s.ledger.Complete(ctx, pay.ID, ProviderPromo+"-"+pc.Code)
		if err != nil {
			return err
		}
		res.Payment = pay
		if err := s.promos.IncrementUsage(ctx, pc.ID); err != nil {
			return err
		}
		moved, err = s.applyEvent(ctx, applicationID, step{
			event:    application.EventPaymentCompleted,
			role:     participant.RoleClient,
			byClient: true,
			comment:  "promo " + pc.Code,
		})
		if err != nil {
			return err
		}
		res.Application = moved.app
		return nil
	})
	if err != nil {
		s.metrics.PromoRedemption(redemptionResult(err))
		s.countRejection(application.EventPaymentCompleted, err)
		return nil, err
	}

	if !res.Free {
		s.metrics.PromoRedemption("applied")
		return &res, nil
	}
	s.metrics.PromoRedemption("free")
	s.metrics.Payment(string(payment.StatusCompleted), ProviderPromo, 0)
	s.metrics.Transition(string(application.EventPaymentCompleted), string(moved.from), string(moved.app.Status))
	s.logger.Info().Str("application_id", applicationID.String()).Str("promo", pc.Code).Msg("application paid with promo code")
	s.notifier.NotifyAdmins(ctx, notification.KindApplicationPaid, res.Application)
	return &res, nil
}

func redemptionResult(err error) string {
	var pe *promo.Error
	if errors.As(err, &pe) {
		return strings.ToLower(string(pe.Reason))
	}
	return "error"
}

func (s *Service) paymentFor(ctx context.Context, applicationID uuid.UUID) (*payment.Payment, error) {
	pay, err := s.ledger.ForApplication(ctx, applicationID)
	if errors.Is(err, payment.ErrNotFound) {
		return nil, fmt.Errorf("%w: payment for application %s", ErrNotFound, applicationID)
	}
	if err != nil {
		return nil, fmt.Errorf("load payment: %w", err)
	}
	return pay, nil
}

// CompletePayment settles the application's payment and moves it to NEW. A
// second call for an already completed payment returns the application
// unchanged and notifies nobody.
func (s *Service) CompletePayment(ctx context.Context, applicationID uuid.UUID, externalID string) (*application.Application, error) {
	var app *application.Application
	var pay *payment.Payment
	var moved *transitionResult

	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		if _, err := s.lockApplication(ctx, applicationID); err != nil {
			return err
		}
		current, err := s.paymentFor(ctx, applicationID)
		if err != nil {
			return err
		}
		var changed bool
		pay, changed, err = s.ledger.Complete(ctx, current.ID, externalID)
		if err != nil {
			return err
		}
		if !changed {
			if pay.ExternalID != nil && externalID != "" && *pay.ExternalID != externalID {
				s.logger.Warn().Str("application_id", applicationID.String()).
					Str("stored_external_id", *pay.ExternalID).Str("external_id", externalID).
					Msg("duplicate payment completion with a different external id")
			}
			app, err = s.getApplication(ctx, applicationID)
			return err
		}

		if pay.PromoCodeID != nil {
			if err := s.promos.IncrementUsage(ctx, *pay.PromoCodeID); err != nil {
				var pe *promo.Error
				if !errors.As(err, &pe) {
					return err
				}
				// The client has paid; the code is honoured anyway.
				s.logger.Warn().Err(err).Str("application_id", applicationID.String()).
					Msg("promo code exhausted at payment completion")
			}
		}

		moved, err = s.applyEvent(ctx, applicationID, step{
			event:    application.EventPaymentCompleted,
			role:     participant.RoleClient,
			byClient: true,
		})
		if err != nil {
			return err
		}
		app = moved.app
		return nil
	})
	if err != nil {
		s.countRejection(application.EventPaymentCompleted, err)
		return nil, err
	}
	if moved == nil {
		return app, nil
	}

	s.metrics.Payment(string(payment.StatusCompleted), pay.Provider, pay.Amount)
	s.metrics.Transition(string(application.EventPaymentCompleted), string(moved.from), string(app.Status))
	s.logger.Info().Str("application_id", applicationID.String()).Int64("amount", pay.Amount).Msg("payment completed")
	s.notifier.NotifyAdmins(ctx, notification.KindApplicationPaid, app)
	return app, nil
}

// FailPayment records a declined attempt reported by the provider. The
// payment stays PENDING so the client can pay again, redeem a code or
// cancel; only cancellation fails it.
func (s *Service) FailPayment(ctx context.Context, applicationID uuid.UUID) (*payment.Payment, error) {
	pay, err := s.paymentFor(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	log := s.logger.With().Str("application_id", applicationID.String()).Str("payment_status", string(pay.Status)).Logger()
	if pay.Status != payment.StatusPending {
		log.Warn().Msg("provider failure for a settled payment ignored")
		return pay, nil
	}
	s.metrics.Payment(paymentAttemptFailed, pay.Provider, pay.Amount)
	log.Info().Msg("payment attempt failed")
	return pay, nil
}

// Payment returns the application's payment.
func (s *Service) Payment(ctx context.Context, applicationID uuid.UUID) (*payment.Payment, error) {
	return s.paymentFor(ctx, applicationID)
}

// ---------------------------------------------------------------------------
// Doctor workflow
// ---------------------------------------------------------------------------

func (s *Service) Assign(ctx context.Context, applicationID, doctorID, adminID uuid.UUID) (*application.Application, error) {
	if err := s.requireParticipant(ctx, adminID, participant.RoleAdmin); err != nil {
		return nil, err
	}
	doc, err := s.participants.GetByID(ctx, doctorID)
	if errors.Is(err, participant.ErrNotFound) {
		return nil, &ValidationError{Field: "doctor_id", Message: "doctor not found"}
	}
	if err != nil {
		return nil, fmt.Errorf("load doctor: %w", err)
	}
	if doc.Role != participant.RoleDoctor || !doc.IsActive {
		return nil, &ValidationError{Field: "doctor_id", Message: "not an active doctor"}
	}

	now := s.now()
	app, err := s.transition(ctx, applicationID, step{
		event:   application.EventAssignDoctor,
		actorID: &adminID,
		role:    participant.RoleAdmin,
		guard: func(app *application.Application) error {
			if app.Status == application.StatusDeclined && app.DoctorID != nil && *app.DoctorID == doctorID {
				return ErrSameDoctor
			}
			return nil
		},
		patch: func(*application.Application) application.Patch {
			return application.Patch{DoctorID: &doctorID, AssignedAt: &now}
		},
	})
	if err != nil {
		return nil, err
	}
	s.notifier.NotifyDoctor(ctx, doctorID, app)
	return app, nil
}

func (s *Service) Decline(ctx context.Context, applicationID uuid.UUID, reason string, doctorID uuid.UUID) (*application.Application, error) {
	reason = strings.TrimSpace(reason)
	switch {
	case reason == "":
		return nil, &ValidationError{Field: "reason", Message: "is required"}
	case len([]rune(reason)) > maxReasonRunes:
		return nil, &ValidationError{Field: "reason", Message: "is too long"}
	}

	app, err := s.transition(ctx, applicationID, step{
		event:   application.EventDecline,
		actorID: &doctorID,
		role:    participant.RoleDoctor,
		comment: reason,
		guard:   assignedTo(doctorID),
	})
	if err != nil {
		return nil, err
	}
	s.notifier.NotifyAdmins(ctx, notification.KindApplicationDeclined, app)
	return app, nil
}

func (s *Service) SubmitRecommendation(ctx context.Context, applicationID uuid.UUID, text string, links []string, doctorID uuid.UUID) (*application.Application, error) {
	content := recommendation.Content{Text: text, Links: links}
	if err := content.Normalize(); err != nil {
		return nil, &ValidationError{Field: "recommendation", Message: err.Error()}
	}

	now := s.now()
	app, err := s.transition(ctx, applicationID, step{
		event:   application.EventSubmitRecommendation,
		actorID: &doctorID,
		role:    participant.RoleDoctor,
		guard:   assignedTo(doctorID),
		patch: func(*application.Application) application.Patch {
			return application.Patch{CompletedAt: &now}
		},
		within: func(ctx context.Context, _, after *application.Application) error {
			err := s.recs.Create(ctx, &recommendation.Recommendation{
				ApplicationID: after.ID,
				DoctorID:      doctorID,
				Text:          content.Text,
				Links:         content.Links,
			})
			if err != nil {
				return fmt.Errorf("create recommendation: %w", err)
			}
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	s.notifier.NotifyAdmins(ctx, notification.KindRecommendationSubmitted, app)
	return app, nil
}

func assignedTo(doctorID uuid.UUID) func(*application.Application) error {
	return func(app *application.Application) error {
		if app.DoctorID == nil || *app.DoctorID != doctorID {
			return fmt.Errorf("%w: application is assigned to another doctor", ErrForbidden)
		}
		return nil
	}
}

// ---------------------------------------------------------------------------
// Admin review
// ---------------------------------------------------------------------------

func (s *Service) Approve(ctx context.Context, applicationID, adminID uuid.UUID) (*application.Application, error) {
	if err := s.requireParticipant(ctx, adminID, participant.RoleAdmin); err != nil {
		return nil, err
	}
	return s.transition(ctx, applicationID, step{
		event:   application.EventApprove,
		actorID: &adminID,
		role:    participant.RoleAdmin,
		within: func(ctx context.Context, _, after *application.Application) error {
			return s.markApproved(ctx, after.ID, adminID)
		},
	})
}

// ApproveAndSend delivers the recommendation to the client, approving it
// first when that has not happened yet. One history row is written either
// way.
func (s *Service) ApproveAndSend(ctx context.Context, applicationID, adminID uuid.UUID) (*application.Application, error) {
	if err := s.requireParticipant(ctx, adminID, participant.RoleAdmin); err != nil {
		return nil, err
	}
	now := s.now()
	app, err := s.transition(ctx, applicationID, step{
		event:   application.EventApproveAndSend,
		actorID: &adminID,
		role:    participant.RoleAdmin,
		patch: func(*application.Application) application.Patch {
			return application.Patch{SentToClientAt: &now}
		},
		within: func(ctx context.Context, _, after *application.Application) error {
			rec, err := s.recs.GetByApplicationID(ctx, after.ID)
			if err != nil {
				return fmt.Errorf("load recommendation: %w", err)
			}
			if rec.Approved() {
				return nil
			}
			return s.markApproved(ctx, after.ID, adminID)
		},
	})
	if err != nil {
		return nil, err
	}
	s.notifier.NotifyClient(ctx, app)
	return app, nil
}

func (s *Service) markApproved(ctx context.Context, applicationID, adminID uuid.UUID) error {
	if err := s.recs.MarkApproved(ctx, applicationID, adminID, s.now()); err != nil {
		return fmt.Errorf("approve recommendation: %w", err)
	}
	return nil
}

// EditRecommendation lets an admin correct the doctor's text before it is
// sent. The first edit keeps the doctor's original text.
func (s *Service) EditRecommendation(ctx context.Context, applicationID, adminID uuid.UUID, text string, links []string) (*recommendation.Recommendation, error) {
	content := recommendation.Content{Text: text, Links: links}
	if err := content.Normalize(); err != nil {
		return nil, &ValidationError{Field: "recommendation", Message: err.Error()}
	}
	if err := s.requireParticipant(ctx, adminID, participant.RoleAdmin); err != nil {
		return nil, err
	}

	var rec *recommendation.Recommendation
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		app, err := s.getApplication(ctx, applicationID)
		if err != nil {
			return err
		}
		if app.Status != application.StatusResponseGiven && app.Status != application.StatusApproved {
			return fmt.Errorf("%w: application is %s", ErrNotEditable, app.Status)
		}
		rec, err = s.recs.GetByApplicationID(ctx, applicationID)
		if errors.Is(err, recommendation.ErrNotFound) {
			return fmt.Errorf("%w: recommendation for application %s", ErrNotFound, applicationID)
		}
		if err != nil {
			return fmt.Errorf("load recommendation: %w", err)
		}
		rec.Edit(adminID, content, s.now())
		if err := s.recs.UpdateContent(ctx, rec); err != nil {
			return fmt.Errorf("update recommendation: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ---------------------------------------------------------------------------
// Cancellation
// ---------------------------------------------------------------------------

func (s *Service) Cancel(ctx context.Context, applicationID, clientID uuid.UUID) (*application.Application, error) {
	return s.transition(ctx, applicationID, step{
		event:   application.EventCancelByClient,
		actorID: &clientID,
		role:    participant.RoleClient,
		guard: func(app *application.Application) error {
			if app.ClientID != clientID {
				return fmt.Errorf("%w: application belongs to another client", ErrForbidden)
			}
			return nil
		},
		within: s.failPendingPayment,
	})
}

// CancelExpired cancels applications left unpaid since before olderThan and
// reports how many were cancelled. Applications paid in the meantime are
// skipped.
func (s *Service) CancelExpired(ctx context.Context, olderThan time.Time) (int, error) {
	stale, err := s.apps.ListStale(ctx, application.StatusPendingPayment, olderThan, staleBatchLimit)
	if err != nil {
		return 0, fmt.Errorf("list unpaid applications: %w", err)
	}
	cancelled := 0
	for _, app := range stale {
		_, err := s.transition(ctx, app.ID, step{
			event:   application.EventCancelByClient,
			role:    participant.RoleClient,
			comment: "payment timeout",
			within:  s.failPendingPayment,
		})
		switch {
		case errors.Is(err, application.ErrIllegalTransition):
			continue
		case err != nil:
			return cancelled, fmt.Errorf("cancel application %s: %w", app.ID, err)
		}
		cancelled++
	}
	if cancelled > 0 {
		s.logger.Info().Int("cancelled", cancelled).Time("older_than", olderThan).Msg("unpaid applications cancelled")
	}
	return cancelled, nil
}

func (s *Service) failPendingPayment(ctx context.Context, _, after *application.Application) error {
	pay, err := s.ledger.ForApplication(ctx, after.ID)
	if errors.Is(err, payment.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load payment: %w", err)
	}
	if _, _, err := s.ledger.Fail(ctx, pay.ID); err != nil {
		return fmt.Errorf("fail payment: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

type PhotoView struct {
	*application.Photo
	URL string `json:"url"`
}

type Details struct {
	Application    *application.Application       `json:"application"`
	Payment        *payment.Payment               `json:"payment,omitempty"`
	Recommendation *recommendation.Recommendation `json:"recommendation,omitempty"`
	Photos         []PhotoView                    `json:"photos"`
}

// Get returns the application with its payment, photos and, once visible to
// the caller, the recommendation. Clients and doctors only see their own.
func (s *Service) Get(ctx context.Context, actor Actor, applicationID uuid.UUID) (*Details, error) {
	app, err := s.getApplication(ctx, applicationID)
	if err != nil {
		return nil, err
	}
	if !canView(actor, app) {
		return nil, fmt.Errorf("%w: application %s", ErrForbidden, applicationID)
	}

	d := &Details{Application: app, Photos: []PhotoView{}}

	d.Payment, err = s.ledger.ForApplication(ctx, applicationID)
	if err != nil && !errors.Is(err, payment.ErrNotFound) {
		return nil, fmt.Errorf("load payment: %w", err)
	}

	if actor.Role != participant.RoleClient || app.Status == application.StatusSentToClient {
		d.Recommendation, err = s.recs.GetByApplicationID(ctx, applicationID)
		if err != nil && !errors.Is(err, recommendation.ErrNotFound) {
			return nil, fmt.Errorf("load recommendation: %w", err)
		}
	}

	photos, err := s.apps.ListPhotos(ctx, applicationID)
	if err != nil {
		return nil, fmt.Errorf("list photos: %w", err)
	}
	for _, p := range photos {
		url, err := s.photos.URL(ctx, p.ObjectKey, s.settings.PhotoURLTTL)
		if err != nil {
			s.logger.Warn().Err(err).Str("key", p.ObjectKey).Msg("photo url")
		}
		d.Photos = append(d.Photos, PhotoView{Photo: p, URL: url})
	}
	return d, nil
}

func canView(actor Actor, app *application.Application) bool {
	switch actor.Role {
	case participant.RoleAdmin:
		return true
	case participant.RoleDoctor:
		return app.DoctorID != nil && *app.DoctorID == actor.ID
	case participant.RoleClient:
		return app.ClientID == actor.ID
	}
	return false
}

// List scopes doctors to their own applications and clients to theirs.
func (s *Service) List(ctx context.Context, actor Actor, f application.ListFilter) ([]*application.Application, int, error) {
	switch actor.Role {
	case participant.RoleAdmin:
	case participant.RoleDoctor:
		id := actor.ID
		f.DoctorID = &id
	case participant.RoleClient:
		id := actor.ID
		f.ClientID = &id
	default:
		return nil, 0, ErrForbidden
	}
	apps, total, err := s.apps.List(ctx, f)
	if err != nil {
		return nil, 0, fmt.Errorf("list applications: %w", err)
	}
	return apps, total, nil
}

func (s *Service) History(ctx context.Context, applicationID uuid.UUID) ([]*history.Entry, error) {
	if _, err := s.getApplication(ctx, applicationID); err != nil {
		return nil, err
	}
	entries, err := s.history.List(ctx, applicationID)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	return entries, nil
}
