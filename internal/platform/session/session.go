// Package session keeps per-user questionnaire dialog state for the Telegram
// bot. State is an explicit Step with a typed draft, and every change goes
// through the Advance table.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Favorevole/CosmoBySkinStoriesCabinet-sub000/internal/domain/application"
)

type Step string

const (
	StepAge        Step = "AGE"
	StepSkinType   Step = "SKIN_TYPE"
	StepPriceRange Step = "PRICE_RANGE"
	StepProblems   Step = "PROBLEMS"
	StepComment    Step = "COMMENT"
	StepPhotos     Step = "PHOTOS"
	StepConfirm    Step = "CONFIRM"
	StepDone       Step = "DONE"
)

// transitions lists the steps reachable from each step. Problems and photos
// loop while the user adds items.
var transitions = map[Step][]Step{
	StepAge:        {StepSkinType},
	StepSkinType:   {StepPriceRange},
	StepPriceRange: {StepProblems},
	StepProblems:   {StepProblems, StepComment},
	StepComment:    {StepPhotos},
	StepPhotos:     {StepPhotos, StepConfirm},
	StepConfirm:    {StepDone, StepAge},
}

var (
	ErrNotFound       = errors.New("session not found")
	ErrInvalidStep    = errors.New("invalid dialog step")
	ErrTooManyPhotos  = errors.New("too many photos")
	ErrNoProblems     = errors.New("at least one problem is required")
	ErrSessionExpired = errors.New("session expired")
)

// Session is one user's in-progress questionnaire.
type Session struct {
	Key       string                    `json:"key"`
	ClientID  uuid.UUID                 `json:"client_id"`
	ChatID    int64                     `json:"chat_id"`
	Step      Step                      `json:"step"`
	Draft     application.Questionnaire `json:"draft"`
	PhotoIDs  []string                  `json:"photo_ids,omitempty"`
	MaxPhotos int                       `json:"max_photos"`
	StartedAt time.Time                 `json:"started_at"`
	UpdatedAt time.Time                 `json:"updated_at"`
}

// New starts a dialog at StepAge.
func New(key string, clientID uuid.UUID, chatID int64, maxPhotos int, now time.Time) *Session {
	return &Session{
		Key:       key,
		ClientID:  clientID,
		ChatID:    chatID,
		Step:      StepAge,
		MaxPhotos: maxPhotos,
		StartedAt: now,
		UpdatedAt: now,
	}
}

// Advance moves to the next step if the table allows it.
func (s *Session) Advance(to Step) error {
	for _, allowed := range transitions[s.Step] {
		if allowed == to {
			s.Step = to
			s.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidStep, s.Step, to)
}

func (s *Session) expect(step Step) error {
	if s.Step != step {
		return fmt.Errorf("%w: at %s, expected %s", ErrInvalidStep, s.Step, step)
	}
	return nil
}

func (s *Session) SetAge(age int) error {
	if err := s.expect(StepAge); err != nil {
		return err
	}
	if age < application.MinAge || age > application.MaxAge {
		return &application.ValidationError{Field: "age", Message: fmt.Sprintf("must be between %d and %d", application.MinAge, application.MaxAge)}
	}
	s.Draft.Age = age
	return s.Advance(StepSkinType)
}

func (s *Session) SetSkinType(v string) error {
	if err := s.expect(StepSkinType); err != nil {
		return err
	}
	if v = strings.TrimSpace(v); v == "" {
		return &application.ValidationError{Field: "skin_type", Message: "is required"}
	}
	s.Draft.SkinType = v
	return s.Advance(StepPriceRange)
}

func (s *Session) SetPriceRange(v string) error {
	if err := s.expect(StepPriceRange); err != nil {
		return err
	}
	if v = strings.TrimSpace(v); v == "" {
		return &application.ValidationError{Field: "price_range", Message: "is required"}
	}
	s.Draft.PriceRange = v
	return s.Advance(StepProblems)
}

func (s *Session) AddProblem(v string) error {
	if err := s.expect(StepProblems); err != nil {
		return err
	}
	if v = strings.TrimSpace(v); v == "" {
		return &application.ValidationError{Field: "main_problems", Message: "problem is empty"}
	}
	s.Draft.MainProblems = append(s.Draft.MainProblems, v)
	return s.Advance(StepProblems)
}

func (s *Session) FinishProblems() error {
	if err := s.expect(StepProblems); err != nil {
		return err
	}
	if len(s.Draft.MainProblems) == 0 {
		return ErrNoProblems
	}
	return s.Advance(StepComment)
}

// SetComment records the optional free-text comment; blank skips it.
func (s *Session) SetComment(v string) error {
	if err := s.expect(StepComment); err != nil {
		return err
	}
	s.Draft.AdditionalComment = strings.TrimSpace(v)
	return s.Advance(StepPhotos)
}

func (s *Session) AddPhoto(fileID string) error {
	if err := s.expect(StepPhotos); err != nil {
		return err
	}
	if len(s.PhotoIDs) >= s.MaxPhotos {
		return ErrTooManyPhotos
	}
	s.PhotoIDs = append(s.PhotoIDs, fileID)
	return s.Advance(StepPhotos)
}

// FinishPhotos validates the whole draft before asking for confirmation.
func (s *Session) FinishPhotos() error {
	if err := s.expect(StepPhotos); err != nil {
		return err
	}
	s.Draft.Normalize()
	if err := s.Draft.Validate(); err != nil {
		return err
	}
	return s.Advance(StepConfirm)
}

// Confirm finishes the dialog and returns the questionnaire to submit.
func (s *Session) Confirm() (application.Questionnaire, error) {
	if err := s.expect(StepConfirm); err != nil {
		return application.Questionnaire{}, err
	}
	if err := s.Advance(StepDone); err != nil {
		return application.Questionnaire{}, err
	}
	return s.Draft, nil
}

// Restart clears the draft from the confirmation step.
func (s *Session) Restart() error {
	if err := s.Advance(StepAge); err != nil {
		return err
	}
	s.Draft = application.Questionnaire{}
	s.PhotoIDs = nil
	return nil
}

// Store persists sessions by key with a TTL refreshed on every Put.
// Complete and Cancel remove the entry.
type Store interface {
	Get(ctx context.Context, key string) (*Session, error)
	Put(ctx context.Context, s *Session) error
	Complete(ctx context.Context, key string) error
	Cancel(ctx context.Context, key string) error
}
