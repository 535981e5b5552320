package application

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPendingPayment Status = "PENDING_PAYMENT"
	StatusNew            Status = "NEW"
	StatusAssigned       Status = "ASSIGNED"
	StatusResponseGiven  Status = "RESPONSE_GIVEN"
	StatusApproved       Status = "APPROVED"
	StatusSentToClient   Status = "SENT_TO_CLIENT"
	StatusDeclined       Status = "DECLINED"
	StatusCancelled      Status = "CANCELLED"
)

var allStatuses = []Status{
	StatusPendingPayment, StatusNew, StatusAssigned, StatusResponseGiven,
	StatusApproved, StatusSentToClient, StatusDeclined, StatusCancelled,
}

func (s Status) Valid() bool {
	for _, st := range allStatuses {
		if s == st {
			return true
		}
	}
	return false
}

// HasDoctor reports whether an application in this status must carry a doctor.
func (s Status) HasDoctor() bool {
	switch s {
	case StatusAssigned, StatusResponseGiven, StatusApproved, StatusSentToClient, StatusDeclined:
		return true
	}
	return false
}

// Terminal statuses accept no further events.
func (s Status) Terminal() bool {
	return s == StatusSentToClient || s == StatusCancelled
}

type Source string

const (
	SourceTelegram Source = "TELEGRAM"
	SourceWeb      Source = "WEB"
)

func (s Source) Valid() bool {
	return s == SourceTelegram || s == SourceWeb
}

type Application struct {
	ID                uuid.UUID  `db:"id" json:"id"`
	DisplayNumber     int64      `db:"display_number" json:"display_number"`
	ClientID          uuid.UUID  `db:"client_id" json:"client_id"`
	DoctorID          *uuid.UUID `db:"doctor_id" json:"doctor_id,omitempty"`
	Status            Status     `db:"status" json:"status"`
	Age               int        `db:"age" json:"age"`
	SkinType          string     `db:"skin_type" json:"skin_type"`
	PriceRange        string     `db:"price_range" json:"price_range"`
	MainProblems      []string   `db:"main_problems" json:"main_problems"`
	AdditionalComment *string    `db:"additional_comment" json:"additional_comment,omitempty"`
	Source            Source     `db:"source" json:"source"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`
	AssignedAt        *time.Time `db:"assigned_at" json:"assigned_at,omitempty"`
	CompletedAt       *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	SentToClientAt    *time.Time `db:"sent_to_client_at" json:"sent_to_client_at,omitempty"`
}

// Photo is a questionnaire image kept in the blob store under ObjectKey.
type Photo struct {
	ID            uuid.UUID `db:"id" json:"id"`
	ApplicationID uuid.UUID `db:"application_id" json:"application_id"`
	ObjectKey     string    `db:"object_key" json:"object_key"`
	ContentType   string    `db:"content_type" json:"content_type"`
	SizeBytes     int64     `db:"size_bytes" json:"size_bytes"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// ValidationError is a user-correctable input problem reported before any
// state is written.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

const (
	MinAge          = 1
	MaxAge          = 120
	maxShortField   = 100
	maxProblems     = 10
	maxProblemLen   = 200
	maxCommentRunes = 2000
)

// Questionnaire is what the client fills in before paying.
type Questionnaire struct {
	Age               int      `json:"age"`
	SkinType          string   `json:"skin_type"`
	PriceRange        string   `json:"price_range"`
	MainProblems      []string `json:"main_problems"`
	AdditionalComment string   `json:"additional_comment,omitempty"`
}

// Normalize trims every text field and drops empty problems.
func (q *Questionnaire) Normalize() {
	q.SkinType = strings.TrimSpace(q.SkinType)
	q.PriceRange = strings.TrimSpace(q.PriceRange)
	q.AdditionalComment = strings.TrimSpace(q.AdditionalComment)
	problems := q.MainProblems[:0]
	for _, p := range q.MainProblems {
		if p = strings.TrimSpace(p); p != "" {
			problems = append(problems, p)
		}
	}
	q.MainProblems = problems
}

func (q Questionnaire) Validate() error {
	switch {
	case q.Age < MinAge || q.Age > MaxAge:
		return &ValidationError{Field: "age", Message: fmt.Sprintf("must be between %d and %d", MinAge, MaxAge)}
	case q.SkinType == "":
		return &ValidationError{Field: "skin_type", Message: "is required"}
	case len([]rune(q.SkinType)) > maxShortField:
		return &ValidationError{Field: "skin_type", Message: "is too long"}
	case q.PriceRange == "":
		return &ValidationError{Field: "price_range", Message: "is required"}
	case len([]rune(q.PriceRange)) > maxShortField:
		return &ValidationError{Field: "price_range", Message: "is too long"}
	case len(q.MainProblems) == 0:
		return &ValidationError{Field: "main_problems", Message: "at least one problem is required"}
	case len(q.MainProblems) > maxProblems:
		return &ValidationError{Field: "main_problems", Message: fmt.Sprintf("at most %d problems", maxProblems)}
	case len([]rune(q.AdditionalComment)) > maxCommentRunes:
		return &ValidationError{Field: "additional_comment", Message: "is too long"}
	}
	for _, p := range q.MainProblems {
		if len([]rune(p)) > maxProblemLen {
			return &ValidationError{Field: "main_problems", Message: "problem description is too long"}
		}
	}
	return nil
}

// NewFromQuestionnaire builds a PENDING_PAYMENT application for clientID.
func NewFromQuestionnaire(clientID uuid.UUID, q Questionnaire, source Source) *Application {
	a := &Application{
		ID:           uuid.New(),
		ClientID:     clientID,
		Status:       StatusPendingPayment,
		Age:          q.Age,
		SkinType:     q.SkinType,
		PriceRange:   q.PriceRange,
		MainProblems: q.MainProblems,
		Source:       source,
	}
	if q.AdditionalComment != "" {
		comment := q.AdditionalComment
		a.AdditionalComment = &comment
	}
	return a
}
