// Package notification delivers workflow notifications to admins, doctors and
// clients over Telegram and e-mail, and publishes every notified event to
// Kafka. Delivery happens on a worker pool off the request path.
package notification

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Kind identifies which workflow event a notification describes.
type Kind string

const (
	KindApplicationPaid         Kind = "application_paid"
	KindDoctorAssigned          Kind = "doctor_assigned"
	KindRecommendationSubmitted Kind = "recommendation_submitted"
	KindApplicationDeclined     Kind = "application_declined"
	KindRecommendationSent      Kind = "recommendation_sent"
)

// ErrNoAddress is returned by a channel when the recipient has no address on
// it. It is not retried.
var ErrNoAddress = errors.New("recipient has no address for channel")

// Recipient is a resolved participant with the addresses known for it.
type Recipient struct {
	ID         uuid.UUID
	Name       string
	TelegramID *int64
	Email      *string
}

// Message is a rendered notification for one recipient.
type Message struct {
	Kind      Kind
	Recipient Recipient
	Subject   string
	Body      string
}

// Text joins subject and body the way chat channels show them.
func (m Message) Text() string {
	if m.Subject == "" {
		return m.Body
	}
	return m.Subject + "\n\n" + m.Body
}

// ---------------------------------------------------------------------------
// Template Engine
// ---------------------------------------------------------------------------

type Template struct {
	Kind    Kind
	Subject string
	Body    string
}

// TemplateEngine renders {{key}} placeholders into per-kind templates.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[Kind]*Template
}

func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[Kind]*Template)}
	e.registerBuiltIn()
	return e
}

func (e *TemplateEngine) registerBuiltIn() {
	builtIn := []Template{
		{
			Kind:    KindApplicationPaid,
			Subject: "Новая заявка №{{number}}",
			Body: "Заявка №{{number}} оплачена ({{amount}} ₽) и ждёт назначения врача.\n" +
				"Возраст: {{age}}\nТип кожи: {{skin_type}}\nБюджет: {{price_range}}\nПроблемы: {{problems}}",
		},
		{
			Kind:    KindDoctorAssigned,
			Subject: "Вам назначена заявка №{{number}}",
			Body: "{{name}}, вам назначена заявка №{{number}}.\n" +
				"Возраст: {{age}}\nТип кожи: {{skin_type}}\nБюджет: {{price_range}}\nПроблемы: {{problems}}\n{{comment}}",
		},
		{
			Kind:    KindRecommendationSubmitted,
			Subject: "Ответ по заявке №{{number}}",
			Body:    "Врач {{doctor}} подготовил рекомендацию по заявке №{{number}}. Проверьте её и отправьте клиенту.",
		},
		{
			Kind:    KindApplicationDeclined,
			Subject: "Отказ по заявке №{{number}}",
			Body:    "Врач {{doctor}} отказался от заявки №{{number}}. Назначьте другого врача.",
		},
		{
			Kind:    KindRecommendationSent,
			Subject: "Рекомендация по вашей заявке №{{number}}",
			Body:    "{{name}}, врач подготовил для вас рекомендацию.\n\n{{recommendation}}\n\n{{links}}",
		},
	}
	for i := range builtIn {
		t := builtIn[i]
		e.templates[t.Kind] = &t
	}
}

// RegisterTemplate adds or replaces the template for t.Kind.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.Kind] = &t
}

// Render substitutes data into the template for kind. Keys missing from data
// are left as-is; surrounding blank lines are trimmed.
func (e *TemplateEngine) Render(kind Kind, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[kind]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", kind)
	}

	subject = t.Subject
	body = t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, strings.TrimSpace(body), nil
}

// FormatRubles renders an amount in kopecks as rubles with two decimals.
func FormatRubles(kopecks int64) string {
	return decimal.New(kopecks, -2).StringFixed(2)
}
