package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// Channel delivers a rendered message to one recipient. It returns
// ErrNoAddress when the recipient cannot be reached on it.
type Channel interface {
	Name() string
	Deliver(ctx context.Context, msg Message) error
}

// ---------------------------------------------------------------------------
// Telegram
// ---------------------------------------------------------------------------

// BotSender is the subset of *tgbotapi.BotAPI the channel needs.
type BotSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type TelegramChannel struct {
	bot BotSender
}

func NewTelegramChannel(bot BotSender) *TelegramChannel {
	return &TelegramChannel{bot: bot}
}

func (c *TelegramChannel) Name() string { return "telegram" }

func (c *TelegramChannel) Deliver(_ context.Context, msg Message) error {
	if msg.Recipient.TelegramID == nil {
		return ErrNoAddress
	}
	out := tgbotapi.NewMessage(*msg.Recipient.TelegramID, msg.Text())
	out.DisableWebPagePreview = true
	if _, err := c.bot.Send(out); err != nil {
		return fmt.Errorf("telegram send to %d: %w", *msg.Recipient.TelegramID, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// E-mail
// ---------------------------------------------------------------------------

// EmailSender is the interface for sending email messages.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

type EmailChannel struct {
	sender EmailSender
}

func NewEmailChannel(sender EmailSender) *EmailChannel {
	return &EmailChannel{sender: sender}
}

func (c *EmailChannel) Name() string { return "email" }

func (c *EmailChannel) Deliver(ctx context.Context, msg Message) error {
	if msg.Recipient.Email == nil || *msg.Recipient.Email == "" {
		return ErrNoAddress
	}
	return c.sender.SendEmail(ctx, *msg.Recipient.Email, msg.Subject, msg.Body)
}

type SMTPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
}

// SMTPSender sends plain-text UTF-8 mail through one relay.
type SMTPSender struct {
	cfg  SMTPConfig
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	return &SMTPSender{cfg: cfg, send: smtp.SendMail}
}

func (s *SMTPSender) SendEmail(_ context.Context, to, subject, body string) error {
	var auth smtp.Auth
	if s.cfg.User != "" {
		auth = smtp.PlainAuth("", s.cfg.User, s.cfg.Password, s.cfg.Host)
	}
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	if err := s.send(addr, auth, s.cfg.From, []string{to}, buildMIME(s.cfg.From, to, subject, body)); err != nil {
		return fmt.Errorf("smtp send to %s: %w", to, err)
	}
	return nil
}

func buildMIME(from, to, subject, body string) []byte {
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + to + "\r\n")
	b.WriteString("Subject: " + mimeEncodeHeader(subject) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("Content-Transfer-Encoding: 8bit\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return []byte(b.String())
}

func mimeEncodeHeader(s string) string {
	return mime.QEncoding.Encode("UTF-8", s)
}

// ---------------------------------------------------------------------------
// Kafka event stream
// ---------------------------------------------------------------------------

// Event is the record published once per notification job.
type Event struct {
	Kind          Kind      `json:"kind"`
	ApplicationID uuid.UUID `json:"application_id"`
	DisplayNumber int64     `json:"display_number"`
	Status        string    `json:"status"`
	DoctorID      *string   `json:"doctor_id,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// EventPublisher receives one Event per dispatched job.
type EventPublisher interface {
	Publish(ctx context.Context, ev Event) error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaPublisher struct {
	writer messageWriter
}

// NewKafkaPublisher writes to topic on brokers, keyed by application id so
// events for one application stay ordered within a partition.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}}
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(ev.ApplicationID.String()),
		Value: value,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(ev.Kind)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// ---------------------------------------------------------------------------
// Mock senders (test doubles)
// ---------------------------------------------------------------------------

// EmailCall records a single call to SendEmail.
type EmailCall struct {
	To      string
	Subject string
	Body    string
}

// MockEmailSender fails the first FailTimes calls, then succeeds.
type MockEmailSender struct {
	mu        sync.Mutex
	calls     []EmailCall
	FailTimes int
}

func (m *MockEmailSender) SendEmail(_ context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, EmailCall{To: to, Subject: subject, Body: body})
	if len(m.calls) <= m.FailTimes {
		return fmt.Errorf("mock email failure %d", len(m.calls))
	}
	return nil
}

// Calls returns a copy of recorded email calls.
func (m *MockEmailSender) Calls() []EmailCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EmailCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// MockPublisher records published events.
type MockPublisher struct {
	mu     sync.Mutex
	events []Event
	Err    error
}

func (m *MockPublisher) Publish(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.events = append(m.events, ev)
	return nil
}

func (m *MockPublisher) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}
