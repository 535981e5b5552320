package notification

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Favorevole/CosmoBySkinStoriesCabinet-sub000/internal/domain/application"
	"github.com/Favorevole/CosmoBySkinStoriesCabinet-sub000/internal/platform/metrics"
)

type audience int

const (
	audienceAdmins audience = iota
	audienceDoctor
	audienceClient
)

type job struct {
	kind     Kind
	audience audience
	app      application.Application
	doctorID uuid.UUID
	at       time.Time
}

type Options struct {
	Workers     int
	QueueSize   int
	MaxAttempts int
	// Backoff is the delay before the second attempt; it doubles after that.
	Backoff    time.Duration
	JobTimeout time.Duration
}

func (o *Options) defaults() {
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 64
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 1
	}
	if o.Backoff <= 0 {
		o.Backoff = 500 * time.Millisecond
	}
	if o.JobTimeout <= 0 {
		o.JobTimeout = time.Minute
	}
}

type Stats struct {
	Enqueued  int64 `json:"enqueued"`
	Dropped   int64 `json:"dropped"`
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
	Published int64 `json:"published"`
}

// Dispatcher queues notification jobs and delivers them from a fixed pool of
// workers. Notify* calls never block and never fail the caller.
type Dispatcher struct {
	dir       Directory
	templates *TemplateEngine
	channels  []Channel
	events    EventPublisher
	opts      Options
	logger    zerolog.Logger
	metrics   *metrics.Metrics

	mu     sync.RWMutex
	closed bool
	queue  chan job
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	enqueued, dropped, delivered, failed, published atomic.Int64
}

// NewDispatcher starts opts.Workers workers. events and m may be nil.
func NewDispatcher(dir Directory, templates *TemplateEngine, channels []Channel, events EventPublisher, opts Options, logger zerolog.Logger, m *metrics.Metrics) *Dispatcher {
	opts.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		dir:       dir,
		templates: templates,
		channels:  channels,
		events:    events,
		opts:      opts,
		logger:    logger.With().Str("component", "notification").Logger(),
		metrics:   m,
		queue:     make(chan job, opts.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
	}
	for i := 0; i < opts.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

func (d *Dispatcher) NotifyAdmins(_ context.Context, kind Kind, app *application.Application) {
	d.enqueue(job{kind: kind, audience: audienceAdmins, app: *app, at: time.Now().UTC()})
}

func (d *Dispatcher) NotifyDoctor(_ context.Context, doctorID uuid.UUID, app *application.Application) {
	d.enqueue(job{kind: KindDoctorAssigned, audience: audienceDoctor, app: *app, doctorID: doctorID, at: time.Now().UTC()})
}

func (d *Dispatcher) NotifyClient(_ context.Context, app *application.Application) {
	d.enqueue(job{kind: KindRecommendationSent, audience: audienceClient, app: *app, at: time.Now().UTC()})
}

func (d *Dispatcher) enqueue(j job) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.dropped.Add(1)
		d.logger.Error().Str("kind", string(j.kind)).Str("application_id", j.app.ID.String()).
			Msg("dispatcher closed, notification dropped")
		return
	}
	select {
	case d.queue <- j:
		d.enqueued.Add(1)
		d.metrics.NotifyQueueDepth(len(d.queue))
	default:
		d.dropped.Add(1)
		d.metrics.Notification("queue", "dropped")
		d.logger.Error().Str("kind", string(j.kind)).Str("application_id", j.app.ID.String()).
			Int("queue_size", d.opts.QueueSize).Msg("notification queue full, job dropped")
	}
}

// Close stops accepting jobs and waits for queued ones to finish. When ctx
// expires first, in-flight retries are abandoned and ctx.Err is returned.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		return ctx.Err()
	}
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Enqueued:  d.enqueued.Load(),
		Dropped:   d.dropped.Load(),
		Delivered: d.delivered.Load(),
		Failed:    d.failed.Load(),
		Published: d.published.Load(),
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for j := range d.queue {
		d.metrics.NotifyQueueDepth(len(d.queue))
		ctx, cancel := context.WithTimeout(d.ctx, d.opts.JobTimeout)
		d.process(ctx, j)
		cancel()
	}
}

func (d *Dispatcher) process(ctx context.Context, j job) {
	log := d.logger.With().Str("kind", string(j.kind)).Str("application_id", j.app.ID.String()).Logger()

	recipients, data, err := d.resolve(ctx, j)
	if err != nil {
		d.failed.Add(1)
		log.Error().Err(err).Msg("resolve notification recipients")
	}

	for _, r := range recipients {
		vars := make(map[string]string, len(data)+1)
		for k, v := range data {
			vars[k] = v
		}
		vars["name"] = r.Name
		subject, body, err := d.templates.Render(j.kind, vars)
		if err != nil {
			d.failed.Add(1)
			log.Error().Err(err).Str("recipient_id", r.ID.String()).Msg("render notification")
			continue
		}
		msg := Message{Kind: j.kind, Recipient: r, Subject: subject, Body: body}
		for _, ch := range d.channels {
			ch := ch
			err := d.retry(ctx, log, ch.Name(), func(ctx context.Context) error { return ch.Deliver(ctx, msg) })
			switch {
			case errors.Is(err, ErrNoAddress):
			case err != nil:
				d.failed.Add(1)
				d.metrics.Notification(ch.Name(), "failed")
				log.Error().Err(err).Str("channel", ch.Name()).Str("recipient_id", r.ID.String()).
					Msg("notification dropped after retries")
			default:
				d.delivered.Add(1)
				d.metrics.Notification(ch.Name(), "sent")
			}
		}
	}

	if d.events == nil {
		return
	}
	ev := Event{
		Kind:          j.kind,
		ApplicationID: j.app.ID,
		DisplayNumber: j.app.DisplayNumber,
		Status:        string(j.app.Status),
		OccurredAt:    j.at,
	}
	if j.app.DoctorID != nil {
		s := j.app.DoctorID.String()
		ev.DoctorID = &s
	}
	if err := d.retry(ctx, log, "kafka", func(ctx context.Context) error { return d.events.Publish(ctx, ev) }); err != nil {
		d.failed.Add(1)
		d.metrics.Notification("kafka", "failed")
		log.Error().Err(err).Msg("application event dropped after retries")
		return
	}
	d.published.Add(1)
	d.metrics.Notification("kafka", "sent")
}

// retry runs fn up to MaxAttempts times with exponential backoff.
// ErrNoAddress is returned immediately.
func (d *Dispatcher) retry(ctx context.Context, log zerolog.Logger, channel string, fn func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= d.opts.MaxAttempts; attempt++ {
		err = fn(ctx)
		if err == nil || errors.Is(err, ErrNoAddress) {
			return err
		}
		if attempt == d.opts.MaxAttempts {
			break
		}
		delay := d.opts.Backoff << (attempt - 1)
		log.Warn().Err(err).Str("channel", channel).Int("attempt", attempt).Dur("retry_in", delay).Msg("notification delivery failed")
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
		case <-time.After(delay):
		}
	}
	return err
}

func (d *Dispatcher) resolve(ctx context.Context, j job) ([]Recipient, map[string]string, error) {
	app := j.app
	data := map[string]string{
		"number":      strconv.FormatInt(app.DisplayNumber, 10),
		"age":         strconv.Itoa(app.Age),
		"skin_type":   app.SkinType,
		"price_range": app.PriceRange,
		"problems":    strings.Join(app.MainProblems, ", "),
		"comment":     "",
	}
	if app.AdditionalComment != nil {
		data["comment"] = "Комментарий: " + *app.AdditionalComment
	}

	switch j.kind {
	case KindApplicationPaid:
		amount, err := d.dir.PaidAmount(ctx, app.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("paid amount: %w", err)
		}
		data["amount"] = FormatRubles(amount)
	case KindRecommendationSubmitted, KindApplicationDeclined:
		data["doctor"] = "(не указан)"
		if app.DoctorID != nil {
			doc, err := d.dir.Participant(ctx, *app.DoctorID)
			if err != nil {
				return nil, nil, fmt.Errorf("doctor: %w", err)
			}
			data["doctor"] = doc.Name
		}
	case KindRecommendationSent:
		rec, err := d.dir.Recommendation(ctx, app.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("recommendation: %w", err)
		}
		data["recommendation"] = rec.Text
		data["links"] = strings.Join(rec.Links, "\n")
	}

	switch j.audience {
	case audienceAdmins:
		admins, err := d.dir.Admins(ctx)
		if err != nil {
			return nil, nil, err
		}
		return admins, data, nil
	case audienceDoctor:
		doc, err := d.dir.Participant(ctx, j.doctorID)
		if err != nil {
			return nil, nil, err
		}
		return []Recipient{*doc}, data, nil
	default:
		client, err := d.dir.Participant(ctx, app.ClientID)
		if err != nil {
			return nil, nil, err
		}
		return []Recipient{*client}, data, nil
	}
}
