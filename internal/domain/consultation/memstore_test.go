package consultation

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Favorevole/CosmoBySkinStoriesCabinet-sub000/internal/domain/application"
	"github.com/Favorevole/CosmoBySkinStoriesCabinet-sub000/internal/domain/history"
	"github.com/Favorevole/CosmoBySkinStoriesCabinet-sub000/internal/domain/participant"
	"github.com/Favorevole/CosmoBySkinStoriesCabinet-sub000/internal/domain/payment"
	"github.com/Favorevole/CosmoBySkinStoriesCabinet-sub000/internal/domain/promo"
	"github.com/Favorevole/CosmoBySkinStoriesCabinet-sub000/internal/domain/recommendation"
	"github.com/Favorevole/CosmoBySkinStoriesCabinet-sub000/internal/platform/notification"
)

// memStore backs every repository with maps guarded by one mutex. WithTx
// holds the mutex for the whole transaction and restores a snapshot when fn
// fails, so conditional updates behave as they do against Postgres.
type memStore struct {
	mu           sync.Mutex
	apps         map[uuid.UUID]application.Application
	photos       map[uuid.UUID][]application.Photo
	payments     map[uuid.UUID]payment.Payment
	promos       map[uuid.UUID]promo.PromoCode
	history      []history.Entry
	recs         map[uuid.UUID]recommendation.Recommendation
	participants map[uuid.UUID]participant.Participant
	seq          int64
	// rowOps records application and payment row access in order.
	rowOps []string

	failHistory error
}

type txKey struct{}

func newMemStore() *memStore {
	return &memStore{
		apps:         map[uuid.UUID]application.Application{},
		photos:       map[uuid.UUID][]application.Photo{},
		payments:     map[uuid.UUID]payment.Payment{},
		promos:       map[uuid.UUID]promo.PromoCode{},
		recs:         map[uuid.UUID]recommendation.Recommendation{},
		participants: map[uuid.UUID]participant.Participant{},
	}
}

func (m *memStore) repositories() Repositories {
	return Repositories{
		Applications:    appRepo{m},
		Payments:        payRepo{m},
		Promos:          promoRepo{m},
		History:         histRepo{m},
		Recommendations: recRepo{m},
		Participants:    partRepo{m},
	}
}

func (m *memStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := m.snapshot()
	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

// lock is a no-op inside WithTx, which already holds the mutex.
func (m *memStore) lock(ctx context.Context) func() {
	if ctx.Value(txKey{}) != nil {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

type memSnapshot struct {
	apps         map[uuid.UUID]application.Application
	photos       map[uuid.UUID][]application.Photo
	payments     map[uuid.UUID]payment.Payment
	promos       map[uuid.UUID]promo.PromoCode
	history      []history.Entry
	recs         map[uuid.UUID]recommendation.Recommendation
	participants map[uuid.UUID]participant.Participant
	seq          int64
}

func copyMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (m *memStore) snapshot() memSnapshot {
	photos := make(map[uuid.UUID][]application.Photo, len(m.photos))
	for k, v := range m.photos {
		photos[k] = append([]application.Photo(nil), v...)
	}
	return memSnapshot{
		apps:         copyMap(m.apps),
		photos:       photos,
		payments:     copyMap(m.payments),
		promos:       copyMap(m.promos),
		history:      append([]history.Entry(nil), m.history...),
		recs:         copyMap(m.recs),
		participants: copyMap(m.participants),
		seq:          m.seq,
	}
}

func (m *memStore) restore(s memSnapshot) {
	m.apps, m.photos, m.payments, m.promos = s.apps, s.photos, s.payments, s.promos
	m.history, m.recs, m.participants, m.seq = s.history, s.recs, s.participants, s.seq
}

// takeRowOps returns and clears the recorded row accesses.
func (m *memStore) takeRowOps() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ops := m.rowOps
	m.rowOps = nil
	return ops
}

func (m *memStore) historyFor(id uuid.UUID) []history.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []history.Entry
	for _, e := range m.history {
		if e.ApplicationID == id {
			out = append(out, e)
		}
	}
	return out
}

// ---------------------------------------------------------------------------

type appRepo struct{ m *memStore }

func (r appRepo) Create(ctx context.Context, a *application.Application) error {
	defer r.m.lock(ctx)()
	r.m.seq++
	now := time.Now().UTC()
	a.DisplayNumber = r.m.seq
	a.CreatedAt, a.UpdatedAt = now, now
	r.m.apps[a.ID] = *a
	return nil
}

func (r appRepo) GetByID(ctx context.Context, id uuid.UUID) (*application.Application, error) {
	defer r.m.lock(ctx)()
	a, ok := r.m.apps[id]
	if !ok {
		return nil, application.ErrNotFound
	}
	return &a, nil
}

func (r appRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*application.Application, error) {
	defer r.m.lock(ctx)()
	r.m.rowOps = append(r.m.rowOps, "application")
	a, ok := r.m.apps[id]
	if !ok {
		return nil, application.ErrNotFound
	}
	return &a, nil
}

func (r appRepo) UpdateStatus(ctx context.Context, id uuid.UUID, from, to application.Status, p application.Patch) (*application.Application, error) {
	defer r.m.lock(ctx)()
	r.m.rowOps = append(r.m.rowOps, "application")
	a, ok := r.m.apps[id]
	if !ok {
		return nil, application.ErrNotFound
	}
	if a.Status != from {
		return nil, application.ErrStatusConflict
	}
	a.Status = to
	if p.DoctorID != nil {
		a.DoctorID = p.DoctorID
	}
	if p.AssignedAt != nil {
		a.AssignedAt = p.AssignedAt
	}
	if p.CompletedAt != nil {
		a.CompletedAt = p.CompletedAt
	}
	if p.SentToClientAt != nil {
		a.SentToClientAt = p.SentToClientAt
	}
	a.UpdatedAt = time.Now().UTC()
	r.m.apps[id] = a
	return &a, nil
}

func (r appRepo) List(ctx context.Context, f application.ListFilter) ([]*application.Application, int, error) {
	defer r.m.lock(ctx)()
	var all []*application.Application
	for _, a := range r.m.apps {
		a := a
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, a.Status) {
			continue
		}
		if f.DoctorID != nil && (a.DoctorID == nil || *a.DoctorID != *f.DoctorID) {
			continue
		}
		if f.ClientID != nil && a.ClientID != *f.ClientID {
			continue
		}
		if f.Source != nil && a.Source != *f.Source {
			continue
		}
		all = append(all, &a)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].DisplayNumber > all[j].DisplayNumber })
	total := len(all)
	if f.Offset >= len(all) {
		return []*application.Application{}, total, nil
	}
	all = all[f.Offset:]
	if f.Limit > 0 && len(all) > f.Limit {
		all = all[:f.Limit]
	}
	return all, total, nil
}

func containsStatus(list []application.Status, s application.Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (r appRepo) ListStale(ctx context.Context, status application.Status, olderThan time.Time, limit int) ([]*application.Application, error) {
	defer r.m.lock(ctx)()
	var out []*application.Application
	for _, a := range r.m.apps {
		a := a
		if a.Status == status && a.CreatedAt.Before(olderThan) {
			out = append(out, &a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DisplayNumber < out[j].DisplayNumber })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r appRepo) AddPhoto(ctx context.Context, p *application.Photo) error {
	defer r.m.lock(ctx)()
	if _, ok := r.m.apps[p.ApplicationID]; !ok {
		return application.ErrNotFound
	}
	p.CreatedAt = time.Now().UTC()
	r.m.photos[p.ApplicationID] = append(r.m.photos[p.ApplicationID], *p)
	return nil
}

func (r appRepo) ListPhotos(ctx context.Context, applicationID uuid.UUID) ([]*application.Photo, error) {
	defer r.m.lock(ctx)()
	out := []*application.Photo{}
	for _, p := range r.m.photos[applicationID] {
		p := p
		out = append(out, &p)
	}
	return out, nil
}

// ---------------------------------------------------------------------------

type payRepo struct{ m *memStore }

func (r payRepo) Create(ctx context.Context, p *payment.Payment) error {
	defer r.m.lock(ctx)()
	for _, existing := range r.m.payments {
		if existing.ApplicationID == p.ApplicationID {
			return payment.ErrAlreadyExists
		}
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.CreatedAt = time.Now().UTC()
	r.m.payments[p.ID] = *p
	return nil
}

func (r payRepo) GetByID(ctx context.Context, id uuid.UUID) (*payment.Payment, error) {
	defer r.m.lock(ctx)()
	p, ok := r.m.payments[id]
	if !ok {
		return nil, payment.ErrNotFound
	}
	return &p, nil
}

func (r payRepo) GetByApplicationID(ctx context.Context, applicationID uuid.UUID) (*payment.Payment, error) {
	defer r.m.lock(ctx)()
	for _, p := range r.m.payments {
		if p.ApplicationID == applicationID {
			p := p
			return &p, nil
		}
	}
	return nil, payment.ErrNotFound
}

func (r payRepo) updatePending(ctx context.Context, id uuid.UUID, fn func(p *payment.Payment)) (*payment.Payment, error) {
	defer r.m.lock(ctx)()
	r.m.rowOps = append(r.m.rowOps, "payment")
	p, ok := r.m.payments[id]
	if !ok || p.Status != payment.StatusPending {
		return nil, payment.ErrStale
	}
	fn(&p)
	r.m.payments[id] = p
	return &p, nil
}

func (r payRepo) ApplyPromo(ctx context.Context, id, promoID uuid.UUID, discount, amount int64) (*payment.Payment, error) {
	return r.updatePending(ctx, id, func(p *payment.Payment) {
		p.PromoCodeID = &promoID
		p.DiscountAmount = discount
		p.Amount = amount
	})
}

func (r payRepo) MarkCompleted(ctx context.Context, id uuid.UUID, externalID string, at time.Time) (*payment.Payment, error) {
	return r.updatePending(ctx, id, func(p *payment.Payment) {
		p.Status = payment.StatusCompleted
		if externalID != "" {
			p.ExternalID = &externalID
		}
		p.CompletedAt = &at
	})
}

func (r payRepo) MarkFailed(ctx context.Context, id uuid.UUID, at time.Time) (*payment.Payment, error) {
	return r.updatePending(ctx, id, func(p *payment.Payment) {
		p.Status = payment.StatusFailed
		p.FailedAt = &at
	})
}

// ---------------------------------------------------------------------------

type promoRepo struct{ m *memStore }

func (r promoRepo) Create(ctx context.Context, p *promo.PromoCode) error {
	defer r.m.lock(ctx)()
	for _, existing := range r.m.promos {
		if existing.Code == p.Code {
			return promo.ErrDuplicateCode
		}
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.CreatedAt = time.Now().UTC()
	r.m.promos[p.ID] = *p
	return nil
}

func (r promoRepo) GetByID(ctx context.Context, id uuid.UUID) (*promo.PromoCode, error) {
	defer r.m.lock(ctx)()
	p, ok := r.m.promos[id]
	if !ok {
		return nil, promo.ErrNotFound
	}
	return &p, nil
}

func (r promoRepo) GetByCode(ctx context.Context, code string) (*promo.PromoCode, error) {
	defer r.m.lock(ctx)()
	for _, p := range r.m.promos {
		if p.Code == code {
			p := p
			return &p, nil
		}
	}
	return nil, promo.ErrNotFound
}

func (r promoRepo) List(ctx context.Context, limit, offset int) ([]*promo.PromoCode, int, error) {
	defer r.m.lock(ctx)()
	var out []*promo.PromoCode
	for _, p := range r.m.promos {
		p := p
		out = append(out, &p)
	}
	return out, len(out), nil
}

func (r promoRepo) IncrementUsage(ctx context.Context, id uuid.UUID) error {
	defer r.m.lock(ctx)()
	p, ok := r.m.promos[id]
	if !ok {
		return promo.ErrNotFound
	}
	if p.MaxUses != nil && p.UsedCount >= *p.MaxUses {
		return promo.ErrCapReached
	}
	p.UsedCount++
	r.m.promos[id] = p
	return nil
}

func (r promoRepo) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	defer r.m.lock(ctx)()
	p, ok := r.m.promos[id]
	if !ok {
		return promo.ErrNotFound
	}
	p.IsActive = active
	r.m.promos[id] = p
	return nil
}

// ---------------------------------------------------------------------------

type histRepo struct{ m *memStore }

func (r histRepo) Append(ctx context.Context, e *history.Entry) error {
	defer r.m.lock(ctx)()
	if r.m.failHistory != nil {
		return r.m.failHistory
	}
	if _, ok := r.m.apps[e.ApplicationID]; !ok {
		return history.ErrUnknownApplication
	}
	e.ID = uuid.New()
	e.CreatedAt = time.Now().UTC()
	r.m.history = append(r.m.history, *e)
	return nil
}

func (r histRepo) ListByApplication(ctx context.Context, applicationID uuid.UUID) ([]*history.Entry, error) {
	defer r.m.lock(ctx)()
	out := []*history.Entry{}
	for _, e := range r.m.history {
		if e.ApplicationID == applicationID {
			e := e
			out = append(out, &e)
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------

type recRepo struct{ m *memStore }

func (r recRepo) Create(ctx context.Context, rec *recommendation.Recommendation) error {
	defer r.m.lock(ctx)()
	if _, ok := r.m.recs[rec.ApplicationID]; ok {
		return recommendation.ErrAlreadyExists
	}
	rec.ID = uuid.New()
	rec.CreatedAt = time.Now().UTC()
	r.m.recs[rec.ApplicationID] = *rec
	return nil
}

func (r recRepo) GetByApplicationID(ctx context.Context, applicationID uuid.UUID) (*recommendation.Recommendation, error) {
	defer r.m.lock(ctx)()
	rec, ok := r.m.recs[applicationID]
	if !ok {
		return nil, recommendation.ErrNotFound
	}
	return &rec, nil
}

func (r recRepo) UpdateContent(ctx context.Context, rec *recommendation.Recommendation) error {
	defer r.m.lock(ctx)()
	if _, ok := r.m.recs[rec.ApplicationID]; !ok {
		return recommendation.ErrNotFound
	}
	r.m.recs[rec.ApplicationID] = *rec
	return nil
}

func (r recRepo) MarkApproved(ctx context.Context, applicationID, adminID uuid.UUID, at time.Time) error {
	defer r.m.lock(ctx)()
	rec, ok := r.m.recs[applicationID]
	if !ok {
		return recommendation.ErrNotFound
	}
	rec.ApprovedByAdminID = &adminID
	rec.ApprovedAt = &at
	r.m.recs[applicationID] = rec
	return nil
}

// ---------------------------------------------------------------------------

type partRepo struct{ m *memStore }

func (r partRepo) Create(ctx context.Context, p *participant.Participant) error {
	defer r.m.lock(ctx)()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.CreatedAt = time.Now().UTC()
	r.m.participants[p.ID] = *p
	return nil
}

func (r partRepo) GetByID(ctx context.Context, id uuid.UUID) (*participant.Participant, error) {
	defer r.m.lock(ctx)()
	p, ok := r.m.participants[id]
	if !ok {
		return nil, participant.ErrNotFound
	}
	return &p, nil
}

func (r partRepo) GetByTelegramID(ctx context.Context, telegramID int64) (*participant.Participant, error) {
	defer r.m.lock(ctx)()
	for _, p := range r.m.participants {
		if p.TelegramID != nil && *p.TelegramID == telegramID {
			p := p
			return &p, nil
		}
	}
	return nil, participant.ErrNotFound
}

func (r partRepo) ListByRole(ctx context.Context, role participant.Role, activeOnly bool) ([]*participant.Participant, error) {
	defer r.m.lock(ctx)()
	var out []*participant.Participant
	for _, p := range r.m.participants {
		if p.Role == role && (!activeOnly || p.IsActive) {
			p := p
			out = append(out, &p)
		}
	}
	return out, nil
}

func (r partRepo) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	defer r.m.lock(ctx)()
	p, ok := r.m.participants[id]
	if !ok {
		return participant.ErrNotFound
	}
	p.IsActive = active
	r.m.participants[id] = p
	return nil
}

// ---------------------------------------------------------------------------

type notifyCall struct {
	audience string
	kind     notification.Kind
	appID    uuid.UUID
	doctorID uuid.UUID
	status   application.Status
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []notifyCall
}

func (n *fakeNotifier) NotifyAdmins(_ context.Context, kind notification.Kind, app *application.Application) {
	n.record(notifyCall{audience: "admins", kind: kind, appID: app.ID, status: app.Status})
}

func (n *fakeNotifier) NotifyDoctor(_ context.Context, doctorID uuid.UUID, app *application.Application) {
	n.record(notifyCall{audience: "doctor", kind: notification.KindDoctorAssigned, appID: app.ID, doctorID: doctorID, status: app.Status})
}

func (n *fakeNotifier) NotifyClient(_ context.Context, app *application.Application) {
	n.record(notifyCall{audience: "client", kind: notification.KindRecommendationSent, appID: app.ID, status: app.Status})
}

func (n *fakeNotifier) record(c notifyCall) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, c)
}

func (n *fakeNotifier) Calls() []notifyCall {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notifyCall(nil), n.calls...)
}

func (n *fakeNotifier) count(kind notification.Kind) int {
	c := 0
	for _, call := range n.Calls() {
		if call.kind == kind {
			c++
		}
	}
	return c
}

var errInjected = errors.New("injected failure")
