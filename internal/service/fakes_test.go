package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/showtime-booking/internal/lockstore"
	"github.com/iliyamo/showtime-booking/internal/model"
	"github.com/iliyamo/showtime-booking/internal/payment"
	"github.com/iliyamo/showtime-booking/internal/repository"
	"github.com/iliyamo/showtime-booking/internal/ticket"
)

var testStart = time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func testLayout() model.Layout {
	return model.Layout{Sections: []model.Section{
		{Label: "GOLD", Price: 200, Rows: []string{"A", "B"}, LeftCount: 5, RightCount: 5},
		{Label: "SILVER", Price: 120, Rows: []string{"B", "C"}, LeftCount: 6, RightCount: 6},
	}}
}

type memShows map[uint64]model.Show

func (m memShows) GetByID(_ context.Context, id uint64) (model.Show, error) {
	s, ok := m[id]
	if !ok {
		return model.Show{}, repository.ErrShowNotFound
	}
	return s, nil
}

// memBookings mimics the MySQL store, including its conditional updates
// and the confirmed_seats primary key.
type memBookings struct {
	mu        sync.Mutex
	rows      map[string]model.Booking
	confirmed map[string]string
	tasks     []model.OutboxTask
	createErr error
	// beforeCreate runs ahead of CreateWithLocks; a non-nil error fails it.
	beforeCreate func(b *model.Booking) error
}

func newMemBookings() *memBookings {
	return &memBookings{rows: map[string]model.Booking{}, confirmed: map[string]string{}}
}

func seatKey(showID uint64, seat string) string { return fmt.Sprintf("%d/%s", showID, seat) }

func clone(b model.Booking) model.Booking {
	b.Seats = append([]string(nil), b.Seats...)
	if b.PaymentIntentID != nil {
		v := *b.PaymentIntentID
		b.PaymentIntentID = &v
	}
	return b
}

func (m *memBookings) put(b model.Booking) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[b.ID] = clone(b)
}

func (m *memBookings) get(id string) model.Booking {
	m.mu.Lock()
	defer m.mu.Unlock()
	return clone(m.rows[id])
}

func (m *memBookings) taskKinds() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, t := range m.tasks {
		out = append(out, t.Kind)
	}
	return out
}

func (m *memBookings) GetByID(_ context.Context, id string) (model.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.rows[id]
	if !ok {
		return model.Booking{}, repository.ErrBookingNotFound
	}
	return clone(b), nil
}

func (m *memBookings) ListByUser(_ context.Context, userID uint64, _ int) ([]model.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Booking
	for _, b := range m.rows {
		if b.UserID == userID {
			out = append(out, clone(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memBookings) FindOpen(_ context.Context, userID, showID uint64, now time.Time) ([]model.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Booking
	for _, b := range m.rows {
		if b.UserID == userID && b.ShowID == showID && b.Status == model.StatusPending && !b.Paid && !b.Lapsed(now) {
			out = append(out, clone(b))
		}
	}
	return out, nil
}

func (m *memBookings) ConfirmedSeatConflict(_ context.Context, showID uint64, seats []string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range seats {
		if _, ok := m.confirmed[seatKey(showID, s)]; ok {
			return s, nil
		}
	}
	return "", nil
}

func (m *memBookings) ConfirmedSeats(_ context.Context, showID uint64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	prefix := fmt.Sprintf("%d/", showID)
	for k := range m.confirmed {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, k[len(prefix):])
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *memBookings) CreateWithLocks(_ context.Context, b *model.Booking, _ time.Time) error {
	if hook := m.beforeCreate; hook != nil {
		if err := hook(b); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	m.rows[b.ID] = clone(*b)
	return nil
}

func (m *memBookings) pending(id string) (model.Booking, bool) {
	b, ok := m.rows[id]
	return b, ok && b.Status == model.StatusPending && !b.Paid
}

func (m *memBookings) UpdateAmount(_ context.Context, id string, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.pending(id)
	if !ok {
		return repository.ErrStaleTransition
	}
	b.TotalAmount = amount
	m.rows[id] = b
	return nil
}

func (m *memBookings) ExtendHold(_ context.Context, id string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.pending(id)
	if ok && b.ExpiresAt != nil && b.ExpiresAt.Before(until) {
		b.ExpiresAt = &until
		m.rows[id] = b
	}
	return nil
}

func (m *memBookings) AttachIntent(_ context.Context, id, intentID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.rows[id]
	if !ok || b.Status != model.StatusPending || b.PaymentIntentID != nil {
		return false, nil
	}
	b.PaymentIntentID = &intentID
	m.rows[id] = b
	return true, nil
}

func (m *memBookings) ClearIntent(_ context.Context, id, intentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.rows[id]
	if ok && !b.Paid && b.IntentID() == intentID {
		b.PaymentIntentID = nil
		b.IntentAttempt++
		m.rows[id] = b
	}
	return nil
}

func (m *memBookings) finish(id string, to model.BookingStatus, userID *uint64, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.pending(id)
	if !ok || (userID != nil && b.UserID != *userID) {
		return repository.ErrStaleTransition
	}
	b.Status = to
	b.ExpiredAt = &now
	m.rows[id] = b
	return nil
}

func (m *memBookings) MarkExpired(_ context.Context, id string, now time.Time) error {
	return m.finish(id, model.StatusExpired, nil, now)
}

func (m *memBookings) Cancel(_ context.Context, id string, userID uint64, now time.Time) error {
	return m.finish(id, model.StatusCancelled, &userID, now)
}

// expireStale plays the sweeper's conditional update.
func (m *memBookings) expireStale(now time.Time) []model.Booking {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Booking
	for id, b := range m.rows {
		if b.Status == model.StatusPending && !b.Paid && b.ExpiresAt != nil && b.ExpiresAt.Before(now) {
			b.Status = model.StatusExpired
			b.ExpiredAt = &now
			m.rows[id] = b
			out = append(out, clone(b))
		}
	}
	return out
}

func (m *memBookings) Confirm(_ context.Context, in repository.ConfirmInput) (model.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.rows[in.BookingID]
	if !ok {
		return model.Booking{}, repository.ErrBookingNotFound
	}
	if in.Check != nil {
		if err := in.Check(clone(b)); err != nil {
			return clone(b), err
		}
	}
	if b.Status != model.StatusPending || b.Paid {
		return clone(b), repository.ErrStaleTransition
	}
	for _, s := range b.Seats {
		if _, taken := m.confirmed[seatKey(b.ShowID, s)]; taken {
			return clone(b), &repository.SeatError{Seat: s, Err: repository.ErrSeatAlreadyConfirmed}
		}
	}
	for _, s := range b.Seats {
		m.confirmed[seatKey(b.ShowID, s)] = b.ID
	}
	now := in.Now
	intent := in.IntentID
	b.Paid = true
	b.Status = model.StatusConfirmed
	b.PaymentIntentID = &intent
	b.ConfirmedAt = &now
	m.rows[b.ID] = b
	m.tasks = append(m.tasks, in.Tasks...)
	return clone(b), nil
}

// memGateway is an in-memory payment provider honouring idempotency keys.
type memGateway struct {
	mu        sync.Mutex
	seq       int
	intents   map[string]payment.Intent
	byKey     map[string]string
	creates   int
	cancelled []string
	createErr error
}

func newMemGateway() *memGateway {
	return &memGateway{intents: map[string]payment.Intent{}, byKey: map[string]string{}}
}

func (g *memGateway) CreateIntent(_ context.Context, req payment.IntentRequest) (payment.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return payment.Intent{}, g.createErr
	}
	if id, ok := g.byKey[req.IdempotencyKey]; ok {
		return g.intents[id], nil
	}
	g.seq++
	g.creates++
	id := fmt.Sprintf("pi_%d", g.seq)
	in := payment.Intent{
		ID:           id,
		ClientSecret: id + "_secret",
		Status:       "requires_payment_method",
		Amount:       req.AmountMinor,
		Currency:     req.Currency,
		Metadata:     req.Metadata,
	}
	g.intents[id] = in
	g.byKey[req.IdempotencyKey] = id
	return in, nil
}

func (g *memGateway) RetrieveIntent(_ context.Context, id string) (payment.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	in, ok := g.intents[id]
	if !ok {
		return payment.Intent{}, fmt.Errorf("%w: no such intent %s", payment.ErrUpstream, id)
	}
	return in, nil
}

func (g *memGateway) UpdateIntentAmount(_ context.Context, id string, amountMinor int64) (payment.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	in := g.intents[id]
	in.Amount = amountMinor
	g.intents[id] = in
	return in, nil
}

func (g *memGateway) CancelIntent(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	in := g.intents[id]
	in.Status = payment.StatusCanceled
	g.intents[id] = in
	g.cancelled = append(g.cancelled, id)
	return nil
}

func (g *memGateway) setStatus(id, status string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	in := g.intents[id]
	in.Status = status
	g.intents[id] = in
}

type countingVersions struct {
	mu    sync.Mutex
	bumps map[string]int
}

func (v *countingVersions) Bump(_ context.Context, ns string) (int64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.bumps == nil {
		v.bumps = map[string]int{}
	}
	v.bumps[ns]++
	return int64(v.bumps[ns]), nil
}

type env struct {
	clock    *clock
	mr       *miniredis.Miniredis
	locks    *lockstore.RedisLockStore
	bookings *memBookings
	gateway  *memGateway
	versions *countingVersions
	res      *ReservationService
	pay      *PaymentService
}

const (
	showID    uint64 = 42
	alice     uint64 = 1
	bob       uint64 = 2
	lockTTL          = 300 * time.Second
	startLead        = 24 * time.Hour
)

func newEnv(t *testing.T, extra ...Option) *env {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	c := &clock{t: testStart}
	shows := memShows{showID: {
		ID:          showID,
		MovieTitle:  "Arrival",
		StartsAt:    testStart.Add(startLead),
		EndsAt:      testStart.Add(startLead + 2*time.Hour),
		SeatPrice:   150,
		Layout:      testLayout(),
		TheatreName: "Regal",
		ScreenName:  "Screen 1",
	}}
	issuer, err := ticket.NewIssuer("test-secret", "http://localhost:5173")
	if err != nil {
		t.Fatal(err)
	}
	e := &env{
		clock:    c,
		mr:       mr,
		locks:    lockstore.NewRedisLockStore(rdb),
		bookings: newMemBookings(),
		gateway:  newMemGateway(),
		versions: &countingVersions{},
	}
	d := Deps{
		Shows:    shows,
		Bookings: e.bookings,
		Locks:    e.locks,
		Gateway:  e.gateway,
		Versions: e.versions,
		Tickets:  issuer,
	}
	opts := append([]Option{WithLockTTL(lockTTL), WithClock(c.Now)}, extra...)
	e.res = NewReservationService(d, opts...)
	e.pay = NewPaymentService(d, opts...)
	return e
}

// advance moves both the service clock and Redis time.
func (e *env) advance(d time.Duration) {
	e.clock.Advance(d)
	e.mr.FastForward(d)
}
