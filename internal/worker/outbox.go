package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iliyamo/showtime-booking/internal/cache"
	"github.com/iliyamo/showtime-booking/internal/model"
	"github.com/iliyamo/showtime-booking/internal/queue"
	"github.com/iliyamo/showtime-booking/internal/service"
)

// TaskQueue is the outbox table.
type TaskQueue interface {
	Claim(ctx context.Context, now time.Time, visibility time.Duration, limit int) ([]model.OutboxTask, error)
	Complete(ctx context.Context, id string) error
	Retry(ctx context.Context, id, lastErr string, next time.Time) error
	Fail(ctx context.Context, id, lastErr string) error
}

// BookingReader reads bookings and records that the confirmation went out.
type BookingReader interface {
	GetByID(ctx context.Context, id string) (model.Booking, error)
	MarkEmailSent(ctx context.Context, id string) (bool, error)
}

// ContactReader resolves notification recipients.
type ContactReader interface {
	GetContact(ctx context.Context, id uint64) (model.Contact, error)
}

// Notifier hands notifications to the mail service.
type Notifier interface {
	Enqueue(ctx context.Context, n queue.Notification) error
}

// OutboxConfig tunes the outbox worker.
type OutboxConfig struct {
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
	// Visibility is how long a claimed task stays invisible to other
	// workers before it is considered abandoned.
	Visibility  time.Duration
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Currency    string
}

// DefaultOutboxConfig returns the default configuration.
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		Interval:    2 * time.Second,
		BatchSize:   50,
		MaxAttempts: 5,
		Visibility:  time.Minute,
		BaseBackoff: 5 * time.Second,
		MaxBackoff:  5 * time.Minute,
		Currency:    "inr",
	}
}

// OutboxDeps are the collaborators of the outbox worker.
type OutboxDeps struct {
	Tasks    TaskQueue
	Bookings BookingReader
	Shows    service.ShowReader
	Contacts ContactReader
	Locks    SeatReleaser
	Notifier Notifier
	Tickets  service.TicketIssuer
	Versions service.VersionBumper
}

// errPermanent marks a task that can never succeed.
var errPermanent = errors.New("permanent task failure")

// Outbox runs the work a confirmation schedules: releasing the seat
// locks, issuing the ticket and notifying the customer.  Tasks are claimed
// atomically so several workers may run side by side.
type Outbox struct {
	deps OutboxDeps
	cfg  OutboxConfig
	log  *zap.Logger
	now  func() time.Time

	wake    chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewOutbox creates an outbox worker.
func NewOutbox(deps OutboxDeps, cfg OutboxConfig, log *zap.Logger) *Outbox {
	def := DefaultOutboxConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = def.Visibility
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.Currency == "" {
		cfg.Currency = def.Currency
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Outbox{
		deps:   deps,
		cfg:    cfg,
		log:    log.Named("outbox").With(zap.String("worker_id", newWorkerID())),
		now:    time.Now,
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
}

// Wake asks the worker to poll now instead of at the next tick.  It never
// blocks.
func (o *Outbox) Wake() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// Start launches the poll loop.
func (o *Outbox) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return errors.New("outbox worker already running")
	}
	o.running = true
	o.mu.Unlock()

	o.log.Info("starting outbox worker", zap.Duration("interval", o.cfg.Interval))
	o.wg.Add(1)
	go o.loop(ctx)
	return nil
}

// Stop ends the loop and waits for the current batch.
func (o *Outbox) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	o.mu.Unlock()

	close(o.stopCh)
	o.wg.Wait()
	o.log.Info("outbox worker stopped")
}

func (o *Outbox) loop(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := o.RunOnce(ctx); err != nil && ctx.Err() == nil {
			o.log.Error("outbox poll failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case <-ticker.C:
		case <-o.wake:
		}
	}
}

// RunOnce claims one batch and processes it.  It returns the number of
// tasks completed.
func (o *Outbox) RunOnce(ctx context.Context) (int, error) {
	tasks, err := o.deps.Tasks.Claim(ctx, o.now(), o.cfg.Visibility, o.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claim outbox tasks: %w", err)
	}
	done := 0
	for _, t := range tasks {
		if o.settle(ctx, t, o.process(ctx, t)) {
			done++
		}
	}
	return done, nil
}

// settle records the outcome of a task.  It reports whether the task
// completed.
func (o *Outbox) settle(ctx context.Context, t model.OutboxTask, procErr error) bool {
	ctx = context.WithoutCancel(ctx)
	log := o.log.With(zap.String("task_id", t.ID), zap.String("kind", t.Kind), zap.String("booking_id", t.BookingID))
	if procErr == nil {
		if err := o.deps.Tasks.Complete(ctx, t.ID); err != nil {
			log.Warn("complete outbox task failed", zap.Error(err))
		}
		return true
	}
	if errors.Is(procErr, errPermanent) || t.Attempts >= o.cfg.MaxAttempts {
		log.Error("outbox task failed permanently",
			zap.Int("attempts", t.Attempts), zap.Bool("alert", true), zap.Error(procErr))
		if err := o.deps.Tasks.Fail(ctx, t.ID, procErr.Error()); err != nil {
			log.Warn("park outbox task failed", zap.Error(err))
		}
		return false
	}
	next := o.now().Add(o.backoff(t.Attempts))
	log.Warn("outbox task failed, retrying",
		zap.Int("attempts", t.Attempts), zap.Time("next", next), zap.Error(procErr))
	if err := o.deps.Tasks.Retry(ctx, t.ID, procErr.Error(), next); err != nil {
		log.Warn("reschedule outbox task failed", zap.Error(err))
	}
	return false
}

// backoff is BaseBackoff doubled per attempt, capped at MaxBackoff.
func (o *Outbox) backoff(attempts int) time.Duration {
	d := o.cfg.BaseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= o.cfg.MaxBackoff {
			return o.cfg.MaxBackoff
		}
	}
	return d
}

func (o *Outbox) process(ctx context.Context, t model.OutboxTask) error {
	b, err := o.deps.Bookings.GetByID(ctx, t.BookingID)
	if err != nil {
		return fmt.Errorf("load booking: %w", err)
	}
	switch t.Kind {
	case model.TaskBookingConfirmed:
		return o.confirmed(ctx, b)
	case model.TaskShowReminder:
		return o.reminder(ctx, b)
	default:
		return fmt.Errorf("%w: unknown task kind %q", errPermanent, t.Kind)
	}
}

// confirmed finishes a confirmation: the seats move from the lock store to
// the confirmed record and the customer receives the ticket once.
func (o *Outbox) confirmed(ctx context.Context, b model.Booking) error {
	if b.Status != model.StatusConfirmed {
		return fmt.Errorf("%w: booking is %s", errPermanent, b.Status)
	}
	if _, err := o.deps.Locks.Unlock(ctx, b.ShowID, b.Seats, service.Holder(b.UserID)); err != nil {
		return fmt.Errorf("release seat locks: %w", err)
	}
	if !b.EmailSent {
		if err := o.notify(ctx, queue.TypeBookingConfirmed, b, true); err != nil {
			return err
		}
		if _, err := o.deps.Bookings.MarkEmailSent(ctx, b.ID); err != nil {
			return fmt.Errorf("mark email sent: %w", err)
		}
	}
	if o.deps.Versions != nil {
		if _, err := o.deps.Versions.Bump(ctx, cache.NSBookings); err != nil {
			o.log.Warn("bump bookings cache version failed", zap.Error(err))
		}
	}
	return nil
}

// reminder notifies the customer ahead of the show.  Bookings that did
// not end up confirmed are skipped.
func (o *Outbox) reminder(ctx context.Context, b model.Booking) error {
	if b.Status != model.StatusConfirmed {
		o.log.Info("skip reminder for unconfirmed booking", zap.String("booking_id", b.ID), zap.String("status", string(b.Status)))
		return nil
	}
	return o.notify(ctx, queue.TypeShowReminder, b, false)
}

func (o *Outbox) notify(ctx context.Context, kind string, b model.Booking, attachQR bool) error {
	contact, err := o.deps.Contacts.GetContact(ctx, b.UserID)
	if err != nil {
		return fmt.Errorf("load contact: %w", err)
	}
	if contact.Email == "" {
		return fmt.Errorf("%w: user %d has no email", errPermanent, b.UserID)
	}
	show, err := o.deps.Shows.GetByID(ctx, b.ShowID)
	if err != nil {
		return fmt.Errorf("load show: %w", err)
	}
	tk, err := o.deps.Tickets.Issue(b.ID)
	if err != nil {
		return fmt.Errorf("issue ticket: %w", err)
	}

	subject, body, err := queue.Render(kind, queue.TicketView{
		BookingID:   b.ID,
		Name:        contact.Name,
		MovieTitle:  show.MovieTitle,
		TheatreName: show.TheatreName,
		ScreenName:  show.ScreenName,
		StartsAt:    show.StartsAt,
		Seats:       b.Seats,
		TotalAmount: b.TotalAmount,
		Currency:    o.cfg.Currency,
		TicketURL:   tk.URL,
		TicketCode:  tk.Code,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", errPermanent, err)
	}
	n := queue.Notification{
		Type:         kind,
		BookingID:    b.ID,
		To:           contact.Email,
		Subject:      subject,
		RenderedBody: body,
	}
	if attachQR {
		n.Attachments = []queue.Attachment{{
			Filename:    fmt.Sprintf("ticket-%s.png", b.ID),
			ContentType: "image/png",
			Content:     tk.PNG,
		}}
	}
	if err := o.deps.Notifier.Enqueue(ctx, n); err != nil {
		return fmt.Errorf("enqueue notification: %w", err)
	}
	o.log.Info("notification enqueued", zap.String("type", kind), zap.String("booking_id", b.ID))
	return nil
}

// newWorkerID names a worker instance in logs.
func newWorkerID() string { return uuid.NewString()[:8] }
