// Package worker runs the background loops of the reservation pipeline:
// the expiry sweeper and the outbox worker.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/showtime-booking/internal/cache"
	"github.com/iliyamo/showtime-booking/internal/model"
	"github.com/iliyamo/showtime-booking/internal/service"
)

// StaleExpirer expires lapsed PENDING bookings in one conditional update
// and lists a user's bookings that are still open.
type StaleExpirer interface {
	ExpireStale(ctx context.Context, now time.Time, limit int) ([]model.Booking, error)
	FindOpen(ctx context.Context, userID, showID uint64, now time.Time) ([]model.Booking, error)
}

// SeatReleaser drops lock store entries still held by a holder.
type SeatReleaser interface {
	Unlock(ctx context.Context, showID uint64, seats []string, holder string) (int, error)
}

// SweeperConfig tunes the expiry sweeper.
type SweeperConfig struct {
	// Interval between sweeps.
	Interval time.Duration
	// BatchSize caps the bookings expired per statement.
	BatchSize int
	// MaxBatches caps the statements run per sweep.
	MaxBatches int
}

// DefaultSweeperConfig returns the default configuration.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{Interval: 30 * time.Second, BatchSize: 500, MaxBatches: 10}
}

// SweepStats summarises the sweeper's activity.
type SweepStats struct {
	TotalExpired int64     `json:"total_expired"`
	LastSweep    time.Time `json:"last_sweep"`
	LastError    string    `json:"last_error,omitempty"`
}

// Sweeper moves lapsed PENDING bookings to EXPIRED so the durable record
// agrees with the lock store's own TTL expiry.
type Sweeper struct {
	bookings StaleExpirer
	locks    SeatReleaser
	versions service.VersionBumper
	cfg      SweeperConfig
	log      *zap.Logger
	now      func() time.Time

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	stats   SweepStats
}

// NewSweeper creates a sweeper.  locks and versions may be nil.
func NewSweeper(bookings StaleExpirer, locks SeatReleaser, versions service.VersionBumper, cfg SweeperConfig, log *zap.Logger) *Sweeper {
	def := DefaultSweeperConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxBatches <= 0 {
		cfg.MaxBatches = def.MaxBatches
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{
		bookings: bookings,
		locks:    locks,
		versions: versions,
		cfg:      cfg,
		log:      log.Named("sweeper"),
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the sweep loop.  The first sweep runs immediately.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("sweeper already running")
	}
	s.running = true
	s.mu.Unlock()

	s.log.Info("starting expiry sweeper", zap.Duration("interval", s.cfg.Interval))
	s.wg.Add(1)
	go s.loop(ctx)
	return nil
}

// Stop ends the loop and waits for an in-flight sweep.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	s.log.Info("expiry sweeper stopped")
}

// Stats returns a snapshot of the sweeper's counters.
func (s *Sweeper) Stats() SweepStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs one sweep; a failure is logged and retried next tick.
func (s *Sweeper) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("sweep panicked", zap.Any("panic", r))
		}
	}()
	if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
		s.log.Error("sweep failed", zap.Error(err))
	}
}

// Sweep expires every lapsed booking, batch by batch, and returns how many
// it expired.  Lock store entries of expired bookings are released on a
// best-effort basis; their TTL removes them anyway.  Seats the same user
// holds again through a newer open booking keep their entry.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	total := 0
	var sweepErr error
	for i := 0; i < s.cfg.MaxBatches; i++ {
		now := s.now().UTC()
		expired, err := s.bookings.ExpireStale(ctx, now, s.cfg.BatchSize)
		if err != nil {
			sweepErr = err
			break
		}
		for _, b := range expired {
			s.release(ctx, b, now)
		}
		total += len(expired)
		if len(expired) < s.cfg.BatchSize {
			break
		}
	}

	if total > 0 {
		if s.versions != nil {
			if _, err := s.versions.Bump(ctx, cache.NSBookings); err != nil {
				s.log.Warn("bump bookings cache version failed", zap.Error(err))
			}
		}
		s.log.Info("expired stale bookings", zap.Int("count", total))
	}

	s.mu.Lock()
	s.stats.TotalExpired += int64(total)
	s.stats.LastSweep = s.now().UTC()
	s.stats.LastError = ""
	if sweepErr != nil {
		s.stats.LastError = sweepErr.Error()
	}
	s.mu.Unlock()
	return total, sweepErr
}

// release drops the entries of an expired booking.  The holder is the
// user, so seats backing one of the user's open bookings are skipped.
func (s *Sweeper) release(ctx context.Context, b model.Booking, now time.Time) {
	if s.locks == nil || len(b.Seats) == 0 {
		return
	}
	open, err := s.bookings.FindOpen(ctx, b.UserID, b.ShowID, now)
	if err != nil {
		s.log.Warn("list open bookings failed", zap.String("booking_id", b.ID), zap.Error(err))
		return
	}
	seats := unbacked(b.Seats, open)
	if len(seats) == 0 {
		return
	}
	if _, err := s.locks.Unlock(ctx, b.ShowID, seats, service.Holder(b.UserID)); err != nil {
		s.log.Warn("release expired booking locks failed", zap.String("booking_id", b.ID), zap.Error(err))
	}
}

func unbacked(seats []string, open []model.Booking) []string {
	live := make(map[string]struct{})
	for _, b := range open {
		for _, seat := range b.Seats {
			live[seat] = struct{}{}
		}
	}
	out := make([]string, 0, len(seats))
	for _, seat := range seats {
		if _, ok := live[seat]; !ok {
			out = append(out, seat)
		}
	}
	return out
}
