package main // Entry point package

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4" // Echo web framework
	"go.uber.org/zap"

	"github.com/iliyamo/showtime-booking/internal/cache"
	"github.com/iliyamo/showtime-booking/internal/config" // Internal config loader
	"github.com/iliyamo/showtime-booking/internal/database"
	"github.com/iliyamo/showtime-booking/internal/handler"
	"github.com/iliyamo/showtime-booking/internal/lockstore"
	"github.com/iliyamo/showtime-booking/internal/logger"
	"github.com/iliyamo/showtime-booking/internal/middleware"
	"github.com/iliyamo/showtime-booking/internal/payment"
	"github.com/iliyamo/showtime-booking/internal/queue"
	"github.com/iliyamo/showtime-booking/internal/repository"
	"github.com/iliyamo/showtime-booking/internal/router" // Internal router setup
	"github.com/iliyamo/showtime-booking/internal/service"
	"github.com/iliyamo/showtime-booking/internal/ticket"
	"github.com/iliyamo/showtime-booking/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load() // Load environment config
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Stores.  Redis holds the seat locks, so it is not optional.
	db, err := database.Open(ctx, database.Options{
		User:     cfg.DBUser,
		Password: cfg.DBPass,
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		Name:     cfg.DBName,
	})
	if err != nil {
		return fmt.Errorf("mysql: %w", err)
	}
	defer db.Close()
	if err := database.Migrate(ctx, db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	rdb, err := config.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	defer rdb.Close()

	gateway, err := payment.NewStripeGateway(payment.StripeConfig{SecretKey: cfg.StripeSecretKey, Currency: cfg.Currency})
	if err != nil {
		return err
	}
	issuer, err := ticket.NewIssuer(cfg.TicketSecret, cfg.FrontendURL)
	if err != nil {
		return err
	}
	publisher := queue.NewPublisher(cfg.RabbitURL, log)
	defer publisher.Close()

	shows := repository.NewShowRepo(db)
	bookings := repository.NewBookingRepo(db)
	locks := lockstore.NewRedisLockStore(rdb)
	versions := cache.NewVersionStore(rdb)

	outbox := worker.NewOutbox(worker.OutboxDeps{
		Tasks:    repository.NewOutboxRepo(db),
		Bookings: bookings,
		Shows:    shows,
		Contacts: repository.NewUserRepo(db),
		Locks:    locks,
		Notifier: publisher,
		Tickets:  issuer,
		Versions: versions,
	}, worker.OutboxConfig{
		Interval:    cfg.OutboxInterval,
		BatchSize:   cfg.OutboxBatch,
		MaxAttempts: cfg.OutboxMaxAttempts,
		Currency:    cfg.Currency,
	}, log)
	sweeper := worker.NewSweeper(bookings, locks, versions, worker.SweeperConfig{Interval: cfg.SweepInterval}, log)

	deps := service.Deps{
		Shows:    shows,
		Bookings: bookings,
		Locks:    locks,
		Gateway:  gateway,
		Versions: versions,
		Tickets:  issuer,
		Log:      log,
	}
	opts := []service.Option{
		service.WithLockTTL(cfg.SeatLockTTL),
		service.WithMaxSeats(cfg.MaxSeatsPerBooking),
		service.WithCurrency(cfg.Currency),
		service.WithReminderLead(cfg.ReminderLead),
		service.WithOnConfirmed(outbox.Wake),
	}
	reservations := service.NewReservationService(deps, opts...)
	payments := service.NewPaymentService(deps, opts...)

	// Background work.
	if err := sweeper.Start(ctx); err != nil {
		return err
	}
	defer sweeper.Stop()
	if err := outbox.Start(ctx); err != nil {
		return err
	}
	defer outbox.Stop()
	consumer := queue.NewConsumer(cfg.RabbitURL, cfg.NotificationLogDir, log)
	go consumer.Run(ctx)

	// HTTP.
	e := echo.New() // Create Echo instance
	e.HideBanner = true
	e.Validator = handler.NewValidator()
	e.Use(middleware.RequestID(), middleware.Logger(log.Named("http")))

	health := handler.NewHealthHandler(map[string]func(context.Context) error{
		"mysql": db.PingContext,
		"redis": func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	})
	router.RegisterRoutes(e, health, handler.NewWebhookHandler(payments, cfg.StripeWebhookSecret, log))
	router.RegisterPublic(e, handler.NewPublicHandler(shows, log), middleware.NewRedisCache(cfg.Cache, rdb, versions, cache.NSShows, log))
	router.RegisterCustomer(e, handler.NewBookingHandler(reservations, payments, log), cfg.JWTSecret, router.CustomerMiddleware{
		RateLimit:    middleware.NewTokenBucket(cfg.RateLimit, rdb, log),
		BookingCache: middleware.NewRedisCache(cfg.Cache, rdb, versions, cache.NSBookings, log),
	})

	addr := ":" + cfg.Port // Address string with port
	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", addr), zap.String("env", cfg.Env), zap.Duration("seat_lock_ttl", cfg.SeatLockTTL))
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Warn("forced shutdown", zap.Error(err))
	}
	return nil
}
