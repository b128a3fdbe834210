package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/plugins/migratecmd"
	"github.com/redis/go-redis/v9"

	"bus-ticket/config"
	"bus-ticket/internal/booking"
	"bus-ticket/internal/events"
	"bus-ticket/internal/handlers"
	"bus-ticket/internal/lease"
	"bus-ticket/internal/lockstore"
	"bus-ticket/internal/realtime"
	"bus-ticket/internal/services/payment"
	"bus-ticket/monitoring"
	"bus-ticket/security"
	"bus-ticket/utils"

	_ "bus-ticket/migrations"
)

// services is everything the server and the ops commands share.
type services struct {
	cfg   *config.Config
	clock clockwork.Clock

	redis    *redis.Client
	hub      *realtime.Hub
	pubnub   *realtime.PubNubTransport
	locks    lockstore.Store
	sweeper  *lockstore.Sweeper
	leases   *lease.Manager
	server   *realtime.Server
	sessions lease.SessionStore
	ctrl     *booking.Controller
	notifier *events.AMQPPublisher
	routes   *handlers.Routes
}

func Start() error {
	app := pocketbase.New()

	// Load configuration
	cfg := config.LoadConfig()
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := newServices(ctx, app, cfg, clockwork.NewRealClock())
	if err != nil {
		return err
	}
	defer svc.close()

	// Enable migrations
	migratecmd.MustRegister(app, app.RootCmd, migratecmd.Config{
		Automigrate: cfg.Environment == "development",
	})
	app.RootCmd.AddCommand(newSweepCmd(svc), newReconcileCmd(svc), newHoldCmd(svc))

	// Setup graceful shutdown
	go handleShutdown(cancel)

	app.OnServe().BindFunc(func(se *core.ServeEvent) error {
		svc.routes.Register(se.Router)
		svc.runBackground(ctx)

		log.Println("Server routes registered")
		return se.Next()
	})

	// Start server
	if err := app.Start(); err != nil {
		log.Fatal(err)
	}
	return nil
}

func newServices(ctx context.Context, app core.App, cfg *config.Config, clock clockwork.Clock) (*services, error) {
	svc := &services{cfg: cfg, clock: clock}

	// Initialize Redis. The memory backend runs without it.
	rdb, err := utils.NewRedisClient(ctx, cfg.RedisURL, cfg.RedisPassword, cfg.RedisDB)
	switch {
	case err == nil:
		svc.redis = rdb
	case cfg.LockBackend == "redis":
		return nil, fmt.Errorf("connect redis: %w", err)
	default:
		log.Printf("Redis unavailable, running without it: %v", err)
	}

	// Seat events fan out through PubNub when it is configured, otherwise
	// straight into the in-process hub.
	svc.hub = realtime.NewHub(64, slog.Default())
	var pub lockstore.Publisher = svc.hub
	if cfg.PubNubPublishKey != "" && cfg.PubNubSubscribeKey != "" {
		msg := realtime.NewPubNubMessenger(cfg.PubNubPublishKey, cfg.PubNubSubscribeKey, cfg.PubNubSecretKey, cfg.PubNubUserID)
		svc.pubnub = realtime.NewPubNubTransport(msg, svc.hub, slog.Default())
		pub = svc.pubnub
	}

	if cfg.LockBackend == "redis" {
		svc.locks = lockstore.NewRedisStore(svc.redis, clock, pub)
	} else {
		svc.locks = lockstore.NewMemoryStore(clock, pub)
	}
	svc.sweeper = lockstore.NewSweeper(svc.locks, clock, cfg.SweepInterval, slog.Default())

	svc.leases = lease.NewManager(svc.locks, lease.Options{
		TTL:           cfg.LockTTL,
		RenewInterval: cfg.RenewInterval,
		CallTimeout:   cfg.LockCallTimeout,
		Retries:       cfg.RenewRetries,
		Clock:         clock,
	})
	svc.server = realtime.NewServer(svc.locks, svc.hub, cfg.LockTTL, clock)
	if svc.redis != nil {
		svc.sessions = lease.NewRedisSessionStore(svc.redis, clock, cfg.IntentGrace)
	} else {
		svc.sessions = lease.NewMemorySessionStore(clock)
	}

	// Payment providers
	bypass := payment.NewBypass(cfg.PaymentBypass, clock)
	registry := payment.NewRegistry(bypass)
	if cfg.Momo.PartnerCode != "" {
		breaker := utils.NewCircuitBreaker("momo", utils.WithClock(clock))
		registry.Register(payment.NewMomoClient(payment.MomoConfig{
			Endpoint:    cfg.Momo.Endpoint,
			PartnerCode: cfg.Momo.PartnerCode,
			AccessKey:   cfg.Momo.AccessKey,
			SecretKey:   cfg.Momo.SecretKey,
			RedirectURL: cfg.Momo.RedirectURL,
			IPNURL:      cfg.Momo.IPNURL,
			RequestType: cfg.Momo.RequestType,
			Timeout:     cfg.PaymentTimeout,
		}, breaker, clock))
	}

	opts := booking.Options{
		TTL:         cfg.LockTTL,
		IntentGrace: cfg.IntentGrace,
		Payments:    registry,
		Bypass:      bypass,
		Clock:       clock,
	}
	if cfg.FarePerSeat.IsPositive() {
		opts.Pricer = booking.FlatFare{PerSeat: cfg.FarePerSeat}
	}
	if cfg.AMQPURL != "" {
		svc.notifier = events.NewAMQPPublisher(cfg.AMQPURL, clock, slog.Default())
		opts.Notifier = svc.notifier
	}
	svc.ctrl = booking.NewController(booking.NewRecordStore(app, clock), svc.locks, opts)

	var guests *security.GuestTokens
	if cfg.GuestTokenSecret != "" {
		guests, err = security.NewGuestTokens(cfg.GuestTokenSecret, cfg.GuestTokenTTL, clock)
		if err != nil {
			return nil, err
		}
	} else {
		log.Println("GUEST_TOKEN_SECRET is not set, guest checkout is disabled")
	}
	identity := handlers.NewIdentity(guests)

	var limiter *security.RateLimiter
	if svc.redis != nil {
		limiter = security.NewRateLimiter(svc.redis, cfg.AcquireRateLimit, time.Minute)
	}

	svc.routes = &handlers.Routes{
		Identity:      identity,
		Seats:         handlers.NewSeatHandler(svc.leases, svc.server, svc.sessions, limiter, identity, cfg.RenewInterval, clock),
		Bookings:      handlers.NewBookingHandler(svc.ctrl, registry, svc.sessions, identity),
		Admin:         handlers.NewAdminHandler(svc.ctrl, svc.sweeper),
		EnableMetrics: cfg.EnableMetrics,
		Bypass:        cfg.PaymentBypass,
	}
	if svc.redis != nil {
		svc.routes.Redis = svc.redis
	}
	return svc, nil
}

// runBackground starts the loops that keep seats and bookings consistent
// while the server runs.
func (s *services) runBackground(ctx context.Context) {
	if s.pubnub != nil {
		go s.pubnub.Run(ctx)
	}
	go s.sweeper.Run(ctx)
	go s.reconcileLoop(ctx)
	if s.cfg.EnableMetrics {
		var rdb redis.Cmdable
		if s.redis != nil && s.cfg.LockBackend == "redis" {
			rdb = s.redis
		}
		go monitoring.NewMonitor(rdb, s.clock).Run(ctx)
	}
}

func (s *services) reconcileLoop(ctx context.Context) {
	ticker := s.clock.NewTicker(s.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if n, err := s.ctrl.ExpireStale(ctx); err != nil {
				slog.Error("Failed to expire stale bookings", "error", err)
			} else if n > 0 {
				slog.Info("Expired stale bookings", "count", n)
			}
			if n, err := s.ctrl.Reconcile(ctx); err != nil {
				slog.Error("Failed to reconcile bookings", "error", err)
			} else if n > 0 {
				slog.Info("Reconciled bookings", "count", n)
			}
		}
	}
}

func (s *services) close() {
	if s.notifier != nil {
		if err := s.notifier.Close(); err != nil {
			slog.Warn("Failed to close AMQP publisher", "error", err)
		}
	}
	if s.redis != nil {
		s.redis.Close()
	}
}

func handleShutdown(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down gracefully...")
	cancel()
}
