package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/booking"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/location"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/tracking"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("close failed", "error", err)
			}
		}
	}()

	locations, err := newLocationStore(ctx, cfg, logger, &closers)
	if err != nil {
		logger.Error("location store", "error", err)
		os.Exit(1)
	}
	rides, err := newRideStore(ctx, cfg, logger, &closers)
	if err != nil {
		logger.Error("ride store", "error", err)
		os.Exit(1)
	}

	speeds := geo.SpeedProfiles{PickupKmh: cfg.PickupSpeedKmh, TripKmh: cfg.TripSpeedKmh}
	estimator := &eta.Estimator{
		Provider: newRouteProvider(cfg, logger),
		Cache:    eta.NewCache(cfg.RouteCacheTTL),
		Speeds:   speeds,
		Logger:   logger,
	}

	machine := lifecycle.NewMachine(rides, geo.DefaultRateTables(), estimator, logger)
	finder := matcher.NewFinder(locations, cfg.StaleAfter, speeds)
	wsreg := dispatch.NewWSRegistry(logger)

	sessions := tracking.NewManager(tracking.Config{
		Interval:     cfg.TrackingInterval,
		TickTimeout:  cfg.TrackingTickTimeout,
		RadiusMeters: cfg.SearchRadiusMeters,
		StaleAfter:   cfg.StaleAfter,
	}, rides, tracking.Deps{
		Finder:    finder,
		Locations: locations,
		Estimator: estimator,
		Logger:    logger,
	}, wsreg)
	defer sessions.Close()

	svc := &booking.Service{
		Lifecycle:  machine,
		Locations:  locations,
		Sessions:   sessions,
		Notifier:   newNotifier(ctx, cfg, logger, &closers),
		Speeds:     speeds,
		StaleAfter: cfg.StaleAfter,
		Logger:     logger,
	}
	if cfg.StripeAPIKey != "" {
		svc.Payments = payments.NewStripeGateway(cfg.StripeAPIKey)
		logger.Info("fare holds via stripe")
	}

	var publisher ingest.Publisher = ingest.DirectPublisher{Store: locations}
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		closers = append(closers, kp.Close)
		publisher = kp
		logger.Info("location updates go through kafka", "topic", cfg.KafkaTopic)
	}

	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET not set, trusting X-Actor-ID header")
	}

	api := httpapi.NewServer(httpapi.Deps{
		Booking:      svc,
		Lifecycle:    machine,
		Finder:       finder,
		Sessions:     sessions,
		Ingest:       publisher,
		WSReg:        wsreg,
		Auth:         auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer),
		RadiusMeters: cfg.SearchRadiusMeters,
	}, logger)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
}

func newLocationStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger, closers *[]func() error) (location.Store, error) {
	if cfg.RedisAddr == "" {
		logger.Info("using in-memory location store")
		return location.NewMemoryStore(), nil
	}
	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rc.Ping(pingCtx).Err(); err != nil {
		_ = rc.Close()
		return nil, err
	}
	*closers = append(*closers, rc.Close)
	logger.Info("using redis location store", "addr", cfg.RedisAddr)
	return location.NewRedisStore(rc, cfg.RedisGeoKey, logger), nil
}

func newRideStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger, closers *[]func() error) (storage.RideStore, error) {
	if cfg.PGDSN == "" {
		logger.Info("using in-memory ride store")
		return storage.NewMemoryStore(), nil
	}
	ps, err := storage.NewPostgresStore(cfg.PGDSN, logger)
	if err != nil {
		return nil, err
	}
	*closers = append(*closers, ps.Close)
	if cfg.RunMigrations {
		if err := ps.Migrate(ctx); err != nil {
			return nil, err
		}
		logger.Info("migrations applied")
	}
	return ps, nil
}

func newRouteProvider(cfg config.ServerConfig, logger *slog.Logger) eta.Provider {
	switch {
	case cfg.OSRMEndpoint != "":
		logger.Info("routing via osrm", "endpoint", cfg.OSRMEndpoint)
		return eta.NewOSRMClient(cfg.OSRMEndpoint)
	case cfg.GoogleMapsAPIKey != "":
		g, err := eta.NewGoogleMaps(cfg.GoogleMapsAPIKey)
		if err != nil {
			logger.Warn("google maps client", "error", err)
			return nil
		}
		logger.Info("routing via google maps")
		return g
	default:
		logger.Info("no routing provider configured, using straight-line estimates")
		return nil
	}
}

func newNotifier(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger, closers *[]func() error) dispatch.Notifier {
	notifiers := dispatch.Multi{dispatch.LogNotifier{Logger: logger}}
	if cfg.AMQPURL != "" {
		if n, err := dispatch.NewAMQPNotifier(cfg.AMQPURL, cfg.AMQPExchange); err != nil {
			logger.Warn("amqp notifier disabled", "error", err)
		} else {
			*closers = append(*closers, n.Close)
			notifiers = append(notifiers, n)
		}
	}
	if cfg.FirebaseProject != "" {
		if n, err := dispatch.NewFCMNotifier(ctx, cfg.FirebaseProject, cfg.FirebaseCredFile); err != nil {
			logger.Warn("fcm notifier disabled", "error", err)
		} else {
			notifiers = append(notifiers, n)
		}
	}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, dispatch.NewWebhookNotifier(cfg.WebhookURL))
	}
	return notifiers
}
