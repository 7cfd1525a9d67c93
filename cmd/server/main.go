package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/example/ride-share/internal/auth"
	"github.com/example/ride-share/internal/booking"
	"github.com/example/ride-share/internal/config"
	"github.com/example/ride-share/internal/dispatch"
	"github.com/example/ride-share/internal/events"
	"github.com/example/ride-share/internal/geo"
	httpapi "github.com/example/ride-share/internal/http"
	"github.com/example/ride-share/internal/idempotency"
	"github.com/example/ride-share/internal/logging"
	"github.com/example/ride-share/internal/notify"
	"github.com/example/ride-share/internal/payments"
	"github.com/example/ride-share/internal/reconcile"
	"github.com/example/ride-share/internal/storage"
	"github.com/example/ride-share/internal/verify"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

// closers run in reverse registration order on shutdown.
type closers []func(context.Context) error

func (c *closers) add(fn func(context.Context) error) { *c = append(*c, fn) }

func (c closers) run(ctx context.Context, logger *slog.Logger) {
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i](ctx); err != nil {
			logger.Warn("shutdown step failed", "error", err)
		}
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	var cleanup closers
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		cleanup.run(shutdownCtx, logger)
	}()

	var (
		store     storage.Store
		directory notify.Directory = notify.StaticDirectory{}
		readiness []func(context.Context) error
	)
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		cleanup.add(func(context.Context) error { return ps.Close() })
		if cfg.RunMigrations {
			applied, err := storage.ApplyMigrations(ctx, ps.DB(), "migrations")
			if err != nil {
				return err
			}
			logger.Info("migrations applied", "files", applied)
		}
		store, directory = ps, ps
		readiness = append(readiness, func(ctx context.Context) error { return ps.DB().PingContext(ctx) })
		logger.Info("using postgres store")
	} else {
		store = storage.NewMemoryStore()
		logger.Warn("PG_DSN not set, using in-memory store")
	}

	var (
		verifier booking.Verifier
		idem     idempotency.Store
		index    geo.Index
	)
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		cleanup.add(func(context.Context) error { return rc.Close() })
		verifier = verify.NewRedisVerifier(rc, cfg.VerificationTTL)
		idem = idempotency.NewRedisStore(rc, cfg.IdempotencyTTL)
		index = geo.NewRedisIndex(rc, cfg.RedisGeoKey)
		readiness = append(readiness, func(ctx context.Context) error { return rc.Ping(ctx).Err() })
	} else {
		verifier = verify.NewMemoryVerifier(cfg.VerificationTTL)
		idem = idempotency.NewMemoryStore(cfg.IdempotencyTTL)
		index = geo.NewMemoryIndex()
	}

	hub := dispatch.NewWSHub()
	sinks := []dispatch.Sink{
		&dispatch.LogSink{Logger: logger},
		hub,
		&geo.IndexSink{Index: index},
	}
	if cfg.WebhookURL != "" {
		sinks = append(sinks, dispatch.NewWebhookSink(cfg.WebhookURL, cfg.WebhookKey))
	}
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		cleanup.add(func(context.Context) error { return kp.Close() })
		sinks = append(sinks, kp)
	}
	if cfg.AMQPURL != "" {
		ap, err := events.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return fmt.Errorf("connect amqp: %w", err)
		}
		cleanup.add(func(context.Context) error { return ap.Close() })
		sinks = append(sinks, ap)
	}
	if cfg.SMTP.Enabled() {
		client, err := notify.NewSMTPClient(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Username, cfg.SMTP.Password)
		if err != nil {
			return err
		}
		sinks = append(sinks, &notify.Mailer{
			Sender:    client,
			Directory: directory,
			From:      cfg.SMTP.From,
			FromName:  cfg.SMTP.FromName,
			Logger:    logger,
		})
	}
	if cfg.StripeAPIKey != "" {
		sinks = append(sinks, &payments.Hook{
			Processor: payments.NewStripeClient(cfg.StripeAPIKey),
			Ledger:    store,
			Logger:    logger,
		})
	}
	fanout := dispatch.NewFanout(logger, cfg.EventTimeout, sinks...)
	// registered after the publishers so pending deliveries drain before they close
	cleanup.add(fanout.Close)

	svc := &booking.Service{
		Store:    store,
		Verifier: verifier,
		Events:   fanout,
		Logger:   logger,
		Currency: cfg.Currency,
	}

	if cfg.ReconcileInterval > 0 {
		sched, err := reconcile.Start(&reconcile.Sweeper{Service: svc, Logger: logger}, cfg.ReconcileInterval)
		if err != nil {
			return fmt.Errorf("start reconciler: %w", err)
		}
		cleanup.add(func(context.Context) error { return sched.Shutdown() })
	}

	var authn *auth.Authenticator
	if cfg.JWTSecret != "" {
		authn = auth.New(cfg.JWTSecret, cfg.JWTIssuer)
	}
	if cfg.AllowUserHeader {
		logger.Warn("X-User-ID header authentication enabled")
	}

	api := httpapi.NewServer(httpapi.Options{
		Bookings:        svc,
		Auth:            authn,
		Idempotency:     idem,
		Hub:             hub,
		Geo:             index,
		Logger:          logger,
		AllowUserHeader: cfg.AllowUserHeader,
		Ready: func(ctx context.Context) error {
			for _, check := range readiness {
				if err := check(ctx); err != nil {
					return err
				}
			}
			return nil
		},
	})
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride-share listening", "addr", cfg.HTTPAddr, "sinks", len(sinks))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
