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
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-share/internal/config"
	"github.com/example/ride-share/internal/events"
	"github.com/example/ride-share/internal/logging"
	"github.com/example/ride-share/internal/models"
	"github.com/example/ride-share/internal/notify"
	"github.com/example/ride-share/internal/storage"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total ride event messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	mailsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_mail_deliveries_total",
		Help: "Total events whose notification mails were sent",
	})
	mailErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_mail_errors_total",
		Help: "Total events whose mails could not be sent after retries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, mailsSent, mailErrors)
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	var (
		directory notify.Directory = notify.StaticDirectory{}
		ready                      = func(context.Context) error { return nil }
	)
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("connect postgres", "error", err)
			os.Exit(1)
		}
		defer ps.Close()
		directory = ps
		ready = func(ctx context.Context) error { return ps.DB().PingContext(ctx) }
	} else {
		logger.Warn("PG_DSN not set, no contact directory; mails will be skipped")
	}

	client, err := notify.NewSMTPClient(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Username, cfg.SMTP.Password)
	if err != nil {
		logger.Error("smtp client", "error", err)
		os.Exit(1)
	}
	mailer := &notify.Mailer{
		Sender:    client,
		Directory: directory,
		From:      cfg.SMTP.From,
		FromName:  cfg.SMTP.FromName,
		Logger:    logger,
	}

	// start metrics and health server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := ready(r.Context()); err != nil {
				http.Error(w, "database not ready", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 10e3, MaxBytes: 10e6})
	defer r.Close()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		// reset backoff on success
		backoff = time.Second

		msgsConsumed.Inc()
		switch err := handleMessage(ctx, mailer, m.Value, cfg.DeliveryAttempts, cfg.RetryDelay); {
		case errors.Is(err, errInvalidMessage):
			msgsInvalid.Inc()
			logger.Warn("invalid message", "offset", m.Offset, "partition", m.Partition, "error", err)
		case err != nil:
			mailErrors.Inc()
			logger.Error("mail delivery failed", "offset", m.Offset, "key", string(m.Key), "error", err)
		default:
			mailsSent.Inc()
		}
	}
}

var errInvalidMessage = errors.New("invalid message")

// Deliverer is the subset of notify.Mailer the consumer needs.
type Deliverer interface {
	Deliver(ctx context.Context, ev models.Event) error
}

func handleMessage(ctx context.Context, d Deliverer, value []byte, attempts int, delay time.Duration) error {
	ev, err := events.Decode(value)
	if err != nil {
		return fmt.Errorf("%w: %v", errInvalidMessage, err)
	}
	return deliverWithRetry(ctx, d, ev, attempts, delay)
}

// deliverWithRetry hands ev to d, doubling delay between failed attempts.
func deliverWithRetry(ctx context.Context, d Deliverer, ev models.Event, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = d.Deliver(ctx, ev); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		slog.Debug("mail delivery retry", "event_id", ev.ID, "attempt", i+1, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
