package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/dealflow/internal/core/domain"
	"github.com/kirillkom/dealflow/internal/infrastructure/resilience"
)

const (
	DefaultEventsSubject = "dealflow.score.events"
	DefaultAlertsSubject = "dealflow.score.alerts"

	workerGroup = "scoring-workers"
)

// Queue carries score-event batches to the worker and fans alerts out to
// subscribers.
type Queue struct {
	conn          *nats.Conn
	eventsSubject string
	alertsSubject string
	executor      *resilience.Executor
	logger        *slog.Logger
}

type Options struct {
	EventsSubject        string
	AlertsSubject        string
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	ResilienceExecutor   *resilience.Executor
	Logger               *slog.Logger
}

func New(url string) (*Queue, error) {
	return NewWithOptions(url, Options{})
}

func NewWithOptions(url string, options Options) (*Queue, error) {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := nats.Connect(
		url,
		nats.Name("dealflow"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Queue{
		conn:          conn,
		eventsSubject: withDefault(options.EventsSubject, DefaultEventsSubject),
		alertsSubject: withDefault(options.AlertsSubject, DefaultAlertsSubject),
		executor:      options.ResilienceExecutor,
		logger:        logger,
	}, nil
}

func withDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func (q *Queue) Close() {
	if q.conn != nil {
		q.conn.Close()
	}
}

// PublishScoreEvents hands a batch of raw signals to the scoring worker.
func (q *Queue) PublishScoreEvents(ctx context.Context, events []domain.ScoreEvent) error {
	if len(events) == 0 {
		return nil
	}
	payload, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("marshal score events: %w", err)
	}
	return q.publish(ctx, q.eventsSubject, payload)
}

func (q *Queue) PublishAlerts(ctx context.Context, alerts []domain.ScoreAlert) error {
	if len(alerts) == 0 {
		return nil
	}
	payload, err := json.Marshal(alerts)
	if err != nil {
		return fmt.Errorf("marshal score alerts: %w", err)
	}
	return q.publish(ctx, q.alertsSubject, payload)
}

func (q *Queue) publish(ctx context.Context, subject string, payload []byte) error {
	call := func(_ context.Context) error {
		if err := q.conn.Publish(subject, payload); err != nil {
			return fmt.Errorf("nats publish %s: %w", subject, err)
		}
		return nil
	}

	var err error
	if q.executor != nil {
		err = q.executor.Execute(ctx, "nats.publish", call, classifyNATSError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return wrapTemporaryIfNeeded(err)
	}
	return nil
}

// SubscribeScoreEvents consumes batches in the worker queue group until ctx is
// cancelled, then drains the subscription.
func (q *Queue) SubscribeScoreEvents(ctx context.Context, handler func(context.Context, []domain.ScoreEvent) error) error {
	sub, err := q.conn.QueueSubscribe(q.eventsSubject, workerGroup, func(msg *nats.Msg) {
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}
		events, err := decodeScoreEvents(msg.Data)
		if err != nil {
			q.logger.Error("score_events_decode_failed", "subject", msg.Subject, "error", err)
			return
		}

		handlerCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		if err := handler(handlerCtx, events); err != nil {
			q.logger.Error("score_events_handler_failed", "events", len(events), "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	if err := q.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	if err := q.conn.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}

func decodeScoreEvents(data []byte) ([]domain.ScoreEvent, error) {
	var events []domain.ScoreEvent
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, fmt.Errorf("unmarshal score events: %w", err)
	}
	if len(events) == 0 {
		return nil, errors.New("empty score event batch")
	}
	return events, nil
}
