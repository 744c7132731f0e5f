package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"WingLedger/internal/core"
	"WingLedger/internal/domain"
	"WingLedger/internal/observability"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	OutboundStream       = "WING_LEDGER_EVENTS"
	eventSubjectPrefix   = "wing.ledger.events"
	alertSubjectPrefix   = "wing.alerts.settlement"
	outboundStreamMaxAge = 72 * time.Hour
)

// JetStreamPublisher is the subset of jetstream.JetStream used for outbound
// messages.
type JetStreamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes applied ledger events for downstream consumers.
// Subjects follow wing.ledger.events.{event_type}.{pool_id}.
type OutboundPublisher struct {
	js        JetStreamPublisher
	inputChan <-chan PublishableEvent
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// PublishableEvent is an applied event ready for outbound publishing.
type PublishableEvent struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	PoolID         string          `json:"pool_id,omitempty"`
	FlightID       string          `json:"flight_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      string          `json:"state_hash"`
	Timestamp      time.Time       `json:"timestamp"`
}

// NewPublishableEvent converts a core output for publishing.
func NewPublishableEvent(out core.CoreOutput) PublishableEvent {
	env := out.Envelope
	return PublishableEvent{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		PoolID:         env.PoolID,
		FlightID:       env.FlightID,
		Payload:        json.RawMessage(env.Payload),
		StateHash:      hex.EncodeToString(env.StateHash[:]),
		Timestamp:      env.Timestamp,
	}
}

func NewOutboundPublisher(js JetStreamPublisher, inputChan <-chan PublishableEvent, metrics *observability.Metrics) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    observability.NewLogger("outbound-publisher"),
	}
}

// Run publishes until ctx is cancelled or the input channel is closed.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			// Non-fatal: downstream consumers can read the event log directly
			if err := op.publish(ctx, evt); err != nil {
				op.result(evt.EventType, "error")
				op.logger.Warn().Err(err).Int64("sequence", evt.Sequence).Msg("outbound publish failed")
				continue
			}
			op.result(evt.EventType, "ok")
		}
	}
}

// EventSubject is the outbound subject for an event.
func EventSubject(evt PublishableEvent) string {
	subject := fmt.Sprintf("%s.%s", eventSubjectPrefix, evt.EventType)
	if evt.PoolID != "" {
		subject = fmt.Sprintf("%s.%s", subject, evt.PoolID)
	}
	return subject
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = op.js.Publish(ctx, EventSubject(evt), data, jetstream.WithMsgID(fmt.Sprintf("ledger-%d", evt.Sequence)))
	return err
}

func (op *OutboundPublisher) result(eventType, result string) {
	if op.metrics != nil {
		op.metrics.OutboundPublish.WithLabelValues(eventType, result).Inc()
	}
}

// AlertPublisher publishes settlement alerts to
// wing.alerts.settlement.{pool_id}. It implements core.AlertSink.
type AlertPublisher struct {
	js      JetStreamPublisher
	timeout time.Duration
	metrics *observability.Metrics
}

func NewAlertPublisher(js JetStreamPublisher, metrics *observability.Metrics) *AlertPublisher {
	return &AlertPublisher{js: js, timeout: 2 * time.Second, metrics: metrics}
}

func (ap *AlertPublisher) RaiseSettlementAlert(ctx context.Context, alert domain.SettlementAlert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, ap.timeout)
	defer cancel()

	subject := fmt.Sprintf("%s.%s", alertSubjectPrefix, alert.PoolID)
	if _, err := ap.js.Publish(ctx, subject, data); err != nil {
		ap.result("error")
		return fmt.Errorf("publish alert for policy %d: %w", alert.PolicyID, err)
	}
	ap.result("ok")
	return nil
}

func (ap *AlertPublisher) result(result string) {
	if ap.metrics != nil {
		ap.metrics.OutboundPublish.WithLabelValues("SettlementAlert", result).Inc()
	}
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       OutboundStream,
		Subjects:   []string{eventSubjectPrefix + ".>", "wing.alerts.>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     outboundStreamMaxAge,
		Duplicates: 2 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	logger := observability.NewLogger("outbound-publisher")
	logger.Info().Str("stream", OutboundStream).Msg("ensured outbound stream")
	return nil
}
