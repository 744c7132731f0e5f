package ingestion

import (
	"context"
	"fmt"
	"strings"
	"time"

	"WingLedger/internal/observability"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// NATSSubscriber consumes JetStream subjects and hands each message to the
// dispatcher through rawChan.
type NATSSubscriber struct {
	js        jetstream.JetStream
	rawChan   chan<- RawEvent
	consumers []jetstream.ConsumeContext
	logger    zerolog.Logger
}

// RawEvent is an undecoded inbound message.
type RawEvent struct {
	Subject string
	Data    []byte
	// MsgID is stream:sequence, used as the request id when the payload
	// carries none so redelivery stays idempotent.
	MsgID     string
	Timestamp time.Time
	AckFunc   func()
	NakFunc   func()
}

// SubjectConfig maps a subject filter to a command kind.
type SubjectConfig struct {
	Subject      string
	Kind         string
	ConsumerName string
	StreamName   string
}

const (
	KindFlightStatus = "FlightStatus"
	KindDeposit      = "Deposit"
	KindWithdraw     = "Withdraw"
	KindContribute   = "Contribute"
	KindBuyPolicy    = "BuyPolicy"
)

func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "wing.oracle.status.>", Kind: KindFlightStatus, ConsumerName: "ledger-oracle-status", StreamName: "WING_ORACLE"},
		{Subject: "wing.pools.deposit.>", Kind: KindDeposit, ConsumerName: "ledger-pool-deposit", StreamName: "WING_POOLS"},
		{Subject: "wing.pools.withdraw.>", Kind: KindWithdraw, ConsumerName: "ledger-pool-withdraw", StreamName: "WING_POOLS"},
		{Subject: "wing.pools.contribute.>", Kind: KindContribute, ConsumerName: "ledger-pool-contribute", StreamName: "WING_POOLS"},
		{Subject: "wing.policies.purchase.>", Kind: KindBuyPolicy, ConsumerName: "ledger-policy-purchase", StreamName: "WING_POLICIES"},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, rawChan chan<- RawEvent) *NATSSubscriber {
	return &NATSSubscriber{
		js:      js,
		rawChan: rawChan,
		logger:  observability.NewLogger("nats-subscriber"),
	}
}

// Subscribe creates a durable consumer per subject.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawEvent{
				Subject:   msg.Subject(),
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { _ = msg.Ack() },
				NakFunc:   func() { _ = msg.Nak() },
			}
			if meta, err := msg.Metadata(); err == nil {
				raw.MsgID = fmt.Sprintf("%s:%d", meta.Stream, meta.Sequence.Stream)
			}

			select {
			case ns.rawChan <- raw:
			case <-ctx.Done():
				_ = msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.logger.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

// EnsureStreams creates the inbound streams if they don't exist.
// Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	streams := map[string][]string{}
	var order []string
	for _, s := range DefaultSubjects() {
		if _, ok := streams[s.StreamName]; !ok {
			order = append(order, s.StreamName)
		}
		streams[s.StreamName] = append(streams[s.StreamName], s.Subject)
	}

	logger := observability.NewLogger("nats-subscriber")
	for _, name := range order {
		_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:      name,
			Subjects:  streams[name],
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		})
		if err != nil {
			return fmt.Errorf("create stream %s: %w", name, err)
		}
		logger.Info().Str("stream", name).Strs("subjects", streams[name]).Msg("ensured stream")
	}
	return nil
}

// Stop stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// ResolveKind finds the command kind for a subject by longest prefix.
func ResolveKind(subject string, subjects []SubjectConfig) string {
	best, kind := "", ""
	for _, cfg := range subjects {
		prefix := strings.TrimSuffix(cfg.Subject, ">")
		if strings.HasPrefix(subject, prefix) && len(prefix) > len(best) {
			best, kind = prefix, cfg.Kind
		}
	}
	return kind
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	logger := observability.NewLogger("nats")
	nc, err := nats.Connect(url,
		nats.Name("wingledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
