package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"WingLedger/internal/core"
	"WingLedger/internal/event"
	"WingLedger/internal/observability"

	"github.com/rs/zerolog"
)

// Ledger is the command side of the engine used by inbound messages.
type Ledger interface {
	Deposit(ctx context.Context, req core.DepositRequest) (core.Receipt, error)
	Withdraw(ctx context.Context, req core.WithdrawRequest) (core.Receipt, error)
	Contribute(ctx context.Context, req core.ContributeRequest) (core.Receipt, error)
	BuyPolicy(ctx context.Context, req core.BuyPolicyRequest) (core.Receipt, error)
}

// StatusSubmitter is the oracle entry point. Implemented by *oracle.Ingestion.
type StatusSubmitter interface {
	Submit(ctx context.Context, report event.FlightStatusReport) (*core.SettlementReport, error)
}

// Dispatcher decodes raw messages and applies them. A message is acked once
// it has been dispatched, whatever the business outcome; only shutdown naks.
type Dispatcher struct {
	ledger   Ledger
	oracle   StatusSubmitter
	subjects []SubjectConfig
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

func NewDispatcher(ledger Ledger, oracle StatusSubmitter, metrics *observability.Metrics) *Dispatcher {
	return &Dispatcher{
		ledger:   ledger,
		oracle:   oracle,
		subjects: DefaultSubjects(),
		metrics:  metrics,
		logger:   observability.NewLogger("ingestion"),
	}
}

// Run dispatches messages until ctx is cancelled or rawChan is closed.
func (d *Dispatcher) Run(ctx context.Context, rawChan <-chan RawEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-rawChan:
			if !ok {
				return nil
			}
			d.Handle(ctx, raw)
		}
	}
}

// Handle processes one message and acks or naks it.
func (d *Dispatcher) Handle(ctx context.Context, raw RawEvent) {
	kind := ResolveKind(raw.Subject, d.subjects)
	if kind == "" {
		d.logger.Warn().Str("subject", raw.Subject).Msg("unknown NATS subject")
		d.count("unknown", "dropped")
		raw.AckFunc()
		return
	}

	cmd, err := ParseRawEvent(raw, kind)
	if err != nil {
		d.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("parse message failed")
		d.count(kind, "parse_error")
		raw.AckFunc()
		return
	}

	err = d.Dispatch(ctx, cmd)
	if ctx.Err() != nil {
		raw.NakFunc()
		return
	}
	if d.metrics != nil {
		d.metrics.IngestToApply.WithLabelValues(kind).Observe(time.Since(raw.Timestamp).Seconds())
	}
	switch {
	case err == nil:
		d.count(kind, "applied")
	case core.IsSettlementFailure(err):
		d.count(kind, "partial")
	default:
		d.count(kind, "rejected")
		d.logger.Warn().Err(err).Str("subject", raw.Subject).Str("kind", kind).Msg("command rejected")
	}
	raw.AckFunc()
}

// Dispatch applies a decoded command.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command) error {
	var err error
	switch c := cmd.(type) {
	case StatusCommand:
		_, err = d.oracle.Submit(ctx, c.Report)
	case DepositCommand:
		_, err = d.ledger.Deposit(ctx, c.DepositRequest)
	case WithdrawCommand:
		_, err = d.ledger.Withdraw(ctx, c.WithdrawRequest)
	case ContributeCommand:
		_, err = d.ledger.Contribute(ctx, c.ContributeRequest)
	case BuyPolicyCommand:
		_, err = d.ledger.BuyPolicy(ctx, c.BuyPolicyRequest)
	default:
		err = fmt.Errorf("unsupported command %T", cmd)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", cmd.Kind(), err)
	}
	return err
}

func (d *Dispatcher) count(kind, result string) {
	if d.metrics != nil {
		d.metrics.IngestMessages.WithLabelValues(kind, result).Inc()
	}
}
