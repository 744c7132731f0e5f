package oracle

import (
	"context"
	"errors"
	"time"

	"WingLedger/internal/core"
	"WingLedger/internal/event"
	"WingLedger/internal/observability"

	"github.com/rs/zerolog"
)

// Settler settles a validated status report. Implemented by *core.Engine.
type Settler interface {
	SubmitStatus(ctx context.Context, report event.FlightStatusReport) (*core.SettlementReport, error)
}

// Ingestion is the single entry point for flight-status reports, whether they
// come from the API, NATS or the feed poller. Every report is authorized
// before it reaches settlement.
type Ingestion struct {
	auth    Authorizer
	settler Settler
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewIngestion(auth Authorizer, settler Settler, metrics *observability.Metrics) *Ingestion {
	return &Ingestion{
		auth:    auth,
		settler: settler,
		metrics: metrics,
		logger:  observability.NewLogger("oracle"),
	}
}

// SetLogger replaces the ingestion logger.
func (i *Ingestion) SetLogger(logger zerolog.Logger) {
	i.logger = logger
}

// SubmitStatus reports that flightID has status as of reportedAt and settles
// every policy on the flight. A zero reportedAt means now.
func (i *Ingestion) SubmitStatus(ctx context.Context, caller, flightID string, status event.FlightStatus, reportedAt time.Time) (*core.SettlementReport, error) {
	return i.Submit(ctx, event.FlightStatusReport{
		FlightID:   flightID,
		Status:     status,
		ReportedAt: reportedAt,
		Reporter:   caller,
	})
}

// Submit settles a full report. report.Reporter is the caller identity;
// report.ReportID, when set, makes re-delivery a no-op.
func (i *Ingestion) Submit(ctx context.Context, report event.FlightStatusReport) (*core.SettlementReport, error) {
	if err := i.auth.AuthorizeReporter(report.Reporter); err != nil {
		i.count("unauthorized")
		i.logger.Warn().
			Str("reporter", report.Reporter).
			Str("flight_id", report.FlightID).
			Msg("rejected status report from unauthorized caller")
		return nil, err
	}

	result, err := i.settler.SubmitStatus(ctx, report)
	switch {
	case err == nil:
		if result.Duplicate {
			i.count("duplicate")
		} else {
			i.count("settled")
		}
	case core.IsSettlementFailure(err):
		i.count("partial")
	default:
		i.count("rejected")
		if !errors.Is(err, context.Canceled) {
			i.logger.Warn().Err(err).
				Str("reporter", report.Reporter).
				Str("flight_id", report.FlightID).
				Msg("status report rejected")
		}
	}
	return result, err
}

func (i *Ingestion) count(result string) {
	if i.metrics != nil {
		i.metrics.IngestMessages.WithLabelValues("oracle", result).Inc()
	}
}
