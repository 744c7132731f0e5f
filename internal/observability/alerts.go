package observability

import (
	"context"

	"WingLedger/internal/domain"

	"github.com/rs/zerolog"
)

// LogAlertSink writes settlement alerts to the operator log at error level.
type LogAlertSink struct {
	logger zerolog.Logger
}

func NewLogAlertSink(logger zerolog.Logger) *LogAlertSink {
	return &LogAlertSink{logger: logger}
}

func (s *LogAlertSink) RaiseSettlementAlert(_ context.Context, alert domain.SettlementAlert) error {
	s.logger.Error().
		Str("flight_id", alert.FlightID).
		Uint64("policy_id", alert.PolicyID).
		Str("pool_id", alert.PoolID).
		Str("reason", alert.Reason).
		Int64("payout", alert.Payout).
		Int64("pool_tvl", alert.PoolTVL).
		Str("report_id", alert.ReportID).
		Str("error", alert.ErrorMessage).
		Msg("settlement alert: operator attention required")
	return nil
}
