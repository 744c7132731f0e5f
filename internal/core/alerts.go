package core

import (
	"context"
	"errors"

	"WingLedger/internal/domain"
)

// AlertSink receives settlement failures that need an operator. Raising an
// alert never blocks or rolls back settlement of other policies.
type AlertSink interface {
	RaiseSettlementAlert(ctx context.Context, alert domain.SettlementAlert) error
}

// MultiAlertSink fans an alert out to every sink.
type MultiAlertSink []AlertSink

func (m MultiAlertSink) RaiseSettlementAlert(ctx context.Context, alert domain.SettlementAlert) error {
	var errs []error
	for _, sink := range m {
		if err := sink.RaiseSettlementAlert(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AlertReason classifies a settlement failure for alert routing.
func AlertReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrInsufficientPoolCapital):
		return "insufficient_pool_capital"
	case errors.Is(err, domain.ErrUnderfundedPool):
		return "underfunded_pool"
	case errors.Is(err, domain.ErrPoolNotFound):
		return "pool_not_found"
	default:
		return "internal"
	}
}
