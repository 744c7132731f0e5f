package core

import (
	"context"
	"errors"
	"time"

	"WingLedger/internal/event"
	"WingLedger/internal/state"

	"github.com/rs/zerolog"
)

// SweepResult counts what one expiry sweep changed.
type SweepResult struct {
	Expired        int `json:"expired"`
	CancelledPools int `json:"cancelled_pools"`
}

// SweepExpired releases the exposure of unpaid policies past expiry and
// cancels pending crowd-fund pools past their funding deadline. It is
// idempotent: a second sweep at the same instant changes nothing.
func (e *Engine) SweepExpired(ctx context.Context, now time.Time) (SweepResult, error) {
	var result SweepResult

	e.gate.RLock()
	defer e.gate.RUnlock()

	for _, pol := range e.registry.ExpiredUnreleased(now) {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		err := e.pools.WithPool(pol.PoolID, func(p *state.Pool) error {
			evt := &event.PolicyExpired{
				PolicyID:  pol.ID,
				Pool:      pol.PoolID,
				FlightID:  pol.FlightID,
				Coverage:  pol.Coverage,
				Timestamp: now,
			}
			res, err := e.applyPolicyExpired(p, evt)
			if err != nil {
				return err
			}
			_, err = e.record(evt, p, res, nil)
			return err
		})
		switch {
		case errors.Is(err, errAlreadyReleased):
			continue
		case err != nil:
			return result, err
		}
		result.Expired++
		if e.metrics != nil {
			e.metrics.PoliciesExpired.WithLabelValues(pol.PoolID).Inc()
		}
	}

	for _, pool := range e.pools.List() {
		if pool.Kind != state.PoolKindCrowdFund {
			continue
		}
		cancelled := false
		err := e.pools.WithPool(pool.ID, func(p *state.Pool) error {
			if !p.FundingExpired(now) {
				return nil
			}
			evt := &event.CrowdFundCancelled{
				Pool:      p.ID,
				Raised:    p.Tracker().TotalLPShares(),
				Required:  p.RequiredCoverage,
				Timestamp: now,
			}
			res, err := e.applyEvent(p, evt, true)
			if err != nil {
				return err
			}
			if _, err := e.record(evt, p, res, nil); err != nil {
				return err
			}
			cancelled = true
			e.logger.Warn().
				Str("pool_id", p.ID).
				Int64("raised", evt.Raised).
				Int64("required", evt.Required).
				Msg("crowd-fund pool missed funding deadline, cancelled")
			return nil
		})
		if err != nil {
			return result, err
		}
		if cancelled {
			result.CancelledPools++
			if e.metrics != nil {
				e.metrics.CrowdFundClosed.WithLabelValues("cancelled").Inc()
			}
		}
	}

	if e.metrics != nil {
		e.metrics.SweepRuns.Inc()
	}
	return result, nil
}

// Sweeper runs SweepExpired on a ticker until its context is cancelled.
type Sweeper struct {
	engine   *Engine
	interval time.Duration
	logger   zerolog.Logger
}

func NewSweeper(engine *Engine, interval time.Duration, logger zerolog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{engine: engine, interval: interval, logger: logger}
}

func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			result, err := s.engine.SweepExpired(ctx, s.engine.now())
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.logger.Error().Err(err).Msg("expiry sweep failed")
				continue
			}
			if result.Expired > 0 || result.CancelledPools > 0 {
				s.logger.Info().
					Int("expired", result.Expired).
					Int("cancelled_pools", result.CancelledPools).
					Msg("expiry sweep")
			}
		}
	}
}
