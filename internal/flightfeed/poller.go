package flightfeed

import (
	"context"
	"sync"
	"time"

	"WingLedger/internal/core"
	"WingLedger/internal/event"
	"WingLedger/internal/observability"

	"github.com/rs/zerolog"
)

// Submitter receives feed statuses. Implemented by *oracle.Ingestion, so feed
// reports pass the same authorizer as any other reporter.
type Submitter interface {
	Submit(ctx context.Context, report event.FlightStatusReport) (*core.SettlementReport, error)
}

// Poller periodically submits live flight statuses for settlement. Demo
// snapshots are never submitted, and a flight is resubmitted only when its
// status changes or the previous submission failed.
type Poller struct {
	feed      *Feed
	submitter Submitter
	reporter  string
	interval  time.Duration
	metrics   *observability.Metrics
	logger    zerolog.Logger

	mu        sync.Mutex
	submitted map[string]event.FlightStatus
}

func NewPoller(feed *Feed, submitter Submitter, reporter string, interval time.Duration, metrics *observability.Metrics) *Poller {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Poller{
		feed:      feed,
		submitter: submitter,
		reporter:  reporter,
		interval:  interval,
		metrics:   metrics,
		logger:    observability.NewLogger("flightfeed-poller"),
		submitted: make(map[string]event.FlightStatus),
	}
}

// SetLogger replaces the poller logger.
func (p *Poller) SetLogger(logger zerolog.Logger) {
	p.logger = logger
}

// Run polls immediately, then on every interval until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if _, err := p.PollOnce(ctx); err != nil && ctx.Err() == nil {
			p.logger.Error().Err(err).Msg("flight poll failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// PollOnce fetches the snapshot and submits changed statuses. It returns the
// number of reports submitted.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	snap, err := p.feed.Snapshot(ctx)
	if err != nil {
		return 0, err
	}
	if snap.Demo {
		p.count("skipped_demo")
		return 0, nil
	}

	submitted := 0
	for _, f := range snap.Flights {
		if err := ctx.Err(); err != nil {
			return submitted, err
		}
		if !p.changed(f) {
			continue
		}

		report := event.FlightStatusReport{
			FlightID:   f.FlightNumber,
			Status:     f.Status,
			ReportedAt: snap.FetchedAt,
			Reporter:   p.reporter,
		}
		result, err := p.submitter.Submit(ctx, report)
		if err != nil {
			p.count("failed")
			p.logger.Warn().Err(err).
				Str("flight_id", f.FlightNumber).
				Str("status", f.Status.String()).
				Msg("feed status submission failed, will retry")
			continue
		}

		p.mu.Lock()
		p.submitted[f.FlightNumber] = f.Status
		p.mu.Unlock()
		submitted++
		p.count("submitted")
		p.logger.Info().
			Str("flight_id", f.FlightNumber).
			Str("status", f.Status.String()).
			Int("settled", len(result.Settled)).
			Int64("total_payout", result.TotalPayout).
			Msg("feed status submitted")
	}
	return submitted, nil
}

func (p *Poller) changed(f Flight) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	prev, ok := p.submitted[f.FlightNumber]
	return !ok || prev != f.Status
}

func (p *Poller) count(result string) {
	if p.metrics != nil {
		p.metrics.FeedSubmissions.WithLabelValues(result).Inc()
	}
}
