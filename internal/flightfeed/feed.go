package flightfeed

import (
	"context"
	"net/http"
	"sync"
	"time"

	"WingLedger/internal/observability"

	"github.com/rs/zerolog"
)

const DefaultCacheTTL = 24 * time.Hour

type Config struct {
	APIKey   string
	BaseURL  string
	Routes   []Route
	CacheTTL time.Duration
	Clock    func() time.Time
	// HTTPClient overrides the default 10s-timeout client.
	HTTPClient *http.Client
}

// Feed serves flight snapshots from cache, refreshing from FlightAPI when the
// cache is empty or expired. Without an API key, or when the API yields
// nothing and no cache is left, it serves demo fixtures.
type Feed struct {
	cfg     Config
	client  *Client
	cache   Cache
	metrics *observability.Metrics
	logger  zerolog.Logger

	// serializes refreshes so concurrent readers share one fetch
	refreshMu sync.Mutex
}

func NewFeed(cfg Config, cache Cache, metrics *observability.Metrics) *Feed {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cache == nil {
		cache = NewMemoryCache()
	}
	f := &Feed{
		cfg:     cfg,
		cache:   cache,
		metrics: metrics,
		logger:  observability.NewLogger("flightfeed"),
	}
	if cfg.APIKey != "" {
		f.client = NewClient(cfg.BaseURL, cfg.APIKey, cfg.HTTPClient)
	}
	return f
}

// SetLogger replaces the feed logger.
func (f *Feed) SetLogger(logger zerolog.Logger) {
	f.logger = logger
}

// Live reports whether the feed has an API key.
func (f *Feed) Live() bool {
	return f.client != nil
}

// Snapshot returns the current flight snapshot.
func (f *Feed) Snapshot(ctx context.Context) (*Snapshot, error) {
	if snap, ok := f.fromCache(ctx); ok {
		return snap, nil
	}

	f.refreshMu.Lock()
	defer f.refreshMu.Unlock()
	if snap, ok := f.fromCache(ctx); ok {
		return snap, nil
	}
	return f.refresh(ctx)
}

func (f *Feed) fromCache(ctx context.Context) (*Snapshot, bool) {
	snap, err := f.cache.Load(ctx)
	if err != nil {
		f.logger.Warn().Err(err).Msg("flight cache unavailable")
		return nil, false
	}
	now := f.cfg.Clock()
	if snap == nil || now.Sub(snap.FetchedAt) >= f.cfg.CacheTTL {
		return nil, false
	}
	snap.Cached = true
	snap.CacheAgeMinutes = int64(now.Sub(snap.FetchedAt) / time.Minute)
	f.countPoll("cache")
	return snap, true
}

func (f *Feed) refresh(ctx context.Context) (*Snapshot, error) {
	now := f.cfg.Clock().UTC()

	if f.client == nil {
		f.logger.Info().Msg("no flight api key, serving demo data")
		snap := NewSnapshot(DemoFlights(now), now, f.cfg.CacheTTL, true)
		f.store(ctx, snap)
		f.countPoll("demo")
		return snap, nil
	}

	var flights []Flight
	for _, route := range f.cfg.Routes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		got, err := f.client.TrackByRoute(ctx, route, now)
		if err != nil {
			f.logger.Error().Err(err).Str("route", route.String()).Msg("flight api request failed")
			f.countPoll("error")
			continue
		}
		flights = append(flights, got...)
	}

	if len(flights) == 0 {
		// not cached, so the next read retries the API
		f.logger.Warn().Int("routes", len(f.cfg.Routes)).Msg("flight api returned no tracked flights, serving demo data")
		f.countPoll("demo")
		return NewSnapshot(DemoFlights(now), now, f.cfg.CacheTTL, true), nil
	}

	snap := NewSnapshot(flights, now, f.cfg.CacheTTL, false)
	f.store(ctx, snap)
	f.countPoll("api")
	f.logger.Info().Int("flights", len(flights)).Msg("flight snapshot refreshed")
	return snap, nil
}

func (f *Feed) store(ctx context.Context, snap *Snapshot) {
	if err := f.cache.Store(ctx, snap, f.cfg.CacheTTL); err != nil {
		f.logger.Warn().Err(err).Msg("failed to cache flight snapshot")
	}
	if f.metrics != nil {
		f.metrics.FeedFlights.WithLabelValues("on_time").Set(float64(snap.Stats.OnTime))
		f.metrics.FeedFlights.WithLabelValues("delayed").Set(float64(snap.Stats.Delayed))
		f.metrics.FeedFlights.WithLabelValues("cancelled").Set(float64(snap.Stats.Cancelled))
	}
}

func (f *Feed) countPoll(source string) {
	if f.metrics != nil {
		f.metrics.FeedPolls.WithLabelValues(source).Inc()
	}
}
