package flightfeed_test

import (
	"context"
	"testing"
	"time"

	"WingLedger/internal/flightfeed"
	"WingLedger/internal/testutil"
)

func TestRedisCache_StoreLoad(t *testing.T) {
	testutil.RequireIntegration(t)

	client, err := flightfeed.ConnectRedis(testutil.TestRedisAddr())
	if err != nil {
		t.Fatalf("ConnectRedis: %v", err)
	}
	defer client.Close()

	cache := flightfeed.NewRedisCache(client)
	ctx := context.Background()
	if err := cache.Ping(ctx); err != nil {
		t.Skipf("test redis not available: %v", err)
	}
	defer client.FlushDB(ctx)

	snap := flightfeed.NewSnapshot(flightfeed.DemoFlights(t0), t0, time.Hour, true)
	if err := cache.Store(ctx, snap, time.Minute); err != nil {
		t.Fatalf("Store: %v", err)
	}

	got, err := cache.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got == nil {
		t.Fatal("expected a cached snapshot")
	}
	if len(got.Flights) != len(snap.Flights) {
		t.Errorf("flights: got %d, want %d", len(got.Flights), len(snap.Flights))
	}
	if got.Stats.TotalFlights != snap.Stats.TotalFlights {
		t.Errorf("total flights: got %d, want %d", got.Stats.TotalFlights, snap.Stats.TotalFlights)
	}
}
