package main

import (
	"WingLedger/internal/core"
	"WingLedger/internal/ingestion"
	"WingLedger/internal/observability"
	"WingLedger/internal/persistence"
	"WingLedger/internal/projection"
)

// outputBridge fans engine output out to the persistence worker, the
// projection worker and the outbound publisher. It lives here so core never
// imports its sinks.
type outputBridge struct {
	persistIn    <-chan core.CoreOutput
	projectionIn <-chan core.CoreOutput

	persistOut    chan<- persistence.CoreOutput
	projectionOut chan<- projection.ProjectionOutput
	// nil without NATS
	publishOut chan<- ingestion.PublishableEvent

	metrics *observability.Metrics
}

// run forwards until both inputs are closed, then closes every output so
// the workers flush and exit. Persistence is a blocking send; projections and
// publishing drop when their channel is full.
func (b *outputBridge) run() {
	defer close(b.persistOut)
	defer close(b.projectionOut)
	if b.publishOut != nil {
		defer close(b.publishOut)
	}

	persistIn, projectionIn := b.persistIn, b.projectionIn
	for persistIn != nil || projectionIn != nil {
		select {
		case out, ok := <-persistIn:
			if !ok {
				persistIn = nil
				continue
			}
			b.persistOut <- persistence.FromCoreOutput(out)
			b.publish(out)
			b.gauge("persist", len(b.persistOut), cap(b.persistOut))

		case out, ok := <-projectionIn:
			if !ok {
				projectionIn = nil
				continue
			}
			select {
			case b.projectionOut <- projection.NewProjectionOutput(out):
			default:
				if b.metrics != nil {
					b.metrics.ProjectionDrops.WithLabelValues("bridge").Inc()
				}
			}
			b.gauge("projection", len(b.projectionOut), cap(b.projectionOut))
		}
	}
}

func (b *outputBridge) publish(out core.CoreOutput) {
	if b.publishOut == nil {
		return
	}
	select {
	case b.publishOut <- ingestion.NewPublishableEvent(out):
	default:
		if b.metrics != nil {
			b.metrics.PublishDrops.Inc()
		}
	}
}

func (b *outputBridge) gauge(name string, size, capacity int) {
	if b.metrics == nil || capacity == 0 {
		return
	}
	b.metrics.SetChannelMetrics(name, size, capacity)
}
