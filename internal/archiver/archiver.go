// Package archiver buffers accepted events and writes them to the warehouse
// in batches, on size or on a timer, whichever comes first.
package archiver

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/showfolio/analytics/internal/config"
	"github.com/showfolio/analytics/internal/event"
	"github.com/showfolio/analytics/internal/metrics"
	"github.com/showfolio/analytics/internal/warehouse"
)

// Sink is the warehouse the archiver flushes into.
type Sink interface {
	InsertEvents(ctx context.Context, rows []warehouse.EventRow) error
	InsertEngagement(ctx context.Context, rows []warehouse.EngagementRow) error
}

// EventArchiver batches events between flushes.
type EventArchiver struct {
	sink     Sink
	batchCfg config.BatchConfig

	buffer []event.AnalyticsEvent

	mu      sync.Mutex
	flushMu sync.Mutex
	ticker  *time.Ticker
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewEventArchiver starts the periodic flush loop; Close stops it.
func NewEventArchiver(sink Sink, batchCfg config.BatchConfig) *EventArchiver {
	a := &EventArchiver{
		sink:     sink,
		batchCfg: batchCfg,
		buffer:   make([]event.AnalyticsEvent, 0, batchCfg.Size),
		done:     make(chan struct{}),
	}

	a.ticker = time.NewTicker(batchCfg.FlushInterval)
	a.wg.Add(1)
	go a.flushLoop()

	return a
}

// Process buffers a single event, flushing when the batch is full.
func (a *EventArchiver) Process(ctx context.Context, e event.AnalyticsEvent) error {
	a.mu.Lock()
	a.buffer = append(a.buffer, e)
	size := len(a.buffer)
	a.mu.Unlock()

	metrics.ArchiverBuffered.Set(float64(size))

	if size >= a.batchCfg.Size {
		a.Flush()
	}
	return nil
}

func (a *EventArchiver) flushLoop() {
	defer a.wg.Done()
	for {
		select {
		case <-a.done:
			return
		case <-a.ticker.C:
			a.Flush()
		}
	}
}

// Flush writes everything buffered so far. A failed batch is logged and
// dropped; the durable copy lives in the primary store.
func (a *EventArchiver) Flush() {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()

	a.mu.Lock()
	if len(a.buffer) == 0 {
		a.mu.Unlock()
		return
	}
	events := a.buffer
	a.buffer = make([]event.AnalyticsEvent, 0, a.batchCfg.Size)
	a.mu.Unlock()

	metrics.ArchiverBuffered.Set(0)

	ctx := context.Background()
	start := time.Now()
	rows, engagement := warehouse.Rows(events)

	if err := a.sink.InsertEvents(ctx, rows); err != nil {
		metrics.ArchiverFlushed.WithLabelValues("failure").Add(float64(len(rows)))
		log.Error().Err(err).Int("count", len(rows)).Msg("Failed to insert events")
	} else if len(rows) > 0 {
		metrics.ArchiverFlushed.WithLabelValues("success").Add(float64(len(rows)))
	}

	if err := a.sink.InsertEngagement(ctx, engagement); err != nil {
		metrics.ArchiverFlushed.WithLabelValues("failure").Add(float64(len(engagement)))
		log.Error().Err(err).Int("count", len(engagement)).Msg("Failed to insert page engagement")
	} else if len(engagement) > 0 {
		metrics.ArchiverFlushed.WithLabelValues("success").Add(float64(len(engagement)))
	}

	metrics.ArchiverFlushDuration.Observe(time.Since(start).Seconds())
	log.Info().
		Int("events", len(rows)).
		Int("engagement", len(engagement)).
		Dur("duration", time.Since(start)).
		Msg("Flushed batch to ClickHouse")
}

// Close stops the flush loop and writes out what is left.
func (a *EventArchiver) Close() {
	a.ticker.Stop()
	close(a.done)
	a.wg.Wait()
	a.Flush()
}
