// Package tickers aggregates top-of-book snapshots across venues.
package tickers

import (
	"bytes"
	"context"
	"encoding/csv"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/tradekit/tradekit/internal/observability"
	"github.com/tradekit/tradekit/internal/schema"
)

// Source is the slice of the adapter surface the aggregator needs.
type Source interface {
	Name() string
	FetchLatestTickers(ctx context.Context) ([]schema.Ticker, error)
}

// Service fans a ticker fetch out across adapters.
type Service struct {
	maxWorkers int
}

// NewService builds a service with the given concurrency limit; zero or
// negative means GOMAXPROCS.
func NewService(maxWorkers int) *Service {
	if maxWorkers <= 0 {
		maxWorkers = runtime.GOMAXPROCS(0)
	}
	return &Service{maxWorkers: maxWorkers}
}

// FetchLatestTickers calls every source concurrently and returns the flat
// concatenation in no guaranteed order. A failing source is logged and
// skipped; the rest still contribute.
func (s *Service) FetchLatestTickers(ctx context.Context, sources ...Source) []schema.Ticker {
	if len(sources) == 0 {
		return nil
	}
	limit := s.maxWorkers
	if limit > len(sources) {
		limit = len(sources)
	}
	var mu sync.Mutex
	var out []schema.Ticker
	p := pool.New().WithMaxGoroutines(limit)
	for _, source := range sources {
		src := source
		p.Go(func() {
			tickers, err := src.FetchLatestTickers(ctx)
			if err != nil {
				observability.Log().Warn("ticker fetch failed",
					observability.F("exchange", src.Name()),
					observability.F("error", err.Error()))
				return
			}
			observability.Telemetry().IncCounter("tickers.fetched", float64(len(tickers)),
				map[string]string{"exchange": src.Name()})
			mu.Lock()
			out = append(out, tickers...)
			mu.Unlock()
		})
	}
	p.Wait()
	return out
}

// Sink receives a flattened ticker batch for archival or persistence.
type Sink interface {
	WriteTickers(ctx context.Context, tickers []schema.Ticker) error
}

// Recorder fetches like Service and also hands the batch to each sink.
// Sink failures are logged, never fatal.
type Recorder struct {
	service *Service
	sinks   []Sink
}

// NewRecorder wraps the service with archival sinks.
func NewRecorder(service *Service, sinks ...Sink) *Recorder {
	return &Recorder{service: service, sinks: sinks}
}

// FetchLatestTickers aggregates and records the batch.
func (r *Recorder) FetchLatestTickers(ctx context.Context, sources ...Source) []schema.Ticker {
	batch := r.service.FetchLatestTickers(ctx, sources...)
	if len(batch) == 0 {
		return batch
	}
	for _, sink := range r.sinks {
		if err := sink.WriteTickers(ctx, batch); err != nil {
			observability.Log().Warn("ticker archive failed",
				observability.F("error", err.Error()))
		}
	}
	return batch
}

// ObjectStore is the minimal blob-store surface the CSV archive writes to.
type ObjectStore interface {
	Put(ctx context.Context, key string, body []byte) error
}

// CSVArchive serialises ticker batches as CSV objects keyed
// type/type_v<version>_<UTC timestamp>.csv.
type CSVArchive struct {
	store   ObjectStore
	version int
	clock   func() time.Time
}

// NewCSVArchive builds an archive sink writing schema version v objects.
func NewCSVArchive(store ObjectStore, version int) *CSVArchive {
	return &CSVArchive{store: store, version: version, clock: time.Now}
}

// WithArchiveClock overrides the archive timestamp source.
func (a *CSVArchive) WithArchiveClock(clock func() time.Time) *CSVArchive {
	a.clock = clock
	return a
}

func (a *CSVArchive) key() string {
	stamp := a.clock().UTC().Format("20060102T150405Z")
	return "tickers/tickers_v" + strconv.Itoa(a.version) + "_" + stamp + ".csv"
}

var csvHeader = []string{"exchange_id", "pair", "ask", "bid", "last", "event_time", "processing_time"}

// WriteTickers uploads one CSV object per batch.
func (a *CSVArchive) WriteTickers(ctx context.Context, tickers []schema.Ticker) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return err
	}
	for _, t := range tickers {
		eventTime := ""
		if !t.EventTime.IsZero() {
			eventTime = t.EventTime.UTC().Format(time.RFC3339Nano)
		}
		row := []string{
			t.Exchange,
			t.Pair.Underscore(),
			t.Ask.String(),
			t.Bid.String(),
			t.Last.String(),
			eventTime,
			t.ProcessingTime.UTC().Format(time.RFC3339Nano),
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	return a.store.Put(ctx, a.key(), buf.Bytes())
}
