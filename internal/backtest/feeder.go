// Package backtest replays historical tickers through the simulated venue.
package backtest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/tradekit/tradekit/internal/numeric"
	"github.com/tradekit/tradekit/internal/schema"
)

// CSVFeeder reads historical ticker data from a CSV file with columns
// timestamp (unix nanoseconds), pair, bid, ask.
type CSVFeeder struct {
	reader *csv.Reader
	closer io.Closer
}

// NewCSVFeeder opens the file and consumes the header row.
func NewCSVFeeder(filePath string) (*CSVFeeder, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("open csv file: %w", err)
	}
	reader := csv.NewReader(file)
	if _, err := reader.Read(); err != nil {
		file.Close()
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	return &CSVFeeder{reader: reader, closer: file}, nil
}

// NewCSVFeederFrom reads from an open reader, consuming the header row.
func NewCSVFeederFrom(r io.Reader) (*CSVFeeder, error) {
	reader := csv.NewReader(r)
	if _, err := reader.Read(); err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	return &CSVFeeder{reader: reader}, nil
}

// Next returns the next ticker, or io.EOF when the file is exhausted.
func (f *CSVFeeder) Next() (schema.Ticker, error) {
	record, err := f.reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return schema.Ticker{}, io.EOF
		}
		return schema.Ticker{}, fmt.Errorf("read csv record: %w", err)
	}
	if len(record) < 4 {
		return schema.Ticker{}, fmt.Errorf("csv record needs 4 columns, got %d", len(record))
	}
	timestamp, err := strconv.ParseInt(record[0], 10, 64)
	if err != nil {
		return schema.Ticker{}, fmt.Errorf("parse timestamp: %w", err)
	}
	pair, err := schema.ParsePair(record[1])
	if err != nil {
		return schema.Ticker{}, fmt.Errorf("parse pair: %w", err)
	}
	bid, err := numeric.FromString(record[2])
	if err != nil {
		return schema.Ticker{}, fmt.Errorf("parse bid: %w", err)
	}
	ask, err := numeric.FromString(record[3])
	if err != nil {
		return schema.Ticker{}, fmt.Errorf("parse ask: %w", err)
	}
	at := time.Unix(0, timestamp)
	return schema.Ticker{
		Pair:           pair,
		Bid:            bid,
		Ask:            ask,
		Last:           bid,
		EventTime:      at,
		ProcessingTime: at,
	}, nil
}

// Close releases the underlying file, if any.
func (f *CSVFeeder) Close() error {
	if f.closer == nil {
		return nil
	}
	return f.closer.Close()
}
