// Package sink fans normalized records out to the configured persistence
// backends. The relational and time-series writes are deliberately independent
// fire-and-forget operations: the two stores have incompatible consistency
// models, so there is no shared transaction and no shared failure state.
package sink

import (
	"context"
	"errors"
	"log"
	"time"

	ingest "kraken-gateway/internal/ingest/domain"
)

// RelationalSink inserts one typed row into a destination table.
type RelationalSink interface {
	InsertRecord(ctx context.Context, record ingest.Record, table string) error
}

// TimeSeriesSink writes one tagged point per scalar field of a record. It
// reports how many points were written and how many were dropped because the
// value would not coerce to a number.
type TimeSeriesSink interface {
	WritePoints(ctx context.Context, record ingest.Record) (written, dropped int, err error)
}

// Result carries the independently observed outcome of each sink.
type Result struct {
	Relational    error
	TimeSeries    error
	PointsWritten int
	PointsDropped int
}

// Failed reports whether any enabled sink rejected the record.
func (r Result) Failed() bool {
	return r.Relational != nil || r.TimeSeries != nil
}

// DualWriter writes each record to both sinks. Either sink may be nil, which
// disables that path for the deployment.
type DualWriter struct {
	relational   RelationalSink
	timeSeries   TimeSeriesSink
	defaultTable string
	timeout      time.Duration
	logger       *log.Logger
}

// WriterOption configures the dual writer.
type WriterOption func(*DualWriter)

// WithDefaultTable sets the relational destination used when a record carries
// no table override.
func WithDefaultTable(table string) WriterOption {
	return func(w *DualWriter) {
		if table != "" {
			w.defaultTable = table
		}
	}
}

// WithWriteTimeout bounds each per-sink write. Zero disables the bound.
func WithWriteTimeout(timeout time.Duration) WriterOption {
	return func(w *DualWriter) {
		w.timeout = timeout
	}
}

// NewDualWriter constructs a writer over the enabled sinks.
func NewDualWriter(relational RelationalSink, timeSeries TimeSeriesSink, logger *log.Logger, opts ...WriterOption) (*DualWriter, error) {
	if relational == nil && timeSeries == nil {
		return nil, errors.New("sink: no sinks enabled")
	}
	if logger == nil {
		logger = log.Default()
	}
	writer := &DualWriter{
		relational: relational,
		timeSeries: timeSeries,
		timeout:    10 * time.Second,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(writer)
	}
	return writer, nil
}

// Write persists one record to every enabled sink. A relational failure never
// suppresses the time-series write and vice versa; both outcomes are reported.
func (w *DualWriter) Write(ctx context.Context, record ingest.Record) Result {
	var result Result
	if w.relational != nil {
		table := record.Table
		if table == "" {
			table = w.defaultTable
		}
		if table == "" {
			result.Relational = errors.New("sink: no destination table")
		} else {
			result.Relational = w.withTimeout(ctx, func(ctx context.Context) error {
				return w.relational.InsertRecord(ctx, record, table)
			})
		}
		if result.Relational != nil {
			w.logger.Printf("sink: relational write failed: %v", result.Relational)
		}
	}
	if w.timeSeries != nil {
		result.TimeSeries = w.withTimeout(ctx, func(ctx context.Context) error {
			written, dropped, err := w.timeSeries.WritePoints(ctx, record)
			result.PointsWritten = written
			result.PointsDropped = dropped
			return err
		})
		if result.TimeSeries != nil {
			w.logger.Printf("sink: time-series write failed: %v", result.TimeSeries)
		}
	}
	return result
}

// WriteHeartbeat persists a presence record to the time-series sink only,
// appending the synthetic status field used for liveness tracking.
func (w *DualWriter) WriteHeartbeat(ctx context.Context, record ingest.Record) Result {
	var result Result
	if w.timeSeries == nil {
		return result
	}
	fields := make(map[string]any, len(record.Fields)+1)
	for name, value := range record.Fields {
		fields[name] = value
	}
	fields["status"] = 1
	record.Fields = fields

	result.TimeSeries = w.withTimeout(ctx, func(ctx context.Context) error {
		written, dropped, err := w.timeSeries.WritePoints(ctx, record)
		result.PointsWritten = written
		result.PointsDropped = dropped
		return err
	})
	if result.TimeSeries != nil {
		w.logger.Printf("sink: heartbeat write failed: %v", result.TimeSeries)
	}
	return result
}

func (w *DualWriter) withTimeout(ctx context.Context, fn func(context.Context) error) error {
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}
	return fn(ctx)
}
