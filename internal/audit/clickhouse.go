package audit

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

const (
	bufferSize    = 10_000
	flushInterval = 100 * time.Millisecond
	flushBatch    = 1000
	drainTimeout  = 2 * time.Second
	appendWait    = 50 * time.Millisecond
)

// ClickHouseWriter writes audit records to ClickHouse asynchronously.
// Append waits at most appendWait for buffer space, then drops.
type ClickHouseWriter struct {
	conn    driver.Conn
	buffer  chan *Record
	done    chan struct{}
	flushed chan struct{}
	dropped atomic.Int64
	logger  *zap.Logger
}

// NewClickHouseWriter creates a ClickHouseWriter and starts the background flush loop.
func NewClickHouseWriter(dsn string, logger *zap.Logger) (*ClickHouseWriter, error) {
	conn, err := openClickHouse(dsn)
	if err != nil {
		return nil, err
	}

	w := &ClickHouseWriter{
		conn:    conn,
		buffer:  make(chan *Record, bufferSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		logger:  logger,
	}

	go w.flushLoop()
	return w, nil
}

func openClickHouse(dsn string) (driver.Conn, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	// TLS is enabled through the DSN (secure=true).
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, err
	}
	return conn, nil
}

// Append queues a record for async insertion.
func (w *ClickHouseWriter) Append(rec *Record) {
	select {
	case w.buffer <- rec:
		return
	default:
	}

	timer := time.NewTimer(appendWait)
	defer timer.Stop()
	select {
	case w.buffer <- rec:
	case <-timer.C:
		w.dropped.Add(1)
		w.logger.Warn("clickhouse buffer full, dropping audit record",
			zap.String("request_id", rec.Request.ID),
			zap.Int64("dropped_total", w.dropped.Load()),
		)
	}
}

// Dropped returns how many records were discarded because the buffer was full.
func (w *ClickHouseWriter) Dropped() int64 {
	return w.dropped.Load()
}

// Close signals the flush loop to drain remaining records.
func (w *ClickHouseWriter) Close() {
	close(w.done)
	<-w.flushed
	_ = w.conn.Close()
}

func (w *ClickHouseWriter) flushLoop() {
	defer close(w.flushed)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]*Record, 0, flushBatch)

	for {
		select {
		case rec := <-w.buffer:
			batch = append(batch, rec)
			if len(batch) >= flushBatch {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-w.done:
			drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			defer cancel()
		drainLoop:
			for {
				select {
				case rec := <-w.buffer:
					batch = append(batch, rec)
				case <-drainCtx.Done():
					break drainLoop
				default:
					break drainLoop
				}
			}
			if len(batch) > 0 {
				w.flush(batch)
			}
			return
		}
	}
}

func (w *ClickHouseWriter) flush(records []*Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	batch, err := w.conn.PrepareBatch(ctx, `
		INSERT INTO tool_audit_log (
			id, session_id, timestamp, request_id, turn_id, tool_name,
			arguments_json, decision, reason, outcome, outcome_reason
		)
	`)
	if err != nil {
		w.logger.Error("clickhouse prepare batch failed", zap.Error(err))
		return
	}

	for _, r := range records {
		row := toRow(r)
		if err := batch.Append(
			row.ID,
			row.SessionID,
			row.Timestamp,
			row.RequestID,
			row.TurnID,
			row.ToolName,
			row.ArgumentsJSON,
			row.Decision,
			row.Reason,
			row.Outcome,
			row.OutcomeReason,
		); err != nil {
			w.logger.Error("clickhouse append audit record failed",
				zap.String("request_id", r.Request.ID),
				zap.Error(err),
			)
		}
	}

	if err := batch.Send(); err != nil {
		w.logger.Error("clickhouse batch send failed",
			zap.Int("batch_size", len(records)),
			zap.Error(err),
		)
	}
}

// Row is the flattened shape of a Record as stored in tool_audit_log.
type Row struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"session_id"`
	Timestamp     time.Time `json:"timestamp"`
	RequestID     string    `json:"request_id"`
	TurnID        string    `json:"turn_id"`
	ToolName      string    `json:"tool_name"`
	ArgumentsJSON string    `json:"arguments_json"`
	Decision      string    `json:"decision"`
	Reason        string    `json:"reason"`
	Outcome       string    `json:"outcome"`
	OutcomeReason string    `json:"outcome_reason"`
}

func toRow(r *Record) Row {
	row := Row{
		ID:            r.ID,
		SessionID:     r.SessionID,
		Timestamp:     r.Timestamp,
		RequestID:     r.Request.ID,
		TurnID:        r.Request.TurnID,
		ToolName:      r.Request.ToolName,
		ArgumentsJSON: string(r.Request.Arguments),
		Decision:      string(r.Decision),
		Reason:        r.Reason,
	}
	if r.Result != nil {
		row.Outcome = string(r.Result.Outcome.Kind)
		row.OutcomeReason = r.Result.Outcome.Reason
	}
	return row
}

// LogWriter is a fallback Writer for local development.
type LogWriter struct {
	logger *zap.Logger
}

// NewLogWriter creates a LogWriter that outputs records to the given logger.
func NewLogWriter(logger *zap.Logger) *LogWriter {
	return &LogWriter{logger: logger}
}

func (w *LogWriter) Append(rec *Record) {
	fields := []zap.Field{
		zap.String("audit_id", rec.ID),
		zap.String("session_id", rec.SessionID),
		zap.String("request_id", rec.Request.ID),
		zap.String("tool_name", rec.Request.ToolName),
		zap.String("decision", string(rec.Decision)),
		zap.String("reason", rec.Reason),
	}
	if rec.Result != nil {
		fields = append(fields, zap.String("outcome", string(rec.Result.Outcome.Kind)))
	}
	w.logger.Info("tool_audit_record", fields...)
}

func (w *LogWriter) Close() {}
