package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

// Reader provides read access to the ClickHouse tool_audit_log table.
type Reader struct {
	conn   driver.Conn
	logger *zap.Logger
}

// NewReader opens a ClickHouse connection for read queries.
func NewReader(dsn string, logger *zap.Logger) (*Reader, error) {
	conn, err := openClickHouse(dsn)
	if err != nil {
		return nil, fmt.Errorf("NewReader: %w", err)
	}
	return &Reader{conn: conn, logger: logger}, nil
}

// Close closes the ClickHouse connection.
func (r *Reader) Close() error {
	return r.conn.Close()
}

// ListParams holds filters and pagination for audit listing.
type ListParams struct {
	SessionID *string
	ToolName  *string
	Decision  *string
	StartTime *time.Time
	EndTime   *time.Time
	Page      int
	PageSize  int
}

// List returns paginated, filtered audit rows (newest first) and the total count.
func (r *Reader) List(ctx context.Context, params ListParams) ([]Row, int, error) {
	conditions := []string{"1 = 1"}
	var args []any

	if params.SessionID != nil {
		conditions = append(conditions, "session_id = @session_id")
		args = append(args, clickhouse.Named("session_id", *params.SessionID))
	}
	if params.ToolName != nil {
		conditions = append(conditions, "tool_name = @tool_name")
		args = append(args, clickhouse.Named("tool_name", *params.ToolName))
	}
	if params.Decision != nil {
		conditions = append(conditions, "decision = @decision")
		args = append(args, clickhouse.Named("decision", *params.Decision))
	}
	if params.StartTime != nil {
		conditions = append(conditions, "timestamp >= @start_time")
		args = append(args, clickhouse.Named("start_time", *params.StartTime))
	}
	if params.EndTime != nil {
		conditions = append(conditions, "timestamp <= @end_time")
		args = append(args, clickhouse.Named("end_time", *params.EndTime))
	}

	where := strings.Join(conditions, " AND ")
	offset := (params.Page - 1) * params.PageSize

	var total uint64
	countQuery := fmt.Sprintf("SELECT count() FROM tool_audit_log WHERE %s", where)
	if err := r.conn.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("List count: %w", err)
	}

	dataQuery := fmt.Sprintf(
		"SELECT id, session_id, timestamp, request_id, turn_id, tool_name, "+
			"arguments_json, decision, reason, outcome, outcome_reason "+
			"FROM tool_audit_log WHERE %s ORDER BY timestamp DESC LIMIT %d OFFSET %d",
		where, params.PageSize, offset,
	)
	rows, err := r.conn.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("List query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Row
	for rows.Next() {
		var row Row
		if err := rows.Scan(
			&row.ID, &row.SessionID, &row.Timestamp, &row.RequestID, &row.TurnID, &row.ToolName,
			&row.ArgumentsJSON, &row.Decision, &row.Reason, &row.Outcome, &row.OutcomeReason,
		); err != nil {
			return nil, 0, fmt.Errorf("List scan: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("List rows: %w", err)
	}
	return out, int(total), nil
}
