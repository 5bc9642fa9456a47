package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// PolicyStore abstracts DB queries for testability.
type PolicyStore interface {
	ListPolicies(ctx context.Context) ([]policyRow, error)
}

type policyRow struct {
	ToolName             string
	RequiresConfirmation sql.NullBool
	RateLimit            string // JSONB as string
	ScanArguments        bool
	ScanPII              bool
}

// sqlPolicyStore is the real implementation using *sql.DB.
type sqlPolicyStore struct {
	db *sql.DB
}

func (s *sqlPolicyStore) ListPolicies(ctx context.Context) ([]policyRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tool_name, requires_confirmation, rate_limit, scan_arguments, scan_pii
		FROM tool_policies
		ORDER BY tool_name
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []policyRow
	for rows.Next() {
		var r policyRow
		var rateLimit sql.NullString
		if err := rows.Scan(&r.ToolName, &r.RequiresConfirmation, &rateLimit, &r.ScanArguments, &r.ScanPII); err != nil {
			return nil, err
		}
		if rateLimit.Valid {
			r.RateLimit = rateLimit.String
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PostgresLoader builds a policy table from the tool_policies table.
// The row named "*" becomes the default policy.
type PostgresLoader struct {
	store  PolicyStore
	logger *zap.Logger
}

// NewPostgresLoader creates a loader backed by db.
func NewPostgresLoader(db *sql.DB, logger *zap.Logger) *PostgresLoader {
	return &PostgresLoader{store: &sqlPolicyStore{db: db}, logger: logger}
}

// newPostgresLoaderWithStore creates a loader with a custom store (for testing).
func newPostgresLoaderWithStore(store PolicyStore, logger *zap.Logger) *PostgresLoader {
	return &PostgresLoader{store: store, logger: logger}
}

// Load reads every policy row. cascade is not stored per tool and is
// passed through from configuration.
func (l *PostgresLoader) Load(ctx context.Context, cascade bool) (*Table, error) {
	rows, err := l.store.ListPolicies(ctx)
	if err != nil {
		return nil, fmt.Errorf("Load: %w", err)
	}

	t := NewTable()
	t.CascadeDenials = cascade
	for i := range rows {
		p, err := parsePolicyRow(&rows[i])
		if err != nil {
			return nil, fmt.Errorf("Load: %w", err)
		}
		if rows[i].ToolName == "*" {
			t.Default = p
			continue
		}
		t.Tools[rows[i].ToolName] = p
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("Load: %w", err)
	}

	l.logger.Info("guardrail policies loaded from postgres",
		zap.Int("tool_count", len(t.Tools)),
	)
	return t, nil
}

func parsePolicyRow(row *policyRow) (GuardrailPolicy, error) {
	p := GuardrailPolicy{ScanArguments: row.ScanArguments, ScanPII: row.ScanPII}
	if row.RequiresConfirmation.Valid {
		p.RequiresConfirmation = Bool(row.RequiresConfirmation.Bool)
	}
	if row.RateLimit != "" && row.RateLimit != "{}" && row.RateLimit != "null" {
		var rl RateLimit
		if err := json.Unmarshal([]byte(row.RateLimit), &rl); err != nil {
			return p, fmt.Errorf("parsePolicyRow: %s: rate_limit: %w", row.ToolName, err)
		}
		p.RateLimit = &rl
	}
	return p, nil
}
