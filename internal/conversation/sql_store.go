package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Dialect selects placeholder and upsert syntax.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
)

// driverName maps a dialect to its database/sql driver.
func (d Dialect) driverName() string {
	switch d {
	case DialectPostgres:
		return "pgx"
	case DialectMySQL:
		return "mysql"
	default:
		return "sqlite"
	}
}

// SQLConfig configures a SQLStore.
type SQLConfig struct {
	Dialect Dialect
	DSN     string // file path for sqlite
}

// SQLStore keeps one row per session with the state JSON-encoded.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// OpenSQLStore opens the database, applies the schema, and returns a store.
func OpenSQLStore(ctx context.Context, cfg SQLConfig) (*SQLStore, error) {
	dialect := cfg.Dialect
	if dialect == "" {
		dialect = DialectSQLite
	}
	dsn := cfg.DSN
	if dialect == DialectMySQL {
		mc, err := mysql.ParseDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("OpenSQLStore: %w", err)
		}
		mc.ParseTime = true
		dsn = mc.FormatDSN()
	}

	db, err := sql.Open(dialect.driverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("OpenSQLStore: %w", err)
	}
	if dialect == DialectSQLite {
		// single writer; avoids SQLITE_BUSY under concurrent sessions
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("OpenSQLStore: %w", err)
	}

	s := &SQLStore{db: db, dialect: dialect}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStore wraps an already-open database. The schema must exist.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

func (s *SQLStore) initSchema(ctx context.Context) error {
	idType, textType := "TEXT", "TEXT"
	if s.dialect == DialectMySQL {
		idType, textType = "VARCHAR(191)", "LONGTEXT"
	}
	schema := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS conversation_sessions (
		session_id %s PRIMARY KEY,
		state %s NOT NULL,
		status VARCHAR(32) NOT NULL,
		confirm_deadline_ms BIGINT NOT NULL DEFAULT 0,
		version BIGINT NOT NULL,
		updated_at_ms BIGINT NOT NULL
	)`, idType, textType)
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("initSchema: %w", err)
	}
	return nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) Load(ctx context.Context, sessionID string) (*State, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT state FROM conversation_sessions WHERE session_id = ?`), sessionID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return New(sessionID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("Load: %w", err)
	}
	var st State
	if err := json.Unmarshal([]byte(data), &st); err != nil {
		return nil, fmt.Errorf("Load: %w", err)
	}
	return &st, nil
}

func (s *SQLStore) Save(ctx context.Context, st *State) error {
	prev := st.Version
	st.Version++
	st.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(st)
	if err != nil {
		st.Version = prev
		return fmt.Errorf("Save: %w", err)
	}

	var deadlineMs int64
	if st.Suspended != nil && st.Suspended.Unanswered() {
		deadlineMs = st.Suspended.Deadline().UnixMilli()
	}
	args := []any{string(data), string(st.Status), deadlineMs, st.Version, st.UpdatedAt.UnixMilli(), st.SessionID, prev}

	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE conversation_sessions
		SET state = ?, status = ?, confirm_deadline_ms = ?, version = ?, updated_at_ms = ?
		WHERE session_id = ? AND version = ?
	`), args...)
	if err != nil {
		st.Version = prev
		return fmt.Errorf("Save: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if prev != 0 {
		st.Version = prev
		return ErrVersionConflict
	}

	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO conversation_sessions (session_id, state, status, confirm_deadline_ms, version, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)
	`), st.SessionID, string(data), string(st.Status), deadlineMs, st.Version, st.UpdatedAt.UnixMilli())
	if err != nil {
		st.Version = prev
		if isDuplicateKey(err) {
			return ErrVersionConflict
		}
		return fmt.Errorf("Save: %w", err)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx,
		s.rebind(`DELETE FROM conversation_sessions WHERE session_id = ?`), sessionID,
	); err != nil {
		return fmt.Errorf("Delete: %w", err)
	}
	return nil
}

func (s *SQLStore) Overdue(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT session_id FROM conversation_sessions
		WHERE confirm_deadline_ms > 0 AND confirm_deadline_ms <= ?
		ORDER BY session_id
	`), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("Overdue: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("Overdue: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func isDuplicateKey(err error) bool {
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return me.Number == 1062
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}
