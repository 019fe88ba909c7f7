package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pavelanni/assessor/internal/model"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Store struct {
	db     *sql.DB
	driver string
}

// New opens the database and applies the schema. driver is "sqlite" (dsn is a
// file path or ":memory:") or "postgres" (dsn is a pgx connection string).
func New(ctx context.Context, driver, dsn string) (*Store, error) {
	var db *sql.DB
	var err error
	switch driver {
	case DriverSQLite, "":
		driver = DriverSQLite
		db, err = sql.Open("sqlite", sqliteDSN(dsn))
		if err == nil && strings.Contains(dsn, ":memory:") {
			// Each connection to :memory: is a separate database.
			db.SetMaxOpenConns(1)
		}
	case DriverPostgres:
		db, err = sql.Open("pgx", dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db, driver: driver}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func sqliteDSN(path string) string {
	return path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// The schema sticks to types both SQLite and PostgreSQL accept. Times are unix
// milliseconds; list-valued fields are JSON text.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS students (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		calibration DOUBLE PRECISION,
		created_at BIGINT NOT NULL,
		last_activity BIGINT
	)`,
	`CREATE TABLE IF NOT EXISTS questions (
		id TEXT PRIMARY KEY,
		subject TEXT NOT NULL,
		topic TEXT NOT NULL DEFAULT '',
		text TEXT NOT NULL,
		options TEXT NOT NULL,
		correct_option TEXT NOT NULL,
		difficulty DOUBLE PRECISION NOT NULL,
		hints TEXT NOT NULL DEFAULT '[]',
		explanation TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_questions_subject ON questions (subject)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL REFERENCES students (id),
		subject TEXT NOT NULL,
		total_questions INTEGER NOT NULL,
		current_difficulty DOUBLE PRECISION NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		questions_completed INTEGER NOT NULL DEFAULT 0,
		correct_answers INTEGER NOT NULL DEFAULT 0,
		version BIGINT NOT NULL DEFAULT 0,
		created_at BIGINT NOT NULL,
		completed_at BIGINT,
		closed_at BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_student ON sessions (student_id)`,
	`CREATE TABLE IF NOT EXISTS interactions (
		session_id TEXT NOT NULL REFERENCES sessions (id),
		question_id TEXT NOT NULL REFERENCES questions (id),
		student_id TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		issued_at BIGINT NOT NULL,
		initial_option TEXT NOT NULL DEFAULT '',
		final_option TEXT NOT NULL DEFAULT '',
		option_change_count INTEGER NOT NULL DEFAULT 0,
		option_change_history TEXT NOT NULL DEFAULT '[]',
		navigation_count INTEGER NOT NULL DEFAULT 0,
		hints_requested INTEGER NOT NULL DEFAULT 0,
		hint_usage TEXT NOT NULL DEFAULT '[]',
		response_time_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
		inactivity_ms BIGINT NOT NULL DEFAULT 0,
		facial_samples TEXT NOT NULL DEFAULT '[]',
		submitted_answer TEXT NOT NULL DEFAULT '',
		is_correct BOOLEAN NOT NULL DEFAULT FALSE,
		difficulty_before DOUBLE PRECISION NOT NULL,
		difficulty_after DOUBLE PRECISION NOT NULL DEFAULT 0,
		fingerprint TEXT NOT NULL DEFAULT '',
		submitted_at BIGINT,
		PRIMARY KEY (session_id, question_id),
		UNIQUE (session_id, sequence)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_interactions_student ON interactions (student_id)`,
	`CREATE TABLE IF NOT EXISTS engagement_snapshots (
		session_id TEXT NOT NULL REFERENCES sessions (id),
		sequence INTEGER NOT NULL,
		question_id TEXT NOT NULL,
		score DOUBLE PRECISION NOT NULL,
		level TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		PRIMARY KEY (session_id, sequence)
	)`,
	`CREATE TABLE IF NOT EXISTS adaptations (
		session_id TEXT NOT NULL REFERENCES sessions (id),
		sequence INTEGER NOT NULL,
		question_id TEXT NOT NULL,
		branch TEXT NOT NULL,
		modifiers TEXT NOT NULL DEFAULT '[]',
		old_difficulty DOUBLE PRECISION NOT NULL,
		new_difficulty DOUBLE PRECISION NOT NULL,
		delta DOUBLE PRECISION NOT NULL,
		engagement_score DOUBLE PRECISION NOT NULL,
		rationale TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		PRIMARY KEY (session_id, sequence)
	)`,
	`CREATE TABLE IF NOT EXISTS imported_files (
		path TEXT PRIMARY KEY,
		sha256 TEXT NOT NULL,
		imported_at BIGINT NOT NULL
	)`,
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// notFound converts sql.ErrNoRows into a domain NotFound error.
func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return &model.Error{Code: model.CodeNotFound, Message: what + " not found"}
	}
	return err
}

var nowFunc = time.Now

// timeUnit is the precision of stored timestamps.
const timeUnit = time.Millisecond

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func fromNullMillis(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}
