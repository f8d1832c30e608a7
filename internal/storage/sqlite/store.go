// Package sqlite implements the durable store on an embedded SQLite
// database. A single writer connection serializes mutations; WAL mode
// keeps reads cheap.
package sqlite

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/mindmux/mindmux/internal/storage"
)

const schemaVersion = 1

const busyTimeout = 5 * time.Second

// Store is the SQLite-backed implementation of storage.Store.
type Store struct {
	db       *sqlx.DB
	ownsDB   bool
	agents   *agentRepository
	tasks    *taskRepository
	sessions *sessionRepository
	audit    *auditRepository
}

var _ storage.Store = (*Store)(nil)

// Open opens (creating if necessary) the database at dbPath and runs the
// schema migration.
func Open(dbPath string) (*Store, error) {
	normalizedPath := normalizePath(dbPath)
	if err := ensureDir(normalizedPath); err != nil {
		return nil, fmt.Errorf("failed to prepare database path: %w", err)
	}

	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
		normalizedPath,
		int(busyTimeout/time.Millisecond),
	)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer connection: serializes writes and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return newStore(db, true)
}

// NewWithDB wraps an existing connection; used by tests with :memory:.
func NewWithDB(db *sqlx.DB) (*Store, error) {
	return newStore(db, false)
}

func newStore(db *sqlx.DB, ownsDB bool) (*Store, error) {
	s := &Store{db: db, ownsDB: ownsDB}
	if err := s.initSchema(); err != nil {
		if ownsDB {
			_ = db.Close()
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	s.agents = &agentRepository{db: db}
	s.tasks = &taskRepository{db: db}
	s.sessions = &sessionRepository{db: db}
	s.audit = &auditRepository{db: db}
	return s, nil
}

func (s *Store) Agents() storage.AgentRepository     { return s.agents }
func (s *Store) Tasks() storage.TaskRepository       { return s.tasks }
func (s *Store) Sessions() storage.SessionRepository { return s.sessions }
func (s *Store) Audit() storage.AuditRepository      { return s.audit }

// Close flushes query planner statistics and closes the connection when
// this store owns it.
func (s *Store) Close() error {
	if !s.ownsDB {
		return nil
	}
	_, _ = s.db.Exec("PRAGMA optimize")
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		kind TEXT NOT NULL,
		capabilities TEXT NOT NULL DEFAULT '[]',
		config TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL,
		session_name TEXT NOT NULL DEFAULT '',
		is_running INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		last_activity TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		prompt TEXT NOT NULL,
		priority INTEGER NOT NULL,
		required_capabilities TEXT NOT NULL DEFAULT '[]',
		depends_on TEXT NOT NULL DEFAULT '[]',
		assigned_agent_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 3,
		timeout_ms INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		queued_at TIMESTAMP,
		assigned_at TIMESTAMP,
		started_at TIMESTAMP,
		completed_at TIMESTAMP,
		result TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		multiplexer_session_name TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at TIMESTAMP NOT NULL,
		ended_at TIMESTAMP,
		process_id INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TIMESTAMP NOT NULL,
		event_name TEXT NOT NULL,
		entity_kind TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		changes TEXT NOT NULL DEFAULT '{}',
		actor TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_agent ON tasks(assigned_agent_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_agent ON sessions(agent_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_log(entity_kind, entity_id);
	CREATE INDEX IF NOT EXISTS idx_audit_event ON audit_log(event_name);
	CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(timestamp);

	-- Session names are deterministic per agent, so history rows repeat
	-- them; only live sessions must be unique.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_mux_name
		ON sessions(multiplexer_session_name) WHERE status != 'terminated';
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	_, err := s.db.Exec(`INSERT OR IGNORE INTO schema_version (version) VALUES (?)`, schemaVersion)
	return err
}

func ensureDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func normalizePath(dbPath string) string {
	if dbPath == "" {
		return dbPath
	}
	abs, err := filepath.Abs(dbPath)
	if err != nil {
		return dbPath
	}
	return abs
}
