package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"healbot/internal/domain"

	_ "github.com/mattn/go-sqlite3"
)

func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS reports (
		id               TEXT PRIMARY KEY,
		kind             TEXT NOT NULL,
		submitter_id     TEXT NOT NULL,
		submitter_label  TEXT DEFAULT '',
		description      TEXT NOT NULL,
		logs             TEXT DEFAULT '[]',
		source_url       TEXT DEFAULT '',
		user_agent       TEXT DEFAULT '',
		submitted_at     DATETIME NOT NULL,
		created_at       DATETIME NOT NULL,
		updated_at       DATETIME NOT NULL,
		status           TEXT NOT NULL,
		priority         TEXT DEFAULT '',
		category         TEXT DEFAULT '',
		auto_fixable     INTEGER DEFAULT 0,
		verdict          TEXT DEFAULT '',
		analysis         TEXT DEFAULT '',
		proposals        TEXT DEFAULT '[]',
		pull_request_url TEXT DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_reports_status_updated ON reports(status, updated_at);
	CREATE INDEX IF NOT EXISTS idx_reports_submitter ON reports(submitter_id);

	CREATE TABLE IF NOT EXISTS patch_records (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		report_id       TEXT NOT NULL,
		file            TEXT NOT NULL,
		backup_location TEXT NOT NULL,
		outcome         TEXT NOT NULL,
		error           TEXT DEFAULT '',
		created_at      DATETIME NOT NULL,
		applied_at      DATETIME,
		rolled_back_at  DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_patch_records_report ON patch_records(report_id);

	CREATE TABLE IF NOT EXISTS audit_entries (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		report_id   TEXT NOT NULL,
		event       TEXT NOT NULL,
		from_status TEXT DEFAULT '',
		to_status   TEXT DEFAULT '',
		detail      TEXT DEFAULT '',
		actor       TEXT DEFAULT '',
		created_at  DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_report ON audit_entries(report_id);

	CREATE TRIGGER IF NOT EXISTS audit_entries_no_update
	BEFORE UPDATE ON audit_entries
	BEGIN
		SELECT RAISE(ABORT, 'audit entries are append-only');
	END;
	CREATE TRIGGER IF NOT EXISTS audit_entries_no_delete
	BEFORE DELETE ON audit_entries
	BEGIN
		SELECT RAISE(ABORT, 'audit entries are append-only');
	END;
	`
	_, err = db.Exec(schema)
	if err != nil {
		db.Close()
		return nil, err
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// migrate applies additive column changes to databases created by older builds.
func migrate(db *sql.DB) error {
	var colCount int
	err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('reports') WHERE name = 'last_error'`).Scan(&colCount)
	if err != nil {
		return fmt.Errorf("inspect reports columns: %w", err)
	}
	if colCount == 0 {
		if _, err := db.Exec(`ALTER TABLE reports ADD COLUMN last_error TEXT DEFAULT ''`); err != nil {
			return fmt.Errorf("add reports.last_error: %w", err)
		}
	}
	return nil
}

// Store is the pipeline's persistence layer.
type Store struct {
	db *sql.DB

	mu           sync.RWMutex
	onTransition func(context.Context, domain.AuditEntry)
}

// NotifyTransitions registers fn to receive every transition audit entry
// after its transaction commits. A later call replaces the earlier one.
func (s *Store) NotifyTransitions(fn func(context.Context, domain.AuditEntry)) {
	s.mu.Lock()
	s.onTransition = fn
	s.mu.Unlock()
}

func Open(path string) (*Store, error) {
	db, err := InitDB(path)
	if err != nil {
		return nil, fmt.Errorf("init database %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
