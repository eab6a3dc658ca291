package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"puenjai/internal/domain"
)

// Dialect selects the SQL flavour and database/sql driver.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite3"
)

const pingTimeout = 5 * time.Second

var schemas = map[Dialect][]string{
	DialectPostgres: {
		`CREATE TABLE IF NOT EXISTS conversations (
			id         BIGSERIAL PRIMARY KEY,
			name       TEXT NOT NULL,
			message    TEXT NOT NULL,
			ai_reply   TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS conversations_created_at_idx ON conversations (created_at DESC)`,
	},
	DialectSQLite: {
		`CREATE TABLE IF NOT EXISTS conversations (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			name       TEXT NOT NULL,
			message    TEXT NOT NULL,
			ai_reply   TEXT NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS conversations_created_at_idx ON conversations (created_at DESC)`,
	},
}

// OpenSQL opens and pings a database for dialect. For sqlite, dsn is a file
// path whose parent directory is created when missing.
func OpenSQL(ctx context.Context, dialect Dialect, dsn string) (*sql.DB, error) {
	if _, ok := schemas[dialect]; !ok {
		return nil, fmt.Errorf("repository: unsupported dialect %q", dialect)
	}
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("repository: dsn must not be empty")
	}

	if dialect == DialectSQLite {
		if dir := filepath.Dir(dsn); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("repository: create db directory %s: %w", dir, err)
			}
		}
		if !strings.Contains(dsn, "?") {
			dsn += "?_journal_mode=WAL&_busy_timeout=5000"
		}
	}

	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("repository: open %s: %w", dialect, err)
	}

	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("repository: ping %s: %w", dialect, err)
	}
	return db, nil
}

// SQLStore keeps conversation records in a relational table.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

func NewSQLStore(db *sql.DB, dialect Dialect) (*SQLStore, error) {
	if db == nil {
		return nil, errors.New("repository: db must not be nil")
	}
	if _, ok := schemas[dialect]; !ok {
		return nil, fmt.Errorf("repository: unsupported dialect %q", dialect)
	}
	return &SQLStore{db: db, dialect: dialect, now: time.Now}, nil
}

// EnsureSchema creates the conversations table and its index if needed.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemas[s.dialect] {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("repository: EnsureSchema: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) InsertPending(ctx context.Context, name, message string) (string, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, s.rebind(`
		INSERT INTO conversations (name, message, ai_reply, created_at)
		VALUES (?, ?, ?, ?)
		RETURNING id
	`), name, message, domain.PendingReply, s.now().UTC()).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("repository: InsertPending: %w", err)
	}
	return strconv.FormatInt(id, 10), nil
}

// UpdateReply sets the reply of a pending record. It fails with
// ErrRecordNotPending when no pending record has that ID.
func (s *SQLStore) UpdateReply(ctx context.Context, recordID, reply string) error {
	id, err := strconv.ParseInt(recordID, 10, 64)
	if err != nil {
		return fmt.Errorf("repository: UpdateReply %q: %w", recordID, ErrRecordNotPending)
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE conversations SET ai_reply = ?
		WHERE id = ? AND ai_reply = ?
	`), reply, id, domain.PendingReply)
	if err != nil {
		return fmt.Errorf("repository: UpdateReply: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("repository: UpdateReply rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("repository: UpdateReply %q: %w", recordID, ErrRecordNotPending)
	}
	return nil
}

// ListHistory returns every record, newest first.
func (s *SQLStore) ListHistory(ctx context.Context) ([]domain.ConversationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, message, ai_reply, created_at
		FROM conversations
		ORDER BY created_at DESC, id DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("repository: ListHistory query: %w", err)
	}
	defer rows.Close()

	records := make([]domain.ConversationRecord, 0)
	for rows.Next() {
		var (
			id  int64
			rec domain.ConversationRecord
		)
		if err := rows.Scan(&id, &rec.Name, &rec.Message, &rec.AIReply, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("repository: ListHistory scan: %w", err)
		}
		rec.ID = strconv.FormatInt(id, 10)
		rec.Timestamp = rec.Timestamp.UTC()
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: ListHistory rows: %w", err)
	}
	return records, nil
}

// rebind rewrites ? placeholders into $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
