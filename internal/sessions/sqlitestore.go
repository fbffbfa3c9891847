package sessions

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the alternate Store backend, selected by config instead
// of the default FileStore. Grounded on the teacher's provider-registry
// pattern of naming a backend and constructing it behind a shared
// interface (internal/models/registry.go), generalized here from "model
// provider by name" to "session store by name."
type SQLiteStore struct {
	mu sync.Mutex
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) a SQLite-backed Store at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers on one handle

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			message_count INTEGER NOT NULL DEFAULT 0,
			tokens_input INTEGER NOT NULL DEFAULT 0,
			tokens_output INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS messages (
			conversation_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			ts TEXT NOT NULL,
			PRIMARY KEY (conversation_id, seq)
		);
	`)
	if err != nil {
		return fmt.Errorf("migrate sqlite schema: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetOrCreate(conversationID string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, err := s.get(conversationID); err == nil {
		return c, nil
	}

	now := time.Now().UTC()
	_, err := s.db.Exec(
		`INSERT INTO conversations (id, created_at, updated_at) VALUES (?, ?, ?)`,
		conversationID, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	return &Conversation{ID: conversationID, CreatedAt: now, UpdatedAt: now}, nil
}

func (s *SQLiteStore) Get(conversationID string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(conversationID)
}

func (s *SQLiteStore) get(conversationID string) (*Conversation, error) {
	row := s.db.QueryRow(
		`SELECT id, created_at, updated_at, message_count, tokens_input, tokens_output
		 FROM conversations WHERE id = ?`, conversationID,
	)
	var c Conversation
	var createdAt, updatedAt string
	if err := row.Scan(&c.ID, &createdAt, &updatedAt, &c.MessageCount, &c.TokenUsage.Input, &c.TokenUsage.Output); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("conversation not found: %s: %w", conversationID, sql.ErrNoRows)
		}
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	c.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	c.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &c, nil
}

func (s *SQLiteStore) AppendMessage(conversationID string, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.get(conversationID); err != nil {
		now := time.Now().UTC()
		if _, err := s.db.Exec(
			`INSERT INTO conversations (id, created_at, updated_at) VALUES (?, ?, ?)`,
			conversationID, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
		); err != nil {
			return fmt.Errorf("insert conversation: %w", err)
		}
	}

	var nextSeq int
	row := s.db.QueryRow(`SELECT COALESCE(MAX(seq), -1) + 1 FROM messages WHERE conversation_id = ?`, conversationID)
	if err := row.Scan(&nextSeq); err != nil {
		return fmt.Errorf("compute next sequence: %w", err)
	}

	ts := msg.Ts
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	if _, err := s.db.Exec(
		`INSERT INTO messages (conversation_id, seq, role, content, ts) VALUES (?, ?, ?, ?, ?)`,
		conversationID, nextSeq, msg.Role, msg.Content, ts.Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	now := time.Now().UTC()
	if _, err := s.db.Exec(
		`UPDATE conversations SET message_count = message_count + 1, updated_at = ? WHERE id = ?`,
		now.Format(time.RFC3339Nano), conversationID,
	); err != nil {
		return fmt.Errorf("bump message count: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadMessages(conversationID string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT role, content, ts FROM messages WHERE conversation_id = ? ORDER BY seq ASC`, conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var ts string
		if err := rows.Scan(&m.Role, &m.Content, &ts); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Ts, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AddUsage(conversationID string, usage TokenUsage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.get(conversationID); err != nil {
		now := time.Now().UTC()
		if _, err := s.db.Exec(
			`INSERT INTO conversations (id, created_at, updated_at) VALUES (?, ?, ?)`,
			conversationID, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
		); err != nil {
			return fmt.Errorf("insert conversation: %w", err)
		}
	}

	now := time.Now().UTC()
	_, err := s.db.Exec(
		`UPDATE conversations SET tokens_input = tokens_input + ?, tokens_output = tokens_output + ?, updated_at = ? WHERE id = ?`,
		usage.Input, usage.Output, now.Format(time.RFC3339Nano), conversationID,
	)
	if err != nil {
		return fmt.Errorf("add usage: %w", err)
	}
	return nil
}
