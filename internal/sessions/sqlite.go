package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/haasonsaas/relay/pkg/models"
)

// SQLiteStore persists session logs in a local SQLite database. The seq
// column gives messages a monotonic append order independent of clock skew.
type SQLiteStore struct {
	db *sql.DB

	stmtAppend  *sql.Stmt
	stmtHistory *sql.Stmt
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS session_messages (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id   TEXT NOT NULL,
	message_id   TEXT NOT NULL,
	role         TEXT NOT NULL,
	content      TEXT NOT NULL,
	tool_calls   TEXT,
	tool_call_id TEXT,
	metadata     TEXT,
	created_at   TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_messages_session
	ON session_messages(session_id, seq);
`

// NewSQLiteStore opens (or creates) the database at path and runs the
// schema migration. Use ":memory:" only in single-connection setups.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// SQLite allows one writer; more connections just contend on the lock.
	db.SetMaxOpenConns(1)

	store, err := newSQLiteStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLiteStoreWithDB wraps an existing connection, running migrations and
// preparing statements on it. The caller keeps ownership of db.
func NewSQLiteStoreWithDB(db *sql.DB) (*SQLiteStore, error) {
	return newSQLiteStore(db)
}

func newSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, fmt.Errorf("migrate session schema: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.prepareStatements(ctx); err != nil {
		return nil, fmt.Errorf("prepare statements: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) prepareStatements(ctx context.Context) error {
	var err error
	s.stmtAppend, err = s.db.PrepareContext(ctx, `
		INSERT INTO session_messages
			(session_id, message_id, role, content, tool_calls, tool_call_id, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("append statement: %w", err)
	}
	s.stmtHistory, err = s.db.PrepareContext(ctx, `
		SELECT message_id, role, content, tool_calls, tool_call_id, metadata, created_at
		FROM session_messages
		WHERE session_id = ?
		ORDER BY seq DESC
		LIMIT ?`)
	if err != nil {
		return fmt.Errorf("history statement: %w", err)
	}
	return nil
}

// Close releases prepared statements and the database handle.
func (s *SQLiteStore) Close() error {
	if s.stmtAppend != nil {
		_ = s.stmtAppend.Close()
	}
	if s.stmtHistory != nil {
		_ = s.stmtHistory.Close()
	}
	return s.db.Close()
}

// Append inserts msg at the end of sessionID's log.
func (s *SQLiteStore) Append(ctx context.Context, sessionID string, msg *models.Message) error {
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}
	if msg == nil {
		return fmt.Errorf("message is required")
	}
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("invalid message: %w", err)
	}

	id := msg.ID
	if id == "" {
		id = uuid.NewString()
	}
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	toolCallsJSON, err := json.Marshal(msg.ToolCalls)
	if err != nil {
		return fmt.Errorf("marshal tool calls: %w", err)
	}
	metadataJSON, err := json.Marshal(msg.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.stmtAppend.ExecContext(ctx,
		sessionID,
		id,
		string(msg.Role),
		msg.Content,
		string(toolCallsJSON),
		msg.ToolCallID,
		string(metadataJSON),
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// History returns up to limit most recent messages in chronological order.
func (s *SQLiteStore) History(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	rows, err := s.stmtHistory.QueryContext(ctx, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		msg := &models.Message{}
		var role string
		var toolCallsJSON, metadataJSON sql.NullString

		if err := rows.Scan(
			&msg.ID,
			&role,
			&msg.Content,
			&toolCallsJSON,
			&msg.ToolCallID,
			&metadataJSON,
			&msg.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Role = models.Role(role)

		if toolCallsJSON.Valid && toolCallsJSON.String != "" && toolCallsJSON.String != "null" {
			if err := json.Unmarshal([]byte(toolCallsJSON.String), &msg.ToolCalls); err != nil {
				return nil, fmt.Errorf("unmarshal tool calls: %w", err)
			}
		}
		if metadataJSON.Valid && metadataJSON.String != "" && metadataJSON.String != "null" {
			if err := json.Unmarshal([]byte(metadataJSON.String), &msg.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal metadata: %w", err)
			}
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	// Rows arrive newest-first; reverse into chronological order.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}
