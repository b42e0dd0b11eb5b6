package backend

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-go-golems/chatstate/pkg/directory"
	"github.com/go-go-golems/chatstate/pkg/helpers"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

const sqliteSchemaV1 = `
CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    payload_json TEXT NOT NULL,
    updated_at_ms INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS messages (
    conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
    seq INTEGER NOT NULL,
    payload_json TEXT NOT NULL,
    PRIMARY KEY (conversation_id, seq)
);
CREATE TABLE IF NOT EXISTS folders (
    id TEXT PRIMARY KEY,
    seq INTEGER NOT NULL,
    payload_json TEXT NOT NULL
);
`

// SQLiteStore persists conversations, messages and folders in SQLite, one
// JSON payload per row.
type SQLiteStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	closed bool
	now    func() time.Time
}

var _ directory.Backend = (*SQLiteStore)(nil)

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite store: empty dsn")
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// SQLiteDSNForFile returns a DSN for a database file at path.
func SQLiteDSNForFile(path string) (string, error) {
	if path == "" {
		return "", errors.New("sqlite store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}

func (s *SQLiteStore) migrate() error {
	if _, err := s.db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		return errors.Wrap(err, "sqlite store: enable foreign keys")
	}
	if _, err := s.db.Exec(sqliteSchemaV1); err != nil {
		return errors.Wrap(err, "sqlite store: migrate")
	}
	return nil
}

func (s *SQLiteStore) ensureOpen() error {
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *SQLiteStore) ListConversations(ctx context.Context) ([]directory.ConversationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT payload_json FROM conversations ORDER BY updated_at_ms DESC, id ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite store: list conversations")
	}
	defer func() {
		_ = rows.Close()
	}()

	out := []directory.ConversationRecord{}
	for rows.Next() {
		var rec directory.ConversationRecord
		if err := scanPayload(rows, &rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListFolders(ctx context.Context) ([]directory.Folder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT payload_json FROM folders ORDER BY seq ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite store: list folders")
	}
	defer func() {
		_ = rows.Close()
	}()

	out := []directory.Folder{}
	for rows.Next() {
		var f directory.Folder
		if err := scanPayload(rows, &f); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string) ([]directory.MessageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}

	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations WHERE id = ?`, conversationID).Scan(&exists)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite store: lookup conversation")
	}
	if exists == 0 {
		return nil, errors.Errorf("conversation %s not found", conversationID)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT payload_json FROM messages WHERE conversation_id = ? ORDER BY seq ASC`, conversationID)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite store: list messages")
	}
	defer func() {
		_ = rows.Close()
	}()

	out := []directory.MessageRecord{}
	for rows.Next() {
		var rec directory.MessageRecord
		if err := scanPayload(rows, &rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CreateConversation(ctx context.Context, title string) (directory.ConversationRecord, error) {
	now := s.now()
	rec := directory.ConversationRecord{
		ID:        uuid.NewString(),
		Title:     helpers.NonEmptyPtr(title),
		CreatedAt: &now,
		UpdatedAt: &now,
	}
	if err := s.PutConversation(ctx, rec); err != nil {
		return directory.ConversationRecord{}, err
	}
	return rec, nil
}

// PutConversation inserts or replaces rec.
func (s *SQLiteStore) PutConversation(ctx context.Context, rec directory.ConversationRecord) error {
	if rec.ID == "" {
		return errors.New("sqlite store: conversation without id")
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	var updated int64
	switch {
	case rec.UpdatedAt != nil:
		updated = rec.UpdatedAt.UnixMilli()
	case rec.CreatedAt != nil:
		updated = rec.CreatedAt.UnixMilli()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO conversations (id, payload_json, updated_at_ms)
VALUES (?, ?, ?)
ON CONFLICT(id) DO UPDATE SET payload_json = excluded.payload_json, updated_at_ms = excluded.updated_at_ms`,
		rec.ID,
		string(payload),
		updated,
	)
	return errors.Wrap(err, "sqlite store: put conversation")
}

// AppendMessages stores records after the existing messages of conversationID.
func (s *SQLiteStore) AppendMessages(ctx context.Context, conversationID string, records ...directory.MessageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var next int64
	err = tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), -1) + 1 FROM messages WHERE conversation_id = ?`, conversationID).Scan(&next)
	if err != nil {
		return errors.Wrap(err, "sqlite store: next message seq")
	}
	for i, rec := range records {
		payload, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (conversation_id, seq, payload_json) VALUES (?, ?, ?)`,
			conversationID, next+int64(i), string(payload),
		); err != nil {
			return errors.Wrap(err, "sqlite store: append message")
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) PutFolder(ctx context.Context, f directory.Folder) error {
	id := f.ID()
	if id == "" {
		return errors.New("sqlite store: folder without id")
	}
	payload, err := json.Marshal(f)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO folders (id, seq, payload_json)
VALUES (?, (SELECT COALESCE(MAX(seq), -1) + 1 FROM folders), ?)
ON CONFLICT(id) DO UPDATE SET payload_json = excluded.payload_json`,
		id,
		string(payload),
	)
	return errors.Wrap(err, "sqlite store: put folder")
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func scanPayload(rows *sql.Rows, v interface{}) error {
	var payload string
	if err := rows.Scan(&payload); err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(payload), v); err != nil {
		return errors.Wrap(err, "sqlite store: corrupt payload")
	}
	return nil
}
