// Package store persists chat turns in SQLite. Each turn is keyed by
// (chat_id, message_id) and may point at the turn it replies to in the
// same table. Writes are idempotent upserts so redelivered or edited
// updates converge on one row.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Kind classifies a turn.
type Kind string

// Stored values match the schema's message_type column.
const (
	KindText      Kind = "text"
	KindMedia     Kind = "photo"
	KindGenerated Kind = "bot"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindText, KindMedia, KindGenerated:
		return true
	}
	return false
}

// Ref identifies a turn.
type Ref struct {
	ChatID    int64
	MessageID int64
}

// Turn is one stored message. Empty strings mean the value is unknown
// and are stored as NULL.
type Turn struct {
	ChatID     int64
	MessageID  int64
	AuthorName string
	// Timestamp is unix seconds. Placeholders created from a reply
	// reference without a date carry 0 and never enter a window.
	Timestamp int64
	Kind      Kind
	Body      string
	MediaRef  string
	ReplyTo   *Ref
}

// Key returns the turn's primary key.
func (t Turn) Key() Ref {
	return Ref{ChatID: t.ChatID, MessageID: t.MessageID}
}

// Validate checks the invariants a turn must satisfy before it is written.
func (t Turn) Validate() error {
	if !t.Kind.Valid() {
		return fmt.Errorf("turn %d/%d: unknown kind %q", t.ChatID, t.MessageID, t.Kind)
	}
	if t.Kind == KindGenerated && t.MediaRef != "" {
		return fmt.Errorf("turn %d/%d: generated turn carries media", t.ChatID, t.MessageID)
	}
	if t.Kind == KindMedia && t.MediaRef == "" {
		return fmt.Errorf("turn %d/%d: media turn without media ref", t.ChatID, t.MessageID)
	}
	return nil
}

// Row is a windowed turn joined with the turn it replies to. Reply is
// nil when the turn is not a reply or the target row does not exist.
type Row struct {
	Turn
	Reply *Turn
}

// Unresolved reports whether the turn references a reply target that
// could not be found.
func (r Row) Unresolved() bool {
	return r.ReplyTo != nil && r.Reply == nil
}

// Store is the SQLite-backed turn table. All methods are safe for
// concurrent use.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database file at path with the
// mattn/go-sqlite3 driver, which the caller must register.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open chat database: %w", err)
	}
	s, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database and runs migrations.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate chat schema: %w", err)
	}
	return s, nil
}

// DB exposes the underlying handle so other stores can share the file.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS chat (
		chat_id          INTEGER NOT NULL,
		message_id       INTEGER NOT NULL,
		from_user_name   TEXT,
		date             INTEGER NOT NULL DEFAULT 0,
		message_type     TEXT NOT NULL DEFAULT 'text'
		                 CHECK (message_type IN ('text', 'photo', 'bot')),
		message          TEXT,
		reply_chat_id    INTEGER,
		reply_message_id INTEGER,
		file_id          TEXT,
		PRIMARY KEY (chat_id, message_id)
	);
	CREATE INDEX IF NOT EXISTS date_idx ON chat(date);
	`)
	return err
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const upsertTurnSQL = `
	INSERT INTO chat
		(chat_id, message_id, from_user_name, date, message_type, message,
		 reply_chat_id, reply_message_id, file_id)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (chat_id, message_id) DO UPDATE SET
		message          = COALESCE(excluded.message, message),
		from_user_name   = COALESCE(excluded.from_user_name, from_user_name),
		date             = CASE WHEN date = 0 THEN excluded.date ELSE date END,
		message_type     = CASE WHEN file_id IS NULL AND excluded.file_id IS NOT NULL
		                        THEN excluded.message_type ELSE message_type END,
		file_id          = COALESCE(file_id, excluded.file_id),
		reply_chat_id    = CASE WHEN reply_chat_id IS NULL THEN excluded.reply_chat_id ELSE reply_chat_id END,
		reply_message_id = CASE WHEN reply_chat_id IS NULL THEN excluded.reply_message_id ELSE reply_message_id END`

const insertPlaceholderSQL = `
	INSERT INTO chat
		(chat_id, message_id, from_user_name, date, message_type, message,
		 reply_chat_id, reply_message_id, file_id)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (chat_id, message_id) DO NOTHING`

func turnArgs(t Turn) []any {
	var replyChat, replyMsg sql.NullInt64
	if t.ReplyTo != nil {
		replyChat = sql.NullInt64{Int64: t.ReplyTo.ChatID, Valid: true}
		replyMsg = sql.NullInt64{Int64: t.ReplyTo.MessageID, Valid: true}
	}
	return []any{
		t.ChatID, t.MessageID, nullString(t.AuthorName), t.Timestamp, string(t.Kind),
		nullString(t.Body), replyChat, replyMsg, nullString(t.MediaRef),
	}
}

func upsertTurn(ctx context.Context, e execer, t Turn) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if _, err := e.ExecContext(ctx, upsertTurnSQL, turnArgs(t)...); err != nil {
		return fmt.Errorf("upsert turn %d/%d: %w", t.ChatID, t.MessageID, err)
	}
	return nil
}

func upsertPlaceholder(ctx context.Context, e execer, t Turn) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if _, err := e.ExecContext(ctx, insertPlaceholderSQL, turnArgs(t)...); err != nil {
		return fmt.Errorf("insert placeholder %d/%d: %w", t.ChatID, t.MessageID, err)
	}
	return nil
}

// UpsertTurn inserts t, or on key conflict updates its body and author
// name and fills in the date, media and reply link if the stored row
// lacks them (a placeholder written before the real message). A field t
// leaves empty never clears a stored value, and a known date, media ref
// or reply link is never replaced.
func (s *Store) UpsertTurn(ctx context.Context, t Turn) error {
	return upsertTurn(ctx, s.db, t)
}

// UpsertPlaceholder inserts t only if no row with its key exists.
func (s *Store) UpsertPlaceholder(ctx context.Context, t Turn) error {
	return upsertPlaceholder(ctx, s.db, t)
}

// UpsertWithReply writes a turn and a placeholder for the turn it
// replies to in one transaction. Either both writes land or neither does.
func (s *Store) UpsertWithReply(ctx context.Context, t, placeholder Turn) error {
	if t.ReplyTo == nil || *t.ReplyTo != placeholder.Key() {
		return fmt.Errorf("turn %d/%d: placeholder %d/%d is not its reply target",
			t.ChatID, t.MessageID, placeholder.ChatID, placeholder.MessageID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reply write: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if err := upsertTurn(ctx, tx, t); err != nil {
		return err
	}
	if err := upsertPlaceholder(ctx, tx, placeholder); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reply write: %w", err)
	}
	return nil
}

const selectColumns = `
	c.chat_id, c.message_id, c.from_user_name, c.date, c.message_type,
	c.message, c.reply_chat_id, c.reply_message_id, c.file_id`

// QueryWindow returns every turn of chatID with a timestamp strictly
// after since, each joined with its reply target. Rows come back in no
// particular order; callers that need chronology must sort.
func (s *Store) QueryWindow(ctx context.Context, chatID, since int64) ([]Row, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+selectColumns+`,
			r.chat_id, r.message_id, r.from_user_name, r.date, r.message_type,
			r.message, r.file_id
		FROM chat c
		LEFT JOIN chat r
			ON r.chat_id = c.reply_chat_id AND r.message_id = c.reply_message_id
		WHERE c.chat_id = ? AND c.date > ?`,
		chatID, since,
	)
	if err != nil {
		return nil, fmt.Errorf("query window for chat %d: %w", chatID, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var (
			row                 Row
			kind                string
			author, body, media sql.NullString
			replyChat, replyMsg sql.NullInt64
			rChat, rMsg, rDate  sql.NullInt64
			rAuthor, rKind      sql.NullString
			rBody, rMedia       sql.NullString
		)
		if err := rows.Scan(
			&row.ChatID, &row.MessageID, &author, &row.Timestamp, &kind,
			&body, &replyChat, &replyMsg, &media,
			&rChat, &rMsg, &rAuthor, &rDate, &rKind, &rBody, &rMedia,
		); err != nil {
			return nil, fmt.Errorf("scan window row: %w", err)
		}
		row.Kind = Kind(kind)
		row.AuthorName = author.String
		row.Body = body.String
		row.MediaRef = media.String
		if replyChat.Valid && replyMsg.Valid {
			row.ReplyTo = &Ref{ChatID: replyChat.Int64, MessageID: replyMsg.Int64}
		}
		if rChat.Valid {
			row.Reply = &Turn{
				ChatID:     rChat.Int64,
				MessageID:  rMsg.Int64,
				AuthorName: rAuthor.String,
				Timestamp:  rDate.Int64,
				Kind:       Kind(rKind.String),
				Body:       rBody.String,
				MediaRef:   rMedia.String,
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// ErrNotFound is returned by Get when no turn has the requested key.
var ErrNotFound = errors.New("turn not found")

// Get returns a single turn by key.
func (s *Store) Get(ctx context.Context, ref Ref) (*Turn, error) {
	var (
		t                   Turn
		kind                string
		author, body, media sql.NullString
		replyChat, replyMsg sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM chat c
		WHERE c.chat_id = ? AND c.message_id = ?`, ref.ChatID, ref.MessageID).Scan(
		&t.ChatID, &t.MessageID, &author, &t.Timestamp, &kind,
		&body, &replyChat, &replyMsg, &media,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get turn %d/%d: %w", ref.ChatID, ref.MessageID, err)
	}
	t.Kind = Kind(kind)
	t.AuthorName = author.String
	t.Body = body.String
	t.MediaRef = media.String
	if replyChat.Valid && replyMsg.Valid {
		t.ReplyTo = &Ref{ChatID: replyChat.Int64, MessageID: replyMsg.Int64}
	}
	return &t, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
