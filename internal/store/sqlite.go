package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteRepository provides SQLite-based transcript storage.
type SQLiteRepository struct {
	db *sql.DB
}

// Ensure SQLiteRepository implements Repository interface
var _ Repository = (*SQLiteRepository)(nil)

// NewSQLiteRepository creates a new SQLite repository
func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	repo := &SQLiteRepository{db: db}

	if err := repo.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return repo, nil
}

// initSchema creates the database tables if they don't exist
func (r *SQLiteRepository) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		channel TEXT NOT NULL,
		peer_id TEXT NOT NULL,
		direction TEXT NOT NULL,
		text TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_peer ON messages(channel, peer_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_messages_created_at ON messages(created_at);
	`
	_, err := r.db.Exec(schema)
	return err
}

// SaveMessage persists one transcript entry.
func (r *SQLiteRepository) SaveMessage(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO messages (id, channel, peer_id, direction, text, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.Channel, msg.PeerID, msg.Direction, msg.Text, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

// ListMessages returns the most recent limit messages for a peer,
// chronological order.
func (r *SQLiteRepository) ListMessages(ctx context.Context, channel, peerID string, limit int) ([]*Message, error) {
	query := `SELECT id, channel, peer_id, direction, text, created_at
		FROM (
			SELECT id, channel, peer_id, direction, text, created_at
			FROM messages
			WHERE channel = ? AND peer_id = ?
			ORDER BY created_at DESC, id DESC
			%s
		)
		ORDER BY created_at ASC, id ASC`

	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = r.db.QueryContext(ctx, fmt.Sprintf(query, "LIMIT ?"), channel, peerID, limit)
	} else {
		rows, err = r.db.QueryContext(ctx, fmt.Sprintf(query, ""), channel, peerID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg := &Message{}
		if err := rows.Scan(&msg.ID, &msg.Channel, &msg.PeerID, &msg.Direction, &msg.Text, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// ListConversations returns per-peer summaries, most recently active first.
func (r *SQLiteRepository) ListConversations(ctx context.Context, channel string) ([]*Conversation, error) {
	query := `SELECT channel, peer_id, COUNT(*), MAX(created_at)
		FROM messages
		%s
		GROUP BY channel, peer_id
		ORDER BY MAX(created_at) DESC`

	var rows *sql.Rows
	var err error
	if channel != "" {
		rows, err = r.db.QueryContext(ctx, fmt.Sprintf(query, "WHERE channel = ?"), channel)
	} else {
		rows, err = r.db.QueryContext(ctx, fmt.Sprintf(query, ""))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var conversations []*Conversation
	for rows.Next() {
		c := &Conversation{}
		if err := rows.Scan(&c.Channel, &c.PeerID, &c.MessageCount, &c.LastMessageAt); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		conversations = append(conversations, c)
	}
	return conversations, rows.Err()
}

// PruneBefore deletes messages older than cutoff.
func (r *SQLiteRepository) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM messages WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune messages: %w", err)
	}
	return result.RowsAffected()
}

// Close closes the database connection
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}
