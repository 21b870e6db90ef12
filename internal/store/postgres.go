package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openwork/owpenbot/internal/common/config"
)

// PostgresRepository provides PostgreSQL-based transcript storage over a
// pgx connection pool.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// Ensure PostgresRepository implements Repository interface
var _ Repository = (*PostgresRepository)(nil)

// NewPostgresRepository creates a connection pool and initializes the schema.
func NewPostgresRepository(ctx context.Context, cfg config.StoreConfig) (*PostgresRepository, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	repo := &PostgresRepository{pool: pool}
	if err := repo.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

func (r *PostgresRepository) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		channel TEXT NOT NULL,
		peer_id TEXT NOT NULL,
		direction TEXT NOT NULL,
		text TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_peer ON messages(channel, peer_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_messages_created_at ON messages(created_at);
	`
	_, err := r.pool.Exec(ctx, schema)
	return err
}

// SaveMessage persists one transcript entry.
func (r *PostgresRepository) SaveMessage(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	_, err := r.pool.Exec(ctx,
		`INSERT INTO messages (id, channel, peer_id, direction, text, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		msg.ID, msg.Channel, msg.PeerID, msg.Direction, msg.Text, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

// ListMessages returns the most recent limit messages for a peer,
// chronological order.
func (r *PostgresRepository) ListMessages(ctx context.Context, channel, peerID string, limit int) ([]*Message, error) {
	query := `SELECT id, channel, peer_id, direction, text, created_at
		FROM (
			SELECT id, channel, peer_id, direction, text, created_at
			FROM messages
			WHERE channel = $1 AND peer_id = $2
			ORDER BY created_at DESC, id DESC
			%s
		) recent
		ORDER BY created_at ASC, id ASC`

	args := []any{channel, peerID}
	clause := ""
	if limit > 0 {
		clause = "LIMIT $3"
		args = append(args, limit)
	}

	rows, err := r.pool.Query(ctx, fmt.Sprintf(query, clause), args...)
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
func (r *PostgresRepository) ListConversations(ctx context.Context, channel string) ([]*Conversation, error) {
	query := `SELECT channel, peer_id, COUNT(*), MAX(created_at)
		FROM messages
		%s
		GROUP BY channel, peer_id
		ORDER BY MAX(created_at) DESC`

	var args []any
	clause := ""
	if channel != "" {
		clause = "WHERE channel = $1"
		args = append(args, channel)
	}

	rows, err := r.pool.Query(ctx, fmt.Sprintf(query, clause), args...)
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
func (r *PostgresRepository) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM messages WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune messages: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Close closes the connection pool.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}
