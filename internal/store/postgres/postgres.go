// Package postgres is a PostgreSQL-backed implementation of store.Store,
// using pgx for the connection pool and pgvector for the optional semantic
// recall supplement.
//
// Usage:
//
//	st, err := postgres.New(ctx, dsn, 1536)
//	if err != nil { … }
//	defer st.Close()
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/xiaozhi-go/xiaozhi-server/internal/store"
)

var _ store.Store = (*Store)(nil)

// Store is the PostgreSQL-backed implementation of store.Store. All
// operations are safe for concurrent use.
type Store struct {
	pool       *pgxpool.Pool
	embedDims  int
}

// New establishes a connection pool to dsn, registers pgvector types on
// every connection, and runs Migrate to ensure the required tables exist.
//
// embeddingDimensions is the output dimension of the configured embeddings
// provider (e.g. 1536 for OpenAI text-embedding-3-small). Pass 0 if no
// embeddings provider is configured; the embedding column is then unused.
func New(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	dims := embeddingDimensions
	if dims <= 0 {
		dims = 1536
	}
	if err := Migrate(ctx, pool, dims); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool, embedDims: dims}, nil
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) IsActivated(ctx context.Context, deviceID string) (bool, error) {
	var activated bool
	err := s.pool.QueryRow(ctx,
		`SELECT activated FROM devices WHERE device_id = $1`, deviceID,
	).Scan(&activated)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("postgres store: is activated: %w", err)
	}
	return activated, nil
}

func (s *Store) AddChallenge(ctx context.Context, deviceID, challenge string, ttl time.Duration) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO device_challenges (device_id, challenge, expires_at)
		VALUES ($1, $2, now() + $3::interval)
		ON CONFLICT (device_id) DO UPDATE
		SET challenge = EXCLUDED.challenge, expires_at = EXCLUDED.expires_at
	`, deviceID, challenge, ttl.String())
	if err != nil {
		return fmt.Errorf("postgres store: add challenge: %w", err)
	}
	return nil
}

func (s *Store) GetChallenge(ctx context.Context, deviceID string) (string, error) {
	var challenge string
	err := s.pool.QueryRow(ctx, `
		SELECT challenge FROM device_challenges
		WHERE device_id = $1 AND expires_at > now()
	`, deviceID).Scan(&challenge)
	if err == pgx.ErrNoRows {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("postgres store: get challenge: %w", err)
	}
	return challenge, nil
}

func (s *Store) ActivateDevice(ctx context.Context, deviceID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO devices (device_id, activated, activated_at)
		VALUES ($1, true, now())
		ON CONFLICT (device_id) DO UPDATE
		SET activated = true, activated_at = now()
	`, deviceID)
	if err != nil {
		return fmt.Errorf("postgres store: activate device: %w", err)
	}
	return nil
}

func (s *Store) AddChatHistory(ctx context.Context, deviceID, role, content string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO chat_history (device_id, role, content, created_at)
		VALUES ($1, $2, $3, now())
	`, deviceID, role, content)
	if err != nil {
		return fmt.Errorf("postgres store: add chat history: %w", err)
	}
	return nil
}

func (s *Store) GetChatHistory(ctx context.Context, deviceID string, limit int) ([]store.ChatEntry, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.pool.Query(ctx, `
		SELECT role, content, created_at FROM (
			SELECT role, content, created_at FROM chat_history
			WHERE device_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		) recent ORDER BY created_at ASC
	`, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres store: get chat history: %w", err)
	}
	defer rows.Close()

	var out []store.ChatEntry
	for rows.Next() {
		var e store.ChatEntry
		if err := rows.Scan(&e.Role, &e.Content, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("postgres store: scan chat history: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecallSimilar finds chat entries whose stored embedding is closest (cosine
// distance) to queryEmbedding. Entries recorded without an embedding (no
// embeddings provider configured at the time) are excluded.
func (s *Store) RecallSimilar(ctx context.Context, deviceID string, queryEmbedding []float32, limit int) ([]store.ChatEntry, error) {
	if limit <= 0 {
		limit = 3
	}
	if len(queryEmbedding) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT role, content, created_at FROM chat_history
		WHERE device_id = $1 AND embedding IS NOT NULL
		ORDER BY embedding <-> $2
		LIMIT $3
	`, deviceID, pgvector.NewVector(queryEmbedding), limit)
	if err != nil {
		return nil, fmt.Errorf("postgres store: recall similar: %w", err)
	}
	defer rows.Close()

	var out []store.ChatEntry
	for rows.Next() {
		var e store.ChatEntry
		if err := rows.Scan(&e.Role, &e.Content, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("postgres store: scan recall: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AddChatHistoryEmbedding best-effort-updates the most recent matching chat
// history row with its embedding, populated by an embeddings.Provider when
// one is configured. Never required for correctness.
func (s *Store) AddChatHistoryEmbedding(ctx context.Context, deviceID, content string, embedding []float32) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE chat_history SET embedding = $1
		WHERE id = (
			SELECT id FROM chat_history
			WHERE device_id = $2 AND content = $3
			ORDER BY created_at DESC LIMIT 1
		)
	`, pgvector.NewVector(embedding), deviceID, content)
	if err != nil {
		return fmt.Errorf("postgres store: add chat history embedding: %w", err)
	}
	return nil
}
