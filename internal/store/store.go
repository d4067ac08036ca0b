package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const defaultMaxRecentlyViewed = 10

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Card is a recently viewed card.
type Card struct {
	ID           string
	Service      string
	Name         string
	Creator      string
	AvatarURL    string
	Chunk        string
	ChunkIndex   int
	PossibleNSFW bool
	ViewedAt     time.Time
}

// SavedSearch is the last search made against one service.
type SavedSearch struct {
	Filters map[string]string `json:"filters"`
	SortBy  string            `json:"sortBy"`
}

// Store persists browsing history in PostgreSQL.
type Store struct {
	pool      DBPool
	log       *zap.Logger
	maxRecent int
	now       func() time.Time
}

// New creates a store that keeps at most maxRecent viewed cards.
func New(pool DBPool, maxRecent int, logger *zap.Logger) *Store {
	if maxRecent <= 0 {
		maxRecent = defaultMaxRecentlyViewed
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		pool:      pool,
		log:       logger.Named("store"),
		maxRecent: maxRecent,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

const sqlSchema = `
CREATE TABLE IF NOT EXISTS recently_viewed (
    card_id       TEXT PRIMARY KEY,
    service       TEXT NOT NULL,
    name          TEXT NOT NULL,
    creator       TEXT NOT NULL DEFAULT '',
    avatar_url    TEXT NOT NULL DEFAULT '',
    chunk         TEXT NOT NULL DEFAULT '',
    chunk_idx     INTEGER NOT NULL DEFAULT 0,
    possible_nsfw BOOLEAN NOT NULL DEFAULT FALSE,
    viewed_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS recently_viewed_viewed_at_idx ON recently_viewed (viewed_at DESC);
CREATE TABLE IF NOT EXISTS saved_searches (
    service    TEXT PRIMARY KEY,
    search     JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);`

// EnsureSchema creates the tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, sqlSchema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

const (
	sqlUpsertView = `
        INSERT INTO recently_viewed (card_id, service, name, creator, avatar_url, chunk, chunk_idx, possible_nsfw, viewed_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        ON CONFLICT (card_id) DO UPDATE SET
            service = EXCLUDED.service,
            name = EXCLUDED.name,
            creator = EXCLUDED.creator,
            avatar_url = EXCLUDED.avatar_url,
            chunk = EXCLUDED.chunk,
            chunk_idx = EXCLUDED.chunk_idx,
            possible_nsfw = EXCLUDED.possible_nsfw,
            viewed_at = EXCLUDED.viewed_at;
    `
	sqlTrimViews = `
        DELETE FROM recently_viewed
        WHERE card_id IN (
            SELECT card_id FROM recently_viewed ORDER BY viewed_at DESC OFFSET $1
        );
    `
	sqlRecentViews = `
        SELECT card_id, service, name, creator, avatar_url, chunk, chunk_idx, possible_nsfw, viewed_at
        FROM recently_viewed
        ORDER BY viewed_at DESC
        LIMIT $1;
    `
	sqlUpsertSearch = `
        INSERT INTO saved_searches (service, search, updated_at)
        VALUES ($1, $2, $3)
        ON CONFLICT (service) DO UPDATE SET
            search = EXCLUDED.search,
            updated_at = EXCLUDED.updated_at;
    `
	sqlLoadSearch = `SELECT search FROM saved_searches WHERE service = $1;`
)

// RecordView moves card to the front of the history and drops anything past
// the configured maximum.
func (s *Store) RecordView(ctx context.Context, card Card) error {
	if card.ID == "" {
		return errors.New("card id is required")
	}
	if card.ViewedAt.IsZero() {
		card.ViewedAt = s.now()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if _, err := tx.Exec(ctx, sqlUpsertView,
		card.ID, card.Service, card.Name, card.Creator, card.AvatarURL,
		card.Chunk, card.ChunkIndex, card.PossibleNSFW, card.ViewedAt.UTC(),
	); err != nil {
		s.rollback(ctx, tx)
		return fmt.Errorf("failed to record view of %s: %w", card.ID, err)
	}

	tag, err := tx.Exec(ctx, sqlTrimViews, s.maxRecent)
	if err != nil {
		s.rollback(ctx, tx)
		return fmt.Errorf("failed to trim recently viewed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		s.log.Debug("Trimmed recently viewed cards.", zap.Int64("removed", n))
	}
	return nil
}

func (s *Store) rollback(ctx context.Context, tx pgx.Tx) {
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		s.log.Error("Failed to rollback transaction", zap.Error(err))
	}
}

// RecentlyViewed returns the newest views first. A non-positive limit means
// the configured maximum.
func (s *Store) RecentlyViewed(ctx context.Context, limit int) ([]Card, error) {
	if limit <= 0 || limit > s.maxRecent {
		limit = s.maxRecent
	}
	rows, err := s.pool.Query(ctx, sqlRecentViews, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recently viewed: %w", err)
	}
	defer rows.Close()

	cards := []Card{}
	for rows.Next() {
		var c Card
		if err := rows.Scan(&c.ID, &c.Service, &c.Name, &c.Creator, &c.AvatarURL,
			&c.Chunk, &c.ChunkIndex, &c.PossibleNSFW, &c.ViewedAt); err != nil {
			return nil, fmt.Errorf("failed to scan recently viewed row: %w", err)
		}
		cards = append(cards, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return cards, nil
}

// SaveSearch replaces the saved search for service.
func (s *Store) SaveSearch(ctx context.Context, service string, search SavedSearch) error {
	if search.Filters == nil {
		search.Filters = map[string]string{}
	}
	payload, err := json.Marshal(search)
	if err != nil {
		return fmt.Errorf("failed to encode search: %w", err)
	}
	if _, err := s.pool.Exec(ctx, sqlUpsertSearch, service, payload, s.now()); err != nil {
		return fmt.Errorf("failed to save search for %s: %w", service, err)
	}
	return nil
}

// LoadSearch returns nil, nil when nothing was saved for service.
func (s *Store) LoadSearch(ctx context.Context, service string) (*SavedSearch, error) {
	var payload []byte
	if err := s.pool.QueryRow(ctx, sqlLoadSearch, service).Scan(&payload); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load search for %s: %w", service, err)
	}
	var search SavedSearch
	if err := json.Unmarshal(payload, &search); err != nil {
		return nil, fmt.Errorf("failed to decode search for %s: %w", service, err)
	}
	return &search, nil
}
