// Package store: SQLite-backed implementation, used for local development
// and in package tests where spinning up PostgreSQL is unnecessary.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/mattn/go-sqlite3"

	"github.com/relayhub/wagateway/internal/apperr"
	"github.com/relayhub/wagateway/internal/models"
)

// DefaultDirPermissions is applied when creating the SQLite database's
// parent directory.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore implements Store against a local SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if necessary) a SQLite database file and
// applies migrations.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store: sqlite DSN not set")
	}

	if dir := filepath.Dir(cfg.DSN); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
			return nil, fmt.Errorf("store: create sqlite directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	// Writers must be serialized against SQLite's single-writer model; the
	// connection pool otherwise produces spurious "database is locked" errors
	// under the gateway's concurrent request handling.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("store: sqlite ping: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		return nil, fmt.Errorf("store: enable foreign keys: %w", err)
	}
	if _, err := db.Exec(sqliteMigrations); err != nil {
		return nil, fmt.Errorf("store: sqlite migrations: %w", err)
	}
	slog.Debug("SQLiteStore ready", "dsn", cfg.DSN)
	return &SQLiteStore{db: db}, nil
}

// Ping verifies the database file is reachable and not locked.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// --- UserRepo ---

func (s *SQLiteStore) FindUserByPhone(phone string) (*models.User, error) {
	row := s.db.QueryRow(`SELECT id, phone_number, name, language, created_at, updated_at FROM users WHERE phone_number = ?`, phone)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: find user by phone: %w", err)
	}
	return u, nil
}

func (s *SQLiteStore) FindUserByID(id string) (*models.User, error) {
	row := s.db.QueryRow(`SELECT id, phone_number, name, language, created_at, updated_at FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: find user by id: %w", err)
	}
	return u, nil
}

func (s *SQLiteStore) UpsertUser(phone string, name, language *string) (*models.User, error) {
	existing, err := s.FindUserByPhone(phone)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if existing == nil {
		lang := models.DefaultLanguage
		if language != nil && *language != "" {
			lang = *language
		}
		id := newUserID()
		_, err := s.db.Exec(`
			INSERT INTO users (id, phone_number, name, language, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			id, phone, nullableString(name), lang, now, now)
		if err != nil {
			return nil, fmt.Errorf("store: upsert user (insert): %w", err)
		}
		return s.FindUserByID(id)
	}

	newName := existing.Name
	if name != nil && *name != "" {
		newName = *name
	}
	newLang := existing.Language
	if language != nil && *language != "" {
		newLang = *language
	}
	_, err = s.db.Exec(`UPDATE users SET name = ?, language = ?, updated_at = ? WHERE id = ?`,
		nullableString(&newName), newLang, now, existing.ID)
	if err != nil {
		return nil, fmt.Errorf("store: upsert user (update): %w", err)
	}
	return s.FindUserByID(existing.ID)
}

func (s *SQLiteStore) CountUsers() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT count(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count users: %w", err)
	}
	return n, nil
}

// --- ConversationRepo ---

func (s *SQLiteStore) FindActiveConversationByUser(userID string) (*models.Conversation, error) {
	row := s.db.QueryRow(`
		SELECT id, user_id, status, context_summary, last_message_at, created_at, updated_at
		FROM conversations
		WHERE user_id = ? AND status = ?
		ORDER BY last_message_at DESC
		LIMIT 1`, userID, string(models.ConversationActive))
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: find active conversation: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) FindConversationByID(id string, opts FindByIDOpts) (*models.Conversation, error) {
	row := s.db.QueryRow(`
		SELECT id, user_id, status, context_summary, last_message_at, created_at, updated_at
		FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: find conversation by id: %w", err)
	}
	if opts.AsUser != "" && c.UserID != opts.AsUser {
		return nil, nil
	}
	return c, nil
}

func (s *SQLiteStore) CreateConversation(userID string) (*models.Conversation, error) {
	id := newConversationID()
	now := time.Now().UTC()
	_, err := s.db.Exec(`
		INSERT INTO conversations (id, user_id, status, last_message_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, userID, string(models.ConversationActive), now, now, now)
	if err != nil {
		return nil, fmt.Errorf("store: create conversation: %w", err)
	}
	return s.FindConversationByID(id, FindByIDOpts{})
}

func (s *SQLiteStore) TouchConversation(id string, at time.Time) (*models.Conversation, error) {
	res, err := s.db.Exec(`UPDATE conversations SET last_message_at = ?, updated_at = ? WHERE id = ?`, at, time.Now().UTC(), id)
	if err != nil {
		return nil, fmt.Errorf("store: touch conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("store: touch conversation: %w", apperr.ErrNotFound)
	}
	return s.FindConversationByID(id, FindByIDOpts{})
}

func (s *SQLiteStore) checkOwnership(id, asUser string) error {
	var ownerID string
	err := s.db.QueryRow(`SELECT user_id FROM conversations WHERE id = ?`, id).Scan(&ownerID)
	if err == sql.ErrNoRows {
		return fmt.Errorf("store: conversation %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("store: load conversation owner: %w", err)
	}
	if ownerID != asUser {
		return fmt.Errorf("store: conversation %s: %w", id, apperr.ErrAccessDenied)
	}
	return nil
}

func (s *SQLiteStore) SetConversationSummary(id, text, asUser string) (*models.Conversation, error) {
	if err := s.checkOwnership(id, asUser); err != nil {
		return nil, err
	}
	_, err := s.db.Exec(`UPDATE conversations SET context_summary = ?, updated_at = ? WHERE id = ?`, text, time.Now().UTC(), id)
	if err != nil {
		return nil, fmt.Errorf("store: set summary: %w", err)
	}
	return s.FindConversationByID(id, FindByIDOpts{})
}

func (s *SQLiteStore) transitionTo(id, asUser string, target models.ConversationStatus) (*models.Conversation, error) {
	if err := s.checkOwnership(id, asUser); err != nil {
		return nil, err
	}
	res, err := s.db.Exec(`
		UPDATE conversations SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(target), time.Now().UTC(), id, string(models.ConversationActive))
	if err != nil {
		return nil, fmt.Errorf("store: transition conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("store: conversation %s not active: %w", id, apperr.ErrNotFound)
	}
	return s.FindConversationByID(id, FindByIDOpts{})
}

func (s *SQLiteStore) CloseConversation(id, asUser string) (*models.Conversation, error) {
	return s.transitionTo(id, asUser, models.ConversationClosed)
}

func (s *SQLiteStore) ArchiveConversation(id, asUser string) (*models.Conversation, error) {
	return s.transitionTo(id, asUser, models.ConversationArchived)
}

func (s *SQLiteStore) FindConversationsByUser(userID string, state *models.ConversationStatus) ([]models.Conversation, error) {
	var rows *sql.Rows
	var err error
	if state != nil {
		rows, err = s.db.Query(`
			SELECT id, user_id, status, context_summary, last_message_at, created_at, updated_at
			FROM conversations WHERE user_id = ? AND status = ? ORDER BY last_message_at DESC`, userID, string(*state))
	} else {
		rows, err = s.db.Query(`
			SELECT id, user_id, status, context_summary, last_message_at, created_at, updated_at
			FROM conversations WHERE user_id = ? ORDER BY last_message_at DESC`, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: find conversations by user: %w", err)
	}
	defer rows.Close()
	var out []models.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan conversation: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CountConversationsByState(state models.ConversationStatus) (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT count(*) FROM conversations WHERE status = ?`, string(state)).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count conversations by state: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) CountConversations() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT count(*) FROM conversations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count conversations: %w", err)
	}
	return n, nil
}

// --- MessageRepo ---

func (s *SQLiteStore) CreateMessage(p CreateMessageParams) (*models.Message, error) {
	metadata, err := encodeMetadata(p.Metadata)
	if err != nil {
		return nil, fmt.Errorf("store: encode metadata: %w", err)
	}
	id := newMessageID()
	now := time.Now().UTC()
	_, err = s.db.Exec(`
		INSERT INTO messages (id, conversation_id, role, content, provider_sid, metadata, tokens_used, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider_sid) DO NOTHING`,
		id, p.ConversationID, string(p.Role), p.Content, nullableString(p.ProviderSID), metadata, nullableInt(p.TokensUsed), nullableInt(p.LatencyMs), now)
	if err != nil {
		if sqliteErr, ok := err.(sqlite3.Error); ok && sqliteErr.Code == sqlite3.ErrConstraint && p.ProviderSID != nil {
			existing, findErr := s.FindMessageByProviderSID(*p.ProviderSID)
			if findErr != nil {
				return nil, findErr
			}
			if existing != nil {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("store: create message: %w", err)
	}
	m, err := s.FindMessageByID(id)
	if err != nil {
		return nil, err
	}
	if m != nil {
		return m, nil
	}
	// ON CONFLICT DO NOTHING silently skipped the insert: another request
	// already holds this provider_sid.
	if p.ProviderSID != nil {
		existing, findErr := s.FindMessageByProviderSID(*p.ProviderSID)
		if findErr != nil {
			return nil, findErr
		}
		if existing != nil {
			return existing, nil
		}
	}
	return nil, fmt.Errorf("store: create message: insert did not apply")
}

func (s *SQLiteStore) FindMessageByProviderSID(sid string) (*models.Message, error) {
	row := s.db.QueryRow(`
		SELECT id, conversation_id, role, content, provider_sid, metadata, tokens_used, latency_ms, created_at
		FROM messages WHERE provider_sid = ?`, sid)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: find message by provider sid: %w", err)
	}
	return m, nil
}

func (s *SQLiteStore) FindMessageByID(id string) (*models.Message, error) {
	row := s.db.QueryRow(`
		SELECT id, conversation_id, role, content, provider_sid, metadata, tokens_used, latency_ms, created_at
		FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: find message by id: %w", err)
	}
	return m, nil
}

func (s *SQLiteStore) FindMessagesByConversation(conversationID string, limit int) ([]models.Message, error) {
	query := `
		SELECT id, conversation_id, role, content, provider_sid, metadata, tokens_used, latency_ms, created_at
		FROM messages WHERE conversation_id = ? ORDER BY created_at ASC, id ASC`
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = s.db.Query(query+` LIMIT ?`, conversationID, limit)
	} else {
		rows, err = s.db.Query(query, conversationID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: find messages by conversation: %w", err)
	}
	defer rows.Close()
	return scanMessageRows(rows)
}

func (s *SQLiteStore) FindRecentMessagesByConversation(conversationID string, n int) ([]models.Message, error) {
	rows, err := s.db.Query(`
		SELECT id, conversation_id, role, content, provider_sid, metadata, tokens_used, latency_ms, created_at
		FROM (
			SELECT id, conversation_id, role, content, provider_sid, metadata, tokens_used, latency_ms, created_at
			FROM messages WHERE conversation_id = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		) recent
		ORDER BY created_at ASC, id ASC`, conversationID, n)
	if err != nil {
		return nil, fmt.Errorf("store: find recent messages: %w", err)
	}
	defer rows.Close()
	return scanMessageRows(rows)
}

func (s *SQLiteStore) UpdateMessageMetadata(id string, metadata map[string]string) (*models.Message, error) {
	encoded, err := encodeMetadata(metadata)
	if err != nil {
		return nil, fmt.Errorf("store: encode metadata: %w", err)
	}
	res, err := s.db.Exec(`UPDATE messages SET metadata = ? WHERE id = ?`, encoded, id)
	if err != nil {
		return nil, fmt.Errorf("store: update message metadata: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("store: update message metadata: %w", apperr.ErrNotFound)
	}
	return s.FindMessageByID(id)
}

func (s *SQLiteStore) TokenStats(conversationID string) (models.TokenStats, error) {
	var stats models.TokenStats
	var avg sql.NullFloat64
	err := s.db.QueryRow(`
		SELECT COALESCE(SUM(tokens_used), 0), COUNT(tokens_used), AVG(tokens_used)
		FROM messages WHERE conversation_id = ? AND tokens_used IS NOT NULL`, conversationID).
		Scan(&stats.Total, &stats.Count, &avg)
	if err != nil {
		return models.TokenStats{}, fmt.Errorf("store: token stats: %w", err)
	}
	stats.Avg = avg.Float64
	return stats, nil
}

func (s *SQLiteStore) DeleteOlderMessagesThan(conversationID string, keepN int) (int, error) {
	res, err := s.db.Exec(`
		DELETE FROM messages WHERE conversation_id = ? AND id NOT IN (
			SELECT id FROM messages WHERE conversation_id = ?
			ORDER BY created_at DESC, id DESC LIMIT ?
		)`, conversationID, conversationID, keepN)
	if err != nil {
		return 0, fmt.Errorf("store: delete older messages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: delete older messages rows affected: %w", err)
	}
	return int(n), nil
}
