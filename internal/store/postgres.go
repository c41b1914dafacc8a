// Package store: PostgreSQL-backed implementation.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/lib/pq"

	"github.com/relayhub/wagateway/internal/apperr"
	"github.com/relayhub/wagateway/internal/models"
)

// Database connection pool configuration constants.
const (
	DefaultMaxOpenConns    = 25
	DefaultMaxIdleConns    = 25
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore implements Store against PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a PostgreSQL connection pool and applies migrations.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store: postgres DSN not set")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("store: postgres ping: %w", err)
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		return nil, fmt.Errorf("store: postgres migrations: %w", err)
	}
	slog.Debug("PostgresStore ready")
	return &PostgresStore{db: db}, nil
}

// Ping verifies the connection pool can reach the database.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error { return s.db.Close() }

// --- UserRepo ---

func (s *PostgresStore) FindUserByPhone(phone string) (*models.User, error) {
	row := s.db.QueryRow(`SELECT id, phone_number, name, language, created_at, updated_at FROM users WHERE phone_number = $1`, phone)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: find user by phone: %w", err)
	}
	return u, nil
}

func (s *PostgresStore) FindUserByID(id string) (*models.User, error) {
	row := s.db.QueryRow(`SELECT id, phone_number, name, language, created_at, updated_at FROM users WHERE id = $1`, id)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: find user by id: %w", err)
	}
	return u, nil
}

func (s *PostgresStore) UpsertUser(phone string, name, language *string) (*models.User, error) {
	lang := models.DefaultLanguage
	if language != nil && *language != "" {
		lang = *language
	}
	id := newUserID()
	row := s.db.QueryRow(`
		INSERT INTO users (id, phone_number, name, language, created_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())
		ON CONFLICT (phone_number) DO UPDATE SET
			name = COALESCE($3, users.name),
			language = CASE WHEN $5 THEN EXCLUDED.language ELSE users.language END,
			updated_at = now()
		RETURNING id, phone_number, name, language, created_at, updated_at`,
		id, phone, nullableString(name), lang, language != nil && *language != "")
	u, err := scanUser(row)
	if err != nil {
		return nil, fmt.Errorf("store: upsert user: %w", err)
	}
	return u, nil
}

func (s *PostgresStore) CountUsers() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT count(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count users: %w", err)
	}
	return n, nil
}

// --- ConversationRepo ---

func (s *PostgresStore) FindActiveConversationByUser(userID string) (*models.Conversation, error) {
	row := s.db.QueryRow(`
		SELECT id, user_id, status, context_summary, last_message_at, created_at, updated_at
		FROM conversations
		WHERE user_id = $1 AND status = $2
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

func (s *PostgresStore) FindConversationByID(id string, opts FindByIDOpts) (*models.Conversation, error) {
	row := s.db.QueryRow(`
		SELECT id, user_id, status, context_summary, last_message_at, created_at, updated_at
		FROM conversations WHERE id = $1`, id)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: find conversation by id: %w", err)
	}
	if opts.AsUser != "" && c.UserID != opts.AsUser {
		// Deliberately indistinguishable from not-found to callers.
		return nil, nil
	}
	return c, nil
}

func (s *PostgresStore) CreateConversation(userID string) (*models.Conversation, error) {
	id := newConversationID()
	row := s.db.QueryRow(`
		INSERT INTO conversations (id, user_id, status, last_message_at, created_at, updated_at)
		VALUES ($1, $2, $3, now(), now(), now())
		RETURNING id, user_id, status, context_summary, last_message_at, created_at, updated_at`,
		id, userID, string(models.ConversationActive))
	c, err := scanConversation(row)
	if err != nil {
		return nil, fmt.Errorf("store: create conversation: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) TouchConversation(id string, at time.Time) (*models.Conversation, error) {
	row := s.db.QueryRow(`
		UPDATE conversations SET last_message_at = $2, updated_at = now()
		WHERE id = $1
		RETURNING id, user_id, status, context_summary, last_message_at, created_at, updated_at`, id, at)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("store: touch conversation: %w", apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: touch conversation: %w", err)
	}
	return c, nil
}

// checkOwnership loads the conversation's owning user id and returns
// apperr.ErrNotFound / apperr.ErrAccessDenied as appropriate before a
// mutating, ownership-checked operation proceeds.
func (s *PostgresStore) checkOwnership(id, asUser string) error {
	var ownerID string
	err := s.db.QueryRow(`SELECT user_id FROM conversations WHERE id = $1`, id).Scan(&ownerID)
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

func (s *PostgresStore) SetConversationSummary(id, text, asUser string) (*models.Conversation, error) {
	if err := s.checkOwnership(id, asUser); err != nil {
		return nil, err
	}
	row := s.db.QueryRow(`
		UPDATE conversations SET context_summary = $2, updated_at = now()
		WHERE id = $1
		RETURNING id, user_id, status, context_summary, last_message_at, created_at, updated_at`, id, text)
	c, err := scanConversation(row)
	if err != nil {
		return nil, fmt.Errorf("store: set summary: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) transitionTo(id, asUser string, target models.ConversationStatus) (*models.Conversation, error) {
	if err := s.checkOwnership(id, asUser); err != nil {
		return nil, err
	}
	row := s.db.QueryRow(`
		UPDATE conversations SET status = $2, updated_at = now()
		WHERE id = $1 AND status = $3
		RETURNING id, user_id, status, context_summary, last_message_at, created_at, updated_at`,
		id, string(target), string(models.ConversationActive))
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("store: conversation %s not active: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: transition conversation: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) CloseConversation(id, asUser string) (*models.Conversation, error) {
	return s.transitionTo(id, asUser, models.ConversationClosed)
}

func (s *PostgresStore) ArchiveConversation(id, asUser string) (*models.Conversation, error) {
	return s.transitionTo(id, asUser, models.ConversationArchived)
}

func (s *PostgresStore) FindConversationsByUser(userID string, state *models.ConversationStatus) ([]models.Conversation, error) {
	var rows *sql.Rows
	var err error
	if state != nil {
		rows, err = s.db.Query(`
			SELECT id, user_id, status, context_summary, last_message_at, created_at, updated_at
			FROM conversations WHERE user_id = $1 AND status = $2 ORDER BY last_message_at DESC`, userID, string(*state))
	} else {
		rows, err = s.db.Query(`
			SELECT id, user_id, status, context_summary, last_message_at, created_at, updated_at
			FROM conversations WHERE user_id = $1 ORDER BY last_message_at DESC`, userID)
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

func (s *PostgresStore) CountConversationsByState(state models.ConversationStatus) (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT count(*) FROM conversations WHERE status = $1`, string(state)).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count conversations by state: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) CountConversations() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT count(*) FROM conversations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count conversations: %w", err)
	}
	return n, nil
}

// --- MessageRepo ---

func (s *PostgresStore) CreateMessage(p CreateMessageParams) (*models.Message, error) {
	metadata, err := encodeMetadata(p.Metadata)
	if err != nil {
		return nil, fmt.Errorf("store: encode metadata: %w", err)
	}
	id := newMessageID()
	row := s.db.QueryRow(`
		INSERT INTO messages (id, conversation_id, role, content, provider_sid, metadata, tokens_used, latency_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT (provider_sid) DO NOTHING
		RETURNING id, conversation_id, role, content, provider_sid, metadata, tokens_used, latency_ms, created_at`,
		id, p.ConversationID, string(p.Role), p.Content, nullableString(p.ProviderSID), metadata, nullableInt(p.TokensUsed), nullableInt(p.LatencyMs))
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		// Conflict on provider_sid: another request already inserted it.
		if p.ProviderSID != nil {
			existing, findErr := s.FindMessageByProviderSID(*p.ProviderSID)
			if findErr != nil {
				return nil, findErr
			}
			if existing != nil {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("store: create message: insert returned no row")
	}
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" && p.ProviderSID != nil {
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
	return m, nil
}

func (s *PostgresStore) FindMessageByProviderSID(sid string) (*models.Message, error) {
	row := s.db.QueryRow(`
		SELECT id, conversation_id, role, content, provider_sid, metadata, tokens_used, latency_ms, created_at
		FROM messages WHERE provider_sid = $1`, sid)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: find message by provider sid: %w", err)
	}
	return m, nil
}

func (s *PostgresStore) FindMessageByID(id string) (*models.Message, error) {
	row := s.db.QueryRow(`
		SELECT id, conversation_id, role, content, provider_sid, metadata, tokens_used, latency_ms, created_at
		FROM messages WHERE id = $1`, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: find message by id: %w", err)
	}
	return m, nil
}

func (s *PostgresStore) FindMessagesByConversation(conversationID string, limit int) ([]models.Message, error) {
	query := `
		SELECT id, conversation_id, role, content, provider_sid, metadata, tokens_used, latency_ms, created_at
		FROM messages WHERE conversation_id = $1 ORDER BY created_at ASC, id ASC`
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = s.db.Query(query+` LIMIT $2`, conversationID, limit)
	} else {
		rows, err = s.db.Query(query, conversationID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: find messages by conversation: %w", err)
	}
	defer rows.Close()
	return scanMessageRows(rows)
}

func (s *PostgresStore) FindRecentMessagesByConversation(conversationID string, n int) ([]models.Message, error) {
	rows, err := s.db.Query(`
		SELECT id, conversation_id, role, content, provider_sid, metadata, tokens_used, latency_ms, created_at
		FROM (
			SELECT id, conversation_id, role, content, provider_sid, metadata, tokens_used, latency_ms, created_at
			FROM messages WHERE conversation_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC, id ASC`, conversationID, n)
	if err != nil {
		return nil, fmt.Errorf("store: find recent messages: %w", err)
	}
	defer rows.Close()
	return scanMessageRows(rows)
}

func scanMessageRows(rows *sql.Rows) ([]models.Message, error) {
	var out []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateMessageMetadata(id string, metadata map[string]string) (*models.Message, error) {
	encoded, err := encodeMetadata(metadata)
	if err != nil {
		return nil, fmt.Errorf("store: encode metadata: %w", err)
	}
	row := s.db.QueryRow(`
		UPDATE messages SET metadata = $2 WHERE id = $1
		RETURNING id, conversation_id, role, content, provider_sid, metadata, tokens_used, latency_ms, created_at`, id, encoded)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("store: update message metadata: %w", apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: update message metadata: %w", err)
	}
	return m, nil
}

func (s *PostgresStore) TokenStats(conversationID string) (models.TokenStats, error) {
	var stats models.TokenStats
	var avg sql.NullFloat64
	err := s.db.QueryRow(`
		SELECT COALESCE(SUM(tokens_used), 0), COUNT(tokens_used), AVG(tokens_used)
		FROM messages WHERE conversation_id = $1 AND tokens_used IS NOT NULL`, conversationID).
		Scan(&stats.Total, &stats.Count, &avg)
	if err != nil {
		return models.TokenStats{}, fmt.Errorf("store: token stats: %w", err)
	}
	stats.Avg = avg.Float64
	return stats, nil
}

func (s *PostgresStore) DeleteOlderMessagesThan(conversationID string, keepN int) (int, error) {
	res, err := s.db.Exec(`
		DELETE FROM messages WHERE conversation_id = $1 AND id NOT IN (
			SELECT id FROM messages WHERE conversation_id = $1
			ORDER BY created_at DESC, id DESC LIMIT $2
		)`, conversationID, keepN)
	if err != nil {
		return 0, fmt.Errorf("store: delete older messages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: delete older messages rows affected: %w", err)
	}
	return int(n), nil
}
