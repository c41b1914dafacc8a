// Package store provides the relational persistence layer for the webhook
// gateway: users, conversations, and messages. Two backends are supported
// behind the same interfaces, selected by DSN shape — PostgreSQL for
// production, SQLite for local development and tests.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/relayhub/wagateway/internal/models"
)

// Opts carries backend-agnostic store configuration, filled in by Option
// functions.
type Opts struct {
	DSN string
}

// Option configures a store at construction time.
type Option func(*Opts)

// WithDSN sets the data source name (connection string or file path).
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType reports "postgres" for a Postgres-shaped DSN and "sqlite"
// otherwise, mirroring how the gateway picks a backend from DATABASE_URL.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// FindByIDOpts narrows ConversationRepo.FindConversationByID's behavior:
// optionally enforce ownership. Both backends ignore IncludeMessages and
// never load messages here; models.Conversation has no messages field.
type FindByIDOpts struct {
	IncludeMessages bool
	AsUser          string // if non-empty, returns nil unless conversation.UserID == AsUser
}

// UserRepo manages User rows.
type UserRepo interface {
	FindUserByPhone(phone string) (*models.User, error)
	FindUserByID(id string) (*models.User, error)
	UpsertUser(phone string, name, language *string) (*models.User, error)
	CountUsers() (int, error)
}

// ConversationRepo manages Conversation rows and their ownership-checked
// state transitions.
type ConversationRepo interface {
	FindActiveConversationByUser(userID string) (*models.Conversation, error)
	FindConversationByID(id string, opts FindByIDOpts) (*models.Conversation, error)
	CreateConversation(userID string) (*models.Conversation, error)
	TouchConversation(id string, at time.Time) (*models.Conversation, error)
	SetConversationSummary(id, text, asUser string) (*models.Conversation, error)
	CloseConversation(id, asUser string) (*models.Conversation, error)
	ArchiveConversation(id, asUser string) (*models.Conversation, error)
	FindConversationsByUser(userID string, state *models.ConversationStatus) ([]models.Conversation, error)
	CountConversationsByState(state models.ConversationStatus) (int, error)
	CountConversations() (int, error)
}

// CreateMessageParams are the fields accepted by MessageRepo.CreateMessage.
type CreateMessageParams struct {
	ConversationID string
	Role           models.MessageRole
	Content        string
	ProviderSID    *string
	Metadata       map[string]string
	TokensUsed     *int
	LatencyMs      *int
}

// MessageRepo manages Message rows.
type MessageRepo interface {
	CreateMessage(p CreateMessageParams) (*models.Message, error)
	FindMessageByProviderSID(sid string) (*models.Message, error)
	FindMessageByID(id string) (*models.Message, error)
	FindMessagesByConversation(conversationID string, limit int) ([]models.Message, error)
	FindRecentMessagesByConversation(conversationID string, n int) ([]models.Message, error)
	UpdateMessageMetadata(id string, metadata map[string]string) (*models.Message, error)
	TokenStats(conversationID string) (models.TokenStats, error)
	DeleteOlderMessagesThan(conversationID string, keepN int) (int, error)
}

// Store aggregates the three repositories plus lifecycle management. Both
// backends implement it in full.
type Store interface {
	UserRepo
	ConversationRepo
	MessageRepo
	Ping(ctx context.Context) error
	Close() error
}
