// Package conversation implements the conversation and message services:
// context-cache ownership, ownership-checked state transitions, and
// idempotent turn appends. Both services share one Service value because
// message appends must touch their owning conversation and conversation
// reads must assemble from messages — splitting them into separate
// packages would force an import cycle.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/relayhub/wagateway/internal/cache"
	"github.com/relayhub/wagateway/internal/models"
	"github.com/relayhub/wagateway/internal/store"
)

// Service orchestrates the relational store and the context cache behind
// the operations named in the conversation and message services.
type Service struct {
	store store.Store
	cache *cache.ContextCache
}

// New builds a Service over a store and a context cache.
func New(s store.Store, c *cache.ContextCache) *Service {
	return &Service{store: s, cache: c}
}

// GetOrCreate upserts the user for phone, then returns its current active
// conversation or creates a fresh one.
func (s *Service) GetOrCreate(phone string) (*models.Conversation, *models.User, error) {
	user, err := s.store.UpsertUser(phone, nil, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("conversation: upsert user: %w", err)
	}

	conv, err := s.store.FindActiveConversationByUser(user.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("conversation: find active conversation: %w", err)
	}
	if conv != nil {
		return conv, user, nil
	}

	conv, err = s.store.CreateConversation(user.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("conversation: create conversation: %w", err)
	}
	return conv, user, nil
}

// GetWithContext is cache-first: a schema-valid hit is returned directly;
// otherwise the store is consulted, the result is trimmed to the last
// ContextWindowSize messages, and the cache is repopulated.
func (s *Service) GetWithContext(ctx context.Context, conversationID string) (*models.ConversationContext, error) {
	if doc, hit, err := s.cache.Get(ctx, conversationID); err != nil {
		slog.Warn("conversation: cache read failed, bypassing cache", "conversation_id", conversationID, "error", err)
	} else if hit {
		return doc, nil
	}

	conv, err := s.store.FindConversationByID(conversationID, store.FindByIDOpts{})
	if err != nil {
		return nil, fmt.Errorf("conversation: find conversation: %w", err)
	}
	if conv == nil {
		return nil, nil
	}

	msgs, err := s.store.FindRecentMessagesByConversation(conversationID, models.ContextWindowSize)
	if err != nil {
		return nil, fmt.Errorf("conversation: find recent messages: %w", err)
	}

	doc := models.NewConversationContext(*conv, msgs)
	if err := s.cache.Set(ctx, conversationID, doc); err != nil {
		slog.Warn("conversation: cache write failed", "conversation_id", conversationID, "error", err)
	}
	return &doc, nil
}

// Touch bumps the conversation's last-activity timestamp and invalidates
// its cache entry.
func (s *Service) Touch(ctx context.Context, conversationID string) (*models.Conversation, error) {
	conv, err := s.store.TouchConversation(conversationID, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	s.invalidateBestEffort(ctx, conversationID)
	return conv, nil
}

// Close transitions conversationID to closed, ownership-checked.
func (s *Service) Close(ctx context.Context, conversationID, asUser string) (*models.Conversation, error) {
	conv, err := s.store.CloseConversation(conversationID, asUser)
	if err != nil {
		return nil, err
	}
	s.invalidateBestEffort(ctx, conversationID)
	return conv, nil
}

// Archive transitions conversationID to archived, ownership-checked.
func (s *Service) Archive(ctx context.Context, conversationID, asUser string) (*models.Conversation, error) {
	conv, err := s.store.ArchiveConversation(conversationID, asUser)
	if err != nil {
		return nil, err
	}
	s.invalidateBestEffort(ctx, conversationID)
	return conv, nil
}

// UpdateSummary sets the conversation's context summary, ownership-checked,
// and invalidates the cache entry.
func (s *Service) UpdateSummary(ctx context.Context, conversationID, text, asUser string) (*models.Conversation, error) {
	conv, err := s.store.SetConversationSummary(conversationID, text, asUser)
	if err != nil {
		return nil, err
	}
	s.invalidateBestEffort(ctx, conversationID)
	return conv, nil
}

// Invalidate deletes the cached context document for conversationID.
func (s *Service) Invalidate(ctx context.Context, conversationID string) error {
	return s.cache.Invalidate(ctx, conversationID)
}

func (s *Service) invalidateBestEffort(ctx context.Context, conversationID string) {
	if err := s.cache.Invalidate(ctx, conversationID); err != nil {
		slog.Warn("conversation: cache invalidate failed", "conversation_id", conversationID, "error", err)
	}
}

// RecentContext returns the last ContextWindowSize messages as (role,
// content) pairs, cache-first. The cache read goes through ContextCache.Get,
// which schema-validates the document; a cache error or miss falls back to
// the store without repopulating the cache.
func (s *Service) RecentContext(ctx context.Context, conversationID string) ([]models.ContextMessage, error) {
	if doc, hit, err := s.cache.Get(ctx, conversationID); err == nil && hit {
		return doc.ContextMessages(), nil
	}

	msgs, err := s.store.FindRecentMessagesByConversation(conversationID, models.ContextWindowSize)
	if err != nil {
		return nil, fmt.Errorf("conversation: recent context: %w", err)
	}
	out := make([]models.ContextMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, models.ContextMessage{Role: m.Role, Content: m.Content})
	}
	return out, nil
}

// SaveUser idempotently inserts a user turn. If providerSID is non-empty
// and already recorded, the existing message is returned unchanged.
func (s *Service) SaveUser(ctx context.Context, conversationID, content string, providerSID *string) (*models.Message, error) {
	if providerSID != nil && *providerSID != "" {
		existing, err := s.store.FindMessageByProviderSID(*providerSID)
		if err != nil {
			return nil, fmt.Errorf("conversation: probe provider sid: %w", err)
		}
		if existing != nil {
			return existing, nil
		}
	}

	msg, err := s.store.CreateMessage(store.CreateMessageParams{
		ConversationID: conversationID,
		Role:           models.RoleUser,
		Content:        content,
		ProviderSID:    providerSID,
	})
	if err != nil {
		return nil, fmt.Errorf("conversation: save user message: %w", err)
	}
	if _, err := s.Touch(ctx, conversationID); err != nil {
		return nil, fmt.Errorf("conversation: touch after save user: %w", err)
	}
	return msg, nil
}

// SaveAssistant unconditionally inserts an assistant turn with usage
// metrics, then touches the conversation.
func (s *Service) SaveAssistant(ctx context.Context, conversationID, content string, tokensUsed, latencyMs *int) (*models.Message, error) {
	msg, err := s.store.CreateMessage(store.CreateMessageParams{
		ConversationID: conversationID,
		Role:           models.RoleAssistant,
		Content:        content,
		TokensUsed:     tokensUsed,
		LatencyMs:      latencyMs,
	})
	if err != nil {
		return nil, fmt.Errorf("conversation: save assistant message: %w", err)
	}
	if _, err := s.Touch(ctx, conversationID); err != nil {
		return nil, fmt.Errorf("conversation: touch after save assistant: %w", err)
	}
	return msg, nil
}

// SaveSystem inserts a system turn, then touches the conversation.
func (s *Service) SaveSystem(ctx context.Context, conversationID, content string) (*models.Message, error) {
	msg, err := s.store.CreateMessage(store.CreateMessageParams{
		ConversationID: conversationID,
		Role:           models.RoleSystem,
		Content:        content,
	})
	if err != nil {
		return nil, fmt.Errorf("conversation: save system message: %w", err)
	}
	if _, err := s.Touch(ctx, conversationID); err != nil {
		return nil, fmt.Errorf("conversation: touch after save system: %w", err)
	}
	return msg, nil
}

// Count returns the total number of messages in conversationID.
func (s *Service) Count(conversationID string) (int, error) {
	msgs, err := s.store.FindMessagesByConversation(conversationID, 0)
	if err != nil {
		return 0, fmt.Errorf("conversation: count messages: %w", err)
	}
	return len(msgs), nil
}

// TokenStats returns the aggregate token usage across conversationID's
// messages.
func (s *Service) TokenStats(conversationID string) (models.TokenStats, error) {
	return s.store.TokenStats(conversationID)
}

// Exists reports whether a message with providerSID has already been
// recorded.
func (s *Service) Exists(providerSID string) (bool, error) {
	msg, err := s.store.FindMessageByProviderSID(providerSID)
	if err != nil {
		return false, fmt.Errorf("conversation: exists: %w", err)
	}
	return msg != nil, nil
}

// CleanupOld deletes all but the keepN most recent messages in
// conversationID and invalidates its cache entry.
func (s *Service) CleanupOld(ctx context.Context, conversationID string, keepN int) (int, error) {
	n, err := s.store.DeleteOlderMessagesThan(conversationID, keepN)
	if err != nil {
		return 0, fmt.Errorf("conversation: cleanup old messages: %w", err)
	}
	s.invalidateBestEffort(ctx, conversationID)
	return n, nil
}

// ErrConversationNotFound names the "no such conversation" case at the
// package boundary. No Service method returns it: store lookups report a
// missing conversation as a nil result, and store mutations report it as
// apperr.ErrNotFound.
var ErrConversationNotFound = errors.New("conversation: not found")
