// Package models defines the core data structures shared across the
// webhook gateway: users, conversations, messages, and the roles/states
// they move through.
package models

import (
	"errors"
	"time"
)

// MessageRole identifies the speaker of a single turn.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// IsValid reports whether r is one of the known roles.
func (r MessageRole) IsValid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	default:
		return false
	}
}

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	ConversationActive   ConversationStatus = "active"
	ConversationClosed   ConversationStatus = "closed"
	ConversationArchived ConversationStatus = "archived"
)

// DefaultLanguage is assigned to a user created without an explicit
// language tag.
const DefaultLanguage = "es"

// ContextWindowSize is the number of most-recent messages kept in the
// assembled LLM context and cached alongside a conversation.
const ContextWindowSize = 10

// Sentinel validation errors surfaced by model-level helpers. Repository
// and service-level failures use internal/apperr instead; these are for
// shape validation of the types themselves.
var (
	ErrEmptyPhone        = errors.New("phone number cannot be empty")
	ErrInvalidRole       = errors.New("invalid message role")
	ErrEmptyContent      = errors.New("message content cannot be empty")
	ErrInvalidConvStatus = errors.New("invalid conversation status")
)

// User is the identity of a messaging endpoint.
type User struct {
	ID          string    `json:"id"`
	Phone       string    `json:"phone"`
	Name        string    `json:"name,omitempty"`
	Language    string    `json:"language"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Conversation is a bounded session grouping messages for one user.
type Conversation struct {
	ID             string             `json:"id"`
	UserID         string             `json:"userId"`
	Status         ConversationStatus `json:"status"`
	ContextSummary *string            `json:"contextSummary,omitempty"`
	LastMessageAt  time.Time          `json:"lastMessageAt"`
	CreatedAt      time.Time          `json:"createdAt"`
	UpdatedAt      time.Time          `json:"updatedAt"`
}

// CanTransitionTo reports whether moving from c.Status to target is a legal
// state transition. Only active -> {closed, archived} is allowed;
// closed/archived are terminal for the core's interactive path.
func (c *Conversation) CanTransitionTo(target ConversationStatus) bool {
	if c.Status != ConversationActive {
		return false
	}
	return target == ConversationClosed || target == ConversationArchived
}

// Message is a single turn in a conversation.
type Message struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversationId"`
	Role           MessageRole       `json:"role"`
	Content        string            `json:"content"`
	ProviderSID    *string           `json:"providerSid,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	TokensUsed     *int              `json:"tokensUsed,omitempty"`
	LatencyMs      *int              `json:"latencyMs,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
}

// ContextMessage is the reduced (role, content) pair handed to the LLM.
type ContextMessage struct {
	Role    MessageRole `json:"role"`
	Content string      `json:"content"`
}

// TokenStats is the aggregate returned by MessageRepo.TokenStats.
type TokenStats struct {
	Total int     `json:"total"`
	Count int     `json:"count"`
	Avg   float64 `json:"avg"`
}
