package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// CachedMessage is one message entry inside a ConversationContext cache
// document. CreatedAt is a plain time.Time, so it is written and read as
// an RFC3339 (ISO-8601) string.
type CachedMessage struct {
	ID         string      `json:"id"`
	Role       MessageRole `json:"role"`
	Content    string      `json:"content"`
	CreatedAt  time.Time   `json:"createdAt"`
	TokensUsed *int        `json:"tokensUsed,omitempty"`
	LatencyMs  *int        `json:"latencyMs,omitempty"`
}

// ConversationContext is the document stored at cache key
// "conversation:{id}:context" (see internal/cache). It mirrors the
// conversation plus its bounded recent-message window.
type ConversationContext struct {
	ID             string             `json:"id"`
	UserID         string             `json:"userId"`
	Status         ConversationStatus `json:"status"`
	ContextSummary *string            `json:"contextSummary"`
	LastMessageAt  flexTime           `json:"lastMessageAt"`
	CreatedAt      flexTime           `json:"createdAt"`
	UpdatedAt      flexTime           `json:"updatedAt"`
	Messages       []CachedMessage    `json:"messages"`
}

// flexTime always marshals as an RFC3339 (ISO-8601) string. On decode it
// accepts only an RFC3339 string; null, numeric and object timestamp
// shapes are rejected.
type flexTime struct {
	time.Time
}

func newFlexTime(t time.Time) flexTime { return flexTime{t} }

func (f flexTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.Time.UTC().Format(time.RFC3339))
}

func (f *flexTime) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return fmt.Errorf("flexTime: invalid RFC3339 string %q: %w", s, err)
		}
		f.Time = t
		return nil
	}
	// Not a JSON string: time.Time's decoder rejects every such shape.
	var t time.Time
	if err := json.Unmarshal(data, &t); err != nil {
		return fmt.Errorf("flexTime: unrecognized timestamp shape: %w", err)
	}
	f.Time = t
	return nil
}

// NewConversationContext builds the cache document from a conversation and
// its bounded recent-message window (already trimmed to ContextWindowSize
// by the caller).
func NewConversationContext(c Conversation, messages []Message) ConversationContext {
	cached := make([]CachedMessage, 0, len(messages))
	for _, m := range messages {
		cached = append(cached, CachedMessage{
			ID:         m.ID,
			Role:       m.Role,
			Content:    m.Content,
			CreatedAt:  m.CreatedAt,
			TokensUsed: m.TokensUsed,
			LatencyMs:  m.LatencyMs,
		})
	}
	return ConversationContext{
		ID:             c.ID,
		UserID:         c.UserID,
		Status:         c.Status,
		ContextSummary: c.ContextSummary,
		LastMessageAt:  newFlexTime(c.LastMessageAt),
		CreatedAt:      newFlexTime(c.CreatedAt),
		UpdatedAt:      newFlexTime(c.UpdatedAt),
		Messages:       cached,
	}
}

// Validate checks the document against the strict schema described in the
// design: required identifiers, a known status, and well-formed messages.
// A cache reader deletes the entry and falls back to the store on failure.
func (cc ConversationContext) Validate() error {
	if cc.ID == "" {
		return fmt.Errorf("conversation context: missing id")
	}
	if cc.UserID == "" {
		return fmt.Errorf("conversation context: missing userId")
	}
	switch cc.Status {
	case ConversationActive, ConversationClosed, ConversationArchived:
	default:
		return fmt.Errorf("conversation context: %w: %q", ErrInvalidConvStatus, cc.Status)
	}
	if cc.LastMessageAt.IsZero() {
		return fmt.Errorf("conversation context: missing lastMessageAt")
	}
	for i, m := range cc.Messages {
		if !m.Role.IsValid() {
			return fmt.Errorf("conversation context: message[%d]: %w: %q", i, ErrInvalidRole, m.Role)
		}
		if m.ID == "" {
			return fmt.Errorf("conversation context: message[%d]: missing id", i)
		}
	}
	if len(cc.Messages) > ContextWindowSize {
		return fmt.Errorf("conversation context: messages exceed window size %d", ContextWindowSize)
	}
	return nil
}

// Conversation reconstructs the plain Conversation from the cache document.
func (cc ConversationContext) Conversation() Conversation {
	return Conversation{
		ID:             cc.ID,
		UserID:         cc.UserID,
		Status:         cc.Status,
		ContextSummary: cc.ContextSummary,
		LastMessageAt:  cc.LastMessageAt.Time,
		CreatedAt:      cc.CreatedAt.Time,
		UpdatedAt:      cc.UpdatedAt.Time,
	}
}

// ContextMessages returns the (role, content) pairs in ascending order.
func (cc ConversationContext) ContextMessages() []ContextMessage {
	out := make([]ContextMessage, 0, len(cc.Messages))
	for _, m := range cc.Messages {
		out = append(out, ContextMessage{Role: m.Role, Content: m.Content})
	}
	return out
}
