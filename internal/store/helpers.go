package store

import (
	"database/sql"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/relayhub/wagateway/internal/models"
)

// Surrogate ID prefixes for the three row kinds this store manages.
const (
	userIDPrefix         = "u_"
	conversationIDPrefix = "c_"
	messageIDPrefix      = "m_"
)

func newUserID() string         { return userIDPrefix + uuid.New().String() }
func newConversationID() string { return conversationIDPrefix + uuid.New().String() }
func newMessageID() string      { return messageIDPrefix + uuid.New().String() }

// nullableString returns nil if s is nil or empty, else the string value —
// used so optional columns are written as SQL NULL rather than "".
func nullableString(s *string) interface{} {
	if s == nil || *s == "" {
		return nil
	}
	return *s
}

// nullableInt returns nil if i is nil, else the int value.
func nullableInt(i *int) interface{} {
	if i == nil {
		return nil
	}
	return *i
}

func encodeMetadata(m map[string]string) (interface{}, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func decodeMetadata(raw sql.NullString) (map[string]string, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(raw.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func ptrFromNullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func ptrFromNullInt(i sql.NullInt64) *int {
	if !i.Valid {
		return nil
	}
	v := int(i.Int64)
	return &v
}

// scanUser scans a users row in the column order shared by both backends.
func scanUser(scanner interface{ Scan(...interface{}) error }) (*models.User, error) {
	var u models.User
	var name sql.NullString
	if err := scanner.Scan(&u.ID, &u.Phone, &name, &u.Language, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	u.Name = name.String
	return &u, nil
}

// scanConversation scans a conversations row in the column order shared by
// both backends.
func scanConversation(scanner interface{ Scan(...interface{}) error }) (*models.Conversation, error) {
	var c models.Conversation
	var summary sql.NullString
	var status string
	if err := scanner.Scan(&c.ID, &c.UserID, &status, &summary, &c.LastMessageAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Status = models.ConversationStatus(status)
	c.ContextSummary = ptrFromNullString(summary)
	return &c, nil
}

// scanMessage scans a messages row in the column order shared by both
// backends.
func scanMessage(scanner interface{ Scan(...interface{}) error }) (*models.Message, error) {
	var m models.Message
	var role string
	var providerSID, metadataRaw sql.NullString
	var tokensUsed, latencyMs sql.NullInt64
	if err := scanner.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &providerSID, &metadataRaw, &tokensUsed, &latencyMs, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.Role = models.MessageRole(role)
	m.ProviderSID = ptrFromNullString(providerSID)
	m.TokensUsed = ptrFromNullInt(tokensUsed)
	m.LatencyMs = ptrFromNullInt(latencyMs)
	metadata, err := decodeMetadata(metadataRaw)
	if err != nil {
		return nil, err
	}
	m.Metadata = metadata
	return &m, nil
}
