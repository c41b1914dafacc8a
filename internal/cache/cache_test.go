package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/relayhub/wagateway/internal/models"
)

func getenvOrSkip(t *testing.T, key string) string {
	v := os.Getenv(key)
	if v == "" {
		t.Skipf("env %s not set", key)
	}
	return v
}

func TestContextCacheRoundTrip(t *testing.T) {
	url := getenvOrSkip(t, "TEST_REDIS_URL")
	c, err := New(WithRedisURL(url))
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	defer c.Close()

	ctx := context.Background()
	convID := "c_cachetest"
	_ = c.Invalidate(ctx, convID)

	if _, hit, err := c.Get(ctx, convID); err != nil || hit {
		t.Fatalf("expected miss before any write, got hit=%v err=%v", hit, err)
	}

	conv := models.Conversation{
		ID:            convID,
		UserID:        "u_1",
		Status:        models.ConversationActive,
		LastMessageAt: time.Now().UTC(),
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}
	msgs := []models.Message{
		{ID: "m_1", ConversationID: convID, Role: models.RoleUser, Content: "hola", CreatedAt: time.Now().UTC()},
	}
	doc := models.NewConversationContext(conv, msgs)

	if err := c.Set(ctx, convID, doc); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, hit, err := c.Get(ctx, convID)
	if err != nil || !hit {
		t.Fatalf("expected hit after Set, got hit=%v err=%v", hit, err)
	}
	if got.ID != convID || len(got.ContextMessages()) != 1 {
		t.Errorf("round-tripped document mismatch: %+v", got)
	}

	if err := c.Invalidate(ctx, convID); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if _, hit, err := c.Get(ctx, convID); err != nil || hit {
		t.Fatalf("expected miss after Invalidate, got hit=%v err=%v", hit, err)
	}
}

func TestContextKeyShape(t *testing.T) {
	if got, want := contextKey("c_abc123"), "conversation:c_abc123:context"; got != want {
		t.Errorf("contextKey = %q, want %q", got, want)
	}
}
