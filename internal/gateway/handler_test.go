package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/relayhub/wagateway/internal/cache"
	"github.com/relayhub/wagateway/internal/conversation"
	"github.com/relayhub/wagateway/internal/llm"
	"github.com/relayhub/wagateway/internal/models"
	"github.com/relayhub/wagateway/internal/pipeline"
	"github.com/relayhub/wagateway/internal/store"
)

type fakeCompleter struct {
	result *llm.Result
	err    error
}

func (f *fakeCompleter) Complete(ctx context.Context, messages []models.ContextMessage) (*llm.Result, error) {
	return f.result, f.err
}

func newTestHandler(t *testing.T, completer Completer) (*Handler, *pipeline.Pipeline, *conversation.Service) {
	t.Helper()
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("env TEST_REDIS_URL not set")
	}
	c, err := cache.New(cache.WithRedisURL(url))
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	dsn := filepath.Join(t.TempDir(), "gateway.db")
	s, err := store.NewSQLiteStore(store.WithDSN(dsn))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	convSvc := conversation.New(s, c)
	h := NewHandler(convSvc, completer)
	p := pipeline.New(pipeline.Config{DevMode: true}, nil)
	return h, p, convSvc
}

func formRequest(form url.Values) *http.Request {
	body := form.Encode()
	r := httptest.NewRequest(http.MethodPost, "/webhook/whatsapp", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return r
}

func TestWebhookHandlerHappyPath(t *testing.T) {
	completer := &fakeCompleter{result: &llm.Result{Content: "hola de vuelta", TokensUsed: 42, LatencyMs: 7}}
	h, p, _ := newTestHandler(t, completer)

	form := url.Values{
		"From":       {"whatsapp:+14155559999"},
		"Body":       {"hola"},
		"MessageSid": {"SM1234567890abcdef1234567890abcd00"},
	}
	w := httptest.NewRecorder()
	p.Wrap(h.ServeHTTP).ServeHTTP(w, formRequest(form))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "hola de vuelta") {
		t.Errorf("reply body missing assistant content: %s", w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/xml" {
		t.Errorf("Content-Type = %q, want text/xml", ct)
	}
}

func TestWebhookHandlerLLMFailureFallsBackToApology(t *testing.T) {
	completer := &fakeCompleter{err: context.DeadlineExceeded}
	h, p, _ := newTestHandler(t, completer)

	form := url.Values{
		"From":       {"whatsapp:+14155558888"},
		"Body":       {"hola"},
		"MessageSid": {"SM1234567890abcdef1234567890abcf00"},
	}
	w := httptest.NewRecorder()
	p.Wrap(h.ServeHTTP).ServeHTTP(w, formRequest(form))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (synchronous error envelope)", w.Code)
	}
	if !strings.Contains(w.Body.String(), "dificultades técnicas") {
		t.Errorf("expected technical-difficulties apology, got: %s", w.Body.String())
	}
}

func TestWebhookHandlerDuplicateSIDCollapsesToOneUserTurn(t *testing.T) {
	completer := &fakeCompleter{result: &llm.Result{Content: "ok", TokensUsed: 1, LatencyMs: 1}}
	h, p, convSvc := newTestHandler(t, completer)

	form := url.Values{
		"From":       {"whatsapp:+14155557777"},
		"Body":       {"hola"},
		"MessageSid": {"SM1234567890abcdef1234567890abce00"},
	}
	handler := p.Wrap(h.ServeHTTP)

	w1 := httptest.NewRecorder()
	handler.ServeHTTP(w1, formRequest(form))
	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, formRequest(form))

	if w1.Code != http.StatusOK || w2.Code != http.StatusOK {
		t.Fatalf("expected both requests to succeed, got %d and %d", w1.Code, w2.Code)
	}

	conv, _, err := convSvc.GetOrCreate("+14155557777")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	n, err := convSvc.Count(conv.ID)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	// one user turn (collapsed by SID) plus two assistant turns, one per request.
	if n != 3 {
		t.Errorf("Count = %d, want 3 (1 user + 2 assistant)", n)
	}
}
