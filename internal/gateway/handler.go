// Package gateway wires the pipeline, conversation/message services, and
// the LLM client into the webhook handler, plus the health endpoint and
// the security headers applied to every response.
package gateway

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/relayhub/wagateway/internal/conversation"
	"github.com/relayhub/wagateway/internal/llm"
	"github.com/relayhub/wagateway/internal/models"
	"github.com/relayhub/wagateway/internal/pipeline"
	"github.com/relayhub/wagateway/internal/twilio"
)

// Completer is the subset of *llm.Client the handler depends on, narrowed
// to an interface so tests can substitute a fake instead of calling the
// real Anthropic API.
type Completer interface {
	Complete(ctx context.Context, messages []models.ContextMessage) (*llm.Result, error)
}

// Handler implements the webhook coordinator described by the ordered
// steps in Handler.ServeHTTP.
type Handler struct {
	conversations *conversation.Service
	llmClient     Completer
}

// NewHandler builds a webhook Handler.
func NewHandler(conversations *conversation.Service, llmClient Completer) *Handler {
	return &Handler{conversations: conversations, llmClient: llmClient}
}

// ServeHTTP runs the eight-step webhook flow. It assumes the pipeline has
// already validated, authenticated, and rate-limited the request and
// stashed the parsed InboundMessage in the request context.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	msg, ok := pipeline.InboundMessageFromContext(r.Context())
	if !ok {
		slog.Error("gateway: webhook handler reached without a parsed inbound message")
		h.writeApology(w)
		return
	}

	phone := msg.Phone()
	if phone == "" && msg.Body == "" {
		if doc, err := twilio.ApologyReply("es"); err == nil {
			writeXML(w, http.StatusOK, doc)
			return
		}
		h.writeApology(w)
		return
	}

	ctx := r.Context()

	conv, user, err := h.conversations.GetOrCreate(phone)
	if err != nil {
		slog.Error("gateway: get_or_create failed", "error", err)
		h.writeApology(w)
		return
	}
	logCtx := slog.With("conversation_id", conv.ID, "user_id", user.ID)

	sid := msg.MessageSID
	if _, err := h.conversations.SaveUser(ctx, conv.ID, msg.Body, &sid); err != nil {
		logCtx.Error("gateway: save_user failed", "error", err)
		h.writeApology(w)
		return
	}

	recent, err := h.conversations.RecentContext(ctx, conv.ID)
	if err != nil {
		logCtx.Error("gateway: recent_context failed", "error", err)
		h.writeApology(w)
		return
	}

	result, err := h.llmClient.Complete(ctx, recent)
	if err != nil {
		logCtx.Error("gateway: llm completion failed", "error", err)
		h.writeApology(w)
		return
	}

	if _, err := h.conversations.SaveAssistant(ctx, conv.ID, result.Content, &result.TokensUsed, &result.LatencyMs); err != nil {
		logCtx.Error("gateway: save_assistant failed", "error", err)
		h.writeApology(w)
		return
	}

	doc, err := twilio.ReplyXML(result.Content)
	if err != nil {
		logCtx.Error("gateway: compose reply xml failed", "error", err)
		h.writeApology(w)
		return
	}
	writeXML(w, http.StatusOK, doc)
}

func (h *Handler) writeApology(w http.ResponseWriter) {
	doc, err := twilio.TechnicalDifficultiesReply("es")
	if err != nil {
		slog.Error("gateway: compose apology reply failed", "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}
	writeXML(w, http.StatusOK, doc)
}

func writeXML(w http.ResponseWriter, status int, doc string) {
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(doc))
}
