// Package pipeline implements the four ordered stages that guard the
// inbound webhook route: a content-type gate, provider signature
// verification, dual-axis rate limiting, and payload validation. The
// stages run in this exact order and nowhere else; downstream handlers
// receive an already-validated, already-rate-limited request.
package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/relayhub/wagateway/internal/ratelimit"
	"github.com/relayhub/wagateway/internal/twilio"
)

type ctxKey int

const ctxKeyInboundMessage ctxKey = iota

// InboundMessageFromContext returns the payload-validator's parsed message,
// stashed in the request context so the webhook handler does not re-parse
// the form body.
func InboundMessageFromContext(ctx context.Context) (*twilio.InboundMessage, bool) {
	msg, ok := ctx.Value(ctxKeyInboundMessage).(*twilio.InboundMessage)
	return msg, ok
}

// Config tunes the pipeline's stages.
type Config struct {
	// AuthToken is the provider shared secret used to verify inbound
	// signatures. Required unless DevMode is true.
	AuthToken string
	// DevMode skips signature verification. Only ever true outside
	// production.
	DevMode bool
	// TrustProxy, when true, derives the client IP from the first hop of
	// X-Forwarded-For instead of the raw remote address.
	TrustProxy bool
	// MaxMessageChars bounds the inbound Body length; zero disables the
	// check.
	MaxMessageChars int
	// MaxMediaCount and AllowedMediaTypes bound inbound attachments;
	// MaxMediaCount zero disables the check.
	MaxMediaCount     int
	AllowedMediaTypes []string
}

// Pipeline wires the four stages around a terminal handler.
type Pipeline struct {
	cfg     Config
	limiter *ratelimit.Limiter
}

// New builds a Pipeline. limiter may be nil only in tests that don't
// exercise the rate-limit stage.
func New(cfg Config, limiter *ratelimit.Limiter) *Pipeline {
	return &Pipeline{cfg: cfg, limiter: limiter}
}

// Wrap returns an http.HandlerFunc that runs the four stages before next.
// A stage that rejects the request writes the response itself and next is
// never called.
func (p *Pipeline) Wrap(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !p.contentTypeGate(w, r) {
			return
		}
		if err := r.ParseForm(); err != nil {
			writeJSONError(w, http.StatusBadRequest, "Bad Request", "malformed form body")
			return
		}

		if !p.signatureVerifier(w, r) {
			return
		}

		clientIP := p.clientIP(r)
		phone := strings.TrimPrefix(r.PostForm.Get("From"), "whatsapp:")
		if !p.rateLimiter(w, r, phone, clientIP) {
			return
		}

		msg, ok := p.payloadValidatorPrecheck(w, r)
		if !ok {
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyInboundMessage, msg)
		next(w, r.WithContext(ctx))
	}
}

// contentTypeGate accepts only application/x-www-form-urlencoded, with
// parameters like charset permitted. The comparison is a substring match,
// which is effectively case-sensitive against the media-type token.
func (p *Pipeline) contentTypeGate(w http.ResponseWriter, r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	if !strings.Contains(ct, "application/x-www-form-urlencoded") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Unsupported Media Type", "Expected application/x-www-form-urlencoded")
		return false
	}
	return true
}

// signatureVerifier authenticates the request against the provider's
// shared secret. Skipped entirely in DevMode.
func (p *Pipeline) signatureVerifier(w http.ResponseWriter, r *http.Request) bool {
	if p.cfg.DevMode {
		return true
	}
	sig := r.Header.Get("X-Twilio-Signature")
	fullURL := fullRequestURL(r)
	if !twilio.VerifySignature(p.cfg.AuthToken, fullURL, r.PostForm, sig) {
		writeJSONError(w, http.StatusForbidden, "Forbidden", "Access denied")
		return false
	}
	return true
}

// rateLimiter checks both axes and, on rejection, replies with a
// provider-reply XML apology so the user sees something in-band.
func (p *Pipeline) rateLimiter(w http.ResponseWriter, r *http.Request, phone, clientIP string) bool {
	if p.limiter == nil {
		return true
	}
	decision := p.limiter.Check(r.Context(), phone, clientIP)

	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.PhoneLimit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.PhoneRemaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.PhoneResetUnix, 10))
	w.Header().Set("X-RateLimit-IP-Limit", strconv.Itoa(decision.IPLimit))
	w.Header().Set("X-RateLimit-IP-Remaining", strconv.Itoa(decision.IPRemaining))

	if decision.Degraded {
		slog.Warn("pipeline: rate limiter degraded, failing open")
	}
	if decision.Allowed {
		return true
	}

	doc, err := twilio.RateLimitReply(decision.Exceeded, "es")
	if err != nil {
		slog.Error("pipeline: compose rate-limit reply", "error", err)
		w.WriteHeader(http.StatusTooManyRequests)
		return false
	}
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusTooManyRequests)
	_, _ = w.Write([]byte(doc))
	return false
}

// payloadValidatorPrecheck parses and re-shapes the form body, running the
// pattern checks and the optional length/media sub-validators. It is the
// last stage, after the rate limiter, which keys on the raw From field
// with its "whatsapp:" prefix stripped.
func (p *Pipeline) payloadValidatorPrecheck(w http.ResponseWriter, r *http.Request) (*twilio.InboundMessage, bool) {
	msg, err := twilio.ParseInbound(r.PostForm)
	if err != nil {
		slog.Warn("pipeline: payload validation failed", "error", err)
		return nil, p.replyApology(w)
	}
	if p.cfg.MaxMessageChars > 0 {
		if err := twilio.ValidateMessageLength(msg.Body, p.cfg.MaxMessageChars); err != nil {
			slog.Warn("pipeline: message length validation failed", "error", err)
			return nil, p.replyApology(w)
		}
	}
	if p.cfg.MaxMediaCount > 0 {
		if err := twilio.ValidateMedia(msg, p.cfg.MaxMediaCount, p.cfg.AllowedMediaTypes); err != nil {
			slog.Warn("pipeline: media validation failed", "error", err)
			return nil, p.replyApology(w)
		}
	}
	return msg, true
}

func (p *Pipeline) replyApology(w http.ResponseWriter) bool {
	doc, err := twilio.ApologyReply("es")
	if err != nil {
		slog.Error("pipeline: compose apology reply", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return false
	}
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusBadRequest)
	_, _ = w.Write([]byte(doc))
	return false
}

// clientIP resolves the caller's address, trusting the first hop of
// X-Forwarded-For only when the deployment sits behind exactly one proxy.
func (p *Pipeline) clientIP(r *http.Request) string {
	if p.cfg.TrustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			parts := strings.Split(fwd, ",")
			return strings.TrimSpace(parts[0])
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// fullRequestURL reconstructs scheme://host + original URI (including
// query string), the exact string the provider signed.
func fullRequestURL(r *http.Request) string {
	scheme := "https"
	if r.TLS == nil && r.Header.Get("X-Forwarded-Proto") != "https" {
		scheme = "http"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

func writeJSONError(w http.ResponseWriter, status int, errName, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": errName, "message": message})
}

