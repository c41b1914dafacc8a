package gateway

import (
	"net/http"

	"github.com/relayhub/wagateway/internal/pipeline"
)

// NewRouter assembles the final http.Handler: security headers on every
// response, the pipeline's four stages in front of the webhook handler,
// and the unauthenticated health endpoint.
func NewRouter(p *pipeline.Pipeline, webhook *Handler, health *HealthChecker) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/webhook/whatsapp", p.Wrap(webhook.ServeHTTP))
	mux.Handle("/health", health)
	return securityHeaders(mux)
}
