package twilio

import (
	"strings"
	"testing"
)

func TestReplyXMLShape(t *testing.T) {
	doc, err := ReplyXML("hola mundo")
	if err != nil {
		t.Fatalf("ReplyXML: %v", err)
	}
	if !strings.Contains(doc, "<Response>") || !strings.Contains(doc, "hola mundo") {
		t.Errorf("reply xml missing expected elements: %s", doc)
	}
}

func TestRateLimitReplyPhoneAxis(t *testing.T) {
	doc, err := RateLimitReply("phone", "es")
	if err != nil {
		t.Fatalf("RateLimitReply: %v", err)
	}
	if !strings.Contains(doc, "demasiados mensajes") {
		t.Errorf("phone-axis rate limit reply must contain the triage phrase, got: %s", doc)
	}
}

func TestRateLimitReplyIPAxisDiffersFromPhone(t *testing.T) {
	phoneDoc, _ := RateLimitReply("phone", "es")
	ipDoc, _ := RateLimitReply("ip", "es")
	if phoneDoc == ipDoc {
		t.Error("phone and ip rate-limit replies must differ so operators can triage from logs")
	}
}

func TestApologyReplyFallsBackToSpanish(t *testing.T) {
	doc, err := ApologyReply("fr")
	if err != nil {
		t.Fatalf("ApologyReply: %v", err)
	}
	if !strings.Contains(doc, "Lo sentimos") {
		t.Errorf("unrecognized language should fall back to Spanish, got: %s", doc)
	}
}
