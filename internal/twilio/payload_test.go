package twilio

import (
	"net/url"
	"testing"
)

func TestParseInboundValid(t *testing.T) {
	form := url.Values{
		"From":        {"whatsapp:+14155550001"},
		"Body":        {"hola"},
		"MessageSid":  {"SM1234567890abcdef1234567890abcd00"},
		"ProfileName": {"Ana"},
	}
	msg, err := ParseInbound(form)
	if err != nil {
		t.Fatalf("ParseInbound: %v", err)
	}
	if msg.Phone() != "+14155550001" {
		t.Errorf("Phone() = %q, want +14155550001", msg.Phone())
	}
	if msg.Body != "hola" {
		t.Errorf("Body = %q", msg.Body)
	}
}

func TestParseInboundAllowsEmptyBody(t *testing.T) {
	form := url.Values{
		"From":       {"whatsapp:+14155550001"},
		"Body":       {""},
		"MessageSid": {"SM1234567890abcdef1234567890abcd00"},
	}
	if _, err := ParseInbound(form); err != nil {
		t.Errorf("empty body should be allowed for media-only messages: %v", err)
	}
}

func TestParseInboundRejectsInvalidFrom(t *testing.T) {
	form := url.Values{
		"From":       {"+14155550001"}, // missing whatsapp: prefix
		"Body":       {"hola"},
		"MessageSid": {"SM1234567890abcdef1234567890abcd00"},
	}
	if _, err := ParseInbound(form); err == nil {
		t.Error("expected error for From missing whatsapp: prefix")
	}
}

func TestParseInboundRejectsInvalidMessageSid(t *testing.T) {
	form := url.Values{
		"From":       {"whatsapp:+14155550001"},
		"Body":       {"hola"},
		"MessageSid": {"not-a-valid-sid"},
	}
	if _, err := ParseInbound(form); err == nil {
		t.Error("expected error for malformed MessageSid")
	}
}

func TestParseInboundMedia(t *testing.T) {
	form := url.Values{
		"From":             {"whatsapp:+14155550001"},
		"Body":             {""},
		"MessageSid":       {"SM1234567890abcdef1234567890abcd00"},
		"NumMedia":         {"1"},
		"MediaUrl0":        {"https://example.com/image.jpg"},
		"MediaContentType0": {"image/jpeg"},
	}
	msg, err := ParseInbound(form)
	if err != nil {
		t.Fatalf("ParseInbound: %v", err)
	}
	if msg.NumMedia != 1 || len(msg.MediaURLs) != 1 {
		t.Errorf("media not parsed: %+v", msg)
	}
	if err := ValidateMedia(msg, 1, []string{"image/jpeg"}); err != nil {
		t.Errorf("ValidateMedia: %v", err)
	}
	if err := ValidateMedia(msg, 0, nil); err == nil {
		t.Error("expected max-count violation")
	}
}

func TestValidateMessageLength(t *testing.T) {
	if err := ValidateMessageLength("short", 10); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateMessageLength("this is way too long", 10); err == nil {
		t.Error("expected length violation")
	}
}
