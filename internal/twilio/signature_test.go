package twilio

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/url"
	"sort"
	"testing"
)

func sign(t *testing.T, authToken, fullURL string, params url.Values) string {
	t.Helper()
	var sb []byte
	sb = append(sb, fullURL...)
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	// the provider signs the parameters in sorted key order
	sort.Strings(keys)
	for _, k := range keys {
		sb = append(sb, k...)
		sb = append(sb, params.Get(k)...)
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write(sb)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestVerifySignatureValid(t *testing.T) {
	authToken := "test-auth-token"
	fullURL := "https://gateway.example.com/webhook/whatsapp"
	params := url.Values{
		"From":       {"whatsapp:+14155550001"},
		"Body":       {"hola"},
		"MessageSid": {"SM1234567890abcdef1234567890abcd"},
	}
	sig := sign(t, authToken, fullURL, params)

	if !VerifySignature(authToken, fullURL, params, sig) {
		t.Error("expected valid signature to verify")
	}
}

func TestVerifySignatureRejectsTamperedBody(t *testing.T) {
	authToken := "test-auth-token"
	fullURL := "https://gateway.example.com/webhook/whatsapp"
	params := url.Values{"From": {"whatsapp:+14155550001"}, "Body": {"hola"}}
	sig := sign(t, authToken, fullURL, params)

	tampered := url.Values{"From": {"whatsapp:+14155550001"}, "Body": {"mundo"}}
	if VerifySignature(authToken, fullURL, tampered, sig) {
		t.Error("tampered params should not verify")
	}
}

func TestVerifySignatureRejectsMissingHeader(t *testing.T) {
	if VerifySignature("secret", "https://x", url.Values{}, "") {
		t.Error("empty signature header must not verify")
	}
}

func TestVerifySignatureRejectsEmptySecret(t *testing.T) {
	if VerifySignature("", "https://x", url.Values{}, "abc") {
		t.Error("empty auth token must not verify")
	}
}
