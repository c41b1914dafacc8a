package pipeline

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"
)

func terminalHandler(t *testing.T, called *bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		*called = true
		if _, ok := InboundMessageFromContext(r.Context()); !ok {
			t.Error("expected an inbound message in the request context")
		}
		w.WriteHeader(http.StatusOK)
	}
}

func formRequest(form url.Values) *http.Request {
	body := form.Encode()
	r := httptest.NewRequest(http.MethodPost, "https://gateway.example.com/webhook/whatsapp", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return r
}

func TestContentTypeGateRejectsWrongMediaType(t *testing.T) {
	p := New(Config{DevMode: true}, nil)
	var called bool

	r := httptest.NewRequest(http.MethodPost, "/webhook/whatsapp", strings.NewReader("{}"))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	p.Wrap(terminalHandler(t, &called)).ServeHTTP(w, r)

	if called {
		t.Error("next handler should not run on a content-type rejection")
	}
	if w.Code != http.StatusUnsupportedMediaType {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnsupportedMediaType)
	}
}

func TestDevModeSkipsSignatureAndReachesHandler(t *testing.T) {
	p := New(Config{DevMode: true}, nil)
	var called bool

	form := url.Values{
		"From":       {"whatsapp:+14155550001"},
		"Body":       {"hola"},
		"MessageSid": {"SM1234567890abcdef1234567890abcd00"},
	}
	r := formRequest(form)
	w := httptest.NewRecorder()

	p.Wrap(terminalHandler(t, &called)).ServeHTTP(w, r)

	if !called {
		t.Fatalf("expected next handler to run, got status %d body %s", w.Code, w.Body.String())
	}
}

func TestSignatureVerifierRejectsWithoutDevMode(t *testing.T) {
	p := New(Config{AuthToken: "secret", DevMode: false}, nil)
	var called bool

	form := url.Values{
		"From":       {"whatsapp:+14155550001"},
		"Body":       {"hola"},
		"MessageSid": {"SM1234567890abcdef1234567890abcd00"},
	}
	r := formRequest(form)
	w := httptest.NewRecorder()

	p.Wrap(terminalHandler(t, &called)).ServeHTTP(w, r)

	if called {
		t.Error("next handler should not run without a valid signature")
	}
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want %d", w.Code, http.StatusForbidden)
	}
}

func TestSignatureVerifierAcceptsValidSignature(t *testing.T) {
	authToken := "secret"
	form := url.Values{
		"From":       {"whatsapp:+14155550001"},
		"Body":       {"hola"},
		"MessageSid": {"SM1234567890abcdef1234567890abcd00"},
	}
	r := formRequest(form)
	// httptest.NewRequest marks an https:// target as TLS, so the pipeline
	// reconstructs the URL with the https scheme.
	fullURL := "https://" + r.Host + r.URL.RequestURI()
	if err := r.ParseForm(); err != nil {
		t.Fatalf("ParseForm: %v", err)
	}

	// build the reference signature the same way VerifySignature expects
	sig := referenceSignature(t, authToken, fullURL, r.PostForm)
	r2 := formRequest(form)
	r2.Header.Set("X-Twilio-Signature", sig)

	p := New(Config{AuthToken: authToken, DevMode: false}, nil)
	var called bool
	w := httptest.NewRecorder()
	p.Wrap(terminalHandler(t, &called)).ServeHTTP(w, r2)

	if !called {
		t.Fatalf("expected next handler to run, got status %d body %s", w.Code, w.Body.String())
	}
}

func TestPayloadValidatorRejectsMalformedFrom(t *testing.T) {
	p := New(Config{DevMode: true}, nil)
	var called bool

	form := url.Values{
		"From":       {"+14155550001"},
		"Body":       {"hola"},
		"MessageSid": {"SM1234567890abcdef1234567890abcd00"},
	}
	r := formRequest(form)
	w := httptest.NewRecorder()

	p.Wrap(terminalHandler(t, &called)).ServeHTTP(w, r)

	if called {
		t.Error("next handler should not run on a payload validation failure")
	}
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/xml" {
		t.Errorf("Content-Type = %q, want text/xml", ct)
	}
}

// referenceSignature reconstructs the canonical string independently of
// the package under test, to avoid the test validating itself.
func referenceSignature(t *testing.T, authToken, fullURL string, params url.Values) string {
	t.Helper()
	var sb strings.Builder
	sb.WriteString(fullURL)
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteString(params.Get(k))
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(sb.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
