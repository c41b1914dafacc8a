// Package twilio implements the provider-facing edges of the webhook
// pipeline: inbound signature verification, form-payload validation, and
// outbound TwiML reply composition.
package twilio

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/url"
	"sort"
	"strings"
)

// VerifySignature reconstructs the canonical signable string for a Twilio
// webhook request and compares the recomputed HMAC-SHA1 digest, base64
// encoded, against the signature carried in the X-Twilio-Signature header.
// The canonical string is fullURL followed by each sorted form-parameter
// key concatenated with its value, with no separators.
func VerifySignature(authToken, fullURL string, params url.Values, headerSig string) bool {
	if authToken == "" || headerSig == "" {
		return false
	}

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
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(expected), []byte(headerSig))
}
