// Package privacy provides a one-way keyed hash of PII for use in logs and
// cache keys, plus recursive redaction of sensitive fields before logging.
package privacy

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"reflect"
	"strings"
)

// HashLength is the number of hex characters retained from the digest.
const HashLength = 16

// unknownValue is returned for empty input; never reversible to a real value.
const unknownValue = "unknown"

// Hasher computes deterministic, non-reversible prefixes of a keyed HMAC
// digest. The same Hasher (i.e. the same salt) always maps a given input to
// the same output for the lifetime of the process.
type Hasher struct {
	salt []byte
}

// NewHasher builds a Hasher from the process-wide salt.
func NewHasher(salt string) *Hasher {
	return &Hasher{salt: []byte(salt)}
}

// Hash returns a deterministic 16-hex-character prefix of HMAC-SHA256(salt, s).
// Empty input always returns "unknown".
func (h *Hasher) Hash(s string) string {
	if s == "" {
		return unknownValue
	}
	mac := hmac.New(sha256.New, h.salt)
	mac.Write([]byte(s))
	digest := hex.EncodeToString(mac.Sum(nil))
	if len(digest) < HashLength {
		return digest
	}
	return digest[:HashLength]
}

// sensitiveKeys lists field/map-key names (case-insensitive substring match)
// that Redact replaces with "[REDACTED]".
var sensitiveKeys = []string{
	"password",
	"token",
	"auth",
	"authorization",
	"providersid",
	"provider_sid",
	"messagesid",
	"message_sid",
	"sender",
	"recipient",
	"phone",
	"signature",
	"secret",
	"apikey",
	"api_key",
}

const redactedPlaceholder = "[REDACTED]"

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, k := range sensitiveKeys {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// Redact returns a copy of v with any map key or struct field whose name
// matches the sensitive-key list replaced by "[REDACTED]". It is meant for
// logging request/response payloads; it does not mutate v. Unexported
// struct fields are left at their zero value in the copy.
func Redact(v any) any {
	return redactValue(reflect.ValueOf(v)).Interface()
}

func redactValue(rv reflect.Value) reflect.Value {
	if !rv.IsValid() {
		return rv
	}

	switch rv.Kind() {
	case reflect.Map:
		if rv.IsNil() {
			return rv
		}
		out := reflect.MakeMap(rv.Type())
		for _, key := range rv.MapKeys() {
			val := rv.MapIndex(key)
			if key.Kind() == reflect.String && isSensitiveKey(key.String()) {
				out.SetMapIndex(key, reflect.ValueOf(redactedPlaceholder).Convert(val.Type()))
				continue
			}
			out.SetMapIndex(key, redactValue(val))
		}
		return out

	case reflect.Struct:
		out := reflect.New(rv.Type()).Elem()
		for i := 0; i < rv.NumField(); i++ {
			field := rv.Type().Field(i)
			if !out.Field(i).CanSet() {
				// Unexported fields cannot be copied through reflection.
				continue
			}
			if isSensitiveKey(field.Name) && rv.Field(i).Kind() == reflect.String {
				out.Field(i).SetString(redactedPlaceholder)
				continue
			}
			out.Field(i).Set(redactValue(rv.Field(i)))
		}
		return out

	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return rv
		}
		out := reflect.MakeSlice(rv.Type(), rv.Len(), rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out.Index(i).Set(redactValue(rv.Index(i)))
		}
		return out

	case reflect.Ptr:
		if rv.IsNil() {
			return rv
		}
		out := reflect.New(rv.Type().Elem())
		out.Elem().Set(redactValue(rv.Elem()))
		return out

	case reflect.Interface:
		if rv.IsNil() {
			return rv
		}
		return redactValue(rv.Elem())

	default:
		return rv
	}
}
