package twilio

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

var (
	fromPattern       = regexp.MustCompile(`^whatsapp:\+\d+$`)
	messageSIDPattern = regexp.MustCompile(`^[A-Z]{2}[a-z0-9]{32}$`)
)

// InboundMessage is the typed, validated shape of an inbound webhook form
// body.
type InboundMessage struct {
	From        string
	Body        string
	MessageSID  string
	ProfileName string
	NumMedia    int
	MediaURLs   []string
	MediaTypes  []string
	Extra       url.Values
}

// Phone strips the "whatsapp:" scheme prefix, yielding the canonical phone
// number used as the store/cache/rate-limit key.
func (m InboundMessage) Phone() string {
	return strings.TrimPrefix(m.From, "whatsapp:")
}

// ParseInbound validates and re-shapes a form body into an InboundMessage.
// Required: From (whatsapp:+<digits>), MessageSid (provider's two-letter +
// 32 lowercase-alphanumeric id). Body is required as a field but may be
// empty (media-only messages).
func ParseInbound(form url.Values) (*InboundMessage, error) {
	from := form.Get("From")
	if !fromPattern.MatchString(from) {
		return nil, fmt.Errorf("twilio: invalid From %q", from)
	}

	sid := form.Get("MessageSid")
	if !messageSIDPattern.MatchString(sid) {
		return nil, fmt.Errorf("twilio: invalid MessageSid %q", sid)
	}

	if _, ok := form["Body"]; !ok {
		return nil, fmt.Errorf("twilio: missing Body")
	}

	msg := &InboundMessage{
		From:        from,
		Body:        form.Get("Body"),
		MessageSID:  sid,
		ProfileName: form.Get("ProfileName"),
	}

	if raw := form.Get("NumMedia"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("twilio: invalid NumMedia %q", raw)
		}
		msg.NumMedia = n
	}

	for i := 0; i < msg.NumMedia && i < 10; i++ {
		rawURL := form.Get(fmt.Sprintf("MediaUrl%d", i))
		if rawURL != "" {
			if _, err := url.ParseRequestURI(rawURL); err != nil {
				return nil, fmt.Errorf("twilio: invalid MediaUrl%d %q", i, rawURL)
			}
			msg.MediaURLs = append(msg.MediaURLs, rawURL)
		}
		msg.MediaTypes = append(msg.MediaTypes, form.Get(fmt.Sprintf("MediaContentType%d", i)))
	}

	msg.Extra = form
	return msg, nil
}

// ValidateMessageLength enforces an optional per-route max character count
// on the message body.
func ValidateMessageLength(body string, maxChars int) error {
	if len(body) > maxChars {
		return fmt.Errorf("twilio: message body exceeds %d characters", maxChars)
	}
	return nil
}

// ValidateMedia enforces an optional per-route cap on attachment count and
// an allow-list of content types.
func ValidateMedia(msg *InboundMessage, maxCount int, allowedTypes []string) error {
	if msg.NumMedia > maxCount {
		return fmt.Errorf("twilio: %d media attachments exceeds max %d", msg.NumMedia, maxCount)
	}
	if len(allowedTypes) == 0 {
		return nil
	}
	allowed := make(map[string]bool, len(allowedTypes))
	for _, t := range allowedTypes {
		allowed[t] = true
	}
	for _, t := range msg.MediaTypes {
		if t != "" && !allowed[t] {
			return fmt.Errorf("twilio: media type %q not allowed", t)
		}
	}
	return nil
}
