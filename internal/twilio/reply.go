package twilio

import (
	"fmt"

	"github.com/twilio/twilio-go/twiml"
)

// ReplyXML composes the synchronous TwiML reply: a single <Response>
// element with exactly one <Message> child carrying body.
func ReplyXML(body string) (string, error) {
	msg := twiml.MessagingMessage{Body: body}
	doc, err := twiml.Messages([]twiml.Element{msg})
	if err != nil {
		return "", fmt.Errorf("twilio: compose reply xml: %w", err)
	}
	return doc, nil
}

// Apology messages, localized by a two-letter language tag. The gateway
// falls back to Spanish for any tag it doesn't recognize, since new users
// default to Spanish (models.DefaultLanguage).
var apologies = map[string]string{
	"es": "Lo sentimos, no pudimos procesar tu mensaje. Por favor intenta de nuevo.",
	"en": "Sorry, we couldn't process your message. Please try again.",
}

// technicalDifficulties, by language, covers the handler's synchronous
// error envelope (steps 3-7 failing after the early-return checks passed).
var technicalDifficulties = map[string]string{
	"es": "Estamos teniendo dificultades técnicas. Por favor intenta de nuevo en unos minutos.",
	"en": "We're experiencing technical difficulties. Please try again shortly.",
}

// rateLimitMessages distinguish the phone axis from the IP axis so an
// operator can triage which counter tripped from the log alone.
var rateLimitMessages = map[string]map[string]string{
	"phone": {
		"es": "Has enviado demasiados mensajes. Por favor espera un momento.",
		"en": "You've sent too many messages. Please wait a moment.",
	},
	"ip": {
		"es": "Demasiadas solicitudes desde tu red. Por favor espera un momento.",
		"en": "Too many requests from your network. Please wait a moment.",
	},
}

func localized(table map[string]string, lang string) string {
	if msg, ok := table[lang]; ok {
		return msg
	}
	return table["es"]
}

// ApologyReply composes the reply XML for the unprocessable / empty-body
// early-return path.
func ApologyReply(lang string) (string, error) {
	return ReplyXML(localized(apologies, lang))
}

// TechnicalDifficultiesReply composes the reply XML for the handler's
// synchronous error envelope.
func TechnicalDifficultiesReply(lang string) (string, error) {
	return ReplyXML(localized(technicalDifficulties, lang))
}

// RateLimitReply composes the reply XML for a rate-limited request. axis is
// "phone" or "ip".
func RateLimitReply(axis, lang string) (string, error) {
	table, ok := rateLimitMessages[axis]
	if !ok {
		table = rateLimitMessages["phone"]
	}
	return ReplyXML(localized(table, lang))
}
