// Package domain holds the core chat types shared across the client.
package domain

import (
	"strings"
	"time"
)

// Sender identifies which side of the conversation produced a message.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "bot"
)

// MessageKind distinguishes plain display text from structured directives
// the backend embeds in assistant messages (service tables, booking
// confirmations).
type MessageKind string

const (
	KindPlain     MessageKind = "plain"
	KindDirective MessageKind = "directive"
)

// Directive prefixes the backend uses inside assistant message text.
const (
	directiveServices = "SERVICES_DATA|"
	directiveBooking  = "CONFIRM_BOOKING|"
)

// Message is one entry in a transcript. Messages are append-only: once
// created they are never mutated, only replaced wholesale when a persisted
// transcript is reloaded.
type Message struct {
	ID        int64       `json:"id"`
	Text      string      `json:"text"`
	Sender    Sender      `json:"sender"`
	Timestamp string      `json:"timestamp"`
	Kind      MessageKind `json:"kind,omitempty"`
}

// KindOf classifies assistant text by directive prefix.
func KindOf(text string) MessageKind {
	if strings.HasPrefix(text, directiveServices) || strings.HasPrefix(text, directiveBooking) {
		return KindDirective
	}
	return KindPlain
}

// DisplayTime formats a timestamp the way transcripts show it.
func DisplayTime(t time.Time) string {
	return t.Format("15:04")
}
