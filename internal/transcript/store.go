// Package transcript provides durable per-context chat message logs.
package transcript

import (
	"context"
	"fmt"

	"github.com/easybali/concierge/internal/domain"
)

// Key builds the storage key for a request-response chat transcript.
func Key(participantID, contextTag string) string {
	return fmt.Sprintf("chat_history_%s_%s", contextTag, participantID)
}

// DuplexKey builds the storage key for a duplex (order-service) transcript.
// Duplex transcripts are keyed by the server-issued session id alone.
func DuplexKey(sessionID string) string {
	return fmt.Sprintf("websocket_chat_%s", sessionID)
}

// Store persists ordered message sequences keyed per conversation.
//
// Load never fails: missing or unreadable state degrades to an empty
// transcript so a corrupt row cannot take the chat down. Save is an
// idempotent full overwrite, called after every transcript mutation.
type Store interface {
	Load(ctx context.Context, key string) ([]domain.Message, error)
	Save(ctx context.Context, key string, messages []domain.Message) error
	Clear(ctx context.Context, key string) error

	// ParticipantID returns the stable per-device participant identifier,
	// minting and persisting one on first use.
	ParticipantID(ctx context.Context) (string, error)

	Close() error
}
