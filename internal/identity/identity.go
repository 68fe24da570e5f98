// Package identity provides anonymous per-device identity primitives.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"time"
)

var participantIDPattern = regexp.MustCompile(`^user_\d+_[a-f0-9]{9}$`)

// NewParticipantID mints a participant identifier. The shape matches what
// earlier releases stored, so ids persisted before this version still
// validate.
func NewParticipantID() (string, error) {
	buf := make([]byte, 5)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate participant id: %w", err)
	}
	return fmt.Sprintf("user_%d_%s", time.Now().Unix(), hex.EncodeToString(buf)[:9]), nil
}

// Valid reports whether id is a well-formed participant identifier.
func Valid(id string) bool {
	return participantIDPattern.MatchString(id)
}
