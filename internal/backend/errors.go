package backend

import (
	"errors"
	"fmt"
	"strings"
)

// StatusError captures non-2xx backend responses with status-aware context.
type StatusError struct {
	StatusCode int
	URL        string
	Detail     string // short human message from the response body, if any
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *StatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// User-safe strings shown in place of transport errors. Raw backend error
// text never reaches the transcript.
const (
	msgColdStart    = "Server is starting up. Please wait a moment and try again."
	msgCheckInput   = "Please check your input and try again."
	msgFileTooLarge = "File is too large. Maximum allowed is 10MB."
	msgBadRequest   = "Invalid request. Please check your input."
	msgServerIssue  = "Server is experiencing temporary issues. Please try again in a moment."
	msgGeneric      = "Something went wrong. Please try again."
)

// forbiddenDetail marks backend-supplied detail strings that leak
// infrastructure internals and must never be shown.
var forbiddenDetail = []string{"SSL", "mongo"}

const maxDetailLen = 200

// UserMessage translates a transport or backend error into a string safe to
// display in the transcript.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		// Network error, timeout, or cancellation: the backend may simply be
		// cold-starting.
		return msgColdStart
	}

	switch {
	case statusErr.StatusCode == 422:
		return msgCheckInput
	case statusErr.StatusCode == 413:
		return msgFileTooLarge
	case statusErr.StatusCode == 400:
		if detailDisplayable(statusErr.Detail) {
			return statusErr.Detail
		}
		return msgBadRequest
	case statusErr.StatusCode >= 500:
		return msgServerIssue
	default:
		return msgGeneric
	}
}

func detailDisplayable(detail string) bool {
	if detail == "" || len(detail) >= maxDetailLen {
		return false
	}
	for _, kw := range forbiddenDetail {
		if strings.Contains(detail, kw) {
			return false
		}
	}
	return true
}
