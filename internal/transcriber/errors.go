package transcriber

import (
	"errors"
	"fmt"
)

var (
	// ErrCredentialMissing is returned when no provider API key is configured.
	ErrCredentialMissing = errors.New("AssemblyAI API key not configured")

	// ErrPollTimeout is returned when a batch job does not finish within the
	// configured poll timeout or attempt budget.
	ErrPollTimeout = errors.New("transcription polling timed out")

	// ErrStreamClosed is returned by SendAudio after the stream has ended.
	ErrStreamClosed = errors.New("upstream stream closed")
)

// RejectedError is a non-2xx response from the provider.
type RejectedError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s failed: %d - %s", e.Op, e.StatusCode, e.Body)
}

// TranscriptionFailedError is a job that finished with status "error".
type TranscriptionFailedError struct {
	ID      string
	Message string
}

func (e *TranscriptionFailedError) Error() string {
	return fmt.Sprintf("transcription failed: %s", e.Message)
}
