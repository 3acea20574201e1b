package transcriber

import "context"

// StreamConfig is sent to the provider when a streaming session is opened.
type StreamConfig struct {
	SampleRate  int
	FormatTurns bool
}

// Turn is one utterance segment reported by the streaming provider.
// Formatted turns are final; everything else is provisional.
type Turn struct {
	Order      int
	Transcript string
	EndOfTurn  bool
	Formatted  bool
}

// IsFinal reports whether the turn is stable enough to show to a user.
func (t Turn) IsFinal() bool {
	return t.Formatted
}

// StreamHandler receives events from an open Stream. Calls for one stream
// come from a single goroutine, in arrival order.
type StreamHandler interface {
	OnBegin(providerSessionID string)
	OnTurn(turn Turn)
	// OnClose is called exactly once when the stream ends. err is nil when
	// the close was requested through Stream.Close.
	OnClose(err error)
}

// Stream is an open upstream streaming channel.
type Stream interface {
	// SendAudio forwards one PCM frame verbatim.
	SendAudio(frame []byte) error
	// Close ends the session. It is idempotent.
	Close() error
}

// Dialer opens upstream streams.
type Dialer interface {
	Dial(ctx context.Context, cfg StreamConfig, h StreamHandler) (Stream, error)
}
