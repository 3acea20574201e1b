package relay

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Client to relay message types.
const (
	TypeStartStreaming = "start_streaming"
	TypeAudioData      = "audio_data"
	TypeStopStreaming  = "stop_streaming"
)

// Relay to client message types.
const (
	TypeStreamingStarted = "streaming_started"
	TypeTranscriptUpdate = "transcript_update"
	TypeStreamingStopped = "streaming_stopped"
	TypeError            = "error"
)

// ClientMessage is a JSON control frame from the client.
type ClientMessage struct {
	Type  string       `json:"type"`
	Audio AudioPayload `json:"audio,omitempty"`
}

// AudioPayload is PCM carried inside a JSON frame, either as an array of
// byte values or as a base64 string.
type AudioPayload []byte

func (a *AudioPayload) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*a = nil
		return nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		decoded, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return fmt.Errorf("audio: %w", err)
		}
		*a = decoded
		return nil
	}

	var values []int
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}
	out := make([]byte, len(values))
	for i, v := range values {
		if v < 0 || v > 255 {
			return fmt.Errorf("audio: byte %d out of range: %d", i, v)
		}
		out[i] = byte(v)
	}
	*a = out
	return nil
}

// ServerMessage is a JSON frame sent to the client.
type ServerMessage struct {
	Type       string `json:"type"`
	Transcript string `json:"transcript,omitempty"`
	Message    string `json:"message,omitempty"`
}

func errorMessage(err error) ServerMessage {
	return ServerMessage{Type: TypeError, Message: err.Error()}
}
