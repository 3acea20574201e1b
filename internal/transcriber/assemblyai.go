package transcriber

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	AssemblyAIWebSocketURL = "wss://streaming.assemblyai.com/v3/ws"
	DefaultSampleRate      = 16000

	defaultWriteTimeout = 5 * time.Second
)

var terminateMessage = []byte(`{"type":"Terminate"}`)

// AssemblyAI v3 streaming message
type assemblyAIMessage struct {
	Type               string  `json:"type"`
	ID                 string  `json:"id,omitempty"`
	ExpiresAt          int64   `json:"expires_at,omitempty"`
	Transcript         string  `json:"transcript,omitempty"`
	EndOfTurn          bool    `json:"end_of_turn,omitempty"`
	TurnIsFormatted    bool    `json:"turn_is_formatted,omitempty"`
	TurnOrder          int     `json:"turn_order,omitempty"`
	AudioDurationSec   float64 `json:"audio_duration_seconds,omitempty"`
	SessionDurationSec float64 `json:"session_duration_seconds,omitempty"`
	Error              string  `json:"error,omitempty"`
}

// AssemblyAIDialer opens AssemblyAI v3 streaming sessions.
type AssemblyAIDialer struct {
	URL          string
	APIKey       string
	WriteTimeout time.Duration
	Dialer       *websocket.Dialer
}

// NewAssemblyAIDialer returns a dialer for the production endpoint.
func NewAssemblyAIDialer(apiKey string) *AssemblyAIDialer {
	return &AssemblyAIDialer{
		URL:          AssemblyAIWebSocketURL,
		APIKey:       apiKey,
		WriteTimeout: defaultWriteTimeout,
		Dialer:       websocket.DefaultDialer,
	}
}

func (d *AssemblyAIDialer) Dial(ctx context.Context, cfg StreamConfig, h StreamHandler) (Stream, error) {
	if d.APIKey == "" {
		return nil, ErrCredentialMissing
	}

	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid streaming url: %w", err)
	}
	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	q := u.Query()
	q.Set("sample_rate", strconv.Itoa(sampleRate))
	if cfg.FormatTurns {
		q.Set("format_turns", "true")
	}
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", d.APIKey)

	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return nil, &RejectedError{Op: "streaming connect", StatusCode: resp.StatusCode, Body: string(body)}
		}
		return nil, fmt.Errorf("failed to connect to AssemblyAI: %w", err)
	}

	writeTimeout := d.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	s := &assemblyAIStream{
		conn:         conn,
		handler:      h,
		writeTimeout: writeTimeout,
		logger:       log.With().Str("component", "assemblyai").Logger(),
		done:         make(chan struct{}),
	}
	go s.readLoop()

	s.logger.Debug().Int("sample_rate", sampleRate).Msg("AssemblyAI stream connected")
	return s, nil
}

type assemblyAIStream struct {
	conn         *websocket.Conn
	handler      StreamHandler
	writeTimeout time.Duration
	logger       zerolog.Logger

	writeMu   sync.Mutex
	closing   atomic.Bool
	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

func (s *assemblyAIStream) SendAudio(frame []byte) error {
	if s.closing.Load() {
		return ErrStreamClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("failed to send audio to AssemblyAI: %w", err)
	}
	return nil
}

func (s *assemblyAIStream) Close() error {
	s.closeOnce.Do(func() {
		s.closing.Store(true)

		s.writeMu.Lock()
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
		if err := s.conn.WriteMessage(websocket.TextMessage, terminateMessage); err != nil {
			s.logger.Debug().Err(err).Msg("Terminate not delivered")
		}
		s.writeMu.Unlock()

		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

// Done is closed once the read loop has exited and OnClose was delivered.
func (s *assemblyAIStream) Done() <-chan struct{} {
	return s.done
}

func (s *assemblyAIStream) readLoop() {
	defer close(s.done)

	var providerErr error
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.closing.Load() {
				s.handler.OnClose(nil)
				return
			}
			if providerErr != nil {
				err = providerErr
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Msg("AssemblyAI WebSocket error")
			}
			s.handler.OnClose(err)
			return
		}

		var msg assemblyAIMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to parse AssemblyAI message")
			continue
		}

		switch msg.Type {
		case "Begin":
			s.logger.Info().
				Str("provider_session", msg.ID).
				Time("expires_at", time.Unix(msg.ExpiresAt, 0)).
				Msg("AssemblyAI session started")
			s.handler.OnBegin(msg.ID)

		case "Turn":
			s.handler.OnTurn(Turn{
				Order:      msg.TurnOrder,
				Transcript: msg.Transcript,
				EndOfTurn:  msg.EndOfTurn,
				Formatted:  msg.TurnIsFormatted,
			})

		case "Termination":
			s.logger.Info().
				Float64("audio_duration", msg.AudioDurationSec).
				Float64("session_duration", msg.SessionDurationSec).
				Msg("AssemblyAI session terminated")

		default:
			if msg.Error != "" {
				providerErr = errors.New(msg.Error)
				s.logger.Warn().Str("error", msg.Error).Msg("AssemblyAI reported an error")
			}
		}
	}
}
