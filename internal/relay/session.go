package relay

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/amanullahtanweer/speaking-assessment/internal/events"
	"github.com/amanullahtanweer/speaking-assessment/internal/logging"
	"github.com/amanullahtanweer/speaking-assessment/internal/metrics"
	"github.com/amanullahtanweer/speaking-assessment/internal/scoring"
	"github.com/amanullahtanweer/speaking-assessment/internal/sessionlog"
	"github.com/amanullahtanweer/speaking-assessment/internal/transcriber"
)

const defaultDialTimeout = 10 * time.Second

// ClientConn is the session's side of the client channel.
type ClientConn interface {
	WriteJSON(v any) error
	Close() error
}

// Publisher receives finalized transcripts and the session score.
type Publisher interface {
	PublishTranscript(ctx context.Context, ev events.TranscriptEvent) error
	PublishScore(ctx context.Context, ev events.ScoreEvent) error
}

// Options wires a session to its collaborators. Only Dialer is needed for
// streaming; a nil Dialer means no provider credential is configured.
type Options struct {
	Dialer      transcriber.Dialer
	SampleRate  int
	DialTimeout time.Duration

	Metrics   *metrics.Metrics
	Publisher Publisher
	Journal   *sessionlog.Logger

	// OnStateChange and OnClose are called with the session lock held.
	OnStateChange func(s *Session, state State)
	OnClose       func(s *Session)
}

// Session owns one client channel and at most one upstream stream.
// All handlers run under the session mutex, so client messages and
// upstream events for one session never interleave.
type Session struct {
	id     string
	client ClientConn
	opts   Options
	logger zerolog.Logger
	stats  *metrics.SessionMetrics

	mu         sync.Mutex
	state      State
	upstream   transcriber.Stream
	cancelDial context.CancelFunc
	startedAt  time.Time
	turns      []string
	finished   bool
	done       chan struct{}
}

// NewSession creates an Idle session for an accepted client connection.
func NewSession(id string, client ClientConn, opts Options) *Session {
	if opts.SampleRate <= 0 {
		opts.SampleRate = transcriber.DefaultSampleRate
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	opts.Metrics.SessionOpened()

	return &Session{
		id:     id,
		client: client,
		opts:   opts,
		logger: logging.WithSession(id),
		stats:  metrics.NewSessionMetrics(id, opts.SampleRate),
		state:  StateIdle,
		done:   make(chan struct{}),
	}
}

func (s *Session) ID() string { return s.id }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed when the session has been torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// HandleControl processes one JSON control frame from the client.
func (s *Session) HandleControl(data []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Warn().Err(err).Msg("Malformed client message")
		s.mu.Lock()
		s.sendErrorLocked(ErrMalformedMessage, "malformed")
		s.mu.Unlock()
		return
	}

	switch msg.Type {
	case TypeStartStreaming:
		s.start()
	case TypeAudioData:
		s.HandleAudio(msg.Audio)
	case TypeStopStreaming:
		s.stop()
	default:
		s.logger.Debug().Str("type", msg.Type).Msg("Ignoring unknown message type")
	}
}

// HandleAudio forwards one PCM frame upstream. Frames that arrive while no
// upstream stream is open are dropped.
func (s *Session) HandleAudio(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(frame) == 0 {
		return
	}
	if s.state != StateStreaming || s.upstream == nil {
		s.stats.AddDropped()
		s.opts.Metrics.FrameDropped(s.state.String())
		return
	}
	if err := s.upstream.SendAudio(frame); err != nil {
		s.failLocked(err)
		return
	}
	s.stats.AddFrame(len(frame))
	s.opts.Metrics.FrameForwarded(len(frame))
}

// Close tears the session down after the client channel closed. It emits
// nothing to the client and is safe to call repeatedly.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked("client_disconnect")
}

func (s *Session) start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateIdle:
	case StateClosed, StateErrored:
		return
	default:
		s.sendErrorLocked(ErrAlreadyStarted, "protocol")
		return
	}

	if s.opts.Dialer == nil {
		s.sendErrorLocked(transcriber.ErrCredentialMissing, "credential")
		return
	}

	s.setStateLocked(StateAwaitingUpstream)
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.DialTimeout)
	s.cancelDial = cancel
	go s.dial(ctx, cancel)
}

func (s *Session) dial(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()

	cfg := transcriber.StreamConfig{SampleRate: s.opts.SampleRate, FormatTurns: true}
	stream, err := s.opts.Dialer.Dial(ctx, cfg, upstreamEvents{s})

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelDial = nil

	if err != nil {
		if s.state == StateAwaitingUpstream {
			s.failLocked(err)
		}
		return
	}
	if s.state != StateAwaitingUpstream {
		// stopped or closed while dialing
		if cerr := stream.Close(); cerr != nil {
			s.logger.Debug().Err(cerr).Msg("Closing late upstream")
		}
		return
	}

	s.upstream = stream
	s.startedAt = time.Now()
	s.setStateLocked(StateStreaming)
	s.sendLocked(ServerMessage{Type: TypeStreamingStarted})
}

func (s *Session) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.state.upstreamPending() {
		return
	}
	s.setStateLocked(StateStopping)
	s.releaseUpstreamLocked()
	s.sendLocked(ServerMessage{Type: TypeStreamingStopped})
	s.closeLocked("stopped")
}

// failLocked reports err to the client once and tears the session down.
func (s *Session) failLocked(err error) {
	if s.finished || s.state == StateErrored {
		return
	}
	if err == nil {
		err = ErrChannelClosed
	}
	s.logger.Warn().Err(err).Str("state", s.state.String()).Msg("Upstream failed")

	s.setStateLocked(StateErrored)
	s.releaseUpstreamLocked()
	s.sendErrorLocked(err, "upstream")
	s.closeLocked("upstream_error")
}

func (s *Session) releaseUpstreamLocked() {
	if s.cancelDial != nil {
		s.cancelDial()
		s.cancelDial = nil
	}
	if s.upstream == nil {
		return
	}
	if err := s.upstream.Close(); err != nil {
		s.logger.Debug().Err(err).Msg("Upstream close")
	}
	s.upstream = nil
}

func (s *Session) closeLocked(reason string) {
	if s.finished {
		return
	}
	s.releaseUpstreamLocked()
	s.setStateLocked(StateClosed)
	s.finished = true

	if err := s.client.Close(); err != nil {
		s.logger.Debug().Err(err).Msg("Client close")
	}

	s.summarizeLocked()
	s.stats.Finalize()
	s.opts.Metrics.SessionClosed(time.Since(s.stats.StartTime).Seconds())
	s.opts.Journal.LogEnd(reason)
	if err := s.opts.Journal.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to close session journal")
	}
	if s.opts.OnClose != nil {
		s.opts.OnClose(s)
	}
	s.logger.Info().EmbedObject(s.stats).Str("reason", reason).Msg("Session closed")
	close(s.done)
}

// summarizeLocked scores everything the client said during the session.
func (s *Session) summarizeLocked() {
	if len(s.turns) == 0 {
		return
	}
	transcript := strings.Join(s.turns, " ")
	speaking := s.stats.AudioSeconds()
	if speaking == 0 && !s.startedAt.IsZero() {
		speaking = time.Since(s.startedAt).Seconds()
	}
	score := scoring.Score(transcript, speaking)

	s.opts.Journal.LogSummary(transcript, score)
	if s.opts.Publisher != nil {
		ev := events.ScoreEvent{
			SessionID:  s.id,
			Source:     events.SourceStreaming,
			Transcript: transcript,
			Score:      score,
		}
		if err := s.opts.Publisher.PublishScore(context.Background(), ev); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to publish score")
		}
	}
	s.logger.Info().
		Int("words", score.WordCount).
		Int("overall", score.Overall).
		Msg("Session scored")
}

func (s *Session) setStateLocked(next State) {
	prev := s.state
	if prev == next {
		return
	}
	s.state = next
	s.logger.Debug().Str("from", prev.String()).Str("to", next.String()).Msg("State transition")
	s.opts.Journal.LogTransition(prev.String(), next.String())
	if s.opts.OnStateChange != nil {
		s.opts.OnStateChange(s, next)
	}
}

func (s *Session) sendLocked(msg ServerMessage) {
	if s.finished {
		return
	}
	if err := s.client.WriteJSON(msg); err != nil {
		s.logger.Debug().Err(err).Str("type", msg.Type).Msg("Failed to write to client")
	}
}

func (s *Session) sendErrorLocked(err error, kind string) {
	if s.finished {
		return
	}
	s.opts.Metrics.SessionError(kind)
	s.opts.Journal.LogError(err)
	s.sendLocked(errorMessage(err))
}

// upstreamEvents adapts upstream callbacks onto the session lock.
type upstreamEvents struct {
	s *Session
}

func (u upstreamEvents) OnBegin(providerSessionID string) {
	u.s.logger.Info().Str("provider_session", providerSessionID).Msg("Upstream session began")
}

func (u upstreamEvents) OnTurn(turn transcriber.Turn) {
	s := u.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateStreaming {
		return
	}
	s.stats.AddTranscriptResult(turn.Transcript, turn.IsFinal())

	text := strings.TrimSpace(turn.Transcript)
	if !turn.IsFinal() || text == "" {
		s.opts.Metrics.TurnDiscarded()
		return
	}

	s.turns = append(s.turns, text)
	s.opts.Journal.LogTranscript(text)
	s.sendLocked(ServerMessage{Type: TypeTranscriptUpdate, Transcript: turn.Transcript})
	s.opts.Metrics.TurnForwarded()

	if s.opts.Publisher != nil {
		ev := events.TranscriptEvent{SessionID: s.id, TurnOrder: turn.Order, Text: text}
		if err := s.opts.Publisher.PublishTranscript(context.Background(), ev); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to publish transcript")
		}
	}
}

func (u upstreamEvents) OnClose(err error) {
	s := u.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.state.upstreamPending() {
		return
	}
	if err == nil {
		err = ErrChannelClosed
	}
	s.failLocked(err)
}
