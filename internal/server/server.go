// Package server exposes the relay websocket and the batch transcription
// API over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/amanullahtanweer/speaking-assessment/internal/events"
	"github.com/amanullahtanweer/speaking-assessment/internal/logging"
	"github.com/amanullahtanweer/speaking-assessment/internal/metrics"
	"github.com/amanullahtanweer/speaking-assessment/internal/relay"
	"github.com/amanullahtanweer/speaking-assessment/internal/scoring"
	"github.com/amanullahtanweer/speaking-assessment/internal/sessionlog"
	"github.com/amanullahtanweer/speaking-assessment/internal/transcriber"
)

const (
	maxControlMessage = 4 << 20
	multipartMemory   = 32 << 20
)

type Config struct {
	Addr            string
	WriteTimeout    time.Duration
	AllowedOrigins  []string
	SampleRate      int
	MaxUploadBytes  int64
	DefaultDuration int
	// JournalDir enables per-session JSONL journals when non-empty.
	JournalDir string
}

// BatchTranscriber runs one audio blob through the provider's batch API.
type BatchTranscriber interface {
	Transcribe(ctx context.Context, audio []byte) (*transcriber.Transcript, error)
}

// Deps are the collaborators the server wires into each request. Dialer
// and Batch are nil when no provider credential is configured.
type Deps struct {
	Dialer    transcriber.Dialer
	Batch     BatchTranscriber
	Publisher relay.Publisher
	Metrics   *metrics.Metrics
	Registry  *relay.Registry
	Gatherer  prometheus.Gatherer
}

type Server struct {
	cfg      Config
	deps     Deps
	upgrader websocket.Upgrader
	http     *http.Server
	logger   zerolog.Logger
}

func New(cfg Config, deps Deps) *Server {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 10 << 20
	}
	if cfg.DefaultDuration <= 0 {
		cfg.DefaultDuration = 60
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if deps.Registry == nil {
		deps.Registry = relay.NewRegistry(nil)
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logging.WithComponent("server"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler builds the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(accessLog)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleWebSocket)
	r.Get("/ws", s.handleWebSocket)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/sessions/{id}", s.handleSession)
		r.Post("/transcribe", s.handleTranscribe)
	})

	r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	return r
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.cfg.Addr).Msg("HTTP server listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	return nil
}

// Shutdown closes every live session, then stops the HTTP server.
// Hijacked websocket connections are not tracked by http.Server, so the
// registry is drained first.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Int("sessions", s.deps.Registry.Len()).Msg("Shutting down")
	s.deps.Registry.CloseAll()
	return s.http.Shutdown(ctx)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "expected websocket upgrade", http.StatusBadRequest)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied
		s.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Websocket upgrade failed")
		return
	}
	conn.SetReadLimit(maxControlMessage)

	id := uuid.NewString()
	client := newWSClient(conn, s.cfg.WriteTimeout)

	opts := relay.Options{
		Dialer:     s.deps.Dialer,
		SampleRate: s.cfg.SampleRate,
		Metrics:    s.deps.Metrics,
		Publisher:  s.deps.Publisher,
	}
	if s.cfg.JournalDir != "" {
		journal, err := sessionlog.Open(s.cfg.JournalDir, id, time.Now())
		if err != nil {
			s.logger.Warn().Err(err).Str("session", id).Msg("Session journal disabled")
		} else {
			opts.Journal = journal
		}
	}

	session, err := s.deps.Registry.Open(id, r.RemoteAddr, client, opts)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to register session")
		client.Close()
		return
	}
	s.logger.Info().Str("session", id).Str("remote", r.RemoteAddr).Msg("Client connected")

	s.readLoop(session, conn)
}

// readLoop feeds client frames into the session until the connection
// ends. Text frames carry JSON control messages, binary frames raw PCM.
func (s *Server) readLoop(session *relay.Session, conn *websocket.Conn) {
	defer session.Close()

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived) {
				s.logger.Debug().Err(err).Str("session", session.ID()).Msg("Client read ended")
			}
			return
		}

		switch kind {
		case websocket.TextMessage:
			session.HandleControl(data)
		case websocket.BinaryMessage:
			session.HandleAudio(data)
		}
	}
}

type healthResponse struct {
	Status           string `json:"status"`
	Message          string `json:"message"`
	APIKeyConfigured bool   `json:"apiKeyConfigured"`
	ActiveSessions   int    `json:"activeSessions"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:           "OK",
		Message:          "Speaking assessment API is running",
		APIKeyConfigured: s.deps.Dialer != nil,
		ActiveSessions:   s.deps.Registry.Len(),
	})
}

type sessionResponse struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	session, ok := s.deps.Registry.Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "Session not found"})
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{ID: session.ID(), State: session.State().String()})
}

type transcribeResponse struct {
	Success    bool               `json:"success"`
	Transcript string             `json:"transcript"`
	Confidence float64            `json:"confidence"`
	Words      []transcriber.Word `json:"words"`
	IELTSScore scoring.Metrics    `json:"ieltsScore"`
	Duration   int                `json:"duration"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	logger := zerolog.Ctx(r.Context())

	audio, duration, err := s.readUpload(w, r)
	if err != nil {
		logger.Warn().Err(err).Msg("Rejected upload")
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	started := time.Now()
	batch := s.deps.Batch
	var tr *transcriber.Transcript
	if batch == nil {
		err = transcriber.ErrCredentialMissing
	} else {
		tr, err = batch.Transcribe(r.Context(), audio)
	}
	elapsed := time.Since(started).Seconds()

	if err != nil {
		status, result := classifyBatchError(err)
		s.deps.Metrics.RecordBatch(result, elapsed)
		logger.Error().Err(err).Str("result", result).Msg("Batch transcription failed")
		writeJSON(w, status, errorResponse{Error: "Failed to transcribe audio", Details: err.Error()})
		return
	}
	s.deps.Metrics.RecordBatch("success", elapsed)

	score := scoring.Score(tr.Text, float64(duration))
	logger.Info().
		Str("transcript_id", tr.ID).
		Int("bytes", len(audio)).
		Int("words", score.WordCount).
		Int("overall", score.Overall).
		Msg("Batch transcription scored")

	if s.deps.Publisher != nil {
		ev := events.ScoreEvent{
			SessionID:  tr.ID,
			Source:     events.SourceBatch,
			Transcript: tr.Text,
			Score:      score,
		}
		if err := s.deps.Publisher.PublishScore(r.Context(), ev); err != nil {
			logger.Warn().Err(err).Msg("Failed to publish score")
		}
	}

	writeJSON(w, http.StatusOK, transcribeResponse{
		Success:    true,
		Transcript: tr.Text,
		Confidence: tr.Confidence,
		Words:      tr.Words,
		IELTSScore: score,
		Duration:   duration,
	})
}

// uploadError is a client-facing validation failure.
type uploadError string

func (e uploadError) Error() string { return string(e) }

const (
	errNoAudio     uploadError = "No audio file provided"
	errNotAudio    uploadError = "Only audio files are allowed"
	errBadDuration uploadError = "Duration must be a non-negative number of seconds"
)

// readUpload extracts the audio part and the client-reported duration.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) ([]byte, int, error) {
	// multipart framing adds a little on top of the file itself
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes+1<<20)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, 0, s.errTooLarge()
		}
		return nil, 0, errNoAudio
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("audio")
	if err != nil {
		return nil, 0, errNoAudio
	}
	defer file.Close()

	if !strings.HasPrefix(header.Header.Get("Content-Type"), "audio/") {
		return nil, 0, errNotAudio
	}
	if header.Size > s.cfg.MaxUploadBytes {
		return nil, 0, s.errTooLarge()
	}

	audio, err := io.ReadAll(io.LimitReader(file, s.cfg.MaxUploadBytes+1))
	if err != nil {
		return nil, 0, fmt.Errorf("read audio: %w", err)
	}
	if int64(len(audio)) > s.cfg.MaxUploadBytes {
		return nil, 0, s.errTooLarge()
	}
	if len(audio) == 0 {
		return nil, 0, errNoAudio
	}

	duration := s.cfg.DefaultDuration
	if raw := strings.TrimSpace(r.FormValue("duration")); raw != "" {
		// fractional seconds are truncated
		d, err := strconv.ParseFloat(raw, 64)
		if err != nil || d < 0 || math.IsInf(d, 0) || math.IsNaN(d) {
			return nil, 0, errBadDuration
		}
		duration = int(d)
	}
	return audio, duration, nil
}

func (s *Server) errTooLarge() error {
	return uploadError(fmt.Sprintf("Audio file exceeds %d bytes", s.cfg.MaxUploadBytes))
}

func classifyBatchError(err error) (int, string) {
	var rejected *transcriber.RejectedError
	var failed *transcriber.TranscriptionFailedError

	switch {
	case errors.Is(err, transcriber.ErrCredentialMissing):
		return http.StatusServiceUnavailable, "credential_missing"
	case errors.Is(err, transcriber.ErrPollTimeout):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, context.Canceled):
		return http.StatusBadGateway, "canceled"
	case errors.As(err, &rejected):
		return http.StatusBadGateway, "rejected"
	case errors.As(err, &failed):
		return http.StatusBadGateway, "failed"
	default:
		return http.StatusBadGateway, "error"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}
