package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/amanullahtanweer/speaking-assessment/internal/events"
	"github.com/amanullahtanweer/speaking-assessment/internal/metrics"
	"github.com/amanullahtanweer/speaking-assessment/internal/relay"
	"github.com/amanullahtanweer/speaking-assessment/internal/scoring"
	"github.com/amanullahtanweer/speaking-assessment/internal/transcriber"
)

type fakeBatch struct {
	transcript *transcriber.Transcript
	err        error
	got        []byte
}

func (f *fakeBatch) Transcribe(ctx context.Context, audio []byte) (*transcriber.Transcript, error) {
	f.got = audio
	return f.transcript, f.err
}

type fakePublisher struct {
	mu     sync.Mutex
	scores []events.ScoreEvent
}

func (p *fakePublisher) PublishTranscript(ctx context.Context, ev events.TranscriptEvent) error {
	return nil
}

func (p *fakePublisher) PublishScore(ctx context.Context, ev events.ScoreEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scores = append(p.scores, ev)
	return nil
}

type fakeStream struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (s *fakeStream) SendAudio(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, append([]byte(nil), frame...))
	return nil
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeStream) state() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames), s.closed
}

type fakeDialer struct {
	stream  *fakeStream
	handler chan transcriber.StreamHandler
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{stream: &fakeStream{}, handler: make(chan transcriber.StreamHandler, 1)}
}

func (d *fakeDialer) Dial(ctx context.Context, cfg transcriber.StreamConfig, h transcriber.StreamHandler) (transcriber.Stream, error) {
	d.handler <- h
	return d.stream, nil
}

func newTestServer(t *testing.T, cfg Config, deps Deps) *Server {
	t.Helper()
	if deps.Metrics == nil {
		reg := prometheus.NewRegistry()
		deps.Metrics = metrics.New(reg)
		deps.Gatherer = reg
	}
	return New(cfg, deps)
}

func audioRequest(t *testing.T, contentType string, audio []byte, duration string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if audio != nil {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="audio"; filename="recording.webm"`)
		h.Set("Content-Type", contentType)
		part, err := mw.CreatePart(h)
		if err != nil {
			t.Fatal(err)
		}
		part.Write(audio)
	}
	if duration != "" {
		mw.WriteField("duration", duration)
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/transcribe", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name   string
		dialer transcriber.Dialer
		want   bool
	}{
		{"no credential", nil, false},
		{"configured", newFakeDialer(), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, Config{}, Deps{Dialer: tt.dialer})
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d", rec.Code)
			}
			var got healthResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
				t.Fatal(err)
			}
			if got.Status != "OK" || got.APIKeyConfigured != tt.want || got.ActiveSessions != 0 {
				t.Errorf("unexpected health %+v", got)
			}
		})
	}
}

func TestTranscribe_Success(t *testing.T) {
	text := "I usually travel by train because it is relaxing. However, it can be expensive."
	batch := &fakeBatch{transcript: &transcriber.Transcript{
		ID:         "tr_1",
		Status:     transcriber.StatusCompleted,
		Text:       text,
		Confidence: 0.93,
		Words:      []transcriber.Word{{Text: "I", Start: 0, End: 120, Confidence: 0.99}},
	}}
	pub := &fakePublisher{}
	s := newTestServer(t, Config{}, Deps{Batch: batch, Publisher: pub})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, audioRequest(t, "audio/webm", []byte("fake-audio"), "30"))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var got transcribeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if !got.Success || got.Transcript != text || got.Duration != 30 || got.Confidence != 0.93 {
		t.Errorf("unexpected response %+v", got)
	}
	if len(got.Words) != 1 {
		t.Errorf("expected words to pass through, got %v", got.Words)
	}
	if want := scoring.Score(text, 30); got.IELTSScore != want {
		t.Errorf("score = %+v, want %+v", got.IELTSScore, want)
	}
	if string(batch.got) != "fake-audio" {
		t.Errorf("batch received %q", batch.got)
	}

	if len(pub.scores) != 1 || pub.scores[0].Source != events.SourceBatch || pub.scores[0].SessionID != "tr_1" {
		t.Errorf("unexpected published scores %+v", pub.scores)
	}
}

func TestTranscribe_DefaultDuration(t *testing.T) {
	batch := &fakeBatch{transcript: &transcriber.Transcript{ID: "tr_2", Text: "hello there"}}
	s := newTestServer(t, Config{}, Deps{Batch: batch})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, audioRequest(t, "audio/wav", []byte("x"), ""))

	var got transcribeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Duration != 60 {
		t.Errorf("duration = %d, want 60", got.Duration)
	}
}

func TestTranscribe_FractionalDurationTruncated(t *testing.T) {
	text := "hello there"
	batch := &fakeBatch{transcript: &transcriber.Transcript{ID: "tr_3", Text: text}}
	s := newTestServer(t, Config{}, Deps{Batch: batch})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, audioRequest(t, "audio/webm", []byte("x"), "12.5"))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var got transcribeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.Duration != 12 {
		t.Errorf("duration = %d, want 12", got.Duration)
	}
	if want := scoring.Score(text, 12); got.IELTSScore != want {
		t.Errorf("score = %+v, want %+v", got.IELTSScore, want)
	}
}

func TestTranscribe_BadInput(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		audio       []byte
		duration    string
		wantError   string
	}{
		{"missing file", "", nil, "30", "No audio file provided"},
		{"not audio", "text/plain", []byte("hello"), "", "Only audio files are allowed"},
		{"too large", "audio/webm", bytes.Repeat([]byte{1}, 64), "", "Audio file exceeds 32 bytes"},
		{"bad duration", "audio/webm", []byte("x"), "soon", string(errBadDuration)},
		{"negative duration", "audio/webm", []byte("x"), "-5", string(errBadDuration)},
		{"infinite duration", "audio/webm", []byte("x"), "Inf", string(errBadDuration)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			batch := &fakeBatch{transcript: &transcriber.Transcript{}}
			s := newTestServer(t, Config{MaxUploadBytes: 32}, Deps{Batch: batch})

			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, audioRequest(t, tt.contentType, tt.audio, tt.duration))

			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			var got errorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
				t.Fatal(err)
			}
			if got.Error != tt.wantError {
				t.Errorf("error = %q, want %q", got.Error, tt.wantError)
			}
			if batch.got != nil {
				t.Error("provider must not be called for bad input")
			}
		})
	}
}

func TestTranscribe_ProviderErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"credential", transcriber.ErrCredentialMissing, http.StatusServiceUnavailable},
		{"timeout", fmt.Errorf("poll tr_1: %w", transcriber.ErrPollTimeout), http.StatusGatewayTimeout},
		{"rejected", &transcriber.RejectedError{Op: "upload", StatusCode: 401, Body: "Invalid API key"}, http.StatusBadGateway},
		{"failed", &transcriber.TranscriptionFailedError{ID: "tr_1", Message: "audio too short"}, http.StatusBadGateway},
		{"network", errors.New("dial tcp: connection refused"), http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, Config{}, Deps{Batch: &fakeBatch{err: tt.err}})

			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, audioRequest(t, "audio/webm", []byte("x"), "10"))

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			var got errorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
				t.Fatal(err)
			}
			if got.Error != "Failed to transcribe audio" || got.Details != tt.err.Error() {
				t.Errorf("unexpected body %+v", got)
			}
		})
	}
}

func TestTranscribe_NoBatchClient(t *testing.T) {
	s := newTestServer(t, Config{}, Deps{})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, audioRequest(t, "audio/webm", []byte("x"), ""))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "AssemblyAI API key not configured") {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, Config{}, Deps{})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "speaking_assessment_sessions_total") {
		t.Error("metrics output missing sessions counter")
	}
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"no allow list", nil, "http://evil.example", true},
		{"listed", []string{"http://localhost:3000"}, "http://localhost:3000", true},
		{"case insensitive", []string{"http://localhost:3000"}, "HTTP://LOCALHOST:3000", true},
		{"wildcard", []string{"*"}, "http://anything", true},
		{"not listed", []string{"http://localhost:3000"}, "http://evil.example", false},
		{"no origin header", []string{"http://localhost:3000"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, Config{AllowedOrigins: tt.allowed}, Deps{})
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			if got := s.checkOrigin(r); got != tt.want {
				t.Errorf("checkOrigin = %v, want %v", got, tt.want)
			}
		})
	}
}

func dialWS(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) relay.ServerMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg relay.ServerMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestWebSocket_StreamingRoundTrip(t *testing.T) {
	dialer := newFakeDialer()
	registry := relay.NewRegistry(nil)
	s := newTestServer(t, Config{SampleRate: 16000}, Deps{Dialer: dialer, Registry: registry})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn := dialWS(t, srv, "/ws")
	waitFor(t, "session registration", func() bool { return registry.Len() == 1 })

	conn.WriteJSON(map[string]string{"type": relay.TypeStartStreaming})
	if msg := readMessage(t, conn); msg.Type != relay.TypeStreamingStarted {
		t.Fatalf("expected streaming_started, got %+v", msg)
	}

	conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3, 4})
	conn.WriteJSON(map[string]any{"type": relay.TypeAudioData, "audio": []int{5, 6}})
	waitFor(t, "frames upstream", func() bool { n, _ := dialer.stream.state(); return n == 2 })

	handler := <-dialer.handler
	handler.OnTurn(transcriber.Turn{Transcript: "partial", EndOfTurn: false})
	handler.OnTurn(transcriber.Turn{Transcript: "Hello there.", EndOfTurn: true, Formatted: true})
	if msg := readMessage(t, conn); msg.Type != relay.TypeTranscriptUpdate || msg.Transcript != "Hello there." {
		t.Fatalf("expected transcript_update, got %+v", msg)
	}

	conn.WriteJSON(map[string]string{"type": relay.TypeStopStreaming})
	if msg := readMessage(t, conn); msg.Type != relay.TypeStreamingStopped {
		t.Fatalf("expected streaming_stopped, got %+v", msg)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("expected normal close, got %v", err)
	}
	if _, closed := dialer.stream.state(); !closed {
		t.Error("upstream not closed")
	}
	waitFor(t, "session removal", func() bool { return registry.Len() == 0 })
}

func TestSessionStatus(t *testing.T) {
	registry := relay.NewRegistry(nil)
	s := newTestServer(t, Config{}, Deps{Dialer: newFakeDialer(), Registry: registry})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	if _, err := registry.Open("known", "", &discardClient{}, relay.Options{}); err != nil {
		t.Fatalf("Open: %v", err)
	}

	tests := []struct {
		id         string
		wantStatus int
		wantState  string
	}{
		{"known", http.StatusOK, "IDLE"},
		{"missing", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			resp, err := http.Get(srv.URL + "/api/sessions/" + tt.id)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if tt.wantState == "" {
				return
			}
			var got sessionResponse
			if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
				t.Fatal(err)
			}
			if got.ID != tt.id || got.State != tt.wantState {
				t.Errorf("unexpected session %+v", got)
			}
		})
	}
}

type discardClient struct{}

func (discardClient) WriteJSON(v any) error { return nil }
func (discardClient) Close() error          { return nil }

func TestWebSocket_NoCredential(t *testing.T) {
	s := newTestServer(t, Config{}, Deps{})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn := dialWS(t, srv, "/")
	conn.WriteJSON(map[string]string{"type": relay.TypeStartStreaming})

	msg := readMessage(t, conn)
	if msg.Type != relay.TypeError || msg.Message != "AssemblyAI API key not configured" {
		t.Errorf("unexpected message %+v", msg)
	}
}

func TestWebSocket_ClientDisconnectReleasesUpstream(t *testing.T) {
	dialer := newFakeDialer()
	registry := relay.NewRegistry(nil)
	s := newTestServer(t, Config{}, Deps{Dialer: dialer, Registry: registry})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn := dialWS(t, srv, "/ws")
	conn.WriteJSON(map[string]string{"type": relay.TypeStartStreaming})
	readMessage(t, conn)

	conn.Close()

	waitFor(t, "upstream close", func() bool { _, closed := dialer.stream.state(); return closed })
	waitFor(t, "session removal", func() bool { return registry.Len() == 0 })
}

func TestWebSocket_ShutdownClosesSessions(t *testing.T) {
	registry := relay.NewRegistry(nil)
	s := newTestServer(t, Config{}, Deps{Dialer: newFakeDialer(), Registry: registry})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn := dialWS(t, srv, "/ws")
	waitFor(t, "session registration", func() bool { return registry.Len() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("expected normal close, got %v", err)
	}
	if registry.Len() != 0 {
		t.Errorf("registry not drained: %d", registry.Len())
	}
}

func TestWebSocket_PlainGetRejected(t *testing.T) {
	s := newTestServer(t, Config{}, Deps{})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	io.Copy(io.Discard, rec.Body)
}
