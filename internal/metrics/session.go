package metrics

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SessionMetrics accumulates per-session counters for the summary logged
// when a session closes.
type SessionMetrics struct {
	SessionID        string
	SampleRate       int
	StartTime        time.Time
	EndTime          time.Time
	AudioBytes       int
	FramesForwarded  int
	FramesDropped    int
	TranscriptLength int
	PartialCount     int
	FinalCount       int
	FirstResultTime  *time.Time
	mu               sync.Mutex
}

func NewSessionMetrics(sessionID string, sampleRate int) *SessionMetrics {
	return &SessionMetrics{
		SessionID:  sessionID,
		SampleRate: sampleRate,
		StartTime:  time.Now(),
	}
}

func (m *SessionMetrics) AddFrame(bytes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FramesForwarded++
	m.AudioBytes += bytes
}

func (m *SessionMetrics) AddDropped() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FramesDropped++
}

func (m *SessionMetrics) AddTranscriptResult(text string, isFinal bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FirstResultTime == nil {
		now := time.Now()
		m.FirstResultTime = &now
	}

	if isFinal {
		m.TranscriptLength += len(text)
		m.FinalCount++
	} else {
		m.PartialCount++
	}
}

func (m *SessionMetrics) Finalize() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.EndTime.IsZero() {
		m.EndTime = time.Now()
	}
}

// AudioSeconds is the duration of forwarded audio, assuming 16-bit mono PCM.
func (m *SessionMetrics) AudioSeconds() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audioSeconds()
}

func (m *SessionMetrics) audioSeconds() float64 {
	if m.SampleRate <= 0 {
		return 0
	}
	return float64(m.AudioBytes) / float64(m.SampleRate*2)
}

// MarshalZerologObject writes the summary as structured log fields.
func (m *SessionMetrics) MarshalZerologObject(e *zerolog.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	end := m.EndTime
	if end.IsZero() {
		end = time.Now()
	}
	duration := end.Sub(m.StartTime)
	var latency time.Duration
	if m.FirstResultTime != nil {
		latency = m.FirstResultTime.Sub(m.StartTime)
	}
	audioSeconds := m.audioSeconds()

	e.Str("session", m.SessionID).
		Dur("duration", duration).
		Float64("audio_seconds", audioSeconds).
		Int("audio_bytes", m.AudioBytes).
		Int("frames_forwarded", m.FramesForwarded).
		Int("frames_dropped", m.FramesDropped).
		Int("transcript_chars", m.TranscriptLength).
		Dur("first_result_latency", latency).
		Int("partials", m.PartialCount).
		Int("finals", m.FinalCount)
	if audioSeconds > 0 {
		e.Float64("realtime_factor", duration.Seconds()/audioSeconds)
	}
}
