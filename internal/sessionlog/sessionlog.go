// Package sessionlog writes a JSONL journal per streaming session.
package sessionlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/amanullahtanweer/speaking-assessment/internal/scoring"
)

// Logger writes structured JSONL session records to a file. A nil *Logger
// discards everything.
type Logger struct {
	mu        sync.Mutex
	file      *os.File
	sessionID string
	now       func() time.Time
}

type record struct {
	Timestamp string            `json:"ts"`
	Event     string            `json:"event"`
	SessionID string            `json:"session_id"`
	State     string            `json:"state,omitempty"`
	Text      string            `json:"text,omitempty"`
	Error     string            `json:"error,omitempty"`
	Score     *scoring.Metrics  `json:"score,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// Open creates a journal under dir. The filename is the start time plus
// the first eight characters of the session id.
func Open(dir, sessionID string, started time.Time) (*Logger, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	shortID := sessionID
	if len(sessionID) > 8 {
		shortID = sessionID[:8]
	}
	filename := filepath.Join(dir, fmt.Sprintf("%s_session_%s.jsonl", started.Format("20060102_150405"), shortID))
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	return &Logger{file: f, sessionID: sessionID, now: time.Now}, nil
}

// Path returns the journal's file name.
func (l *Logger) Path() string {
	if l == nil {
		return ""
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return ""
	}
	return l.file.Name()
}

func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

func (l *Logger) write(rec record) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return
	}
	rec.Timestamp = l.now().Format(time.RFC3339Nano)
	rec.SessionID = l.sessionID
	rec.Text = strings.TrimSpace(rec.Text)
	_ = json.NewEncoder(l.file).Encode(rec)
}

func (l *Logger) LogTransition(from, to string) {
	l.write(record{Event: "state", State: to, Details: map[string]string{"from": from}})
}

func (l *Logger) LogTranscript(text string) {
	l.write(record{Event: "transcript", Text: text})
}

func (l *Logger) LogError(err error) {
	l.write(record{Event: "error", Error: err.Error()})
}

// LogSummary records the full streamed transcript and its score.
func (l *Logger) LogSummary(transcript string, score scoring.Metrics) {
	l.write(record{Event: "summary", Text: transcript, Score: &score})
}

func (l *Logger) LogEnd(reason string) {
	l.write(record{Event: "session_end", Details: map[string]string{"reason": reason}})
}
