// Package events publishes finalized transcripts and scores to Kafka.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/amanullahtanweer/speaking-assessment/internal/metrics"
	"github.com/amanullahtanweer/speaking-assessment/internal/scoring"
)

const (
	EventTypeTranscript = "session.transcript.final"
	EventTypeScore      = "assessment.score"

	SourceStreaming = "streaming"
	SourceBatch     = "batch"
)

// TranscriptEvent is one formatted turn forwarded to a client.
type TranscriptEvent struct {
	EventType string `json:"eventType"`
	SessionID string `json:"sessionId"`
	TurnOrder int    `json:"turnOrder"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// ScoreEvent is a scored transcript from either path.
type ScoreEvent struct {
	EventType  string          `json:"eventType"`
	SessionID  string          `json:"sessionId"`
	Source     string          `json:"source"`
	Transcript string          `json:"transcript"`
	Score      scoring.Metrics `json:"score"`
	Timestamp  int64           `json:"timestamp"`
}

// Config holds Kafka publisher configuration.
type Config struct {
	Brokers          []string
	TopicTranscripts string
	TopicScores      string
	ClientID         string
	Enabled          bool
}

// Publisher writes events to Kafka, or only logs them when disabled.
// A nil *Publisher is valid and drops everything.
type Publisher struct {
	writerTranscripts *kafka.Writer
	writerScores      *kafka.Writer
	topicTranscripts  string
	topicScores       string
	clientID          string
	enabled           bool
	metrics           *metrics.Metrics
}

// New creates a publisher. Writers are asynchronous so publishing never
// blocks the relay; delivery results are logged and counted.
func New(cfg Config, m *metrics.Metrics) *Publisher {
	p := &Publisher{
		topicTranscripts: cfg.TopicTranscripts,
		topicScores:      cfg.TopicScores,
		clientID:         cfg.ClientID,
		metrics:          m,
	}

	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		log.Info().Msg("Kafka disabled, using log-only mode")
		return p
	}

	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
		ClientID:  cfg.ClientID,
	}
	transport := &kafka.Transport{
		Dial:     dialer.DialFunc,
		ClientID: cfg.ClientID,
	}

	p.writerTranscripts = p.newWriter(cfg.Brokers, cfg.TopicTranscripts, transport)
	p.writerScores = p.newWriter(cfg.Brokers, cfg.TopicScores, transport)
	p.enabled = true

	log.Info().
		Strs("brokers", cfg.Brokers).
		Str("topicTranscripts", cfg.TopicTranscripts).
		Str("topicScores", cfg.TopicScores).
		Msg("Kafka publisher initialized")
	return p
}

func (p *Publisher) newWriter(brokers []string, topic string, transport *kafka.Transport) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Transport:    transport,
		Completion: func(messages []kafka.Message, err error) {
			for range messages {
				p.metrics.RecordPublish(topic, err)
			}
			if err != nil {
				log.Error().Err(err).Str("topic", topic).Int("messages", len(messages)).Msg("Failed to write to Kafka")
			}
		},
	}
}

// PublishTranscript publishes a formatted turn keyed by session.
func (p *Publisher) PublishTranscript(ctx context.Context, ev TranscriptEvent) error {
	if p == nil {
		return nil
	}
	if ev.EventType == "" {
		ev.EventType = EventTypeTranscript
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}
	return p.publish(ctx, p.writerTranscripts, p.topicTranscripts, ev.SessionID, ev)
}

// PublishScore publishes a score keyed by session or request id.
func (p *Publisher) PublishScore(ctx context.Context, ev ScoreEvent) error {
	if p == nil {
		return nil
	}
	if ev.EventType == "" {
		ev.EventType = EventTypeScore
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}
	return p.publish(ctx, p.writerScores, p.topicScores, ev.SessionID, ev)
}

func (p *Publisher) publish(ctx context.Context, writer *kafka.Writer, topic, key string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("Failed to marshal event")
		return err
	}

	log.Debug().
		Str("topic", topic).
		Str("key", key).
		RawJSON("payload", payload).
		Msg("Publishing event")

	if !p.enabled || writer == nil {
		p.metrics.RecordPublish(topic, nil)
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "clientId", Value: []byte(p.clientID)},
		},
	}
	// async writer: errors surface through Completion
	return writer.WriteMessages(ctx, msg)
}

// Close flushes and closes both writers.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	var err error
	for _, w := range []*kafka.Writer{p.writerTranscripts, p.writerScores} {
		if w == nil {
			continue
		}
		if e := w.Close(); e != nil {
			log.Error().Err(e).Str("topic", w.Topic).Msg("Error closing Kafka writer")
			err = e
		}
	}
	return err
}
