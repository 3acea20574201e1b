package transcriber

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	AssemblyAIBaseURL   = "https://api.assemblyai.com"
	DefaultPollInterval = 3 * time.Second
	DefaultSpeechModel  = "universal"

	StatusCompleted = "completed"
	StatusError     = "error"

	maxErrorBody = 4 << 10
)

// Word is a single recognized word with millisecond offsets.
type Word struct {
	Text       string  `json:"text"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Confidence float64 `json:"confidence"`
}

// Transcript is a batch transcription job as reported by the provider.
type Transcript struct {
	ID         string  `json:"id"`
	Status     string  `json:"status"`
	Text       string  `json:"text"`
	Error      string  `json:"error,omitempty"`
	Confidence float64 `json:"confidence"`
	Words      []Word  `json:"words"`
}

// BatchClient runs the upload, submit and poll sequence against the
// AssemblyAI REST API.
type BatchClient struct {
	BaseURL     string
	APIKey      string
	HTTPClient  *http.Client
	SpeechModel string

	PollInterval time.Duration
	// PollTimeout and MaxPollAttempts bound Poll. Zero means unbounded.
	PollTimeout     time.Duration
	MaxPollAttempts int

	// OnPoll, when set, is called after every status fetch.
	OnPoll func(status string)
}

// NewBatchClient returns a client for the production API.
func NewBatchClient(apiKey string) *BatchClient {
	return &BatchClient{
		BaseURL:      AssemblyAIBaseURL,
		APIKey:       apiKey,
		HTTPClient:   &http.Client{Timeout: 60 * time.Second},
		SpeechModel:  DefaultSpeechModel,
		PollInterval: DefaultPollInterval,
	}
}

// Upload sends the raw audio and returns the provider-hosted URL.
func (c *BatchClient) Upload(ctx context.Context, audio []byte) (string, error) {
	var out struct {
		UploadURL string `json:"upload_url"`
	}
	if err := c.do(ctx, "upload", http.MethodPost, "/v2/upload", "application/octet-stream", bytes.NewReader(audio), &out); err != nil {
		return "", err
	}
	if out.UploadURL == "" {
		return "", fmt.Errorf("upload response has no upload_url")
	}
	return out.UploadURL, nil
}

// Submit requests transcription of audioURL and returns the job id.
func (c *BatchClient) Submit(ctx context.Context, audioURL string) (string, error) {
	model := c.SpeechModel
	if model == "" {
		model = DefaultSpeechModel
	}
	body, err := json.Marshal(map[string]any{
		"audio_url":    audioURL,
		"speech_model": model,
		"punctuate":    true,
		"format_text":  true,
	})
	if err != nil {
		return "", err
	}

	var out Transcript
	if err := c.do(ctx, "transcription request", http.MethodPost, "/v2/transcript", "application/json", bytes.NewReader(body), &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("transcription response has no id")
	}
	return out.ID, nil
}

// Fetch returns the current state of a job.
func (c *BatchClient) Fetch(ctx context.Context, id string) (*Transcript, error) {
	var out Transcript
	if err := c.do(ctx, "status check", http.MethodGet, "/v2/transcript/"+id, "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Poll fetches the job every PollInterval until it completes or fails.
// It stops early when ctx is done; PollTimeout and MaxPollAttempts yield
// ErrPollTimeout.
func (c *BatchClient) Poll(ctx context.Context, id string) (*Transcript, error) {
	if c.PollTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, c.PollTimeout, ErrPollTimeout)
		defer cancel()
	}
	interval := c.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	for attempt := 1; ; attempt++ {
		t, err := c.Fetch(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return nil, context.Cause(ctx)
			}
			return nil, err
		}
		if c.OnPoll != nil {
			c.OnPoll(t.Status)
		}

		switch t.Status {
		case StatusCompleted:
			return t, nil
		case StatusError:
			return nil, &TranscriptionFailedError{ID: id, Message: t.Error}
		}

		if c.MaxPollAttempts > 0 && attempt >= c.MaxPollAttempts {
			return nil, ErrPollTimeout
		}

		log.Debug().Str("transcript_id", id).Str("status", t.Status).Int("attempt", attempt).Msg("Transcription pending")

		select {
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		case <-time.After(interval):
		}
	}
}

// Transcribe runs Upload, Submit and Poll in sequence.
func (c *BatchClient) Transcribe(ctx context.Context, audio []byte) (*Transcript, error) {
	uploadURL, err := c.Upload(ctx, audio)
	if err != nil {
		return nil, err
	}
	id, err := c.Submit(ctx, uploadURL)
	if err != nil {
		return nil, err
	}
	return c.Poll(ctx, id)
}

func (c *BatchClient) do(ctx context.Context, op, method, path, contentType string, body io.Reader, out any) error {
	if c.APIKey == "" {
		return ErrCredentialMissing
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.BaseURL, "/")+path, body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("authorization", c.APIKey)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &RejectedError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}
