// Command streamclient streams a WAV file (or a generated tone) to the
// relay websocket and prints the transcripts it receives.
package main

import (
	"encoding/json"
	"flag"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/amanullahtanweer/speaking-assessment/internal/audio"
	"github.com/amanullahtanweer/speaking-assessment/internal/logging"
	"github.com/amanullahtanweer/speaking-assessment/internal/relay"
)

func main() {
	serverURL := flag.String("server", "ws://localhost:3001/ws", "Relay websocket URL")
	audioFile := flag.String("audio", "", "Path to WAV file (16-bit mono PCM). Empty streams a test tone")
	toneSeconds := flag.Duration("tone", 5*time.Second, "Length of the test tone")
	sampleRate := flag.Int("rate", 16000, "Sample rate of the generated tone")
	chunk := flag.Duration("chunk", 100*time.Millisecond, "Audio per frame")
	asJSON := flag.Bool("json", false, "Send audio inside audio_data JSON frames instead of binary frames")
	flag.Parse()

	logging.Init(logging.Config{Level: "info", Format: "console"})

	pcm, rate := loadAudio(*audioFile, *sampleRate, *toneSeconds)
	frameSize := audio.FrameSize(rate, *chunk)
	if frameSize <= 0 {
		log.Fatal().Dur("chunk", *chunk).Msg("Chunk too small")
	}
	peak := peakLevel(pcm)
	log.Info().
		Dur("length", audio.Duration(len(pcm), rate)).
		Int("peak", peak).
		Msg("Audio loaded")
	if peak == 0 {
		log.Warn().Msg("Audio is silent, expect empty transcripts")
	}

	conn, _, err := websocket.DefaultDialer.Dial(*serverURL, nil)
	if err != nil {
		log.Fatal().Err(err).Str("url", *serverURL).Msg("Failed to connect")
	}
	defer conn.Close()
	log.Info().Str("url", *serverURL).Msg("Connected")

	started := make(chan struct{})
	done := make(chan struct{})
	go readMessages(conn, started, done)

	if err := conn.WriteJSON(relay.ClientMessage{Type: relay.TypeStartStreaming}); err != nil {
		log.Fatal().Err(err).Msg("Failed to send start")
	}

	select {
	case <-started:
	case <-done:
		return
	case <-time.After(15 * time.Second):
		log.Fatal().Msg("Timed out waiting for streaming_started")
	}

	var frames int
	begin := time.Now()
	for off := 0; off < len(pcm); off += frameSize {
		end := min(off+frameSize, len(pcm))
		if err := sendFrame(conn, pcm[off:end], *asJSON); err != nil {
			log.Fatal().Err(err).Msg("Failed to send frame")
		}
		frames++
		if frames%10 == 0 {
			log.Debug().Int("frames", frames).Int("bytes", end).Msg("Streaming")
		}
		time.Sleep(*chunk)
	}
	log.Info().
		Int("frames", frames).
		Int("bytes", len(pcm)).
		Dur("elapsed", time.Since(begin)).
		Msg("Finished streaming, waiting for final transcripts")

	// give the provider time to flush the last turn
	time.Sleep(2 * time.Second)
	if err := conn.WriteJSON(relay.ClientMessage{Type: relay.TypeStopStreaming}); err != nil {
		log.Fatal().Err(err).Msg("Failed to send stop")
	}

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		log.Warn().Msg("Relay did not close the connection")
	}
}

func loadAudio(path string, rate int, toneLength time.Duration) ([]byte, int) {
	if path == "" {
		log.Info().Int("rate", rate).Dur("length", toneLength).Msg("Streaming test tone")
		return audio.EncodePCM16(audio.Tone(440, rate, toneLength, 0.5)), rate
	}

	f, err := os.Open(path)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open audio file")
	}
	defer f.Close()

	wav, err := audio.ReadWAV(f)
	if err != nil {
		log.Fatal().Err(err).Str("file", path).Msg("Failed to read WAV")
	}
	log.Info().
		Uint16("format", wav.AudioFormat).
		Uint16("channels", wav.Channels).
		Uint32("sample_rate", wav.SampleRate).
		Uint16("bits", wav.BitsPerSample).
		Msg("WAV file")

	if wav.AudioFormat != 1 || wav.BitsPerSample != 16 || wav.Channels != 1 {
		log.Fatal().Msg("Only 16-bit mono PCM WAV files are supported")
	}
	if int(wav.SampleRate) != rate {
		log.Warn().Uint32("sample_rate", wav.SampleRate).Int("expected", rate).Msg("Sample rate differs from relay configuration")
	}
	return wav.Data, int(wav.SampleRate)
}

// peakLevel returns the largest absolute sample value.
func peakLevel(pcm []byte) int {
	var peak int
	for _, v := range audio.DecodePCM16(pcm) {
		peak = max(peak, abs(int(v)))
	}
	return peak
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func sendFrame(conn *websocket.Conn, frame []byte, asJSON bool) error {
	if !asJSON {
		return conn.WriteMessage(websocket.BinaryMessage, frame)
	}
	values := make([]int, len(frame))
	for i, b := range frame {
		values[i] = int(b)
	}
	data, err := json.Marshal(map[string]any{"type": relay.TypeAudioData, "audio": values})
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func readMessages(conn *websocket.Conn, started, done chan<- struct{}) {
	defer close(done)
	for {
		var msg relay.ServerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Msg("Connection ended")
			}
			return
		}

		switch msg.Type {
		case relay.TypeStreamingStarted:
			log.Info().Msg("Streaming started")
			close(started)
		case relay.TypeTranscriptUpdate:
			log.Info().Str("text", msg.Transcript).Msg("Transcript")
		case relay.TypeStreamingStopped:
			log.Info().Msg("Streaming stopped")
		case relay.TypeError:
			log.Error().Str("message", msg.Message).Msg("Relay error")
		}
	}
}
