// Package audio holds the PCM helpers used on both ends of the relay.
package audio

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"time"
)

// BytesPerSample for 16-bit mono PCM.
const BytesPerSample = 2

// EncodePCM16 quantizes float samples in [-1,1] to little-endian signed
// 16-bit PCM. Negative samples scale by 32768, non-negative by 32767.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		v := float64(s)
		if math.IsNaN(v) {
			v = 0
		}
		v = math.Max(-1, math.Min(1, v))

		if v < 0 {
			v *= 32768
		} else {
			v *= 32767
		}
		v = math.Max(math.MinInt16, math.Min(math.MaxInt16, v))

		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

// DecodePCM16 is the inverse of EncodePCM16 up to quantization.
func DecodePCM16(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/BytesPerSample)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
	}
	return samples
}

// Duration of pcmBytes of 16-bit mono audio at sampleRate.
func Duration(pcmBytes, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	samples := pcmBytes / BytesPerSample
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// FrameSize returns the number of bytes in a frame of the given length.
func FrameSize(sampleRate int, frame time.Duration) int {
	return int(int64(sampleRate) * int64(frame) / int64(time.Second) * BytesPerSample)
}

// Tone generates a sine wave of freq Hz as float samples, used by the
// command-line client when no WAV file is given.
func Tone(freq float64, sampleRate int, d time.Duration, amplitude float64) []float32 {
	n := int(int64(sampleRate) * int64(d) / int64(time.Second))
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(amplitude * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
	}
	return out
}

// WAV is a decoded PCM WAV file.
type WAV struct {
	AudioFormat   uint16
	Channels      uint16
	SampleRate    uint32
	BitsPerSample uint16
	Data          []byte
}

// ReadWAV reads a RIFF/WAVE file and returns its format and raw PCM data.
// Chunks other than "fmt " and "data" are skipped.
func ReadWAV(r io.Reader) (*WAV, error) {
	header := make([]byte, 12)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("failed to read WAV header: %w", err)
	}
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		return nil, fmt.Errorf("not a valid WAV file")
	}

	wav := &WAV{}
	var sawFormat bool
	chunk := make([]byte, 8)
	for {
		if _, err := io.ReadFull(r, chunk); err != nil {
			return nil, fmt.Errorf("failed to find data chunk: %w", err)
		}
		id := string(chunk[0:4])
		size := int64(binary.LittleEndian.Uint32(chunk[4:8]))

		switch id {
		case "fmt ":
			body := make([]byte, size)
			if _, err := io.ReadFull(r, body); err != nil {
				return nil, fmt.Errorf("failed to read fmt chunk: %w", err)
			}
			if len(body) < 16 {
				return nil, fmt.Errorf("fmt chunk too short: %d bytes", len(body))
			}
			wav.AudioFormat = binary.LittleEndian.Uint16(body[0:2])
			wav.Channels = binary.LittleEndian.Uint16(body[2:4])
			wav.SampleRate = binary.LittleEndian.Uint32(body[4:8])
			wav.BitsPerSample = binary.LittleEndian.Uint16(body[14:16])
			sawFormat = true

		case "data":
			if !sawFormat {
				return nil, fmt.Errorf("data chunk before fmt chunk")
			}
			data, err := io.ReadAll(io.LimitReader(r, size))
			if err != nil {
				return nil, fmt.Errorf("failed to read data chunk: %w", err)
			}
			wav.Data = data
			return wav, nil

		default:
			// chunks are word aligned
			if _, err := io.CopyN(io.Discard, r, size+size%2); err != nil {
				return nil, fmt.Errorf("failed to skip %q chunk: %w", id, err)
			}
		}
	}
}
