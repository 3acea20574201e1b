package audio

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"
	"time"
)

func TestEncodePCM16(t *testing.T) {
	tests := []struct {
		name   string
		sample float32
		want   int16
	}{
		{"zero", 0, 0},
		{"full positive", 1, 32767},
		{"full negative", -1, -32768},
		{"half positive", 0.5, 16383},
		{"half negative", -0.5, -16384},
		{"clipped positive", 1.7, 32767},
		{"clipped negative", -3, -32768},
		{"nan", float32(math.NaN()), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := EncodePCM16([]float32{tt.sample})
			if len(out) != 2 {
				t.Fatalf("expected 2 bytes, got %d", len(out))
			}
			got := int16(binary.LittleEndian.Uint16(out))
			if got != tt.want {
				t.Errorf("EncodePCM16(%v) = %d, want %d", tt.sample, got, tt.want)
			}
		})
	}
}

func TestEncodePCM16_LittleEndianRoundTrip(t *testing.T) {
	pcm := EncodePCM16([]float32{1, -1, 0.25})
	if !bytes.Equal(pcm[:4], []byte{0xff, 0x7f, 0x00, 0x80}) {
		t.Errorf("unexpected byte layout: % x", pcm[:4])
	}

	samples := DecodePCM16(pcm)
	if len(samples) != 3 || samples[0] != 32767 || samples[1] != -32768 || samples[2] != 8191 {
		t.Errorf("unexpected decoded samples: %v", samples)
	}
}

func TestDurationAndFrameSize(t *testing.T) {
	if got := Duration(32000, 16000); got != time.Second {
		t.Errorf("Duration(32000, 16000) = %v, want 1s", got)
	}
	if got := Duration(100, 0); got != 0 {
		t.Errorf("Duration with zero rate = %v, want 0", got)
	}
	if got := FrameSize(16000, 100*time.Millisecond); got != 3200 {
		t.Errorf("FrameSize(16000, 100ms) = %d, want 3200", got)
	}
}

func TestTone(t *testing.T) {
	samples := Tone(440, 16000, 250*time.Millisecond, 0.5)
	if len(samples) != 4000 {
		t.Fatalf("expected 4000 samples, got %d", len(samples))
	}
	for i, s := range samples {
		if s < -0.5 || s > 0.5 {
			t.Fatalf("sample %d out of amplitude: %v", i, s)
		}
	}
}

func buildWAV(t *testing.T, extra bool, pcm []byte) []byte {
	t.Helper()
	var b bytes.Buffer
	b.WriteString("RIFF")
	binary.Write(&b, binary.LittleEndian, uint32(0))
	b.WriteString("WAVE")

	if extra {
		b.WriteString("LIST")
		binary.Write(&b, binary.LittleEndian, uint32(4))
		b.WriteString("INFO")
	}

	b.WriteString("fmt ")
	binary.Write(&b, binary.LittleEndian, uint32(16))
	binary.Write(&b, binary.LittleEndian, uint16(1))     // PCM
	binary.Write(&b, binary.LittleEndian, uint16(1))     // mono
	binary.Write(&b, binary.LittleEndian, uint32(16000)) // sample rate
	binary.Write(&b, binary.LittleEndian, uint32(32000)) // byte rate
	binary.Write(&b, binary.LittleEndian, uint16(2))     // block align
	binary.Write(&b, binary.LittleEndian, uint16(16))    // bits per sample

	b.WriteString("data")
	binary.Write(&b, binary.LittleEndian, uint32(len(pcm)))
	b.Write(pcm)
	return b.Bytes()
}

func TestReadWAV(t *testing.T) {
	pcm := []byte{1, 2, 3, 4, 5, 6}

	for _, extra := range []bool{false, true} {
		wav, err := ReadWAV(bytes.NewReader(buildWAV(t, extra, pcm)))
		if err != nil {
			t.Fatalf("extra=%v: unexpected error: %v", extra, err)
		}
		if wav.AudioFormat != 1 || wav.Channels != 1 || wav.SampleRate != 16000 || wav.BitsPerSample != 16 {
			t.Errorf("extra=%v: unexpected format %+v", extra, wav)
		}
		if !bytes.Equal(wav.Data, pcm) {
			t.Errorf("extra=%v: unexpected data % x", extra, wav.Data)
		}
	}
}

func TestReadWAV_Invalid(t *testing.T) {
	if _, err := ReadWAV(bytes.NewReader([]byte("RIFX0000WAVE"))); err == nil {
		t.Error("expected error for non-RIFF input")
	}
	if _, err := ReadWAV(bytes.NewReader([]byte("RIFF"))); err == nil {
		t.Error("expected error for truncated header")
	}
}
