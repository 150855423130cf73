package audio

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/lexiqai/narrator/internal/apperr"
)

func pcmBytes(samples ...int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func TestDecodeBase64ToBytes(t *testing.T) {
	data, err := DecodeBase64ToBytes(base64.StdEncoding.EncodeToString([]byte{0, 1, 2, 255}))
	if err != nil {
		t.Fatalf("DecodeBase64ToBytes failed: %v", err)
	}
	if len(data) != 4 || data[3] != 255 {
		t.Errorf("Unexpected bytes %v", data)
	}
}

func TestDecodeBase64ToBytes_Malformed(t *testing.T) {
	_, err := DecodeBase64ToBytes("not base64!!")
	if !errors.Is(err, apperr.ErrDecode) {
		t.Errorf("Expected ErrDecode, got %v", err)
	}
}

func TestDecodePCMToPlayable_Mono(t *testing.T) {
	buf, err := DecodePCMToPlayable(pcmBytes(0, 16384, -32768, 32767), 24000, 1)
	if err != nil {
		t.Fatalf("DecodePCMToPlayable failed: %v", err)
	}

	if buf.NumberOfChannels() != 1 || buf.Length() != 4 {
		t.Fatalf("Expected 1 channel of 4 frames, got %d x %d", buf.NumberOfChannels(), buf.Length())
	}
	expected := []float32{0, 0.5, -1, 32767.0 / 32768.0}
	for i, exp := range expected {
		if buf.Channel(0)[i] != exp {
			t.Errorf("Expected %f at %d, got %f", exp, i, buf.Channel(0)[i])
		}
	}
	for _, s := range buf.Channel(0) {
		if s < -1 || s > 1 {
			t.Errorf("Sample %f out of range", s)
		}
	}
}

func TestDecodePCMToPlayable_Stereo(t *testing.T) {
	// L R L R L (trailing partial frame)
	buf, err := DecodePCMToPlayable(pcmBytes(100, -100, 200, -200, 300), 16000, 2)
	if err != nil {
		t.Fatalf("DecodePCMToPlayable failed: %v", err)
	}

	if buf.Length() != 2 {
		t.Fatalf("Expected 2 frames, got %d", buf.Length())
	}
	if buf.Channel(0)[1] != 200.0/32768.0 || buf.Channel(1)[1] != -200.0/32768.0 {
		t.Errorf("Unexpected de-interleave: L=%v R=%v", buf.Channel(0), buf.Channel(1))
	}
}

func TestDecodePCMToPlayable_Duration(t *testing.T) {
	buf, err := DecodePCMToPlayable(make([]byte, 48000), 24000, 1)
	if err != nil {
		t.Fatalf("DecodePCMToPlayable failed: %v", err)
	}
	if buf.Duration() != time.Second {
		t.Errorf("Expected 1s, got %v", buf.Duration())
	}
}

func TestDecodePCMToPlayable_Invalid(t *testing.T) {
	tests := []struct {
		name       string
		data       []byte
		sampleRate int
		channels   int
	}{
		{"odd length", []byte{1, 2, 3}, 24000, 1},
		{"zero channels", pcmBytes(1, 2), 24000, 0},
		{"zero rate", pcmBytes(1, 2), 0, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodePCMToPlayable(tt.data, tt.sampleRate, tt.channels)
			if !errors.Is(err, apperr.ErrDecode) {
				t.Errorf("Expected ErrDecode, got %v", err)
			}
		})
	}
}

func TestEncodeFloatPCMToBlob(t *testing.T) {
	blob := EncodeFloatPCMToBlob([]float32{0, 1, -1, 2, -3}, CaptureSampleRate)

	if blob.MIMEType != "audio/pcm;rate=16000" {
		t.Errorf("Expected mime 'audio/pcm;rate=16000', got '%s'", blob.MIMEType)
	}

	raw, err := base64.StdEncoding.DecodeString(blob.Data)
	if err != nil {
		t.Fatalf("Blob data is not base64: %v", err)
	}
	expected := []int16{0, 32767, -32768, 32767, -32768}
	for i, exp := range expected {
		got := int16(binary.LittleEndian.Uint16(raw[i*2:]))
		if got != exp {
			t.Errorf("Expected %d at %d, got %d", exp, i, got)
		}
	}
}

func TestCodec_RoundTrip(t *testing.T) {
	samples := make([]float32, 0, 2001)
	for i := -1000; i <= 1000; i++ {
		samples = append(samples, float32(i)/1000)
	}
	samples = append(samples, 0.99999, -0.99999, 1.0/3)

	blob := EncodeFloatPCMToBlob(samples, CaptureSampleRate)
	raw, err := DecodeBase64ToBytes(blob.Data)
	if err != nil {
		t.Fatalf("DecodeBase64ToBytes failed: %v", err)
	}
	buf, err := DecodePCMToPlayable(raw, CaptureSampleRate, 1)
	if err != nil {
		t.Fatalf("DecodePCMToPlayable failed: %v", err)
	}

	for i, x := range samples {
		got := buf.Channel(0)[i]
		if math.Abs(float64(got-x)) > 1.0/32768 {
			t.Errorf("Round trip of %f gave %f", x, got)
		}
	}
}

func TestBuffer_PCM16AndSlice(t *testing.T) {
	buf := &Buffer{SampleRate: 8000, Channels: [][]float32{{0.5, -0.5, 0}, {-1, 1, 0}}}

	got := buf.PCM16()
	expected := pcmBytes(16384, -32768, -16384, 32767, 0, 0)
	if string(got) != string(expected) {
		t.Errorf("Expected %v, got %v", expected, got)
	}

	part := buf.Slice(1, 10)
	if part.Length() != 2 || part.Channel(1)[0] != 1 {
		t.Errorf("Unexpected slice %v", part.Channels)
	}
}

func TestDecodeFloat32LE(t *testing.T) {
	raw := make([]byte, 8)
	binary.LittleEndian.PutUint32(raw, math.Float32bits(0.25))
	binary.LittleEndian.PutUint32(raw[4:], math.Float32bits(-1))

	samples, err := DecodeFloat32LE(raw)
	if err != nil {
		t.Fatalf("DecodeFloat32LE failed: %v", err)
	}
	if samples[0] != 0.25 || samples[1] != -1 {
		t.Errorf("Unexpected samples %v", samples)
	}

	if _, err := DecodeFloat32LE(raw[:5]); !errors.Is(err, apperr.ErrDecode) {
		t.Errorf("Expected ErrDecode, got %v", err)
	}

	if !bytes.Equal(EncodeFloat32LE(samples), raw) {
		t.Error("Expected EncodeFloat32LE to restore the original bytes")
	}
}
