package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/lexiqai/narrator/internal/apperr"
)

// Wire formats
const (
	// CaptureSampleRate is the rate the transcription channel expects.
	CaptureSampleRate = 16000
	// SpeechSampleRate is the rate of synthesized speech payloads.
	SpeechSampleRate = 24000
)

// Blob is an encoded audio frame ready for the realtime transcription channel.
type Blob struct {
	MIMEType string // e.g. "audio/pcm;rate=16000"
	Data     string // base64 of little-endian int16 samples
}

// PCMMIMEType returns the mime tag for raw 16-bit PCM at rate.
func PCMMIMEType(rate int) string {
	return fmt.Sprintf("audio/pcm;rate=%d", rate)
}

// DecodeBase64ToBytes decodes standard base64 text.
func DecodeBase64ToBytes(s string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, apperr.Decode("decode base64", err)
	}
	return data, nil
}

// DecodePCMToPlayable interprets data as little-endian signed 16-bit PCM with
// the given channel count, normalizes each sample into [-1, 1] and
// de-interleaves it into one plane per channel. A trailing partial frame is dropped.
func DecodePCMToPlayable(data []byte, sampleRate, channels int) (*Buffer, error) {
	if sampleRate <= 0 {
		return nil, apperr.Newf(apperr.ErrDecode, "decode pcm", "invalid sample rate %d", sampleRate)
	}
	if channels <= 0 {
		return nil, apperr.Newf(apperr.ErrDecode, "decode pcm", "invalid channel count %d", channels)
	}
	if len(data)%2 != 0 {
		return nil, apperr.Newf(apperr.ErrDecode, "decode pcm", "odd byte length %d for 16-bit samples", len(data))
	}

	frames := len(data) / 2 / channels
	planes := make([][]float32, channels)
	for c := range planes {
		planes[c] = make([]float32, frames)
	}

	for i := 0; i < frames; i++ {
		for c := 0; c < channels; c++ {
			off := (i*channels + c) * 2
			s := int16(binary.LittleEndian.Uint16(data[off:]))
			planes[c][i] = float32(s) / 32768.0
		}
	}

	return &Buffer{SampleRate: sampleRate, Channels: planes}, nil
}

// EncodeFloatPCMToBlob clamps samples to [-1, 1], scales them to signed 16-bit
// little-endian and base64-encodes the result.
func EncodeFloatPCMToBlob(samples []float32, sampleRate int) Blob {
	return Blob{
		MIMEType: PCMMIMEType(sampleRate),
		Data:     base64.StdEncoding.EncodeToString(EncodePCM16(samples)),
	}
}

// EncodePCM16 converts float samples to little-endian int16 bytes.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(FloatToInt16(s)))
	}
	return out
}

// FloatToInt16 clamps s to [-1, 1] and scales by 32768, saturating at 32767.
func FloatToInt16(s float32) int16 {
	if s != s { // NaN
		return 0
	}
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	v := math.Round(float64(s) * 32768)
	if v > math.MaxInt16 {
		v = math.MaxInt16
	}
	return int16(v)
}

// DecodeFloat32LE reads little-endian IEEE-754 float32 samples, the format
// browsers hand out from an audio processing callback.
func DecodeFloat32LE(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, apperr.Newf(apperr.ErrDecode, "decode float32", "byte length %d is not a multiple of 4", len(data))
	}
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out, nil
}

// EncodeFloat32LE is the inverse of DecodeFloat32LE.
func EncodeFloat32LE(samples []float32) []byte {
	out := make([]byte, 0, len(samples)*4)
	for _, s := range samples {
		out = binary.LittleEndian.AppendUint32(out, math.Float32bits(s))
	}
	return out
}
