package audio

import (
	"time"
)

// Buffer is decoded, playable audio: one float plane per channel, all the same length.
type Buffer struct {
	SampleRate int
	Channels   [][]float32
}

// NumberOfChannels returns the channel count
func (b *Buffer) NumberOfChannels() int {
	return len(b.Channels)
}

// Length returns the number of frames
func (b *Buffer) Length() int {
	if len(b.Channels) == 0 {
		return 0
	}
	return len(b.Channels[0])
}

// Duration returns the playback duration
func (b *Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(b.Length()) * time.Second / time.Duration(b.SampleRate)
}

// Channel returns the samples of channel i
func (b *Buffer) Channel(i int) []float32 {
	return b.Channels[i]
}

// Slice returns a view of frames [from, to), clamped to the buffer bounds.
func (b *Buffer) Slice(from, to int) *Buffer {
	n := b.Length()
	if from < 0 {
		from = 0
	}
	if to > n {
		to = n
	}
	if from > to {
		from = to
	}
	planes := make([][]float32, len(b.Channels))
	for c, p := range b.Channels {
		planes[c] = p[from:to]
	}
	return &Buffer{SampleRate: b.SampleRate, Channels: planes}
}

// PCM16 interleaves the channels into little-endian int16 bytes.
func (b *Buffer) PCM16() []byte {
	channels := len(b.Channels)
	frames := b.Length()
	interleaved := make([]float32, frames*channels)
	for i := 0; i < frames; i++ {
		for c := 0; c < channels; c++ {
			interleaved[i*channels+c] = b.Channels[c][i]
		}
	}
	return EncodePCM16(interleaved)
}
