package playback

import (
	"context"

	"github.com/lexiqai/narrator/internal/audio"
)

// Synthesizer turns one unit of text into base64 raw PCM (16-bit LE).
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (string, error)
}

// SynthesizerFunc adapts a function to Synthesizer
type SynthesizerFunc func(ctx context.Context, text string) (string, error)

func (f SynthesizerFunc) Synthesize(ctx context.Context, text string) (string, error) {
	return f(ctx, text)
}

// Source plays a single buffer once.
//
// Start must return without invoking onEnded; onEnded is called at most once,
// from another goroutine, when the audio has finished on its own. After Stop
// returns no more audio is produced; an onEnded already under way may still
// arrive and must be ignored by the caller.
type Source interface {
	Start(onEnded func()) error
	Stop()
}

// Device is the audio output the engine drives. Suspending halts the clock of
// every source without discarding them.
type Device interface {
	NewSource(buf *audio.Buffer) (Source, error)
	Suspend() error
	Resume() error
	Suspended() bool
}
