// Package voice manages one live voice capture session at a time: microphone
// frames are streamed to a realtime transcription channel and the user's turn
// is delivered through a Transcript future.
package voice

import (
	"context"
	"errors"
	"sync"

	"github.com/lexiqai/narrator/internal/audio"
)

// ErrNoTranscript rejects a transcript whose session closed before the turn completed.
var ErrNoTranscript = errors.New("voice session closed without a completed turn")

// State of the manager
type State int

const (
	StateIdle State = iota
	StateListening
)

func (s State) String() string {
	if s == StateListening {
		return "listening"
	}
	return "idle"
}

// Microphone grants access to a capture device.
type Microphone interface {
	Open(ctx context.Context) (Capture, error)
}

// Capture is an open microphone stream of mono float frames. Close releases
// the device and closes Frames once the audio captured so far is queued.
type Capture interface {
	Frames() <-chan []float32
	SampleRate() int
	Close() error
}

// Transport opens realtime transcription connections.
type Transport interface {
	Connect(ctx context.Context) (Conn, error)
}

// Conn is one realtime transcription connection. Messages is closed when the
// connection ends; Err then reports why, or nil after a clean close.
type Conn interface {
	Send(ctx context.Context, blob audio.Blob) error
	Messages() <-chan Message
	CloseSend(ctx context.Context) error
	Close() error
	Err() error
}

// Message is one transcription event. A non-final message carries the full
// current hypothesis of the segment in progress.
type Message struct {
	Text         string
	Final        bool
	TurnComplete bool
}

// Transcript is a single-assignment future for the text of one user turn.
type Transcript struct {
	done chan struct{}
	once sync.Once
	text string
	err  error
}

func newTranscript() *Transcript {
	return &Transcript{done: make(chan struct{})}
}

func (t *Transcript) resolve(text string) bool {
	settled := false
	t.once.Do(func() {
		t.text = text
		close(t.done)
		settled = true
	})
	return settled
}

func (t *Transcript) reject(err error) bool {
	settled := false
	t.once.Do(func() {
		t.err = err
		close(t.done)
		settled = true
	})
	return settled
}

// Done is closed once the transcript is settled
func (t *Transcript) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the transcript settles or ctx ends.
func (t *Transcript) Wait(ctx context.Context) (string, error) {
	select {
	case <-t.done:
		return t.text, t.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Result returns the settled value. ok is false while still pending.
func (t *Transcript) Result() (text string, err error, ok bool) {
	select {
	case <-t.done:
		return t.text, t.err, true
	default:
		return "", nil, false
	}
}
