// Package device implements the playback output device over a remote audio sink.
package device

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/narrator/internal/audio"
	"github.com/lexiqai/narrator/internal/playback"
)

// Sink receives paced interleaved 16-bit PCM chunks.
type Sink interface {
	WriteAudio(pcm []byte, sampleRate, channels int) error
}

// SinkFunc adapts a function to Sink
type SinkFunc func(pcm []byte, sampleRate, channels int) error

func (f SinkFunc) WriteAudio(pcm []byte, sampleRate, channels int) error {
	return f(pcm, sampleRate, channels)
}

var errAlreadyStarted = errors.New("source already started")

// StreamDevice paces buffers to a Sink in real time, one chunk per interval.
// Suspending freezes every source at its current chunk.
type StreamDevice struct {
	sink   Sink
	chunk  time.Duration
	logger zerolog.Logger

	mu        sync.Mutex
	suspended bool
	resumed   chan struct{} // closed while not suspended
}

// NewStreamDevice creates a running device
func NewStreamDevice(sink Sink, chunk time.Duration, logger zerolog.Logger) *StreamDevice {
	if chunk <= 0 {
		chunk = 100 * time.Millisecond
	}
	resumed := make(chan struct{})
	close(resumed)
	return &StreamDevice{
		sink:    sink,
		chunk:   chunk,
		logger:  logger,
		resumed: resumed,
	}
}

// NewSource prepares buf for playback
func (d *StreamDevice) NewSource(buf *audio.Buffer) (playback.Source, error) {
	if buf == nil || buf.SampleRate <= 0 || buf.NumberOfChannels() == 0 {
		return nil, errors.New("invalid audio buffer")
	}
	return &streamSource{
		dev:  d,
		buf:  buf,
		stop: make(chan struct{}),
	}, nil
}

// Suspend halts the playback clock
func (d *StreamDevice) Suspend() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.suspended {
		d.suspended = true
		d.resumed = make(chan struct{})
	}
	return nil
}

// Resume restarts the playback clock
func (d *StreamDevice) Resume() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.suspended {
		d.suspended = false
		close(d.resumed)
	}
	return nil
}

// Suspended reports whether the clock is halted
func (d *StreamDevice) Suspended() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.suspended
}

func (d *StreamDevice) waitResumed() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resumed
}

type streamSource struct {
	dev *StreamDevice
	buf *audio.Buffer

	started  atomic.Bool
	stopped  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	writeMu  sync.Mutex
}

func (s *streamSource) Start(onEnded func()) error {
	if !s.started.CompareAndSwap(false, true) {
		return errAlreadyStarted
	}
	go s.run(onEnded)
	return nil
}

// Stop returns once any chunk being written has been handed to the sink.
func (s *streamSource) Stop() {
	s.stopOnce.Do(func() {
		s.stopped.Store(true)
		close(s.stop)
	})
	s.writeMu.Lock()
	s.writeMu.Unlock()
}

func (s *streamSource) run(onEnded func()) {
	frames := int(int64(s.buf.SampleRate) * int64(s.dev.chunk) / int64(time.Second))
	if frames <= 0 {
		frames = 1
	}
	total := s.buf.Length()
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for off := 0; off < total; off += frames {
		select {
		case <-s.dev.waitResumed():
		case <-s.stop:
			return
		}

		part := s.buf.Slice(off, off+frames)
		s.writeMu.Lock()
		if s.stopped.Load() {
			s.writeMu.Unlock()
			return
		}
		err := s.dev.sink.WriteAudio(part.PCM16(), s.buf.SampleRate, s.buf.NumberOfChannels())
		s.writeMu.Unlock()
		if err != nil {
			s.dev.logger.Warn().Err(err).Msg("Audio sink write failed, ending source")
			break
		}

		timer.Reset(part.Duration())
		select {
		case <-timer.C:
		case <-s.stop:
			return
		}
	}

	if !s.stopped.Load() && onEnded != nil {
		onEnded()
	}
}
