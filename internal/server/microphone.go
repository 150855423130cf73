package server

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lexiqai/narrator/internal/audio"
	"github.com/lexiqai/narrator/internal/voice"
)

var errMicUnavailable = errors.New("microphone is not available")

// wsMicrophone is fed float32 frames from the browser. The ring buffer
// regroups arbitrarily sized client chunks into frames of frameSamples.
type wsMicrophone struct {
	frameSamples int
	logger       zerolog.Logger

	mu        sync.Mutex
	available bool
	rate      int
	capture   *wsCapture
}

func newWSMicrophone(frameSamples, rate int, logger zerolog.Logger) *wsMicrophone {
	return &wsMicrophone{
		frameSamples: frameSamples,
		rate:         rate,
		logger:       logger,
	}
}

// prepare records what the client reported before the next Open.
func (m *wsMicrophone) prepare(available bool, rate int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.available = available
	if rate > 0 {
		m.rate = rate
	}
}

func (m *wsMicrophone) Open(ctx context.Context) (voice.Capture, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.available {
		return nil, errMicUnavailable
	}
	if m.capture != nil {
		m.capture.Close()
	}
	frameBytes := m.frameSamples * 4
	m.capture = &wsCapture{
		logger: m.logger,
		rate:   m.rate,
		frame:  make([]byte, frameBytes),
		ring:   audio.NewRingBuffer(frameBytes*4 + 1),
		frames: make(chan []float32, 16),
	}
	return m.capture, nil
}

// push hands raw float32 LE bytes recorded at rate to the open capture, if any.
func (m *wsMicrophone) push(data []byte, rate int) error {
	m.mu.Lock()
	c := m.capture
	m.mu.Unlock()
	if c == nil {
		return nil
	}

	if rate > 0 && rate != c.rate {
		samples, err := audio.DecodeFloat32LE(data)
		if err != nil {
			return err
		}
		data = audio.EncodeFloat32LE(audio.Resample(samples, rate, c.rate))
	} else if len(data)%4 != 0 {
		_, err := audio.DecodeFloat32LE(data)
		return err
	}

	if dropped := c.write(data); dropped > 0 {
		m.logger.Warn().Int("frames", dropped).Msg("Microphone backlog full, dropping frames")
	}
	return nil
}

func (m *wsMicrophone) close() {
	m.mu.Lock()
	c := m.capture
	m.capture = nil
	m.mu.Unlock()
	if c != nil {
		c.Close()
	}
}

type wsCapture struct {
	logger zerolog.Logger
	rate   int
	frame  []byte
	ring   *audio.RingBuffer
	frames chan []float32

	mu     sync.Mutex
	closed bool
}

func (c *wsCapture) Frames() <-chan []float32 { return c.frames }
func (c *wsCapture) SampleRate() int          { return c.rate }

// Close flushes a trailing partial frame and ends Frames.
func (c *wsCapture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	if !c.ring.IsEmpty() {
		rest := make([]byte, len(c.frame))
		n := c.ring.Read(rest)
		if n -= n % 4; n > 0 {
			c.emit(rest[:n])
		}
	}
	close(c.frames)
	return nil
}

// write buffers data and emits every complete frame. It returns the number of
// frames dropped because the reader fell behind.
func (c *wsCapture) write(data []byte) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0
	}

	dropped := 0
	for len(data) > 0 {
		n := c.ring.Write(data)
		data = data[n:]
		emitted := false
		for c.ring.ReadFrame(c.frame) {
			emitted = true
			if !c.emit(c.frame) {
				dropped++
			}
		}
		if n == 0 && !emitted {
			break
		}
	}
	return dropped
}

// emit queues one frame without blocking and reports whether it was taken.
func (c *wsCapture) emit(frame []byte) bool {
	samples, err := audio.DecodeFloat32LE(frame)
	if err != nil {
		c.logger.Warn().Err(err).Int("bytes", len(frame)).Msg("Dropping undecodable microphone frame")
		return true
	}
	select {
	case c.frames <- samples:
		return true
	default:
		return false
	}
}
