// Package playback plays an ordered queue of text units as back-to-back
// synthesized speech with one-ahead prefetch.
package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/lexiqai/narrator/internal/apperr"
	"github.com/lexiqai/narrator/internal/audio"
	"github.com/lexiqai/narrator/internal/observability"
)

// State of the engine
type State int

const (
	StateIdle State = iota
	StatePlaying
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	}
	return "unknown"
}

// Stats are cumulative counters over the engine lifetime
type Stats struct {
	SynthesisCalls   int64
	CacheHits        int64
	Prefetches       int64
	PrefetchFailures int64
}

// Option configures an Engine
type Option func(*Engine)

// WithFormat sets the PCM format synthesized payloads are decoded with.
func WithFormat(sampleRate, channels int) Option {
	return func(e *Engine) {
		e.sampleRate = sampleRate
		e.channels = channels
	}
}

// WithPositionListener registers fn to receive the index of each unit as it starts.
func WithPositionListener(fn func(index int)) Option {
	return func(e *Engine) { e.onPosition = fn }
}

// WithEndListener registers fn to receive every end of a playback session.
// err is nil for natural completion and Stop, non-nil for a fatal unit failure.
func WithEndListener(fn func(err error)) Option {
	return func(e *Engine) { e.onEnded = fn }
}

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithName labels the engine in logs and metrics
func WithName(name string) Option {
	return func(e *Engine) { e.name = name }
}

// Engine is the sequential playback engine. It exclusively owns the queue,
// cursor, cache, active source and output device.
//
// Listeners run synchronously on engine goroutines and must not call back into
// the Engine; hand work off to another goroutine instead.
type Engine struct {
	device     Device
	synth      Synthesizer
	name       string
	sampleRate int
	channels   int
	onPosition func(int)
	onEnded    func(error)
	logger     zerolog.Logger

	// notifyMu orders listener delivery against generation changes: a Stop or
	// Load cannot complete while a position notification is being delivered.
	notifyMu sync.Mutex

	mu        sync.Mutex
	units     []string
	state     State
	cursor    int
	cache     map[int]*audio.Buffer
	source    Source
	gen       uint64
	stepping  bool // a play step owns the session and will start the next source
	announced int  // last index passed to the position listener this session
	ctx       context.Context
	cancel    context.CancelFunc

	closed           atomic.Bool
	flight           singleflight.Group
	synthCalls       atomic.Int64
	cacheHits        atomic.Int64
	prefetches       atomic.Int64
	prefetchFailures atomic.Int64
}

// NewEngine creates an idle engine with an empty queue
func NewEngine(device Device, synth Synthesizer, opts ...Option) *Engine {
	e := &Engine{
		device:     device,
		synth:      synth,
		name:       "narration",
		sampleRate: audio.SpeechSampleRate,
		channels:   1,
		cache:      make(map[int]*audio.Buffer),
		announced:  -1,
		logger:     observability.WithComponent("playback"),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With().Str("engine", e.name).Logger()
	return e
}

// Load replaces the queue. Active playback is stopped first, which emits one
// end notification. Playback is not started.
func (e *Engine) Load(units []string) {
	e.notifyMu.Lock()
	e.mu.Lock()
	wasActive := e.state != StateIdle
	e.resetLocked(reasonStopped)
	e.units = append([]string(nil), units...)
	e.mu.Unlock()
	e.notifyMu.Unlock()

	e.logger.Debug().Int("units", len(units)).Bool("stopped_active", wasActive).Msg("Queue loaded")
	if wasActive {
		e.emitEnded(nil)
	}
}

// Play starts playback from the first unit when idle, or resumes when paused.
// It returns once playback is under way; units play on engine goroutines.
func (e *Engine) Play() error {
	if e.closed.Load() {
		return errClosed
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StatePlaying:
		return nil

	case StatePaused:
		if err := e.device.Resume(); err != nil {
			return fmt.Errorf("resume output device: %w", err)
		}
		e.state = StatePlaying
		// A pause that landed during a fetch parked the session without a source.
		if e.source == nil && !e.stepping {
			e.stepping = true
			go e.step(e.gen)
		}
		e.logger.Debug().Int("cursor", e.cursor).Msg("Playback resumed")
		return nil
	}

	if len(e.units) == 0 {
		return nil
	}

	e.gen++
	e.state = StatePlaying
	e.cursor = 0
	e.cache = make(map[int]*audio.Buffer)
	e.announced = -1
	e.stepping = true
	e.ctx, e.cancel = context.WithCancel(context.Background())
	observability.RecordPlaybackStart(e.name)

	e.logger.Debug().Int("units", len(e.units)).Uint64("generation", e.gen).Msg("Playback started")
	go e.step(e.gen)
	return nil
}

// Pause suspends the output device. Only valid while playing.
func (e *Engine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StatePlaying {
		return nil
	}
	if err := e.device.Suspend(); err != nil {
		return fmt.Errorf("suspend output device: %w", err)
	}
	e.state = StatePaused
	e.logger.Debug().Int("cursor", e.cursor).Msg("Playback paused")
	return nil
}

// Stop halts the active source immediately, clears the cache and rewinds.
// Every call emits exactly one end notification, even when already idle.
func (e *Engine) Stop() {
	e.notifyMu.Lock()
	e.mu.Lock()
	e.resetLocked(reasonStopped)
	e.mu.Unlock()
	e.notifyMu.Unlock()

	e.emitEnded(nil)
}

// Close halts playback for good. No further notifications are delivered and
// Play fails afterwards.
func (e *Engine) Close() {
	e.closed.Store(true)
	e.notifyMu.Lock()
	e.mu.Lock()
	e.resetLocked(reasonStopped)
	e.units = nil
	e.mu.Unlock()
	e.notifyMu.Unlock()
}

// State returns the current state
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Cursor returns the index of the current unit
func (e *Engine) Cursor() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cursor
}

// Len returns the queue length
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.units)
}

// Stats returns a snapshot of the counters
func (e *Engine) Stats() Stats {
	return Stats{
		SynthesisCalls:   e.synthCalls.Load(),
		CacheHits:        e.cacheHits.Load(),
		Prefetches:       e.prefetches.Load(),
		PrefetchFailures: e.prefetchFailures.Load(),
	}
}

var errClosed = errors.New("playback engine closed")

const (
	reasonCompleted = "completed"
	reasonStopped   = "stopped"
	reasonFailed    = "failed"
)

// resetLocked returns the engine to Idle and invalidates every continuation
// of the current generation.
func (e *Engine) resetLocked(reason string) {
	if e.source != nil {
		e.source.Stop()
		e.source = nil
	}
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	if e.state != StateIdle {
		observability.RecordPlaybackEnd(e.name, reason)
	}
	if e.device.Suspended() {
		if err := e.device.Resume(); err != nil {
			e.logger.Warn().Err(err).Msg("Failed to resume output device after reset")
		}
	}

	e.gen++
	e.state = StateIdle
	e.cursor = 0
	e.cache = make(map[int]*audio.Buffer)
	e.stepping = false
	e.announced = -1
}

// step runs one play step for generation gen: resolve the unit under the
// cursor, prefetch the next one and start a source for it.
func (e *Engine) step(gen uint64) {
	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return
	}
	if e.state == StatePaused {
		e.stepping = false
		e.mu.Unlock()
		return
	}
	if e.cursor >= len(e.units) {
		e.stepping = false
		e.mu.Unlock()
		e.finish(gen, nil)
		return
	}
	idx := e.cursor
	text := e.units[idx]
	ctx := e.ctx
	e.mu.Unlock()

	buf, err := e.resolve(ctx, gen, idx, text)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Error().Err(err).Int("index", idx).Msg("Failed to resolve audio for current unit")
		}
		e.finish(gen, err)
		return
	}

	e.prefetch(ctx, gen, idx+1)
	e.start(gen, idx, buf)
}

// start plays buf as unit idx unless the session moved on or was paused meanwhile.
func (e *Engine) start(gen uint64, idx int, buf *audio.Buffer) {
	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()

	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return
	}
	if e.state == StatePaused {
		e.stepping = false
		e.mu.Unlock()
		return
	}

	if e.device.Suspended() {
		if err := e.device.Resume(); err != nil {
			e.logger.Warn().Err(err).Msg("Failed to resume output device")
		}
	}
	if e.source != nil {
		e.source.Stop()
		e.source = nil
	}

	src, err := e.device.NewSource(buf)
	if err != nil {
		e.mu.Unlock()
		e.finishLocked(gen, fmt.Errorf("create output source: %w", err))
		return
	}
	e.source = src
	e.stepping = false
	announce := e.announced != idx
	e.announced = idx
	e.mu.Unlock()

	if announce && e.onPosition != nil && !e.closed.Load() {
		e.onPosition(idx)
	}

	e.mu.Lock()
	if gen != e.gen || e.source != src {
		e.mu.Unlock()
		return
	}
	if err := src.Start(func() { e.sourceEnded(gen, src) }); err != nil {
		e.source = nil
		e.mu.Unlock()
		e.finishLocked(gen, fmt.Errorf("start output source: %w", err))
		return
	}
	e.mu.Unlock()
}

// sourceEnded advances the cursor when src finishes on its own.
func (e *Engine) sourceEnded(gen uint64, src Source) {
	e.mu.Lock()
	if gen != e.gen || e.source != src {
		e.mu.Unlock()
		return
	}
	e.source = nil
	e.cursor++
	e.stepping = true
	e.mu.Unlock()

	e.step(gen)
}

// finish ends generation gen with err (nil for natural completion).
func (e *Engine) finish(gen uint64, err error) {
	e.notifyMu.Lock()
	e.finishLocked(gen, err)
	e.notifyMu.Unlock()
}

// finishLocked is finish for callers already holding notifyMu. It releases
// nothing and emits the end notification after dropping mu.
func (e *Engine) finishLocked(gen uint64, err error) {
	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		return
	}
	reason := reasonCompleted
	if err != nil {
		reason = reasonFailed
	}
	e.resetLocked(reason)
	e.mu.Unlock()

	if err != nil {
		observability.RecordError(apperr.Label(err), "playback")
	} else {
		e.logger.Debug().Msg("Playback completed")
	}
	e.emitEnded(err)
}

func (e *Engine) emitEnded(err error) {
	if e.onEnded != nil && !e.closed.Load() {
		e.onEnded(err)
	}
}

// resolve returns the playable audio for unit idx, from cache or by
// synthesizing it. Concurrent resolves of the same unit share one fetch.
func (e *Engine) resolve(ctx context.Context, gen uint64, idx int, text string) (*audio.Buffer, error) {
	if buf := e.cached(gen, idx); buf != nil {
		e.cacheHits.Add(1)
		observability.RecordCacheHit(e.name)
		return buf, nil
	}

	key := fmt.Sprintf("%d:%d", gen, idx)
	v, err, shared := e.flight.Do(key, func() (any, error) {
		return e.fetch(ctx, gen, idx, text)
	})
	if err != nil && shared && ctx.Err() == nil {
		// The shared attempt was a prefetch; the current unit gets a fresh fetch.
		e.logger.Debug().Err(err).Int("index", idx).Msg("Joined prefetch failed, fetching again")
		return e.fetch(ctx, gen, idx, text)
	}
	if err != nil {
		return nil, err
	}
	return v.(*audio.Buffer), nil
}

func (e *Engine) cached(gen uint64, idx int) *audio.Buffer {
	e.mu.Lock()
	defer e.mu.Unlock()
	if gen != e.gen {
		return nil
	}
	return e.cache[idx]
}

// fetch synthesizes and decodes unit idx and caches it for generation gen.
func (e *Engine) fetch(ctx context.Context, gen uint64, idx int, text string) (*audio.Buffer, error) {
	if buf := e.cached(gen, idx); buf != nil {
		return buf, nil
	}

	e.synthCalls.Add(1)
	start := time.Now()
	payload, err := e.synth.Synthesize(ctx, text)
	if err != nil {
		return nil, apperr.Synthesis("synthesize unit", err)
	}
	if payload == "" {
		return nil, apperr.Newf(apperr.ErrSynthesis, "synthesize unit", "empty audio payload for unit %d", idx)
	}

	raw, err := audio.DecodeBase64ToBytes(payload)
	if err != nil {
		return nil, err
	}
	buf, err := audio.DecodePCMToPlayable(raw, e.sampleRate, e.channels)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if gen == e.gen {
		e.cache[idx] = buf
	}
	e.mu.Unlock()

	e.logger.Debug().
		Int("index", idx).
		Dur("latency", time.Since(start)).
		Dur("duration", buf.Duration()).
		Msg("Unit synthesized")
	return buf, nil
}

// prefetch fetches unit idx in the background if it exists and is not cached.
func (e *Engine) prefetch(ctx context.Context, gen uint64, idx int) {
	e.mu.Lock()
	if gen != e.gen || idx >= len(e.units) || e.cache[idx] != nil {
		e.mu.Unlock()
		return
	}
	text := e.units[idx]
	e.mu.Unlock()

	e.prefetches.Add(1)
	go func() {
		key := fmt.Sprintf("%d:%d", gen, idx)
		_, err, _ := e.flight.Do(key, func() (any, error) {
			return e.fetch(ctx, gen, idx, text)
		})
		if err != nil {
			e.prefetchFailures.Add(1)
			observability.RecordPrefetch(e.name, false)
			if ctx.Err() == nil {
				e.logger.Warn().Err(err).Int("index", idx).Msg("Prefetch failed")
			}
			return
		}
		observability.RecordPrefetch(e.name, true)
	}()
}
