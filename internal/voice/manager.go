package voice

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/narrator/internal/apperr"
	"github.com/lexiqai/narrator/internal/audio"
	"github.com/lexiqai/narrator/internal/observability"
)

// captureDrain bounds how long StopListening waits for captured frames to be sent.
const captureDrain = 500 * time.Millisecond

// Option configures a Manager
type Option func(*Manager)

// WithInterimListener registers fn to receive the running transcript
// (finalized text plus the current partial hypothesis).
func WithInterimListener(fn func(text string)) Option {
	return func(m *Manager) { m.onInterim = fn }
}

// WithSpeechListener registers fn to hear local VAD transitions: true when
// speech starts, false once enough silence follows it.
func WithSpeechListener(fn func(speaking bool)) Option {
	return func(m *Manager) { m.onSpeech = fn }
}

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithCaptureRate sets the rate frames are resampled to before sending.
func WithCaptureRate(rate int) Option {
	return func(m *Manager) { m.captureRate = rate }
}

// WithFinalGrace sets how long StopListening waits for the remote to finish the turn.
func WithFinalGrace(d time.Duration) Option {
	return func(m *Manager) { m.grace = d }
}

// WithVAD enables local voice activity detection on outgoing frames.
func WithVAD(cfg *audio.VADConfig) Option {
	return func(m *Manager) { m.vadConfig = cfg }
}

// Manager owns the microphone and the transcription connection of at most
// one session at a time.
type Manager struct {
	mic         Microphone
	transport   Transport
	captureRate int
	grace       time.Duration
	vadConfig   *audio.VADConfig
	onInterim   func(string)
	onSpeech    func(bool)
	logger      zerolog.Logger

	opMu sync.Mutex // serializes StartListening and StopListening

	mu       sync.Mutex
	state    State
	session  *session
	interim  string
	speaking bool
}

type session struct {
	id         string
	capture    Capture
	conn       Conn
	transcript *Transcript
	vad        *audio.VADDetector

	cancelSend   context.CancelFunc
	senderDone   chan struct{}
	receiverDone chan struct{}
	stopping     atomic.Bool

	closeCapture sync.Once
	teardown     sync.Once
}

func (s *session) releaseMicrophone(logger zerolog.Logger) {
	s.closeCapture.Do(func() {
		if err := s.capture.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close microphone capture")
		}
	})
}

// NewManager creates an idle manager
func NewManager(mic Microphone, transport Transport, opts ...Option) *Manager {
	m := &Manager{
		mic:         mic,
		transport:   transport,
		captureRate: audio.CaptureSampleRate,
		grace:       2 * time.Second,
		logger:      observability.WithComponent("voice"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Interim returns the running transcript of the current session
func (m *Manager) Interim() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interim
}

// Speaking reports whether local VAD currently hears speech
func (m *Manager) Speaking() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.speaking
}

// StartListening opens the microphone and the transcription connection and
// starts streaming. While a session is already listening it returns that
// session's transcript.
func (m *Manager) StartListening(ctx context.Context) (*Transcript, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.state == StateListening {
		t := m.session.transcript
		m.mu.Unlock()
		return t, nil
	}
	m.mu.Unlock()

	capture, err := m.mic.Open(ctx)
	if err != nil {
		observability.RecordVoiceSessionEnd("permission_denied")
		return nil, apperr.Permission("open microphone", err)
	}

	conn, err := m.transport.Connect(ctx)
	if err != nil {
		if cerr := capture.Close(); cerr != nil {
			m.logger.Warn().Err(cerr).Msg("Failed to close microphone capture")
		}
		observability.RecordVoiceSessionEnd("connect_failed")
		return nil, apperr.Transport("connect transcription", err)
	}

	sendCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		id:           observability.NewCorrelationID(),
		capture:      capture,
		conn:         conn,
		transcript:   newTranscript(),
		cancelSend:   cancel,
		senderDone:   make(chan struct{}),
		receiverDone: make(chan struct{}),
	}
	if m.vadConfig != nil {
		s.vad = audio.NewVADDetector(m.vadConfig)
	}

	m.mu.Lock()
	m.state = StateListening
	m.session = s
	m.interim = ""
	m.speaking = false
	m.mu.Unlock()

	observability.RecordVoiceSessionStart()
	m.logger.Info().
		Str("voice_session", s.id).
		Int("mic_rate", capture.SampleRate()).
		Int("capture_rate", m.captureRate).
		Msg("Voice session started")

	go m.send(sendCtx, s)
	go m.receive(s)
	return s.transcript, nil
}

// StopListening releases the microphone, sends the audio it had already
// captured, signals the end of audio and gives the remote up to the grace period to complete the turn
// before closing the connection. A transcript still pending afterwards is
// rejected with ErrNoTranscript.
func (m *Manager) StopListening(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.state != StateListening {
		m.mu.Unlock()
		return nil
	}
	s := m.session
	s.stopping.Store(true)
	m.mu.Unlock()

	// Frames captured before the stop are still delivered.
	s.releaseMicrophone(m.logger)
	drain := time.NewTimer(captureDrain)
	select {
	case <-s.senderDone:
	case <-drain.C:
		m.logger.Debug().Str("voice_session", s.id).Msg("Capture did not drain in time")
	case <-ctx.Done():
	}
	drain.Stop()
	s.cancelSend()
	<-s.senderDone

	if err := s.conn.CloseSend(ctx); err != nil {
		m.logger.Debug().Err(err).Str("voice_session", s.id).Msg("Failed to signal end of audio")
	}

	grace := time.NewTimer(m.grace)
	defer grace.Stop()
	select {
	case <-s.transcript.Done():
	case <-s.receiverDone:
	case <-grace.C:
		m.logger.Debug().Str("voice_session", s.id).Msg("Turn did not complete within grace period")
	case <-ctx.Done():
	}

	m.teardown(s, nil)
	return nil
}

// send streams capture frames until the session stops or the capture ends.
func (m *Manager) send(ctx context.Context, s *session) {
	defer close(s.senderDone)

	frames := s.capture.Frames()
	micRate := s.capture.SampleRate()
	for {
		var frame []float32
		var ok bool
		select {
		case <-ctx.Done():
			return
		case frame, ok = <-frames:
			if !ok {
				return
			}
		}

		samples := audio.Resample(frame, micRate, m.captureRate)
		if s.vad != nil {
			m.trackSpeech(s, s.vad.ProcessFrame(samples))
		}

		if err := s.conn.Send(ctx, audio.EncodeFloatPCMToBlob(samples, m.captureRate)); err != nil {
			if ctx.Err() != nil {
				return
			}
			m.fail(s, apperr.Transport("send audio", err))
			return
		}
	}
}

func (m *Manager) trackSpeech(s *session, ev audio.VADEvent) {
	if ev.Started {
		observability.RecordSpeechSegment()
		m.logger.Debug().Str("voice_session", s.id).Msg("Speech started")
	}
	if ev.Ended {
		m.logger.Debug().Str("voice_session", s.id).Msg("Speech ended")
	}
	m.mu.Lock()
	current := m.session == s
	if current {
		m.speaking = ev.Speaking
	}
	m.mu.Unlock()

	if current && m.onSpeech != nil && (ev.Started || ev.Ended) {
		m.onSpeech(ev.Started)
	}
}

// receive accumulates transcription events into the running transcript.
func (m *Manager) receive(s *session) {
	defer close(s.receiverDone)

	var committed []string
	pending := ""

	for msg := range s.conn.Messages() {
		turnDone := msg.TurnComplete
		switch {
		case msg.Final:
			committed = appendSegment(committed, msg.Text)
			pending = ""
		case turnDone && msg.Text != "":
			committed = appendSegment(committed, msg.Text)
			pending = ""
		case turnDone:
			committed = appendSegment(committed, pending)
			pending = ""
		default:
			pending = msg.Text
		}

		interim := joinSegments(committed, pending)
		m.mu.Lock()
		current := m.session == s
		if current {
			m.interim = interim
		}
		m.mu.Unlock()
		if current && m.onInterim != nil {
			m.onInterim(interim)
		}

		if turnDone {
			text := strings.TrimSpace(strings.Join(committed, " "))
			if s.transcript.resolve(text) {
				m.logger.Info().Str("voice_session", s.id).Int("chars", len(text)).Msg("Turn complete")
			}
		}
	}

	if s.stopping.Load() {
		return
	}
	if _, _, settled := s.transcript.Result(); settled {
		m.teardown(s, nil)
		return
	}
	err := s.conn.Err()
	if err == nil {
		err = errors.New("transcription connection closed")
	}
	m.fail(s, apperr.Transport("receive transcription", err))
}

func appendSegment(segments []string, text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return segments
	}
	return append(segments, text)
}

func joinSegments(committed []string, pending string) string {
	pending = strings.TrimSpace(pending)
	if pending == "" {
		return strings.Join(committed, " ")
	}
	if len(committed) == 0 {
		return pending
	}
	return strings.Join(committed, " ") + " " + pending
}

// fail forces the session idle and rejects its transcript with err.
func (m *Manager) fail(s *session, err error) {
	m.logger.Error().Err(err).Str("voice_session", s.id).Msg("Voice session failed")
	observability.RecordError(apperr.Label(err), "voice")
	m.teardown(s, err)
}

// teardown releases every resource of s exactly once and settles its transcript.
func (m *Manager) teardown(s *session, cause error) {
	s.teardown.Do(func() {
		s.cancelSend()
		s.releaseMicrophone(m.logger)
		if err := s.conn.Close(); err != nil {
			m.logger.Debug().Err(err).Str("voice_session", s.id).Msg("Failed to close transcription connection")
		}

		reason := cause
		if reason == nil {
			reason = ErrNoTranscript
		}
		outcome := "completed"
		if s.transcript.reject(reason) {
			outcome = "abandoned"
			if cause != nil {
				outcome = "failed"
			}
		}

		m.mu.Lock()
		if m.session == s {
			m.state = StateIdle
			m.session = nil
			m.speaking = false
		}
		m.mu.Unlock()

		observability.RecordVoiceSessionEnd(outcome)
		m.logger.Info().Str("voice_session", s.id).Str("outcome", outcome).Msg("Voice session ended")
	})
}
