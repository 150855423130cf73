// Package assistant implements push-to-talk question answering over the
// current narration script.
package assistant

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lexiqai/narrator/internal/observability"
	"github.com/lexiqai/narrator/internal/script"
	"github.com/lexiqai/narrator/internal/voice"
)

// Status of the assistant
type Status int

const (
	StatusIdle Status = iota
	StatusListening
	StatusProcessing
)

func (s Status) String() string {
	switch s {
	case StatusListening:
		return "listening"
	case StatusProcessing:
		return "processing"
	default:
		return "idle"
	}
}

// Answerer answers a question from grounding text only.
type Answerer interface {
	Answer(ctx context.Context, question, contextText string) (string, error)
}

// Listener is the voice session side of the assistant. *voice.Manager implements it.
type Listener interface {
	StartListening(ctx context.Context) (*voice.Transcript, error)
	StopListening(ctx context.Context) error
}

// Player speaks replies. *playback.Engine implements it.
type Player interface {
	Load(units []string)
	Play() error
}

// Option configures an Assistant
type Option func(*Assistant)

// WithStatusListener registers fn for status changes. err is set when the
// change back to idle was caused by a failure.
func WithStatusListener(fn func(status Status, err error)) Option {
	return func(a *Assistant) { a.onStatus = fn }
}

// WithTurnListener registers fn for every turn appended to the log.
func WithTurnListener(fn func(Turn)) Option {
	return func(a *Assistant) { a.onTurn = fn }
}

// WithMetrics records answer latency and outcome under provider.
func WithMetrics(m *observability.SessionMetrics, provider string) Option {
	return func(a *Assistant) {
		a.metrics = m
		a.provider = provider
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(a *Assistant) { a.logger = logger }
}

// Assistant drives one question at a time: listen, transcribe, answer, speak.
type Assistant struct {
	listener Listener
	answerer Answerer
	player   Player
	log      *Log
	onStatus func(Status, error)
	onTurn   func(Turn)
	metrics  *observability.SessionMetrics
	provider string
	logger   zerolog.Logger

	// opMu serializes Begin against the listening half of End
	opMu sync.Mutex

	mu          sync.Mutex
	status      Status
	transcript  *voice.Transcript
	contextText string
}

// New creates an idle assistant with an empty log
func New(listener Listener, answerer Answerer, player Player, opts ...Option) *Assistant {
	a := &Assistant{
		listener: listener,
		answerer: answerer,
		player:   player,
		log:      &Log{},
		logger:   observability.WithComponent("assistant"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// SetContext replaces the grounding text used for answers.
func (a *Assistant) SetContext(s *script.Script) {
	text := ""
	if s != nil {
		text = s.ContextText()
	}
	a.mu.Lock()
	a.contextText = text
	a.mu.Unlock()
}

func (a *Assistant) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Turns returns a copy of the conversation
func (a *Assistant) Turns() []Turn {
	return a.log.Turns()
}

// Begin starts listening for a question. It does nothing unless idle.
func (a *Assistant) Begin(ctx context.Context) error {
	a.opMu.Lock()
	defer a.opMu.Unlock()

	if a.Status() != StatusIdle {
		return nil
	}

	t, err := a.listener.StartListening(ctx)
	if err != nil {
		a.logger.Warn().Err(err).Msg("Could not start listening")
		a.setStatus(StatusIdle, err)
		return err
	}

	a.mu.Lock()
	a.transcript = t
	a.mu.Unlock()
	a.setStatus(StatusListening, nil)
	go a.watch(t)
	return nil
}

// watch reports a transcript that fails while still listening, so a dropped
// transcription connection surfaces before the user stops talking.
func (a *Assistant) watch(t *voice.Transcript) {
	<-t.Done()
	_, err, _ := t.Result()
	if err == nil || errors.Is(err, voice.ErrNoTranscript) {
		return
	}

	a.opMu.Lock()
	defer a.opMu.Unlock()

	a.mu.Lock()
	if a.status != StatusListening || a.transcript != t {
		a.mu.Unlock()
		return
	}
	a.transcript = nil
	a.mu.Unlock()

	a.logger.Error().Err(err).Msg("Listening failed")
	a.setStatus(StatusIdle, err)
}

// End stops listening and, when a question was heard, answers it and plays
// the answer. The status is idle again when End returns.
func (a *Assistant) End(ctx context.Context) error {
	question, err := a.finishListening(ctx)
	if err != nil || question == "" {
		return err
	}

	a.appendTurn(RoleUser, question)

	a.mu.Lock()
	contextText := a.contextText
	a.mu.Unlock()

	if a.metrics != nil {
		a.metrics.RecordModelStart("answer")
	}
	answer, err := a.answerer.Answer(ctx, question, contextText)
	if a.metrics != nil {
		a.metrics.RecordModelEnd("answer", a.provider, err == nil)
	}
	if err != nil {
		a.logger.Error().Err(err).Msg("Answering failed")
		a.setStatus(StatusIdle, err)
		return err
	}

	a.appendTurn(RoleAssistant, answer)

	a.player.Load([]string{answer})
	if err := a.player.Play(); err != nil {
		a.logger.Error().Err(err).Msg("Failed to play answer")
		a.setStatus(StatusIdle, err)
		return err
	}

	a.setStatus(StatusIdle, nil)
	return nil
}

// finishListening stops the voice session and returns the trimmed question.
// On return the status is processing if a question was heard, idle otherwise.
func (a *Assistant) finishListening(ctx context.Context) (string, error) {
	a.opMu.Lock()
	defer a.opMu.Unlock()

	a.mu.Lock()
	if a.status != StatusListening {
		a.mu.Unlock()
		return "", nil
	}
	t := a.transcript
	a.transcript = nil
	a.mu.Unlock()

	if err := a.listener.StopListening(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to stop listening")
	}

	text, err := t.Wait(ctx)
	if err != nil {
		if errors.Is(err, voice.ErrNoTranscript) {
			a.logger.Debug().Msg("No question heard")
			a.setStatus(StatusIdle, nil)
			return "", nil
		}
		a.setStatus(StatusIdle, err)
		return "", err
	}

	question := strings.TrimSpace(text)
	if question == "" {
		a.setStatus(StatusIdle, nil)
		return "", nil
	}
	a.setStatus(StatusProcessing, nil)
	return question, nil
}

func (a *Assistant) appendTurn(role Role, text string) {
	turn := a.log.Append(role, text)
	if a.onTurn != nil {
		a.onTurn(turn)
	}
}

func (a *Assistant) setStatus(s Status, err error) {
	a.mu.Lock()
	a.status = s
	a.mu.Unlock()
	if a.onStatus != nil {
		a.onStatus(s, err)
	}
}
