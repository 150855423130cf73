// Package stt provides realtime transcription transports backed by Deepgram.
package stt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/lexiqai/narrator/internal/audio"
	"github.com/lexiqai/narrator/internal/observability"
	"github.com/lexiqai/narrator/internal/resilience"
	"github.com/lexiqai/narrator/internal/voice"
)

// liveClient is the part of the Deepgram websocket client a connection uses
type liveClient interface {
	Connect() bool
	Write(p []byte) (int, error)
	Finish()
}

type dialFunc func(ctx context.Context, callback msginterfaces.LiveMessageCallback) (liveClient, error)

// messageCallbackHandler embeds the default handler and overrides only the
// events a transcription connection cares about.
type messageCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler
	conn *deepgramConn
}

func (m *messageCallbackHandler) Message(message *msginterfaces.MessageResponse) error {
	m.conn.handleResult(message)
	return nil
}

func (m *messageCallbackHandler) UtteranceEnd(ur *msginterfaces.UtteranceEndResponse) error {
	m.conn.emit(voice.Message{TurnComplete: true})
	return nil
}

func (m *messageCallbackHandler) Error(errorResponse *msginterfaces.ErrorResponse) error {
	m.conn.fail(fmt.Errorf("deepgram: %+v", errorResponse))
	return nil
}

// Options configures a DeepgramTransport
type Options struct {
	APIKey     string
	Model      string
	Language   string
	SampleRate int

	BreakerMaxFailures int
	BreakerReset       time.Duration
	Reconnect          *resilience.ReconnectConfig
	Logger             *zerolog.Logger
}

// DeepgramTransport implements voice.Transport over Deepgram live transcription.
type DeepgramTransport struct {
	opts           Options
	circuitBreaker *resilience.CircuitBreaker
	dial           dialFunc
	logger         zerolog.Logger
}

// NewDeepgramTransport creates a Deepgram transport
func NewDeepgramTransport(opts Options) *DeepgramTransport {
	if opts.Model == "" {
		opts.Model = "nova-2"
	}
	if opts.Language == "" {
		opts.Language = "en"
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = audio.CaptureSampleRate
	}
	if opts.BreakerMaxFailures <= 0 {
		opts.BreakerMaxFailures = 5
	}
	if opts.BreakerReset <= 0 {
		opts.BreakerReset = 30 * time.Second
	}
	if opts.Reconnect == nil {
		opts.Reconnect = resilience.DefaultReconnectConfig()
	}
	logger := observability.WithComponent("deepgram")
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	if opts.Reconnect.Logger == nil {
		opts.Reconnect.Logger = &logger
	}

	circuitBreaker := resilience.NewCircuitBreaker("deepgram", opts.BreakerMaxFailures, opts.BreakerReset)
	circuitBreaker.OnStateChange(func(name string, state resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(state))
	})
	circuitBreaker.OnFailure(observability.IncrementCircuitBreakerFailures)

	t := &DeepgramTransport{
		opts:           opts,
		circuitBreaker: circuitBreaker,
		logger:         logger,
	}
	t.dial = t.dialSDK
	return t
}

func (t *DeepgramTransport) dialSDK(ctx context.Context, callback msginterfaces.LiveMessageCallback) (liveClient, error) {
	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          t.opts.Model,
		Language:       t.opts.Language,
		Punctuate:      true,
		InterimResults: true,
		UtteranceEndMs: "1000",
		VadEvents:      true,
		Encoding:       "linear16",
		Channels:       1,
		SampleRate:     t.opts.SampleRate,
	}
	client, err := listenClient.NewWSUsingCallback(ctx, t.opts.APIKey, nil, tOptions, callback)
	if err != nil {
		return nil, fmt.Errorf("failed to create Deepgram client: %w", err)
	}
	return client, nil
}

// Ready reports false while the circuit is open
func (t *DeepgramTransport) Ready(ctx context.Context) (bool, error) {
	if err := resilience.CheckBreakers(t.circuitBreaker); err != nil {
		return false, err
	}
	return true, nil
}

// Connect opens a streaming session, retrying with backoff while the circuit allows.
func (t *DeepgramTransport) Connect(ctx context.Context) (voice.Conn, error) {
	c := &deepgramConn{
		msgs:   make(chan voice.Message, 64),
		done:   make(chan struct{}),
		logger: t.logger,
	}
	callback := &messageCallbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		conn:                   c,
	}

	err := resilience.Reconnect(ctx, func(ctx context.Context) error {
		return t.circuitBreaker.Call(ctx, func(ctx context.Context) error {
			client, err := t.dial(ctx, callback)
			if err != nil {
				return err
			}
			if !client.Connect() {
				return errors.New("deepgram websocket connect failed")
			}
			c.client = client
			return nil
		})
	}, t.opts.Reconnect)
	if err != nil {
		return nil, err
	}

	t.logger.Info().Str("model", t.opts.Model).Str("language", t.opts.Language).Msg("Deepgram streaming session started")
	return c, nil
}

type deepgramConn struct {
	client liveClient
	msgs   chan voice.Message
	done   chan struct{}
	logger zerolog.Logger

	mu        sync.Mutex
	closed    bool
	err       error
	closeOnce sync.Once
}

// Send forwards raw 16-bit PCM from blob.
func (c *deepgramConn) Send(ctx context.Context, blob audio.Blob) error {
	select {
	case <-c.done:
		return errors.New("deepgram connection closed")
	default:
	}
	pcm, err := audio.DecodeBase64ToBytes(blob.Data)
	if err != nil {
		return err
	}
	if _, err := c.client.Write(pcm); err != nil {
		return fmt.Errorf("failed to send audio to Deepgram: %w", err)
	}
	return nil
}

func (c *deepgramConn) Messages() <-chan voice.Message {
	return c.msgs
}

// CloseSend completes the turn with whatever has been heard so far.
func (c *deepgramConn) CloseSend(ctx context.Context) error {
	c.emit(voice.Message{TurnComplete: true})
	return nil
}

func (c *deepgramConn) Close() error {
	c.shutdown()
	return nil
}

func (c *deepgramConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *deepgramConn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		c.closed = true
		close(c.msgs)
		c.mu.Unlock()
		if c.client != nil {
			c.client.Finish()
		}
	})
}

func (c *deepgramConn) fail(err error) {
	c.logger.Error().Err(err).Msg("Deepgram streaming error")
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
	// Finish waits on the SDK goroutine delivering this callback
	go c.shutdown()
}

func (c *deepgramConn) emit(m voice.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.msgs <- m:
	case <-c.done:
	}
}

// handleResult maps a Deepgram result to a transcription message. Interim
// results carry the current hypothesis of the segment.
func (c *deepgramConn) handleResult(msg *msginterfaces.MessageResponse) {
	if msg == nil || msg.Type != "Results" {
		return
	}

	text := ""
	if len(msg.Channel.Alternatives) > 0 {
		text = msg.Channel.Alternatives[0].Transcript
	}

	switch {
	case msg.IsFinal:
		c.emit(voice.Message{Text: text, Final: true, TurnComplete: msg.SpeechFinal})
	case text != "":
		c.emit(voice.Message{Text: text})
	}
}
