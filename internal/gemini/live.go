package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/narrator/internal/audio"
	"github.com/lexiqai/narrator/internal/observability"
	"github.com/lexiqai/narrator/internal/voice"
)

const (
	defaultLiveModel   = "gemini-2.5-flash-native-audio-preview-09-2025"
	defaultLiveBaseURL = "wss://generativelanguage.googleapis.com/ws"
	liveReadLimit      = 4 << 20
)

// LiveOption configures a LiveTransport
type LiveOption func(*LiveTransport)

// WithLiveModel sets the Live model
func WithLiveModel(model string) LiveOption {
	return func(t *LiveTransport) {
		if model != "" {
			t.model = model
		}
	}
}

// WithLiveBaseURL overrides the websocket base URL
func WithLiveBaseURL(base string) LiveOption {
	return func(t *LiveTransport) {
		if base != "" {
			t.baseURL = base
		}
	}
}

// WithLiveLogger sets the logger
func WithLiveLogger(logger zerolog.Logger) LiveOption {
	return func(t *LiveTransport) { t.logger = logger }
}

// LiveTransport is a voice.Transport over the Gemini Live API. Only the
// input transcription is used; model output is ignored.
type LiveTransport struct {
	apiKey  string
	model   string
	baseURL string
	logger  zerolog.Logger
}

// NewLiveTransport creates a transport
func NewLiveTransport(apiKey string, opts ...LiveOption) *LiveTransport {
	t := &LiveTransport{
		apiKey:  apiKey,
		model:   defaultLiveModel,
		baseURL: defaultLiveBaseURL,
		logger:  observability.WithComponent("gemini_live"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

type liveSetupMessage struct {
	Setup liveSetup `json:"setup"`
}

type liveSetup struct {
	Model                   string               `json:"model"`
	GenerationConfig        liveGenerationConfig `json:"generationConfig"`
	InputAudioTranscription struct{}             `json:"inputAudioTranscription"`
}

type liveGenerationConfig struct {
	ResponseModalities []string `json:"responseModalities"`
}

type liveInputMessage struct {
	RealtimeInput liveRealtimeInput `json:"realtimeInput"`
}

type liveRealtimeInput struct {
	MediaChunks    []liveMediaChunk `json:"mediaChunks,omitempty"`
	AudioStreamEnd bool             `json:"audioStreamEnd,omitempty"`
}

type liveMediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type liveServerMessage struct {
	SetupComplete *json.RawMessage   `json:"setupComplete,omitempty"`
	ServerContent *liveServerContent `json:"serverContent,omitempty"`
	Error         *liveError         `json:"error,omitempty"`
}

type liveServerContent struct {
	TurnComplete       bool               `json:"turnComplete,omitempty"`
	InputTranscription *liveTranscription `json:"inputTranscription,omitempty"`
}

type liveTranscription struct {
	Text string `json:"text"`
}

type liveError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Connect dials the Live endpoint and waits for the setup acknowledgement.
func (t *LiveTransport) Connect(ctx context.Context) (voice.Conn, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		strings.TrimSuffix(t.baseURL, "/"), url.QueryEscape(t.apiKey),
	)

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("gemini live: dial: %w", err)
	}
	conn.SetReadLimit(liveReadLimit)

	setup := liveSetupMessage{Setup: liveSetup{
		Model:            "models/" + t.model,
		GenerationConfig: liveGenerationConfig{ResponseModalities: []string{"AUDIO"}},
	}}
	if err := writeJSON(ctx, conn, setup); err != nil {
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini live: setup: %w", err)
	}
	if err := awaitSetup(ctx, conn); err != nil {
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini live: setup: %w", err)
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	c := &liveConn{
		conn:   conn,
		msgs:   make(chan voice.Message, 32),
		ctx:    sessCtx,
		cancel: cancel,
		logger: t.logger,
	}
	go c.receiveLoop()

	t.logger.Debug().Str("model", t.model).Msg("Live session established")
	return c, nil
}

func awaitSetup(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var msg liveServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Error != nil {
			return fmt.Errorf("%d %s", msg.Error.Code, msg.Error.Message)
		}
		if msg.SetupComplete != nil {
			return nil
		}
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

type liveConn struct {
	conn   *websocket.Conn
	msgs   chan voice.Message
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger

	mu        sync.Mutex
	err       error
	closeOnce sync.Once
}

func (c *liveConn) Send(ctx context.Context, blob audio.Blob) error {
	return writeJSON(ctx, c.conn, liveInputMessage{RealtimeInput: liveRealtimeInput{
		MediaChunks: []liveMediaChunk{{MIMEType: blob.MIMEType, Data: blob.Data}},
	}})
}

func (c *liveConn) Messages() <-chan voice.Message {
	return c.msgs
}

// CloseSend tells the server the audio stream has ended so it can finish the turn.
func (c *liveConn) CloseSend(ctx context.Context) error {
	return writeJSON(ctx, c.conn, liveInputMessage{RealtimeInput: liveRealtimeInput{AudioStreamEnd: true}})
}

func (c *liveConn) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

func (c *liveConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *liveConn) setErr(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
}

// receiveLoop owns msgs and closes it on exit. Input transcription arrives as
// deltas; each event carries the running hypothesis of the turn.
func (c *liveConn) receiveLoop() {
	defer close(c.msgs)

	var hypothesis strings.Builder
	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return
			}
			c.setErr(err)
			return
		}

		var msg liveServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debug().Err(err).Msg("Skipping malformed live frame")
			continue
		}
		if msg.Error != nil {
			c.setErr(fmt.Errorf("gemini live: %d %s", msg.Error.Code, msg.Error.Message))
			return
		}

		sc := msg.ServerContent
		if sc == nil {
			continue
		}
		if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
			hypothesis.WriteString(sc.InputTranscription.Text)
			if !c.emit(voice.Message{Text: hypothesis.String()}) {
				return
			}
		}
		if sc.TurnComplete {
			if !c.emit(voice.Message{Text: hypothesis.String(), Final: true, TurnComplete: true}) {
				return
			}
			hypothesis.Reset()
		}
	}
}

func (c *liveConn) emit(m voice.Message) bool {
	select {
	case c.msgs <- m:
		return true
	case <-c.ctx.Done():
		return false
	}
}

var _ voice.Transport = (*LiveTransport)(nil)
