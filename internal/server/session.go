package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lexiqai/narrator/internal/apperr"
	"github.com/lexiqai/narrator/internal/assistant"
	"github.com/lexiqai/narrator/internal/audio"
	"github.com/lexiqai/narrator/internal/config"
	"github.com/lexiqai/narrator/internal/device"
	"github.com/lexiqai/narrator/internal/observability"
	"github.com/lexiqai/narrator/internal/playback"
	"github.com/lexiqai/narrator/internal/script"
	"github.com/lexiqai/narrator/internal/voice"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var (
	errClientGone    = errors.New("client disconnected")
	errSessionClosed = errors.New("session closed")
)

// session bridges one browser tab to its own narration engine, reply engine,
// voice manager and assistant.
type session struct {
	id        string
	conn      *websocket.Conn
	cfg       *config.Config
	providers Providers
	logger    zerolog.Logger
	metrics   *observability.SessionMetrics

	ctx   context.Context
	group *errgroup.Group
	out   chan ServerMessage

	narration    *playback.Engine
	reply        *playback.Engine
	mic          *wsMicrophone
	voice        *voice.Manager
	assistant    *assistant.Assistant
	assistantOps chan string

	generating atomic.Bool
}

func newSession(ctx context.Context, group *errgroup.Group, conn *websocket.Conn, cfg *config.Config, providers Providers) *session {
	id := observability.NewCorrelationID()
	logger := observability.WithCorrelationID(id).With().Str("session_id", id).Logger()

	s := &session{
		id:           id,
		conn:         conn,
		cfg:          cfg,
		providers:    providers,
		logger:       logger,
		metrics:      observability.NewSessionMetrics(id),
		ctx:          ctx,
		group:        group,
		out:          make(chan ServerMessage, 256),
		assistantOps: make(chan string, 8),
	}

	format := playback.WithFormat(cfg.PlaybackSampleRate, cfg.PlaybackChannels)

	narrationDevice := device.NewStreamDevice(device.SinkFunc(s.sink(streamNarration)), cfg.PlaybackChunk(), logger)
	s.narration = playback.NewEngine(narrationDevice, providers.Synthesizer,
		format,
		playback.WithName(streamNarration),
		playback.WithLogger(logger),
		playback.WithPositionListener(func(index int) {
			s.send(ServerMessage{Type: msgPosition, Index: &index})
		}),
		playback.WithEndListener(func(err error) {
			msg := ServerMessage{Type: msgEnded}
			if err != nil {
				s.metrics.RecordError(apperr.Label(err), "narration")
				msg.Error = err.Error()
			}
			s.send(msg)
		}),
	)

	replyDevice := device.NewStreamDevice(device.SinkFunc(s.sink(streamReply)), cfg.PlaybackChunk(), logger)
	s.reply = playback.NewEngine(replyDevice, providers.Synthesizer,
		format,
		playback.WithName(streamReply),
		playback.WithLogger(logger),
		playback.WithEndListener(func(err error) {
			if err != nil {
				s.metrics.RecordError(apperr.Label(err), "reply")
				s.sendError(err)
			}
		}),
	)

	s.mic = newWSMicrophone(cfg.MicFrameSamples, cfg.CaptureSampleRate, logger)
	s.voice = voice.NewManager(s.mic, providers.Transcription,
		voice.WithLogger(logger),
		voice.WithCaptureRate(cfg.CaptureSampleRate),
		voice.WithFinalGrace(cfg.VoiceFinalGrace()),
		voice.WithVAD(&audio.VADConfig{
			EnergyThreshold: cfg.VADEnergyThreshold,
			SilenceFrames:   cfg.VADSilenceFrames,
		}),
		voice.WithInterimListener(func(text string) {
			speaking := s.voice.Speaking()
			s.send(ServerMessage{Type: msgInterim, Text: text, Speaking: &speaking})
		}),
		voice.WithSpeechListener(func(speaking bool) {
			s.send(ServerMessage{Type: msgSpeech, Speaking: &speaking})
		}),
	)

	s.assistant = assistant.New(s.voice, providers.Answerer, s.reply,
		assistant.WithLogger(logger),
		assistant.WithMetrics(s.metrics, providers.AssistantName),
		assistant.WithStatusListener(func(status assistant.Status, err error) {
			s.send(ServerMessage{Type: msgStatus, Status: status.String()})
			if err != nil {
				s.metrics.RecordError(apperr.Label(err), "assistant")
				s.sendError(err)
			}
		}),
		assistant.WithTurnListener(func(t assistant.Turn) {
			s.send(ServerMessage{Type: msgTurn, ID: t.ID, Role: string(t.Role), Text: t.Text})
		}),
	)
	return s
}

// run serves the connection until the client leaves or ctx ends.
func (s *session) run() error {
	s.metrics.RecordSessionStart()
	defer s.metrics.RecordSessionEnd()
	s.logger.Info().Msg("Session started")

	s.group.Go(s.readLoop)
	s.group.Go(s.writeLoop)
	s.group.Go(s.assistantLoop)

	err := s.group.Wait()
	s.teardown()

	if errors.Is(err, errClientGone) {
		err = nil
	}
	s.logger.Info().Err(err).Msg("Session ended")
	return err
}

func (s *session) teardown() {
	s.narration.Close()
	s.reply.Close()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.VoiceFinalGrace()+time.Second)
	defer cancel()
	if err := s.voice.StopListening(ctx); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to stop voice session")
	}
	s.mic.close()
}

func (s *session) readLoop() error {
	s.conn.SetReadLimit(s.cfg.MaxUploadBytes * 2)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return errClientGone
		}
		s.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Error().Err(err).Msg("Failed to parse client message")
			s.sendError(fmt.Errorf("invalid message: %w", err))
			continue
		}
		s.dispatch(msg)
	}
}

func (s *session) dispatch(msg ClientMessage) {
	switch msg.Type {
	case msgGenerate:
		if !s.generating.CompareAndSwap(false, true) {
			s.sendError(errors.New("script generation is already in progress"))
			return
		}
		s.group.Go(func() error {
			defer s.generating.Store(false)
			s.generate(msg)
			return nil
		})

	case msgPlay:
		if err := s.narration.Play(); err != nil {
			s.sendError(err)
		}

	case msgPause:
		if err := s.narration.Pause(); err != nil {
			s.sendError(err)
		}

	case msgStop:
		s.narration.Stop()

	case msgListenStart:
		if s.assistant.Status() == assistant.StatusProcessing {
			return
		}
		available := msg.MicAvailable == nil || *msg.MicAvailable
		s.mic.prepare(available, msg.SampleRate)
		s.enqueueAssistant(msgListenStart)

	case msgListenStop:
		s.enqueueAssistant(msgListenStop)

	case msgMicFrame:
		data, err := audio.DecodeBase64ToBytes(msg.Data)
		if err == nil {
			s.metrics.RecordAudioBytes("in", int64(len(data)))
			err = s.mic.push(data, msg.SampleRate)
		}
		if err != nil {
			s.logger.Debug().Err(err).Msg("Dropping malformed microphone frame")
		}

	default:
		s.logger.Warn().Str("type", msg.Type).Msg("Unknown client message")
	}
}

func (s *session) enqueueAssistant(op string) {
	select {
	case s.assistantOps <- op:
	case <-s.ctx.Done():
	}
}

// assistantLoop runs push-to-talk operations in arrival order.
func (s *session) assistantLoop() error {
	for {
		select {
		case <-s.ctx.Done():
			return nil
		case op := <-s.assistantOps:
			switch op {
			case msgListenStart:
				s.assistant.Begin(s.ctx)
			case msgListenStop:
				s.assistant.End(s.ctx)
			}
		}
	}
}

// generate replaces the script. Narration is stopped before the request so
// the old queue never plays alongside the new one.
func (s *session) generate(msg ClientMessage) {
	text := strings.TrimSpace(msg.Text)

	var image *script.Image
	if msg.Image != nil {
		img, err := decodeImage(msg.Image)
		if err != nil {
			s.sendError(err)
			return
		}
		image = img
	}
	if text == "" && image == nil {
		s.sendError(errors.New("please provide text or an image to generate a script"))
		return
	}

	s.narration.Stop()

	s.metrics.RecordModelStart("generate")
	sc, err := s.providers.Generator.Generate(s.ctx, text, image)
	s.metrics.RecordModelEnd("generate", s.providers.GeneratorName, err == nil)
	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		s.logger.Error().Err(err).Msg("Script generation failed")
		s.metrics.RecordError(apperr.Label(err), "generate")
		s.sendError(err)
		return
	}

	s.narration.Load(sc.Paragraphs())
	s.assistant.SetContext(sc)
	s.send(ServerMessage{Type: msgScript, Summary: sc.Summary, Sections: sc.Sections})
}

func decodeImage(p *ImagePayload) (*script.Image, error) {
	if strings.HasPrefix(p.Data, "data:") {
		return script.ParseDataURL(p.Data)
	}
	data, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil || len(data) == 0 || p.MIMEType == "" {
		return nil, apperr.Newf(apperr.ErrGeneration, "parse image", "Invalid image data")
	}
	return &script.Image{Data: data, MIMEType: p.MIMEType}, nil
}

func (s *session) writeLoop() error {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case <-s.ctx.Done():
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil

		case msg := <-s.out:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(msg); err != nil {
				return fmt.Errorf("write %s message: %w", msg.Type, err)
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return fmt.Errorf("write ping: %w", err)
			}
		}
	}
}

// send queues msg for the writer. Messages are dropped once the session ends.
func (s *session) send(msg ServerMessage) bool {
	select {
	case s.out <- msg:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *session) sendError(err error) {
	s.send(ServerMessage{Type: msgError, Message: err.Error()})
}

// sink streams paced PCM of one engine to the client.
func (s *session) sink(stream string) func(pcm []byte, sampleRate, channels int) error {
	return func(pcm []byte, sampleRate, channels int) error {
		ok := s.send(ServerMessage{
			Type:       msgAudio,
			Stream:     stream,
			Data:       base64.StdEncoding.EncodeToString(pcm),
			SampleRate: sampleRate,
			Channels:   channels,
		})
		if !ok {
			return errSessionClosed
		}
		s.metrics.RecordAudioBytes("out", int64(len(pcm)))
		return nil
	}
}
