// Package server exposes the narrator to browsers: one WebSocket session per
// tab plus a file extraction endpoint.
package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lexiqai/narrator/internal/assistant"
	"github.com/lexiqai/narrator/internal/config"
	"github.com/lexiqai/narrator/internal/extract"
	"github.com/lexiqai/narrator/internal/observability"
	"github.com/lexiqai/narrator/internal/playback"
	"github.com/lexiqai/narrator/internal/script"
	"github.com/lexiqai/narrator/internal/voice"
)

// Providers are the external services shared by every session.
type Providers struct {
	Generator     script.Generator
	Synthesizer   playback.Synthesizer
	Answerer      assistant.Answerer
	Transcription voice.Transport

	// Provider names used as metric labels
	GeneratorName string
	AssistantName string
}

// Server owns the browser-facing handlers and every live session.
type Server struct {
	cfg       *config.Config
	providers Providers
	upgrader  websocket.Upgrader
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a server
func New(cfg *config.Config, providers Providers) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:       cfg,
		providers: providers,
		upgrader: websocket.Upgrader{
			// Browser tabs are served from other origins during development
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger: observability.WithComponent("server"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Register adds the session and extraction routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.HandleWS)
	mux.HandleFunc("/api/extract", s.HandleExtract)
}

// Close ends every session and waits for them to finish.
func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()
}

// HandleWS upgrades the request and serves one session until the client leaves.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	s.wg.Add(1)
	defer s.wg.Done()

	if s.ctx.Err() != nil {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client
		s.logger.Error().Err(err).Msg("Failed to upgrade connection to WebSocket")
		return
	}
	defer conn.Close()

	g, ctx := errgroup.WithContext(s.ctx)
	sess := newSession(ctx, g, conn, s.cfg, s.providers)
	if err := sess.run(); err != nil {
		s.logger.Warn().Err(err).Str("session_id", sess.id).Msg("Session ended with error")
	}
}

type extractResponse struct {
	Kind     extract.Kind `json:"kind"`
	Text     string       `json:"text,omitempty"`
	MIMEType string       `json:"mimeType,omitempty"`
	Data     string       `json:"data,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// HandleExtract turns an uploaded file into text or an inline image.
func (s *Server) HandleExtract(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "file is too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "a multipart file field named 'file' is required"})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "failed to read upload"})
		return
	}

	content, err := extract.Extract(header.Filename, header.Header.Get("Content-Type"), data)
	if err != nil {
		s.logger.Warn().Err(err).Str("file", header.Filename).Msg("Extraction failed")
		observability.RecordError("extract", "server")
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
		return
	}

	resp := extractResponse{Kind: content.Kind, Text: content.Text}
	if content.Kind == extract.KindImage {
		resp.MIMEType = content.MIMEType
		resp.Data = base64.StdEncoding.EncodeToString(content.Data)
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
