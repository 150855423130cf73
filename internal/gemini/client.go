// Package gemini adapts the Gemini API to script generation, speech synthesis,
// grounded question answering and realtime transcription.
package gemini

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/genai"

	"github.com/lexiqai/narrator/internal/apperr"
	"github.com/lexiqai/narrator/internal/observability"
	"github.com/lexiqai/narrator/internal/resilience"
	"github.com/lexiqai/narrator/internal/script"
)

const provider = "gemini"

// Options configures a Client
type Options struct {
	APIKey      string
	ScriptModel string
	TTSModel    string
	Voice       string
	Temperature float32

	Retry              *resilience.RetryConfig
	BreakerMaxFailures int
	BreakerReset       time.Duration
	Logger             *zerolog.Logger
}

// models is the part of the genai client the Client uses
type models interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Client implements script.Generator, playback.Synthesizer and assistant.Answerer.
type Client struct {
	models      models
	scriptModel string
	ttsModel    string
	voice       string
	temperature float32
	retry       *resilience.RetryConfig

	generateBreaker *resilience.CircuitBreaker
	speechBreaker   *resilience.CircuitBreaker
	answerBreaker   *resilience.CircuitBreaker

	logger zerolog.Logger
}

// NewClient creates a client for the Gemini developer API
func NewClient(ctx context.Context, opts Options) (*Client, error) {
	if opts.APIKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  opts.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return newClient(gc.Models, opts), nil
}

func newClient(m models, opts Options) *Client {
	if opts.ScriptModel == "" {
		opts.ScriptModel = "gemini-2.5-flash"
	}
	if opts.TTSModel == "" {
		opts.TTSModel = "gemini-2.5-flash-preview-tts"
	}
	if opts.Voice == "" {
		opts.Voice = "Kore"
	}
	if opts.Retry == nil {
		opts.Retry = resilience.DefaultRetryConfig()
	}
	if opts.BreakerMaxFailures <= 0 {
		opts.BreakerMaxFailures = 5
	}
	if opts.BreakerReset <= 0 {
		opts.BreakerReset = 30 * time.Second
	}
	logger := observability.WithComponent("gemini")
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	return &Client{
		models:          m,
		scriptModel:     opts.ScriptModel,
		ttsModel:        opts.TTSModel,
		voice:           opts.Voice,
		temperature:     opts.Temperature,
		retry:           opts.Retry,
		generateBreaker: newBreaker("gemini_generate", opts),
		speechBreaker:   newBreaker("gemini_speech", opts),
		answerBreaker:   newBreaker("gemini_answer", opts),
		logger:          logger,
	}
}

func newBreaker(name string, opts Options) *resilience.CircuitBreaker {
	cb := resilience.NewCircuitBreaker(name, opts.BreakerMaxFailures, opts.BreakerReset)
	cb.OnStateChange(func(name string, state resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(state))
	})
	cb.OnFailure(observability.IncrementCircuitBreakerFailures)
	return cb
}

// Ready reports false while any of the client's circuit breakers is open.
func (c *Client) Ready(ctx context.Context) (bool, error) {
	if err := resilience.CheckBreakers(c.generateBreaker, c.speechBreaker, c.answerBreaker); err != nil {
		return false, err
	}
	return true, nil
}

// Generate produces a narration script from text and an optional image.
func (c *Client) Generate(ctx context.Context, text string, image *script.Image) (*script.Script, error) {
	parts := make([]*genai.Part, 0, 2)
	if image != nil {
		if len(image.Data) == 0 || image.MIMEType == "" {
			return nil, apperr.Newf(apperr.ErrGeneration, "generate script", "Invalid image data")
		}
		parts = append(parts, genai.NewPartFromBytes(image.Data, image.MIMEType))
	}
	parts = append(parts, genai.NewPartFromText(scriptPrompt(text)))

	config := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema:   scriptSchema(),
		Temperature:      genai.Ptr(c.temperature),
	}

	start := time.Now()
	var s *script.Script
	err := c.generateBreaker.Call(ctx, func(ctx context.Context) error {
		return resilience.Retry(ctx, func(ctx context.Context) error {
			resp, err := c.models.GenerateContent(ctx, c.scriptModel,
				[]*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}, config)
			if err != nil {
				return err
			}
			parsed, err := script.Parse([]byte(strings.TrimSpace(resp.Text())))
			if err != nil {
				// malformed output is worth another attempt
				return resilience.NewRetryableError(err)
			}
			s = parsed
			return nil
		}, c.retry, retryable)
	})
	if err != nil {
		c.logger.Error().Err(err).Dur("latency", time.Since(start)).Msg("Script generation failed")
		return nil, apperr.Generation("generate script", err)
	}

	c.logger.Info().
		Int("sections", len(s.Sections)).
		Int("paragraphs", len(s.Paragraphs())).
		Dur("latency", time.Since(start)).
		Msg("Script generated")
	return s, nil
}

// Synthesize returns base64 raw 24 kHz mono 16-bit PCM for text.
// Synthesis is not retried; the playback engine treats a failure as fatal for the unit.
func (c *Client) Synthesize(ctx context.Context, text string) (string, error) {
	config := &genai.GenerateContentConfig{
		ResponseModalities: []string{"AUDIO"},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: c.voice},
			},
		},
	}

	start := time.Now()
	var data []byte
	err := c.speechBreaker.Call(ctx, func(ctx context.Context) error {
		resp, err := c.models.GenerateContent(ctx, c.ttsModel,
			[]*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}, config)
		if err != nil {
			return err
		}
		data = inlineAudio(resp)
		if len(data) == 0 {
			return errors.New("no audio data in response")
		}
		return nil
	})
	observability.RecordSynthesis(provider, time.Since(start), err == nil)
	if err != nil {
		return "", apperr.Synthesis("gemini speech", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func inlineAudio(resp *genai.GenerateContentResponse) []byte {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil
	}
	content := resp.Candidates[0].Content
	if content == nil {
		return nil
	}
	for _, part := range content.Parts {
		if part != nil && part.InlineData != nil && len(part.InlineData.Data) > 0 {
			return part.InlineData.Data
		}
	}
	return nil
}

// Answer answers question from the given context only.
func (c *Client) Answer(ctx context.Context, question, contextText string) (string, error) {
	var answer string
	err := c.answerBreaker.Call(ctx, func(ctx context.Context) error {
		return resilience.Retry(ctx, func(ctx context.Context) error {
			resp, err := c.models.GenerateContent(ctx, c.scriptModel,
				genai.Text(answerPrompt(question, contextText)), nil)
			if err != nil {
				return err
			}
			answer = strings.TrimSpace(resp.Text())
			return nil
		}, c.retry, retryable)
	})
	if err != nil {
		return "", apperr.Assistant("gemini answer", err)
	}
	if answer == "" {
		return "", apperr.Newf(apperr.ErrAssistant, "gemini answer", "empty answer")
	}
	return answer, nil
}

func retryable(err error) bool {
	if resilience.IsRetryable(err) {
		return true
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == 429 || apiErr.Code >= 500
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return apiErrPtr.Code == 429 || apiErrPtr.Code >= 500
	}
	return resilience.IsRetryableNetworkError(err)
}
