// Package openai provides a speech synthesizer and a question answerer backed
// by the OpenAI API.
package openai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"github.com/rs/zerolog"

	"github.com/lexiqai/narrator/internal/apperr"
	"github.com/lexiqai/narrator/internal/observability"
	"github.com/lexiqai/narrator/internal/resilience"
)

const provider = "openai"

const answerInstructions = `You answer questions about a document the user is listening to.
Use ONLY the context supplied with the question. If the context does not contain the answer,
say that it cannot be found in the provided text. Keep answers short; they are read aloud.`

// Options configures a Client
type Options struct {
	APIKey    string
	BaseURL   string
	TTSModel  string
	Voice     string
	ChatModel string

	Retry              *resilience.RetryConfig
	BreakerMaxFailures int
	BreakerReset       time.Duration
	Timeout            time.Duration
	Logger             *zerolog.Logger
}

// Client implements playback.Synthesizer and assistant.Answerer.
type Client struct {
	client    oai.Client
	ttsModel  string
	voice     string
	chatModel string
	retry     *resilience.RetryConfig

	speechBreaker *resilience.CircuitBreaker
	answerBreaker *resilience.CircuitBreaker

	logger zerolog.Logger
}

// NewClient constructs an OpenAI client
func NewClient(opts Options) (*Client, error) {
	if opts.APIKey == "" {
		return nil, errors.New("openai: api key must not be empty")
	}
	if opts.TTSModel == "" {
		opts.TTSModel = "gpt-4o-mini-tts"
	}
	if opts.Voice == "" {
		opts.Voice = "alloy"
	}
	if opts.ChatModel == "" {
		opts.ChatModel = "gpt-4o-mini"
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
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	logger := observability.WithComponent(provider)
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	// Retries are driven by resilience.Retry so the SDK's own loop is disabled
	reqOpts := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		option.WithMaxRetries(0),
		option.WithHTTPClient(&http.Client{Timeout: opts.Timeout}),
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}

	return &Client{
		client:        oai.NewClient(reqOpts...),
		ttsModel:      opts.TTSModel,
		voice:         opts.Voice,
		chatModel:     opts.ChatModel,
		retry:         opts.Retry,
		speechBreaker: newBreaker("openai_speech", opts),
		answerBreaker: newBreaker("openai_answer", opts),
		logger:        logger,
	}, nil
}

func newBreaker(name string, opts Options) *resilience.CircuitBreaker {
	cb := resilience.NewCircuitBreaker(name, opts.BreakerMaxFailures, opts.BreakerReset)
	cb.OnStateChange(func(name string, state resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(state))
	})
	cb.OnFailure(observability.IncrementCircuitBreakerFailures)
	return cb
}

// Ready reports false while the speech or answer circuit is open.
func (c *Client) Ready(ctx context.Context) (bool, error) {
	if err := resilience.CheckBreakers(c.speechBreaker, c.answerBreaker); err != nil {
		return false, err
	}
	return true, nil
}

// Synthesize returns base64 raw 24 kHz mono 16-bit PCM for text.
func (c *Client) Synthesize(ctx context.Context, text string) (string, error) {
	params := oai.AudioSpeechNewParams{
		Input:          text,
		Model:          oai.SpeechModel(c.ttsModel),
		Voice:          oai.AudioSpeechNewParamsVoice(c.voice),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatPCM,
	}

	start := time.Now()
	var pcm []byte
	err := c.speechBreaker.Call(ctx, func(ctx context.Context) error {
		resp, err := c.client.Audio.Speech.New(ctx, params)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		pcm, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read audio: %w", err)
		}
		if len(pcm) == 0 {
			return errors.New("openai returned empty audio data")
		}
		return nil
	})
	observability.RecordSynthesis(provider, time.Since(start), err == nil)
	if err != nil {
		c.logger.Error().Err(err).Int("chars", len(text)).Msg("OpenAI synthesis failed")
		return "", apperr.Synthesis("openai speech", err)
	}
	return base64.StdEncoding.EncodeToString(pcm), nil
}

// Answer answers question from contextText only.
func (c *Client) Answer(ctx context.Context, question, contextText string) (string, error) {
	params := oai.ChatCompletionNewParams{
		Model: shared.ChatModel(c.chatModel),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(answerInstructions),
			oai.UserMessage(fmt.Sprintf("CONTEXT:\n---\n%s\n---\n\nQUESTION:\n%s", contextText, question)),
		},
	}

	var answer string
	err := c.answerBreaker.Call(ctx, func(ctx context.Context) error {
		return resilience.Retry(ctx, func(ctx context.Context) error {
			resp, err := c.client.Chat.Completions.New(ctx, params)
			if err != nil {
				return err
			}
			if len(resp.Choices) == 0 {
				return errors.New("empty choices in response")
			}
			answer = strings.TrimSpace(resp.Choices[0].Message.Content)
			return nil
		}, c.retry, retryable)
	})
	if err != nil {
		c.logger.Error().Err(err).Msg("OpenAI answer failed")
		return "", apperr.Assistant("openai answer", err)
	}
	if answer == "" {
		return "", apperr.Newf(apperr.ErrAssistant, "openai answer", "empty answer")
	}
	return answer, nil
}

func retryable(err error) bool {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}
	return resilience.IsRetryableNetworkError(err)
}
