// Package tts provides speech synthesizers for narration playback.
package tts

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/narrator/internal/apperr"
	"github.com/lexiqai/narrator/internal/audio"
	"github.com/lexiqai/narrator/internal/observability"
	"github.com/lexiqai/narrator/internal/resilience"
)

const cartesiaVersion = "2024-11-13"

// CartesiaOptions configures a CartesiaClient
type CartesiaOptions struct {
	APIKey     string
	VoiceID    string
	ModelID    string
	BaseURL    string
	SampleRate int

	BreakerMaxFailures int
	BreakerReset       time.Duration
	HTTPClient         *http.Client
	Logger             *zerolog.Logger
}

// CartesiaClient synthesizes raw PCM through Cartesia's bytes endpoint.
type CartesiaClient struct {
	opts           CartesiaOptions
	httpClient     *http.Client
	circuitBreaker *resilience.CircuitBreaker
	logger         zerolog.Logger
}

type cartesiaRequest struct {
	ModelID      string               `json:"model_id"`
	Transcript   string               `json:"transcript"`
	Voice        cartesiaVoice        `json:"voice"`
	OutputFormat cartesiaOutputFormat `json:"output_format"`
	Language     string               `json:"language,omitempty"`
}

type cartesiaVoice struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type cartesiaOutputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

// NewCartesiaClient creates a new Cartesia TTS client
func NewCartesiaClient(opts CartesiaOptions) *CartesiaClient {
	if opts.ModelID == "" {
		opts.ModelID = "sonic-2"
	}
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.cartesia.ai"
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = audio.SpeechSampleRate
	}
	if opts.BreakerMaxFailures <= 0 {
		opts.BreakerMaxFailures = 5
	}
	if opts.BreakerReset <= 0 {
		opts.BreakerReset = 30 * time.Second
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := observability.WithComponent("cartesia")
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	circuitBreaker := resilience.NewCircuitBreaker("cartesia", opts.BreakerMaxFailures, opts.BreakerReset)
	circuitBreaker.OnStateChange(func(name string, state resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(state))
	})
	circuitBreaker.OnFailure(observability.IncrementCircuitBreakerFailures)

	return &CartesiaClient{
		opts:           opts,
		httpClient:     httpClient,
		circuitBreaker: circuitBreaker,
		logger:         logger,
	}
}

// Ready reports false while the circuit is open
func (c *CartesiaClient) Ready(ctx context.Context) (bool, error) {
	if err := resilience.CheckBreakers(c.circuitBreaker); err != nil {
		return false, err
	}
	return true, nil
}

// Synthesize returns base64 raw little-endian 16-bit mono PCM for text.
func (c *CartesiaClient) Synthesize(ctx context.Context, text string) (string, error) {
	reqBody := cartesiaRequest{
		ModelID:    c.opts.ModelID,
		Transcript: text,
		Voice:      cartesiaVoice{Mode: "id", ID: c.opts.VoiceID},
		OutputFormat: cartesiaOutputFormat{
			Container:  "raw",
			Encoding:   "pcm_s16le",
			SampleRate: c.opts.SampleRate,
		},
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", apperr.Synthesis("cartesia", fmt.Errorf("failed to marshal request: %w", err))
	}

	start := time.Now()
	var pcm []byte
	err = c.circuitBreaker.Call(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			strings.TrimSuffix(c.opts.BaseURL, "/")+"/tts/bytes", bytes.NewReader(jsonData))
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-API-Key", c.opts.APIKey)
		req.Header.Set("Cartesia-Version", cartesiaVersion)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("failed to make request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("cartesia API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}

		pcm, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read audio: %w", err)
		}
		if len(pcm) == 0 {
			return fmt.Errorf("cartesia returned empty audio data")
		}
		return nil
	})
	observability.RecordSynthesis("cartesia", time.Since(start), err == nil)
	if err != nil {
		c.logger.Error().Err(err).Int("chars", len(text)).Msg("Cartesia synthesis failed")
		return "", apperr.Synthesis("cartesia", err)
	}

	c.logger.Debug().
		Int("chars", len(text)).
		Int("bytes", len(pcm)).
		Dur("latency", time.Since(start)).
		Msg("Cartesia synthesis complete")
	return base64.StdEncoding.EncodeToString(pcm), nil
}
