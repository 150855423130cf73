package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lexiqai/narrator/internal/config"
	"github.com/lexiqai/narrator/internal/gemini"
	"github.com/lexiqai/narrator/internal/observability"
	"github.com/lexiqai/narrator/internal/openai"
	"github.com/lexiqai/narrator/internal/server"
	"github.com/lexiqai/narrator/internal/stt"
	"github.com/lexiqai/narrator/internal/tts"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("synthesis_provider", cfg.SynthesisProvider).
		Str("transcription_provider", cfg.TranscriptionProvider).
		Str("assistant_provider", cfg.AssistantProvider).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Narrator service starting")

	providers, checks, err := buildProviders(context.Background(), cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create providers")
	}

	srv := server.New(cfg, providers)

	// Create HTTP server
	mux := http.NewServeMux()
	srv.Register(mux)
	mux.HandleFunc("/health", observability.HealthCheckHandler())
	mux.HandleFunc("/ready", observability.ReadinessHandler(checks))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// Sessions set their own deadlines once upgraded
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	grpcHealth := observability.NewGRPCHealthServer()
	lis, err := net.Listen("tcp", fmt.Sprintf(":%s", cfg.GRPCHealthPort))
	if err != nil {
		logger.Fatal().Err(err).Str("port", cfg.GRPCHealthPort).Msg("Failed to listen for gRPC health checks")
	}
	go func() {
		if err := grpcHealth.Serve(lis); err != nil {
			logger.Error().Err(err).Msg("gRPC health server stopped")
		}
	}()

	// Start server in a goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s/ws", cfg.Port)).
			Msg("Server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()
	grpcHealth.SetServing(true)

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")
	grpcHealth.SetServing(false)

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}
	// Hijacked WebSocket connections are not covered by Shutdown
	srv.Close()
	grpcHealth.Stop()

	logger.Info().Msg("Server exited gracefully")
}

// buildProviders wires the configured external services. Script generation
// always runs on Gemini; the other roles follow the provider settings.
func buildProviders(ctx context.Context, cfg *config.Config) (server.Providers, map[string]observability.HealthCheckFunc, error) {
	checks := make(map[string]observability.HealthCheckFunc)

	gem, err := gemini.NewClient(ctx, gemini.Options{
		APIKey:             cfg.GeminiAPIKey,
		ScriptModel:        cfg.GeminiScriptModel,
		TTSModel:           cfg.GeminiTTSModel,
		Voice:              cfg.GeminiTTSVoice,
		Temperature:        cfg.ScriptTemperature,
		Retry:              cfg.RetryPolicy(),
		BreakerMaxFailures: cfg.CircuitBreakerMaxFailures,
		BreakerReset:       cfg.BreakerReset(),
	})
	if err != nil {
		return server.Providers{}, nil, err
	}
	checks[config.ProviderGemini] = gem.Ready

	providers := server.Providers{
		Generator:     gem,
		Synthesizer:   gem,
		Answerer:      gem,
		GeneratorName: config.ProviderGemini,
		AssistantName: cfg.AssistantProvider,
	}

	var oa *openai.Client
	if cfg.SynthesisProvider == config.ProviderOpenAI || cfg.AssistantProvider == config.ProviderOpenAI {
		oa, err = openai.NewClient(openai.Options{
			APIKey:             cfg.OpenAIAPIKey,
			TTSModel:           cfg.OpenAITTSModel,
			Voice:              cfg.OpenAITTSVoice,
			ChatModel:          cfg.OpenAIChatModel,
			Retry:              cfg.RetryPolicy(),
			BreakerMaxFailures: cfg.CircuitBreakerMaxFailures,
			BreakerReset:       cfg.BreakerReset(),
		})
		if err != nil {
			return server.Providers{}, nil, err
		}
		checks[config.ProviderOpenAI] = oa.Ready
	}

	switch cfg.SynthesisProvider {
	case config.ProviderCartesia:
		cartesia := tts.NewCartesiaClient(tts.CartesiaOptions{
			APIKey:             cfg.CartesiaAPIKey,
			VoiceID:            cfg.CartesiaVoiceID,
			ModelID:            cfg.CartesiaModelID,
			BaseURL:            cfg.CartesiaBaseURL,
			SampleRate:         cfg.PlaybackSampleRate,
			BreakerMaxFailures: cfg.CircuitBreakerMaxFailures,
			BreakerReset:       cfg.BreakerReset(),
		})
		providers.Synthesizer = cartesia
		checks[config.ProviderCartesia] = cartesia.Ready
	case config.ProviderOpenAI:
		providers.Synthesizer = oa
	}

	if cfg.AssistantProvider == config.ProviderOpenAI {
		providers.Answerer = oa
	}

	switch cfg.TranscriptionProvider {
	case config.ProviderDeepgram:
		deepgram := stt.NewDeepgramTransport(stt.Options{
			APIKey:             cfg.DeepgramAPIKey,
			Model:              cfg.DeepgramModel,
			Language:           cfg.DeepgramLanguage,
			SampleRate:         cfg.CaptureSampleRate,
			BreakerMaxFailures: cfg.CircuitBreakerMaxFailures,
			BreakerReset:       cfg.BreakerReset(),
			Reconnect:          cfg.ReconnectPolicy(),
		})
		providers.Transcription = deepgram
		checks[config.ProviderDeepgram] = deepgram.Ready
	default:
		providers.Transcription = gemini.NewLiveTransport(cfg.GeminiAPIKey,
			gemini.WithLiveModel(cfg.GeminiLiveModel),
			gemini.WithLiveBaseURL(cfg.GeminiLiveURL))
	}

	return providers, checks, nil
}
