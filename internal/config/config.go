package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/lexiqai/narrator/internal/resilience"
)

// Provider names
const (
	ProviderGemini   = "gemini"
	ProviderCartesia = "cartesia"
	ProviderOpenAI   = "openai"
	ProviderDeepgram = "deepgram"
)

// Config holds all configuration for the narrator service
type Config struct {
	// Server configuration
	Port           string `envconfig:"PORT" default:"8080" yaml:"port"`
	GRPCHealthPort string `envconfig:"GRPC_HEALTH_PORT" default:"9090" yaml:"grpc_health_port"`
	MaxUploadBytes int64  `envconfig:"MAX_UPLOAD_BYTES" default:"20971520" yaml:"max_upload_bytes"`

	// Optional YAML file applied on top of the environment
	ConfigFile string `envconfig:"CONFIG_FILE" default:"" yaml:"-"`

	// Provider selection
	SynthesisProvider     string `envconfig:"SYNTHESIS_PROVIDER" default:"gemini" yaml:"synthesis_provider"`         // gemini, cartesia, openai
	TranscriptionProvider string `envconfig:"TRANSCRIPTION_PROVIDER" default:"gemini" yaml:"transcription_provider"` // gemini, deepgram
	AssistantProvider     string `envconfig:"ASSISTANT_PROVIDER" default:"gemini" yaml:"assistant_provider"`         // gemini, openai

	// Gemini configuration
	GeminiAPIKey      string  `envconfig:"GEMINI_API_KEY" yaml:"gemini_api_key"`
	GeminiScriptModel string  `envconfig:"GEMINI_SCRIPT_MODEL" default:"gemini-2.5-flash" yaml:"gemini_script_model"`
	GeminiTTSModel    string  `envconfig:"GEMINI_TTS_MODEL" default:"gemini-2.5-flash-preview-tts" yaml:"gemini_tts_model"`
	GeminiTTSVoice    string  `envconfig:"GEMINI_TTS_VOICE" default:"Kore" yaml:"gemini_tts_voice"`
	GeminiLiveModel   string  `envconfig:"GEMINI_LIVE_MODEL" default:"gemini-2.5-flash-native-audio-preview-09-2025" yaml:"gemini_live_model"`
	GeminiLiveURL     string  `envconfig:"GEMINI_LIVE_URL" default:"" yaml:"gemini_live_url"` // empty uses the public endpoint
	ScriptTemperature float32 `envconfig:"SCRIPT_TEMPERATURE" default:"0.5" yaml:"script_temperature"`

	// Deepgram STT configuration
	DeepgramAPIKey   string `envconfig:"DEEPGRAM_API_KEY" yaml:"deepgram_api_key"`
	DeepgramModel    string `envconfig:"DEEPGRAM_MODEL" default:"nova-2" yaml:"deepgram_model"` // nova-2, enhanced, base
	DeepgramLanguage string `envconfig:"DEEPGRAM_LANGUAGE" default:"en" yaml:"deepgram_language"`

	// Cartesia TTS configuration
	CartesiaAPIKey  string `envconfig:"CARTESIA_API_KEY" yaml:"cartesia_api_key"`
	CartesiaVoiceID string `envconfig:"CARTESIA_VOICE_ID" default:"" yaml:"cartesia_voice_id"`
	CartesiaModelID string `envconfig:"CARTESIA_MODEL_ID" default:"sonic-2" yaml:"cartesia_model_id"`
	CartesiaBaseURL string `envconfig:"CARTESIA_BASE_URL" default:"https://api.cartesia.ai" yaml:"cartesia_base_url"`

	// OpenAI configuration
	OpenAIAPIKey    string `envconfig:"OPENAI_API_KEY" yaml:"openai_api_key"`
	OpenAITTSModel  string `envconfig:"OPENAI_TTS_MODEL" default:"gpt-4o-mini-tts" yaml:"openai_tts_model"`
	OpenAITTSVoice  string `envconfig:"OPENAI_TTS_VOICE" default:"alloy" yaml:"openai_tts_voice"`
	OpenAIChatModel string `envconfig:"OPENAI_CHAT_MODEL" default:"gpt-4o-mini" yaml:"openai_chat_model"`

	// Audio configuration
	PlaybackSampleRate int     `envconfig:"PLAYBACK_SAMPLE_RATE" default:"24000" yaml:"playback_sample_rate"`
	PlaybackChannels   int     `envconfig:"PLAYBACK_CHANNELS" default:"1" yaml:"playback_channels"`
	PlaybackChunkMs    int     `envconfig:"PLAYBACK_CHUNK_MS" default:"100" yaml:"playback_chunk_ms"`
	CaptureSampleRate  int     `envconfig:"CAPTURE_SAMPLE_RATE" default:"16000" yaml:"capture_sample_rate"`
	MicFrameSamples    int     `envconfig:"MIC_FRAME_SAMPLES" default:"4096" yaml:"mic_frame_samples"`
	VoiceFinalGraceMs  int     `envconfig:"VOICE_FINAL_GRACE_MS" default:"2000" yaml:"voice_final_grace_ms"`
	VADEnergyThreshold float64 `envconfig:"VAD_ENERGY_THRESHOLD" default:"500.0" yaml:"vad_energy_threshold"` // RMS energy threshold for VAD
	VADSilenceFrames   int     `envconfig:"VAD_SILENCE_FRAMES" default:"10" yaml:"vad_silence_frames"`        // Frames of silence to mark speech end

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5" yaml:"circuit_breaker_max_failures"`    // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30" yaml:"circuit_breaker_reset_timeout"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3" yaml:"retry_max_attempts"`
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100" yaml:"retry_initial_backoff"` // milliseconds
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5" yaml:"reconnect_max_attempts"`
	ReconnectBackoff           int `envconfig:"RECONNECT_BACKOFF" default:"1000" yaml:"reconnect_backoff"` // milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info" yaml:"log_level"` // debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false" yaml:"log_pretty"`
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true" yaml:"metrics_enabled"`
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if one exists.
func Load() (*Config, error) {
	// Ignore error if .env doesn't exist
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.ConfigFile != "" {
		if err := cfg.applyFile(cfg.ConfigFile); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyFile overlays the keys present in a YAML file. Unknown keys are rejected.
func (c *Config) applyFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// Validate checks provider names and that each selected provider has a key.
func (c *Config) Validate() error {
	var errs []error

	switch c.SynthesisProvider {
	case ProviderGemini, ProviderCartesia, ProviderOpenAI:
	default:
		errs = append(errs, fmt.Errorf("SYNTHESIS_PROVIDER %q is not supported", c.SynthesisProvider))
	}
	switch c.TranscriptionProvider {
	case ProviderGemini, ProviderDeepgram:
	default:
		errs = append(errs, fmt.Errorf("TRANSCRIPTION_PROVIDER %q is not supported", c.TranscriptionProvider))
	}
	switch c.AssistantProvider {
	case ProviderGemini, ProviderOpenAI:
	default:
		errs = append(errs, fmt.Errorf("ASSISTANT_PROVIDER %q is not supported", c.AssistantProvider))
	}

	// Script generation always runs on Gemini
	if c.GeminiAPIKey == "" {
		errs = append(errs, errors.New("GEMINI_API_KEY is required"))
	}
	if c.uses(ProviderCartesia) && (c.CartesiaAPIKey == "" || c.CartesiaVoiceID == "") {
		errs = append(errs, errors.New("CARTESIA_API_KEY and CARTESIA_VOICE_ID are required"))
	}
	if c.uses(ProviderOpenAI) && c.OpenAIAPIKey == "" {
		errs = append(errs, errors.New("OPENAI_API_KEY is required"))
	}
	if c.uses(ProviderDeepgram) && c.DeepgramAPIKey == "" {
		errs = append(errs, errors.New("DEEPGRAM_API_KEY is required"))
	}

	if c.PlaybackSampleRate <= 0 || c.PlaybackChannels <= 0 || c.CaptureSampleRate <= 0 {
		errs = append(errs, errors.New("sample rates and channel counts must be positive"))
	}
	if c.MicFrameSamples <= 0 || c.PlaybackChunkMs <= 0 {
		errs = append(errs, errors.New("MIC_FRAME_SAMPLES and PLAYBACK_CHUNK_MS must be positive"))
	}

	return errors.Join(errs...)
}

func (c *Config) uses(provider string) bool {
	return c.SynthesisProvider == provider || c.TranscriptionProvider == provider || c.AssistantProvider == provider
}

// PlaybackChunk is the device pacing interval
func (c *Config) PlaybackChunk() time.Duration {
	return time.Duration(c.PlaybackChunkMs) * time.Millisecond
}

// VoiceFinalGrace is how long a stopping voice session waits for the remote turn to complete
func (c *Config) VoiceFinalGrace() time.Duration {
	return time.Duration(c.VoiceFinalGraceMs) * time.Millisecond
}

// BreakerReset is how long an open circuit waits before probing again
func (c *Config) BreakerReset() time.Duration {
	return time.Duration(c.CircuitBreakerResetTimeout) * time.Second
}

// RetryPolicy builds the retry settings for script generation and answering.
func (c *Config) RetryPolicy() *resilience.RetryConfig {
	policy := resilience.DefaultRetryConfig()
	if c.RetryMaxAttempts > 0 {
		policy.MaxAttempts = c.RetryMaxAttempts
	}
	if c.RetryInitialBackoff > 0 {
		policy.InitialBackoff = time.Duration(c.RetryInitialBackoff) * time.Millisecond
	}
	return policy
}

// ReconnectPolicy builds the reconnect settings for streaming transcription.
func (c *Config) ReconnectPolicy() *resilience.ReconnectConfig {
	policy := resilience.DefaultReconnectConfig()
	if c.ReconnectMaxAttempts > 0 {
		policy.MaxAttempts = c.ReconnectMaxAttempts
	}
	if c.ReconnectBackoff > 0 {
		policy.Backoff = time.Duration(c.ReconnectBackoff) * time.Millisecond
	}
	return policy
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
