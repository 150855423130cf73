package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "test-gemini-key")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.GeminiAPIKey != "test-gemini-key" {
		t.Errorf("Expected GeminiAPIKey 'test-gemini-key', got '%s'", cfg.GeminiAPIKey)
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")

	_, err := LoadFromEnv()
	if err == nil {
		t.Fatal("Expected error when GEMINI_API_KEY is missing")
	}
	if !strings.Contains(err.Error(), "GEMINI_API_KEY is required") {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestLoad_ProviderKeys(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "test-gemini-key")
	t.Setenv("SYNTHESIS_PROVIDER", "cartesia")
	t.Setenv("TRANSCRIPTION_PROVIDER", "deepgram")
	t.Setenv("ASSISTANT_PROVIDER", "openai")

	_, err := LoadFromEnv()
	if err == nil {
		t.Fatal("Expected error when provider keys are missing")
	}
	for _, want := range []string{"CARTESIA_API_KEY", "DEEPGRAM_API_KEY", "OPENAI_API_KEY"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Expected error to mention %s, got %v", want, err)
		}
	}

	t.Setenv("CARTESIA_API_KEY", "c")
	t.Setenv("CARTESIA_VOICE_ID", "voice")
	t.Setenv("DEEPGRAM_API_KEY", "d")
	t.Setenv("OPENAI_API_KEY", "o")
	if _, err := LoadFromEnv(); err != nil {
		t.Errorf("Expected config to load with all keys, got %v", err)
	}
}

func TestLoad_UnknownProvider(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "test-gemini-key")
	t.Setenv("SYNTHESIS_PROVIDER", "polly")

	_, err := LoadFromEnv()
	if err == nil || !strings.Contains(err.Error(), "polly") {
		t.Errorf("Expected unsupported provider error, got %v", err)
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "test-gemini-key")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Expected default Port '8080', got '%s'", cfg.Port)
	}
	if cfg.GeminiScriptModel != "gemini-2.5-flash" {
		t.Errorf("Expected default GeminiScriptModel 'gemini-2.5-flash', got '%s'", cfg.GeminiScriptModel)
	}
	if cfg.GeminiTTSVoice != "Kore" {
		t.Errorf("Expected default GeminiTTSVoice 'Kore', got '%s'", cfg.GeminiTTSVoice)
	}
	if cfg.ScriptTemperature != 0.5 {
		t.Errorf("Expected default ScriptTemperature 0.5, got %f", cfg.ScriptTemperature)
	}
	if cfg.PlaybackSampleRate != 24000 {
		t.Errorf("Expected default PlaybackSampleRate 24000, got %d", cfg.PlaybackSampleRate)
	}
	if cfg.CaptureSampleRate != 16000 {
		t.Errorf("Expected default CaptureSampleRate 16000, got %d", cfg.CaptureSampleRate)
	}
	if cfg.MicFrameSamples != 4096 {
		t.Errorf("Expected default MicFrameSamples 4096, got %d", cfg.MicFrameSamples)
	}
	if cfg.PlaybackChunk() != 100*time.Millisecond {
		t.Errorf("Expected default PlaybackChunk 100ms, got %v", cfg.PlaybackChunk())
	}
	if cfg.VoiceFinalGrace() != 2*time.Second {
		t.Errorf("Expected default VoiceFinalGrace 2s, got %v", cfg.VoiceFinalGrace())
	}
	if cfg.VADEnergyThreshold != 500.0 {
		t.Errorf("Expected default VADEnergyThreshold 500.0, got %f", cfg.VADEnergyThreshold)
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "narrator.yaml")
	content := "synthesis_provider: openai\nopenai_api_key: file-key\nplayback_chunk_ms: 40\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	t.Setenv("GEMINI_API_KEY", "test-gemini-key")
	t.Setenv("CONFIG_FILE", path)

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}
	if cfg.SynthesisProvider != "openai" {
		t.Errorf("Expected SynthesisProvider 'openai', got '%s'", cfg.SynthesisProvider)
	}
	if cfg.OpenAIAPIKey != "file-key" {
		t.Errorf("Expected OpenAIAPIKey 'file-key', got '%s'", cfg.OpenAIAPIKey)
	}
	if cfg.PlaybackChunkMs != 40 {
		t.Errorf("Expected PlaybackChunkMs 40, got %d", cfg.PlaybackChunkMs)
	}
	// Untouched keys keep their env defaults
	if cfg.Port != "8080" {
		t.Errorf("Expected Port '8080', got '%s'", cfg.Port)
	}
}

func TestLoad_ConfigFileUnknownKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "narrator.yaml")
	os.WriteFile(path, []byte("no_such_key: 1\n"), 0o600)

	t.Setenv("GEMINI_API_KEY", "test-gemini-key")
	t.Setenv("CONFIG_FILE", path)

	if _, err := LoadFromEnv(); err == nil {
		t.Error("Expected error for unknown config file key")
	}
}

func TestGetEnv(t *testing.T) {
	t.Setenv("TEST_KEY", "test-value")

	value := GetEnv("TEST_KEY", "default")
	if value != "test-value" {
		t.Errorf("Expected 'test-value', got '%s'", value)
	}

	value = GetEnv("NON_EXISTENT_KEY", "default")
	if value != "default" {
		t.Errorf("Expected 'default', got '%s'", value)
	}
}

func TestConfig_ResilienceDefaults(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "test-gemini-key")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}

	if cfg.CircuitBreakerMaxFailures != 5 {
		t.Errorf("Expected default CircuitBreakerMaxFailures 5, got %d", cfg.CircuitBreakerMaxFailures)
	}
	if cfg.CircuitBreakerResetTimeout != 30 {
		t.Errorf("Expected default CircuitBreakerResetTimeout 30, got %d", cfg.CircuitBreakerResetTimeout)
	}
	if cfg.RetryMaxAttempts != 3 {
		t.Errorf("Expected default RetryMaxAttempts 3, got %d", cfg.RetryMaxAttempts)
	}
	if cfg.ReconnectBackoff != 1000 {
		t.Errorf("Expected default ReconnectBackoff 1000, got %d", cfg.ReconnectBackoff)
	}

	if cfg.BreakerReset() != 30*time.Second {
		t.Errorf("Expected BreakerReset 30s, got %v", cfg.BreakerReset())
	}
	retry := cfg.RetryPolicy()
	if retry.MaxAttempts != 3 || retry.InitialBackoff != 100*time.Millisecond {
		t.Errorf("Unexpected retry policy %+v", retry)
	}
	reconnect := cfg.ReconnectPolicy()
	if reconnect.MaxAttempts != 5 || reconnect.Backoff != time.Second {
		t.Errorf("Unexpected reconnect policy %+v", reconnect)
	}
}

func TestConfig_ObservabilityDefaults(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "test-gemini-key")
	// Registers restore on cleanup, then clears so the default applies
	t.Setenv("LOG_LEVEL", "debug")
	os.Unsetenv("LOG_LEVEL")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("Expected default LogLevel 'info', got '%s'", cfg.LogLevel)
	}
	if cfg.LogPretty {
		t.Error("Expected default LogPretty false, got true")
	}
	if !cfg.MetricsEnabled {
		t.Error("Expected default MetricsEnabled true, got false")
	}
}
