package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "narrator_active_sessions",
		Help: "Number of connected client sessions",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "narrator_sessions_total",
		Help: "Total number of client sessions",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "narrator_session_duration_seconds",
		Help:    "Duration of client sessions in seconds",
		Buckets: []float64{10, 30, 60, 300, 600, 1800, 3600},
	})

	// Playback metrics
	activePlayback = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "narrator_playback_active",
		Help: "Number of playback engines currently playing or paused",
	}, []string{"engine"})

	playbackEnds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "narrator_playback_ends_total",
		Help: "Playback session ends by reason",
	}, []string{"engine", "reason"}) // reason: "completed", "stopped", "failed"

	cacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "narrator_playback_cache_hits_total",
		Help: "Units served from the in-session audio cache",
	}, []string{"engine"})

	prefetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "narrator_playback_prefetch_total",
		Help: "Prefetch requests by outcome",
	}, []string{"engine", "status"})

	// Synthesis metrics
	synthesisRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "narrator_synthesis_requests_total",
		Help: "Total number of speech synthesis requests",
	}, []string{"provider", "status"})

	synthesisLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "narrator_synthesis_latency_seconds",
		Help:    "Speech synthesis latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	}, []string{"provider"})

	// Model metrics
	modelRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "narrator_model_requests_total",
		Help: "Script generation and question answering requests",
	}, []string{"operation", "provider", "status"})

	modelLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "narrator_model_latency_seconds",
		Help:    "Script generation and question answering latency in seconds",
		Buckets: []float64{0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
	}, []string{"operation"})

	// Voice metrics
	activeVoiceSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "narrator_voice_sessions_active",
		Help: "Number of live transcription sessions",
	})

	voiceSessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "narrator_voice_sessions_total",
		Help: "Live transcription sessions by outcome",
	}, []string{"outcome"}) // outcome: "transcript", "abandoned", "failed"

	speechSegments = promauto.NewCounter(prometheus.CounterOpts{
		Name: "narrator_voice_speech_segments_total",
		Help: "Speech segments detected by voice activity detection",
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "narrator_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "narrator_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "narrator_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	// Audio metrics
	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "narrator_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // direction: "in" or "out"
)

// SessionMetrics tracks metrics for a single client session
type SessionMetrics struct {
	sessionID      string
	startTime      time.Time
	modelStartTime map[string]time.Time
	mu             sync.Mutex
}

// NewSessionMetrics creates a new metrics tracker for a client session
func NewSessionMetrics(sessionID string) *SessionMetrics {
	return &SessionMetrics{
		sessionID:      sessionID,
		startTime:      time.Now(),
		modelStartTime: make(map[string]time.Time),
	}
}

// RecordSessionStart records the start of a session
func (m *SessionMetrics) RecordSessionStart() {
	activeSessions.Inc()
	totalSessions.Inc()
}

// RecordSessionEnd records the end of a session
func (m *SessionMetrics) RecordSessionEnd() {
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordModelStart records the start of a model call ("generate" or "answer")
func (m *SessionMetrics) RecordModelStart(operation string) {
	m.mu.Lock()
	m.modelStartTime[operation] = time.Now()
	m.mu.Unlock()
}

// RecordModelEnd records the end of a model call
func (m *SessionMetrics) RecordModelEnd(operation, provider string, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if start, ok := m.modelStartTime[operation]; ok {
		modelLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
		delete(m.modelStartTime, operation)
	}
	modelRequests.WithLabelValues(operation, provider, status(success)).Inc()
}

// RecordError records an error
func (m *SessionMetrics) RecordError(errorType, component string) {
	RecordError(errorType, component)
}

// RecordAudioBytes records audio bytes processed
func (m *SessionMetrics) RecordAudioBytes(direction string, bytes int64) {
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))
}

// RecordError records an error outside of a session
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordSynthesis records a synthesis request and its latency
func RecordSynthesis(provider string, latency time.Duration, success bool) {
	synthesisLatency.WithLabelValues(provider).Observe(latency.Seconds())
	synthesisRequests.WithLabelValues(provider, status(success)).Inc()
}

// RecordPlaybackStart marks an engine as active
func RecordPlaybackStart(engine string) {
	activePlayback.WithLabelValues(engine).Inc()
}

// RecordPlaybackEnd marks an engine as idle again
func RecordPlaybackEnd(engine, reason string) {
	activePlayback.WithLabelValues(engine).Dec()
	playbackEnds.WithLabelValues(engine, reason).Inc()
}

// RecordCacheHit records a unit served from cache
func RecordCacheHit(engine string) {
	cacheHits.WithLabelValues(engine).Inc()
}

// RecordPrefetch records a prefetch outcome
func RecordPrefetch(engine string, success bool) {
	prefetches.WithLabelValues(engine, status(success)).Inc()
}

// RecordVoiceSessionStart records a live transcription session opening
func RecordVoiceSessionStart() {
	activeVoiceSessions.Inc()
}

// RecordVoiceSessionEnd records a live transcription session closing
func RecordVoiceSessionEnd(outcome string) {
	activeVoiceSessions.Dec()
	voiceSessions.WithLabelValues(outcome).Inc()
}

// RecordSpeechSegment records a detected speech segment
func RecordSpeechSegment() {
	speechSegments.Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
