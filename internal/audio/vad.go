package audio

import (
	"sync"
)

// VADConfig holds configuration for Voice Activity Detection
type VADConfig struct {
	EnergyThreshold float64 // RMS threshold on the int16 scale
	SilenceFrames   int     // Consecutive silent frames that end a speech segment
}

// DefaultVADConfig returns a default VAD configuration
func DefaultVADConfig() *VADConfig {
	return &VADConfig{
		EnergyThreshold: 500.0,
		SilenceFrames:   10,
	}
}

// VADEvent is the result of feeding one frame to the detector
type VADEvent struct {
	Speaking bool
	Started  bool // speech began on this frame
	Ended    bool // enough silence followed speech
}

// VADDetector performs energy based Voice Activity Detection. Safe for concurrent use.
type VADDetector struct {
	config         VADConfig
	mu             sync.Mutex
	silenceCounter int
	isSpeaking     bool
}

// NewVADDetector creates a new VAD detector
func NewVADDetector(config *VADConfig) *VADDetector {
	if config == nil {
		config = DefaultVADConfig()
	}
	return &VADDetector{config: *config}
}

// ProcessFrame classifies a frame of float samples in [-1, 1]
func (v *VADDetector) ProcessFrame(samples []float32) VADEvent {
	return v.ProcessInt16(ToInt16(samples))
}

// ProcessInt16 classifies a frame of int16 samples
func (v *VADDetector) ProcessInt16(samples []int16) VADEvent {
	frameHasSpeech := CalculateRMS(samples) > v.config.EnergyThreshold

	v.mu.Lock()
	defer v.mu.Unlock()

	var ev VADEvent
	if frameHasSpeech {
		v.silenceCounter = 0
		if !v.isSpeaking {
			ev.Started = true
			v.isSpeaking = true
		}
	} else {
		v.silenceCounter++
		if v.isSpeaking && v.silenceCounter >= v.config.SilenceFrames {
			ev.Ended = true
			v.isSpeaking = false
			v.silenceCounter = 0
		}
	}
	ev.Speaking = v.isSpeaking
	return ev
}
