package voice

import (
	"math"
	"sort"
	"time"
)

// VADConfig controls the energy-based detector's hysteresis timers and
// adaptive threshold behavior (spec §4.5: "VAD").
type VADConfig struct {
	StaticThreshold   float64
	SpeechConfirmMs   int
	SilenceConfirmMs  int
	MinSpeechMs       int
	AdaptiveThreshold bool
}

// DefaultVADConfig returns the documented defaults: 100ms speech
// hysteresis, 1500ms silence hysteresis, 250ms minimum segment.
func DefaultVADConfig() VADConfig {
	return VADConfig{
		StaticThreshold:   0.02,
		SpeechConfirmMs:   100,
		SilenceConfirmMs:  1500,
		MinSpeechMs:       250,
		AdaptiveThreshold: true,
	}
}

// vadPhase is the detector's internal sub-state, distinct from the
// pipeline's State — VAD only ever reports speech start/end within
// StateListening.
type vadPhase int

const (
	vadSilent vadPhase = iota
	vadConfirmingSpeech
	vadSpeaking
	vadConfirmingSilence
)

// VAD is an energy-based voice-activity detector with start/end
// hysteresis and an adaptive noise floor.
type VAD struct {
	cfg VADConfig

	phase          vadPhase
	phaseEnteredAt time.Time
	segmentStart   time.Time
	segmentPCM     []byte

	recentRMS   []float64 // ring buffer of recent silence-frame RMS, for adaptive floor
	adaptiveMin float64
}

// NewVAD creates a detector with the given configuration.
func NewVAD(cfg VADConfig) *VAD {
	return &VAD{cfg: cfg, phase: vadSilent}
}

// segmentEvent describes what the caller should do with a processed frame.
type segmentEvent int

const (
	eventNone segmentEvent = iota
	eventSpeechStart
	eventSpeechEnd // segment met MinSpeechMs; PCM() holds the buffer
	eventDiscarded // segment was shorter than MinSpeechMs
)

// Process feeds one PCM frame through the detector and returns what
// happened. Call PCM() after eventSpeechEnd to retrieve the segment.
func (v *VAD) Process(frame Frame, now time.Time) segmentEvent {
	rms := rmsEnergy(frame.PCM)
	threshold := v.threshold()
	isSpeech := rms >= threshold

	switch v.phase {
	case vadSilent:
		v.trackSilenceRMS(rms)
		if isSpeech {
			v.phase = vadConfirmingSpeech
			v.phaseEnteredAt = now
		}
		return eventNone

	case vadConfirmingSpeech:
		if !isSpeech {
			v.phase = vadSilent
			return eventNone
		}
		if now.Sub(v.phaseEnteredAt) >= time.Duration(v.cfg.SpeechConfirmMs)*time.Millisecond {
			v.phase = vadSpeaking
			v.segmentStart = v.phaseEnteredAt
			v.segmentPCM = append([]byte{}, frame.PCM...)
			return eventSpeechStart
		}
		return eventNone

	case vadSpeaking:
		v.segmentPCM = append(v.segmentPCM, frame.PCM...)
		if !isSpeech {
			v.phase = vadConfirmingSilence
			v.phaseEnteredAt = now
		}
		return eventNone

	case vadConfirmingSilence:
		if isSpeech {
			// False end: resume speaking, keep accumulating.
			v.phase = vadSpeaking
			v.segmentPCM = append(v.segmentPCM, frame.PCM...)
			return eventNone
		}
		v.segmentPCM = append(v.segmentPCM, frame.PCM...)
		if now.Sub(v.phaseEnteredAt) < time.Duration(v.cfg.SilenceConfirmMs)*time.Millisecond {
			return eventNone
		}

		duration := now.Sub(v.segmentStart)
		v.phase = vadSilent
		if duration < time.Duration(v.cfg.MinSpeechMs)*time.Millisecond {
			v.segmentPCM = nil
			return eventDiscarded
		}
		return eventSpeechEnd
	}
	return eventNone
}

// PCM returns the accumulated segment buffer after eventSpeechEnd.
func (v *VAD) PCM() []byte {
	return v.segmentPCM
}

// Active reports whether a speech segment is being confirmed or
// accumulated — false while the detector sits in silence with nothing
// underway.
func (v *VAD) Active() bool {
	return v.phase != vadSilent
}

// Reset returns the detector to vadSilent, discarding any in-progress
// segment — called each time the pipeline enters listening.
func (v *VAD) Reset() {
	v.phase = vadSilent
	v.segmentPCM = nil
}

// threshold returns the current effective energy threshold: the
// configured static floor, or (if adaptive) the 20th percentile of
// recent silence-frame RMS doubled, whichever is higher. Adaptation is
// frozen outside vadSilent (spec: "frozen while speaking").
func (v *VAD) threshold() float64 {
	if !v.cfg.AdaptiveThreshold || len(v.recentRMS) == 0 {
		return v.cfg.StaticThreshold
	}
	adaptive := percentile(v.recentRMS, 0.20) * 2
	if adaptive > v.cfg.StaticThreshold {
		return adaptive
	}
	return v.cfg.StaticThreshold
}

const recentRMSWindow = 50

func (v *VAD) trackSilenceRMS(rms float64) {
	v.recentRMS = append(v.recentRMS, rms)
	if len(v.recentRMS) > recentRMSWindow {
		v.recentRMS = v.recentRMS[len(v.recentRMS)-recentRMSWindow:]
	}
}

func rmsEnergy(pcm []byte) float64 {
	if len(pcm) < 2 {
		return 0
	}
	var sumSquares float64
	n := 0
	for i := 0; i+1 < len(pcm); i += 2 {
		sample := int16(uint16(pcm[i]) | uint16(pcm[i+1])<<8)
		norm := float64(sample) / 32768.0
		sumSquares += norm * norm
		n++
	}
	if n == 0 {
		return 0
	}
	return math.Sqrt(sumSquares / float64(n))
}

func percentile(values []float64, p float64) float64 {
	sorted := append([]float64{}, values...)
	sort.Float64s(sorted)
	idx := int(p * float64(len(sorted)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
