// Package voice implements the Voice Pipeline: a state-machine-driven
// audio pipeline coordinating capture, voice-activity detection,
// wake-word gating, speech-to-text, a Thinker call, and interruptible
// text-to-speech playback.
package voice

import (
	"context"
	"errors"
	"time"

	"github.com/helixrun/helix/internal/thinker"
)

// State is one of the five pipeline states. Transitions are made
// only by Pipeline's methods (pipeline.go).
type State string

const (
	StateIdle       State = "idle"
	StateListening  State = "listening"
	StateProcessing State = "processing"
	StateThinking   State = "thinking"
	StateSpeaking   State = "speaking"
)

// Mode selects how the pipeline enters StateListening.
type Mode string

const (
	ModeOff        Mode = "off"
	ModePushToTalk Mode = "push_to_talk"
	ModeWakeWord   Mode = "wake_word"
	ModeAlwaysOn   Mode = "always_on"
)

// ErrProviderUnavailable is returned by a Provider when its backing
// binary or service cannot be reached — the wire error code
// "provider-unavailable".
var ErrProviderUnavailable = errors.New("provider-unavailable")

// Frame is one chunk of PCM audio captured from the microphone.
type Frame struct {
	PCM       []byte
	CapturedAt time.Time
}

// Recorder streams captured PCM frames until Stop is called.
type Recorder interface {
	Start(ctx context.Context) (<-chan Frame, error)
	Stop() error
}

// TranscriptResult is an STT provider's output for one speech segment.
type TranscriptResult struct {
	Text       string
	Confidence float64
	Language   string
}

// STTProvider transcribes a concatenated PCM segment. Calls are made
// serially by the pipeline — never concurrently for the same pipeline.
type STTProvider interface {
	Transcribe(ctx context.Context, pcm []byte) (TranscriptResult, error)
}

// TTSProvider synthesizes text into a lazy, finite sequence of audio
// chunks. The channel is closed when synthesis completes or ctx is
// canceled.
type TTSProvider interface {
	Synthesize(ctx context.Context, text string) (<-chan []byte, error)
}

// Player streams audio chunks to the speaker. Stop tears down playback
// within one chunk period, satisfying the interrupt-latency invariant.
type Player interface {
	Play(ctx context.Context, chunks <-chan []byte) error
	Stop()
}

// Thinker is the subset of *thinker.Thinker the pipeline depends on —
// an interface so tests can substitute a fake without constructing a
// real LLM client.
type Thinker interface {
	Think(ctx context.Context, transcript string, sessionCtx thinker.SessionContext) (string, error)
}

// WakeWordDetector consumes PCM frames while the pipeline is idle and
// reports whether the configured phrase was detected.
type WakeWordDetector interface {
	Detect(frame Frame) bool
}

// Stats accumulates pipeline-lifetime counters surfaced via node.describe.
type Stats struct {
	StartedAt         time.Time
	TranscriptsTotal  int64
	WakeWordHitsTotal int64
	ErrorsTotal       int64
}
