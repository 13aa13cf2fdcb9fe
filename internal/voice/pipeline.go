package voice

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/helixrun/helix/internal/events"
	"github.com/helixrun/helix/internal/thinker"
)

// DefaultListenTimeout is how long the pipeline stays in StateListening
// without a confirmed speech segment before auto-stopping (spec §4.5:
// "listening | auto-stop timer elapsed | idle (always-on: listening)").
const DefaultListenTimeout = 30 * time.Second

// PipelineConfig configures a Pipeline's components and starting mode.
type PipelineConfig struct {
	Mode     Mode
	VAD      VADConfig
	Recorder Recorder
	WakeWord WakeWordDetector // nil disables wake-word gating regardless of Mode
	STT      STTProvider
	TTS      TTSProvider
	Player   Player
	Thinker  Thinker
	Bus      *events.Bus
	Logger   *slog.Logger

	// ListenTimeout bounds how long StateListening may run with no
	// confirmed speech before auto-stopping. Zero uses DefaultListenTimeout.
	ListenTimeout time.Duration
}

// Pipeline drives the voice state machine described in spec §4.5:
// idle → listening → processing → thinking → speaking → idle/listening,
// with interrupt able to preempt speaking only.
type Pipeline struct {
	mu    sync.Mutex
	state State
	mode  Mode
	stats Stats

	recorder Recorder
	wakeWord WakeWordDetector
	vad      *VAD
	stt      STTProvider
	tts      TTSProvider
	player   Player
	thinker  Thinker
	bus      *events.Bus
	logger   *slog.Logger

	listenTimeout  time.Duration
	listeningSince time.Time

	interruptCh chan struct{}
	stopCh      chan struct{}
}

// NewPipeline constructs a Pipeline in StateIdle.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	listenTimeout := cfg.ListenTimeout
	if listenTimeout <= 0 {
		listenTimeout = DefaultListenTimeout
	}
	return &Pipeline{
		state:         StateIdle,
		mode:          cfg.Mode,
		stats:         Stats{StartedAt: time.Now()},
		recorder:      cfg.Recorder,
		wakeWord:      cfg.WakeWord,
		vad:           NewVAD(cfg.VAD),
		stt:           cfg.STT,
		tts:           cfg.TTS,
		player:        cfg.Player,
		thinker:       cfg.Thinker,
		bus:           cfg.Bus,
		logger:        logger,
		listenTimeout: listenTimeout,
		interruptCh:   make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
	}
}

// State returns the pipeline's current state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Mode returns the pipeline's current mode.
func (p *Pipeline) Mode() Mode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode
}

// SetMode changes how the pipeline enters StateListening. Per the
// unresolved precedence between voice.mode.set and config.patch on
// voice.conversation.mode, the method call wins — callers applying a
// config.patch should write SetMode's result back rather than the
// reverse.
func (p *Pipeline) SetMode(mode Mode) {
	p.mu.Lock()
	p.mode = mode
	p.mu.Unlock()
}

// Stats returns a snapshot of lifetime counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Interrupt preempts StateSpeaking, returning the pipeline to
// listening (always_on) or idle (otherwise) — the only state
// StateSpeaking may be preempted from (spec P8).
func (p *Pipeline) Interrupt() {
	select {
	case p.interruptCh <- struct{}{}:
	default:
	}
}

// Stop cancels the run loop and releases the recorder.
func (p *Pipeline) Stop() {
	close(p.stopCh)
}

// Speak injects text directly into the speaking state, bypassing STT
// and the Thinker — the voice.speak method's entry point for
// server-initiated announcements.
func (p *Pipeline) Speak(ctx context.Context, text string) {
	p.speak(ctx, text)
}

func (p *Pipeline) setState(ctx context.Context, s State, extra map[string]any) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()

	data := map[string]any{"state": string(s)}
	for k, v := range extra {
		data[k] = v
	}
	p.bus.Publish(events.Event{Source: events.SourceVoice, Kind: events.KindVoiceState, Data: data})
}

// Run drives the pipeline until ctx is canceled or Stop is called. It
// owns the recorder's frame stream for its entire lifetime: frames are
// always read, but are only fed to the wake-word detector (idle) or
// VAD (listening) depending on state and mode.
func (p *Pipeline) Run(ctx context.Context) error {
	if p.Mode() == ModeOff {
		return nil
	}

	frames, err := p.recorder.Start(ctx)
	if err != nil {
		return err
	}
	defer p.recorder.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stopCh:
			return nil
		case frame, ok := <-frames:
			if !ok {
				return nil
			}
			p.handleFrame(ctx, frame)
		}
	}
}

func (p *Pipeline) handleFrame(ctx context.Context, frame Frame) {
	switch p.State() {
	case StateIdle:
		p.handleIdleFrame(ctx, frame)
	case StateListening:
		p.handleListeningFrame(ctx, frame)
	default:
		// processing/thinking/speaking: frames are dropped; the
		// pipeline is mid-segment and VAD/wake-word are not consulted.
	}
}

func (p *Pipeline) handleIdleFrame(ctx context.Context, frame Frame) {
	mode := p.Mode()
	switch mode {
	case ModePushToTalk:
		return // listening entered only via StartListening
	case ModeAlwaysOn:
		p.enterListening(ctx, nil)
	case ModeWakeWord:
		if p.wakeWord == nil {
			return
		}
		if p.wakeWord.Detect(frame) {
			p.mu.Lock()
			p.stats.WakeWordHitsTotal++
			p.mu.Unlock()
			p.enterListening(ctx, map[string]any{"trigger": "wake_word"})
		}
	}
}

// StartListening transitions idle → listening explicitly, for
// push-to-talk mode and admin-initiated voice capture.
func (p *Pipeline) StartListening(ctx context.Context) {
	if p.State() != StateIdle {
		return
	}
	p.enterListening(ctx, map[string]any{"trigger": "explicit"})
}

func (p *Pipeline) enterListening(ctx context.Context, extra map[string]any) {
	p.vad.Reset()
	p.listeningSince = time.Now()
	p.setState(ctx, StateListening, extra)
}

func (p *Pipeline) handleListeningFrame(ctx context.Context, frame Frame) {
	if !p.vad.Active() && time.Since(p.listeningSince) >= p.listenTimeout {
		p.settleAfterListenTimeout(ctx)
		return
	}

	switch p.vad.Process(frame, frame.CapturedAt) {
	case eventSpeechEnd:
		p.processSegment(ctx, p.vad.PCM())
	case eventDiscarded:
		// Segment shorter than minSpeechMs: stay in listening, no
		// speech:end payload is ever emitted for it (spec P7).
	}
}

// settleAfterListenTimeout handles "listening | auto-stop timer elapsed
// | idle (always-on: listening)": always_on re-enters listening,
// resetting the timer, since it never leaves listening on its own;
// every other mode returns to idle.
func (p *Pipeline) settleAfterListenTimeout(ctx context.Context) {
	if p.Mode() == ModeAlwaysOn {
		p.enterListening(ctx, map[string]any{"trigger": "auto_stop"})
		return
	}
	p.setState(ctx, StateIdle, map[string]any{"trigger": "auto_stop"})
}

func (p *Pipeline) processSegment(ctx context.Context, pcm []byte) {
	p.setState(ctx, StateProcessing, nil)

	result, err := p.stt.Transcribe(ctx, pcm)
	if err != nil {
		p.recordError(ctx, "stt-error", err)
		p.settleAfterFailure(ctx)
		return
	}
	if result.Text == "" {
		p.settleAfterFailure(ctx)
		return
	}

	p.mu.Lock()
	p.stats.TranscriptsTotal++
	p.mu.Unlock()
	p.bus.Publish(events.Event{
		Source: events.SourceVoice,
		Kind:   events.KindVoiceTranscript,
		Data:   map[string]any{"text": result.Text, "confidence": result.Confidence},
	})

	p.setState(ctx, StateThinking, nil)
	reply, err := p.thinker.Think(ctx, result.Text, thinker.SessionContext{Origin: "voice"})
	if err != nil {
		p.recordError(ctx, "thinker-error", err)
		p.settleAfterFailure(ctx)
		return
	}
	if reply == "" {
		// Empty response skips speaking entirely (spec P6 exception).
		p.settleAfterFailure(ctx)
		return
	}

	p.speak(ctx, reply)
}

func (p *Pipeline) speak(ctx context.Context, text string) {
	p.setState(ctx, StateSpeaking, nil)

	speakCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	chunks, err := p.tts.Synthesize(speakCtx, text)
	if err != nil {
		p.recordError(ctx, "tts-error", err)
		p.settleAfterFailure(ctx)
		return
	}

	done := make(chan error, 1)
	go func() { done <- p.player.Play(speakCtx, chunks) }()

	select {
	case <-p.interruptCh:
		cancel()
		p.player.Stop()
		<-done
	case err := <-done:
		if err != nil {
			p.recordError(ctx, "playback-error", err)
		}
	}

	p.settleAfterSpeaking(ctx)
}

// settleAfterSpeaking returns to listening (always_on) or idle
// (otherwise) once playback drains or is interrupted.
func (p *Pipeline) settleAfterSpeaking(ctx context.Context) {
	if p.Mode() == ModeAlwaysOn {
		p.enterListening(ctx, nil)
		return
	}
	p.setState(ctx, StateIdle, nil)
}

// settleAfterFailure returns to listening (always_on, push_to_talk) or
// idle (wake_word) after an empty/failed STT or Thinker result — the
// mode-dependent branch of "processing → idle/listening".
func (p *Pipeline) settleAfterFailure(ctx context.Context) {
	switch p.Mode() {
	case ModeAlwaysOn, ModePushToTalk:
		p.enterListening(ctx, nil)
	default:
		p.setState(ctx, StateIdle, nil)
	}
}

func (p *Pipeline) recordError(ctx context.Context, code string, err error) {
	p.mu.Lock()
	p.stats.ErrorsTotal++
	p.mu.Unlock()
	p.bus.Publish(events.Event{
		Source: events.SourceVoice,
		Kind:   events.KindVoiceError,
		Data:   map[string]any{"error_code": code, "message": err.Error()},
	})
}
