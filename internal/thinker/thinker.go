// Package thinker implements the Thinker Port: a single think() method
// wrapping internal/llm.Client, with the mandatory preflight-before-
// dispatch event ordering contract and usage/cost accounting.
package thinker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/helixrun/helix/internal/config"
	"github.com/helixrun/helix/internal/events"
	"github.com/helixrun/helix/internal/llm"
	"github.com/helixrun/helix/internal/usage"
)

// SessionContext carries the conversational state a think() call needs
// beyond the raw transcript: prior turns and the channel/voice origin
// used for usage accounting's Role/TaskName fields.
type SessionContext struct {
	SessionID      string
	ConversationID string
	History        []llm.Message
	// Origin is "voice" or "channel"; OriginName is empty for voice,
	// the channel name otherwise. Mirrors usage.Record.Role/TaskName.
	Origin     string
	OriginName string
}

// Thinker is the Thinker Port's implementation.
type Thinker struct {
	client   llm.Client
	model    string
	provider string
	pricing  map[string]config.PricingEntry
	usage    *usage.Store
	bus      *events.Bus
	logger   *slog.Logger
	timeout  time.Duration
}

// Option configures a Thinker.
type Option func(*Thinker)

// WithPricing sets the per-model pricing table used to compute
// thinker:complete's costCents.
func WithPricing(p map[string]config.PricingEntry) Option {
	return func(t *Thinker) { t.pricing = p }
}

// WithUsageStore sets the usage ledger records are appended to. Optional;
// if nil, usage is not persisted (cost is still reported on the event).
func WithUsageStore(s *usage.Store) Option {
	return func(t *Thinker) { t.usage = s }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Thinker) { t.logger = l }
}

// WithTimeout overrides the default 120s Thinker call timeout (spec §5).
func WithTimeout(d time.Duration) Option {
	return func(t *Thinker) { t.timeout = d }
}

// WithProviderName sets the provider label attached to preflight/complete
// events and usage records (e.g. "anthropic", "ollama").
func WithProviderName(name string) Option {
	return func(t *Thinker) { t.provider = name }
}

// New builds a Thinker around an already-constructed llm.Client (an
// llm.MultiClient with a single provider registered is the common case,
// built by NewFromConfig).
func New(client llm.Client, model string, bus *events.Bus, opts ...Option) *Thinker {
	t := &Thinker{
		client:  client,
		model:   model,
		bus:     bus,
		logger:  slog.Default(),
		timeout: 120 * time.Second,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// NewFromConfig builds a Thinker from a ThinkerConfig, selecting and
// constructing the matching llm.Client. The returned client is an
// llm.MultiClient with the configured provider registered under its own
// name and mapped from the configured model — MultiClient's routing
// table is exercised even though, today, only one provider is ever
// registered (a second Thinker provider is a config.patch away). extra
// lets callers layer on WithUsageStore/WithPricing without duplicating
// the provider-construction switch.
func NewFromConfig(cfg config.ThinkerConfig, bus *events.Bus, logger *slog.Logger, extra ...Option) (*Thinker, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var backend llm.Client
	switch cfg.Provider {
	case "anthropic":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("thinker: anthropic provider configured without api_key")
		}
		backend = llm.NewAnthropicClient(cfg.APIKey, logger)
	case "ollama":
		backend = llm.NewOllamaClient(cfg.OllamaURL, logger)
	default:
		return nil, fmt.Errorf("thinker: unknown provider %q", cfg.Provider)
	}

	multi := llm.NewMultiClient(backend)
	multi.AddProvider(cfg.Provider, backend)
	multi.AddModel(cfg.Model, cfg.Provider)

	opts := append([]Option{WithLogger(logger), WithProviderName(cfg.Provider)}, extra...)
	t := New(multi, cfg.Model, bus, opts...)
	if cfg.TimeoutSec > 0 {
		t.timeout = time.Duration(cfg.TimeoutSec) * time.Second
	}
	return t, nil
}

// Think sends transcript (plus sessionContext.History) to the
// configured provider and returns its reply text.
//
// The preflight event is emitted before Chat is called — this ordering
// is load-bearing, not incidental: it is the one contract think()
// cannot violate, because it's what lets an observer see an attempt
// that never returns (provider hang, process killed mid-call).
func (t *Thinker) Think(ctx context.Context, transcript string, sessionCtx SessionContext) (string, error) {
	reqID := uuid.NewString()
	started := time.Now()

	messages := append(append([]llm.Message{}, sessionCtx.History...), llm.Message{
		Role:    "user",
		Content: transcript,
	})

	t.bus.Publish(events.Event{
		Source: events.SourceThinker,
		Kind:   events.KindThinkerPreflight,
		Data: map[string]any{
			"request_id":  reqID,
			"provider":    t.providerName(),
			"model":       t.model,
			"prompt_size": len(transcript),
			"started_at":  started.Format(time.RFC3339Nano),
		},
	})

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	resp, err := t.client.Chat(ctx, t.model, messages, nil)
	latency := time.Since(started)

	if err != nil {
		t.bus.Publish(events.Event{
			Source: events.SourceThinker,
			Kind:   events.KindThinkerComplete,
			Data: map[string]any{
				"request_id": reqID,
				"error_code": "provider-error",
				"message":    err.Error(),
				"success":    false,
			},
		})
		return "", fmt.Errorf("thinker: %w", err)
	}

	costUSD := usage.ComputeCost(t.model, resp.InputTokens, resp.OutputTokens, t.pricing)

	t.bus.Publish(events.Event{
		Source: events.SourceThinker,
		Kind:   events.KindThinkerComplete,
		Data: map[string]any{
			"request_id":  reqID,
			"latency_ms":  latency.Milliseconds(),
			"tokens_in":   resp.InputTokens,
			"tokens_out":  resp.OutputTokens,
			"cost_cents":  costUSD * 100,
			"success":     true,
		},
	})

	if t.usage != nil {
		role, taskName := "voice", ""
		if sessionCtx.Origin != "" {
			role, taskName = sessionCtx.Origin, sessionCtx.OriginName
		}
		rec := usage.Record{
			RequestID:      reqID,
			SessionID:      sessionCtx.SessionID,
			ConversationID: sessionCtx.ConversationID,
			Model:          t.model,
			Provider:       t.providerName(),
			InputTokens:    resp.InputTokens,
			OutputTokens:   resp.OutputTokens,
			CostUSD:        costUSD,
			Role:           role,
			TaskName:       taskName,
		}
		if err := t.usage.Record(ctx, rec); err != nil {
			t.logger.Warn("failed to record usage", "error", err, "request_id", reqID)
		}
	}

	return resp.Message.Content, nil
}

func (t *Thinker) providerName() string {
	if t.provider == "" {
		return "unknown"
	}
	return t.provider
}
