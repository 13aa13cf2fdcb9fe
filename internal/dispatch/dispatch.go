// Package dispatch wires the Channel Manager to the Thinker Port: an
// admitted inbound message runs through the Hook Engine's message:before
// trigger, the Thinker, message:after, and back out through the
// originating adapter (spec §2's data-flow line for inbound text).
package dispatch

import (
	"context"
	"log/slog"

	"github.com/helixrun/helix/internal/channels"
	"github.com/helixrun/helix/internal/events"
	"github.com/helixrun/helix/internal/hooks"
	"github.com/helixrun/helix/internal/thinker"
)

const (
	triggerMessageBefore = "message:before"
	triggerMessageAfter  = "message:after"
)

// Router subscribes to the bus for admitted channel messages and drives
// them through hooks and the Thinker, replying through the Channel
// Manager. It holds no state of its own beyond its bus subscription.
type Router struct {
	bus      *events.Bus
	channels *channels.Manager
	hooksEng *hooks.Engine
	think    *thinker.Thinker
	logger   *slog.Logger
}

// NewRouter builds a Router. think may be nil (Thinker unconfigured),
// in which case admitted messages still fire message:before but no
// reply is generated and message:after does not fire.
func NewRouter(bus *events.Bus, mgr *channels.Manager, hooksEng *hooks.Engine, think *thinker.Thinker, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{bus: bus, channels: mgr, hooksEng: hooksEng, think: think, logger: logger}
}

// Run drains admitted channel:status events until ctx is canceled. It
// is meant to run in its own goroutine for the life of the process.
func (r *Router) Run(ctx context.Context) {
	sub := r.bus.Subscribe(64)
	defer r.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			r.handle(ctx, ev)
		}
	}
}

func (r *Router) handle(ctx context.Context, ev events.Event) {
	if ev.Source != events.SourceChannel || ev.Kind != events.KindChannelStatus {
		return
	}
	if status, _ := ev.Data["status"].(string); status != "admitted" {
		return
	}
	channel, _ := ev.Data["channel"].(string)
	sender, _ := ev.Data["sender"].(string)
	text, _ := ev.Data["text"].(string)
	if channel == "" || sender == "" || text == "" {
		return
	}

	payload := map[string]any{
		"channel": channel,
		"sender":  sender,
		"text":    text,
	}
	r.hooksEng.Dispatch(ctx, triggerMessageBefore, payload)

	if r.think == nil {
		return
	}

	reply, err := r.think.Think(ctx, text, thinker.SessionContext{
		Origin:     "channel",
		OriginName: channel,
	})
	if err != nil {
		r.logger.Warn("dispatch: thinker failed", "channel", channel, "sender", sender, "error", err)
		return
	}

	afterPayload := map[string]any{
		"channel": channel,
		"sender":  sender,
		"text":    text,
		"reply":   reply,
	}
	r.hooksEng.Dispatch(ctx, triggerMessageAfter, afterPayload)

	if sendErr := r.channels.Send(ctx, channel, sender, reply); sendErr != nil {
		r.logger.Warn("dispatch: reply send failed", "channel", channel, "sender", sender, "error", sendErr)
	}
}
