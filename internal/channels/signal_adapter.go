package channels

import (
	"context"
	"log/slog"
	"time"

	"github.com/helixrun/helix/internal/signal"
)

// SignalAdapter wraps internal/signal.Client to satisfy the Adapter
// interface, translating signal-cli envelopes into Inbound items.
type SignalAdapter struct {
	client *signal.Client
	out    chan Inbound
	cancel context.CancelFunc
}

// NewSignalAdapter builds a Signal channel adapter around a signal-cli
// JSON-RPC client. command/args are passed straight to signal.NewClient
// (e.g. "signal-cli", []string{"-a", "+15551234567", "jsonRpc"}).
func NewSignalAdapter(command string, args []string, logger *slog.Logger) *SignalAdapter {
	return &SignalAdapter{
		client: signal.NewClient(command, args, logger),
		out:    make(chan Inbound, 32),
	}
}

func (a *SignalAdapter) Name() string { return "signal" }

func (a *SignalAdapter) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	if err := a.client.Start(runCtx); err != nil {
		cancel()
		return err
	}
	go a.pump(runCtx)
	return nil
}

func (a *SignalAdapter) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-a.client.Messages():
			if !ok {
				return
			}
			if env.DataMessage == nil || env.DataMessage.Message == "" {
				continue
			}
			a.out <- Inbound{
				Channel: a.Name(),
				Sender:  env.Source,
				Text:    env.DataMessage.Message,
				SentAt:  time.UnixMilli(env.Timestamp),
			}
		}
	}
}

func (a *SignalAdapter) Stop() error {
	if a.cancel != nil {
		a.cancel()
	}
	return a.client.Close()
}

func (a *SignalAdapter) Send(ctx context.Context, recipient, payload string) error {
	_, err := a.client.Send(ctx, recipient, payload)
	return err
}

func (a *SignalAdapter) Events() <-chan Inbound {
	return a.out
}
