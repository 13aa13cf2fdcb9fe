package channels

import (
	"context"
	"log/slog"
	"time"

	"github.com/helixrun/helix/internal/email"
)

// pollInterval is how often the email adapter checks INBOX for
// messages past its high-water mark.
const pollInterval = 30 * time.Second

// EmailAdapter polls an IMAP INBOX for new messages and sends replies
// over SMTP, satisfying the Adapter interface for a "pairing" or
// "allowlist" policy channel where senders are known correspondents.
//
// EmailAdapter wraps internal/email.Client (IMAP) and email.Send (SMTP)
// to behave like a messaging channel: Events() yields one Inbound per
// newly-seen message, Send delivers a reply.
type EmailAdapter struct {
	client  *email.Client
	smtp    email.SMTPConfig
	from    string
	folder  string
	lastUID uint32
	out     chan Inbound
	cancel  context.CancelFunc
	logger  *slog.Logger
}

// NewEmailAdapter builds an email channel adapter against a single
// account. The high-water mark starts at 0 and is seeded silently by
// Start from the current inbox (matching the teacher's poller: a fresh adapter
// doesn't replay the whole inbox as "new").
func NewEmailAdapter(acct email.AccountConfig, logger *slog.Logger) *EmailAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	acct.ApplyDefaults()
	return &EmailAdapter{
		client: email.NewClient(acct.IMAP, logger),
		smtp:   acct.SMTP,
		from:   acct.DefaultFrom,
		folder: "INBOX",
		out:    make(chan Inbound, 32),
		logger: logger,
	}
}

func (a *EmailAdapter) Name() string { return "email" }

func (a *EmailAdapter) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.client.Ping(runCtx); err != nil {
		cancel()
		return err
	}

	// Seed the high-water mark from the current inbox state so startup
	// doesn't replay every existing message as "new" (mirrors the
	// teacher's email poller's first-run behavior).
	if envs, err := a.client.ListSince(runCtx, a.folder, 0); err == nil {
		for _, e := range envs {
			if e.UID > a.lastUID {
				a.lastUID = e.UID
			}
		}
	}

	go a.poll(runCtx)
	return nil
}

func (a *EmailAdapter) poll(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.checkOnce(ctx)
		}
	}
}

func (a *EmailAdapter) checkOnce(ctx context.Context) {
	envs, err := a.client.ListSince(ctx, a.folder, a.lastUID)
	if err != nil {
		a.logger.Warn("email: poll failed", "error", err)
		return
	}
	for _, e := range envs {
		if e.UID > a.lastUID {
			a.lastUID = e.UID
		}
		if a.from != "" && e.From == a.from {
			continue // self-sent copy, not a new inbound message
		}
		body, err := a.client.ReadBody(ctx, a.folder, e.UID)
		if err != nil {
			a.logger.Warn("email: reading body failed", "uid", e.UID, "error", err)
			continue
		}
		a.out <- Inbound{
			Channel: a.Name(),
			Sender:  e.From,
			Text:    body,
			SentAt:  time.Now(),
		}
	}
}

func (a *EmailAdapter) Stop() error {
	if a.cancel != nil {
		a.cancel()
	}
	return a.client.Close()
}

func (a *EmailAdapter) Send(ctx context.Context, recipient, payload string) error {
	return email.Send(ctx, a.smtp, a.from, recipient, "Message from helix", payload)
}

func (a *EmailAdapter) Events() <-chan Inbound {
	return a.out
}

// Ping satisfies the channel manager's pinger interface, letting
// connwatch track IMAP reachability independently of the poll ticker.
func (a *EmailAdapter) Ping(ctx context.Context) error {
	return a.client.Ping(ctx)
}
