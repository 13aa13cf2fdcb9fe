package email

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
)

// maxBodySize truncates extracted text bodies to keep a single inbound
// item from blowing out the gateway bus's event payloads.
const maxBodySize = 16 * 1024

// ReadBody fetches UID's plain-text body from folder, marking the
// message \Seen in the process.
func (c *Client) ReadBody(ctx context.Context, folder string, uid uint32) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnected(ctx); err != nil {
		return "", err
	}
	if err := c.selectFolder(folder); err != nil {
		return "", err
	}

	uidSet := imap.UIDSet{}
	uidSet.AddNum(imap.UID(uid))

	fetchCmd := c.client.Fetch(uidSet, &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{{Peek: false}},
	})
	msg := fetchCmd.Next()
	if msg == nil {
		_ = fetchCmd.Close()
		return "", fmt.Errorf("message UID %d not found in %s", uid, folder)
	}

	var raw []byte
	for {
		item := msg.Next()
		if item == nil {
			break
		}
		data, ok := item.(imapclient.FetchItemDataBodySection)
		if !ok || data.Literal == nil {
			continue
		}
		raw, _ = io.ReadAll(io.LimitReader(data.Literal, 5*1024*1024))
		_, _ = io.Copy(io.Discard, data.Literal)
	}
	if err := fetchCmd.Close(); err != nil {
		return "", fmt.Errorf("fetch UID %d: %w", uid, err)
	}

	return parseTextBody(raw), nil
}

// parseTextBody walks the MIME structure for the first text/plain part.
// go-message's readers can return a non-nil part alongside an
// unknown-charset error; that case is treated as non-fatal since the
// text is still usable for triage.
func parseTextBody(raw []byte) string {
	if raw == nil {
		return ""
	}
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return ""
	}
	if mr == nil {
		return ""
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			break
		}
		if part == nil {
			continue
		}
		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := h.ContentType()
		if ct != "text/plain" {
			continue
		}
		body, _ := io.ReadAll(io.LimitReader(part.Body, maxBodySize+1))
		text := strings.TrimSpace(string(body))
		if len(body) > maxBodySize {
			text = text[:maxBodySize] + "\n\n[truncated]"
		}
		return text
	}
	return ""
}
