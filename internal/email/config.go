// Package email implements a minimal IMAP/SMTP client backing the
// gateway's email channel adapter: polling INBOX for new messages and
// sending replies, without signal-cli or a chat protocol in between.
package email

// AccountConfig describes a single IMAP/SMTP account the email channel
// adapter polls and sends through.
type AccountConfig struct {
	IMAP IMAPConfig `yaml:"imap"`
	SMTP SMTPConfig `yaml:"smtp"`
	// DefaultFrom is the address used as From on outbound sends and is
	// also compared against incoming From headers to filter out
	// self-sent copies (server-side Bcc-to-self, Sent folder mirrors).
	DefaultFrom string `yaml:"default_from"`
}

// IMAPConfig holds IMAP connection parameters.
type IMAPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	TLS      bool   `yaml:"tls"`
}

// SMTPConfig holds SMTP connection parameters for outbound replies.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	StartTLS bool   `yaml:"starttls"`
}

// ApplyDefaults fills zero-value fields with sensible defaults.
func (c *AccountConfig) ApplyDefaults() {
	if c.IMAP.Port == 0 {
		c.IMAP.Port = 993
	}
	if !c.IMAP.TLS && c.IMAP.Port != 143 {
		c.IMAP.TLS = true
	}
	if c.SMTP.Port == 0 {
		c.SMTP.Port = 587
		c.SMTP.StartTLS = true
	}
}
