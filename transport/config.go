package transport

import (
	"errors"
	"strings"
	"time"
)

// Config configures the broker connection and subject layout.
type Config struct {
	// URL is the broker address, e.g. nats://localhost:4222.
	URL string `yaml:"url"`

	// Token is an optional bearer token presented on connect.
	Token string `yaml:"token,omitempty"`

	// InboxPrefix is prepended to the identity token to form the personal
	// delivery subject: <prefix>.<token>.messages.
	InboxPrefix string `yaml:"inbox_prefix"`

	// PresenceSubject receives the presence frame after every connect.
	PresenceSubject string `yaml:"presence_subject"`

	// SendSubject receives outbound chat frames.
	SendSubject string `yaml:"send_subject"`

	// ReconnectWait is the fixed delay between reconnect attempts.
	ReconnectWait time.Duration `yaml:"reconnect_wait"`

	// PublishTimeout bounds a publish acknowledgement when the caller's
	// context carries no deadline.
	PublishTimeout time.Duration `yaml:"publish_timeout"`
}

// DefaultConfig returns the default transport configuration.
func DefaultConfig() Config {
	return Config{
		URL:             "nats://localhost:4222",
		InboxPrefix:     "chat.user",
		PresenceSubject: "chat.addUser",
		SendSubject:     "chat.sendMessage",
		ReconnectWait:   5 * time.Second,
		PublishTimeout:  5 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.URL == "" {
		return errors.New("transport url is required")
	}
	if c.InboxPrefix == "" || c.PresenceSubject == "" || c.SendSubject == "" {
		return errors.New("transport subjects are required")
	}
	for _, s := range []string{c.InboxPrefix, c.PresenceSubject, c.SendSubject} {
		if strings.ContainsAny(s, " \t\r\n*>") {
			return errors.New("transport subject " + s + " contains invalid characters")
		}
	}
	if c.ReconnectWait <= 0 {
		return errors.New("reconnect_wait must be positive")
	}
	if c.PublishTimeout <= 0 {
		return errors.New("publish_timeout must be positive")
	}
	return nil
}

// InboxSubject returns the personal delivery subject of identity.
func (c Config) InboxSubject(identity string) string {
	return c.InboxPrefix + "." + SubjectToken(identity) + ".messages"
}

// SubjectToken maps an identity to a single subject token. The identity is
// lower-cased and every byte outside [a-z0-9_-] is percent-encoded.
func SubjectToken(identity string) string {
	const hex = "0123456789ABCDEF"

	lower := strings.ToLower(identity)
	var b strings.Builder
	b.Grow(len(lower))
	for i := 0; i < len(lower); i++ {
		c := lower[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '_', c == '-':
			b.WriteByte(c)
		default:
			b.WriteByte('%')
			b.WriteByte(hex[c>>4])
			b.WriteByte(hex[c&0x0f])
		}
	}
	return b.String()
}
