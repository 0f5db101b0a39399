package delivery

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"
)

// EmailConfig 描述 SMTP 发送参数。
type EmailConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

// Mailer is the subset of gomail.Dialer the channel needs.
type Mailer interface {
	DialAndSend(m ...*gomail.Message) error
}

// EmailChannel sends plain-text messages over SMTP.
type EmailChannel struct {
	mailer Mailer
	from   string
}

// NewEmailChannel dials the configured SMTP server on every send.
func NewEmailChannel(cfg EmailConfig) *EmailChannel {
	port := cfg.Port
	if port == 0 {
		port = 587
	}
	return NewEmailChannelWithMailer(gomail.NewDialer(cfg.Host, port, cfg.Username, cfg.Password), cfg.From)
}

// NewEmailChannelWithMailer allows substituting the transport.
func NewEmailChannelWithMailer(mailer Mailer, from string) *EmailChannel {
	return &EmailChannel{mailer: mailer, from: from}
}

// Send implements Channel. gomail has no context support, so cancellation
// is only observed before dialing.
func (c *EmailChannel) Send(ctx context.Context, destination string, msg Message) (string, error) {
	if strings.TrimSpace(destination) == "" {
		return "", ErrNoDestination
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := uuid.NewString()
	m := gomail.NewMessage()
	m.SetHeader("From", c.from)
	m.SetHeader("To", destination)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", fmt.Sprintf("<%s@vibeguard>", id))
	m.SetBody("text/plain", msg.Body)

	if err := c.mailer.DialAndSend(m); err != nil {
		return "", fmt.Errorf("send email: %w", err)
	}
	return id, nil
}
