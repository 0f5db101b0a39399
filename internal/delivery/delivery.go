// Package delivery sends verification PINs over out-of-band channels.
package delivery

import (
	"context"
	"net/http"
	"strings"
	"sync"

	xerrors "VibeGuard/internal/errors"
)

// Message is the content of one out-of-band delivery.
type Message struct {
	Subject string
	Body    string
}

// Channel delivers a message to a destination and returns a provider
// delivery ID.
type Channel interface {
	Send(ctx context.Context, destination string, msg Message) (string, error)
}

// ChannelFunc adapts a function to Channel.
type ChannelFunc func(ctx context.Context, destination string, msg Message) (string, error)

// Send implements Channel.
func (f ChannelFunc) Send(ctx context.Context, destination string, msg Message) (string, error) {
	return f(ctx, destination, msg)
}

// Contact 是用户的带外联系方式。
type Contact struct {
	Phone string `yaml:"phone" json:"phone"`
	Email string `yaml:"email" json:"email"`
}

// Directory resolves a user's contact details.
type Directory interface {
	Contact(ctx context.Context, userID string) (Contact, error)
}

// StaticDirectory is a fixed in-memory directory.
type StaticDirectory struct {
	mu       sync.RWMutex
	contacts map[string]Contact
}

// NewStaticDirectory copies the provided contacts.
func NewStaticDirectory(contacts map[string]Contact) *StaticDirectory {
	d := &StaticDirectory{contacts: make(map[string]Contact, len(contacts))}
	for userID, contact := range contacts {
		d.contacts[userID] = contact
	}
	return d
}

// Set adds or replaces a contact.
func (d *StaticDirectory) Set(userID string, contact Contact) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.contacts[userID] = contact
}

func (d *StaticDirectory) Contact(_ context.Context, userID string) (Contact, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	contact, ok := d.contacts[userID]
	if !ok {
		return Contact{}, ErrNoDestination
	}
	return contact, nil
}

const (
	CodeDeliveryFailed xerrors.Code = "DELIVERY_FAILED"
	CodeNoDestination  xerrors.Code = "DELIVERY_NO_DESTINATION"
)

var (
	// ErrDeliveryFailed 表示重试耗尽后仍未送达。
	ErrDeliveryFailed = xerrors.New(CodeDeliveryFailed, "PIN could not be sent")
	ErrNoDestination  = xerrors.New(CodeNoDestination, "no contact for channel")
)

func init() {
	xerrors.Register(CodeDeliveryFailed, xerrors.Attributes{
		Message:     "PIN could not be sent",
		Severity:    xerrors.SeverityWarning,
		Alert:       true,
		HTTPStatus:  http.StatusBadGateway,
		UserMessage: "PIN could not be sent",
	})
	xerrors.Register(CodeNoDestination, xerrors.Attributes{
		Message:     "no contact for channel",
		Severity:    xerrors.SeverityWarning,
		HTTPStatus:  http.StatusUnprocessableEntity,
		UserMessage: "PIN could not be sent",
	})
}

// MaskDestination keeps the last four characters for logs.
func MaskDestination(destination string) string {
	destination = strings.TrimSpace(destination)
	if len(destination) <= 4 {
		return "****"
	}
	return strings.Repeat("*", len(destination)-4) + destination[len(destination)-4:]
}
