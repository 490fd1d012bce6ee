package whatsapp

import (
	"context"

	"github.com/autoreply/wa-autoreply/internal/models"
)

// EventKind identifies what a connection reported
type EventKind int

const (
	// EventChallenge carries a pairing payload to render as a QR code
	EventChallenge EventKind = iota + 1
	// EventReady means the account is linked and online
	EventReady
	// EventDisconnected ends the session, typically after a logout
	EventDisconnected
	// EventFailed ends the session because pairing or connecting failed
	EventFailed
	// EventMessage carries an inbound text message
	EventMessage
)

func (k EventKind) String() string {
	switch k {
	case EventChallenge:
		return "challenge"
	case EventReady:
		return "ready"
	case EventDisconnected:
		return "disconnected"
	case EventFailed:
		return "failed"
	case EventMessage:
		return "message"
	}
	return "unknown"
}

// Event is one lifecycle or message notification from a connection
type Event struct {
	Kind      EventKind
	Challenge string
	Reason    string
	Err       error
	Message   models.InboundMessage
}

// Responder is the part of a connection the reply pipeline talks to
type Responder interface {
	MarkSeen(ctx context.Context, msg models.InboundMessage) error
	SetTyping(ctx context.Context, chat string, on bool) error
	SendPlain(ctx context.Context, chat, text string) error
	// SendReply sends text quoting msg
	SendReply(ctx context.Context, msg models.InboundMessage, text string) error
}

// Connection is one live WhatsApp client bound to a device
type Connection interface {
	Responder
	// Connect starts connecting; progress is reported through the dial handler
	Connect(ctx context.Context) error
	// Logout unlinks the account and discards its session identity
	Logout(ctx context.Context) error
	// Close stops the client and detaches its event handler. Safe to call twice.
	Close()
}

// Dialer creates connections and knows which devices have stored session identities
type Dialer interface {
	// Dial prepares a connection for deviceID. handler receives every event of that
	// connection and nothing else.
	Dial(ctx context.Context, deviceID string, handler func(Event)) (Connection, error)
	KnownDevices(ctx context.Context) ([]string, error)
	// Purge deletes the stored session identity of deviceID
	Purge(ctx context.Context, deviceID string) error
}

// Completer produces an AI reply for a prompt
type Completer interface {
	Complete(ctx context.Context, apiKey, model, prompt string) (string, error)
}

// Observer is notified of state changes and pairing challenges. Implementations must not block.
type Observer interface {
	StatusChanged(deviceID string, state models.ConnectionState)
	ChallengeReady(deviceID, imageData string)
}

// QREncoder renders a pairing payload as an image data URL
type QREncoder interface {
	Encode(payload string) (string, error)
}

// ConfigSource reads device configs
type ConfigSource interface {
	Device(ctx context.Context, id string) (models.DeviceConfig, error)
	DeviceIDs(ctx context.Context) ([]string, error)
}

// AISettingsSource returns the unmasked global AI settings
type AISettingsSource interface {
	ActiveAISettings(ctx context.Context) (models.GlobalAISettings, error)
}

type nopObserver struct{}

func (nopObserver) StatusChanged(string, models.ConnectionState) {}
func (nopObserver) ChallengeReady(string, string) {}
