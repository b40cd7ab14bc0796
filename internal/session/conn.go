// Package session owns the per-tenant connection lifecycle: one live
// handle per tenant, QR pairing, reconnect policy and keep-alive. The
// wire protocol is reached only through the Conn capability so the
// registry never depends on a concrete transport.
package session

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Close codes reported by the upstream transport.
type CloseCode int

const (
	// CloseLoggedOut means the account unlinked this device. Credentials
	// are purged and no reconnect is attempted.
	CloseLoggedOut CloseCode = 401
	// CloseInvalidSession means the stored credentials are unusable.
	// They are purged but a fresh pairing attempt is still made.
	CloseInvalidSession CloseCode = 405
	// CloseRestartRequired is raised when the pairing QR cycle ends or
	// the server demands a stream restart.
	CloseRestartRequired CloseCode = 515
)

// qrEndedReason marks a close caused by the QR pairing window expiring.
const qrEndedReason = "QR refs attempts ended"

var (
	ErrNotConnected        = errors.New("session is not connected")
	ErrAlreadyConnected    = errors.New("session is already paired")
	ErrConnectivityTimeout = errors.New("timed out waiting for connectivity")
)

// DeliveryResult reports a completed upstream send.
type DeliveryResult struct {
	UpstreamID string
	Timestamp  time.Time
}

// Quote references an earlier message when sending a reply.
type Quote struct {
	ChatID     string
	UpstreamID string
	SenderID   string
	Text       string
	FromSelf   bool
	Raw        []byte
}

// InteractiveButton is one tappable option of an interactive message.
type InteractiveButton struct {
	ID    string `json:"id" mapstructure:"id"`
	Title string `json:"title" mapstructure:"title"`
	Kind  string `json:"kind" mapstructure:"kind"`
}

// InteractiveContent is the structured body of an interactive message.
type InteractiveContent struct {
	Text     string              `json:"text" mapstructure:"text"`
	Footer   string              `json:"footer" mapstructure:"footer"`
	Title    string              `json:"title" mapstructure:"title"`
	Subtitle string              `json:"subtitle" mapstructure:"subtitle"`
	Buttons  []InteractiveButton `json:"buttons" mapstructure:"buttons"`
}

// Connection events, delivered on Conn.Events in upstream order.
type (
	// QREvent carries a fresh pairing code to render client-side.
	QREvent struct {
		Code string
	}

	// OpenEvent signals an authenticated connection.
	OpenEvent struct{}

	// CloseEvent signals connection loss with the upstream close code.
	CloseEvent struct {
		Code   CloseCode
		Reason string
	}

	// MessageEvent is an inbound message.
	MessageEvent struct {
		UpstreamID       string
		ChatID           string
		SenderID         string
		PushName         string
		Text             string
		FromSelf         bool
		Group            bool
		Timestamp        time.Time
		QuotedUpstreamID string
		QuotedText       string
		QuotedSender     string
		Raw              []byte
	}
)

// Conn is a single upstream connection. Implementations must keep
// Events open until End is called and never block on a slow reader.
type Conn interface {
	// Events yields connection and message events in order.
	Events() <-chan interface{}
	// Ready reports whether the underlying socket is open (it may still
	// be unauthenticated, e.g. while pairing).
	Ready() bool
	Send(ctx context.Context, dest string, text string, quote *Quote) (*DeliveryResult, error)
	SendInteractive(ctx context.Context, dest string, content InteractiveContent) (*DeliveryResult, error)
	RequestPairingCode(ctx context.Context, phone string) (string, error)
	Presence(ctx context.Context) error
	SelfID() string
	// End tears the connection down and closes the event channel.
	End()
	Logout(ctx context.Context) error
}

// Connector dials a new upstream connection for a tenant.
type Connector interface {
	Dial(ctx context.Context, tenantID string) (Conn, error)
}

// CredentialStore manages persisted pairing credentials per tenant.
type CredentialStore interface {
	Purge(tenantID string) error
	List() ([]string, error)
}

// Broadcaster pushes realtime events to a tenant's subscribers.
type Broadcaster interface {
	Publish(tenantID, event string, payload interface{})
}

// Notifier delivers gateway events to the operator webhook.
type Notifier interface {
	Send(event string, payload interface{})
}

// OutboundMessage describes a message the gateway just sent, for
// recording and broadcast.
type OutboundMessage struct {
	ChatID       string
	Sender       string
	SenderID     string
	Text         string
	UpstreamID   string
	ReplyToID    int64
	QuotedText   string
	QuotedSender string
	Timestamp    time.Time
}

// MessageSink receives message traffic from the registry. The recorder
// implements it.
type MessageSink interface {
	InboundReceived(tenantID string, conn Conn, evt MessageEvent)
	OutboundSent(tenantID string, msg OutboundMessage)
	ResolveQuote(tenantID string, recordID int64) (*Quote, error)
}

const defaultUserServer = "s.whatsapp.net"

// NormalizeDestination appends the default user server to bare phone
// numbers; full JIDs pass through unchanged.
func NormalizeDestination(dest string) string {
	dest = strings.TrimSpace(dest)
	if strings.Contains(dest, "@") {
		return dest
	}
	return dest + "@" + defaultUserServer
}

func isQREnded(evt CloseEvent) bool {
	return evt.Code == CloseRestartRequired || strings.Contains(evt.Reason, qrEndedReason)
}
