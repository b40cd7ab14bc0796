// Package wameow backs the session registry with real WhatsApp
// connections via whatsmeow. Each tenant gets its own sqlite
// credential store under the configured store directory.
package wameow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/prototext"
	"google.golang.org/protobuf/proto"

	"github.com/Faiqzakii/wa-gateway/internal/session"
)

// Connector dials whatsmeow clients. Auto-reconnect is disabled on
// every client; reconnect policy belongs to the session registry.
type Connector struct {
	storeDir string
}

var _ session.Connector = (*Connector)(nil)

func NewConnector(storeDir string) *Connector {
	store.SetOSInfo("WA Gateway", [3]uint32{1, 0, 0})
	return &Connector{storeDir: storeDir}
}

// Dial opens the tenant's credential container, builds a client and
// starts connecting. Pairing is driven through the QR channel when no
// device identity is stored yet.
func (c *Connector) Dial(ctx context.Context, tenantID string) (session.Conn, error) {
	dir := filepath.Join(c.storeDir, tenantID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create tenant store dir")
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", filepath.Join(dir, "session.db"))
	container, err := sqlstore.New(ctx, "sqlite3", dsn, waLog.Noop)
	if err != nil {
		return nil, errors.Wrap(err, "open credential store")
	}

	devices, err := container.GetAllDevices(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list stored devices")
	}
	device := container.NewDevice()
	if len(devices) > 0 {
		device = devices[0]
	}

	client := whatsmeow.NewClient(device, waLog.Noop)
	client.EnableAutoReconnect = false

	conn := &waConn{
		tenantID: tenantID,
		client:   client,
		events:   make(chan interface{}, 64),
	}
	client.AddEventHandler(conn.handleEvent)

	if client.Store.ID == nil {
		// No stored identity, pairing needed. The QR channel must be
		// requested before Connect.
		qrChan, err := client.GetQRChannel(context.Background())
		if err != nil {
			return nil, errors.Wrap(err, "qr channel")
		}
		if err := client.Connect(); err != nil {
			return nil, errors.Wrap(err, "connect")
		}
		go conn.pumpQR(qrChan)
		return conn, nil
	}

	if err := client.Connect(); err != nil {
		return nil, errors.Wrap(err, "connect")
	}
	return conn, nil
}

type waConn struct {
	tenantID string
	client   *whatsmeow.Client

	mu     sync.Mutex
	closed bool
	events chan interface{}
}

var _ session.Conn = (*waConn)(nil)

func (c *waConn) Events() <-chan interface{} { return c.events }

func (c *waConn) Ready() bool {
	return c.client.IsConnected()
}

// emit forwards an event without ever blocking the whatsmeow handler
// goroutine. A full channel drops the event.
func (c *waConn) emit(evt interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- evt:
	default:
		zap.L().Warn("wameow: event channel full, dropping",
			zap.String("tenant", c.tenantID),
			zap.String("type", fmt.Sprintf("%T", evt)))
	}
}

func (c *waConn) pumpQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		switch item.Event {
		case "code":
			c.emit(session.QREvent{Code: item.Code})
		case "timeout":
			c.client.Disconnect()
			c.emit(session.CloseEvent{
				Code:   session.CloseRestartRequired,
				Reason: "QR refs attempts ended",
			})
		}
		// "success" needs nothing here, Connected fires on its own.
	}
}

func (c *waConn) handleEvent(raw interface{}) {
	switch evt := raw.(type) {
	case *events.Connected:
		c.emit(session.OpenEvent{})
	case *events.PairSuccess:
		zap.L().Info("wameow: paired",
			zap.String("tenant", c.tenantID),
			zap.String("jid", evt.ID.String()))
	case *events.Disconnected:
		c.emit(session.CloseEvent{Reason: "socket disconnected"})
	case *events.LoggedOut:
		c.emit(session.CloseEvent{
			Code:   session.CloseLoggedOut,
			Reason: evt.Reason.String(),
		})
	case *events.StreamReplaced:
		c.emit(session.CloseEvent{
			Code:   session.CloseInvalidSession,
			Reason: "stream replaced by another client",
		})
	case *events.TemporaryBan:
		c.emit(session.CloseEvent{
			Code:   session.CloseInvalidSession,
			Reason: "temporary ban: " + evt.Code.String(),
		})
	case *events.ConnectFailure:
		c.emit(session.CloseEvent{
			Code:   session.CloseCode(evt.Reason),
			Reason: evt.Message,
		})
	case *events.StreamError:
		code := session.CloseCode(0)
		reason := "stream error " + evt.Code
		if evt.Code == "515" {
			code = session.CloseRestartRequired
			reason = "restart required"
		}
		c.emit(session.CloseEvent{Code: code, Reason: reason})
	case *events.Message:
		c.handleMessage(evt)
	}
}

func (c *waConn) handleMessage(evt *events.Message) {
	// status broadcasts are noise for a gateway
	if evt.Info.Chat.Server == types.BroadcastServer {
		return
	}

	msg := session.MessageEvent{
		UpstreamID: evt.Info.ID,
		ChatID:     evt.Info.Chat.String(),
		SenderID:   evt.Info.Sender.ToNonAD().String(),
		PushName:   evt.Info.PushName,
		FromSelf:   evt.Info.IsFromMe,
		Group:      evt.Info.IsGroup,
		Timestamp:  evt.Info.Timestamp,
		Text:       extractText(evt.Message),
		Raw:        []byte(prototext.Format(evt.Message)),
	}

	if ctxInfo := quotedContext(evt.Message); ctxInfo != nil {
		msg.QuotedUpstreamID = ctxInfo.GetStanzaID()
		msg.QuotedSender = ctxInfo.GetParticipant()
		if quoted := ctxInfo.GetQuotedMessage(); quoted != nil {
			msg.QuotedText = extractText(quoted)
		}
	}

	c.emit(msg)
}

func extractText(waMsg *waE2E.Message) string {
	if waMsg == nil {
		return ""
	}
	if t := waMsg.GetConversation(); t != "" {
		return t
	}
	if ext := waMsg.ExtendedTextMessage; ext != nil {
		return ext.GetText()
	}
	return ""
}

func quotedContext(waMsg *waE2E.Message) *waE2E.ContextInfo {
	if waMsg == nil {
		return nil
	}
	if ext := waMsg.ExtendedTextMessage; ext != nil {
		return ext.GetContextInfo()
	}
	return nil
}

func (c *waConn) Send(ctx context.Context, dest string, text string, quote *session.Quote) (*session.DeliveryResult, error) {
	jid, err := parseJID(dest)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.SendMessage(ctx, jid, buildTextMessage(text, quote))
	if err != nil {
		return nil, errors.Wrap(err, "send message")
	}
	return &session.DeliveryResult{UpstreamID: string(resp.ID), Timestamp: resp.Timestamp}, nil
}

// SendInteractive renders the structured content as a numbered text
// message. Native button payloads churn too often upstream to depend
// on; the Conn interface keeps the rendering swappable.
func (c *waConn) SendInteractive(ctx context.Context, dest string, content session.InteractiveContent) (*session.DeliveryResult, error) {
	var b strings.Builder
	if content.Title != "" {
		b.WriteString("*" + content.Title + "*\n")
	}
	if content.Subtitle != "" {
		b.WriteString(content.Subtitle + "\n")
	}
	if content.Text != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString(content.Text)
	}
	if len(content.Buttons) > 0 {
		b.WriteString("\n")
		for i, btn := range content.Buttons {
			b.WriteString(fmt.Sprintf("\n%d. %s", i+1, btn.Title))
		}
	}
	if content.Footer != "" {
		b.WriteString("\n\n_" + content.Footer + "_")
	}
	return c.Send(ctx, dest, b.String(), nil)
}

func (c *waConn) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	code, err := c.client.PairPhone(ctx, phone, true, whatsmeow.PairClientChrome, "Chrome (Linux)")
	if err != nil {
		return "", errors.Wrap(err, "pair phone")
	}
	return code, nil
}

func (c *waConn) Presence(ctx context.Context) error {
	return c.client.SendPresence(ctx, types.PresenceAvailable)
}

func (c *waConn) SelfID() string {
	id := c.client.Store.ID
	if id == nil {
		return ""
	}
	return id.ToNonAD().String()
}

// End disconnects the socket and closes the event channel. Safe to
// call more than once.
func (c *waConn) End() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.events)
	c.mu.Unlock()

	c.client.RemoveEventHandlers()
	c.client.Disconnect()
}

func (c *waConn) Logout(ctx context.Context) error {
	return c.client.Logout(ctx)
}

func buildTextMessage(text string, quote *session.Quote) *waE2E.Message {
	if quote == nil {
		return &waE2E.Message{Conversation: proto.String(text)}
	}
	return &waE2E.Message{
		ExtendedTextMessage: &waE2E.ExtendedTextMessage{
			Text: proto.String(text),
			ContextInfo: &waE2E.ContextInfo{
				StanzaID:    proto.String(quote.UpstreamID),
				Participant: proto.String(quote.SenderID),
				QuotedMessage: &waE2E.Message{
					Conversation: proto.String(quote.Text),
				},
			},
		},
	}
}

// parseJID accepts a full JID or a bare phone number.
func parseJID(s string) (types.JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.JID{}, errors.New("empty destination")
	}
	if strings.Contains(s, "@") {
		return types.ParseJID(s)
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	if len(digits) < 8 {
		return types.JID{}, errors.Errorf("destination %q is not a phone number", s)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}
