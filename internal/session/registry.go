package session

import (
	"context"
	"sync"
	"time"

	"github.com/Faiqzakii/wa-gateway/pkg/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Session states as reported by Status.
const (
	StateDisconnected = "disconnected"
	StateQRReady      = "qr_ready"
	StateConnected    = "connected"
	StateQRTimeout    = "qr_timeout"
)

// Config tunes the registry's timing. Tests shrink the durations.
type Config struct {
	KeepaliveInterval time.Duration
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	RestartDelay      time.Duration
	QRBudget          int
	PairWaitAttempts  int
	PairWaitStep      time.Duration
}

func DefaultConfig() Config {
	return Config{
		KeepaliveInterval: 30 * time.Second,
		ReconnectBase:     3 * time.Second,
		ReconnectMax:      60 * time.Second,
		RestartDelay:      2 * time.Second,
		QRBudget:          3,
		PairWaitAttempts:  20,
		PairWaitStep:      500 * time.Millisecond,
	}
}

// reconnectDelay returns base*2^(attempt-1) capped at max.
func reconnectDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Handle is the live state of one tenant's session.
type Handle struct {
	tenantID string
	conn     Conn

	mu             sync.Mutex
	connected      bool
	state          string
	qr             string
	connectedSince time.Time
	qrFailed       bool

	kaStop chan struct{}
	kaOnce sync.Once
}

// Status is a point-in-time snapshot of a session.
type Status struct {
	State          string     `json:"state"`
	Connected      bool       `json:"connected"`
	QR             string     `json:"qr,omitempty"`
	ConnectedSince *time.Time `json:"connected_since,omitempty"`
}

func (h *Handle) snapshot() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := Status{State: h.state, Connected: h.connected, QR: h.qr}
	if !h.connectedSince.IsZero() {
		t := h.connectedSince
		st.ConnectedSince = &t
	}
	return st
}

func (h *Handle) stopKeepalive() {
	h.kaOnce.Do(func() { close(h.kaStop) })
}

func (h *Handle) isQRFailed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.qrFailed
}

// Registry maps tenant IDs to at most one live Handle each. The map
// mutex is only held for map mutations, never across dial or teardown;
// every cross-goroutine mutation is expressed as compare-then-act.
type Registry struct {
	cfg       Config
	connector Connector
	creds     CredentialStore
	sink      MessageSink
	hub       Broadcaster
	notifier  Notifier

	mu       sync.Mutex
	sessions map[string]*Handle
	timers   map[string]*time.Timer
	// qrRetries and reconnRetries count failed QR pairing cycles and
	// consecutive reconnect attempts per tenant. They live on the
	// registry because every cycle tears the handle down and the
	// counters must survive the recreate.
	qrRetries     map[string]int
	reconnRetries map[string]int
	closed        bool

	sf singleflight.Group
}

func NewRegistry(cfg Config, connector Connector, creds CredentialStore) *Registry {
	return &Registry{
		cfg:           cfg,
		connector:     connector,
		creds:         creds,
		sessions:      make(map[string]*Handle),
		timers:        make(map[string]*time.Timer),
		qrRetries:     make(map[string]int),
		reconnRetries: make(map[string]int),
	}
}

// Attach wires the optional collaborators. Call before first use.
func (r *Registry) Attach(sink MessageSink, hub Broadcaster, notifier Notifier) {
	r.sink = sink
	r.hub = hub
	r.notifier = notifier
}

func (r *Registry) broadcast(tenantID, event string, payload interface{}) {
	if r.hub != nil {
		r.hub.Publish(tenantID, event, payload)
	}
}

func (r *Registry) notify(event string, payload interface{}) {
	if r.notifier != nil {
		r.notifier.Send(event, payload)
	}
}

func (r *Registry) current(tenantID string) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[tenantID]
}

// evictIf removes the tenant's handle only when it is still h.
func (r *Registry) evictIf(tenantID string, h *Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[tenantID] == h {
		delete(r.sessions, tenantID)
		return true
	}
	return false
}

// putIfAbsent registers h unless another handle won the race. Returns
// the handle that is now current and whether h was stored.
func (r *Registry) putIfAbsent(tenantID string, h *Handle) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[tenantID]; ok {
		return cur, false
	}
	r.sessions[tenantID] = h
	return h, true
}

// EnsureSession returns the tenant's live handle, creating one if none
// exists. A handle stranded in qr_timeout counts as none: asking again
// is the manual re-initiation that replaces it with a fresh dial.
// Creation is collapsed across concurrent callers and never waits for
// the connection to finish establishing.
func (r *Registry) EnsureSession(ctx context.Context, tenantID string) (*Handle, error) {
	if h := r.current(tenantID); h != nil && !h.isQRFailed() {
		return h, nil
	}
	v, err, _ := r.sf.Do(tenantID, func() (interface{}, error) {
		return r.createSession(ctx, tenantID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Handle), nil
}

func (r *Registry) createSession(ctx context.Context, tenantID string) (*Handle, error) {
	if h := r.current(tenantID); h != nil {
		if !h.isQRFailed() {
			return h, nil
		}
		// the marker's conn is already ended; drop it so the new handle
		// can take the slot
		r.evictIf(tenantID, h)
	}

	conn, err := r.connector.Dial(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	h := &Handle{
		tenantID: tenantID,
		conn:     conn,
		state:    StateDisconnected,
		kaStop:   make(chan struct{}),
	}
	cur, stored := r.putIfAbsent(tenantID, h)
	if !stored {
		conn.End()
		return cur, nil
	}

	zap.L().Info("session: created", zap.String("tenant", tenantID))
	metrics.IncrCounter("session_created", 1)

	go r.eventLoop(h)
	go r.keepalive(h)
	return h, nil
}

// eventLoop consumes the connection's events on a dedicated goroutine
// per tenant, so one slow tenant never stalls another.
func (r *Registry) eventLoop(h *Handle) {
	for evt := range h.conn.Events() {
		switch e := evt.(type) {
		case QREvent:
			r.handleQR(h, e)
		case OpenEvent:
			r.handleOpen(h)
		case CloseEvent:
			r.handleClose(h, e)
		case MessageEvent:
			if e.FromSelf {
				continue
			}
			if r.sink != nil {
				r.sink.InboundReceived(h.tenantID, h.conn, e)
			}
		}
	}
}

func (r *Registry) handleQR(h *Handle, evt QREvent) {
	h.mu.Lock()
	h.qr = evt.Code
	h.state = StateQRReady
	h.mu.Unlock()

	zap.L().Info("session: qr issued", zap.String("tenant", h.tenantID))
	r.broadcast(h.tenantID, "qr", map[string]interface{}{"code": evt.Code})
	r.notify("connection_status", map[string]interface{}{
		"tenant_id": h.tenantID,
		"status":    StateQRReady,
	})
}

func (r *Registry) handleOpen(h *Handle) {
	h.mu.Lock()
	h.connected = true
	h.state = StateConnected
	h.qr = ""
	h.qrFailed = false
	if h.connectedSince.IsZero() {
		h.connectedSince = time.Now()
	}
	since := h.connectedSince
	h.mu.Unlock()

	r.mu.Lock()
	delete(r.qrRetries, h.tenantID)
	delete(r.reconnRetries, h.tenantID)
	r.mu.Unlock()

	zap.L().Info("session: connected", zap.String("tenant", h.tenantID))
	metrics.IncrCounter("session_connected", 1)

	payload := map[string]interface{}{
		"tenant_id": h.tenantID,
		"status":    StateConnected,
		"since":     since,
	}
	r.broadcast(h.tenantID, "connection_status", payload)
	r.notify("connection_status", payload)
}

func (r *Registry) handleClose(h *Handle, evt CloseEvent) {
	restart := isQREnded(evt)

	var qrExhausted bool
	if restart {
		r.mu.Lock()
		r.qrRetries[h.tenantID]++
		if r.qrRetries[h.tenantID] >= r.cfg.QRBudget {
			qrExhausted = true
			// a later explicit pairing attempt gets a fresh budget
			delete(r.qrRetries, h.tenantID)
		}
		r.mu.Unlock()
	}

	h.mu.Lock()
	h.connected = false
	h.state = StateDisconnected
	h.qr = ""
	h.connectedSince = time.Time{}
	if qrExhausted {
		h.qrFailed = true
		h.state = StateQRTimeout
	}
	h.mu.Unlock()

	if restart {
		// fresh pairing cycle, backoff does not compound
		r.mu.Lock()
		delete(r.reconnRetries, h.tenantID)
		r.mu.Unlock()
	}

	h.stopKeepalive()
	h.conn.End()

	zap.L().Info("session: closed",
		zap.String("tenant", h.tenantID),
		zap.Int("code", int(evt.Code)),
		zap.String("reason", evt.Reason))
	metrics.IncrCounter("session_closed", 1)

	if qrExhausted {
		// the handle stays registered as a terminal qr_timeout marker so
		// Status keeps reporting the failure until the operator acts
		zap.L().Warn("session: qr attempts exhausted", zap.String("tenant", h.tenantID))
		payload := map[string]interface{}{"tenant_id": h.tenantID, "status": StateQRTimeout}
		r.broadcast(h.tenantID, "connection_status", payload)
		r.notify("connection_status", payload)
		return
	}

	// only the current handle may evict itself; a replacement created
	// by a faster reconnect must not be disturbed
	r.evictIf(h.tenantID, h)

	if evt.Code == CloseLoggedOut || evt.Code == CloseInvalidSession {
		// purge only when no replacement session took over
		if r.current(h.tenantID) == nil {
			if err := r.creds.Purge(h.tenantID); err != nil {
				zap.L().Warn("session: credential purge failed", zap.String("tenant", h.tenantID), zap.Error(err))
			}
		}
	}

	payload := map[string]interface{}{"tenant_id": h.tenantID, "status": StateDisconnected}
	r.broadcast(h.tenantID, "connection_status", payload)
	r.notify("connection_status", payload)

	if evt.Code == CloseLoggedOut {
		return
	}
	delay := r.cfg.RestartDelay
	if !restart {
		delay = r.nextReconnectDelay(h.tenantID)
	}
	r.scheduleReconnect(h.tenantID, delay)
}

// nextReconnectDelay advances the tenant's consecutive-failure counter
// and returns the backoff for it.
func (r *Registry) nextReconnectDelay(tenantID string) time.Duration {
	r.mu.Lock()
	r.reconnRetries[tenantID]++
	n := r.reconnRetries[tenantID]
	r.mu.Unlock()
	return reconnectDelay(n, r.cfg.ReconnectBase, r.cfg.ReconnectMax)
}

func (r *Registry) scheduleReconnect(tenantID string, delay time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if _, pending := r.timers[tenantID]; pending {
		return
	}
	zap.L().Info("session: reconnect scheduled", zap.String("tenant", tenantID), zap.Duration("delay", delay))
	r.timers[tenantID] = time.AfterFunc(delay, func() {
		r.mu.Lock()
		delete(r.timers, tenantID)
		closed := r.closed
		cur := r.sessions[tenantID]
		r.mu.Unlock()
		if closed || cur != nil {
			return
		}
		if _, err := r.EnsureSession(context.Background(), tenantID); err != nil {
			// a failed dial keeps the chain alive with a longer backoff
			zap.L().Error("session: reconnect failed", zap.String("tenant", tenantID), zap.Error(err))
			r.scheduleReconnect(tenantID, r.nextReconnectDelay(tenantID))
		}
	})
}

func (r *Registry) keepalive(h *Handle) {
	interval := r.cfg.KeepaliveInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.kaStop:
			return
		case <-ticker.C:
			h.mu.Lock()
			connected := h.connected
			h.mu.Unlock()
			if !connected {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := h.conn.Presence(ctx); err != nil {
				zap.L().Debug("session: keepalive presence failed", zap.String("tenant", h.tenantID), zap.Error(err))
			}
			cancel()
		}
	}
}

// Send delivers a text message for the tenant, resolving an optional
// quoted reply by record ID. The outbound message is recorded and
// broadcast on success.
func (r *Registry) Send(ctx context.Context, tenantID, dest, text string, replyToID int64) (*DeliveryResult, error) {
	h, err := r.EnsureSession(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	connected := h.connected
	h.mu.Unlock()
	if !connected {
		return nil, ErrNotConnected
	}

	jid := NormalizeDestination(dest)

	var quote *Quote
	var quotedText, quotedSender string
	if replyToID != 0 && r.sink != nil {
		// a missing quote target degrades to a plain send
		if q, err := r.sink.ResolveQuote(tenantID, replyToID); err == nil && q != nil {
			quote = q
			quotedText = q.Text
			quotedSender = q.SenderID
		}
	}

	res, err := h.conn.Send(ctx, jid, text, quote)
	if err != nil {
		metrics.IncrCounter("message_send_failed", 1)
		return nil, err
	}
	metrics.IncrCounter("message_sent", 1)

	if r.sink != nil {
		r.sink.OutboundSent(tenantID, OutboundMessage{
			ChatID:       jid,
			Sender:       "me",
			SenderID:     h.conn.SelfID(),
			Text:         text,
			UpstreamID:   res.UpstreamID,
			ReplyToID:    replyToID,
			QuotedText:   quotedText,
			QuotedSender: quotedSender,
			Timestamp:    res.Timestamp,
		})
	}
	return res, nil
}

// SendInteractive delivers structured interactive content through the
// connection's interactive capability.
func (r *Registry) SendInteractive(ctx context.Context, tenantID, dest string, content InteractiveContent) (*DeliveryResult, error) {
	h, err := r.EnsureSession(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	connected := h.connected
	h.mu.Unlock()
	if !connected {
		return nil, ErrNotConnected
	}

	jid := NormalizeDestination(dest)
	res, err := h.conn.SendInteractive(ctx, jid, content)
	if err != nil {
		metrics.IncrCounter("message_send_failed", 1)
		return nil, err
	}
	metrics.IncrCounter("message_sent", 1)

	if r.sink != nil {
		r.sink.OutboundSent(tenantID, OutboundMessage{
			ChatID:     jid,
			Sender:     "me",
			SenderID:   h.conn.SelfID(),
			Text:       content.Text,
			UpstreamID: res.UpstreamID,
			Timestamp:  res.Timestamp,
		})
	}
	return res, nil
}

// Status reports the tenant's session snapshot; unknown tenants are
// simply disconnected.
func (r *Registry) Status(tenantID string) Status {
	h := r.current(tenantID)
	if h == nil {
		return Status{State: StateDisconnected}
	}
	return h.snapshot()
}

// Logout unlinks the device: best-effort upstream logout, teardown,
// removal from the registry and credential purge.
func (r *Registry) Logout(ctx context.Context, tenantID string) error {
	r.mu.Lock()
	h := r.sessions[tenantID]
	delete(r.sessions, tenantID)
	delete(r.qrRetries, tenantID)
	delete(r.reconnRetries, tenantID)
	if t, ok := r.timers[tenantID]; ok {
		t.Stop()
		delete(r.timers, tenantID)
	}
	r.mu.Unlock()

	if h != nil {
		if err := h.conn.Logout(ctx); err != nil {
			zap.L().Warn("session: upstream logout failed", zap.String("tenant", tenantID), zap.Error(err))
		}
		h.stopKeepalive()
		h.conn.End()
	}
	if err := r.creds.Purge(tenantID); err != nil {
		return err
	}

	zap.L().Info("session: logged out", zap.String("tenant", tenantID))
	payload := map[string]interface{}{"tenant_id": tenantID, "status": StateDisconnected}
	r.broadcast(tenantID, "connection_status", payload)
	r.notify("connection_status", payload)
	return nil
}

// RequestPairingCode asks the upstream for a phone-pairing code. The
// socket may still be opening, so readiness is polled briefly first.
func (r *Registry) RequestPairingCode(ctx context.Context, tenantID, phone string) (string, error) {
	h, err := r.EnsureSession(ctx, tenantID)
	if err != nil {
		return "", err
	}
	h.mu.Lock()
	connected := h.connected
	h.mu.Unlock()
	if connected {
		return "", ErrAlreadyConnected
	}

	for i := 0; i < r.cfg.PairWaitAttempts; i++ {
		if h.conn.Ready() {
			return h.conn.RequestPairingCode(ctx, phone)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(r.cfg.PairWaitStep):
		}
	}
	return "", ErrConnectivityTimeout
}

// Preload restores a session for every tenant with stored credentials.
func (r *Registry) Preload(ctx context.Context) {
	tenants, err := r.creds.List()
	if err != nil {
		zap.L().Warn("session: preload list failed", zap.Error(err))
		return
	}
	for _, tenant := range tenants {
		if _, err := r.EnsureSession(ctx, tenant); err != nil {
			zap.L().Warn("session: preload failed", zap.String("tenant", tenant), zap.Error(err))
		}
	}
	zap.L().Info("session: preload complete", zap.Int("tenants", len(tenants)))
}

// Shutdown stops reconnect timers and tears down every session.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	r.closed = true
	for tenant, t := range r.timers {
		t.Stop()
		delete(r.timers, tenant)
	}
	handles := make([]*Handle, 0, len(r.sessions))
	for tenant, h := range r.sessions {
		handles = append(handles, h)
		delete(r.sessions, tenant)
	}
	r.mu.Unlock()

	for _, h := range handles {
		h.stopKeepalive()
		h.conn.End()
	}
}
